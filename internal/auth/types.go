package auth

import "time"

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is an identity known to the auth subsystem. Users are never hard-deleted here.
type User struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	PasswordHash      string     `json:"-"`
	Roles             []Role     `json:"roles"`
	ClubID            string     `json:"club_id,omitempty"`
	TeamIDs           []string   `json:"team_ids,omitempty"`
	Status            string     `json:"status"`
	SessionsRevokedAt *time.Time `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Active reports whether the user may authenticate.
func (u User) Active() bool {
	return u.Status == UserStatusActive
}

// Identity is the subject carried by an access token.
type Identity struct {
	UserID  string
	Roles   []Role
	ClubID  string
	TeamIDs []string
}

// Principal is an admitted caller attached to the request context.
type Principal struct {
	Identity
	Permissions PermissionSet
	TokenID     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Can reports whether the principal holds perm.
func (p Principal) Can(perm Permission) bool {
	return p.Permissions.Has(perm)
}

// HasRole reports whether the principal holds role.
func (p Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RefreshRecord is the persisted form of a refresh credential. The plaintext
// value is never stored.
type RefreshRecord struct {
	ID        string
	UserID    string
	TokenHash string
	LineageID string
	ParentID  string
	UserAgent string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time

	// UserCutoff is the owner's sessions_revoked_at, loaded alongside the
	// record by repositories. It is not a column of the record itself.
	UserCutoff *time.Time
}

// Session is the client-visible view of a live refresh record.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// SessionMeta describes the client a refresh credential is issued to.
type SessionMeta struct {
	UserAgent string
}

// TokenPair is the result of login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`
}

// JoinCode lets a member attach themselves to a club. Only the code hash is stored.
type JoinCode struct {
	ID        string
	ClubID    string
	CodeHash  string
	Role      Role
	CreatedBy string
	MaxUses   int
	Uses      int
	CreatedAt time.Time
	ExpiresAt time.Time
}
