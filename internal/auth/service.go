package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 256
	tokenTypeBearer   = "Bearer"
)

// Service composes the codec, refresh store and user store into the session
// operations exposed over HTTP and gRPC.
type Service struct {
	users     UserStore
	refresh   *RefreshStore
	codec     *TokenCodec
	hasher    *Hasher
	table     *Table
	joinCodes JoinCodeStore
	joinTTL   time.Duration
	now       func() time.Time
	events    EventFunc

	dummyOnce sync.Once
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithEvents registers an audit sink for session and membership events.
func WithEvents(fn EventFunc) ServiceOption {
	return func(s *Service) error {
		s.events = fn
		return nil
	}
}

// WithPermissionTable sets the table used to bound what a non-admin actor may
// grant. It should be the table the Guard authorizes with.
func WithPermissionTable(t *Table) ServiceOption {
	return func(s *Service) error {
		if t == nil {
			return errors.New("auth: permission table is nil")
		}
		s.table = t
		return nil
	}
}

// WithJoinCodes enables club join codes backed by store.
func WithJoinCodes(store JoinCodeStore, ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if store == nil {
			return errors.New("auth: join code store is nil")
		}
		s.joinCodes = store
		if ttl > 0 {
			s.joinTTL = ttl
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(users UserStore, refresh *RefreshStore, codec *TokenCodec, hasher *Hasher, opts ...ServiceOption) (*Service, error) {
	switch {
	case users == nil:
		return nil, errors.New("auth: user store is required")
	case refresh == nil:
		return nil, errors.New("auth: refresh store is required")
	case codec == nil:
		return nil, errors.New("auth: token codec is required")
	case hasher == nil:
		return nil, errors.New("auth: hasher is required")
	}
	svc := &Service{
		users:   users,
		refresh: refresh,
		codec:   codec,
		hasher:  hasher,
		table:   DefaultTable(),
		joinTTL: defaultJoinCodeTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Register creates an active user holding the player role.
func (s *Service) Register(ctx context.Context, email, password string) (User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return User{}, err
	}
	if err := validatePassword(password); err != nil {
		return User{}, err
	}
	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return User{}, err
	}
	user, err := s.users.CreateUser(ctx, User{
		Email:        email,
		PasswordHash: hash,
		Roles:        []Role{RolePlayer},
		Status:       UserStatusActive,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return User{}, fmt.Errorf("%w: email already registered", ErrConflict)
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	s.emit(ctx, "auth.register", map[string]any{"user_id": user.ID})
	return user, nil
}

// Login checks credentials and issues an access/refresh pair. Unknown emails,
// wrong passwords and disabled users are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string, meta SessionMeta) (TokenPair, User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return TokenPair{}, User{}, ErrInvalidCredentials
	}
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.burnPasswordCheck(password)
			return TokenPair{}, User{}, ErrInvalidCredentials
		}
		return TokenPair{}, User{}, fmt.Errorf("load user: %w", err)
	}
	ok, err := s.hasher.VerifyPassword(user.PasswordHash, password)
	if err != nil {
		return TokenPair{}, User{}, fmt.Errorf("verify password for %s: %w", user.ID, err)
	}
	if !ok || !user.Active() {
		s.emit(ctx, "auth.login_failed", map[string]any{"user_id": user.ID})
		return TokenPair{}, User{}, ErrInvalidCredentials
	}
	if NeedsRehash(user.PasswordHash) {
		s.upgradePasswordHash(ctx, user.ID, password)
	}
	pair, err := s.mint(ctx, user, meta)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	s.emit(ctx, "auth.login", map[string]any{"user_id": user.ID})
	return pair, user, nil
}

// Refresh rotates value and issues a new pair. Any failure means the caller
// must be treated as logged out.
func (s *Service) Refresh(ctx context.Context, value string, meta SessionMeta) (TokenPair, error) {
	nextValue, rec, err := s.refresh.Rotate(ctx, value, meta)
	if err != nil {
		return TokenPair{}, err
	}
	user, err := s.users.GetUser(ctx, rec.UserID)
	if err != nil || !user.Active() {
		_ = s.refresh.Revoke(ctx, rec.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return TokenPair{}, fmt.Errorf("%w: load user %s: %w", ErrInvalidRefresh, rec.UserID, err)
		}
		return TokenPair{}, ErrInvalidRefresh
	}
	access, accessExp, err := s.codec.Issue(identityOf(user), 0)
	if err != nil {
		_ = s.refresh.Revoke(ctx, rec.ID)
		return TokenPair{}, fmt.Errorf("%w: issue access token: %w", ErrInvalidRefresh, err)
	}
	s.emit(ctx, "auth.refresh", map[string]any{"user_id": user.ID, "session_id": rec.ID})
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     nextValue,
		RefreshExpiresAt: rec.ExpiresAt,
		TokenType:        tokenTypeBearer,
	}, nil
}

// Logout revokes the caller's refresh credential.
func (s *Service) Logout(ctx context.Context, userID, value string) error {
	if err := s.refresh.RevokeValue(ctx, userID, value); err != nil {
		return err
	}
	s.emit(ctx, "auth.logout", map[string]any{"user_id": userID})
	return nil
}

// LogoutAll revokes every session of the caller.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	if err := s.refresh.RevokeAll(ctx, userID); err != nil {
		return err
	}
	s.emit(ctx, "auth.logout_all", map[string]any{"user_id": userID})
	return nil
}

// Sessions lists the caller's active sessions.
func (s *Service) Sessions(ctx context.Context, userID string) ([]Session, error) {
	return s.refresh.ListActive(ctx, userID)
}

// User returns the stored identity.
func (s *Service) User(ctx context.Context, userID string) (User, error) {
	return s.users.GetUser(ctx, userID)
}

// SetRoles replaces the role set of userID. Admins may assign any role. Other
// actors may not change their own roles, and may only assign roles, or touch
// users holding roles, whose permissions they already hold themselves.
func (s *Service) SetRoles(ctx context.Context, actor Principal, userID string, roles []Role) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	normalized := NormalizeRoles(roles)
	if len(normalized) == 0 {
		return User{}, fmt.Errorf("%w: at least one role is required", ErrInvalidInput)
	}
	for _, r := range normalized {
		if _, err := ParseRole(string(r)); err != nil {
			return User{}, err
		}
	}
	isAdmin := actor.HasRole(RoleAdmin)
	if !isAdmin {
		if userID == actor.UserID {
			return User{}, fmt.Errorf("%w: cannot change own roles", ErrForbidden)
		}
		if err := s.checkGrantable(actor, normalized); err != nil {
			return User{}, err
		}
	}
	var previous []Role
	user, err := s.users.UpdateUser(ctx, userID, func(u *User) error {
		previous = u.Roles
		if !isAdmin {
			if containsRole(u.Roles, RoleAdmin) {
				return fmt.Errorf("%w: only admins may change an admin", ErrForbidden)
			}
			if err := s.checkGrantable(actor, u.Roles); err != nil {
				return fmt.Errorf("%w: target holds permissions the actor lacks", ErrForbidden)
			}
		}
		u.Roles = normalized
		return nil
	})
	if err != nil {
		return User{}, err
	}
	s.emit(ctx, "auth.roles_changed", map[string]any{
		"user_id":  user.ID,
		"actor_id": actor.UserID,
		"from":     rolesToStrings(previous),
		"to":       rolesToStrings(normalized),
	})
	return user, nil
}

// checkGrantable reports ErrForbidden unless every permission carried by roles
// is already held by actor. Admin is never grantable by a non-admin. Player is
// what registration hands out, so it is always grantable.
func (s *Service) checkGrantable(actor Principal, roles []Role) error {
	if actor.HasRole(RoleAdmin) {
		return nil
	}
	held := s.table.Grants(actor.Roles)
	for _, r := range roles {
		switch r {
		case RoleAdmin:
			return fmt.Errorf("%w: only admins may grant admin", ErrForbidden)
		case RolePlayer:
			continue
		}
		for p := range s.table.Grants([]Role{r}) {
			if !held.Has(p) {
				return fmt.Errorf("%w: role %s carries %s", ErrForbidden, r, p)
			}
		}
	}
	return nil
}

func (s *Service) mint(ctx context.Context, user User, meta SessionMeta) (TokenPair, error) {
	access, accessExp, err := s.codec.Issue(identityOf(user), 0)
	if err != nil {
		return TokenPair{}, err
	}
	value, rec, err := s.refresh.Issue(ctx, user.ID, meta)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     value,
		RefreshExpiresAt: rec.ExpiresAt,
		TokenType:        tokenTypeBearer,
	}, nil
}

func (s *Service) upgradePasswordHash(ctx context.Context, userID, password string) {
	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return
	}
	_, err = s.users.UpdateUser(ctx, userID, func(u *User) error {
		u.PasswordHash = hash
		return nil
	})
	if err == nil {
		s.emit(ctx, "auth.password_rehashed", map[string]any{"user_id": userID})
	}
}

// burnPasswordCheck spends one argon2id verification so that unknown emails
// take as long as wrong passwords.
func (s *Service) burnPasswordCheck(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.HashPassword("clubhub-dummy-password")
	})
	if s.dummyHash != "" {
		_, _ = s.hasher.VerifyPassword(s.dummyHash, password)
	}
}

func (s *Service) emit(ctx context.Context, event string, fields map[string]any) {
	if s.events != nil {
		s.events(ctx, event, fields)
	}
}

func identityOf(u User) Identity {
	return Identity{UserID: u.ID, Roles: u.Roles, ClubID: u.ClubID, TeamIDs: u.TeamIDs}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	return email, nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password is too long", ErrInvalidInput)
	}
	return nil
}

func containsRole(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func rolesToStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
