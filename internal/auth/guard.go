package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clubhub.app/internal/config"
)

// Decision outcomes reported to a DecisionFunc.
const (
	OutcomeAdmitted = "admitted"
	OutcomeRejected = "rejected"
)

// Rejection reasons reported to a DecisionFunc.
const (
	ReasonMissingCredential = "missing_credential"
	ReasonInvalidToken      = "invalid_token"
	ReasonExpiredToken      = "expired_token"
	ReasonUnknownIdentity   = "unknown_identity"
	ReasonDisabled          = "disabled"
	ReasonSessionsRevoked   = "sessions_revoked"
	ReasonForbidden         = "forbidden"
	ReasonStoreError        = "store_error"
)

// DecisionFunc observes every guard decision.
type DecisionFunc func(outcome, reason string)

// Guard turns a bearer credential into an admitted Principal or a rejection.
// Its identity policy is fixed at construction and applies to every
// protected operation. The guard never mutates persistent state.
type Guard struct {
	codec   *TokenCodec
	users   UserStore
	table   *Table
	policy  string
	observe DecisionFunc
}

// GuardOption configures a Guard.
type GuardOption func(*Guard) error

// WithDecisionObserver registers a callback for admissions and rejections.
func WithDecisionObserver(fn DecisionFunc) GuardOption {
	return func(g *Guard) error {
		g.observe = fn
		return nil
	}
}

// NewGuard builds a Guard. The store policy requires users.
func NewGuard(codec *TokenCodec, users UserStore, table *Table, policy string, opts ...GuardOption) (*Guard, error) {
	if codec == nil {
		return nil, errors.New("auth: token codec is required")
	}
	if table == nil {
		return nil, errors.New("auth: permission table is required")
	}
	switch policy {
	case config.IdentityPolicyStore:
		if users == nil {
			return nil, errors.New("auth: store identity policy requires a user store")
		}
	case config.IdentityPolicyToken:
	default:
		return nil, fmt.Errorf("auth: unknown identity policy %q", policy)
	}
	g := &Guard{codec: codec, users: users, table: table, policy: policy}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Policy returns the identity policy in force.
func (g *Guard) Policy() string {
	return g.policy
}

// ExtractBearer returns the token from an Authorization header value.
func ExtractBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: malformed authorization header", ErrUnauthenticated)
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", fmt.Errorf("%w: malformed authorization header", ErrUnauthenticated)
	}
	return token, nil
}

// Check runs the full admission sequence for an Authorization header value.
func (g *Guard) Check(ctx context.Context, header string, req Requirement) (Principal, error) {
	token, err := ExtractBearer(header)
	if err != nil {
		g.reject(ReasonMissingCredential)
		return Principal{}, err
	}
	principal, err := g.Authenticate(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	if err := g.Authorize(principal, req); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

// Authenticate verifies token and resolves the caller's identity under the
// configured policy. Store failures are returned as-is and are not retried.
func (g *Guard) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := g.codec.Verify(token)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			g.reject(ReasonExpiredToken)
			return Principal{}, fmt.Errorf("%w: token expired", ErrUnauthenticated)
		}
		g.reject(ReasonInvalidToken)
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	id := claims.Identity()
	issuedAt := claims.IssuedAt.Time
	if g.policy == config.IdentityPolicyStore {
		user, err := g.users.GetUser(ctx, claims.Subject)
		switch {
		case errors.Is(err, ErrNotFound):
			g.reject(ReasonUnknownIdentity)
			return Principal{}, fmt.Errorf("%w: unknown identity", ErrUnauthenticated)
		case err != nil:
			g.reject(ReasonStoreError)
			return Principal{}, fmt.Errorf("resolve identity: %w", err)
		case !user.Active():
			g.reject(ReasonDisabled)
			return Principal{}, fmt.Errorf("%w: identity disabled", ErrUnauthenticated)
		case issuedBeforeCutoff(issuedAt, user.SessionsRevokedAt):
			g.reject(ReasonSessionsRevoked)
			return Principal{}, fmt.Errorf("%w: sessions revoked", ErrUnauthenticated)
		}
		id = Identity{
			UserID:  user.ID,
			Roles:   NormalizeRoles(user.Roles),
			ClubID:  user.ClubID,
			TeamIDs: user.TeamIDs,
		}
	}

	return Principal{
		Identity:    id,
		Permissions: g.table.Grants(id.Roles),
		TokenID:     claims.ID,
		IssuedAt:    issuedAt,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// Authorize decides req against an authenticated principal.
func (g *Guard) Authorize(p Principal, req Requirement) error {
	if !g.table.Satisfies(p.Roles, req) {
		g.reject(ReasonForbidden)
		return ErrForbidden
	}
	g.decide(OutcomeAdmitted, "")
	return nil
}

// issuedBeforeCutoff compares at token precision (whole seconds). A token
// issued in the same second as the cutoff is treated as revoked.
func issuedBeforeCutoff(issuedAt time.Time, cutoff *time.Time) bool {
	if cutoff == nil {
		return false
	}
	return !issuedAt.After(cutoff.Truncate(time.Second))
}

func (g *Guard) reject(reason string) {
	g.decide(OutcomeRejected, reason)
}

func (g *Guard) decide(outcome, reason string) {
	if g.observe != nil {
		g.observe(outcome, reason)
	}
}
