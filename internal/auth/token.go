package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"clubhub.app/internal/config"
)

const tokenTypeAccess = "access"

// AccessClaims is the claim set carried by an access token.
type AccessClaims struct {
	Roles   []Role   `json:"roles"`
	ClubID  string   `json:"club_id,omitempty"`
	TeamIDs []string `json:"team_ids,omitempty"`
	Type    string   `json:"typ"`
	jwt.RegisteredClaims
}

// Identity returns the subject described by the claims.
func (c *AccessClaims) Identity() Identity {
	return Identity{
		UserID:  c.Subject,
		Roles:   NormalizeRoles(c.Roles),
		ClubID:  c.ClubID,
		TeamIDs: c.TeamIDs,
	}
}

// TokenCodec issues and verifies HS256 access tokens. Verification accepts the
// current key and, during rotation, the previous one. It never consults a store.
type TokenCodec struct {
	key        []byte
	previous   []byte
	issuer     string
	defaultTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time
}

// CodecOption configures a TokenCodec.
type CodecOption func(*TokenCodec) error

// WithCodecClock overrides the codec time source.
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *TokenCodec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// NewTokenCodec builds a codec from the auth configuration.
func NewTokenCodec(cfg config.AuthConfig, opts ...CodecOption) (*TokenCodec, error) {
	if cfg.SigningKey == "" {
		return nil, errors.New("auth: signing key is required")
	}
	c := &TokenCodec{
		key:        []byte(cfg.SigningKey),
		issuer:     strings.TrimSpace(cfg.Issuer),
		defaultTTL: cfg.AccessTTL,
		maxTTL:     cfg.MaxAccessTTL,
		now:        time.Now,
	}
	if cfg.PreviousSigningKey != "" {
		c.previous = []byte(cfg.PreviousSigningKey)
	}
	if c.defaultTTL <= 0 {
		return nil, errors.New("auth: access ttl must be positive")
	}
	if c.maxTTL <= 0 || c.maxTTL < c.defaultTTL {
		c.maxTTL = c.defaultTTL
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Issue signs an access token for id. A non-positive ttl selects the default
// lifetime; a ttl above the configured maximum is clamped to it.
func (c *TokenCodec) Issue(id Identity, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	now := c.now().UTC()
	expiresAt := now.Add(ttl)
	claims := AccessClaims{
		Roles:   NormalizeRoles(id.Roles),
		ClubID:  id.ClubID,
		TeamIDs: id.TeamIDs,
		Type:    tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks signature, issuer, type and lifetime. A lapsed expiry yields
// ErrExpiredToken; every other failure yields ErrInvalidToken.
func (c *TokenCodec) Verify(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims, err := c.parse(token, c.key)
	if err != nil && c.previous != nil && errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		claims, err = c.parse(token, c.previous)
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != tokenTypeAccess {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, claims.Type)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: issued-at missing", ErrInvalidToken)
	}
	claims.Roles = NormalizeRoles(claims.Roles)
	return claims, nil
}

func (c *TokenCodec) parse(token string, key []byte) (*AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
