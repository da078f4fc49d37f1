package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clubhub.app/internal/ids"
)

const (
	defaultJoinCodeTTL = 7 * 24 * time.Hour
	joinCodeAttempts   = 5
)

// JoinCodeRequest describes a join code to issue for a club.
type JoinCodeRequest struct {
	ClubID  string
	Role    Role
	MaxUses int
	TTL     time.Duration
}

// IssueJoinCode generates a code for req.ClubID and stores its hash. The
// plaintext is returned exactly once. Collisions with existing codes are
// retried with a fresh code.
func (s *Service) IssueJoinCode(ctx context.Context, actor Principal, req JoinCodeRequest) (string, JoinCode, error) {
	if s.joinCodes == nil {
		return "", JoinCode{}, errors.New("auth: join codes are not configured")
	}
	req.ClubID = strings.TrimSpace(req.ClubID)
	if req.ClubID == "" {
		return "", JoinCode{}, fmt.Errorf("%w: club_id is required", ErrInvalidInput)
	}
	if req.Role == "" {
		req.Role = RolePlayer
	}
	role, err := ParseRole(string(req.Role))
	if err != nil {
		return "", JoinCode{}, err
	}
	if role == RoleAdmin {
		return "", JoinCode{}, fmt.Errorf("%w: join codes cannot grant admin", ErrInvalidInput)
	}
	if err := s.checkGrantable(actor, []Role{role}); err != nil {
		return "", JoinCode{}, err
	}
	if req.MaxUses < 0 {
		return "", JoinCode{}, fmt.Errorf("%w: max_uses must not be negative", ErrInvalidInput)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.joinTTL
	}

	for attempt := 0; attempt < joinCodeAttempts; attempt++ {
		plain, err := GenerateCode()
		if err != nil {
			return "", JoinCode{}, err
		}
		now := s.now().UTC()
		code := JoinCode{
			ID:        ids.NewAt(now),
			ClubID:    req.ClubID,
			CodeHash:  s.hasher.HashCode(plain),
			Role:      role,
			CreatedBy: actor.UserID,
			MaxUses:   req.MaxUses,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		err = s.joinCodes.CreateJoinCode(ctx, code)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return "", JoinCode{}, fmt.Errorf("store join code: %w", err)
		}
		s.emit(ctx, "auth.join_code.issued", map[string]any{
			"club_id":  code.ClubID,
			"code_id":  code.ID,
			"role":     string(code.Role),
			"actor_id": actor.UserID,
		})
		return plain, code, nil
	}
	return "", JoinCode{}, fmt.Errorf("%w: could not allocate a unique join code", ErrConflict)
}

// RedeemJoinCode attaches userID to the code's club and adds the code's role.
// A user already attached to a club is rejected with ErrConflict and the code
// keeps its use.
func (s *Service) RedeemJoinCode(ctx context.Context, userID, plain string) (User, error) {
	if s.joinCodes == nil {
		return User{}, errors.New("auth: join codes are not configured")
	}
	plain = CanonicalCode(plain)
	if len(plain) != CodeLength {
		return User{}, fmt.Errorf("%w: invalid join code", ErrNotFound)
	}
	current, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if current.ClubID != "" {
		return User{}, fmt.Errorf("%w: user already belongs to a club", ErrConflict)
	}
	code, user, err := s.joinCodes.RedeemJoinCode(ctx, s.hasher.HashCode(plain), userID, s.now().UTC(),
		func(code JoinCode, u *User) error {
			if u.ClubID != "" {
				return fmt.Errorf("%w: user already belongs to a club", ErrConflict)
			}
			u.ClubID = code.ClubID
			u.Roles = NormalizeRoles(append(u.Roles, code.Role))
			return nil
		})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, fmt.Errorf("%w: invalid join code", ErrNotFound)
		}
		if errors.Is(err, ErrConflict) {
			return User{}, err
		}
		return User{}, fmt.Errorf("redeem join code: %w", err)
	}
	s.emit(ctx, "auth.join_code.redeemed", map[string]any{
		"user_id": user.ID,
		"club_id": code.ClubID,
		"code_id": code.ID,
	})
	return user, nil
}
