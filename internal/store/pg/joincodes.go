package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clubhub.app/internal/auth"
)

func (s *Store) CreateJoinCode(ctx context.Context, code auth.JoinCode) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into club_join_codes(id, club_id, code_hash, role, created_by, max_uses, uses, created_at, expires_at)
		values($1,$2,$3,$4,$5,$6,0,$7,$8)`,
		code.ID, code.ClubID, code.CodeHash, string(code.Role), nullIfEmpty(code.CreatedBy), code.MaxUses,
		code.CreatedAt, code.ExpiresAt,
	)
	return mapUniqueViolation(err)
}

// RedeemJoinCode consumes a use and updates the user in one transaction. The
// conditional update keeps concurrent redemptions within max_uses and holds
// the code row until commit.
func (s *Store) RedeemJoinCode(ctx context.Context, codeHash, userID string, at time.Time, apply func(auth.JoinCode, *auth.User) error) (auth.JoinCode, auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.JoinCode{}, auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		code      auth.JoinCode
		role      string
		createdBy sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		update club_join_codes
		set uses = uses + 1
		where code_hash=$1 and expires_at > $2 and (max_uses = 0 or uses < max_uses)
		returning id, club_id, code_hash, role, created_by, max_uses, uses, created_at, expires_at`,
		codeHash, at.UTC(),
	).Scan(&code.ID, &code.ClubID, &code.CodeHash, &role, &createdBy, &code.MaxUses, &code.Uses, &code.CreatedAt, &code.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.JoinCode{}, auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.JoinCode{}, auth.User{}, err
	}
	code.Role = auth.Role(role)
	code.CreatedBy = createdBy.String

	user, err := updateUserTx(ctx, tx, userID, func(u *auth.User) error {
		return apply(code, u)
	})
	if err != nil {
		return auth.JoinCode{}, auth.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.JoinCode{}, auth.User{}, err
	}
	return code, user, nil
}
