package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"clubhub.app/internal/auth"
	"clubhub.app/internal/ids"
)

const userColumns = `id, email, password_hash, roles, club_id, team_ids, status, sessions_revoked_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u        auth.User
		roles    []byte
		teamIDs  []byte
		clubID   sql.NullString
		sessions sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &roles, &clubID, &teamIDs, &u.Status, &sessions, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.User{}, auth.ErrNotFound
		}
		return auth.User{}, err
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &u.Roles); err != nil {
			return auth.User{}, fmt.Errorf("decode roles: %w", err)
		}
	}
	if len(teamIDs) > 0 {
		if err := json.Unmarshal(teamIDs, &u.TeamIDs); err != nil {
			return auth.User{}, fmt.Errorf("decode team ids: %w", err)
		}
	}
	u.ClubID = clubID.String
	u.SessionsRevokedAt = timePtr(sessions)
	return u, nil
}

func encodeList[T any](values []T) ([]byte, error) {
	if values == nil {
		values = []T{}
	}
	return json.Marshal(values)
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	roles, err := encodeList(u.Roles)
	if err != nil {
		return auth.User{}, err
	}
	teamIDs, err := encodeList(u.TeamIDs)
	if err != nil {
		return auth.User{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users(id, email, password_hash, roles, club_id, team_ids, status)
		values($1,$2,$3,$4,$5,$6,$7)
		returning `+userColumns,
		u.ID, u.Email, u.PasswordHash, roles, nullIfEmpty(u.ClubID), teamIDs, u.Status,
	)
	created, err := scanUser(row)
	if err != nil {
		return auth.User{}, mapUniqueViolation(err)
	}
	return created, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, strings.ToLower(strings.TrimSpace(email))))
}

func (s *Store) UpdateUser(ctx context.Context, id string, fn func(*auth.User) error) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	updated, err := updateUserTx(ctx, tx, id, fn)
	if err != nil {
		return auth.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, err
	}
	return updated, nil
}

// updateUserTx locks the user row, applies fn and writes the result inside tx.
func updateUserTx(ctx context.Context, tx *sql.Tx, id string, fn func(*auth.User) error) (auth.User, error) {
	u, err := scanUser(tx.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1 for update`, id))
	if err != nil {
		return auth.User{}, err
	}
	if err := fn(&u); err != nil {
		return auth.User{}, err
	}
	roles, err := encodeList(u.Roles)
	if err != nil {
		return auth.User{}, err
	}
	teamIDs, err := encodeList(u.TeamIDs)
	if err != nil {
		return auth.User{}, err
	}
	return scanUser(tx.QueryRowContext(ctx, `
		update users
		set password_hash=$2, roles=$3, club_id=$4, team_ids=$5, status=$6, updated_at=now()
		where id=$1
		returning `+userColumns,
		id, u.PasswordHash, roles, nullIfEmpty(u.ClubID), teamIDs, u.Status,
	))
}
