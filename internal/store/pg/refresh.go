package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clubhub.app/internal/auth"
)

const refreshColumns = `r.id, r.user_id, r.token_hash, r.lineage_id, r.parent_id, r.user_agent, r.created_at, r.expires_at, r.revoked_at, u.sessions_revoked_at`

func scanRefresh(row rowScanner) (auth.RefreshRecord, error) {
	var (
		rec      auth.RefreshRecord
		parentID sql.NullString
		revoked  sql.NullTime
		cutoff   sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.LineageID, &parentID, &rec.UserAgent,
		&rec.CreatedAt, &rec.ExpiresAt, &revoked, &cutoff); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.RefreshRecord{}, auth.ErrNotFound
		}
		return auth.RefreshRecord{}, err
	}
	rec.ParentID = parentID.String
	rec.RevokedAt = timePtr(revoked)
	rec.UserCutoff = timePtr(cutoff)
	return rec, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRefresh(ctx context.Context, db execer, rec auth.RefreshRecord) error {
	_, err := db.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, token_hash, lineage_id, parent_id, user_agent, created_at, expires_at)
		values($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.UserID, rec.TokenHash, rec.LineageID, nullIfEmpty(rec.ParentID), rec.UserAgent,
		rec.CreatedAt, rec.ExpiresAt,
	)
	return mapUniqueViolation(err)
}

func (s *Store) CreateRefresh(ctx context.Context, rec auth.RefreshRecord) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return insertRefresh(ctx, s.db, rec)
}

func (s *Store) FindRefreshByHash(ctx context.Context, tokenHash string) (auth.RefreshRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanRefresh(s.db.QueryRowContext(ctx, `
		select `+refreshColumns+`
		from refresh_tokens r join users u on u.id = r.user_id
		where r.token_hash=$1`, tokenHash))
}

func (s *Store) RotateRefresh(ctx context.Context, tokenHash string, at time.Time, successor func(old auth.RefreshRecord) (auth.RefreshRecord, error)) (auth.RefreshRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.RefreshRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	old, err := scanRefresh(tx.QueryRowContext(ctx, `
		select `+refreshColumns+`
		from refresh_tokens r join users u on u.id = r.user_id
		where r.token_hash=$1
		for update of r`, tokenHash))
	if err != nil {
		return auth.RefreshRecord{}, err
	}
	next, err := successor(old)
	if err != nil {
		return auth.RefreshRecord{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2 where id=$1 and revoked_at is null`, old.ID, at.UTC()); err != nil {
		return auth.RefreshRecord{}, err
	}
	if err := insertRefresh(ctx, tx, next); err != nil {
		return auth.RefreshRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.RefreshRecord{}, err
	}
	return next, nil
}

func (s *Store) RevokeRefresh(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=coalesce(revoked_at, $2) where id=$1`, id, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeLineage(ctx context.Context, lineageID string, at time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2 where lineage_id=$1 and revoked_at is null`, lineageID, at.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) RevokeAllRefresh(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`update users set sessions_revoked_at=$2, updated_at=now() where id=$1`, userID, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2 where user_id=$1 and revoked_at is null`, userID, at.UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListActiveRefresh(ctx context.Context, userID string, now time.Time) ([]auth.RefreshRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		select `+refreshColumns+`
		from refresh_tokens r join users u on u.id = r.user_id
		where r.user_id=$1 and r.revoked_at is null and r.expires_at > $2
		order by r.created_at desc`, userID, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.RefreshRecord
	for rows.Next() {
		rec, err := scanRefresh(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PurgeExpiredRefresh(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
