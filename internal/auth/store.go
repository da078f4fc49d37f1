package auth

import (
	"context"
	"time"
)

// UserStore persists identities.
type UserStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	// UpdateUser loads the user, applies fn and persists the result atomically.
	UpdateUser(ctx context.Context, id string, fn func(*User) error) (User, error)
}

// RefreshRepository persists refresh records. Implementations return
// ErrNotFound for unknown records.
type RefreshRepository interface {
	CreateRefresh(ctx context.Context, rec RefreshRecord) error
	FindRefreshByHash(ctx context.Context, tokenHash string) (RefreshRecord, error)
	// RotateRefresh locks the record matching tokenHash and passes it to
	// successor. If successor succeeds the locked record is revoked at `at` and
	// the returned successor is inserted, all in one transaction. Any error
	// leaves both records untouched.
	RotateRefresh(ctx context.Context, tokenHash string, at time.Time, successor func(old RefreshRecord) (RefreshRecord, error)) (RefreshRecord, error)
	// RevokeRefresh is a no-op for records that are already revoked.
	RevokeRefresh(ctx context.Context, id string, at time.Time) error
	RevokeLineage(ctx context.Context, lineageID string, at time.Time) (int64, error)
	// RevokeAllRefresh revokes every live record of the user and stamps the
	// user's sessions_revoked_at with at.
	RevokeAllRefresh(ctx context.Context, userID string, at time.Time) error
	ListActiveRefresh(ctx context.Context, userID string, now time.Time) ([]RefreshRecord, error)
	PurgeExpiredRefresh(ctx context.Context, before time.Time) (int64, error)
}

// JoinCodeStore persists club join codes alongside the users they attach.
type JoinCodeStore interface {
	// CreateJoinCode returns ErrConflict when the code hash already exists.
	CreateJoinCode(ctx context.Context, code JoinCode) error
	// RedeemJoinCode consumes one use of a live code and applies apply to the
	// user, both atomically. Unknown, expired and exhausted codes yield
	// ErrNotFound. If apply fails nothing is persisted.
	RedeemJoinCode(ctx context.Context, codeHash, userID string, at time.Time, apply func(JoinCode, *User) error) (JoinCode, User, error)
}
