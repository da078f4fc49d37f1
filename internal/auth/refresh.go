package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"clubhub.app/internal/config"
	"clubhub.app/internal/ids"
)

// EventFunc receives auth events for audit logging. Fields never carry
// plaintext credentials or their hashes.
type EventFunc func(ctx context.Context, event string, fields map[string]any)

// errRefreshRevoked marks presentation of a credential that was already revoked.
var errRefreshRevoked = fmt.Errorf("%w: revoked", ErrInvalidRefresh)

// RefreshStore manages the refresh credential lifecycle on top of a
// RefreshRepository. Plaintext values leave this type exactly once, on issue
// or rotation.
type RefreshStore struct {
	repo           RefreshRepository
	hasher         *Hasher
	ttl            time.Duration
	reuseDetection bool
	now            func() time.Time
	events         EventFunc
}

// RefreshOption configures a RefreshStore.
type RefreshOption func(*RefreshStore) error

// WithRefreshClock overrides the time source.
func WithRefreshClock(fn func() time.Time) RefreshOption {
	return func(s *RefreshStore) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithReuseDetection toggles revocation of a whole lineage when a revoked
// credential is presented again.
func WithReuseDetection(enabled bool) RefreshOption {
	return func(s *RefreshStore) error {
		s.reuseDetection = enabled
		return nil
	}
}

// WithRefreshEvents registers an audit sink.
func WithRefreshEvents(fn EventFunc) RefreshOption {
	return func(s *RefreshStore) error {
		s.events = fn
		return nil
	}
}

// NewRefreshStore builds a RefreshStore using the lifetime and reuse settings in cfg.
func NewRefreshStore(repo RefreshRepository, hasher *Hasher, cfg config.AuthConfig, opts ...RefreshOption) (*RefreshStore, error) {
	if repo == nil {
		return nil, errors.New("auth: refresh repository is required")
	}
	if hasher == nil {
		return nil, errors.New("auth: hasher is required")
	}
	if cfg.RefreshTTL <= 0 {
		return nil, errors.New("auth: refresh ttl must be positive")
	}
	s := &RefreshStore{
		repo:           repo,
		hasher:         hasher,
		ttl:            cfg.RefreshTTL,
		reuseDetection: cfg.ReuseDetection,
		now:            time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Issue starts a new lineage for userID and returns the plaintext value with
// its persisted record.
func (s *RefreshStore) Issue(ctx context.Context, userID string, meta SessionMeta) (string, RefreshRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", RefreshRecord{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	value, rec, err := s.newRecord(userID, uuid.NewString(), "", meta)
	if err != nil {
		return "", RefreshRecord{}, err
	}
	if err := s.repo.CreateRefresh(ctx, rec); err != nil {
		return "", RefreshRecord{}, fmt.Errorf("store refresh record: %w", err)
	}
	return value, rec, nil
}

// Verify returns the live record matching value. Unknown, revoked, expired and
// cutoff-invalidated credentials all yield ErrInvalidRefresh.
func (s *RefreshStore) Verify(ctx context.Context, value string) (RefreshRecord, error) {
	if strings.TrimSpace(value) == "" {
		return RefreshRecord{}, ErrInvalidRefresh
	}
	digest := s.hasher.hashRefresh(value)
	rec, err := s.repo.FindRefreshByHash(ctx, digest)
	if err != nil {
		return RefreshRecord{}, s.lookupFailure(err)
	}
	if err := s.checkLive(rec, digest, s.now()); err != nil {
		s.onReuse(ctx, rec, err)
		return RefreshRecord{}, ErrInvalidRefresh
	}
	return publicRecord(rec), nil
}

// Rotate revokes the record behind value and issues its successor in the same
// lineage, atomically. Of two rotations presenting the same value at most one
// succeeds. A failed commit leaves the caller without a live credential.
func (s *RefreshStore) Rotate(ctx context.Context, value string, meta SessionMeta) (string, RefreshRecord, error) {
	if strings.TrimSpace(value) == "" {
		return "", RefreshRecord{}, ErrInvalidRefresh
	}
	digest := s.hasher.hashRefresh(value)
	now := s.now()

	var (
		nextValue string
		rejected  RefreshRecord
	)
	next, err := s.repo.RotateRefresh(ctx, digest, now, func(old RefreshRecord) (RefreshRecord, error) {
		if err := s.checkLive(old, digest, now); err != nil {
			rejected = old
			return RefreshRecord{}, err
		}
		if meta.UserAgent == "" {
			meta.UserAgent = old.UserAgent
		}
		v, rec, err := s.newRecord(old.UserID, old.LineageID, old.ID, meta)
		if err != nil {
			return RefreshRecord{}, err
		}
		nextValue = v
		return rec, nil
	})
	if err != nil {
		if errors.Is(err, errRefreshRevoked) {
			s.onReuse(ctx, rejected, err)
		}
		if errors.Is(err, ErrInvalidRefresh) {
			return "", RefreshRecord{}, ErrInvalidRefresh
		}
		return "", RefreshRecord{}, s.lookupFailure(err)
	}
	return nextValue, publicRecord(next), nil
}

// Revoke marks the record revoked. Revoking a revoked record succeeds.
func (s *RefreshStore) Revoke(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: refresh id is required", ErrInvalidInput)
	}
	return s.repo.RevokeRefresh(ctx, id, s.now())
}

// RevokeValue revokes the record behind value if it belongs to userID. The
// record may already be revoked or expired.
func (s *RefreshStore) RevokeValue(ctx context.Context, userID, value string) error {
	if strings.TrimSpace(value) == "" {
		return ErrInvalidRefresh
	}
	digest := s.hasher.hashRefresh(value)
	rec, err := s.repo.FindRefreshByHash(ctx, digest)
	if err != nil {
		return s.lookupFailure(err)
	}
	if !constantTimeEqual(rec.TokenHash, digest) || rec.UserID != userID {
		return ErrInvalidRefresh
	}
	return s.Revoke(ctx, rec.ID)
}

// RevokeAll revokes every live record of userID and invalidates any record
// created up to now, including successors of rotations racing this call.
func (s *RefreshStore) RevokeAll(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.repo.RevokeAllRefresh(ctx, userID, s.now())
}

// ListActive returns session metadata for the live records of userID.
func (s *RefreshStore) ListActive(ctx context.Context, userID string) ([]Session, error) {
	now := s.now()
	recs, err := s.repo.ListActiveRefresh(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(recs))
	for _, rec := range recs {
		if rec.UserCutoff != nil && !rec.CreatedAt.After(*rec.UserCutoff) {
			continue
		}
		sessions = append(sessions, Session{
			ID:        rec.ID,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
			UserAgent: rec.UserAgent,
		})
	}
	return sessions, nil
}

// PurgeExpired deletes records that expired before the cutoff.
func (s *RefreshStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.PurgeExpiredRefresh(ctx, before)
}

func (s *RefreshStore) newRecord(userID, lineageID, parentID string, meta SessionMeta) (string, RefreshRecord, error) {
	value, err := generateRefreshValue()
	if err != nil {
		return "", RefreshRecord{}, err
	}
	now := s.now().UTC()
	return value, RefreshRecord{
		ID:        ids.NewAt(now),
		UserID:    userID,
		TokenHash: s.hasher.hashRefresh(value),
		LineageID: lineageID,
		ParentID:  parentID,
		UserAgent: truncate(meta.UserAgent, 255),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}, nil
}

func (s *RefreshStore) checkLive(rec RefreshRecord, digest string, now time.Time) error {
	if !constantTimeEqual(rec.TokenHash, digest) {
		return ErrInvalidRefresh
	}
	if rec.RevokedAt != nil {
		return errRefreshRevoked
	}
	if !now.Before(rec.ExpiresAt) {
		return ErrInvalidRefresh
	}
	if rec.UserCutoff != nil && !rec.CreatedAt.After(*rec.UserCutoff) {
		return ErrInvalidRefresh
	}
	return nil
}

func (s *RefreshStore) onReuse(ctx context.Context, rec RefreshRecord, err error) {
	if !errors.Is(err, errRefreshRevoked) || !s.reuseDetection || rec.LineageID == "" {
		return
	}
	n, revokeErr := s.repo.RevokeLineage(ctx, rec.LineageID, s.now())
	fields := map[string]any{
		"user_id":    rec.UserID,
		"lineage_id": rec.LineageID,
		"revoked":    n,
	}
	if revokeErr != nil {
		fields["error"] = revokeErr.Error()
	}
	s.emit(ctx, "auth.refresh.reuse_detected", fields)
}

func (s *RefreshStore) emit(ctx context.Context, event string, fields map[string]any) {
	if s.events != nil {
		s.events(ctx, event, fields)
	}
}

// lookupFailure collapses store errors into ErrInvalidRefresh while keeping
// the cause for logging.
func (s *RefreshStore) lookupFailure(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidRefresh) {
		return ErrInvalidRefresh
	}
	return fmt.Errorf("%w: %w", ErrInvalidRefresh, err)
}

func publicRecord(rec RefreshRecord) RefreshRecord {
	rec.UserCutoff = nil
	return rec
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
