package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"clubhub.app/internal/ids"
)

var (
	_ UserStore         = (*MemoryStore)(nil)
	_ RefreshRepository = (*MemoryStore)(nil)
	_ JoinCodeStore     = (*MemoryStore)(nil)
)

// MemoryStore keeps users, refresh records and join codes in process memory.
// It is used for development and tests.
type MemoryStore struct {
	mu        sync.Mutex
	users     map[string]User
	emails    map[string]string
	refresh   map[string]RefreshRecord
	byHash    map[string]string
	joinCodes map[string]JoinCode
	now       func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]User),
		emails:    make(map[string]string),
		refresh:   make(map[string]RefreshRecord),
		byHash:    make(map[string]string),
		joinCodes: make(map[string]JoinCode),
		now:       time.Now,
	}
}

func (m *MemoryStore) CreateUser(ctx context.Context, u User) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(u.Email)
	if _, ok := m.emails[email]; ok {
		return User{}, ErrConflict
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if _, ok := m.users[u.ID]; ok {
		return User{}, ErrConflict
	}
	now := m.now().UTC()
	u.Email = email
	u.CreatedAt, u.UpdatedAt = now, now
	u = cloneUser(u)
	m.users[u.ID] = u
	m.emails[email] = u.ID
	return cloneUser(u), nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.emails[strings.ToLower(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(m.users[id]), nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, id string, fn func(*User) error) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	u = cloneUser(u)
	if err := fn(&u); err != nil {
		return User{}, err
	}
	u.ID = id
	u.UpdatedAt = m.now().UTC()
	m.users[id] = cloneUser(u)
	return u, nil
}

func (m *MemoryStore) CreateRefresh(ctx context.Context, rec RefreshRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertRefreshLocked(rec)
}

func (m *MemoryStore) insertRefreshLocked(rec RefreshRecord) error {
	if _, ok := m.refresh[rec.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.byHash[rec.TokenHash]; ok {
		return ErrConflict
	}
	rec.UserCutoff = nil
	m.refresh[rec.ID] = rec
	m.byHash[rec.TokenHash] = rec.ID
	return nil
}

func (m *MemoryStore) FindRefreshByHash(ctx context.Context, tokenHash string) (RefreshRecord, error) {
	if err := ctx.Err(); err != nil {
		return RefreshRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findByHashLocked(tokenHash)
}

func (m *MemoryStore) findByHashLocked(tokenHash string) (RefreshRecord, error) {
	id, ok := m.byHash[tokenHash]
	if !ok {
		return RefreshRecord{}, ErrNotFound
	}
	rec := m.refresh[id]
	if u, ok := m.users[rec.UserID]; ok {
		rec.UserCutoff = copyTime(u.SessionsRevokedAt)
	}
	rec.RevokedAt = copyTime(rec.RevokedAt)
	return rec, nil
}

func (m *MemoryStore) RotateRefresh(ctx context.Context, tokenHash string, at time.Time, successor func(old RefreshRecord) (RefreshRecord, error)) (RefreshRecord, error) {
	if err := ctx.Err(); err != nil {
		return RefreshRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old, err := m.findByHashLocked(tokenHash)
	if err != nil {
		return RefreshRecord{}, err
	}
	next, err := successor(old)
	if err != nil {
		return RefreshRecord{}, err
	}
	if err := m.insertRefreshLocked(next); err != nil {
		return RefreshRecord{}, err
	}
	stored := m.refresh[old.ID]
	revokedAt := at.UTC()
	stored.RevokedAt = &revokedAt
	m.refresh[old.ID] = stored
	return next, nil
}

func (m *MemoryStore) RevokeRefresh(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.refresh[id]
	if !ok {
		return ErrNotFound
	}
	if rec.RevokedAt == nil {
		revokedAt := at.UTC()
		rec.RevokedAt = &revokedAt
		m.refresh[id] = rec
	}
	return nil
}

func (m *MemoryStore) RevokeLineage(ctx context.Context, lineageID string, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeWhereLocked(at, func(r RefreshRecord) bool { return r.LineageID == lineageID }), nil
}

func (m *MemoryStore) RevokeAllRefresh(ctx context.Context, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	cutoff := at.UTC()
	u.SessionsRevokedAt = &cutoff
	m.users[userID] = u
	m.revokeWhereLocked(at, func(r RefreshRecord) bool { return r.UserID == userID })
	return nil
}

func (m *MemoryStore) revokeWhereLocked(at time.Time, match func(RefreshRecord) bool) int64 {
	var n int64
	for id, rec := range m.refresh {
		if rec.RevokedAt != nil || !match(rec) {
			continue
		}
		revokedAt := at.UTC()
		rec.RevokedAt = &revokedAt
		m.refresh[id] = rec
		n++
	}
	return n
}

func (m *MemoryStore) ListActiveRefresh(ctx context.Context, userID string, now time.Time) ([]RefreshRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RefreshRecord
	for _, rec := range m.refresh {
		if rec.UserID != userID || rec.RevokedAt != nil || !rec.ExpiresAt.After(now) {
			continue
		}
		if u, ok := m.users[userID]; ok {
			rec.UserCutoff = copyTime(u.SessionsRevokedAt)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PurgeExpiredRefresh(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.refresh {
		if rec.ExpiresAt.Before(before) {
			delete(m.refresh, id)
			delete(m.byHash, rec.TokenHash)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateJoinCode(ctx context.Context, code JoinCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.joinCodes[code.CodeHash]; ok {
		return ErrConflict
	}
	m.joinCodes[code.CodeHash] = code
	return nil
}

func (m *MemoryStore) RedeemJoinCode(ctx context.Context, codeHash, userID string, at time.Time, apply func(JoinCode, *User) error) (JoinCode, User, error) {
	if err := ctx.Err(); err != nil {
		return JoinCode{}, User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.joinCodes[codeHash]
	if !ok || !code.ExpiresAt.After(at) || (code.MaxUses > 0 && code.Uses >= code.MaxUses) {
		return JoinCode{}, User{}, ErrNotFound
	}
	stored, ok := m.users[userID]
	if !ok {
		return JoinCode{}, User{}, ErrNotFound
	}
	code.Uses++
	u := cloneUser(stored)
	if err := apply(code, &u); err != nil {
		return JoinCode{}, User{}, err
	}
	u.ID = userID
	u.UpdatedAt = m.now().UTC()
	m.joinCodes[codeHash] = code
	m.users[userID] = cloneUser(u)
	return code, u, nil
}

func cloneUser(u User) User {
	u.Roles = append([]Role(nil), u.Roles...)
	u.TeamIDs = append([]string(nil), u.TeamIDs...)
	u.SessionsRevokedAt = copyTime(u.SessionsRevokedAt)
	return u
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
