package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"clubhub.app/internal/config"
)

const (
	testSigningKey  = "0123456789abcdef0123456789abcdef"
	testPreviousKey = "fedcba9876543210fedcba9876543210"
	testPepper      = "pepper-for-tests"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		Issuer:         "clubhub-test",
		SigningKey:     testSigningKey,
		Pepper:         testPepper,
		AccessTTL:      15 * time.Minute,
		MaxAccessTTL:   time.Hour,
		RefreshTTL:     24 * time.Hour,
		IdentityPolicy: config.IdentityPolicyStore,
		ReuseDetection: true,
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordedEvents) record(_ context.Context, event string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	cfg     config.AuthConfig
	clock   *testClock
	store   *MemoryStore
	hasher  *Hasher
	codec   *TokenCodec
	refresh *RefreshStore
	guard   *Guard
	svc     *Service
	events  *recordedEvents
}

func newFixture(t *testing.T, mutate ...func(*config.AuthConfig)) *fixture {
	t.Helper()
	cfg := testAuthConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	f := &fixture{cfg: cfg, clock: newTestClock(), store: NewMemoryStore(), events: &recordedEvents{}}
	f.store.now = f.clock.Now

	var err error
	if f.hasher, err = NewHasher(cfg.Pepper); err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	if f.codec, err = NewTokenCodec(cfg, WithCodecClock(f.clock.Now)); err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	f.refresh, err = NewRefreshStore(f.store, f.hasher, cfg,
		WithRefreshClock(f.clock.Now), WithRefreshEvents(f.events.record))
	if err != nil {
		t.Fatalf("NewRefreshStore: %v", err)
	}
	if f.guard, err = NewGuard(f.codec, f.store, DefaultTable(), cfg.IdentityPolicy); err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	f.svc, err = NewService(f.store, f.refresh, f.codec, f.hasher,
		WithClock(f.clock.Now), WithEvents(f.events.record), WithJoinCodes(f.store, 0))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return f
}

// seedUser stores a user directly, bypassing password hashing unless a hash is given.
func (f *fixture) seedUser(t *testing.T, email string, roles ...Role) User {
	t.Helper()
	u, err := f.store.CreateUser(context.Background(), User{
		Email:        email,
		PasswordHash: "$argon2id$unused",
		Roles:        roles,
		Status:       UserStatusActive,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}
