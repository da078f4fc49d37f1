package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clubhub.app/internal/auth"
	"clubhub.app/internal/config"
	"clubhub.app/internal/obs"
)

const (
	testSigningKey = "0123456789abcdef0123456789abcdef"
	testPassword   = "correct horse battery"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *auth.MemoryStore
	t       *testing.T
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Auth.SigningKey = testSigningKey
	cfg.Auth.Pepper = "pepper-for-tests"
	cfg.HTTP.RateBurst = 1000
	cfg.HTTP.RatePerSecond = 1000
	return cfg
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	cfg := testConfig()
	store := auth.NewMemoryStore()
	svc, guard := buildAuth(t, cfg.Auth, store)

	api := New(cfg.HTTP, svc, guard, ReadyProbe{}, "test")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		t:       t,
	}
}

func buildAuth(t *testing.T, cfg config.AuthConfig, store *auth.MemoryStore) (*auth.Service, *auth.Guard) {
	t.Helper()
	hasher, err := auth.NewHasher(cfg.Pepper)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	codec, err := auth.NewTokenCodec(cfg)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	refresh, err := auth.NewRefreshStore(store, hasher, cfg, auth.WithReuseDetection(cfg.ReuseDetection))
	if err != nil {
		t.Fatalf("NewRefreshStore: %v", err)
	}
	guard, err := auth.NewGuard(codec, store, auth.DefaultTable(), cfg.IdentityPolicy)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	svc, err := auth.NewService(store, refresh, codec, hasher, auth.WithJoinCodes(store, 0))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, guard
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) register(email string) auth.User {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/register", "", map[string]any{"email": email, "password": testPassword})
	expectStatus(c.t, resp, http.StatusCreated)
	return decode[auth.User](c.t, resp)
}

func (c *apiClient) login(email string) loginResponse {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/login", "", map[string]any{"email": email, "password": testPassword})
	expectStatus(c.t, resp, http.StatusOK)
	return decode[loginResponse](c.t, resp)
}

func (c *apiClient) update(userID string, fn func(*auth.User)) {
	c.t.Helper()
	_, err := c.store.UpdateUser(context.Background(), userID, func(u *auth.User) error {
		fn(u)
		return nil
	})
	if err != nil {
		c.t.Fatalf("UpdateUser: %v", err)
	}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		var body bytes.Buffer
		_, _ = body.ReadFrom(r.Body)
		r.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, r.StatusCode, body.String())
	}
}

func expectError(t *testing.T, r *http.Response, status int, code string) errorResponse {
	t.Helper()
	expectStatus(t, r, status)
	body := decode[errorResponse](t, r)
	if body.Code != code {
		t.Fatalf("expected code %q, got %+v", code, body)
	}
	if body.Error == "" || body.RequestID == "" {
		t.Fatalf("error body incomplete: %+v", body)
	}
	return body
}

func TestAuthFlow(t *testing.T) {
	api := newTestAPI(t)
	user := api.register("Keeper@Club.Test")
	if user.Email != "keeper@club.test" || len(user.Roles) != 1 || user.Roles[0] != auth.RolePlayer {
		t.Fatalf("unexpected registered user %+v", user)
	}

	first := api.login("keeper@club.test")
	if first.AccessToken == "" || first.RefreshToken == "" || first.TokenType != "Bearer" {
		t.Fatalf("unexpected pair %+v", first.TokenPair)
	}

	resp := api.do(http.MethodGet, "/v1/me", first.AccessToken, nil)
	expectStatus(t, resp, http.StatusOK)
	me := decode[meResponse](t, resp)
	if me.UserID != user.ID || len(me.Roles) != 1 || me.Roles[0] != auth.RolePlayer {
		t.Fatalf("unexpected principal %+v", me)
	}
	if len(me.Permissions) == 0 {
		t.Fatal("expected derived permissions")
	}

	resp = api.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": first.RefreshToken})
	expectStatus(t, resp, http.StatusOK)
	second := decode[auth.TokenPair](t, resp)
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh credential was not rotated")
	}

	resp = api.do(http.MethodGet, "/v1/auth/sessions", second.AccessToken, nil)
	expectStatus(t, resp, http.StatusOK)
	sessions := decode[map[string][]auth.Session](t, resp)
	if len(sessions["sessions"]) != 1 {
		t.Fatalf("expected one active session, got %+v", sessions)
	}

	// presenting the rotated-away credential burns the whole lineage
	expectError(t, api.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": first.RefreshToken}),
		http.StatusUnauthorized, codeInvalidRefresh)
	expectError(t, api.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": second.RefreshToken}),
		http.StatusUnauthorized, codeInvalidRefresh)
}

func TestLogoutRevokesOnlyPresentedSession(t *testing.T) {
	api := newTestAPI(t)
	api.register("a@club.test")
	web := api.login("a@club.test")
	phone := api.login("a@club.test")

	resp := api.do(http.MethodPost, "/v1/auth/logout", web.AccessToken, map[string]any{"refresh_token": web.RefreshToken})
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	expectError(t, api.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": web.RefreshToken}),
		http.StatusUnauthorized, codeInvalidRefresh)
	resp = api.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": phone.RefreshToken})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestLogoutRejectsForeignCredential(t *testing.T) {
	api := newTestAPI(t)
	api.register("a@club.test")
	api.register("b@club.test")
	a := api.login("a@club.test")
	b := api.login("b@club.test")

	expectError(t, api.do(http.MethodPost, "/v1/auth/logout", a.AccessToken, map[string]any{"refresh_token": b.RefreshToken}),
		http.StatusUnauthorized, codeInvalidRefresh)
	resp := api.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": b.RefreshToken})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestLogoutAllRevokesAccessAndRefresh(t *testing.T) {
	api := newTestAPI(t)
	api.register("a@club.test")
	pair := api.login("a@club.test")

	resp := api.do(http.MethodPost, "/v1/auth/logout-all", pair.AccessToken, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	expectError(t, api.do(http.MethodGet, "/v1/me", pair.AccessToken, nil), http.StatusUnauthorized, codeUnauthenticated)
	expectError(t, api.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": pair.RefreshToken}),
		http.StatusUnauthorized, codeInvalidRefresh)
}

func TestRegisterValidation(t *testing.T) {
	api := newTestAPI(t)
	expectError(t, api.do(http.MethodPost, "/v1/auth/register", "", map[string]any{"email": "nope", "password": testPassword}),
		http.StatusBadRequest, codeInvalidRequest)
	expectError(t, api.do(http.MethodPost, "/v1/auth/register", "", map[string]any{"email": "a@club.test", "password": "short"}),
		http.StatusBadRequest, codeInvalidRequest)
	expectError(t, api.do(http.MethodPost, "/v1/auth/register", "", map[string]any{"email": "a@club.test", "password": testPassword, "role": "admin"}),
		http.StatusBadRequest, codeInvalidRequest)

	api.register("a@club.test")
	expectError(t, api.do(http.MethodPost, "/v1/auth/register", "", map[string]any{"email": "A@club.test", "password": testPassword}),
		http.StatusConflict, codeConflict)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	api := newTestAPI(t)
	api.register("a@club.test")

	for _, body := range []map[string]any{
		{"email": "a@club.test", "password": "wrong password"},
		{"email": "ghost@club.test", "password": testPassword},
	} {
		resp := api.do(http.MethodPost, "/v1/auth/login", "", body)
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Fatal("expected WWW-Authenticate header")
		}
		got := expectError(t, resp, http.StatusUnauthorized, codeUnauthenticated)
		if got.Error != "invalid credentials" {
			t.Fatalf("unexpected message %q", got.Error)
		}
	}
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	api := newTestAPI(t)
	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/me"},
		{http.MethodGet, "/v1/auth/sessions"},
		{http.MethodPost, "/v1/auth/logout-all"},
		{http.MethodPut, "/v1/users/u1/roles"},
		{http.MethodPost, "/v1/clubs/c1/join-codes"},
		{http.MethodPost, "/v1/onboarding/join"},
	} {
		resp := api.do(tc.method, tc.path, "", nil)
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Fatalf("%s %s: expected WWW-Authenticate header", tc.method, tc.path)
		}
		expectError(t, resp, http.StatusUnauthorized, codeUnauthenticated)
	}
	expectError(t, api.do(http.MethodGet, "/v1/me", "not-a-token", nil), http.StatusUnauthorized, codeUnauthenticated)
}

func TestSetRoles(t *testing.T) {
	api := newTestAPI(t)
	admin := api.register("admin@club.test")
	player := api.register("player@club.test")
	api.update(admin.ID, func(u *auth.User) { u.Roles = []auth.Role{auth.RoleAdmin} })

	adminPair := api.login("admin@club.test")
	playerPair := api.login("player@club.test")

	expectError(t, api.do(http.MethodPut, "/v1/users/"+admin.ID+"/roles", playerPair.AccessToken, map[string]any{"roles": []string{"admin"}}),
		http.StatusForbidden, codeForbidden)
	expectError(t, api.do(http.MethodPut, "/v1/users/"+player.ID+"/roles", adminPair.AccessToken, map[string]any{"roles": []string{"coach"}}),
		http.StatusBadRequest, codeInvalidRequest)
	expectError(t, api.do(http.MethodPut, "/v1/users/missing/roles", adminPair.AccessToken, map[string]any{"roles": []string{"trainer"}}),
		http.StatusNotFound, codeNotFound)

	resp := api.do(http.MethodPut, "/v1/users/"+player.ID+"/roles", adminPair.AccessToken, map[string]any{"roles": []string{"trainer", "player"}})
	expectStatus(t, resp, http.StatusOK)
	updated := decode[auth.User](t, resp)
	if len(updated.Roles) != 2 {
		t.Fatalf("unexpected roles %v", updated.Roles)
	}

	// the player's existing token now carries the stored roles
	resp = api.do(http.MethodGet, "/v1/me", playerPair.AccessToken, nil)
	expectStatus(t, resp, http.StatusOK)
	me := decode[meResponse](t, resp)
	found := false
	for _, r := range me.Roles {
		if r == auth.RoleTrainer {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected trainer role after replacement, got %v", me.Roles)
	}
}

func TestBoardCannotGrantAdmin(t *testing.T) {
	api := newTestAPI(t)
	board := api.register("board@club.test")
	player := api.register("player@club.test")
	api.update(board.ID, func(u *auth.User) { u.Roles = []auth.Role{auth.RoleBoard} })
	pair := api.login("board@club.test")

	expectError(t, api.do(http.MethodPut, "/v1/users/"+player.ID+"/roles", pair.AccessToken, map[string]any{"roles": []string{"admin"}}),
		http.StatusForbidden, codeForbidden)
	expectError(t, api.do(http.MethodPut, "/v1/users/"+player.ID+"/roles", pair.AccessToken, map[string]any{"roles": []string{"physio"}}),
		http.StatusForbidden, codeForbidden)
	expectError(t, api.do(http.MethodPut, "/v1/users/"+board.ID+"/roles", pair.AccessToken, map[string]any{"roles": []string{"board", "trainer"}}),
		http.StatusForbidden, codeForbidden)
	resp := api.do(http.MethodPut, "/v1/users/"+player.ID+"/roles", pair.AccessToken, map[string]any{"roles": []string{"board", "player"}})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestJoinCodeFlow(t *testing.T) {
	api := newTestAPI(t)
	board := api.register("board@club.test")
	api.register("player@club.test")
	api.update(board.ID, func(u *auth.User) {
		u.Roles = []auth.Role{auth.RoleBoard}
		u.ClubID = "club-1"
	})
	boardPair := api.login("board@club.test")
	playerPair := api.login("player@club.test")

	expectError(t, api.do(http.MethodPost, "/v1/clubs/club-1/join-codes", playerPair.AccessToken, map[string]any{}),
		http.StatusForbidden, codeForbidden)
	expectError(t, api.do(http.MethodPost, "/v1/clubs/club-2/join-codes", boardPair.AccessToken, map[string]any{}),
		http.StatusForbidden, codeForbidden)
	expectError(t, api.do(http.MethodPost, "/v1/clubs/club-1/join-codes", boardPair.AccessToken, map[string]any{"role": "admin"}),
		http.StatusBadRequest, codeInvalidRequest)

	resp := api.do(http.MethodPost, "/v1/clubs/club-1/join-codes", boardPair.AccessToken,
		map[string]any{"role": "player", "max_uses": 1, "ttl_seconds": 3600})
	expectStatus(t, resp, http.StatusCreated)
	code := decode[joinCodeResponse](t, resp)
	if len(code.Code) != auth.CodeLength || code.ClubID != "club-1" {
		t.Fatalf("unexpected join code %+v", code)
	}
	if until := time.Until(code.ExpiresAt); until <= 0 || until > time.Hour {
		t.Fatalf("unexpected expiry %v", code.ExpiresAt)
	}

	expectError(t, api.do(http.MethodPost, "/v1/onboarding/join", playerPair.AccessToken, map[string]any{"code": "ZZZZZZZZ"}),
		http.StatusNotFound, codeNotFound)

	resp = api.do(http.MethodPost, "/v1/onboarding/join", playerPair.AccessToken, map[string]any{"code": code.Code})
	expectStatus(t, resp, http.StatusOK)
	joined := decode[auth.User](t, resp)
	if joined.ClubID != "club-1" {
		t.Fatalf("expected club attachment, got %+v", joined)
	}

	expectError(t, api.do(http.MethodPost, "/v1/onboarding/join", playerPair.AccessToken, map[string]any{"code": code.Code}),
		http.StatusConflict, codeConflict)
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	health := decode[map[string]any](t, resp)
	if health["service"] != serviceName {
		t.Fatalf("unexpected health body %v", health)
	}

	resp = api.do(http.MethodGet, "/readyz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	expectError(t, api.do(http.MethodGet, "/nowhere", "", nil), http.StatusNotFound, codeNotFound)
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return context.DeadlineExceeded }

func TestReadyReportsStoreOutage(t *testing.T) {
	cfg := testConfig()
	store := auth.NewMemoryStore()
	svc, guard := buildAuth(t, cfg.Auth, store)
	api := New(cfg.HTTP, svc, guard, ReadyProbe{Store: downStore{}}, "test")

	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRespondErrorLogsRefreshCause(t *testing.T) {
	logger := obs.Logger()
	origWriter := logger.Out
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(origWriter)

	respond := func(err error) *httptest.ResponseRecorder {
		buf.Reset()
		rr := httptest.NewRecorder()
		h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, r, "refresh", err)
		}))
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/refresh", nil)
		req.Header.Set(requestIDHeader, "rid-refresh")
		h.ServeHTTP(rr, req)
		return rr
	}

	rr := respond(fmt.Errorf("%w: %w", auth.ErrInvalidRefresh, errors.New("pg: connection reset")))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected one JSON log entry, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "error" || entry["op"] != "refresh" || entry["request_id"] != "rid-refresh" {
		t.Fatalf("unexpected log entry %v", entry)
	}
	if msg, _ := entry["error"].(string); !strings.Contains(msg, "connection reset") {
		t.Fatalf("log entry lacks the cause: %v", entry)
	}

	rr = respond(auth.ErrInvalidRefresh)
	if rr.Code != http.StatusUnauthorized || buf.Len() != 0 {
		t.Fatalf("a plain rejection must not be logged: status=%d log=%q", rr.Code, buf.String())
	}
}
