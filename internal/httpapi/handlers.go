package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"clubhub.app/internal/auth"
	"clubhub.app/internal/config"
	"clubhub.app/internal/obs"
)

const serviceName = "clubhub-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness by pinging the backing store, if any.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// API is the HTTP layer over the auth service.
type API struct {
	mux        *http.ServeMux
	service    *auth.Service
	guard      *auth.Guard
	readyProbe readinessChecker
	version    string

	maxBody    int64
	rateBurst  int
	ratePerSec int
	limiter    *ipLimiter
}

// New wires the routes. svc and guard are required.
func New(cfg config.HTTPConfig, svc *auth.Service, guard *auth.Guard, rp readinessChecker, version string) *API {
	if rp == nil {
		rp = ReadyProbe{}
	}
	a := &API{
		mux:        http.NewServeMux(),
		service:    svc,
		guard:      guard,
		readyProbe: rp,
		version:    version,
		maxBody:    cfg.MaxBodyBytes,
		rateBurst:  cfg.RateBurst,
		ratePerSec: cfg.RatePerSecond,
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.rateBurst > 0 && a.ratePerSec > 0 {
		trusted, err := cfg.TrustedProxyPrefixes()
		if err != nil {
			obs.Logger().WithError(err).Warn("ignoring trusted proxies")
			trusted = nil
		}
		a.limiter = newIPLimiter(a.rateBurst, a.ratePerSec, trusted)
	}

	// ops
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	// credentials
	a.mux.Handle("POST /v1/auth/register", a.limited(a.handleRegister))
	a.mux.Handle("POST /v1/auth/login", a.limited(a.handleLogin))
	a.mux.Handle("POST /v1/auth/refresh", a.limited(a.handleRefresh))
	a.mux.Handle("POST /v1/auth/logout", a.protect(auth.Requirement{}, a.handleLogout))
	a.mux.Handle("POST /v1/auth/logout-all", a.protect(auth.Requirement{}, a.handleLogoutAll))
	a.mux.Handle("GET /v1/auth/sessions", a.protect(auth.Requirement{}, a.handleSessions))
	a.mux.Handle("GET /v1/me", a.protect(auth.Requirement{}, a.handleMe))

	// club administration
	a.mux.Handle("PUT /v1/users/{id}/roles", a.protect(auth.RequirePermissions(auth.PermMembersManage), a.handleSetRoles))
	a.mux.Handle("POST /v1/clubs/{id}/join-codes", a.protect(auth.RequirePermissions(auth.PermClubManage), a.handleIssueJoinCode))
	a.mux.Handle("POST /v1/onboarding/join", a.protect(auth.Requirement{}, a.handleRedeemJoinCode))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	})
	return a
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.Logger().WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

const (
	codeUnauthenticated = "unauthenticated"
	codeForbidden       = "forbidden"
	codeInvalidRefresh  = "invalid_refresh"
	codeInvalidRequest  = "invalid_request"
	codeConflict        = "conflict"
	codeNotFound        = "not_found"
	codeRateLimited     = "rate_limited"
	codeInternal        = "internal"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="clubhub"`)
	}
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// respondError maps auth sentinels onto the HTTP error contract. Anything
// unrecognised is logged and reported as internal without detail. A refresh
// failure carrying a cause beyond the bare sentinel is a storage or signing
// failure: the caller still sees invalid_refresh, the cause is logged.
func respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidRefresh):
		if err != auth.ErrInvalidRefresh {
			logFailure(r, op, err)
		}
		writeError(w, r, http.StatusUnauthorized, codeInvalidRefresh, "refresh credential is invalid")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "invalid credentials")
	case errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, codeForbidden, "forbidden")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	default:
		logFailure(r, op, err)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func logFailure(r *http.Request, op string, err error) {
	entry := obs.Logger().WithError(err).WithField("op", op).WithField("request_id", RequestIDFromContext(r.Context()))
	if userID, ok := auth.UserIDFromContext(r.Context()); ok {
		entry = entry.WithField("user_id", userID)
	}
	entry.Error("request failed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
