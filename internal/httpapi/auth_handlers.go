package httpapi

import (
	"net/http"
	"time"

	"clubhub.app/internal/auth"
	"clubhub.app/internal/obs"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type loginResponse struct {
	auth.TokenPair
	User auth.User `json:"user"`
}

type meResponse struct {
	UserID      string      `json:"user_id"`
	Roles       []auth.Role `json:"roles"`
	Permissions []string    `json:"permissions"`
	ClubID      string      `json:"club_id,omitempty"`
	TeamIDs     []string    `json:"team_ids,omitempty"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	user, err := a.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, r, "register", err)
		return
	}
	w.Header().Set("Location", "/v1/me")
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	pair, user, err := a.service.Login(r.Context(), req.Email, req.Password, sessionMeta(r))
	if err != nil {
		respondError(w, r, "login", err)
		return
	}
	obs.ObserveIssued("access")
	obs.ObserveIssued("refresh")
	writeJSON(w, http.StatusOK, loginResponse{TokenPair: pair, User: user})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	pair, err := a.service.Refresh(r.Context(), req.RefreshToken, sessionMeta(r))
	if err != nil {
		obs.ObserveRefresh("rejected")
		respondError(w, r, "refresh", err)
		return
	}
	obs.ObserveRefresh("rotated")
	obs.ObserveIssued("access")
	obs.ObserveIssued("refresh")
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(w, r)
	if !ok {
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if err := a.service.Logout(r.Context(), principal.UserID, req.RefreshToken); err != nil {
		respondError(w, r, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(w, r)
	if !ok {
		return
	}
	if err := a.service.LogoutAll(r.Context(), principal.UserID); err != nil {
		respondError(w, r, "logout_all", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(w, r)
	if !ok {
		return
	}
	sessions, err := a.service.Sessions(r.Context(), principal.UserID)
	if err != nil {
		respondError(w, r, "sessions", err)
		return
	}
	if sessions == nil {
		sessions = []auth.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(w, r)
	if !ok {
		return
	}
	perms := make([]string, 0, len(principal.Permissions))
	for _, p := range principal.Permissions.Sorted() {
		perms = append(perms, string(p))
	}
	writeJSON(w, http.StatusOK, meResponse{
		UserID:      principal.UserID,
		Roles:       principal.Roles,
		Permissions: perms,
		ClubID:      principal.ClubID,
		TeamIDs:     principal.TeamIDs,
		ExpiresAt:   principal.ExpiresAt,
	})
}

func sessionMeta(r *http.Request) auth.SessionMeta {
	return auth.SessionMeta{UserAgent: r.UserAgent()}
}
