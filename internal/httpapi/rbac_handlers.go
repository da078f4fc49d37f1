package httpapi

import (
	"net/http"
	"strings"
	"time"

	"clubhub.app/internal/auth"
	"clubhub.app/internal/obs"
)

type setRolesRequest struct {
	Roles []string `json:"roles"`
}

type issueJoinCodeRequest struct {
	Role       string `json:"role"`
	MaxUses    int    `json:"max_uses"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type joinCodeResponse struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	ClubID    string    `json:"club_id"`
	Role      auth.Role `json:"role"`
	MaxUses   int       `json:"max_uses"`
	ExpiresAt time.Time `json:"expires_at"`
}

type redeemJoinCodeRequest struct {
	Code string `json:"code"`
}

func (a *API) handleSetRoles(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(w, r)
	if !ok {
		return
	}
	var req setRolesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	roles, err := auth.ParseRoles(req.Roles)
	if err != nil {
		respondError(w, r, "set_roles", err)
		return
	}
	user, err := a.service.SetRoles(r.Context(), principal, r.PathValue("id"), roles)
	if err != nil {
		respondError(w, r, "set_roles", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleIssueJoinCode(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(w, r)
	if !ok {
		return
	}
	clubID := strings.TrimSpace(r.PathValue("id"))
	// club managers only issue codes for their own club
	if !principal.HasRole(auth.RoleAdmin) && principal.ClubID != clubID {
		writeError(w, r, http.StatusForbidden, codeForbidden, "forbidden")
		return
	}
	var req issueJoinCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "ttl_seconds must not be negative")
		return
	}
	plain, code, err := a.service.IssueJoinCode(r.Context(), principal, auth.JoinCodeRequest{
		ClubID:  clubID,
		Role:    auth.Role(strings.TrimSpace(req.Role)),
		MaxUses: req.MaxUses,
		TTL:     time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		respondError(w, r, "issue_join_code", err)
		return
	}
	obs.ObserveIssued("join_code")
	writeJSON(w, http.StatusCreated, joinCodeResponse{
		ID:        code.ID,
		Code:      plain,
		ClubID:    code.ClubID,
		Role:      code.Role,
		MaxUses:   code.MaxUses,
		ExpiresAt: code.ExpiresAt,
	})
}

func (a *API) handleRedeemJoinCode(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(w, r)
	if !ok {
		return
	}
	var req redeemJoinCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	user, err := a.service.RedeemJoinCode(r.Context(), principal.UserID, req.Code)
	if err != nil {
		respondError(w, r, "redeem_join_code", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
