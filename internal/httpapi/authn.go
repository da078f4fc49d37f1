package httpapi

import (
	"net/http"

	"clubhub.app/internal/auth"
)

const authHeader = "Authorization"

// protect admits the request through the guard before calling h. An empty
// requirement only demands a valid bearer credential.
func (a *API) protect(req auth.Requirement, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.guard.Check(r.Context(), r.Header.Get(authHeader), req)
		if err != nil {
			respondError(w, r, "authenticate", err)
			return
		}
		h(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

func principalFrom(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "authentication required")
	}
	return principal, ok
}
