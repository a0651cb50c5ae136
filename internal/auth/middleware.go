package auth

import (
	"net/http"
)

// TokenFromRequest reads a token from the "X-Relay-Token" header or the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if token := r.Header.Get("X-Relay-Token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// RequireRole returns a middleware that ensures the request's token has the given role.
func RequireRole(role string, mgr *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mgr.Role(TokenFromRequest(r)) != role {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
