package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// publicPaths are served without a bearer token so probes and scrapers keep
// working when AuthToken is set.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// authMiddleware rejects requests without the configured bearer token.
// With no AuthToken it returns next unchanged.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}
	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ephemeral"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
