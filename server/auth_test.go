package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		path   string
		header string
		want   int
	}{
		{name: "no token configured", path: "/stats", want: http.StatusOK},
		{name: "valid token", token: "secret", path: "/stats", header: "Bearer secret", want: http.StatusOK},
		{name: "wrong token", token: "secret", path: "/stats", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "missing header", token: "secret", path: "/stats", want: http.StatusUnauthorized},
		{name: "basic auth", token: "secret", path: "/stats", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "healthz is public", token: "secret", path: "/healthz", want: http.StatusOK},
		{name: "metrics is public", token: "secret", path: "/metrics", want: http.StatusOK},
		{name: "gc is protected", token: "secret", path: "/gc", want: http.StatusUnauthorized},
		{name: "public match is exact", token: "secret", path: "/healthz/", want: http.StatusUnauthorized},
		{name: "unknown path is protected", token: "secret", path: "/metrics/extra", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{config: Config{AuthToken: tt.token}}
			handler := s.authMiddleware(okHandler())

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthMiddlewareRejectionBody(t *testing.T) {
	s := &Server{config: Config{AuthToken: "secret"}}
	handler := s.authMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="ephemeral"`, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "unauthorized", body["error"])
}
