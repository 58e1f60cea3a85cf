package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stacklok/codegate/config"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := SecurityHeaders()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	// SecurityHeaders should be present
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
	// RequestID should also be present
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_PreservesClientProvidedID(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-abc", RequestIDFromContext(r.Context()))
	})

	handler := RequestID()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-abc")
	handler.ServeHTTP(w, r)

	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
}

func TestAuth_APIKey(t *testing.T) {
	logger := zaptest.NewLogger(t)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cfg := config.AuthConfig{APIKeys: []string{"sekrit"}}
	handler := Auth(cfg, []string{"/health"}, logger)(inner)

	// valid key
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/workspaces", nil)
	r.Header.Set("X-API-Key", "sekrit")
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	// wrong key
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/api/v1/workspaces", nil)
	r.Header.Set("X-API-Key", "nope")
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// missing credentials
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/api/v1/workspaces", nil)
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// skip path needs no key
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_DisabledWithoutCredentials(t *testing.T) {
	logger := zaptest.NewLogger(t)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := Auth(config.AuthConfig{}, nil, logger)(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/workspaces", nil)
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_JWTBearer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cfg := config.AuthConfig{JWTSecret: "hs256-secret"}
	handler := Auth(cfg, nil, logger)(inner)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "dashboard",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("hs256-secret"))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	// token signed with the wrong secret is rejected
	bad, err := token.SignedString([]byte("other-secret"))
	require.NoError(t, err)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	r.Header.Set("Authorization", "Bearer "+bad)
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/api/v1/workspaces":                  "/api/v1/workspaces",
		"/api/v1/workspaces/my-project":       "/api/v1/workspaces/:name",
		"/api/v1/workspaces/my-project/muxes": "/api/v1/workspaces/:name/muxes",
		"/api/v1/workspaces/archive/old-ws":   "/api/v1/workspaces/archive/:name",
		"/api/v1/provider-endpoints/42":       "/api/v1/provider-endpoints/:name",
		"/api/v1/prompts/3f2a8b9c0d1e4f5a":    "/api/v1/prompts/:id",
		"/api/v1/alerts":                      "/api/v1/alerts",
		"/health":                             "/health",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizePath(in), in)
	}
}
