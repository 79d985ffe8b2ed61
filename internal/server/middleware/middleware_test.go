package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthDisabledWhenNoKeyConfigured(t *testing.T) {
	h := Auth("")(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejectsMissingToken(t *testing.T) {
	h := Auth("secret")(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/claims", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsWrongToken(t *testing.T) {
	h := Auth("secret")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/claims", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthAcceptsBearerAndAPIKeyHeader(t *testing.T) {
	h := Auth("secret")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/claims", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/claims", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLoggingRecordsStatusAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/tranches", nil))

	line := buf.String()
	require.Contains(t, line, `"level":"WARN"`)
	require.Contains(t, line, `"status":500`)
	require.Contains(t, line, `"path":"/api/tranches"`)

	buf.Reset()
	h = Logging(logger)(okHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/tranches", nil))

	line = buf.String()
	require.Contains(t, line, `"level":"INFO"`)
	require.Contains(t, line, `"status":200`)
}

type stubLimiter struct {
	allowed bool
	err     error
	lastKey string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.lastKey = key
	return s.allowed, s.err
}

func TestRateLimitBlocksWhenExceeded(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	h := RateLimit(limiter, 10, time.Minute)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ledger/deposits", nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimitFailsOpenOnLimiterError(t *testing.T) {
	limiter := &stubLimiter{allowed: false, err: errors.New("redis down")}
	h := RateLimit(limiter, 10, time.Minute)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ledger/deposits", nil))

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitKeysOnForwardedClientIP(t *testing.T) {
	limiter := &stubLimiter{allowed: true}
	h := RateLimit(limiter, 10, time.Minute)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/tranches", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "api:203.0.113.9", limiter.lastKey)
}
