package api

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

func TestRateLimitMiddleware_AllowsNormalRequests(t *testing.T) {
	rl := NewRateLimitMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer rl.Stop()

	rec := httptest.NewRecorder()
	rl.Wrap(okHandler(http.StatusOK)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/rates?from=DOT&to=USD", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddleware_BlocksExcessiveSyncs(t *testing.T) {
	rl := NewRateLimitMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer rl.Stop()
	handler := rl.Wrap(okHandler(http.StatusOK))

	// burst of 5 for the sync endpoint
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync", nil))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// other client is unaffected
	req := httptest.NewRequest(http.MethodPost, "/v1/sync", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.9, 10.0.0.1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// different endpoint has its own limiter
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/rates/manual", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddleware_HealthUnlimited(t *testing.T) {
	rl := NewRateLimitMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer rl.Stop()
	handler := rl.Wrap(okHandler(http.StatusOK))

	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitMiddleware_EvictsStale(t *testing.T) {
	rl := NewRateLimitMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer rl.Stop()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.nowFunc = func() time.Time { return now }

	rl.Wrap(okHandler(http.StatusOK)).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/currencies", nil))
	require.Equal(t, 1, rl.LimiterCount())

	now = now.Add(staleLimiterTTL + time.Second)
	rl.evictStale()
	assert.Equal(t, 0, rl.LimiterCount())
}

func TestAuditMiddleware_LogsMutatingRequests(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var seenBody string
	handler := AuditMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))

	body := `{"profile_id":"p1","chain":"moonbeam","address":"0xabc"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/accounts", strings.NewReader(body)))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, body, seenBody, "downstream handler sees the full body")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	out := logBuf.String()
	assert.Contains(t, out, "api audit")
	assert.Contains(t, out, "/v1/accounts")
	assert.Contains(t, out, `"response_status":201`)
}

func TestAuditMiddleware_SkipsReads(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	AuditMiddleware(logger, okHandler(http.StatusOK)).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/convert", nil))
	assert.Zero(t, logBuf.Len())
}

func TestAuditMiddleware_TruncatesLargeBody(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	var seen int
	handler := AuditMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = len(b)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/sync", strings.NewReader(strings.Repeat("x", 2000))))

	assert.Contains(t, logBuf.String(), "truncated")
	assert.Equal(t, 2000, seen)
}

func TestAuditMiddleware_RedactsSettings(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	AuditMiddleware(logger, okHandler(http.StatusOK)).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodPut, "/v1/settings/p1", strings.NewReader(`{"fixer_api_key":"topsecret"}`)))

	assert.NotContains(t, logBuf.String(), "topsecret")
	assert.Contains(t, logBuf.String(), "redacted")
}
