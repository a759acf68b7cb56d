package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockclose/internal/auth"
	"github.com/odyssey-erp/stockclose/internal/observability"
	"github.com/odyssey-erp/stockclose/jobs"
	_ "github.com/odyssey-erp/stockclose/testing"
)

func TestLoadConfigDefaultsAndValidation(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("CLOSING_TIMEZONE", "Asia/Jakarta")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 10*time.Second, cfg.ClosingStorageTimeout)
	require.Equal(t, 15*time.Minute, cfg.ClosingStaleAfter)
	require.Equal(t, "*/5 * * * *", cfg.ClosingReapCron)
	require.Equal(t, 500, cfg.ClosingReasonMaxLen)
	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "Asia/Jakarta", loc.String())
	require.Equal(t, "127.0.0.1:6379", cfg.AsynqRedis().Addr)

	t.Setenv("CLOSING_MIN_YEAR", "2030")
	t.Setenv("CLOSING_MAX_YEAR", "2020")
	_, err = LoadConfig()
	require.Error(t, err)

	t.Setenv("CLOSING_MIN_YEAR", "2000")
	t.Setenv("CLOSING_MAX_YEAR", "2100")
	t.Setenv("CLOSING_TIMEZONE", "Mars/Olympus")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestHarnessDefaults(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "test", cfg.AppEnv)
	require.Equal(t, "json", cfg.LogFormat)
	require.Contains(t, cfg.PGDSN, "/stockclose_test")
	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "UTC", loc.String())
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, &Config{AppEnv: "production", LogFormat: "json"}).Debug("hidden")
	require.Empty(t, buf.String())
	newLogger(&buf, &Config{AppEnv: "production", LogFormat: "json"}).Info("closing", "run_id", "r1")
	require.Contains(t, buf.String(), `"run_id":"r1"`)
	require.Contains(t, buf.String(), `"env":"production"`)
}

func newTestRouter(t *testing.T, readiness map[string]ReadinessCheck) (http.Handler, *auth.Tokens) {
	t.Helper()
	tokens, err := auth.NewTokens("secret", "stockclose", time.Hour)
	require.NoError(t, err)
	router := NewRouter(RouterParams{
		Config:     &Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second, AppRateLimit: 1000},
		Auth:       auth.Middleware{Tokens: tokens},
		Metrics:    observability.NewMetrics(),
		JobHandler: jobs.NewHandler(nil, nil),
		Readiness:  readiness,
	})
	return router, tokens
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rec.Header().Get("X-Ratelimit-Limit"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "stockclose_http_requests_total"))
}

func TestReadinessReportsFailingDependency(t *testing.T) {
	router, _ := newTestRouter(t, map[string]ReadinessCheck{
		"postgres": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"postgres":"ok","redis":"unavailable"}`, rec.Body.String())
}

func TestAPIRequiresBearerToken(t *testing.T) {
	router, tokens := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "UNAUTHENTICATED")

	token, err := tokens.Issue("admin1", "")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/jobs/health", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"queue":"critical"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}
