package closinghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockclose/internal/closing"
	"github.com/odyssey-erp/stockclose/internal/shared"
)

type stubEngine struct {
	closeFn    func(ctx context.Context, req closing.CloseRequest) (closing.ClosingSummary, error)
	rollbackFn func(ctx context.Context, req closing.RollbackRequest) (closing.RollbackSummary, error)
	getRunFn   func(ctx context.Context, actor string, id uuid.UUID) (closing.RunDetail, error)
	listFn     func(ctx context.Context, actor string, f closing.RunFilter) ([]closing.Run, error)
	snapshotFn func(ctx context.Context, actor string, id uuid.UUID) ([]closing.SnapshotRow, error)
}

func (s *stubEngine) Close(ctx context.Context, req closing.CloseRequest) (closing.ClosingSummary, error) {
	return s.closeFn(ctx, req)
}

func (s *stubEngine) Rollback(ctx context.Context, req closing.RollbackRequest) (closing.RollbackSummary, error) {
	return s.rollbackFn(ctx, req)
}

func (s *stubEngine) GetRun(ctx context.Context, actor string, id uuid.UUID) (closing.RunDetail, error) {
	return s.getRunFn(ctx, actor, id)
}

func (s *stubEngine) ListRuns(ctx context.Context, actor string, f closing.RunFilter) ([]closing.Run, error) {
	return s.listFn(ctx, actor, f)
}

func (s *stubEngine) Snapshot(ctx context.Context, actor string, id uuid.UUID) ([]closing.SnapshotRow, error) {
	return s.snapshotFn(ctx, actor, id)
}

func q3(t *testing.T) closing.Period {
	t.Helper()
	quarter := 3
	period, err := closing.PeriodRules{}.Parse(2024, &quarter, nil)
	require.NoError(t, err)
	return period
}

func newTestRouter(t *testing.T, engine closingEngine, withReplay bool) http.Handler {
	t.Helper()
	var cache *shared.RequestCache
	if withReplay {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		cache = shared.NewRequestCache(client, time.Minute)
	}
	r := chi.NewRouter()
	NewHandler(nil, engine, cache).MountRoutes(r)
	return r
}

func serve(router http.Handler, actor, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	if actor != "" {
		req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{Subject: actor}))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestClosePeriodReturnsSummary(t *testing.T) {
	runID := uuid.New()
	var captured closing.CloseRequest
	engine := &stubEngine{closeFn: func(ctx context.Context, req closing.CloseRequest) (closing.ClosingSummary, error) {
		captured = req
		return closing.ClosingSummary{
			RunID:       runID,
			Period:      q3(t),
			TotalItems:  2,
			TotalValue:  decimal.RequireFromString("45.5"),
			CompletedAt: time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC),
		}, nil
	}}
	rec := serve(newTestRouter(t, engine, false), "admin1", http.MethodPost, "/closings", `{"year":2024,"quarter":3,"force_reclose":true}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "admin1", captured.Actor)
	require.Equal(t, 2024, captured.Year)
	require.NotNil(t, captured.Quarter)
	require.Equal(t, 3, *captured.Quarter)
	require.Nil(t, captured.Month)
	require.True(t, captured.ForceReclose)

	body := decodeBody(t, rec)
	require.Equal(t, runID.String(), body["run_id"])
	require.Equal(t, "45.5", body["total_value"])
	require.Equal(t, "QUARTER", body["period_kind"])
	require.NotContains(t, body, "audit_warning")
}

func TestClosePeriodSurfacesAuditWarning(t *testing.T) {
	engine := &stubEngine{closeFn: func(ctx context.Context, req closing.CloseRequest) (closing.ClosingSummary, error) {
		return closing.ClosingSummary{RunID: uuid.New(), Period: q3(t), AuditErr: closing.ErrAuditSink}, nil
	}}
	rec := serve(newTestRouter(t, engine, false), "admin1", http.MethodPost, "/closings", `{"year":2024,"quarter":3}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, decodeBody(t, rec)["audit_warning"])
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{closing.ErrInvalidRange, http.StatusUnprocessableEntity, "INVALID_RANGE"},
		{closing.ErrAmbiguousPeriod, http.StatusUnprocessableEntity, "AMBIGUOUS_PERIOD"},
		{closing.ErrMissingPeriod, http.StatusUnprocessableEntity, "MISSING_PERIOD"},
		{closing.ErrOutOfBounds, http.StatusUnprocessableEntity, "OUT_OF_BOUNDS"},
		{closing.ErrInvalidReason, http.StatusUnprocessableEntity, "INVALID_REASON"},
		{closing.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED"},
		{closing.ErrAlreadyClosed, http.StatusConflict, "ALREADY_CLOSED"},
		{closing.ErrClosingInProgress, http.StatusConflict, "CLOSING_IN_PROGRESS"},
		{closing.ErrAlreadyRolledBack, http.StatusConflict, "ALREADY_ROLLED_BACK"},
		{closing.ErrNotCompleted, http.StatusConflict, "NOT_COMPLETED"},
		{closing.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{closing.ErrStorage, http.StatusServiceUnavailable, "STORAGE"},
		{errors.New("pool exhausted"), http.StatusServiceUnavailable, "STORAGE"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			engine := &stubEngine{rollbackFn: func(ctx context.Context, req closing.RollbackRequest) (closing.RollbackSummary, error) {
				return closing.RollbackSummary{}, fmt.Errorf("wrapped: %w", tc.err)
			}}
			rec := serve(newTestRouter(t, engine, false), "admin1", http.MethodPost, "/closings/"+uuid.NewString()+"/rollback", `{"reason":"fix"}`)
			require.Equal(t, tc.status, rec.Code)
			body := decodeBody(t, rec)
			require.Equal(t, tc.code, body["code"])
			if tc.status == http.StatusServiceUnavailable {
				require.NotContains(t, body, "detail")
			}
			if tc.status == http.StatusForbidden {
				require.Equal(t, "not permitted", body["detail"])
			}
		})
	}
}

func TestRequestsWithoutActorAreRejected(t *testing.T) {
	engine := &stubEngine{closeFn: func(ctx context.Context, req closing.CloseRequest) (closing.ClosingSummary, error) {
		t.Fatalf("engine must not be called")
		return closing.ClosingSummary{}, nil
	}}
	rec := serve(newTestRouter(t, engine, false), "", http.MethodPost, "/closings", `{"year":2024,"quarter":3}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedBodiesAndIDs(t *testing.T) {
	engine := &stubEngine{}
	router := newTestRouter(t, engine, false)

	rec := serve(router, "admin1", http.MethodPost, "/closings", `{"year":"2024"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, "admin1", http.MethodPost, "/closings", `{"year":2024,"quarter":3,"extra":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, "admin1", http.MethodGet, "/closings/not-a-uuid", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, "admin1", http.MethodGet, "/closings?status=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunIncludesRollback(t *testing.T) {
	runID := uuid.New()
	completed := time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)
	engine := &stubEngine{getRunFn: func(ctx context.Context, actor string, id uuid.UUID) (closing.RunDetail, error) {
		require.Equal(t, "auditor", actor)
		require.Equal(t, runID, id)
		return closing.RunDetail{
			Run: closing.Run{
				ID:          runID,
				Period:      q3(t),
				Status:      closing.RunStatusRolledBack,
				ClosedBy:    "admin1",
				StartedAt:   completed.Add(-time.Minute),
				CompletedAt: &completed,
				TotalValue:  decimal.Zero,
			},
			Rollback: &closing.RollbackRecord{RunID: runID, Reason: "recount", RolledBackBy: "user2", RolledBackAt: completed.Add(time.Hour)},
		}, nil
	}}
	rec := serve(newTestRouter(t, engine, false), "auditor", http.MethodGet, "/closings/"+runID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "ROLLED_BACK", body["status"])
	rb, ok := body["rollback"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "recount", rb["reason"])
	require.Equal(t, "user2", rb["rolled_back_by"])
}

func TestListRunsParsesFilter(t *testing.T) {
	var captured closing.RunFilter
	engine := &stubEngine{listFn: func(ctx context.Context, actor string, f closing.RunFilter) ([]closing.Run, error) {
		captured = f
		return []closing.Run{{ID: uuid.New(), Period: q3(t), Status: closing.RunStatusCompleted, TotalValue: decimal.RequireFromString("10")}}, nil
	}}
	rec := serve(newTestRouter(t, engine, false), "auditor", http.MethodGet, "/closings?year=2024&status=completed&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, closing.RunFilter{Year: 2024, Status: closing.RunStatusCompleted, Limit: 5}, captured)
	runs, ok := decodeBody(t, rec)["runs"].([]any)
	require.True(t, ok)
	require.Len(t, runs, 1)
}

func TestSnapshotRendersDecimalsAsStrings(t *testing.T) {
	runID := uuid.New()
	engine := &stubEngine{snapshotFn: func(ctx context.Context, actor string, id uuid.UUID) ([]closing.SnapshotRow, error) {
		return []closing.SnapshotRow{{RunID: id, ItemID: 1, Quantity: decimal.RequireFromString("3"), UnitPrice: decimal.RequireFromString("12.5"), Value: decimal.RequireFromString("37.5")}}, nil
	}}
	rec := serve(newTestRouter(t, engine, false), "auditor", http.MethodGet, "/closings/"+runID.String()+"/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"value":"37.5"`)
	require.Contains(t, rec.Body.String(), `"unit_price":"12.5"`)
}

func TestIdempotencyKeyReplaysClose(t *testing.T) {
	calls := 0
	runID := uuid.New()
	engine := &stubEngine{closeFn: func(ctx context.Context, req closing.CloseRequest) (closing.ClosingSummary, error) {
		calls++
		if calls > 1 {
			return closing.ClosingSummary{}, closing.ErrAlreadyClosed
		}
		return closing.ClosingSummary{RunID: runID, Period: q3(t), TotalValue: decimal.Zero}, nil
	}}
	router := newTestRouter(t, engine, true)

	first := serve(router, "admin1", http.MethodPost, "/closings", `{"year":2024,"quarter":3}`, shared.IdempotencyHeader, "retry-1")
	require.Equal(t, http.StatusCreated, first.Code)
	retry := serve(router, "admin1", http.MethodPost, "/closings", `{"year":2024,"quarter":3}`, shared.IdempotencyHeader, "retry-1")
	require.Equal(t, http.StatusCreated, retry.Code)
	require.Equal(t, runID.String(), decodeBody(t, retry)["run_id"])
	require.Equal(t, 1, calls)

	fresh := serve(router, "admin1", http.MethodPost, "/closings", `{"year":2024,"quarter":3}`, shared.IdempotencyHeader, "retry-2")
	require.Equal(t, http.StatusConflict, fresh.Code)
	require.Equal(t, "ALREADY_CLOSED", decodeBody(t, fresh)["code"])
}
