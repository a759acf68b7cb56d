package closinghttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockclose/internal/closing"
	"github.com/odyssey-erp/stockclose/internal/platform/httpx"
	"github.com/odyssey-erp/stockclose/internal/shared"
)

type closingEngine interface {
	Close(ctx context.Context, req closing.CloseRequest) (closing.ClosingSummary, error)
	Rollback(ctx context.Context, req closing.RollbackRequest) (closing.RollbackSummary, error)
	GetRun(ctx context.Context, actor string, runID uuid.UUID) (closing.RunDetail, error)
	ListRuns(ctx context.Context, actor string, filter closing.RunFilter) ([]closing.Run, error)
	Snapshot(ctx context.Context, actor string, runID uuid.UUID) ([]closing.SnapshotRow, error)
}

// Handler exposes the closing engine over JSON.
type Handler struct {
	logger  *slog.Logger
	engine  closingEngine
	replays *shared.RequestCache
}

// NewHandler constructs the closing HTTP handler. replays may be nil, in
// which case Idempotency-Key headers are ignored.
func NewHandler(logger *slog.Logger, engine closingEngine, replays *shared.RequestCache) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: engine, replays: replays}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/closings", func(r chi.Router) {
		r.Get("/", h.listRuns)
		r.Get("/{id}", h.getRun)
		r.Get("/{id}/snapshot", h.snapshot)
		r.Group(func(r chi.Router) {
			if h.replays != nil {
				r.Use(h.replays.Middleware("closings", h.logger))
			}
			r.Post("/", h.closePeriod)
			r.Post("/{id}/rollback", h.rollback)
		})
	})
}

type closeRequest struct {
	Year         int  `json:"year"`
	Quarter      *int `json:"quarter"`
	Month        *int `json:"month"`
	ForceReclose bool `json:"force_reclose"`
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

type closeResponse struct {
	RunID        string    `json:"run_id"`
	Period       string    `json:"period"`
	Year         int       `json:"year"`
	PeriodKind   string    `json:"period_kind"`
	PeriodValue  int       `json:"period_value"`
	TotalItems   int       `json:"total_items"`
	TotalValue   string    `json:"total_value"`
	CompletedAt  time.Time `json:"completed_at"`
	AuditWarning string    `json:"audit_warning,omitempty"`
}

type rollbackResponse struct {
	RunID        string    `json:"run_id"`
	Period       string    `json:"period"`
	Reason       string    `json:"reason"`
	RolledBackBy string    `json:"rolled_back_by"`
	RolledBackAt time.Time `json:"rolled_back_at"`
	AuditWarning string    `json:"audit_warning,omitempty"`
}

type runResponse struct {
	ID          string            `json:"id"`
	Period      string            `json:"period"`
	Year        int               `json:"year"`
	PeriodKind  string            `json:"period_kind"`
	PeriodValue int               `json:"period_value"`
	Status      string            `json:"status"`
	ClosedBy    string            `json:"closed_by"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	TotalItems  int               `json:"total_items"`
	TotalValue  string            `json:"total_value"`
	Rollback    *rollbackResponse `json:"rollback,omitempty"`
}

type snapshotRowResponse struct {
	ItemID    int64  `json:"item_id"`
	Quantity  string `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Value     string `json:"value"`
}

func (h *Handler) closePeriod(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req closeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.engine.Close(r.Context(), closing.CloseRequest{
		Year:         req.Year,
		Quarter:      req.Quarter,
		Month:        req.Month,
		Actor:        actor,
		ForceReclose: req.ForceReclose,
	})
	if err != nil {
		h.respondError(w, "close period", err)
		return
	}
	resp := closeResponse{
		RunID:       summary.RunID.String(),
		Period:      summary.Period.String(),
		Year:        summary.Period.Year(),
		PeriodKind:  string(summary.Period.Kind()),
		PeriodValue: summary.Period.Value(),
		TotalItems:  summary.TotalItems,
		TotalValue:  summary.TotalValue.String(),
		CompletedAt: summary.CompletedAt,
	}
	if summary.AuditErr != nil {
		h.logger.Warn("closing audit", slog.String("run_id", resp.RunID), slog.Any("error", summary.AuditErr))
		resp.AuditWarning = auditWarning
	}
	httpx.JSON(w, http.StatusCreated, resp)
}

func (h *Handler) rollback(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	var req rollbackRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.engine.Rollback(r.Context(), closing.RollbackRequest{RunID: runID, Actor: actor, Reason: req.Reason})
	if err != nil {
		h.respondError(w, "rollback closing", err)
		return
	}
	resp := rollbackResponse{
		RunID:        summary.RunID.String(),
		Period:       summary.Period.String(),
		Reason:       summary.Reason,
		RolledBackBy: summary.RolledBackBy,
		RolledBackAt: summary.RolledBackAt,
	}
	if summary.AuditErr != nil {
		h.logger.Warn("rollback audit", slog.String("run_id", resp.RunID), slog.Any("error", summary.AuditErr))
		resp.AuditWarning = auditWarning
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := closing.RunFilter{}
	if raw := strings.TrimSpace(q.Get("year")); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil || year <= 0 {
			httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "year invalid", "VALIDATION")
			return
		}
		filter.Year = year
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := closing.RunStatus(strings.ToUpper(raw))
		switch status {
		case closing.RunStatusRunning, closing.RunStatusCompleted, closing.RunStatusRolledBack:
			filter.Status = status
		default:
			httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "status invalid", "VALIDATION")
			return
		}
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "limit invalid", "VALIDATION")
			return
		}
		filter.Limit = limit
	}
	runs, err := h.engine.ListRuns(r.Context(), actor, filter)
	if err != nil {
		h.respondError(w, "list closings", err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, newRunResponse(run, nil))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	detail, err := h.engine.GetRun(r.Context(), actor, runID)
	if err != nil {
		h.respondError(w, "get closing", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRunResponse(detail.Run, detail.Rollback))
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	rows, err := h.engine.Snapshot(r.Context(), actor, runID)
	if err != nil {
		h.respondError(w, "closing snapshot", err)
		return
	}
	out := make([]snapshotRowResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, snapshotRowResponse{
			ItemID:    row.ItemID,
			Quantity:  row.Quantity.String(),
			UnitPrice: row.UnitPrice.String(),
			Value:     row.Value.String(),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"run_id": runID.String(), "rows": out})
}

func newRunResponse(run closing.Run, rb *closing.RollbackRecord) runResponse {
	resp := runResponse{
		ID:          run.ID.String(),
		Period:      run.Period.String(),
		Year:        run.Period.Year(),
		PeriodKind:  string(run.Period.Kind()),
		PeriodValue: run.Period.Value(),
		Status:      string(run.Status),
		ClosedBy:    run.ClosedBy,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		TotalItems:  run.TotalItems,
		TotalValue:  run.TotalValue.String(),
	}
	if rb != nil {
		resp.Rollback = &rollbackResponse{
			RunID:        rb.RunID.String(),
			Period:       resp.Period,
			Reason:       rb.Reason,
			RolledBackBy: rb.RolledBackBy,
			RolledBackAt: rb.RolledBackAt,
		}
	}
	return resp
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return "", false
	}
	return actor.Subject, true
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusNotFound, "Not Found", "closing run not found", string(closing.KindNotFound))
		return uuid.Nil, false
	}
	return id, true
}

const auditWarning = "audit event could not be recorded; it has been queued for replay"

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	kind := closing.KindOf(err)
	detail := string(kind)
	var cerr *closing.Error
	if errors.As(err, &cerr) && cerr.Message != "" {
		detail = cerr.Message
	}
	switch closing.CategoryOf(kind) {
	case closing.CategoryValidation:
		httpx.ProblemCode(w, http.StatusUnprocessableEntity, "Validation Failed", detail, string(kind))
	case closing.CategoryUnauthorized:
		httpx.ProblemCode(w, http.StatusForbidden, "Forbidden", "not permitted", string(kind))
	case closing.CategoryConflict:
		if kind == closing.KindNotFound {
			httpx.ProblemCode(w, http.StatusNotFound, "Not Found", detail, string(kind))
			return
		}
		httpx.ProblemCode(w, http.StatusConflict, "Conflict", detail, string(kind))
	default:
		h.logger.Error(op, slog.String("kind", string(kind)), slog.Any("error", err))
		httpx.ProblemCode(w, http.StatusServiceUnavailable, "Service Unavailable", "", string(closing.KindStorage))
	}
}
