package inventory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockclose/internal/platform/httpx"
	"github.com/odyssey-erp/stockclose/internal/rbac"
	"github.com/odyssey-erp/stockclose/internal/shared"
)

type movementService interface {
	PostInbound(ctx context.Context, input InboundInput) (StockCardEntry, error)
	PostOutbound(ctx context.Context, input OutboundInput) (StockCardEntry, error)
	PostAdjustment(ctx context.Context, input AdjustmentInput) (StockCardEntry, error)
	GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error)
}

// Handler exposes inventory movements as JSON endpoints.
type Handler struct {
	logger  *slog.Logger
	service movementService
	rbac    rbac.Middleware
}

// NewHandler builds the inventory HTTP handler.
func NewHandler(logger *slog.Logger, service movementService, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers inventory routes under /inventory.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/inventory", func(r chi.Router) {
		r.With(h.rbac.RequireAny(shared.PermInventoryView, shared.PermInventoryEdit)).Get("/stock-card", h.stockCard)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(shared.PermInventoryEdit))
			r.Post("/inbound", h.postInbound)
			r.Post("/outbound", h.postOutbound)
			r.Post("/adjustments", h.postAdjustment)
		})
	})
}

type movementRequest struct {
	Code        string          `json:"code" validate:"omitempty,max=64"`
	WarehouseID int64           `json:"warehouse_id" validate:"required,gt=0"`
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	Qty         decimal.Decimal `json:"qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Note        string          `json:"note" validate:"max=500"`
	PostedAt    *time.Time      `json:"posted_at"`
}

func (m movementRequest) postedAt() time.Time {
	if m.PostedAt == nil {
		return time.Time{}
	}
	return m.PostedAt.UTC()
}

func (h *Handler) decodeMovement(w http.ResponseWriter, r *http.Request) (movementRequest, string, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return movementRequest{}, "", false
	}
	var req movementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return movementRequest{}, "", false
	}
	if err := httpx.Validate(req); err != nil {
		httpx.RespondError(w, err)
		return movementRequest{}, "", false
	}
	return req, actor.Subject, true
}

func (h *Handler) postInbound(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.decodeMovement(w, r)
	if !ok {
		return
	}
	card, err := h.service.PostInbound(r.Context(), InboundInput{
		Code:        req.Code,
		WarehouseID: req.WarehouseID,
		ProductID:   req.ProductID,
		Qty:         req.Qty,
		UnitCost:    req.UnitCost,
		Note:        req.Note,
		Actor:       actor,
		PostedAt:    req.postedAt(),
	})
	h.respondMovement(w, "post inbound", card, err)
}

func (h *Handler) postOutbound(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.decodeMovement(w, r)
	if !ok {
		return
	}
	card, err := h.service.PostOutbound(r.Context(), OutboundInput{
		Code:        req.Code,
		WarehouseID: req.WarehouseID,
		ProductID:   req.ProductID,
		Qty:         req.Qty,
		Note:        req.Note,
		Actor:       actor,
		PostedAt:    req.postedAt(),
	})
	h.respondMovement(w, "post outbound", card, err)
}

func (h *Handler) postAdjustment(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.decodeMovement(w, r)
	if !ok {
		return
	}
	card, err := h.service.PostAdjustment(r.Context(), AdjustmentInput{
		Code:        req.Code,
		WarehouseID: req.WarehouseID,
		ProductID:   req.ProductID,
		Qty:         req.Qty,
		UnitCost:    req.UnitCost,
		Note:        req.Note,
		Actor:       actor,
		PostedAt:    req.postedAt(),
	})
	h.respondMovement(w, "post adjustment", card, err)
}

func (h *Handler) stockCard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := StockCardFilter{}
	var err error
	if filter.WarehouseID, err = parseID(q.Get("warehouse_id")); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "warehouse_id invalid", "VALIDATION")
		return
	}
	if filter.ProductID, err = parseID(q.Get("product_id")); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "product_id invalid", "VALIDATION")
		return
	}
	if raw := q.Get("from"); raw != "" {
		if filter.From, err = time.Parse("2006-01-02", raw); err != nil {
			httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD", "VALIDATION")
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD", "VALIDATION")
			return
		}
		filter.To = to.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	if raw := q.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil || filter.Limit < 0 {
			httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "limit invalid", "VALIDATION")
			return
		}
	}
	cards, err := h.service.GetStockCard(r.Context(), filter)
	if err != nil {
		h.respondError(w, "stock card", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": cards})
}

func (h *Handler) respondMovement(w http.ResponseWriter, op string, card StockCardEntry, err error) {
	if err != nil {
		h.respondError(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, card)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrMissingKeys), errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost), errors.Is(err, ErrFuturePosting):
		httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", err.Error(), "VALIDATION")
	case errors.Is(err, ErrNegativeStock):
		httpx.ProblemCode(w, http.StatusConflict, "Negative Stock", err.Error(), "NEGATIVE_STOCK")
	case errors.Is(err, ErrPeriodClosed):
		httpx.ProblemCode(w, http.StatusConflict, "Period Closed", err.Error(), "PERIOD_CLOSED")
	case errors.Is(err, ErrDuplicateCode):
		httpx.RespondError(w, httpx.ErrDuplicate)
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
