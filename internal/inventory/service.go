package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockclose/internal/audit"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Write(ctx context.Context, entry audit.Entry) error
}

// PeriodLock reports whether an instant falls inside a closed period.
type PeriodLock interface {
	PeriodClosedAt(ctx context.Context, at time.Time) (bool, error)
}

// Service coordinates inventory operations.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	locks    PeriodLock
	logger   *slog.Logger
	allowNeg bool
	now      func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// NewService builds Service. audit, locks and logger may be nil.
func NewService(repo RepositoryPort, auditor AuditPort, locks PeriodLock, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		audit:    auditor,
		locks:    locks,
		logger:   logger,
		allowNeg: cfg.AllowNegativeStock,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock used for posting dates.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// PostInbound posts an inbound movement (e.g. goods receipt).
func (s *Service) PostInbound(ctx context.Context, input InboundInput) (StockCardEntry, error) {
	if input.WarehouseID == 0 || input.ProductID == 0 {
		return StockCardEntry{}, ErrMissingKeys
	}
	if !input.Qty.IsPositive() {
		return StockCardEntry{}, ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return StockCardEntry{}, ErrInvalidUnitCost
	}
	return s.postMovement(ctx, movementParams{
		Code:        input.Code,
		WarehouseID: input.WarehouseID,
		ProductID:   input.ProductID,
		QtyChange:   input.Qty,
		UnitCost:    input.UnitCost,
		TxType:      TransactionTypeIn,
		Note:        input.Note,
		Actor:       input.Actor,
		PostedAt:    input.PostedAt,
	})
}

// PostOutbound posts an outbound movement valued at the moving average cost.
func (s *Service) PostOutbound(ctx context.Context, input OutboundInput) (StockCardEntry, error) {
	if input.WarehouseID == 0 || input.ProductID == 0 {
		return StockCardEntry{}, ErrMissingKeys
	}
	if !input.Qty.IsPositive() {
		return StockCardEntry{}, ErrInvalidQuantity
	}
	return s.postMovement(ctx, movementParams{
		Code:        input.Code,
		WarehouseID: input.WarehouseID,
		ProductID:   input.ProductID,
		QtyChange:   input.Qty.Neg(),
		TxType:      TransactionTypeOut,
		Note:        input.Note,
		Actor:       input.Actor,
		PostedAt:    input.PostedAt,
	})
}

// PostAdjustment posts an adjustment which may be positive or negative.
func (s *Service) PostAdjustment(ctx context.Context, input AdjustmentInput) (StockCardEntry, error) {
	if input.WarehouseID == 0 || input.ProductID == 0 {
		return StockCardEntry{}, ErrMissingKeys
	}
	if input.Qty.IsZero() {
		return StockCardEntry{}, ErrInvalidQuantity
	}
	if input.Qty.IsPositive() && input.UnitCost.IsNegative() {
		return StockCardEntry{}, ErrInvalidUnitCost
	}
	return s.postMovement(ctx, movementParams{
		Code:        input.Code,
		WarehouseID: input.WarehouseID,
		ProductID:   input.ProductID,
		QtyChange:   input.Qty,
		UnitCost:    input.UnitCost,
		TxType:      TransactionTypeAdjust,
		Note:        input.Note,
		Actor:       input.Actor,
		PostedAt:    input.PostedAt,
	})
}

// GetStockCard lists stock card entries.
func (s *Service) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if filter.WarehouseID == 0 || filter.ProductID == 0 {
		return nil, ErrMissingKeys
	}
	return s.repo.GetStockCard(ctx, filter)
}

type movementParams struct {
	Code        string
	WarehouseID int64
	ProductID   int64
	QtyChange   decimal.Decimal
	UnitCost    decimal.Decimal
	TxType      TransactionType
	Note        string
	Actor       string
	PostedAt    time.Time
}

func (s *Service) postMovement(ctx context.Context, params movementParams) (StockCardEntry, error) {
	now := s.now()
	postedAt := params.PostedAt
	if postedAt.IsZero() {
		postedAt = now
	}
	if postedAt.After(now) {
		return StockCardEntry{}, ErrFuturePosting
	}
	if s.locks != nil {
		closed, err := s.locks.PeriodClosedAt(ctx, postedAt)
		if err != nil {
			return StockCardEntry{}, err
		}
		if closed {
			return StockCardEntry{}, fmt.Errorf("%w: %s", ErrPeriodClosed, postedAt.Format(time.RFC3339))
		}
	}
	code := params.Code
	if code == "" {
		code = fmt.Sprintf("INV-%d", now.UnixNano())
	}

	var card StockCardEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		balance, err := tx.GetBalanceForUpdate(ctx, params.WarehouseID, params.ProductID)
		if err != nil && !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		if errors.Is(err, ErrBalanceNotFound) {
			balance = Balance{WarehouseID: params.WarehouseID, ProductID: params.ProductID}
		}
		qtyChange := params.QtyChange
		newQty := balance.Qty.Add(qtyChange)
		if !s.allowNeg && newQty.IsNegative() {
			return ErrNegativeStock
		}
		var unitCost, newAvg decimal.Decimal
		if qtyChange.IsPositive() {
			unitCost = params.UnitCost
			totalCost := balance.Qty.Mul(balance.AvgCost).Add(qtyChange.Mul(unitCost))
			if !newQty.IsZero() {
				newAvg = totalCost.DivRound(newQty, 6)
			}
		} else {
			unitCost = balance.AvgCost
			if newQty.IsPositive() {
				newAvg = balance.AvgCost
			}
		}
		txID, err := tx.InsertTransaction(ctx, Transaction{
			Code:        code,
			Type:        params.TxType,
			WarehouseID: params.WarehouseID,
			Note:        params.Note,
			PostedAt:    postedAt,
			CreatedBy:   params.Actor,
		})
		if err != nil {
			return err
		}
		line := TransactionLine{
			TransactionID: txID,
			ProductID:     params.ProductID,
			Qty:           qtyChange,
			UnitCost:      unitCost,
		}
		if qtyChange.IsNegative() {
			line.SrcWarehouseID = params.WarehouseID
		} else {
			line.DstWarehouseID = params.WarehouseID
		}
		if err := tx.InsertTransactionLines(ctx, txID, []TransactionLine{line}); err != nil {
			return err
		}
		balance.Qty = newQty
		balance.AvgCost = newAvg
		if err := tx.UpsertBalance(ctx, balance); err != nil {
			return err
		}
		card = StockCardEntry{
			TxCode:     code,
			TxType:     params.TxType,
			PostedAt:   postedAt,
			QtyIn:      decimal.Max(qtyChange, decimal.Zero),
			QtyOut:     decimal.Max(qtyChange.Neg(), decimal.Zero),
			BalanceQty: newQty,
			UnitCost:   unitCost,
			AvgCost:    newAvg,
			Note:       params.Note,
		}
		return tx.InsertCardEntry(ctx, card, params.WarehouseID, params.ProductID, txID)
	})
	if err != nil {
		return StockCardEntry{}, err
	}
	if s.audit != nil {
		entry := audit.Entry{
			Actor:    params.Actor,
			Action:   fmt.Sprintf("inventory:%s", params.TxType),
			Entity:   "inventory_tx",
			EntityID: code,
			At:       now,
			Meta: map[string]any{
				"warehouse_id": params.WarehouseID,
				"product_id":   params.ProductID,
				"qty":          params.QtyChange.String(),
				"posted_at":    postedAt,
				"note":         params.Note,
			},
		}
		if err := s.audit.Write(ctx, entry); err != nil {
			s.logger.Warn("inventory audit", slog.String("code", code), slog.Any("error", err))
		}
	}
	return card, nil
}
