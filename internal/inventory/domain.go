package inventory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates supported inventory movements.
type TransactionType string

const (
	// TransactionTypeIn represents an inbound movement.
	TransactionTypeIn TransactionType = "IN"
	// TransactionTypeOut represents an outbound movement.
	TransactionTypeOut TransactionType = "OUT"
	// TransactionTypeAdjust indicates manual adjustments.
	TransactionTypeAdjust TransactionType = "ADJUST"
)

// Transaction models the header of inventory transaction.
type Transaction struct {
	ID          int64
	Code        string
	Type        TransactionType
	WarehouseID int64
	Note        string
	PostedAt    time.Time
	CreatedBy   string
}

// TransactionLine models each product movement line.
type TransactionLine struct {
	ID             int64
	TransactionID  int64
	ProductID      int64
	Qty            decimal.Decimal
	UnitCost       decimal.Decimal
	SrcWarehouseID int64
	DstWarehouseID int64
}

// Balance summarises stock in warehouse per product.
type Balance struct {
	WarehouseID int64
	ProductID   int64
	Qty         decimal.Decimal
	AvgCost     decimal.Decimal
	UpdatedAt   time.Time
}

// StockCardEntry describes inventory card entry for reports. AvgCost is the
// moving average cost after the movement.
type StockCardEntry struct {
	TxCode     string          `json:"tx_code"`
	TxType     TransactionType `json:"tx_type"`
	PostedAt   time.Time       `json:"posted_at"`
	QtyIn      decimal.Decimal `json:"qty_in"`
	QtyOut     decimal.Decimal `json:"qty_out"`
	BalanceQty decimal.Decimal `json:"balance_qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	AvgCost    decimal.Decimal `json:"avg_cost"`
	Note       string          `json:"note,omitempty"`
}

// InboundInput is used for goods receipt posting.
type InboundInput struct {
	Code        string
	WarehouseID int64
	ProductID   int64
	Qty         decimal.Decimal
	UnitCost    decimal.Decimal
	Note        string
	Actor       string
	PostedAt    time.Time
}

// OutboundInput is used for goods issue posting. Cost is taken from the balance.
type OutboundInput struct {
	Code        string
	WarehouseID int64
	ProductID   int64
	Qty         decimal.Decimal
	Note        string
	Actor       string
	PostedAt    time.Time
}

// AdjustmentInput describes request to adjust stock. Qty is signed.
type AdjustmentInput struct {
	Code        string
	WarehouseID int64
	ProductID   int64
	Qty         decimal.Decimal
	UnitCost    decimal.Decimal
	Note        string
	Actor       string
	PostedAt    time.Time
}

// StockCardFilter filters card entries.
type StockCardFilter struct {
	WarehouseID int64
	ProductID   int64
	From        time.Time
	To          time.Time
	Limit       int
}

// ErrNegativeStock triggered when movement would result negative qty.
var ErrNegativeStock = errors.New("inventory: negative stock not allowed")

// ErrInvalidQuantity indicates invalid qty.
var ErrInvalidQuantity = errors.New("inventory: quantity must be non zero")

// ErrInvalidUnitCost indicates invalid cost value.
var ErrInvalidUnitCost = errors.New("inventory: unit cost must be >= 0")

// ErrMissingKeys indicates a movement without warehouse or product.
var ErrMissingKeys = errors.New("inventory: warehouse and product required")

// ErrPeriodClosed rejects movements dated inside a closed period.
var ErrPeriodClosed = errors.New("inventory: period closed")

// ErrFuturePosting rejects movements dated after the current time.
var ErrFuturePosting = errors.New("inventory: posting date in the future")

// ErrDuplicateCode indicates a transaction code that was already posted.
var ErrDuplicateCode = errors.New("inventory: duplicate transaction code")
