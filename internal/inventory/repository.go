package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockclose/internal/closing"
	"github.com/odyssey-erp/stockclose/internal/platform/db"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	InsertTransaction(ctx context.Context, tx Transaction) (int64, error)
	InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error
	GetBalanceForUpdate(ctx context.Context, warehouseID, productID int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	InsertCardEntry(ctx context.Context, card StockCardEntry, warehouseID, productID int64, txID int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// ErrBalanceNotFound indicates missing balance row.
var ErrBalanceNotFound = errors.New("inventory balance not found")

const maxTxAttempts = 3

// WithTx executes the callback inside repeatable-read transaction. Postings
// that lose a write conflict on the same balance row are re-run from scratch.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
			return fn(ctx, &txRepository{tx: tx})
		})
		if !db.IsSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (r *Repository) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if r == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT tx_code, tx_type, posted_at, qty_in, qty_out, balance_qty, unit_cost, avg_cost, note
FROM inventory_cards
WHERE warehouse_id=$1 AND product_id=$2 AND posted_at BETWEEN COALESCE($3, '-infinity') AND COALESCE($4, 'infinity')
ORDER BY posted_at ASC, id ASC
LIMIT $5`, filter.WarehouseID, filter.ProductID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cards := []StockCardEntry{}
	for rows.Next() {
		var (
			entry                                        StockCardEntry
			qtyIn, qtyOut, balanceQty, unitCost, avgCost pgtype.Numeric
		)
		if err := rows.Scan(&entry.TxCode, &entry.TxType, &entry.PostedAt, &qtyIn, &qtyOut, &balanceQty, &unitCost, &avgCost, &entry.Note); err != nil {
			return nil, err
		}
		entry.QtyIn = db.Decimal(qtyIn)
		entry.QtyOut = db.Decimal(qtyOut)
		entry.BalanceQty = db.Decimal(balanceQty)
		entry.UnitCost = db.Decimal(unitCost)
		entry.AvgCost = db.Decimal(avgCost)
		cards = append(cards, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cards, nil
}

// EventsUpTo reads every card posted at or before boundary from one
// consistent snapshot. It satisfies closing.HistoryReader.
func (r *Repository) EventsUpTo(ctx context.Context, boundary time.Time) ([]closing.MutationEvent, error) {
	if r == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	var events []closing.MutationEvent
	err := db.WithReadSnapshot(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, warehouse_id, product_id, tx_type, qty_in, qty_out, avg_cost, posted_at
FROM inventory_cards
WHERE posted_at <= $1
ORDER BY posted_at ASC, id ASC`, boundary)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				c                      cardRow
				qtyIn, qtyOut, avgCost pgtype.Numeric
			)
			if err := rows.Scan(&c.id, &c.warehouseID, &c.productID, &c.txType, &qtyIn, &qtyOut, &avgCost, &c.postedAt); err != nil {
				return err
			}
			c.qtyIn = db.Decimal(qtyIn)
			c.qtyOut = db.Decimal(qtyOut)
			c.avgCost = db.NullDecimal(avgCost)
			evt, err := c.event()
			if err != nil {
				return err
			}
			events = append(events, evt)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("inventory: read history: %w", err)
	}
	return events, nil
}

type cardRow struct {
	id          int64
	warehouseID int64
	productID   int64
	txType      string
	qtyIn       decimal.Decimal
	qtyOut      decimal.Decimal
	avgCost     decimal.NullDecimal
	postedAt    time.Time
}

func (c cardRow) event() (closing.MutationEvent, error) {
	evt := closing.MutationEvent{
		Seq:         c.id,
		ItemID:      c.productID,
		WarehouseID: c.warehouseID,
		UnitPrice:   c.avgCost,
		OccurredAt:  c.postedAt,
	}
	switch TransactionType(c.txType) {
	case TransactionTypeIn:
		evt.Kind = closing.EventStockIn
		evt.Quantity = c.qtyIn
	case TransactionTypeOut:
		evt.Kind = closing.EventStockOut
		evt.Quantity = c.qtyOut
	case TransactionTypeAdjust:
		evt.Kind = closing.EventAdjustment
		evt.Quantity = c.qtyIn.Sub(c.qtyOut)
	default:
		return closing.MutationEvent{}, fmt.Errorf("inventory: card %d has unknown type %q", c.id, c.txType)
	}
	return evt, nil
}

func (r *txRepository) InsertTransaction(ctx context.Context, tx Transaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_tx (code, tx_type, warehouse_id, note, posted_at, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW()) RETURNING id`, tx.Code, string(tx.Type), nullInt(tx.WarehouseID), tx.Note, tx.PostedAt, tx.CreatedBy).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateCode, tx.Code)
	}
	return id, err
}

func (r *txRepository) InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error {
	for _, line := range lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO inventory_tx_lines (tx_id, product_id, qty, unit_cost, src_warehouse_id, dst_warehouse_id)
VALUES ($1,$2,$3,$4,$5,$6)`, txID, line.ProductID, db.Numeric(line.Qty), db.Numeric(line.UnitCost), nullInt(line.SrcWarehouseID), nullInt(line.DstWarehouseID)); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	var (
		bal          Balance
		qty, avgCost pgtype.Numeric
	)
	err := r.tx.QueryRow(ctx, `SELECT warehouse_id, product_id, qty, avg_cost, updated_at FROM inventory_balances WHERE warehouse_id=$1 AND product_id=$2 FOR UPDATE`, warehouseID, productID).
		Scan(&bal.WarehouseID, &bal.ProductID, &qty, &avgCost, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{WarehouseID: warehouseID, ProductID: productID}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	bal.Qty = db.Decimal(qty)
	bal.AvgCost = db.Decimal(avgCost)
	return bal, nil
}

func (r *txRepository) UpsertBalance(ctx context.Context, balance Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_balances (warehouse_id, product_id, qty, avg_cost, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (warehouse_id, product_id) DO UPDATE SET qty=EXCLUDED.qty, avg_cost=EXCLUDED.avg_cost, updated_at=NOW()`, balance.WarehouseID, balance.ProductID, db.Numeric(balance.Qty), db.Numeric(balance.AvgCost))
	return err
}

func (r *txRepository) InsertCardEntry(ctx context.Context, card StockCardEntry, warehouseID, productID int64, txID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_cards (warehouse_id, product_id, tx_id, tx_code, tx_type, qty_in, qty_out, balance_qty, unit_cost, avg_cost, posted_at, note)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, warehouseID, productID, txID, card.TxCode, string(card.TxType),
		db.Numeric(card.QtyIn), db.Numeric(card.QtyOut), db.Numeric(card.BalanceQty), db.Numeric(card.UnitCost), db.Numeric(card.AvgCost), card.PostedAt, card.Note)
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
