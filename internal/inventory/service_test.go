package inventory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockclose/internal/audit"
	"github.com/odyssey-erp/stockclose/internal/closing"
)

type memoryRepo struct {
	balances map[string]Balance
	cards    []StockCardEntry
	history  []cardRow
	txs      []Transaction
	nextID   int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{balances: make(map[string]Balance)}
}

func key(warehouseID, productID int64) string {
	return fmt.Sprintf("%d:%d", warehouseID, productID)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	result := make([]StockCardEntry, len(r.cards))
	copy(result, r.cards)
	return result, nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, t Transaction) (int64, error) {
	for _, existing := range tx.repo.txs {
		if existing.Code == t.Code {
			return 0, ErrDuplicateCode
		}
	}
	tx.repo.nextID++
	t.ID = tx.repo.nextID
	tx.repo.txs = append(tx.repo.txs, t)
	return tx.repo.nextID, nil
}

func (tx *memoryTx) InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error {
	return nil
}

func (tx *memoryTx) GetBalanceForUpdate(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	if bal, ok := tx.repo.balances[key(warehouseID, productID)]; ok {
		return bal, nil
	}
	return Balance{WarehouseID: warehouseID, ProductID: productID}, ErrBalanceNotFound
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, balance Balance) error {
	tx.repo.balances[key(balance.WarehouseID, balance.ProductID)] = balance
	return nil
}

func (tx *memoryTx) InsertCardEntry(ctx context.Context, card StockCardEntry, warehouseID, productID int64, txID int64) error {
	tx.repo.cards = append(tx.repo.cards, card)
	tx.repo.history = append(tx.repo.history, cardRow{
		id:          int64(len(tx.repo.cards)),
		warehouseID: warehouseID,
		productID:   productID,
		txType:      string(card.TxType),
		qtyIn:       card.QtyIn,
		qtyOut:      card.QtyOut,
		avgCost:     decimal.NewNullDecimal(card.AvgCost),
		postedAt:    card.PostedAt,
	})
	return nil
}

func (r *memoryRepo) EventsUpTo(ctx context.Context, boundary time.Time) ([]closing.MutationEvent, error) {
	var events []closing.MutationEvent
	for _, row := range r.history {
		if row.postedAt.After(boundary) {
			continue
		}
		evt, err := row.event()
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

type lockStub struct {
	closedBefore time.Time
	err          error
}

func (l lockStub) PeriodClosedAt(ctx context.Context, at time.Time) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	return at.Before(l.closedBefore), nil
}

type auditStub struct {
	entries []audit.Entry
	err     error
}

func (a *auditStub) Write(ctx context.Context, entry audit.Entry) error {
	a.entries = append(a.entries, entry)
	return a.err
}

var fixedNow = time.Date(2024, 10, 15, 9, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newTestService(repo RepositoryPort, auditor AuditPort, locks PeriodLock) *Service {
	return NewService(repo, auditor, locks, nil, ServiceConfig{}).WithNow(func() time.Time { return fixedNow })
}

func TestAverageMovingCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	entry, err := svc.PostInbound(ctx, InboundInput{WarehouseID: 1, ProductID: 1, Qty: d("10"), UnitCost: d("100000"), Note: "GRN#1"})
	require.NoError(t, err)
	require.True(t, entry.BalanceQty.Equal(d("10")))
	require.True(t, entry.AvgCost.Equal(d("100000")))

	entry, err = svc.PostInbound(ctx, InboundInput{WarehouseID: 1, ProductID: 1, Qty: d("5"), UnitCost: d("120000"), Note: "GRN#2"})
	require.NoError(t, err)
	require.True(t, entry.BalanceQty.Equal(d("15")))
	require.Equal(t, "106666.666667", entry.AvgCost.String())

	entry, err = svc.PostOutbound(ctx, OutboundInput{WarehouseID: 1, ProductID: 1, Qty: d("8"), Note: "Issue"})
	require.NoError(t, err)
	require.True(t, entry.BalanceQty.Equal(d("7")))
	require.True(t, entry.QtyOut.Equal(d("8")))
	require.True(t, entry.QtyIn.IsZero())
	require.Equal(t, "106666.666667", entry.UnitCost.String())
	require.Equal(t, "106666.666667", entry.AvgCost.String())
	require.Len(t, repo.cards, 3)
}

func TestOutboundToZeroResetsAverage(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.PostInbound(ctx, InboundInput{WarehouseID: 1, ProductID: 2, Qty: d("4"), UnitCost: d("2.5")})
	require.NoError(t, err)
	entry, err := svc.PostOutbound(ctx, OutboundInput{WarehouseID: 1, ProductID: 2, Qty: d("4")})
	require.NoError(t, err)
	require.True(t, entry.BalanceQty.IsZero())
	require.True(t, entry.AvgCost.IsZero())
	require.True(t, entry.UnitCost.Equal(d("2.5")))
}

func TestNegativeStockGuard(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.PostAdjustment(ctx, AdjustmentInput{WarehouseID: 1, ProductID: 1, Qty: d("-1"), Note: "negative"})
	require.ErrorIs(t, err, ErrNegativeStock)
	_, err = svc.PostOutbound(ctx, OutboundInput{WarehouseID: 1, ProductID: 1, Qty: d("1")})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.Empty(t, repo.cards)

	permissive := NewService(repo, nil, nil, nil, ServiceConfig{AllowNegativeStock: true}).WithNow(func() time.Time { return fixedNow })
	entry, err := permissive.PostOutbound(ctx, OutboundInput{WarehouseID: 1, ProductID: 1, Qty: d("1")})
	require.NoError(t, err)
	require.True(t, entry.BalanceQty.Equal(d("-1")))
}

func TestInputValidation(t *testing.T) {
	svc := newTestService(newMemoryRepo(), nil, nil)
	ctx := context.Background()

	_, err := svc.PostInbound(ctx, InboundInput{ProductID: 1, Qty: d("1")})
	require.ErrorIs(t, err, ErrMissingKeys)
	_, err = svc.PostInbound(ctx, InboundInput{WarehouseID: 1, ProductID: 1, Qty: d("0")})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.PostInbound(ctx, InboundInput{WarehouseID: 1, ProductID: 1, Qty: d("1"), UnitCost: d("-1")})
	require.ErrorIs(t, err, ErrInvalidUnitCost)
	_, err = svc.PostOutbound(ctx, OutboundInput{WarehouseID: 1, ProductID: 1, Qty: d("-2")})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.PostAdjustment(ctx, AdjustmentInput{WarehouseID: 1, ProductID: 1})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.PostInbound(ctx, InboundInput{WarehouseID: 1, ProductID: 1, Qty: d("1"), PostedAt: fixedNow.Add(time.Hour)})
	require.ErrorIs(t, err, ErrFuturePosting)
	_, err = svc.GetStockCard(ctx, StockCardFilter{WarehouseID: 1})
	require.ErrorIs(t, err, ErrMissingKeys)
}

func TestDuplicateCodeRejected(t *testing.T) {
	svc := newTestService(newMemoryRepo(), nil, nil)
	ctx := context.Background()

	_, err := svc.PostInbound(ctx, InboundInput{Code: "GRN-1", WarehouseID: 1, ProductID: 1, Qty: d("1"), UnitCost: d("1")})
	require.NoError(t, err)
	_, err = svc.PostInbound(ctx, InboundInput{Code: "GRN-1", WarehouseID: 1, ProductID: 1, Qty: d("1"), UnitCost: d("1")})
	require.ErrorIs(t, err, ErrDuplicateCode)
}

func TestClosedPeriodRejectsBackdatedPosting(t *testing.T) {
	repo := newMemoryRepo()
	locks := lockStub{closedBefore: time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)}
	svc := newTestService(repo, nil, locks)
	ctx := context.Background()

	_, err := svc.PostInbound(ctx, InboundInput{WarehouseID: 1, ProductID: 1, Qty: d("3"), UnitCost: d("1"), PostedAt: time.Date(2024, 9, 30, 23, 0, 0, 0, time.UTC)})
	require.ErrorIs(t, err, ErrPeriodClosed)
	require.Empty(t, repo.cards)

	entry, err := svc.PostInbound(ctx, InboundInput{WarehouseID: 1, ProductID: 1, Qty: d("3"), UnitCost: d("1"), PostedAt: time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.True(t, entry.BalanceQty.Equal(d("3")))

	failing := newTestService(repo, nil, lockStub{err: errors.New("db down")})
	_, err = failing.PostInbound(ctx, InboundInput{WarehouseID: 1, ProductID: 1, Qty: d("1"), UnitCost: d("1")})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPeriodClosed)
}

func TestAuditEntryWrittenAndFailureTolerated(t *testing.T) {
	auditor := &auditStub{err: errors.New("audit down")}
	svc := newTestService(newMemoryRepo(), auditor, nil)

	entry, err := svc.PostInbound(context.Background(), InboundInput{Code: "GRN-9", WarehouseID: 3, ProductID: 4, Qty: d("2"), UnitCost: d("5"), Actor: "clerk"})
	require.NoError(t, err)
	require.Equal(t, "GRN-9", entry.TxCode)
	require.Len(t, auditor.entries, 1)
	got := auditor.entries[0]
	require.Equal(t, "clerk", got.Actor)
	require.Equal(t, "inventory:IN", got.Action)
	require.Equal(t, "inventory_tx", got.Entity)
	require.Equal(t, "GRN-9", got.EntityID)
	require.Equal(t, "2", got.Meta["qty"])
}

func TestCardRowEvent(t *testing.T) {
	at := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	cost := decimal.NewNullDecimal(d("1.5"))

	evt, err := cardRow{id: 1, warehouseID: 3, productID: 7, txType: "IN", qtyIn: d("4"), qtyOut: decimal.Zero, avgCost: cost, postedAt: at}.event()
	require.NoError(t, err)
	require.Equal(t, closing.EventStockIn, evt.Kind)
	require.True(t, evt.Quantity.Equal(d("4")))
	require.Equal(t, int64(7), evt.ItemID)
	require.Equal(t, int64(3), evt.WarehouseID)
	require.True(t, evt.UnitPrice.Valid)

	evt, err = cardRow{id: 2, productID: 7, txType: "OUT", qtyIn: decimal.Zero, qtyOut: d("3"), postedAt: at}.event()
	require.NoError(t, err)
	require.Equal(t, closing.EventStockOut, evt.Kind)
	require.True(t, evt.Quantity.Equal(d("3")))
	require.False(t, evt.UnitPrice.Valid)

	evt, err = cardRow{id: 3, productID: 7, txType: "ADJUST", qtyIn: decimal.Zero, qtyOut: d("2"), postedAt: at}.event()
	require.NoError(t, err)
	require.Equal(t, closing.EventAdjustment, evt.Kind)
	require.True(t, evt.Quantity.Equal(d("-2")))

	_, err = cardRow{id: 4, txType: "TRANSFER"}.event()
	require.Error(t, err)
}

func TestSnapshotValuesEachWarehouseAtItsOwnCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()
	quarter := 4
	period, err := closing.PeriodRules{}.Parse(2024, &quarter, nil)
	require.NoError(t, err)
	builder := closing.NewSnapshotBuilder(repo, time.UTC)

	_, err = svc.PostInbound(ctx, InboundInput{Code: "GRN-1", WarehouseID: 1, ProductID: 1, Qty: d("5"), UnitCost: d("10")})
	require.NoError(t, err)
	_, err = svc.PostInbound(ctx, InboundInput{Code: "GRN-2", WarehouseID: 2, ProductID: 1, Qty: d("5"), UnitCost: d("100")})
	require.NoError(t, err)

	rows, err := builder.Build(ctx, period)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "10", rows[0].Quantity.String())
	require.Equal(t, "55", rows[0].UnitPrice.String())
	require.Equal(t, "550", rows[0].Value.String())

	// Emptying warehouse 1 zeroes its average cost; warehouse 2 keeps its value.
	_, err = svc.PostOutbound(ctx, OutboundInput{Code: "GI-1", WarehouseID: 1, ProductID: 1, Qty: d("5")})
	require.NoError(t, err)

	rows, err = builder.Build(ctx, period)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "5", rows[0].Quantity.String())
	require.Equal(t, "100", rows[0].UnitPrice.String())
	require.Equal(t, "500", rows[0].Value.String())
	require.Equal(t, "500", closing.SumRows(rows).Value.String())
}
