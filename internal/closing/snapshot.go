package closing

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotBuilder folds the mutation history into per-item rows as of a
// period boundary. It only reads.
type SnapshotBuilder struct {
	history  HistoryReader
	location *time.Location
}

// NewSnapshotBuilder constructs a builder evaluating boundaries in loc.
func NewSnapshotBuilder(history HistoryReader, loc *time.Location) *SnapshotBuilder {
	if loc == nil {
		loc = time.UTC
	}
	return &SnapshotBuilder{history: history, location: loc}
}

// Build returns one row per item seen in the history up to the period
// boundary, ordered by item id. RunID is left unset.
func (b *SnapshotBuilder) Build(ctx context.Context, period Period) ([]SnapshotRow, error) {
	boundary := period.Boundary(b.location)
	events, err := b.history.EventsUpTo(ctx, boundary)
	if err != nil {
		return nil, storageError("read mutation history", err)
	}
	return foldEvents(events, boundary), nil
}

// Scales of the persisted snapshot columns. Rows are quantized to them so
// the stored totals equal the sum of the stored rows.
const (
	QuantityScale = 4
	AmountScale   = 6
)

type warehousePosition struct {
	quantity decimal.Decimal
	price    decimal.Decimal
}

type itemPosition struct {
	warehouses map[int64]*warehousePosition
	lastPrice  decimal.Decimal
}

func foldEvents(events []MutationEvent, boundary time.Time) []SnapshotRow {
	ordered := make([]MutationEvent, 0, len(events))
	for _, evt := range events {
		if evt.OccurredAt.After(boundary) {
			continue
		}
		ordered = append(ordered, evt)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].OccurredAt.Equal(ordered[j].OccurredAt) {
			return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
		}
		return ordered[i].Seq < ordered[j].Seq
	})

	positions := make(map[int64]*itemPosition)
	for _, evt := range ordered {
		item, ok := positions[evt.ItemID]
		if !ok {
			item = &itemPosition{warehouses: make(map[int64]*warehousePosition)}
			positions[evt.ItemID] = item
		}
		wh, ok := item.warehouses[evt.WarehouseID]
		if !ok {
			wh = &warehousePosition{}
			item.warehouses[evt.WarehouseID] = wh
		}
		switch evt.Kind {
		case EventStockIn:
			wh.quantity = wh.quantity.Add(evt.Quantity.Abs())
		case EventStockOut:
			wh.quantity = wh.quantity.Sub(evt.Quantity.Abs())
		case EventAdjustment:
			wh.quantity = wh.quantity.Add(evt.Quantity)
		}
		if evt.UnitPrice.Valid {
			wh.price = evt.UnitPrice.Decimal
			// An emptied warehouse reports a zero average cost.
			if !evt.UnitPrice.Decimal.IsZero() {
				item.lastPrice = evt.UnitPrice.Decimal
			}
		}
	}

	itemIDs := make([]int64, 0, len(positions))
	for id := range positions {
		itemIDs = append(itemIDs, id)
	}
	sort.Slice(itemIDs, func(i, j int) bool { return itemIDs[i] < itemIDs[j] })

	rows := make([]SnapshotRow, 0, len(itemIDs))
	for _, id := range itemIDs {
		rows = append(rows, positions[id].row(id))
	}
	return rows
}

// row values the item as the sum of its warehouse positions, each at that
// warehouse's last known price. An item with no stock keeps its last
// non-zero price.
func (p *itemPosition) row(itemID int64) SnapshotRow {
	quantity, cost := decimal.Zero, decimal.Zero
	for _, wh := range p.warehouses {
		quantity = quantity.Add(wh.quantity)
		cost = cost.Add(wh.quantity.Mul(wh.price))
	}
	quantity = quantity.Round(QuantityScale)
	price := p.lastPrice
	if !quantity.IsZero() {
		price = cost.DivRound(quantity, AmountScale)
	}
	price = price.Round(AmountScale)
	return SnapshotRow{
		ItemID:    itemID,
		Quantity:  quantity,
		UnitPrice: price,
		Value:     quantity.Mul(price).Round(AmountScale),
	}
}

// SumRows computes the totals of a snapshot.
func SumRows(rows []SnapshotRow) Totals {
	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.Value)
	}
	return Totals{Items: len(rows), Value: total}
}
