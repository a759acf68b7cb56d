package closing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RunStatus captures the lifecycle of a closing run.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "RUNNING"
	RunStatusCompleted  RunStatus = "COMPLETED"
	RunStatusRolledBack RunStatus = "ROLLED_BACK"
)

// Active reports whether the status counts against the one-run-per-period rule.
func (s RunStatus) Active() bool {
	return s == RunStatusRunning || s == RunStatusCompleted
}

// Run is one closing attempt for one period.
type Run struct {
	ID          uuid.UUID
	Period      Period
	Status      RunStatus
	ClosedBy    string
	StartedAt   time.Time
	CompletedAt *time.Time
	TotalItems  int
	TotalValue  decimal.Decimal
}

// SnapshotRow is the frozen quantity and value of one item at the period boundary.
type SnapshotRow struct {
	RunID     uuid.UUID
	ItemID    int64
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Value     decimal.Decimal
}

// Totals aggregates a snapshot.
type Totals struct {
	Items int
	Value decimal.Decimal
}

// RollbackRecord documents the single rollback of a completed run.
type RollbackRecord struct {
	RunID        uuid.UUID
	Reason       string
	RolledBackBy string
	RolledBackAt time.Time
}

// EventKind enumerates stock mutations folded into a snapshot.
type EventKind string

const (
	EventStockIn    EventKind = "IN"
	EventStockOut   EventKind = "OUT"
	EventAdjustment EventKind = "ADJUST"
)

// MutationEvent is one stock movement from the inventory history. IN and OUT
// quantities are magnitudes; ADJUST quantities carry their sign. UnitPrice is
// the average cost of the (WarehouseID, ItemID) position after the movement.
type MutationEvent struct {
	Seq         int64
	ItemID      int64
	WarehouseID int64
	Kind        EventKind
	Quantity    decimal.Decimal
	UnitPrice   decimal.NullDecimal
	OccurredAt  time.Time
}

// CloseRequest is the raw input of a close operation.
type CloseRequest struct {
	Year         int
	Quarter      *int
	Month        *int
	Actor        string
	ForceReclose bool
}

// RollbackRequest is the raw input of a rollback operation.
type RollbackRequest struct {
	RunID  uuid.UUID
	Actor  string
	Reason string
}

// ClosingSummary is returned by a successful close. AuditErr is set when the
// closing committed but its audit event could not be recorded.
type ClosingSummary struct {
	RunID       uuid.UUID
	Period      Period
	TotalItems  int
	TotalValue  decimal.Decimal
	CompletedAt time.Time
	AuditErr    error
}

// RollbackSummary is returned by a successful rollback.
type RollbackSummary struct {
	RunID        uuid.UUID
	Period       Period
	Reason       string
	RolledBackBy string
	RolledBackAt time.Time
	AuditErr     error
}

// Supersession is the outcome of a forced reclose: the completed run rolled
// back and the RUNNING run replacing it, written in one transaction.
type Supersession struct {
	Previous Run
	Rollback RollbackRecord
	Next     Run
}

// RunDetail bundles a run with its rollback record, if any.
type RunDetail struct {
	Run      Run
	Rollback *RollbackRecord
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Year   int
	Status RunStatus
	Limit  int
}

// Audit actions emitted by the engine.
const (
	AuditClosingComplete = "CLOSING_COMPLETE"
	AuditClosingRollback = "CLOSING_ROLLBACK"
)

// AuditEvent is handed to the AuditSink.
type AuditEvent struct {
	Action  string
	Actor   string
	RunID   uuid.UUID
	Payload map[string]any
	At      time.Time
}

// AuthorizationProvider answers permission questions for an actor.
type AuthorizationProvider interface {
	CanClose(ctx context.Context, actor string) (bool, error)
	CanRollback(ctx context.Context, actor string) (bool, error)
	CanView(ctx context.Context, actor string) (bool, error)
}

// AuditSink records audit events.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// AuditAlerter is notified whenever an audit event could not be recorded.
type AuditAlerter interface {
	AuditFailed(ctx context.Context, event AuditEvent, err error)
}

// HistoryReader returns stock mutations that happened at or before boundary,
// read from a consistent snapshot of the history.
type HistoryReader interface {
	EventsUpTo(ctx context.Context, boundary time.Time) ([]MutationEvent, error)
}

// Store persists closing runs. Implementations must coordinate through the
// storage backend only: concurrent callers may live in other processes.
type Store interface {
	BeginRun(ctx context.Context, period Period, actor string, startedAt time.Time) (Run, error)
	CommitRun(ctx context.Context, runID uuid.UUID, rows []SnapshotRow, totals Totals, completedAt time.Time) (Run, error)
	AbortRun(ctx context.Context, runID uuid.UUID) error
	RollbackRun(ctx context.Context, runID uuid.UUID, reason, actor string, at time.Time) (Run, RollbackRecord, error)
	SupersedeRun(ctx context.Context, runID uuid.UUID, actor string, at time.Time) (Supersession, error)

	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	FindActiveRun(ctx context.Context, period Period) (Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	SnapshotRows(ctx context.Context, runID uuid.UUID) ([]SnapshotRow, error)
	RollbackRecord(ctx context.Context, runID uuid.UUID) (RollbackRecord, error)
	ReapStale(ctx context.Context, startedBefore time.Time) ([]uuid.UUID, error)
}
