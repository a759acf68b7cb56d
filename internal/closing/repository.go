package closing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockclose/internal/platform/db"
)

// Repository persists closing runs in PostgreSQL. The one-active-run rule is
// enforced by the closing_runs_active_period_uq partial unique index.
type Repository struct {
	pool     *pgxpool.Pool
	location *time.Location
}

// NewRepository constructs a Repository. loc determines the stored period
// start/end instants used for posting locks.
func NewRepository(pool *pgxpool.Pool, loc *time.Location) *Repository {
	if loc == nil {
		loc = time.UTC
	}
	return &Repository{pool: pool, location: loc}
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const runColumns = `id, year, period_kind, period_value, status, closed_by, started_at, completed_at, total_items, total_value`

// BeginRun inserts a RUNNING run. A unique violation means another run is
// active for the period; a timeout is reported as CLOSING_IN_PROGRESS.
func (r *Repository) BeginRun(ctx context.Context, period Period, actor string, startedAt time.Time) (Run, error) {
	run, err := r.insertRun(ctx, r.pool, period, actor, startedAt)
	if err == nil {
		return run, nil
	}
	return Run{}, r.beginConflict(ctx, period, err)
}

func (r *Repository) insertRun(ctx context.Context, q execer, period Period, actor string, startedAt time.Time) (Run, error) {
	run := Run{
		ID:        uuid.New(),
		Period:    period,
		Status:    RunStatusRunning,
		ClosedBy:  actor,
		StartedAt: startedAt,
	}
	_, err := q.Exec(ctx, `
		INSERT INTO closing_runs (id, year, period_kind, period_value, period_start, period_end, status, closed_by, started_at, total_items, total_value)
		VALUES ($1, $2, $3, $4, $5, $6, 'RUNNING', $7, $8, 0, 0)`,
		run.ID, period.Year(), string(period.Kind()), period.Value(),
		period.Start(r.location), period.End(r.location), actor, startedAt,
	)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

func (r *Repository) beginConflict(ctx context.Context, period Period, err error) error {
	if db.IsUniqueViolation(err) || db.IsSerializationFailure(err) {
		return r.conflictFor(ctx, period)
	}
	if db.IsTimeout(err) {
		return &Error{Kind: KindClosingInProgress, Message: "begin run timed out", Err: err}
	}
	return fmt.Errorf("closing: insert run: %w", err)
}

func (r *Repository) conflictFor(ctx context.Context, period Period) error {
	existing, err := r.FindActiveRun(ctx, period)
	if err == nil && existing.Status == RunStatusCompleted {
		return newError(KindAlreadyClosed, "period %s already closed by run %s", period, existing.ID)
	}
	if err == nil {
		return newError(KindClosingInProgress, "period %s is being closed by run %s", period, existing.ID)
	}
	return newError(KindClosingInProgress, "period %s has a concurrent closing", period)
}

// CommitRun writes the snapshot rows and completes the run in one transaction.
func (r *Repository) CommitRun(ctx context.Context, runID uuid.UUID, rows []SnapshotRow, totals Totals, completedAt time.Time) (Run, error) {
	var committed Run
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		switch current.Status {
		case RunStatusCompleted:
			return newError(KindAlreadyClosed, "run %s already completed", runID)
		case RunStatusRolledBack:
			return newError(KindAlreadyRolledBack, "run %s rolled back", runID)
		}
		if len(rows) > 0 {
			_, err = tx.CopyFrom(ctx,
				pgx.Identifier{"stock_snapshot"},
				[]string{"closing_run_id", "item_id", "quantity", "unit_price", "value"},
				pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
					row := rows[i]
					return []any{runID, row.ItemID, db.Numeric(row.Quantity), db.Numeric(row.UnitPrice), db.Numeric(row.Value)}, nil
				}),
			)
			if err != nil {
				return fmt.Errorf("closing: copy snapshot rows: %w", err)
			}
		}
		committed, err = scanRun(tx.QueryRow(ctx, `
			UPDATE closing_runs
			SET status = 'COMPLETED', completed_at = $2, total_items = $3, total_value = $4
			WHERE id = $1
			RETURNING `+runColumns,
			runID, completedAt, totals.Items, db.Numeric(totals.Value),
		))
		return err
	})
	if err != nil {
		return Run{}, err
	}
	return committed, nil
}

// AbortRun deletes a RUNNING run. Completed or missing runs are left untouched.
func (r *Repository) AbortRun(ctx context.Context, runID uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM closing_runs WHERE id = $1 AND status = 'RUNNING'`, runID); err != nil {
		return fmt.Errorf("closing: abort run: %w", err)
	}
	return nil
}

// RollbackRun removes the snapshot of a completed run, marks it ROLLED_BACK
// and records who did it and why, all in one transaction.
func (r *Repository) RollbackRun(ctx context.Context, runID uuid.UUID, reason, actor string, at time.Time) (Run, RollbackRecord, error) {
	var (
		run    Run
		record RollbackRecord
	)
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		run, record, err = rollbackInTx(ctx, tx, runID, reason, actor, at)
		return err
	})
	if db.IsSerializationFailure(err) {
		return Run{}, RollbackRecord{}, r.rollbackConflict(ctx, runID, err)
	}
	if err != nil {
		return Run{}, RollbackRecord{}, err
	}
	return run, record, nil
}

// SupersedeRun rolls back a completed run and inserts its RUNNING
// replacement in one transaction. If the insert fails the prior run stays
// COMPLETED.
func (r *Repository) SupersedeRun(ctx context.Context, runID uuid.UUID, actor string, at time.Time) (Supersession, error) {
	var sup Supersession
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		prev, record, err := rollbackInTx(ctx, tx, runID, ForcedRecloseReason, actor, at)
		if err != nil {
			return err
		}
		next, err := r.insertRun(ctx, tx, prev.Period, actor, at)
		if err != nil {
			return err
		}
		sup = Supersession{Previous: prev, Rollback: record, Next: next}
		return nil
	})
	if err == nil {
		return sup, nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return Supersession{}, err
	}
	if db.IsUniqueViolation(err) || db.IsSerializationFailure(err) || db.IsTimeout(err) {
		prev, gerr := r.GetRun(ctx, runID)
		if gerr == nil {
			return Supersession{}, r.beginConflict(ctx, prev.Period, err)
		}
		return Supersession{}, &Error{Kind: KindClosingInProgress, Message: "reclose conflicted", Err: err}
	}
	return Supersession{}, fmt.Errorf("closing: supersede run: %w", err)
}

func rollbackInTx(ctx context.Context, tx pgx.Tx, runID uuid.UUID, reason, actor string, at time.Time) (Run, RollbackRecord, error) {
	current, err := lockRun(ctx, tx, runID)
	if err != nil {
		return Run{}, RollbackRecord{}, err
	}
	switch current.Status {
	case RunStatusRunning:
		return Run{}, RollbackRecord{}, newError(KindNotCompleted, "run %s is still running", runID)
	case RunStatusRolledBack:
		return Run{}, RollbackRecord{}, newError(KindAlreadyRolledBack, "run %s already rolled back", runID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM stock_snapshot WHERE closing_run_id = $1`, runID); err != nil {
		return Run{}, RollbackRecord{}, fmt.Errorf("closing: delete snapshot rows: %w", err)
	}
	run, err := scanRun(tx.QueryRow(ctx, `
		UPDATE closing_runs SET status = 'ROLLED_BACK'
		WHERE id = $1
		RETURNING `+runColumns, runID))
	if err != nil {
		return Run{}, RollbackRecord{}, err
	}
	record := RollbackRecord{RunID: runID, Reason: reason, RolledBackBy: actor, RolledBackAt: at}
	_, err = tx.Exec(ctx, `
		INSERT INTO closing_rollbacks (closing_run_id, reason, rolled_back_by, rolled_back_at)
		VALUES ($1, $2, $3, $4)`, runID, reason, actor, at)
	if db.IsUniqueViolation(err) {
		return Run{}, RollbackRecord{}, newError(KindAlreadyRolledBack, "run %s already has a rollback record", runID)
	}
	if err != nil {
		return Run{}, RollbackRecord{}, fmt.Errorf("closing: insert rollback record: %w", err)
	}
	return run, record, nil
}

func (r *Repository) rollbackConflict(ctx context.Context, runID uuid.UUID, cause error) error {
	current, err := r.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch current.Status {
	case RunStatusRolledBack:
		return newError(KindAlreadyRolledBack, "run %s already rolled back", runID)
	case RunStatusRunning:
		return newError(KindNotCompleted, "run %s is still running", runID)
	}
	return fmt.Errorf("closing: rollback run: %w", cause)
}

// GetRun loads a run by id.
func (r *Repository) GetRun(ctx context.Context, runID uuid.UUID) (Run, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM closing_runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, newError(KindNotFound, "run %s not found", runID)
	}
	return run, err
}

// FindActiveRun returns the RUNNING or COMPLETED run of a period.
func (r *Repository) FindActiveRun(ctx context.Context, period Period) (Run, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM closing_runs
		WHERE year = $1 AND period_kind = $2 AND period_value = $3 AND status IN ('RUNNING', 'COMPLETED')`,
		period.Year(), string(period.Kind()), period.Value(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, newError(KindNotFound, "no active run for %s", period)
	}
	return run, err
}

// ListRuns returns runs newest first.
func (r *Repository) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+` FROM closing_runs
		WHERE ($1::int = 0 OR year = $1) AND ($2::text = '' OR status = $2)
		ORDER BY started_at DESC, id
		LIMIT $3`, filter.Year, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("closing: list runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SnapshotRows returns the rows of a run ordered by item.
func (r *Repository) SnapshotRows(ctx context.Context, runID uuid.UUID) ([]SnapshotRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT item_id, quantity, unit_price, value FROM stock_snapshot
		WHERE closing_run_id = $1
		ORDER BY item_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("closing: load snapshot: %w", err)
	}
	defer rows.Close()
	var result []SnapshotRow
	for rows.Next() {
		var (
			row                    SnapshotRow
			qty, unitPrice, amount pgtype.Numeric
		)
		if err := rows.Scan(&row.ItemID, &qty, &unitPrice, &amount); err != nil {
			return nil, err
		}
		row.RunID = runID
		row.Quantity = db.Decimal(qty)
		row.UnitPrice = db.Decimal(unitPrice)
		row.Value = db.Decimal(amount)
		result = append(result, row)
	}
	return result, rows.Err()
}

// RollbackRecord loads the rollback record of a run.
func (r *Repository) RollbackRecord(ctx context.Context, runID uuid.UUID) (RollbackRecord, error) {
	record := RollbackRecord{RunID: runID}
	err := r.pool.QueryRow(ctx, `
		SELECT reason, rolled_back_by, rolled_back_at FROM closing_rollbacks WHERE closing_run_id = $1`, runID,
	).Scan(&record.Reason, &record.RolledBackBy, &record.RolledBackAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RollbackRecord{}, newError(KindNotFound, "no rollback record for run %s", runID)
	}
	if err != nil {
		return RollbackRecord{}, err
	}
	return record, nil
}

// ReapStale deletes RUNNING runs started before the cutoff.
func (r *Repository) ReapStale(ctx context.Context, startedBefore time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM closing_runs WHERE status = 'RUNNING' AND started_at < $1
		RETURNING id`, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("closing: reap stale runs: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PeriodClosedAt reports whether at falls inside a period with a COMPLETED run.
func (r *Repository) PeriodClosedAt(ctx context.Context, at time.Time) (bool, error) {
	var closed bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM closing_runs
			WHERE status = 'COMPLETED' AND period_start <= $1 AND period_end > $1
		)`, at).Scan(&closed)
	if err != nil {
		return false, fmt.Errorf("closing: check period lock: %w", err)
	}
	return closed, nil
}

func lockRun(ctx context.Context, tx pgx.Tx, runID uuid.UUID) (Run, error) {
	run, err := scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM closing_runs WHERE id = $1 FOR UPDATE`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, newError(KindNotFound, "run %s not found", runID)
	}
	return run, err
}

func scanRun(row pgx.Row) (Run, error) {
	var (
		run         Run
		year        int
		kind        string
		value       int
		status      string
		completedAt pgtype.Timestamptz
		totalValue  pgtype.Numeric
	)
	if err := row.Scan(&run.ID, &year, &kind, &value, &status, &run.ClosedBy, &run.StartedAt, &completedAt, &run.TotalItems, &totalValue); err != nil {
		return Run{}, err
	}
	period, err := restorePeriod(year, kind, value)
	if err != nil {
		return Run{}, err
	}
	run.Period = period
	run.Status = RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.TotalValue = db.Decimal(totalValue)
	return run, nil
}
