package closing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ForcedRecloseReason is recorded on runs superseded by a forced reclose.
const ForcedRecloseReason = "superseded by forced reclose"

const (
	defaultStorageTimeout = 10 * time.Second
	defaultReasonMaxLen   = 500
)

// EngineConfig groups the tunables of the engine.
type EngineConfig struct {
	Rules          PeriodRules
	StorageTimeout time.Duration
	ReasonMaxLen   int
}

// Instrumentation receives the outcome of every engine operation. Kind is
// empty on success.
type Instrumentation interface {
	CloseFinished(kind Kind, elapsed time.Duration)
	RollbackFinished(kind Kind, elapsed time.Duration)
}

// Engine orchestrates period closings and their rollback.
type Engine struct {
	store          Store
	snapshots      *SnapshotBuilder
	authz          AuthorizationProvider
	audit          AuditSink
	alerter        AuditAlerter
	instruments    Instrumentation
	logger         *slog.Logger
	validate       *validator.Validate
	rules          PeriodRules
	storageTimeout time.Duration
	reasonMaxLen   int
	now            func() time.Time
}

// NewEngine wires the engine collaborators.
func NewEngine(store Store, snapshots *SnapshotBuilder, authz AuthorizationProvider, audit AuditSink, logger *slog.Logger, cfg EngineConfig) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.StorageTimeout
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	reasonMax := cfg.ReasonMaxLen
	if reasonMax <= 0 {
		reasonMax = defaultReasonMaxLen
	}
	return &Engine{
		store:          store,
		snapshots:      snapshots,
		authz:          authz,
		audit:          audit,
		logger:         logger,
		validate:       validator.New(),
		rules:          cfg.Rules,
		storageTimeout: timeout,
		reasonMaxLen:   reasonMax,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock for deterministic tests.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// WithAlerter registers the escalation hook for audit failures.
func (e *Engine) WithAlerter(alerter AuditAlerter) {
	e.alerter = alerter
}

// WithInstrumentation registers an operation observer.
func (e *Engine) WithInstrumentation(instruments Instrumentation) {
	e.instruments = instruments
}

// Close freezes the stock position of a period into a new completed run.
func (e *Engine) Close(ctx context.Context, req CloseRequest) (summary ClosingSummary, err error) {
	started := time.Now()
	defer func() {
		if e.instruments != nil {
			e.instruments.CloseFinished(KindOf(err), time.Since(started))
		}
	}()

	period, err := e.rules.Parse(req.Year, req.Quarter, req.Month)
	if err != nil {
		return ClosingSummary{}, err
	}
	if err := e.authorize(ctx, req.Actor, e.authz.CanClose); err != nil {
		return ClosingSummary{}, err
	}
	var (
		run           Run
		rollbackAudit error
	)
	if req.ForceReclose {
		sup, ok, err := e.supersede(ctx, period, req.Actor)
		if err != nil {
			return ClosingSummary{}, err
		}
		if ok {
			run = sup.Next
			rollbackAudit = e.emit(ctx, rollbackEvent(sup.Previous, sup.Rollback))
		}
	}
	if run.ID == uuid.Nil {
		run, err = e.beginRun(ctx, period, req.Actor)
		if err != nil {
			return ClosingSummary{}, err
		}
	}
	log := e.logger.With(slog.String("run_id", run.ID.String()), slog.String("period", period.String()))

	rows, err := e.buildSnapshot(ctx, period)
	if err != nil {
		log.Error("build closing snapshot", slog.Any("error", err))
		e.abort(ctx, run.ID)
		return ClosingSummary{}, err
	}
	if cerr := ctx.Err(); cerr != nil {
		log.Warn("closing cancelled before commit", slog.Any("error", cerr))
		e.abort(ctx, run.ID)
		return ClosingSummary{}, storageError("closing cancelled", cerr)
	}
	for i := range rows {
		rows[i].RunID = run.ID
	}
	totals := SumRows(rows)

	committed, err := e.commitRun(ctx, run.ID, rows, totals, log)
	if err != nil {
		return ClosingSummary{}, err
	}
	completedAt := committed.StartedAt
	if committed.CompletedAt != nil {
		completedAt = *committed.CompletedAt
	}
	log.Info("period closed", slog.Int("total_items", committed.TotalItems), slog.String("total_value", committed.TotalValue.String()))

	summary = ClosingSummary{
		RunID:       committed.ID,
		Period:      period,
		TotalItems:  committed.TotalItems,
		TotalValue:  committed.TotalValue,
		CompletedAt: completedAt,
	}
	completeAudit := e.emit(ctx, AuditEvent{
		Action: AuditClosingComplete,
		Actor:  req.Actor,
		RunID:  committed.ID,
		At:     completedAt,
		Payload: map[string]any{
			"period":        period.String(),
			"year":          period.Year(),
			"period_kind":   string(period.Kind()),
			"period_value":  period.Value(),
			"total_items":   committed.TotalItems,
			"total_value":   committed.TotalValue.String(),
			"force_reclose": req.ForceReclose,
		},
	})
	summary.AuditErr = errors.Join(rollbackAudit, completeAudit)
	return summary, nil
}

// Rollback reverses a completed run and removes its snapshot.
func (e *Engine) Rollback(ctx context.Context, req RollbackRequest) (summary RollbackSummary, err error) {
	started := time.Now()
	defer func() {
		if e.instruments != nil {
			e.instruments.RollbackFinished(KindOf(err), time.Since(started))
		}
	}()

	if err := e.authorize(ctx, req.Actor, e.authz.CanRollback); err != nil {
		return RollbackSummary{}, err
	}
	reason, err := e.validateReason(req.Reason)
	if err != nil {
		return RollbackSummary{}, err
	}
	run, record, err := e.rollbackRun(ctx, req.RunID, reason, req.Actor)
	if err != nil {
		return RollbackSummary{}, err
	}
	e.logger.Info("closing rolled back", slog.String("run_id", run.ID.String()), slog.String("period", run.Period.String()), slog.String("actor", req.Actor))

	summary = RollbackSummary{
		RunID:        run.ID,
		Period:       run.Period,
		Reason:       record.Reason,
		RolledBackBy: record.RolledBackBy,
		RolledBackAt: record.RolledBackAt,
	}
	summary.AuditErr = e.emit(ctx, rollbackEvent(run, record))
	return summary, nil
}

// GetRun returns a run together with its rollback record.
func (e *Engine) GetRun(ctx context.Context, actor string, runID uuid.UUID) (RunDetail, error) {
	if err := e.authorize(ctx, actor, e.authz.CanView); err != nil {
		return RunDetail{}, err
	}
	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	run, err := e.store.GetRun(sctx, runID)
	if err != nil {
		return RunDetail{}, storageError("load closing run", err)
	}
	detail := RunDetail{Run: run}
	if run.Status == RunStatusRolledBack {
		record, err := e.store.RollbackRecord(sctx, runID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return RunDetail{}, storageError("load rollback record", err)
		}
		if err == nil {
			detail.Rollback = &record
		}
	}
	return detail, nil
}

// ListRuns returns runs matching filter, newest first.
func (e *Engine) ListRuns(ctx context.Context, actor string, filter RunFilter) ([]Run, error) {
	if err := e.authorize(ctx, actor, e.authz.CanView); err != nil {
		return nil, err
	}
	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	runs, err := e.store.ListRuns(sctx, filter)
	if err != nil {
		return nil, storageError("list closing runs", err)
	}
	return runs, nil
}

// Snapshot returns the frozen rows of a run. Rolled back runs have none.
func (e *Engine) Snapshot(ctx context.Context, actor string, runID uuid.UUID) ([]SnapshotRow, error) {
	if err := e.authorize(ctx, actor, e.authz.CanView); err != nil {
		return nil, err
	}
	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	if _, err := e.store.GetRun(sctx, runID); err != nil {
		return nil, storageError("load closing run", err)
	}
	rows, err := e.store.SnapshotRows(sctx, runID)
	if err != nil {
		return nil, storageError("load snapshot rows", err)
	}
	return rows, nil
}

func (e *Engine) authorize(ctx context.Context, actor string, check func(context.Context, string) (bool, error)) error {
	if strings.TrimSpace(actor) == "" {
		return ErrUnauthorized
	}
	allowed, err := check(ctx, actor)
	if err != nil {
		e.logger.Error("authorization lookup", slog.String("actor", actor), slog.Any("error", err))
		return storageError("authorization lookup", err)
	}
	if !allowed {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) validateReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if err := e.validate.Var(reason, fmt.Sprintf("required,max=%d", e.reasonMaxLen)); err != nil {
		return "", newError(KindInvalidReason, "reason must be 1..%d characters", e.reasonMaxLen)
	}
	return reason, nil
}

// supersede replaces the completed run of period with a new RUNNING run.
// It reports false when there is no completed run to replace.
func (e *Engine) supersede(ctx context.Context, period Period, actor string) (Supersession, bool, error) {
	sctx, cancel := e.storageCtx(ctx)
	existing, err := e.store.FindActiveRun(sctx, period)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return Supersession{}, false, nil
	}
	if err != nil {
		return Supersession{}, false, storageError("find active run", err)
	}
	if existing.Status != RunStatusCompleted {
		// A RUNNING run is reported by BeginRun as CLOSING_IN_PROGRESS.
		return Supersession{}, false, nil
	}
	if err := e.authorize(ctx, actor, e.authz.CanRollback); err != nil {
		return Supersession{}, false, err
	}

	sctx, cancel = e.storageCtx(ctx)
	defer cancel()
	sup, err := e.store.SupersedeRun(sctx, existing.ID, actor, e.now())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Supersession{}, false, &Error{Kind: KindClosingInProgress, Message: "reclose outcome unknown", Err: err}
		}
		return Supersession{}, false, storageError("supersede closing run", err)
	}
	e.logger.Info("closing superseded",
		slog.String("run_id", sup.Previous.ID.String()),
		slog.String("next_run_id", sup.Next.ID.String()),
		slog.String("period", period.String()),
	)
	return sup, true, nil
}

func (e *Engine) beginRun(ctx context.Context, period Period, actor string) (Run, error) {
	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	run, err := e.store.BeginRun(sctx, period, actor, e.now())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Run{}, &Error{Kind: KindClosingInProgress, Message: "begin run outcome unknown", Err: err}
		}
		return Run{}, storageError("begin closing run", err)
	}
	return run, nil
}

func (e *Engine) buildSnapshot(ctx context.Context, period Period) ([]SnapshotRow, error) {
	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	return e.snapshots.Build(sctx, period)
}

// commitRun never re-sends a failed commit: it reads the run back to learn
// whether the commit landed.
func (e *Engine) commitRun(ctx context.Context, runID uuid.UUID, rows []SnapshotRow, totals Totals, log *slog.Logger) (Run, error) {
	sctx, cancel := e.storageCtx(ctx)
	run, err := e.store.CommitRun(sctx, runID, rows, totals, e.now())
	cancel()
	if err == nil {
		return run, nil
	}
	log.Error("commit closing run", slog.Any("error", err))

	rctx, rcancel := e.detachedCtx(ctx)
	defer rcancel()
	current, rerr := e.store.GetRun(rctx, runID)
	if rerr != nil {
		log.Error("reconcile closing run", slog.Any("error", rerr))
		return Run{}, storageError("commit closing run", err)
	}
	switch current.Status {
	case RunStatusCompleted:
		log.Warn("commit reported failure but run is completed")
		return current, nil
	case RunStatusRunning:
		if aerr := e.store.AbortRun(rctx, runID); aerr != nil {
			log.Error("abort closing run after failed commit", slog.Any("error", aerr))
			return Run{}, storageError("commit closing run", err)
		}
		if again, gerr := e.store.GetRun(rctx, runID); gerr == nil && again.Status == RunStatusCompleted {
			log.Warn("commit landed while aborting")
			return again, nil
		}
	}
	return Run{}, storageError("commit closing run", err)
}

func (e *Engine) rollbackRun(ctx context.Context, runID uuid.UUID, reason, actor string) (Run, RollbackRecord, error) {
	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	run, record, err := e.store.RollbackRun(sctx, runID, reason, actor, e.now())
	if err != nil {
		return Run{}, RollbackRecord{}, storageError("rollback closing run", err)
	}
	return run, record, nil
}

// abort discards a RUNNING run on a context that survives caller cancellation.
func (e *Engine) abort(ctx context.Context, runID uuid.UUID) {
	actx, cancel := e.detachedCtx(ctx)
	defer cancel()
	if err := e.store.AbortRun(actx, runID); err != nil {
		e.logger.Error("abort closing run", slog.String("run_id", runID.String()), slog.Any("error", err))
	}
}

func (e *Engine) emit(ctx context.Context, event AuditEvent) error {
	actx, cancel := e.detachedCtx(ctx)
	defer cancel()
	if event.At.IsZero() {
		event.At = e.now()
	}
	if err := e.audit.Record(actx, event); err != nil {
		e.logger.Error("record audit event",
			slog.String("action", event.Action),
			slog.String("run_id", event.RunID.String()),
			slog.String("actor", event.Actor),
			slog.Any("error", err),
		)
		if e.alerter != nil {
			e.alerter.AuditFailed(actx, event, err)
		}
		return &Error{Kind: KindAuditSink, Message: "record " + event.Action, Err: err}
	}
	return nil
}

func (e *Engine) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.storageTimeout)
}

func (e *Engine) detachedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.storageTimeout)
}

func rollbackEvent(run Run, record RollbackRecord) AuditEvent {
	return AuditEvent{
		Action: AuditClosingRollback,
		Actor:  record.RolledBackBy,
		RunID:  run.ID,
		At:     record.RolledBackAt,
		Payload: map[string]any{
			"period": run.Period.String(),
			"reason": record.Reason,
		},
	}
}
