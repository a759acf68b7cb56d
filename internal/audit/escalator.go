package audit

import (
	"context"
	"log/slog"

	"github.com/odyssey-erp/stockclose/internal/closing"
)

// ReplayEnqueuer schedules a later attempt to record an audit event.
type ReplayEnqueuer interface {
	EnqueueAuditReplay(ctx context.Context, event closing.AuditEvent) error
}

// FailureCounter counts audit failures per action.
type FailureCounter interface {
	AuditFailed(action string)
}

// Escalator reacts to audit events the sink rejected: it logs them, counts
// them and queues a replay.
type Escalator struct {
	logger  *slog.Logger
	counter FailureCounter
	replays ReplayEnqueuer
}

// NewEscalator constructs an Escalator. counter and replays may be nil.
func NewEscalator(logger *slog.Logger, counter FailureCounter, replays ReplayEnqueuer) *Escalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{logger: logger, counter: counter, replays: replays}
}

// AuditFailed satisfies closing.AuditAlerter.
func (e *Escalator) AuditFailed(ctx context.Context, event closing.AuditEvent, err error) {
	e.logger.Error("audit event lost, escalating",
		slog.String("action", event.Action),
		slog.String("run_id", event.RunID.String()),
		slog.String("actor", event.Actor),
		slog.Any("error", err),
	)
	if e.counter != nil {
		e.counter.AuditFailed(event.Action)
	}
	if e.replays == nil {
		return
	}
	if qerr := e.replays.EnqueueAuditReplay(ctx, event); qerr != nil {
		e.logger.Error("enqueue audit replay", slog.String("action", event.Action), slog.String("run_id", event.RunID.String()), slog.Any("error", qerr))
	}
}
