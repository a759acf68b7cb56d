package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockclose/internal/closing"
	jobmetrics "github.com/odyssey-erp/stockclose/internal/jobs"
)

// AuditReplayJob records audit events that failed on the request path.
// The sink must tolerate duplicates because asynq may deliver twice.
type AuditReplayJob struct {
	Sink    closing.AuditSink
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAuditReplayJob wires dependencies for the replay handler.
func NewAuditReplayJob(sink closing.AuditSink, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditReplayJob {
	return &AuditReplayJob{Sink: sink, Logger: logger, Metrics: metrics}
}

// Handle executes the replay job.
func (j *AuditReplayJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Sink == nil {
		return errors.New("audit replay: dependencies not configured")
	}
	var payload AuditReplayPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("audit replay: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Action == "" || payload.RunID == uuid.Nil {
		return fmt.Errorf("audit replay: incomplete payload: %w", asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskAuditReplay)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	log := j.log().With(slog.String("action", payload.Action), slog.String("run_id", payload.RunID.String()))
	if err := j.Sink.Record(ctx, payload.Event()); err != nil {
		log.Warn("audit replay attempt failed", slog.Any("error", err))
		return err
	}
	j.metrics().AddReplayed(payload.Action)
	log.Info("audit event replayed")
	return nil
}

func (j *AuditReplayJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *AuditReplayJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditReplay))
	}
	return slog.Default().With(slog.String("job", TaskAuditReplay))
}
