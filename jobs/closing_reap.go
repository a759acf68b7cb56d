package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockclose/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// StaleRunReaper is satisfied by closing.Reaper.
type StaleRunReaper interface {
	Reap(ctx context.Context) (int, error)
}

// ClosingReapJob runs one reaper pass per task.
type ClosingReapJob struct {
	Reaper  StaleRunReaper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewClosingReapJob wires dependencies for the reaper handler.
func NewClosingReapJob(reaper StaleRunReaper, logger *slog.Logger, metrics *jobmetrics.Metrics) *ClosingReapJob {
	return &ClosingReapJob{Reaper: reaper, Logger: logger, Metrics: metrics}
}

// Handle executes the reaper job.
func (j *ClosingReapJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Reaper == nil {
		return errors.New("closing reap: dependencies not configured")
	}
	var payload ClosingReapPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics().Track(TaskClosingReap)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	reaped, err := j.Reaper.Reap(ctx)
	if err != nil {
		j.log().Error("reap stale runs", slog.Any("error", err))
		return err
	}
	if reaped > 0 {
		j.log().Info("reaped stale closing runs", slog.Int("count", reaped))
	}
	return nil
}

func (j *ClosingReapJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ClosingReapJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskClosingReap))
	}
	return slog.Default().With(slog.String("job", TaskClosingReap))
}
