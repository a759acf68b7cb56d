package closing

import (
	"context"
	"log/slog"
	"time"
)

const defaultStaleAfter = 15 * time.Minute

// Reaper reclaims RUNNING runs whose owner died or lost its connection
// before committing, so their period becomes closable again.
type Reaper struct {
	store      Store
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
	onReap     func(count int)
}

// NewReaper constructs a Reaper. staleAfter defaults to 15 minutes.
func NewReaper(store Store, staleAfter time.Duration, logger *slog.Logger) *Reaper {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:      store,
		staleAfter: staleAfter,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock for deterministic tests.
func (r *Reaper) WithNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// OnReap registers a callback receiving the number of runs reclaimed per pass.
func (r *Reaper) OnReap(fn func(count int)) {
	r.onReap = fn
}

// Reap aborts every RUNNING run started before now minus the staleness threshold.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	ids, err := r.store.ReapStale(ctx, cutoff)
	if err != nil {
		return 0, storageError("reap stale runs", err)
	}
	for _, id := range ids {
		r.logger.Warn("reclaimed stale closing run", slog.String("run_id", id.String()), slog.Time("cutoff", cutoff))
	}
	if r.onReap != nil && len(ids) > 0 {
		r.onReap(len(ids))
	}
	return len(ids), nil
}
