package closing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryStore struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]Run
	rows      map[uuid.UUID][]SnapshotRow
	rollbacks map[uuid.UUID]RollbackRecord

	beginErr    error
	commitErr   error
	commitLands bool
	calls       int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		runs:      make(map[uuid.UUID]Run),
		rows:      make(map[uuid.UUID][]SnapshotRow),
		rollbacks: make(map[uuid.UUID]RollbackRecord),
	}
}

func (s *memoryStore) BeginRun(ctx context.Context, period Period, actor string, startedAt time.Time) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.beginErr != nil {
		return Run{}, s.beginErr
	}
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	for _, run := range s.runs {
		if run.Period != period || !run.Status.Active() {
			continue
		}
		if run.Status == RunStatusCompleted {
			return Run{}, ErrAlreadyClosed
		}
		return Run{}, ErrClosingInProgress
	}
	run := Run{ID: uuid.New(), Period: period, Status: RunStatusRunning, ClosedBy: actor, StartedAt: startedAt}
	s.runs[run.ID] = run
	return run, nil
}

func (s *memoryStore) CommitRun(ctx context.Context, runID uuid.UUID, rows []SnapshotRow, totals Totals, completedAt time.Time) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.commitErr != nil && !s.commitLands {
		return Run{}, s.commitErr
	}
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	if run.Status != RunStatusRunning {
		return Run{}, ErrAlreadyClosed
	}
	run.Status = RunStatusCompleted
	run.CompletedAt = &completedAt
	run.TotalItems = totals.Items
	run.TotalValue = totals.Value.Round(AmountScale)
	s.runs[runID] = run
	// Stored like the NUMERIC columns of stock_snapshot.
	stored := make([]SnapshotRow, len(rows))
	for i, row := range rows {
		row.Quantity = row.Quantity.Round(QuantityScale)
		row.UnitPrice = row.UnitPrice.Round(AmountScale)
		row.Value = row.Value.Round(AmountScale)
		stored[i] = row
	}
	s.rows[runID] = stored
	if s.commitErr != nil {
		return Run{}, s.commitErr
	}
	return run, nil
}

func (s *memoryStore) AbortRun(_ context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if run, ok := s.runs[runID]; ok && run.Status == RunStatusRunning {
		delete(s.runs, runID)
	}
	return nil
}

func (s *memoryStore) RollbackRun(_ context.Context, runID uuid.UUID, reason, actor string, at time.Time) (Run, RollbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, RollbackRecord{}, ErrNotFound
	}
	switch run.Status {
	case RunStatusRunning:
		return Run{}, RollbackRecord{}, ErrNotCompleted
	case RunStatusRolledBack:
		return Run{}, RollbackRecord{}, ErrAlreadyRolledBack
	}
	run.Status = RunStatusRolledBack
	s.runs[runID] = run
	delete(s.rows, runID)
	record := RollbackRecord{RunID: runID, Reason: reason, RolledBackBy: actor, RolledBackAt: at}
	s.rollbacks[runID] = record
	return run, record, nil
}

func (s *memoryStore) SupersedeRun(ctx context.Context, runID uuid.UUID, actor string, at time.Time) (Supersession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.beginErr != nil {
		return Supersession{}, s.beginErr
	}
	if err := ctx.Err(); err != nil {
		return Supersession{}, err
	}
	prev, ok := s.runs[runID]
	if !ok {
		return Supersession{}, ErrNotFound
	}
	switch prev.Status {
	case RunStatusRunning:
		return Supersession{}, ErrNotCompleted
	case RunStatusRolledBack:
		return Supersession{}, ErrAlreadyRolledBack
	}
	prev.Status = RunStatusRolledBack
	s.runs[runID] = prev
	delete(s.rows, runID)
	record := RollbackRecord{RunID: runID, Reason: ForcedRecloseReason, RolledBackBy: actor, RolledBackAt: at}
	s.rollbacks[runID] = record
	next := Run{ID: uuid.New(), Period: prev.Period, Status: RunStatusRunning, ClosedBy: actor, StartedAt: at}
	s.runs[next.ID] = next
	return Supersession{Previous: prev, Rollback: record, Next: next}, nil
}

func (s *memoryStore) GetRun(_ context.Context, runID uuid.UUID) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

func (s *memoryStore) FindActiveRun(_ context.Context, period Period) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.Period == period && run.Status.Active() {
			return run, nil
		}
	}
	return Run{}, ErrNotFound
}

func (s *memoryStore) ListRuns(_ context.Context, filter RunFilter) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []Run
	for _, run := range s.runs {
		if filter.Year != 0 && run.Period.Year() != filter.Year {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, nil
}

func (s *memoryStore) SnapshotRows(_ context.Context, runID uuid.UUID) ([]SnapshotRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SnapshotRow(nil), s.rows[runID]...), nil
}

func (s *memoryStore) RollbackRecord(_ context.Context, runID uuid.UUID) (RollbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.rollbacks[runID]
	if !ok {
		return RollbackRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *memoryStore) ReapStale(_ context.Context, startedBefore time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, run := range s.runs {
		if run.Status == RunStatusRunning && run.StartedAt.Before(startedBefore) {
			ids = append(ids, id)
			delete(s.runs, id)
		}
	}
	return ids, nil
}

func (s *memoryStore) activeFor(period Period) []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []Run
	for _, run := range s.runs {
		if run.Period == period && run.Status.Active() {
			active = append(active, run)
		}
	}
	return active
}

func (s *memoryStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type staticHistory struct {
	events []MutationEvent
	err    error
	hook   func()
}

func (h *staticHistory) EventsUpTo(_ context.Context, boundary time.Time) ([]MutationEvent, error) {
	if h.hook != nil {
		h.hook()
	}
	if h.err != nil {
		return nil, h.err
	}
	var out []MutationEvent
	for _, evt := range h.events {
		if !evt.OccurredAt.After(boundary) {
			out = append(out, evt)
		}
	}
	return out, nil
}

type roleAuthz struct {
	closers   map[string]bool
	rollbacks map[string]bool
	viewers   map[string]bool
	err       error
}

func (a roleAuthz) CanClose(_ context.Context, actor string) (bool, error) {
	return a.closers[actor], a.err
}

func (a roleAuthz) CanRollback(_ context.Context, actor string) (bool, error) {
	return a.rollbacks[actor], a.err
}

func (a roleAuthz) CanView(_ context.Context, actor string) (bool, error) {
	return a.viewers[actor] || a.closers[actor], a.err
}

type recordingAudit struct {
	mu     sync.Mutex
	events []AuditEvent
	err    error
}

func (a *recordingAudit) Record(_ context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, evt := range a.events {
		out = append(out, evt.Action)
	}
	return out
}

type recordingAlerter struct {
	failures []AuditEvent
}

func (a *recordingAlerter) AuditFailed(_ context.Context, event AuditEvent, _ error) {
	a.failures = append(a.failures, event)
}

var errBoom = errors.New("boom")
