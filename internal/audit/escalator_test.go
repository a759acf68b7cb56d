package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockclose/internal/closing"
)

type countingFailures struct {
	actions []string
}

func (c *countingFailures) AuditFailed(action string) {
	c.actions = append(c.actions, action)
}

type queuedReplays struct {
	events []closing.AuditEvent
	err    error
}

func (q *queuedReplays) EnqueueAuditReplay(_ context.Context, event closing.AuditEvent) error {
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, event)
	return nil
}

func TestEscalatorCountsAndQueues(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	counter := &countingFailures{}
	replays := &queuedReplays{}
	escalator := NewEscalator(logger, counter, replays)

	event := closing.AuditEvent{Action: closing.AuditClosingComplete, Actor: "admin1", RunID: uuid.New(), At: time.Now()}
	escalator.AuditFailed(context.Background(), event, errors.New("db down"))

	require.Equal(t, []string{closing.AuditClosingComplete}, counter.actions)
	require.Len(t, replays.events, 1)
	require.Equal(t, event.RunID, replays.events[0].RunID)
	require.Contains(t, buf.String(), "audit event lost")
}

func TestEscalatorLogsEnqueueFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	escalator := NewEscalator(logger, nil, &queuedReplays{err: errors.New("redis down")})

	escalator.AuditFailed(context.Background(), closing.AuditEvent{Action: closing.AuditClosingRollback, RunID: uuid.New()}, errors.New("db down"))
	require.Contains(t, buf.String(), "enqueue audit replay")
	require.Contains(t, buf.String(), "redis down")
}

func TestEntryFromEvent(t *testing.T) {
	runID := uuid.New()
	at := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	entry := EntryFromEvent(closing.AuditEvent{
		Action:  closing.AuditClosingComplete,
		Actor:   "admin1",
		RunID:   runID,
		At:      at,
		Payload: map[string]any{"period": "2025-Q3"},
	})
	require.Equal(t, "closing_run", entry.Entity)
	require.Equal(t, runID.String(), entry.EntityID)
	require.Equal(t, "2025-Q3", entry.Meta["period"])
	require.NoError(t, entry.validate())

	entry.Actor = ""
	require.Error(t, entry.validate())
}

func TestLoggerRequiresPool(t *testing.T) {
	var logger *Logger
	require.Error(t, logger.Write(context.Background(), Entry{}))
	require.Error(t, NewLogger(nil).Record(context.Background(), closing.AuditEvent{}))
}
