package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockclose/internal/closing"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical holds audit replays, which must drain before routine work.
	QueueCritical = "critical"

	// TaskClosingReap reclaims RUNNING closing runs whose owner disappeared.
	TaskClosingReap = "closing:reap-stale"
	// TaskAuditReplay records an audit event the sink rejected earlier.
	TaskAuditReplay = "audit:replay"
)

// ClosingReapPayload carries scheduling metadata.
type ClosingReapPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewClosingReapTask constructs the reaper task.
func NewClosingReapTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ClosingReapPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskClosingReap, body, asynq.Queue(QueueDefault)), nil
}

// AuditReplayPayload is the wire form of a closing.AuditEvent.
type AuditReplayPayload struct {
	Action  string         `json:"action"`
	Actor   string         `json:"actor"`
	RunID   uuid.UUID      `json:"run_id"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Event converts the payload back into an audit event.
func (p AuditReplayPayload) Event() closing.AuditEvent {
	return closing.AuditEvent{
		Action:  p.Action,
		Actor:   p.Actor,
		RunID:   p.RunID,
		Payload: p.Payload,
		At:      p.At,
	}
}

// NewAuditReplayTask constructs a replay task for event. The task id is
// derived from the event so a duplicate escalation is rejected by the queue.
func NewAuditReplayTask(event closing.AuditEvent) (*asynq.Task, error) {
	if event.Action == "" || event.RunID == uuid.Nil {
		return nil, fmt.Errorf("jobs: audit replay requires action and run id")
	}
	body, err := json.Marshal(AuditReplayPayload{
		Action:  event.Action,
		Actor:   event.Actor,
		RunID:   event.RunID,
		Payload: event.Payload,
		At:      event.At,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditReplay, body,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(20),
		asynq.TaskID(auditReplayID(event)),
		asynq.Retention(24*time.Hour),
	), nil
}

func auditReplayID(event closing.AuditEvent) string {
	return fmt.Sprintf("audit-replay:%s:%s:%d", event.Action, event.RunID, event.At.UnixNano())
}
