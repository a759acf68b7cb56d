// Package audit records domain events into audit_logs and escalates
// events that could not be recorded.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockclose/internal/closing"
)

// Entry represents a record stored in audit_logs.
type Entry struct {
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Logger writes records into audit_logs.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger returns a new Logger.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// Write persists the entry. Writing the same action for the same entity at
// the same instant twice is a no-op, so replays are safe.
func (l *Logger) Write(ctx context.Context, entry Entry) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if err := entry.validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return fmt.Errorf("audit: encode meta: %w", err)
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor, action, entity, entity_id, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (action, entity, entity_id, occurred_at) DO NOTHING`,
		entry.Actor, entry.Action, entry.Entity, entry.EntityID, metaJSON, at)
	if err != nil {
		return fmt.Errorf("audit: insert log: %w", err)
	}
	return nil
}

// Record satisfies closing.AuditSink.
func (l *Logger) Record(ctx context.Context, event closing.AuditEvent) error {
	return l.Write(ctx, EntryFromEvent(event))
}

// EntryFromEvent maps a closing audit event onto an audit_logs entry.
func EntryFromEvent(event closing.AuditEvent) Entry {
	return Entry{
		Actor:    event.Actor,
		Action:   event.Action,
		Entity:   "closing_run",
		EntityID: event.RunID.String(),
		Meta:     event.Payload,
		At:       event.At,
	}
}

func (e Entry) validate() error {
	if e.Action == "" || e.Entity == "" || e.EntityID == "" {
		return errors.New("audit: entry requires action/entity/entity_id")
	}
	if e.Actor == "" {
		return errors.New("audit: entry requires actor")
	}
	return nil
}
