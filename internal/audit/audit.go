package audit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event is one audited mutation.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
}

// Sink receives audit events. Implementations must not block the caller for long;
// the core does not depend on their durability.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// Logger writes audit events as structured log lines.
type Logger struct {
	entry *log.Entry
}

func NewLogger() *Logger {
	return &Logger{entry: log.WithField("component", "audit")}
}

func (a *Logger) Record(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	fields := log.Fields{
		"audit_action": event.Action,
		"entity":       event.Entity,
		"entity_id":    event.EntityID,
		"actor":        event.Actor,
		"event_time":   event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(event.Details) > 0 {
		fields["details"] = event.Details
	}
	a.entry.WithFields(fields).Info("AUDIT")
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(context.Context, Event) {}
