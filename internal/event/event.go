// Package event defines the single authoritative event schema for session
// logs. Every component that records or consumes session activity goes
// through this package; there is exactly one vocabulary and one wire shape.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the currently supported event schema version.
const SchemaVersion = 1

// Type names one kind of session event.
type Type string

const (
	TypeSessionStarted    Type = "session_started"
	TypeTaskEnqueued      Type = "task_enqueued"
	TypeTaskClaimed       Type = "task_claimed"
	TypeTaskCompleted     Type = "task_completed"
	TypeTaskFailed        Type = "task_failed"
	TypeTaskRequeued      Type = "task_requeued"
	TypeTaskDead          Type = "task_dead"
	TypeWorkerSpawned     Type = "worker_spawned"
	TypeWorkerHeartbeat   Type = "worker_heartbeat"
	TypeEscalationRaised  Type = "escalation_raised"
	TypeEscalationCleared Type = "escalation_cleared"
	TypeSessionCompleted  Type = "session_completed"
	TypeDebug             Type = "debug"
)

var knownTypes = map[Type]struct{}{
	TypeSessionStarted:    {},
	TypeTaskEnqueued:      {},
	TypeTaskClaimed:       {},
	TypeTaskCompleted:     {},
	TypeTaskFailed:        {},
	TypeTaskRequeued:      {},
	TypeTaskDead:          {},
	TypeWorkerSpawned:     {},
	TypeWorkerHeartbeat:   {},
	TypeEscalationRaised:  {},
	TypeEscalationCleared: {},
	TypeSessionCompleted:  {},
	TypeDebug:             {},
}

// Event is one entry in a session's EVENTS.jsonl (or DEBUG.jsonl).
type Event struct {
	Version   int             `json:"version"`
	EventID   string          `json:"event_id"`
	Sequence  int64           `json:"sequence"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"ts"`
	SessionID string          `json:"session_id"`
	Worker    string          `json:"worker,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an event with a fresh event_id. Sequence and timestamp are
// assigned by the log at append time.
func New(eventType Type, sessionID string) Event {
	return Event{
		Version:   SchemaVersion,
		EventID:   uuid.NewString(),
		Type:      eventType,
		SessionID: sessionID,
	}
}

// WithTask returns a copy of the event tagged with a task ID.
func (e Event) WithTask(taskID string) Event {
	e.TaskID = taskID
	return e
}

// WithWorker returns a copy of the event tagged with a worker name.
func (e Event) WithWorker(worker string) Event {
	e.Worker = worker
	return e
}

// WithPayload attaches an arbitrary JSON-marshalable payload.
func (e Event) WithPayload(payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return e, fmt.Errorf("event: marshal payload: %w", err)
	}
	e.Payload = data
	return e, nil
}

// Normalize applies defaults and canonical formatting before validation.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Version == 0 {
		e.Version = SchemaVersion
	}
	e.EventID = strings.TrimSpace(e.EventID)
	e.Type = Type(strings.TrimSpace(string(e.Type)))
	e.SessionID = strings.TrimSpace(e.SessionID)
	e.Worker = strings.TrimSpace(e.Worker)
	e.TaskID = strings.TrimSpace(e.TaskID)
}

// Validate enforces baseline schema requirements.
func (e Event) Validate() error {
	if e.Version != SchemaVersion {
		return fmt.Errorf("event: version %d not supported", e.Version)
	}
	if e.EventID == "" {
		return errors.New("event: event_id is required")
	}
	if e.Type == "" {
		return errors.New("event: type is required")
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	if e.SessionID == "" {
		return errors.New("event: session_id is required")
	}
	return nil
}
