// Package events is the in-process fan-out of domain events. Events are
// persisted through the Store before dispatch; delivery rides Postgres
// LISTEN/NOTIFY so commit order is what subscribers observe, and replay
// from an offset goes through the events table.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/blopit/microtask/pkg/models"
)

// Channel is the single NOTIFY channel all domain events ride on.
// Per-(user, task) ordering comes from the one receive loop dispatching
// sequentially in commit order.
const Channel = "microtask_events"

// notifyLimit is Postgres's NOTIFY payload ceiling, minus headroom.
const notifyLimit = 7900

// wireEvent is the NOTIFY payload shape.
type wireEvent struct {
	EventID    uuid.UUID        `json:"event_id"`
	EventType  models.EventType `json:"event_type"`
	UserID     string           `json:"user_id"`
	TaskID     *uuid.UUID       `json:"task_id,omitempty"`
	StepID     *uuid.UUID       `json:"step_id,omitempty"`
	Payload    map[string]any   `json:"payload,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
	Truncated  bool             `json:"truncated,omitempty"`
}

// encodeWire marshals an event for NOTIFY, falling back to a minimal
// envelope when the payload exceeds the NOTIFY limit; subscribers fetch
// the full row by event_id.
func encodeWire(e *models.Event) ([]byte, error) {
	w := wireEvent{
		EventID:    e.EventID,
		EventType:  e.EventType,
		UserID:     e.UserID,
		TaskID:     e.TaskID,
		StepID:     e.StepID,
		Payload:    e.Payload,
		OccurredAt: e.OccurredAt,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(b) <= notifyLimit {
		return b, nil
	}
	w.Payload = nil
	w.Truncated = true
	return json.Marshal(w)
}

// decodeWire is the inverse of encodeWire.
func decodeWire(b []byte) (*models.Event, bool, error) {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, false, err
	}
	return &models.Event{
		EventID:    w.EventID,
		EventType:  w.EventType,
		UserID:     w.UserID,
		TaskID:     w.TaskID,
		StepID:     w.StepID,
		Payload:    w.Payload,
		OccurredAt: w.OccurredAt,
	}, w.Truncated, nil
}
