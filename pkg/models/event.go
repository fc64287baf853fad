package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the domain events emitted by the runtime.
type EventType string

const (
	EventTaskCaptured         EventType = "TaskCaptured"
	EventStepStarted          EventType = "StepStarted"
	EventStepCompleted        EventType = "StepCompleted"
	EventStepCancelled        EventType = "StepCancelled"
	EventClarificationRaised  EventType = "ClarificationRaised"
	EventClarificationResolved EventType = "ClarificationResolved"
	EventXPAwarded            EventType = "XPAwarded"
	EventStreakUpdated        EventType = "StreakUpdated"
)

// Event is an immutable, append-only record. Payload is a typed variant
// keyed by EventType — see payload.go for the concrete shapes.
type Event struct {
	EventID    uuid.UUID
	EventType  EventType
	UserID     string
	TaskID     *uuid.UUID
	StepID     *uuid.UUID
	Payload    map[string]any
	OccurredAt time.Time
}
