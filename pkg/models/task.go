// Package models defines the persisted entities of the capture-to-plan
// pipeline: Task, MicroStep, ClarificationNeed, AutomationPlan, and Event.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "TODO"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// Priority is the user-facing urgency of a Task.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Scope is the coarse size class derived from EstimatedHours.
type Scope string

const (
	ScopeSimple  Scope = "SIMPLE"
	ScopeMulti   Scope = "MULTI"
	ScopeProject Scope = "PROJECT"
)

// ScopeFromHours derives a Scope from an hours estimate:
// <10min is SIMPLE, 10–60min MULTI, >60min PROJECT.
func ScopeFromHours(hours float64) Scope {
	minutes := hours * 60
	switch {
	case minutes < 10:
		return ScopeSimple
	case minutes <= 60:
		return ScopeMulti
	default:
		return ScopeProject
	}
}

// Task is the user's intent, root of a MicroStep hierarchy.
type Task struct {
	TaskID         uuid.UUID
	UserID         string
	Title          string
	Description    string
	Status         TaskStatus
	Priority       Priority
	Scope          Scope
	EstimatedHours float64
	ParentTaskID   *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// MaxTitleLen and MaxDescriptionLen bound Task text fields.
const (
	MaxTitleLen       = 255
	MaxDescriptionLen = 2000
	MaxTaskDepth      = 6
	MaxStepDepth      = 6
)

// Validate enforces the Task invariants:
//   - completed_at set iff status = COMPLETED
//   - completed_at >= created_at
//   - estimated_hours strictly positive for non-SIMPLE scopes
func (t *Task) Validate() error {
	if len(t.Title) == 0 || len(t.Title) > MaxTitleLen {
		return errInvalidField("title", "must be 1..255 chars")
	}
	if len(t.Description) > MaxDescriptionLen {
		return errInvalidField("description", "must be <= 2000 chars")
	}
	if (t.Status == TaskStatusCompleted) != (t.CompletedAt != nil) {
		return errInvalidField("completed_at", "must be set iff status is COMPLETED")
	}
	if t.CompletedAt != nil && t.CompletedAt.Before(t.CreatedAt) {
		return errInvalidField("completed_at", "must be >= created_at")
	}
	if t.Scope != ScopeSimple && t.EstimatedHours <= 0 {
		return errInvalidField("estimated_hours", "must be strictly positive for non-SIMPLE scope")
	}
	if t.EstimatedHours < 0 || t.EstimatedHours > 100 {
		return errInvalidField("estimated_hours", "must be in [0.0, 100.0]")
	}
	return nil
}
