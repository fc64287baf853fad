package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepStatus is the lifecycle state of a MicroStep, shared with Task
// lifecycle naming for consistency across the API.
type StepStatus string

const (
	StepStatusTodo       StepStatus = "TODO"
	StepStatusInProgress StepStatus = "IN_PROGRESS"
	StepStatusCompleted  StepStatus = "COMPLETED"
	StepStatusCancelled  StepStatus = "CANCELLED"
)

// DelegationMode describes how a step is to be executed.
type DelegationMode string

const (
	DelegationDo       DelegationMode = "DO"
	DelegationDoWithMe DelegationMode = "DO_WITH_ME"
	DelegationDelegate DelegationMode = "DELEGATE"
	DelegationDelete   DelegationMode = "DELETE"
)

// LeafType is the execution semantics of a leaf step.
type LeafType string

const (
	LeafDigital LeafType = "DIGITAL"
	LeafHuman   LeafType = "HUMAN"
	LeafUnknown LeafType = "UNKNOWN"
)

// Minute bounds: HUMAN leaves are strictly [2,5], DIGITAL leaves [1,15].
const (
	HumanMinMinutes   = 2
	HumanMaxMinutes   = 5
	DigitalMinMinutes = 1
	DigitalMaxMinutes = 15
)

// ClarificationNeed is an unresolved argument blocking classification.
type ClarificationNeed struct {
	Field        string
	Question     string
	Required     bool
	AnsweredWith *string
}

// MaxQuestionLen bounds ClarificationNeed.Question.
const MaxQuestionLen = 200

// AutomationPlan is a typed handler invocation for DIGITAL leaves.
type AutomationPlan struct {
	HandlerKey           string
	Arguments            map[string]any
	ConfirmationRequired bool
}

// MicroStep is an atomic unit of action belonging to exactly one Task.
type MicroStep struct {
	StepID             uuid.UUID
	ParentTaskID       uuid.UUID
	StepNumber         int
	Description        string
	ShortLabel         *string
	Icon               *string
	EstimatedMinutes   int
	DelegationMode     DelegationMode
	LeafType           LeafType
	Status             StepStatus
	AutomationPlan     *AutomationPlan
	ClarificationNeeds []ClarificationNeed
	Tags               []string
	ActualMinutes      *int
	ParentStepID       *uuid.UUID
	Level              int
	IsLeaf             bool
	DecompositionState string
	StartedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

// MaxStepDescriptionLen bounds MicroStep.Description.
const MaxStepDescriptionLen = 500

// ClampEstimatedMinutes clamps a raw LLM/heuristic minute value into the
// bound for the step's leaf type. DIGITAL steps clamp directly; the split
// proxy may instead explode an over-long HUMAN step into several.
func ClampEstimatedMinutes(leaf LeafType, minutes int) int {
	lo, hi := HumanMinMinutes, HumanMaxMinutes
	if leaf == LeafDigital {
		lo, hi = DigitalMinMinutes, DigitalMaxMinutes
	}
	if minutes < lo {
		return lo
	}
	if minutes > hi {
		return hi
	}
	return minutes
}

// Validate enforces the MicroStep invariants:
//   - persisted HUMAN leaf: 2 <= estimated_minutes <= 5
//   - leaf_type = UNKNOWN requires >= 1 clarification need
//   - status = COMPLETED => completed_at set and actual_minutes >= 0
func (m *MicroStep) Validate() error {
	if len(m.Description) == 0 || len(m.Description) > MaxStepDescriptionLen {
		return errInvalidField("description", "must be 1..500 chars")
	}
	if m.LeafType == LeafHuman {
		if m.EstimatedMinutes < HumanMinMinutes || m.EstimatedMinutes > HumanMaxMinutes {
			return errInvalidField("estimated_minutes", fmt.Sprintf("HUMAN leaf must be in [%d,%d]", HumanMinMinutes, HumanMaxMinutes))
		}
	}
	if m.LeafType == LeafDigital {
		if m.EstimatedMinutes < DigitalMinMinutes || m.EstimatedMinutes > DigitalMaxMinutes {
			return errInvalidField("estimated_minutes", fmt.Sprintf("DIGITAL leaf must be in [%d,%d]", DigitalMinMinutes, DigitalMaxMinutes))
		}
	}
	if m.LeafType == LeafUnknown && len(m.ClarificationNeeds) == 0 {
		return errInvalidField("clarification_needs", "UNKNOWN leaf requires at least one clarification need")
	}
	if m.Status == StepStatusCompleted {
		if m.CompletedAt == nil {
			return errInvalidField("completed_at", "must be set when status is COMPLETED")
		}
		if m.ActualMinutes == nil || *m.ActualMinutes < 0 {
			return errInvalidField("actual_minutes", "must be >= 0 when status is COMPLETED")
		}
	}
	return nil
}

// IsTerminal reports whether the step is in a terminal (immutable) state.
func (m *MicroStep) IsTerminal() bool {
	return m.Status == StepStatusCompleted || m.Status == StepStatusCancelled
}

// ValidateSequence enforces that step_number values of a given parent
// form a contiguous 1..N sequence.
func ValidateSequence(steps []MicroStep) error {
	for i, s := range steps {
		if s.StepNumber != i+1 {
			return errInvalidField("step_number", fmt.Sprintf("expected contiguous 1..N sequence, got %d at position %d", s.StepNumber, i))
		}
	}
	return nil
}
