package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/blopit/microtask/pkg/capture"
	"github.com/blopit/microtask/pkg/models"
)

// TaskResponse is the task summary inside a capture response.
type TaskResponse struct {
	TaskID         uuid.UUID `json:"task_id"`
	Title          string    `json:"title"`
	Priority       string    `json:"priority"`
	Scope          string    `json:"scope"`
	EstimatedHours float64   `json:"estimated_hours"`
	Tags           []string  `json:"tags"`
}

// MicroStepResponse is the wire shape of one step.
type MicroStepResponse struct {
	StepID           uuid.UUID `json:"step_id"`
	StepNumber       int       `json:"step_number"`
	Description      string    `json:"description"`
	ShortLabel       *string   `json:"short_label,omitempty"`
	Icon             *string   `json:"icon,omitempty"`
	EstimatedMinutes int       `json:"estimated_minutes"`
	DelegationMode   string    `json:"delegation_mode"`
	LeafType         string    `json:"leaf_type"`
	Status           string    `json:"status"`
	Tags             []string  `json:"tags"`
	IsLeaf           bool      `json:"is_leaf"`
	Level            int       `json:"level"`
	ActualMinutes    *int      `json:"actual_minutes,omitempty"`
}

// ClarificationResponse is one open question in a capture response.
type ClarificationResponse struct {
	StepID   uuid.UUID `json:"step_id"`
	Field    string    `json:"field"`
	Question string    `json:"question"`
	Required bool      `json:"required"`
}

// BreakdownResponse summarizes a returned plan.
type BreakdownResponse struct {
	TotalSteps   int `json:"total_steps"`
	DigitalCount int `json:"digital_count"`
	HumanCount   int `json:"human_count"`
	TotalMinutes int `json:"total_minutes"`
}

// CaptureResponse is the POST /capture reply.
type CaptureResponse struct {
	Task           TaskResponse            `json:"task"`
	MicroSteps     []MicroStepResponse     `json:"micro_steps"`
	Clarifications []ClarificationResponse `json:"clarifications"`
	Breakdown      BreakdownResponse       `json:"breakdown"`
	Persisted      bool                    `json:"persisted"`
	ProcessingMS   int64                   `json:"processing_ms"`
}

// StepTransitionResponse is the reply to start/cancel transitions.
type StepTransitionResponse struct {
	Step          MicroStepResponse `json:"step"`
	EmittedEvents []string          `json:"emitted_events"`
}

// CompleteStepResponse is the reply to a completion.
type CompleteStepResponse struct {
	Step      MicroStepResponse `json:"step"`
	XPAwarded int               `json:"xp_awarded"`
	Streak    int               `json:"streak"`
}

// ResolveClarificationResponse is the reply to a clarification answer.
type ResolveClarificationResponse struct {
	Step      MicroStepResponse `json:"step"`
	Resolved  bool              `json:"resolved"`
	Persisted bool              `json:"persisted"`
}

// ProgressResponse is the GET /tasks/:task_id/progress reply.
type ProgressResponse struct {
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	InProgress    int     `json:"in_progress"`
	Percent       float64 `json:"percent"`
	MinutesEst    int     `json:"minutes_est"`
	MinutesActual int     `json:"minutes_actual"`
}

// EventResponse is one event in the GET /events reply.
type EventResponse struct {
	EventID    uuid.UUID      `json:"event_id"`
	EventType  string         `json:"event_type"`
	UserID     string         `json:"user_id"`
	TaskID     *uuid.UUID     `json:"task_id,omitempty"`
	StepID     *uuid.UUID     `json:"step_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func toStepResponse(m *models.MicroStep) MicroStepResponse {
	return MicroStepResponse{
		StepID:           m.StepID,
		StepNumber:       m.StepNumber,
		Description:      m.Description,
		ShortLabel:       m.ShortLabel,
		Icon:             m.Icon,
		EstimatedMinutes: m.EstimatedMinutes,
		DelegationMode:   string(m.DelegationMode),
		LeafType:         string(m.LeafType),
		Status:           string(m.Status),
		Tags:             m.Tags,
		IsLeaf:           m.IsLeaf,
		Level:            m.Level,
		ActualMinutes:    m.ActualMinutes,
	}
}

func toCaptureResponse(res *capture.Result) CaptureResponse {
	steps := make([]MicroStepResponse, len(res.Steps))
	breakdown := BreakdownResponse{TotalSteps: len(res.Steps)}
	for i := range res.Steps {
		steps[i] = toStepResponse(&res.Steps[i])
		breakdown.TotalMinutes += res.Steps[i].EstimatedMinutes
		switch res.Steps[i].LeafType {
		case models.LeafDigital:
			breakdown.DigitalCount++
		case models.LeafHuman:
			breakdown.HumanCount++
		}
	}
	clarifications := make([]ClarificationResponse, len(res.Clarifications))
	for i, c := range res.Clarifications {
		clarifications[i] = ClarificationResponse(c)
	}
	return CaptureResponse{
		Task: TaskResponse{
			TaskID:         res.Task.TaskID,
			Title:          res.Task.Title,
			Priority:       string(res.Task.Priority),
			Scope:          string(res.Task.Scope),
			EstimatedHours: res.Task.EstimatedHours,
			Tags:           taskTags(res.Steps),
		},
		MicroSteps:     steps,
		Clarifications: clarifications,
		Breakdown:      breakdown,
		Persisted:      res.Persisted,
		ProcessingMS:   res.LatencyMS,
	}
}

// taskTags is the deduplicated union of step tags, in first-seen order.
func taskTags(steps []models.MicroStep) []string {
	seen := make(map[string]bool)
	var tags []string
	for i := range steps {
		for _, t := range steps[i].Tags {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	return tags
}

func toEventResponses(events []models.Event) []EventResponse {
	out := make([]EventResponse, len(events))
	for i, e := range events {
		out[i] = EventResponse{
			EventID:    e.EventID,
			EventType:  string(e.EventType),
			UserID:     e.UserID,
			TaskID:     e.TaskID,
			StepID:     e.StepID,
			Payload:    e.Payload,
			OccurredAt: e.OccurredAt,
		}
	}
	return out
}

func eventTypes(events []models.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e.EventType)
	}
	return out
}
