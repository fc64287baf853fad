// Package capture is the entry point of the capture-to-plan pipeline:
// analyze the raw utterance, build a draft Task, decompose it into
// classified micro-steps, persist atomically, and emit TaskCaptured.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/blopit/microtask/pkg/config"
	"github.com/blopit/microtask/pkg/decompose"
	"github.com/blopit/microtask/pkg/domainerr"
	"github.com/blopit/microtask/pkg/llm"
	"github.com/blopit/microtask/pkg/models"
	"github.com/blopit/microtask/pkg/store"
)

// Mode selects how a capture handles clarifications.
type Mode string

const (
	// ModeAuto persists unconditionally; clarifications are answered
	// later against the persisted steps.
	ModeAuto Mode = "AUTO"
	// ModeManual behaves like AUTO for persistence; the caller reviews
	// the plan inline.
	ModeManual Mode = "MANUAL"
	// ModeClarify holds full persistence while required clarifications
	// are open: the task commits as a draft.
	ModeClarify Mode = "CLARIFY"
)

// ParseMode validates a wire-format mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeManual, ModeClarify:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", domainerr.ErrValidation, s)
	}
}

// decomposeDeadline bounds the decompose stage (SplitProxy absorbs its
// own LLM deadline inside it); persistDeadline bounds the store write.
const (
	decomposeDeadline = 2 * time.Second
	persistDeadline   = 500 * time.Millisecond
)

// maxTextLen bounds the raw utterance.
const maxTextLen = 2000

// stateDone and statePending are the decomposition_state markers for
// fully persisted vs draft steps.
const (
	stateDone    = "DONE"
	statePending = "PENDING_CLARIFICATION"
)

// Clarification is one open question attached to a returned step.
type Clarification struct {
	StepID   uuid.UUID
	Field    string
	Question string
	Required bool
}

// Result is what Capture returns.
type Result struct {
	Task           *models.Task
	Steps          []models.MicroStep
	Clarifications []Clarification
	Persisted      bool
	LatencyMS      int64
}

// Store is the persistence surface the pipeline needs; *store.Store
// satisfies it.
type Store interface {
	UpsertTaskWithSteps(ctx context.Context, t *models.Task, steps []models.MicroStep, idempotencyKey string) error
	ListMicroSteps(ctx context.Context, taskID uuid.UUID) ([]models.MicroStep, error)
	GetStep(ctx context.Context, stepID uuid.UUID) (*models.MicroStep, error)
	UpdateStepClassification(ctx context.Context, stepID uuid.UUID, patch store.ClassificationPatch, events []models.Event) (*models.MicroStep, error)
	FinalizeDraft(ctx context.Context, taskID uuid.UUID) error
}

// Publisher persists and fans out an event; *events.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, e *models.Event) (uuid.UUID, error)
}

// Resolver finishes classification after a clarification answer;
// *classify.Classifier satisfies it.
type Resolver interface {
	Resolve(step *models.MicroStep, field, answer string) bool
}

// Pipeline drives a capture end to end.
type Pipeline struct {
	store      Store
	publisher  Publisher
	llm        llm.Client
	decomposer *decompose.Decomposer
	resolver   Resolver
	deadline   time.Duration
	clock      func() time.Time
}

// New builds a Pipeline.
func New(st Store, publisher Publisher, client llm.Client, decomposer *decompose.Decomposer, resolver Resolver, cfg config.RuntimeConfig) *Pipeline {
	return &Pipeline{
		store:      st,
		publisher:  publisher,
		llm:        client,
		decomposer: decomposer,
		resolver:   resolver,
		deadline:   cfg.DefaultDeadline,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// Capture turns a raw utterance into a persisted, executable plan. Steps
// run in order — analyze, draft, decompose, persist, emit — each under
// its own deadline; LLM failures degrade internally and never surface.
func (p *Pipeline) Capture(ctx context.Context, userID, rawText string, mode Mode) (*Result, error) {
	started := p.clock()

	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domainerr.ErrValidation)
	}
	text := rawText
	if len(text) == 0 {
		return nil, fmt.Errorf("%w: text is empty", domainerr.ErrValidation)
	}
	if len(text) > maxTextLen {
		return nil, fmt.Errorf("%w: text exceeds %d chars", domainerr.ErrValidation, maxTextLen)
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.deadline)
		defer cancel()
	}

	// Stage 1: analyze (LLM or heuristic — absorbs its own failures).
	a := p.analyze(ctx, text)

	// Stage 2: draft task.
	now := p.clock()
	task := &models.Task{
		TaskID:         uuid.New(),
		UserID:         userID,
		Title:          a.Title,
		Description:    text,
		Status:         models.TaskStatusTodo,
		Priority:       a.Priority,
		Scope:          models.ScopeFromHours(a.EstimatedHours),
		EstimatedHours: a.EstimatedHours,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Stage 3+4: decompose and classify (SplitProxy absorbs LLM errors;
	// classification degrades to UNKNOWN on deadline).
	decomposeCtx, cancelDecompose := context.WithTimeout(ctx, decomposeDeadline)
	steps := p.decomposer.Decompose(decomposeCtx, task)
	cancelDecompose()

	clarifications := collectClarifications(steps)

	// Stage 5: persist atomically. A CLARIFY capture with open questions
	// commits as a draft; everything else commits fully.
	draft := mode == ModeClarify && len(clarifications) > 0
	state := stateDone
	if draft {
		state = statePending
	}
	for i := range steps {
		steps[i].DecompositionState = state
		steps[i].CreatedAt = now
		steps[i].UpdatedAt = now
		steps[i].Tags = append(steps[i].Tags, a.Tags...)
	}

	persistCtx, cancelPersist := context.WithTimeout(ctx, persistDeadline)
	err := p.store.UpsertTaskWithSteps(persistCtx, task, steps, task.TaskID.String())
	cancelPersist()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: capture deadline exceeded during persist", domainerr.ErrTimeout)
		}
		return &Result{
			Task:           task,
			Steps:          steps,
			Clarifications: clarifications,
			Persisted:      false,
			LatencyMS:      time.Since(started).Milliseconds(),
		}, err
	}

	// Stage 6: emit TaskCaptured after commit, best-effort.
	if _, err := p.publisher.Publish(ctx, &models.Event{
		EventType: models.EventTaskCaptured,
		UserID:    userID,
		TaskID:    &task.TaskID,
		Payload: map[string]any{
			"title":       task.Title,
			"scope":       string(task.Scope),
			"total_steps": len(steps),
			"draft":       draft,
		},
	}); err != nil {
		slog.Warn("Failed to emit TaskCaptured", "task_id", task.TaskID, "error", err)
	}

	return &Result{
		Task:           task,
		Steps:          steps,
		Clarifications: clarifications,
		Persisted:      !draft,
		LatencyMS:      time.Since(started).Milliseconds(),
	}, nil
}

// collectClarifications flattens unanswered step questions.
func collectClarifications(steps []models.MicroStep) []Clarification {
	var out []Clarification
	for i := range steps {
		for _, need := range steps[i].ClarificationNeeds {
			if need.AnsweredWith != nil {
				continue
			}
			out = append(out, Clarification{
				StepID:   steps[i].StepID,
				Field:    need.Field,
				Question: need.Question,
				Required: need.Required,
			})
		}
	}
	return out
}
