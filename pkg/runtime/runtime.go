// Package runtime owns MicroStep state transitions: start/complete/cancel
// with XP accrual and streak updates, plus the delegation dispatch of
// DIGITAL steps to registered tool handlers.
package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/blopit/microtask/pkg/config"
	"github.com/blopit/microtask/pkg/models"
	"github.com/blopit/microtask/pkg/store"
)

// defaultTransitionDeadline applies when a caller's context carries none.
const defaultTransitionDeadline = 2 * time.Second

// Store is the persistence surface the runtime drives. *store.Store
// satisfies it; tests substitute a fake.
type Store interface {
	StartStep(ctx context.Context, stepID uuid.UUID, now time.Time) (*store.StartResult, error)
	CompleteStep(ctx context.Context, stepID uuid.UUID, actualMinutes *int, now time.Time, xpFor func(estimated, actual int) int) (*store.CompleteResult, error)
	CancelStep(ctx context.Context, stepID uuid.UUID, reason string, now time.Time) (*store.CancelResult, error)
	GetStep(ctx context.Context, stepID uuid.UUID) (*models.MicroStep, error)
	UpdateStepClassification(ctx context.Context, stepID uuid.UUID, patch store.ClassificationPatch, events []models.Event) (*models.MicroStep, error)
}

// EventSink receives committed events for fan-out. *events.Bus satisfies
// it.
type EventSink interface {
	NotifyCommitted(ctx context.Context, events []models.Event)
}

// Runtime is the MicroStep state machine plus delegation dispatch.
type Runtime struct {
	store      Store
	sink       EventSink
	dispatcher *Dispatcher
	clock      func() time.Time
}

// New builds a Runtime. The handler registry is fixed at construction;
// Start must be called before DIGITAL steps can dispatch.
func New(st Store, sink EventSink, registry *HandlerRegistry, cfg config.RuntimeConfig) *Runtime {
	r := &Runtime{
		store: st,
		sink:  sink,
		clock: func() time.Time { return time.Now().UTC() },
	}
	r.dispatcher = newDispatcher(r, registry, cfg.HandlerQueue)
	return r
}

// Start launches the dispatcher worker pool and the reconciler.
func (r *Runtime) Start(ctx context.Context) {
	r.dispatcher.start(ctx)
}

// Stop drains the dispatcher gracefully.
func (r *Runtime) Stop() {
	r.dispatcher.stop()
}

// StartStep transitions TODO → IN_PROGRESS and, for DIGITAL steps with an
// automation plan, hands the plan to the worker pool. The caller gets the
// transitioned step immediately; dispatch is asynchronous.
func (r *Runtime) StartStep(ctx context.Context, stepID uuid.UUID) (*store.StartResult, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	res, err := r.store.StartStep(ctx, stepID, r.clock())
	if err != nil {
		return nil, err
	}
	r.sink.NotifyCommitted(ctx, res.Events)

	step := res.Step
	if step.LeafType == models.LeafDigital && step.AutomationPlan != nil {
		if err := r.dispatcher.enqueue(dispatchJob{stepID: step.StepID, plan: *step.AutomationPlan}); err != nil {
			// The step stays IN_PROGRESS; the reconciler retries it.
			slog.Warn("Delegation queue full, step left for reconciler",
				"step_id", step.StepID, "handler", step.AutomationPlan.HandlerKey)
		}
	}
	return res, nil
}

// CompleteStep transitions to COMPLETED, awarding XP and updating the
// streak in the same store transaction. Replays of a completed step are
// idempotent.
func (r *Runtime) CompleteStep(ctx context.Context, stepID uuid.UUID, actualMinutes *int) (*store.CompleteResult, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	res, err := r.store.CompleteStep(ctx, stepID, actualMinutes, r.clock(), XPForStep)
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		r.sink.NotifyCommitted(ctx, res.Events)
	}
	return res, nil
}

// CancelStep transitions any non-terminal step to CANCELLED. No XP.
func (r *Runtime) CancelStep(ctx context.Context, stepID uuid.UUID, reason string) (*store.CancelResult, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	res, err := r.store.CancelStep(ctx, stepID, reason, r.clock())
	if err != nil {
		return nil, err
	}
	r.sink.NotifyCommitted(ctx, res.Events)
	return res, nil
}

func (r *Runtime) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, defaultTransitionDeadline)
}
