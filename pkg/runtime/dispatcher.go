package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blopit/microtask/pkg/domainerr"
	"github.com/blopit/microtask/pkg/models"
	"github.com/blopit/microtask/pkg/store"
)

// HandlerResult is what a tool handler reports back. Results feed the
// state machine through the runtime; handlers never mutate steps
// directly.
type HandlerResult struct {
	// Output is attached to the StepCompleted payload.
	Output map[string]any
	// NeedsClarification aborts completion and raises the questions
	// instead.
	NeedsClarification []models.ClarificationNeed
}

// Handler executes one automation plan.
type Handler interface {
	Execute(ctx context.Context, args map[string]any) (HandlerResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any) (HandlerResult, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, args map[string]any) (HandlerResult, error) {
	return f(ctx, args)
}

// HandlerRegistry maps handler keys to handlers. Registered once at
// startup and treated as immutable thereafter, so reads need no lock.
type HandlerRegistry struct {
	handlers map[string]Handler
	sealed   bool
}

// NewHandlerRegistry builds an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Panics after Seal — registration is a startup
// concern, not a runtime one.
func (hr *HandlerRegistry) Register(key string, h Handler) {
	if hr.sealed {
		panic("handler registry is sealed")
	}
	hr.handlers[key] = h
}

// Seal freezes the registry.
func (hr *HandlerRegistry) Seal() { hr.sealed = true }

// Get returns the handler for a key.
func (hr *HandlerRegistry) Get(key string) (Handler, bool) {
	h, ok := hr.handlers[key]
	return h, ok
}

// Keys lists registered keys in sorted order.
func (hr *HandlerRegistry) Keys() []string {
	keys := make([]string, 0, len(hr.handlers))
	for k := range hr.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// handlerTimeout bounds one handler execution.
const handlerTimeout = 30 * time.Second

// reconcileInterval is how often stalled IN_PROGRESS automations are
// retried; stalledAfter is how old a step must be to count.
const (
	reconcileInterval = time.Minute
	stalledAfter      = 2 * time.Minute
)

type dispatchJob struct {
	stepID uuid.UUID
	plan   models.AutomationPlan
}

// Dispatcher is the bounded worker pool behind delegation dispatch.
// Overflow fails Unavailable and the step is picked up again by the
// reconciler.
type Dispatcher struct {
	runtime  *Runtime
	registry *HandlerRegistry
	queue    chan dispatchJob

	workerCount int
	wg          sync.WaitGroup
	stopCh      chan struct{}
	stopOnce    sync.Once
}

func newDispatcher(r *Runtime, registry *HandlerRegistry, queueSize int) *Dispatcher {
	if queueSize < 1 {
		queueSize = 64
	}
	return &Dispatcher{
		runtime:     r,
		registry:    registry,
		queue:       make(chan dispatchJob, queueSize),
		workerCount: 4,
		stopCh:      make(chan struct{}),
	}
}

func (d *Dispatcher) start(ctx context.Context) {
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	if lister, ok := d.runtime.store.(stalledLister); ok {
		d.wg.Add(1)
		go d.reconcile(ctx, lister)
	}
	slog.Info("Delegation dispatcher started", "workers", d.workerCount, "queue", cap(d.queue))
}

func (d *Dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Dispatcher) enqueue(job dispatchJob) error {
	select {
	case d.queue <- job:
		return nil
	default:
		return fmt.Errorf("%w: delegation queue full", domainerr.ErrUnavailable)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.execute(ctx, job)
		}
	}
}

// execute runs one automation plan and feeds the result back through the
// state machine: success completes the step, a clarification request
// raises it, and a failure leaves the step IN_PROGRESS for retry.
func (d *Dispatcher) execute(ctx context.Context, job dispatchJob) {
	log := slog.With("step_id", job.stepID, "handler", job.plan.HandlerKey)

	handler, ok := d.registry.Get(job.plan.HandlerKey)
	if !ok {
		log.Warn("No handler registered for automation plan, cancelling step")
		if _, err := d.runtime.CancelStep(ctx, job.stepID, "handler_missing"); err != nil {
			log.Error("Failed to cancel step with missing handler", "error", err)
		}
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	result, err := handler.Execute(execCtx, job.plan.Arguments)
	cancel()

	switch {
	case err != nil:
		// The transition is not reverted; the reconciler re-dispatches.
		log.Warn("Handler failed, step remains in progress", "error", err)
	case len(result.NeedsClarification) > 0:
		d.raiseClarifications(ctx, job, result.NeedsClarification, log)
	default:
		if _, err := d.runtime.CompleteStep(ctx, job.stepID, nil); err != nil {
			log.Error("Failed to complete step after handler success", "error", err)
		}
	}
}

// raiseClarifications flips the step back to UNKNOWN with the handler's
// questions and emits ClarificationRaised.
func (d *Dispatcher) raiseClarifications(ctx context.Context, job dispatchJob, needs []models.ClarificationNeed, log *slog.Logger) {
	step, err := d.runtime.store.GetStep(ctx, job.stepID)
	if err != nil {
		log.Error("Failed to load step for clarification", "error", err)
		return
	}
	fields := make([]string, len(needs))
	for i, n := range needs {
		fields[i] = n.Field
	}
	plan := job.plan
	_, err = d.runtime.store.UpdateStepClassification(ctx, job.stepID, store.ClassificationPatch{
		LeafType:           models.LeafUnknown,
		AutomationPlan:     &plan,
		ClarificationNeeds: append(step.ClarificationNeeds, needs...),
		DecompositionState: "PENDING_CLARIFICATION",
	}, []models.Event{{
		EventID:   uuid.New(),
		EventType: models.EventClarificationRaised,
		TaskID:    &step.ParentTaskID,
		StepID:    &step.StepID,
		Payload:   map[string]any{"fields": fields},
	}})
	if err != nil {
		log.Error("Failed to raise clarifications", "error", err)
	}
}

// stalledLister is the optional store capability the reconciler needs.
type stalledLister interface {
	ListStalledAutomations(ctx context.Context, olderThan time.Duration) ([]models.MicroStep, error)
}

// reconcile periodically re-enqueues IN_PROGRESS DIGITAL steps whose
// dispatch was lost to queue overflow or handler failure.
func (d *Dispatcher) reconcile(ctx context.Context, lister stalledLister) {
	defer d.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		steps, err := lister.ListStalledAutomations(ctx, stalledAfter)
		if err != nil {
			slog.Warn("Reconciler failed to list stalled automations", "error", err)
			continue
		}
		for _, s := range steps {
			if s.AutomationPlan == nil {
				continue
			}
			if err := d.enqueue(dispatchJob{stepID: s.StepID, plan: *s.AutomationPlan}); err != nil {
				break // queue still full; try next tick
			}
			slog.Info("Reconciler re-dispatched stalled step", "step_id", s.StepID)
		}
	}
}
