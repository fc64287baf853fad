package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blopit/microtask/pkg/config"
	"github.com/blopit/microtask/pkg/domainerr"
	"github.com/blopit/microtask/pkg/models"
	"github.com/blopit/microtask/pkg/store"
)

// fakeStore is an in-memory Store implementing the runtime's state
// machine semantics.
type fakeStore struct {
	mu    sync.Mutex
	steps map[uuid.UUID]*models.MicroStep
	// events accumulates everything "committed" through the fake.
	events []models.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{steps: make(map[uuid.UUID]*models.MicroStep)}
}

func (f *fakeStore) add(step models.MicroStep) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if step.StepID == uuid.Nil {
		step.StepID = uuid.New()
	}
	f.steps[step.StepID] = &step
	return step.StepID
}

func (f *fakeStore) StartStep(_ context.Context, stepID uuid.UUID, now time.Time) (*store.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: step %s", domainerr.ErrNotFound, stepID)
	}
	if m.Status != models.StepStatusTodo {
		return nil, fmt.Errorf("%w: cannot start from %s", domainerr.ErrConflictState, m.Status)
	}
	m.Status = models.StepStatusInProgress
	m.StartedAt = &now
	ev := models.Event{EventID: uuid.New(), EventType: models.EventStepStarted, StepID: &m.StepID, OccurredAt: now}
	f.events = append(f.events, ev)
	copied := *m
	return &store.StartResult{Step: &copied, Events: []models.Event{ev}}, nil
}

func (f *fakeStore) CompleteStep(_ context.Context, stepID uuid.UUID, actualMinutes *int, now time.Time, xpFor func(int, int) int) (*store.CompleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: step %s", domainerr.ErrNotFound, stepID)
	}
	if m.Status == models.StepStatusCompleted {
		copied := *m
		return &store.CompleteResult{Step: &copied, Replayed: true}, nil
	}
	if m.Status == models.StepStatusCancelled {
		return nil, fmt.Errorf("%w: step is CANCELLED", domainerr.ErrConflictState)
	}
	actual := m.EstimatedMinutes
	if actualMinutes != nil {
		actual = *actualMinutes
	}
	m.Status = models.StepStatusCompleted
	m.ActualMinutes = &actual
	m.CompletedAt = &now
	xp := xpFor(m.EstimatedMinutes, actual)
	ev := models.Event{EventID: uuid.New(), EventType: models.EventStepCompleted, StepID: &m.StepID, OccurredAt: now}
	f.events = append(f.events, ev)
	copied := *m
	return &store.CompleteResult{Step: &copied, XPAwarded: xp, StreakDays: 1, Events: []models.Event{ev}}, nil
}

func (f *fakeStore) CancelStep(_ context.Context, stepID uuid.UUID, reason string, now time.Time) (*store.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: step %s", domainerr.ErrNotFound, stepID)
	}
	if m.IsTerminal() {
		return nil, fmt.Errorf("%w: step is %s", domainerr.ErrConflictState, m.Status)
	}
	m.Status = models.StepStatusCancelled
	ev := models.Event{EventID: uuid.New(), EventType: models.EventStepCancelled, StepID: &m.StepID,
		Payload: map[string]any{"reason": reason}, OccurredAt: now}
	f.events = append(f.events, ev)
	copied := *m
	return &store.CancelResult{Step: &copied, Events: []models.Event{ev}}, nil
}

func (f *fakeStore) GetStep(_ context.Context, stepID uuid.UUID) (*models.MicroStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: step %s", domainerr.ErrNotFound, stepID)
	}
	copied := *m
	return &copied, nil
}

func (f *fakeStore) UpdateStepClassification(_ context.Context, stepID uuid.UUID, patch store.ClassificationPatch, events []models.Event) (*models.MicroStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: step %s", domainerr.ErrNotFound, stepID)
	}
	m.LeafType = patch.LeafType
	m.AutomationPlan = patch.AutomationPlan
	m.ClarificationNeeds = patch.ClarificationNeeds
	f.events = append(f.events, events...)
	copied := *m
	return &copied, nil
}

func (f *fakeStore) eventTypes() []models.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]models.EventType, len(f.events))
	for i, e := range f.events {
		types[i] = e.EventType
	}
	return types
}

// fakeSink records notified events.
type fakeSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakeSink) NotifyCommitted(_ context.Context, events []models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func humanStep() models.MicroStep {
	return models.MicroStep{
		ParentTaskID:     uuid.New(),
		StepNumber:       1,
		Description:      "do the thing",
		EstimatedMinutes: 3,
		DelegationMode:   models.DelegationDo,
		LeafType:         models.LeafHuman,
		Status:           models.StepStatusTodo,
	}
}

func digitalStep(handlerKey string) models.MicroStep {
	s := humanStep()
	s.LeafType = models.LeafDigital
	s.DelegationMode = models.DelegationDelegate
	s.AutomationPlan = &models.AutomationPlan{
		HandlerKey: handlerKey,
		Arguments:  map[string]any{"recipient": "bob@x.com"},
	}
	return s
}

func newRuntime(t *testing.T, fs *fakeStore, registry *HandlerRegistry) (*Runtime, *fakeSink) {
	t.Helper()
	if registry == nil {
		registry = NewHandlerRegistry()
	}
	registry.Seal()
	sink := &fakeSink{}
	r := New(fs, sink, registry, config.RuntimeConfig{HandlerQueue: 8, DefaultDeadline: 5 * time.Second})
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r, sink
}

func TestXPForStep(t *testing.T) {
	tests := []struct {
		estimated, actual, want int
	}{
		{3, 2, 18},  // 10 + 3 + bonus
		{3, 10, 13}, // over estimate, no bonus
		{1, 1, 17},  // estimate clamped up to 2
		{30, 30, 30},
		{5, 5, 20},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, XPForStep(tt.estimated, tt.actual), "est=%d actual=%d", tt.estimated, tt.actual)
	}
}

func TestStartStepHappyPath(t *testing.T) {
	fs := newFakeStore()
	id := fs.add(humanStep())
	r, sink := newRuntime(t, fs, nil)

	res, err := r.StartStep(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusInProgress, res.Step.Status)
	assert.Equal(t, 1, sink.count())

	// Second start conflicts.
	_, err = r.StartStep(context.Background(), id)
	assert.ErrorIs(t, err, domainerr.ErrConflictState)
}

func TestCompleteStepFromTodo(t *testing.T) {
	fs := newFakeStore()
	id := fs.add(humanStep())
	r, _ := newRuntime(t, fs, nil)

	actual := 2
	res, err := r.CompleteStep(context.Background(), id, &actual)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, res.Step.Status)
	assert.Equal(t, 18, res.XPAwarded)
}

func TestCompleteStepReplayEmitsNothing(t *testing.T) {
	fs := newFakeStore()
	id := fs.add(humanStep())
	r, sink := newRuntime(t, fs, nil)

	_, err := r.CompleteStep(context.Background(), id, nil)
	require.NoError(t, err)
	first := sink.count()

	res, err := r.CompleteStep(context.Background(), id, nil)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, first, sink.count(), "replay must not re-notify")
}

func TestCancelStepNotFound(t *testing.T) {
	fs := newFakeStore()
	r, _ := newRuntime(t, fs, nil)
	_, err := r.CancelStep(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, domainerr.ErrNotFound)
}

func TestStartDigitalStepDispatchesHandler(t *testing.T) {
	fs := newFakeStore()
	id := fs.add(digitalStep("email.send"))

	executed := make(chan map[string]any, 1)
	registry := NewHandlerRegistry()
	registry.Register("email.send", HandlerFunc(func(_ context.Context, args map[string]any) (HandlerResult, error) {
		executed <- args
		return HandlerResult{Output: map[string]any{"message_id": "m1"}}, nil
	}))
	r, _ := newRuntime(t, fs, registry)

	res, err := r.StartStep(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusInProgress, res.Step.Status, "caller returns before handler runs")

	select {
	case args := <-executed:
		assert.Equal(t, "bob@x.com", args["recipient"])
	case <-time.After(2 * time.Second):
		t.Fatal("handler never executed")
	}

	// Handler success feeds back through CompleteStep.
	require.Eventually(t, func() bool {
		step, err := fs.GetStep(context.Background(), id)
		return err == nil && step.Status == models.StepStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerFailureLeavesStepInProgress(t *testing.T) {
	fs := newFakeStore()
	id := fs.add(digitalStep("flaky.handler"))

	registry := NewHandlerRegistry()
	registry.Register("flaky.handler", HandlerFunc(func(context.Context, map[string]any) (HandlerResult, error) {
		return HandlerResult{}, fmt.Errorf("%w: upstream 503", domainerr.ErrUnavailable)
	}))
	r, _ := newRuntime(t, fs, registry)

	_, err := r.StartStep(context.Background(), id)
	require.NoError(t, err)

	// Give the worker time to run; the step must remain IN_PROGRESS.
	time.Sleep(100 * time.Millisecond)
	step, err := fs.GetStep(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusInProgress, step.Status)
}

func TestHandlerClarificationRaisesInsteadOfCompleting(t *testing.T) {
	fs := newFakeStore()
	id := fs.add(digitalStep("email.send"))

	registry := NewHandlerRegistry()
	registry.Register("email.send", HandlerFunc(func(context.Context, map[string]any) (HandlerResult, error) {
		return HandlerResult{NeedsClarification: []models.ClarificationNeed{
			{Field: "subject", Question: "What should the subject be?", Required: true},
		}}, nil
	}))
	r, _ := newRuntime(t, fs, registry)

	_, err := r.StartStep(context.Background(), id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		step, err := fs.GetStep(context.Background(), id)
		return err == nil && step.LeafType == models.LeafUnknown
	}, 2*time.Second, 10*time.Millisecond)

	types := fs.eventTypes()
	assert.Contains(t, types, models.EventClarificationRaised)
	assert.NotContains(t, types, models.EventStepCompleted)
}

func TestMissingHandlerCancelsStep(t *testing.T) {
	fs := newFakeStore()
	id := fs.add(digitalStep("nobody.home"))
	r, _ := newRuntime(t, fs, nil)

	_, err := r.StartStep(context.Background(), id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		step, err := fs.GetStep(context.Background(), id)
		return err == nil && step.Status == models.StepStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistrySealPreventsLateRegistration(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register("a.b", HandlerFunc(func(context.Context, map[string]any) (HandlerResult, error) {
		return HandlerResult{}, nil
	}))
	registry.Seal()
	assert.Panics(t, func() {
		registry.Register("c.d", HandlerFunc(func(context.Context, map[string]any) (HandlerResult, error) {
			return HandlerResult{}, nil
		}))
	})
	assert.Equal(t, []string{"a.b"}, registry.Keys())
}
