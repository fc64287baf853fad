package capture

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/blopit/microtask/pkg/domainerr"
	"github.com/blopit/microtask/pkg/models"
	"github.com/blopit/microtask/pkg/store"
)

// ResolveResult is the outcome of answering one clarification.
type ResolveResult struct {
	Step *models.MicroStep
	// Resolved is true when the step has no required questions left.
	Resolved bool
	// Persisted is true once the owning task has no pending draft steps.
	Persisted bool
}

// ResolveClarification answers one open question on a step. When the
// answer completes the step's classification it flips to DIGITAL with a
// full automation plan, and once no draft steps remain the task's
// persistence completes.
func (p *Pipeline) ResolveClarification(ctx context.Context, stepID uuid.UUID, field, answer string) (*ResolveResult, error) {
	if field == "" {
		return nil, fmt.Errorf("%w: field is required", domainerr.ErrValidation)
	}
	if answer == "" {
		return nil, fmt.Errorf("%w: answer is empty", domainerr.ErrValidation)
	}

	step, err := p.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if !hasField(step.ClarificationNeeds, field) {
		return nil, fmt.Errorf("%w: step %s has no clarification %q", domainerr.ErrNotFound, stepID, field)
	}

	resolved := p.resolver.Resolve(step, field, answer)

	state := statePending
	if resolved {
		state = stateDone
	}
	patched, err := p.store.UpdateStepClassification(ctx, stepID, store.ClassificationPatch{
		LeafType:           step.LeafType,
		AutomationPlan:     step.AutomationPlan,
		ClarificationNeeds: step.ClarificationNeeds,
		EstimatedMinutes:   step.EstimatedMinutes,
		DecompositionState: state,
	}, []models.Event{{
		EventID:   uuid.New(),
		EventType: models.EventClarificationResolved,
		TaskID:    &step.ParentTaskID,
		StepID:    &step.StepID,
		Payload:   map[string]any{"field": field},
	}})
	if err != nil {
		return nil, err
	}

	persisted := false
	if resolved {
		persisted, err = p.finalizeIfComplete(ctx, step.ParentTaskID)
		if err != nil {
			return nil, err
		}
	}

	return &ResolveResult{Step: patched, Resolved: resolved, Persisted: persisted}, nil
}

// finalizeIfComplete completes draft persistence once every sibling step
// has its required questions answered.
func (p *Pipeline) finalizeIfComplete(ctx context.Context, taskID uuid.UUID) (bool, error) {
	steps, err := p.store.ListMicroSteps(ctx, taskID)
	if err != nil {
		return false, err
	}
	for i := range steps {
		for _, need := range steps[i].ClarificationNeeds {
			if need.Required && need.AnsweredWith == nil {
				return false, nil
			}
		}
	}
	if err := p.store.FinalizeDraft(ctx, taskID); err != nil {
		return false, err
	}
	return true, nil
}

func hasField(needs []models.ClarificationNeed, field string) bool {
	for _, n := range needs {
		if n.Field == field {
			return true
		}
	}
	return false
}
