// Package decompose is the recursive orchestrator between SplitProxy and
// the Classifier: scope detection, depth control, tag enrichment, and
// flattening of the resulting step tree.
package decompose

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/blopit/microtask/pkg/classify"
	"github.com/blopit/microtask/pkg/config"
	"github.com/blopit/microtask/pkg/models"
	"github.com/blopit/microtask/pkg/split"
)

// maxDepth bounds progressive decomposition; beyond it a task is returned
// as a single step.
const maxDepth = models.MaxStepDepth

// Decomposer drives SplitProxy and Classifier over a task tree.
type Decomposer struct {
	proxy      *split.Proxy
	classifier *classify.Classifier
	cfg        config.SplitConfig
}

// New builds a Decomposer.
func New(proxy *split.Proxy, classifier *classify.Classifier, cfg config.SplitConfig) *Decomposer {
	return &Decomposer{proxy: proxy, classifier: classifier, cfg: cfg}
}

// Decompose returns the flattened, ordered micro-step sequence for a
// task. Every returned step carries a StepID, contiguous StepNumber, leaf
// classification, and enriched tags.
func (d *Decomposer) Decompose(ctx context.Context, task *models.Task) []models.MicroStep {
	steps := d.decompose(ctx, task, 0, nil)
	for i := range steps {
		steps[i].StepNumber = i + 1
		steps[i].ParentTaskID = task.TaskID
	}
	return steps
}

func (d *Decomposer) decompose(ctx context.Context, task *models.Task, depth int, parentStep *uuid.UUID) []models.MicroStep {
	scope := task.Scope
	if scope == "" {
		scope = models.ScopeFromHours(task.EstimatedHours)
	}

	if depth > maxDepth {
		// Truncation is silent for the caller but visible in logs.
		slog.Warn("decomposition depth exceeded, truncating",
			"task_id", task.TaskID, "depth", depth, "title", task.Title)
		return d.atomic(task, depth, parentStep)
	}
	if scope == models.ScopeSimple && !d.forceSplit(scope) && depth == 0 {
		return d.annotate(ctx, d.atomic(task, depth, parentStep))
	}

	steps := d.proxy.Split(ctx, task, split.Options{ForceSplit: d.forceSplit(scope)})
	for i := range steps {
		steps[i].StepID = uuid.New()
		steps[i].ParentStepID = parentStep
		steps[i].Level = depth
	}
	steps = d.annotate(ctx, steps)

	if scope != models.ScopeProject || depth >= maxDepth {
		return steps
	}

	// PROJECT phases decompose one level further when a phase is itself
	// project-sized; MULTI stays shallow.
	flattened := make([]models.MicroStep, 0, len(steps))
	perPhaseHours := task.EstimatedHours / float64(len(steps))
	for i := range steps {
		flattened = append(flattened, steps[i])
		if models.ScopeFromHours(perPhaseHours) != models.ScopeProject {
			continue
		}
		subTask := &models.Task{
			TaskID:         task.TaskID,
			UserID:         task.UserID,
			Title:          steps[i].Description,
			Scope:          models.ScopeFromHours(perPhaseHours),
			EstimatedHours: perPhaseHours,
		}
		children := d.decompose(ctx, subTask, depth+1, &steps[i].StepID)
		if len(children) > 1 {
			flattened[len(flattened)-1].IsLeaf = false
			flattened = append(flattened, children...)
		}
	}
	return flattened
}

// atomic returns the task itself as a single leaf step.
func (d *Decomposer) atomic(task *models.Task, depth int, parentStep *uuid.UUID) []models.MicroStep {
	minutes := int(task.EstimatedHours * 60)
	return []models.MicroStep{{
		StepID:           uuid.New(),
		StepNumber:       1,
		Description:      task.Title,
		EstimatedMinutes: models.ClampEstimatedMinutes(models.LeafHuman, minutes),
		DelegationMode:   models.DelegationDo,
		LeafType:         models.LeafHuman,
		Status:           models.StepStatusTodo,
		IsLeaf:           true,
		Level:            depth,
		ParentStepID:     parentStep,
	}}
}

func (d *Decomposer) forceSplit(scope models.Scope) bool {
	return scopeRank(scope) >= scopeRank(models.Scope(d.cfg.ForceSplitScope))
}

func scopeRank(s models.Scope) int {
	switch s {
	case models.ScopeSimple:
		return 0
	case models.ScopeMulti:
		return 1
	default:
		return 2
	}
}

// annotate classifies steps in parallel — classification is independent
// per step — and enriches tags, preserving input order in the result.
func (d *Decomposer) annotate(ctx context.Context, steps []models.MicroStep) []models.MicroStep {
	var wg sync.WaitGroup
	for i := range steps {
		if ctx.Err() != nil {
			// Deadline hit mid-classification: the remaining steps stay
			// conservative rather than half-classified.
			d.markUnclassified(&steps[i])
			continue
		}
		wg.Add(1)
		go func(s *models.MicroStep) {
			defer wg.Done()
			d.classifier.Classify(s)
			s.Tags = EnrichTags(s.Tags, s.Description)
		}(&steps[i])
	}
	wg.Wait()
	return steps
}

func (d *Decomposer) markUnclassified(s *models.MicroStep) {
	s.LeafType = models.LeafUnknown
	s.ClarificationNeeds = append(s.ClarificationNeeds, models.ClarificationNeed{
		Field:    "leaf_type",
		Question: "Is this something you do yourself, or should it be automated?",
		Required: false,
	})
}
