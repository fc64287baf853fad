package classify

import (
	"github.com/blopit/microtask/pkg/models"
)

// Classifier marks steps DIGITAL, HUMAN, or UNKNOWN against the
// integration registry. Stateless; safe to call concurrently.
type Classifier struct {
	registry *Registry
}

// NewClassifier builds a classifier over the given registry.
func NewClassifier(registry *Registry) *Classifier {
	return &Classifier{registry: registry}
}

// Classify annotates one step in place:
//   - registry match with all required arguments extractable → DIGITAL
//     with an automation plan
//   - registry match with required arguments missing → UNKNOWN with one
//     clarification need per missing argument
//   - no match → HUMAN
//
// When several integrations match, the one satisfying the most required
// arguments wins; collisions break on registry (handler key) order.
func (c *Classifier) Classify(step *models.MicroStep) {
	// DELETE-mode steps are dead weight the user asked to drop; nothing
	// to automate or clarify.
	if step.DelegationMode == models.DelegationDelete {
		step.LeafType = models.LeafHuman
		return
	}

	candidates := c.registry.match(step.Description)
	if len(candidates) == 0 {
		step.LeafType = models.LeafHuman
		return
	}

	best := pickBest(candidates, step.Description)
	args, missing := extractArguments(best, step.Description)

	if len(missing) == 0 {
		step.LeafType = models.LeafDigital
		step.AutomationPlan = &models.AutomationPlan{
			HandlerKey:           best.HandlerKey,
			Arguments:            args,
			ConfirmationRequired: best.ConfirmationRequired,
		}
		step.ClarificationNeeds = nil
		if best.EstimatedMinutes > 0 {
			step.EstimatedMinutes = models.ClampEstimatedMinutes(models.LeafDigital, best.EstimatedMinutes)
		}
		step.DelegationMode = models.DelegationDelegate
		return
	}

	step.LeafType = models.LeafUnknown
	step.ClarificationNeeds = make([]models.ClarificationNeed, 0, len(missing))
	for _, spec := range missing {
		step.ClarificationNeeds = append(step.ClarificationNeeds, models.ClarificationNeed{
			Field:    spec.Name,
			Question: spec.Question,
			Required: true,
		})
	}
	// Stash the partial plan so resolution can finish classification
	// without re-matching.
	step.AutomationPlan = &models.AutomationPlan{
		HandlerKey:           best.HandlerKey,
		Arguments:            args,
		ConfirmationRequired: best.ConfirmationRequired,
	}
}

// Resolve applies a clarification answer to a step previously marked
// UNKNOWN. When every required argument is answered the step flips to
// DIGITAL. Returns true if the step is now fully classified.
func (c *Classifier) Resolve(step *models.MicroStep, field, answer string) bool {
	for i := range step.ClarificationNeeds {
		if step.ClarificationNeeds[i].Field == field {
			a := answer
			step.ClarificationNeeds[i].AnsweredWith = &a
		}
	}
	if step.AutomationPlan != nil {
		if step.AutomationPlan.Arguments == nil {
			step.AutomationPlan.Arguments = map[string]any{}
		}
		step.AutomationPlan.Arguments[field] = answer
	}

	for _, need := range step.ClarificationNeeds {
		if need.Required && need.AnsweredWith == nil {
			return false
		}
	}

	if step.AutomationPlan == nil {
		// No handler plan is attached (Classify always stashes one when it
		// marks a step UNKNOWN, so these clarification needs came from
		// elsewhere); answering questions makes it actionable by the user,
		// not automatable.
		step.LeafType = models.LeafHuman
		step.EstimatedMinutes = models.ClampEstimatedMinutes(models.LeafHuman, step.EstimatedMinutes)
		return true
	}

	step.LeafType = models.LeafDigital
	if in, ok := c.registry.Get(step.AutomationPlan.HandlerKey); ok && in.EstimatedMinutes > 0 {
		step.EstimatedMinutes = models.ClampEstimatedMinutes(models.LeafDigital, in.EstimatedMinutes)
	} else {
		step.EstimatedMinutes = models.ClampEstimatedMinutes(models.LeafDigital, step.EstimatedMinutes)
	}
	step.DelegationMode = models.DelegationDelegate
	return true
}

// pickBest prefers the candidate with the most satisfiable required
// arguments. Candidates arrive in registry order, and the comparison is
// strictly-greater, so collisions resolve deterministically to the
// earliest key.
func pickBest(candidates []*Integration, text string) *Integration {
	best := candidates[0]
	bestScore := satisfiedCount(best, text)
	for _, cand := range candidates[1:] {
		if score := satisfiedCount(cand, text); score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}

func satisfiedCount(in *Integration, text string) int {
	n := 0
	for _, spec := range in.Arguments {
		if spec.Required && spec.Pattern != nil && spec.Pattern.MatchString(text) {
			n++
		}
	}
	return n
}

// extractArguments pulls pattern-extractable argument values out of the
// step text and reports which required arguments remain missing.
func extractArguments(in *Integration, text string) (map[string]any, []ArgumentSpec) {
	args := make(map[string]any)
	var missing []ArgumentSpec
	for _, spec := range in.Arguments {
		if spec.Pattern != nil {
			if v := spec.Pattern.FindString(text); v != "" {
				args[spec.Name] = v
				continue
			}
		}
		if spec.Required {
			missing = append(missing, spec)
		}
	}
	return args, missing
}
