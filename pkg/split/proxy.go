package split

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/blopit/microtask/pkg/config"
	"github.com/blopit/microtask/pkg/llm"
	"github.com/blopit/microtask/pkg/models"
)

// splitDeadline bounds the LLM leg of a split. On expiry the proxy falls
// back to the heuristic, so callers never wait longer than this plus the
// heuristic's negligible cost.
const splitDeadline = 2 * time.Second

// minValidSteps is the floor below which an LLM batch is rejected whole
// and the heuristic takes over.
const minValidSteps = 2

// Options tune a single Split call.
type Options struct {
	// ForceSplit splits even a SIMPLE-scope task instead of returning it
	// as a single step.
	ForceSplit bool
}

// Proxy composes the LLM client with the heuristic fallback. Whatever
// path is taken, the returned steps satisfy every MicroStep invariant;
// LLM errors never propagate to the caller.
type Proxy struct {
	llm       llm.Client
	heuristic *HeuristicSplitter
	cfg       config.SplitConfig
}

// NewProxy builds a SplitProxy around the given LLM client.
func NewProxy(client llm.Client, heuristic *HeuristicSplitter, cfg config.SplitConfig) *Proxy {
	return &Proxy{llm: client, heuristic: heuristic, cfg: cfg}
}

// llmStep is the reply schema requested from the model. Strict decoding
// in the LLM client rejects replies that carry anything else.
type llmStep struct {
	Description      string `json:"description"`
	ShortLabel       string `json:"short_label"`
	Icon             string `json:"icon"`
	EstimatedMinutes int    `json:"estimated_minutes"`
	DelegationMode   string `json:"delegation_mode"`
}

type llmSplitReply struct {
	Steps []llmStep `json:"steps"`
}

// Split breaks a task into micro-steps. SIMPLE-scope tasks come back as a
// single step unless opts.ForceSplit; everything else goes through the
// LLM with heuristic fallback and invariant-enforcing post-processing.
func (p *Proxy) Split(ctx context.Context, task *models.Task, opts Options) []models.MicroStep {
	scope := task.Scope
	if scope == "" {
		scope = models.ScopeFromHours(task.EstimatedHours)
	}

	if scope == models.ScopeSimple && !opts.ForceSplit {
		return []models.MicroStep{p.singleStep(task)}
	}

	var reply llmSplitReply
	err := p.llm.Complete(ctx, llm.Request{
		Messages:    p.prompt(task),
		MaxTokens:   512,
		Temperature: 0.3,
		Deadline:    splitDeadline,
	}, &reply)
	if err != nil {
		slog.Debug("LLM split failed, using heuristic", "task_id", task.TaskID, "error", err)
		return p.heuristic.Split(task)
	}

	steps := p.postProcess(reply.Steps)
	if len(steps) < minValidSteps {
		slog.Debug("LLM split yielded too few valid steps, using heuristic",
			"task_id", task.TaskID, "valid", len(steps))
		return p.heuristic.Split(task)
	}
	return steps
}

// singleStep returns the task itself as one HUMAN step, minutes clamped
// into the leaf bound.
func (p *Proxy) singleStep(task *models.Task) models.MicroStep {
	minutes := int(task.EstimatedHours * 60)
	return models.MicroStep{
		StepNumber:       1,
		Description:      task.Title,
		EstimatedMinutes: models.ClampEstimatedMinutes(models.LeafHuman, minutes),
		DelegationMode:   models.DelegationDo,
		LeafType:         models.LeafHuman,
		Status:           models.StepStatusTodo,
		IsLeaf:           true,
	}
}

func (p *Proxy) prompt(task *models.Task) []llm.Message {
	system := fmt.Sprintf(`You break tasks into tiny actionable micro-steps of 2-5 minutes each.
Reply with a single JSON object: {"steps":[{"description":...,"short_label":...,"icon":...,"estimated_minutes":...,"delegation_mode":...}]}.
short_label is 1-2 words, icon is one emoji, delegation_mode is one of DO, DO_WITH_ME, DELEGATE, DELETE.
Aim for %d minutes per step. No prose outside the JSON.`, p.cfg.TargetMinutes)

	user := "Task: " + task.Title
	if task.Description != "" {
		user += "\nDetails: " + task.Description
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}
}

// postProcess enforces the MicroStep invariants on an LLM batch: empty
// descriptions are dropped, over-long steps are exploded into parts that
// preserve order, minutes are clamped into [2,5], step numbers become a
// contiguous 1..N sequence, and the opening step is made the shortest.
func (p *Proxy) postProcess(raw []llmStep) []models.MicroStep {
	var steps []models.MicroStep
	for _, rs := range raw {
		desc := strings.TrimSpace(rs.Description)
		if desc == "" {
			continue
		}
		// Leave headroom for the part suffix and the starter prefix so
		// derived descriptions stay within the 500-char bound.
		if len(desc) > models.MaxStepDescriptionLen-20 {
			desc = strings.ToValidUTF8(desc[:models.MaxStepDescriptionLen-20], "")
		}
		for _, part := range explode(desc, rs.EstimatedMinutes) {
			step := models.MicroStep{
				Description:      part.description,
				EstimatedMinutes: part.minutes,
				DelegationMode:   parseDelegation(rs.DelegationMode),
				LeafType:         models.LeafHuman,
				Status:           models.StepStatusTodo,
				IsLeaf:           true,
			}
			if label := strings.TrimSpace(rs.ShortLabel); label != "" {
				step.ShortLabel = &label
			}
			if icon := strings.TrimSpace(rs.Icon); icon != "" {
				step.Icon = &icon
			}
			steps = append(steps, step)
		}
	}
	if len(steps) == 0 {
		return nil
	}

	steps = frontLoadShortest(steps)
	for i := range steps {
		steps[i].StepNumber = i + 1
	}
	return steps
}

type part struct {
	description string
	minutes     int
}

// explode turns an over-long step into ceil(minutes/5) ordered parts, each
// within [2,5]. Minutes at or under the bound clamp in place.
func explode(desc string, minutes int) []part {
	if minutes <= models.HumanMaxMinutes {
		return []part{{desc, models.ClampEstimatedMinutes(models.LeafHuman, minutes)}}
	}
	n := (minutes + models.HumanMaxMinutes - 1) / models.HumanMaxMinutes
	base := minutes / n
	rem := minutes % n
	parts := make([]part, n)
	for i := range parts {
		m := base
		if i < rem {
			m++
		}
		parts[i] = part{
			description: fmt.Sprintf("%s (%d/%d)", desc, i+1, n),
			minutes:     models.ClampEstimatedMinutes(models.LeafHuman, m),
		}
	}
	return parts
}

// frontLoadShortest guarantees the first returned step is the easiest:
// if the opening step is not already tied for the minimum estimate, a
// 2-minute starter derived from it is prepended. Reordering would break
// the batch's intent order, so nothing is moved.
func frontLoadShortest(steps []models.MicroStep) []models.MicroStep {
	minMinutes := steps[0].EstimatedMinutes
	for _, s := range steps[1:] {
		if s.EstimatedMinutes < minMinutes {
			minMinutes = s.EstimatedMinutes
		}
	}
	if steps[0].EstimatedMinutes == minMinutes {
		return steps
	}
	label := "Start"
	icon := "▶️"
	starter := models.MicroStep{
		Description:      "Get set up: " + steps[0].Description,
		ShortLabel:       &label,
		Icon:             &icon,
		EstimatedMinutes: models.HumanMinMinutes,
		DelegationMode:   models.DelegationDo,
		LeafType:         models.LeafHuman,
		Status:           models.StepStatusTodo,
		IsLeaf:           true,
	}
	return append([]models.MicroStep{starter}, steps...)
}

func parseDelegation(s string) models.DelegationMode {
	switch models.DelegationMode(strings.ToUpper(strings.TrimSpace(s))) {
	case models.DelegationDoWithMe:
		return models.DelegationDoWithMe
	case models.DelegationDelegate:
		return models.DelegationDelegate
	case models.DelegationDelete:
		return models.DelegationDelete
	default:
		return models.DelegationDo
	}
}
