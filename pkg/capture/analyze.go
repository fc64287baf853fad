package capture

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/blopit/microtask/pkg/llm"
	"github.com/blopit/microtask/pkg/models"
)

// analyzeDeadline bounds the text-analysis stage; past it the keyword
// heuristic takes over.
const analyzeDeadline = 1 * time.Second

// analysis is what the first pipeline stage extracts from raw text.
type analysis struct {
	Title          string
	Priority       models.Priority
	EstimatedHours float64
	Tags           []string
}

// llmAnalysis is the reply schema for the LLM analysis path.
type llmAnalysis struct {
	Title          string   `json:"title"`
	Priority       string   `json:"priority"`
	EstimatedHours float64  `json:"estimated_hours"`
	Tags           []string `json:"tags"`
}

// analyze extracts title, priority, and an effort estimate from the raw
// utterance — LLM first, keyword heuristic on any failure.
func (p *Pipeline) analyze(ctx context.Context, rawText string) analysis {
	analyzeCtx, cancel := context.WithTimeout(ctx, analyzeDeadline)
	defer cancel()

	var reply llmAnalysis
	err := p.llm.Complete(analyzeCtx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: `You turn a task utterance into metadata.
Reply with one JSON object: {"title":...,"priority":"LOW|MEDIUM|HIGH|URGENT","estimated_hours":...,"tags":[...]}.
title is a short imperative restatement (max 100 chars), estimated_hours a realistic total effort. No prose.`},
			{Role: llm.RoleUser, Content: rawText},
		},
		MaxTokens:   256,
		Temperature: 0.3,
		Deadline:    analyzeDeadline,
	}, &reply)
	if err != nil {
		slog.Debug("LLM analysis failed, using heuristic", "error", err)
		return heuristicAnalyze(rawText)
	}

	a := analysis{
		Title:          strings.TrimSpace(reply.Title),
		Priority:       parsePriority(reply.Priority),
		EstimatedHours: reply.EstimatedHours,
		Tags:           reply.Tags,
	}
	if a.Title == "" {
		a.Title = titleFromText(rawText)
	}
	if a.EstimatedHours <= 0 || a.EstimatedHours > 100 {
		a.EstimatedHours = heuristicAnalyze(rawText).EstimatedHours
	}
	return a
}

// effortRule maps a keyword to an hours estimate. First match wins, so
// ordering goes from strong project signals down to quick actions.
type effortRule struct {
	keyword string
	hours   float64
}

var effortRules = []effortRule{
	{"launch", 8},
	{"build", 6},
	{"renovate", 12},
	{"move house", 16},
	{"organize", 2},
	{"organise", 2},
	{"plan", 1.5},
	{"research", 1},
	{"write", 1},
	{"prepare", 0.5},
	{"review", 0.5},
	{"reply", 0.1},
	{"respond", 0.1},
	{"send", 0.1},
	{"call", 0.15},
	{"text", 0.05},
	{"check", 0.1},
	{"email", 0.15},
}

// lastResortHours is the estimate of absolute last resort, when neither
// the LLM nor any keyword gave a scoped figure.
const lastResortHours = 0.5

// heuristicAnalyze derives metadata from keywords alone. Deterministic.
func heuristicAnalyze(rawText string) analysis {
	lowered := strings.ToLower(rawText)

	hours := 0.0
	for _, rule := range effortRules {
		if strings.Contains(lowered, rule.keyword) {
			hours = rule.hours
			break
		}
	}
	if hours == 0 {
		hours = lastResortHours
	}

	priority := models.PriorityMedium
	switch {
	case containsAny(lowered, "urgent", "asap", "right now", "immediately", "today"):
		priority = models.PriorityUrgent
	case containsAny(lowered, "important", "soon", "this week"):
		priority = models.PriorityHigh
	case containsAny(lowered, "someday", "eventually", "later", "no rush"):
		priority = models.PriorityLow
	}

	return analysis{
		Title:          titleFromText(rawText),
		Priority:       priority,
		EstimatedHours: hours,
	}
}

// titleFromText takes the first line, bounded to the Task title limit.
func titleFromText(rawText string) string {
	title := strings.TrimSpace(rawText)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if len(title) > models.MaxTitleLen {
		title = strings.ToValidUTF8(title[:models.MaxTitleLen], "")
	}
	return title
}

func parsePriority(s string) models.Priority {
	switch models.Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case models.PriorityLow:
		return models.PriorityLow
	case models.PriorityHigh:
		return models.PriorityHigh
	case models.PriorityUrgent:
		return models.PriorityUrgent
	default:
		return models.PriorityMedium
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
