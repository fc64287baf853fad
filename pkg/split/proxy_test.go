package split

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blopit/microtask/pkg/config"
	"github.com/blopit/microtask/pkg/domainerr"
	"github.com/blopit/microtask/pkg/llm"
	"github.com/blopit/microtask/pkg/models"
)

// stubLLM replays a canned JSON reply, or an error.
type stubLLM struct {
	reply string
	err   error
	calls int
}

func (s *stubLLM) Complete(_ context.Context, _ llm.Request, out any) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	return json.Unmarshal([]byte(s.reply), out)
}

func testConfig() config.SplitConfig {
	return config.SplitConfig{TargetMinutes: 4, ForceSplitScope: "MULTI"}
}

func multiTask() *models.Task {
	return &models.Task{
		Title:          "prepare weekly update email",
		Scope:          models.ScopeMulti,
		EstimatedHours: 0.5,
	}
}

func TestSplitSimpleScopeReturnsSingleStep(t *testing.T) {
	client := &stubLLM{}
	p := NewProxy(client, NewHeuristicSplitter(), testConfig())

	task := &models.Task{Title: "reply to alice", Scope: models.ScopeSimple, EstimatedHours: 0.1}
	steps := p.Split(context.Background(), task, Options{})

	require.Len(t, steps, 1)
	assert.Equal(t, "reply to alice", steps[0].Description)
	assert.Equal(t, 5, steps[0].EstimatedMinutes) // 6 min estimate clamped to bound
	assert.Zero(t, client.calls, "SIMPLE scope must not call the LLM")
}

func TestSplitForceSplitOverridesSimple(t *testing.T) {
	client := &stubLLM{err: fmt.Errorf("%w: disabled", domainerr.ErrUnavailable)}
	p := NewProxy(client, NewHeuristicSplitter(), testConfig())

	task := &models.Task{Title: "reply to alice", Scope: models.ScopeSimple}
	steps := p.Split(context.Background(), task, Options{ForceSplit: true})
	assert.GreaterOrEqual(t, len(steps), 2)
}

func TestSplitClampsAndExplodesLLMSteps(t *testing.T) {
	// Scenario: 10-minute and 8-minute steps must be exploded into
	// parts, preserving draft -> body -> send order.
	client := &stubLLM{reply: `{"steps":[
		{"description":"Open draft","estimated_minutes":10},
		{"description":"Write body","estimated_minutes":8},
		{"description":"Send","estimated_minutes":2}
	]}`}
	p := NewProxy(client, NewHeuristicSplitter(), testConfig())

	steps := p.Split(context.Background(), multiTask(), Options{})
	require.GreaterOrEqual(t, len(steps), 5)
	require.NoError(t, models.ValidateSequence(steps))

	var draftIdx, bodyIdx, sendIdx int
	for i, s := range steps {
		assert.GreaterOrEqual(t, s.EstimatedMinutes, models.HumanMinMinutes)
		assert.LessOrEqual(t, s.EstimatedMinutes, models.HumanMaxMinutes)
		switch {
		case strings.Contains(s.Description, "Open draft") && draftIdx == 0:
			draftIdx = i
		case strings.Contains(s.Description, "Write body") && bodyIdx == 0:
			bodyIdx = i
		case strings.Contains(s.Description, "Send"):
			sendIdx = i
		}
	}
	assert.Less(t, draftIdx, bodyIdx, "draft before body")
	assert.Less(t, bodyIdx, sendIdx, "body before send")
}

func TestSplitFirstStepIsEasiest(t *testing.T) {
	client := &stubLLM{reply: `{"steps":[
		{"description":"Heavy lifting","estimated_minutes":5},
		{"description":"Quick check","estimated_minutes":2}
	]}`}
	p := NewProxy(client, NewHeuristicSplitter(), testConfig())

	steps := p.Split(context.Background(), multiTask(), Options{})
	require.GreaterOrEqual(t, len(steps), 3)
	for _, s := range steps[1:] {
		assert.LessOrEqual(t, steps[0].EstimatedMinutes, s.EstimatedMinutes)
	}
	// Intent order of the original steps is untouched.
	assert.Contains(t, steps[1].Description, "Heavy lifting")
	assert.Contains(t, steps[2].Description, "Quick check")
}

func TestSplitFallsBackOnLLMErrors(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("%w: boom", domainerr.ErrUnavailable),
		fmt.Errorf("%w: not json", domainerr.ErrMalformedResponse),
		fmt.Errorf("%w: slow", domainerr.ErrTimeout),
		fmt.Errorf("%w: budget", domainerr.ErrQuotaExceeded),
	} {
		p := NewProxy(&stubLLM{err: err}, NewHeuristicSplitter(), testConfig())
		steps := p.Split(context.Background(), multiTask(), Options{})
		require.NotEmpty(t, steps, "error %v must fall back, not propagate", err)
		for _, s := range steps {
			require.NoError(t, s.Validate())
		}
	}
}

func TestSplitRejectsBatchWithTooFewValidSteps(t *testing.T) {
	// Two steps, one with an empty description: fewer than 2 valid
	// remain, so the whole batch is rejected for the heuristic.
	client := &stubLLM{reply: `{"steps":[
		{"description":"   ","estimated_minutes":3},
		{"description":"Only survivor","estimated_minutes":3}
	]}`}
	p := NewProxy(client, NewHeuristicSplitter(), testConfig())

	steps := p.Split(context.Background(), multiTask(), Options{})
	require.GreaterOrEqual(t, len(steps), 3, "heuristic path expected")
	for _, s := range steps {
		assert.NotContains(t, s.Description, "Only survivor")
	}
}

func TestSplitNormalizesDelegationMode(t *testing.T) {
	client := &stubLLM{reply: `{"steps":[
		{"description":"A","estimated_minutes":3,"delegation_mode":"delegate"},
		{"description":"B","estimated_minutes":3,"delegation_mode":"definitely-not-a-mode"}
	]}`}
	p := NewProxy(client, NewHeuristicSplitter(), testConfig())

	steps := p.Split(context.Background(), multiTask(), Options{})
	require.Len(t, steps, 2)
	assert.Equal(t, models.DelegationDelegate, steps[0].DelegationMode)
	assert.Equal(t, models.DelegationDo, steps[1].DelegationMode)
}
