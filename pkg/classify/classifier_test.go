package classify

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blopit/microtask/pkg/models"
)

func newTestClassifier() *Classifier {
	return NewClassifier(NewRegistry(DefaultIntegrations()))
}

func TestClassifyDigitalWhenArgumentsPresent(t *testing.T) {
	c := newTestClassifier()
	step := &models.MicroStep{
		Description:      "send email to bob@example.com about the refund",
		EstimatedMinutes: 3,
		DelegationMode:   models.DelegationDo,
	}
	c.Classify(step)

	assert.Equal(t, models.LeafDigital, step.LeafType)
	require.NotNil(t, step.AutomationPlan)
	assert.Equal(t, "email.send", step.AutomationPlan.HandlerKey)
	assert.Equal(t, "bob@example.com", step.AutomationPlan.Arguments["recipient"])
	assert.True(t, step.AutomationPlan.ConfirmationRequired)
	assert.Equal(t, models.DelegationDelegate, step.DelegationMode)
	assert.Empty(t, step.ClarificationNeeds)
	require.NoError(t, step.Validate())
}

func TestClassifyUnknownWhenRequiredArgumentMissing(t *testing.T) {
	c := newTestClassifier()
	step := &models.MicroStep{
		Description:      "send email about refund",
		EstimatedMinutes: 3,
	}
	c.Classify(step)

	assert.Equal(t, models.LeafUnknown, step.LeafType)
	require.Len(t, step.ClarificationNeeds, 1)
	assert.Equal(t, "recipient", step.ClarificationNeeds[0].Field)
	assert.True(t, step.ClarificationNeeds[0].Required)
	require.NoError(t, step.Validate())
}

func TestClassifyHumanWhenNoMatch(t *testing.T) {
	c := newTestClassifier()
	step := &models.MicroStep{Description: "water the plants", EstimatedMinutes: 3}
	c.Classify(step)

	assert.Equal(t, models.LeafHuman, step.LeafType)
	assert.Nil(t, step.AutomationPlan)
	assert.Empty(t, step.ClarificationNeeds)
}

func TestClassifySkipsDeleteMode(t *testing.T) {
	c := newTestClassifier()
	step := &models.MicroStep{
		Description:    "send email to bob@example.com",
		DelegationMode: models.DelegationDelete,
	}
	c.Classify(step)
	assert.Equal(t, models.LeafHuman, step.LeafType)
	assert.Nil(t, step.AutomationPlan)
}

func TestClassifyTieBreakPrefersMostSatisfiedArguments(t *testing.T) {
	pattern := regexp.MustCompile(`#\d+`)
	reg := NewRegistry([]Integration{
		{
			HandlerKey: "b.handler",
			Keywords:   []string{"ticket"},
			Arguments:  []ArgumentSpec{{Name: "id", Required: true, Pattern: pattern}},
		},
		{
			HandlerKey: "a.handler",
			Keywords:   []string{"ticket"},
			Arguments:  []ArgumentSpec{{Name: "queue", Question: "Which queue?", Required: true}},
		},
	})
	c := NewClassifier(reg)

	// b.handler satisfies its required arg from the text; a.handler
	// cannot. b wins despite sorting after a.
	step := &models.MicroStep{Description: "close ticket #42", EstimatedMinutes: 3}
	c.Classify(step)
	require.NotNil(t, step.AutomationPlan)
	assert.Equal(t, "b.handler", step.AutomationPlan.HandlerKey)

	// Neither satisfies anything: deterministic collision on key order.
	step2 := &models.MicroStep{Description: "look at the ticket backlog", EstimatedMinutes: 3}
	c.Classify(step2)
	require.NotNil(t, step2.AutomationPlan)
	assert.Equal(t, "a.handler", step2.AutomationPlan.HandlerKey)
}

func TestResolveFlipsUnknownToDigital(t *testing.T) {
	c := newTestClassifier()
	step := &models.MicroStep{Description: "send email about refund", EstimatedMinutes: 3}
	c.Classify(step)
	require.Equal(t, models.LeafUnknown, step.LeafType)

	done := c.Resolve(step, "recipient", "bob@x.com")
	assert.True(t, done)
	assert.Equal(t, models.LeafDigital, step.LeafType)
	require.NotNil(t, step.AutomationPlan)
	assert.Equal(t, "email.send", step.AutomationPlan.HandlerKey)
	assert.Equal(t, "bob@x.com", step.AutomationPlan.Arguments["recipient"])
	require.NoError(t, step.Validate())
}

func TestResolvePartialAnswerKeepsUnknown(t *testing.T) {
	reg := NewRegistry([]Integration{{
		HandlerKey: "x.two",
		Keywords:   []string{"frob"},
		Arguments: []ArgumentSpec{
			{Name: "a", Question: "a?", Required: true},
			{Name: "b", Question: "b?", Required: true},
		},
	}})
	c := NewClassifier(reg)

	step := &models.MicroStep{Description: "frob the widget", EstimatedMinutes: 3}
	c.Classify(step)
	require.Len(t, step.ClarificationNeeds, 2)

	done := c.Resolve(step, "a", "one")
	assert.False(t, done)
	assert.Equal(t, models.LeafUnknown, step.LeafType)

	done = c.Resolve(step, "b", "two")
	assert.True(t, done)
	assert.Equal(t, models.LeafDigital, step.LeafType)
}

func TestRegistryDeterministicOrder(t *testing.T) {
	reg := NewRegistry([]Integration{
		{HandlerKey: "z.last"},
		{HandlerKey: "a.first"},
		{HandlerKey: "m.middle"},
	})
	assert.Equal(t, []string{"a.first", "m.middle", "z.last"}, reg.Keys())
	assert.True(t, reg.Has("m.middle"))
	_, ok := reg.Get("nope")
	assert.False(t, ok)
}
