// Package split turns a Task into a list of MicroSteps. The SplitProxy
// composes the LLM path with the deterministic heuristic fallback and
// guarantees the 2–5 minute invariant on everything it returns.
package split

import (
	"strings"

	"github.com/blopit/microtask/pkg/models"
)

// templateStep is one step of a keyword template. Minutes are already
// within the HUMAN leaf bound, so template output needs no clamping.
type templateStep struct {
	description string
	label       string
	icon        string
	minutes     int
}

// stepTemplate maps a title keyword to a canned step sequence. The first
// step of every template is a begin/gather step to reduce initiation
// friction.
type stepTemplate struct {
	keywords []string
	steps    []templateStep
}

// Template order is match priority: the first template whose keyword
// appears in the title wins, so a title like "write research plan" is
// deterministic.
var templates = []stepTemplate{
	{
		keywords: []string{"email", "reply", "inbox"},
		steps: []templateStep{
			{"Open your inbox and find the relevant thread", "Open", "📬", 2},
			{"Read the latest message and note what needs answering", "Read", "👀", 3},
			{"Draft a short reply covering each point", "Draft", "✍️", 5},
			{"Proofread and send", "Send", "📤", 2},
		},
	},
	{
		keywords: []string{"research", "find out", "look up", "compare"},
		steps: []templateStep{
			{"Write down the exact question you want answered", "Question", "❓", 2},
			{"Open a search and skim the top results", "Search", "🔎", 4},
			{"Capture the three most useful findings in your notes", "Notes", "📝", 5},
			{"Decide the next concrete action from what you learned", "Decide", "✅", 3},
		},
	},
	{
		keywords: []string{"write", "draft", "document", "report"},
		steps: []templateStep{
			{"Open a blank document and write the working title", "Start", "📄", 2},
			{"List the points you want to make as bullets", "Outline", "🗂️", 4},
			{"Expand the first bullet into full sentences", "Expand", "✍️", 5},
			{"Expand the remaining bullets", "Continue", "✍️", 5},
			{"Read it once end to end and fix what jars", "Review", "🔁", 4},
		},
	},
	{
		keywords: []string{"plan", "organize", "organise", "schedule"},
		steps: []templateStep{
			{"Write the goal in one sentence", "Goal", "🎯", 2},
			{"List everything that has to happen, unordered", "Brain dump", "🧠", 5},
			{"Order the list and mark the first three actions", "Order", "📋", 4},
			{"Put the first action on your calendar", "Calendar", "📅", 3},
		},
	},
	{
		keywords: []string{"meeting", "call", "sync", "1:1"},
		steps: []templateStep{
			{"Write down what a good outcome of the meeting looks like", "Outcome", "🎯", 2},
			{"List the two or three things you must raise", "Agenda", "📋", 4},
			{"Send the agenda to the other attendees", "Share", "📤", 3},
		},
	},
	{
		keywords: []string{"buy", "order", "shop", "purchase"},
		steps: []templateStep{
			{"Write down exactly what you need and any constraints", "Define", "📝", 2},
			{"Find two or three options that fit", "Options", "🔎", 5},
			{"Pick one and place the order", "Order", "🛒", 4},
		},
	},
	{
		keywords: []string{"clean", "tidy", "declutter"},
		steps: []templateStep{
			{"Grab a bag and pick the first surface to clear", "Gather", "🧺", 2},
			{"Set a timer and clear one surface completely", "One surface", "⏲️", 5},
			{"Put away everything that has a home", "Put away", "🏠", 5},
			{"Bag up anything that is trash or giveaway", "Bag up", "🗑️", 4},
		},
	},
}

// genericSteps is the fallback when no keyword matches. Deliberately
// content-free so it works for any utterance.
var genericSteps = []templateStep{
	{"Gather what you need and open the relevant app or page", "Gather", "🧰", 2},
	{"Do the first small piece of the task", "First piece", "▶️", 5},
	{"Do the next piece, or finish if it is small", "Next piece", "⏭️", 5},
	{"Check the result and note any follow-up", "Check", "✅", 3},
}

// HeuristicSplitter produces valid micro-steps from keyword rules, with no
// network I/O. Deterministic for a given input.
type HeuristicSplitter struct{}

// NewHeuristicSplitter returns the deterministic fallback splitter.
func NewHeuristicSplitter() *HeuristicSplitter {
	return &HeuristicSplitter{}
}

// Split emits 3–6 steps from the template matching the task title, each
// satisfying every MicroStep invariant: minutes in [2,5], short label,
// icon, delegation_mode DO, leaf_type HUMAN.
func (h *HeuristicSplitter) Split(task *models.Task) []models.MicroStep {
	title := strings.ToLower(task.Title + " " + task.Description)
	chosen := genericSteps
	for _, tpl := range templates {
		if matchesAny(title, tpl.keywords) {
			chosen = tpl.steps
			break
		}
	}

	steps := make([]models.MicroStep, len(chosen))
	for i, ts := range chosen {
		label := ts.label
		icon := ts.icon
		steps[i] = models.MicroStep{
			StepNumber:       i + 1,
			Description:      ts.description,
			ShortLabel:       &label,
			Icon:             &icon,
			EstimatedMinutes: ts.minutes,
			DelegationMode:   models.DelegationDo,
			LeafType:         models.LeafHuman,
			Status:           models.StepStatusTodo,
			IsLeaf:           true,
		}
	}
	return steps
}

func matchesAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
