// Package classify annotates MicroSteps with a leaf type: DIGITAL with an
// automation plan, UNKNOWN with clarification needs, or HUMAN.
package classify

import (
	"regexp"
	"sort"
	"strings"
)

// ArgumentSpec describes one argument a handler needs. Required arguments
// missing at classification time become clarification needs.
type ArgumentSpec struct {
	Name     string
	Question string
	Required bool
	// Pattern extracts the argument's value from the step description,
	// e.g. an email address. Nil means the argument can only arrive via a
	// clarification answer.
	Pattern *regexp.Regexp
}

// Integration maps trigger keywords to a delegation handler.
type Integration struct {
	HandlerKey           string
	Keywords             []string
	Arguments            []ArgumentSpec
	ConfirmationRequired bool
	// EstimatedMinutes is the DIGITAL execution estimate, within [1,15].
	EstimatedMinutes int
}

// Registry is the immutable integration lookup table, built once at
// startup and safe for concurrent readers.
type Registry struct {
	integrations []Integration
	byKey        map[string]*Integration
}

// NewRegistry builds a registry from the given integrations. Entries are
// kept in a deterministic order (handler key) so collision tie-breaks are
// stable across processes.
func NewRegistry(integrations []Integration) *Registry {
	sorted := make([]Integration, len(integrations))
	copy(sorted, integrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].HandlerKey < sorted[j].HandlerKey })

	byKey := make(map[string]*Integration, len(sorted))
	for i := range sorted {
		byKey[sorted[i].HandlerKey] = &sorted[i]
	}
	return &Registry{integrations: sorted, byKey: byKey}
}

// Get returns the integration for a handler key.
func (r *Registry) Get(handlerKey string) (*Integration, bool) {
	in, ok := r.byKey[handlerKey]
	return in, ok
}

// Has reports whether a handler key is registered.
func (r *Registry) Has(handlerKey string) bool {
	_, ok := r.byKey[handlerKey]
	return ok
}

// Keys returns every registered handler key in deterministic order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.integrations))
	for i := range r.integrations {
		keys[i] = r.integrations[i].HandlerKey
	}
	return keys
}

// match returns every integration whose keywords appear in the text.
func (r *Registry) match(text string) []*Integration {
	lowered := strings.ToLower(text)
	var hits []*Integration
	for i := range r.integrations {
		for _, kw := range r.integrations[i].Keywords {
			if strings.Contains(lowered, kw) {
				hits = append(hits, &r.integrations[i])
				break
			}
		}
	}
	return hits
}

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// DefaultIntegrations is the built-in registry content: the handlers the
// delegation dispatcher knows how to route. External collaborators
// register their own on top at startup.
func DefaultIntegrations() []Integration {
	return []Integration{
		{
			HandlerKey: "email.send",
			Keywords:   []string{"send email", "send an email", "email to", "send the email", "reply to email"},
			Arguments: []ArgumentSpec{
				{Name: "recipient", Question: "Who should receive this email?", Required: true, Pattern: emailPattern},
				{Name: "subject", Question: "What should the subject line be?", Required: false},
			},
			ConfirmationRequired: true,
			EstimatedMinutes:     1,
		},
		{
			HandlerKey: "calendar.create",
			Keywords:   []string{"schedule a meeting", "book a meeting", "add to calendar", "calendar invite"},
			Arguments: []ArgumentSpec{
				{Name: "when", Question: "When should this be scheduled?", Required: true},
				{Name: "attendees", Question: "Who should be invited?", Required: false},
			},
			ConfirmationRequired: true,
			EstimatedMinutes:     2,
		},
		{
			HandlerKey: "reminder.set",
			Keywords:   []string{"remind me", "set a reminder", "set reminder"},
			Arguments: []ArgumentSpec{
				{Name: "when", Question: "When should the reminder fire?", Required: true},
			},
			EstimatedMinutes: 1,
		},
	}
}
