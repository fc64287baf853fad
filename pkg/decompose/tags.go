package decompose

import "strings"

// tagRule maps a description keyword to a tag emoji. Rules are applied in
// order and each tag is attached at most once, so enrichment is
// deterministic.
type tagRule struct {
	keyword string
	tag     string
}

var tagRules = []tagRule{
	{"email", "📧"},
	{"call", "📞"},
	{"phone", "📞"},
	{"write", "✍️"},
	{"draft", "✍️"},
	{"research", "🔍"},
	{"search", "🔍"},
	{"buy", "🛒"},
	{"order", "🛒"},
	{"clean", "🧹"},
	{"plan", "🗓️"},
	{"schedule", "🗓️"},
	{"calendar", "🗓️"},
	{"meeting", "🤝"},
	{"read", "📖"},
	{"review", "🔁"},
	{"urgent", "🔥"},
}

// EnrichTags returns the deterministic tag set for a step description,
// preserving any tags already present.
func EnrichTags(existing []string, description string) []string {
	lowered := strings.ToLower(description)
	seen := make(map[string]bool, len(existing))
	tags := make([]string, 0, len(existing)+2)
	for _, t := range existing {
		if !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	for _, rule := range tagRules {
		if strings.Contains(lowered, rule.keyword) && !seen[rule.tag] {
			seen[rule.tag] = true
			tags = append(tags, rule.tag)
		}
	}
	return tags
}
