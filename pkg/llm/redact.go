package llm

import (
	"regexp"
	"strings"
)

// RedactedValue replaces credentials in error text before it leaves the
// client.
const RedactedValue = "[REDACTED]"

// bearerPattern catches credentials that surface inside transport error
// strings (proxies echoing the Authorization header, URL userinfo).
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+|api[_-]?key[=:]\s*)\S+`)

// redact removes the configured API key and header-shaped credentials from
// a string destined for an error or a log line.
func (c *HTTPClient) redact(s string) string {
	if c.apiKey != "" {
		s = strings.ReplaceAll(s, c.apiKey, RedactedValue)
	}
	return bearerPattern.ReplaceAllString(s, "${1}"+RedactedValue)
}
