package cursor

import (
	"strings"
	"unicode/utf8"
)

// DefaultMinStatusLength is the length a status line must exceed to be
// forwarded when it is not on the allowlist.
const DefaultMinStatusLength = 30

// StatusFilter decides which classified status lines reach the client.
// Denied prefixes always drop; allowed prefixes always pass; anything else
// passes only when longer than MinLength runes.
type StatusFilter struct {
	Deny      []string
	Allow     []string
	MinLength int
	Disabled  bool
}

// DefaultStatusFilter returns the built-in policy.
func DefaultStatusFilter() StatusFilter {
	return StatusFilter{
		Deny: []string{"User event"},
		Allow: []string{
			"Initializing agent",
			"Agent ready.",
			"Thinking",
			"Building changes",
			"Analyzing project",
			"Build step complete.",
		},
		MinLength: DefaultMinStatusLength,
	}
}

// Allows reports whether message should be forwarded.
func (f StatusFilter) Allows(message string) bool {
	message = strings.TrimSpace(message)
	if message == "" {
		return false
	}
	if f.Disabled {
		return true
	}
	if matchesPhrase(message, f.Deny) {
		return false
	}
	if matchesPhrase(message, f.Allow) {
		return true
	}
	return utf8.RuneCountInString(message) > f.MinLength
}

func matchesPhrase(message string, phrases []string) bool {
	for _, phrase := range phrases {
		phrase = strings.TrimSpace(phrase)
		if phrase != "" && strings.HasPrefix(message, phrase) {
			return true
		}
	}
	return false
}
