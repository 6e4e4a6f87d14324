// Package prompt builds the single text argument handed to the agent and
// normalizes the target file hints sent by the overlay.
package prompt

import "strings"

const (
	missingHTMLFrame  = "(no HTML frame provided)"
	missingStackTrace = "(no component stack provided)"
)

// Build renders the agent prompt. Empty htmlFrame or stackTrace values are
// replaced with explicit placeholders; the output is otherwise a pure
// function of its inputs.
func Build(filePath, htmlFrame, stackTrace, instruction string) string {
	if htmlFrame == "" {
		htmlFrame = missingHTMLFrame
	}
	if stackTrace == "" {
		stackTrace = missingStackTrace
	}
	lines := []string{
		"Open " + filePath + ".",
		"Target the element matching this HTML:",
		htmlFrame,
		"",
		"and the component stack:",
		stackTrace,
		"",
		"User request: " + instruction,
	}
	return strings.Join(lines, "\n")
}
