package cursor

import (
	"fmt"
	"strings"
)

var (
	buildToolKeywords   = []string{"apply", "write", "patch", "build"}
	analyzeToolKeywords = []string{"plan", "analy"}
)

// Describe maps one parsed agent event onto a short human status line. It
// returns "" when the event carries nothing worth reporting. Unknown shapes
// fall through to a generic "Event: <type>[/<subtype>]" description.
func Describe(event map[string]any) string {
	if event == nil {
		return ""
	}
	eventType := stringField(event, "type")
	subtype := stringField(event, "subtype")
	message, hasMessage := event["message"].(string)

	switch eventType {
	case "system":
		switch {
		case subtype == "init":
			return "Initializing agent…"
		case subtype == "progress" && hasMessage:
			return message
		case subtype == "completed":
			return "Agent ready."
		case subtype != "":
			return "System update: " + subtype
		default:
			return "System update."
		}
	case "assistant":
		return "Thinking…"
	case "tool_call":
		return describeToolCall(event, subtype)
	case "result":
		return "Finalizing changes…"
	case "error":
		if hasMessage {
			return "Error: " + message
		}
		return "Agent reported an error."
	}

	if hasMessage {
		return message
	}
	if eventType == "" {
		return ""
	}
	if subtype != "" {
		return fmt.Sprintf("Event: %s/%s", eventType, subtype)
	}
	return "Event: " + eventType
}

func describeToolCall(event map[string]any, subtype string) string {
	toolName := "Tool"
	if tool, ok := event["tool"].(map[string]any); ok {
		if name, ok := tool["name"].(string); ok {
			toolName = name
		}
	}
	normalized := strings.ToLower(toolName)

	switch subtype {
	case "started":
		if containsAny(normalized, buildToolKeywords) {
			return "Building changes…"
		}
		if containsAny(normalized, analyzeToolKeywords) {
			return "Analyzing project…"
		}
		return fmt.Sprintf("Running %s…", toolName)
	case "completed":
		if containsAny(normalized, buildToolKeywords) {
			return "Build step complete."
		}
		return toolName + " finished."
	case "":
		return toolName + " update…"
	default:
		return fmt.Sprintf("%s %s…", toolName, subtype)
	}
}

// carriesAssistantText reports whether text should be extracted from an
// event of this type.
func carriesAssistantText(event map[string]any) bool {
	switch stringField(event, "type") {
	case "assistant", "result":
		return true
	default:
		return false
	}
}

func stringField(event map[string]any, key string) string {
	value, _ := event[key].(string)
	return value
}

func containsAny(value string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(value, keyword) {
			return true
		}
	}
	return false
}
