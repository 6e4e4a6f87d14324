package cursor

import (
	"reflect"
	"strings"
)

var textKeys = []string{"text", "value", "delta", "message", "summary", "label"}

var nestedTextKeys = []string{"content", "parts", "text_delta"}

// ExtractText collects assistant text from a decoded JSON value. Strings are
// taken verbatim, arrays are concatenated in order, and objects contribute
// their text-bearing keys followed by their nested content structures.
// Containers already visited are skipped, so self-referencing input terminates.
func ExtractText(value any) string {
	var out strings.Builder
	extractInto(&out, value, map[uintptr]struct{}{})
	return out.String()
}

func extractInto(out *strings.Builder, value any, seen map[uintptr]struct{}) {
	switch typed := value.(type) {
	case nil:
		return
	case string:
		out.WriteString(typed)
	case []any:
		if len(typed) == 0 || !markSeen(seen, typed) {
			return
		}
		for _, entry := range typed {
			extractInto(out, entry, seen)
		}
	case map[string]any:
		if len(typed) == 0 || !markSeen(seen, typed) {
			return
		}
		for _, key := range textKeys {
			extractInto(out, typed[key], seen)
		}
		for _, key := range nestedTextKeys {
			extractInto(out, typed[key], seen)
		}
	}
}

func markSeen(seen map[uintptr]struct{}, container any) bool {
	ptr := reflect.ValueOf(container).Pointer()
	if _, ok := seen[ptr]; ok {
		return false
	}
	seen[ptr] = struct{}{}
	return true
}
