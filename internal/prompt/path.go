package prompt

import (
	"path/filepath"
	"regexp"
	"strings"
)

const (
	webpackPrefix = "webpack-internal:///"
	filePrefix    = "file://"
)

var stackPathPattern = regexp.MustCompile(`(?i)([^\s()]+?\.(?:[jt]sx?|mdx?))`)

// NormalizeFilePath strips bundler and URL prefixes from a file hint. Absolute
// paths inside root become root-relative; absolute paths outside root are
// returned unchanged. It returns "" when nothing usable remains.
func NormalizeFilePath(raw, root string) string {
	sanitized := strings.TrimSpace(raw)
	sanitized = strings.TrimPrefix(sanitized, webpackPrefix)
	sanitized = strings.TrimPrefix(sanitized, filePrefix)
	sanitized = strings.TrimPrefix(sanitized, "./")
	if sanitized == "" {
		return ""
	}

	if filepath.IsAbs(sanitized) && root != "" {
		relative, err := filepath.Rel(root, sanitized)
		if err != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
			return sanitized
		}
		return relative
	}
	return sanitized
}

// PathFromStackTrace returns the first source-file token in stack that is not
// under node_modules, with bundler prefixes removed.
func PathFromStackTrace(stack string) string {
	for _, match := range stackPathPattern.FindAllStringSubmatch(stack, -1) {
		candidate := strings.TrimSpace(match[1])
		if candidate == "" {
			continue
		}
		if strings.Contains(candidate, "node_modules/") || strings.Contains(candidate, `node_modules\`) {
			continue
		}
		candidate = strings.TrimPrefix(candidate, webpackPrefix)
		candidate = strings.TrimPrefix(candidate, "./")
		if candidate == "" {
			continue
		}
		return candidate
	}
	return ""
}

// TargetFile picks the file the agent should open. An explicit filePath wins;
// the stack trace is consulted only when no filePath was sent at all.
func TargetFile(filePath, stackTrace, root string) string {
	if direct := NormalizeFilePath(filePath, root); direct != "" {
		return direct
	}
	if strings.TrimSpace(filePath) != "" {
		return ""
	}
	return NormalizeFilePath(PathFromStackTrace(stackTrace), root)
}
