package selection

import (
	"path"
	"regexp"
	"strings"
)

var (
	stackPathPattern = regexp.MustCompile(`\b(?:in\s+|at\s+)((?:[A-Za-z]:)?/?[^:\s)]+?\.(?:[jt]sx?|mdx?))`)
	drivePattern     = regexp.MustCompile(`^[A-Za-z]:/`)
)

// DeriveFilePath finds the first source path in a code location and returns
// it relative to root. Paths under node_modules are skipped. An absolute
// path outside root, or a relative one escaping it, yields "".
func DeriveFilePath(codeLocation, root string) string {
	for _, match := range stackPathPattern.FindAllStringSubmatch(codeLocation, -1) {
		candidate := strings.TrimSpace(match[1])
		if candidate == "" {
			continue
		}
		if strings.Contains(candidate, "node_modules/") || strings.Contains(candidate, `node_modules\`) {
			continue
		}
		return relativeToRoot(candidate, root)
	}
	return ""
}

func relativeToRoot(candidate, root string) string {
	candidate = strings.ReplaceAll(candidate, `\`, "/")
	root = strings.TrimRight(strings.ReplaceAll(strings.TrimSpace(root), `\`, "/"), "/")

	cleaned := path.Clean(candidate)
	if isAbsolute(candidate) {
		if root == "" {
			return cleaned
		}
		if strings.HasPrefix(cleaned, root+"/") {
			return strings.TrimPrefix(cleaned, root+"/")
		}
		return ""
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return ""
	}
	return cleaned
}

func isAbsolute(p string) bool {
	return strings.HasPrefix(p, "/") || drivePattern.MatchString(p)
}
