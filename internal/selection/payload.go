package selection

import "strings"

const (
	openTag    = "<selected_element>"
	closeTag   = "</selected_element>"
	htmlHeader = "## HTML Frame:\n"
	codeHeader = "## Code Location:\n"
)

// Payload is the two labeled sections of a copied selection. An empty field
// means the section was absent.
type Payload struct {
	HTMLFrame    string
	CodeLocation string
}

// Serialize renders p in the clipboard format produced by the selection tool.
func Serialize(p Payload) string {
	var b strings.Builder
	b.WriteString(openTag)
	b.WriteString("\n")
	b.WriteString(htmlHeader)
	b.WriteString(p.HTMLFrame)
	b.WriteString("\n\n")
	b.WriteString(codeHeader)
	b.WriteString(p.CodeLocation)
	b.WriteString("\n")
	b.WriteString(closeTag)
	return b.String()
}

// Parse extracts the markup and code location sections from text. The
// boolean reports whether text looked like a selection payload at all.
// Output of Serialize is recovered exactly; looser input is trimmed.
func Parse(text string) (Payload, bool) {
	var p Payload
	foundHTML, foundCode := false, false

	if idx := strings.Index(text, htmlHeader); idx >= 0 {
		rest := text[idx+len(htmlHeader):]
		if end := strings.Index(rest, "\n"+strings.TrimSuffix(codeHeader, "\n")); end >= 0 {
			p.HTMLFrame = strings.TrimSuffix(rest[:end], "\n")
		} else if end := strings.Index(rest, "\n"+closeTag); end >= 0 {
			p.HTMLFrame = strings.TrimSpace(rest[:end])
		} else {
			p.HTMLFrame = strings.TrimSpace(rest)
		}
		foundHTML = true
	}

	if idx := strings.Index(text, codeHeader); idx >= 0 {
		rest := text[idx+len(codeHeader):]
		if end := strings.Index(rest, "\n"+closeTag); end >= 0 {
			p.CodeLocation = rest[:end]
		} else {
			p.CodeLocation = strings.TrimSpace(rest)
		}
		foundCode = true
	}

	if !foundHTML {
		if start := strings.Index(text, openTag+"\n"); start >= 0 {
			body := text[start+len(openTag)+1:]
			if end := strings.Index(body, "\n"+closeTag); end >= 0 && !foundCode {
				p.HTMLFrame = strings.TrimSpace(body[:end])
				foundHTML = p.HTMLFrame != ""
			}
		}
	}

	return p, foundHTML || foundCode
}
