package tui

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/glamour"
)

// glamourGutter is the margin glamour adds on both sides.
const glamourGutter = 2

// bodyRenderer renders message bodies, optionally as markdown. A renderer is
// built per width because glamour wraps at construction time.
type bodyRenderer struct {
	markdown bool
	width    int
	term     *glamour.TermRenderer
}

func newBodyRenderer(markdown bool, width int) *bodyRenderer {
	r := &bodyRenderer{markdown: markdown, width: width}
	if !markdown || width <= glamourGutter {
		return r
	}

	term, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("tokyo-night"),
		glamour.WithWordWrap(width-glamourGutter),
	)
	if err == nil {
		r.term = term
	}
	return r
}

// Render returns body ready for display. Markdown failures fall back to the
// raw text.
func (r *bodyRenderer) Render(body string) string {
	if r.term == nil {
		return body
	}

	rendered, err := r.term.Render(body)
	if err != nil {
		return body
	}

	content := strings.Trim(rendered, "\n")
	content = stripLeadingDecorative(content)
	content = stripTrailingDecorative(content)
	return content
}

// ansiPattern matches ANSI escape sequences.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// isDecorativeLine reports whether a line holds nothing but whitespace or
// horizontal rule characters once ANSI codes are removed.
func isDecorativeLine(line string) bool {
	stripped := strings.TrimSpace(ansiPattern.ReplaceAllString(line, ""))
	for _, r := range stripped {
		if r != '─' && r != '━' && r != '-' && r != '=' {
			return false
		}
	}
	return true
}

func stripLeadingDecorative(content string) string {
	lines := strings.Split(content, "\n")
	start := 0
	for start < len(lines) && isDecorativeLine(lines[start]) {
		start++
	}
	return strings.Join(lines[start:], "\n")
}

func stripTrailingDecorative(content string) string {
	lines := strings.Split(content, "\n")
	end := len(lines)
	for end > 0 && isDecorativeLine(lines[end-1]) {
		end--
	}
	return strings.Join(lines[:end], "\n")
}
