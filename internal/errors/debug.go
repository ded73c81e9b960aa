package errors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kestrelml/kestrel/syntax"
	"github.com/kestrelml/kestrel/value"
)

// DebugInfo is a snapshot of debug information captured during rendering.
//
// It is attached to an Error only when the owning Environment has debug
// mode enabled.
type DebugInfo struct {
	// TemplateSource is the full source of the template that raised the error.
	TemplateSource string

	// ReferencedLocals holds the names and values of variables referenced by
	// the failing expression, captured at the point of failure.
	ReferencedLocals map[string]value.Value
}

// renderWithDebug renders the error message followed by a caret-annotated
// source window and the referenced-variable snapshot, then recurses into
// the cause chain.
func (e *Error) renderWithDebug() string {
	var b strings.Builder
	e.writeWithDebug(&b, true)
	return b.String()
}

func (e *Error) writeWithDebug(b *strings.Builder, includeChain bool) {
	b.WriteString(e.plainMessage())

	if e.DebugInfo != nil {
		renderDebugInfo(b, e)
	}

	if includeChain {
		cause := e.Cause
		for cause != nil {
			b.WriteString("\n\ncaused by: ")
			next, ok := cause.(*Error)
			if !ok {
				fmt.Fprintf(b, "%v", cause)
				break
			}
			next.writeWithDebug(b, false)
			cause = next.Cause
		}
	}
}

func renderDebugInfo(b *strings.Builder, e *Error) {
	info := e.DebugInfo
	if info == nil {
		return
	}

	if info.TemplateSource != "" {
		title := fmt.Sprintf(" %s ", templateTitle(e.Name))
		b.WriteString("\n")
		b.WriteString(centerLine(title, '-', 79))
		b.WriteString("\n")

		lines := strings.Split(info.TemplateSource, "\n")
		lineIdx := 0
		if e.Span != nil && e.Span.StartLine > 0 {
			lineIdx = int(e.Span.StartLine - 1)
		}
		if lineIdx >= len(lines) {
			lineIdx = len(lines) - 1
		}
		if lineIdx < 0 {
			lineIdx = 0
		}

		skip := lineIdx - 3
		if skip < 0 {
			skip = 0
		}
		for idx := skip; idx < lineIdx && idx < len(lines); idx++ {
			fmt.Fprintf(b, "%4d | %s\n", idx+1, lines[idx])
		}

		if lineIdx < len(lines) {
			fmt.Fprintf(b, "%4d > %s\n", lineIdx+1, lines[lineIdx])
		}

		if e.Span != nil && e.Span.StartLine == e.Span.EndLine {
			fmt.Fprintf(
				b,
				"     i %s%s %s\n",
				strings.Repeat(" ", int(e.Span.StartCol)),
				strings.Repeat("^", caretWidth(e.Span)),
				e.Kind,
			)
		}

		for idx := lineIdx + 1; idx <= lineIdx+3 && idx < len(lines); idx++ {
			fmt.Fprintf(b, "%4d | %s\n", idx+1, lines[idx])
		}
		b.WriteString(strings.Repeat("~", 79))
	}

	b.WriteString("\n")
	renderReferencedLocals(b, info.ReferencedLocals)
	b.WriteString(strings.Repeat("-", 79))
}

func renderReferencedLocals(b *strings.Builder, locals map[string]value.Value) {
	if len(locals) == 0 {
		b.WriteString("No referenced variables\n")
		return
	}

	b.WriteString("Referenced variables:\n")
	keys := make([]string, 0, len(locals))
	for key := range locals {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(b, "    %s: %s\n", key, locals[key].Repr())
	}
}

func caretWidth(span *syntax.Span) int {
	if span == nil {
		return 0
	}
	if span.EndCol <= span.StartCol {
		return 1
	}
	return int(span.EndCol - span.StartCol)
}

func templateTitle(name string) string {
	if name == "" {
		return "Template Source"
	}
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' })
	if len(parts) == 0 {
		return "Template Source"
	}
	return parts[len(parts)-1]
}

func centerLine(title string, fill rune, width int) string {
	if len(title) >= width {
		return title
	}
	pad := width - len(title)
	left := pad / 2
	right := pad - left
	return strings.Repeat(string(fill), left) + title + strings.Repeat(string(fill), right)
}
