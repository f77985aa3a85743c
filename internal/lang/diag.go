package lang

import (
	"fmt"
	"strings"
)

// Syntax diagnostic codes (E200-E299).
const (
	ErrInvalidToken     = "E201" // character or literal the lexer cannot read
	ErrUnexpectedToken  = "E202" // parser expected something else
	ErrIntegerRange     = "E203" // integer literal does not fit in int64
	ErrDuplicateDecl    = "E204" // function or type declared twice
	ErrUnterminatedText = "E205" // string literal runs to end of line
	ErrSourceTooLarge   = "E206" // source exceeds MaxSourceBytes
	ErrNestingDepth     = "E207" // expression or type nests deeper than MaxNesting
)

// Diagnostic is a positioned compile-time error with a stable code.
// Codes: E1xx manifest, E2xx syntax, E3xx type, E4xx effect.
type Diagnostic struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Pos     Pos    `json:"pos"`
	Field   string `json:"field,omitempty"` // manifest field path, if any
}

// Error implements the error interface.
func (d Diagnostic) Error() string {
	switch {
	case d.Pos.IsValid() && d.Field != "":
		return fmt.Sprintf("[%s] %s %s: %s", d.Code, d.Pos, d.Field, d.Message)
	case d.Pos.IsValid():
		return fmt.Sprintf("[%s] %s: %s", d.Code, d.Pos, d.Message)
	case d.Field != "":
		return fmt.Sprintf("[%s] %s: %s", d.Code, d.Field, d.Message)
	}
	return fmt.Sprintf("[%s] %s", d.Code, d.Message)
}

// Diagnostics is a list of diagnostics that is itself an error.
type Diagnostics []Diagnostic

// Error implements the error interface.
func (ds Diagnostics) Error() string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = d.Error()
	}
	return strings.Join(parts, "\n")
}

// HasCode reports whether any diagnostic carries code.
func (ds Diagnostics) HasCode(code string) bool {
	for _, d := range ds {
		if d.Code == code {
			return true
		}
	}
	return false
}

// Render formats every diagnostic with a numbered source snippet and a
// caret under the offending column.
func (ds Diagnostics) Render(src string) string {
	var b strings.Builder
	for i, d := range ds {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(d.Render(src))
	}
	return b.String()
}

// Render formats one diagnostic with up to one line of context on each side.
//
//	[E301] 3:12: cannot unify Int with Str
//
//	   2 | fn run(ctx) =
//	   3 |   ctx.state + "x"
//	     |             ^
func (d Diagnostic) Render(src string) string {
	head := d.Error()
	if !d.Pos.IsValid() || src == "" {
		return head + "\n"
	}
	lines := strings.Split(src, "\n")
	line := min(max(d.Pos.Line, 1), len(lines))
	col := max(d.Pos.Col, 1)
	width := len(fmt.Sprint(min(line+1, len(lines))))

	var b strings.Builder
	b.WriteString(head)
	b.WriteString("\n\n")
	for n := max(line-1, 1); n <= min(line+1, len(lines)); n++ {
		fmt.Fprintf(&b, " %*d | %s\n", width, n, lines[n-1])
		if n == line {
			fmt.Fprintf(&b, " %s | %s^\n", strings.Repeat(" ", width), strings.Repeat(" ", col-1))
		}
	}
	return b.String()
}
