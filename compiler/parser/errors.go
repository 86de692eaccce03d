package parser

import (
	"fmt"
	"strings"
)

// Error is a parse error with position context.  Error() renders the
// offending source line with an underline, the way the console prints
// it back to the hunter.
type Error struct {
	Msg    string
	LineNo int
	Column int
	Width  int
	Line   string
}

// newError localizes a byte offset range within src into a line and
// column and captures the source line for the message.
func newError(src string, pos, end int, msg string) *Error {
	if pos > len(src) {
		pos = len(src)
	}
	lineStart := strings.LastIndexByte(src[:pos], '\n') + 1
	lineEnd := strings.IndexByte(src[pos:], '\n')
	if lineEnd < 0 {
		lineEnd = len(src)
	} else {
		lineEnd += pos
	}
	width := end - pos
	if width < 1 || pos+width > lineEnd {
		width = 1
	}
	return &Error{
		Msg:    msg,
		LineNo: 1 + strings.Count(src[:pos], "\n"),
		Column: pos - lineStart + 1,
		Width:  width,
		Line:   src[lineStart:lineEnd],
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (line %d, column %d):\n", e.Msg, e.LineNo, e.Column)
	b.WriteString(e.Line)
	b.WriteByte('\n')
	col := e.Column - 1
	if col > len(e.Line) {
		col = len(e.Line)
	}
	b.WriteString(strings.Repeat(" ", col))
	b.WriteString(strings.Repeat("~", e.Width))
	return b.String()
}
