package schema

import "fmt"

// ParseErrorKind is the closed set of DDL rejection categories.
type ParseErrorKind string

const (
	ErrMalformed            ParseErrorKind = "malformed"
	ErrUnsupportedStatement ParseErrorKind = "unsupported_statement"
	ErrUnknownReference     ParseErrorKind = "unknown_reference"
	ErrDuplicateDefinition  ParseErrorKind = "duplicate_definition"
	ErrTooLarge             ParseErrorKind = "too_large"
)

// ParseError reports why an upload was rejected, with a 1-based position
// when one is known. Line 0 means the error is not tied to a position.
type ParseError struct {
	Kind    ParseErrorKind `json:"kind"`
	Message string         `json:"message"`
	Line    int            `json:"line,omitempty"`
	Column  int            `json:"column,omitempty"`
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s at line %d column %d: %s", e.Kind, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func errAt(kind ParseErrorKind, tok token, format string, args ...any) *ParseError {
	return &ParseError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Line:    tok.line,
		Column:  tok.col,
	}
}
