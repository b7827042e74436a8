package runtime

import (
	"fmt"

	"github.com/MinLL/inja/nodes"
)

// ErrorKind classifies engine errors.
type ErrorKind string

const (
	ErrParse               ErrorKind = "parse_error"
	ErrVariableNotFound    ErrorKind = "variable_not_found"
	ErrEmptyExpression     ErrorKind = "empty_expression"
	ErrMalformedExpression ErrorKind = "malformed_expression"
	ErrTypeMismatch        ErrorKind = "type_mismatch"
	ErrDivisionByZero      ErrorKind = "division_by_zero"
	ErrMemberMissing       ErrorKind = "member_missing"
	ErrIndexOutOfRange     ErrorKind = "index_out_of_range"
	ErrFunctionNotFound    ErrorKind = "function_not_found"
	ErrBadOperationInput   ErrorKind = "bad_operation_input"
	ErrSuperMisuse         ErrorKind = "super_misuse"
	ErrMissingInclude      ErrorKind = "missing_include"
	ErrMissingExtends      ErrorKind = "missing_extends"
	ErrEmptyArray          ErrorKind = "empty_array"
	ErrFile                ErrorKind = "file_error"
)

// Error is an engine error with its source position.
type Error struct {
	Kind     ErrorKind
	Message  string
	Location nodes.SourceLocation
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Location.Line > 0 {
		if e.Location.Column > 0 {
			return fmt.Sprintf("%s at line %d, column %d: %s", e.Kind, e.Location.Line, e.Location.Column, e.Message)
		}
		return fmt.Sprintf("%s at line %d: %s", e.Kind, e.Location.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an engine error.
func NewError(kind ErrorKind, message string, location nodes.SourceLocation) *Error {
	return &Error{Kind: kind, Message: message, Location: location}
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// RenderErrorInfo is one entry of the graceful-mode error list: the failure
// message, where it happened, and the template text that was emitted in
// place of the failed expression.
type RenderErrorInfo struct {
	Message      string
	Location     nodes.SourceLocation
	OriginalText string
}
