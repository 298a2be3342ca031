package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an invocation failure.
type ErrorKind string

const (
	CompileError     ErrorKind = "compile_error"
	LinkError        ErrorKind = "link_error"
	EvalError        ErrorKind = "eval_error"
	ExportShapeError ErrorKind = "export_shape_error"
	MarshalError     ErrorKind = "marshal_error"
	HandlerError     ErrorKind = "handler_error"
	ResultTypeError  ErrorKind = "result_type_error"
	EngineFatalError ErrorKind = "engine_fatal_error"
	// TimeoutError is reported when a call is interrupted by the execution
	// deadline or by cancellation of the caller's context.
	TimeoutError ErrorKind = "timeout_error"
)

// Error is the single error type returned from an invocation.
type Error struct {
	Kind       ErrorKind
	FunctionID string
	Message    string
	Err        error
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.FunctionID != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.FunctionID, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or "" if
// there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
