// Package errors defines the structured error type the template engine
// returns from every fallible operation, and the cause-chain plumbing
// built on top of github.com/juju/errors.
package errors

import (
	"fmt"

	jujuerrors "github.com/juju/errors"

	"github.com/kestrelml/kestrel/syntax"
)

// ErrorKind describes the type of error that occurred during template processing.
//
// MiniJinja distinguishes between different error types to help identify the
// source of problems in templates. Each error kind corresponds to a specific
// category of template processing error.
type ErrorKind int

const (
	// ErrSyntax indicates a syntax error in the template.
	ErrSyntax ErrorKind = iota

	// ErrUndefinedVar indicates an undefined variable was accessed.
	ErrUndefinedVar

	// ErrUnknownFilter indicates an unknown filter was used.
	ErrUnknownFilter

	// ErrUnknownTest indicates an unknown test was used.
	ErrUnknownTest

	// ErrUnknownFunction indicates an unknown function was called.
	ErrUnknownFunction

	// ErrInvalidOperation indicates an invalid operation was attempted.
	ErrInvalidOperation

	// ErrTemplateNotFound indicates a template could not be found.
	ErrTemplateNotFound

	// ErrBadEscape indicates an escaping error occurred.
	ErrBadEscape

	// ErrUnknownBlock indicates an unknown block was referenced.
	ErrUnknownBlock

	// ErrMissingArgument indicates a required argument was not provided.
	ErrMissingArgument

	// ErrTooManyArguments indicates too many arguments were provided.
	ErrTooManyArguments

	// ErrBadInclude indicates an error with template inclusion.
	ErrBadInclude

	// ErrOutOfFuel indicates a render exceeded its configured instruction budget.
	ErrOutOfFuel

	// ErrEvalBlock indicates a block evaluation (e.g. super()) failed.
	ErrEvalBlock

	// ErrCancelled indicates a render was aborted via its cancellation signal.
	ErrCancelled
)

// String returns a human-readable string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrSyntax:
		return "syntax error"
	case ErrUndefinedVar:
		return "undefined variable"
	case ErrUnknownFilter:
		return "unknown filter"
	case ErrUnknownTest:
		return "unknown test"
	case ErrUnknownFunction:
		return "unknown function"
	case ErrInvalidOperation:
		return "invalid operation"
	case ErrTemplateNotFound:
		return "template not found"
	case ErrBadEscape:
		return "bad escape"
	case ErrUnknownBlock:
		return "unknown block"
	case ErrMissingArgument:
		return "missing argument"
	case ErrTooManyArguments:
		return "too many arguments"
	case ErrBadInclude:
		return "bad include"
	case ErrOutOfFuel:
		return "out of fuel"
	case ErrEvalBlock:
		return "error evaluating block"
	case ErrCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// Error represents an error that occurred during template processing.
//
// Error provides detailed information about what went wrong, including the
// error kind, a descriptive message, the location in the template source
// where the error occurred, and the template name. When a cause is attached
// with WithCause, Error forms a chain that RootCause(err) walks to recover
// the innermost failure (e.g. the TemplateNotFound underneath a BadInclude).
type Error struct {
	// Kind is the category of error that occurred.
	Kind ErrorKind

	// Message is a human-readable description of what went wrong.
	Message string

	// Span indicates the location in the source where the error occurred.
	// May be nil if location information is not available.
	Span *syntax.Span

	// Name is the template name where the error occurred.
	// May be empty for templates created from strings without names.
	Name string

	// Source is the template source code.
	// Used for error display and debugging.
	Source string

	// Cause is the underlying error that triggered this one, if any. A
	// cause that is itself an *Error is stored as-is; any other cause is
	// wrapped with github.com/juju/errors (see WithCause).
	Cause error

	// DebugInfo holds a snapshot of referenced variables captured when the
	// environment's debug mode is enabled. Nil otherwise.
	DebugInfo *DebugInfo

	// RenderID identifies the render that produced this error, so that
	// overlapping concurrent renders against one Environment can be told
	// apart in logs and error reports. Empty if the error originated
	// outside of a render (e.g. a parse error from AddTemplate).
	RenderID string
}

// Error returns a formatted error message string.
func (e *Error) Error() string {
	if e.DebugInfo != nil {
		return e.renderWithDebug()
	}
	return e.plainMessage()
}

// plainMessage formats the error kind, message, and location, without any
// debug snapshot or cause-chain rendering.
func (e *Error) plainMessage() string {
	if e.Name != "" && e.Span != nil {
		return fmt.Sprintf("%s: %s (at %s line %d)", e.Kind, e.Message, e.Name, e.Span.StartLine)
	}
	if e.Span != nil {
		return fmt.Sprintf("%s: %s (at line %d)", e.Kind, e.Message, e.Span.StartLine)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any, so that the standard
// errors.Is/errors.As machinery (and this package's own chain rendering)
// can walk it.
func (e *Error) Unwrap() error {
	return e.Cause
}

// RootCause recovers the innermost error in the cause chain, unwrapping
// both *Error nesting and any juju/errors annotation layers.
func RootCause(err error) error {
	for {
		e, ok := err.(*Error)
		if !ok || e.Cause == nil {
			break
		}
		err = e.Cause
	}
	return jujuerrors.Cause(err)
}

// NewError creates a new error with the given kind and message.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WithSpan adds source location information to an error.
func (e *Error) WithSpan(span syntax.Span) *Error {
	e.Span = &span
	return e
}

// WithName adds template name information to an error.
func (e *Error) WithName(name string) *Error {
	e.Name = name
	return e
}

// WithSource adds the source code to an error.
func (e *Error) WithSource(source string) *Error {
	e.Source = source
	return e
}

// WithCause attaches an underlying cause to an error, forming a chain.
//
// When the cause is itself one of this package's structured errors (the
// common case: a BadInclude wrapping the included template's own
// TemplateNotFound), it is kept as-is so the chain can be walked by type.
// Opaque causes from outside the engine (a custom loader, filter, or test
// function returning a plain error) are wrapped with github.com/juju/errors
// so a stack trace is captured at the point the engine first saw them.
func (e *Error) WithCause(cause error) *Error {
	if cause == nil {
		e.Cause = nil
		return e
	}
	if _, ok := cause.(*Error); ok {
		e.Cause = cause
		return e
	}
	e.Cause = jujuerrors.Trace(cause)
	return e
}

// WithDebugInfo attaches a debug snapshot to an error.
func (e *Error) WithDebugInfo(info DebugInfo) *Error {
	e.DebugInfo = &info
	return e
}

// WithRenderID tags an error with the id of the render that produced it.
func (e *Error) WithRenderID(id string) *Error {
	e.RenderID = id
	return e
}
