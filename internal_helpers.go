package kestrel

import (
	mjerrors "github.com/kestrelml/kestrel/internal/errors"
)

// Error, ErrorKind, and DebugInfo are re-exported from internal/errors so
// that callers outside this module never need to import it directly.
type (
	Error     = mjerrors.Error
	ErrorKind = mjerrors.ErrorKind
	DebugInfo = mjerrors.DebugInfo
)

const (
	ErrSyntax           = mjerrors.ErrSyntax
	ErrUndefinedVar     = mjerrors.ErrUndefinedVar
	ErrUnknownFilter    = mjerrors.ErrUnknownFilter
	ErrUnknownTest      = mjerrors.ErrUnknownTest
	ErrUnknownFunction  = mjerrors.ErrUnknownFunction
	ErrInvalidOperation = mjerrors.ErrInvalidOperation
	ErrTemplateNotFound = mjerrors.ErrTemplateNotFound
	ErrBadEscape        = mjerrors.ErrBadEscape
	ErrUnknownBlock     = mjerrors.ErrUnknownBlock
	ErrMissingArgument  = mjerrors.ErrMissingArgument
	ErrTooManyArguments = mjerrors.ErrTooManyArguments
	ErrBadInclude       = mjerrors.ErrBadInclude
	ErrOutOfFuel        = mjerrors.ErrOutOfFuel
	ErrEvalBlock        = mjerrors.ErrEvalBlock
	ErrCancelled        = mjerrors.ErrCancelled
)

// NewError creates a new template error of the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return mjerrors.NewError(kind, msg)
}

// RootCause recovers the innermost error in a cause chain.
func RootCause(err error) error {
	return mjerrors.RootCause(err)
}
