package registry

import (
	"errors"
	"fmt"
)

// Code is the compact error enumeration surfaced at every boundary (spec §7).
type Code int

const (
	CodeGeneric Code = iota
	CodeNoSuchObject
	CodeObjectExists
	CodeInvalidArgs
	CodeInternalError
	CodeNotImplemented
)

func (c Code) String() string {
	switch c {
	case CodeGeneric:
		return "Generic"
	case CodeNoSuchObject:
		return "NoSuchObject"
	case CodeObjectExists:
		return "ObjectExists"
	case CodeInvalidArgs:
		return "InvalidArgs"
	case CodeInternalError:
		return "InternalError"
	case CodeNotImplemented:
		return "NotImplemented"
	default:
		return "Generic"
	}
}

// Error is a classified registry/transport error: a Code plus a
// human-readable message, per spec §7 ("a small enumeration plus a
// human-readable message").
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError constructs a classified error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs a classified error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the Code from err, defaulting to CodeGeneric for
// unclassified errors (mapping rule from spec §7: unknown errors surface
// as Generic).
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err == nil {
		return CodeGeneric
	}
	return CodeGeneric
}

// Convenience constructors for the mapping rules spelled out in spec §7.

func ErrNoSuchObject(message string) error   { return NewError(CodeNoSuchObject, message) }
func ErrObjectExists(message string) error   { return NewError(CodeObjectExists, message) }
func ErrInvalidArgs(message string) error    { return NewError(CodeInvalidArgs, message) }
func ErrNotImplemented(message string) error { return NewError(CodeNotImplemented, message) }

// ErrInternal wraps a storage/transaction failure as InternalError. Any
// storage error surfaces this way; no partial update is retained (spec §4.1
// "Failure semantics").
func ErrInternal(message string, cause error) error {
	return Wrap(CodeInternalError, message, cause)
}
