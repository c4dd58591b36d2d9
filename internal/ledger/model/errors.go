package model

import (
	"errors"
	"fmt"
)

// Code classifies a rejected operation so that a calling layer can decide
// whether to retry, surface a validation message, or give up.
type Code string

const (
	CodeAlreadyExists           Code = "AlreadyExists"
	CodeNotFound                Code = "NotFound"
	CodeInvalidInput            Code = "InvalidInput"
	CodeImmutableFieldViolation Code = "ImmutableFieldViolation"
	CodeInvalidTransition       Code = "InvalidTransition"
	CodeInvalidSelector         Code = "InvalidSelector"
	CodeStaleRead               Code = "StaleRead"
	// CodeInternal marks infrastructure faults (storage, ordering) rather than
	// a property of the caller's request.
	CodeInternal Code = "Internal"
)

// Retryable reports whether resubmitting a fresh transaction may succeed.
// Only optimistic-concurrency conflicts qualify.
func (c Code) Retryable() bool { return c == CodeStaleRead }

// Error is the structured error returned for every rejected operation.
// It serialises as {"code": ..., "message": ...}.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// Is lets errors.Is match on code alone, e.g. errors.Is(err, model.ErrNotFound).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Code-only sentinels for use with errors.Is.
var (
	ErrAlreadyExists           = &Error{Code: CodeAlreadyExists}
	ErrNotFound                = &Error{Code: CodeNotFound}
	ErrInvalidInput            = &Error{Code: CodeInvalidInput}
	ErrImmutableFieldViolation = &Error{Code: CodeImmutableFieldViolation}
	ErrInvalidTransition       = &Error{Code: CodeInvalidTransition}
	ErrInvalidSelector         = &Error{Code: CodeInvalidSelector}
	ErrStaleRead               = &Error{Code: CodeStaleRead}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code carried by err, CodeInternal for any other non-nil
// error, and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// AsError converts any error into an *Error, hiding the detail of
// infrastructure faults behind a generic message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}
