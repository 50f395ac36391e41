package errs

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and for the retry wrapper.
type Code string

const (
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"
	CodeTimeout           Code = "TIMEOUT"
	CodeTransient         Code = "TRANSIENT"
	CodeInternal          Code = "INTERNAL"
)

// Error carries an operator-readable code, the failing operation and a
// structured payload. Stack traces stay on the server side.
type Error struct {
	Code    Code
	Op      string
	Message string
	Payload map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a typed error.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap attaches a code and operation to an underlying error.
func Wrap(code Code, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Message: err.Error(), Err: err}
}

// WithPayload returns a copy of e carrying the given structured payload.
func (e *Error) WithPayload(payload map[string]interface{}) *Error {
	clone := *e
	clone.Payload = payload
	return &clone
}

// CodeOf extracts the code from an error chain. Unclassified errors are
// treated as internal.
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

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable implements the propagation policy: authentication, permission,
// validation, not-found and open-circuit failures are rethrown immediately;
// everything else is fair game for the retry budget.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeUnauthenticated, CodePermissionDenied, CodeInvalidArgument,
		CodeNotFound, CodeCircuitOpen:
		return false
	}
	return true
}
