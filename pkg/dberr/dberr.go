// Package dberr defines the error taxonomy surfaced by every asynchronous
// completion of the access layer.
package dberr

import (
	"errors"
	"fmt"
)

// Code classifies an Error. Every completion resolves with exactly one code.
type Code string

const (
	// CodeValidation marks malformed statements, parameters, or handles.
	// Validation failures are resolved before an operation is enqueued.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeBusy marks transient engine contention. The whole operation is
	// safe to retry.
	CodeBusy Code = "BUSY"
	// CodeStorage marks an engine-reported execution failure. The
	// connection remains usable.
	CodeStorage Code = "STORAGE_ERROR"
	// CodeFatal marks corruption or I/O failure. The connection transitions
	// to Failed and rejects all calls until reopened.
	CodeFatal Code = "FATAL_ERROR"
	// CodeCancelled marks a caller that abandoned interest. Not an engine
	// failure.
	CodeCancelled Code = "CANCELLED"
	// CodeClosed marks an operation against a closed connection.
	CodeClosed Code = "CONNECTION_CLOSED"
)

// Error represents a database error
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error wrapping err. A nil err returns nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code of err, or CodeStorage if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorage
}

// IsFatal reports whether err poisons the connection.
func IsFatal(err error) bool { return CodeOf(err) == CodeFatal }

// IsBusy reports whether err is transient contention.
func IsBusy(err error) bool { return CodeOf(err) == CodeBusy }
