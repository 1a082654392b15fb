package adapter

import (
	"errors"
	"fmt"
	"time"
)

// Code is the stable, machine-readable error class surfaced to clients.
type Code string

const (
	CodeAuthFailed     Code = "AUTH_FAILED"
	CodeBufferFull     Code = "BUFFER_FULL"
	CodeRowNotFound    Code = "ROW_NOT_FOUND"
	CodeApplyError     Code = "APPLY_ERROR"
	CodeNoAdapter      Code = "NO_ADAPTER"
	CodeFlushFailed    Code = "FLUSH_FAILED"
	CodeAdapterError   Code = "ADAPTER_ERROR"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeClockDrift     Code = "CLOCK_DRIFT"
	CodeSchemaMismatch Code = "SCHEMA_MISMATCH"
)

// Error is the typed error carried across every public boundary. Op
// names the failing operation, Err the wrapped cause. RetryAfter is set
// only for RATE_LIMITED.
type Error struct {
	Code       Code
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Op)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error.
func E(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// RateLimited builds a RATE_LIMITED error carrying the retry delay.
func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Code: CodeRateLimited, Op: op, Err: err, RetryAfter: retryAfter}
}

// CodeOf extracts the error code, or ADAPTER_ERROR for untyped errors.
// Returns empty code for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return CodeAdapterError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var typed *Error
	return errors.As(err, &typed) && typed.Code == code
}
