// Package agent drives one message end to end: session resolution, lane
// scheduling, the turn loop against the subprocess, tool dispatch, and the
// cross-cutting handlers.
package agent

import (
	"errors"
	"fmt"
)

// Error codes surfaced by the loop.
const (
	CodeAPIError        = "API_ERROR"
	CodeCLIError        = "CLI_ERROR"
	CodeAuthError       = "AUTH_ERROR"
	CodeRateLimit       = "RATE_LIMIT"
	CodeMaxTokens       = "MAX_TOKENS"
	CodeMaxTurns        = "MAX_TURNS"
	CodeEmergencyTurns  = "EMERGENCY_MAX_TURNS"
	CodeInfiniteLoop    = "INFINITE_LOOP_DETECTED"
	CodeNetworkError    = "NETWORK_ERROR"
	CodeToolError       = "TOOL_ERROR"
	CodeUnknownTool     = "UNKNOWN_TOOL"
	CodeInvalidResponse = "INVALID_RESPONSE"
)

// Error is a coded loop error with a retryability flag.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a coded error.
func NewError(code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

// WrapError attaches a code to an underlying error.
func WrapError(code string, err error, retryable bool) *Error {
	return &Error{Code: code, Message: err.Error(), Retryable: retryable, Err: err}
}

// CodeOf extracts the code from an error chain, or empty.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// IsRetryable reports the retryable flag of a coded error.
func IsRetryable(err error) bool {
	var coded *Error
	return errors.As(err, &coded) && coded.Retryable
}
