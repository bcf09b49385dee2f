package capture

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies capture backend failures into the closed taxonomy the
// orchestrator keys its retry and fallback policy on.
type ErrorCode string

const (
	CodePermissionDenied  ErrorCode = "permission_denied"
	CodeNoDisplays        ErrorCode = "no_displays"
	CodeDisplayNotFound   ErrorCode = "display_not_found"
	CodeStartTimeout      ErrorCode = "start_timeout"
	CodeStreamStartFailed ErrorCode = "stream_start_failed"
	CodeUnknown           ErrorCode = "unknown"
)

// Retryable reports whether the orchestrator should keep retrying the
// backend after this class of failure. Every code is retryable; the code
// only changes which backoff applies and when fallback kicks in.
func (c ErrorCode) Retryable() bool {
	return true
}

// Error wraps a backend failure with its classification.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified capture error.
func NewError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Classify extracts the error code from err, defaulting to CodeUnknown.
func Classify(err error) ErrorCode {
	var captureErr *Error
	if errors.As(err, &captureErr) {
		return captureErr.Code
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") || strings.Contains(msg, "not allowed"):
		return CodePermissionDenied
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return CodeStartTimeout
	default:
		return CodeUnknown
	}
}
