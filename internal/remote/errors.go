// Package remote connects the local cache to the backend: stream state
// machines for the watch and write streams, the watch change aggregator that
// turns raw stream changes into consistent remote events, and online state
// tracking.
package remote

import (
	"errors"
	"fmt"
)

// Code classifies a backend failure the way the wire protocol reports it.
type Code int

const (
	CodeOK Code = iota
	CodeCancelled
	CodeUnknown
	CodeInvalidArgument
	CodeDeadlineExceeded
	CodeNotFound
	CodeAlreadyExists
	CodePermissionDenied
	CodeResourceExhausted
	CodeFailedPrecondition
	CodeAborted
	CodeOutOfRange
	CodeUnimplemented
	CodeInternal
	CodeUnavailable
	CodeDataLoss
	CodeUnauthenticated
)

var codeNames = map[Code]string{
	CodeOK:                 "ok",
	CodeCancelled:          "cancelled",
	CodeUnknown:            "unknown",
	CodeInvalidArgument:    "invalid-argument",
	CodeDeadlineExceeded:   "deadline-exceeded",
	CodeNotFound:           "not-found",
	CodeAlreadyExists:      "already-exists",
	CodePermissionDenied:   "permission-denied",
	CodeResourceExhausted:  "resource-exhausted",
	CodeFailedPrecondition: "failed-precondition",
	CodeAborted:            "aborted",
	CodeOutOfRange:         "out-of-range",
	CodeUnimplemented:      "unimplemented",
	CodeInternal:           "internal",
	CodeUnavailable:        "unavailable",
	CodeDataLoss:           "data-loss",
	CodeUnauthenticated:    "unauthenticated",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// StatusError is a backend failure carrying its wire code.
type StatusError struct {
	Code    Code
	Message string
}

// NewStatusError builds a StatusError.
func NewStatusError(code Code, format string, args ...any) *StatusError {
	return &StatusError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the wire code from err, CodeUnknown when err carries none.
func CodeOf(err error) Code {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}

// IsTransientStreamError reports whether a stream failure should be retried
// with backoff. Unauthenticated is retryable because the credential layer
// refreshes the token before the next attempt.
func IsTransientStreamError(err error) bool {
	switch CodeOf(err) {
	case CodeCancelled, CodeUnknown, CodeDeadlineExceeded, CodeResourceExhausted,
		CodeInternal, CodeUnavailable, CodeUnauthenticated:
		return true
	default:
		return false
	}
}

// IsPermanentWriteError reports whether a write-stream failure means the
// first pending batch itself is bad and must be rejected rather than retried.
func IsPermanentWriteError(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidArgument, CodeNotFound, CodeAlreadyExists, CodePermissionDenied,
		CodeFailedPrecondition, CodeOutOfRange, CodeUnimplemented, CodeDataLoss:
		return true
	default:
		return false
	}
}
