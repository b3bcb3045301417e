package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientError is assumed recoverable by retrying later: timeouts, server
// overload, connectivity lost mid-call.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote: transient: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is not recoverable without new input: validation failures,
// conflicts, missing resources.
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote: permanent: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote: permanent: status %d", e.StatusCode)
}

// ErrNotFound marks a fetch of a resource the server does not know.
var ErrNotFound = &PermanentError{StatusCode: 404, Message: "not found"}

// IsTransient reports whether the error should be retried with backoff.
// Network-level failures and context deadline expiry count as transient:
// a timed-out call may have succeeded server-side, which is exactly what the
// idempotency key exists for.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsPermanent reports whether the error must not be auto-retried.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyStatus maps a non-2xx response to the taxonomy. Retryable server
// conditions (5xx, throttling, request timeout) are transient; the rest of
// the 4xx range is permanent.
func classifyStatus(code int, message string) error {
	switch {
	case code >= 500,
		code == 408, // request timeout
		code == 429: // too many requests
		return &TransientError{StatusCode: code}
	default:
		return &PermanentError{StatusCode: code, Message: message}
	}
}
