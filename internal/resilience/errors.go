// Package resilience defines the pipeline's error taxonomy and retry policy.
//
// Three error classes drive control flow: AdapterError (expected provider
// failure, the client continues degraded), PersistenceError (storage broken,
// the invocation aborts without mutating counters), and ValidationError
// (malformed input, the client is marked failed).
package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// AdapterError marks a failure of an external provider call: timeout, quota,
// malformed response. Expected and recoverable; it never escapes the
// executor.
type AdapterError struct {
	Provider   string
	Err        error
	StatusCode int
}

func (e *AdapterError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (status %d)", e.Provider, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError wraps a provider failure. statusCode may be 0 for
// non-HTTP failures.
func NewAdapterError(provider string, err error, statusCode int) *AdapterError {
	return &AdapterError{Provider: provider, Err: err, StatusCode: statusCode}
}

// PersistenceError marks a storage failure. Unexpected; the current
// invocation must abort without incrementing job counters so the same
// client is retried on the next tick.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps a storage failure from the named operation.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// ValidationError marks malformed client or job data.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError wraps a validation failure.
func NewValidationError(err error) *ValidationError {
	return &ValidationError{Err: err}
}

// IsAdapter reports whether err chains to an AdapterError.
func IsAdapter(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae)
}

// IsPersistence reports whether err chains to a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsValidation reports whether err chains to a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err looks safe to retry: an AdapterError with
// a retryable HTTP status, a network timeout, or a connection-level failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ae *AdapterError
	if errors.As(err, &ae) && ae.StatusCode != 0 {
		return IsTransientHTTPStatus(ae.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Wrapped client errors that lost their type on the way here.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether an HTTP status indicates a
// server-side condition that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
