package source

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/livetemplate/pagecraft"
	"github.com/livetemplate/pagecraft/internal/store"
)

// SourceError names the backend and page operation behind err. Retryable
// is cleared once WithRetry gives up, so callers do not retry again.
type SourceError struct {
	Source    string
	Operation string // fetch, save or delete
	Err       error
	Retryable bool
}

func (e *SourceError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("source %q %s failed: %v", e.Source, e.Operation, e.Err)
	}
	return fmt.Sprintf("source %q: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func (e *SourceError) IsRetryable() bool {
	return e.Retryable
}

// ConnectionError means the backend could not be reached at all.
type ConnectionError struct {
	Source  string
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("source %q: connection to %s failed: %v", e.Source, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError means a backend request ran past its deadline.
type TimeoutError struct {
	Source    string
	Operation string
	Duration  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("source %q: %s timed out after %s", e.Source, e.Operation, e.Duration)
}

// RejectedError is a 400 from the backend naming the model error it found.
type RejectedError struct {
	Source string
	Code   pagecraft.Code
	NodeID string
	Reason string
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("source %q: page rejected: %s", e.Source, e.Code)
	if e.NodeID != "" {
		msg += fmt.Sprintf(" at node %q", e.NodeID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap exposes the model sentinel so errors.Is(err, pagecraft.ErrDuplicateID)
// works across the wire.
func (e *RejectedError) Unwrap() error {
	return (&pagecraft.ValidationError{Code: e.Code}).Unwrap()
}

// HTTPError is a backend status the page contract gives no meaning to.
type HTTPError struct {
	Source     string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("source %q: HTTP %d %s: %s", e.Source, e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("source %q: HTTP %d %s", e.Source, e.StatusCode, e.Status)
}

// IsRetryable holds for server errors and 429.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// CircuitOpenError is returned without calling the backend while the
// breaker is open.
type CircuitOpenError struct {
	Source string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("source %q: circuit breaker open, service temporarily unavailable", e.Source)
}

// NewSourceError wraps err for op, classifying it as retryable or not.
func NewSourceError(source, operation string, err error) *SourceError {
	return &SourceError{
		Source:    source,
		Operation: operation,
		Err:       err,
		Retryable: isRetryableError(err),
	}
}

// transientMessages mark errors from lower layers that carry no type but
// usually clear up on their own.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporary failure",
	"try again",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var (
		httpErr    *HTTPError
		connErr    *ConnectionError
		timeoutErr *TimeoutError
		netErr     net.Error
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr.IsRetryable()
	case errors.As(err, &connErr), errors.As(err, &timeoutErr):
		return true
	case errors.As(err, &netErr):
		return netErr.Timeout()
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// UserFriendlyMessage returns the text shown in the storefront error banner.
func UserFriendlyMessage(err error) string {
	if err == nil {
		return ""
	}

	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return "Service temporarily unavailable. Please try again later."
	}

	if errors.Is(err, store.ErrVersionConflict) {
		return "This page was changed by someone else. Reload to see the latest version."
	}

	if errors.Is(err, pagecraft.ErrInvalidDocument) || pagecraft.CodeOf(err) != "" {
		return "This page could not be displayed."
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 401:
			return "Authentication required."
		case httpErr.StatusCode == 403:
			return "Access denied."
		case httpErr.StatusCode == 404:
			return "Page not found."
		case httpErr.StatusCode == 429:
			return "Too many requests. Please slow down."
		case httpErr.StatusCode >= 500:
			return "Server error. Please try again later."
		default:
			return fmt.Sprintf("Request failed (HTTP %d).", httpErr.StatusCode)
		}
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return "Request timed out. Please try again."
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return "Could not reach the page service. Please check your connection."
	}

	return "Failed to load this page. Please try again."
}
