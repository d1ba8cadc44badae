package pages

import (
	"context"
	"errors"

	"github.com/livetemplate/pagecraft"
	"github.com/livetemplate/pagecraft/internal/source"
)

// Status is the outcome of a page fetch.
type Status int

const (
	StatusFound Status = iota
	StatusNotFound
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not_found"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Reason says why a fetch ended in StatusError.
type Reason string

const (
	ReasonInvalidDocument Reason = "InvalidDocument"
	ReasonTransport       Reason = "Transport"
	ReasonTimeout         Reason = "Timeout"
	ReasonCircuitOpen     Reason = "CircuitOpen"
	ReasonServer          Reason = "Server"
	ReasonCanceled        Reason = "Canceled"
)

// Result is what FetchPage hands to a renderer. Doc is shared with the cache
// and other readers; clone it before editing.
type Result struct {
	Status Status
	Doc    *pagecraft.PageDocument
	Reason Reason
	Err    error
	// Stale is set when Doc came from a cache entry past its fresh window.
	Stale bool
}

// Found wraps a fetched document.
func Found(doc *pagecraft.PageDocument) Result {
	return Result{Status: StatusFound, Doc: doc}
}

// NotFound is the result for a page the backend does not have.
func NotFound() Result {
	return Result{Status: StatusNotFound}
}

// Failed classifies err into an error result.
func Failed(err error) Result {
	return Result{Status: StatusError, Reason: Classify(err), Err: err}
}

// Message is the banner text for an error result.
func (r Result) Message() string {
	if r.Status != StatusError {
		return ""
	}
	return source.UserFriendlyMessage(r.Err)
}

// Retryable reports whether offering a retry makes sense. Invalid documents
// will not fix themselves.
func (r Result) Retryable() bool {
	return r.Status == StatusError && r.Reason != ReasonInvalidDocument
}

// Classify maps a fetch error to its Reason.
func Classify(err error) Reason {
	if errors.Is(err, pagecraft.ErrInvalidDocument) || pagecraft.CodeOf(err) != "" {
		return ReasonInvalidDocument
	}

	var circuitErr *source.CircuitOpenError
	if errors.As(err, &circuitErr) {
		return ReasonCircuitOpen
	}

	var timeoutErr *source.TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}

	var httpErr *source.HTTPError
	if errors.As(err, &httpErr) {
		return ReasonServer
	}

	return ReasonTransport
}
