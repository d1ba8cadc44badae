package pages

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSuperseded is returned by View.Load when a newer Load started before
	// this one finished. Its result is discarded.
	ErrSuperseded = errors.New("page load superseded")
	// ErrViewClosed is returned by View.Load after Close.
	ErrViewClosed = errors.New("page view closed")
)

// View tracks the page shown by one consumer, such as a storefront request
// or a builder canvas. Only the latest Load may update it: starting a new
// load cancels the previous one, and Close abandons whatever is in flight.
type View struct {
	svc *Service

	mu      sync.Mutex
	seq     uint64
	cancel  context.CancelFunc
	closed  bool
	current Result
	loaded  bool
}

// NewView creates a view over s.
func (s *Service) NewView() *View {
	return &View{svc: s}
}

// Load fetches pageID and makes it the view's current page.
func (v *View) Load(ctx context.Context, pageID string) (Result, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return Result{}, ErrViewClosed
	}
	if v.cancel != nil {
		v.cancel()
	}
	v.seq++
	seq := v.seq
	lctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.mu.Unlock()

	res := v.svc.FetchPage(lctx, pageID)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		cancel()
		return Result{}, ErrViewClosed
	}
	if seq != v.seq {
		return Result{}, ErrSuperseded
	}
	cancel()
	v.cancel = nil
	v.current = res
	v.loaded = true
	return res, nil
}

// Current returns the result of the last completed Load.
func (v *View) Current() (Result, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current, v.loaded
}

// Close cancels any in-flight load. Later loads fail with ErrViewClosed.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
}
