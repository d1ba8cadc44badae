// Package source reaches the backend that owns page documents.
//
// Two sources exist: RestSource speaks the /pages HTTP contract to a remote
// backend, with retries and a circuit breaker; StoreSource talks to an
// in-process store. Both report a missing page as ErrNotFound and a stale
// save as *store.VersionConflictError.
package source

import (
	"context"

	"github.com/livetemplate/pagecraft"
	"github.com/livetemplate/pagecraft/internal/store"
)

// ErrNotFound is returned when the backend has no live page for the id.
var ErrNotFound = store.ErrNotFound

// Source is the page backend interface.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string

	// Fetch returns the stored document for pageID. The document is not
	// validated.
	Fetch(ctx context.Context, pageID string) (*pagecraft.PageDocument, error)

	// Save stores doc, using doc.Version as the expected current version,
	// and returns the new version.
	Save(ctx context.Context, doc *pagecraft.PageDocument) (pagecraft.Version, error)

	// Delete removes pageID.
	Delete(ctx context.Context, pageID string) error

	Close() error
}

// StoreSource serves pages from a store in the same process.
type StoreSource struct {
	name  string
	store store.Store
}

// NewStoreSource wraps s.
func NewStoreSource(name string, s store.Store) *StoreSource {
	return &StoreSource{name: name, store: s}
}

// Name returns the source identifier
func (s *StoreSource) Name() string { return s.name }

// Fetch implements Source.
func (s *StoreSource) Fetch(ctx context.Context, pageID string) (*pagecraft.PageDocument, error) {
	return s.store.Get(ctx, pageID)
}

// Save implements Source.
func (s *StoreSource) Save(ctx context.Context, doc *pagecraft.PageDocument) (pagecraft.Version, error) {
	return s.store.Put(ctx, doc)
}

// Delete implements Source.
func (s *StoreSource) Delete(ctx context.Context, pageID string) error {
	return s.store.Delete(ctx, pageID)
}

// Store returns the wrapped store.
func (s *StoreSource) Store() store.Store { return s.store }

// Close closes the underlying store.
func (s *StoreSource) Close() error { return s.store.Close() }
