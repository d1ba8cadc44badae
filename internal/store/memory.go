package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/livetemplate/pagecraft"
)

type memoryEntry struct {
	doc       *pagecraft.PageDocument
	version   int64
	deleted   bool
	updatedAt time.Time
}

// MemoryStore keeps pages in process. It is the default backend and the one
// tests use.
type MemoryStore struct {
	mu    sync.RWMutex
	pages map[string]*memoryEntry
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages: make(map[string]*memoryEntry),
		now:   time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, pageID string) (*pagecraft.PageDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.pages[pageID]
	if !ok || e.deleted {
		return nil, ErrNotFound
	}
	doc := e.doc.Clone()
	doc.Version = formatVersion(e.version)
	return doc, nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, doc *pagecraft.PageDocument) (pagecraft.Version, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ValidatePageID(doc.PageID); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.pages[doc.PageID]
	var current pagecraft.Version
	if e != nil && !e.deleted {
		current = formatVersion(e.version)
	}
	if doc.Version != current {
		return "", &VersionConflictError{PageID: doc.PageID, Expected: doc.Version, Actual: current}
	}

	if e == nil {
		e = &memoryEntry{}
		s.pages[doc.PageID] = e
	}
	e.version++
	e.deleted = false
	e.doc = doc.Clone()
	e.updatedAt = s.now()
	return formatVersion(e.version), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, pageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pages[pageID]
	if !ok || e.deleted {
		return ErrNotFound
	}
	e.deleted = true
	e.doc = nil
	e.updatedAt = s.now()
	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]PageInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PageInfo, 0, len(s.pages))
	for id, e := range s.pages {
		if e.deleted {
			continue
		}
		out = append(out, PageInfo{PageID: id, Version: formatVersion(e.version), UpdatedAt: e.updatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageID < out[j].PageID })
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
