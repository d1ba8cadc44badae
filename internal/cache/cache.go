// Package cache holds fetched page documents between requests.
package cache

import (
	"sync"
	"time"

	"github.com/livetemplate/pagecraft"
)

// Entry is one cached fetch outcome. A nil Doc records that the page was
// confirmed missing, so repeated requests for an unknown id do not reach the
// backend.
type Entry struct {
	Doc *pagecraft.PageDocument
	// StaleAt is when the entry stops being fresh. Between StaleAt and
	// ExpiresAt it is still served, flagged stale.
	StaleAt   time.Time
	ExpiresAt time.Time
}

func (e *Entry) expired(now time.Time) bool { return now.After(e.ExpiresAt) }

func (e *Entry) stale(now time.Time) bool { return now.After(e.StaleAt) }

// Cache holds page documents by page id. Cached documents are shared between
// readers and must not be modified.
type Cache interface {
	// Get returns (doc, found, stale). found with a nil doc is a cached
	// NotFound.
	Get(pageID string) (*pagecraft.PageDocument, bool, bool)

	// SetIfGeneration stores doc, fresh for staleAfter and kept until
	// expireAfter, unless InvalidateAll ran since gen was read. It reports
	// whether the entry was stored. A nil doc caches NotFound.
	SetIfGeneration(gen uint64, pageID string, doc *pagecraft.PageDocument, staleAfter, expireAfter time.Duration) bool

	// Generation changes on every InvalidateAll.
	Generation() uint64

	// Invalidate drops one page.
	Invalidate(pageID string)

	// InvalidateAll drops every page and bumps the generation.
	InvalidateAll()
}

// MemoryCache is a Cache in process memory. Expired entries are dropped on
// read and by a sweep every minute until Stop.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	gen     uint64

	sweepEvery time.Duration
	done       chan struct{}
	stopOnce   sync.Once
}

// NewMemoryCache returns an empty cache and starts its sweeper.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries:    make(map[string]*Entry),
		sweepEvery: time.Minute,
		done:       make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *MemoryCache) Get(pageID string) (*pagecraft.PageDocument, bool, bool) {
	now := time.Now()
	c.mu.RLock()
	e, ok := c.entries[pageID]
	c.mu.RUnlock()

	if !ok {
		return nil, false, false
	}
	if e.expired(now) {
		c.mu.Lock()
		if c.entries[pageID] == e {
			delete(c.entries, pageID)
		}
		c.mu.Unlock()
		return nil, false, false
	}
	return e.Doc, true, e.stale(now)
}

func (c *MemoryCache) SetIfGeneration(gen uint64, pageID string, doc *pagecraft.PageDocument, staleAfter, expireAfter time.Duration) bool {
	now := time.Now()
	e := &Entry{Doc: doc, StaleAt: now.Add(staleAfter), ExpiresAt: now.Add(expireAfter)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.entries[pageID] = e
	return true
}

func (c *MemoryCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

func (c *MemoryCache) Invalidate(pageID string) {
	c.mu.Lock()
	delete(c.entries, pageID)
	c.mu.Unlock()
}

func (c *MemoryCache) InvalidateAll() {
	c.mu.Lock()
	clear(c.entries)
	c.gen++
	c.mu.Unlock()
}

func (c *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep(time.Now())
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, id)
		}
	}
}

// Stop ends the sweeper. It may be called more than once.
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Len reports how many entries are held, expired ones included until swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
