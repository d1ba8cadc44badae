// Package store persists page documents with optimistic concurrency.
//
// Every backend follows the same contract: a page's version is a decimal
// counter bumped on each successful Put, Put succeeds only when the caller's
// version matches the stored one, and Delete leaves a tombstone so the
// counter continues if the page is created again.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/livetemplate/pagecraft"
)

// ErrNotFound is returned for pages that were never saved or were deleted.
var ErrNotFound = errors.New("page not found")

// ErrVersionConflict matches every *VersionConflictError.
var ErrVersionConflict = errors.New("version conflict")

// ErrInvalidPageID rejects ids that cannot be used as keys or file names.
var ErrInvalidPageID = errors.New("invalid page id")

// VersionConflictError reports a save based on a stale version.
type VersionConflictError struct {
	PageID   string
	Expected pagecraft.Version // Version the caller based its edit on
	Actual   pagecraft.Version // Version currently stored, empty if none
}

func (e *VersionConflictError) Error() string {
	actual := string(e.Actual)
	if actual == "" {
		actual = "none"
	}
	expected := string(e.Expected)
	if expected == "" {
		expected = "none"
	}
	return fmt.Sprintf("page %q: version conflict: expected %s, stored %s", e.PageID, expected, actual)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// PageInfo summarizes a stored page.
type PageInfo struct {
	PageID    string            `json:"pageId"`
	Version   pagecraft.Version `json:"version"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Store is implemented by every persistence backend.
type Store interface {
	// Get returns the live document for pageID or ErrNotFound.
	Get(ctx context.Context, pageID string) (*pagecraft.PageDocument, error)

	// Put saves doc if doc.Version equals the stored version (empty when
	// the page does not exist) and returns the new version. A mismatch
	// returns *VersionConflictError.
	Put(ctx context.Context, doc *pagecraft.PageDocument) (pagecraft.Version, error)

	// Delete tombstones pageID. Deleting a missing page returns ErrNotFound.
	Delete(ctx context.Context, pageID string) error

	// List returns live pages ordered by id.
	List(ctx context.Context) ([]PageInfo, error)

	Close() error
}

var pageIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidatePageID checks that id is usable as a page key.
func ValidatePageID(id string) error {
	if !pageIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidPageID, id)
	}
	return nil
}

// parseVersion reads a stored version counter. Tokens that are not decimal
// counters can never match and are reported as ok=false.
func parseVersion(v pagecraft.Version) (int64, bool) {
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func formatVersion(n int64) pagecraft.Version {
	if n <= 0 {
		return ""
	}
	return pagecraft.Version(strconv.FormatInt(n, 10))
}

// encodeComponents serializes the tree part of a document for storage.
func encodeComponents(doc *pagecraft.PageDocument) ([]byte, error) {
	stored := pagecraft.PageDocument{PageID: doc.PageID, Components: doc.Components}
	return pagecraft.Serialize(&stored)
}

// decodeStored rebuilds a document from its stored body and version.
func decodeStored(pageID string, version int64, body []byte) (*pagecraft.PageDocument, error) {
	doc, err := pagecraft.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("page %q: corrupt stored body: %w", pageID, err)
	}
	doc.PageID = pageID
	doc.Version = formatVersion(version)
	return doc, nil
}
