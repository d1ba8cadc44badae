package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/livetemplate/pagecraft"
)

const (
	pageExt      = ".json"
	tombstoneExt = ".deleted"
)

// FileStore keeps one JSON file per page in a directory, which makes pages
// easy to review and edit by hand. A deleted page leaves <id>.json.deleted
// holding its last version.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore uses dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the page directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) pagePath(id string) string { return filepath.Join(s.dir, id+pageExt) }

func (s *FileStore) tombstonePath(id string) string {
	return filepath.Join(s.dir, id+pageExt+tombstoneExt)
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, pageID string) (*pagecraft.PageDocument, error) {
	if err := ValidatePageID(pageID); err != nil {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(pageID)
}

func (s *FileStore) read(pageID string) (*pagecraft.PageDocument, error) {
	path := s.pagePath(pageID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("file store: read %q: %w", pageID, err)
	}
	doc, err := pagecraft.Decode(data)
	if err != nil {
		var dErr *pagecraft.DecodeError
		if errors.As(err, &dErr) {
			return nil, dErr.WithSource(path)
		}
		return nil, err
	}
	doc.PageID = pageID
	return doc, nil
}

// current returns the stored version counter, whether the page is live.
func (s *FileStore) current(pageID string) (int64, bool, error) {
	doc, err := s.read(pageID)
	switch {
	case err == nil:
		n, _ := parseVersion(doc.Version)
		return n, true, nil
	case !errors.Is(err, ErrNotFound):
		return 0, false, err
	}

	data, err := os.ReadFile(s.tombstonePath(pageID))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("file store: read tombstone %q: %w", pageID, err)
	}
	n, _ := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	return n, false, nil
}

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, doc *pagecraft.PageDocument) (pagecraft.Version, error) {
	if err := ValidatePageID(doc.PageID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, live, err := s.current(doc.PageID)
	if err != nil {
		return "", err
	}
	var stored pagecraft.Version
	if live {
		stored = formatVersion(counter)
	}
	if doc.Version != stored {
		return "", &VersionConflictError{PageID: doc.PageID, Expected: doc.Version, Actual: stored}
	}

	next := formatVersion(counter + 1)
	out := doc.Clone()
	out.Version = next
	data, err := pagecraft.SerializeIndent(out)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(s.pagePath(doc.PageID), data); err != nil {
		return "", fmt.Errorf("file store: write %q: %w", doc.PageID, err)
	}
	if !live {
		_ = os.Remove(s.tombstonePath(doc.PageID))
	}
	return next, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, pageID string) error {
	if err := ValidatePageID(pageID); err != nil {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, live, err := s.current(pageID)
	if err != nil {
		return err
	}
	if !live {
		return ErrNotFound
	}
	if err := writeFileAtomic(s.tombstonePath(pageID), []byte(strconv.FormatInt(counter, 10)+"\n")); err != nil {
		return fmt.Errorf("file store: write tombstone %q: %w", pageID, err)
	}
	if err := os.Remove(s.pagePath(pageID)); err != nil {
		return fmt.Errorf("file store: delete %q: %w", pageID, err)
	}
	return nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]PageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("file store: list: %w", err)
	}
	var out []PageInfo
	for _, e := range entries {
		id, ok := pageIDFromFile(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		doc, err := s.read(id)
		if err != nil {
			continue
		}
		info := PageInfo{PageID: id, Version: doc.Version}
		if fi, err := e.Info(); err == nil {
			info.UpdatedAt = fi.ModTime().UTC()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageID < out[j].PageID })
	return out, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

// pageIDFromFile maps "home.json" to "home".
func pageIDFromFile(name string) (string, bool) {
	if !strings.HasSuffix(name, pageExt) {
		return "", false
	}
	id := strings.TrimSuffix(name, pageExt)
	return id, ValidatePageID(id) == nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
