package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/pagecraft"
)

func TestFileStoreReportsCorruptFileWithPath(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{\n  \"components\": [\n"), 0o644))
	_, err = s.Get(context.Background(), "broken")
	require.Error(t, err)

	var dErr *pagecraft.DecodeError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, filepath.Join(dir, "broken.json"), dErr.Source)
}

func TestWatcherReportsHandEdits(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		changed []string
	)
	w, err := NewWatcher(dir, func(id string) {
		mu.Lock()
		changed = append(changed, id)
		mu.Unlock()
	}, zerolog.Nop())
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	_, err = s.Put(context.Background(), page("home", "", "hi"))
	require.NoError(t, err)

	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changed) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range changed {
		assert.Equal(t, "home", id)
	}
}
