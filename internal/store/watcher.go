package store

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reports pages changed on disk behind the FileStore's back, so
// hand edits reach readers without waiting for the cache to expire.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	onChange func(pageID string)
	logger   zerolog.Logger
	debounce time.Duration
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher watches dir for page file changes. Events for the same page
// within debounce are coalesced into one onChange call.
func NewWatcher(dir string, onChange func(pageID string), logger zerolog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	return &Watcher{
		watcher:  fsWatcher,
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		debounce: 50 * time.Millisecond,
		done:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start begins delivering events.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				id, ok := pageIDFromFile(filepath.Base(event.Name))
				if !ok {
					continue
				}
				w.logger.Debug().Str("page_id", id).Str("op", event.Op.String()).Msg("page file changed")
				w.schedule(id)

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn().Err(err).Msg("page watcher error")

			case <-w.done:
				return
			}
		}
	}()
}

func (w *Watcher) schedule(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[id]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[id] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		w.onChange(id)
	})
}

// Stop stops the watcher and drops pending notifications.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	for id, t := range w.pending {
		t.Stop()
		delete(w.pending, id)
	}
	w.mu.Unlock()
	return err
}
