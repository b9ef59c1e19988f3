package kb

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/simpleflo/kbchat/internal/observability"
)

// FileIndexer indexes one file into a category.
type FileIndexer interface {
	IndexOne(ctx context.Context, path, category string) (*IndexStats, error)
}

// Watcher indexes documents that land in the knowledge root from outside
// the API, such as a sync client. A created or rewritten document is
// indexed exactly as an upload would be. Removals are ignored; the
// vectors stay until the next rebuild.
type Watcher struct {
	watcher  *fsnotify.Watcher
	library  *Library
	indexer  FileIndexer
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
}

// NewWatcher creates a watcher over the library's root.
func NewWatcher(library *Library, indexer FileIndexer, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		watcher:  fw,
		library:  library,
		indexer:  indexer,
		debounce: debounce,
		logger:   observability.Logger("kb.watcher"),
		pending:  make(map[string]bool),
	}, nil
}

// Run watches until ctx is done. It blocks.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := os.MkdirAll(w.library.Root(), 0755); err != nil {
		return err
	}
	if err := w.addTree(w.library.Root(), false); err != nil {
		return err
	}
	w.logger.Info().Str("root", w.library.Root()).Dur("debounce", w.debounce).Msg("watching knowledge root")

	flush := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event, flush)

		case <-flush:
			w.process(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("file watcher error")
		}
	}
}

// addTree watches dir and every valid category directory below it. With
// queue set, documents already present are queued for indexing.
func (w *Watcher) addTree(dir string, queue bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && p != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(p); err != nil {
				w.logger.Warn().Err(err).Str("path", p).Msg("failed to watch directory")
			}
			return nil
		}
		if queue && w.library.loader.Supported(p) {
			w.mu.Lock()
			w.pending[p] = true
			w.mu.Unlock()
		}
		return nil
	})
}

func (w *Watcher) handle(event fsnotify.Event, flush chan<- struct{}) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			w.addTree(event.Name, true)
			w.schedule(flush)
		}
		return
	}
	if !w.library.loader.Supported(event.Name) {
		return
	}

	w.mu.Lock()
	w.pending[event.Name] = true
	w.mu.Unlock()
	w.schedule(flush)
}

// schedule restarts the debounce timer.
func (w *Watcher) schedule(flush chan<- struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case flush <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) process(ctx context.Context) {
	w.mu.Lock()
	paths := w.pending
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	for p := range paths {
		if ctx.Err() != nil {
			return
		}
		category, ok := w.library.CategoryOf(p)
		if !ok {
			w.logger.Debug().Str("path", p).Msg("ignoring file outside a category")
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if _, err := w.indexer.IndexOne(ctx, p, category); err != nil {
			w.logger.Warn().Err(err).Str("path", p).Msg("failed to index synced file")
		}
	}
}
