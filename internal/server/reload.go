package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/logging"
)

// DefaultDebounce is how long the Reloader waits after the last write.
const DefaultDebounce = 500 * time.Millisecond

// Reloader watches the config file and calls reload after changes settle.
// It watches the parent directory so editors that replace the file by
// rename are still seen.
type Reloader struct {
	watcher  *fsnotify.Watcher
	path     string
	reload   func(path string) error
	log      *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending *time.Timer
}

// NewReloader creates a watcher for path. reload is typically
// Server.ReloadConfig.
func NewReloader(path string, reload func(path string) error, log *zap.Logger) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %q: %w", filepath.Dir(abs), err)
	}
	return &Reloader{
		watcher:  watcher,
		path:     abs,
		reload:   reload,
		log:      logging.OrNop(log),
		debounce: DefaultDebounce,
	}, nil
}

// SetDebounce overrides DefaultDebounce. Call before Run.
func (r *Reloader) SetDebounce(d time.Duration) { r.debounce = d }

// Run watches for changes until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()
	defer r.stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				r.schedule()
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.pending.Stop()
	}
	r.pending = time.AfterFunc(r.debounce, func() {
		if err := r.reload(r.path); err != nil {
			r.log.Warn("hot-reload failed, keeping previous configuration", zap.String("path", r.path), zap.Error(err))
			return
		}
		r.log.Info("hot-reload: configuration applied", zap.String("path", r.path))
	})
}

func (r *Reloader) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.pending.Stop()
	}
}
