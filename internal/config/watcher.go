package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"autognosis/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk and hands every
// valid reload to a callback. It watches the parent directory so that
// editors which save by rename are still seen.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	dir         string
	onChange    func(*Config)
	debounceDur time.Duration
	pending     time.Time // zero when no change is waiting
	closed      bool

	stats WatcherStats
}

// WatcherStats tracks reload activity.
type WatcherStats struct {
	Events   int
	Reloads  int
	Rejected int
	Errors   int
	LastLoad time.Time
}

// NewWatcher creates a watcher for path. onChange runs on the watcher
// goroutine.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config watcher needs a callback")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher:     fw,
		path:        abs,
		dir:         filepath.Dir(abs),
		onChange:    onChange,
		debounceDur: 500 * time.Millisecond, // editors write in bursts
	}, nil
}

// SetDebounce changes the quiet period before a reload.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounceDur = d
	w.mu.Unlock()
}

// Stats returns a copy of the reload counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run watches until ctx is done or the watcher is closed. The fsnotify
// handle stays open until Close.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	logging.Boot("config watcher: watching %s", w.path)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logging.BootWarn("config watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processPending()
		}
	}
}

// Close stops the underlying fsnotify watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return // chmod and remove
	}
	w.mu.Lock()
	w.stats.Events++
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processPending() {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logging.BootWarn("config reload rejected: %v", err)
		w.mu.Lock()
		w.stats.Rejected++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.stats.Reloads++
	w.stats.LastLoad = time.Now()
	w.mu.Unlock()

	logging.Boot("config reloaded from %s", w.path)
	w.onChange(cfg)
}
