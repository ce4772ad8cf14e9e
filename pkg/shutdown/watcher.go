// Package shutdown watches for the cooperative shutdown sentinel: a file whose
// appearance asks the monitored service to exit cleanly instead of being killed
// by its supervisor.
package shutdown

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultPollInterval = 2 * time.Second

// Watcher blocks until a sentinel file appears. Filesystem notifications are
// used when available; a polling fallback covers filesystems that do not
// deliver events, such as some network mounts.
type Watcher struct {
	path         string
	pollInterval time.Duration
	newNotifier  func() (*fsnotify.Watcher, error)
}

// WatcherOption customises watcher behaviour.
type WatcherOption func(*Watcher)

// WithPollInterval overrides the fallback polling interval.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithNotifierFactory overrides the fsnotify constructor, enabling tests to
// force the polling path.
func WithNotifierFactory(fn func() (*fsnotify.Watcher, error)) WatcherOption {
	return func(w *Watcher) {
		if fn != nil {
			w.newNotifier = fn
		}
	}
}

// NewWatcher constructs a watcher for the given sentinel path.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("shutdown sentinel path must not be empty")
	}

	watcher := &Watcher{
		path:         trimmed,
		pollInterval: defaultPollInterval,
		newNotifier:  fsnotify.NewWatcher,
	}
	for _, opt := range opts {
		opt(watcher)
	}
	return watcher, nil
}

// Path returns the sentinel path being watched.
func (w *Watcher) Path() string {
	return w.path
}

// Wait blocks until the sentinel file exists or the context is cancelled.
func (w *Watcher) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if present, err := w.probe(); err == nil && present {
		return nil
	}

	notifier, err := w.newNotifier()
	if err != nil {
		return w.poll(ctx)
	}
	defer notifier.Close()

	// Watch the parent directory; the sentinel itself does not exist yet.
	dir := filepath.Dir(w.path)
	if err := notifier.Add(dir); err != nil {
		return w.poll(ctx)
	}

	// Re-probe after the watch is established to close the window where the
	// file appeared between the first probe and Add.
	if present, err := w.probe(); err == nil && present {
		return nil
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-notifier.Events:
			if !ok {
				return w.poll(ctx)
			}
			if event.Name != w.path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if present, err := w.probe(); err == nil && present {
					return nil
				}
			}
		case _, ok := <-notifier.Errors:
			if !ok {
				return w.poll(ctx)
			}
			// Notification errors are not fatal; the ticker still probes.
		case <-ticker.C:
			if present, err := w.probe(); err == nil && present {
				return nil
			}
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if present, err := w.probe(); err == nil && present {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) probe() (bool, error) {
	if _, err := os.Stat(w.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
