package auth

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const defaultKeyFileDebounce = 250 * time.Millisecond

// KeyFileWatcher re-syncs an Authenticator whenever its key file changes,
// so keys can be added, disabled or removed without a restart.
type KeyFileWatcher struct {
	auth     *Authenticator
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *log.Logger

	// onSync is called after every reload attempt
	onSync func(KeySync, error)

	stop chan struct{}
	done chan struct{}
}

// KeyFileWatcherOptions configures a KeyFileWatcher
type KeyFileWatcherOptions struct {
	// Debounce collapses bursts of writes into one reload
	Debounce time.Duration
	Logger   *log.Logger
	OnSync   func(KeySync, error)
}

// WatchKeysFile starts watching path for auth. The parent directory is
// watched rather than the file, since editors usually replace the file.
func WatchKeysFile(auth *Authenticator, path string, opts KeyFileWatcherOptions) (*KeyFileWatcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultKeyFileDebounce
	}
	if opts.Logger == nil {
		opts.Logger = auth.logger
	}

	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key file path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create key file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch key directory: %w", err)
	}

	w := &KeyFileWatcher{
		auth:     auth,
		path:     path,
		watcher:  watcher,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		onSync:   opts.OnSync,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()

	w.logger.Info("Watching API key file", "path", path)
	return w, nil
}

// Close stops watching
func (w *KeyFileWatcher) Close() error {
	close(w.stop)
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *KeyFileWatcher) run() {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Key file watcher error", "error", err)

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *KeyFileWatcher) reload() {
	result, err := w.auth.SyncKeysFile(w.path)
	if err != nil {
		w.logger.Error("Key file reload failed, keeping current keys", "path", w.path, "error", err)
	} else {
		w.logger.Info("Key file reloaded", "loaded", result.Loaded, "revoked", result.Revoked)
	}
	if w.onSync != nil {
		w.onSync(result, err)
	}
}
