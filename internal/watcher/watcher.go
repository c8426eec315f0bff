// Package watcher watches the provider and rule files and triggers hot
// reloads. It supports cross-platform fsnotify event handling.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fabiojbg/LLMApiGateway/internal/config"
)

// Watcher manages file watching for the routing configuration files.
type Watcher struct {
	store         *config.Store
	providersPath string
	rulesPath     string

	hashMu     sync.RWMutex
	lastHashes map[string]string

	reloadMu    sync.Mutex
	reloadTimer *time.Timer

	watcher *fsnotify.Watcher
}

const (
	// replaceCheckDelay is a short delay to allow atomic replace (rename) to
	// settle before reading the file behind a Remove/Rename event.
	replaceCheckDelay = 50 * time.Millisecond
	reloadDebounce    = 150 * time.Millisecond
)

// NewWatcher creates a file watcher over the store's provider and rule files.
func NewWatcher(store *config.Store) (*Watcher, error) {
	fsw, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	return &Watcher{
		store:         store,
		providersPath: store.ProvidersPath(),
		rulesPath:     store.RulesPath(),
		lastHashes:    make(map[string]string),
		watcher:       fsw,
	}, nil
}

// Start begins watching the configuration files.
func (w *Watcher) Start(ctx context.Context) error {
	return w.start(ctx)
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.stopReloadTimer()
	return w.watcher.Close()
}

func (w *Watcher) stopReloadTimer() {
	w.reloadMu.Lock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
		w.reloadTimer = nil
	}
	w.reloadMu.Unlock()
}

func (w *Watcher) scheduleReload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(reloadDebounce, func() {
		w.reloadMu.Lock()
		w.reloadTimer = nil
		w.reloadMu.Unlock()
		w.reloadIfChanged()
	})
}
