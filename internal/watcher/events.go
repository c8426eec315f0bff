// events.go implements fsnotify event handling for the configuration files.
// It normalizes paths, debounces noisy events, and triggers reload logic.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) start(ctx context.Context) error {
	// Watch the parent directories rather than the files themselves: atomic
	// replaces (write to temp, rename over target) drop a watch held on the
	// file path.
	dirs := map[string]struct{}{
		filepath.Dir(w.providersPath): {},
		filepath.Dir(w.rulesPath):     {},
	}
	for dir := range dirs {
		if errAdd := w.watcher.Add(dir); errAdd != nil {
			log.Errorf("failed to watch config directory %s: %v", dir, errAdd)
			return errAdd
		}
		log.Debugf("watching config directory: %s", dir)
	}

	w.primeHashes()
	go w.processEvents(ctx)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	relevantOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	if event.Op&relevantOps == 0 {
		return
	}
	name := normalizePath(event.Name)
	if name != normalizePath(w.providersPath) && name != normalizePath(w.rulesPath) {
		return
	}

	log.Debugf("file system event detected: %s %s", event.Op.String(), event.Name)

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// Atomic replace on some platforms surfaces as Rename or Remove
		// before the new file is in place. Wait briefly and reload only if
		// the path exists again.
		time.Sleep(replaceCheckDelay)
		if _, statErr := os.Stat(event.Name); statErr != nil {
			log.Debugf("config file removed, keeping current snapshot: %s", filepath.Base(event.Name))
			return
		}
	}
	w.scheduleReload()
}

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
