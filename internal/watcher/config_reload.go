// config_reload.go implements debounced configuration hot reload. Content
// hashes keep editor noise and the admin API's own writes from triggering
// redundant reloads.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/fabiojbg/LLMApiGateway/internal/config"
)

// primeHashes records the current file contents so the initial Load is not
// immediately followed by a no-op reload.
func (w *Watcher) primeHashes() {
	w.hashMu.Lock()
	defer w.hashMu.Unlock()
	for _, path := range []string{w.providersPath, w.rulesPath} {
		if hash, ok := fileHash(path); ok {
			w.lastHashes[normalizePath(path)] = hash
		}
	}
}

func (w *Watcher) reloadIfChanged() {
	changed := false
	w.hashMu.Lock()
	for _, path := range []string{w.providersPath, w.rulesPath} {
		hash, ok := fileHash(path)
		if !ok {
			continue
		}
		key := normalizePath(path)
		if w.lastHashes[key] != hash {
			w.lastHashes[key] = hash
			changed = true
		}
	}
	w.hashMu.Unlock()

	if !changed {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	log.Info("config files changed, reloading routing configuration")
	if err := w.store.Reload(); err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			log.Errorf("config reload rejected, keeping previous snapshot: %s: %v", verr.File, verr.Issues)
			return
		}
		log.Errorf("failed to reload config: %v", err)
		return
	}
	log.Info("routing configuration successfully reloaded")
}

func fileHash(path string) (string, bool) {
	data, errRead := os.ReadFile(path)
	if errRead != nil || len(data) == 0 {
		return "", false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), true
}
