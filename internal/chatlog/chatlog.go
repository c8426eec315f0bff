// Package chatlog writes one transcript file per chat completion so
// conversations can be inspected after the fact. The directory is pruned to a
// configurable number of files, oldest first.
package chatlog

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const transcriptSuffix = ".txt"

// Writer persists request/response transcripts under dir. A nil Writer is a
// no-op so callers do not need to branch on whether chat logging is enabled.
type Writer struct {
	dir   string
	limit int
	mu    sync.Mutex
}

// NewWriter returns a transcript writer rooted at dir keeping at most limit
// files. A limit <= 0 falls back to 50.
func NewWriter(dir string, limit int) *Writer {
	if limit <= 0 {
		limit = 50
	}
	return &Writer{dir: dir, limit: limit}
}

// Write stores one transcript and prunes the directory. Failures are logged
// and never surfaced: transcripts are best effort and must not affect the
// response already sent to the caller.
func (w *Writer) Write(requestID string, headers http.Header, requestBody []byte, response string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		log.WithError(err).Warn("chatlog: failed to create transcript directory")
		return
	}

	now := time.Now()
	name := now.Format("2006-01-02_15-04-05") + fmt.Sprintf(".%03d", now.Nanosecond()/1e6)
	if requestID != "" {
		name += "_" + requestID
	}
	name += transcriptSuffix

	content := renderTranscript(headers, requestBody, response)
	if err := os.WriteFile(filepath.Join(w.dir, name), []byte(content), 0o644); err != nil {
		log.WithError(err).Warn("chatlog: failed to write transcript")
		return
	}

	if deleted := w.pruneLocked(); deleted > 0 {
		log.Debugf("chatlog: removed %d old transcript(s)", deleted)
	}
}

func renderTranscript(headers http.Header, requestBody []byte, response string) string {
	var b strings.Builder
	b.WriteString("-----------------\nRequest Headers:\n-----------------\n\n")
	b.WriteString(renderHeaders(headers))
	b.WriteString("\n\n-----------------\nRequest Body:\n-----------------\n\n")
	b.Write(requestBody)
	b.WriteString("\n\n-----------------\nLLM Response:\n-----------------\n\n")
	b.WriteString(response)
	return b.String()
}

// renderHeaders lists headers sorted by name with credentials masked.
func renderHeaders(headers http.Header) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		value := strings.Join(headers[name], ", ")
		if strings.EqualFold(name, "Authorization") {
			value = "<redacted>"
		}
		fmt.Fprintf(&b, "%s: %s\n", name, value)
	}
	return strings.TrimRight(b.String(), "\n")
}

// pruneLocked removes the oldest transcripts until at most limit remain.
func (w *Writer) pruneLocked() int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0
	}

	type transcript struct {
		path    string
		modTime time.Time
	}
	var files []transcript
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), transcriptSuffix) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, transcript{
			path:    filepath.Join(w.dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	if len(files) <= w.limit {
		return 0
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	deleted := 0
	for _, file := range files[:len(files)-w.limit] {
		if errRemove := os.Remove(file.path); errRemove != nil {
			log.WithError(errRemove).Warnf("chatlog: failed to remove old transcript: %s", filepath.Base(file.path))
			continue
		}
		deleted++
	}
	return deleted
}
