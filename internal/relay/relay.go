// Package relay drives an upstream SSE byte stream through the gateway's
// commit protocol: nothing is promised to the client until the first real
// event has been inspected, committed bytes are forwarded verbatim, and
// usage objects are siphoned off along the way.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/fabiojbg/LLMApiGateway/internal/usage"
)

const readChunkSize = 32 * 1024

// ErrEmptyStream reports an upstream that closed before any real event.
var ErrEmptyStream = errors.New("upstream closed without a data event")

// FirstEventError is returned by Prime when the first real event carries an
// error payload. The stream was not committed; failover is still safe.
type FirstEventError struct {
	Detail string
}

// Error implements the error interface.
func (e *FirstEventError) Error() string {
	return fmt.Sprintf("stream opened with error event: %s", e.Detail)
}

type state int

const (
	stateAwaitFirst state = iota
	stateStreaming
	stateTerminated
)

// Relay wraps one upstream SSE body. Not safe for concurrent use; the
// Prime/Run sequence owns it.
type Relay struct {
	body io.ReadCloser
	tap  *usage.Tap

	state           state
	midStreamDetail string
}

// New wraps an upstream response body. The tap may be nil in tests.
func New(body io.ReadCloser, tap *usage.Tap) *Relay {
	return &Relay{body: body, tap: tap}
}

// Close releases the upstream body. Run closes it on its own; Close is for
// abandoning a relay that was never committed.
func (r *Relay) Close() {
	_ = r.body.Close()
}

// MidStreamDetail returns the raw error segment observed after commit, empty
// when the stream ended cleanly.
func (r *Relay) MidStreamDetail() string {
	return r.midStreamDetail
}

// Prime reads upstream chunks until the stream commits or fails. On commit
// it returns the committing chunk, which the caller forwards first; chunks
// seen before it carried no real event and are dropped. Failure returns
// *FirstEventError, ErrEmptyStream, or the read error.
func (r *Relay) Prime(ctx context.Context) ([]byte, error) {
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.body.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			committed, failure := r.primeChunk(chunk)
			if failure != nil {
				return nil, failure
			}
			if committed {
				return chunk, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrEmptyStream
			}
			return nil, err
		}
	}
}

// Run pumps the remaining upstream bytes after a successful Prime. The
// returned channel closes when the upstream ends, the context is canceled,
// or a mid-stream error truncates the relay. The body is closed on exit.
func (r *Relay) Run(ctx context.Context) <-chan []byte {
	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		defer func() { _ = r.body.Close() }()
		buf := make([]byte, readChunkSize)
		for {
			n, err := r.body.Read(buf)
			if n > 0 {
				chunk := bytes.Clone(buf[:n])
				forward := r.streamChunk(chunk)
				if forward {
					select {
					case out <- chunk:
					case <-ctx.Done():
						return
					}
				}
				if r.state == stateTerminated {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					log.Debugf("upstream stream read ended: %v", err)
				}
				return
			}
		}
	}()
	return out
}

// primeChunk classifies a chunk while awaiting the first real event.
// It returns whether the stream committed and, exclusively, a failure.
func (r *Relay) primeChunk(chunk []byte) (bool, error) {
	if !utf8.Valid(chunk) {
		// Binary data cannot be a keep-alive comment; commit and pass through.
		r.commit()
		return true, nil
	}
	for _, segment := range splitSegments(chunk) {
		payload, ok := dataPayload(segment)
		if !ok {
			continue
		}
		if !gjson.ValidBytes(payload) {
			log.Debugf("unparseable data segment during stream open (%d bytes), passing through", len(payload))
			r.commit()
			r.observeSegments(chunk)
			return true, nil
		}
		parsed := gjson.ParseBytes(payload)
		if parsed.Get("error").Exists() || parsed.Get("detail").Exists() {
			r.state = stateTerminated
			return false, &FirstEventError{Detail: string(payload)}
		}
		r.commit()
		r.observeSegments(chunk)
		return true, nil
	}
	// Nothing but comments and keep-alives; keep waiting.
	return false, nil
}

// streamChunk classifies a committed-stream chunk and reports whether to
// forward it. A mid-stream error terminates the relay without forwarding.
func (r *Relay) streamChunk(chunk []byte) bool {
	if !utf8.Valid(chunk) {
		return true
	}
	for _, segment := range splitSegments(chunk) {
		payload, ok := dataPayload(segment)
		if !ok {
			continue
		}
		if !gjson.ValidBytes(payload) {
			log.Debugf("unparseable data segment mid-stream (%d bytes), passing through", len(payload))
			continue
		}
		parsed := gjson.ParseBytes(payload)
		if parsed.Get("code").Exists() && parsed.Get("error.message").Exists() {
			r.state = stateTerminated
			r.midStreamDetail = string(payload)
			return false
		}
		r.observePayload(payload, parsed)
	}
	return true
}

func (r *Relay) commit() {
	r.state = stateStreaming
	r.tap.MarkDelivered()
}

// observeSegments runs usage/content extraction over every data segment of
// an already-committed chunk.
func (r *Relay) observeSegments(chunk []byte) {
	for _, segment := range splitSegments(chunk) {
		payload, ok := dataPayload(segment)
		if !ok || !gjson.ValidBytes(payload) {
			continue
		}
		r.observePayload(payload, gjson.ParseBytes(payload))
	}
}

func (r *Relay) observePayload(payload []byte, parsed gjson.Result) {
	r.tap.ObserveUsage(payload)
	if content := parsed.Get("choices.0.delta.content"); content.Exists() {
		r.tap.ObserveContent(content.String())
	} else if content = parsed.Get("choices.0.message.content"); content.Exists() {
		r.tap.ObserveContent(content.String())
	}
}

// splitSegments breaks a chunk into SSE event segments on blank lines.
func splitSegments(chunk []byte) []string {
	return strings.Split(string(chunk), "\n\n")
}

// dataPayload extracts the JSON body of a `data: {...}` segment. Comments,
// [DONE], event fields, and bare keep-alives report ok=false.
func dataPayload(segment string) ([]byte, bool) {
	trimmed := strings.TrimSpace(segment)
	if !strings.HasPrefix(trimmed, "data:") {
		return nil, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
	if !strings.HasPrefix(payload, "{") {
		return nil, false
	}
	return []byte(payload), true
}
