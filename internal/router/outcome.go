// Package router implements the per-request orchestration: rule lookup,
// rotation, the candidate/retry/sub-provider attempt loop, and outcome
// classification.
package router

import (
	"fmt"

	"github.com/fabiojbg/LLMApiGateway/internal/relay"
)

// FailureKind classifies why an attempt (or the whole request) failed.
type FailureKind int

const (
	// FailureNetwork is a connect or read failure before a usable response.
	FailureNetwork FailureKind = iota
	// FailureHTTPStatus is an upstream response with status >= 400.
	FailureHTTPStatus
	// FailureUpstreamJSON is a 2xx body carrying a top-level error/detail.
	FailureUpstreamJSON
	// FailureStreamFirstEvent is an error detected before the stream committed.
	FailureStreamFirstEvent
	// FailureInvalidJSON is a 2xx body that does not parse.
	FailureInvalidJSON
	// FailureConfigMissing is a candidate referencing an unknown provider, or
	// a model with no rule and no fallback provider.
	FailureConfigMissing
	// FailureCanceled is a client disconnect during the attempt loop.
	FailureCanceled
	// FailureUnexpected is anything that should not happen.
	FailureUnexpected
)

// String returns the log name of the kind.
func (k FailureKind) String() string {
	switch k {
	case FailureNetwork:
		return "network"
	case FailureHTTPStatus:
		return "http_status"
	case FailureUpstreamJSON:
		return "upstream_json_error"
	case FailureStreamFirstEvent:
		return "stream_first_event_error"
	case FailureInvalidJSON:
		return "invalid_json"
	case FailureConfigMissing:
		return "config_missing"
	case FailureCanceled:
		return "canceled"
	default:
		return "unexpected"
	}
}

// Failure describes one failed attempt; the last one seen becomes the 503
// detail when every candidate is exhausted.
type Failure struct {
	Kind   FailureKind
	Status int
	Detail string
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", f.Kind, f.Status, f.Detail)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// Result is a successful routing outcome. Exactly one of JSON or Stream is
// set. For streams, Primed holds the committing chunk to send first, then
// the relay's Run channel supplies the rest.
type Result struct {
	Provider string
	Model    string
	JSON     []byte
	Primed   []byte
	Stream   *relay.Relay
}
