package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/fabiojbg/LLMApiGateway/internal/config"
	"github.com/fabiojbg/LLMApiGateway/internal/relay"
	"github.com/fabiojbg/LLMApiGateway/internal/upstream"
	"github.com/fabiojbg/LLMApiGateway/internal/usage"
)

const (
	refererHeader = "https://github.com/fabiojbg/LLMApiGateway"
	titleHeader   = "LLMGateway"
)

// attemptSpec describes one upstream call: the resolved provider, the
// candidate, and whether this is a per-sub-provider expansion.
type attemptSpec struct {
	provider    *config.Provider
	candidate   *config.Candidate
	subProvider string
}

// attemptExecutor builds and performs single attempts. env is swappable for
// tests and defaults to os.Getenv.
type attemptExecutor struct {
	client *upstream.Client
	env    func(string) string
}

func newAttemptExecutor(client *upstream.Client) *attemptExecutor {
	return &attemptExecutor{client: client, env: os.Getenv}
}

// resolveAPIKey returns the env value named by ref when set, else the literal
// ref. An empty result omits the Authorization header.
func (e *attemptExecutor) resolveAPIKey(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if value := strings.TrimSpace(e.env(ref)); value != "" {
		return value
	}
	return ref
}

func (e *attemptExecutor) buildHeaders(spec attemptSpec) http.Header {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("HTTP-Referer", refererHeader)
	headers.Set("X-Title", titleHeader)
	if key := e.resolveAPIKey(spec.provider.APIKeyRef); key != "" {
		headers.Set("Authorization", "Bearer "+key)
	}
	for name, value := range spec.candidate.CustomHeaders {
		headers.Set(name, fmt.Sprint(value))
	}
	return headers
}

// buildPayload derives the attempt body from the caller's body without
// mutating it: model override, custom params, then sub-provider routing.
func (e *attemptExecutor) buildPayload(original []byte, spec attemptSpec) ([]byte, error) {
	payload := bytes.Clone(original)
	var err error
	if payload, err = sjson.SetBytes(payload, "model", spec.candidate.Model); err != nil {
		return nil, err
	}
	for key, value := range spec.candidate.CustomBodyParams {
		if payload, err = sjson.SetBytes(payload, key, value); err != nil {
			return nil, err
		}
	}
	switch {
	case spec.subProvider != "":
		if payload, err = sjson.SetBytes(payload, "provider.order", []string{spec.subProvider}); err != nil {
			return nil, err
		}
		if payload, err = sjson.SetBytes(payload, "allow_fallbacks", false); err != nil {
			return nil, err
		}
	case len(spec.candidate.ProvidersOrder) > 0:
		// List mode: hand the whole preference list to the aggregator.
		if payload, err = sjson.SetBytes(payload, "provider.order", spec.candidate.ProvidersOrder); err != nil {
			return nil, err
		}
		if payload, err = sjson.SetBytes(payload, "allow_fallbacks", false); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// execute performs one attempt and classifies the outcome.
func (e *attemptExecutor) execute(ctx context.Context, req *Request, spec attemptSpec, tap *usage.Tap) (*Result, *Failure) {
	payload, err := e.buildPayload(req.Body, spec)
	if err != nil {
		return nil, &Failure{Kind: FailureUnexpected, Detail: "payload build failed: " + err.Error()}
	}
	headers := e.buildHeaders(spec)

	if !req.Streaming {
		return e.executeBuffered(ctx, spec, headers, payload, tap)
	}
	return e.executeStream(ctx, spec, headers, payload, tap)
}

func (e *attemptExecutor) executeBuffered(ctx context.Context, spec attemptSpec, headers http.Header, payload []byte, tap *usage.Tap) (*Result, *Failure) {
	status, body, err := e.client.PostJSON(ctx, spec.provider.BaseURL, "/chat/completions", headers, payload)
	if err != nil {
		return nil, classifyTransportError(err, status)
	}
	if !gjson.ValidBytes(body) {
		return nil, &Failure{Kind: FailureInvalidJSON, Status: status, Detail: "response is not valid JSON"}
	}
	parsed := gjson.ParseBytes(body)
	if parsed.Get("error").Exists() || parsed.Get("detail").Exists() {
		return nil, &Failure{Kind: FailureUpstreamJSON, Status: status, Detail: compactDetail(body)}
	}
	tap.Attribute(spec.provider.Name)
	tap.MarkDelivered()
	tap.ObserveUsage(body)
	if content := parsed.Get("choices.0.message.content"); content.Exists() {
		tap.ObserveContent(content.String())
	}
	return &Result{Provider: spec.provider.Name, Model: spec.candidate.Model, JSON: body}, nil
}

func (e *attemptExecutor) executeStream(ctx context.Context, spec attemptSpec, headers http.Header, payload []byte, tap *usage.Tap) (*Result, *Failure) {
	resp, err := e.client.OpenStream(ctx, spec.provider.BaseURL, "/chat/completions", headers, payload)
	if err != nil {
		return nil, classifyTransportError(err, 0)
	}
	streamRelay := relay.New(resp.Body, tap)
	primed, err := streamRelay.Prime(ctx)
	if err != nil {
		streamRelay.Close()
		var firstEvent *relay.FirstEventError
		switch {
		case errors.As(err, &firstEvent):
			return nil, &Failure{Kind: FailureStreamFirstEvent, Detail: firstEvent.Detail}
		case errors.Is(err, relay.ErrEmptyStream):
			return nil, &Failure{Kind: FailureStreamFirstEvent, Detail: "empty stream"}
		case ctx.Err() != nil:
			return nil, &Failure{Kind: FailureCanceled, Detail: ctx.Err().Error()}
		default:
			return nil, &Failure{Kind: FailureNetwork, Detail: err.Error()}
		}
	}
	tap.Attribute(spec.provider.Name)
	return &Result{Provider: spec.provider.Name, Model: spec.candidate.Model, Primed: primed, Stream: streamRelay}, nil
}

func classifyTransportError(err error, status int) *Failure {
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		return &Failure{Kind: FailureHTTPStatus, Status: upErr.Code, Detail: upErr.Body}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: FailureCanceled, Detail: err.Error()}
	}
	return &Failure{Kind: FailureNetwork, Status: status, Detail: err.Error()}
}

// compactDetail trims an error body for the aggregate 503 message.
func compactDetail(body []byte) string {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512] + "..."
	}
	return detail
}
