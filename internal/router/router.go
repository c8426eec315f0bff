package router

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fabiojbg/LLMApiGateway/internal/config"
	"github.com/fabiojbg/LLMApiGateway/internal/logging"
	"github.com/fabiojbg/LLMApiGateway/internal/store"
	"github.com/fabiojbg/LLMApiGateway/internal/upstream"
	"github.com/fabiojbg/LLMApiGateway/internal/usage"
)

// retryDelayMax bounds the accepted retry sleep; values at or beyond it (or
// at or below zero) disable the sleep.
const retryDelayMax = 120

// Request carries one chat completion through the router. Body is the
// caller's original JSON and is never mutated.
type Request struct {
	CallerKey    string
	GatewayModel string
	Streaming    bool
	Body         []byte
	Tap          *usage.Tap
}

// Router orchestrates candidate selection and the attempt loop.
type Router struct {
	cfg      *config.Store
	settings *config.Settings
	rotation *store.RotationStore
	executor *attemptExecutor
}

// New creates a router over the shared collaborators.
func New(cfg *config.Store, settings *config.Settings, client *upstream.Client, rotation *store.RotationStore) *Router {
	return &Router{
		cfg:      cfg,
		settings: settings,
		rotation: rotation,
		executor: newAttemptExecutor(client),
	}
}

// Route resolves the rule for the request and walks candidates until one
// succeeds. It returns the first success, or the last failure once every
// candidate, retry, and sub-provider is exhausted.
func (rt *Router) Route(ctx context.Context, req *Request) (*Result, *Failure) {
	snap := rt.cfg.Snapshot()

	candidates, rotate := rt.resolveCandidates(snap, req)
	if len(candidates) == 0 {
		return nil, &Failure{
			Kind:   FailureConfigMissing,
			Detail: fmt.Sprintf("no routing rule for model '%s' and no fallback provider configured", req.GatewayModel),
		}
	}
	if rotate && len(candidates) > 1 {
		start := rt.rotation.NextIndex(ctx, req.CallerKey, req.GatewayModel, len(candidates))
		candidates = append(candidates[start:], candidates[:start]...)
		log.WithField("request_id", logging.GetRequestID(ctx)).Debugf("rotation start index %d for model '%s'", start, req.GatewayModel)
	}

	lastFailure := &Failure{Kind: FailureUnexpected, Detail: "no providers were attempted"}
	reqLog := log.WithField("request_id", logging.GetRequestID(ctx))

	for _, cand := range candidates {
		cand := cand
		provider := snap.ProviderByName(cand.Provider)
		if provider == nil {
			reqLog.WithFields(log.Fields{"provider": cand.Provider, "model": cand.Model}).
				Warn("candidate references unknown provider, skipping")
			lastFailure = &Failure{Kind: FailureConfigMissing, Detail: fmt.Sprintf("unknown provider '%s'", cand.Provider)}
			continue
		}

		expand := cand.UseProviderOrderAsFallback && len(cand.ProvidersOrder) > 0
		attempt := 0

		for retriesLeft := cand.RetryCount; retriesLeft >= 0; retriesLeft-- {
			attempt++
			if expand {
				for _, sub := range cand.ProvidersOrder {
					result, failure := rt.executor.execute(ctx, req, attemptSpec{provider: provider, candidate: &cand, subProvider: sub}, req.Tap)
					if failure == nil {
						return result, nil
					}
					lastFailure = failure
					reqLog.WithFields(log.Fields{
						"provider": provider.Name, "model": cand.Model, "sub_provider": sub,
						"attempt": attempt, "status": failure.Status, "reason": failure.Kind.String(),
					}).Warnf("attempt failed: %s", failure.Detail)
					if ctx.Err() != nil {
						return nil, &Failure{Kind: FailureCanceled, Detail: ctx.Err().Error()}
					}
				}
			} else {
				result, failure := rt.executor.execute(ctx, req, attemptSpec{provider: provider, candidate: &cand}, req.Tap)
				if failure == nil {
					return result, nil
				}
				lastFailure = failure
				reqLog.WithFields(log.Fields{
					"provider": provider.Name, "model": cand.Model,
					"attempt": attempt, "status": failure.Status, "reason": failure.Kind.String(),
				}).Warnf("attempt failed: %s", failure.Detail)
			}
			if ctx.Err() != nil {
				return nil, &Failure{Kind: FailureCanceled, Detail: ctx.Err().Error()}
			}
			if retriesLeft > 0 && cand.RetryDelay > 0 && cand.RetryDelay < retryDelayMax {
				reqLog.Infof("retrying model '%s' in %d seconds, %d attempts left", cand.Model, cand.RetryDelay, retriesLeft)
				if !sleepCtx(ctx, time.Duration(cand.RetryDelay)*time.Second) {
					return nil, &Failure{Kind: FailureCanceled, Detail: "client disconnected during retry delay"}
				}
			}
		}
	}

	reqLog.Errorf("all providers failed for model '%s': %s", req.GatewayModel, lastFailure.Detail)
	return nil, lastFailure
}

// resolveCandidates returns the rule's candidates, or a synthesized
// single-candidate sequence through the fallback provider.
func (rt *Router) resolveCandidates(snap *config.Snapshot, req *Request) ([]config.Candidate, bool) {
	if rule := snap.RuleFor(req.GatewayModel); rule != nil {
		return append([]config.Candidate(nil), rule.FallbackModels...), bool(rule.RotateModels)
	}
	if rt.settings.FallbackProvider == "" {
		return nil, false
	}
	log.Warnf("no routing rule for model '%s', using fallback provider '%s'", req.GatewayModel, rt.settings.FallbackProvider)
	return []config.Candidate{{Provider: rt.settings.FallbackProvider, Model: req.GatewayModel}}, false
}

// sleepCtx waits for the given duration, returning false if the context is
// canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
