package usage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Tap accumulates the usage and content observed for a single gateway
// request and publishes at most one record, no matter how the request ends.
type Tap struct {
	manager      *Manager
	gatewayModel string

	mu        sync.Mutex
	provider  string
	detail    Detail
	cost      float64
	sawUsage  bool
	delivered bool
	content   strings.Builder

	publishOnce sync.Once
}

// NewTap creates a tap for one request against the given gateway model.
func NewTap(manager *Manager, gatewayModel string) *Tap {
	return &Tap{manager: manager, gatewayModel: gatewayModel}
}

// Attribute records which provider is serving the response. The last
// attribution before publish wins, matching the candidate that succeeded.
func (t *Tap) Attribute(provider string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.provider = provider
	t.mu.Unlock()
}

// MarkDelivered notes that the upstream started delivering content, which is
// the condition for emitting a record at all.
func (t *Tap) MarkDelivered() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.delivered = true
	t.mu.Unlock()
}

// ObserveUsage inspects a decoded upstream JSON payload and, when it carries
// a usage object, captures the normalized counters. Providers emit usage once
// near stream end; if several are seen the last one wins.
func (t *Tap) ObserveUsage(payload []byte) {
	if t == nil {
		return
	}
	usage := gjson.GetBytes(payload, "usage")
	if !usage.Exists() || !usage.IsObject() {
		return
	}
	prompt := usage.Get("prompt_tokens").Int()
	completion := usage.Get("completion_tokens").Int()
	total := usage.Get("total_tokens").Int()
	reasoning := usage.Get("completion_tokens_details.reasoning_tokens").Int()
	cached := usage.Get("prompt_tokens_details.cached_tokens").Int()
	// Recorded completion tokens exclude reasoning output.
	if reasoning > 0 && completion >= reasoning {
		completion -= reasoning
	}
	if total == 0 {
		total = prompt + completion + reasoning
	}

	t.mu.Lock()
	t.detail = Detail{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		ReasoningTokens:  reasoning,
		CachedTokens:     cached,
		TotalTokens:      total,
	}
	t.cost = usage.Get("cost").Float()
	t.sawUsage = true
	t.delivered = true
	t.mu.Unlock()
}

// ObserveContent appends response text for the chat transcript.
func (t *Tap) ObserveContent(s string) {
	if t == nil || s == "" {
		return
	}
	t.mu.Lock()
	t.content.WriteString(s)
	t.mu.Unlock()
}

// Content returns the accumulated response text.
func (t *Tap) Content() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.content.String()
}

// Publish emits the record when the upstream delivered anything. A request
// that never produced content records nothing; a delivered request with no
// usage object records zeros. Repeated calls are no-ops.
func (t *Tap) Publish(ctx context.Context) {
	if t == nil || t.manager == nil {
		return
	}
	t.mu.Lock()
	delivered := t.delivered
	record := Record{
		Provider:  t.provider,
		Model:     t.gatewayModel,
		Cost:      t.cost,
		Timestamp: time.Now().UTC(),
		Detail:    t.detail,
	}
	t.mu.Unlock()
	if !delivered {
		return
	}
	t.publishOnce.Do(func() {
		t.manager.Publish(ctx, record)
	})
}
