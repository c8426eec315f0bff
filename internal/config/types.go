package config

import (
	"encoding/json"
	"sort"
	"strings"
)

// Provider describes one upstream OpenAI-compatible endpoint.
type Provider struct {
	// Name is the key callers use in rule candidates.
	Name string `json:"-"`
	// BaseURL is the endpoint root; /chat/completions is appended per attempt.
	BaseURL string `json:"baseUrl"`
	// APIKeyRef is either an environment variable name or the literal key.
	APIKeyRef string `json:"apikey"`
}

// Candidate is one provider+model attempt configuration within a Rule.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	// ProvidersOrder lists sub-provider identifiers for aggregator providers
	// such as OpenRouter, injected as provider.order in the payload.
	ProvidersOrder []string `json:"providers_order,omitempty"`
	// UseProviderOrderAsFallback expands ProvidersOrder into one attempt per
	// sub-provider instead of passing the whole list as a routing hint.
	UseProviderOrderAsFallback bool `json:"use_provider_order_as_fallback,omitempty"`
	// RetryDelay is the sleep between retries in seconds; only values in
	// (0,120) actually sleep.
	RetryDelay int `json:"retry_delay,omitempty"`
	// RetryCount is the number of retries after the initial attempt.
	RetryCount int `json:"retry_count,omitempty"`
	// CustomBodyParams are merged into the request payload, overwriting on
	// conflict.
	CustomBodyParams map[string]any `json:"custom_body_params,omitempty"`
	// CustomHeaders are overlaid onto the attempt headers.
	CustomHeaders map[string]any `json:"custom_headers,omitempty"`
}

// Rule maps a gateway model name to its ordered candidate list.
type Rule struct {
	GatewayModelName string      `json:"gateway_model_name"`
	FallbackModels   []Candidate `json:"fallback_models"`
	RotateModels     FlexBool    `json:"rotate_models,omitempty"`
}

// FlexBool accepts JSON booleans as well as "true"/"false" strings, which
// appear in hand-edited rule files.
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = FlexBool(t)
	case string:
		*b = FlexBool(strings.EqualFold(strings.TrimSpace(t), "true"))
	default:
		*b = false
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (b FlexBool) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}

// Snapshot is an immutable view of the provider and rule configuration.
// Requests hold the snapshot they started with for their whole lifetime.
type Snapshot struct {
	Providers map[string]Provider
	Rules     map[string]*Rule
}

// ProviderByName resolves a provider, nil when unknown.
func (s *Snapshot) ProviderByName(name string) *Provider {
	if s == nil {
		return nil
	}
	if p, ok := s.Providers[name]; ok {
		return &p
	}
	return nil
}

// RuleFor returns the rule for a gateway model, nil when none is configured.
func (s *Snapshot) RuleFor(gatewayModel string) *Rule {
	if s == nil {
		return nil
	}
	return s.Rules[gatewayModel]
}

// ModelNames returns the configured gateway model names in stable order.
func (s *Snapshot) ModelNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Rules))
	for name := range s.Rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
