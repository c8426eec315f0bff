package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// ValidationError carries the structured issues found while validating a
// config document. The admin editor returns these verbatim with a 400.
type ValidationError struct {
	File   string   `json:"file"`
	Issues []string `json:"issues"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.File, strings.Join(e.Issues, "; "))
}

// Store owns the provider/rule snapshot and its reload lifecycle. Reads are
// lock-free; reloads and admin writes serialize on a mutex and install a new
// snapshot atomically so in-flight requests keep the view they started with.
type Store struct {
	providersPath    string
	rulesPath        string
	fallbackProvider string

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// NewStore creates a store bound to the configured file paths. Call Load
// before serving.
func NewStore(settings *Settings) *Store {
	return &Store{
		providersPath:    settings.ProvidersFile,
		rulesPath:        settings.RulesFile,
		fallbackProvider: settings.FallbackProvider,
	}
}

// Snapshot returns the current immutable configuration view.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// ProvidersPath returns the path of the providers document.
func (s *Store) ProvidersPath() string { return s.providersPath }

// RulesPath returns the path of the routing rules document.
func (s *Store) RulesPath() string { return s.rulesPath }

// Load reads and validates both documents and installs the first snapshot.
// The providers file is required; a missing rules file yields an empty rule
// set, matching a gateway that routes everything through the fallback
// provider.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	providersText, err := os.ReadFile(s.providersPath)
	if err != nil {
		return fmt.Errorf("config: read providers file %s: %w", s.providersPath, err)
	}
	rulesText, err := os.ReadFile(s.rulesPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("config: read rules file %s: %w", s.rulesPath, err)
		}
		log.Warnf("rules file %s not found, proceeding without fallback rules", s.rulesPath)
		rulesText = []byte("[]")
	}
	snap, err := s.buildSnapshot(providersText, rulesText)
	if err != nil {
		return err
	}
	s.snap.Store(snap)
	log.Infof("loaded %d providers and %d model rules", len(snap.Providers), len(snap.Rules))
	return nil
}

// Reload re-reads both documents. On any validation failure the current
// snapshot stays in place and the error is returned.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	providersText, err := os.ReadFile(s.providersPath)
	if err != nil {
		return fmt.Errorf("config: read providers file %s: %w", s.providersPath, err)
	}
	rulesText, err := os.ReadFile(s.rulesPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("config: read rules file %s: %w", s.rulesPath, err)
		}
		rulesText = []byte("[]")
	}
	snap, err := s.buildSnapshot(providersText, rulesText)
	if err != nil {
		return err
	}
	s.snap.Store(snap)
	log.Infof("configuration reloaded: %d providers, %d model rules", len(snap.Providers), len(snap.Rules))
	return nil
}

// RawProviders returns the providers file text for the admin editor.
func (s *Store) RawProviders() (string, error) {
	data, err := os.ReadFile(s.providersPath)
	return string(data), err
}

// RawRules returns the rules file text for the admin editor.
func (s *Store) RawRules() (string, error) {
	data, err := os.ReadFile(s.rulesPath)
	return string(data), err
}

// ReplaceProviders validates the prospective providers text against the
// current rules, writes the file atomically, and installs the new snapshot.
func (s *Store) ReplaceProviders(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rulesText, err := os.ReadFile(s.rulesPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("config: read rules file %s: %w", s.rulesPath, err)
		}
		rulesText = []byte("[]")
	}
	snap, err := s.buildSnapshot([]byte(text), rulesText)
	if err != nil {
		return err
	}
	if err = writeFileAtomic(s.providersPath, []byte(text)); err != nil {
		return fmt.Errorf("config: write providers file: %w", err)
	}
	s.snap.Store(snap)
	log.Infof("providers file updated via admin API: %d providers", len(snap.Providers))
	return nil
}

// ReplaceRules validates the prospective rules text against the current
// providers, writes the file atomically, and installs the new snapshot.
func (s *Store) ReplaceRules(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	providersText, err := os.ReadFile(s.providersPath)
	if err != nil {
		return fmt.Errorf("config: read providers file %s: %w", s.providersPath, err)
	}
	snap, err := s.buildSnapshot(providersText, []byte(text))
	if err != nil {
		return err
	}
	if err = writeFileAtomic(s.rulesPath, []byte(text)); err != nil {
		return fmt.Errorf("config: write rules file: %w", err)
	}
	s.snap.Store(snap)
	log.Infof("rules file updated via admin API: %d model rules", len(snap.Rules))
	return nil
}

func (s *Store) buildSnapshot(providersText, rulesText []byte) (*Snapshot, error) {
	providers, err := parseProviders(providersText, s.fallbackProvider)
	if err != nil {
		return nil, err
	}
	rules, err := parseRules(rulesText, providers)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Providers: providers, Rules: rules}, nil
}

func parseProviders(text []byte, fallbackProvider string) (map[string]Provider, error) {
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(stripJSONComments(text), &entries); err != nil {
		return nil, &ValidationError{File: "providers", Issues: []string{"invalid JSON: " + err.Error()}}
	}
	providers := make(map[string]Provider, len(entries))
	var issues []string
	for i, entry := range entries {
		if len(entry) != 1 {
			issues = append(issues, fmt.Sprintf("entry %d: each provider must be a single-keyed object", i))
			continue
		}
		for name, raw := range entry {
			var p Provider
			if err := json.Unmarshal(raw, &p); err != nil {
				issues = append(issues, fmt.Sprintf("provider %q: %v", name, err))
				continue
			}
			p.Name = name
			if strings.TrimSpace(name) == "" {
				issues = append(issues, fmt.Sprintf("entry %d: provider name is empty", i))
				continue
			}
			if strings.TrimSpace(p.BaseURL) == "" {
				issues = append(issues, fmt.Sprintf("provider %q: baseUrl is required", name))
			}
			if strings.TrimSpace(p.APIKeyRef) == "" {
				issues = append(issues, fmt.Sprintf("provider %q: apikey is required", name))
			}
			if _, dup := providers[name]; dup {
				issues = append(issues, fmt.Sprintf("provider %q: duplicate entry", name))
				continue
			}
			providers[name] = p
		}
	}
	if fallbackProvider != "" {
		if _, ok := providers[fallbackProvider]; !ok {
			issues = append(issues, fmt.Sprintf("fallback provider %q is not declared", fallbackProvider))
		}
	}
	if len(issues) > 0 {
		return nil, &ValidationError{File: "providers", Issues: issues}
	}
	return providers, nil
}

func parseRules(text []byte, providers map[string]Provider) (map[string]*Rule, error) {
	var entries []*Rule
	if err := json.Unmarshal(stripJSONComments(text), &entries); err != nil {
		return nil, &ValidationError{File: "rules", Issues: []string{"invalid JSON: " + err.Error()}}
	}
	rules := make(map[string]*Rule, len(entries))
	var issues []string
	for i, rule := range entries {
		if rule == nil || strings.TrimSpace(rule.GatewayModelName) == "" {
			issues = append(issues, fmt.Sprintf("rule %d: gateway_model_name is required", i))
			continue
		}
		name := rule.GatewayModelName
		if _, dup := rules[name]; dup {
			issues = append(issues, fmt.Sprintf("rule %q: duplicate gateway model", name))
			continue
		}
		if len(rule.FallbackModels) == 0 {
			issues = append(issues, fmt.Sprintf("rule %q: at least one fallback model is required", name))
			continue
		}
		for j, cand := range rule.FallbackModels {
			if strings.TrimSpace(cand.Provider) == "" {
				issues = append(issues, fmt.Sprintf("rule %q candidate %d: provider is required", name, j))
				continue
			}
			if strings.TrimSpace(cand.Model) == "" {
				issues = append(issues, fmt.Sprintf("rule %q candidate %d (%s): model is required", name, j, cand.Provider))
			}
			if _, ok := providers[cand.Provider]; !ok {
				issues = append(issues, fmt.Sprintf("rule %q candidate %d: unknown provider %q", name, j, cand.Provider))
			}
			if cand.RetryCount < 0 {
				issues = append(issues, fmt.Sprintf("rule %q candidate %d: retry_count must be >= 0", name, j))
			}
		}
		rules[name] = rule
	}
	if len(issues) > 0 {
		return nil, &ValidationError{File: "rules", Issues: issues}
	}
	return rules, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
