package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fabiojbg/LLMApiGateway/internal/config"
	"github.com/fabiojbg/LLMApiGateway/internal/store"
	"github.com/fabiojbg/LLMApiGateway/internal/upstream"
	"github.com/fabiojbg/LLMApiGateway/internal/usage"
)

// upstreamFake records chat-completion requests and plays scripted responses.
type upstreamFake struct {
	t  *testing.T
	mu sync.Mutex

	bodies  [][]byte
	handler func(n int, w http.ResponseWriter, body []byte)
	srv     *httptest.Server
}

func newUpstreamFake(t *testing.T, handler func(n int, w http.ResponseWriter, body []byte)) *upstreamFake {
	f := &upstreamFake{t: t, handler: handler}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, body)
		n := len(f.bodies)
		f.mu.Unlock()
		f.handler(n, w, body)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *upstreamFake) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func (f *upstreamFake) body(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

type routerFixture struct {
	router  *Router
	manager *usage.Manager
	plugin  *capturePlugin
}

type capturePlugin struct {
	mu      sync.Mutex
	records []usage.Record
}

func (p *capturePlugin) HandleUsage(_ context.Context, record usage.Record) {
	p.mu.Lock()
	p.records = append(p.records, record)
	p.mu.Unlock()
}

func (p *capturePlugin) snapshot() []usage.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]usage.Record(nil), p.records...)
}

// newFixture wires a router over real config files, a temp sqlite rotation
// store, and the given provider base URLs.
func newFixture(t *testing.T, fallbackProvider string, providers map[string]string, rules string) *routerFixture {
	t.Helper()
	dir := t.TempDir()
	settings := &config.Settings{
		FallbackProvider: fallbackProvider,
		ProvidersFile:    filepath.Join(dir, "providers.json"),
		RulesFile:        filepath.Join(dir, "rules.json"),
	}

	var entries []map[string]map[string]string
	for name, baseURL := range providers {
		entries = append(entries, map[string]map[string]string{
			name: {"baseUrl": baseURL, "apikey": "test-key-" + name},
		})
	}
	providersJSON, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	if err = os.WriteFile(settings.ProvidersFile, providersJSON, 0o644); err != nil {
		t.Fatal(err)
	}
	if rules == "" {
		rules = "[]"
	}
	if err = os.WriteFile(settings.RulesFile, []byte(rules), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.NewStore(settings)
	if err = cfg.Load(); err != nil {
		t.Fatalf("config load: %v", err)
	}

	db, err := store.Open(context.Background(), filepath.Join(dir, "gateway.db"))
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	manager := usage.NewManager()
	manager.Start(context.Background())
	t.Cleanup(manager.Stop)
	plugin := &capturePlugin{}
	manager.Register(plugin)

	return &routerFixture{
		router:  New(cfg, settings, upstream.NewClient(""), store.NewRotationStore(db)),
		manager: manager,
		plugin:  plugin,
	}
}

func (f *routerFixture) request(model string, streaming bool) *Request {
	body := fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"hi"}],"stream":%v}`, model, streaming)
	return &Request{
		CallerKey:    "caller",
		GatewayModel: model,
		Streaming:    streaming,
		Body:         []byte(body),
		Tap:          usage.NewTap(f.manager, model),
	}
}

func (f *routerFixture) waitRecords(t *testing.T, want int) []usage.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if records := f.plugin.snapshot(); len(records) >= want {
			return records
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d usage records", want)
	return nil
}

func TestRouteFallbackProviderVerbatimBody(t *testing.T) {
	respBody := `{"id":"x","choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`
	up := newUpstreamFake(t, func(_ int, w http.ResponseWriter, _ []byte) {
		_, _ = w.Write([]byte(respBody))
	})
	f := newFixture(t, "openrouter", map[string]string{"openrouter": up.srv.URL}, "")

	req := f.request("m1", false)
	result, failure := f.router.Route(context.Background(), req)
	if failure != nil {
		t.Fatalf("Route: %v", failure)
	}
	if string(result.JSON) != respBody {
		t.Fatalf("body = %s", result.JSON)
	}
	if result.Provider != "openrouter" {
		t.Errorf("provider = %s", result.Provider)
	}
	if got := gjson.GetBytes(up.body(0), "model").String(); got != "m1" {
		t.Errorf("upstream model = %q", got)
	}

	req.Tap.Publish(context.Background())
	records := f.waitRecords(t, 1)
	r := records[0]
	if r.Detail.PromptTokens != 5 || r.Detail.CompletionTokens != 3 || r.Detail.TotalTokens != 8 {
		t.Errorf("usage = %+v", r.Detail)
	}
	if r.Model != "m1" || r.Provider != "openrouter" {
		t.Errorf("attribution = %s/%s", r.Model, r.Provider)
	}
}

func TestRouteFailoverOnStreamFirstEventError(t *testing.T) {
	a := newUpstreamFake(t, func(_ int, w http.ResponseWriter, _ []byte) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"error\":{\"message\":\"quota\"}}\n\n"))
	})
	bPayload := "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\ndata: [DONE]\n\n"
	b := newUpstreamFake(t, func(_ int, w http.ResponseWriter, _ []byte) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(bPayload))
	})
	rules := `[{"gateway_model_name":"m2","fallback_models":[
		{"provider":"A","model":"a-model"},
		{"provider":"B","model":"b-model"}]}]`
	f := newFixture(t, "", map[string]string{"A": a.srv.URL, "B": b.srv.URL}, rules)

	result, failure := f.router.Route(context.Background(), f.request("m2", true))
	if failure != nil {
		t.Fatalf("Route: %v", failure)
	}
	if result.Provider != "B" {
		t.Fatalf("provider = %s", result.Provider)
	}
	var relayed []byte
	relayed = append(relayed, result.Primed...)
	for chunk := range result.Stream.Run(context.Background()) {
		relayed = append(relayed, chunk...)
	}
	if string(relayed) != bPayload {
		t.Fatalf("relayed = %q", relayed)
	}
	if a.calls() != 1 || b.calls() != 1 {
		t.Errorf("calls a=%d b=%d", a.calls(), b.calls())
	}
}

func TestRouteRotationAdvancesAcrossRequests(t *testing.T) {
	fail := func(_ int, w http.ResponseWriter, _ []byte) {
		http.Error(w, `{"error":"down"}`, http.StatusInternalServerError)
	}
	ok := func(_ int, w http.ResponseWriter, _ []byte) {
		_, _ = w.Write([]byte(`{"id":"ok","choices":[]}`))
	}
	a := newUpstreamFake(t, fail)
	b := newUpstreamFake(t, ok)
	c := newUpstreamFake(t, ok)
	rules := `[{"gateway_model_name":"m3","rotate_models":true,"fallback_models":[
		{"provider":"A","model":"a"},
		{"provider":"B","model":"b"},
		{"provider":"C","model":"c"}]}]`
	f := newFixture(t, "", map[string]string{"A": a.srv.URL, "B": b.srv.URL, "C": c.srv.URL}, rules)

	// Start indices should advance 0,1,2,0,1 across five requests.
	var servedBy []string
	for i := 0; i < 5; i++ {
		result, failure := f.router.Route(context.Background(), f.request("m3", false))
		if failure != nil {
			t.Fatalf("request %d: %v", i, failure)
		}
		servedBy = append(servedBy, result.Provider)
	}
	want := []string{"B", "B", "C", "B", "B"}
	for i := range want {
		if servedBy[i] != want[i] {
			t.Fatalf("servedBy = %v, want %v", servedBy, want)
		}
	}
	// A was the starting candidate on requests 1 and 4 only.
	if a.calls() != 2 {
		t.Errorf("A calls = %d, want 2", a.calls())
	}
}

func TestRouteSubProviderFallbackExpansion(t *testing.T) {
	up := newUpstreamFake(t, func(n int, w http.ResponseWriter, _ []byte) {
		if n == 1 {
			http.Error(w, "bad", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"p2-wins","choices":[]}`))
	})
	rules := `[{"gateway_model_name":"m4","fallback_models":[
		{"provider":"openrouter","model":"z","providers_order":["p1","p2"],"use_provider_order_as_fallback":true}]}]`
	f := newFixture(t, "", map[string]string{"openrouter": up.srv.URL}, rules)

	result, failure := f.router.Route(context.Background(), f.request("m4", false))
	if failure != nil {
		t.Fatalf("Route: %v", failure)
	}
	if gjson.GetBytes(result.JSON, "id").String() != "p2-wins" {
		t.Fatalf("body = %s", result.JSON)
	}
	if up.calls() != 2 {
		t.Fatalf("calls = %d, want 2", up.calls())
	}
	for i, wantSub := range []string{"p1", "p2"} {
		body := up.body(i)
		order := gjson.GetBytes(body, "provider.order")
		if len(order.Array()) != 1 || order.Array()[0].String() != wantSub {
			t.Errorf("attempt %d provider.order = %s", i, order.Raw)
		}
		if gjson.GetBytes(body, "allow_fallbacks").Bool() {
			t.Errorf("attempt %d allow_fallbacks not false", i)
		}
	}
}

func TestRouteListModeInjectsWholeOrder(t *testing.T) {
	up := newUpstreamFake(t, func(_ int, w http.ResponseWriter, _ []byte) {
		_, _ = w.Write([]byte(`{"id":"ok","choices":[]}`))
	})
	rules := `[{"gateway_model_name":"m5","fallback_models":[
		{"provider":"openrouter","model":"z","providers_order":["p1","p2"],"use_provider_order_as_fallback":false}]}]`
	f := newFixture(t, "", map[string]string{"openrouter": up.srv.URL}, rules)

	if _, failure := f.router.Route(context.Background(), f.request("m5", false)); failure != nil {
		t.Fatalf("Route: %v", failure)
	}
	if up.calls() != 1 {
		t.Fatalf("calls = %d, want 1", up.calls())
	}
	order := gjson.GetBytes(up.body(0), "provider.order").Array()
	if len(order) != 2 || order[0].String() != "p1" || order[1].String() != "p2" {
		t.Fatalf("provider.order = %v", order)
	}
}

func TestRouteRetriesThenSucceeds(t *testing.T) {
	up := newUpstreamFake(t, func(n int, w http.ResponseWriter, _ []byte) {
		if n <= 2 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"id":"ok","choices":[]}`))
	})
	rules := `[{"gateway_model_name":"m6","fallback_models":[
		{"provider":"A","model":"a","retry_count":2,"retry_delay":1}]}]`
	f := newFixture(t, "", map[string]string{"A": up.srv.URL}, rules)

	start := time.Now()
	result, failure := f.router.Route(context.Background(), f.request("m6", false))
	if failure != nil {
		t.Fatalf("Route: %v", failure)
	}
	if up.calls() != 3 {
		t.Fatalf("calls = %d, want 3", up.calls())
	}
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Errorf("elapsed = %v, want >= 2s of retry delay", elapsed)
	}
	if gjson.GetBytes(result.JSON, "id").String() != "ok" {
		t.Errorf("body = %s", result.JSON)
	}
}

func TestRouteRetryDelayOutOfRangeDoesNotSleep(t *testing.T) {
	up := newUpstreamFake(t, func(_ int, w http.ResponseWriter, _ []byte) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	for _, delay := range []int{0, 120, -1} {
		rules := fmt.Sprintf(`[{"gateway_model_name":"m7","fallback_models":[
			{"provider":"A","model":"a","retry_count":1,"retry_delay":%d}]}]`, delay)
		f := newFixture(t, "", map[string]string{"A": up.srv.URL}, rules)

		start := time.Now()
		if _, failure := f.router.Route(context.Background(), f.request("m7", false)); failure == nil {
			t.Fatal("expected failure")
		}
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Errorf("delay=%d slept %v, want none", delay, elapsed)
		}
	}
}

func TestRouteAllCandidatesFail(t *testing.T) {
	up := newUpstreamFake(t, func(_ int, w http.ResponseWriter, _ []byte) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	})
	rules := `[{"gateway_model_name":"m8","fallback_models":[{"provider":"A","model":"a"}]}]`
	f := newFixture(t, "", map[string]string{"A": up.srv.URL}, rules)

	result, failure := f.router.Route(context.Background(), f.request("m8", false))
	if result != nil {
		t.Fatal("expected failure")
	}
	if failure.Kind != FailureHTTPStatus || failure.Status != http.StatusServiceUnavailable {
		t.Fatalf("failure = %+v", failure)
	}
	if failure.Detail == "" {
		t.Error("failure detail empty")
	}
}

func TestRouteNoRuleNoFallbackProvider(t *testing.T) {
	f := newFixture(t, "", map[string]string{"A": "http://127.0.0.1:0"}, "")
	result, failure := f.router.Route(context.Background(), f.request("missing", false))
	if result != nil || failure == nil {
		t.Fatal("expected config-missing failure")
	}
	if failure.Kind != FailureConfigMissing {
		t.Fatalf("kind = %s", failure.Kind)
	}
}

func TestRouteCanceledContextStopsAttempts(t *testing.T) {
	up := newUpstreamFake(t, func(_ int, w http.ResponseWriter, _ []byte) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	rules := `[{"gateway_model_name":"mc","fallback_models":[
		{"provider":"A","model":"a"},
		{"provider":"B","model":"b"}]}]`
	f := newFixture(t, "", map[string]string{"A": up.srv.URL, "B": up.srv.URL}, rules)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, failure := f.router.Route(ctx, f.request("mc", false))
	if failure == nil || failure.Kind != FailureCanceled {
		t.Fatalf("failure = %+v", failure)
	}
	if up.calls() > 1 {
		t.Errorf("calls = %d after cancellation", up.calls())
	}
}

func TestRouteBufferedUpstreamJSONErrorFailsOver(t *testing.T) {
	bad := newUpstreamFake(t, func(_ int, w http.ResponseWriter, _ []byte) {
		// 200 with an embedded error object
		_, _ = w.Write([]byte(`{"error":{"message":"model unavailable"}}`))
	})
	good := newUpstreamFake(t, func(_ int, w http.ResponseWriter, _ []byte) {
		_, _ = w.Write([]byte(`{"id":"ok","choices":[]}`))
	})
	rules := `[{"gateway_model_name":"mj","fallback_models":[
		{"provider":"A","model":"a"},
		{"provider":"B","model":"b"}]}]`
	f := newFixture(t, "", map[string]string{"A": bad.srv.URL, "B": good.srv.URL}, rules)

	result, failure := f.router.Route(context.Background(), f.request("mj", false))
	if failure != nil {
		t.Fatalf("Route: %v", failure)
	}
	if result.Provider != "B" {
		t.Fatalf("provider = %s", result.Provider)
	}
}

func TestResolveAPIKeyLiteralFallback(t *testing.T) {
	exec := &attemptExecutor{env: func(name string) string {
		if name == "SET_KEY" {
			return "from-env"
		}
		return ""
	}}
	if got := exec.resolveAPIKey("SET_KEY"); got != "from-env" {
		t.Errorf("env-backed ref = %q", got)
	}
	if got := exec.resolveAPIKey("sk-literal-key"); got != "sk-literal-key" {
		t.Errorf("literal ref = %q", got)
	}
	if got := exec.resolveAPIKey(""); got != "" {
		t.Errorf("empty ref = %q", got)
	}
}

func TestBuildPayloadDoesNotMutateOriginal(t *testing.T) {
	exec := newAttemptExecutor(nil)
	original := []byte(`{"model":"gw","messages":[{"role":"user","content":"hi"}]}`)
	keep := append([]byte(nil), original...)

	cand := &config.Candidate{Model: "real", CustomBodyParams: map[string]any{"temperature": 0.2}}
	payload, err := exec.buildPayload(original, attemptSpec{
		provider:  &config.Provider{Name: "p"},
		candidate: cand,
	})
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	if string(original) != string(keep) {
		t.Fatal("original body mutated")
	}
	if gjson.GetBytes(payload, "model").String() != "real" {
		t.Errorf("model = %s", gjson.GetBytes(payload, "model").String())
	}
	if gjson.GetBytes(payload, "temperature").Float() != 0.2 {
		t.Errorf("custom body param lost")
	}
}
