package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/fabiojbg/LLMApiGateway/internal/chatlog"
	"github.com/fabiojbg/LLMApiGateway/internal/config"
	"github.com/fabiojbg/LLMApiGateway/internal/router"
	"github.com/fabiojbg/LLMApiGateway/internal/store"
	"github.com/fabiojbg/LLMApiGateway/internal/upstream"
	"github.com/fabiojbg/LLMApiGateway/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	server  *Server
	store   *config.Store
	usage   *store.UsageStore
	chatDir string
}

// newAPIFixture assembles a full server over temp config files, a temp
// sqlite database, and httptest upstreams.
func newAPIFixture(t *testing.T, apiKey, fallbackProvider string, providers map[string]string, rules string) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	settings := &config.Settings{
		GatewayAPIKey:    apiKey,
		FallbackProvider: fallbackProvider,
		LogChatEnabled:   true,
		LogFileLimit:     10,
		CORSAllowOrigins: []string{"*"},
		ProvidersFile:    filepath.Join(dir, "providers.json"),
		RulesFile:        filepath.Join(dir, "rules.json"),
	}

	var entries []map[string]map[string]string
	for name, baseURL := range providers {
		entries = append(entries, map[string]map[string]string{
			name: {"baseUrl": baseURL, "apikey": "key-" + name},
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
	usageStore := store.NewUsageStore(db)

	manager := usage.NewManager()
	manager.Start(context.Background())
	t.Cleanup(manager.Stop)
	manager.Register(usageStore)

	client := upstream.NewClient("")
	chatDir := filepath.Join(dir, "chats")
	server := NewServer(Dependencies{
		Settings: settings,
		Config:   cfg,
		Router:   router.New(cfg, settings, client, store.NewRotationStore(db)),
		Usage:    usageStore,
		Manager:  manager,
		Client:   client,
		ChatLog:  chatlog.NewWriter(chatDir, settings.LogFileLimit),
	})
	return &apiFixture{server: server, store: cfg, usage: usageStore, chatDir: chatDir}
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthNoAuth(t *testing.T) {
	f := newAPIFixture(t, "secret", "", map[string]string{"A": "http://127.0.0.1:0"}, "")
	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gjson.Get(rec.Body.String(), "status").String() != "ok" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	f := newAPIFixture(t, "secret", "", map[string]string{"A": "http://127.0.0.1:0"}, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{}"))
	rec := f.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "detail") {
		t.Errorf("missing detail in %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer wrong")
	if rec = f.do(req); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong key status = %d", rec.Code)
	}

	// /v1/models is exempt
	if rec = f.do(httptest.NewRequest(http.MethodGet, "/v1/models", nil)); rec.Code != http.StatusOK {
		t.Fatalf("models status = %d", rec.Code)
	}
}

func TestChatCompletionsMissingModel(t *testing.T) {
	f := newAPIFixture(t, "", "", map[string]string{"A": "http://127.0.0.1:0"}, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	rec := f.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if gjson.Get(rec.Body.String(), "detail").String() != "Missing 'model' in request body" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestChatCompletionsNonStreamVerbatim(t *testing.T) {
	respBody := `{"id":"cmpl-1","choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}}`
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(respBody))
	}))
	defer up.Close()

	f := newAPIFixture(t, "", "openrouter", map[string]string{"openrouter": up.URL}, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != respBody {
		t.Fatalf("body not verbatim: %s", rec.Body.String())
	}

	// Usage record lands asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := f.usage.Latest(context.Background(), 10, 0)
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if len(records) == 1 {
			if records[0].TotalTokens != 3 || records[0].Provider != "openrouter" {
				t.Fatalf("record = %+v", records[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("usage record never landed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Transcript written with the response content.
	entries, err := os.ReadDir(f.chatDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("transcripts = %v err = %v", entries, err)
	}
	data, err := os.ReadFile(filepath.Join(f.chatDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hi") {
		t.Errorf("transcript missing response content")
	}
}

func TestChatCompletionsStreamRelay(t *testing.T) {
	payload := "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"y\"}}]}\n\ndata: [DONE]\n\n"
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(payload))
	}))
	defer up.Close()

	f := newAPIFixture(t, "", "openrouter", map[string]string{"openrouter": up.URL}, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[],"stream":true}`))
	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Errorf("missing X-Accel-Buffering header")
	}
	if rec.Body.String() != payload {
		t.Fatalf("relayed = %q", rec.Body.String())
	}
}

func TestChatCompletionsAllProvidersFail(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"down"}}`, http.StatusInternalServerError)
	}))
	defer up.Close()

	rules := `[{"gateway_model_name":"m","fallback_models":[{"provider":"A","model":"a"}]}]`
	f := newAPIFixture(t, "", "", map[string]string{"A": up.URL}, rules)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[]}`))
	rec := f.do(req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	detail := gjson.Get(rec.Body.String(), "detail").String()
	if !strings.HasPrefix(detail, "All configured providers failed for model 'm'. Last error:") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestListModelsMergesFallbackProvider(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"fast","owned_by":"upstream"},{"id":"extra"}]}`))
	}))
	defer up.Close()

	rules := `[{"gateway_model_name":"fast","fallback_models":[{"provider":"openrouter","model":"x"}]}]`
	f := newAPIFixture(t, "", "openrouter", map[string]string{"openrouter": up.URL}, rules)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	data := gjson.Get(body, "data").Array()
	if len(data) != 2 {
		t.Fatalf("models = %s", body)
	}
	// Sorted by id: extra, fast. The rule-side entry wins for "fast".
	if data[0].Get("id").String() != "extra" || data[1].Get("id").String() != "fast" {
		t.Fatalf("order = %s", body)
	}
	if data[1].Get("owned_by").String() != "gateway" {
		t.Errorf("rule-side entry did not win: %s", data[1].Raw)
	}
	if data[0].Get("source_provider").String() != "openrouter" {
		t.Errorf("fallback entry missing source_provider: %s", data[0].Raw)
	}
}

func TestListModelsDegradesWhenFallbackUnreachable(t *testing.T) {
	rules := `[{"gateway_model_name":"fast","fallback_models":[{"provider":"openrouter","model":"x"}]}]`
	f := newAPIFixture(t, "", "openrouter", map[string]string{"openrouter": "http://127.0.0.1:0"}, rules)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data := gjson.Get(rec.Body.String(), "data").Array()
	if len(data) != 1 || data[0].Get("id").String() != "fast" {
		t.Fatalf("models = %s", rec.Body.String())
	}
}

func TestConfigEditorRoundTrip(t *testing.T) {
	f := newAPIFixture(t, "", "", map[string]string{"A": "http://127.0.0.1:0"}, "")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/v1/config/models-rules", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}

	updated := `[{"gateway_model_name":"new","fallback_models":[{"provider":"A","model":"a"}]}]`
	rec = f.do(httptest.NewRequest(http.MethodPost, "/v1/config/models-rules", strings.NewReader(updated)))
	if rec.Code != http.StatusOK {
		t.Fatalf("post status = %d body = %s", rec.Code, rec.Body.String())
	}
	if msg := gjson.Get(rec.Body.String(), "message").String(); !strings.Contains(msg, "updated and reloaded successfully") {
		t.Fatalf("message = %q", msg)
	}
	if f.store.Snapshot().RuleFor("new") == nil {
		t.Fatal("snapshot not reloaded after save")
	}
}

func TestConfigEditorRejectsInvalidRules(t *testing.T) {
	rules := `[{"gateway_model_name":"keep","fallback_models":[{"provider":"A","model":"a"}]}]`
	f := newAPIFixture(t, "", "", map[string]string{"A": "http://127.0.0.1:0"}, rules)

	bad := `[{"gateway_model_name":"broken","fallback_models":[{"provider":"ghost","model":"x"}]}]`
	rec := f.do(httptest.NewRequest(http.MethodPost, "/v1/config/models-rules", strings.NewReader(bad)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if gjson.Get(rec.Body.String(), "detail").String() != "Validation Error" {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if len(gjson.Get(rec.Body.String(), "errors").Array()) == 0 {
		t.Fatalf("no issues reported: %s", rec.Body.String())
	}

	// Neither the file nor the snapshot changed.
	if f.store.Snapshot().RuleFor("keep") == nil {
		t.Fatal("previous snapshot lost")
	}
	raw, err := f.store.RawRules()
	if err != nil || strings.Contains(raw, "ghost") {
		t.Fatalf("rules file changed: %v %s", err, raw)
	}
}

func TestUsageEndpoints(t *testing.T) {
	f := newAPIFixture(t, "", "", map[string]string{"A": "http://127.0.0.1:0"}, "")
	for i := 0; i < 3; i++ {
		f.usage.HandleUsage(context.Background(), usage.Record{
			Provider:  "A",
			Model:     "m",
			Timestamp: time.Now(),
			Detail:    usage.Detail{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
		})
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/v1/usage/latest?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("latest status = %d", rec.Code)
	}
	if n := gjson.Get(rec.Body.String(), "total_records").Int(); n != 3 {
		t.Fatalf("total_records = %d", n)
	}
	if n := len(gjson.Get(rec.Body.String(), "records").Array()); n != 2 {
		t.Fatalf("records = %d", n)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/v1/usage/stats/day", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	agg := gjson.Get(rec.Body.String(), "data").Array()
	if len(agg) != 1 || agg[0].Get("total_tokens").Int() != 9 {
		t.Fatalf("stats = %s", rec.Body.String())
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/v1/usage/stats/decade", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid period status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t, "secret", "", map[string]string{"A": "http://127.0.0.1:0"}, "")
	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := f.do(req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
