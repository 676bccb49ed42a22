package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atlashq/atlas/pkg/auth"
	"github.com/atlashq/atlas/pkg/capability"
	"github.com/atlashq/atlas/pkg/config"
	"github.com/atlashq/atlas/pkg/ingest"
	"github.com/atlashq/atlas/pkg/llm"
	"github.com/atlashq/atlas/pkg/orchestrator"
	"github.com/atlashq/atlas/pkg/store"
)

type fakeLLM struct {
	complete func() (*llm.Completion, error)
}

func (f *fakeLLM) Complete(context.Context, []llm.Message, []llm.ToolDefinition) (*llm.Completion, error) {
	return f.complete()
}

// stubCapability answers tools/list with an empty catalog so discovery
// succeeds without a real backend.
func stubCapability(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]interface{}{"tools": []interface{}{}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newTestServer(t *testing.T, mode config.Mode, st store.Store, model llm.Client) *HTTPServer {
	t.Helper()

	cfg := &config.Config{
		Mode: mode,
		Capabilities: map[string]config.CapabilityConfig{
			"sales": {URL: stubCapability(t)},
		},
		AdminRoles: []string{"admin"},
	}
	cfg.SetDefaults()

	registry := capability.NewRegistry(cfg.Capabilities, cfg.RolesToCapabilities, cfg.AdminRoles)
	orch := orchestrator.New(cfg.Orchestrator, orchestrator.Dependencies{
		LLM:      model,
		Registry: registry,
		Loader:   capability.NewLoader(registry, nil),
		Store:    st,
	})

	extractor, err := auth.NewExtractor(mode, nil)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	return New(cfg, orch, extractor, st, ingest.NewChromemAdapter(), nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, config.ModeDevelopment, store.NewMemoryStore(0), &fakeLLM{})

	rec := doJSON(t, s.Router(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestChatEndToEnd(t *testing.T) {
	mem := store.NewMemoryStore(0)
	model := &fakeLLM{complete: func() (*llm.Completion, error) {
		return &llm.Completion{Content: "the answer"}, nil
	}}
	s := newTestServer(t, config.ModeDevelopment, mem, model)

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/chat", map[string]string{
		"message": "what is our revenue?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result orchestrator.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Success || result.AssistantMessage != "the answer" || result.SessionID == "" {
		t.Errorf("result = %+v", result)
	}

	// The turn must land in the store under the dev identity.
	session, err := mem.GetSession(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.CallerID != "dev" || session.TurnCount != 1 {
		t.Errorf("session = %+v", session)
	}
}

func TestChatValidation(t *testing.T) {
	s := newTestServer(t, config.ModeDevelopment, store.NewMemoryStore(0), &fakeLLM{})

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/chat", map[string]string{"message": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank message status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader([]byte("{broken")))
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("broken body status = %d", rec2.Code)
	}
}

func TestListSessionsReturnsSummariesOnly(t *testing.T) {
	mem := store.NewMemoryStore(0)
	model := &fakeLLM{complete: func() (*llm.Completion, error) {
		return &llm.Completion{Content: "ok"}, nil
	}}
	s := newTestServer(t, config.ModeDevelopment, mem, model)

	doJSON(t, s.Router(), http.MethodPost, "/v1/chat", map[string]string{"message": "one"})

	rec := doJSON(t, s.Router(), http.MethodGet, "/v1/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var listed struct {
		Sessions []map[string]interface{} `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Sessions) != 1 {
		t.Fatalf("sessions = %+v", listed.Sessions)
	}
	if _, ok := listed.Sessions[0]["turns"]; ok {
		t.Error("listing must not carry turn bodies")
	}
	if listed.Sessions[0]["turn_count"] != float64(1) {
		t.Errorf("turn_count = %v", listed.Sessions[0]["turn_count"])
	}
}

func TestDeleteSessionOwnership(t *testing.T) {
	mem := store.NewMemoryStore(0)
	err := mem.CreateSession(context.Background(), &store.Session{ID: "s1", CallerID: "alice@example.com"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// An anonymous production caller owns nothing and is not admin.
	prod := newTestServer(t, config.ModeProduction, mem, &fakeLLM{})
	rec := doJSON(t, prod.Router(), http.MethodDelete, "/v1/sessions/s1", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign delete status = %d", rec.Code)
	}

	// The development identity is admin and may delete anything.
	dev := newTestServer(t, config.ModeDevelopment, mem, &fakeLLM{})
	rec = doJSON(t, dev.Router(), http.MethodDelete, "/v1/sessions/s1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("admin delete status = %d", rec.Code)
	}

	rec = doJSON(t, dev.Router(), http.MethodDelete, "/v1/sessions/s1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d", rec.Code)
	}
}

func TestFeedback(t *testing.T) {
	mem := store.NewMemoryStore(0)
	s := newTestServer(t, config.ModeDevelopment, mem, &fakeLLM{})

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/feedback", map[string]interface{}{
		"session_id":  "s1",
		"turn_number": 1,
		"rating":      1,
		"comment":     "good answer",
	})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.Router(), http.MethodPost, "/v1/feedback", map[string]interface{}{
		"session_id": "s1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid feedback status = %d", rec.Code)
	}
}

func TestDocumentIngestAndSearch(t *testing.T) {
	s := newTestServer(t, config.ModeDevelopment, store.NewMemoryStore(0), &fakeLLM{})

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/documents", map[string]interface{}{
		"document_id": "doc-1",
		"chunks": []map[string]interface{}{
			{"id": "c1", "content": "renewal policy", "embedding": []float32{1, 0}},
			{"id": "c2", "content": "escalation policy", "embedding": []float32{0, 1}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.Router(), http.MethodPost, "/v1/documents/search", map[string]interface{}{
		"embedding": []float32{1, 0},
		"top_k":     1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var found struct {
		Results []struct {
			Chunk struct {
				ID string `json:"id"`
			} `json:"chunk"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &found); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(found.Results) != 1 || found.Results[0].Chunk.ID != "c1" {
		t.Errorf("results = %+v", found.Results)
	}

	rec = doJSON(t, s.Router(), http.MethodDelete, "/v1/documents/doc-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doJSON(t, s.Router(), http.MethodPost, "/v1/documents/search", map[string]interface{}{
		"embedding": []float32{1, 0},
	})
	var after struct {
		Results []json.RawMessage `json:"results"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &after)
	if len(after.Results) != 0 {
		t.Errorf("deleted document still searchable: %s", rec.Body.String())
	}
}

func TestSearchReusesCachedQueryEmbedding(t *testing.T) {
	s := newTestServer(t, config.ModeDevelopment, store.NewMemoryStore(0), &fakeLLM{})

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/documents", map[string]interface{}{
		"document_id": "doc-1",
		"chunks": []map[string]interface{}{
			{"id": "c1", "content": "renewal policy", "embedding": []float32{1, 0}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d", rec.Code)
	}

	// First search supplies both text and embedding, caching the pair.
	rec = doJSON(t, s.Router(), http.MethodPost, "/v1/documents/search", map[string]interface{}{
		"query":     "Renewal Policy",
		"embedding": []float32{1, 0},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("seed search status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Trivially reworded text alone now resolves through the cache.
	rec = doJSON(t, s.Router(), http.MethodPost, "/v1/documents/search", map[string]interface{}{
		"query": "  renewal   policy ",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cached search status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var found struct {
		Results []struct {
			Chunk struct {
				ID string `json:"id"`
			} `json:"chunk"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &found); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(found.Results) != 1 || found.Results[0].Chunk.ID != "c1" {
		t.Errorf("results = %+v", found.Results)
	}

	// Unknown text with no embedding cannot be served.
	rec = doJSON(t, s.Router(), http.MethodPost, "/v1/documents/search", map[string]interface{}{
		"query": "never seen before",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("uncached query status = %d", rec.Code)
	}
}

func TestDocumentValidation(t *testing.T) {
	s := newTestServer(t, config.ModeDevelopment, store.NewMemoryStore(0), &fakeLLM{})

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/documents", map[string]interface{}{
		"chunks": []map[string]interface{}{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty ingest status = %d", rec.Code)
	}

	rec = doJSON(t, s.Router(), http.MethodPost, "/v1/documents/search", map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("search without embedding status = %d", rec.Code)
	}

	// Anonymous production callers carry no tenant and may not ingest.
	prod := newTestServer(t, config.ModeProduction, store.NewMemoryStore(0), &fakeLLM{})
	rec = doJSON(t, prod.Router(), http.MethodPost, "/v1/documents", map[string]interface{}{
		"document_id": "doc-1",
		"chunks": []map[string]interface{}{
			{"id": "c1", "content": "x", "embedding": []float32{1}},
		},
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("tenantless ingest status = %d", rec.Code)
	}
}

func TestMetricsRouteFollowsConfig(t *testing.T) {
	s := newTestServer(t, config.ModeDevelopment, store.NewMemoryStore(0), &fakeLLM{})

	rec := doJSON(t, s.Router(), http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled metrics status = %d", rec.Code)
	}

	s.cfg.Metrics.Enabled = true
	rec = doJSON(t, s.Router(), http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("enabled metrics status = %d", rec.Code)
	}
}
