package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/breaker"
	"github.com/zen-systems/routegate/pkg/catalog"
	"github.com/zen-systems/routegate/pkg/dispatch"
	"github.com/zen-systems/routegate/pkg/engine"
	"github.com/zen-systems/routegate/pkg/health"
	"github.com/zen-systems/routegate/pkg/metrics"
	"github.com/zen-systems/routegate/pkg/policy"
	"github.com/zen-systems/routegate/pkg/trace"
)

type testEnv struct {
	server  *Server
	catalog *catalog.Catalog
	breaker *breaker.Breaker
	mock    *adapter.MockAdapter
	traces  *trace.Buffer
}

func newTestEnv(t *testing.T, cands ...catalog.Candidate) *testEnv {
	t.Helper()
	cat := catalog.New(nil)
	for _, c := range cands {
		cat.Upsert(c)
	}
	h := health.NewTracker()
	b := breaker.New(breaker.Config{})
	reg := policy.NewRegistry(policy.Default(), nil)
	mock := adapter.NewMockAdapter()
	exec := dispatch.New(map[string]adapter.Adapter{"mock": mock}, h, b, nil)
	traces := trace.NewBuffer(64)

	rec, err := metrics.NewRecorder(prometheus.NewRegistry(), h, b)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	eng := engine.New(cat, reg, h, b, exec, nil,
		engine.WithRecorder(traces),
		engine.WithObserver(rec))

	srv := New(":0", eng, cat, nil,
		WithTraces(traces),
		WithMetricsHandler(rec.Handler()))
	return &testEnv{server: srv, catalog: cat, breaker: b, mock: mock, traces: traces}
}

func serverCand(id string) catalog.Candidate {
	return catalog.Candidate{
		ID:       id,
		Provider: "mock",
		Model:    "mock-1",
		Capabilities: catalog.Capabilities{
			MaxContextTokens: 128000,
			Streaming:        true,
		},
		CostPer1KTokens: 0.001,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouteEndpoint(t *testing.T) {
	env := newTestEnv(t, serverCand("a"))
	h := env.server.Handler()

	w := doJSON(t, h, http.MethodPost, "/v1/route", `{"prompt":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp RouteResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Content == "" || resp.RequestID == "" || resp.Provider != "mock" {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Attempts) != 1 {
		t.Errorf("attempts = %d", len(resp.Attempts))
	}
}

func TestRouteRejectsMissingPrompt(t *testing.T) {
	env := newTestEnv(t, serverCand("a"))
	w := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/route", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRouteNoCandidateIs422(t *testing.T) {
	env := newTestEnv(t, serverCand("a"))
	body := `{"prompt":"hello","constraints":{"min_context_tokens":100000000}}`
	w := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/route", body)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestRouteAllCircuitsOpenIs503(t *testing.T) {
	env := newTestEnv(t, serverCand("a"))
	for i := 0; i < 5; i++ {
		env.breaker.RecordFailure("a")
	}

	w := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/route", `{"prompt":"hello"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var resp ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Trace) != 1 || resp.Trace[0].Skipped == "" {
		t.Errorf("trace = %+v, skip reason should be visible to callers", resp.Trace)
	}
}

func TestRouteStreamEndpoint(t *testing.T) {
	env := newTestEnv(t, serverCand("a"))
	env.mock.Script(adapter.MockCall{Deltas: []string{"hel", "lo"}})

	w := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/route/stream", `{"prompt":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %s", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, `data: "hel"`) || !strings.Contains(body, `data: "lo"`) {
		t.Errorf("body missing deltas:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("body missing done event:\n%s", body)
	}
}

func TestRouteStreamMidFailureEmitsErrorEvent(t *testing.T) {
	env := newTestEnv(t, serverCand("a"))
	env.mock.Script(adapter.MockCall{
		Deltas:    []string{"par"},
		FailAfter: 1,
		Err:       &adapter.AdapterError{Status: 500},
	})

	w := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/route/stream", `{"prompt":"hi"}`)
	body := w.Body.String()
	if !strings.Contains(body, `data: "par"`) {
		t.Errorf("partial delta should be forwarded:\n%s", body)
	}
	if !strings.Contains(body, "event: error") {
		t.Errorf("mid-stream failure should surface as an error event:\n%s", body)
	}
	if strings.Contains(body, "event: done") {
		t.Errorf("failed stream must not report done:\n%s", body)
	}
}

func TestCatalogUpsertAndDeactivate(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	body := `{"provider":"mock","model":"mock-1","cost_per_1k_tokens":0.002}`
	w := doJSON(t, h, http.MethodPut, "/v1/catalog/new-cand", body)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert status = %d, body = %s", w.Code, w.Body.String())
	}
	if _, ok := env.catalog.Snapshot().Get("new-cand"); !ok {
		t.Fatal("candidate not registered")
	}

	w = doJSON(t, h, http.MethodDelete, "/v1/catalog/new-cand", "")
	if w.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", w.Code)
	}
	cand, _ := env.catalog.Snapshot().Get("new-cand")
	if cand.Active {
		t.Error("candidate should be inactive")
	}

	w = doJSON(t, h, http.MethodDelete, "/v1/catalog/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown deactivate status = %d, want 404", w.Code)
	}
}

func TestCatalogUpsertIDMismatch(t *testing.T) {
	env := newTestEnv(t)
	body := `{"id":"other","provider":"mock","model":"mock-1"}`
	w := doJSON(t, env.server.Handler(), http.MethodPut, "/v1/catalog/new-cand", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCandidatesEndpoint(t *testing.T) {
	env := newTestEnv(t, serverCand("a"), serverCand("b"))
	w := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/candidates", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got []engine.CandidateStatus
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Circuit != "closed" {
		t.Errorf("candidates = %+v", got)
	}
}

func TestTracesEndpoints(t *testing.T) {
	env := newTestEnv(t, serverCand("a"))
	h := env.server.Handler()

	w := doJSON(t, h, http.MethodPost, "/v1/route", `{"prompt":"hello"}`)
	var routed RouteResponse
	json.Unmarshal(w.Body.Bytes(), &routed)

	w = doJSON(t, h, http.MethodGet, "/v1/traces", "")
	if w.Code != http.StatusOK {
		t.Fatalf("traces status = %d", w.Code)
	}
	var entries []trace.Entry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].RequestID != routed.RequestID {
		t.Errorf("entries = %+v", entries)
	}

	w = doJSON(t, h, http.MethodGet, "/v1/traces/"+routed.RequestID, "")
	if w.Code != http.StatusOK {
		t.Errorf("trace by ID status = %d", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/v1/traces/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown trace status = %d, want 404", w.Code)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	env := newTestEnv(t, serverCand("a"))
	w := doJSON(t, env.server.Handler(), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp HealthzResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "ok" || resp.Candidates != 1 {
		t.Errorf("healthz = %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, serverCand("a"))
	h := env.server.Handler()

	doJSON(t, h, http.MethodPost, "/v1/route", `{"prompt":"hello"}`)

	w := doJSON(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "routegate_attempts_total") {
		t.Error("exposition missing attempt counter")
	}
}
