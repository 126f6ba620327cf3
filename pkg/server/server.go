// Package server exposes the routing engine over HTTP: route requests,
// catalog administration, candidate stats, decision traces, health and
// metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/zen-systems/routegate/pkg/catalog"
	"github.com/zen-systems/routegate/pkg/dispatch"
	"github.com/zen-systems/routegate/pkg/engine"
	"github.com/zen-systems/routegate/pkg/health"
	"github.com/zen-systems/routegate/pkg/router"
	"github.com/zen-systems/routegate/pkg/trace"
)

// Server is the HTTP front for the routing engine.
type Server struct {
	engine     *engine.Engine
	catalog    *catalog.Catalog
	traces     *trace.Buffer
	metrics    http.Handler
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger
}

// Option configures the server.
type Option func(*Server)

// WithMetricsHandler mounts a /metrics handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithTraces mounts the decision trace endpoints.
func WithTraces(b *trace.Buffer) Option {
	return func(s *Server) { s.traces = b }
}

// New builds the server on the given listen address.
func New(addr string, eng *engine.Engine, cat *catalog.Catalog, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:    eng,
		catalog:   cat,
		logger:    logger,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/route", s.routeHandler)
	mux.HandleFunc("POST /v1/route/stream", s.routeStreamHandler)
	mux.HandleFunc("PUT /v1/catalog/{id}", s.catalogUpsertHandler)
	mux.HandleFunc("DELETE /v1/catalog/{id}", s.catalogDeactivateHandler)
	mux.HandleFunc("GET /v1/candidates", s.candidatesHandler)
	mux.HandleFunc("GET /v1/traces", s.tracesHandler)
	mux.HandleFunc("GET /v1/traces/{id}", s.traceHandler)
	mux.HandleFunc("GET /healthz", s.healthzHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Start starts serving. Blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ConstraintsPayload is the wire form of routing constraints. Durations
// are milliseconds.
type ConstraintsPayload struct {
	MinContextTokens int      `json:"min_context_tokens,omitempty"`
	Streaming        bool     `json:"streaming,omitempty"`
	Tools            bool     `json:"tools,omitempty"`
	Modality         string   `json:"modality,omitempty"`
	ModelClasses     []string `json:"model_classes,omitempty"`
	CostCeiling      float64  `json:"cost_ceiling,omitempty"`
	LatencyBudgetMs  int      `json:"latency_budget_ms,omitempty"`
	AffinityKey      string   `json:"affinity_key,omitempty"`
	PriorityClass    string   `json:"priority_class,omitempty"`
}

func (p ConstraintsPayload) toConstraints() router.Constraints {
	return router.Constraints{
		MinContextTokens: p.MinContextTokens,
		Streaming:        p.Streaming,
		Tools:            p.Tools,
		Modality:         p.Modality,
		ModelClasses:     p.ModelClasses,
		CostCeiling:      p.CostCeiling,
		LatencyBudget:    time.Duration(p.LatencyBudgetMs) * time.Millisecond,
		AffinityKey:      p.AffinityKey,
		PriorityClass:    p.PriorityClass,
	}
}

// RouteRequest is the POST /v1/route body.
type RouteRequest struct {
	Prompt      string             `json:"prompt"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Constraints ConstraintsPayload `json:"constraints,omitempty"`
}

// RouteResponse is the POST /v1/route reply.
type RouteResponse struct {
	RequestID string              `json:"request_id"`
	Content   string              `json:"content"`
	Provider  string              `json:"provider"`
	Model     string              `json:"model"`
	Strategy  string              `json:"strategy"`
	Attempts  []health.Outcome    `json:"attempts"`
	Trace     []router.TraceEntry `json:"trace,omitempty"`
}

// ErrorResponse is the body for failed requests.
type ErrorResponse struct {
	Error     string              `json:"error"`
	RequestID string              `json:"request_id,omitempty"`
	Attempts  []health.Outcome    `json:"attempts,omitempty"`
	Trace     []router.TraceEntry `json:"trace,omitempty"`
}

func (s *Server) routeHandler(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt required", http.StatusBadRequest)
		return
	}

	reply, err := s.engine.Route(r.Context(), engine.Request{
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Constraints: req.Constraints.toConstraints(),
	})
	if err != nil {
		s.writeRouteError(w, reply, err)
		return
	}

	writeJSON(w, http.StatusOK, RouteResponse{
		RequestID: reply.RequestID,
		Content:   reply.Result.Content,
		Provider:  reply.Result.Provider,
		Model:     reply.Result.Model,
		Strategy:  reply.Decision.Strategy,
		Attempts:  reply.Outcomes,
		Trace:     reply.Decision.Trace,
	})
}

func (s *Server) routeStreamHandler(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	constraints := req.Constraints.toConstraints()
	constraints.Streaming = true

	reply, err := s.engine.RouteStream(r.Context(), engine.Request{
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Constraints: constraints,
	}, func(delta string) error {
		if _, werr := fmt.Fprintf(w, "data: %s\n\n", encodeDelta(delta)); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})

	if err != nil {
		// Headers are already out; the failure travels as an event.
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", encodeDelta(err.Error()))
		flusher.Flush()
		return
	}

	summary, _ := json.Marshal(RouteResponse{
		RequestID: reply.RequestID,
		Content:   reply.Result.Content,
		Provider:  reply.Result.Provider,
		Model:     reply.Result.Model,
		Strategy:  reply.Decision.Strategy,
		Attempts:  reply.Outcomes,
	})
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", summary)
	flusher.Flush()
}

// encodeDelta makes a delta safe for a single SSE data line.
func encodeDelta(delta string) string {
	b, _ := json.Marshal(delta)
	return string(b)
}

func (s *Server) writeRouteError(w http.ResponseWriter, reply *engine.Reply, err error) {
	resp := ErrorResponse{Error: err.Error()}
	if reply != nil {
		resp.RequestID = reply.RequestID
		resp.Attempts = reply.Outcomes
		if reply.Decision != nil {
			resp.Trace = reply.Decision.Trace
		}
	}

	status := http.StatusInternalServerError
	var permanent *dispatch.PermanentError
	var exhausted *dispatch.ChainExhaustedError
	var midStream *dispatch.MidStreamError
	switch {
	case errors.Is(err, engine.ErrNoCandidate):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrAllCircuitsOpen):
		status = http.StatusServiceUnavailable
	case errors.As(err, &exhausted):
		status = http.StatusBadGateway
	case errors.As(err, &permanent):
		status = http.StatusBadGateway
	case errors.As(err, &midStream):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, resp)
}

func (s *Server) catalogUpsertHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var cand catalog.Candidate
	if err := json.NewDecoder(r.Body).Decode(&cand); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if cand.ID == "" {
		cand.ID = id
	}
	if cand.ID != id {
		http.Error(w, "candidate ID does not match URL", http.StatusBadRequest)
		return
	}
	if cand.Provider == "" || cand.Model == "" {
		http.Error(w, "provider and model required", http.StatusBadRequest)
		return
	}

	changed := s.catalog.Upsert(cand)
	s.logger.Info("catalog upsert", "candidate", cand.ID, "changed", changed)
	writeJSON(w, http.StatusOK, map[string]any{"id": cand.ID, "changed": changed})
}

func (s *Server) catalogDeactivateHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.catalog.Deactivate(id) {
		http.Error(w, "unknown candidate", http.StatusNotFound)
		return
	}
	s.logger.Info("catalog deactivate", "candidate", id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}

func (s *Server) candidatesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Candidates())
}

func (s *Server) tracesHandler(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		http.Error(w, "traces disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.traces.Recent(limit))
}

func (s *Server) traceHandler(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		http.Error(w, "traces disabled", http.StatusNotFound)
		return
	}
	entry, ok := s.traces.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown request ID", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// HealthzResponse is the GET /healthz body.
type HealthzResponse struct {
	Status     string `json:"status"`
	Uptime     string `json:"uptime"`
	Candidates int    `json:"candidates"`
	Timestamp  string `json:"timestamp"`
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.catalog.Snapshot()
	writeJSON(w, http.StatusOK, HealthzResponse{
		Status:     "ok",
		Uptime:     time.Since(s.startTime).String(),
		Candidates: len(snap.Candidates),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
