// Package engine is the routing facade: it wires the catalog, health
// tracker, circuit breaker, policy registry, ranking and dispatch into a
// single Route entry point.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/breaker"
	"github.com/zen-systems/routegate/pkg/catalog"
	"github.com/zen-systems/routegate/pkg/dispatch"
	"github.com/zen-systems/routegate/pkg/health"
	"github.com/zen-systems/routegate/pkg/policy"
	"github.com/zen-systems/routegate/pkg/router"
)

// ErrNoCandidate reports that no active catalog entry satisfies the
// request constraints.
var ErrNoCandidate = errors.New("no candidate satisfies the request constraints")

// ErrAllCircuitsOpen reports that matching candidates exist but every one
// of them currently has an open circuit.
var ErrAllCircuitsOpen = errors.New("all matching candidates have open circuits")

// Request is one inference request plus its routing constraints.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64

	Constraints router.Constraints
}

// Reply carries the routing decision, every attempt outcome, and the
// backend result. Decision and Outcomes are populated even on failure so
// callers can always see why the request went where it went.
type Reply struct {
	RequestID string
	Decision  *router.Decision
	Outcomes  []health.Outcome
	Result    *adapter.Response
}

// Recorder receives finished routing decisions for later inspection.
type Recorder interface {
	Record(requestID string, d *router.Decision, outcomes []health.Outcome, err error)
}

// Observer receives per-attempt outcomes for metrics.
type Observer interface {
	ObserveOutcome(o health.Outcome)
}

// Engine routes inference requests across the candidate pool.
type Engine struct {
	catalog  *catalog.Catalog
	policies *policy.Registry
	health   *health.Tracker
	breaker  *breaker.Breaker
	ranker   *router.Ranker
	exec     *dispatch.Executor
	logger   *slog.Logger

	traces   Recorder
	observer Observer

	maxFallbackDepth int
	limitsVersion    atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder attaches a decision trace recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.traces = r }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithMaxFallbackDepth bounds how many candidates one request may try.
// Zero means the whole ranked chain.
func WithMaxFallbackDepth(n int) Option {
	return func(e *Engine) { e.maxFallbackDepth = n }
}

// New wires an engine. Policy reloads propagate breaker settings without
// restart.
func New(cat *catalog.Catalog, reg *policy.Registry, h *health.Tracker, b *breaker.Breaker, exec *dispatch.Executor, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		catalog:  cat,
		policies: reg,
		health:   h,
		breaker:  b,
		ranker:   router.NewRanker(h, b),
		exec:     exec,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	reg.OnReload(func(p *policy.Policy) {
		b.SetConfig(p.Breaker.ToBreaker())
	})
	return e
}

// Route generates, ranks and executes the fallback chain for the request.
// The reply is non-nil whenever a decision was formed, even when the error
// is non-nil.
func (e *Engine) Route(ctx context.Context, req Request) (*Reply, error) {
	return e.route(ctx, req, nil)
}

// RouteStream routes a streaming request, forwarding deltas to onDelta.
// After the first forwarded delta there is no failover; a later failure
// returns a dispatch.MidStreamError with the partial output.
func (e *Engine) RouteStream(ctx context.Context, req Request, onDelta func(string) error) (*Reply, error) {
	return e.route(ctx, req, onDelta)
}

func (e *Engine) route(ctx context.Context, req Request, onDelta func(string) error) (*Reply, error) {
	requestID := uuid.NewString()
	reply := &Reply{RequestID: requestID}

	snap := e.catalog.Snapshot()
	e.syncRateLimits(snap)
	cands := router.Generate(req.Constraints, snap)
	if len(cands) == 0 {
		e.record(requestID, nil, nil, ErrNoCandidate)
		return reply, ErrNoCandidate
	}

	pol := e.policies.Current()
	strategy := router.SelectStrategy(req.Constraints, pol)
	decision := e.ranker.Rank(cands, strategy, req.Constraints.AffinityKey)
	reply.Decision = decision

	if decision.Unservable {
		e.record(requestID, decision, nil, ErrAllCircuitsOpen)
		return reply, ErrAllCircuitsOpen
	}

	if req.Constraints.LatencyBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Constraints.LatencyBudget)
		defer cancel()
	}

	opts := dispatch.Options{
		MaxAttempts:  e.maxFallbackDepth,
		Retry:        pol.Retry,
		NodeStrategy: pol.NodeStrategy,
	}
	areq := adapter.Request{
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	start := time.Now()
	var resp *adapter.Response
	var outcomes []health.Outcome
	var err error
	if onDelta != nil {
		resp, outcomes, err = e.exec.ExecuteStream(ctx, decision, areq, opts, onDelta)
	} else {
		resp, outcomes, err = e.exec.Execute(ctx, decision, areq, opts)
	}
	reply.Outcomes = outcomes
	reply.Result = resp

	if e.observer != nil {
		for _, o := range outcomes {
			e.observer.ObserveOutcome(o)
		}
	}
	e.record(requestID, decision, outcomes, err)

	if err == nil {
		if key := req.Constraints.AffinityKey; key != "" && len(outcomes) > 0 {
			e.ranker.RecordAffinity(key, outcomes[len(outcomes)-1].Key)
		}
		e.logger.Debug("request routed",
			"request_id", requestID,
			"strategy", strategy,
			"candidate", resp.Provider,
			"attempts", len(outcomes),
			"elapsed", time.Since(start))
		return reply, nil
	}

	e.logger.Warn("request failed",
		"request_id", requestID,
		"strategy", strategy,
		"attempts", len(outcomes),
		"error", err)
	return reply, err
}

// syncRateLimits pushes the catalog's declared rate limits into the
// tracker whenever the snapshot version moves.
func (e *Engine) syncRateLimits(snap *catalog.Snapshot) {
	if e.limitsVersion.Swap(snap.Version) == snap.Version {
		return
	}
	for _, c := range snap.Candidates {
		e.health.ConfigureLimit(c.ID, c.RateLimit.RequestsPerMinute, c.RateLimit.Burst)
	}
}

func (e *Engine) record(requestID string, d *router.Decision, outcomes []health.Outcome, err error) {
	if e.traces != nil {
		e.traces.Record(requestID, d, outcomes, err)
	}
}

// Candidates returns per-candidate stats for the current catalog snapshot,
// combining catalog, health and breaker views.
func (e *Engine) Candidates() []CandidateStatus {
	snap := e.catalog.Snapshot()
	out := make([]CandidateStatus, 0, len(snap.Candidates))
	for _, c := range snap.Candidates {
		out = append(out, CandidateStatus{
			Candidate: c,
			Stats:     e.health.Snapshot(c.ID),
			Circuit:   e.breaker.State(c.ID).String(),
		})
	}
	return out
}

// CandidateStatus is the operator view of one candidate.
type CandidateStatus struct {
	Candidate catalog.Candidate `json:"candidate"`
	Stats     health.Stats      `json:"stats"`
	Circuit   string            `json:"circuit"`
}
