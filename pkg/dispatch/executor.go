// Package dispatch executes a routing decision: it walks the ranked
// fallback chain with per-attempt timeouts, classifies failures, and feeds
// every outcome back into the health tracker and circuit breaker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/breaker"
	"github.com/zen-systems/routegate/pkg/catalog"
	"github.com/zen-systems/routegate/pkg/health"
	"github.com/zen-systems/routegate/pkg/policy"
	"github.com/zen-systems/routegate/pkg/router"
)

// Options carries the per-request execution tuning resolved from policy.
type Options struct {
	// MaxAttempts bounds the fallback depth. Zero means the whole chain.
	MaxAttempts  int
	Retry        policy.RetryConfig
	NodeStrategy string
}

// Executor walks ranked fallback chains against real backends.
type Executor struct {
	adapters map[string]adapter.Adapter
	health   *health.Tracker
	breaker  *breaker.Breaker
	nodes    *NodeBalancer
	logger   *slog.Logger

	defaultTimeout   time.Duration
	minAttemptBudget time.Duration
}

const (
	defaultAttemptTimeout  = 30 * time.Second
	defaultMinAttemptFloor = 50 * time.Millisecond
)

// ExecOption configures an Executor.
type ExecOption func(*Executor)

// WithDefaultTimeout sets the per-attempt timeout used when the request
// carries no deadline.
func WithDefaultTimeout(d time.Duration) ExecOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithMinAttemptBudget sets the smallest remaining budget worth spending
// on another attempt.
func WithMinAttemptBudget(d time.Duration) ExecOption {
	return func(e *Executor) {
		if d > 0 {
			e.minAttemptBudget = d
		}
	}
}

// New creates an executor over the given provider adapters.
func New(adapters map[string]adapter.Adapter, h *health.Tracker, b *breaker.Breaker, logger *slog.Logger, opts ...ExecOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		adapters:         adapters,
		health:           h,
		breaker:          b,
		nodes:            NewNodeBalancer(h, b),
		logger:           logger,
		defaultTimeout:   defaultAttemptTimeout,
		minAttemptBudget: defaultMinAttemptFloor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the decision's chain until one candidate succeeds. It
// returns the response, every attempt's outcome, and a classified error
// when the chain could not produce a result.
func (e *Executor) Execute(ctx context.Context, decision *router.Decision, req adapter.Request, opts Options) (*adapter.Response, []health.Outcome, error) {
	return e.run(ctx, decision, req, opts, nil)
}

// ExecuteStream runs the chain for a streaming request. Once the first
// delta has been forwarded to onDelta, failover is disallowed: a later
// failure surfaces as a MidStreamError instead of a silent retry.
func (e *Executor) ExecuteStream(ctx context.Context, decision *router.Decision, req adapter.Request, opts Options, onDelta func(string) error) (*adapter.Response, []health.Outcome, error) {
	if onDelta == nil {
		return nil, nil, fmt.Errorf("onDelta is required for streaming execution")
	}
	return e.run(ctx, decision, req, opts, onDelta)
}

func (e *Executor) run(ctx context.Context, decision *router.Decision, req adapter.Request, opts Options, onDelta func(string) error) (*adapter.Response, []health.Outcome, error) {
	if decision == nil || decision.Unservable || len(decision.Ranked) == 0 {
		return nil, nil, fmt.Errorf("decision has no candidates to execute")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > len(decision.Ranked) {
		maxAttempts = len(decision.Ranked)
	}

	var outcomes []health.Outcome
	var streamed string
	streaming := onDelta != nil
	firstDelta := false
	wrappedDelta := func(delta string) error {
		firstDelta = true
		streamed += delta
		return onDelta(delta)
	}

	for i := 0; i < maxAttempts; i++ {
		cand := decision.Ranked[i].Candidate

		attemptTimeout, ok := e.attemptTimeout(ctx, maxAttempts-i)
		if !ok {
			// Starting another attempt would blow the request deadline.
			break
		}

		verdict := e.breaker.Allow(cand.ID)
		if verdict == breaker.Reject {
			outcomes = append(outcomes, skipOutcome(cand.ID, "circuit open"))
			continue
		}

		nodeKey := ""
		nodeVerdict := breaker.Admit
		attemptReq := req
		if len(cand.Nodes) > 0 {
			node, picked := e.nodes.Pick(cand, opts.NodeStrategy)
			if !picked {
				e.cancelProbe(verdict, cand.ID)
				// Every node is open: that is a provider-level failure.
				e.breaker.RecordFailure(cand.ID)
				outcomes = append(outcomes, skipOutcome(cand.ID, "no node available"))
				continue
			}
			nodeKey = cand.NodeKey(node.ID)
			nodeVerdict = e.breaker.Allow(nodeKey)
			if nodeVerdict == breaker.Reject {
				e.cancelProbe(verdict, cand.ID)
				outcomes = append(outcomes, skipOutcome(nodeKey, "node circuit open"))
				continue
			}
			// The picked node must receive the traffic, not just the
			// accounting: its endpoint overrides the adapter's default.
			if node.Endpoint != "" {
				attemptReq.Endpoint = node.Endpoint
			}
		}

		if !e.health.AllowRate(cand.ID) {
			e.cancelProbe(verdict, cand.ID)
			e.cancelProbe(nodeVerdict, nodeKey)
			outcomes = append(outcomes, skipOutcome(cand.ID, "rate budget exhausted"))
			continue
		}

		backend, found := e.adapters[cand.Provider]
		if !found {
			e.cancelProbe(verdict, cand.ID)
			e.cancelProbe(nodeVerdict, nodeKey)
			outcomes = append(outcomes, skipOutcome(cand.ID, "no adapter for provider "+cand.Provider))
			continue
		}

		resp, outcome, err := e.attempt(ctx, backend, cand, nodeKey, attemptReq, attemptTimeout, wrappedDelta, streaming)
		outcomes = append(outcomes, outcome)

		if err == nil {
			e.breaker.RecordSuccess(cand.ID)
			if nodeKey != "" {
				e.breaker.RecordSuccess(nodeKey)
			}
			return resp, outcomes, nil
		}

		if outcome.Kind == health.KindCanceled {
			// The caller went away. This says nothing about the backend,
			// so probes are returned rather than failed.
			e.cancelProbe(verdict, cand.ID)
			e.cancelProbe(nodeVerdict, nodeKey)
			return nil, outcomes, err
		}

		// Node failures trip the node circuit; the provider circuit only
		// accumulates candidate-level evidence.
		if nodeKey != "" {
			e.breaker.RecordFailure(nodeKey)
			if verdict == breaker.AdmitProbe {
				e.breaker.RecordFailure(cand.ID)
			}
		} else {
			e.breaker.RecordFailure(cand.ID)
		}

		if firstDelta {
			return nil, outcomes, &MidStreamError{CandidateID: cand.ID, Partial: streamed, Err: err}
		}

		class := adapter.Classify(err)
		if class == adapter.ClassPermanent {
			return nil, outcomes, &PermanentError{CandidateID: cand.ID, Err: err}
		}

		e.logger.Debug("attempt failed, advancing chain",
			"candidate", cand.ID, "class", class.String(), "error", err)

		// Timeouts already consumed their share of the budget; only
		// transient errors pay a backoff before the next candidate.
		if class == adapter.ClassTransient && i < maxAttempts-1 {
			if err := e.backoff(ctx, opts.Retry, i); err != nil {
				return nil, outcomes, err
			}
		}
	}

	return nil, outcomes, &ChainExhaustedError{Attempts: outcomes}
}

// attempt performs one backend call with its own timeout and in-flight
// accounting, and classifies the result.
func (e *Executor) attempt(ctx context.Context, backend adapter.Adapter, cand catalog.Candidate, nodeKey string, req adapter.Request, timeout time.Duration, onDelta func(string) error, streaming bool) (*adapter.Response, health.Outcome, error) {
	e.health.Acquire(cand.ID)
	if nodeKey != "" {
		e.health.Acquire(nodeKey)
	}
	defer func() {
		e.health.Release(cand.ID)
		if nodeKey != "" {
			e.health.Release(nodeKey)
		}
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var resp *adapter.Response
	var err error
	if streaming {
		resp, err = backend.GenerateStream(attemptCtx, cand.Model, req, onDelta)
	} else {
		resp, err = backend.Generate(attemptCtx, cand.Model, req)
	}
	latency := time.Since(start)

	outcome := health.Outcome{
		Key:       cand.ID,
		Timestamp: start,
		Latency:   latency,
		OK:        err == nil,
	}

	switch {
	case err == nil:
		outcome.Kind = health.KindSuccess
	case errors.Is(ctx.Err(), context.Canceled):
		// The parent context died: caller cancellation, not backend fault.
		outcome.Kind = health.KindCanceled
		outcome.Err = err.Error()
	default:
		outcome.Kind = classToKind(adapter.Classify(err))
		outcome.Err = err.Error()
	}

	e.health.Record(outcome)
	if nodeKey != "" {
		nodeOutcome := outcome
		nodeOutcome.Key = nodeKey
		e.health.Record(nodeOutcome)
	}
	return resp, outcome, err
}

func (e *Executor) cancelProbe(v breaker.Verdict, key string) {
	if v == breaker.AdmitProbe && key != "" {
		e.breaker.CancelProbe(key)
	}
}

// attemptTimeout splits the remaining request budget evenly across the
// attempts left in the chain. The second return is false once the budget
// is too small to be worth spending.
func (e *Executor) attemptTimeout(ctx context.Context, attemptsLeft int) (time.Duration, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return e.defaultTimeout, true
	}
	remaining := time.Until(deadline)
	if remaining < e.minAttemptBudget {
		return 0, false
	}
	if attemptsLeft < 1 {
		attemptsLeft = 1
	}
	per := remaining / time.Duration(attemptsLeft)
	if per < e.minAttemptBudget {
		per = e.minAttemptBudget
	}
	return per, true
}

// backoff sleeps between fallback attempts: exponential with jitter,
// bounded by the retry cap and the caller's context.
func (e *Executor) backoff(ctx context.Context, retry policy.RetryConfig, attempt int) error {
	base := retry.BaseBackoff()
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	multiplier := retry.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
	}
	if limit := retry.MaxBackoff(); limit > 0 && delay > limit {
		delay = limit
	}
	delay += time.Duration(rand.Int63n(int64(base)/2 + 1))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func skipOutcome(key, reason string) health.Outcome {
	return health.Outcome{
		Key:       key,
		Timestamp: time.Now(),
		Kind:      health.KindSkipped,
		Err:       reason,
	}
}

func classToKind(c adapter.Class) health.Kind {
	switch c {
	case adapter.ClassTimeout:
		return health.KindTimeout
	case adapter.ClassPermanent:
		return health.KindPermanent
	case adapter.ClassCanceled:
		return health.KindCanceled
	default:
		return health.KindTransient
	}
}
