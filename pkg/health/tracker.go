// Package health keeps rolling per-backend statistics: success rate,
// latency percentiles, in-flight counts, and rate-limit budget.
//
// Keys are candidate IDs, or candidate/node keys for node-level stats.
// The record path takes one per-key mutex; there is no global lock to
// contend on.
package health

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Kind classifies one attempt outcome.
type Kind string

const (
	KindSuccess   Kind = "success"
	KindTimeout   Kind = "timeout"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindCanceled  Kind = "canceled"
	// KindSkipped marks a candidate passed over before any backend call:
	// open circuit, exhausted rate budget, or no usable node.
	KindSkipped Kind = "skipped"
)

// Outcome is one attempt result fed back by the dispatcher.
type Outcome struct {
	Key       string        `json:"key"`
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latency"`
	OK        bool          `json:"ok"`
	Kind      Kind          `json:"kind"`
	Err       string        `json:"error,omitempty"`
}

// Stats is a point-in-time aggregate for one key.
type Stats struct {
	Samples       int           `json:"samples"`
	SuccessRate   float64       `json:"success_rate"`
	P50           time.Duration `json:"p50"`
	P95           time.Duration `json:"p95"`
	InFlight      int64         `json:"in_flight"`
	RateRemaining float64       `json:"rate_remaining"`
}

type sample struct {
	ts      time.Time
	latency time.Duration
	ok      bool
}

type entry struct {
	mu       sync.Mutex
	samples  []sample // ring buffer
	head     int      // index of oldest sample
	count    int
	latest   time.Time // window anchor, never rewinds
	inFlight int64
	limiter  *rate.Limiter
}

// Tracker aggregates outcomes into bounded rolling windows.
type Tracker struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	capacity int
	window   time.Duration
	now      func() time.Time
}

const (
	defaultCapacity = 200
	defaultWindow   = 2 * time.Minute
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithCapacity sets the per-key sample capacity.
func WithCapacity(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// WithWindow sets the rolling time window.
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker with a bounded window per key.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		entries:  make(map[string]*entry),
		capacity: defaultCapacity,
		window:   defaultWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) entryFor(key string) *entry {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[key]; ok {
		return e
	}
	e = &entry{samples: make([]sample, t.capacity)}
	t.entries[key] = e
	return e
}

// Record folds one outcome into the key's rolling window. Cancellations and
// skips are ignored: neither says anything about backend health.
func (t *Tracker) Record(o Outcome) {
	if o.Kind == KindCanceled || o.Kind == KindSkipped {
		return
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = t.now()
	}

	e := t.entryFor(o.Key)
	e.mu.Lock()
	defer e.mu.Unlock()

	// The window anchor only moves forward; late samples land inside the
	// current window instead of rewinding it.
	if o.Timestamp.After(e.latest) {
		e.latest = o.Timestamp
	}
	e.evictLocked(e.latest.Add(-t.window))

	if e.count == len(e.samples) {
		e.head = (e.head + 1) % len(e.samples)
		e.count--
	}
	idx := (e.head + e.count) % len(e.samples)
	e.samples[idx] = sample{ts: o.Timestamp, latency: o.Latency, ok: o.OK}
	e.count++
}

func (e *entry) evictLocked(cutoff time.Time) {
	for e.count > 0 && e.samples[e.head].ts.Before(cutoff) {
		e.head = (e.head + 1) % len(e.samples)
		e.count--
	}
}

// Acquire increments the in-flight count for a key at dispatch start.
func (t *Tracker) Acquire(key string) {
	e := t.entryFor(key)
	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()
}

// Release decrements the in-flight count. Releasing at zero is a no-op so
// double releases cannot drive the count negative.
func (t *Tracker) Release(key string) {
	e := t.entryFor(key)
	e.mu.Lock()
	if e.inFlight > 0 {
		e.inFlight--
	}
	e.mu.Unlock()
}

// ConfigureLimit installs the declared rate limit for a key. A zero
// requests-per-minute removes the limit.
func (t *Tracker) ConfigureLimit(key string, requestsPerMinute, burst int) {
	e := t.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if requestsPerMinute <= 0 {
		e.limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(float64(requestsPerMinute) / 60.0)
	if e.limiter != nil {
		e.limiter.SetLimit(limit)
		e.limiter.SetBurst(burst)
		return
	}
	e.limiter = rate.NewLimiter(limit, burst)
}

// AllowRate consumes one token from the key's rate budget. Keys without a
// configured limit are always allowed.
func (t *Tracker) AllowRate(key string) bool {
	e := t.entryFor(key)
	e.mu.Lock()
	limiter := e.limiter
	e.mu.Unlock()
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// Snapshot returns the rolling aggregate for a key. A key with no samples
// yet reports a success rate of 1 so new candidates are not penalized.
func (t *Tracker) Snapshot(key string) Stats {
	e := t.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.latest.Add(-t.window)
	e.evictLocked(cutoff)

	stats := Stats{
		SuccessRate:   1.0,
		InFlight:      e.inFlight,
		RateRemaining: -1,
	}
	if e.limiter != nil {
		stats.RateRemaining = e.limiter.TokensAt(t.now())
	}

	// Head eviction assumes time-ordered samples; out-of-order arrivals can
	// hide behind newer ones, so stale samples are also skipped here.
	latencies := make([]time.Duration, 0, e.count)
	successes := 0
	for i := 0; i < e.count; i++ {
		s := e.samples[(e.head+i)%len(e.samples)]
		if s.ts.Before(cutoff) {
			continue
		}
		latencies = append(latencies, s.latency)
		if s.ok {
			successes++
		}
	}
	stats.Samples = len(latencies)
	if stats.Samples == 0 {
		return stats
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	stats.SuccessRate = float64(successes) / float64(stats.Samples)
	stats.P50 = percentile(latencies, 0.50)
	stats.P95 = percentile(latencies, 0.95)
	return stats
}

// Keys returns every key the tracker has seen, sorted.
func (t *Tracker) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
