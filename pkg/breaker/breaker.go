// Package breaker implements per-backend circuit breaking.
//
// Each key (candidate ID or candidate/node key) owns a small state machine:
// CLOSED until enough consecutive failures, OPEN for a cooldown that grows
// on repeated trips, then HALF_OPEN where exactly one probe is allowed
// through. The breaker is the only writer of circuit state; everything else
// reads it through State or Snapshot.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit state for one key.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Verdict is the admission decision for one dispatch attempt.
type Verdict int

const (
	// Admit lets the attempt through on a closed circuit.
	Admit Verdict = iota
	// AdmitProbe lets the attempt through as the single half-open probe.
	AdmitProbe
	// Reject blocks the attempt without a network call.
	Reject
)

// Config tunes the breaker. Zero values fall back to defaults.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
	Multiplier       float64       `yaml:"multiplier"`
}

const (
	defaultThreshold  = 5
	defaultCooldown   = 30 * time.Second
	defaultMax        = 10 * time.Minute
	defaultMultiplier = 2.0
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = defaultMax
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaultMultiplier
	}
	return c
}

type circuit struct {
	state               State
	consecutiveFailures int
	openUntil           time.Time
	cooldown            time.Duration
	probeInFlight       bool
	trips               int
}

// Breaker maintains circuits for any number of keys.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	cfg      Config
	now      func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New creates a breaker with the given config.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		circuits: make(map[string]*circuit),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetConfig swaps the breaker tuning at runtime. Existing open cooldowns
// keep their schedule; new trips use the new values.
func (b *Breaker) SetConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

func (b *Breaker) circuitFor(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed, cooldown: b.cfg.Cooldown}
		b.circuits[key] = c
	}
	return c
}

// Allow decides whether a dispatch attempt against key may proceed.
// During HALF_OPEN, exactly one caller receives AdmitProbe; concurrent
// callers are rejected as if the circuit were still open.
func (b *Breaker) Allow(key string) Verdict {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	switch c.state {
	case StateClosed:
		return Admit
	case StateOpen:
		if b.now().Before(c.openUntil) {
			return Reject
		}
		c.state = StateHalfOpen
		c.probeInFlight = true
		return AdmitProbe
	case StateHalfOpen:
		if c.probeInFlight {
			return Reject
		}
		c.probeInFlight = true
		return AdmitProbe
	}
	return Reject
}

// RecordSuccess closes the circuit and resets failure accounting.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	c.state = StateClosed
	c.consecutiveFailures = 0
	c.probeInFlight = false
	c.cooldown = b.cfg.Cooldown
	c.openUntil = time.Time{}
}

// RecordFailure counts a failure. The transition runs under the breaker
// lock, so two concurrent failures cannot both trip the circuit twice.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	switch c.state {
	case StateHalfOpen:
		// Failed probe: back to OPEN with a longer cooldown.
		c.probeInFlight = false
		b.tripLocked(c)
	case StateClosed:
		c.consecutiveFailures++
		if c.consecutiveFailures >= b.cfg.FailureThreshold {
			b.tripLocked(c)
		}
	case StateOpen:
		// Late failure from an attempt admitted before the trip.
	}
}

// CancelProbe returns a half-open circuit to a probe-eligible state when
// the probe was canceled by the caller rather than failed by the backend.
func (b *Breaker) CancelProbe(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	if c.state == StateHalfOpen {
		c.probeInFlight = false
	}
}

func (b *Breaker) tripLocked(c *circuit) {
	c.state = StateOpen
	c.consecutiveFailures = 0
	c.trips++
	c.openUntil = b.now().Add(c.cooldown)
	next := time.Duration(float64(c.cooldown) * b.cfg.Multiplier)
	if next > b.cfg.MaxCooldown {
		next = b.cfg.MaxCooldown
	}
	c.cooldown = next
}

// State reports the circuit state for a key. Keys never seen are CLOSED.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return StateClosed
	}
	// An elapsed cooldown reads as HALF_OPEN even before the next Allow
	// performs the transition.
	if c.state == StateOpen && !b.now().Before(c.openUntil) {
		return StateHalfOpen
	}
	return c.state
}

// Snapshot returns the current state of every known circuit.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]State, len(b.circuits))
	for key, c := range b.circuits {
		s := c.state
		if s == StateOpen && !b.now().Before(c.openUntil) {
			s = StateHalfOpen
		}
		out[key] = s
	}
	return out
}
