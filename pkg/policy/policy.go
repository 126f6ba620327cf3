// Package policy holds the operator-tunable routing policy: strategy
// assignment per priority class, circuit-breaker thresholds, and
// retry/backoff parameters. The registry hands out immutable policy
// snapshots and supports hot reload from disk.
package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/routegate/pkg/breaker"
)

// Strategy names accepted in policy files.
const (
	StrategyCost    = "cost"
	StrategyLatency = "latency"
	StrategyQuality = "quality"
	StrategySticky  = "sticky"
)

// Node balancing strategy names.
const (
	NodeRoundRobin    = "round_robin"
	NodeLeastInFlight = "least_in_flight"
	NodeLatency       = "latency"
)

// RetryConfig defines fallback-chain retry and backoff behavior.
// Durations are milliseconds, matching the config file format.
type RetryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts,omitempty"`
	BaseBackoffMs int     `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int     `yaml:"max_backoff_ms,omitempty"`
	Multiplier    float64 `yaml:"multiplier,omitempty"`
}

// BaseBackoff returns the base backoff as a duration.
func (r RetryConfig) BaseBackoff() time.Duration {
	return time.Duration(r.BaseBackoffMs) * time.Millisecond
}

// MaxBackoff returns the backoff cap as a duration.
func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

// BreakerConfig defines circuit-breaker tuning in file-friendly units.
type BreakerConfig struct {
	FailureThreshold int     `yaml:"failure_threshold,omitempty"`
	CooldownMs       int     `yaml:"cooldown_ms,omitempty"`
	MaxCooldownMs    int     `yaml:"max_cooldown_ms,omitempty"`
	Multiplier       float64 `yaml:"multiplier,omitempty"`
}

// ToBreaker converts the file form into the breaker package's config.
func (b BreakerConfig) ToBreaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: b.FailureThreshold,
		Cooldown:         time.Duration(b.CooldownMs) * time.Millisecond,
		MaxCooldown:      time.Duration(b.MaxCooldownMs) * time.Millisecond,
		Multiplier:       b.Multiplier,
	}
}

// Policy is one immutable operator policy revision.
type Policy struct {
	// DefaultStrategy applies when a request's priority class has no
	// explicit assignment.
	DefaultStrategy string `yaml:"default_strategy"`
	// PriorityStrategies maps priority class to strategy name.
	PriorityStrategies map[string]string `yaml:"priority_strategies,omitempty"`
	// NodeStrategy selects node balancing within a provider.
	NodeStrategy string `yaml:"node_strategy,omitempty"`

	Breaker BreakerConfig `yaml:"breaker,omitempty"`
	Retry   RetryConfig   `yaml:"retry,omitempty"`
}

// Default returns the built-in policy used when no file is supplied.
func Default() *Policy {
	return &Policy{
		DefaultStrategy: StrategyLatency,
		PriorityStrategies: map[string]string{
			"batch":       StrategyCost,
			"interactive": StrategyLatency,
			"premium":     StrategyQuality,
		},
		NodeStrategy: NodeRoundRobin,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			CooldownMs:       30_000,
			MaxCooldownMs:    600_000,
			Multiplier:       2,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BaseBackoffMs: 100,
			MaxBackoffMs:  2_000,
			Multiplier:    2,
		},
	}
}

// StrategyFor resolves the strategy name for a priority class. Resolution
// is a pure lookup so identical inputs always pick the same strategy.
func (p *Policy) StrategyFor(priorityClass string) string {
	if s, ok := p.PriorityStrategies[priorityClass]; ok {
		return s
	}
	if p.DefaultStrategy != "" {
		return p.DefaultStrategy
	}
	return StrategyLatency
}

// Validate rejects unknown strategy names.
func (p *Policy) Validate() error {
	valid := map[string]bool{
		StrategyCost: true, StrategyLatency: true,
		StrategyQuality: true, StrategySticky: true,
	}
	if p.DefaultStrategy != "" && !valid[p.DefaultStrategy] {
		return fmt.Errorf("unknown default strategy %q", p.DefaultStrategy)
	}
	for class, s := range p.PriorityStrategies {
		if !valid[s] {
			return fmt.Errorf("priority class %q: unknown strategy %q", class, s)
		}
	}
	switch p.NodeStrategy {
	case "", NodeRoundRobin, NodeLeastInFlight, NodeLatency:
	default:
		return fmt.Errorf("unknown node strategy %q", p.NodeStrategy)
	}
	return nil
}

// Load reads a policy file, filling unset fields from the defaults.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
