// Package catalog maintains the registry of routable backends.
//
// Every routable identity is a Candidate: a model class served by a
// provider, optionally spread across physical nodes. The catalog hands out
// immutable snapshots so ranking never observes a half-applied refresh.
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Capabilities describes what a candidate can serve.
type Capabilities struct {
	MaxContextTokens int      `yaml:"max_context_tokens" json:"max_context_tokens"`
	Streaming        bool     `yaml:"streaming" json:"streaming"`
	Tools            bool     `yaml:"tools" json:"tools"`
	Modalities       []string `yaml:"modalities" json:"modalities"`
}

// RateLimit is the provider-declared request quota for a candidate.
type RateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int `yaml:"burst" json:"burst"`
}

// Node identifies one physical inference node behind a candidate.
type Node struct {
	ID       string `yaml:"id" json:"id"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// Candidate is a single routable backend identity.
type Candidate struct {
	ID              string       `yaml:"id" json:"id"`
	ModelClass      string       `yaml:"model_class" json:"model_class"`
	Provider        string       `yaml:"provider" json:"provider"`
	Model           string       `yaml:"model" json:"model"`
	Capabilities    Capabilities `yaml:"capabilities" json:"capabilities"`
	CostPer1KTokens float64      `yaml:"cost_per_1k_tokens" json:"cost_per_1k_tokens"`
	QualityTier     int          `yaml:"quality_tier" json:"quality_tier"`
	RateLimit       RateLimit    `yaml:"rate_limit" json:"rate_limit"`
	Nodes           []Node       `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	Active          bool         `yaml:"-" json:"active"`
}

// NodeKey returns the health/breaker key for one node of this candidate.
func (c Candidate) NodeKey(nodeID string) string {
	return c.ID + "/" + nodeID
}

// Equal reports whether two candidates carry identical declared attributes.
// Used to keep upserts idempotent.
func (c Candidate) Equal(o Candidate) bool {
	if c.ID != o.ID || c.ModelClass != o.ModelClass || c.Provider != o.Provider ||
		c.Model != o.Model || c.CostPer1KTokens != o.CostPer1KTokens ||
		c.QualityTier != o.QualityTier || c.RateLimit != o.RateLimit ||
		c.Active != o.Active {
		return false
	}
	if c.Capabilities.MaxContextTokens != o.Capabilities.MaxContextTokens ||
		c.Capabilities.Streaming != o.Capabilities.Streaming ||
		c.Capabilities.Tools != o.Capabilities.Tools {
		return false
	}
	if len(c.Capabilities.Modalities) != len(o.Capabilities.Modalities) {
		return false
	}
	for i, m := range c.Capabilities.Modalities {
		if o.Capabilities.Modalities[i] != m {
			return false
		}
	}
	if len(c.Nodes) != len(o.Nodes) {
		return false
	}
	for i, n := range c.Nodes {
		if o.Nodes[i] != n {
			return false
		}
	}
	return true
}

// Snapshot is an immutable view of the catalog. Candidates are sorted by ID.
type Snapshot struct {
	Candidates []Candidate
	Version    uint64
	TakenAt    time.Time
}

// Get returns the candidate with the given ID.
func (s *Snapshot) Get(id string) (Candidate, bool) {
	idx := sort.Search(len(s.Candidates), func(i int) bool {
		return s.Candidates[i].ID >= id
	})
	if idx < len(s.Candidates) && s.Candidates[idx].ID == id {
		return s.Candidates[idx], true
	}
	return Candidate{}, false
}

// Catalog is the mutable registry behind the snapshots. Writes rebuild the
// snapshot and swap it atomically; readers never block.
type Catalog struct {
	mu      sync.Mutex
	entries map[string]Candidate
	version uint64
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger
}

// New creates an empty catalog.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		entries: make(map[string]Candidate),
		logger:  logger,
	}
	c.current.Store(&Snapshot{TakenAt: time.Now()})
	return c
}

// Snapshot returns the current immutable catalog view.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Upsert registers or updates a candidate. Re-registering identical
// attributes leaves the catalog (and its version) unchanged.
func (c *Catalog) Upsert(cand Candidate) bool {
	cand.Active = true

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[cand.ID]; ok && existing.Equal(cand) {
		return false
	}
	c.entries[cand.ID] = cand
	c.rebuildLocked()
	return true
}

// Deactivate marks a candidate inactive. The entry is kept so health and
// breaker history survive a flapping catalog.
func (c *Catalog) Deactivate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[id]
	if !ok || !existing.Active {
		return false
	}
	existing.Active = false
	c.entries[id] = existing
	c.rebuildLocked()
	return true
}

// Replace applies a full manifest: present candidates are upserted, absent
// ones deactivated. Used by the refresh loop.
func (c *Catalog) Replace(cands []Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(cands))
	changed := false
	for _, cand := range cands {
		cand.Active = true
		seen[cand.ID] = true
		if existing, ok := c.entries[cand.ID]; ok && existing.Equal(cand) {
			continue
		}
		c.entries[cand.ID] = cand
		changed = true
	}
	for id, existing := range c.entries {
		if !seen[id] && existing.Active {
			existing.Active = false
			c.entries[id] = existing
			changed = true
		}
	}
	if changed {
		c.rebuildLocked()
	}
}

func (c *Catalog) rebuildLocked() {
	c.version++
	cands := make([]Candidate, 0, len(c.entries))
	for _, cand := range c.entries {
		cands = append(cands, cand)
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].ID < cands[j].ID })
	c.current.Store(&Snapshot{
		Candidates: cands,
		Version:    c.version,
		TakenAt:    time.Now(),
	})
}

// Refresh reloads the catalog from the loader once.
func (c *Catalog) Refresh(load func() ([]Candidate, error)) error {
	cands, err := load()
	if err != nil {
		return err
	}
	c.Replace(cands)
	return nil
}

// Run refreshes the catalog from the loader at the given interval until the
// context is canceled. Load failures keep the previous snapshot.
func (c *Catalog) Run(ctx context.Context, interval time.Duration, load func() ([]Candidate, error)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(load); err != nil {
				c.logger.Warn("catalog refresh failed, keeping previous snapshot", "error", err)
				continue
			}
			c.logger.Debug("catalog refreshed", "version", c.Snapshot().Version, "candidates", len(c.Snapshot().Candidates))
		}
	}
}
