// Package router turns a request's constraints into an ordered fallback
// chain: filter the catalog, pick a scoring strategy, rank the survivors.
package router

import (
	"time"

	"github.com/zen-systems/routegate/pkg/catalog"
)

// Constraints carries everything a request demands from a backend.
type Constraints struct {
	MinContextTokens int      `json:"min_context_tokens,omitempty"`
	Streaming        bool     `json:"streaming,omitempty"`
	Tools            bool     `json:"tools,omitempty"`
	Modality         string   `json:"modality,omitempty"`
	ModelClasses     []string `json:"model_classes,omitempty"`

	// CostCeiling caps cost per 1K tokens; zero means no cap.
	CostCeiling float64 `json:"cost_ceiling,omitempty"`
	// LatencyBudget bounds the whole request including fallbacks; zero
	// falls back to the server default.
	LatencyBudget time.Duration `json:"latency_budget,omitempty"`
	// AffinityKey enables sticky routing, e.g. a conversation ID.
	AffinityKey string `json:"affinity_key,omitempty"`
	// PriorityClass selects the operator-assigned strategy.
	PriorityClass string `json:"priority_class,omitempty"`
}

// Generate filters a catalog snapshot down to the candidates that satisfy
// the constraints. It is a pure function over the snapshot; an empty result
// is a normal outcome, not an error.
func Generate(c Constraints, snap *catalog.Snapshot) []catalog.Candidate {
	out := make([]catalog.Candidate, 0, len(snap.Candidates))
	for _, cand := range snap.Candidates {
		if !cand.Active {
			continue
		}
		if !matches(c, cand) {
			continue
		}
		out = append(out, cand)
	}
	return out
}

func matches(c Constraints, cand catalog.Candidate) bool {
	caps := cand.Capabilities
	if c.MinContextTokens > 0 && caps.MaxContextTokens < c.MinContextTokens {
		return false
	}
	if c.Streaming && !caps.Streaming {
		return false
	}
	if c.Tools && !caps.Tools {
		return false
	}
	if c.Modality != "" && !hasModality(caps.Modalities, c.Modality) {
		return false
	}
	if len(c.ModelClasses) > 0 && !contains(c.ModelClasses, cand.ModelClass) {
		return false
	}
	if c.CostCeiling > 0 && cand.CostPer1KTokens > c.CostCeiling {
		return false
	}
	return true
}

func hasModality(modalities []string, want string) bool {
	// An empty declared set means text-only.
	if len(modalities) == 0 {
		return want == "text"
	}
	return contains(modalities, want)
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
