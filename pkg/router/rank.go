package router

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zen-systems/routegate/pkg/breaker"
	"github.com/zen-systems/routegate/pkg/catalog"
	"github.com/zen-systems/routegate/pkg/health"
)

// RankedCandidate is one scored entry in the fallback chain.
type RankedCandidate struct {
	Candidate catalog.Candidate `json:"candidate"`
	Score     float64           `json:"score"`
}

// TraceEntry records why a candidate landed where it did, for observability.
type TraceEntry struct {
	CandidateID string  `json:"candidate_id"`
	Score       float64 `json:"score"`
	Circuit     string  `json:"circuit"`
	Skipped     string  `json:"skipped,omitempty"`
}

// Decision is the immutable output of one ranking pass: the primary
// candidate, its ordered fallbacks, and the reasoning trace.
type Decision struct {
	Strategy   string            `json:"strategy"`
	Ranked     []RankedCandidate `json:"ranked"`
	Trace      []TraceEntry      `json:"trace"`
	Unservable bool              `json:"unservable"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Primary returns the selected candidate. Only valid when !Unservable.
func (d *Decision) Primary() catalog.Candidate {
	return d.Ranked[0].Candidate
}

// Fallbacks returns the chain after the primary. May be empty.
func (d *Decision) Fallbacks() []RankedCandidate {
	if len(d.Ranked) <= 1 {
		return nil
	}
	return d.Ranked[1:]
}

// Ranker scores and orders candidates using live health and circuit state.
type Ranker struct {
	health   *health.Tracker
	breaker  *breaker.Breaker
	affinity *lru.Cache[string, string]
}

// affinityCacheSize bounds sticky-session memory: one entry per active
// affinity key, oldest evicted first.
const affinityCacheSize = 4096

// NewRanker creates a ranker reading from the given trackers.
func NewRanker(h *health.Tracker, b *breaker.Breaker) *Ranker {
	affinity, _ := lru.New[string, string](affinityCacheSize)
	return &Ranker{health: h, breaker: b, affinity: affinity}
}

// RecordAffinity pins an affinity key to the candidate that served it.
func (r *Ranker) RecordAffinity(key, candidateID string) {
	if key == "" {
		return
	}
	r.affinity.Add(key, candidateID)
}

// AffinityTarget returns the candidate last used for an affinity key.
func (r *Ranker) AffinityTarget(key string) string {
	if key == "" {
		return ""
	}
	target, _ := r.affinity.Get(key)
	return target
}

// Rank orders candidates by the named strategy. Candidates with an OPEN
// circuit are excluded from the chain and recorded in the trace, never
// silently dropped. Ties break on candidate ID so ranking is reproducible.
// An empty result is returned as an unservable decision, distinct from a
// malformed request.
func (r *Ranker) Rank(cands []catalog.Candidate, strategy, affinityKey string) *Decision {
	score := strategyFor(strategy, r.AffinityTarget(affinityKey))

	decision := &Decision{
		Strategy:  strategy,
		CreatedAt: time.Now(),
	}

	ranked := make([]RankedCandidate, 0, len(cands))
	for _, cand := range cands {
		state := r.breaker.State(cand.ID)
		if state == breaker.StateOpen {
			decision.Trace = append(decision.Trace, TraceEntry{
				CandidateID: cand.ID,
				Circuit:     state.String(),
				Skipped:     "circuit open",
			})
			continue
		}
		s := score(cand, r.health.Snapshot(cand.ID))
		ranked = append(ranked, RankedCandidate{Candidate: cand, Score: s})
		decision.Trace = append(decision.Trace, TraceEntry{
			CandidateID: cand.ID,
			Score:       s,
			Circuit:     state.String(),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Candidate.ID < ranked[j].Candidate.ID
	})

	decision.Ranked = ranked
	decision.Unservable = len(ranked) == 0
	return decision
}
