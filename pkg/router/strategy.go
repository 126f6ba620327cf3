package router

import (
	"github.com/zen-systems/routegate/pkg/catalog"
	"github.com/zen-systems/routegate/pkg/health"
	"github.com/zen-systems/routegate/pkg/policy"
)

// ScoreFunc scores one candidate against its live health stats.
// Higher is better.
type ScoreFunc func(cand catalog.Candidate, stats health.Stats) float64

// SelectStrategy resolves the strategy for a request. Resolution is a pure
// mapping from priority class and operator policy, never random, so
// identical inputs always select the same strategy.
func SelectStrategy(c Constraints, pol *policy.Policy) string {
	return pol.StrategyFor(c.PriorityClass)
}

// The cost tie-break keeps latency-first deterministic between candidates
// with identical percentiles without letting price outweigh speed.
const costTieBreakWeight = 10.0

// affinityBonus dominates every other score component, so a healthy sticky
// target always ranks first.
const affinityBonus = 1e9

// strategyFor returns the scoring function for a strategy name. The set is
// closed: unknown names fall back to latency-first.
func strategyFor(name, affinityTarget string) ScoreFunc {
	switch name {
	case policy.StrategyCost:
		return scoreCost
	case policy.StrategyQuality:
		return scoreQuality
	case policy.StrategySticky:
		return func(cand catalog.Candidate, stats health.Stats) float64 {
			score := scoreLatency(cand, stats)
			if affinityTarget != "" && cand.ID == affinityTarget {
				score += affinityBonus
			}
			return score
		}
	case policy.StrategyLatency:
		return scoreLatency
	default:
		return scoreLatency
	}
}

// scoreCost prefers the cheapest candidate. Health feeds in only as the
// hard circuit filter applied by the ranking engine.
func scoreCost(cand catalog.Candidate, _ health.Stats) float64 {
	return -cand.CostPer1KTokens
}

// scoreLatency prefers the lowest observed p95, with a mild cost tie-break.
func scoreLatency(cand catalog.Candidate, stats health.Stats) float64 {
	p95ms := float64(stats.P95.Milliseconds())
	return -p95ms - cand.CostPer1KTokens*costTieBreakWeight
}

// scoreQuality prefers the highest operator-assigned tier, with latency
// breaking ties between equal tiers.
func scoreQuality(cand catalog.Candidate, stats health.Stats) float64 {
	p95ms := float64(stats.P95.Milliseconds())
	return float64(cand.QualityTier)*1e6 - p95ms
}
