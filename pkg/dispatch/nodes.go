package dispatch

import (
	"sync"
	"time"

	"github.com/zen-systems/routegate/pkg/breaker"
	"github.com/zen-systems/routegate/pkg/catalog"
	"github.com/zen-systems/routegate/pkg/health"
	"github.com/zen-systems/routegate/pkg/policy"
)

// NodeBalancer selects among the physical nodes behind one candidate.
// Node outcomes feed the same health/breaker machinery as candidates,
// keyed at node granularity, so one bad node does not open the circuit
// for the whole provider.
type NodeBalancer struct {
	mu       sync.Mutex
	counters map[string]uint64
	health   *health.Tracker
	breaker  *breaker.Breaker
}

// NewNodeBalancer creates a balancer reading node stats from the trackers.
func NewNodeBalancer(h *health.Tracker, b *breaker.Breaker) *NodeBalancer {
	return &NodeBalancer{
		counters: make(map[string]uint64),
		health:   h,
		breaker:  b,
	}
}

// Pick chooses a node for the candidate using the given strategy. Nodes
// with an open circuit are skipped. The second return is false when the
// candidate has nodes but none is currently admittable.
func (nb *NodeBalancer) Pick(cand catalog.Candidate, strategy string) (catalog.Node, bool) {
	if len(cand.Nodes) == 0 {
		return catalog.Node{}, false
	}

	available := make([]catalog.Node, 0, len(cand.Nodes))
	for _, node := range cand.Nodes {
		if nb.breaker.State(cand.NodeKey(node.ID)) == breaker.StateOpen {
			continue
		}
		available = append(available, node)
	}
	if len(available) == 0 {
		return catalog.Node{}, false
	}

	switch strategy {
	case policy.NodeLeastInFlight:
		return nb.pickLeastInFlight(cand, available), true
	case policy.NodeLatency:
		return nb.pickLatency(cand, available), true
	default:
		return nb.pickRoundRobin(cand, available), true
	}
}

// pickRoundRobin walks the available nodes with a per-candidate counter.
// The counter wraps on overflow, which only resets the rotation.
func (nb *NodeBalancer) pickRoundRobin(cand catalog.Candidate, nodes []catalog.Node) catalog.Node {
	nb.mu.Lock()
	idx := nb.counters[cand.ID]
	nb.counters[cand.ID] = idx + 1
	nb.mu.Unlock()
	return nodes[idx%uint64(len(nodes))]
}

func (nb *NodeBalancer) pickLeastInFlight(cand catalog.Candidate, nodes []catalog.Node) catalog.Node {
	best := nodes[0]
	bestInFlight := nb.health.Snapshot(cand.NodeKey(best.ID)).InFlight
	for _, node := range nodes[1:] {
		inFlight := nb.health.Snapshot(cand.NodeKey(node.ID)).InFlight
		if inFlight < bestInFlight {
			best = node
			bestInFlight = inFlight
		}
	}
	return best
}

func (nb *NodeBalancer) pickLatency(cand catalog.Candidate, nodes []catalog.Node) catalog.Node {
	best := nodes[0]
	bestP95 := nb.nodeP95(cand, best)
	for _, node := range nodes[1:] {
		p95 := nb.nodeP95(cand, node)
		if p95 < bestP95 {
			best = node
			bestP95 = p95
		}
	}
	return best
}

func (nb *NodeBalancer) nodeP95(cand catalog.Candidate, node catalog.Node) time.Duration {
	return nb.health.Snapshot(cand.NodeKey(node.ID)).P95
}
