package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/breaker"
	"github.com/zen-systems/routegate/pkg/catalog"
	"github.com/zen-systems/routegate/pkg/health"
	"github.com/zen-systems/routegate/pkg/policy"
)

func nodeCand(id string, nodeIDs ...string) catalog.Candidate {
	c := catalog.Candidate{ID: id, Provider: "mock", Model: "mock-1", Active: true}
	for _, n := range nodeIDs {
		c.Nodes = append(c.Nodes, catalog.Node{ID: n})
	}
	return c
}

func TestRoundRobinRotates(t *testing.T) {
	h := health.NewTracker()
	b := breaker.New(breaker.Config{})
	nb := NewNodeBalancer(h, b)

	cand := nodeCand("a", "n1", "n2", "n3")
	var got []string
	for i := 0; i < 6; i++ {
		node, ok := nb.Pick(cand, policy.NodeRoundRobin)
		if !ok {
			t.Fatal("expected a node")
		}
		got = append(got, node.ID)
	}
	want := []string{"n1", "n2", "n3", "n1", "n2", "n3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestRoundRobinCountersIndependentPerCandidate(t *testing.T) {
	h := health.NewTracker()
	b := breaker.New(breaker.Config{})
	nb := NewNodeBalancer(h, b)

	a := nodeCand("a", "n1", "n2")
	c := nodeCand("c", "n1", "n2")

	nb.Pick(a, policy.NodeRoundRobin)
	node, _ := nb.Pick(c, policy.NodeRoundRobin)
	if node.ID != "n1" {
		t.Errorf("candidate c first pick = %s, counters must not be shared", node.ID)
	}
}

func TestLeastInFlightPicksIdleNode(t *testing.T) {
	h := health.NewTracker()
	b := breaker.New(breaker.Config{})
	nb := NewNodeBalancer(h, b)

	cand := nodeCand("a", "n1", "n2")
	h.Acquire(cand.NodeKey("n1"))
	h.Acquire(cand.NodeKey("n1"))
	h.Acquire(cand.NodeKey("n2"))

	node, ok := nb.Pick(cand, policy.NodeLeastInFlight)
	if !ok || node.ID != "n2" {
		t.Errorf("pick = %v, want the less loaded n2", node.ID)
	}
}

func TestLatencyPicksFastestNode(t *testing.T) {
	h := health.NewTracker()
	b := breaker.New(breaker.Config{})
	nb := NewNodeBalancer(h, b)

	cand := nodeCand("a", "slow", "fast")
	now := time.Now()
	for i := 0; i < 5; i++ {
		h.Record(health.Outcome{Key: cand.NodeKey("slow"), Timestamp: now, Latency: 900 * time.Millisecond, OK: true, Kind: health.KindSuccess})
		h.Record(health.Outcome{Key: cand.NodeKey("fast"), Timestamp: now, Latency: 50 * time.Millisecond, OK: true, Kind: health.KindSuccess})
	}

	node, ok := nb.Pick(cand, policy.NodeLatency)
	if !ok || node.ID != "fast" {
		t.Errorf("pick = %v, want fast", node.ID)
	}
}

func TestOpenNodeSkipped(t *testing.T) {
	h := health.NewTracker()
	b := breaker.New(breaker.Config{FailureThreshold: 1})
	nb := NewNodeBalancer(h, b)

	cand := nodeCand("a", "n1", "n2")
	b.RecordFailure(cand.NodeKey("n1"))

	for i := 0; i < 4; i++ {
		node, ok := nb.Pick(cand, policy.NodeRoundRobin)
		if !ok {
			t.Fatal("n2 should still be admittable")
		}
		if node.ID == "n1" {
			t.Fatal("open node must not be picked")
		}
	}
}

func TestAllNodesOpenReported(t *testing.T) {
	h := health.NewTracker()
	b := breaker.New(breaker.Config{FailureThreshold: 1})
	nb := NewNodeBalancer(h, b)

	cand := nodeCand("a", "n1", "n2")
	b.RecordFailure(cand.NodeKey("n1"))
	b.RecordFailure(cand.NodeKey("n2"))

	if _, ok := nb.Pick(cand, policy.NodeRoundRobin); ok {
		t.Error("pick must fail when every node circuit is open")
	}
}

func TestNodeFailureIsolatedFromProvider(t *testing.T) {
	// A failing node trips its own circuit; traffic shifts to the healthy
	// node and the provider-level circuit stays closed.
	mock := adapter.NewMockAdapter()
	mock.Script(adapter.MockCall{Err: &adapter.AdapterError{Status: 503}})

	h := health.NewTracker()
	b := breaker.New(breaker.Config{FailureThreshold: 1})
	e := New(map[string]adapter.Adapter{"mock": mock}, h, b, nil)

	cand := nodeCand("a", "n1", "n2")
	d := decisionOf(cand)

	// The call fails on n1 (round robin starts there) and opens its
	// circuit. The provider key only carries a health sample, no trip.
	e.Execute(context.Background(), d, adapter.Request{Prompt: "hi"}, Options{})

	if got := b.State(cand.NodeKey("n1")); got != breaker.StateOpen {
		t.Errorf("failed node circuit = %v, want open", got)
	}
	if got := b.State(cand.NodeKey("n2")); got != breaker.StateClosed {
		t.Errorf("healthy node circuit = %v, want closed", got)
	}
	if got := b.State("a"); got != breaker.StateClosed {
		t.Errorf("provider circuit = %v, want closed while a single node fails", got)
	}
}

func TestAllNodesOpenCountsAgainstProvider(t *testing.T) {
	mock := adapter.NewMockAdapter()
	h := health.NewTracker()
	b := breaker.New(breaker.Config{FailureThreshold: 1})
	e := New(map[string]adapter.Adapter{"mock": mock}, h, b, nil)

	cand := nodeCand("a", "n1", "n2")
	b.RecordFailure(cand.NodeKey("n1"))
	b.RecordFailure(cand.NodeKey("n2"))

	d := decisionOf(cand)
	_, outcomes, err := e.Execute(context.Background(), d, adapter.Request{Prompt: "hi"}, Options{})
	if err == nil {
		t.Fatal("expected chain exhaustion when all nodes are open")
	}
	if len(outcomes) != 1 || outcomes[0].Err != "no node available" {
		t.Errorf("outcomes = %+v", outcomes)
	}
	if got := b.State("a"); got != breaker.StateOpen {
		t.Errorf("provider circuit = %v, want open when every node is down", got)
	}
	if mock.Calls() != 0 {
		t.Error("no backend call should be made with all nodes open")
	}
}

func TestPickedNodeEndpointReachesBackend(t *testing.T) {
	// Node selection must steer the actual traffic: each attempt carries
	// the picked node's endpoint, not just its accounting key.
	mock := adapter.NewMockAdapter()
	e, _, _ := newExecutor(map[string]adapter.Adapter{"mock": mock})

	cand := nodeCand("a", "n1", "n2")
	cand.Nodes[0].Endpoint = "https://n1.internal"
	cand.Nodes[1].Endpoint = "https://n2.internal"
	d := decisionOf(cand)

	for i := 0; i < 2; i++ {
		if _, _, err := e.Execute(context.Background(), d, adapter.Request{Prompt: "hi"}, Options{}); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}

	want := []string{"https://n1.internal", "https://n2.internal"}
	got := mock.Endpoints()
	if len(got) != len(want) {
		t.Fatalf("endpoints = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("endpoints = %v, want rotation across node endpoints", got)
		}
	}
}

func TestNodeWithoutEndpointKeepsAdapterDefault(t *testing.T) {
	mock := adapter.NewMockAdapter()
	e, _, _ := newExecutor(map[string]adapter.Adapter{"mock": mock})

	d := decisionOf(nodeCand("a", "n1"))
	if _, _, err := e.Execute(context.Background(), d, adapter.Request{Prompt: "hi"}, Options{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := mock.Endpoints(); len(got) != 1 || got[0] != "" {
		t.Errorf("endpoints = %v, want the adapter default left untouched", got)
	}
}

func TestNodeSuccessRecordedUnderNodeKey(t *testing.T) {
	mock := adapter.NewMockAdapter()
	e, h, _ := newExecutor(map[string]adapter.Adapter{"mock": mock})

	cand := nodeCand("a", "n1")
	d := decisionOf(cand)
	if _, _, err := e.Execute(context.Background(), d, adapter.Request{Prompt: "hi"}, Options{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := h.Snapshot(cand.NodeKey("n1")).Samples; got != 1 {
		t.Errorf("node samples = %d, want the outcome recorded at node granularity", got)
	}
	if got := h.Snapshot("a").Samples; got != 1 {
		t.Errorf("candidate samples = %d", got)
	}
}
