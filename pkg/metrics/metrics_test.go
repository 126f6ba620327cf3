package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zen-systems/routegate/pkg/breaker"
	"github.com/zen-systems/routegate/pkg/health"
)

func newRecorder(t *testing.T) (*Recorder, *health.Tracker, *breaker.Breaker) {
	t.Helper()
	h := health.NewTracker()
	b := breaker.New(breaker.Config{FailureThreshold: 1})
	r, err := NewRecorder(prometheus.NewRegistry(), h, b)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	return r, h, b
}

func TestObserveOutcomeCountsByKind(t *testing.T) {
	r, _, _ := newRecorder(t)

	r.ObserveOutcome(health.Outcome{Key: "a", Kind: health.KindSuccess, OK: true, Latency: 120 * time.Millisecond})
	r.ObserveOutcome(health.Outcome{Key: "a", Kind: health.KindSuccess, OK: true, Latency: 80 * time.Millisecond})
	r.ObserveOutcome(health.Outcome{Key: "a", Kind: health.KindTransient, Err: "overloaded"})
	r.ObserveOutcome(health.Outcome{Key: "a", Kind: health.KindSkipped, Err: "circuit open"})

	if got := testutil.ToFloat64(r.attempts.WithLabelValues("a", "success")); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.attempts.WithLabelValues("a", "transient")); got != 1 {
		t.Errorf("transient count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.attempts.WithLabelValues("a", "skipped")); got != 1 {
		t.Errorf("skipped count = %v, want skips labeled apart from failures", got)
	}
}

func TestLiveCollectorReportsCircuitAndHealth(t *testing.T) {
	r, h, b := newRecorder(t)

	b.RecordFailure("a")
	h.Record(health.Outcome{Key: "b", Timestamp: time.Now(), Latency: 50 * time.Millisecond, OK: true, Kind: health.KindSuccess})
	h.Acquire("b")
	defer h.Release("b")

	expected := `
# HELP routegate_circuit_state Circuit state by key (0 closed, 1 open, 2 half_open)
# TYPE routegate_circuit_state gauge
routegate_circuit_state{key="a"} 1
`
	if err := testutil.GatherAndCompare(r.registry, strings.NewReader(expected), "routegate_circuit_state"); err != nil {
		t.Errorf("circuit gauge: %v", err)
	}

	expected = `
# HELP routegate_in_flight In-flight dispatch attempts by key
# TYPE routegate_in_flight gauge
routegate_in_flight{key="b"} 1
`
	if err := testutil.GatherAndCompare(r.registry, strings.NewReader(expected), "routegate_in_flight"); err != nil {
		t.Errorf("in-flight gauge: %v", err)
	}

	expected = `
# HELP routegate_success_rate Rolling success rate by key
# TYPE routegate_success_rate gauge
routegate_success_rate{key="b"} 1
`
	if err := testutil.GatherAndCompare(r.registry, strings.NewReader(expected), "routegate_success_rate"); err != nil {
		t.Errorf("success-rate gauge: %v", err)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	r, _, _ := newRecorder(t)
	if r.Handler() == nil {
		t.Fatal("expected a handler")
	}
	if r.Registry() == nil {
		t.Fatal("expected the registry")
	}
}
