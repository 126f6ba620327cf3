package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func testCandidate(id string) Candidate {
	return Candidate{
		ID:         id,
		ModelClass: "chat-small",
		Provider:   "mock",
		Model:      "mock-1",
		Capabilities: Capabilities{
			MaxContextTokens: 8192,
			Streaming:        true,
			Modalities:       []string{"text"},
		},
		CostPer1KTokens: 0.001,
		QualityTier:     1,
		RateLimit:       RateLimit{RequestsPerMinute: 60, Burst: 10},
	}
}

func TestUpsertIdempotent(t *testing.T) {
	c := New(nil)

	if !c.Upsert(testCandidate("chat-small/mock")) {
		t.Fatal("first upsert should report a change")
	}
	v1 := c.Snapshot().Version

	if c.Upsert(testCandidate("chat-small/mock")) {
		t.Error("re-registering identical attributes should be a no-op")
	}
	if got := c.Snapshot().Version; got != v1 {
		t.Errorf("version changed on idempotent upsert: %d -> %d", v1, got)
	}
	if got := len(c.Snapshot().Candidates); got != 1 {
		t.Errorf("expected 1 candidate, got %d", got)
	}

	changed := testCandidate("chat-small/mock")
	changed.CostPer1KTokens = 0.002
	if !c.Upsert(changed) {
		t.Error("attribute change should report a change")
	}
	if got := c.Snapshot().Version; got == v1 {
		t.Error("version should advance on attribute change")
	}
}

func TestDeactivateKeepsEntry(t *testing.T) {
	c := New(nil)
	c.Upsert(testCandidate("a"))

	if !c.Deactivate("a") {
		t.Fatal("deactivate should report a change")
	}
	if c.Deactivate("a") {
		t.Error("second deactivate should be a no-op")
	}

	snap := c.Snapshot()
	cand, ok := snap.Get("a")
	if !ok {
		t.Fatal("deactivated candidate should remain in the snapshot")
	}
	if cand.Active {
		t.Error("candidate should be inactive")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	c := New(nil)
	c.Upsert(testCandidate("a"))

	before := c.Snapshot()
	c.Upsert(testCandidate("b"))
	after := c.Snapshot()

	if len(before.Candidates) != 1 {
		t.Errorf("old snapshot mutated: has %d candidates", len(before.Candidates))
	}
	if len(after.Candidates) != 2 {
		t.Errorf("new snapshot has %d candidates, want 2", len(after.Candidates))
	}
}

func TestReplaceDeactivatesAbsent(t *testing.T) {
	c := New(nil)
	c.Upsert(testCandidate("a"))
	c.Upsert(testCandidate("b"))

	c.Replace([]Candidate{testCandidate("b")})

	snap := c.Snapshot()
	a, ok := snap.Get("a")
	if !ok || a.Active {
		t.Error("candidate absent from the manifest should be deactivated, not removed")
	}
	b, ok := snap.Get("b")
	if !ok || !b.Active {
		t.Error("candidate present in the manifest should stay active")
	}

	// Unchanged manifest must not bump the version.
	v := snap.Version
	c.Replace([]Candidate{testCandidate("b")})
	if got := c.Snapshot().Version; got != v {
		t.Errorf("version changed on no-op replace: %d -> %d", v, got)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := `candidates:
  - id: chat-large/anthropic
    model_class: chat-large
    provider: anthropic
    model: claude-sonnet-4-20250514
    capabilities:
      max_context_tokens: 200000
      streaming: true
      tools: true
      modalities: [text]
    cost_per_1k_tokens: 0.003
    quality_tier: 3
    rate_limit:
      requests_per_minute: 600
      burst: 20
    nodes:
      - id: node-a
      - id: node-b
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(m.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(m.Candidates))
	}
	cand := m.Candidates[0]
	if cand.ID != "chat-large/anthropic" || !cand.Capabilities.Streaming || len(cand.Nodes) != 2 {
		t.Errorf("manifest fields not parsed: %+v", cand)
	}
	if cand.NodeKey("node-a") != "chat-large/anthropic/node-a" {
		t.Errorf("unexpected node key %q", cand.NodeKey("node-a"))
	}
}

func TestManifestValidation(t *testing.T) {
	tests := []struct {
		name string
		m    Manifest
	}{
		{"missing id", Manifest{Candidates: []Candidate{{Provider: "mock", Model: "m"}}}},
		{"duplicate id", Manifest{Candidates: []Candidate{
			{ID: "a", Provider: "mock", Model: "m"},
			{ID: "a", Provider: "mock", Model: "m"},
		}}},
		{"missing provider", Manifest{Candidates: []Candidate{{ID: "a", Model: "m"}}}},
		{"negative cost", Manifest{Candidates: []Candidate{{ID: "a", Provider: "mock", Model: "m", CostPer1KTokens: -1}}}},
		{"duplicate node", Manifest{Candidates: []Candidate{{
			ID: "a", Provider: "mock", Model: "m",
			Nodes: []Node{{ID: "n"}, {ID: "n"}},
		}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.m.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
