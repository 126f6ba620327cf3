package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk catalog format.
type Manifest struct {
	Candidates []Candidate `yaml:"candidates"`
}

// LoadManifest reads and validates a catalog manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse catalog manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest entries for the fields routing depends on.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Candidates))
	for i, cand := range m.Candidates {
		if cand.ID == "" {
			return fmt.Errorf("candidate %d: id is required", i)
		}
		if seen[cand.ID] {
			return fmt.Errorf("candidate %q: duplicate id", cand.ID)
		}
		seen[cand.ID] = true
		if cand.Provider == "" {
			return fmt.Errorf("candidate %q: provider is required", cand.ID)
		}
		if cand.Model == "" {
			return fmt.Errorf("candidate %q: model is required", cand.ID)
		}
		if cand.CostPer1KTokens < 0 {
			return fmt.Errorf("candidate %q: cost_per_1k_tokens must not be negative", cand.ID)
		}
		nodeIDs := make(map[string]bool, len(cand.Nodes))
		for _, node := range cand.Nodes {
			if node.ID == "" {
				return fmt.Errorf("candidate %q: node id is required", cand.ID)
			}
			if nodeIDs[node.ID] {
				return fmt.Errorf("candidate %q: duplicate node id %q", cand.ID, node.ID)
			}
			nodeIDs[node.ID] = true
		}
	}
	return nil
}

// FileLoader returns a loader function suitable for Catalog.Run.
func FileLoader(path string) func() ([]Candidate, error) {
	return func() ([]Candidate, error) {
		m, err := LoadManifest(path)
		if err != nil {
			return nil, err
		}
		return m.Candidates, nil
	}
}
