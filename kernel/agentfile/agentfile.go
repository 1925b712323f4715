// Package agentfile loads the YAML principal/agent definitions a
// deployment starts at boot, the same way infrastructure/config/services.go
// loads services.yaml: a thin struct tree with `yaml` tags, unmarshalled
// with gopkg.in/yaml.v3.
package agentfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Principal is one entry in an agentfile: an autonomous participant's
// starting balances and loop configuration.
type Principal struct {
	ID               string             `yaml:"id"`
	StartingBalances map[string]float64 `yaml:"starting_balances"`
	ResourcesToCheck []string           `yaml:"resources_to_check"`
	DecisionStrategy string             `yaml:"decision_strategy"` // strategy name; cmd/substrate does not read it and runs every principal with collab.NoopDecisionEngine
	Autonomous       bool               `yaml:"autonomous"`
}

// File is the top-level shape of an agentfile.yaml.
type File struct {
	Principals []Principal `yaml:"principals"`
}

// Load reads and parses path into a File.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read agentfile %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse agentfile %s: %w", path, err)
	}
	for i, p := range f.Principals {
		if p.ID == "" {
			return File{}, fmt.Errorf("agentfile %s: principal at index %d has no id", path, i)
		}
	}
	return f, nil
}
