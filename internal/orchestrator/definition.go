package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/scheduler"
)

// NodeDefinition is one task as a caller writes it.
type NodeDefinition struct {
	ID          string   `json:"id" yaml:"id"`
	Capability  string   `json:"capability" yaml:"capability"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Aggregation string   `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	Priority    int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Input       any      `json:"input,omitempty" yaml:"input,omitempty"`
}

// GraphDefinition is a submitted task graph. Empty settings fall back to
// the service configuration.
type GraphDefinition struct {
	Name                   string           `json:"name,omitempty" yaml:"name,omitempty"`
	FailurePolicy          string           `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
	DefaultAggregationKind string           `json:"default_aggregation_kind,omitempty" yaml:"default_aggregation_kind,omitempty"`
	SynthesisTarget        string           `json:"synthesis_target,omitempty" yaml:"synthesis_target,omitempty"`
	Nodes                  []NodeDefinition `json:"nodes" yaml:"nodes"`
}

// LoadGraphDefinition reads a graph file. Files ending in .yaml or .yml
// are parsed as YAML, everything else as JSON.
func LoadGraphDefinition(path string) (*GraphDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph %s: %w", path, err)
	}
	def, err := ParseGraphDefinition(data, isYAMLFile(path))
	if err != nil {
		return nil, fmt.Errorf("parsing graph %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// ParseGraphDefinition decodes a graph from JSON or YAML.
func ParseGraphDefinition(data []byte, asYAML bool) (*GraphDefinition, error) {
	var def GraphDefinition
	if asYAML {
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, err
		}
		// Inputs take their JSON shapes either way (float64 numbers).
		for i := range def.Nodes {
			in, err := normalizeResult(def.Nodes[i].Input)
			if err != nil {
				return nil, fmt.Errorf("node %q input: %w", def.Nodes[i].ID, err)
			}
			def.Nodes[i].Input = in
		}
	} else if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("graph has no nodes")
	}
	return &def, nil
}

func isYAMLFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Defaults are the service-level settings a definition may leave empty.
type Defaults struct {
	FailurePolicy   scheduler.FailurePolicy
	AggregationKind scheduler.AggregationKind
}

// Build validates the definition and turns it into a graph. known is the
// set of capabilities the pool can serve.
func (d *GraphDefinition) Build(defaults Defaults, known agent.CapabilitySet) (*scheduler.Graph, error) {
	cfg := scheduler.MergeConfig{
		DefaultKind:     defaults.AggregationKind,
		SynthesisTarget: d.SynthesisTarget,
		Policy:          defaults.FailurePolicy,
	}
	if d.FailurePolicy != "" {
		p, err := scheduler.ParseFailurePolicy(d.FailurePolicy)
		if err != nil {
			return nil, err
		}
		cfg.Policy = p
	}
	if d.DefaultAggregationKind != "" {
		k, err := scheduler.ParseAggregationKind(d.DefaultAggregationKind)
		if err != nil {
			return nil, err
		}
		cfg.DefaultKind = k
	}

	nodes := make([]scheduler.Node, 0, len(d.Nodes))
	for _, nd := range d.Nodes {
		capability, err := agent.ParseCapability(nd.Capability)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", nd.ID, err)
		}
		nodes = append(nodes, scheduler.Node{
			ID:                 nd.ID,
			RequiredCapability: capability,
			Dependencies:       nd.DependsOn,
			AggregationKind:    scheduler.AggregationKind(nd.Aggregation),
			Priority:           nd.Priority,
			Input:              nd.Input,
		})
	}
	return scheduler.NewGraph(nodes, cfg, known)
}
