package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/scheduler"
)

const diamondYAML = `
name: diamond
failure_policy: abortDescendants
nodes:
  - id: fetch
    capability: fetch
    input:
      url: https://example.com
      retries: 2
  - id: left
    capability: analyze
    depends_on: [fetch]
    aggregation: vote
  - id: right
    capability: analyze
    depends_on: [fetch]
    aggregation: vote
  - id: report
    capability: WRITE
    depends_on: [left, right]
    priority: 5
`

func TestParseGraphDefinition_YAML(t *testing.T) {
	def, err := ParseGraphDefinition([]byte(diamondYAML), true)
	if err != nil {
		t.Fatalf("ParseGraphDefinition failed: %v", err)
	}
	if def.Name != "diamond" || len(def.Nodes) != 4 {
		t.Fatalf("unexpected definition: %+v", def)
	}

	in, ok := def.Nodes[0].Input.(map[string]any)
	if !ok {
		t.Fatalf("expected map input, got %T", def.Nodes[0].Input)
	}
	if in["retries"] != float64(2) {
		t.Errorf("expected YAML numbers to take JSON shape, got %T", in["retries"])
	}
	if got := def.Nodes[3].DependsOn; len(got) != 2 || got[0] != "left" {
		t.Errorf("unexpected dependencies %v", got)
	}
}

func TestParseGraphDefinition_JSON(t *testing.T) {
	data := `{"nodes":[{"id":"a","capability":"fetch","input":"x"},{"id":"b","capability":"write","depends_on":["a"]}]}`
	def, err := ParseGraphDefinition([]byte(data), false)
	if err != nil {
		t.Fatalf("ParseGraphDefinition failed: %v", err)
	}
	if len(def.Nodes) != 2 || def.Nodes[0].Input != "x" {
		t.Errorf("unexpected definition: %+v", def)
	}
}

func TestParseGraphDefinition_Errors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		asYAML bool
	}{
		{"empty json", `{"nodes":[]}`, false},
		{"malformed json", `{"nodes":`, false},
		{"empty yaml", `name: nothing`, true},
		{"malformed yaml", "nodes: [", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseGraphDefinition([]byte(tt.data), tt.asYAML); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadGraphDefinition_NameFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nightly.yml")
	if err := os.WriteFile(path, []byte("nodes:\n  - id: a\n    capability: fetch\n"), 0644); err != nil {
		t.Fatal(err)
	}

	def, err := LoadGraphDefinition(path)
	if err != nil {
		t.Fatalf("LoadGraphDefinition failed: %v", err)
	}
	if def.Name != "nightly" {
		t.Errorf("expected name from file, got %q", def.Name)
	}

	if _, err := LoadGraphDefinition(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestGraphDefinition_Build(t *testing.T) {
	def, err := ParseGraphDefinition([]byte(diamondYAML), true)
	if err != nil {
		t.Fatal(err)
	}
	defaults := Defaults{FailurePolicy: scheduler.ContinueIndependent, AggregationKind: scheduler.AggMerge}
	known := agent.NewCapabilitySet(agent.BuiltinCapabilities()...)

	g, err := def.Build(defaults, known)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	cfg := g.Config()
	if cfg.Policy != scheduler.AbortDescendants {
		t.Errorf("expected the definition's policy to win, got %s", cfg.Policy)
	}
	if cfg.DefaultKind != scheduler.AggMerge {
		t.Errorf("expected the service default kind, got %s", cfg.DefaultKind)
	}

	report, _ := g.Get("report")
	if report.RequiredCapability != agent.CapWrite {
		t.Errorf("expected capability to be normalized, got %q", report.RequiredCapability)
	}
	if report.AggregationKind != scheduler.AggMerge || report.Priority != 5 {
		t.Errorf("unexpected report node: %+v", report)
	}
	left, _ := g.Get("left")
	if left.AggregationKind != scheduler.AggVote {
		t.Errorf("expected vote on left, got %s", left.AggregationKind)
	}
}

func TestGraphDefinition_BuildErrors(t *testing.T) {
	known := agent.NewCapabilitySet(agent.BuiltinCapabilities()...)
	defaults := Defaults{FailurePolicy: scheduler.ContinueIndependent, AggregationKind: scheduler.AggConcatenate}

	tests := []struct {
		name string
		def  GraphDefinition
		want error
	}{
		{
			name: "cycle",
			def: GraphDefinition{Nodes: []NodeDefinition{
				{ID: "a", Capability: "fetch", DependsOn: []string{"b"}},
				{ID: "b", Capability: "fetch", DependsOn: []string{"a"}},
			}},
			want: scheduler.ErrCyclicDependency,
		},
		{
			name: "unknown dependency",
			def: GraphDefinition{Nodes: []NodeDefinition{
				{ID: "a", Capability: "fetch", DependsOn: []string{"ghost"}},
			}},
			want: scheduler.ErrUnknownDependency,
		},
		{
			name: "unknown capability",
			def: GraphDefinition{Nodes: []NodeDefinition{
				{ID: "a", Capability: "gpu"},
			}},
			want: scheduler.ErrUnknownCapability,
		},
		{
			name: "bad policy",
			def: GraphDefinition{FailurePolicy: "yolo", Nodes: []NodeDefinition{
				{ID: "a", Capability: "fetch"},
			}},
		},
		{
			name: "bad capability",
			def: GraphDefinition{Nodes: []NodeDefinition{
				{ID: "a", Capability: "not valid!"},
			}},
		},
		{
			name: "bad aggregation",
			def: GraphDefinition{Nodes: []NodeDefinition{
				{ID: "a", Capability: "fetch", Aggregation: "average"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.def.Build(defaults, known)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
