package aggregate

import (
	"reflect"
	"strings"
	"testing"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/scheduler"
)

func completed(id string, seq int, kind scheduler.AggregationKind, result any, deps ...string) scheduler.Node {
	return scheduler.Node{
		ID:                 id,
		RequiredCapability: agent.CapAnalyze,
		Dependencies:       deps,
		AggregationKind:    kind,
		Status:             scheduler.StatusCompleted,
		CompletionSeq:      seq,
		Result:             result,
	}
}

func items(results ...any) []Completion {
	out := make([]Completion, len(results))
	for i, r := range results {
		out[i] = Completion{TaskID: string(rune('a' + i)), Seq: i + 1, Result: r}
	}
	return out
}

func TestVote_Majority(t *testing.T) {
	got := Vote(items("a", "a", "b"))
	if got != "a" {
		t.Errorf("Vote = %v, want a", got)
	}
}

func TestVote_TieGoesToEarliest(t *testing.T) {
	got := Vote(items("b", "a", "a", "b"))
	if got != "b" {
		t.Errorf("Vote tie = %v, want b (first to complete)", got)
	}
}

func TestVote_ComparesStructurally(t *testing.T) {
	got := Vote(items(
		map[string]any{"x": 1.0, "y": 2.0},
		map[string]any{"y": 2.0, "x": 1.0},
		map[string]any{"x": 3.0},
	))
	want := map[string]any{"x": 1.0, "y": 2.0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Vote = %v, want %v", got, want)
	}
}

func TestConcatenate(t *testing.T) {
	if got := Concatenate(items("one", "two")); got != "one\n\ntwo" {
		t.Errorf("string concat = %q", got)
	}
	got := Concatenate(items("one", 2.0))
	if !reflect.DeepEqual(got, []any{"one", 2.0}) {
		t.Errorf("mixed concat = %v", got)
	}
}

func TestMerge_DeepLaterWins(t *testing.T) {
	got, warnings := Merge(items(
		map[string]any{"a": 1.0, "nested": map[string]any{"x": "old", "keep": true}},
		map[string]any{"b": 2.0, "nested": map[string]any{"x": "new"}},
	))
	want := map[string]any{
		"a":      1.0,
		"b":      2.0,
		"nested": map[string]any{"x": "new", "keep": true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge = %v, want %v", got, want)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}

func TestMerge_ShapeConflictWarns(t *testing.T) {
	got, warnings := Merge(items(
		map[string]any{"cfg": map[string]any{"a": 1.0}},
		map[string]any{"cfg": "flat"},
	))
	if !reflect.DeepEqual(got, map[string]any{"cfg": "flat"}) {
		t.Errorf("Merge = %v", got)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], ErrAggregationConflict.Error()) || !strings.Contains(warnings[0], "cfg") {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestRank(t *testing.T) {
	got, warnings := Rank(items(
		map[string]any{"answer": "x", "score": 0.4},
		map[string]any{"answer": "y", "score": 0.9},
		map[string]any{"answer": "z"},
		0.9,
	))
	want := map[string]any{"answer": "y", "score": 0.9}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Rank = %v, want %v", got, want)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "c has no numeric score") {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestSynthesize(t *testing.T) {
	b := Synthesize("report", items("x", "y"))
	if b.Target != "report" || len(b.Items) != 2 || b.Items[1].Result != "y" {
		t.Errorf("bundle = %+v", b)
	}
}

func TestAggregate_FrontierOnly(t *testing.T) {
	// A feeds B; C is independent. Only B and C are on the frontier.
	nodes := []scheduler.Node{
		completed("A", 1, scheduler.AggConcatenate, "raw"),
		completed("B", 3, scheduler.AggConcatenate, "refined", "A"),
		completed("C", 2, scheduler.AggConcatenate, "side"),
	}
	art := Aggregate(nodes, scheduler.MergeConfig{})

	out, ok := art.Output(scheduler.AggConcatenate)
	if !ok {
		t.Fatal("missing concatenate output")
	}
	if out.Value != "side\n\nrefined" {
		t.Errorf("value = %q, want frontier in completion order", out.Value)
	}
	if strings.Join(out.TaskIDs, ",") != "C,B" {
		t.Errorf("task ids = %v", out.TaskIDs)
	}
	if art.Succeeded != 3 || art.Total != 3 {
		t.Errorf("counts = %d/%d", art.Succeeded, art.Total)
	}
	if art.Summary != "Batch complete: 3/3 succeeded, 0 failed" {
		t.Errorf("summary = %q", art.Summary)
	}
}

func TestAggregate_FailuresAnnotated(t *testing.T) {
	nodes := []scheduler.Node{
		completed("A", 1, scheduler.AggVote, "yes"),
		{ID: "B", Status: scheduler.StatusFailed, Error: "boom", AggregationKind: scheduler.AggVote},
		{ID: "C", Status: scheduler.StatusSkipped, Error: "dependency B failed", Dependencies: []string{"B"}},
	}
	art := Aggregate(nodes, scheduler.MergeConfig{})

	if art.Value() != "yes" {
		t.Errorf("Value = %v", art.Value())
	}
	if len(art.Failures) != 2 || art.Failures[0].TaskID != "B" || art.Failures[1].Status != scheduler.StatusSkipped {
		t.Errorf("failures = %+v", art.Failures)
	}
	if art.Summary != "Batch complete: 1/3 succeeded, 1 failed, 1 skipped" {
		t.Errorf("summary = %q", art.Summary)
	}
}

func TestAggregate_MixedKindsAndDefault(t *testing.T) {
	nodes := []scheduler.Node{
		completed("A", 1, "", "x"),
		completed("B", 2, scheduler.AggSynthesize, "draft"),
	}
	art := Aggregate(nodes, scheduler.MergeConfig{DefaultKind: scheduler.AggVote, SynthesisTarget: "final"})

	if len(art.Outputs) != 2 {
		t.Fatalf("outputs = %+v", art.Outputs)
	}
	if art.Outputs[0].Kind != scheduler.AggVote || art.Outputs[0].Value != "x" {
		t.Errorf("first output = %+v", art.Outputs[0])
	}
	if art.Outputs[1].Bundle == nil || art.Outputs[1].Bundle.Target != "final" {
		t.Errorf("synthesize output = %+v", art.Outputs[1])
	}
	if art.Value() != nil {
		t.Error("Value should be nil with more than one output")
	}
}

func TestAggregate_DoesNotAliasNodes(t *testing.T) {
	result := map[string]any{"k": "v"}
	nodes := []scheduler.Node{completed("A", 1, scheduler.AggMerge, result)}
	art := Aggregate(nodes, scheduler.MergeConfig{})

	result["k"] = "changed"
	if art.Value().(map[string]any)["k"] != "v" {
		t.Error("artifact shares memory with node results")
	}
}

func TestAggregate_Deterministic(t *testing.T) {
	nodes := []scheduler.Node{
		completed("A", 2, scheduler.AggMerge, map[string]any{"k": 1.0}),
		completed("B", 1, scheduler.AggMerge, map[string]any{"k": 2.0}),
	}
	first := Aggregate(nodes, scheduler.MergeConfig{})
	second := Aggregate(nodes, scheduler.MergeConfig{})
	if !reflect.DeepEqual(first, second) {
		t.Error("Aggregate is not deterministic")
	}
	if first.Value().(map[string]any)["k"] != 1.0 {
		t.Errorf("later completion (A) should win: %v", first.Value())
	}
}
