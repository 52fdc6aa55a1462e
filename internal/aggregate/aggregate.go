// Package aggregate combines the results of a finished task graph into a
// single artifact. Every function here is pure: the same nodes always
// produce the same artifact.
package aggregate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/scheduler"
)

// ErrAggregationConflict marks results that could not be combined
// cleanly. It surfaces as a warning on the artifact, never as a failure.
var ErrAggregationConflict = errors.New("aggregation conflict")

// Completion is one completed node's contribution.
type Completion struct {
	TaskID     string           `json:"task_id"`
	Capability agent.Capability `json:"capability"`
	Seq        int              `json:"seq"` // completion order
	Result     any              `json:"result"`
}

// Output is the combined value for one aggregation kind.
type Output struct {
	Kind    scheduler.AggregationKind `json:"kind"`
	TaskIDs []string                  `json:"task_ids"`
	Value   any                       `json:"value,omitempty"`
	Bundle  *Bundle                   `json:"bundle,omitempty"` // set for synthesize
}

// Bundle is the input package for a downstream synthesis step.
type Bundle struct {
	Target string       `json:"target,omitempty"`
	Items  []Completion `json:"items"`
}

// Annotation records a node that did not contribute a result.
type Annotation struct {
	TaskID string           `json:"task_id"`
	Status scheduler.Status `json:"status"`
	Error  string           `json:"error,omitempty"`
}

// Artifact is the final output of a run. It holds deep copies of every
// value and is never modified after Aggregate returns it.
type Artifact struct {
	Outputs   []Output     `json:"outputs"`
	Failures  []Annotation `json:"failures,omitempty"`
	Warnings  []string     `json:"warnings,omitempty"`
	Summary   string       `json:"summary"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
}

// Value returns the single combined value when the artifact has exactly
// one output, and nil otherwise.
func (a Artifact) Value() any {
	if len(a.Outputs) != 1 {
		return nil
	}
	if a.Outputs[0].Bundle != nil {
		return a.Outputs[0].Bundle
	}
	return a.Outputs[0].Value
}

// Output returns the output for kind, if any.
func (a Artifact) Output(kind scheduler.AggregationKind) (Output, bool) {
	for _, o := range a.Outputs {
		if o.Kind == kind {
			return o, true
		}
	}
	return Output{}, false
}

// Aggregate builds the artifact for a terminal graph. Only the completed
// frontier contributes values: completed nodes none of whose dependents
// completed, since a completed dependent already consumed their output.
// Every failed or skipped node becomes an annotation.
func Aggregate(nodes []scheduler.Node, cfg scheduler.MergeConfig) Artifact {
	art := Artifact{Total: len(nodes)}

	consumed := make(map[string]bool)
	for _, n := range nodes {
		if n.Status != scheduler.StatusCompleted {
			continue
		}
		for _, dep := range n.Dependencies {
			consumed[dep] = true
		}
	}

	byKind := make(map[scheduler.AggregationKind][]Completion)
	for _, n := range nodes {
		switch n.Status {
		case scheduler.StatusCompleted:
			art.Succeeded++
			if consumed[n.ID] {
				continue
			}
			kind := n.AggregationKind
			if kind == "" {
				kind = cfg.DefaultKind
			}
			byKind[kind] = append(byKind[kind], Completion{
				TaskID:     n.ID,
				Capability: n.RequiredCapability,
				Seq:        n.CompletionSeq,
				Result:     scheduler.CloneValue(n.Result),
			})
		case scheduler.StatusFailed:
			art.Failed++
			art.Failures = append(art.Failures, Annotation{TaskID: n.ID, Status: n.Status, Error: n.Error})
		case scheduler.StatusSkipped:
			art.Skipped++
			art.Failures = append(art.Failures, Annotation{TaskID: n.ID, Status: n.Status, Error: n.Error})
		}
	}

	for _, kind := range scheduler.AggregationKinds() {
		items := byKind[kind]
		if len(items) == 0 {
			continue
		}
		sortByCompletion(items)

		out := Output{Kind: kind, TaskIDs: taskIDs(items)}
		if kind == scheduler.AggSynthesize {
			out.Bundle = Synthesize(cfg.SynthesisTarget, items)
		} else {
			value, warnings := Combine(kind, items)
			out.Value = value
			art.Warnings = append(art.Warnings, warnings...)
		}
		art.Outputs = append(art.Outputs, out)
	}

	art.Summary = Summary(art.Succeeded, art.Total, art.Failed, art.Skipped)
	return art
}

// Combine merges completions with a value-producing strategy. Completions
// must already be in completion order. Synthesize is not a value strategy;
// use Synthesize for it.
func Combine(kind scheduler.AggregationKind, items []Completion) (any, []string) {
	switch kind {
	case scheduler.AggConcatenate:
		return Concatenate(items), nil
	case scheduler.AggMerge:
		return Merge(items)
	case scheduler.AggVote:
		return Vote(items), nil
	case scheduler.AggRank:
		return Rank(items)
	case scheduler.AggSynthesize:
		return Synthesize("", items), nil
	}
	return nil, []string{fmt.Sprintf("%s: unsupported aggregation kind %q", ErrAggregationConflict, kind)}
}

// Summary formats the batch summary line.
func Summary(succeeded, total, failed, skipped int) string {
	s := fmt.Sprintf("Batch complete: %d/%d succeeded, %d failed", succeeded, total, failed)
	if skipped > 0 {
		s += fmt.Sprintf(", %d skipped", skipped)
	}
	return s
}

func sortByCompletion(items []Completion) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
}

func taskIDs(items []Completion) []string {
	ids := make([]string, len(items))
	for i, c := range items {
		ids[i] = c.TaskID
	}
	return ids
}
