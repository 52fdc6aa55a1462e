package orchestrator

import (
	"sort"

	"github.com/aristath/swarm/internal/aggregate"
	"github.com/aristath/swarm/internal/scheduler"
)

// SynthesisInput is what the synthesis target receives in place of its
// own input: that input plus the bundle of its completed synthesize-kind
// dependencies.
type SynthesisInput struct {
	Input  any               `json:"input,omitempty"`
	Bundle *aggregate.Bundle `json:"bundle"`
}

// synthesisInput returns the executor input for n. Every node except the
// graph's synthesis target gets a copy of its own input.
func synthesisInput(g *scheduler.Graph, n scheduler.Node) any {
	cfg := g.Config()
	if cfg.SynthesisTarget == "" || n.ID != cfg.SynthesisTarget {
		return scheduler.CloneValue(n.Input)
	}

	var items []aggregate.Completion
	for _, depID := range n.Dependencies {
		dep, ok := g.Get(depID)
		if !ok || dep.Status != scheduler.StatusCompleted {
			continue
		}
		kind := dep.AggregationKind
		if kind == "" {
			kind = cfg.DefaultKind
		}
		if kind != scheduler.AggSynthesize {
			continue
		}
		items = append(items, aggregate.Completion{
			TaskID:     dep.ID,
			Capability: dep.RequiredCapability,
			Seq:        dep.CompletionSeq,
			Result:     dep.Result,
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })

	return SynthesisInput{
		Input:  scheduler.CloneValue(n.Input),
		Bundle: aggregate.Synthesize(cfg.SynthesisTarget, items),
	}
}
