package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/scheduler"
)

func printStatus(w io.Writer, symbol, message string, c color.Attribute) {
	fmt.Fprintf(w, "%s %s\n", color.New(c).Sprint(symbol), message)
}

func runStateColor(s orchestrator.RunState) color.Attribute {
	switch s {
	case orchestrator.RunCompleted:
		return color.FgGreen
	case orchestrator.RunFailed:
		return color.FgRed
	case orchestrator.RunCancelled:
		return color.FgYellow
	}
	return color.FgCyan
}

func nodeStatusColor(s scheduler.Status) color.Attribute {
	switch s {
	case scheduler.StatusCompleted:
		return color.FgGreen
	case scheduler.StatusFailed:
		return color.FgRed
	case scheduler.StatusSkipped:
		return color.FgYellow
	case scheduler.StatusDispatched:
		return color.FgCyan
	}
	return color.FgWhite
}

func workerStateColor(s agent.WorkerState) color.Attribute {
	switch s {
	case agent.StateIdle:
		return color.FgGreen
	case agent.StateFailed:
		return color.FgRed
	case agent.StateCompleted:
		return color.FgBlue
	}
	return color.FgCyan
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatCounts(c scheduler.Counts) string {
	return fmt.Sprintf("%d/%d completed, %d failed, %d skipped, %d in flight, %d waiting",
		c.Completed, c.Total, c.Failed, c.Skipped, c.Dispatched, c.Pending+c.Ready)
}

// printRun writes a human summary of a run, including each node when
// detailed is set.
func printRun(w io.Writer, st *orchestrator.RunStatus, detailed bool) {
	name := st.ID
	if st.Name != "" {
		name = fmt.Sprintf("%s (%s)", st.Name, st.ID)
	}
	printStatus(w, "●", fmt.Sprintf("%s  %s", name, color.New(runStateColor(st.State)).Sprint(st.State)), runStateColor(st.State))
	fmt.Fprintf(w, "  %s\n", formatCounts(st.Counts))
	fmt.Fprintf(w, "  started %s", st.StartedAt.Format(time.RFC3339))
	if st.EndedAt != nil {
		fmt.Fprintf(w, ", took %s", st.EndedAt.Sub(st.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)
	if st.Error != "" {
		fmt.Fprintf(w, "  %s\n", color.RedString(st.Error))
	}
	if !detailed {
		return
	}

	fmt.Fprintln(w)
	nodes := append([]scheduler.Node(nil), st.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	for _, n := range nodes {
		line := fmt.Sprintf("%-20s %-10s %-10s", n.ID, n.RequiredCapability, color.New(nodeStatusColor(n.Status)).Sprint(n.Status))
		if n.AssignedWorkerID != "" {
			line += " worker " + n.AssignedWorkerID
		}
		if n.Error != "" {
			line += "  " + color.RedString(n.Error)
		}
		fmt.Fprintf(w, "  %s\n", line)
	}
}

// printArtifact writes the aggregated outputs of a run.
func printArtifact(w io.Writer, st *orchestrator.RunStatus) {
	if st.Artifact == nil {
		return
	}
	a := st.Artifact
	fmt.Fprintln(w)
	for _, o := range a.Outputs {
		fmt.Fprintf(w, "%s %s\n", color.New(color.Bold).Sprint(o.Kind), strings.Join(o.TaskIDs, ", "))
		if o.Bundle != nil {
			fmt.Fprintln(w, renderValue(o.Bundle))
			continue
		}
		fmt.Fprintln(w, renderValue(o.Value))
	}
	for _, f := range a.Failures {
		msg := fmt.Sprintf("%s %s", f.TaskID, f.Status)
		if f.Error != "" {
			msg += ": " + f.Error
		}
		printStatus(w, "✗", msg, color.FgRed)
	}
	if a.Summary != "" {
		fmt.Fprintln(w, a.Summary)
	}
	for _, warn := range a.Warnings {
		printStatus(w, "⚠", warn, color.FgYellow)
	}
}

func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
