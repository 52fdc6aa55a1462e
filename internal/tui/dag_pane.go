package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/swarm/internal/events"
)

// runProgress is the latest snapshot of one run's graph.
type runProgress struct {
	id         string
	total      int
	completed  int
	dispatched int
	failed     int
	skipped    int
	pending    int // pending plus ready
	status     string
	summary    string
}

// DAGPaneModel shows graph progress for every run seen, newest last.
type DAGPaneModel struct {
	runs    map[string]*runProgress
	order   []string
	width   int
	height  int
	focused bool
}

// NewDAGPaneModel creates a new DAG pane model.
func NewDAGPaneModel() DAGPaneModel {
	return DAGPaneModel{runs: make(map[string]*runProgress)}
}

func (m *DAGPaneModel) run(id string) *runProgress {
	if r, ok := m.runs[id]; ok {
		return r
	}
	r := &runProgress{id: id, status: "running"}
	m.runs[id] = r
	m.order = append(m.order, id)
	return r
}

// Update handles messages for the DAG pane.
func (m DAGPaneModel) Update(msg tea.Msg) (DAGPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunStartedEvent:
		r := m.run(msg.Run)
		r.total = msg.Total
		r.pending = msg.Total

	case events.RunProgressEvent:
		r := m.run(msg.Run)
		r.total = msg.Total
		r.completed = msg.Completed
		r.dispatched = msg.Dispatched
		r.failed = msg.Failed
		r.skipped = msg.Skipped
		r.pending = msg.Pending + msg.Ready

	case events.RunFinishedEvent:
		r := m.run(msg.Run)
		r.status = msg.Status
		r.summary = msg.Summary
		r.dispatched = 0
	}

	return m, nil
}

// View renders the DAG pane.
func (m DAGPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Graph Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("No runs yet"))
	}

	// Latest run in detail, older ones as one-liners.
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.runs[m.order[i]]
		if i == len(m.order)-1 {
			b.WriteString(m.renderDetail(r))
			if len(m.order) > 1 {
				b.WriteString("\nEarlier runs\n")
			}
			continue
		}
		fmt.Fprintf(&b, "%s %s  %s\n", StatusIcon(runIcon(r.status)), shortID(r.id), r.summary)
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m DAGPaneModel) renderDetail(r *runProgress) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run %s  %s\n", shortID(r.id), r.status)
	fmt.Fprintf(&b, "Total:      %d\n", r.total)
	fmt.Fprintf(&b, "Completed:  %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", r.completed)))
	fmt.Fprintf(&b, "Dispatched: %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", r.dispatched)))
	fmt.Fprintf(&b, "Failed:     %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", r.failed)))
	fmt.Fprintf(&b, "Skipped:    %s\n", StyleStatusSkipped.Render(fmt.Sprintf("%d", r.skipped)))
	fmt.Fprintf(&b, "Pending:    %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", r.pending)))
	b.WriteString("\n")

	if r.total > 0 {
		b.WriteString(progressBar(r, min(m.width-4, 40)))
		b.WriteString("\n")
	}
	if r.summary != "" {
		b.WriteString(r.summary)
		b.WriteString("\n")
	}
	return b.String()
}

func progressBar(r *runProgress, barWidth int) string {
	completedWidth := (r.completed * barWidth) / r.total
	failedWidth := ((r.failed + r.skipped) * barWidth) / r.total
	runningWidth := (r.dispatched * barWidth) / r.total
	pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))
	return fmt.Sprintf("[%s]  %d/%d", bar, r.completed, r.total)
}

// runIcon maps a run status onto the task icon vocabulary.
func runIcon(status string) string {
	switch status {
	case "completed":
		return "completed"
	case "failed":
		return "failed"
	case "cancelled":
		return "skipped"
	}
	return "running"
}

// SetSize updates the pane dimensions.
func (m *DAGPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *DAGPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
