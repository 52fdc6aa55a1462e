package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/events"
)

type workerRow struct {
	id    string
	state string
	task  string
}

// WorkerPaneModel shows the last known state of every worker.
type WorkerPaneModel struct {
	workers map[string]*workerRow
	width   int
	height  int
	focused bool
}

// NewWorkerPaneModel creates a worker pane, optionally seeded with the
// records present when the TUI starts.
func NewWorkerPaneModel(seed []agent.WorkerRecord) WorkerPaneModel {
	m := WorkerPaneModel{workers: make(map[string]*workerRow)}
	for _, rec := range seed {
		m.workers[rec.ID] = &workerRow{id: rec.ID, state: rec.State.String(), task: rec.CurrentTaskID}
	}
	return m
}

// Update handles messages for the worker pane.
func (m WorkerPaneModel) Update(msg tea.Msg) (WorkerPaneModel, tea.Cmd) {
	if ev, ok := msg.(events.WorkerStateEvent); ok {
		row, exists := m.workers[ev.WorkerID]
		if !exists {
			row = &workerRow{id: ev.WorkerID}
			m.workers[ev.WorkerID] = row
		}
		row.state = ev.State
		row.task = ev.Task
	}
	return m, nil
}

// Counts returns how many workers are in each state.
func (m WorkerPaneModel) Counts() map[string]int {
	out := make(map[string]int)
	for _, w := range m.workers {
		out[w.state]++
	}
	return out
}

// View renders the worker pane.
func (m WorkerPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Workers")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	rows := make([]*workerRow, 0, len(m.workers))
	for _, w := range m.workers {
		rows = append(rows, w)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })

	if len(rows) == 0 {
		b.WriteString(StyleStatusPending.Render("No workers yet"))
	}
	for _, w := range rows {
		fmt.Fprintf(&b, "%s %-10s %-13s %s\n", StatusIcon(workerIcon(w.state)), shortID(w.id), w.state, w.task)
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

func workerIcon(state string) string {
	switch state {
	case "initializing", "working", "verifying":
		return "running"
	case "completed":
		return "completed"
	case "failed":
		return "failed"
	}
	return "pending"
}

// SetSize updates the pane dimensions.
func (m *WorkerPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *WorkerPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
