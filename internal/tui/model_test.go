package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/events"
)

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	return next.(Model)
}

func feed(m Model, evs ...events.Event) Model {
	for _, ev := range evs {
		next, _ := m.Update(ev)
		m = next.(Model)
	}
	return m
}

func TestModel_RoutesEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := sized(t, New(bus, "", nil))
	now := time.Now()
	m = feed(m,
		events.RunStartedEvent{Run: "r1", Total: 2, Timestamp: now},
		events.TaskDispatchedEvent{Run: "r1", ID: "fetch", Capability: "fetch", WorkerID: "w1", Timestamp: now},
		events.WorkerStateEvent{WorkerID: "w1", State: "working", Task: "fetch"},
		events.TaskCompletedEvent{Run: "r1", ID: "fetch", WorkerID: "w1", Result: "page", Duration: time.Second, Timestamp: now},
		events.RunProgressEvent{Run: "r1", Total: 2, Completed: 1, Ready: 1},
	)

	sel, ok := m.taskPane.Selected()
	if !ok || sel.TaskID != "fetch" || sel.Status != "completed" {
		t.Fatalf("unexpected selected task: %+v", sel)
	}
	if got := m.workerPane.Counts()["working"]; got != 1 {
		t.Errorf("expected one working worker, got %d", got)
	}
	r := m.dagPane.runs["r1"]
	if r == nil || r.completed != 1 || r.pending != 1 {
		t.Errorf("unexpected progress: %+v", r)
	}
	if view := m.View(); !strings.Contains(view, "fetch") || !strings.Contains(view, "Graph Progress") {
		t.Error("expected the view to show the task and progress pane")
	}
}

func TestModel_RunFilter(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := sized(t, New(bus, "mine", nil))
	m = feed(m,
		events.TaskDispatchedEvent{Run: "other", ID: "x", WorkerID: "w1"},
		events.TaskDispatchedEvent{Run: "mine", ID: "y", WorkerID: "w2"},
		events.WorkerStateEvent{Run: "other", WorkerID: "w1", State: "working"},
	)

	if len(m.taskPane.order) != 1 || m.taskPane.order[0] != "mine/y" {
		t.Errorf("expected only the filtered run, got %v", m.taskPane.order)
	}
	if len(m.workerPane.workers) != 1 {
		t.Errorf("worker events should pass the filter, got %d workers", len(m.workerPane.workers))
	}
}

func TestModel_FocusCycle(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := New(bus, "", nil)
	for _, want := range []PaneID{PaneWorkers, PaneProgress, PaneTasks} {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
		m = next.(Model)
		if m.focusedPane != want {
			t.Fatalf("expected pane %d, got %d", want, m.focusedPane)
		}
	}

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("3")})
	if next.(Model).focusedPane != PaneProgress {
		t.Error("expected 3 to jump to the progress pane")
	}
}

func TestWorkerPane_Seeded(t *testing.T) {
	pane := NewWorkerPaneModel([]agent.WorkerRecord{
		{ID: "w1", State: agent.StateIdle},
		{ID: "w2", State: agent.StateWorking, CurrentTaskID: "t"},
	})
	counts := pane.Counts()
	if counts["idle"] != 1 || counts["working"] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0b5e3c1a-4f7d-4f6e-9a51-2c7b6c1d1e2f"); got != "0b5e3c1a" {
		t.Errorf("shortID(uuid) = %q", got)
	}
	if got := shortID("w-1"); got != "w-1" {
		t.Errorf("short ids stay intact, got %q", got)
	}
}
