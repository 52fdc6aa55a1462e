package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneWorkers
	PaneProgress
)

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane    TaskPaneModel
	workerPane  WorkerPaneModel
	dagPane     DAGPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	runFilter   string
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model subscribed to every event on the bus.
// A non-empty runID limits run and task events to that run.
func New(eventBus *events.EventBus, runID string, workers []agent.WorkerRecord) Model {
	m := Model{
		taskPane:    NewTaskPaneModel(),
		workerPane:  NewWorkerPaneModel(workers),
		dagPane:     NewDAGPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    eventBus.SubscribeAll(256),
		runFilter:   runID,
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is delivered when the event subscription ends.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// accepts reports whether an event passes the run filter. Worker events
// always pass since workers are shared between runs.
func (m Model) accepts(ev events.Event) bool {
	if m.runFilter == "" || ev.EventType() == events.EventTypeWorkerState {
		return true
	}
	return ev.RunID() == m.runFilter
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneWorkers
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case busClosedMsg:
		// Nothing more will arrive; keep the last picture on screen.

	case events.Event:
		if m.accepts(msg) {
			var cmd tea.Cmd
			switch msg.(type) {
			case events.TaskDispatchedEvent, events.TaskCompletedEvent, events.TaskFailedEvent, events.TaskSkippedEvent:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case events.WorkerStateEvent:
				m.workerPane, cmd = m.workerPane.Update(msg)
			case events.RunStartedEvent, events.RunProgressEvent, events.RunFinishedEvent:
				m.dagPane, cmd = m.dagPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.workerPane.View(), m.dagPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), rightPane)
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 60) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar
	workerHeight := (availableHeight * 45) / 100

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.workerPane.SetSize(rightWidth, workerHeight)
	m.dagPane.SetSize(rightWidth, availableHeight-workerHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.workerPane.SetFocused(m.focusedPane == PaneWorkers)
	m.dagPane.SetFocused(m.focusedPane == PaneProgress)
}
