package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/swarm/internal/events"
)

// TaskState is what the task pane knows about one task.
type TaskState struct {
	RunID      string
	TaskID     string
	Capability string
	WorkerID   string
	Status     string // "dispatched", "completed", "failed", "skipped"
	Log        []string
	StartTime  time.Time
	Duration   time.Duration
}

// TaskPaneModel lists tasks as they are dispatched and shows the history
// of the selected one in a scrollable viewport.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // run/task -> state
	order       []string              // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

func taskKey(runID, taskID string) string {
	return runID + "/" + taskID
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskDispatchedEvent:
		t := m.task(msg.Run, msg.ID)
		t.Capability = msg.Capability
		t.WorkerID = msg.WorkerID
		t.Status = "dispatched"
		t.StartTime = msg.Timestamp
		t.Log = append(t.Log, fmt.Sprintf("%s dispatched to %s (%s)", clock(msg.Timestamp), shortID(msg.WorkerID), msg.Capability))
		m.refresh(msg.Run, msg.ID)

	case events.TaskCompletedEvent:
		t := m.task(msg.Run, msg.ID)
		t.Status = "completed"
		t.Duration = msg.Duration
		t.Log = append(t.Log, fmt.Sprintf("%s completed in %v", clock(msg.Timestamp), msg.Duration.Round(time.Millisecond)))
		if msg.Proof != "" {
			t.Log = append(t.Log, "proof: "+msg.Proof)
		}
		if msg.Result != "" {
			t.Log = append(t.Log, "", msg.Result)
		}
		m.refresh(msg.Run, msg.ID)

	case events.TaskFailedEvent:
		t := m.task(msg.Run, msg.ID)
		t.Status = "failed"
		t.Log = append(t.Log, fmt.Sprintf("%s failed: %s", clock(msg.Timestamp), msg.Error))
		m.refresh(msg.Run, msg.ID)

	case events.TaskSkippedEvent:
		t := m.task(msg.Run, msg.ID)
		t.Status = "skipped"
		t.Log = append(t.Log, fmt.Sprintf("%s skipped: %s", clock(msg.Timestamp), msg.Reason))
		m.refresh(msg.Run, msg.ID)
	}

	return m, cmd
}

// task returns the state for a task, creating it on first sight.
func (m *TaskPaneModel) task(runID, taskID string) *TaskState {
	key := taskKey(runID, taskID)
	if t, ok := m.tasks[key]; ok {
		return t
	}
	t := &TaskState{RunID: runID, TaskID: taskID}
	m.tasks[key] = t
	m.order = append(m.order, key)
	return t
}

// refresh redraws the viewport when the changed task is selected.
func (m *TaskPaneModel) refresh(runID, taskID string) {
	if len(m.order) == 1 || m.selectedKey() == taskKey(runID, taskID) {
		m.updateViewportContent()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, key := range m.order {
		t := m.tasks[key]
		name := t.TaskID
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "dispatched", "running":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "skipped":
		return StyleStatusSkipped.Render("-")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedKey() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected task, if any.
func (m TaskPaneModel) Selected() (TaskState, bool) {
	t, ok := m.tasks[m.selectedKey()]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedKey()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  run %s  %s", StyleTitle.Render(t.TaskID), shortID(t.RunID), t.Status)
	m.viewport.SetContent(header + "\n\n" + strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-25-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.Format("15:04:05")
}

// shortID trims uuids to their first block.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 && len(id) > 12 {
		return id[:i]
	}
	return id
}
