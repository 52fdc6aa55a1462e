package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	RunID() string
	TaskID() string
}

// Topic constants
const (
	TopicRun    = "run"
	TopicTask   = "task"
	TopicWorker = "worker"
)

// Event type constants
const (
	EventTypeRunStarted     = "run.started"
	EventTypeRunProgress    = "run.progress"
	EventTypeRunFinished    = "run.finished"
	EventTypeTaskDispatched = "task.dispatched"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskSkipped    = "task.skipped"
	EventTypeWorkerState    = "worker.state"
)

// RunStartedEvent is published when a graph starts executing.
type RunStartedEvent struct {
	Run       string    `json:"run_id"`
	Name      string    `json:"name,omitempty"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) RunID() string     { return e.Run }
func (e RunStartedEvent) TaskID() string    { return "" }

// RunProgressEvent is published whenever node counts change.
type RunProgressEvent struct {
	Run        string    `json:"run_id"`
	Total      int       `json:"total"`
	Pending    int       `json:"pending"`
	Ready      int       `json:"ready"`
	Dispatched int       `json:"dispatched"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) RunID() string     { return e.Run }
func (e RunProgressEvent) TaskID() string    { return "" }

// RunFinishedEvent is published once a run reaches a terminal status.
type RunFinishedEvent struct {
	Run       string        `json:"run_id"`
	Status    string        `json:"status"`
	Summary   string        `json:"summary"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) RunID() string     { return e.Run }
func (e RunFinishedEvent) TaskID() string    { return "" }

// TaskDispatchedEvent is published when a node is handed to a worker.
type TaskDispatchedEvent struct {
	Run        string    `json:"run_id"`
	ID         string    `json:"task_id"`
	Capability string    `json:"capability"`
	WorkerID   string    `json:"worker_id"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) RunID() string     { return e.Run }
func (e TaskDispatchedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
// Result is a short printable preview of the value.
type TaskCompletedEvent struct {
	Run       string        `json:"run_id"`
	ID        string        `json:"task_id"`
	WorkerID  string        `json:"worker_id"`
	Result    string        `json:"result"`
	Proof     string        `json:"proof,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) RunID() string     { return e.Run }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	Run       string        `json:"run_id"`
	ID        string        `json:"task_id"`
	WorkerID  string        `json:"worker_id,omitempty"`
	Error     string        `json:"error"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) RunID() string     { return e.Run }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskSkippedEvent is published when a node will never run.
type TaskSkippedEvent struct {
	Run       string    `json:"run_id"`
	ID        string    `json:"task_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) RunID() string     { return e.Run }
func (e TaskSkippedEvent) TaskID() string    { return e.ID }

// WorkerStateEvent is published when the coordinator moves a worker.
type WorkerStateEvent struct {
	Run       string    `json:"run_id,omitempty"`
	WorkerID  string    `json:"worker_id"`
	State     string    `json:"state"`
	Task      string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e WorkerStateEvent) EventType() string { return EventTypeWorkerState }
func (e WorkerStateEvent) RunID() string     { return e.Run }
func (e WorkerStateEvent) TaskID() string    { return e.Task }
