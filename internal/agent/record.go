package agent

import (
	"fmt"
	"time"
)

// WorkerState is a position in the worker lifecycle.
type WorkerState int

const (
	StateIdle         WorkerState = iota // Free for acquisition
	StateInitializing                    // Acquired, executor not started yet
	StateWorking                         // Executing its task
	StateVerifying                       // Result reported, proof being checked
	StateCompleted                       // Task done, awaiting release
	StateFailed                          // Task failed or liveness lost, awaiting release
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateInitializing: "initializing",
	StateWorking:      "working",
	StateVerifying:    "verifying",
	StateCompleted:    "completed",
	StateFailed:       "failed",
}

func (s WorkerState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("WorkerState(%d)", int(s))
	}
	return stateNames[s]
}

// ParseWorkerState is the inverse of String.
func ParseWorkerState(name string) (WorkerState, error) {
	for i, n := range stateNames {
		if n == name {
			return WorkerState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown worker state %q", name)
}

func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *WorkerState) UnmarshalText(b []byte) error {
	parsed, err := ParseWorkerState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Busy reports whether a worker in this state holds a task.
func (s WorkerState) Busy() bool {
	return s == StateInitializing || s == StateWorking || s == StateVerifying
}

// Terminal reports whether the state is waiting to be recycled.
func (s WorkerState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions lists the allowed target states for each state.
var transitions = map[WorkerState][]WorkerState{
	StateIdle:         {StateInitializing},
	StateInitializing: {StateWorking, StateFailed},
	StateWorking:      {StateVerifying, StateFailed},
	StateVerifying:    {StateCompleted, StateFailed},
	StateCompleted:    {StateIdle},
	StateFailed:       {StateIdle},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
// Staying in the same state is always allowed.
func CanTransition(from, to WorkerState) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkerRecord is the durable status of one worker.
type WorkerRecord struct {
	ID            string       `json:"id"`
	Capabilities  []Capability `json:"capabilities"`
	State         WorkerState  `json:"state"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	LastPulse     time.Time    `json:"last_pulse"`
	ProofOfWork   string       `json:"proof_of_work,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// HasCapability reports whether the worker advertises c.
func (r WorkerRecord) HasCapability(c Capability) bool {
	for _, have := range r.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with r.
func (r WorkerRecord) Clone() WorkerRecord {
	cp := r
	if r.Capabilities != nil {
		cp.Capabilities = append([]Capability(nil), r.Capabilities...)
	}
	return cp
}

// Validate checks the per-record invariants.
func (r WorkerRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty worker id", ErrInvalidTransition)
	}
	if r.State < StateIdle || r.State > StateFailed {
		return fmt.Errorf("%w: worker %s has unknown state %d", ErrInvalidTransition, r.ID, int(r.State))
	}
	if r.State.Busy() && r.CurrentTaskID == "" {
		return fmt.Errorf("%w: worker %s is %s without a task", ErrInvalidTransition, r.ID, r.State)
	}
	if !r.State.Busy() && r.CurrentTaskID != "" {
		return fmt.Errorf("%w: worker %s is %s but holds task %s", ErrInvalidTransition, r.ID, r.State, r.CurrentTaskID)
	}
	if r.State != StateFailed && r.LastError != "" {
		return fmt.Errorf("%w: worker %s carries an error outside failed state", ErrInvalidTransition, r.ID)
	}
	return nil
}

// CheckTransition validates replacing prev with next. prev is nil when the
// record does not exist yet; new records must start idle or initializing.
func CheckTransition(prev *WorkerRecord, next WorkerRecord) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if prev == nil {
		if next.State != StateIdle && next.State != StateInitializing {
			return fmt.Errorf("%w: new worker %s cannot start in %s", ErrInvalidTransition, next.ID, next.State)
		}
		return nil
	}
	if !CanTransition(prev.State, next.State) {
		return fmt.Errorf("%w: worker %s %s -> %s", ErrInvalidTransition, next.ID, prev.State, next.State)
	}
	if prev.State.Busy() && next.State.Busy() && prev.CurrentTaskID != next.CurrentTaskID {
		return fmt.Errorf("%w: worker %s cannot switch from task %s to %s", ErrInvalidTransition, next.ID, prev.CurrentTaskID, next.CurrentTaskID)
	}
	return nil
}
