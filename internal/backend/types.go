package backend

import (
	"time"

	"github.com/aristath/swarm/internal/agent"
)

// Assignment is the work handed to an executor.
type Assignment struct {
	RunID      string           `json:"run_id"`
	TaskID     string           `json:"task_id"`
	WorkerID   string           `json:"worker_id"`
	Capability agent.Capability `json:"capability"`
	Input      any              `json:"input,omitempty"`
	Deadline   time.Time        `json:"deadline,omitempty"`
}

// Completion is what an executor returns on success.
type Completion struct {
	Result      any    `json:"result,omitempty"`
	ProofOfWork string `json:"proof,omitempty"`
}

// Config defines the configuration for an executor.
type Config struct {
	Type          string        // "command" or "echo"
	Command       string        // Binary to run, for "command"
	Args          []string      // Extra arguments, for "command"
	WorkDir       string        // Working directory, for "command"
	Env           []string      // Extra KEY=VALUE pairs, for "command"
	PulseInterval time.Duration // How often to pulse while the process runs
}
