package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CommandExecutor runs one subprocess per task. The assignment is written
// to the process's stdin as JSON. On exit code zero, stdout is decoded as a
// commandResponse; anything that is not such an object becomes the
// trimmed stdout string.
type CommandExecutor struct {
	command       string
	args          []string
	workDir       string
	env           []string
	pulseInterval time.Duration
	procMgr       *ProcessManager
}

// commandResponse is the optional structured stdout of a task command.
// Example: {"result": {"summary": "..."}, "proof": "git:3f2a1c"}
type commandResponse struct {
	Result any    `json:"result"`
	Proof  string `json:"proof"`
	Error  string `json:"error"`
}

// NewCommandExecutor creates a subprocess executor.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewCommandExecutor(cfg Config, procMgr *ProcessManager) (*CommandExecutor, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command executor requires a command")
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	return &CommandExecutor{
		command:       cfg.Command,
		args:          append([]string(nil), cfg.Args...),
		workDir:       workDir,
		env:           append([]string(nil), cfg.Env...),
		pulseInterval: cfg.PulseInterval,
		procMgr:       procMgr,
	}, nil
}

// Execute runs the command for a.
func (c *CommandExecutor) Execute(ctx context.Context, a Assignment, hb Heartbeat) (Completion, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to encode assignment: %w", err)
	}

	if err := hb.Begin(); err != nil {
		return Completion{}, err
	}
	stop := KeepAlive(ctx, hb, c.pulseInterval)
	defer stop()

	cmd := newCommand(ctx, c.command, c.args...)
	cmd.Dir = c.workDir
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Env = append(cmd.Env,
		"SWARM_RUN_ID="+a.RunID,
		"SWARM_TASK_ID="+a.TaskID,
		"SWARM_WORKER_ID="+a.WorkerID,
		"SWARM_CAPABILITY="+string(a.Capability),
	)

	stdout, _, err := executeCommand(ctx, cmd, bytes.NewReader(payload), c.procMgr)
	if err != nil {
		return Completion{}, err
	}

	return c.parseOutput(stdout)
}

func (c *CommandExecutor) parseOutput(stdout []byte) (Completion, error) {
	trimmed := bytes.TrimSpace(stdout)
	defaultProof := fmt.Sprintf("command:%s exit=0", filepath.Base(c.command))

	var resp commandResponse
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if json.Unmarshal(trimmed, &probe) == nil {
			_, hasResult := probe["result"]
			_, hasError := probe["error"]
			if (hasResult || hasError) && json.Unmarshal(trimmed, &resp) == nil {
				if resp.Error != "" {
					return Completion{}, fmt.Errorf("command reported error: %s", resp.Error)
				}
				if resp.Proof == "" {
					resp.Proof = defaultProof
				}
				return Completion{Result: resp.Result, ProofOfWork: resp.Proof}, nil
			}
		}
	}

	return Completion{Result: string(trimmed), ProofOfWork: defaultProof}, nil
}
