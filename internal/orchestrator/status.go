package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/swarm/internal/aggregate"
	"github.com/aristath/swarm/internal/persistence"
	"github.com/aristath/swarm/internal/scheduler"
)

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunCancelled is recorded on nodes stopped by a cancellation.
	ErrRunCancelled = errors.New("run cancelled")
	// ErrMissingProof fails a task that completed without proof of work
	// while proof is required.
	ErrMissingProof = errors.New("missing proof of work")
	// ErrServiceClosed is returned by Submit after Close.
	ErrServiceClosed = errors.New("service closed")
)

// RunState is the lifecycle status of a run.
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunState) Terminal() bool {
	return s != RunRunning
}

// Outcome is what a coordinator hands back once its graph is terminal.
type Outcome struct {
	State     RunState
	Artifact  aggregate.Artifact
	Nodes     []scheduler.Node
	StartedAt time.Time
	EndedAt   time.Time
}

// RunStatus is the caller-facing view of a run.
type RunStatus struct {
	ID        string              `json:"id"`
	Name      string              `json:"name,omitempty"`
	State     RunState            `json:"state"`
	Counts    scheduler.Counts    `json:"counts"`
	Nodes     []scheduler.Node    `json:"nodes"`
	Artifact  *aggregate.Artifact `json:"artifact,omitempty"`
	Error     string              `json:"error,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   *time.Time          `json:"ended_at,omitempty"`
}

// runState decides the final status of a terminal graph. A cancelled run
// is cancelled; a run where nothing completed is failed; under
// abortDescendants any failure fails the run.
func runState(cancelled bool, policy scheduler.FailurePolicy, c scheduler.Counts) RunState {
	switch {
	case cancelled:
		return RunCancelled
	case c.Total > 0 && c.Completed == 0:
		return RunFailed
	case policy == scheduler.AbortDescendants && c.Failed > 0:
		return RunFailed
	}
	return RunCompleted
}

func countNodes(nodes []scheduler.Node) scheduler.Counts {
	c := scheduler.Counts{Total: len(nodes)}
	for _, n := range nodes {
		switch n.Status {
		case scheduler.StatusPending:
			c.Pending++
		case scheduler.StatusReady:
			c.Ready++
		case scheduler.StatusDispatched:
			c.Dispatched++
		case scheduler.StatusCompleted:
			c.Completed++
		case scheduler.StatusFailed:
			c.Failed++
		case scheduler.StatusSkipped:
			c.Skipped++
		}
	}
	return c
}

// toRecord serializes a status for the run store.
func (s *RunStatus) toRecord(cfg scheduler.MergeConfig) (*persistence.RunRecord, error) {
	nodes, err := json.Marshal(s.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode nodes: %w", err)
	}
	mc, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merge config: %w", err)
	}
	rec := &persistence.RunRecord{
		ID:          s.ID,
		Name:        s.Name,
		Status:      string(s.State),
		Nodes:       nodes,
		MergeConfig: mc,
		Error:       s.Error,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
	}
	if s.Artifact != nil {
		art, err := json.Marshal(s.Artifact)
		if err != nil {
			return nil, fmt.Errorf("failed to encode artifact: %w", err)
		}
		rec.Artifact = art
	}
	return rec, nil
}

// statusFromRecord decodes a stored run.
func statusFromRecord(rec *persistence.RunRecord) (*RunStatus, scheduler.MergeConfig, error) {
	st := &RunStatus{
		ID:        rec.ID,
		Name:      rec.Name,
		State:     RunState(rec.Status),
		Error:     rec.Error,
		StartedAt: rec.StartedAt,
		EndedAt:   rec.EndedAt,
	}
	var cfg scheduler.MergeConfig
	if err := json.Unmarshal(rec.Nodes, &st.Nodes); err != nil {
		return nil, cfg, fmt.Errorf("failed to decode nodes of run %s: %w", rec.ID, err)
	}
	if len(rec.MergeConfig) > 0 {
		if err := json.Unmarshal(rec.MergeConfig, &cfg); err != nil {
			return nil, cfg, fmt.Errorf("failed to decode merge config of run %s: %w", rec.ID, err)
		}
	}
	if len(rec.Artifact) > 0 {
		var art aggregate.Artifact
		if err := json.Unmarshal(rec.Artifact, &art); err != nil {
			return nil, cfg, fmt.Errorf("failed to decode artifact of run %s: %w", rec.ID, err)
		}
		st.Artifact = &art
	}
	st.Counts = countNodes(st.Nodes)
	return st, cfg, nil
}
