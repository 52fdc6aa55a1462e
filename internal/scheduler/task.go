package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/aristath/swarm/internal/agent"
)

var (
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrUnknownCapability = errors.New("unknown capability")
	ErrNodeNotFound      = errors.New("node not found")
	// ErrInvalidStatus is returned when a Mark call does not follow the
	// node lifecycle.
	ErrInvalidStatus = errors.New("invalid node status transition")
)

// Status is the state of a node in the graph.
type Status int

const (
	StatusPending    Status = iota // Waiting on dependencies
	StatusReady                    // All dependencies completed
	StatusDispatched               // Assigned to a worker
	StatusCompleted                // Finished with a result
	StatusFailed                   // Finished with an error
	StatusSkipped                  // Never run: an ancestor failed or the run was cancelled
)

var statusNames = [...]string{
	StatusPending:    "pending",
	StatusReady:      "ready",
	StatusDispatched: "dispatched",
	StatusCompleted:  "completed",
	StatusFailed:     "failed",
	StatusSkipped:    "skipped",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if n == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown node status %q", b)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// AggregationKind selects how a node's result is combined into the
// final artifact.
type AggregationKind string

const (
	AggConcatenate AggregationKind = "concatenate"
	AggMerge       AggregationKind = "merge"
	AggVote        AggregationKind = "vote"
	AggRank        AggregationKind = "rank"
	AggSynthesize  AggregationKind = "synthesize"
)

// AggregationKinds lists every kind in artifact output order.
func AggregationKinds() []AggregationKind {
	return []AggregationKind{AggConcatenate, AggMerge, AggVote, AggRank, AggSynthesize}
}

// ParseAggregationKind validates a kind name.
func ParseAggregationKind(s string) (AggregationKind, error) {
	for _, k := range AggregationKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown aggregation kind %q", s)
}

// FailurePolicy decides how a node failure affects the rest of the run.
type FailurePolicy string

const (
	// AbortDescendants skips everything downstream of a failure and fails
	// the run.
	AbortDescendants FailurePolicy = "abortDescendants"
	// ContinueIndependent skips everything downstream of a failure but lets
	// the run complete with whatever independent branches produced.
	ContinueIndependent FailurePolicy = "continueIndependent"
)

// ParseFailurePolicy validates a policy name.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case AbortDescendants, ContinueIndependent:
		return FailurePolicy(s), nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// MergeConfig carries graph-wide execution and aggregation settings.
type MergeConfig struct {
	DefaultKind     AggregationKind `json:"default_kind"`
	SynthesisTarget string          `json:"synthesis_target,omitempty"`
	Policy          FailurePolicy   `json:"failure_policy"`
}

// Node is one task in the graph.
type Node struct {
	ID                 string           `json:"id"`
	RequiredCapability agent.Capability `json:"required_capability"`
	Dependencies       []string         `json:"dependencies,omitempty"`
	AggregationKind    AggregationKind  `json:"aggregation_kind"`
	Priority           int              `json:"priority,omitempty"` // Higher runs first; zero means unset
	Input              any              `json:"input,omitempty"`

	Status           Status    `json:"status"`
	Result           any       `json:"result,omitempty"`
	Error            string    `json:"error,omitempty"`
	AssignedWorkerID string    `json:"assigned_worker_id,omitempty"`
	ReadySeq         int       `json:"ready_seq,omitempty"`      // Order in which the node became ready
	CompletionSeq    int       `json:"completion_seq,omitempty"` // Order in which the node completed
	DispatchedAt     time.Time `json:"dispatched_at,omitempty"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
}

func cloneNode(n *Node) Node {
	cp := *n
	if n.Dependencies != nil {
		cp.Dependencies = append([]string(nil), n.Dependencies...)
	}
	cp.Input = CloneValue(n.Input)
	cp.Result = CloneValue(n.Result)
	return cp
}

// CloneValue deep-copies JSON-shaped values (maps, slices and scalars).
// Other values are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, val := range t {
			cp[k] = CloneValue(val)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, val := range t {
			cp[i] = CloneValue(val)
		}
		return cp
	default:
		return v
	}
}
