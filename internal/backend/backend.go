package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/swarm/internal/agent"
)

// Executor runs one task on behalf of an acquired worker.
// Implementations must honour ctx: when it is cancelled the execution is
// expected to stop and return promptly. Errors are reported to the
// coordinator as worker failures.
type Executor interface {
	Execute(ctx context.Context, a Assignment, hb Heartbeat) (Completion, error)
}

// Heartbeat lets an executor report progress for its worker.
type Heartbeat interface {
	// Begin signals that work has actually started (Initializing -> Working).
	Begin() error
	// Pulse records liveness. Executors that run longer than the
	// staleness window must pulse or they will be swept.
	Pulse() error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, a Assignment, hb Heartbeat) (Completion, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, a Assignment, hb Heartbeat) (Completion, error) {
	return f(ctx, a, hb)
}

// Router dispatches assignments to the executor registered for their
// capability, falling back to a default executor when one is set.
type Router struct {
	executors map[agent.Capability]Executor
	fallback  Executor
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{executors: make(map[agent.Capability]Executor)}
}

// Register maps a capability to an executor.
func (r *Router) Register(c agent.Capability, e Executor) {
	r.executors[c] = e
}

// SetFallback sets the executor used for capabilities with no explicit
// registration.
func (r *Router) SetFallback(e Executor) {
	r.fallback = e
}

// Capabilities lists the explicitly registered capabilities.
func (r *Router) Capabilities() []agent.Capability {
	caps := make([]agent.Capability, 0, len(r.executors))
	for c := range r.executors {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// Execute routes a to its executor.
func (r *Router) Execute(ctx context.Context, a Assignment, hb Heartbeat) (Completion, error) {
	e, ok := r.executors[a.Capability]
	if !ok {
		e = r.fallback
	}
	if e == nil {
		return Completion{}, fmt.Errorf("no executor registered for capability %q", a.Capability)
	}
	return e.Execute(ctx, a, hb)
}

// New creates an executor from configuration.
// This factory switches on cfg.Type; transports that need a live
// connection (such as "nats") are built by their own packages.
func New(cfg Config, pm *ProcessManager) (Executor, error) {
	switch strings.ToLower(cfg.Type) {
	case "command":
		return NewCommandExecutor(cfg, pm)
	case "echo":
		return EchoExecutor(), nil
	default:
		return nil, fmt.Errorf("unknown executor type: %s", cfg.Type)
	}
}

// EchoExecutor returns each assignment's input as its result. It is the
// default executor when nothing else is configured, which makes dry runs
// of a graph file possible.
func EchoExecutor() Executor {
	return ExecutorFunc(func(ctx context.Context, a Assignment, hb Heartbeat) (Completion, error) {
		if err := hb.Begin(); err != nil {
			return Completion{}, err
		}
		if err := ctx.Err(); err != nil {
			return Completion{}, err
		}
		return Completion{Result: a.Input, ProofOfWork: "echo:" + a.TaskID}, nil
	})
}
