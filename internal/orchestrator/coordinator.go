package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/aggregate"
	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/scheduler"
)

// CoordinatorConfig configures one run's scheduling loop.
type CoordinatorConfig struct {
	MaxConcurrentWorkers int           // Max Dispatched nodes at once (default 4)
	TaskTimeout          time.Duration // Per-task deadline, zero for none
	AcquireTimeout       time.Duration // How long one Acquire may block
	AcquireRetries       int           // Extra acquire attempts on PoolExhausted
	MonitorInterval      time.Duration // Liveness sweep period (default 15s)
	WorkerStaleness      time.Duration // Pulse age after which a worker is swept (default 2m)
	CancelGrace          time.Duration // How long cancelled tasks get to stop before forced release
	RequireProof         bool          // Fail completions that carry no proof of work
	Retry                RetryConfig

	// Holder reports whether any run holds a worker. Swept workers that
	// neither this run nor Holder claims are released back to Idle. When
	// nil, swept workers this run does not hold are left alone.
	Holder func(workerID string) bool
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.MaxConcurrentWorkers <= 0 {
		c.MaxConcurrentWorkers = 4
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 15 * time.Second
	}
	if c.WorkerStaleness <= 0 {
		c.WorkerStaleness = 2 * time.Minute
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = DefaultRetryConfig()
	}
}

// flight tracks a node between dispatch and its worker's report.
type flight struct {
	workerID   string
	capability agent.Capability
	started    time.Time
	deadline   time.Time // zero when the task has no timeout
	cancel     context.CancelFunc
	timer      *time.Timer
}

// stop cancels the execution context and the deadline timer.
func (f *flight) stop() {
	if f.timer != nil {
		f.timer.Stop()
	}
	f.cancel()
}

func (f *flight) overdue(now time.Time) bool {
	return !f.deadline.IsZero() && now.After(f.deadline)
}

// Coordinator drives one task graph to completion against a pool. A
// single loop goroutine owns every graph mutation; acquisition and
// execution run in helper goroutines that report back over a channel.
type Coordinator struct {
	runID    string
	graph    *scheduler.Graph
	pool     *agent.Pool
	exec     backend.Executor
	breakers *CircuitBreakerRegistry
	bus      *events.EventBus
	cfg      CoordinatorConfig

	reports    *reportChannel
	cancelOnce sync.Once
	cancelCh   chan struct{}

	heldMu sync.Mutex
	held   map[string]bool // workers this run must release

	// Loop-owned state
	inflight  map[string]*flight
	acquiring map[string]bool
	cancelled bool
	runCtx    context.Context
	stopAll   context.CancelFunc
	storeCtx  context.Context
}

// NewCoordinator creates a coordinator for graph. breakers and bus may be
// nil.
func NewCoordinator(runID string, graph *scheduler.Graph, pool *agent.Pool, exec backend.Executor, breakers *CircuitBreakerRegistry, bus *events.EventBus, cfg CoordinatorConfig) *Coordinator {
	cfg.applyDefaults()
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry()
	}
	return &Coordinator{
		runID:     runID,
		graph:     graph,
		pool:      pool,
		exec:      exec,
		breakers:  breakers,
		bus:       bus,
		cfg:       cfg,
		reports:   newReportChannel(2 * cfg.MaxConcurrentWorkers),
		cancelCh:  make(chan struct{}),
		held:      make(map[string]bool),
		inflight:  make(map[string]*flight),
		acquiring: make(map[string]bool),
	}
}

// RunID returns the id of the run this coordinator drives.
func (c *Coordinator) RunID() string {
	return c.runID
}

// Graph exposes the graph for status queries. Callers must not mutate it.
func (c *Coordinator) Graph() *scheduler.Graph {
	return c.graph
}

// Holds reports whether this run currently owns workerID.
func (c *Coordinator) Holds(workerID string) bool {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	return c.held[workerID]
}

func (c *Coordinator) setHeld(workerID string, held bool) {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	if held {
		c.held[workerID] = true
	} else {
		delete(c.held, workerID)
	}
}

// Cancel aborts the run: no new dispatch, remaining nodes skipped, and
// in-flight executions signalled, then force-released after the grace
// period. Safe to call more than once.
func (c *Coordinator) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// Run executes the graph and returns once every node is terminal and no
// worker is held. Cancelling ctx has the same effect as Cancel. Run always
// returns an outcome, partial when nodes failed or were skipped.
func (c *Coordinator) Run(ctx context.Context) Outcome {
	started := time.Now()
	c.storeCtx = context.WithoutCancel(ctx)
	c.runCtx, c.stopAll = context.WithCancel(c.storeCtx)
	defer c.stopAll()

	total := c.graph.Counts().Total
	slog.Info("run started", "run", c.runID, "tasks", total, "max_workers", c.cfg.MaxConcurrentWorkers)
	c.publish(events.TopicRun, events.RunStartedEvent{Run: c.runID, Total: total, Timestamp: started})

	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	cancelCh := c.cancelCh
	var graceC <-chan time.Time

	for {
		if !c.cancelled {
			c.dispatch()
		}
		if c.graph.IsComplete() && len(c.inflight) == 0 && len(c.acquiring) == 0 {
			break
		}

		select {
		case r := <-c.reports.ch:
			c.handle(r)
		case <-ticker.C:
			c.monitor()
		case <-ctxDone:
			ctxDone, cancelCh = nil, nil
			graceC = c.beginCancel()
		case <-cancelCh:
			ctxDone, cancelCh = nil, nil
			graceC = c.beginCancel()
		case <-graceC:
			graceC = nil
			c.forceRelease()
		}
	}
	c.reports.close()

	nodes := c.graph.Nodes()
	mc := c.graph.Config()
	counts := c.graph.Counts()
	out := Outcome{
		State:     runState(c.cancelled, mc.Policy, counts),
		Artifact:  aggregate.Aggregate(nodes, mc),
		Nodes:     nodes,
		StartedAt: started,
		EndedAt:   time.Now(),
	}

	slog.Info("run finished", "run", c.runID, "status", out.State, "summary", out.Artifact.Summary)
	c.publish(events.TopicRun, events.RunFinishedEvent{
		Run:       c.runID,
		Status:    string(out.State),
		Summary:   out.Artifact.Summary,
		Duration:  out.EndedAt.Sub(started),
		Timestamp: out.EndedAt,
	})
	return out
}

// dispatch promotes ready nodes and starts acquisition for as many as the
// concurrency ceiling allows.
func (c *Coordinator) dispatch() {
	for _, n := range c.graph.ReadyNodes() {
		slog.Debug("task ready", "run", c.runID, "task", n.ID)
	}

	for _, n := range c.graph.Queue() {
		if len(c.inflight)+len(c.acquiring) >= c.cfg.MaxConcurrentWorkers {
			return
		}
		if c.acquiring[n.ID] {
			continue
		}
		c.acquiring[n.ID] = true
		go c.acquire(n.ID, n.RequiredCapability)
	}
}

func (c *Coordinator) acquire(taskID string, capability agent.Capability) {
	rec, err := acquireWithRetry(c.runCtx, c.pool, capability, taskID, c.cfg.AcquireTimeout, c.cfg.AcquireRetries, c.cfg.Retry)
	if err != nil {
		c.reports.send(report{kind: reportAcquireFailed, taskID: taskID, err: err})
		return
	}
	c.reports.send(report{kind: reportAcquired, taskID: taskID, worker: rec})
}

func (c *Coordinator) handle(r report) {
	switch r.kind {
	case reportAcquired:
		c.onAcquired(r)
	case reportAcquireFailed:
		delete(c.acquiring, r.taskID)
		if c.cancelled {
			return
		}
		slog.Warn("worker acquisition failed", "run", c.runID, "task", r.taskID, "error", r.err)
		c.failTask(r.taskID, "", r.err)
	case reportCompleted:
		c.onCompleted(r)
	case reportDeadline:
		if f, ok := c.inflight[r.taskID]; ok && f.workerID == r.worker.ID {
			c.expire(r.taskID, f)
		}
	case reportFailed:
		f, ok := c.inflight[r.taskID]
		if !ok || f.workerID != r.worker.ID {
			slog.Debug("dropping late failure report", "run", c.runID, "task", r.taskID, "worker", r.worker.ID)
			return
		}
		delete(c.inflight, r.taskID)
		f.stop()
		err := r.err
		if c.cancelled && !errors.Is(err, ErrRunCancelled) {
			err = fmt.Errorf("%w: %v", ErrRunCancelled, err)
		}
		c.failTask(r.taskID, f.workerID, err)
	}
	c.publishProgress()
}

func (c *Coordinator) onAcquired(r report) {
	delete(c.acquiring, r.taskID)
	workerID := r.worker.ID
	c.setHeld(workerID, true)

	if c.cancelled {
		c.discardWorker(workerID, r.taskID, ErrRunCancelled)
		return
	}
	if err := c.graph.MarkDispatched(r.taskID, workerID); err != nil {
		slog.Error("failed to mark task dispatched", "run", c.runID, "task", r.taskID, "error", err)
		c.discardWorker(workerID, r.taskID, err)
		return
	}
	n, _ := c.graph.Get(r.taskID)

	var (
		taskCtx  context.Context
		cancel   context.CancelFunc
		deadline time.Time
	)
	if c.cfg.TaskTimeout > 0 {
		deadline = time.Now().Add(c.cfg.TaskTimeout)
		taskCtx, cancel = context.WithDeadline(c.runCtx, deadline)
	} else {
		taskCtx, cancel = context.WithCancel(c.runCtx)
	}
	f := &flight{
		workerID:   workerID,
		capability: n.RequiredCapability,
		started:    time.Now(),
		deadline:   deadline,
		cancel:     cancel,
	}
	if !deadline.IsZero() {
		// Executors that ignore ctx still lose the task at the deadline.
		taskID := r.taskID
		f.timer = time.AfterFunc(c.cfg.TaskTimeout, func() {
			c.reports.send(report{kind: reportDeadline, taskID: taskID, worker: agent.WorkerRecord{ID: workerID}})
		})
	}
	c.inflight[r.taskID] = f

	a := backend.Assignment{
		RunID:      c.runID,
		TaskID:     n.ID,
		WorkerID:   workerID,
		Capability: n.RequiredCapability,
		Input:      synthesisInput(c.graph, n),
		Deadline:   deadline,
	}

	slog.Info("task dispatched", "run", c.runID, "task", n.ID, "worker", workerID, "capability", n.RequiredCapability)
	now := time.Now()
	c.publish(events.TopicTask, events.TaskDispatchedEvent{
		Run: c.runID, ID: n.ID, Capability: string(n.RequiredCapability), WorkerID: workerID, Timestamp: now,
	})
	c.publishWorker(workerID, agent.StateInitializing, n.ID)

	go c.execute(taskCtx, a)
}

// execute runs on its own goroutine and reports the executor's verdict.
func (c *Coordinator) execute(ctx context.Context, a backend.Assignment) {
	hb := &workerHeartbeat{ctx: c.storeCtx, pool: c.pool, workerID: a.WorkerID, taskID: a.TaskID}
	cb := c.breakers.Get(string(a.Capability))

	comp, err := executeWithBreaker(ctx, cb, c.exec, a, hb)
	worker := agent.WorkerRecord{ID: a.WorkerID}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: task %s exceeded its deadline: %v", agent.ErrWorkerTimeout, a.TaskID, err)
		} else if !errors.Is(err, agent.ErrWorkerFailure) && !errors.Is(err, agent.ErrWorkerTimeout) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", agent.ErrWorkerFailure, err)
		}
		c.reports.send(report{kind: reportFailed, taskID: a.TaskID, worker: worker, err: err})
		return
	}
	c.reports.send(report{kind: reportCompleted, taskID: a.TaskID, worker: worker, completion: comp})
}

// onCompleted verifies a reported completion and records it.
func (c *Coordinator) onCompleted(r report) {
	f, ok := c.inflight[r.taskID]
	if !ok || f.workerID != r.worker.ID {
		slog.Debug("dropping late completion report", "run", c.runID, "task", r.taskID, "worker", r.worker.ID)
		return
	}
	if f.overdue(time.Now()) {
		c.expire(r.taskID, f)
		return
	}
	delete(c.inflight, r.taskID)
	f.stop()

	ctx := c.storeCtx
	if err := c.pool.Verify(ctx, f.workerID, r.taskID); err != nil {
		c.failTask(r.taskID, f.workerID, fmt.Errorf("%w: verify: %v", agent.ErrWorkerFailure, err))
		return
	}
	c.publishWorker(f.workerID, agent.StateVerifying, r.taskID)

	proof := strings.TrimSpace(r.completion.ProofOfWork)
	if c.cfg.RequireProof && proof == "" {
		c.failTask(r.taskID, f.workerID, ErrMissingProof)
		return
	}
	result, err := normalizeResult(r.completion.Result)
	if err != nil {
		c.failTask(r.taskID, f.workerID, fmt.Errorf("%w: %v", agent.ErrWorkerFailure, err))
		return
	}
	if err := c.pool.Complete(ctx, f.workerID, r.taskID, proof); err != nil {
		c.failTask(r.taskID, f.workerID, fmt.Errorf("%w: complete: %v", agent.ErrWorkerFailure, err))
		return
	}
	if err := c.graph.MarkCompleted(r.taskID, result); err != nil {
		slog.Error("failed to mark task completed", "run", c.runID, "task", r.taskID, "error", err)
	}
	c.releaseWorker(f.workerID)

	duration := time.Since(f.started)
	slog.Info("task completed", "run", c.runID, "task", r.taskID, "worker", f.workerID, "duration", duration)
	c.publish(events.TopicTask, events.TaskCompletedEvent{
		Run:       c.runID,
		ID:        r.taskID,
		WorkerID:  f.workerID,
		Result:    preview(result),
		Proof:     proof,
		Duration:  duration,
		Timestamp: time.Now(),
	})
}

// failTask fails the worker (when one holds the task), recycles it and
// fails the node, skipping its dependents.
func (c *Coordinator) failTask(taskID, workerID string, cause error) {
	if workerID != "" {
		c.discardWorker(workerID, taskID, cause)
	}

	skipped, err := c.graph.MarkFailed(taskID, cause)
	if err != nil {
		slog.Error("failed to mark task failed", "run", c.runID, "task", taskID, "error", err)
		return
	}
	slog.Warn("task failed", "run", c.runID, "task", taskID, "worker", workerID, "error", cause, "skipped", len(skipped))

	now := time.Now()
	c.publish(events.TopicTask, events.TaskFailedEvent{
		Run: c.runID, ID: taskID, WorkerID: workerID, Error: cause.Error(), Timestamp: now,
	})
	for _, id := range skipped {
		c.publish(events.TopicTask, events.TaskSkippedEvent{
			Run: c.runID, ID: id, Reason: fmt.Sprintf("dependency %s failed", taskID), Timestamp: now,
		})
	}
}

// discardWorker fails a worker's hold on taskID and releases it.
func (c *Coordinator) discardWorker(workerID, taskID string, cause error) {
	if err := c.pool.Fail(c.storeCtx, workerID, taskID, cause); err != nil {
		slog.Debug("could not fail worker", "worker", workerID, "task", taskID, "error", err)
	} else {
		c.publishWorker(workerID, agent.StateFailed, taskID)
	}
	c.releaseWorker(workerID)
}

func (c *Coordinator) releaseWorker(workerID string) {
	defer c.setHeld(workerID, false)
	if err := c.pool.Release(c.storeCtx, workerID); err != nil {
		slog.Warn("failed to release worker", "worker", workerID, "error", err)
		return
	}
	c.publishWorker(workerID, agent.StateIdle, "")
}

// expire fails an in-flight task that ran past its deadline.
func (c *Coordinator) expire(taskID string, f *flight) {
	delete(c.inflight, taskID)
	f.stop()
	c.failTask(taskID, f.workerID, fmt.Errorf("%w: task %s exceeded its deadline of %s", agent.ErrWorkerTimeout, taskID, c.cfg.TaskTimeout))
}

// monitor runs the liveness sweep, recycles swept workers nobody holds
// and fails every in-flight task whose worker no longer holds it or whose
// deadline has passed.
func (c *Coordinator) monitor() {
	swept, err := c.pool.SweepStale(c.storeCtx, c.cfg.WorkerStaleness)
	if err != nil {
		slog.Error("liveness sweep failed", "run", c.runID, "error", err)
	}

	timedOut := make(map[string]string, len(swept)) // worker id -> task id
	for _, sw := range swept {
		timedOut[sw.Record.ID] = sw.TaskID
		c.recycleSwept(sw.Record.ID)
	}

	now := time.Now()
	for taskID, f := range c.inflight {
		if f.overdue(now) {
			c.expire(taskID, f)
			continue
		}

		rec, err := c.pool.Get(c.storeCtx, f.workerID)
		var cause error
		sweptTask, wasSwept := timedOut[f.workerID]
		switch {
		case errors.Is(err, agent.ErrWorkerNotFound):
			cause = fmt.Errorf("%w: worker %s disappeared", agent.ErrWorkerFailure, f.workerID)
		case err != nil:
			slog.Error("failed to read worker", "worker", f.workerID, "error", err)
			continue
		case rec.State.Busy() && rec.CurrentTaskID == taskID:
			continue
		case wasSwept && sweptTask == taskID:
			cause = fmt.Errorf("%w: worker %s stopped pulsing", agent.ErrWorkerTimeout, f.workerID)
		default:
			cause = fmt.Errorf("%w: worker %s is %s: %s", agent.ErrWorkerFailure, f.workerID, rec.State, rec.LastError)
		}

		delete(c.inflight, taskID)
		f.stop()
		c.failTask(taskID, f.workerID, cause)
	}
	c.publishProgress()
}

// recycleSwept releases a swept worker that no run holds, so a worker
// orphaned by a crashed process does not keep its pool slot.
func (c *Coordinator) recycleSwept(workerID string) {
	if c.Holds(workerID) || c.cfg.Holder == nil || c.cfg.Holder(workerID) {
		return
	}
	if err := c.pool.Release(c.storeCtx, workerID); err != nil {
		slog.Warn("failed to recycle swept worker", "run", c.runID, "worker", workerID, "error", err)
		return
	}
	slog.Info("recycled swept worker", "run", c.runID, "worker", workerID)
	c.publishWorker(workerID, agent.StateIdle, "")
}

// beginCancel stops dispatch, skips everything not started and signals
// in-flight work. It returns the grace timer.
func (c *Coordinator) beginCancel() <-chan time.Time {
	c.cancelled = true
	skipped := c.graph.SkipRemaining(ErrRunCancelled.Error())
	slog.Info("run cancelled", "run", c.runID, "skipped", len(skipped), "in_flight", len(c.inflight))

	now := time.Now()
	for _, id := range skipped {
		c.publish(events.TopicTask, events.TaskSkippedEvent{Run: c.runID, ID: id, Reason: ErrRunCancelled.Error(), Timestamp: now})
	}
	c.stopAll()
	c.publishProgress()
	return time.After(c.cfg.CancelGrace)
}

// forceRelease fails every task still in flight after the grace period.
func (c *Coordinator) forceRelease() {
	for taskID, f := range c.inflight {
		delete(c.inflight, taskID)
		f.stop()
		c.failTask(taskID, f.workerID, fmt.Errorf("%w: worker %s did not stop within %s", ErrRunCancelled, f.workerID, c.cfg.CancelGrace))
	}
	c.publishProgress()
}

func (c *Coordinator) publish(topic string, ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(topic, ev)
	}
}

func (c *Coordinator) publishWorker(workerID string, state agent.WorkerState, taskID string) {
	c.publish(events.TopicWorker, events.WorkerStateEvent{
		Run: c.runID, WorkerID: workerID, State: state.String(), Task: taskID, Timestamp: time.Now(),
	})
}

func (c *Coordinator) publishProgress() {
	if c.bus == nil {
		return
	}
	counts := c.graph.Counts()
	c.bus.Publish(events.TopicRun, events.RunProgressEvent{
		Run:        c.runID,
		Total:      counts.Total,
		Pending:    counts.Pending,
		Ready:      counts.Ready,
		Dispatched: counts.Dispatched,
		Completed:  counts.Completed,
		Failed:     counts.Failed,
		Skipped:    counts.Skipped,
		Timestamp:  time.Now(),
	})
}

// normalizeResult converts an executor result into plain JSON values so
// aggregation sees the same shapes whatever the transport.
func normalizeResult(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("result is not JSON-serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("result is not JSON-serializable: %w", err)
	}
	return out, nil
}

// preview renders a short printable form of a result for events.
func preview(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		s = string(data)
	}
	const limit = 200
	if len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}
