package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/aggregate"
	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/persistence"
	"github.com/aristath/swarm/internal/scheduler"
)

// RunStore persists run records for audit and recovery.
// persistence.SQLiteStore implements it.
type RunStore interface {
	SaveRun(ctx context.Context, run *persistence.RunRecord) error
	GetRun(ctx context.Context, id string) (*persistence.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*persistence.RunRecord, error)
	ListRunsByStatus(ctx context.Context, status string) ([]*persistence.RunRecord, error)
}

// Options wires a Service.
type Options struct {
	Config   *config.SwarmConfig
	Store    agent.StatusStore       // Worker records (required)
	Runs     RunStore                // Run audit trail, nil keeps runs in memory only
	Executor backend.Executor        // Runs tasks (required)
	Bus      *events.EventBus        // Created when nil
	Breakers *CircuitBreakerRegistry // Created when nil
}

// runHandle tracks one submitted run.
type runHandle struct {
	id      string
	name    string
	coord   *Coordinator
	mc      scheduler.MergeConfig
	started time.Time
	done    chan struct{}
	final   *RunStatus // set once the run is terminal

	saveMu sync.Mutex
	closed bool // final record written; checkpoints stop
}

// Service owns the pool, stores and event bus, and runs any number of
// graphs against them concurrently.
type Service struct {
	cfg       *config.SwarmConfig
	pool      *agent.Pool
	spawnCaps []agent.Capability
	runs      RunStore
	exec      backend.Executor
	bus       *events.EventBus
	ownsBus   bool
	breakers  *CircuitBreakerRegistry
	coordCfg  CoordinatorConfig
	defaults  Defaults

	mu     sync.Mutex
	handle map[string]*runHandle
	closed bool
	wg     sync.WaitGroup
}

// NewService validates the configuration and builds the pool.
func NewService(opts Options) (*Service, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Store == nil {
		return nil, errors.New("a status store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("an executor is required")
	}

	caps, err := agent.ParseCapabilities(cfg.Capabilities)
	if err != nil {
		return nil, err
	}
	policy, _ := scheduler.ParseFailurePolicy(cfg.FailurePolicy)
	kind, _ := scheduler.ParseAggregationKind(cfg.DefaultAggregationKind)

	s := &Service{
		cfg:       cfg,
		spawnCaps: caps,
		runs:      opts.Runs,
		exec:      opts.Executor,
		bus:       opts.Bus,
		breakers:  opts.Breakers,
		defaults:  Defaults{FailurePolicy: policy, AggregationKind: kind},
		handle:    make(map[string]*runHandle),
		coordCfg: CoordinatorConfig{
			MaxConcurrentWorkers: cfg.MaxConcurrentWorkers,
			TaskTimeout:          cfg.TaskTimeout.Std(),
			AcquireTimeout:       cfg.AcquireTimeout.Std(),
			AcquireRetries:       cfg.AcquireRetries,
			MonitorInterval:      cfg.MonitorInterval.Std(),
			WorkerStaleness:      cfg.WorkerStaleness.Std(),
			CancelGrace:          cfg.CancelGrace.Std(),
			RequireProof:         cfg.RequireProof,
		},
	}
	s.coordCfg.Holder = s.held
	if s.bus == nil {
		s.bus = events.NewEventBus()
		s.ownsBus = true
	}
	if s.breakers == nil {
		s.breakers = NewCircuitBreakerRegistry()
	}
	s.pool = agent.NewPool(opts.Store, agent.PoolConfig{
		MaxWorkers:        cfg.MaxConcurrentWorkers,
		SpawnCapabilities: caps,
	})
	return s, nil
}

// Pool exposes the agent pool.
func (s *Service) Pool() *agent.Pool { return s.pool }

// Bus exposes the event bus.
func (s *Service) Bus() *events.EventBus { return s.bus }

// Breakers exposes the per-capability circuit breakers.
func (s *Service) Breakers() *CircuitBreakerRegistry { return s.breakers }

// Recovery describes what Recover cleaned up.
type Recovery struct {
	Swept           []agent.SweptWorker
	Released        int
	Registered      int
	InterruptedRuns []string
}

// Recover brings persisted state back to a schedulable shape after a
// restart. Busy workers with a stale pulse are swept to Failed, failed
// and completed workers nobody owns are recycled, the pool is topped up
// to its configured size, and runs left "running" by a previous process
// are closed as failed with a partial artifact. Call it before the first
// Submit.
func (s *Service) Recover(ctx context.Context) (*Recovery, error) {
	rep := &Recovery{}

	swept, err := s.pool.SweepStale(ctx, s.cfg.WorkerStaleness.Std())
	if err != nil {
		return nil, fmt.Errorf("failed to sweep stale workers: %w", err)
	}
	rep.Swept = swept

	released, err := s.releaseOrphans(ctx)
	if err != nil {
		return nil, err
	}
	rep.Released = released

	workers, err := s.pool.Workers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	for i := len(workers); i < s.cfg.PoolSize; i++ {
		if _, err := s.pool.Register(ctx, s.spawnCaps); err != nil {
			return nil, fmt.Errorf("failed to pre-register worker: %w", err)
		}
		rep.Registered++
	}

	if s.runs != nil {
		running, err := s.runs.ListRunsByStatus(ctx, string(RunRunning))
		if err != nil {
			return nil, fmt.Errorf("failed to list interrupted runs: %w", err)
		}
		for _, rec := range running {
			if s.owns(rec.ID) {
				continue
			}
			if err := s.closeInterrupted(ctx, rec); err != nil {
				return nil, err
			}
			rep.InterruptedRuns = append(rep.InterruptedRuns, rec.ID)
		}
	}

	slog.Info("recovery complete",
		"swept", len(rep.Swept),
		"released", rep.Released,
		"registered", rep.Registered,
		"interrupted_runs", len(rep.InterruptedRuns))
	return rep, nil
}

// releaseOrphans recycles Failed and Completed workers that no active run
// holds.
func (s *Service) releaseOrphans(ctx context.Context) (int, error) {
	released := 0
	for _, state := range []agent.WorkerState{agent.StateFailed, agent.StateCompleted} {
		recs, err := s.pool.Store().ListByState(ctx, state)
		if err != nil {
			return released, fmt.Errorf("failed to list %s workers: %w", state, err)
		}
		for _, rec := range recs {
			if s.held(rec.ID) {
				continue
			}
			if err := s.pool.Release(ctx, rec.ID); err != nil {
				slog.Warn("failed to release orphaned worker", "worker", rec.ID, "error", err)
				continue
			}
			released++
		}
	}
	return released, nil
}

func (s *Service) held(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handle {
		if h.final == nil && h.coord.Holds(workerID) {
			return true
		}
	}
	return false
}

func (s *Service) owns(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handle[runID]
	return ok
}

// closeInterrupted marks a run left behind by a previous process failed.
// Nodes that were in flight fail, nodes that never started are skipped.
func (s *Service) closeInterrupted(ctx context.Context, rec *persistence.RunRecord) error {
	st, mc, err := statusFromRecord(rec)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range st.Nodes {
		n := &st.Nodes[i]
		switch n.Status {
		case scheduler.StatusDispatched:
			n.Status = scheduler.StatusFailed
			n.Error = "interrupted by restart"
			n.AssignedWorkerID = ""
			n.FinishedAt = now
		case scheduler.StatusPending, scheduler.StatusReady:
			n.Status = scheduler.StatusSkipped
			n.Error = "interrupted by restart"
			n.FinishedAt = now
		}
	}
	art := aggregate.Aggregate(st.Nodes, mc)
	st.Artifact = &art
	st.State = RunFailed
	st.Error = "interrupted by restart"
	st.EndedAt = &now
	st.Counts = countNodes(st.Nodes)

	out, err := st.toRecord(mc)
	if err != nil {
		return err
	}
	if err := s.runs.SaveRun(ctx, out); err != nil {
		return fmt.Errorf("failed to close interrupted run %s: %w", rec.ID, err)
	}
	slog.Warn("interrupted run closed", "run", rec.ID, "summary", art.Summary)
	return nil
}

// Submit validates def and starts executing it in the background. It
// returns the run id immediately. A graph that fails validation, such as
// one with a cycle, is rejected before anything is dispatched.
func (s *Service) Submit(ctx context.Context, def *GraphDefinition) (string, error) {
	known, err := s.pool.KnownCapabilities(ctx)
	if err != nil {
		return "", err
	}
	graph, err := def.Build(s.defaults, known)
	if err != nil {
		return "", fmt.Errorf("invalid graph: %w", err)
	}

	runID := uuid.NewString()
	h := &runHandle{
		id:      runID,
		name:    def.Name,
		coord:   NewCoordinator(runID, graph, s.pool, s.exec, s.breakers, s.bus, s.coordCfg),
		mc:      graph.Config(),
		started: time.Now(),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrServiceClosed
	}
	s.handle[runID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	s.checkpoint(ctx, h)
	go s.execute(h)

	slog.Info("run submitted", "run", runID, "name", def.Name, "tasks", len(def.Nodes))
	return runID, nil
}

func (s *Service) execute(h *runHandle) {
	defer s.wg.Done()

	out := h.coord.Run(context.Background())

	ended := out.EndedAt
	art := out.Artifact
	final := &RunStatus{
		ID:        h.id,
		Name:      h.name,
		State:     out.State,
		Counts:    countNodes(out.Nodes),
		Nodes:     out.Nodes,
		Artifact:  &art,
		StartedAt: h.started,
		EndedAt:   &ended,
	}
	switch out.State {
	case RunFailed:
		final.Error = "run failed: " + art.Summary
	case RunCancelled:
		final.Error = ErrRunCancelled.Error()
	}

	if s.runs != nil {
		h.saveMu.Lock()
		rec, err := final.toRecord(h.mc)
		if err == nil {
			err = s.runs.SaveRun(context.Background(), rec)
		}
		h.closed = true
		h.saveMu.Unlock()
		if err != nil {
			slog.Error("failed to persist run", "run", h.id, "error", err)
		}
	}

	s.mu.Lock()
	h.final = final
	s.mu.Unlock()
	close(h.done)
}

// checkpoint persists a running snapshot so Recover can close the run if
// the process dies.
func (s *Service) checkpoint(ctx context.Context, h *runHandle) {
	if s.runs == nil {
		return
	}
	h.saveMu.Lock()
	defer h.saveMu.Unlock()
	if h.closed {
		return
	}
	st := s.liveStatus(h)
	rec, err := st.toRecord(h.mc)
	if err == nil {
		err = s.runs.SaveRun(ctx, rec)
	}
	if err != nil {
		slog.Error("failed to checkpoint run", "run", h.id, "error", err)
	}
}

func (s *Service) liveStatus(h *runHandle) *RunStatus {
	nodes := h.coord.Graph().Nodes()
	return &RunStatus{
		ID:        h.id,
		Name:      h.name,
		State:     RunRunning,
		Counts:    countNodes(nodes),
		Nodes:     nodes,
		StartedAt: h.started,
	}
}

// GetRunStatus returns per-node status for a run and, once it is
// terminal, its artifact.
func (s *Service) GetRunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	s.mu.Lock()
	h, ok := s.handle[runID]
	var final *RunStatus
	if ok {
		final = h.final
	}
	s.mu.Unlock()

	if ok {
		if final != nil {
			cp := *final
			return &cp, nil
		}
		return s.liveStatus(h), nil
	}

	if s.runs == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	rec, err := s.runs.GetRun(ctx, runID)
	if errors.Is(err, persistence.ErrRunNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	st, _, err := statusFromRecord(rec)
	return st, err
}

// Wait blocks until the run is terminal or ctx is done.
func (s *Service) Wait(ctx context.Context, runID string) (*RunStatus, error) {
	s.mu.Lock()
	h, ok := s.handle[runID]
	s.mu.Unlock()

	if ok {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.GetRunStatus(ctx, runID)
}

// Cancel aborts a running run. Cancelling a finished run is a no-op.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	h, ok := s.handle[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	h.coord.Cancel()
	return nil
}

// Runs lists recent runs, newest first. With a run store the list comes
// from it; otherwise from this process's memory.
func (s *Service) Runs(ctx context.Context, limit int) ([]*RunStatus, error) {
	if s.runs != nil {
		recs, err := s.runs.ListRuns(ctx, limit)
		if err != nil {
			return nil, err
		}
		out := make([]*RunStatus, 0, len(recs))
		for _, rec := range recs {
			st, _, err := statusFromRecord(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		}
		return out, nil
	}

	s.mu.Lock()
	handles := make([]*runHandle, 0, len(s.handle))
	for _, h := range s.handle {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].started.After(handles[j].started) })
	if limit > 0 && len(handles) > limit {
		handles = handles[:limit]
	}
	out := make([]*RunStatus, 0, len(handles))
	for _, h := range handles {
		st, err := s.GetRunStatus(ctx, h.id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Start runs the background loops (liveness monitor and, when configured,
// the inbox watcher) until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.monitor(gctx)
		return nil
	})

	if dir := s.cfg.Inbox.Dir; dir != "" {
		inbox := NewInbox(dir, s)
		g.Go(func() error {
			return inbox.Run(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// monitor sweeps stale workers, recycles orphans and checkpoints active
// runs every MonitorInterval.
func (s *Service) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	swept, err := s.pool.SweepStale(ctx, s.cfg.WorkerStaleness.Std())
	if err != nil {
		slog.Error("liveness sweep failed", "error", err)
	}
	for _, sw := range swept {
		s.bus.Publish(events.TopicWorker, events.WorkerStateEvent{
			WorkerID: sw.Record.ID, State: sw.Record.State.String(), Task: sw.TaskID, Timestamp: time.Now(),
		})
	}
	if _, err := s.releaseOrphans(ctx); err != nil {
		slog.Error("orphan release failed", "error", err)
	}

	s.mu.Lock()
	var active []*runHandle
	for _, h := range s.handle {
		if h.final == nil {
			active = append(active, h)
		}
	}
	s.mu.Unlock()
	for _, h := range active {
		s.checkpoint(ctx, h)
	}
}

// Close cancels every active run, waits for them to finish and closes
// the event bus if the service created it.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, h := range s.handle {
		if h.final == nil {
			h.coord.Cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	if s.ownsBus {
		s.bus.Close()
	}
}
