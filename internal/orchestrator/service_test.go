package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/persistence"
	"github.com/aristath/swarm/internal/scheduler"
)

func newTestStore(t *testing.T) *persistence.SQLiteStore {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() *config.SwarmConfig {
	cfg := config.DefaultConfig()
	cfg.MonitorInterval = config.Duration(50 * time.Millisecond)
	cfg.PulseInterval = config.Duration(20 * time.Millisecond)
	cfg.AcquireTimeout = config.Duration(2 * time.Second)
	cfg.CancelGrace = config.Duration(200 * time.Millisecond)
	return cfg
}

func newTestService(t *testing.T, cfg *config.SwarmConfig, store *persistence.SQLiteStore, exec backend.Executor) *Service {
	t.Helper()
	svc, err := NewService(Options{Config: cfg, Store: store, Runs: store, Executor: exec})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func waitRun(t *testing.T, svc *Service, runID string) *RunStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := svc.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return st
}

func chainDefinition() *GraphDefinition {
	return &GraphDefinition{
		Name: "chain",
		Nodes: []NodeDefinition{
			{ID: "a", Capability: "fetch", Input: "first"},
			{ID: "b", Capability: "write", DependsOn: []string{"a"}, Input: "second"},
			{ID: "c", Capability: "search", Input: "third"},
		},
	}
}

func TestService_SubmitAndWait(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, testConfig(), store, backend.EchoExecutor())

	runID, err := svc.Submit(context.Background(), chainDefinition())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	st := waitRun(t, svc, runID)
	if st.State != RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", st.State, st.Error)
	}
	if st.Counts.Completed != 3 || st.Artifact == nil {
		t.Fatalf("unexpected status: %+v", st)
	}
	// b consumed a, so the frontier is b then c, or c then b.
	v, ok := st.Artifact.Value().(string)
	if !ok || (v != "second\n\nthird" && v != "third\n\nsecond") {
		t.Errorf("unexpected artifact value %#v", st.Artifact.Value())
	}

	rec, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if rec.Status != string(RunCompleted) || rec.Name != "chain" || rec.EndedAt == nil {
		t.Errorf("unexpected persisted record: %+v", rec)
	}

	runs, err := svc.Runs(context.Background(), 10)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != runID {
		t.Errorf("expected the run to be listed, got %d runs", len(runs))
	}
}

func TestService_StatusFromStoreAfterRestart(t *testing.T) {
	store := newTestStore(t)
	first := newTestService(t, testConfig(), store, backend.EchoExecutor())
	runID, err := first.Submit(context.Background(), chainDefinition())
	if err != nil {
		t.Fatal(err)
	}
	waitRun(t, first, runID)
	first.Close()

	second := newTestService(t, testConfig(), store, backend.EchoExecutor())
	st, err := second.GetRunStatus(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRunStatus failed: %v", err)
	}
	if st.State != RunCompleted || len(st.Nodes) != 3 || st.Artifact == nil {
		t.Errorf("unexpected stored status: %+v", st)
	}
}

func TestService_SubmitRejectsInvalidGraph(t *testing.T) {
	store := newTestStore(t)
	exec := &testExecutor{}
	svc := newTestService(t, testConfig(), store, exec)

	def := &GraphDefinition{Nodes: []NodeDefinition{
		{ID: "a", Capability: "fetch", DependsOn: []string{"c"}},
		{ID: "b", Capability: "fetch", DependsOn: []string{"a"}},
		{ID: "c", Capability: "fetch", DependsOn: []string{"b"}},
	}}
	if _, err := svc.Submit(context.Background(), def); !errors.Is(err, scheduler.ErrCyclicDependency) {
		t.Fatalf("expected a cycle error, got %v", err)
	}

	gpu := &GraphDefinition{Nodes: []NodeDefinition{{ID: "a", Capability: "gpu"}}}
	if _, err := svc.Submit(context.Background(), gpu); !errors.Is(err, scheduler.ErrUnknownCapability) {
		t.Fatalf("expected an unknown capability error, got %v", err)
	}

	if len(exec.Started()) != 0 {
		t.Errorf("nothing should be dispatched for a rejected graph")
	}
	runs, _ := svc.Runs(context.Background(), 0)
	if len(runs) != 0 {
		t.Errorf("rejected graphs must not be recorded, got %d runs", len(runs))
	}
}

func TestService_RegisteredCapability(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, testConfig(), store, backend.EchoExecutor())
	if _, err := svc.Pool().Register(context.Background(), []agent.Capability{"gpu"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	runID, err := svc.Submit(context.Background(), &GraphDefinition{Nodes: []NodeDefinition{{ID: "render", Capability: "gpu", Input: 1}}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if st := waitRun(t, svc, runID); st.State != RunCompleted {
		t.Errorf("expected completed, got %s", st.State)
	}
}

func TestService_Cancel(t *testing.T) {
	store := newTestStore(t)
	exec := &blockingExecutor{started: make(chan string, 4), release: make(chan struct{})}
	defer close(exec.release)
	svc := newTestService(t, testConfig(), store, exec)

	runID, err := svc.Submit(context.Background(), chainDefinition())
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("nothing started")
	}

	if err := svc.Cancel(runID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	st := waitRun(t, svc, runID)
	if st.State != RunCancelled {
		t.Errorf("expected cancelled, got %s", st.State)
	}
	if st.Counts.Completed != 0 || st.Counts.Skipped == 0 {
		t.Errorf("unexpected counts after cancel: %+v", st.Counts)
	}

	if err := svc.Cancel("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestService_UnknownRun(t *testing.T) {
	svc := newTestService(t, testConfig(), newTestStore(t), backend.EchoExecutor())
	if _, err := svc.GetRunStatus(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestService_SubmitAfterClose(t *testing.T) {
	store := newTestStore(t)
	svc, err := NewService(Options{Config: testConfig(), Store: store, Executor: backend.EchoExecutor()})
	if err != nil {
		t.Fatal(err)
	}
	svc.Close()
	svc.Close()

	if _, err := svc.Submit(context.Background(), chainDefinition()); !errors.Is(err, ErrServiceClosed) {
		t.Errorf("expected ErrServiceClosed, got %v", err)
	}
}

func TestNewService_Validation(t *testing.T) {
	store := newTestStore(t)

	bad := testConfig()
	bad.MaxConcurrentWorkers = 0
	if _, err := NewService(Options{Config: bad, Store: store, Executor: backend.EchoExecutor()}); err == nil {
		t.Error("expected invalid configuration to be rejected")
	}
	if _, err := NewService(Options{Config: testConfig(), Executor: backend.EchoExecutor()}); err == nil {
		t.Error("expected a missing store to be rejected")
	}
	if _, err := NewService(Options{Config: testConfig(), Store: store}); err == nil {
		t.Error("expected a missing executor to be rejected")
	}
}

func TestService_Recover(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// A previous process left one worker mid-task with an old pulse and one
	// failed worker nobody released.
	earlier := agent.NewPool(store, agent.PoolConfig{
		MaxWorkers:        4,
		SpawnCapabilities: agent.BuiltinCapabilities(),
		Now:               func() time.Time { return time.Now().Add(-time.Hour) },
	})
	stale, err := earlier.Acquire(ctx, agent.CapWrite, "b", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := earlier.BeginWork(ctx, stale.ID, "b"); err != nil {
		t.Fatal(err)
	}
	crashed, err := earlier.Acquire(ctx, agent.CapFetch, "x", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := earlier.Fail(ctx, crashed.ID, "x", errors.New("crashed")); err != nil {
		t.Fatal(err)
	}

	// ...and a run checkpointed while b was in flight.
	mc := scheduler.MergeConfig{DefaultKind: scheduler.AggConcatenate, Policy: scheduler.ContinueIndependent}
	interrupted := &RunStatus{
		ID:    "run-old",
		Name:  "old",
		State: RunRunning,
		Nodes: []scheduler.Node{
			{ID: "a", RequiredCapability: agent.CapFetch, AggregationKind: scheduler.AggConcatenate, Status: scheduler.StatusCompleted, Result: "done", CompletionSeq: 1},
			{ID: "b", RequiredCapability: agent.CapWrite, AggregationKind: scheduler.AggConcatenate, Dependencies: []string{"a"}, Status: scheduler.StatusDispatched, AssignedWorkerID: stale.ID},
			{ID: "c", RequiredCapability: agent.CapWrite, AggregationKind: scheduler.AggConcatenate, Dependencies: []string{"b"}, Status: scheduler.StatusPending},
		},
		StartedAt: time.Now().Add(-time.Hour),
	}
	rec, err := interrupted.toRecord(mc)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveRun(ctx, rec); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.PoolSize = 3
	svc := newTestService(t, cfg, store, backend.EchoExecutor())

	report, err := svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(report.Swept) != 1 || report.Swept[0].TaskID != "b" {
		t.Errorf("expected the stale worker to be swept, got %+v", report.Swept)
	}
	if report.Released != 2 {
		t.Errorf("expected 2 workers recycled, got %d", report.Released)
	}
	if report.Registered != 1 {
		t.Errorf("expected 1 worker registered to reach the pool size, got %d", report.Registered)
	}
	if len(report.InterruptedRuns) != 1 || report.InterruptedRuns[0] != "run-old" {
		t.Errorf("expected run-old to be closed, got %v", report.InterruptedRuns)
	}
	assertAllIdle(t, svc.Pool())

	st, err := svc.GetRunStatus(ctx, "run-old")
	if err != nil {
		t.Fatalf("GetRunStatus failed: %v", err)
	}
	if st.State != RunFailed || st.EndedAt == nil {
		t.Errorf("expected the interrupted run to be failed, got %s", st.State)
	}
	want := map[string]scheduler.Status{
		"a": scheduler.StatusCompleted,
		"b": scheduler.StatusFailed,
		"c": scheduler.StatusSkipped,
	}
	for _, n := range st.Nodes {
		if n.Status != want[n.ID] {
			t.Errorf("%s: expected %s, got %s", n.ID, want[n.ID], n.Status)
		}
	}
	if st.Artifact == nil || st.Artifact.Succeeded != 1 || st.Artifact.Value() != "done" {
		t.Errorf("expected a partial artifact with a's result, got %+v", st.Artifact)
	}

	// The pool is usable afterwards.
	runID, err := svc.Submit(ctx, chainDefinition())
	if err != nil {
		t.Fatal(err)
	}
	if st := waitRun(t, svc, runID); st.State != RunCompleted {
		t.Errorf("expected a run after recovery to complete, got %s", st.State)
	}
}

func TestService_RunRecyclesWorkerLeftByCrash(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	cfg.MaxConcurrentWorkers = 1
	cfg.WorkerStaleness = config.Duration(300 * time.Millisecond)
	cfg.AcquireTimeout = config.Duration(400 * time.Millisecond)
	cfg.AcquireRetries = 4
	svc := newTestService(t, cfg, store, backend.EchoExecutor())

	// A process that crashed moments ago left its only worker busy with a
	// fresh pulse, so recovery cannot sweep it yet.
	ghost := ghostWorker(t, svc.Pool(), agent.CapFetch)
	report, err := svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(report.Swept) != 0 {
		t.Fatalf("expected nothing swept yet, got %+v", report.Swept)
	}

	runID, err := svc.Submit(ctx, &GraphDefinition{
		Name:  "single",
		Nodes: []NodeDefinition{{ID: "f", Capability: "fetch", Input: "x"}},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if st := waitRun(t, svc, runID); st.State != RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", st.State, st.Error)
	}

	rec, err := svc.Pool().Get(ctx, ghost.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.State != agent.StateIdle {
		t.Errorf("expected the orphaned worker to be recycled, got %s", rec.State)
	}
}

func TestService_Start(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.Inbox.Dir = t.TempDir()
	svc := newTestService(t, cfg, store, backend.EchoExecutor())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	time.Sleep(120 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
