package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PoolConfig configures an agent pool.
type PoolConfig struct {
	// MaxWorkers is the ceiling on registered workers, idle or not.
	MaxWorkers int
	// SpawnCapabilities is the capability set given to workers the pool
	// creates on demand. A capability outside this set can only be served
	// by workers added through Register.
	SpawnCapabilities []Capability
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Capacity is a point-in-time view of pool usage.
type Capacity struct {
	Running   int `json:"running"`
	Idle      int `json:"idle"`
	Max       int `json:"max"`
	Available int `json:"available"`
}

// SweptWorker describes a worker forced to failed by SweepStale.
type SweptWorker struct {
	Record WorkerRecord
	TaskID string // task the worker held before the sweep
}

// Pool hands out workers by capability and drives their lifecycle through
// the status store.
type Pool struct {
	store StatusStore
	cfg   PoolConfig
	locks *KeyedMutex
	now   func() time.Time

	mu   sync.Mutex    // serializes worker selection and spawning
	wake chan struct{} // closed and replaced whenever a worker is released
}

// NewPool creates a pool over store. MaxWorkers below one is treated as one.
func NewPool(store StatusStore, cfg PoolConfig) *Pool {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pool{
		store: store,
		cfg:   cfg,
		locks: NewKeyedMutex(),
		now:   now,
		wake:  make(chan struct{}),
	}
}

// Store exposes the underlying status store.
func (p *Pool) Store() StatusStore {
	return p.store
}

// MaxWorkers returns the pool ceiling.
func (p *Pool) MaxWorkers() int {
	return p.cfg.MaxWorkers
}

// KnownCapabilities returns every capability the pool can serve: the spawn
// set plus whatever registered workers advertise.
func (p *Pool) KnownCapabilities(ctx context.Context) (CapabilitySet, error) {
	known := NewCapabilitySet(p.cfg.SpawnCapabilities...)
	recs, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	for _, rec := range recs {
		known.Add(rec.Capabilities...)
	}
	return known, nil
}

// Register adds an idle worker with the given capabilities.
func (p *Pool) Register(ctx context.Context, caps []Capability) (WorkerRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all, err := p.store.List(ctx)
	if err != nil {
		return WorkerRecord{}, fmt.Errorf("failed to list workers: %w", err)
	}
	if len(all) >= p.cfg.MaxWorkers {
		return WorkerRecord{}, fmt.Errorf("%w: ceiling of %d workers reached", ErrPoolExhausted, p.cfg.MaxWorkers)
	}

	now := p.now()
	rec := WorkerRecord{
		ID:           uuid.NewString(),
		Capabilities: append([]Capability(nil), caps...),
		State:        StateIdle,
		LastPulse:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.store.Upsert(ctx, rec); err != nil {
		return WorkerRecord{}, fmt.Errorf("failed to register worker: %w", err)
	}
	slog.Debug("worker registered", "worker", rec.ID, "capabilities", caps)
	return rec, nil
}

// Retire removes an idle worker from the pool.
func (p *Pool) Retire(ctx context.Context, id string) error {
	p.locks.Lock(id)
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		p.locks.Unlock(id)
		return err
	}
	if rec.State != StateIdle {
		p.locks.Unlock(id)
		return fmt.Errorf("%w: cannot retire %s worker %s", ErrInvalidTransition, rec.State, id)
	}
	err = p.store.Delete(ctx, id)
	p.locks.Unlock(id)
	if err != nil {
		return err
	}
	p.locks.Forget(id)
	p.signal()
	return nil
}

// Acquire returns a worker advertising capability, moved to Initializing
// and assigned to taskID. It prefers the least recently used idle worker,
// spawns a new one when below the ceiling, and otherwise waits for a
// release. It fails with ErrPoolExhausted once timeout elapses; a timeout
// of zero or less makes a single attempt.
func (p *Pool) Acquire(ctx context.Context, capability Capability, taskID string, timeout time.Duration) (WorkerRecord, error) {
	if taskID == "" {
		return WorkerRecord{}, fmt.Errorf("acquire requires a task id")
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		rec, wake, err := p.tryAcquire(ctx, capability, taskID)
		if err != nil {
			return WorkerRecord{}, err
		}
		if rec != nil {
			return *rec, nil
		}
		if deadline == nil {
			return WorkerRecord{}, fmt.Errorf("%w: no %s worker available", ErrPoolExhausted, capability)
		}

		select {
		case <-wake:
		case <-deadline:
			return WorkerRecord{}, fmt.Errorf("%w: no %s worker available within %s", ErrPoolExhausted, capability, timeout)
		case <-ctx.Done():
			return WorkerRecord{}, ctx.Err()
		}
	}
}

// tryAcquire makes one pass. It returns the wake channel observed before
// scanning so a release racing with the scan is never missed.
func (p *Pool) tryAcquire(ctx context.Context, capability Capability, taskID string) (*WorkerRecord, <-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wake := p.wake

	idle, err := p.store.ListByState(ctx, StateIdle)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list idle workers: %w", err)
	}
	sort.SliceStable(idle, func(i, j int) bool {
		return idle[i].UpdatedAt.Before(idle[j].UpdatedAt)
	})

	for _, cand := range idle {
		if !cand.HasCapability(capability) {
			continue
		}
		rec, err := p.claim(ctx, cand.ID, taskID)
		if err != nil {
			return nil, nil, err
		}
		if rec != nil {
			return rec, wake, nil
		}
	}

	if !NewCapabilitySet(p.cfg.SpawnCapabilities...).Has(capability) {
		return nil, wake, nil
	}

	all, err := p.store.List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list workers: %w", err)
	}
	if len(all) >= p.cfg.MaxWorkers {
		return nil, wake, nil
	}

	now := p.now()
	rec := WorkerRecord{
		ID:            uuid.NewString(),
		Capabilities:  append([]Capability(nil), p.cfg.SpawnCapabilities...),
		State:         StateInitializing,
		CurrentTaskID: taskID,
		LastPulse:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.store.Upsert(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("failed to spawn worker: %w", err)
	}
	slog.Debug("worker spawned", "worker", rec.ID, "task", taskID, "capability", capability)
	return &rec, wake, nil
}

// claim moves an idle worker to Initializing. It returns nil when the
// worker left the idle state since it was listed.
func (p *Pool) claim(ctx context.Context, id, taskID string) (*WorkerRecord, error) {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	rec, err := p.store.Get(ctx, id)
	if errors.Is(err, ErrWorkerNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.State != StateIdle {
		return nil, nil
	}

	now := p.now()
	rec.State = StateInitializing
	rec.CurrentTaskID = taskID
	rec.ProofOfWork = ""
	rec.LastPulse = now
	rec.UpdatedAt = now
	if err := p.store.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to claim worker %s: %w", id, err)
	}
	return &rec, nil
}

// Release recycles a completed or failed worker to Idle. Releasing an idle
// worker is a no-op.
func (p *Pool) Release(ctx context.Context, id string) error {
	p.locks.Lock(id)
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		p.locks.Unlock(id)
		return err
	}
	if rec.State == StateIdle {
		p.locks.Unlock(id)
		return nil
	}
	if !rec.State.Terminal() {
		p.locks.Unlock(id)
		return fmt.Errorf("%w: cannot release %s worker %s", ErrInvalidTransition, rec.State, id)
	}

	rec.State = StateIdle
	rec.CurrentTaskID = ""
	rec.LastError = ""
	rec.UpdatedAt = p.now()
	err = p.store.Upsert(ctx, rec)
	p.locks.Unlock(id)
	if err != nil {
		return fmt.Errorf("failed to release worker %s: %w", id, err)
	}

	p.signal()
	return nil
}

// signal wakes every blocked Acquire.
func (p *Pool) signal() {
	p.mu.Lock()
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
}

// transition applies fn to worker id under its lock, after checking that
// the worker is still assigned to taskID.
func (p *Pool) transition(ctx context.Context, id, taskID string, fn func(rec *WorkerRecord) error) error {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.CurrentTaskID != taskID {
		return fmt.Errorf("%w: worker %s (%s) does not hold %s", ErrTaskMismatch, id, rec.State, taskID)
	}
	if err := fn(&rec); err != nil {
		return err
	}
	rec.UpdatedAt = p.now()
	return p.store.Upsert(ctx, rec)
}

// BeginWork moves a worker from Initializing to Working.
func (p *Pool) BeginWork(ctx context.Context, id, taskID string) error {
	return p.transition(ctx, id, taskID, func(rec *WorkerRecord) error {
		rec.State = StateWorking
		rec.LastPulse = p.now()
		return nil
	})
}

// Verify moves a worker to Verifying once its executor reported a result.
// A worker that never signalled BeginWork passes through Working first.
func (p *Pool) Verify(ctx context.Context, id, taskID string) error {
	return p.transition(ctx, id, taskID, func(rec *WorkerRecord) error {
		if rec.State == StateInitializing {
			rec.State = StateWorking
			rec.UpdatedAt = p.now()
			if err := p.store.Upsert(ctx, *rec); err != nil {
				return err
			}
		}
		rec.State = StateVerifying
		return nil
	})
}

// Complete records proof of work and moves a verifying worker to Completed.
func (p *Pool) Complete(ctx context.Context, id, taskID, proof string) error {
	return p.transition(ctx, id, taskID, func(rec *WorkerRecord) error {
		rec.State = StateCompleted
		rec.CurrentTaskID = ""
		rec.ProofOfWork = proof
		return nil
	})
}

// Fail moves a busy worker to Failed with cause recorded as LastError.
// Failing a worker that was already failed for taskID is a no-op, which
// happens when a liveness sweep got there first.
func (p *Pool) Fail(ctx context.Context, id, taskID string, cause error) error {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State == StateFailed {
		return nil
	}
	if rec.CurrentTaskID != taskID {
		return fmt.Errorf("%w: worker %s (%s) does not hold %s", ErrTaskMismatch, id, rec.State, taskID)
	}

	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	rec.State = StateFailed
	rec.CurrentTaskID = ""
	rec.LastError = msg
	rec.UpdatedAt = p.now()
	return p.store.Upsert(ctx, rec)
}

// Pulse records liveness for a worker still assigned to taskID.
func (p *Pool) Pulse(ctx context.Context, id, taskID string) error {
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.CurrentTaskID != taskID {
		return fmt.Errorf("%w: worker %s (%s) does not hold %s", ErrTaskMismatch, id, rec.State, taskID)
	}
	return p.store.TouchPulse(ctx, id, p.now())
}

// Get returns the current record for id.
func (p *Pool) Get(ctx context.Context, id string) (WorkerRecord, error) {
	return p.store.Get(ctx, id)
}

// Workers lists every registered worker.
func (p *Pool) Workers(ctx context.Context) ([]WorkerRecord, error) {
	return p.store.List(ctx)
}

// SweepStale forces every busy worker whose last pulse is older than
// staleness to Failed with ErrWorkerTimeout. Swept workers are not
// released; whoever owns their task is responsible for that.
func (p *Pool) SweepStale(ctx context.Context, staleness time.Duration) ([]SweptWorker, error) {
	cutoff := p.now().Add(-staleness)

	var candidates []string
	for _, state := range []WorkerState{StateInitializing, StateWorking, StateVerifying} {
		recs, err := p.store.ListByState(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s workers: %w", state, err)
		}
		for _, rec := range recs {
			if rec.LastPulse.Before(cutoff) {
				candidates = append(candidates, rec.ID)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	locked := p.locks.LockAll(candidates)
	defer p.locks.UnlockAll(locked)

	var swept []SweptWorker
	for _, id := range locked {
		rec, err := p.store.Get(ctx, id)
		if errors.Is(err, ErrWorkerNotFound) {
			continue
		}
		if err != nil {
			return swept, err
		}
		// Re-check under the lock: the worker may have pulsed or moved on.
		if !rec.State.Busy() || !rec.LastPulse.Before(cutoff) {
			continue
		}

		taskID := rec.CurrentTaskID
		rec.State = StateFailed
		rec.CurrentTaskID = ""
		rec.LastError = fmt.Sprintf("%s: no pulse since %s", ErrWorkerTimeout, rec.LastPulse.Format(time.RFC3339))
		rec.UpdatedAt = p.now()
		if err := p.store.Upsert(ctx, rec); err != nil {
			return swept, fmt.Errorf("failed to sweep worker %s: %w", id, err)
		}
		slog.Warn("stale worker swept", "worker", id, "task", taskID, "last_pulse", rec.LastPulse)
		swept = append(swept, SweptWorker{Record: rec, TaskID: taskID})
	}
	return swept, nil
}

// Capacity reports how many workers are busy against the ceiling.
func (p *Pool) Capacity(ctx context.Context) (Capacity, error) {
	recs, err := p.store.List(ctx)
	if err != nil {
		return Capacity{}, fmt.Errorf("failed to list workers: %w", err)
	}
	c := Capacity{Max: p.cfg.MaxWorkers}
	for _, rec := range recs {
		switch {
		case rec.State == StateIdle:
			c.Idle++
		case rec.State.Busy():
			c.Running++
		}
	}
	c.Available = c.Max - c.Running
	if c.Available < 0 {
		c.Available = 0
	}
	return c, nil
}
