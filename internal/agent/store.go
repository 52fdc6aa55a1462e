package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// StatusStore is the keyed durable store of worker records.
// Implementations must validate every Upsert with CheckTransition against
// the stored record so that no caller can write an illegal lifecycle step.
type StatusStore interface {
	Upsert(ctx context.Context, rec WorkerRecord) error
	Get(ctx context.Context, id string) (WorkerRecord, error)
	// TouchPulse updates LastPulse only.
	TouchPulse(ctx context.Context, id string, at time.Time) error
	ListByState(ctx context.Context, state WorkerState) ([]WorkerRecord, error)
	List(ctx context.Context) ([]WorkerRecord, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is a StatusStore kept in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*WorkerRecord
}

// NewMemoryStore creates an empty in-memory status store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*WorkerRecord)}
}

func (s *MemoryStore) Upsert(_ context.Context, rec WorkerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.records[rec.ID]
	if err := CheckTransition(prev, rec); err != nil {
		return err
	}
	cp := rec.Clone()
	s.records[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (WorkerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return WorkerRecord{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) TouchPulse(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	rec.LastPulse = at
	return nil
}

func (s *MemoryStore) ListByState(_ context.Context, state WorkerState) ([]WorkerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []WorkerRecord
	for _, rec := range s.records {
		if rec.State == state {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) List(_ context.Context) ([]WorkerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WorkerRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	delete(s.records, id)
	return nil
}

// sortRecords orders by creation time, then id, matching the SQLite store.
func sortRecords(recs []WorkerRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
