package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/swarm/internal/agent"
)

var _ agent.StatusStore = (*SQLiteStore)(nil)

const workerColumns = `id, capabilities, state, current_task_id, last_pulse, proof_of_work, last_error, created_at, updated_at`

// Upsert writes a worker record after validating the transition from the
// stored record inside the same transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, rec agent.WorkerRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := scanWorker(tx.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, rec.ID))
	var prevPtr *agent.WorkerRecord
	switch {
	case err == nil:
		prevPtr = &prev
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("failed to read worker %s: %w", rec.ID, err)
	}

	if err := agent.CheckTransition(prevPtr, rec); err != nil {
		return err
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			capabilities = excluded.capabilities,
			state = excluded.state,
			current_task_id = excluded.current_task_id,
			last_pulse = excluded.last_pulse,
			proof_of_work = excluded.proof_of_work,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, rec.ID, joinCapabilities(rec.Capabilities), rec.State.String(), rec.CurrentTaskID,
		rec.LastPulse.UnixNano(), rec.ProofOfWork, rec.LastError,
		createdAt.UnixNano(), updatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get retrieves a worker by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (agent.WorkerRecord, error) {
	rec, err := scanWorker(s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return agent.WorkerRecord{}, fmt.Errorf("%w: %s", agent.ErrWorkerNotFound, id)
	}
	if err != nil {
		return agent.WorkerRecord{}, fmt.Errorf("failed to get worker: %w", err)
	}
	return rec, nil
}

// TouchPulse updates only last_pulse.
func (s *SQLiteStore) TouchPulse(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET last_pulse = ? WHERE id = ?`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update pulse: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", agent.ErrWorkerNotFound, id)
	}
	return nil
}

// ListByState returns every worker in state, oldest first.
func (s *SQLiteStore) ListByState(ctx context.Context, state agent.WorkerState) ([]agent.WorkerRecord, error) {
	return s.queryWorkers(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE state = ? ORDER BY created_at, id`, state.String())
}

// List returns every worker, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]agent.WorkerRecord, error) {
	return s.queryWorkers(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY created_at, id`)
}

// Delete removes a worker record.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", agent.ErrWorkerNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) queryWorkers(ctx context.Context, query string, args ...any) ([]agent.WorkerRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	var recs []agent.WorkerRecord
	for rows.Next() {
		rec, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (agent.WorkerRecord, error) {
	var (
		rec                             agent.WorkerRecord
		caps, state                     string
		lastPulse, createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &caps, &state, &rec.CurrentTaskID, &lastPulse,
		&rec.ProofOfWork, &rec.LastError, &createdAt, &updatedAt)
	if err != nil {
		return agent.WorkerRecord{}, err
	}

	rec.State, err = agent.ParseWorkerState(state)
	if err != nil {
		return agent.WorkerRecord{}, err
	}
	rec.Capabilities = splitCapabilities(caps)
	rec.LastPulse = time.Unix(0, lastPulse)
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return rec, nil
}

func joinCapabilities(caps []agent.Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitCapabilities(s string) []agent.Capability {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	caps := make([]agent.Capability, len(parts))
	for i, p := range parts {
		caps[i] = agent.Capability(p)
	}
	return caps
}
