package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is the audit row for one graph execution. Nodes, MergeConfig
// and Artifact are JSON documents owned by the orchestrator.
type RunRecord struct {
	ID          string
	Name        string
	Status      string
	Nodes       json.RawMessage
	MergeConfig json.RawMessage
	Artifact    json.RawMessage
	Error       string
	StartedAt   time.Time
	EndedAt     *time.Time
}

// SaveRun inserts or replaces a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	nodes := string(run.Nodes)
	if nodes == "" {
		nodes = "[]"
	}
	mergeConfig := string(run.MergeConfig)
	if mergeConfig == "" {
		mergeConfig = "{}"
	}
	var artifact sql.NullString
	if len(run.Artifact) > 0 {
		artifact = sql.NullString{String: string(run.Artifact), Valid: true}
	}
	var endedAt sql.NullInt64
	if run.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: run.EndedAt.UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, name, status, nodes, merge_config, artifact, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			nodes = excluded.nodes,
			merge_config = excluded.merge_config,
			artifact = excluded.artifact,
			error = excluded.error,
			ended_at = excluded.ended_at
	`, run.ID, run.Name, run.Status, nodes, mergeConfig, artifact, run.Error,
		run.StartedAt.UnixNano(), endedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `id, name, status, nodes, merge_config, artifact, error, started_at, ended_at`

// GetRun retrieves a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs, newest first. A limit of zero or less returns all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRuns(ctx, query, args...)
}

// ListRunsByStatus returns runs in the given status, oldest first.
func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, status string) ([]*RunRecord, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at`, status)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		run                RunRecord
		nodes, mergeConfig string
		artifact           sql.NullString
		startedAt          int64
		endedAt            sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.Name, &run.Status, &nodes, &mergeConfig,
		&artifact, &run.Error, &startedAt, &endedAt); err != nil {
		return nil, err
	}

	run.Nodes = json.RawMessage(nodes)
	run.MergeConfig = json.RawMessage(mergeConfig)
	if artifact.Valid {
		run.Artifact = json.RawMessage(artifact.String)
	}
	run.StartedAt = time.Unix(0, startedAt)
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64)
		run.EndedAt = &t
	}
	return &run, nil
}
