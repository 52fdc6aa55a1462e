package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are stored as unix nanoseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		capabilities TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		current_task_id TEXT NOT NULL DEFAULT '',
		last_pulse INTEGER NOT NULL,
		proof_of_work TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workers_state ON workers(state);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		nodes TEXT NOT NULL DEFAULT '[]',
		merge_config TEXT NOT NULL DEFAULT '{}',
		artifact TEXT,
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
