package store

import (
	"context"
)

// initSchema creates all required tables and indexes if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		requirements TEXT NOT NULL,
		total INTEGER NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		in_progress INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		requirement TEXT NOT NULL,
		status TEXT NOT NULL,
		artifact_id TEXT,
		error_message TEXT,
		error_kind TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_job_id ON tasks(job_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

	CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		name TEXT NOT NULL,
		file_name TEXT NOT NULL,
		description TEXT NOT NULL,
		code TEXT NOT NULL,
		input_schema TEXT,
		output_schema TEXT,
		dependencies TEXT,
		test_cases TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_task_id ON artifacts(task_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
