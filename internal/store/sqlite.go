package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/toolforge/toolforge/internal/model"
)

// timeFormat is the canonical timestamp encoding for all tables.
const timeFormat = time.RFC3339Nano

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys,
// and a busy timeout so concurrent task completions queue instead of
// erroring.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Required for modernc.org/sqlite: foreign keys are per-connection.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Single writer connection: SQLite serializes writes anyway, and a
	// single connection makes every UPDATE here atomic without
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJobWithTasks inserts the job and all its tasks in one transaction.
func (s *SQLiteStore) CreateJobWithTasks(ctx context.Context, job *model.Job, tasks []*model.Task) error {
	reqs, err := json.Marshal(job.Requirements)
	if err != nil {
		return fmt.Errorf("failed to marshal requirements: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, status, requirements, total, completed, failed, in_progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(job.Status), string(reqs),
		job.Counts.Total, job.Counts.Completed, job.Counts.Failed, job.Counts.InProgress,
		job.CreatedAt.UTC().Format(timeFormat), job.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	for _, task := range tasks {
		req, err := json.Marshal(task.Requirement)
		if err != nil {
			return fmt.Errorf("failed to marshal task requirement: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, job_id, requirement, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, task.ID, task.JobID, string(req), string(task.Status),
			task.CreatedAt.UTC().Format(timeFormat), task.UpdatedAt.UTC().Format(timeFormat))
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// jobColumns is the column list used by every job SELECT.
const jobColumns = "job_id, status, requirements, total, completed, failed, in_progress, created_at, updated_at"

// scanJob scans one job row. Task ids are loaded separately.
func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var (
		job       model.Job
		status    string
		reqs      string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&job.ID, &status, &reqs,
		&job.Counts.Total, &job.Counts.Completed, &job.Counts.Failed, &job.Counts.InProgress,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.Status = model.JobStatus(status)
	if err := json.Unmarshal([]byte(reqs), &job.Requirements); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}
	if job.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &job, nil
}

// loadTaskIDs fills in the job's task id set in creation order.
func (s *SQLiteStore) loadTaskIDs(ctx context.Context, job *model.Job) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id FROM tasks WHERE job_id = ? ORDER BY created_at, task_id`, job.ID)
	if err != nil {
		return fmt.Errorf("failed to query task ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan task id: %w", err)
		}
		job.TaskIDs = append(job.TaskIDs, id)
	}
	return rows.Err()
}

// GetJob returns the job with its task id set and counters.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	if err := s.loadTaskIDs(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns jobs in descending creation order.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, job_id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, job := range jobs {
		if err := s.loadTaskIDs(ctx, job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// SetJobStatus updates the job status unless the job is already
// terminal. Terminal statuses never regress.
func (s *SQLiteStore) SetJobStatus(ctx context.Context, jobID string, status model.JobStatus) (*model.Job, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE job_id = ? AND status NOT IN (?, ?, ?)
	`, string(status), time.Now().UTC().Format(timeFormat), jobID,
		string(model.JobStatusCompleted), string(model.JobStatusFailed), string(model.JobStatusCancelled))
	if err != nil {
		return nil, false, fmt.Errorf("failed to update job status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return job, affected > 0, nil
}

// AtomicAdjustCounts applies the delta as a single UPDATE statement and
// returns the resulting counts. Never read-modify-write: two tasks
// completing at the same instant both land their increments.
func (s *SQLiteStore) AtomicAdjustCounts(ctx context.Context, jobID string, delta CountsDelta) (model.Counts, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET completed = completed + ?,
		    failed = failed + ?,
		    in_progress = in_progress + ?,
		    updated_at = ?
		WHERE job_id = ?
		RETURNING total, completed, failed, in_progress
	`, delta.Completed, delta.Failed, delta.InProgress,
		time.Now().UTC().Format(timeFormat), jobID)

	var counts model.Counts
	err := row.Scan(&counts.Total, &counts.Completed, &counts.Failed, &counts.InProgress)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Counts{}, ErrJobNotFound
	}
	if err != nil {
		return model.Counts{}, fmt.Errorf("failed to adjust counts: %w", err)
	}
	return counts, nil
}

// taskColumns is the column list used by every task SELECT.
const taskColumns = "task_id, job_id, requirement, status, artifact_id, error_message, error_kind, created_at, updated_at"

// scanTask scans one task row.
func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var (
		task       model.Task
		req        string
		status     string
		artifactID sql.NullString
		errMsg     sql.NullString
		errKind    sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&task.ID, &task.JobID, &req, &status, &artifactID, &errMsg, &errKind, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = model.TaskStatus(status)
	if err := json.Unmarshal([]byte(req), &task.Requirement); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requirement: %w", err)
	}
	if artifactID.Valid {
		task.ArtifactID = artifactID.String
	}
	if errMsg.Valid || errKind.Valid {
		task.Error = &model.TaskError{Message: errMsg.String, Kind: errKind.String}
	}
	if task.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if task.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &task, nil
}

// GetTask returns a single task.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return task, nil
}

// ListTasksByJob returns all tasks of a job in creation order.
func (s *SQLiteStore) ListTasksByJob(ctx context.Context, jobID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY created_at, task_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// SetTaskStatus conditionally moves a task from expected to next. The
// payload (artifact or error) is persisted in the same transaction, so
// a rejected transition leaves no partial writes.
func (s *SQLiteStore) SetTaskStatus(ctx context.Context, taskID string, expected, next model.TaskStatus, payload model.TransitionPayload) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var artifactID sql.NullString
	if payload.Artifact != nil {
		a := payload.Artifact
		deps, err := json.Marshal(a.Dependencies)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal dependencies: %w", err)
		}
		cases, err := json.Marshal(a.TestCases)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal test cases: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO artifacts (artifact_id, task_id, name, file_name, description, code,
				input_schema, output_schema, dependencies, test_cases, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, taskID, a.Name, a.FileName, a.Description, a.Code,
			a.InputSchema, a.OutputSchema, string(deps), string(cases),
			string(a.Status), a.CreatedAt.UTC().Format(timeFormat))
		if err != nil {
			return nil, fmt.Errorf("failed to insert artifact: %w", err)
		}
		artifactID = sql.NullString{String: a.ID, Valid: true}
	}

	var errMsg, errKind sql.NullString
	if payload.Error != nil {
		errMsg = sql.NullString{String: payload.Error.Message, Valid: true}
		errKind = sql.NullString{String: payload.Error.Kind, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, artifact_id = COALESCE(?, artifact_id),
		    error_message = COALESCE(?, error_message),
		    error_kind = COALESCE(?, error_kind),
		    updated_at = ?
		WHERE task_id = ? AND status = ?
	`, string(next), artifactID, errMsg, errKind,
		time.Now().UTC().Format(timeFormat), taskID, string(expected))
	if err != nil {
		return nil, fmt.Errorf("failed to update task status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a lost race from a missing task.
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check task status: %w", err)
		}
		return nil, fmt.Errorf("%w: expected %s, have %s", ErrConflict, expected, current)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("failed to reload task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return task, nil
}

// artifactColumns is the column list used by every artifact SELECT.
const artifactColumns = "artifact_id, task_id, name, file_name, description, code, input_schema, output_schema, dependencies, test_cases, status, created_at"

// scanArtifact scans one artifact row.
func scanArtifact(row interface{ Scan(...any) error }) (*model.Artifact, error) {
	var (
		a         model.Artifact
		deps      string
		cases     string
		status    string
		createdAt string
	)
	err := row.Scan(&a.ID, &a.TaskID, &a.Name, &a.FileName, &a.Description, &a.Code,
		&a.InputSchema, &a.OutputSchema, &deps, &cases, &status, &createdAt)
	if err != nil {
		return nil, err
	}

	a.Status = model.ArtifactStatus(status)
	if err := json.Unmarshal([]byte(deps), &a.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(cases), &a.TestCases); err != nil {
		return nil, fmt.Errorf("failed to unmarshal test cases: %w", err)
	}
	if a.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return &a, nil
}

// GetArtifact returns an artifact by id.
func (s *SQLiteStore) GetArtifact(ctx context.Context, artifactID string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id = ?`, artifactID)

	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact: %w", err)
	}
	return a, nil
}

// GetArtifactByTask returns the artifact produced by a task.
func (s *SQLiteStore) GetArtifactByTask(ctx context.Context, taskID string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE task_id = ?`, taskID)

	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact: %w", err)
	}
	return a, nil
}

// ListArtifactsByJob returns all artifacts produced by a job's tasks.
func (s *SQLiteStore) ListArtifactsByJob(ctx context.Context, jobID string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE task_id IN (SELECT task_id FROM tasks WHERE job_id = ?)
		ORDER BY created_at, artifact_id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// RecountJob rebuilds the job counters from the tasks table. This is
// the offline repair path for counters found inconsistent; task state
// is the source of truth.
func (s *SQLiteStore) RecountJob(ctx context.Context, jobID string) (model.Counts, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Counts{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, jobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Counts{}, ErrJobNotFound
	}
	if err != nil {
		return model.Counts{}, fmt.Errorf("failed to check job: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return model.Counts{}, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	var counts model.Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return model.Counts{}, fmt.Errorf("failed to scan count: %w", err)
		}
		counts.Total += n
		switch model.TaskStatus(status).Bucket() {
		case model.BucketCompleted:
			counts.Completed += n
		case model.BucketFailed:
			counts.Failed += n
		default:
			counts.InProgress += n
		}
	}
	if err := rows.Err(); err != nil {
		return model.Counts{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET total = ?, completed = ?, failed = ?, in_progress = ?, updated_at = ?
		WHERE job_id = ?
	`, counts.Total, counts.Completed, counts.Failed, counts.InProgress,
		time.Now().UTC().Format(timeFormat), jobID)
	if err != nil {
		return model.Counts{}, fmt.Errorf("failed to write recounted totals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Counts{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return counts, nil
}
