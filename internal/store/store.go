// Package store provides the durable state layer for jobs, tasks, and
// generated tool artifacts. All shared mutable state lives here; the
// orchestration engine above it is stateless between requests, so
// concurrency safety reduces to the atomicity guarantees of
// AtomicAdjustCounts and the conditional SetTaskStatus.
package store

import (
	"context"
	"errors"

	"github.com/toolforge/toolforge/internal/model"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrArtifactNotFound is returned when no artifact exists for the key.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrConflict is returned by SetTaskStatus when the task's current
	// status no longer matches the expected status. This is how the
	// state machine rejects duplicate or out-of-order transitions under
	// concurrent delivery.
	ErrConflict = errors.New("task status conflict")
)

// CountsDelta is a signed adjustment applied to a job's progress
// counters in a single atomic storage operation.
type CountsDelta struct {
	Completed  int
	Failed     int
	InProgress int
}

// Store is the persistence contract for the orchestration engine.
type Store interface {
	// CreateJobWithTasks inserts the job and all its tasks in one
	// transaction. A job is never observable with fewer tasks than
	// requirements.
	CreateJobWithTasks(ctx context.Context, job *model.Job, tasks []*model.Task) error

	// GetJob returns the job with its task id set and counters.
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	// ListJobs returns jobs in descending creation order.
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, error)

	// SetJobStatus updates the job status unless the job is already in
	// a terminal status. Returns the updated job and whether the status
	// actually changed; terminal statuses never regress.
	SetJobStatus(ctx context.Context, jobID string, status model.JobStatus) (*model.Job, bool, error)

	// AtomicAdjustCounts applies the delta to the job counters as a
	// single atomic statement (never read-modify-write) and returns the
	// resulting counts.
	AtomicAdjustCounts(ctx context.Context, jobID string, delta CountsDelta) (model.Counts, error)

	// GetTask returns a single task.
	GetTask(ctx context.Context, taskID string) (*model.Task, error)

	// ListTasksByJob returns all tasks of a job in creation order.
	ListTasksByJob(ctx context.Context, jobID string) ([]*model.Task, error)

	// SetTaskStatus conditionally moves a task from expected to next,
	// persisting the payload (artifact or error) in the same
	// transaction. Fails with ErrConflict when the current status no
	// longer matches expected.
	SetTaskStatus(ctx context.Context, taskID string, expected, next model.TaskStatus, payload model.TransitionPayload) (*model.Task, error)

	// GetArtifact returns an artifact by id.
	GetArtifact(ctx context.Context, artifactID string) (*model.Artifact, error)

	// GetArtifactByTask returns the artifact produced by a task.
	GetArtifactByTask(ctx context.Context, taskID string) (*model.Artifact, error)

	// ListArtifactsByJob returns all artifacts produced by a job's tasks.
	ListArtifactsByJob(ctx context.Context, jobID string) ([]*model.Artifact, error)

	// RecountJob rebuilds the job counters from the true distribution
	// of task statuses. Offline repair only, not part of the hot path.
	RecountJob(ctx context.Context, jobID string) (model.Counts, error)

	// Close releases the underlying resources.
	Close() error
}
