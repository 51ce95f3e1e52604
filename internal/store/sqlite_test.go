package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolforge/toolforge/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	st, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// seedJob persists a job with n pending tasks and returns both.
func seedJob(t *testing.T, st *SQLiteStore, n int) (*model.Job, []*model.Task) {
	t.Helper()

	now := time.Now().UTC()
	job := &model.Job{
		ID:     model.NewJobID(),
		Status: model.JobStatusRunning,
		Requirements: []model.Requirement{
			{Description: "seeded tool", Input: "string", Output: "string"},
		},
		Counts:    model.Counts{Total: n, InProgress: n},
		CreatedAt: now,
		UpdatedAt: now,
	}

	tasks := make([]*model.Task, 0, n)
	for i := 0; i < n; i++ {
		task := &model.Task{
			ID:          model.NewTaskID(),
			JobID:       job.ID,
			Requirement: job.Requirements[0],
			Status:      model.TaskStatusPending,
			CreatedAt:   now.Add(time.Duration(i) * time.Millisecond),
			UpdatedAt:   now,
		}
		tasks = append(tasks, task)
		job.TaskIDs = append(job.TaskIDs, task.ID)
	}

	require.NoError(t, st.CreateJobWithTasks(context.Background(), job, tasks))
	return job, tasks
}

func TestCreateAndGetJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, tasks := seedJob(t, st, 2)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, model.JobStatusRunning, got.Status)
	assert.Equal(t, job.Requirements, got.Requirements)
	assert.Equal(t, model.Counts{Total: 2, InProgress: 2}, got.Counts)
	assert.Equal(t, []string{tasks[0].ID, tasks[1].ID}, got.TaskIDs)
}

func TestGetJobNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetJob(context.Background(), "job_missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestListJobsOrderAndPagination(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		now := time.Now().UTC().Add(time.Duration(i) * time.Second)
		job := &model.Job{
			ID:           fmt.Sprintf("job_%02d", i),
			Status:       model.JobStatusRunning,
			Requirements: []model.Requirement{{Description: "d", Input: "i", Output: "o"}},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		require.NoError(t, st.CreateJobWithTasks(ctx, job, nil))
		ids = append(ids, job.ID)
	}

	// Newest first.
	jobs, err := st.ListJobs(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[4], jobs[0].ID)
	assert.Equal(t, ids[3], jobs[1].ID)

	// Offset skips from the top.
	jobs, err = st.ListJobs(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[1], jobs[1].ID)

	// Past the end.
	jobs, err = st.ListJobs(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSetJobStatusTerminalNeverRegresses(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, _ := seedJob(t, st, 1)

	updated, changed, err := st.SetJobStatus(ctx, job.ID, model.JobStatusCompleted)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.JobStatusCompleted, updated.Status)

	// A later write against a terminal job is a no-op.
	updated, changed, err = st.SetJobStatus(ctx, job.ID, model.JobStatusFailed)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.JobStatusCompleted, updated.Status)
}

func TestAtomicAdjustCounts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, _ := seedJob(t, st, 3)

	counts, err := st.AtomicAdjustCounts(ctx, job.ID, CountsDelta{Completed: 1, InProgress: -1})
	require.NoError(t, err)
	assert.Equal(t, model.Counts{Total: 3, Completed: 1, InProgress: 2}, counts)

	counts, err = st.AtomicAdjustCounts(ctx, job.ID, CountsDelta{Failed: 1, InProgress: -1})
	require.NoError(t, err)
	assert.Equal(t, model.Counts{Total: 3, Completed: 1, Failed: 1, InProgress: 1}, counts)

	_, err = st.AtomicAdjustCounts(ctx, "job_missing", CountsDelta{Completed: 1})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSetTaskStatusConditional(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, tasks := seedJob(t, st, 1)
	taskID := tasks[0].ID

	updated, err := st.SetTaskStatus(ctx, taskID, model.TaskStatusPending, model.TaskStatusPlanning, model.TransitionPayload{})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPlanning, updated.Status)

	// Stale expectation: the caller saw pending, but the task moved on.
	_, err = st.SetTaskStatus(ctx, taskID, model.TaskStatusPending, model.TaskStatusSearching, model.TransitionPayload{})
	assert.ErrorIs(t, err, ErrConflict)

	// The failed write left the task untouched.
	got, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPlanning, got.Status)

	_, err = st.SetTaskStatus(ctx, "task_missing", model.TaskStatusPending, model.TaskStatusPlanning, model.TransitionPayload{})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSetTaskStatusPersistsArtifactTransactionally(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, tasks := seedJob(t, st, 1)
	taskID := tasks[0].ID

	artifact := &model.Artifact{
		ID:           model.NewArtifactID(),
		Name:         "weather_lookup",
		FileName:     "weather_lookup.py",
		Description:  "looks up weather",
		Code:         "def weather_lookup(): pass",
		InputSchema:  `{"type":"string"}`,
		OutputSchema: `{"type":"string"}`,
		Dependencies: []string{"requests"},
		TestCases:    []string{"returns a forecast"},
		Status:       model.ArtifactStatusDraft,
		CreatedAt:    time.Now().UTC(),
	}
	payload := model.TransitionPayload{Artifact: artifact}

	// Conflict: the artifact insert must roll back with the status write.
	_, err := st.SetTaskStatus(ctx, taskID, model.TaskStatusExecuting, model.TaskStatusCompleted, payload)
	require.ErrorIs(t, err, ErrConflict)
	_, err = st.GetArtifact(ctx, artifact.ID)
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	// Walk the task to executing, then complete for real.
	for _, step := range []struct{ from, to model.TaskStatus }{
		{model.TaskStatusPending, model.TaskStatusPlanning},
		{model.TaskStatusPlanning, model.TaskStatusSearching},
		{model.TaskStatusSearching, model.TaskStatusImplementing},
		{model.TaskStatusImplementing, model.TaskStatusExecuting},
	} {
		_, err := st.SetTaskStatus(ctx, taskID, step.from, step.to, model.TransitionPayload{})
		require.NoError(t, err)
	}

	updated, err := st.SetTaskStatus(ctx, taskID, model.TaskStatusExecuting, model.TaskStatusCompleted, payload)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, updated.Status)
	assert.Equal(t, artifact.ID, updated.ArtifactID)

	got, err := st.GetArtifactByTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, artifact.ID, got.ID)
	assert.Equal(t, artifact.Dependencies, got.Dependencies)
	assert.Equal(t, artifact.TestCases, got.TestCases)
	assert.Equal(t, model.ArtifactStatusDraft, got.Status)
}

func TestSetTaskStatusPersistsError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, tasks := seedJob(t, st, 1)
	taskID := tasks[0].ID

	updated, err := st.SetTaskStatus(ctx, taskID, model.TaskStatusPending, model.TaskStatusFailed, model.TransitionPayload{
		Error: &model.TaskError{Message: "llm timeout", Kind: "timeout"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, updated.Status)
	require.NotNil(t, updated.Error)
	assert.Equal(t, "llm timeout", updated.Error.Message)
	assert.Equal(t, "timeout", updated.Error.Kind)
}

func TestListTasksByJobOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, tasks := seedJob(t, st, 3)

	got, err := st.ListTasksByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, task := range got {
		assert.Equal(t, tasks[i].ID, task.ID)
	}
}

func TestListArtifactsByJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, tasks := seedJob(t, st, 2)

	for _, task := range tasks {
		for _, step := range []struct{ from, to model.TaskStatus }{
			{model.TaskStatusPending, model.TaskStatusPlanning},
			{model.TaskStatusPlanning, model.TaskStatusSearching},
			{model.TaskStatusSearching, model.TaskStatusImplementing},
			{model.TaskStatusImplementing, model.TaskStatusExecuting},
		} {
			_, err := st.SetTaskStatus(ctx, task.ID, step.from, step.to, model.TransitionPayload{})
			require.NoError(t, err)
		}
		_, err := st.SetTaskStatus(ctx, task.ID, model.TaskStatusExecuting, model.TaskStatusCompleted, model.TransitionPayload{
			Artifact: &model.Artifact{
				ID:        model.NewArtifactID(),
				Name:      "tool",
				FileName:  "tool.py",
				Code:      "def tool(): pass",
				Status:    model.ArtifactStatusDraft,
				CreatedAt: time.Now().UTC(),
			},
		})
		require.NoError(t, err)
	}

	artifacts, err := st.ListArtifactsByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)
}

func TestRecountJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, tasks := seedJob(t, st, 3)

	// Move one task to failed without touching the counters, leaving
	// them stale on purpose.
	_, err := st.SetTaskStatus(ctx, tasks[0].ID, model.TaskStatusPending, model.TaskStatusFailed, model.TransitionPayload{
		Error: &model.TaskError{Message: "boom", Kind: "generation_error"},
	})
	require.NoError(t, err)

	stale, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Counts{Total: 3, InProgress: 3}, stale.Counts)

	counts, err := st.RecountJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Counts{Total: 3, Failed: 1, InProgress: 2}, counts)

	repaired, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, counts, repaired.Counts)

	_, err = st.RecountJob(ctx, "job_missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestTimestampsSurviveRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, _ := seedJob(t, st, 1)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(job.CreatedAt), "created_at drifted: %v vs %v", got.CreatedAt, job.CreatedAt)
}
