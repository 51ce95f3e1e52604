package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toolforge/toolforge/internal/events"
	"github.com/toolforge/toolforge/internal/model"
)

// dispatchConcurrency bounds how many tasks are handed to the agent at
// once when a job fans out.
const dispatchConcurrency = 8

// CreateJob validates the requirements, persists the job with one
// pending task per requirement in a single transaction, then hands
// every task to the generation agent in the background. The returned
// job is already running; its task id set is complete and its counts
// sum to total from the first observable moment.
func (e *Engine) CreateJob(ctx context.Context, requirements []model.Requirement) (*model.Job, error) {
	if err := validateRequirements(requirements); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:           model.NewJobID(),
		Status:       model.JobStatusPending,
		Requirements: requirements,
		Counts: model.Counts{
			Total:      len(requirements),
			InProgress: len(requirements),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	tasks := make([]*model.Task, 0, len(requirements))
	for _, req := range requirements {
		task := &model.Task{
			ID:          model.NewTaskID(),
			JobID:       job.ID,
			Requirement: req,
			Status:      model.TaskStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		tasks = append(tasks, task)
		job.TaskIDs = append(job.TaskIDs, task.ID)
	}

	if err := e.store.CreateJobWithTasks(ctx, job, tasks); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	job, _, err := e.store.SetJobStatus(ctx, job.ID, model.JobStatusRunning)
	if err != nil {
		return nil, err
	}

	e.log.Info("job created", "job", job.ID, "tasks", len(tasks))
	e.bus.Publish(events.NewJobStatusChanged(job.ID, job.Status))
	e.bus.Publish(events.NewJobProgressUpdated(job.ID, job.Counts))

	go e.dispatch(tasks)

	return job, nil
}

// validateRequirements rejects empty batches and blank fields.
func validateRequirements(requirements []model.Requirement) error {
	if len(requirements) == 0 {
		return fmt.Errorf("%w: toolRequirements must not be empty", ErrInvalidRequest)
	}
	for i, req := range requirements {
		if req.Description == "" {
			return fmt.Errorf("%w: toolRequirements[%d].description must not be empty", ErrInvalidRequest, i)
		}
		if req.Input == "" {
			return fmt.Errorf("%w: toolRequirements[%d].input must not be empty", ErrInvalidRequest, i)
		}
		if req.Output == "" {
			return fmt.Errorf("%w: toolRequirements[%d].output must not be empty", ErrInvalidRequest, i)
		}
	}
	return nil
}

// dispatch hands tasks to the agent. Fire-and-forget: the engine never
// blocks on generation, it only reacts to transition callbacks later.
// A dispatch failure becomes an immediate failed transition for that
// task alone, never a job-level error.
func (e *Engine) dispatch(tasks []*model.Task) {
	g := new(errgroup.Group)
	g.SetLimit(dispatchConcurrency)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			ctx := context.Background()
			if err := e.agent.Generate(ctx, task); err != nil {
				e.log.Warn("task dispatch failed", "task", task.ID, "error", err)
				_, advErr := e.Advance(ctx, task.ID, model.TaskStatusFailed, model.TransitionPayload{
					Error: &model.TaskError{
						Message: err.Error(),
						Kind:    "dispatch_error",
					},
				})
				if advErr != nil {
					e.log.Error("failed to record dispatch failure", "task", task.ID, "error", advErr)
				}
			}
			return nil
		})
	}

	g.Wait()
}

// GetJob returns a job by id.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs in descending creation order.
func (e *Engine) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return e.store.ListJobs(ctx, limit, offset)
}

// ListJobTasks returns all tasks of a job in creation order.
func (e *Engine) ListJobTasks(ctx context.Context, jobID string) ([]*model.Task, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.ListTasksByJob(ctx, jobID)
}

// Failure pairs a requirement with the error that sank its task.
type Failure struct {
	Requirement model.Requirement `json:"toolRequirement"`
	Error       model.TaskError   `json:"error"`
}

// Summary aggregates a finished job's outcome.
type Summary struct {
	TotalRequested int `json:"totalRequested"`
	Successful     int `json:"successful"`
	Failed         int `json:"failed"`
}

// JobDetail is the full job representation served by the read path:
// the job itself plus, once terminal, the generated tool files, the
// failure list, and a summary.
type JobDetail struct {
	*model.Job
	ToolFiles []*model.Artifact `json:"toolFiles,omitempty"`
	Failures  []Failure         `json:"failures,omitempty"`
	Summary   *Summary          `json:"summary,omitempty"`
}

// GetJobDetail returns the job with terminal-only enrichments. The
// detail is assembled entirely from persisted state, so it is always
// at least as fresh as the last applied transition.
func (e *Engine) GetJobDetail(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	detail := &JobDetail{Job: job}
	if !job.Status.Terminal() {
		return detail, nil
	}

	artifacts, err := e.store.ListArtifactsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	detail.ToolFiles = artifacts

	tasks, err := e.store.ListTasksByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Status == model.TaskStatusFailed && task.Error != nil {
			detail.Failures = append(detail.Failures, Failure{
				Requirement: task.Requirement,
				Error:       *task.Error,
			})
		}
	}

	detail.Summary = &Summary{
		TotalRequested: job.Counts.Total,
		Successful:     job.Counts.Completed,
		Failed:         job.Counts.Failed,
	}
	return detail, nil
}

// Cancel marks the job cancelled. Idempotent, and an explicit external
// action: already-dispatched tasks keep running and their transitions
// are still recorded for audit, but they no longer affect the job
// status.
func (e *Engine) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	job, changed, err := e.store.SetJobStatus(ctx, jobID, model.JobStatusCancelled)
	if err != nil {
		return nil, err
	}
	if changed {
		e.log.Info("job cancelled", "job", jobID)
		e.bus.Publish(events.NewJobStatusChanged(jobID, model.JobStatusCancelled))
	}
	return job, nil
}
