package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/toolforge/toolforge/internal/events"
	"github.com/toolforge/toolforge/internal/model"
	"github.com/toolforge/toolforge/internal/store"
)

// Advance moves a task to the target state. The pipeline is a total
// order with two escape hatches: the immediate successor is always
// allowed, and failed is reachable from any non-terminal state when
// the payload carries an explicit error. Terminal states are
// absorbing.
//
// Every successful transition persists the new state, feeds the
// progress aggregator, and publishes a task-status-changed event.
func (e *Engine) Advance(ctx context.Context, taskID string, target model.TaskStatus, payload model.TransitionPayload) (*model.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status.Terminal() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskAlreadyTerminal, taskID, task.Status)
	}

	if err := validateTransition(task.Status, target, payload); err != nil {
		return nil, err
	}

	if payload.Artifact != nil {
		prepareArtifact(payload.Artifact, task)
	}

	updated, err := e.store.SetTaskStatus(ctx, taskID, task.Status, target, payload)
	if errors.Is(err, store.ErrConflict) {
		// Lost a race with a concurrent callback. If the winner made
		// the task terminal, report that; the caller drops it.
		current, getErr := e.store.GetTask(ctx, taskID)
		if getErr == nil && current.Status.Terminal() {
			return nil, fmt.Errorf("%w: task %s is %s", ErrTaskAlreadyTerminal, taskID, current.Status)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.NewTaskStatusChanged(updated))

	prev := task.Status.Bucket()
	next := updated.Status.Bucket()
	if prev != next {
		e.onTransition(ctx, updated.JobID, prev, next)
	}

	return updated, nil
}

// validateTransition enforces the pipeline order and the tagged
// payload shape per target state.
func validateTransition(current, target model.TaskStatus, payload model.TransitionPayload) error {
	if !target.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}

	switch target {
	case model.TaskStatusFailed:
		if payload.Error == nil || payload.Error.Message == "" {
			return fmt.Errorf("%w: transition to failed requires an error payload", ErrInvalidTransition)
		}
		if payload.Artifact != nil {
			return fmt.Errorf("%w: transition to failed cannot carry an artifact", ErrInvalidTransition)
		}
		return nil

	case model.TaskStatusCompleted:
		next, _ := current.Next()
		if next != model.TaskStatusCompleted {
			return fmt.Errorf("%w: cannot complete from %s", ErrInvalidTransition, current)
		}
		if payload.Artifact == nil {
			return fmt.Errorf("%w: transition to completed requires an artifact payload", ErrInvalidTransition)
		}
		if payload.Error != nil {
			return fmt.Errorf("%w: transition to completed cannot carry an error", ErrInvalidTransition)
		}
		return nil

	default:
		next, ok := current.Next()
		if !ok || target != next {
			return fmt.Errorf("%w: %s -> %s is not the pipeline successor", ErrInvalidTransition, current, target)
		}
		if payload.Artifact != nil || payload.Error != nil {
			return fmt.Errorf("%w: intermediate transitions carry no payload", ErrInvalidTransition)
		}
		return nil
	}
}

// prepareArtifact fills in defaults the agent may omit.
func prepareArtifact(a *model.Artifact, task *model.Task) {
	if a.ID == "" {
		a.ID = model.NewArtifactID()
	}
	a.TaskID = task.ID
	if a.Status == "" {
		a.Status = model.ArtifactStatusDraft
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
}

// GetTask returns a single task.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

// GetTaskArtifact returns the artifact produced by a completed task.
func (e *Engine) GetTaskArtifact(ctx context.Context, taskID string) (*model.Artifact, error) {
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.store.GetArtifactByTask(ctx, taskID)
}
