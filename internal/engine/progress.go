package engine

import (
	"context"
	"errors"

	"github.com/toolforge/toolforge/internal/events"
	"github.com/toolforge/toolforge/internal/model"
	"github.com/toolforge/toolforge/internal/store"
)

// onTransition keeps the job counters consistent with the true
// distribution of task states. The decrement of the previous bucket
// and increment of the new one land as one atomic storage operation,
// so concurrent completions cannot lose an update or leave counts that
// don't sum to total.
func (e *Engine) onTransition(ctx context.Context, jobID string, prev, next model.Bucket) {
	delta := store.CountsDelta{}
	applyBucket(&delta, prev, -1)
	applyBucket(&delta, next, +1)

	counts, err := e.store.AtomicAdjustCounts(ctx, jobID, delta)
	if errors.Is(err, store.ErrJobNotFound) {
		// Race with an external deletion. Task state is the source of
		// truth; counters are a rebuildable cache, so drop the update
		// instead of failing the transition that triggered it.
		e.log.Warn("dropping counter update for missing job", "job", jobID)
		return
	}
	if err != nil {
		e.log.Error("failed to adjust job counters", "job", jobID, "error", err)
		return
	}

	e.bus.Publish(events.NewJobProgressUpdated(jobID, counts))
	e.checkTerminality(ctx, jobID, counts)
}

// applyBucket adds a signed unit to the matching field of the delta.
func applyBucket(delta *store.CountsDelta, bucket model.Bucket, n int) {
	switch bucket {
	case model.BucketCompleted:
		delta.Completed += n
	case model.BucketFailed:
		delta.Failed += n
	case model.BucketInProgress:
		delta.InProgress += n
	}
}

// checkTerminality marks the job terminal once no task remains in
// progress. A job with any completed task ends completed even when
// some tasks failed: partial success is success, with failures
// reported through the counts and the failures list. Only a job whose
// every task failed ends failed.
//
// Idempotent: the store refuses to touch jobs already in a terminal
// status, including cancelled jobs whose late transitions are recorded
// for audit only.
func (e *Engine) checkTerminality(ctx context.Context, jobID string, counts model.Counts) {
	if counts.InProgress != 0 || counts.Total == 0 {
		return
	}

	final := model.JobStatusCompleted
	if counts.Completed == 0 {
		final = model.JobStatusFailed
	}

	_, changed, err := e.store.SetJobStatus(ctx, jobID, final)
	if err != nil {
		e.log.Error("failed to finalize job", "job", jobID, "error", err)
		return
	}
	if changed {
		e.log.Info("job finished", "job", jobID,
			"status", string(final),
			"completed", counts.Completed,
			"failed", counts.Failed)
		e.bus.Publish(events.NewJobStatusChanged(jobID, final))
	}
}

// RecountJob rebuilds a job's counters from its tasks and re-runs the
// terminality check. Offline repair for counters found inconsistent.
func (e *Engine) RecountJob(ctx context.Context, jobID string) (model.Counts, error) {
	counts, err := e.store.RecountJob(ctx, jobID)
	if err != nil {
		return model.Counts{}, err
	}

	e.bus.Publish(events.NewJobProgressUpdated(jobID, counts))
	e.checkTerminality(ctx, jobID, counts)
	return counts, nil
}
