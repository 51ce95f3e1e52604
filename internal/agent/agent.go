// Package agent defines the generation agent collaborator: the
// external capability that, given a tool requirement, eventually
// produces a generated artifact or a failure reason. The orchestration
// core only dispatches work here and reacts to transition callbacks;
// the agent's internal reasoning is opaque.
package agent

import (
	"context"

	"github.com/toolforge/toolforge/internal/model"
)

// Reporter is the callback surface an agent uses to report task
// progress back into the orchestration core. Implemented by the
// engine; transitions for one task must be reported in pipeline order.
type Reporter interface {
	Advance(ctx context.Context, taskID string, target model.TaskStatus, payload model.TransitionPayload) (*model.Task, error)
}

// Agent dispatches a single task for generation. Dispatch is
// fire-and-forget from the caller's perspective: Generate returns once
// the work has been handed off, and the agent reports transitions
// through its Reporter as generation proceeds.
type Agent interface {
	Generate(ctx context.Context, task *model.Task) error
}
