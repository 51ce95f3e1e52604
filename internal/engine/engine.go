// Package engine implements the job/task orchestration core: job
// creation and fan-out, the task state machine, consistent progress
// accounting under concurrent completions, and event publication. The
// engine is stateless between requests; all shared state lives in the
// store.
package engine

import (
	"errors"

	"github.com/toolforge/toolforge/internal/agent"
	"github.com/toolforge/toolforge/internal/events"
	"github.com/toolforge/toolforge/internal/logging"
	"github.com/toolforge/toolforge/internal/store"
)

// Errors returned by the engine.
var (
	// ErrInvalidRequest rejects malformed job submissions.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidTransition rejects transitions that move backward,
	// skip pipeline states, or carry the wrong payload.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrTaskAlreadyTerminal rejects transitions on completed or
	// failed tasks. Callers drop these rather than surfacing them: the
	// agent delivers callbacks at-least-once.
	ErrTaskAlreadyTerminal = errors.New("task already terminal")
)

// Engine coordinates the job manager, task state machine, and progress
// aggregator against one store and one notification bus.
type Engine struct {
	store store.Store
	bus   *events.Bus
	agent agent.Agent
	log   *logging.Logger
}

// New creates an Engine. The agent is attached separately with
// SetAgent because in-process agents report back into the engine.
func New(st store.Store, bus *events.Bus) *Engine {
	return &Engine{
		store: st,
		bus:   bus,
		log:   logging.With("component", "engine"),
	}
}

// SetAgent attaches the generation agent used for task dispatch.
func (e *Engine) SetAgent(a agent.Agent) {
	e.agent = a
}
