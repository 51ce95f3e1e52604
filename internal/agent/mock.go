package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/toolforge/toolforge/internal/logging"
	"github.com/toolforge/toolforge/internal/model"
)

// MockAgent implements Agent for tests and local runs without a real
// generation service. It walks each dispatched task through the full
// pipeline in a background goroutine, reporting every transition to
// the Reporter, and synthesizes a trivial artifact on success.
//
// A requirement whose description contains "[fail]" fails at the
// executing stage, which exercises the failure path end to end.
type MockAgent struct {
	mu sync.Mutex

	reporter Reporter

	// StepDelay is the pause between pipeline transitions.
	StepDelay time.Duration

	// generateFunc, when set, replaces the default pipeline walk.
	generateFunc func(ctx context.Context, task *model.Task) error

	// Tracking
	generateCalls []string
}

// NewMockAgent creates a MockAgent reporting into the given Reporter.
func NewMockAgent(reporter Reporter) *MockAgent {
	return &MockAgent{reporter: reporter}
}

// SetGenerateFunc overrides the default pipeline walk.
func (m *MockAgent) SetGenerateFunc(fn func(ctx context.Context, task *model.Task) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateFunc = fn
}

// GenerateCalls returns the task ids dispatched so far.
func (m *MockAgent) GenerateCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]string, len(m.generateCalls))
	copy(calls, m.generateCalls)
	return calls
}

// Generate records the dispatch and starts the pipeline walk in the
// background. It never blocks on generation.
func (m *MockAgent) Generate(ctx context.Context, task *model.Task) error {
	m.mu.Lock()
	m.generateCalls = append(m.generateCalls, task.ID)
	fn := m.generateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, task)
	}

	go m.run(task)
	return nil
}

// run drives one task through the pipeline.
func (m *MockAgent) run(task *model.Task) {
	// Detached from the dispatch context: generation outlives the
	// request that triggered it.
	ctx := context.Background()
	log := logging.With("task", task.ID)

	for _, target := range []model.TaskStatus{
		model.TaskStatusPlanning,
		model.TaskStatusSearching,
		model.TaskStatusImplementing,
		model.TaskStatusExecuting,
	} {
		m.pause()
		if _, err := m.reporter.Advance(ctx, task.ID, target, model.TransitionPayload{}); err != nil {
			log.Warn("mock agent transition rejected", "target", target, "error", err)
			return
		}
	}

	m.pause()
	if strings.Contains(task.Requirement.Description, "[fail]") {
		_, err := m.reporter.Advance(ctx, task.ID, model.TaskStatusFailed, model.TransitionPayload{
			Error: &model.TaskError{
				Message: "mock generation failed as requested",
				Kind:    "generation_error",
			},
		})
		if err != nil {
			log.Warn("mock agent failure report rejected", "error", err)
		}
		return
	}

	_, err := m.reporter.Advance(ctx, task.ID, model.TaskStatusCompleted, model.TransitionPayload{
		Artifact: m.artifactFor(task),
	})
	if err != nil {
		log.Warn("mock agent completion report rejected", "error", err)
	}
}

func (m *MockAgent) pause() {
	m.mu.Lock()
	delay := m.StepDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

// artifactFor synthesizes a placeholder tool for the requirement.
func (m *MockAgent) artifactFor(task *model.Task) *model.Artifact {
	name := "generated_tool"
	if task.Requirement.Description != "" {
		name = strings.ToLower(strings.ReplaceAll(
			strings.Join(strings.Fields(task.Requirement.Description), "_"), "-", "_"))
		if len(name) > 40 {
			name = name[:40]
		}
	}

	return &model.Artifact{
		ID:           model.NewArtifactID(),
		TaskID:       task.ID,
		Name:         name,
		FileName:     name + ".py",
		Description:  task.Requirement.Description,
		Code:         fmt.Sprintf("def %s(data):\n    return data\n", name),
		InputSchema:  task.Requirement.Input,
		OutputSchema: task.Requirement.Output,
		TestCases:    []string{"returns input unchanged"},
		Status:       model.ArtifactStatusDraft,
		CreatedAt:    time.Now().UTC(),
	}
}
