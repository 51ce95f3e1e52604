package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/toolforge/toolforge/internal/logging"
	"github.com/toolforge/toolforge/internal/model"
)

// ErrAgentUnavailable is returned when dispatch fails after retries or
// the circuit breaker is open. The caller records an immediate task
// failure; there is no task-level retry.
var ErrAgentUnavailable = errors.New("generation agent unavailable")

// HTTPAgent dispatches tasks to a remote generation service over HTTP.
// The service reports transitions back through the server's callback
// endpoint, so Generate only covers the hand-off, never the generation
// itself.
type HTTPAgent struct {
	endpoint   string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
}

// dispatchRequest is the wire format for handing a task to the agent.
type dispatchRequest struct {
	TaskID      string            `json:"taskId"`
	JobID       string            `json:"jobId"`
	Requirement model.Requirement `json:"toolRequirement"`
}

// NewHTTPAgent creates an HTTPAgent for the given service endpoint.
func NewHTTPAgent(endpoint string, timeout time.Duration, maxRetries int) *HTTPAgent {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generation-agent",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not a service failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &HTTPAgent{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: timeout},
		breaker:    breaker,
		maxRetries: maxRetries,
	}
}

// Generate hands the task off to the remote service. Transport errors
// are retried with exponential backoff; an open circuit fails fast.
func (a *HTTPAgent) Generate(ctx context.Context, task *model.Task) error {
	body, err := json.Marshal(dispatchRequest{
		TaskID:      task.ID,
		JobID:       task.JobID,
		Requirement: task.Requirement,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := a.breaker.Execute(func() (interface{}, error) {
			return nil, a.post(ctx, body)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(a.maxRetries))
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	return nil
}

// post performs one dispatch attempt.
func (a *HTTPAgent) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	return nil
}
