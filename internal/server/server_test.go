package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolforge/toolforge/internal/engine"
	"github.com/toolforge/toolforge/internal/events"
	"github.com/toolforge/toolforge/internal/model"
	"github.com/toolforge/toolforge/internal/testutil"
)

// idleAgent accepts dispatches without acting on them, so tests drive
// every transition through the callback endpoint.
type idleAgent struct{}

func (idleAgent) Generate(ctx context.Context, task *model.Task) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()

	st := testutil.NewStore(t)

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	eng := engine.New(st, bus)
	eng.SetAgent(idleAgent{})

	srv, err := NewServer(0, eng, bus)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, eng
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createJob(t *testing.T, ts *httptest.Server, n int) *model.Job {
	t.Helper()
	resp := postJSON(t, ts.URL+"/jobs", createJobRequest{Requirements: testutil.Requirements(n)})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decode[*model.Job](t, resp)
	require.Len(t, job.TaskIDs, n)
	return job
}

// advance posts one transition callback and returns the response.
func advance(t *testing.T, ts *httptest.Server, taskID string, req advanceRequest) *http.Response {
	t.Helper()
	return postJSON(t, ts.URL+"/internal/tasks/"+taskID+"/advance", req)
}

// completeViaCallbacks walks a task to completed through the callback
// endpoint, the way a real agent reports.
func completeViaCallbacks(t *testing.T, ts *httptest.Server, taskID string) {
	t.Helper()
	for _, status := range []model.TaskStatus{
		model.TaskStatusPlanning,
		model.TaskStatusSearching,
		model.TaskStatusImplementing,
		model.TaskStatusExecuting,
	} {
		resp := advance(t, ts, taskID, advanceRequest{Status: status})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
	resp := advance(t, ts, taskID, advanceRequest{
		Status: model.TaskStatusCompleted,
		Artifact: &model.Artifact{
			Name:     "tool",
			FileName: "tool.py",
			Code:     "def tool(): pass",
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateJob(t *testing.T) {
	ts, _ := newTestServer(t)

	job := createJob(t, ts, 2)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	assert.Equal(t, model.Counts{Total: 2, InProgress: 2}, job.Counts)
	assert.NotEmpty(t, job.ID)
}

func TestCreateJobValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	// Every rejected submission carries INVALID_REQUEST, whether the
	// body failed to parse or the requirements failed validation.
	tests := []struct {
		name string
		body any
		code string
	}{
		{"empty requirements", createJobRequest{}, codeInvalidRequest},
		{"blank description", createJobRequest{Requirements: []model.Requirement{{Input: "i", Output: "o"}}}, codeInvalidRequest},
		{"not json", "not json", codeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/jobs", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			envelope := decode[errorResponse](t, resp)
			assert.Equal(t, tt.code, envelope.Code)
			assert.NotEmpty(t, envelope.Error)
			assert.False(t, envelope.Timestamp.IsZero())
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/jobs/job_missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	envelope := decode[errorResponse](t, resp)
	assert.Equal(t, codeJobNotFound, envelope.Code)
}

func TestListJobsPagination(t *testing.T) {
	ts, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		createJob(t, ts, 1)
	}

	resp, err := http.Get(ts.URL + "/jobs?limit=2&skip=1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		Jobs []*model.Job `json:"jobs"`
	}](t, resp)
	assert.Len(t, body.Jobs, 2)
}

func TestJobLifecycleViaCallbacks(t *testing.T) {
	ts, _ := newTestServer(t)

	job := createJob(t, ts, 2)
	completeViaCallbacks(t, ts, job.TaskIDs[0])

	resp := advance(t, ts, job.TaskIDs[1], advanceRequest{
		Status: model.TaskStatusFailed,
		Error:  &model.TaskError{Message: "llm refused", Kind: "generation_error"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Terminal job detail carries the enrichments.
	getResp, err := http.Get(ts.URL + "/jobs/" + job.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	detail := decode[struct {
		model.Job
		ToolFiles []*model.Artifact `json:"toolFiles"`
		Failures  []engine.Failure  `json:"failures"`
		Summary   *engine.Summary   `json:"summary"`
	}](t, getResp)
	assert.Equal(t, model.JobStatusCompleted, detail.Status)
	assert.Len(t, detail.ToolFiles, 1)
	assert.Len(t, detail.Failures, 1)
	require.NotNil(t, detail.Summary)
	assert.Equal(t, engine.Summary{TotalRequested: 2, Successful: 1, Failed: 1}, *detail.Summary)
}

func TestAdvanceDropsLateCallbacks(t *testing.T) {
	ts, _ := newTestServer(t)

	job := createJob(t, ts, 1)
	completeViaCallbacks(t, ts, job.TaskIDs[0])

	// A duplicate completion is acknowledged and dropped.
	resp := advance(t, ts, job.TaskIDs[0], advanceRequest{
		Status:   model.TaskStatusCompleted,
		Artifact: &model.Artifact{Name: "tool", FileName: "tool.py", Code: "pass"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, true, body["dropped"])
}

func TestAdvanceRejectsInvalidTransition(t *testing.T) {
	ts, _ := newTestServer(t)

	job := createJob(t, ts, 1)

	resp := advance(t, ts, job.TaskIDs[0], advanceRequest{Status: model.TaskStatusExecuting})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	envelope := decode[errorResponse](t, resp)
	assert.Equal(t, codeValidationFailed, envelope.Code)
}

func TestAdvanceUnknownTask(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := advance(t, ts, "task_missing", advanceRequest{Status: model.TaskStatusPlanning})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	envelope := decode[errorResponse](t, resp)
	assert.Equal(t, codeNotFound, envelope.Code)
}

func TestGetTaskAndFiles(t *testing.T) {
	ts, _ := newTestServer(t)

	job := createJob(t, ts, 1)
	taskID := job.TaskIDs[0]

	// Files before completion: nothing there yet.
	resp, err := http.Get(ts.URL + "/tasks/" + taskID + "/files")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	completeViaCallbacks(t, ts, taskID)

	resp, err = http.Get(ts.URL + "/tasks/" + taskID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := decode[*model.Task](t, resp)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.NotEmpty(t, task.ArtifactID)

	resp, err = http.Get(ts.URL + "/tasks/" + taskID + "/files")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	artifact := decode[*model.Artifact](t, resp)
	assert.Equal(t, task.ArtifactID, artifact.ID)
	assert.Equal(t, "tool.py", artifact.FileName)
}

func TestListJobTasks(t *testing.T) {
	ts, _ := newTestServer(t)

	job := createJob(t, ts, 3)

	resp, err := http.Get(ts.URL + "/jobs/" + job.ID + "/tasks")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		Tasks []*model.Task `json:"tasks"`
	}](t, resp)
	require.Len(t, body.Tasks, 3)
	assert.Equal(t, job.TaskIDs[0], body.Tasks[0].ID)
}

func TestCancelJob(t *testing.T) {
	ts, _ := newTestServer(t)

	job := createJob(t, ts, 1)

	resp := postJSON(t, ts.URL+"/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decode[*model.Job](t, resp)
	assert.Equal(t, model.JobStatusCancelled, cancelled.Status)

	// Idempotent.
	resp = postJSON(t, ts.URL+"/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
