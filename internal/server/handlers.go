package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/toolforge/toolforge/internal/engine"
	"github.com/toolforge/toolforge/internal/model"
)

// createJobRequest is the body of POST /jobs.
type createJobRequest struct {
	Requirements []model.Requirement `json:"toolRequirements"`
}

// advanceRequest is the body of the agent callback. Status selects the
// target state; artifact and error are the tagged payload.
type advanceRequest struct {
	Status   model.TaskStatus `json:"status"`
	Artifact *model.Artifact  `json:"artifact,omitempty"`
	Error    *model.TaskError `json:"error,omitempty"`
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// handleCreateJob handles POST /jobs. Returns 201 with the created job;
// generation continues in the background.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body", err.Error())
		return
	}

	job, err := s.engine.CreateJob(r.Context(), req.Requirements)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /jobs?limit=&skip=.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	skip := queryInt(r, "skip", 0)

	jobs, err := s.engine.ListJobs(r.Context(), limit, skip)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleGetJob handles GET /jobs/{jobID}. Terminal jobs include the
// generated tool files, the failure list, and a summary.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	detail, err := s.engine.GetJobDetail(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleCancelJob handles POST /jobs/{jobID}/cancel. Idempotent.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListJobTasks handles GET /jobs/{jobID}/tasks.
func (s *Server) handleListJobTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.ListJobTasks(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleGetTask handles GET /tasks/{taskID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleGetTaskFiles handles GET /tasks/{taskID}/files, returning the
// artifact produced by a completed task.
func (s *Server) handleGetTaskFiles(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.engine.GetTaskArtifact(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// handleAdvanceTask handles the agent callback. A duplicate or late
// report against a terminal task is acknowledged with 202 and dropped;
// only genuinely malformed transitions are rejected.
func (s *Server) handleAdvanceTask(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body", err.Error())
		return
	}

	task, err := s.engine.Advance(r.Context(), chi.URLParam(r, "taskID"), req.Status, model.TransitionPayload{
		Artifact: req.Artifact,
		Error:    req.Error,
	})
	if errors.Is(err, engine.ErrTaskAlreadyTerminal) {
		writeJSON(w, http.StatusAccepted, map[string]any{"dropped": true})
		return
	}
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// queryInt parses an integer query parameter, falling back to def on
// absence or garbage.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
