package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/toolforge/toolforge/internal/engine"
	"github.com/toolforge/toolforge/internal/logging"
	"github.com/toolforge/toolforge/internal/store"
)

// Machine-readable error codes carried in the error envelope. The
// enumeration is fixed; clients switch on these, not on HTTP status.
// Every 400 is INVALID_REQUEST, whether the body failed to parse or
// the requirements failed validation; VALIDATION_FAILED is reserved
// for transition-protocol violations on the callback endpoint.
const (
	codeInvalidRequest      = "INVALID_REQUEST"
	codeValidationFailed    = "VALIDATION_FAILED"
	codeTimeout             = "TIMEOUT"
	codeUpstreamError       = "UPSTREAM_ERROR"
	codeUpstreamRateLimited = "UPSTREAM_RATE_LIMITED"
	codeNotFound            = "NOT_FOUND"
	codeJobNotFound         = "JOB_NOT_FOUND"
	codeAlreadyCompleted    = "ALREADY_COMPLETED"
	codeRateLimited         = "RATE_LIMITED"
	codeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	codeInternalError       = "INTERNAL_ERROR"
)

// errorResponse is the uniform error envelope for every non-2xx reply.
type errorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Details   string    `json:"details,omitempty"`
	JobID     string    `json:"jobId,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// writeJSON writes v with the given status. Encoding failures are
// logged, not surfaced: headers are already gone by then.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode response", "error", err)
	}
}

// writeError writes the error envelope with the given status and code.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message, details string) {
	writeJSON(w, status, errorResponse{
		Error:     message,
		Code:      code,
		Details:   details,
		RequestID: middleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// writeEngineError maps engine and store errors to HTTP responses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "invalid request", err.Error())
	case errors.Is(err, engine.ErrInvalidTransition):
		writeError(w, r, http.StatusUnprocessableEntity, codeValidationFailed, "invalid transition", err.Error())
	case errors.Is(err, engine.ErrTaskAlreadyTerminal):
		writeError(w, r, http.StatusConflict, codeAlreadyCompleted, "task already terminal", err.Error())
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, r, http.StatusNotFound, codeJobNotFound, "job not found", "")
	case errors.Is(err, store.ErrTaskNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "task not found", "")
	case errors.Is(err, store.ErrArtifactNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "artifact not found", "")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, codeTimeout, "request timed out", "")
	default:
		logging.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, codeInternalError, "internal error", "")
	}
}
