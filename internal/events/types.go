// Package events implements the notification bus that fans job and
// task transitions out to subscribed observers. The bus holds no
// authoritative state: every event is derived from a transition that
// was already persisted, and observers reconcile through the store's
// read path.
package events

import (
	"time"

	"github.com/toolforge/toolforge/internal/model"
)

// Type identifies the kind of notification.
type Type string

const (
	// TypeJobStatusChanged is published when a job's status changes.
	TypeJobStatusChanged Type = "job-status-changed"
	// TypeJobProgressUpdated is published when a job's counters change.
	TypeJobProgressUpdated Type = "job-progress-updated"
	// TypeTaskStatusChanged is published on every task transition.
	TypeTaskStatusChanged Type = "task-status-changed"
)

// Event is the envelope delivered to subscribers and pushed over the
// WebSocket channel as {type, data}.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// JobStatusChanged is the payload for TypeJobStatusChanged.
type JobStatusChanged struct {
	JobID     string          `json:"jobId"`
	Status    model.JobStatus `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// JobProgressUpdated is the payload for TypeJobProgressUpdated.
type JobProgressUpdated struct {
	JobID     string       `json:"jobId"`
	Progress  model.Counts `json:"progress"`
	Timestamp time.Time    `json:"timestamp"`
}

// TaskStatusChanged is the payload for TypeTaskStatusChanged.
type TaskStatusChanged struct {
	TaskID    string           `json:"taskId"`
	JobID     string           `json:"jobId"`
	Status    model.TaskStatus `json:"status"`
	Error     *model.TaskError `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewJobStatusChanged builds a job status event.
func NewJobStatusChanged(jobID string, status model.JobStatus) Event {
	return Event{Type: TypeJobStatusChanged, Data: JobStatusChanged{
		JobID:     jobID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}}
}

// NewJobProgressUpdated builds a job progress event.
func NewJobProgressUpdated(jobID string, counts model.Counts) Event {
	return Event{Type: TypeJobProgressUpdated, Data: JobProgressUpdated{
		JobID:     jobID,
		Progress:  counts,
		Timestamp: time.Now().UTC(),
	}}
}

// NewTaskStatusChanged builds a task transition event.
func NewTaskStatusChanged(task *model.Task) Event {
	return Event{Type: TypeTaskStatusChanged, Data: TaskStatusChanged{
		TaskID:    task.ID,
		JobID:     task.JobID,
		Status:    task.Status,
		Error:     task.Error,
		Timestamp: time.Now().UTC(),
	}}
}
