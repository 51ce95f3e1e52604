// Package model defines the core domain types shared across the
// orchestration engine, store, and transport layers: jobs, tasks,
// generated tool artifacts, and the task pipeline order.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job status accepts no further pipeline
// driven changes. Cancelled is terminal: an explicit external action,
// never reached by task transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// TaskStatus represents the pipeline state of a single generation task.
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusPlanning     TaskStatus = "planning"
	TaskStatusSearching    TaskStatus = "searching"
	TaskStatusImplementing TaskStatus = "implementing"
	TaskStatusExecuting    TaskStatus = "executing"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
)

// Pipeline is the fixed forward order of non-terminal task states.
// Completed is only reachable as the successor of the last entry;
// failed is reachable from any non-terminal state.
var Pipeline = []TaskStatus{
	TaskStatusPending,
	TaskStatusPlanning,
	TaskStatusSearching,
	TaskStatusImplementing,
	TaskStatusExecuting,
}

// Terminal reports whether the task status is absorbing.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	if s.Terminal() {
		return true
	}
	for _, p := range Pipeline {
		if s == p {
			return true
		}
	}
	return false
}

// Next returns the immediate successor of s on the pipeline order.
// The successor of the last non-terminal state is completed. Returns
// false for terminal states.
func (s TaskStatus) Next() (TaskStatus, bool) {
	for i, p := range Pipeline {
		if s != p {
			continue
		}
		if i == len(Pipeline)-1 {
			return TaskStatusCompleted, true
		}
		return Pipeline[i+1], true
	}
	return "", false
}

// Bucket is the coarse classification of a task status used for job
// progress counting. Every non-terminal status maps to BucketInProgress.
type Bucket string

const (
	BucketInProgress Bucket = "inProgress"
	BucketCompleted  Bucket = "completed"
	BucketFailed     Bucket = "failed"
)

// Bucket returns the counting bucket for the task status.
func (s TaskStatus) Bucket() Bucket {
	switch s {
	case TaskStatusCompleted:
		return BucketCompleted
	case TaskStatusFailed:
		return BucketFailed
	default:
		return BucketInProgress
	}
}

// ArtifactStatus represents the registration state of a generated tool.
type ArtifactStatus string

const (
	ArtifactStatusDraft      ArtifactStatus = "draft"
	ArtifactStatusRegistered ArtifactStatus = "registered"
	ArtifactStatusDeprecated ArtifactStatus = "deprecated"
	ArtifactStatusFailed     ArtifactStatus = "failed"
)

// Requirement is a single natural-language tool requirement submitted
// as part of a job. Immutable after job creation.
type Requirement struct {
	Description string `json:"description"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// Counts holds the derived per-job progress counters. They are only
// ever adjusted through the store's atomic increment primitive and
// always satisfy Completed + Failed + InProgress == Total.
type Counts struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"inProgress"`
}

// Job is a submitted batch of tool requirements tracked as one
// user-visible unit of work.
type Job struct {
	ID           string        `json:"jobId"`
	Status       JobStatus     `json:"status"`
	Requirements []Requirement `json:"toolRequirements"`
	TaskIDs      []string      `json:"taskIds"`
	Counts       Counts        `json:"progress"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// TaskError describes why a task failed.
type TaskError struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// Task is the per-requirement unit of work. A job spawns one task per
// tool requirement; the task holds a non-owning back-reference to its
// job and, once completed, to the artifact it produced.
type Task struct {
	ID          string      `json:"taskId"`
	JobID       string      `json:"jobId"`
	Requirement Requirement `json:"toolRequirement"`
	Status      TaskStatus  `json:"status"`
	ArtifactID  string      `json:"artifactId,omitempty"`
	Error       *TaskError  `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Artifact is a generated tool produced when a task completes. The
// orchestration core only ever creates artifacts; registration and
// deprecation happen elsewhere.
type Artifact struct {
	ID           string         `json:"toolId"`
	TaskID       string         `json:"taskId"`
	Name         string         `json:"name"`
	FileName     string         `json:"fileName"`
	Description  string         `json:"description"`
	Code         string         `json:"code"`
	InputSchema  string         `json:"inputSchema,omitempty"`
	OutputSchema string         `json:"outputSchema,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	TestCases    []string       `json:"testCases,omitempty"`
	Status       ArtifactStatus `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// TransitionPayload carries the data accompanying a task transition.
// It is a tagged variant keyed by the target status: Artifact must be
// set when the target is completed, Error when the target is failed,
// and neither for intermediate pipeline states.
type TransitionPayload struct {
	Artifact *Artifact  `json:"artifact,omitempty"`
	Error    *TaskError `json:"error,omitempty"`
}

// shortID returns an 8-character identifier with the given prefix,
// e.g. "job_1a2b3c4d". Matches the externally visible id format.
func shortID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewJobID generates a new job identifier.
func NewJobID() string { return shortID("job") }

// NewTaskID generates a new task identifier.
func NewTaskID() string { return shortID("task") }

// NewArtifactID generates a new artifact identifier.
func NewArtifactID() string { return shortID("tool") }
