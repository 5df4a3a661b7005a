// Package jobx implements the durable job queue engine: producers enqueue
// jobs, workers claim and resolve them, failed jobs are retried a bounded
// number of times, and abandoned claims are swept back into the pool.
//
// All state lives in the backing store; the engine itself is stateless
// between calls, so any number of processes can share one store.
package jobx

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// MaxTypeLength bounds the job type discriminator.
const MaxTypeLength = 100

// DefaultMaxRetries is applied when a job is created without an explicit
// retry ceiling.
const DefaultMaxRetries = 3

// Job is one unit of asynchronous work. Params and Result are opaque to the
// engine; Type is used only for filtering.
type Job struct {
	ID         int64           `json:"id" db:"id"`
	Type       string          `json:"type" db:"type"`
	Status     JobStatus       `json:"status" db:"status"`
	Params     json.RawMessage `json:"params,omitempty" db:"params"`
	Result     json.RawMessage `json:"result,omitempty" db:"result"`
	Error      *string         `json:"error,omitempty" db:"error"`
	Priority   int             `json:"priority" db:"priority"`
	Retries    int             `json:"retries" db:"retries"`
	MaxRetries int             `json:"max_retries" db:"max_retries"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	WorkerID    *string    `json:"worker_id,omitempty" db:"worker_id"`
}

// NewJobInput describes a job to be created. MaxRetries nil means
// DefaultMaxRetries.
type NewJobInput struct {
	Type       string          `json:"type"`
	Params     json.RawMessage `json:"params,omitempty"`
	Priority   int             `json:"priority"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

// ListFilter narrows and pages a job listing. Zero values mean "no filter";
// Limit zero is replaced by the service default.
type ListFilter struct {
	Status JobStatus
	Type   string
	Limit  int
	Offset int
}

// JobSummary identifies a job touched by a bulk operation.
type JobSummary struct {
	ID        int64      `json:"id"`
	Type      string     `json:"type"`
	WorkerID  *string    `json:"worker_id,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// SweepResult reports the jobs a sweep returned to pending.
type SweepResult struct {
	Count int          `json:"count"`
	Jobs  []JobSummary `json:"jobs"`
}

// TypeStats is the observability rollup for one job type.
type TypeStats struct {
	Type         string            `json:"type"`
	Total        int               `json:"total"`
	StatusCounts map[JobStatus]int `json:"status_counts"`

	// AvgDurationSeconds is the mean completed_at-started_at over completed
	// jobs, nil when none have completed.
	AvgDurationSeconds *float64 `json:"avg_duration_seconds,omitempty"`

	// FailureRate is failed/(failed+completed), nil when neither exists.
	FailureRate *float64 `json:"failure_rate,omitempty"`
}
