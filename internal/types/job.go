package types

import (
	"fmt"
	"time"
)

// Queue identifies one of the two job queues. Both share the same state
// machine; they differ only in what the job targets.
type Queue string

const (
	QueueSingle Queue = "single" // one job analyzes one event
	QueueGroup  Queue = "group"  // one job analyzes a whole group
)

// IsValid checks if the queue name is valid.
func (q Queue) IsValid() bool {
	return q == QueueSingle || q == QueueGroup
}

// JobStatus represents the state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued" // leased, not yet running
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobOnHold    JobStatus = "on_hold"
)

// IsValid checks if the status value is valid.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobQueued, JobRunning, JobCompleted, JobFailed, JobOnHold:
		return true
	}
	return false
}

// IsTerminal reports whether the status is a final state. At most one
// non-terminal job may exist per target.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// StuckResetError is the canonical last_error written when an operator
// resets a job stuck in running status.
const StuckResetError = "Job manually reset - was stuck in running status"

// DefaultMaxAttempts is the per-job retry budget unless overridden at enqueue.
const DefaultMaxAttempts = 3

// Job is one unit of analysis work. TargetID references an event for the
// single queue and a group for the group queue.
type Job struct {
	ID          int64      `json:"id"`
	Queue       Queue      `json:"queue"`
	TargetID    int64      `json:"target_id"`
	Status      JobStatus  `json:"status"`
	Priority    int        `json:"priority"` // higher first
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	LeasedAt    *time.Time `json:"leased_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	// Result fields, populated on completion.
	Severity     *int   `json:"severity,omitempty"`
	Analysis     string `json:"analysis,omitempty"`
	FollowUp     string `json:"follow_up,omitempty"`
	TriageResult string `json:"triage_result,omitempty"` // JSON, single queue only
}

// Target returns the job's target as a tagged variant.
func (j *Job) Target() JobTarget {
	return JobTarget{Queue: j.Queue, ID: j.TargetID}
}

// JobTarget is a tagged reference to either an event or a group, decoupling
// worker logic from queue identity.
type JobTarget struct {
	Queue Queue
	ID    int64
}

func (t JobTarget) String() string {
	return fmt.Sprintf("%s/%d", t.Queue, t.ID)
}

// JobResult is written back to the job row on successful completion.
type JobResult struct {
	Severity     int
	Analysis     string
	FollowUp     string
	TriageResult string // JSON, single queue only
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status *JobStatus
	Limit  int
}

// QueueStats summarizes one queue for operators.
type QueueStats struct {
	Queue     Queue `json:"queue"`
	Pending   int   `json:"pending"`
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	OnHold    int   `json:"on_hold"`
}
