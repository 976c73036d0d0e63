// Package storage defines the Store interface the analysis pipeline runs
// against. All persistent coordination — queues, leases, groups, escalations,
// the blocklist, and the timeline — goes through this interface; workers hold
// no shared in-process state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/stratasec/aegis/internal/types"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a job operation is applied to a job
// whose current status does not permit it (e.g. retrying a running job).
var ErrInvalidTransition = errors.New("invalid job state transition")

// RawExchange carries the diagnostic prompt/response pair stored with a
// group verdict.
type RawExchange struct {
	Prompt   string
	Response string
}

// Store is the durable state backend.
type Store interface {
	// Events. CreateEvent is idempotent on request_id; the bool reports
	// whether a new row was inserted.
	CreateEvent(ctx context.Context, event *types.Event) (bool, error)
	GetEvent(ctx context.Context, id int64) (*types.Event, error)
	GetEventsByGroup(ctx context.Context, groupID int64) ([]*types.Event, error)
	UpdateEventVerdict(ctx context.Context, eventID int64, verdict types.Verdict, analyzedBy string) error
	RecentlyAnalyzedEvents(ctx context.Context, since time.Time, limit int) ([]*types.Event, error)

	// Grouping. The snapshot lists distinct (source_ip, bucket) keys over
	// open events with no group link, oldest bucket first.
	UnlinkedBucketSnapshot(ctx context.Context) ([]types.BucketSummary, error)
	UnlinkedEventsInBucket(ctx context.Context, sourceIP, bucket string) ([]*types.Event, error)
	LinkEventsToGroup(ctx context.Context, groupID int64, eventIDs []int64) (int, error)

	// Groups. FindOrCreateGroup returns the existing row on a key conflict;
	// the bool reports whether a new group was created. ApplyGroupVerdict
	// updates the group and every member event in one transaction.
	FindOrCreateGroup(ctx context.Context, group *types.Group) (*types.Group, bool, error)
	GetGroup(ctx context.Context, id int64) (*types.Group, error)
	ApplyGroupVerdict(ctx context.Context, groupID int64, verdict types.Verdict, raw RawExchange, analyzedBy string) error

	// Jobs. EnqueueJob returns the existing job (created=false) when a
	// non-terminal job already references the target. LeaseNextJob returns
	// nil when the queue is empty or the running count has reached cap.
	EnqueueJob(ctx context.Context, target types.JobTarget, priority, maxAttempts int) (*types.Job, bool, error)
	GetJob(ctx context.Context, queue types.Queue, id int64) (*types.Job, error)
	ListJobs(ctx context.Context, queue types.Queue, filter types.JobFilter) ([]*types.Job, error)
	GetQueueStats(ctx context.Context, queue types.Queue) (*types.QueueStats, error)
	LeaseNextJob(ctx context.Context, queue types.Queue, concurrencyCap int) (*types.Job, error)
	MarkJobRunning(ctx context.Context, queue types.Queue, id int64) error
	MarkJobCompleted(ctx context.Context, queue types.Queue, id int64, result types.JobResult) error
	MarkJobRecoverable(ctx context.Context, queue types.Queue, id int64, lastError string) error
	MarkJobFailed(ctx context.Context, queue types.Queue, id int64, lastError string) error
	CancelJob(ctx context.Context, queue types.Queue, id int64) error
	RetryJob(ctx context.Context, queue types.Queue, id int64) error
	PauseJobs(ctx context.Context, queue types.Queue) (int, error)
	ResumeJobs(ctx context.Context, queue types.Queue) (int, error)
	ResetStuckJobs(ctx context.Context, queue types.Queue, minAge time.Duration) (int, error)

	// Escalations. Sink completion flags are independent; marking one sink
	// never touches the others.
	CreateEscalation(ctx context.Context, esc *types.Escalation) error
	GetEscalation(ctx context.Context, id int64) (*types.Escalation, error)
	ListEscalations(ctx context.Context, filter types.EscalationFilter) ([]*types.Escalation, error)
	ListPendingEscalations(ctx context.Context, sink types.Sink, limit int) ([]*types.Escalation, error)
	MarkSinkSuccess(ctx context.Context, id int64, sink types.Sink, externalID string) error
	MarkSinkFailed(ctx context.Context, id int64, sink types.Sink, sinkErr string) error
	RetrySink(ctx context.Context, id int64, sink types.Sink) error
	CompleteSink(ctx context.Context, id int64, sink types.Sink, externalID string) error

	// Blocklist. Upsert is race-safe on ip_address; repeats bump
	// last_seen_at and block_count. The bool reports a new insert.
	UpsertBlocklist(ctx context.Context, entry *types.BlocklistEntry) (bool, error)
	GetBlocklistEntry(ctx context.Context, ip string) (*types.BlocklistEntry, error)
	DeactivateBlocklist(ctx context.Context, ip string) error

	// Timeline. Append-only; entries are never mutated.
	AppendTimeline(ctx context.Context, entry *types.TimelineEntry) error
	BulkAppendTimeline(ctx context.Context, eventIDs []int64, entry types.TimelineEntry) error
	GetTimeline(ctx context.Context, eventID int64, limit int) ([]*types.TimelineEntry, error)

	// Lifecycle
	Close() error
}
