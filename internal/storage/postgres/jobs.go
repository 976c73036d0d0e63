package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stratasec/aegis/internal/storage"
	"github.com/stratasec/aegis/internal/types"
)

const jobColumns = `id, status, priority, attempts, max_attempts, created_at,
	leased_at, started_at, completed_at, last_error, severity, analysis,
	follow_up, triage_result::text`

// jobTable maps a queue to its backing table. Both tables share the same
// shape apart from the target column.
func jobTable(queue types.Queue) (table, targetCol string, err error) {
	switch queue {
	case types.QueueSingle:
		return "single_jobs", "event_id", nil
	case types.QueueGroup:
		return "group_jobs", "group_id", nil
	default:
		return "", "", fmt.Errorf("unknown queue: %s", queue)
	}
}

// EnqueueJob inserts a pending job for the target. When a non-terminal job
// already references the target, the partial unique index rejects the insert
// and the existing job is returned with created=false. Single-queue enqueues
// stamp the event's linked_job_id in the same transaction so the event row
// points at its current analysis job.
func (s *PostgresStore) EnqueueJob(ctx context.Context, target types.JobTarget, priority, maxAttempts int) (*types.Job, bool, error) {
	table, targetCol, err := jobTable(target.Queue)
	if err != nil {
		return nil, false, err
	}
	if maxAttempts <= 0 {
		maxAttempts = types.DefaultMaxAttempts
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s, status, priority, max_attempts)
		VALUES ($1, 'pending', $2, $3)
		RETURNING %s, `+jobColumns, table, targetCol, targetCol),
		target.ID, priority, maxAttempts)
	job, err := scanJob(row, target.Queue)
	if err != nil {
		if !isUniqueViolation(err, "") {
			return nil, false, fmt.Errorf("failed to enqueue %s job: %w", target.Queue, err)
		}
		tx.Rollback(ctx)
		existing, err := s.activeJobForTarget(ctx, target)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if target.Queue == types.QueueSingle {
		if _, err := tx.Exec(ctx,
			`UPDATE events SET linked_job_id = $1 WHERE id = $2`, job.ID, target.ID); err != nil {
			return nil, false, fmt.Errorf("failed to link event %d to job %d: %w", target.ID, job.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return job, true, nil
}

func (s *PostgresStore) activeJobForTarget(ctx context.Context, target types.JobTarget) (*types.Job, error) {
	table, targetCol, err := jobTable(target.Queue)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s, `+jobColumns+`
		FROM %s
		WHERE %s = $1 AND status IN ('pending', 'queued', 'running', 'on_hold')`,
		targetCol, table, targetCol), target.ID)
	job, err := scanJob(row, target.Queue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("active job for %s: %w", target, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get active job for %s: %w", target, err)
	}
	return job, nil
}

// GetJob retrieves a job by queue and ID.
func (s *PostgresStore) GetJob(ctx context.Context, queue types.Queue, id int64) (*types.Job, error) {
	table, targetCol, err := jobTable(queue)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s, `+jobColumns+` FROM %s WHERE id = $1`, targetCol, table), id)
	job, err := scanJob(row, queue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s job %d: %w", queue, id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s job %d: %w", queue, id, err)
	}
	return job, nil
}

// ListJobs lists jobs in a queue, newest first.
func (s *PostgresStore) ListJobs(ctx context.Context, queue types.Queue, filter types.JobFilter) ([]*types.Job, error) {
	table, targetCol, err := jobTable(queue)
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT %s, `+jobColumns+` FROM %s`, targetCol, table)
	args := []any{}
	if filter.Status != nil {
		query += ` WHERE status = $1`
		args = append(args, *filter.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", queue, err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		job, err := scanJob(rows, queue)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s job: %w", queue, err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// GetQueueStats returns per-status counts for a queue.
func (s *PostgresStore) GetQueueStats(ctx context.Context, queue types.Queue) (*types.QueueStats, error) {
	table, _, err := jobTable(queue)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT status, COUNT(*) FROM %s GROUP BY status`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s queue stats: %w", queue, err)
	}
	defer rows.Close()

	stats := &types.QueueStats{Queue: queue}
	for rows.Next() {
		var status types.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch status {
		case types.JobPending:
			stats.Pending = count
		case types.JobQueued:
			stats.Queued = count
		case types.JobRunning:
			stats.Running = count
		case types.JobCompleted:
			stats.Completed = count
		case types.JobFailed:
			stats.Failed = count
		case types.JobOnHold:
			stats.OnHold = count
		}
	}
	return stats, rows.Err()
}

// Advisory lock keys serializing lease transactions per queue. Arbitrary but
// stable values, scoped to this database.
const (
	leaseLockSingle int64 = 874201
	leaseLockGroup  int64 = 874202
)

func leaseLockKey(queue types.Queue) int64 {
	if queue == types.QueueGroup {
		return leaseLockGroup
	}
	return leaseLockSingle
}

// LeaseNextJob claims the best pending job with attempts remaining, flipping
// it to queued in the same transaction. A leased job holds a concurrency slot
// from queued until it completes or returns to pending, so the cap bounds
// claimed work, not just running work. The cap check is read-then-write, so
// lease transactions serialize on a per-queue advisory lock; SKIP LOCKED
// keeps them from fighting over the same row. Returns nil when nothing is
// claimable.
func (s *PostgresStore) LeaseNextJob(ctx context.Context, queue types.Queue, concurrencyCap int) (*types.Job, error) {
	table, targetCol, err := jobTable(queue)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, leaseLockKey(queue)); err != nil {
		return nil, fmt.Errorf("failed to acquire %s lease lock: %w", queue, err)
	}

	if concurrencyCap > 0 {
		var active int
		if err := tx.QueryRow(ctx, fmt.Sprintf(
			`SELECT COUNT(*) FROM %s WHERE status IN ('queued', 'running')`, table)).Scan(&active); err != nil {
			return nil, fmt.Errorf("failed to count active %s jobs: %w", queue, err)
		}
		if active >= concurrencyCap {
			return nil, nil
		}
	}

	var jobID int64
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = 'pending' AND attempts < max_attempts
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, table)).Scan(&jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select leasable %s job: %w", queue, err)
	}

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'queued', leased_at = NOW()
		WHERE id = $1
		RETURNING %s, `+jobColumns, table, targetCol), jobID)
	job, err := scanJob(row, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to lease %s job %d: %w", queue, jobID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}
	return job, nil
}

// MarkJobRunning flips a leased job to running and counts the attempt.
func (s *PostgresStore) MarkJobRunning(ctx context.Context, queue types.Queue, id int64) error {
	return s.transition(ctx, queue, id, `
		UPDATE %s
		SET status = 'running', started_at = NOW(), attempts = attempts + 1
		WHERE id = $1 AND status = 'queued'`)
}

// MarkJobCompleted finalizes a job with its analysis result.
func (s *PostgresStore) MarkJobCompleted(ctx context.Context, queue types.Queue, id int64, result types.JobResult) error {
	table, _, err := jobTable(queue)
	if err != nil {
		return err
	}
	var triage *string
	if result.TriageResult != "" {
		triage = &result.TriageResult
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'completed', completed_at = NOW(), last_error = '',
			severity = $2, analysis = $3, follow_up = $4, triage_result = $5::jsonb
		WHERE id = $1 AND status = 'running'`, table),
		id, result.Severity, result.Analysis, result.FollowUp, triage)
	if err != nil {
		return fmt.Errorf("failed to complete %s job %d: %w", queue, id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, queue, id)
	}
	return nil
}

// MarkJobRecoverable records a failed attempt and returns the job to the
// pending pool for another lease. Jobs out of attempts must go through
// MarkJobFailed instead.
func (s *PostgresStore) MarkJobRecoverable(ctx context.Context, queue types.Queue, id int64, lastError string) error {
	table, _, err := jobTable(queue)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', leased_at = NULL, started_at = NULL, last_error = $2
		WHERE id = $1 AND status = 'running' AND attempts < max_attempts`, table),
		id, lastError)
	if err != nil {
		return fmt.Errorf("failed to requeue %s job %d: %w", queue, id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, queue, id)
	}
	return nil
}

// MarkJobFailed finalizes a job as failed.
func (s *PostgresStore) MarkJobFailed(ctx context.Context, queue types.Queue, id int64, lastError string) error {
	table, _, err := jobTable(queue)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed', completed_at = NOW(), last_error = $2
		WHERE id = $1 AND status IN ('pending', 'queued', 'running')`, table),
		id, lastError)
	if err != nil {
		return fmt.Errorf("failed to fail %s job %d: %w", queue, id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, queue, id)
	}
	return nil
}

// CancelJob fails a job that has not started running yet.
func (s *PostgresStore) CancelJob(ctx context.Context, queue types.Queue, id int64) error {
	return s.transition(ctx, queue, id, `
		UPDATE %s
		SET status = 'failed', completed_at = NOW(), last_error = 'cancelled by operator'
		WHERE id = $1 AND status IN ('pending', 'queued', 'on_hold')`)
}

// RetryJob returns a failed job to pending with a fresh attempt budget.
func (s *PostgresStore) RetryJob(ctx context.Context, queue types.Queue, id int64) error {
	return s.transition(ctx, queue, id, `
		UPDATE %s
		SET status = 'pending', attempts = 0, leased_at = NULL, started_at = NULL,
			completed_at = NULL, last_error = ''
		WHERE id = $1 AND status = 'failed'`)
}

// PauseJobs moves all pending jobs in a queue to on_hold.
func (s *PostgresStore) PauseJobs(ctx context.Context, queue types.Queue) (int, error) {
	return s.bulkTransition(ctx, queue, `
		UPDATE %s SET status = 'on_hold' WHERE status = 'pending'`)
}

// ResumeJobs releases all on_hold jobs back to pending.
func (s *PostgresStore) ResumeJobs(ctx context.Context, queue types.Queue) (int, error) {
	return s.bulkTransition(ctx, queue, `
		UPDATE %s SET status = 'pending' WHERE status = 'on_hold'`)
}

// ResetStuckJobs fails jobs wedged in running or queued longer than minAge
// with the canonical reset error, making them eligible for operator retry.
// Covers crashed workers that never reported back.
func (s *PostgresStore) ResetStuckJobs(ctx context.Context, queue types.Queue, minAge time.Duration) (int, error) {
	table, _, err := jobTable(queue)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-minAge)
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed', completed_at = NOW(), last_error = $2
		WHERE (status = 'running' AND started_at < $1)
			OR (status = 'queued' AND leased_at < $1)`, table),
		cutoff, types.StuckResetError)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck %s jobs: %w", queue, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) transition(ctx context.Context, queue types.Queue, id int64, queryTmpl string) error {
	table, _, err := jobTable(queue)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(queryTmpl, table), id)
	if err != nil {
		return fmt.Errorf("failed to transition %s job %d: %w", queue, id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, queue, id)
	}
	return nil
}

func (s *PostgresStore) bulkTransition(ctx context.Context, queue types.Queue, queryTmpl string) (int, error) {
	table, _, err := jobTable(queue)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(queryTmpl, table))
	if err != nil {
		return 0, fmt.Errorf("failed to bulk-transition %s jobs: %w", queue, err)
	}
	return int(tag.RowsAffected()), nil
}

// transitionConflict distinguishes a missing job from one in the wrong state.
func (s *PostgresStore) transitionConflict(ctx context.Context, queue types.Queue, id int64) error {
	job, err := s.GetJob(ctx, queue, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s job %d is %s: %w", queue, id, job.Status, storage.ErrInvalidTransition)
}

func scanJob(row rowScanner, queue types.Queue) (*types.Job, error) {
	var j types.Job
	var triage *string
	err := row.Scan(&j.TargetID, &j.ID, &j.Status, &j.Priority, &j.Attempts,
		&j.MaxAttempts, &j.CreatedAt, &j.LeasedAt, &j.StartedAt, &j.CompletedAt,
		&j.LastError, &j.Severity, &j.Analysis, &j.FollowUp, &triage)
	if err != nil {
		return nil, err
	}
	j.Queue = queue
	if triage != nil {
		j.TriageResult = *triage
	}
	return &j, nil
}
