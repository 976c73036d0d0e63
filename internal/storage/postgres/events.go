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

const eventColumns = `id, request_id, ts, source_ip, country, host, uri, method,
	rule_id, rule_name, action, user_agent, raw_payload::text, severity,
	analysis_text, follow_up_text, status, processed, analyzed_at, analyzed_by,
	linked_job_id, linked_group_id, created_at`

// CreateEvent inserts an event. Replays of the same request_id are absorbed
// by the unique constraint; the bool reports whether a new row was inserted.
func (s *PostgresStore) CreateEvent(ctx context.Context, event *types.Event) (bool, error) {
	if err := event.Validate(); err != nil {
		return false, fmt.Errorf("invalid event: %w", err)
	}
	status := event.Status
	if status == "" {
		status = types.EventOpen
	}
	payload := event.RawPayload
	if payload == "" {
		payload = "{}"
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO events (request_id, ts, source_ip, country, host, uri, method,
			rule_id, rule_name, action, user_agent, raw_payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13)
		RETURNING id, created_at`,
		event.RequestID, event.Timestamp, event.SourceIP, event.Country,
		event.Host, event.URI, event.Method, event.RuleID, event.RuleName,
		event.Action, event.UserAgent, payload, status,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return false, nil
		}
		return false, fmt.Errorf("failed to create event: %w", err)
	}
	event.Status = status
	return true, nil
}

// GetEvent retrieves an event by ID.
func (s *PostgresStore) GetEvent(ctx context.Context, id int64) (*types.Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("event %d: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get event %d: %w", id, err)
	}
	return event, nil
}

// GetEventsByGroup returns all member events of a group, oldest first.
func (s *PostgresStore) GetEventsByGroup(ctx context.Context, groupID int64) ([]*types.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE linked_group_id = $1
		ORDER BY ts ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query group %d events: %w", groupID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// UpdateEventVerdict writes an analysis verdict back onto the event and
// derives the event status from the severity.
func (s *PostgresStore) UpdateEventVerdict(ctx context.Context, eventID int64, verdict types.Verdict, analyzedBy string) error {
	status := types.StatusForSeverity(verdict.Severity)
	tag, err := s.pool.Exec(ctx, `
		UPDATE events
		SET severity = $2, analysis_text = $3, follow_up_text = $4,
			status = $5, processed = TRUE, analyzed_at = NOW(), analyzed_by = $6
		WHERE id = $1`,
		eventID, verdict.Severity, verdict.Analysis, verdict.FollowUpOrActions(),
		status, analyzedBy)
	if err != nil {
		return fmt.Errorf("failed to update event %d verdict: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %d: %w", eventID, storage.ErrNotFound)
	}
	return nil
}

// RecentlyAnalyzedEvents returns events analyzed since the given time,
// newest first. The campaign monitor feeds on this window.
func (s *PostgresStore) RecentlyAnalyzedEvents(ctx context.Context, since time.Time, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE analyzed_at IS NOT NULL AND analyzed_at >= $1
		ORDER BY analyzed_at DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyzed events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// UnlinkedBucketSnapshot aggregates open, ungrouped events into
// (source_ip, minute bucket) keys, oldest bucket first. Country is the most
// frequent value in the bucket; mode() breaks ties on the ordering, so the
// lexicographically smallest wins.
func (s *PostgresStore) UnlinkedBucketSnapshot(ctx context.Context) ([]types.BucketSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_ip,
			to_char(ts AT TIME ZONE 'UTC', 'YYYYMMDD-HH24MI') AS bucket,
			mode() WITHIN GROUP (ORDER BY country), COUNT(*), MIN(ts), MAX(ts)
		FROM events
		WHERE status = 'open' AND linked_group_id IS NULL
		GROUP BY source_ip, bucket
		ORDER BY bucket ASC, source_ip ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bucket snapshot: %w", err)
	}
	defer rows.Close()

	var out []types.BucketSummary
	for rows.Next() {
		var b types.BucketSummary
		if err := rows.Scan(&b.SourceIP, &b.TimeBucket, &b.Country, &b.Count, &b.MinTime, &b.MaxTime); err != nil {
			return nil, fmt.Errorf("failed to scan bucket summary: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UnlinkedEventsInBucket returns the open, ungrouped events for one
// (source_ip, bucket) key.
func (s *PostgresStore) UnlinkedEventsInBucket(ctx context.Context, sourceIP, bucket string) ([]*types.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE status = 'open' AND linked_group_id IS NULL
			AND source_ip = $1
			AND to_char(ts AT TIME ZONE 'UTC', 'YYYYMMDD-HH24MI') = $2
		ORDER BY ts ASC`, sourceIP, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to query bucket events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LinkEventsToGroup links events into a group and refreshes the group's
// member count and event-time range. Events already linked elsewhere are
// skipped, not re-linked; the return value counts newly linked events.
func (s *PostgresStore) LinkEventsToGroup(ctx context.Context, groupID int64, eventIDs []int64) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO group_event_links (group_id, event_id)
		SELECT $1, id FROM events WHERE id = ANY($2)
		ON CONFLICT (event_id) DO NOTHING`, groupID, eventIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to link events to group %d: %w", groupID, err)
	}
	linked := int(tag.RowsAffected())

	if _, err := tx.Exec(ctx, `
		UPDATE events SET linked_group_id = $1
		WHERE id IN (SELECT event_id FROM group_event_links WHERE group_id = $1)`,
		groupID); err != nil {
		return 0, fmt.Errorf("failed to stamp linked events: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE groups g
		SET member_count = m.cnt, first_event_at = m.min_ts, last_event_at = m.max_ts,
			updated_at = NOW()
		FROM (
			SELECT COUNT(*) AS cnt, MIN(e.ts) AS min_ts, MAX(e.ts) AS max_ts
			FROM events e WHERE e.linked_group_id = $1
		) m
		WHERE g.id = $1`, groupID); err != nil {
		return 0, fmt.Errorf("failed to refresh group %d counters: %w", groupID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit link transaction: %w", err)
	}
	return linked, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*types.Event, error) {
	var e types.Event
	err := row.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.SourceIP, &e.Country,
		&e.Host, &e.URI, &e.Method, &e.RuleID, &e.RuleName, &e.Action,
		&e.UserAgent, &e.RawPayload, &e.Severity, &e.AnalysisText,
		&e.FollowUpText, &e.Status, &e.Processed, &e.AnalyzedAt, &e.AnalyzedBy,
		&e.LinkedJobID, &e.LinkedGroupID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEvents(rows pgx.Rows) ([]*types.Event, error) {
	var out []*types.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}
