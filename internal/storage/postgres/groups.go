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

const groupColumns = `id, source_ip, time_bucket, country, member_count,
	severity, analysis_text, recommended_actions, attack_type, status,
	raw_prompt, raw_response,
	COALESCE(first_event_at, created_at), COALESCE(last_event_at, created_at),
	created_at, updated_at`

// FindOrCreateGroup inserts a group for a (source_ip, time_bucket) key,
// returning the existing row when another grouper run got there first. The
// bool reports whether a new group was created.
func (s *PostgresStore) FindOrCreateGroup(ctx context.Context, group *types.Group) (*types.Group, bool, error) {
	if group.SourceIP == "" || group.TimeBucket == "" {
		return nil, false, fmt.Errorf("group requires source_ip and time_bucket")
	}
	status := group.Status
	if status == "" {
		status = types.GroupOpen
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO groups (source_ip, time_bucket, country, status, first_event_at, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+groupColumns,
		group.SourceIP, group.TimeBucket, group.Country, status,
		nullableTime(group.FirstEventAt), nullableTime(group.LastEventAt))
	created, err := scanGroup(row)
	if err == nil {
		return created, true, nil
	}
	if !isUniqueViolation(err, "") {
		return nil, false, fmt.Errorf("failed to create group: %w", err)
	}

	existing, err := s.getGroupByKey(ctx, group.SourceIP, group.TimeBucket)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetGroup retrieves a group by ID.
func (s *PostgresStore) GetGroup(ctx context.Context, id int64) (*types.Group, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM groups WHERE id = $1`, id)
	group, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("group %d: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get group %d: %w", id, err)
	}
	return group, nil
}

func (s *PostgresStore) getGroupByKey(ctx context.Context, sourceIP, bucket string) (*types.Group, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM groups WHERE source_ip = $1 AND time_bucket = $2`,
		sourceIP, bucket)
	group, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("group %s/%s: %w", sourceIP, bucket, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get group %s/%s: %w", sourceIP, bucket, err)
	}
	return group, nil
}

// ApplyGroupVerdict writes an analysis verdict onto the group and propagates
// it to every member event, plus a timeline entry per member, all in one
// transaction. A partial write is never visible.
func (s *PostgresStore) ApplyGroupVerdict(ctx context.Context, groupID int64, verdict types.Verdict, raw storage.RawExchange, analyzedBy string) error {
	status := types.StatusForSeverity(verdict.Severity)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE groups
		SET severity = $2, analysis_text = $3, recommended_actions = $4,
			attack_type = $5, status = 'completed',
			raw_prompt = $6, raw_response = $7, updated_at = NOW()
		WHERE id = $1`,
		groupID, verdict.Severity, verdict.Analysis, verdict.RecommendedActions,
		verdict.AttackType, raw.Prompt, raw.Response)
	if err != nil {
		return fmt.Errorf("failed to update group %d verdict: %w", groupID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("group %d: %w", groupID, storage.ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE events
		SET severity = $2, analysis_text = $3, follow_up_text = $4,
			status = $5, processed = TRUE, analyzed_at = NOW(), analyzed_by = $6
		WHERE linked_group_id = $1`,
		groupID, verdict.Severity, verdict.Analysis, verdict.FollowUpOrActions(),
		status, analyzedBy); err != nil {
		return fmt.Errorf("failed to propagate verdict to group %d members: %w", groupID, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO timeline (event_id, type, actor_kind, actor, title, description)
		SELECT id, $2, 'system', $3, $4, $5
		FROM events WHERE linked_group_id = $1`,
		groupID, types.TimelineAIAnalysis, analyzedBy,
		fmt.Sprintf("Grouped analysis verdict (severity %d)", verdict.Severity),
		verdict.Analysis); err != nil {
		return fmt.Errorf("failed to append group %d timeline entries: %w", groupID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit group verdict: %w", err)
	}
	return nil
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanGroup(row rowScanner) (*types.Group, error) {
	var g types.Group
	err := row.Scan(&g.ID, &g.SourceIP, &g.TimeBucket, &g.Country, &g.MemberCount,
		&g.Severity, &g.AnalysisText, &g.RecommendedActions, &g.AttackType,
		&g.Status, &g.RawPrompt, &g.RawResponse,
		&g.FirstEventAt, &g.LastEventAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}
