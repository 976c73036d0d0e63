package postgres

import (
	"context"
	"fmt"

	"github.com/stratasec/aegis/internal/types"
)

// AppendTimeline appends one audit entry to an event's timeline.
func (s *PostgresStore) AppendTimeline(ctx context.Context, entry *types.TimelineEntry) error {
	if !entry.ActorKind.IsValid() {
		return fmt.Errorf("invalid actor kind: %s", entry.ActorKind)
	}
	metadata := entry.Metadata
	if metadata == "" {
		metadata = "{}"
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO timeline (event_id, type, actor_kind, actor, title, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		RETURNING id, created_at`,
		entry.EventID, entry.Type, entry.ActorKind, entry.Actor,
		entry.Title, entry.Description, metadata,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append timeline entry for event %d: %w", entry.EventID, err)
	}
	return nil
}

// BulkAppendTimeline appends the same entry to many events in one statement.
func (s *PostgresStore) BulkAppendTimeline(ctx context.Context, eventIDs []int64, entry types.TimelineEntry) error {
	if len(eventIDs) == 0 {
		return nil
	}
	if !entry.ActorKind.IsValid() {
		return fmt.Errorf("invalid actor kind: %s", entry.ActorKind)
	}
	metadata := entry.Metadata
	if metadata == "" {
		metadata = "{}"
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO timeline (event_id, type, actor_kind, actor, title, description, metadata)
		SELECT id, $2, $3, $4, $5, $6, $7::jsonb FROM events WHERE id = ANY($1)`,
		eventIDs, entry.Type, entry.ActorKind, entry.Actor,
		entry.Title, entry.Description, metadata)
	if err != nil {
		return fmt.Errorf("failed to bulk-append timeline entries: %w", err)
	}
	return nil
}

// GetTimeline returns an event's timeline, newest first.
func (s *PostgresStore) GetTimeline(ctx context.Context, eventID int64, limit int) ([]*types.TimelineEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, type, actor_kind, actor, title, description,
			metadata::text, created_at
		FROM timeline
		WHERE event_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline for event %d: %w", eventID, err)
	}
	defer rows.Close()

	var out []*types.TimelineEntry
	for rows.Next() {
		var e types.TimelineEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.Type, &e.ActorKind, &e.Actor,
			&e.Title, &e.Description, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeline entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
