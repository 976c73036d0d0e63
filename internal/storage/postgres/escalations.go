package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stratasec/aegis/internal/storage"
	"github.com/stratasec/aegis/internal/types"
)

const escalationColumns = `id, title, message, detail_payload::text, severity,
	source_type, source_event_id, source_group_id, created_at,
	completed_notification, notification_at, notification_external_id, notification_error,
	completed_ticket, ticket_at, ticket_external_id, ticket_error,
	completed_blocklist, blocklist_at, blocklist_external_id, blocklist_error`

// sinkColumn validates the sink name against the column prefixes. SQL built
// from it never interpolates caller input directly.
func sinkColumn(sink types.Sink) (string, error) {
	switch sink {
	case types.SinkNotification:
		return "notification", nil
	case types.SinkTicket:
		return "ticket", nil
	case types.SinkBlocklist:
		return "blocklist", nil
	default:
		return "", fmt.Errorf("unknown sink: %s", sink)
	}
}

// CreateEscalation inserts an escalation with all sinks incomplete.
func (s *PostgresStore) CreateEscalation(ctx context.Context, esc *types.Escalation) error {
	if esc.Title == "" {
		return fmt.Errorf("escalation requires a title")
	}
	if !esc.SourceType.IsValid() {
		return fmt.Errorf("invalid source type: %s", esc.SourceType)
	}
	payload := esc.DetailPayload
	if payload == "" {
		payload = "{}"
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO escalations (title, message, detail_payload, severity,
			source_type, source_event_id, source_group_id)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
		RETURNING id, created_at`,
		esc.Title, esc.Message, payload, esc.Severity, esc.SourceType,
		esc.SourceEventID, esc.SourceGroupID,
	).Scan(&esc.ID, &esc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create escalation: %w", err)
	}
	return nil
}

// GetEscalation retrieves an escalation by ID.
func (s *PostgresStore) GetEscalation(ctx context.Context, id int64) (*types.Escalation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE id = $1`, id)
	esc, err := scanEscalation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("escalation %d: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get escalation %d: %w", id, err)
	}
	return esc, nil
}

// ListEscalations lists escalations, newest first.
func (s *PostgresStore) ListEscalations(ctx context.Context, filter types.EscalationFilter) ([]*types.Escalation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + escalationColumns + ` FROM escalations`
	if filter.Sink != nil {
		col, err := sinkColumn(*filter.Sink)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(` WHERE NOT completed_%s`, col)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()
	return scanEscalations(rows)
}

// ListPendingEscalations returns escalations with the named sink incomplete,
// oldest first so backlog drains in order.
func (s *PostgresStore) ListPendingEscalations(ctx context.Context, sink types.Sink, limit int) ([]*types.Escalation, error) {
	col, err := sinkColumn(sink)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	// The blocklist sink only ever acts on threshold-severity escalations, so
	// lower ones are not listed for it at all.
	severityFilter := ""
	if sink == types.SinkBlocklist {
		severityFilter = fmt.Sprintf(" AND severity >= %d", types.EscalationSeverityThreshold)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT `+escalationColumns+`
		FROM escalations
		WHERE NOT completed_%s`+severityFilter+`
		ORDER BY created_at ASC
		LIMIT $1`, col), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending %s escalations: %w", sink, err)
	}
	defer rows.Close()
	return scanEscalations(rows)
}

// MarkSinkSuccess records a successful delivery for one sink. Other sinks
// are untouched.
func (s *PostgresStore) MarkSinkSuccess(ctx context.Context, id int64, sink types.Sink, externalID string) error {
	col, err := sinkColumn(sink)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE escalations
		SET completed_%[1]s = TRUE, %[1]s_at = NOW(),
			%[1]s_external_id = $2, %[1]s_error = ''
		WHERE id = $1`, col), id, externalID)
	if err != nil {
		return fmt.Errorf("failed to mark %s success for escalation %d: %w", sink, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escalation %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// MarkSinkFailed records a delivery failure. The sink stays incomplete so
// the next processor pass retries it.
func (s *PostgresStore) MarkSinkFailed(ctx context.Context, id int64, sink types.Sink, sinkErr string) error {
	col, err := sinkColumn(sink)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE escalations SET %s_error = $2 WHERE id = $1`, col), id, sinkErr)
	if err != nil {
		return fmt.Errorf("failed to mark %s failure for escalation %d: %w", sink, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escalation %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// RetrySink reopens a completed sink so the processor delivers it again.
func (s *PostgresStore) RetrySink(ctx context.Context, id int64, sink types.Sink) error {
	col, err := sinkColumn(sink)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE escalations
		SET completed_%[1]s = FALSE, %[1]s_at = NULL,
			%[1]s_external_id = '', %[1]s_error = ''
		WHERE id = $1`, col), id)
	if err != nil {
		return fmt.Errorf("failed to retry %s for escalation %d: %w", sink, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escalation %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// CompleteSink marks a sink done without delivery, for findings handled out
// of band.
func (s *PostgresStore) CompleteSink(ctx context.Context, id int64, sink types.Sink, externalID string) error {
	return s.MarkSinkSuccess(ctx, id, sink, externalID)
}

func scanEscalation(row rowScanner) (*types.Escalation, error) {
	var e types.Escalation
	err := row.Scan(&e.ID, &e.Title, &e.Message, &e.DetailPayload, &e.Severity,
		&e.SourceType, &e.SourceEventID, &e.SourceGroupID, &e.CreatedAt,
		&e.Notification.Completed, &e.Notification.SuccessAt,
		&e.Notification.ExternalID, &e.Notification.LastError,
		&e.Ticket.Completed, &e.Ticket.SuccessAt,
		&e.Ticket.ExternalID, &e.Ticket.LastError,
		&e.Blocklist.Completed, &e.Blocklist.SuccessAt,
		&e.Blocklist.ExternalID, &e.Blocklist.LastError)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEscalations(rows pgx.Rows) ([]*types.Escalation, error) {
	var out []*types.Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		out = append(out, esc)
	}
	return out, rows.Err()
}
