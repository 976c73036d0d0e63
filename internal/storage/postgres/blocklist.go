package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stratasec/aegis/internal/storage"
	"github.com/stratasec/aegis/internal/types"
)

const blocklistColumns = `ip_address, reason, severity, source_escalation_id,
	source_event_id, created_at, last_seen_at, block_count, is_active, removed_at`

// UpsertBlocklist inserts a blocklist entry, or on a repeat block of the same
// address bumps last_seen_at and block_count and reactivates the row. The
// bool reports whether a new row was inserted.
func (s *PostgresStore) UpsertBlocklist(ctx context.Context, entry *types.BlocklistEntry) (bool, error) {
	if entry.IPAddress == "" {
		return false, fmt.Errorf("blocklist entry requires an ip_address")
	}

	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO blocklist (ip_address, reason, severity, source_escalation_id, source_event_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ip_address) DO UPDATE
		SET last_seen_at = NOW(),
			block_count = blocklist.block_count + 1,
			reason = EXCLUDED.reason,
			severity = GREATEST(blocklist.severity, EXCLUDED.severity),
			source_escalation_id = EXCLUDED.source_escalation_id,
			source_event_id = EXCLUDED.source_event_id,
			is_active = TRUE, removed_at = NULL
		RETURNING (xmax = 0), created_at, last_seen_at, block_count`,
		entry.IPAddress, entry.Reason, entry.Severity,
		entry.SourceEscalationID, entry.SourceEventID,
	).Scan(&inserted, &entry.CreatedAt, &entry.LastSeenAt, &entry.BlockCount)
	if err != nil {
		return false, fmt.Errorf("failed to upsert blocklist entry %s: %w", entry.IPAddress, err)
	}
	entry.IsActive = true
	entry.RemovedAt = nil
	return inserted, nil
}

// GetBlocklistEntry retrieves a blocklist entry by address.
func (s *PostgresStore) GetBlocklistEntry(ctx context.Context, ip string) (*types.BlocklistEntry, error) {
	var e types.BlocklistEntry
	err := s.pool.QueryRow(ctx,
		`SELECT `+blocklistColumns+` FROM blocklist WHERE ip_address = $1`, ip,
	).Scan(&e.IPAddress, &e.Reason, &e.Severity, &e.SourceEscalationID,
		&e.SourceEventID, &e.CreatedAt, &e.LastSeenAt, &e.BlockCount,
		&e.IsActive, &e.RemovedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("blocklist entry %s: %w", ip, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get blocklist entry %s: %w", ip, err)
	}
	return &e, nil
}

// DeactivateBlocklist marks an entry inactive. The row is kept so the block
// history survives removal.
func (s *PostgresStore) DeactivateBlocklist(ctx context.Context, ip string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE blocklist SET is_active = FALSE, removed_at = NOW()
		WHERE ip_address = $1 AND is_active`, ip)
	if err != nil {
		return fmt.Errorf("failed to deactivate blocklist entry %s: %w", ip, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("active blocklist entry %s: %w", ip, storage.ErrNotFound)
	}
	return nil
}
