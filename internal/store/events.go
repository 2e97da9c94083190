package store

import (
	"context"
	"fmt"

	"canteen-settlement/internal/models"
)

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// RecordCommissionShortfall stores a shortfall and marks its event processed
// in one transaction. It reports false when the event was already handled.
func (s *Store) RecordCommissionShortfall(ctx context.Context, shortfall *models.CommissionShortfall, eventType string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		shortfall.EventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO commission_shortfalls (event_id, transaction_id, school_id, amount, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		shortfall.EventID, shortfall.TransactionID, shortfall.SchoolID, shortfall.Amount, shortfall.Reason,
	).Scan(&shortfall.ID, &shortfall.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert shortfall: %w", err)
	}

	return true, tx.Commit()
}
