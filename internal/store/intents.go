package store

import (
	"context"
	"time"

	"canteen-settlement/internal/models"
)

const intentColumns = `id, operation, account_kind, account_id, school_id, amount, status, reason, created_at, updated_at`

// CreateIntent writes a pending settlement intent
func (s *Store) CreateIntent(ctx context.Context, intent *models.SettlementIntent) error {
	if intent.Status == "" {
		intent.Status = models.IntentStatusPending
	}
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO settlement_intents (id, operation, account_kind, account_id, school_id, amount, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		intent.ID, intent.Operation, intent.AccountKind, intent.AccountID, intent.SchoolID,
		intent.Amount, intent.Status, intent.Reason,
	).Scan(&intent.CreatedAt, &intent.UpdatedAt)
}

// AbortIntent closes a pending intent whose settlement never touched a
// balance.
func (s *Store) AbortIntent(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE settlement_intents SET status = $1, reason = $2, updated_at = NOW() WHERE id = $3 AND status = $4",
		models.IntentStatusAborted, reason, id, models.IntentStatusPending)
	return err
}

// ListStaleIntents returns pending intents created before cutoff, oldest first
func (s *Store) ListStaleIntents(ctx context.Context, cutoff time.Time, limit int) ([]models.SettlementIntent, error) {
	var intents []models.SettlementIntent
	err := s.db.SelectContext(ctx, &intents,
		"SELECT "+intentColumns+` FROM settlement_intents
		WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3`,
		models.IntentStatusPending, cutoff, limit)
	return intents, err
}

// MarkIntentOrphaned flags a pending intent for manual reconciliation. It
// reports false if the intent was no longer pending.
func (s *Store) MarkIntentOrphaned(ctx context.Context, id, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE settlement_intents SET status = $1, reason = $2, updated_at = NOW() WHERE id = $3 AND status = $4",
		models.IntentStatusOrphaned, reason, id, models.IntentStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
