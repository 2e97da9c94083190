package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"canteen-settlement/internal/models"
	"canteen-settlement/internal/util"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const transactionColumns = `id, kind, status, amount, account_kind, account_id, school_id, canteen_id,
	items, commission_charged, balance_after, reversal_of, idempotency_key, intent_id, created_at`

func insertTransaction(ctx context.Context, tx *sqlx.Tx, t *models.Transaction) error {
	if t.Status == "" {
		t.Status = models.TransactionStatusCompleted
	}
	query := `
		INSERT INTO transactions (kind, status, amount, account_kind, account_id, school_id, canteen_id,
			items, commission_charged, balance_after, reversal_of, idempotency_key, intent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at`

	return tx.QueryRowxContext(ctx, query,
		t.Kind, t.Status, t.Amount, t.AccountKind, t.AccountID, t.SchoolID, t.CanteenID,
		t.Items, t.CommissionCharged, t.BalanceAfter, t.ReversalOf, t.IdempotencyKey, t.IntentID,
	).Scan(&t.ID, &t.CreatedAt)
}

// confirmIntent closes the intent behind a settlement inside its recording
// transaction. An intent the sweeper already orphaned keeps that status so
// the operator flag survives; the late confirmation is logged instead.
func confirmIntent(ctx context.Context, tx *sqlx.Tx, intentID string, transactionID int64) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE settlement_intents SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		models.IntentStatusConfirmed, intentID, models.IntentStatusPending)
	if err != nil {
		return fmt.Errorf("failed to confirm intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		util.GetLogger().Warn("Settlement recorded after its intent left pending",
			zap.String("intent_id", intentID),
			zap.Int64("transaction_id", transactionID))
	}
	return nil
}

// Append records a settled transaction. When the record carries an intent
// id, the intent is confirmed in the same database transaction.
func (s *Store) Append(ctx context.Context, t *models.Transaction) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTransaction(ctx, tx, t); err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	if t.IntentID != nil {
		if err := confirmIntent(ctx, tx, *t.IntentID, t.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get retrieves a transaction by ID
func (s *Store) Get(ctx context.Context, id int64) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.GetContext(ctx, &t, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByIdempotencyKey retrieves the transaction recorded under key, or
// (nil, nil) if there is none.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.GetContext(ctx, &t, "SELECT "+transactionColumns+" FROM transactions WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByAccount retrieves an account's transactions, newest first
func (s *Store) ListByAccount(ctx context.Context, ref models.AccountRef, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.SelectContext(ctx, &txs,
		"SELECT "+transactionColumns+` FROM transactions
		WHERE account_kind = $1 AND account_id = $2 ORDER BY created_at DESC, id DESC LIMIT $3`,
		ref.Kind, ref.ID, limit)
	return txs, err
}

// BeginReversal claims a completed purchase for refund by moving it to
// reversing. A second claim fails with models.ErrNotRefundable.
func (s *Store) BeginReversal(ctx context.Context, id int64) error {
	return s.setPurchaseStatus(ctx, id, models.TransactionStatusCompleted, models.TransactionStatusReversing)
}

// CancelReversal releases a claim taken by BeginReversal before any money
// moved.
func (s *Store) CancelReversal(ctx context.Context, id int64) error {
	return s.setPurchaseStatus(ctx, id, models.TransactionStatusReversing, models.TransactionStatusCompleted)
}

func (s *Store) setPurchaseStatus(ctx context.Context, id int64, from, to string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET status = $1 WHERE id = $2 AND status = $3 AND kind = $4",
		to, id, from, models.TransactionKindPurchase)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotRefundable
	}
	return nil
}

// Reverse marks a completed or reversing purchase as reversed and appends
// its reversal record atomically, confirming the reversal's intent. Both
// rows are kept.
func (s *Store) Reverse(ctx context.Context, originalID int64, reversal *models.Transaction) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE transactions SET status = $1 WHERE id = $2 AND status IN ($3, $4) AND kind = $5",
		models.TransactionStatusReversed, originalID,
		models.TransactionStatusCompleted, models.TransactionStatusReversing, models.TransactionKindPurchase)
	if err != nil {
		return fmt.Errorf("failed to mark transaction reversed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotRefundable
	}

	reversal.ReversalOf = &originalID
	if err := insertTransaction(ctx, tx, reversal); err != nil {
		return fmt.Errorf("failed to insert reversal: %w", err)
	}

	if reversal.IntentID != nil {
		if err := confirmIntent(ctx, tx, *reversal.IntentID, reversal.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}
