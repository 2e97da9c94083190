package store

import (
	"context"
	"database/sql"
	"errors"

	"canteen-settlement/internal/models"

	"github.com/shopspring/decimal"
)

// AdjustCredit adds delta to a school's system credit, creating the account
// on first use. There is no floor.
func (s *Store) AdjustCredit(ctx context.Context, schoolID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	var credit decimal.Decimal
	err := s.db.GetContext(ctx, &credit, `
		INSERT INTO school_credit_accounts (school_id, system_credit)
		VALUES ($1, $2)
		ON CONFLICT (school_id) DO UPDATE
			SET system_credit = school_credit_accounts.system_credit + EXCLUDED.system_credit,
			    updated_at = NOW()
		RETURNING system_credit`,
		schoolID, delta)
	return credit, err
}

// GetSchoolCredit retrieves a school's credit account. Schools that were
// never charged read as zero.
func (s *Store) GetSchoolCredit(ctx context.Context, schoolID int64) (*models.SchoolCreditAccount, error) {
	var acct models.SchoolCreditAccount
	err := s.db.GetContext(ctx, &acct,
		"SELECT school_id, system_credit, updated_at FROM school_credit_accounts WHERE school_id = $1", schoolID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.SchoolCreditAccount{SchoolID: schoolID, SystemCredit: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// AppendAdminCreditLog appends an audit entry
func (s *Store) AppendAdminCreditLog(ctx context.Context, entry *models.AdminCreditLog) error {
	return s.db.GetContext(ctx, entry, `
		INSERT INTO admin_credit_logs (school_id, amount, note, actor)
		VALUES ($1, $2, $3, $4)
		RETURNING id, school_id, amount, note, actor, created_at`,
		entry.SchoolID, entry.Amount, entry.Note, entry.Actor)
}

// ListAdminCreditLogs returns a school's audit trail, newest first
func (s *Store) ListAdminCreditLogs(ctx context.Context, schoolID int64) ([]models.AdminCreditLog, error) {
	var logs []models.AdminCreditLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, school_id, amount, note, actor, created_at
		FROM admin_credit_logs WHERE school_id = $1 ORDER BY created_at DESC, id DESC`, schoolID)
	return logs, err
}
