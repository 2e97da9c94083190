package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"canteen-settlement/internal/models"

	"github.com/shopspring/decimal"
)

// accountTable maps a variant onto its table. Only fixed names are returned,
// so the result is safe to splice into SQL.
func accountTable(kind models.AccountKind) (string, error) {
	switch kind {
	case models.AccountKindStudent:
		return "students", nil
	case models.AccountKindStaff:
		return "staff", nil
	default:
		return "", fmt.Errorf("unknown account kind %q", kind)
	}
}

func accountQuery(kind models.AccountKind, where string) string {
	table, _ := accountTable(kind)
	return fmt.Sprintf(`SELECT '%s' AS kind, id, school_id, card_token, name, balance, credit_limit, created_at, updated_at
		FROM %s WHERE %s`, kind, table, where)
}

// FindByCard resolves a card token within a school, students first, then
// staff. The first match wins.
func (s *Store) FindByCard(ctx context.Context, token string, schoolID int64) (*models.Account, error) {
	for _, kind := range []models.AccountKind{models.AccountKindStudent, models.AccountKindStaff} {
		var acct models.Account
		err := s.db.GetContext(ctx, &acct, accountQuery(kind, "card_token = $1 AND school_id = $2"), token, schoolID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &acct, nil
	}
	return nil, models.ErrAccountNotFound
}

// GetAccount retrieves an account by reference
func (s *Store) GetAccount(ctx context.Context, ref models.AccountRef) (*models.Account, error) {
	if _, err := accountTable(ref.Kind); err != nil {
		return nil, err
	}
	var acct models.Account
	err := s.db.GetContext(ctx, &acct, accountQuery(ref.Kind, "id = $1"), ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// AdjustBalance adds delta to the balance in a single conditional UPDATE.
// With creditLimitCheck the row only changes if the new balance stays at or
// above -credit_limit, so concurrent debits can never both pass against the
// same stale balance.
func (s *Store) AdjustBalance(ctx context.Context, ref models.AccountRef, delta decimal.Decimal, creditLimitCheck bool) (decimal.Decimal, error) {
	table, err := accountTable(ref.Kind)
	if err != nil {
		return decimal.Zero, err
	}

	query := fmt.Sprintf(
		"UPDATE %s SET balance = balance + $1, updated_at = NOW() WHERE id = $2 RETURNING balance", table)
	if creditLimitCheck {
		query = fmt.Sprintf(
			"UPDATE %s SET balance = balance + $1, updated_at = NOW() WHERE id = $2 AND balance + $1 >= -credit_limit RETURNING balance", table)
	}

	var balance decimal.Decimal
	err = s.db.GetContext(ctx, &balance, query, delta, ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		acct, getErr := s.GetAccount(ctx, ref)
		if getErr != nil {
			return decimal.Zero, getErr
		}
		return decimal.Zero, &models.InsufficientFundsError{
			Balance:     acct.Balance,
			CreditLimit: acct.CreditLimit,
			Attempted:   delta.Neg(),
		}
	}
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// DeleteAccount removes an account unless it carries a negative balance.
func (s *Store) DeleteAccount(ctx context.Context, ref models.AccountRef) error {
	table, err := accountTable(ref.Kind)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND balance >= 0", table), ref.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetAccount(ctx, ref); err != nil {
		return err
	}
	return models.ErrOutstandingDebt
}
