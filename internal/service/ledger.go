package service

import (
	"context"

	"canteen-settlement/internal/models"
	"canteen-settlement/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger moves money in and out of student and staff wallets
type Ledger struct {
	accounts AccountStore
	logger   *zap.Logger
}

// NewLedger creates a new account ledger
func NewLedger(accounts AccountStore) *Ledger {
	return &Ledger{
		accounts: accounts,
		logger:   util.GetLogger(),
	}
}

// Resolve finds the wallet behind a card within a school. Students are
// searched before staff.
func (l *Ledger) Resolve(ctx context.Context, cardToken string, schoolID int64) (*models.Account, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Resolve")
	defer span.End()

	account, err := l.accounts.FindByCard(ctx, cardToken, schoolID)
	if err != nil {
		return nil, models.WrapStorage("find account by card", err)
	}
	return account, nil
}

// Get loads a wallet by reference
func (l *Ledger) Get(ctx context.Context, ref models.AccountRef) (*models.Account, error) {
	account, err := l.accounts.GetAccount(ctx, ref)
	if err != nil {
		return nil, models.WrapStorage("load account", err)
	}
	return account, nil
}

// Debit takes amount from the account, refusing to push the balance below
// -credit_limit. Returns the new balance.
func (l *Ledger) Debit(ctx context.Context, ref models.AccountRef, amount decimal.Decimal) (decimal.Decimal, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Debit")
	defer span.End()

	if amount.IsNegative() {
		return decimal.Zero, models.ErrInvalidAmount
	}

	balance, err := l.accounts.AdjustBalance(ctx, ref, amount.Neg(), true)
	if err != nil {
		return decimal.Zero, models.WrapStorage("debit account", err)
	}

	l.logger.Debug("Account debited",
		zap.Stringer("account", ref),
		zap.String("amount", amount.String()),
		zap.String("balance", balance.String()))
	return balance, nil
}

// Credit adds amount to the account. Returns the new balance.
func (l *Ledger) Credit(ctx context.Context, ref models.AccountRef, amount decimal.Decimal) (decimal.Decimal, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Credit")
	defer span.End()

	if amount.IsNegative() {
		return decimal.Zero, models.ErrInvalidAmount
	}

	balance, err := l.accounts.AdjustBalance(ctx, ref, amount, false)
	if err != nil {
		return decimal.Zero, models.WrapStorage("credit account", err)
	}
	return balance, nil
}

// Delete removes the account unless it still owes money.
func (l *Ledger) Delete(ctx context.Context, ref models.AccountRef) error {
	ctx, span := util.StartSpan(ctx, "Ledger.Delete")
	defer span.End()

	account, err := l.Get(ctx, ref)
	if err != nil {
		return err
	}
	if account.Balance.IsNegative() {
		return models.ErrOutstandingDebt
	}

	// the store re-checks the balance in the delete statement itself
	if err := l.accounts.DeleteAccount(ctx, ref); err != nil {
		return models.WrapStorage("delete account", err)
	}

	l.logger.Info("Account deleted", zap.Stringer("account", ref))
	return nil
}
