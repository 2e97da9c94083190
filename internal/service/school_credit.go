package service

import (
	"context"

	"canteen-settlement/internal/models"
	"canteen-settlement/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SchoolCredit tracks what each school owes the platform. The balance has
// no floor.
type SchoolCredit struct {
	credits SchoolCreditStore
	audit   AuditLog
	logger  *zap.Logger
}

// NewSchoolCredit creates a new school credit account service
func NewSchoolCredit(credits SchoolCreditStore, audit AuditLog) *SchoolCredit {
	return &SchoolCredit{
		credits: credits,
		audit:   audit,
		logger:  util.GetLogger(),
	}
}

// Debit charges amount to the school
func (sc *SchoolCredit) Debit(ctx context.Context, schoolID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	ctx, span := util.StartSpan(ctx, "SchoolCredit.Debit")
	defer span.End()

	if amount.IsNegative() {
		return decimal.Zero, models.ErrInvalidAmount
	}

	credit, err := sc.credits.AdjustCredit(ctx, schoolID, amount.Neg())
	if err != nil {
		return decimal.Zero, models.WrapStorage("debit school credit", err)
	}
	return credit, nil
}

// Credit returns amount to the school
func (sc *SchoolCredit) Credit(ctx context.Context, schoolID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	ctx, span := util.StartSpan(ctx, "SchoolCredit.Credit")
	defer span.End()

	if amount.IsNegative() {
		return decimal.Zero, models.ErrInvalidAmount
	}

	credit, err := sc.credits.AdjustCredit(ctx, schoolID, amount)
	if err != nil {
		return decimal.Zero, models.WrapStorage("credit school credit", err)
	}
	return credit, nil
}

// TopUp is the manual admin adjustment. The amount is signed: a negative
// amount records a correction against the school. Unlike sale commission it
// is written to the admin audit log.
func (sc *SchoolCredit) TopUp(ctx context.Context, schoolID int64, amount decimal.Decimal, note, actor string) (*models.AdminCreditLog, decimal.Decimal, error) {
	ctx, span := util.StartSpan(ctx, "SchoolCredit.TopUp")
	defer span.End()

	if amount.IsZero() {
		return nil, decimal.Zero, models.ErrInvalidAmount
	}

	credit, err := sc.credits.AdjustCredit(ctx, schoolID, amount)
	if err != nil {
		return nil, decimal.Zero, models.WrapStorage("top up school credit", err)
	}

	entry := &models.AdminCreditLog{
		SchoolID: schoolID,
		Amount:   amount,
		Note:     note,
		Actor:    actor,
	}
	if err := sc.audit.AppendAdminCreditLog(ctx, entry); err != nil {
		sc.logger.Error("Credit applied but audit entry not written",
			zap.Int64("school_id", schoolID),
			zap.String("amount", amount.String()),
			zap.String("actor", actor),
			zap.Error(err))
		return nil, credit, models.WrapStorage("append admin credit log", err)
	}

	sc.logger.Info("School credit adjusted",
		zap.Int64("school_id", schoolID),
		zap.String("amount", amount.String()),
		zap.String("actor", actor),
		zap.String("system_credit", credit.String()))
	return entry, credit, nil
}
