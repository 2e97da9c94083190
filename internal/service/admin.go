package service

import (
	"context"

	"canteen-settlement/internal/models"
	"canteen-settlement/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// SchoolCreditStatement is a school's credit balance with its manual
// adjustment trail
type SchoolCreditStatement struct {
	Account *models.SchoolCreditAccount `json:"account"`
	Log     []models.AdminCreditLog     `json:"log"`
}

// SchoolCreditStatement returns a school's credit position
func (s *SettlementService) SchoolCreditStatement(ctx context.Context, schoolID int64) (*SchoolCreditStatement, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.SchoolCreditStatement")
	defer span.End()

	account, err := s.statements.GetSchoolCredit(ctx, schoolID)
	if err != nil {
		return nil, models.WrapStorage("load school credit", err)
	}

	log, err := s.statements.ListAdminCreditLogs(ctx, schoolID)
	if err != nil {
		return nil, models.WrapStorage("list admin credit log", err)
	}

	return &SchoolCreditStatement{Account: account, Log: log}, nil
}

// AccountHistory returns a wallet's most recent transactions, newest first.
// A limit outside (0, 500] falls back to 50.
func (s *SettlementService) AccountHistory(ctx context.Context, ref models.AccountRef, limit int) ([]models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.AccountHistory")
	defer span.End()

	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	if _, err := s.ledger.Get(ctx, ref); err != nil {
		return nil, err
	}

	txns, err := s.statements.ListByAccount(ctx, ref, limit)
	if err != nil {
		return nil, models.WrapStorage("list account transactions", err)
	}
	return txns, nil
}

// SetCommissionRate changes the fallback commission percentage. It applies
// to the next sale that matches no tier.
func (s *SettlementService) SetCommissionRate(ctx context.Context, ratePercent decimal.Decimal, actor string) error {
	ctx, span := util.StartSpan(ctx, "SettlementService.SetCommissionRate")
	defer span.End()

	if ratePercent.IsNegative() {
		return models.ErrInvalidAmount
	}

	if err := s.settings.SetGlobalCommissionRatePercent(ctx, ratePercent); err != nil {
		return models.WrapStorage("set commission rate", err)
	}

	s.logger.Info("Commission rate changed",
		zap.String("rate_percent", ratePercent.String()),
		zap.String("actor", actor))
	return nil
}
