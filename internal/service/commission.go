package service

import (
	"context"
	"errors"
	"sort"

	"canteen-settlement/internal/models"
	"canteen-settlement/internal/util"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// commissionScale is the number of decimal places commission is kept to,
// matching the NUMERIC(20,4) money columns.
const commissionScale = 4

var hundred = decimal.NewFromInt(100)

// ResolveCommission maps a sale amount onto the tiered schedule. Active rules
// are tried by priority descending, then min price ascending; the first tier
// containing amount (both bounds inclusive) supplies its flat fee. With no
// match the fee is amount × ratePercent / 100.
func ResolveCommission(amount decimal.Decimal, rules []models.CommissionRule, ratePercent decimal.Decimal) decimal.Decimal {
	for _, rule := range orderRules(rules) {
		if rule.Matches(amount) {
			return rule.CommissionAmount
		}
	}
	return amount.Mul(ratePercent).Div(hundred).Round(commissionScale)
}

// orderRules returns the active rules in evaluation order without touching
// the caller's slice.
func orderRules(rules []models.CommissionRule) []models.CommissionRule {
	active := lo.Filter(rules, func(r models.CommissionRule, _ int) bool { return r.IsActive })
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].MinPrice.LessThan(active[j].MinPrice)
	})
	return active
}

// CommissionResolver resolves commission against the live rule set. Rules and
// the fallback rate are read on every call.
type CommissionResolver struct {
	rules       RuleStore
	defaultRate decimal.Decimal
	logger      *zap.Logger
}

// NewCommissionResolver creates a resolver. defaultRate is the percentage
// used when the platform setting is absent.
func NewCommissionResolver(rules RuleStore, defaultRate decimal.Decimal) *CommissionResolver {
	return &CommissionResolver{
		rules:       rules,
		defaultRate: defaultRate,
		logger:      util.GetLogger(),
	}
}

// Resolve returns the commission owed on a sale of amount
func (cr *CommissionResolver) Resolve(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	ctx, span := util.StartSpan(ctx, "CommissionResolver.Resolve")
	defer span.End()

	rules, err := cr.rules.ListActiveCommissionRules(ctx)
	if err != nil {
		return decimal.Zero, models.WrapStorage("list commission rules", err)
	}

	rate, err := cr.rules.GetGlobalCommissionRatePercent(ctx)
	if errors.Is(err, models.ErrSettingNotFound) {
		rate = cr.defaultRate
	} else if err != nil {
		return decimal.Zero, models.WrapStorage("read commission rate", err)
	}

	return ResolveCommission(amount, rules, rate), nil
}
