package service

import (
	"context"
	"time"

	"canteen-settlement/internal/models"

	"github.com/shopspring/decimal"
)

// Collaborator contracts consumed by the settlement engine. The Postgres
// store implements all of them; tests use in-memory fakes.

// CatalogStore reads products and moves stock.
type CatalogStore interface {
	// GetProduct returns (nil, nil) when the product does not exist in the school.
	GetProduct(ctx context.Context, id, schoolID int64) (*models.Product, error)
	// AdjustStock applies delta atomically and returns the new quantity.
	AdjustStock(ctx context.Context, id int64, delta int) (int, error)
}

// AccountStore owns wallet rows.
type AccountStore interface {
	FindByCard(ctx context.Context, token string, schoolID int64) (*models.Account, error)
	GetAccount(ctx context.Context, ref models.AccountRef) (*models.Account, error)
	// AdjustBalance must be a single atomic conditional update. With
	// creditLimitCheck it fails with *models.InsufficientFundsError instead
	// of letting the balance drop below -credit_limit.
	AdjustBalance(ctx context.Context, ref models.AccountRef, delta decimal.Decimal, creditLimitCheck bool) (decimal.Decimal, error)
	DeleteAccount(ctx context.Context, ref models.AccountRef) error
}

// SchoolCreditStore holds the platform's balance with each school.
type SchoolCreditStore interface {
	AdjustCredit(ctx context.Context, schoolID int64, delta decimal.Decimal) (decimal.Decimal, error)
}

// RuleStore serves the commission schedule.
type RuleStore interface {
	ListActiveCommissionRules(ctx context.Context) ([]models.CommissionRule, error)
	// GetGlobalCommissionRatePercent returns models.ErrSettingNotFound when unset.
	GetGlobalCommissionRatePercent(ctx context.Context) (decimal.Decimal, error)
}

// TransactionStore persists settlement records.
type TransactionStore interface {
	Append(ctx context.Context, t *models.Transaction) error
	Get(ctx context.Context, id int64) (*models.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	// BeginReversal moves a completed purchase to reversing; CancelReversal
	// moves it back. Both fail with models.ErrNotRefundable otherwise.
	BeginReversal(ctx context.Context, id int64) error
	CancelReversal(ctx context.Context, id int64) error
	// Reverse marks the purchase reversed and appends reversal, atomically,
	// confirming reversal.IntentID when set. It fails with
	// models.ErrNotRefundable if the purchase is neither completed nor
	// reversing.
	Reverse(ctx context.Context, originalID int64, reversal *models.Transaction) error
}

// AuditLog records manual school credit adjustments.
type AuditLog interface {
	AppendAdminCreditLog(ctx context.Context, entry *models.AdminCreditLog) error
}

// IntentStore keeps write-ahead settlement intents.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent *models.SettlementIntent) error
	AbortIntent(ctx context.Context, id, reason string) error
	ListStaleIntents(ctx context.Context, cutoff time.Time, limit int) ([]models.SettlementIntent, error)
	MarkIntentOrphaned(ctx context.Context, id, reason string) (bool, error)
}

// SettingsStore updates platform-wide settings.
type SettingsStore interface {
	SetGlobalCommissionRatePercent(ctx context.Context, rate decimal.Decimal) error
}

// StatementStore serves read-only views for operators.
type StatementStore interface {
	GetSchoolCredit(ctx context.Context, schoolID int64) (*models.SchoolCreditAccount, error)
	ListAdminCreditLogs(ctx context.Context, schoolID int64) ([]models.AdminCreditLog, error)
	ListByAccount(ctx context.Context, ref models.AccountRef, limit int) ([]models.Transaction, error)
}

// ShortfallStore records commissions that could not be collected.
type ShortfallStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordCommissionShortfall(ctx context.Context, shortfall *models.CommissionShortfall, eventType string) (bool, error)
}

// EventPublisher emits settlement events. Publishing is best effort.
type EventPublisher interface {
	PublishSaleSettled(ctx context.Context, event *models.SaleSettledEvent) error
	PublishSaleRefunded(ctx context.Context, event *models.SaleRefundedEvent) error
	PublishDepositRecorded(ctx context.Context, event *models.DepositRecordedEvent) error
	PublishCommissionShortfall(ctx context.Context, event *models.CommissionShortfallEvent) error
}

// Locker grants short exclusive leases. Obtain fails fast with
// models.ErrLockNotObtained when the key is held.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
