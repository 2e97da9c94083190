package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind tags which wallet table an account lives in.
type AccountKind string

const (
	AccountKindStudent AccountKind = "student"
	AccountKindStaff   AccountKind = "staff"
)

// Valid reports whether k names a known account variant.
func (k AccountKind) Valid() bool {
	return k == AccountKindStudent || k == AccountKindStaff
}

// AccountRef addresses a single wallet across both variants.
type AccountRef struct {
	Kind AccountKind `json:"kind"`
	ID   int64       `json:"id"`
}

func (r AccountRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Account is a student or staff wallet. Balance may go negative down to
// -CreditLimit.
type Account struct {
	Kind        AccountKind     `db:"kind" json:"kind"`
	ID          int64           `db:"id" json:"id"`
	SchoolID    int64           `db:"school_id" json:"school_id"`
	CardToken   string          `db:"card_token" json:"card_token"`
	Name        string          `db:"name" json:"name"`
	Balance     decimal.Decimal `db:"balance" json:"balance"`
	CreditLimit decimal.Decimal `db:"credit_limit" json:"credit_limit"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// Ref returns the account's address.
func (a *Account) Ref() AccountRef {
	return AccountRef{Kind: a.Kind, ID: a.ID}
}

// Product represents a product in a school's catalog
type Product struct {
	ID            int64           `db:"id" json:"id"`
	SchoolID      int64           `db:"school_id" json:"school_id"`
	Name          string          `db:"name" json:"name"`
	SellingPrice  decimal.Decimal `db:"selling_price" json:"selling_price"`
	StockQuantity int             `db:"stock_quantity" json:"stock_quantity"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// CommissionRule is one flat-fee tier of the global commission schedule.
// A nil MaxPrice means the tier is unbounded above.
type CommissionRule struct {
	ID               int64            `db:"id" json:"id"`
	MinPrice         decimal.Decimal  `db:"min_price" json:"min_price"`
	MaxPrice         *decimal.Decimal `db:"max_price" json:"max_price"`
	CommissionAmount decimal.Decimal  `db:"commission_amount" json:"commission_amount"`
	Priority         int              `db:"priority" json:"priority"`
	IsActive         bool             `db:"is_active" json:"is_active"`
}

// Matches reports whether amount falls inside the tier, bounds inclusive.
func (r CommissionRule) Matches(amount decimal.Decimal) bool {
	if amount.LessThan(r.MinPrice) {
		return false
	}
	return r.MaxPrice == nil || amount.LessThanOrEqual(*r.MaxPrice)
}

// SchoolCreditAccount is the platform's running balance with a school.
// Negative SystemCredit means the school owes the platform.
type SchoolCreditAccount struct {
	SchoolID     int64           `db:"school_id" json:"school_id"`
	SystemCredit decimal.Decimal `db:"system_credit" json:"system_credit"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Transaction kinds
const (
	TransactionKindPurchase = "purchase"
	TransactionKindDeposit  = "deposit"
	TransactionKindRefund   = "refund"
)

// Transaction statuses
const (
	TransactionStatusCompleted = "completed"
	TransactionStatusReversing = "reversing"
	TransactionStatusReversed  = "reversed"
)

// Transaction is the immutable record of a settled operation. Amount is
// signed from the account's perspective.
type Transaction struct {
	ID                int64            `db:"id" json:"id"`
	Kind              string           `db:"kind" json:"kind"`
	Status            string           `db:"status" json:"status"`
	Amount            decimal.Decimal  `db:"amount" json:"amount"`
	AccountKind       AccountKind      `db:"account_kind" json:"account_kind"`
	AccountID         int64            `db:"account_id" json:"account_id"`
	SchoolID          int64            `db:"school_id" json:"school_id"`
	CanteenID         int64            `db:"canteen_id" json:"canteen_id"`
	Items             TransactionItems `db:"items" json:"items"`
	CommissionCharged *decimal.Decimal `db:"commission_charged" json:"commission_charged,omitempty"`
	BalanceAfter      decimal.Decimal  `db:"balance_after" json:"balance_after"`
	ReversalOf        *int64           `db:"reversal_of" json:"reversal_of,omitempty"`
	IdempotencyKey    *string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	IntentID          *string          `db:"intent_id" json:"intent_id,omitempty"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
}

// AccountRef returns the wallet the transaction was settled against.
func (t *Transaction) AccountRef() AccountRef {
	return AccountRef{Kind: t.AccountKind, ID: t.AccountID}
}

// TransactionItem is a priced cart line as it was at sale time.
type TransactionItem struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Name      string          `json:"name"`
}

// Subtotal is price times quantity.
func (i TransactionItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// TransactionItems is stored as a JSONB snapshot.
type TransactionItems []TransactionItem

// Value implements driver.Valuer. JSON goes out as text so the driver does
// not encode it as bytea.
func (items TransactionItems) Value() (driver.Value, error) {
	if items == nil {
		return "[]", nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (items *TransactionItems) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*items = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into TransactionItems", src)
	}
	return json.Unmarshal(raw, items)
}

// AdminCreditLog is an append-only audit entry for manual school credit
// adjustments.
type AdminCreditLog struct {
	ID        int64           `db:"id" json:"id"`
	SchoolID  int64           `db:"school_id" json:"school_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Note      string          `db:"note" json:"note"`
	Actor     string          `db:"actor" json:"actor"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Settlement intent operations
const (
	IntentOperationSell    = "sell"
	IntentOperationRefund  = "refund"
	IntentOperationDeposit = "deposit"
)

// Settlement intent statuses
const (
	IntentStatusPending   = "pending"
	IntentStatusConfirmed = "confirmed"
	IntentStatusAborted   = "aborted"
	IntentStatusOrphaned  = "orphaned"
)

// SettlementIntent is written before a balance is touched and confirmed in
// the same database transaction that records the settlement. A pending
// intent that outlives its request marks a balance change with no record.
type SettlementIntent struct {
	ID          string          `db:"id" json:"id"`
	Operation   string          `db:"operation" json:"operation"`
	AccountKind AccountKind     `db:"account_kind" json:"account_kind"`
	AccountID   int64           `db:"account_id" json:"account_id"`
	SchoolID    int64           `db:"school_id" json:"school_id"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Status      string          `db:"status" json:"status"`
	Reason      string          `db:"reason" json:"reason,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// CommissionShortfall records a commission that could not be debited from a
// school at sale time and has to be collected by hand.
type CommissionShortfall struct {
	ID            int64           `db:"id" json:"id"`
	EventID       string          `db:"event_id" json:"event_id"`
	TransactionID int64           `db:"transaction_id" json:"transaction_id"`
	SchoolID      int64           `db:"school_id" json:"school_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Reason        string          `db:"reason" json:"reason"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
