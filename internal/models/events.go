package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeSaleSettled         = "SALE_SETTLED"
	EventTypeSaleRefunded        = "SALE_REFUNDED"
	EventTypeDepositRecorded     = "DEPOSIT_RECORDED"
	EventTypeCommissionShortfall = "COMMISSION_SHORTFALL"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// SaleSettledEvent published after a purchase is recorded
type SaleSettledEvent struct {
	BaseEvent
	TransactionID int64             `json:"transaction_id"`
	Account       AccountRef        `json:"account"`
	SchoolID      int64             `json:"school_id"`
	CanteenID     int64             `json:"canteen_id"`
	Total         decimal.Decimal   `json:"total"`
	Commission    decimal.Decimal   `json:"commission"`
	Items         []TransactionItem `json:"items"`
}

// SaleRefundedEvent published after a purchase is reversed
type SaleRefundedEvent struct {
	BaseEvent
	TransactionID      int64           `json:"transaction_id"`
	ReversalID         int64           `json:"reversal_id"`
	Account            AccountRef      `json:"account"`
	SchoolID           int64           `json:"school_id"`
	Amount             decimal.Decimal `json:"amount"`
	CommissionReturned decimal.Decimal `json:"commission_returned"`
}

// DepositRecordedEvent published after a wallet top-up
type DepositRecordedEvent struct {
	BaseEvent
	TransactionID int64           `json:"transaction_id"`
	Account       AccountRef      `json:"account"`
	SchoolID      int64           `json:"school_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// CommissionShortfallEvent published when a sale completes but its
// commission could not be debited from the school
type CommissionShortfallEvent struct {
	BaseEvent
	TransactionID int64           `json:"transaction_id"`
	SchoolID      int64           `json:"school_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
}
