package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrEmptyCart           = errors.New("cart has no purchasable items")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNotRefundable       = errors.New("transaction is not refundable")
	ErrOutstandingDebt     = errors.New("account has outstanding debt")
	ErrStorageFailure      = errors.New("storage failure")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrProductNotFound     = errors.New("product not found")
	ErrSettingNotFound     = errors.New("setting not found")
	ErrLockNotObtained     = errors.New("operation already in progress")
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different sale")
)

// InsufficientFundsError reports a debit that would push the balance below
// -CreditLimit.
type InsufficientFundsError struct {
	Balance     decimal.Decimal
	CreditLimit decimal.Decimal
	Attempted   decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance=%s, credit_limit=%s, attempted=%s",
		e.Balance.StringFixed(2), e.CreditLimit.StringFixed(2), e.Attempted.StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// StorageError wraps a failure of an underlying store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

var domainErrors = []error{
	ErrAccountNotFound,
	ErrEmptyCart,
	ErrInsufficientFunds,
	ErrTransactionNotFound,
	ErrNotRefundable,
	ErrOutstandingDebt,
	ErrStorageFailure,
	ErrInvalidAmount,
	ErrProductNotFound,
	ErrSettingNotFound,
	ErrLockNotObtained,
	ErrIdempotencyConflict,
}

// WrapStorage turns a store error into a StorageError, passing domain errors
// through untouched.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	return &StorageError{Op: op, Err: err}
}
