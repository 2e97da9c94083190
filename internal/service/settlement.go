package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canteen-settlement/internal/models"
	"canteen-settlement/internal/util"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SettlementDeps wires the settlement service to its stores
type SettlementDeps struct {
	Accounts     AccountStore
	Catalog      CatalogStore
	Credits      SchoolCreditStore
	Rules        RuleStore
	Transactions TransactionStore
	Audit        AuditLog
	Intents      IntentStore
	Settings     SettingsStore
	Statements   StatementStore
	Events       EventPublisher
	Locker       Locker

	// DefaultCommissionRate is the fallback percentage when the platform
	// setting is absent.
	DefaultCommissionRate decimal.Decimal
	SellLockTTL           time.Duration
	RefundLockTTL         time.Duration
}

// SettlementService settles sales, refunds and deposits
type SettlementService struct {
	ledger       *Ledger
	pricing      *PriceResolver
	commission   *CommissionResolver
	credit       *SchoolCredit
	inventory    *InventoryAdjuster
	transactions TransactionStore
	intents      IntentStore
	settings     SettingsStore
	statements   StatementStore
	events       EventPublisher
	locker       Locker

	sellLockTTL   time.Duration
	refundLockTTL time.Duration
	logger        *zap.Logger
}

// NewSettlementService creates a new settlement service
func NewSettlementService(deps SettlementDeps) *SettlementService {
	return &SettlementService{
		ledger:        NewLedger(deps.Accounts),
		pricing:       NewPriceResolver(deps.Catalog),
		commission:    NewCommissionResolver(deps.Rules, deps.DefaultCommissionRate),
		credit:        NewSchoolCredit(deps.Credits, deps.Audit),
		inventory:     NewInventoryAdjuster(deps.Catalog),
		transactions:  deps.Transactions,
		intents:       deps.Intents,
		settings:      deps.Settings,
		statements:    deps.Statements,
		events:        deps.Events,
		locker:        deps.Locker,
		sellLockTTL:   deps.SellLockTTL,
		refundLockTTL: deps.RefundLockTTL,
		logger:        util.GetLogger(),
	}
}

// SellRequest represents a card purchase at a canteen terminal
type SellRequest struct {
	CardToken      string     `json:"card_token" binding:"required"`
	Items          []CartLine `json:"items" binding:"required"`
	SchoolID       int64      `json:"school_id" binding:"required"`
	CanteenID      int64      `json:"canteen_id" binding:"required"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// SellResult is returned after a sale settles
type SellResult struct {
	TransactionID int64           `json:"transaction_id"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	TotalCharged  decimal.Decimal `json:"total_charged"`
	Commission    decimal.Decimal `json:"commission"`
	// Replayed is set when an idempotency key matched an earlier sale and
	// nothing was charged this time.
	Replayed bool `json:"replayed"`
}

// RefundResult is returned after a purchase is reversed
type RefundResult struct {
	ReversalID         int64           `json:"reversal_id"`
	AmountRefunded     decimal.Decimal `json:"amount_refunded"`
	CommissionReturned decimal.Decimal `json:"commission_returned"`
	NewBalance         decimal.Decimal `json:"new_balance"`
}

// DepositRequest represents a wallet top-up
type DepositRequest struct {
	Account   models.AccountRef `json:"-"`
	SchoolID  int64             `json:"school_id"`
	CanteenID int64             `json:"canteen_id" binding:"required"`
	Amount    decimal.Decimal   `json:"amount"`
}

// DepositResult is returned after a deposit is recorded
type DepositResult struct {
	TransactionID int64           `json:"transaction_id"`
	NewBalance    decimal.Decimal `json:"new_balance"`
}

// TopUpResult is returned after an admin credits a school
type TopUpResult struct {
	Entry        *models.AdminCreditLog `json:"entry"`
	SystemCredit decimal.Decimal        `json:"system_credit"`
}

// Sell charges a card for a cart. The cart is re-priced from the catalog,
// the account debited within its credit limit, stock taken out and the
// school charged commission before the purchase is recorded.
func (s *SettlementService) Sell(ctx context.Context, req *SellRequest) (result *SellResult, err error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.Sell")
	start := time.Now()
	defer func() {
		util.SettlementLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())
		util.EndSpan(span, err)
	}()

	if req.IdempotencyKey != "" {
		release, err := s.locker.Obtain(ctx, "sell:"+req.IdempotencyKey, s.sellLockTTL)
		if err != nil {
			util.SalesRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
			return nil, models.WrapStorage("obtain sell lock", err)
		}
		defer release()

		existing, err := s.transactions.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, models.WrapStorage("check idempotency", err)
		}
		if existing != nil {
			if err := s.checkReplay(ctx, existing, req); err != nil {
				util.SalesRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
				return nil, err
			}
			s.logger.Info("Duplicate sale request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("transaction_id", existing.ID))
			return sellResultFrom(existing), nil
		}
	}

	account, err := s.ledger.Resolve(ctx, req.CardToken, req.SchoolID)
	if err != nil {
		util.SalesRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	cart, err := s.pricing.Price(ctx, req.SchoolID, req.Items)
	if err != nil {
		util.SalesRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	total := cart.Total

	intent := &models.SettlementIntent{
		ID:          uuid.New().String(),
		Operation:   models.IntentOperationSell,
		AccountKind: account.Kind,
		AccountID:   account.ID,
		SchoolID:    req.SchoolID,
		Amount:      total,
		Status:      models.IntentStatusPending,
	}
	if err := s.intents.CreateIntent(ctx, intent); err != nil {
		util.SalesRejectedTotal.WithLabelValues("storage").Inc()
		return nil, models.WrapStorage("create settlement intent", err)
	}

	// From here on money moves; a caller hanging up must not stop us halfway.
	ctx = context.WithoutCancel(ctx)
	logger := util.LoggerFromContext(ctx).With(
		zap.String("intent_id", intent.ID),
		zap.Stringer("account", account.Ref()),
		zap.Int64("school_id", req.SchoolID))

	balance, err := s.ledger.Debit(ctx, account.Ref(), total)
	if err != nil {
		util.SalesRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		s.abortIntent(ctx, intent.ID, err)
		return nil, err
	}

	if err := s.inventory.DecrementCart(ctx, cart.Items); err != nil {
		util.SalesRejectedTotal.WithLabelValues("storage").Inc()
		logger.Error("Sale aborted after debit, intent left pending", zap.Error(err))
		return nil, err
	}

	commission, shortfall := s.chargeCommission(ctx, req.SchoolID, total)
	charged := commission
	if shortfall != nil {
		charged = decimal.Zero
	}

	txn := &models.Transaction{
		Kind:              models.TransactionKindPurchase,
		Status:            models.TransactionStatusCompleted,
		Amount:            total.Neg(),
		AccountKind:       account.Kind,
		AccountID:         account.ID,
		SchoolID:          req.SchoolID,
		CanteenID:         req.CanteenID,
		Items:             cart.Items,
		CommissionCharged: &charged,
		BalanceAfter:      balance,
		IntentID:          &intent.ID,
	}
	if req.IdempotencyKey != "" {
		txn.IdempotencyKey = lo.ToPtr(req.IdempotencyKey)
	}

	if err := s.transactions.Append(ctx, txn); err != nil {
		util.SalesRejectedTotal.WithLabelValues("storage").Inc()
		logger.Error("Sale aborted after debit, intent left pending", zap.Error(err))
		return nil, models.WrapStorage("append purchase", err)
	}

	util.SalesSettledTotal.Inc()
	util.SalesAmountTotal.Add(total.InexactFloat64())
	util.CommissionChargedTotal.Add(charged.InexactFloat64())

	logger.Info("Sale settled",
		zap.Int64("transaction_id", txn.ID),
		zap.String("total", total.String()),
		zap.String("commission", charged.String()),
		zap.String("balance", balance.String()))

	if shortfall != nil {
		s.reportShortfall(ctx, txn, commission, shortfall)
	}

	event := &models.SaleSettledEvent{
		BaseEvent:     newBaseEvent(models.EventTypeSaleSettled),
		TransactionID: txn.ID,
		Account:       account.Ref(),
		SchoolID:      req.SchoolID,
		CanteenID:     req.CanteenID,
		Total:         total,
		Commission:    charged,
		Items:         cart.Items,
	}
	if err := s.events.PublishSaleSettled(ctx, event); err != nil {
		logger.Error("Failed to publish SaleSettled event", zap.Error(err))
	}

	return &SellResult{
		TransactionID: txn.ID,
		NewBalance:    balance,
		TotalCharged:  total,
		Commission:    charged,
	}, nil
}

// chargeCommission resolves and debits the commission on a sale. A failure
// does not fail the sale; it is returned as the shortfall cause instead.
func (s *SettlementService) chargeCommission(ctx context.Context, schoolID int64, total decimal.Decimal) (decimal.Decimal, error) {
	if total.IsZero() {
		return decimal.Zero, nil
	}

	commission, err := s.commission.Resolve(ctx, total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("resolve commission: %w", err)
	}

	if _, err := s.credit.Debit(ctx, schoolID, commission); err != nil {
		return commission, err
	}
	return commission, nil
}

func (s *SettlementService) reportShortfall(ctx context.Context, txn *models.Transaction, owed decimal.Decimal, cause error) {
	util.CommissionShortfallsTotal.Inc()
	s.logger.Error("Commission not collected, sale completed without it",
		zap.Int64("transaction_id", txn.ID),
		zap.Int64("school_id", txn.SchoolID),
		zap.String("commission", owed.String()),
		zap.Error(cause))

	event := &models.CommissionShortfallEvent{
		BaseEvent:     newBaseEvent(models.EventTypeCommissionShortfall),
		TransactionID: txn.ID,
		SchoolID:      txn.SchoolID,
		Amount:        owed,
		Reason:        cause.Error(),
	}
	if err := s.events.PublishCommissionShortfall(ctx, event); err != nil {
		s.logger.Error("Failed to publish CommissionShortfall event",
			zap.Int64("transaction_id", txn.ID),
			zap.Error(err))
	}
}

// checkReplay makes sure a request reusing an idempotency key is the sale
// that key already settled: same card holder, same school.
func (s *SettlementService) checkReplay(ctx context.Context, existing *models.Transaction, req *SellRequest) error {
	account, err := s.ledger.Resolve(ctx, req.CardToken, req.SchoolID)
	if err != nil {
		return err
	}
	if existing.Kind != models.TransactionKindPurchase ||
		existing.SchoolID != req.SchoolID ||
		existing.AccountRef() != account.Ref() {
		s.logger.Warn("Idempotency key reused for a different sale",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("transaction_id", existing.ID),
			zap.Stringer("account", account.Ref()))
		return models.ErrIdempotencyConflict
	}
	return nil
}

// Refund reverses a completed purchase: the account gets the amount back,
// the school gets its commission back and the stock is restored. The
// original record is marked reversed and a refund record points at it.
func (s *SettlementService) Refund(ctx context.Context, transactionID int64) (result *RefundResult, err error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.Refund")
	start := time.Now()
	defer func() {
		util.SettlementLatency.WithLabelValues("refund").Observe(time.Since(start).Seconds())
		util.RefundsTotal.WithLabelValues(refundOutcome(err)).Inc()
		util.EndSpan(span, err)
	}()

	release, err := s.locker.Obtain(ctx, fmt.Sprintf("refund:%d", transactionID), s.refundLockTTL)
	if err != nil {
		return nil, models.WrapStorage("obtain refund lock", err)
	}
	defer release()

	original, err := s.transactions.Get(ctx, transactionID)
	if err != nil {
		return nil, models.WrapStorage("load transaction", err)
	}
	if original.Kind != models.TransactionKindPurchase || original.Status != models.TransactionStatusCompleted {
		return nil, models.ErrNotRefundable
	}

	commission, err := s.refundableCommission(ctx, original)
	if err != nil {
		return nil, err
	}

	amount := original.Amount.Abs()
	intent := &models.SettlementIntent{
		ID:          uuid.New().String(),
		Operation:   models.IntentOperationRefund,
		AccountKind: original.AccountKind,
		AccountID:   original.AccountID,
		SchoolID:    original.SchoolID,
		Amount:      amount,
		Status:      models.IntentStatusPending,
	}
	if err := s.intents.CreateIntent(ctx, intent); err != nil {
		return nil, models.WrapStorage("create settlement intent", err)
	}

	// A purchase left reversing by a failed refund is not refundable again.
	if err := s.transactions.BeginReversal(ctx, original.ID); err != nil {
		s.abortIntent(ctx, intent.ID, err)
		if errors.Is(err, models.ErrNotRefundable) {
			return nil, err
		}
		return nil, models.WrapStorage("claim transaction for refund", err)
	}

	ctx = context.WithoutCancel(ctx)
	logger := util.LoggerFromContext(ctx).With(
		zap.Int64("transaction_id", original.ID),
		zap.Stringer("account", original.AccountRef()),
		zap.String("intent_id", intent.ID))

	balance, err := s.ledger.Credit(ctx, original.AccountRef(), amount)
	if err != nil {
		if cerr := s.transactions.CancelReversal(ctx, original.ID); cerr != nil {
			logger.Error("Refund failed before credit and the purchase could not be released",
				zap.NamedError("cancel_error", cerr),
				zap.Error(err))
			return nil, err
		}
		s.abortIntent(ctx, intent.ID, err)
		return nil, err
	}

	if commission.IsPositive() {
		if _, err := s.credit.Credit(ctx, original.SchoolID, commission); err != nil {
			logger.Error("Refund stopped after account credit, intent left pending", zap.Error(err))
			return nil, err
		}
	}

	if err := s.inventory.IncrementCart(ctx, original.Items); err != nil {
		logger.Error("Refund stopped after account and school credit, intent left pending", zap.Error(err))
		return nil, err
	}

	returned := commission.Neg()
	reversal := &models.Transaction{
		Kind:              models.TransactionKindRefund,
		Status:            models.TransactionStatusCompleted,
		Amount:            amount,
		AccountKind:       original.AccountKind,
		AccountID:         original.AccountID,
		SchoolID:          original.SchoolID,
		CanteenID:         original.CanteenID,
		Items:             original.Items,
		CommissionCharged: &returned,
		BalanceAfter:      balance,
		IntentID:          &intent.ID,
	}
	if err := s.transactions.Reverse(ctx, original.ID, reversal); err != nil {
		logger.Error("Refund credited but not recorded, intent left pending", zap.Error(err))
		return nil, models.WrapStorage("reverse transaction", err)
	}

	logger.Info("Sale refunded",
		zap.Int64("reversal_id", reversal.ID),
		zap.String("amount", amount.String()),
		zap.String("commission_returned", commission.String()))

	event := &models.SaleRefundedEvent{
		BaseEvent:          newBaseEvent(models.EventTypeSaleRefunded),
		TransactionID:      original.ID,
		ReversalID:         reversal.ID,
		Account:            original.AccountRef(),
		SchoolID:           original.SchoolID,
		Amount:             amount,
		CommissionReturned: commission,
	}
	if err := s.events.PublishSaleRefunded(ctx, event); err != nil {
		logger.Error("Failed to publish SaleRefunded event", zap.Error(err))
	}

	return &RefundResult{
		ReversalID:         reversal.ID,
		AmountRefunded:     amount,
		CommissionReturned: commission,
		NewBalance:         balance,
	}, nil
}

// refundableCommission is what the sale actually charged the school. Records
// written before commission was stored fall back to the current schedule.
func (s *SettlementService) refundableCommission(ctx context.Context, original *models.Transaction) (decimal.Decimal, error) {
	if original.CommissionCharged != nil {
		return *original.CommissionCharged, nil
	}
	amount := original.Amount.Abs()
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	return s.commission.Resolve(ctx, amount)
}

// Deposit credits money paid in at a canteen to a wallet
func (s *SettlementService) Deposit(ctx context.Context, req *DepositRequest) (result *DepositResult, err error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.Deposit")
	start := time.Now()
	defer func() {
		util.SettlementLatency.WithLabelValues("deposit").Observe(time.Since(start).Seconds())
		util.EndSpan(span, err)
	}()

	if !req.Amount.IsPositive() {
		return nil, models.ErrInvalidAmount
	}

	account, err := s.ledger.Get(ctx, req.Account)
	if err != nil {
		return nil, err
	}
	if req.SchoolID != 0 && account.SchoolID != req.SchoolID {
		return nil, models.ErrAccountNotFound
	}

	intent := &models.SettlementIntent{
		ID:          uuid.New().String(),
		Operation:   models.IntentOperationDeposit,
		AccountKind: account.Kind,
		AccountID:   account.ID,
		SchoolID:    account.SchoolID,
		Amount:      req.Amount,
		Status:      models.IntentStatusPending,
	}
	if err := s.intents.CreateIntent(ctx, intent); err != nil {
		return nil, models.WrapStorage("create settlement intent", err)
	}

	ctx = context.WithoutCancel(ctx)

	balance, err := s.ledger.Credit(ctx, account.Ref(), req.Amount)
	if err != nil {
		s.abortIntent(ctx, intent.ID, err)
		return nil, err
	}

	txn := &models.Transaction{
		Kind:         models.TransactionKindDeposit,
		Status:       models.TransactionStatusCompleted,
		Amount:       req.Amount,
		AccountKind:  account.Kind,
		AccountID:    account.ID,
		SchoolID:     account.SchoolID,
		CanteenID:    req.CanteenID,
		Items:        models.TransactionItems{},
		BalanceAfter: balance,
		IntentID:     &intent.ID,
	}
	if err := s.transactions.Append(ctx, txn); err != nil {
		s.logger.Error("Deposit credited but not recorded, intent left pending",
			zap.String("intent_id", intent.ID),
			zap.Error(err))
		return nil, models.WrapStorage("append deposit", err)
	}

	util.DepositsTotal.Inc()

	event := &models.DepositRecordedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeDepositRecorded),
		TransactionID: txn.ID,
		Account:       account.Ref(),
		SchoolID:      account.SchoolID,
		Amount:        req.Amount,
	}
	if err := s.events.PublishDepositRecorded(ctx, event); err != nil {
		s.logger.Error("Failed to publish DepositRecorded event", zap.Error(err))
	}

	return &DepositResult{TransactionID: txn.ID, NewBalance: balance}, nil
}

// DeleteAccount removes a wallet that owes nothing
func (s *SettlementService) DeleteAccount(ctx context.Context, ref models.AccountRef) error {
	return s.ledger.Delete(ctx, ref)
}

// TopUpSchoolCredit is the admin credit adjustment for a school
func (s *SettlementService) TopUpSchoolCredit(ctx context.Context, schoolID int64, amount decimal.Decimal, note, actor string) (*TopUpResult, error) {
	entry, credit, err := s.credit.TopUp(ctx, schoolID, amount, note, actor)
	if err != nil {
		return nil, err
	}
	return &TopUpResult{Entry: entry, SystemCredit: credit}, nil
}

// GetTransaction retrieves a transaction by ID
func (s *SettlementService) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	txn, err := s.transactions.Get(ctx, id)
	if err != nil {
		return nil, models.WrapStorage("load transaction", err)
	}
	return txn, nil
}

func (s *SettlementService) abortIntent(ctx context.Context, id string, cause error) {
	if err := s.intents.AbortIntent(ctx, id, cause.Error()); err != nil {
		s.logger.Warn("Failed to abort settlement intent",
			zap.String("intent_id", id),
			zap.Error(err))
	}
}

func sellResultFrom(t *models.Transaction) *SellResult {
	commission := decimal.Zero
	if t.CommissionCharged != nil {
		commission = *t.CommissionCharged
	}
	return &SellResult{
		TransactionID: t.ID,
		NewBalance:    t.BalanceAfter,
		TotalCharged:  t.Amount.Neg(),
		Commission:    commission,
		Replayed:      true,
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// rejectReason is the metric label for a rejected sale
func rejectReason(err error) string {
	switch {
	case errors.Is(err, models.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, models.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, models.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, models.ErrLockNotObtained):
		return "in_progress"
	case errors.Is(err, models.ErrIdempotencyConflict):
		return "idempotency_conflict"
	default:
		return "storage"
	}
}

func refundOutcome(err error) string {
	switch {
	case err == nil:
		return "refunded"
	case errors.Is(err, models.ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, models.ErrNotRefundable):
		return "not_refundable"
	case errors.Is(err, models.ErrLockNotObtained):
		return "in_progress"
	default:
		return "failed"
	}
}
