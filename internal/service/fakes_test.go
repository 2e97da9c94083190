package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"canteen-settlement/internal/models"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory stand-in for the Postgres store. Every method
// holds one mutex so each call is atomic, like the single-statement updates
// it replaces.
type memStore struct {
	mu sync.Mutex

	accounts   map[models.AccountRef]*models.Account
	products   map[int64]*models.Product
	credits    map[int64]decimal.Decimal
	rules      []models.CommissionRule
	rate       *decimal.Decimal
	txns       map[int64]*models.Transaction
	nextTxnID  int64
	logs       []models.AdminCreditLog
	intents    map[string]*models.SettlementIntent
	processed  map[string]bool
	shortfalls []models.CommissionShortfall

	// failure injection
	creditErr   error
	balanceErr  error
	rulesErr    error
	appendErr   error
	productErrs map[int64]error

	adjustCredits int
}

func newMemStore() *memStore {
	return &memStore{
		accounts:    make(map[models.AccountRef]*models.Account),
		products:    make(map[int64]*models.Product),
		credits:     make(map[int64]decimal.Decimal),
		txns:        make(map[int64]*models.Transaction),
		intents:     make(map[string]*models.SettlementIntent),
		processed:   make(map[string]bool),
		productErrs: make(map[int64]error),
	}
}

func (m *memStore) addAccount(a models.Account) models.AccountRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := a
	m.accounts[acct.Ref()] = &acct
	return acct.Ref()
}

func (m *memStore) addProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prod := p
	m.products[prod.ID] = &prod
}

func (m *memStore) balance(ref models.AccountRef) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[ref].Balance
}

func (m *memStore) stock(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].StockQuantity
}

func (m *memStore) credit(schoolID int64) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credits[schoolID]
}

func (m *memStore) intentStatuses() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, in := range m.intents {
		counts[in.Status]++
	}
	return counts
}

// CatalogStore

func (m *memStore) GetProduct(_ context.Context, id, schoolID int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.productErrs[id]; err != nil {
		return nil, err
	}
	p, ok := m.products[id]
	if !ok || p.SchoolID != schoolID {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) AdjustStock(_ context.Context, id int64, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return 0, models.ErrProductNotFound
	}
	p.StockQuantity += delta
	return p.StockQuantity, nil
}

// AccountStore

func (m *memStore) FindByCard(_ context.Context, token string, schoolID int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kind := range []models.AccountKind{models.AccountKindStudent, models.AccountKindStaff} {
		for _, a := range m.accounts {
			if a.Kind == kind && a.CardToken == token && a.SchoolID == schoolID {
				cp := *a
				return &cp, nil
			}
		}
	}
	return nil, models.ErrAccountNotFound
}

func (m *memStore) GetAccount(_ context.Context, ref models.AccountRef) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[ref]
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) AdjustBalance(_ context.Context, ref models.AccountRef, delta decimal.Decimal, creditLimitCheck bool) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return decimal.Zero, m.balanceErr
	}
	a, ok := m.accounts[ref]
	if !ok {
		return decimal.Zero, models.ErrAccountNotFound
	}
	next := a.Balance.Add(delta)
	if creditLimitCheck && next.LessThan(a.CreditLimit.Neg()) {
		return decimal.Zero, &models.InsufficientFundsError{
			Balance:     a.Balance,
			CreditLimit: a.CreditLimit,
			Attempted:   delta.Neg(),
		}
	}
	a.Balance = next
	return next, nil
}

func (m *memStore) DeleteAccount(_ context.Context, ref models.AccountRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[ref]
	if !ok {
		return models.ErrAccountNotFound
	}
	if a.Balance.IsNegative() {
		return models.ErrOutstandingDebt
	}
	delete(m.accounts, ref)
	return nil
}

// SchoolCreditStore

func (m *memStore) AdjustCredit(_ context.Context, schoolID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creditErr != nil {
		return decimal.Zero, m.creditErr
	}
	m.adjustCredits++
	m.credits[schoolID] = m.credits[schoolID].Add(delta)
	return m.credits[schoolID], nil
}

// RuleStore

func (m *memStore) ListActiveCommissionRules(context.Context) ([]models.CommissionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rulesErr != nil {
		return nil, m.rulesErr
	}
	var active []models.CommissionRule
	for _, r := range m.rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	return active, nil
}

func (m *memStore) GetGlobalCommissionRatePercent(context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rate == nil {
		return decimal.Zero, models.ErrSettingNotFound
	}
	return *m.rate, nil
}

func (m *memStore) SetGlobalCommissionRatePercent(_ context.Context, rate decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rate = &rate
	return nil
}

// StatementStore

func (m *memStore) GetSchoolCredit(_ context.Context, schoolID int64) (*models.SchoolCreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &models.SchoolCreditAccount{SchoolID: schoolID, SystemCredit: m.credits[schoolID]}, nil
}

func (m *memStore) ListAdminCreditLogs(_ context.Context, schoolID int64) ([]models.AdminCreditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var logs []models.AdminCreditLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].SchoolID == schoolID {
			logs = append(logs, m.logs[i])
		}
	}
	return logs, nil
}

func (m *memStore) ListByAccount(_ context.Context, ref models.AccountRef, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var txns []models.Transaction
	for id := m.nextTxnID; id > 0 && len(txns) < limit; id-- {
		if t, ok := m.txns[id]; ok && t.AccountRef() == ref {
			txns = append(txns, *t)
		}
	}
	return txns, nil
}

// TransactionStore

func (m *memStore) insertLocked(t *models.Transaction) {
	m.nextTxnID++
	t.ID = m.nextTxnID
	t.CreatedAt = time.Now()
	if t.Status == "" {
		t.Status = models.TransactionStatusCompleted
	}
	cp := *t
	m.txns[t.ID] = &cp
}

func (m *memStore) Append(_ context.Context, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if t.IdempotencyKey != nil {
		for _, existing := range m.txns {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *t.IdempotencyKey {
				return errors.New("duplicate idempotency key")
			}
		}
	}
	m.insertLocked(t)
	m.confirmIntentLocked(t.IntentID)
	return nil
}

func (m *memStore) confirmIntentLocked(id *string) {
	if id == nil {
		return
	}
	if in, ok := m.intents[*id]; ok && in.Status == models.IntentStatusPending {
		in.Status = models.IntentStatusConfirmed
	}
}

func (m *memStore) Get(_ context.Context, id int64) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, models.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) GetByIdempotencyKey(_ context.Context, key string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) setPurchaseStatus(id int64, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok || t.Kind != models.TransactionKindPurchase || t.Status != from {
		return models.ErrNotRefundable
	}
	t.Status = to
	return nil
}

func (m *memStore) BeginReversal(_ context.Context, id int64) error {
	return m.setPurchaseStatus(id, models.TransactionStatusCompleted, models.TransactionStatusReversing)
}

func (m *memStore) CancelReversal(_ context.Context, id int64) error {
	return m.setPurchaseStatus(id, models.TransactionStatusReversing, models.TransactionStatusCompleted)
}

func (m *memStore) Reverse(_ context.Context, originalID int64, reversal *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	original, ok := m.txns[originalID]
	if !ok || original.Kind != models.TransactionKindPurchase ||
		(original.Status != models.TransactionStatusCompleted && original.Status != models.TransactionStatusReversing) {
		return models.ErrNotRefundable
	}
	original.Status = models.TransactionStatusReversed
	reversal.ReversalOf = &originalID
	m.insertLocked(reversal)
	m.confirmIntentLocked(reversal.IntentID)
	return nil
}

func (m *memStore) countTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txns)
}

// AuditLog

func (m *memStore) AppendAdminCreditLog(_ context.Context, entry *models.AdminCreditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.logs) + 1)
	entry.CreatedAt = time.Now()
	m.logs = append(m.logs, *entry)
	return nil
}

// IntentStore

func (m *memStore) CreateIntent(_ context.Context, intent *models.SettlementIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent.Status == "" {
		intent.Status = models.IntentStatusPending
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	intent.UpdatedAt = intent.CreatedAt
	cp := *intent
	m.intents[intent.ID] = &cp
	return nil
}

func (m *memStore) AbortIntent(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok := m.intents[id]; ok && in.Status == models.IntentStatusPending {
		in.Status = models.IntentStatusAborted
		in.Reason = reason
	}
	return nil
}

func (m *memStore) ListStaleIntents(_ context.Context, cutoff time.Time, limit int) ([]models.SettlementIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []models.SettlementIntent
	for _, in := range m.intents {
		if in.Status == models.IntentStatusPending && in.CreatedAt.Before(cutoff) {
			stale = append(stale, *in)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (m *memStore) MarkIntentOrphaned(_ context.Context, id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok || in.Status != models.IntentStatusPending {
		return false, nil
	}
	in.Status = models.IntentStatusOrphaned
	in.Reason = reason
	return true, nil
}

// ShortfallStore

func (m *memStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[eventID], nil
}

func (m *memStore) RecordCommissionShortfall(_ context.Context, shortfall *models.CommissionShortfall, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed[shortfall.EventID] {
		return false, nil
	}
	m.processed[shortfall.EventID] = true
	shortfall.ID = int64(len(m.shortfalls) + 1)
	m.shortfalls = append(m.shortfalls, *shortfall)
	return true, nil
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu         sync.Mutex
	settled    []*models.SaleSettledEvent
	refunded   []*models.SaleRefundedEvent
	deposits   []*models.DepositRecordedEvent
	shortfalls []*models.CommissionShortfallEvent
	err        error
}

func (p *recordingPublisher) PublishSaleSettled(_ context.Context, e *models.SaleSettledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled = append(p.settled, e)
	return p.err
}

func (p *recordingPublisher) PublishSaleRefunded(_ context.Context, e *models.SaleRefundedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunded = append(p.refunded, e)
	return p.err
}

func (p *recordingPublisher) PublishDepositRecorded(_ context.Context, e *models.DepositRecordedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deposits = append(p.deposits, e)
	return p.err
}

func (p *recordingPublisher) PublishCommissionShortfall(_ context.Context, e *models.CommissionShortfallEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shortfalls = append(p.shortfalls, e)
	return p.err
}

// memLocker is a non-blocking in-process lock table
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) Obtain(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, models.ErrLockNotObtained
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// tierRules is the three-tier schedule used across the tests
func tierRules() []models.CommissionRule {
	return []models.CommissionRule{
		{ID: 1, MinPrice: dec("0"), MaxPrice: decPtr("40"), CommissionAmount: dec("0.10"), IsActive: true},
		{ID: 2, MinPrice: dec("41"), MaxPrice: decPtr("100"), CommissionAmount: dec("0.20"), IsActive: true},
		{ID: 3, MinPrice: dec("101"), CommissionAmount: dec("0.40"), IsActive: true},
	}
}

const (
	testSchool  int64 = 1
	testCanteen int64 = 10
)

type harness struct {
	store     *memStore
	events    *recordingPublisher
	locker    *memLocker
	svc       *SettlementService
	student   models.AccountRef
	staff     models.AccountRef
	sandwich  int64
	juice     int64
	cookie    int64
	otherItem int64
}

// newHarness seeds one school with a student (card "card-s", balance 0,
// limit 50), a staff member (card "card-t", balance 100, no credit), a
// sandwich at 30, a juice at 15 and a cookie at 10, plus a product from another school.
func newHarness() *harness {
	st := newMemStore()
	st.rules = tierRules()

	h := &harness{
		store:     st,
		events:    &recordingPublisher{},
		locker:    newMemLocker(),
		sandwich:  100,
		juice:     101,
		cookie:    102,
		otherItem: 200,
	}
	h.student = st.addAccount(models.Account{
		Kind: models.AccountKindStudent, ID: 1, SchoolID: testSchool,
		CardToken: "card-s", Name: "Ada", Balance: dec("0"), CreditLimit: dec("50"),
	})
	h.staff = st.addAccount(models.Account{
		Kind: models.AccountKindStaff, ID: 1, SchoolID: testSchool,
		CardToken: "card-t", Name: "Grace", Balance: dec("100"), CreditLimit: dec("0"),
	})
	st.addProduct(models.Product{ID: h.sandwich, SchoolID: testSchool, Name: "Sandwich", SellingPrice: dec("30"), StockQuantity: 5})
	st.addProduct(models.Product{ID: h.juice, SchoolID: testSchool, Name: "Juice", SellingPrice: dec("15"), StockQuantity: 5})
	st.addProduct(models.Product{ID: h.cookie, SchoolID: testSchool, Name: "Cookie", SellingPrice: dec("10"), StockQuantity: 5})
	st.addProduct(models.Product{ID: h.otherItem, SchoolID: 2, Name: "Elsewhere", SellingPrice: dec("1"), StockQuantity: 5})

	h.svc = NewSettlementService(SettlementDeps{
		Accounts:              st,
		Catalog:               st,
		Credits:               st,
		Rules:                 st,
		Transactions:          st,
		Audit:                 st,
		Intents:               st,
		Settings:              st,
		Statements:            st,
		Events:                h.events,
		Locker:                h.locker,
		DefaultCommissionRate: dec("1"),
		SellLockTTL:           time.Second,
		RefundLockTTL:         time.Second,
	})
	return h
}

func (h *harness) sell(card string, lines ...CartLine) (*SellResult, error) {
	return h.svc.Sell(context.Background(), &SellRequest{
		CardToken: card,
		Items:     lines,
		SchoolID:  testSchool,
		CanteenID: testCanteen,
	})
}
