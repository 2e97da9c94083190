package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"canteen-settlement/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountTable(t *testing.T) {
	table, err := accountTable(models.AccountKindStudent)
	require.NoError(t, err)
	assert.Equal(t, "students", table)

	table, err = accountTable(models.AccountKindStaff)
	require.NoError(t, err)
	assert.Equal(t, "staff", table)

	_, err = accountTable("parent; DROP TABLE students")
	assert.Error(t, err)
}

// newIntegrationStore connects to TEST_DATABASE_URL and applies the schema.
// Integration tests are skipped without it.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database (set TEST_DATABASE_URL)")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

type fixture struct {
	schoolID  int64
	canteenID int64
	studentID int64
	productID int64
}

func seed(t *testing.T, s *Store, balance, limit string) fixture {
	t.Helper()
	ctx := context.Background()
	var f fixture
	require.NoError(t, s.db.GetContext(ctx, &f.schoolID,
		"INSERT INTO schools (name) VALUES ('Test School') RETURNING id"))
	require.NoError(t, s.db.GetContext(ctx, &f.canteenID,
		"INSERT INTO canteens (school_id, name) VALUES ($1, 'Main') RETURNING id", f.schoolID))
	require.NoError(t, s.db.GetContext(ctx, &f.studentID,
		"INSERT INTO students (school_id, card_token, name, balance, credit_limit) VALUES ($1, $2, 'Ada', $3, $4) RETURNING id",
		f.schoolID, "card-"+uuid.NewString(), balance, limit))
	require.NoError(t, s.db.GetContext(ctx, &f.productID,
		"INSERT INTO products (school_id, name, selling_price, stock_quantity) VALUES ($1, 'Sandwich', 30, 5) RETURNING id",
		f.schoolID))
	return f
}

func TestAdjustBalanceCreditLimit(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	f := seed(t, s, "0", "50")
	ref := models.AccountRef{Kind: models.AccountKindStudent, ID: f.studentID}

	balance, err := s.AdjustBalance(ctx, ref, decimal.NewFromInt(-45), true)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(-45)))

	_, err = s.AdjustBalance(ctx, ref, decimal.NewFromInt(-10), true)
	var ife *models.InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.True(t, ife.Balance.Equal(decimal.NewFromInt(-45)))
	assert.True(t, ife.CreditLimit.Equal(decimal.NewFromInt(50)))
	assert.True(t, ife.Attempted.Equal(decimal.NewFromInt(10)))
}

func TestAdjustBalanceConcurrentDebits(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	f := seed(t, s, "0", "50")
	ref := models.AccountRef{Kind: models.AccountKindStudent, ID: f.studentID}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.AdjustBalance(ctx, ref, decimal.NewFromInt(-30), true)
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, models.ErrInsufficientFunds)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestFindByCardAndDelete(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	f := seed(t, s, "-5", "50")

	acct, err := s.GetAccount(ctx, models.AccountRef{Kind: models.AccountKindStudent, ID: f.studentID})
	require.NoError(t, err)

	found, err := s.FindByCard(ctx, acct.CardToken, f.schoolID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountKindStudent, found.Kind)

	_, err = s.FindByCard(ctx, acct.CardToken, f.schoolID+1000)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)

	assert.ErrorIs(t, s.DeleteAccount(ctx, acct.Ref()), models.ErrOutstandingDebt)

	_, err = s.AdjustBalance(ctx, acct.Ref(), decimal.NewFromInt(5), false)
	require.NoError(t, err)
	assert.NoError(t, s.DeleteAccount(ctx, acct.Ref()))
}

func TestAppendAndReverse(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	f := seed(t, s, "100", "0")

	intent := &models.SettlementIntent{
		ID:          uuid.NewString(),
		Operation:   models.IntentOperationSell,
		AccountKind: models.AccountKindStudent,
		AccountID:   f.studentID,
		SchoolID:    f.schoolID,
		Amount:      decimal.NewFromInt(30),
	}
	require.NoError(t, s.CreateIntent(ctx, intent))

	commission := decimal.RequireFromString("0.10")
	key := "idem-" + uuid.NewString()
	purchase := &models.Transaction{
		Kind:              models.TransactionKindPurchase,
		Amount:            decimal.NewFromInt(-30),
		AccountKind:       models.AccountKindStudent,
		AccountID:         f.studentID,
		SchoolID:          f.schoolID,
		CanteenID:         f.canteenID,
		Items:             models.TransactionItems{{ProductID: f.productID, Quantity: 1, Price: decimal.NewFromInt(30), Name: "Sandwich"}},
		CommissionCharged: &commission,
		BalanceAfter:      decimal.NewFromInt(70),
		IdempotencyKey:    &key,
		IntentID:          &intent.ID,
	}
	require.NoError(t, s.Append(ctx, purchase))
	assert.NotZero(t, purchase.ID)

	byKey, err := s.GetByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, purchase.ID, byKey.ID)
	require.Len(t, byKey.Items, 1)
	assert.Equal(t, "Sandwich", byKey.Items[0].Name)

	stale, err := s.ListStaleIntents(ctx, intent.CreatedAt.Add(time.Second), 10)
	require.NoError(t, err)
	for _, in := range stale {
		assert.NotEqual(t, intent.ID, in.ID, "confirmed intent must not be listed as stale")
	}

	reversal := &models.Transaction{
		Kind:         models.TransactionKindRefund,
		Amount:       decimal.NewFromInt(30),
		AccountKind:  models.AccountKindStudent,
		AccountID:    f.studentID,
		SchoolID:     f.schoolID,
		CanteenID:    f.canteenID,
		Items:        purchase.Items,
		BalanceAfter: decimal.NewFromInt(100),
	}
	require.NoError(t, s.Reverse(ctx, purchase.ID, reversal))
	require.NotNil(t, reversal.ReversalOf)
	assert.Equal(t, purchase.ID, *reversal.ReversalOf)

	original, err := s.Get(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusReversed, original.Status)

	again := *reversal
	assert.ErrorIs(t, s.Reverse(ctx, purchase.ID, &again), models.ErrNotRefundable)
}

func intentStatus(t *testing.T, s *Store, id string) string {
	var status string
	require.NoError(t, s.db.GetContext(context.Background(), &status,
		"SELECT status FROM settlement_intents WHERE id = $1", id))
	return status
}

func TestAppendKeepsOrphanedIntent(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	f := seed(t, s, "100", "0")

	intent := &models.SettlementIntent{
		ID:          uuid.NewString(),
		Operation:   models.IntentOperationSell,
		AccountKind: models.AccountKindStudent,
		AccountID:   f.studentID,
		SchoolID:    f.schoolID,
		Amount:      decimal.NewFromInt(30),
	}
	require.NoError(t, s.CreateIntent(ctx, intent))
	orphaned, err := s.MarkIntentOrphaned(ctx, intent.ID, "pending too long")
	require.NoError(t, err)
	require.True(t, orphaned)

	purchase := &models.Transaction{
		Kind:         models.TransactionKindPurchase,
		Amount:       decimal.NewFromInt(-30),
		AccountKind:  models.AccountKindStudent,
		AccountID:    f.studentID,
		SchoolID:     f.schoolID,
		CanteenID:    f.canteenID,
		Items:        models.TransactionItems{},
		BalanceAfter: decimal.NewFromInt(70),
		IntentID:     &intent.ID,
	}
	require.NoError(t, s.Append(ctx, purchase))
	assert.Equal(t, models.IntentStatusOrphaned, intentStatus(t, s, intent.ID))
}

func TestReversalClaim(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	f := seed(t, s, "100", "0")

	purchase := &models.Transaction{
		Kind:         models.TransactionKindPurchase,
		Amount:       decimal.NewFromInt(-30),
		AccountKind:  models.AccountKindStudent,
		AccountID:    f.studentID,
		SchoolID:     f.schoolID,
		CanteenID:    f.canteenID,
		Items:        models.TransactionItems{},
		BalanceAfter: decimal.NewFromInt(70),
	}
	require.NoError(t, s.Append(ctx, purchase))

	require.NoError(t, s.BeginReversal(ctx, purchase.ID))
	assert.ErrorIs(t, s.BeginReversal(ctx, purchase.ID), models.ErrNotRefundable)
	require.NoError(t, s.CancelReversal(ctx, purchase.ID))
	assert.ErrorIs(t, s.CancelReversal(ctx, purchase.ID), models.ErrNotRefundable)
	require.NoError(t, s.BeginReversal(ctx, purchase.ID))

	intent := &models.SettlementIntent{
		ID:          uuid.NewString(),
		Operation:   models.IntentOperationRefund,
		AccountKind: models.AccountKindStudent,
		AccountID:   f.studentID,
		SchoolID:    f.schoolID,
		Amount:      decimal.NewFromInt(30),
	}
	require.NoError(t, s.CreateIntent(ctx, intent))

	reversal := &models.Transaction{
		Kind:         models.TransactionKindRefund,
		Amount:       decimal.NewFromInt(30),
		AccountKind:  models.AccountKindStudent,
		AccountID:    f.studentID,
		SchoolID:     f.schoolID,
		CanteenID:    f.canteenID,
		Items:        models.TransactionItems{},
		BalanceAfter: decimal.NewFromInt(100),
		IntentID:     &intent.ID,
	}
	require.NoError(t, s.Reverse(ctx, purchase.ID, reversal))
	assert.Equal(t, models.IntentStatusConfirmed, intentStatus(t, s, intent.ID))

	original, err := s.Get(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusReversed, original.Status)
}

func TestAdjustStockAndCredit(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	f := seed(t, s, "0", "0")

	qty, err := s.AdjustStock(ctx, f.productID, -7)
	require.NoError(t, err)
	assert.Equal(t, -2, qty)

	_, err = s.AdjustStock(ctx, -1, 1)
	assert.ErrorIs(t, err, models.ErrProductNotFound)

	credit, err := s.AdjustCredit(ctx, f.schoolID, decimal.RequireFromString("-0.40"))
	require.NoError(t, err)
	assert.True(t, credit.Equal(decimal.RequireFromString("-0.40")))

	credit, err = s.AdjustCredit(ctx, f.schoolID, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.True(t, credit.Equal(decimal.RequireFromString("9.60")))
}
