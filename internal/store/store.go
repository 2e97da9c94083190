package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"canteen-settlement/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const productColumns = `id, school_id, name, selling_price, stock_quantity, created_at, updated_at`

// GetProduct retrieves a product scoped to its school. A missing product is
// reported as (nil, nil).
func (s *Store) GetProduct(ctx context.Context, id, schoolID int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		"SELECT "+productColumns+" FROM products WHERE id = $1 AND school_id = $2", id, schoolID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// AdjustStock applies delta to a product's stock in one statement and
// returns the new quantity. Stock may go negative.
func (s *Store) AdjustStock(ctx context.Context, id int64, delta int) (int, error) {
	var qty int
	err := s.db.GetContext(ctx, &qty,
		"UPDATE products SET stock_quantity = stock_quantity + $1, updated_at = NOW() WHERE id = $2 RETURNING stock_quantity",
		delta, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	return qty, err
}

// ListActiveCommissionRules returns every active tier, unordered.
func (s *Store) ListActiveCommissionRules(ctx context.Context) ([]models.CommissionRule, error) {
	var rules []models.CommissionRule
	err := s.db.SelectContext(ctx, &rules, `
		SELECT id, min_price, max_price, commission_amount, priority, is_active
		FROM commission_rules WHERE is_active = TRUE`)
	return rules, err
}

const commissionRateKey = "commission_rate_percent"

// GetGlobalCommissionRatePercent reads the platform-wide fallback rate.
func (s *Store) GetGlobalCommissionRatePercent(ctx context.Context) (decimal.Decimal, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, "SELECT value FROM platform_settings WHERE key = $1", commissionRateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, models.ErrSettingNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s setting %q: %w", commissionRateKey, raw, err)
	}
	return rate, nil
}

// SetGlobalCommissionRatePercent upserts the platform-wide fallback rate.
func (s *Store) SetGlobalCommissionRatePercent(ctx context.Context, rate decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		commissionRateKey, rate.String())
	return err
}
