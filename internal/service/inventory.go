package service

import (
	"context"
	"errors"
	"fmt"

	"canteen-settlement/internal/models"
	"canteen-settlement/internal/util"

	"go.uber.org/zap"
)

// InventoryAdjuster moves stock counts. Stock has no lower bound: the
// canteen may sell past zero and reconcile physically.
type InventoryAdjuster struct {
	catalog CatalogStore
	logger  *zap.Logger
}

// NewInventoryAdjuster creates a new inventory adjuster
func NewInventoryAdjuster(catalog CatalogStore) *InventoryAdjuster {
	return &InventoryAdjuster{
		catalog: catalog,
		logger:  util.GetLogger(),
	}
}

// Decrement removes qty units of a product
func (ia *InventoryAdjuster) Decrement(ctx context.Context, productID int64, qty int) error {
	ctx, span := util.StartSpan(ctx, "InventoryAdjuster.Decrement")
	defer span.End()

	remaining, err := ia.catalog.AdjustStock(ctx, productID, -qty)
	if err != nil {
		return models.WrapStorage(fmt.Sprintf("decrement stock of product %d", productID), err)
	}

	if remaining < 0 {
		ia.logger.Warn("Stock oversold",
			zap.Int64("product_id", productID),
			zap.Int("stock_quantity", remaining))
	}
	return nil
}

// Increment returns qty units of a product to stock. A product that has
// since been removed from the catalog is skipped.
func (ia *InventoryAdjuster) Increment(ctx context.Context, productID int64, qty int) error {
	ctx, span := util.StartSpan(ctx, "InventoryAdjuster.Increment")
	defer span.End()

	_, err := ia.catalog.AdjustStock(ctx, productID, qty)
	if errors.Is(err, models.ErrProductNotFound) {
		ia.logger.Warn("Product gone, stock not restored",
			zap.Int64("product_id", productID),
			zap.Int("quantity", qty))
		return nil
	}
	if err != nil {
		return models.WrapStorage(fmt.Sprintf("increment stock of product %d", productID), err)
	}
	return nil
}

// DecrementCart takes every line of a priced cart out of stock
func (ia *InventoryAdjuster) DecrementCart(ctx context.Context, items models.TransactionItems) error {
	for _, item := range items {
		if err := ia.Decrement(ctx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// IncrementCart puts every line of a priced cart back
func (ia *InventoryAdjuster) IncrementCart(ctx context.Context, items models.TransactionItems) error {
	for _, item := range items {
		if err := ia.Increment(ctx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}
