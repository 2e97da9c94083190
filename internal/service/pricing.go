package service

import (
	"context"

	"canteen-settlement/internal/models"
	"canteen-settlement/internal/util"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CartLine is what a terminal submits per item. It deliberately has no price
// or name: those always come from the catalog.
type CartLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// PricedCart is a cart re-priced against the authoritative catalog.
type PricedCart struct {
	Items models.TransactionItems
	Total decimal.Decimal
}

// PriceResolver re-prices carts against the school's catalog
type PriceResolver struct {
	catalog CatalogStore
	logger  *zap.Logger
}

// NewPriceResolver creates a new price resolver
func NewPriceResolver(catalog CatalogStore) *PriceResolver {
	return &PriceResolver{
		catalog: catalog,
		logger:  util.GetLogger(),
	}
}

// Price looks every line up in the school's catalog and prices it at the
// current selling price. Lines whose product is gone, whose lookup fails or
// whose quantity is not positive are dropped; the sale proceeds with the
// rest. ErrEmptyCart if nothing survives.
func (pr *PriceResolver) Price(ctx context.Context, schoolID int64, lines []CartLine) (*PricedCart, error) {
	ctx, span := util.StartSpan(ctx, "PriceResolver.Price")
	defer span.End()

	items := make(models.TransactionItems, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			util.CatalogLinesDroppedTotal.WithLabelValues("bad_quantity").Inc()
			continue
		}

		product, err := pr.catalog.GetProduct(ctx, line.ProductID, schoolID)
		if err != nil {
			util.CatalogLinesDroppedTotal.WithLabelValues("lookup_error").Inc()
			pr.logger.Warn("Dropping cart line after catalog lookup failure",
				zap.Int64("product_id", line.ProductID),
				zap.Int64("school_id", schoolID),
				zap.Error(err))
			continue
		}
		if product == nil {
			util.CatalogLinesDroppedTotal.WithLabelValues("not_found").Inc()
			continue
		}

		items = append(items, models.TransactionItem{
			ProductID: product.ID,
			Quantity:  line.Quantity,
			Price:     product.SellingPrice,
			Name:      product.Name,
		})
	}

	if len(items) == 0 {
		return nil, models.ErrEmptyCart
	}

	return &PricedCart{Items: items, Total: cartTotal(items)}, nil
}

// cartTotal is Σ price × quantity
func cartTotal(items models.TransactionItems) decimal.Decimal {
	return lo.Reduce(items, func(sum decimal.Decimal, item models.TransactionItem, _ int) decimal.Decimal {
		return sum.Add(item.Subtotal())
	}, decimal.Zero)
}
