package stock

import (
	"context"

	"github.com/shopspring/decimal"
)

// PoolLevels is the dashboard view of one product's stock.
type PoolLevels struct {
	ProductID      ProductID
	Code           string
	Name           string
	Available      int
	LocalReserve   int
	ExpressReserve int
	Total          int
	AlertThreshold int
	LowStock       bool
	UnitCost       decimal.Decimal
	AvailableValue decimal.Decimal
	TotalValue     decimal.Decimal
}

// LevelsOf builds the read model for p. Values are quantity × unit cost.
func LevelsOf(p Product) PoolLevels {
	total := p.Total()
	return PoolLevels{
		ProductID:      p.ID,
		Code:           p.Code,
		Name:           p.Name,
		Available:      p.Available,
		LocalReserve:   p.LocalReserve,
		ExpressReserve: p.ExpressReserve,
		Total:          total,
		AlertThreshold: p.AlertThreshold,
		LowStock:       p.Available <= p.AlertThreshold,
		UnitCost:       p.UnitCost,
		AvailableValue: p.UnitCost.Mul(decimal.NewFromInt(int64(p.Available))),
		TotalValue:     p.UnitCost.Mul(decimal.NewFromInt(int64(total))),
	}
}

// Levels returns the pool levels of every product.
func (l *Ledger) Levels(ctx context.Context) ([]PoolLevels, error) {
	products, err := l.Store.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	levels := make([]PoolLevels, len(products))
	for i, p := range products {
		levels[i] = LevelsOf(p)
	}
	return levels, nil
}

// StockValue sums TotalValue across levels.
func StockValue(levels []PoolLevels) decimal.Decimal {
	sum := decimal.Zero
	for _, lv := range levels {
		sum = sum.Add(lv.TotalValue)
	}
	return sum
}
