package stock_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fulfillment-ledger/stock"
	"github.com/warp/fulfillment-ledger/stock/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fixedClock returns a clock that advances one second per call so movement
// timestamps are distinct and ordered.
func fixedClock() func() time.Time {
	t := time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

// seqIDs returns a deterministic ID generator.
func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestLedger() (*stock.Ledger, *store.Memory) {
	mem := store.NewMemory()
	l := stock.NewLedger(mem)
	l.Clock = fixedClock()
	l.NewID = seqIDs("id")
	return l, mem
}

func mustProduct(t *testing.T, l *stock.Ledger, code string, initial int) stock.Product {
	t.Helper()
	p, err := l.CreateProduct(context.Background(), stock.NewProduct{Code: code, Name: code, InitialStock: initial})
	require.NoError(t, err)
	return p
}

func mustGet(t *testing.T, l *stock.Ledger, id stock.ProductID) stock.Product {
	t.Helper()
	p, err := l.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p
}

// =============================================================================
// ADJUST POOL
// =============================================================================

func TestAdjustPool_RecordsSnapshots(t *testing.T) {
	// GIVEN: A product with 10 available
	// WHEN: available is adjusted by -4
	// THEN: The pool is 6 and one movement records 10 -> 6

	ctx := context.Background()
	l, _ := newTestLedger()
	p := mustProduct(t, l, "SKU-1", 10)

	m, err := l.AdjustPool(ctx, stock.Adjustment{
		ProductID: p.ID,
		Pool:      stock.PoolAvailable,
		Delta:     -4,
		Kind:      stock.KindLoss,
		ActorID:   "op-1",
		Reason:    "water damage",
	})
	require.NoError(t, err)

	assert.Equal(t, -4, m.Quantity)
	assert.Equal(t, 10, m.StockBefore)
	assert.Equal(t, 6, m.StockAfter)
	assert.Equal(t, stock.PoolAvailable, m.Pool)
	assert.Equal(t, 6, mustGet(t, l, p.ID).Available)
}

func TestAdjustPool_AllowsNegativeAvailable(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	p := mustProduct(t, l, "SKU-1", 1)

	m, err := l.AdjustPool(ctx, stock.Adjustment{
		ProductID: p.ID, Pool: stock.PoolAvailable, Delta: -3, Kind: stock.KindCorrection, Reason: "recount",
	})

	require.NoError(t, err)
	assert.Equal(t, -2, m.StockAfter)
}

func TestAdjustPool_ProductNotFound(t *testing.T) {
	l, mem := newTestLedger()

	_, err := l.AdjustPool(context.Background(), stock.Adjustment{
		ProductID: "ghost", Pool: stock.PoolAvailable, Delta: 1, Kind: stock.KindSupply,
	})

	assert.ErrorIs(t, err, stock.ErrProductNotFound)
	assert.True(t, stock.IsNotFound(err))
	mvs, err := mem.ListMovements(context.Background(), stock.MovementFilter{})
	require.NoError(t, err)
	assert.Empty(t, mvs)
}

func TestAdjustPool_Validation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	p := mustProduct(t, l, "SKU-1", 10)

	_, err := l.AdjustPool(ctx, stock.Adjustment{ProductID: p.ID, Pool: "shelf", Delta: 1, Kind: stock.KindSupply})
	assert.ErrorIs(t, err, stock.ErrInvalidAdjustment)

	_, err = l.AdjustPool(ctx, stock.Adjustment{ProductID: p.ID, Pool: stock.PoolAvailable, Delta: 1, Kind: "gift"})
	assert.ErrorIs(t, err, stock.ErrInvalidAdjustment)

	_, err = l.AdjustPool(ctx, stock.Adjustment{ProductID: p.ID, Pool: stock.PoolAvailable, Delta: -1, Kind: stock.KindLoss})
	assert.ErrorIs(t, err, stock.ErrReasonRequired)
	assert.True(t, stock.IsClientError(err))

	assert.Equal(t, 10, mustGet(t, l, p.ID).Available)
}

// =============================================================================
// MANUAL ADJUSTMENTS
// =============================================================================

func TestRecordAdjustment_SignRules(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	p := mustProduct(t, l, "SKU-1", 10)

	tests := []struct {
		name    string
		kind    stock.MovementKind
		qty     int
		reason  string
		wantErr error
	}{
		{"supply positive", stock.KindSupply, 5, "delivery", nil},
		{"supply negative", stock.KindSupply, -5, "delivery", stock.ErrInvalidAdjustment},
		{"loss negative", stock.KindLoss, -1, "broken", nil},
		{"loss positive", stock.KindLoss, 1, "broken", stock.ErrInvalidAdjustment},
		{"correction zero", stock.KindCorrection, 0, "recount", stock.ErrInvalidAdjustment},
		{"correction any sign", stock.KindCorrection, -2, "recount", nil},
		{"round kind refused", stock.KindReserveLocal, 1, "manual", stock.ErrInvalidAdjustment},
		{"missing reason", stock.KindSupply, 1, "", stock.ErrReasonRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.RecordAdjustment(ctx, stock.ManualAdjustment{
				ProductID: p.ID, Kind: tt.kind, Quantity: tt.qty, ActorID: "op-1", Reason: tt.reason,
			})
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	// 10 + 5 - 1 - 2
	assert.Equal(t, 12, mustGet(t, l, p.ID).Available)
}

func TestRecordAdjustment_TargetsOtherPools(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	p := mustProduct(t, l, "SKU-1", 10)

	m, err := l.RecordAdjustment(ctx, stock.ManualAdjustment{
		ProductID: p.ID, Pool: stock.PoolLocalReserve, Kind: stock.KindCorrection, Quantity: 2, Reason: "courier count",
	})

	require.NoError(t, err)
	assert.Equal(t, stock.PoolLocalReserve, m.Pool)
	assert.Equal(t, 2, mustGet(t, l, p.ID).LocalReserve)
}

// =============================================================================
// PRODUCTS
// =============================================================================

func TestCreateProduct_InitialStockIsASupplyMovement(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	p := mustProduct(t, l, "SKU-1", 50)
	assert.Equal(t, 50, p.Available)

	mvs, err := l.ListMovements(ctx, stock.MovementFilter{ProductID: p.ID})
	require.NoError(t, err)
	require.Len(t, mvs, 1)
	assert.Equal(t, stock.KindSupply, mvs[0].Kind)
	assert.Equal(t, 0, mvs[0].StockBefore)

	_, err = l.CreateProduct(ctx, stock.NewProduct{Code: "SKU-1"})
	assert.ErrorIs(t, err, stock.ErrDuplicateProductCode)

	_, err = l.CreateProduct(ctx, stock.NewProduct{Code: " "})
	assert.ErrorIs(t, err, stock.ErrInvalidAdjustment)

	_, err = l.CreateProduct(ctx, stock.NewProduct{Code: "SKU-2", InitialStock: -1})
	assert.ErrorIs(t, err, stock.ErrInvalidQuantity)
}

func TestCreateProduct_WithoutStockHasNoMovement(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	p := mustProduct(t, l, "SKU-1", 0)

	mvs, err := l.ListMovements(ctx, stock.MovementFilter{ProductID: p.ID})
	require.NoError(t, err)
	assert.Empty(t, mvs)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestListMovements_MostRecentFirstWithFilters(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	a := mustProduct(t, l, "SKU-A", 10)
	b := mustProduct(t, l, "SKU-B", 10)

	_, err := l.RecordAdjustment(ctx, stock.ManualAdjustment{ProductID: a.ID, Kind: stock.KindLoss, Quantity: -1, Reason: "x"})
	require.NoError(t, err)
	_, err = l.RecordAdjustment(ctx, stock.ManualAdjustment{ProductID: a.ID, Kind: stock.KindSupply, Quantity: 3, Reason: "y"})
	require.NoError(t, err)

	mvs, err := l.ListMovements(ctx, stock.MovementFilter{ProductID: a.ID})
	require.NoError(t, err)
	require.Len(t, mvs, 3)
	assert.Equal(t, stock.KindSupply, mvs[0].Kind)
	assert.Equal(t, "y", mvs[0].Reason)
	assert.True(t, mvs[0].CreatedAt.After(mvs[1].CreatedAt))

	supply, err := l.ListMovements(ctx, stock.MovementFilter{Kind: stock.KindSupply})
	require.NoError(t, err)
	assert.Len(t, supply, 3, "two initial stocks and one delivery")

	limited, err := l.ListMovements(ctx, stock.MovementFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, a.ID, limited[0].ProductID)

	from := mvs[1].CreatedAt
	recent, err := l.ListMovements(ctx, stock.MovementFilter{ProductID: a.ID, From: &from})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	onlyB, err := l.ListMovements(ctx, stock.MovementFilter{ProductID: b.ID})
	require.NoError(t, err)
	assert.Len(t, onlyB, 1)
}

func TestSumMovements_ByKind(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	p := mustProduct(t, l, "SKU-1", 10)
	_, err := l.RecordAdjustment(ctx, stock.ManualAdjustment{ProductID: p.ID, Kind: stock.KindLoss, Quantity: -3, Reason: "x"})
	require.NoError(t, err)

	total, err := l.SumMovements(ctx, p.ID, stock.PoolAvailable, "")
	require.NoError(t, err)
	assert.Equal(t, 7, total)

	losses, err := l.SumMovements(ctx, p.ID, stock.PoolAvailable, stock.KindLoss)
	require.NoError(t, err)
	assert.Equal(t, -3, losses)

	_, err = l.SumMovements(ctx, p.ID, "shelf", "")
	assert.ErrorIs(t, err, stock.ErrInvalidAdjustment)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_CleanLedger(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	p := mustProduct(t, l, "SKU-1", 10)
	_, err := l.RecordAdjustment(ctx, stock.ManualAdjustment{ProductID: p.ID, Kind: stock.KindLoss, Quantity: -2, Reason: "x"})
	require.NoError(t, err)

	findings, err := l.Audit(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestAudit_DetectsDirectPoolWrite(t *testing.T) {
	// GIVEN: A pool written through SetLevel without a movement
	// WHEN: The ledger is audited
	// THEN: The pool is reported with stored and replayed values

	ctx := context.Background()
	l, mem := newTestLedger()
	p := mustProduct(t, l, "SKU-1", 10)
	require.NoError(t, mem.SetLevel(ctx, p.ID, stock.PoolAvailable, 8, time.Now()))

	findings, err := l.Audit(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, stock.PoolAvailable, findings[0].Pool)
	assert.Equal(t, 8, findings[0].Stored)
	assert.Equal(t, 10, findings[0].Replayed)

	_, err = l.Audit(ctx, "ghost")
	assert.ErrorIs(t, err, stock.ErrProductNotFound)
}

// =============================================================================
// LEVELS
// =============================================================================

func TestLevels_LowStockAndValuation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	_, err := l.CreateProduct(ctx, stock.NewProduct{
		Code: "SKU-A", InitialStock: 4, AlertThreshold: 5, UnitCost: decimal.RequireFromString("1.25"),
	})
	require.NoError(t, err)
	_, err = l.CreateProduct(ctx, stock.NewProduct{
		Code: "SKU-B", InitialStock: 20, AlertThreshold: 5, UnitCost: decimal.RequireFromString("0.10"),
	})
	require.NoError(t, err)

	levels, err := l.Levels(ctx)
	require.NoError(t, err)
	require.Len(t, levels, 2)

	assert.Equal(t, "SKU-A", levels[0].Code)
	assert.True(t, levels[0].LowStock)
	assert.True(t, levels[0].TotalValue.Equal(decimal.RequireFromString("5")))
	assert.False(t, levels[1].LowStock)
	assert.True(t, stock.StockValue(levels).Equal(decimal.RequireFromString("7")))
}
