package stock_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/warp/fulfillment-ledger/stock"
	"github.com/warp/fulfillment-ledger/stock/store"
)

// TestRoundConservation checks that a full handover/return cycle never
// changes total stock, keeps every pool replayable, and that repair leaves
// no local reserve once every round is closed.
func TestRoundConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("handover + return conserve total stock", prop.ForAll(
		func(qtys []int, delivered []bool) bool {
			ctx := context.Background()
			f := newRoundFixture()
			p, err := f.ledger.CreateProduct(ctx, stock.NewProduct{Code: "SKU", InitialStock: 100})
			if err != nil {
				return false
			}

			ids := make([]stock.OrderID, len(qtys))
			confirmed := 0
			for i, q := range qtys {
				ids[i] = f.validatedOrder(t, p.ID, q, stock.DeliveryLocal)
				confirmed += q
			}
			r, err := f.rounds.CreateRound(ctx, "courier", ids, "op")
			if err != nil {
				return false
			}
			if _, err := f.rounds.ConfirmHandover(ctx, r.ID, confirmed, "op"); err != nil {
				return false
			}

			out := 0
			for i, id := range ids {
				if i < len(delivered) && delivered[i] {
					if err := f.mem.SetOrderStatus(ctx, id, stock.StatusDelivered, "", f.ledger.Clock()); err != nil {
						return false
					}
					out += qtys[i]
				}
			}
			if _, err := f.rounds.ConfirmReturn(ctx, stock.ReturnRequest{
				RoundID: r.ID, ReturnedQuantity: confirmed - out,
			}); err != nil {
				return false
			}

			got, err := f.ledger.GetProduct(ctx, p.ID)
			if err != nil || got.Total() != 100 || got.LocalReserve != out {
				return false
			}
			findings, err := f.ledger.Audit(ctx, p.ID)
			if err != nil || len(findings) != 0 {
				return false
			}

			if _, err := stock.NewReconciler(f.ledger, nil).RepairDrift(ctx, p.ID, ""); err != nil {
				return false
			}
			got, err = f.ledger.GetProduct(ctx, p.ID)
			return err == nil && got.LocalReserve == 0 && got.Available == 100-out
		},
		gen.SliceOfN(4, gen.IntRange(1, 6)),
		gen.SliceOfN(4, gen.Bool()),
	))

	properties.TestingRun(t)
}

// TestReplayMatchesStoredPools checks that any sequence of adjustments
// leaves every pool equal to the sum of its movements.
func TestReplayMatchesStoredPools(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("stored pool == Σ movements", prop.ForAll(
		func(deltas []int, poolIdx []int) bool {
			ctx := context.Background()
			l := stock.NewLedger(store.NewMemory())
			p, err := l.CreateProduct(ctx, stock.NewProduct{Code: "SKU", InitialStock: 10})
			if err != nil {
				return false
			}

			for i, d := range deltas {
				pool := stock.Pools[0]
				if i < len(poolIdx) {
					pool = stock.Pools[poolIdx[i]]
				}
				if _, err := l.AdjustPool(ctx, stock.Adjustment{
					ProductID: p.ID, Pool: pool, Delta: d, Kind: stock.KindCorrection, Reason: "prop",
				}); err != nil {
					return false
				}
			}

			got, err := l.GetProduct(ctx, p.ID)
			if err != nil {
				return false
			}
			for _, pool := range stock.Pools {
				sum, err := l.SumMovements(ctx, p.ID, pool, "")
				if err != nil || sum != got.Level(pool) {
					return false
				}
			}
			findings, err := l.Audit(ctx, "")
			return err == nil && len(findings) == 0
		},
		gen.SliceOf(gen.IntRange(-20, 20)),
		gen.SliceOf(gen.IntRange(0, len(stock.Pools)-1)),
	))

	properties.TestingRun(t)
}
