package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fulfillment-ledger/orders"
	"github.com/warp/fulfillment-ledger/stock"
	"github.com/warp/fulfillment-ledger/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// =============================================================================
// PRODUCTS & MOVEMENTS
// =============================================================================

func TestProducts_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	ledger := stock.NewLedger(st)

	p, err := ledger.CreateProduct(ctx, stock.NewProduct{
		Code:           "SKU-1",
		Name:           "Widget",
		AlertThreshold: 5,
		UnitCost:       decimal.RequireFromString("2.50"),
		InitialStock:   50,
	})
	require.NoError(t, err)

	got, err := st.GetProductByCode(ctx, "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, 50, got.Available)
	assert.True(t, got.UnitCost.Equal(decimal.RequireFromString("2.5")))

	_, err = ledger.CreateProduct(ctx, stock.NewProduct{Code: "SKU-1"})
	assert.ErrorIs(t, err, stock.ErrDuplicateProductCode)

	_, err = st.GetProduct(ctx, "missing")
	assert.ErrorIs(t, err, stock.ErrProductNotFound)
}

func TestMovements_OrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	ledger := stock.NewLedger(st)

	p, err := ledger.CreateProduct(ctx, stock.NewProduct{Code: "SKU-1", InitialStock: 10})
	require.NoError(t, err)
	_, err = ledger.RecordAdjustment(ctx, stock.ManualAdjustment{
		ProductID: p.ID, Kind: stock.KindLoss, Quantity: -2, ActorID: "op-1", Reason: "broken",
	})
	require.NoError(t, err)
	_, err = ledger.RecordAdjustment(ctx, stock.ManualAdjustment{
		ProductID: p.ID, Kind: stock.KindSupply, Quantity: 5, ActorID: "op-1", Reason: "delivery",
	})
	require.NoError(t, err)

	all, err := ledger.ListMovements(ctx, stock.MovementFilter{ProductID: p.ID})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 5, all[0].Quantity, "most recent first")
	assert.Equal(t, "initial stock", all[2].Reason)

	losses, err := ledger.ListMovements(ctx, stock.MovementFilter{Kind: stock.KindLoss})
	require.NoError(t, err)
	require.Len(t, losses, 1)
	assert.Equal(t, 10, losses[0].StockBefore)
	assert.Equal(t, 8, losses[0].StockAfter)

	limited, err := ledger.ListMovements(ctx, stock.MovementFilter{ProductID: p.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	future := time.Now().Add(time.Hour)
	none, err := ledger.ListMovements(ctx, stock.MovementFilter{From: &future})
	require.NoError(t, err)
	assert.Empty(t, none)

	sum, err := ledger.SumMovements(ctx, p.ID, stock.PoolAvailable, "")
	require.NoError(t, err)
	assert.Equal(t, 13, sum)

	findings, err := ledger.Audit(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, findings)
}

// =============================================================================
// FULL ROUND FLOW
// =============================================================================

func TestRoundFlow_HandoverAndReturn(t *testing.T) {
	// GIVEN: 50 available, LOCAL orders of 2, 3 and 1 on one round
	// WHEN: Handover of 6, the 3-unit order delivered, return of 3
	// THEN: 44/6 after handover, 47/3 after return, round CLOSED without discrepancy

	ctx := context.Background()
	st := newStore(t)
	ledger := stock.NewLedger(st)
	svc := orders.NewService(ledger)
	rounds := stock.NewRoundService(ledger, nil)

	p, err := ledger.CreateProduct(ctx, stock.NewProduct{Code: "SKU-1", InitialStock: 50})
	require.NoError(t, err)

	var ids []stock.OrderID
	for _, q := range []int{2, 3, 1} {
		o, err := svc.Create(ctx, orders.NewOrder{ProductID: p.ID, Quantity: q, DeliveryType: stock.DeliveryLocal})
		require.NoError(t, err)
		_, err = svc.Transition(ctx, o.ID, stock.StatusValidated, "", "op-1")
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}

	r, err := rounds.CreateRound(ctx, "courier-1", ids, "op-1")
	require.NoError(t, err)
	assert.Equal(t, stock.RoundPending, r.State())

	stored, err := st.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ids, stored.OrderIDs)

	_, err = rounds.ConfirmHandover(ctx, r.ID, 6, "op-1")
	require.NoError(t, err)

	got, err := st.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 44, got.Available)
	assert.Equal(t, 6, got.LocalReserve)

	handedOver, err := st.ListRounds(ctx, stock.RoundFilter{State: stock.RoundHandedOver})
	require.NoError(t, err)
	require.Len(t, handedOver, 1)
	assert.Equal(t, 6, handedOver[0].Handover.ConfirmedQuantity)

	_, err = svc.Transition(ctx, ids[1], stock.StatusDelivered, "", "courier-1")
	require.NoError(t, err)

	res, err := rounds.ConfirmReturn(ctx, stock.ReturnRequest{RoundID: r.ID, ReturnedQuantity: 3, ActorID: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, stock.RoundClosed, res.Round.State())
	assert.Equal(t, 0, res.Round.Return.Discrepancy)

	got, err = st.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 47, got.Available)
	assert.Equal(t, 3, got.LocalReserve)

	returned, err := st.ListOrders(ctx, stock.OrderFilter{Status: stock.StatusReturned})
	require.NoError(t, err)
	assert.Len(t, returned, 2)

	closed, err := st.ListRounds(ctx, stock.RoundFilter{State: stock.RoundClosed})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 3, closed[0].Return.ReturnedCount)

	findings, err := ledger.Audit(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestOrders_UpdatedAtFollowsGivenTime(t *testing.T) {
	// GIVEN: An order created at 08:00
	ctx := context.Background()
	st := newStore(t)
	created := time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	o := stock.Order{ID: "o-1", Reference: "R1", Quantity: 1, DeliveryType: stock.DeliveryLocal,
		Status: stock.StatusValidated, CreatedAt: created, UpdatedAt: created}
	require.NoError(t, st.CreateOrder(ctx, o))

	// WHEN: It is assigned at 09:00 and refused at 10:30
	require.NoError(t, st.AssignOrder(ctx, o.ID, "r-1", created.Add(time.Hour)))
	got, err := st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, created.Add(time.Hour).Equal(got.UpdatedAt))

	refusedAt := created.Add(150 * time.Minute)
	require.NoError(t, st.SetOrderStatus(ctx, o.ID, stock.StatusRefused, "customer absent", refusedAt))

	// THEN: UpdatedAt is the time passed in, CreatedAt unchanged
	got, err = st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, refusedAt.Equal(got.UpdatedAt), got.UpdatedAt)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Equal(t, stock.RoundID("r-1"), got.RoundID)

	// AND: Unknown orders are reported
	assert.ErrorIs(t, st.SetOrderStatus(ctx, "ghost", stock.StatusRefused, "", refusedAt), stock.ErrOrderNotFound)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	ledger := stock.NewLedger(st)
	p, err := ledger.CreateProduct(ctx, stock.NewProduct{Code: "SKU-1", InitialStock: 5})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = st.WithTx(ctx, func(s stock.Store) error {
		if _, err := ledger.AdjustPoolIn(ctx, s, stock.Adjustment{
			ProductID: p.ID, Pool: stock.PoolAvailable, Delta: -5, Kind: stock.KindLoss, Reason: "lost",
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := st.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Available)

	mvs, err := st.ListMovements(ctx, stock.MovementFilter{ProductID: p.ID})
	require.NoError(t, err)
	assert.Len(t, mvs, 1)
}

// =============================================================================
// TRANSACTION FAILURES
// =============================================================================

func TestWithTx_BeginFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	st := sqlite.Open(db)
	called := false
	err = st.WithTx(context.Background(), func(stock.Store) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.ErrorIs(t, err, stock.ErrTransactionFailure)
	assert.True(t, stock.IsRetryable(err))
	var te *stock.TransactionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "begin", te.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CommitFailure(t *testing.T) {
	// GIVEN: A handover whose commit fails
	// WHEN: ConfirmHandover runs
	// THEN: ErrTransactionFailure surfaces to the caller

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products SET available").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk I/O error"))

	st := sqlite.Open(db)
	err = st.WithTx(context.Background(), func(s stock.Store) error {
		return s.SetLevel(context.Background(), "p-1", stock.PoolAvailable, 3, time.Now())
	})

	assert.ErrorIs(t, err, stock.ErrTransactionFailure)
	var te *stock.TransactionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "commit", te.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CallbackErrorRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products SET local_reserve").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	st := sqlite.Open(db)
	err = st.WithTx(context.Background(), func(s stock.Store) error {
		return s.SetLevel(context.Background(), "missing", stock.PoolLocalReserve, 1, time.Now())
	})

	assert.ErrorIs(t, err, stock.ErrProductNotFound)
	assert.False(t, stock.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandover_CommitFailureLeavesRoundPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	roundCols := []string{"id", "courier_id", "created_by", "created_at",
		"handover_quantity", "handover_at", "handover_by",
		"return_delivered", "return_returned", "return_discrepancy", "return_reason", "return_at", "return_by"}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM rounds WHERE id").
		WillReturnRows(sqlmock.NewRows(roundCols).
			AddRow("r-1", "courier-1", "op-1", "2026-01-01T08:00:00.000000000Z", nil, nil, nil, nil, nil, nil, nil, nil, nil))
	mock.ExpectQuery("FROM round_orders WHERE round_id").
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}))
	mock.ExpectQuery("SELECT 1 FROM rounds").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("FROM round_orders ro").
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "quantity", "delivery_type", "status"}))
	mock.ExpectExec("UPDATE rounds SET handover_quantity").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk I/O error"))

	ledger := stock.NewLedger(sqlite.Open(db))
	rounds := stock.NewRoundService(ledger, nil)

	_, err = rounds.ConfirmHandover(context.Background(), "r-1", 0, "op-1")

	assert.ErrorIs(t, err, stock.ErrTransactionFailure)
	assert.NoError(t, mock.ExpectationsWereMet())
}
