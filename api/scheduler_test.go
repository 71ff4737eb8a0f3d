package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fulfillment-ledger/stock"
)

func driftedFixture(t *testing.T) (apiFixture, stock.ProductID) {
	t.Helper()
	f := newAPIFixture(t)
	res, err := f.h.loadRoundClosedScenario(context.Background())
	require.NoError(t, err)
	return f, stock.ProductID(res.ProductIDs[0])
}

func TestScheduler_RunOnceReportsOnly(t *testing.T) {
	// GIVEN: A closed round leaving 3 units of drift
	f, productID := driftedFixture(t)
	s := NewReconciliationScheduler(f.h.Reconciler, time.Minute)

	// WHEN: Running without auto-repair
	summary, err := s.RunOnce(context.Background())

	// THEN: Drift is reported, nothing repaired
	require.NoError(t, err)
	require.Len(t, summary.Drifted, 1)
	assert.Equal(t, productID, summary.Drifted[0].ProductID)
	assert.Empty(t, summary.Repaired)
	assert.Equal(t, 3, f.product(t, string(productID)).LocalReserve)
	require.NotNil(t, s.LastRun())
	assert.Len(t, s.LastRun().Drifted, 1)
}

func TestScheduler_RunOnceAutoRepair(t *testing.T) {
	f, productID := driftedFixture(t)
	s := NewReconciliationScheduler(f.h.Reconciler, time.Minute)
	s.AutoRepair = true

	summary, err := s.RunOnce(context.Background())

	require.NoError(t, err)
	require.Len(t, summary.Repaired, 1)
	assert.Equal(t, stock.SystemActor, summary.Repaired[0].ActorID)
	assert.Equal(t, 0, f.product(t, string(productID)).LocalReserve)

	// A second pass finds nothing.
	summary, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Drifted)
	assert.Empty(t, summary.Repaired)
}

func TestScheduler_StartRunsImmediately(t *testing.T) {
	// GIVEN: A scheduler with a long interval and auto-repair
	f, productID := driftedFixture(t)
	s := NewReconciliationScheduler(f.h.Reconciler, time.Hour)
	s.AutoRepair = true

	// WHEN: Started
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// THEN: The first pass runs without waiting for the interval
	require.Eventually(t, func() bool { return s.LastRun() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.product(t, string(productID)).LocalReserve)

	// AND: It cannot be started twice
	assert.Error(t, s.Start(context.Background()))
}

func TestScheduler_RejectsZeroInterval(t *testing.T) {
	f := newAPIFixture(t)
	s := NewReconciliationScheduler(f.h.Reconciler, 0)

	assert.Error(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop())
}
