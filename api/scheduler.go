/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically compares each product's stored localReserve with what its
  handed-over rounds account for, logs any drift and, when AutoRepair is
  set, books the correcting movements.

DESIGN:
  - gocron DurationJob, first run immediately on Start
  - Singleton mode: a slow run is never overlapped by the next tick
  - RunOnce is the unit of work, shared with `ledger reconcile`

CONFIGURATION (config.ReconciliationConfig):
  - Interval:   How often to check (default: 15m)
  - AutoRepair: Repair drift instead of only reporting it
  - Actor:      Actor recorded on repair movements

USAGE:
  s := NewReconciliationScheduler(reconciler, 15*time.Minute)
  s.Start(ctx)
  // ... later
  s.Stop()

SEE ALSO:
  - stock/reconcile.go: DetectDrift, RepairAll
  - handlers.go: manual report / repair endpoints
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/warp/fulfillment-ledger/stock"
)

// ReconciliationScheduler runs drift detection on an interval.
type ReconciliationScheduler struct {
	Reconciler *stock.Reconciler
	Interval   time.Duration
	AutoRepair bool
	Actor      stock.ActorID
	Logger     zerolog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	lastRun   *RunSummary
}

// RunSummary describes one reconciliation pass.
type RunSummary struct {
	StartedAt time.Time
	Duration  time.Duration
	Drifted   []stock.ReconciliationReport
	Repaired  []stock.Movement
}

// NewReconciliationScheduler creates a scheduler that only reports drift.
func NewReconciliationScheduler(reconciler *stock.Reconciler, interval time.Duration) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Reconciler: reconciler,
		Interval:   interval,
		Actor:      stock.SystemActor,
		Logger:     zerolog.Nop(),
	}
}

// Start registers the job and starts the scheduler. Runs are bound to ctx.
func (rs *ReconciliationScheduler) Start(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.scheduler != nil {
		return errors.New("reconciliation scheduler already started")
	}
	if rs.Interval <= 0 {
		return errors.Errorf("reconciliation interval %s must be positive", rs.Interval)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}
	_, err = s.NewJob(
		gocron.DurationJob(rs.Interval),
		gocron.NewTask(func() {
			if _, err := rs.RunOnce(ctx); err != nil {
				rs.Logger.Error().Err(err).Msg("reconciliation run failed")
			}
		}),
		gocron.WithName("reconcile-local-reserve"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		s.Shutdown()
		return errors.Wrap(err, "register reconciliation job")
	}

	s.Start()
	rs.scheduler = s
	rs.Logger.Info().
		Dur("interval", rs.Interval).
		Bool("auto_repair", rs.AutoRepair).
		Msg("reconciliation scheduler started")
	return nil
}

// Stop waits for a running pass to finish and stops the scheduler.
func (rs *ReconciliationScheduler) Stop() error {
	rs.mu.Lock()
	s := rs.scheduler
	rs.scheduler = nil
	rs.mu.Unlock()

	if s == nil {
		return nil
	}
	// Shutdown waits for a running pass, which takes mu to record itself.
	err := s.Shutdown()
	rs.Logger.Info().Msg("reconciliation scheduler stopped")
	return errors.Wrap(err, "shutdown scheduler")
}

// RunOnce detects drift and, with AutoRepair, repairs it.
func (rs *ReconciliationScheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	summary := RunSummary{StartedAt: time.Now()}

	drifted, err := rs.Reconciler.DetectDrift(ctx)
	if err != nil {
		return summary, errors.Wrap(err, "detect drift")
	}
	summary.Drifted = drifted

	for _, rep := range drifted {
		rs.Logger.Warn().
			Str("product_id", string(rep.ProductID)).
			Str("product_code", rep.ProductCode).
			Int("stored", rep.StoredReserve).
			Int("expected", rep.ExpectedReserve).
			Int("delta", rep.Delta).
			Msg("local reserve drift")
	}

	if rs.AutoRepair && len(drifted) > 0 {
		repaired, err := rs.Reconciler.RepairAll(ctx, rs.Actor)
		summary.Repaired = repaired
		if err != nil {
			return summary, errors.Wrap(err, "repair drift")
		}
	}

	summary.Duration = time.Since(summary.StartedAt)
	rs.mu.Lock()
	rs.lastRun = &summary
	rs.mu.Unlock()

	rs.Logger.Info().
		Int("drifted", len(summary.Drifted)).
		Int("repaired", len(summary.Repaired)).
		Dur("duration", summary.Duration).
		Msg("reconciliation run complete")
	return summary, nil
}

// LastRun returns the most recent successful pass, or nil.
func (rs *ReconciliationScheduler) LastRun() *RunSummary {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastRun
}
