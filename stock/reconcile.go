/*
reconcile.go - localReserve drift detection and repair

PURPOSE:
  localReserve should equal the units physically out with couriers. That
  value can be derived from order state, so it can be checked:

    expected(product) = Σ quantity of orders where
                          delivery type is LOCAL
                          status ∈ {ASSIGNEE, REFUSEE, ANNULEE_LIVRAISON, RETOURNE}
                          round state is HANDED_OVER

  Drift is expected - stored. Repair books exactly one correction movement
  on localReserve. available and expressReserve are never touched: their
  correct values are not derivable from order state.

IDEMPOTENCY:
  Repair recomputes inside its transaction. When delta is already zero it
  writes nothing and returns a nil movement, so it is safe to re-run.

RACES:
  Reads are consistent within one transaction but race order-status
  changes made right after. A short drift window is acceptable; the next
  run repairs it.

SEE ALSO:
  - api/scheduler.go: periodic detect / repair
  - cmd/server/reconcile.go: maintenance CLI
*/
package stock

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

type Reconciler struct {
	Ledger   *Ledger
	Notifier Notifier
	Logger   zerolog.Logger
}

func NewReconciler(ledger *Ledger, notifier Notifier) *Reconciler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Reconciler{Ledger: ledger, Notifier: notifier, Logger: ledger.Logger}
}

// ExpectedReserves computes the expected localReserve of every product that
// has units out on a handed-over round. Products absent from the map expect 0.
func ExpectedReserves(ctx context.Context, s Store) (map[ProductID]int, error) {
	rounds, err := s.ListRounds(ctx, RoundFilter{State: RoundHandedOver})
	if err != nil {
		return nil, err
	}

	expected := make(map[ProductID]int)
	for _, r := range rounds {
		orders, err := s.OrdersInRound(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			if o.Tracked() && o.DeliveryType.IsLocal() && o.Status.WithCourier() {
				expected[o.ProductID] += o.Quantity
			}
		}
	}
	return expected, nil
}

// ComputeExpectedReserve returns the expected localReserve of one product.
func (r *Reconciler) ComputeExpectedReserve(ctx context.Context, productID ProductID) (int, error) {
	var expected int
	err := r.Ledger.Store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetProduct(ctx, productID); err != nil {
			return err
		}
		all, err := ExpectedReserves(ctx, s)
		if err != nil {
			return err
		}
		expected = all[productID]
		return nil
	})
	return expected, err
}

// Report compares stored and expected localReserve for every product.
func (r *Reconciler) Report(ctx context.Context) ([]ReconciliationReport, error) {
	var reports []ReconciliationReport
	err := r.Ledger.Store.WithTx(ctx, func(s Store) error {
		products, err := s.ListProducts(ctx)
		if err != nil {
			return err
		}
		expected, err := ExpectedReserves(ctx, s)
		if err != nil {
			return err
		}
		reports = make([]ReconciliationReport, 0, len(products))
		for _, p := range products {
			reports = append(reports, ReconciliationReport{
				ProductID:       p.ID,
				ProductCode:     p.Code,
				StoredReserve:   p.LocalReserve,
				ExpectedReserve: expected[p.ID],
				Delta:           expected[p.ID] - p.LocalReserve,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// DetectDrift returns the reports of products whose stored and expected
// localReserve differ.
func (r *Reconciler) DetectDrift(ctx context.Context) ([]ReconciliationReport, error) {
	reports, err := r.Report(ctx)
	if err != nil {
		return nil, err
	}
	var drifted []ReconciliationReport
	for _, rep := range reports {
		if rep.Drifted() {
			drifted = append(drifted, rep)
		}
	}
	return drifted, nil
}

// RepairDrift brings one product's localReserve to its expected value with a
// single correction movement. Returns nil when there is nothing to repair.
func (r *Reconciler) RepairDrift(ctx context.Context, productID ProductID, actor ActorID) (*Movement, error) {
	if actor == "" {
		actor = SystemActor
	}

	var repaired *Movement
	err := r.Ledger.Store.WithTx(ctx, func(s Store) error {
		p, err := s.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		all, err := ExpectedReserves(ctx, s)
		if err != nil {
			return err
		}
		expected := all[productID]
		delta := expected - p.LocalReserve
		if delta == 0 {
			return nil
		}
		m, err := r.Ledger.apply(ctx, s, Adjustment{
			ProductID: productID,
			Pool:      PoolLocalReserve,
			Delta:     delta,
			Kind:      KindCorrection,
			ActorID:   actor,
			Reason: fmt.Sprintf("automated reconciliation: local reserve %d, expected %d from in-flight orders",
				p.LocalReserve, expected),
		})
		if err != nil {
			return err
		}
		repaired = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if repaired == nil {
		return nil, nil
	}

	r.Logger.Warn().
		Str("product_id", string(productID)).
		Int("stock_before", repaired.StockBefore).
		Int("stock_after", repaired.StockAfter).
		Str("actor_id", string(actor)).
		Msg("local reserve drift repaired")

	if err := r.Notifier.Notify(ctx, Event{
		Type:      EventDriftRepaired,
		ProductID: productID,
		ActorID:   actor,
		At:        repaired.CreatedAt,
		Data: map[string]any{
			"stock_before": repaired.StockBefore,
			"stock_after":  repaired.StockAfter,
		},
	}); err != nil {
		r.Logger.Warn().Err(err).Str("product_id", string(productID)).Msg("notification failed")
	}
	return repaired, nil
}

// RepairAll repairs every drifted product, each in its own transaction.
// It stops at the first failure and returns the movements written so far.
func (r *Reconciler) RepairAll(ctx context.Context, actor ActorID) ([]Movement, error) {
	drifted, err := r.DetectDrift(ctx)
	if err != nil {
		return nil, err
	}
	var movements []Movement
	for _, rep := range drifted {
		m, err := r.RepairDrift(ctx, rep.ProductID, actor)
		if err != nil {
			return movements, fmt.Errorf("repair %s: %w", rep.ProductCode, err)
		}
		if m != nil {
			movements = append(movements, *m)
		}
	}
	return movements, nil
}
