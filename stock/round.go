/*
round.go - Delivery round (tournée) lifecycle

PURPOSE:
  Drives a courier's batch of orders through handover (remise) and return
  (retour), moving stock between available and localReserve.

STATE MACHINE:
  ┌─────────┐  ConfirmHandover  ┌─────────────┐  ConfirmReturn  ┌────────┐
  │ PENDING │ ────────────────▶ │ HANDED_OVER │ ──────────────▶ │ CLOSED │
  └─────────┘                   └─────────────┘                 └────────┘

  No transition skips a state. ConfirmReturn on PENDING fails with
  ErrInvalidRoundState.

IDEMPOTENCY:
  The handover/return records are checked INSIDE the store transaction.
  A retry (or a concurrent duplicate that loses the race) finds the record
  already set and gets it back with AlreadyConfirmed, without touching pools.

DISCREPANCY (écart):
  delivered         = units of orders in LIVREE
  expectedRemaining = confirmedQuantity - delivered
  discrepancy       = expectedRemaining - returnedQuantity
  A nonzero discrepancy needs a reason before the round can close.

ATOMICITY:
  Handover and return each run in one transaction. If any order fails
  (unknown product, store error) no pool of any order is changed.

SEE ALSO:
  - ledger.go: apply() is the only pool writer
  - reconcile.go: recomputes localReserve from handed-over rounds
*/
package stock

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// =============================================================================
// ROUND SERVICE
// =============================================================================

type RoundService struct {
	Ledger   *Ledger
	Notifier Notifier
	Logger   zerolog.Logger
}

func NewRoundService(ledger *Ledger, notifier Notifier) *RoundService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &RoundService{Ledger: ledger, Notifier: notifier, Logger: ledger.Logger}
}

// assignable lists the order statuses a new round may pick up.
// Refused/cancelled/returned orders can go out again on a later round.
func assignable(s OrderStatus) bool {
	switch s {
	case StatusValidated, StatusRefused, StatusDeliveryCancelled, StatusReturned:
		return true
	}
	return false
}

// CreateRound assigns orders to a courier and opens a PENDING round.
func (rs *RoundService) CreateRound(ctx context.Context, courierID string, orderIDs []OrderID, actor ActorID) (Round, error) {
	if strings.TrimSpace(courierID) == "" {
		return Round{}, fmt.Errorf("%w: courier is required", ErrInvalidRound)
	}
	if len(orderIDs) == 0 {
		return Round{}, fmt.Errorf("%w: a round needs at least one order", ErrInvalidRound)
	}

	round := Round{
		ID:        RoundID(rs.Ledger.NewID()),
		CourierID: courierID,
		OrderIDs:  orderIDs,
		CreatedBy: actor,
		CreatedAt: rs.Ledger.Clock(),
	}

	err := rs.Ledger.Store.WithTx(ctx, func(s Store) error {
		seen := make(map[OrderID]bool, len(orderIDs))
		for _, id := range orderIDs {
			if seen[id] {
				return fmt.Errorf("%w: order %s listed twice", ErrInvalidRound, id)
			}
			seen[id] = true

			o, err := s.GetOrder(ctx, id)
			if err != nil {
				return err
			}
			if o.RoundID != "" {
				current, err := s.GetRound(ctx, o.RoundID)
				if err != nil {
					return err
				}
				if current.State() != RoundClosed {
					return fmt.Errorf("%w: order %s is on round %s", ErrOrderAlreadyAssigned, id, current.ID)
				}
			}
			if !assignable(o.Status) {
				return &StatusTransitionError{OrderID: id, From: o.Status, To: StatusAssigned}
			}
		}

		if err := s.CreateRound(ctx, round); err != nil {
			return err
		}
		for _, id := range orderIDs {
			if err := s.AssignOrder(ctx, id, round.ID, round.CreatedAt); err != nil {
				return err
			}
			if err := s.SetOrderStatus(ctx, id, StatusAssigned, fmt.Sprintf("assigned to round %s", round.ID), round.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Round{}, err
	}

	rs.Logger.Info().
		Str("round_id", string(round.ID)).
		Str("courier_id", courierID).
		Int("orders", len(orderIDs)).
		Msg("round created")
	return round, nil
}

func (rs *RoundService) GetRound(ctx context.Context, id RoundID) (Round, error) {
	return rs.Ledger.Store.GetRound(ctx, id)
}

func (rs *RoundService) ListRounds(ctx context.Context, filter RoundFilter) ([]Round, error) {
	return rs.Ledger.Store.ListRounds(ctx, filter)
}

// Discrepancies returns closed rounds whose return recorded a nonzero écart.
func (rs *RoundService) Discrepancies(ctx context.Context) ([]Round, error) {
	rounds, err := rs.Ledger.Store.ListRounds(ctx, RoundFilter{State: RoundClosed})
	if err != nil {
		return nil, err
	}
	var out []Round
	for _, r := range rounds {
		if r.Return != nil && r.Return.Discrepancy != 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

// =============================================================================
// HANDOVER (remise)
// =============================================================================

type HandoverResult struct {
	Round            Round
	Movements        []Movement
	AlreadyConfirmed bool
}

// ConfirmHandover records that the round's stock left with the courier.
//
// LOCAL orders move their quantity from available to localReserve.
// EXPEDITION/EXPRESS orders were committed to expressReserve at validation
// time, so they only get a zero-quantity traceability movement.
func (rs *RoundService) ConfirmHandover(ctx context.Context, roundID RoundID, confirmedQuantity int, actor ActorID) (HandoverResult, error) {
	if confirmedQuantity < 0 {
		return HandoverResult{}, fmt.Errorf("%w: confirmed quantity %d", ErrInvalidQuantity, confirmedQuantity)
	}

	var res HandoverResult
	err := rs.Ledger.Store.WithTx(ctx, func(s Store) error {
		round, err := s.GetRound(ctx, roundID)
		if err != nil {
			return err
		}
		if round.Handover != nil {
			res = HandoverResult{Round: round, AlreadyConfirmed: true}
			return nil
		}

		orders, err := s.OrdersInRound(ctx, roundID)
		if err != nil {
			return err
		}

		var movements []Movement
		for _, o := range orders {
			if !o.Tracked() {
				continue
			}
			var adjs []Adjustment
			if o.DeliveryType.IsLocal() {
				adjs = []Adjustment{
					{ProductID: o.ProductID, Pool: PoolAvailable, Delta: -o.Quantity},
					{ProductID: o.ProductID, Pool: PoolLocalReserve, Delta: o.Quantity},
				}
				for i := range adjs {
					adjs[i].Kind = KindReserveLocal
				}
			} else {
				adjs = []Adjustment{{
					ProductID: o.ProductID,
					Pool:      PoolExpressReserve,
					Kind:      KindReserveExpress,
					Reason:    fmt.Sprintf("%s handover trace, %d unit(s) reserved at validation", o.DeliveryType, o.Quantity),
				}}
			}
			for _, adj := range adjs {
				adj.OrderID = o.OrderID
				adj.RoundID = roundID
				adj.ActorID = actor
				m, err := rs.Ledger.apply(ctx, s, adj)
				if err != nil {
					return fmt.Errorf("handover of order %s: %w", o.OrderID, err)
				}
				movements = append(movements, m)
			}
		}

		h := Handover{
			ConfirmedQuantity: confirmedQuantity,
			ConfirmedAt:       rs.Ledger.Clock(),
			ConfirmedBy:       actor,
		}
		if err := s.SaveHandover(ctx, roundID, h); err != nil {
			return err
		}
		round.Handover = &h
		res = HandoverResult{Round: round, Movements: movements}
		return nil
	})
	if err != nil {
		return HandoverResult{}, err
	}

	if res.AlreadyConfirmed {
		rs.Logger.Debug().Str("round_id", string(roundID)).Msg("handover already confirmed")
		return res, nil
	}

	rs.Logger.Info().
		Str("round_id", string(roundID)).
		Int("confirmed_quantity", confirmedQuantity).
		Int("movements", len(res.Movements)).
		Str("actor_id", string(actor)).
		Msg("round handed over")

	rs.notify(ctx, Event{
		Type:    EventRoundHandedOver,
		RoundID: roundID,
		ActorID: actor,
		At:      res.Round.Handover.ConfirmedAt,
		Data: map[string]any{
			"courier_id":         res.Round.CourierID,
			"confirmed_quantity": confirmedQuantity,
		},
	})
	return res, nil
}

// =============================================================================
// RETURN (retour)
// =============================================================================

type ReturnRequest struct {
	RoundID           RoundID
	ReturnedQuantity  int
	DiscrepancyReason string
	OrderReasons      map[OrderID]string
	ActorID           ActorID
}

type ReturnResult struct {
	Round            Round
	Movements        []Movement
	ReturnedOrders   []OrderID
	AlreadyConfirmed bool
}

// ConfirmReturn closes a handed-over round. Every non-delivered LOCAL order
// goes back from localReserve to available and is marked RETOURNE.
//
// A round without LOCAL tracked orders closes without any pool mutation,
// but the discrepancy rule still applies.
func (rs *RoundService) ConfirmReturn(ctx context.Context, req ReturnRequest) (ReturnResult, error) {
	if req.ReturnedQuantity < 0 {
		return ReturnResult{}, fmt.Errorf("%w: returned quantity %d", ErrInvalidQuantity, req.ReturnedQuantity)
	}

	var res ReturnResult
	err := rs.Ledger.Store.WithTx(ctx, func(s Store) error {
		round, err := s.GetRound(ctx, req.RoundID)
		if err != nil {
			return err
		}
		if round.Return != nil {
			res = ReturnResult{Round: round, AlreadyConfirmed: true}
			return nil
		}
		if round.Handover == nil {
			return &InvalidRoundStateError{RoundID: round.ID, State: round.State(), Operation: "confirm return of"}
		}

		orders, err := s.OrdersInRound(ctx, req.RoundID)
		if err != nil {
			return err
		}

		delivered := 0
		for _, o := range orders {
			if o.Status == StatusDelivered {
				delivered += o.Quantity
			}
		}
		expectedRemaining := round.Handover.ConfirmedQuantity - delivered
		discrepancy := expectedRemaining - req.ReturnedQuantity
		if discrepancy != 0 && strings.TrimSpace(req.DiscrepancyReason) == "" {
			return &DiscrepancyError{
				RoundID:           round.ID,
				ConfirmedQuantity: round.Handover.ConfirmedQuantity,
				Delivered:         delivered,
				ExpectedRemaining: expectedRemaining,
				Returned:          req.ReturnedQuantity,
				Discrepancy:       discrepancy,
			}
		}

		var (
			movements  []Movement
			returned   []OrderID
			returnedAt = rs.Ledger.Clock()
		)
		for _, o := range orders {
			if o.Status == StatusDelivered || !o.DeliveryType.IsLocal() {
				continue
			}
			if o.Tracked() {
				for _, adj := range []Adjustment{
					{Pool: PoolAvailable, Delta: o.Quantity},
					{Pool: PoolLocalReserve, Delta: -o.Quantity},
				} {
					adj.ProductID = o.ProductID
					adj.Kind = KindReturnLocal
					adj.OrderID = o.OrderID
					adj.RoundID = round.ID
					adj.ActorID = req.ActorID
					m, err := rs.Ledger.apply(ctx, s, adj)
					if err != nil {
						return fmt.Errorf("return of order %s: %w", o.OrderID, err)
					}
					movements = append(movements, m)
				}
			}

			reason := req.OrderReasons[o.OrderID]
			if reason == "" {
				reason = fmt.Sprintf("returned with round %s", round.ID)
			}
			if err := s.SetOrderStatus(ctx, o.OrderID, StatusReturned, reason, returnedAt); err != nil {
				return err
			}
			returned = append(returned, o.OrderID)
		}

		rec := ReturnRecord{
			DeliveredCount:    delivered,
			ReturnedCount:     req.ReturnedQuantity,
			Discrepancy:       discrepancy,
			DiscrepancyReason: req.DiscrepancyReason,
			ConfirmedAt:       returnedAt,
			ConfirmedBy:       req.ActorID,
		}
		if err := s.SaveReturn(ctx, round.ID, rec); err != nil {
			return err
		}
		round.Return = &rec
		res = ReturnResult{Round: round, Movements: movements, ReturnedOrders: returned}
		return nil
	})
	if err != nil {
		return ReturnResult{}, err
	}

	if res.AlreadyConfirmed {
		rs.Logger.Debug().Str("round_id", string(req.RoundID)).Msg("return already confirmed")
		return res, nil
	}

	rec := res.Round.Return
	ev := rs.Logger.Info()
	if rec.Discrepancy != 0 {
		ev = rs.Logger.Warn().Str("discrepancy_reason", rec.DiscrepancyReason)
	}
	ev.Str("round_id", string(req.RoundID)).
		Int("delivered", rec.DeliveredCount).
		Int("returned", rec.ReturnedCount).
		Int("discrepancy", rec.Discrepancy).
		Int("movements", len(res.Movements)).
		Str("actor_id", string(req.ActorID)).
		Msg("round returned")

	rs.notify(ctx, Event{
		Type:    EventRoundReturned,
		RoundID: req.RoundID,
		ActorID: req.ActorID,
		At:      rec.ConfirmedAt,
		Data: map[string]any{
			"delivered":   rec.DeliveredCount,
			"returned":    rec.ReturnedCount,
			"discrepancy": rec.Discrepancy,
		},
	})
	return res, nil
}

// notify runs after commit. A failure is logged, never returned.
func (rs *RoundService) notify(ctx context.Context, ev Event) {
	if err := rs.Notifier.Notify(ctx, ev); err != nil {
		rs.Logger.Warn().Err(err).
			Str("event", string(ev.Type)).
			Str("round_id", string(ev.RoundID)).
			Msg("notification failed")
	}
}
