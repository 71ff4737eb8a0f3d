/*
Package orders is the order state machine the stock ledger reads from.

PURPOSE:
  Order intake and status resolution. Rounds assign orders (ASSIGNEE) and
  close them (RETOURNE) through the stock package; everything else about an
  order's status goes through Service.Transition.

STATUS FLOW:
  EN_ATTENTE ──▶ VALIDEE ──(round)──▶ ASSIGNEE ──▶ LIVREE
       │            │                    │
       ▼            ▼                    ├──▶ REFUSEE ──────────┐
    ANNULEE      ANNULEE                 └──▶ ANNULEE_LIVRAISON ┴─(return)─▶ RETOURNE

EXPRESS COMMITMENT:
  EXPEDITION/EXPRESS orders move their quantity from available to
  expressReserve when validated (KindReserveExpress). Cancelling such an
  order afterwards does NOT release expressReserve: there is no reverse
  movement kind. The cancellation is logged so the leak can be followed up.

COURIER RESOLUTION:
  LIVREE, REFUSEE and ANNULEE_LIVRAISON are only reachable once the order's
  round is HANDED_OVER. A LOCAL order resolved earlier would have its units
  moved into localReserve at handover without being counted as expected.
  Express-pipeline orders keep ASSIGNEE/REFUSEE after their round closes and
  may still settle then.

SEE ALSO:
  - stock/round.go: ASSIGNEE and RETOURNE transitions
*/
package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/fulfillment-ledger/stock"
)

// transitions lists the statuses reachable through Transition.
// ASSIGNEE and RETOURNE are set by round creation and return only.
var transitions = map[stock.OrderStatus][]stock.OrderStatus{
	stock.StatusPending:   {stock.StatusValidated, stock.StatusCancelled},
	stock.StatusValidated: {stock.StatusCancelled},
	stock.StatusAssigned:  {stock.StatusDelivered, stock.StatusRefused, stock.StatusDeliveryCancelled},
	stock.StatusRefused:   {stock.StatusDelivered},
	stock.StatusReturned:  {stock.StatusValidated, stock.StatusCancelled},
}

func isCourierResolution(s stock.OrderStatus) bool {
	switch s {
	case stock.StatusDelivered, stock.StatusRefused, stock.StatusDeliveryCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to stock.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Service struct {
	Store  stock.TxStore
	Ledger *stock.Ledger
	Clock  func() time.Time
	NewID  func() string
	Logger zerolog.Logger
}

func NewService(ledger *stock.Ledger) *Service {
	return &Service{
		Store:  ledger.Store,
		Ledger: ledger,
		Clock:  func() time.Time { return ledger.Clock() },
		NewID:  uuid.NewString,
		Logger: ledger.Logger,
	}
}

type NewOrder struct {
	Reference    string
	ProductID    stock.ProductID
	Quantity     int
	DeliveryType stock.DeliveryType
}

// Create registers an order in EN_ATTENTE.
func (s *Service) Create(ctx context.Context, no NewOrder) (stock.Order, error) {
	if no.Quantity <= 0 {
		return stock.Order{}, fmt.Errorf("%w: order quantity %d", stock.ErrInvalidQuantity, no.Quantity)
	}
	if !no.DeliveryType.Valid() {
		return stock.Order{}, fmt.Errorf("%w: delivery type %q", stock.ErrInvalidAdjustment, no.DeliveryType)
	}

	now := s.Clock()
	o := stock.Order{
		ID:           stock.OrderID(s.NewID()),
		Reference:    no.Reference,
		ProductID:    no.ProductID,
		Quantity:     no.Quantity,
		DeliveryType: no.DeliveryType,
		Status:       stock.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.Store.WithTx(ctx, func(tx stock.Store) error {
		if o.ProductID != "" {
			if _, err := tx.GetProduct(ctx, o.ProductID); err != nil {
				return err
			}
		}
		return tx.CreateOrder(ctx, o)
	})
	if err != nil {
		return stock.Order{}, err
	}
	return o, nil
}

func (s *Service) Get(ctx context.Context, id stock.OrderID) (stock.Order, error) {
	return s.Store.GetOrder(ctx, id)
}

func (s *Service) List(ctx context.Context, filter stock.OrderFilter) ([]stock.Order, error) {
	return s.Store.ListOrders(ctx, filter)
}

// Transition moves an order to a new status.
// Validating an express-pipeline order commits its stock to expressReserve.
func (s *Service) Transition(ctx context.Context, id stock.OrderID, to stock.OrderStatus, reason string, actor stock.ActorID) (stock.Order, error) {
	if to == stock.StatusCancelled && strings.TrimSpace(reason) == "" {
		return stock.Order{}, fmt.Errorf("%w: cancelling an order", stock.ErrReasonRequired)
	}

	var updated stock.Order
	err := s.Store.WithTx(ctx, func(tx stock.Store) error {
		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(o.Status, to) {
			return &stock.StatusTransitionError{OrderID: id, From: o.Status, To: to}
		}
		if isCourierResolution(to) && o.RoundID != "" {
			if err := requireRoundOut(ctx, tx, o); err != nil {
				return err
			}
		}

		if to == stock.StatusValidated && o.Status == stock.StatusPending && o.ProductID != "" && !o.DeliveryType.IsLocal() {
			if err := s.commitExpress(ctx, tx, o, actor); err != nil {
				return err
			}
		}

		if err := tx.SetOrderStatus(ctx, id, to, reason, s.Clock()); err != nil {
			return err
		}
		updated, err = tx.GetOrder(ctx, id)
		return err
	})
	if err != nil {
		return stock.Order{}, err
	}

	if to == stock.StatusCancelled && !updated.DeliveryType.IsLocal() && updated.ProductID != "" {
		s.Logger.Warn().
			Str("order_id", string(id)).
			Str("product_id", string(updated.ProductID)).
			Int("quantity", updated.Quantity).
			Msg("express order cancelled; express reserve is not released")
	}

	s.Logger.Info().
		Str("order_id", string(id)).
		Str("status", string(to)).
		Str("actor_id", string(actor)).
		Msg("order status changed")
	return updated, nil
}

// requireRoundOut refuses a courier resolution while the order's round has
// not been handed over, or for a LOCAL order whose round is already closed.
func requireRoundOut(ctx context.Context, tx stock.Store, o stock.Order) error {
	round, err := tx.GetRound(ctx, o.RoundID)
	if err != nil {
		return err
	}
	switch state := round.State(); {
	case state == stock.RoundHandedOver:
		return nil
	case state == stock.RoundClosed && !o.DeliveryType.IsLocal():
		return nil
	default:
		return &stock.InvalidRoundStateError{RoundID: round.ID, State: state, Operation: "resolve order on"}
	}
}

func (s *Service) commitExpress(ctx context.Context, tx stock.Store, o stock.Order, actor stock.ActorID) error {
	for _, adj := range []stock.Adjustment{
		{Pool: stock.PoolAvailable, Delta: -o.Quantity},
		{Pool: stock.PoolExpressReserve, Delta: o.Quantity},
	} {
		adj.ProductID = o.ProductID
		adj.Kind = stock.KindReserveExpress
		adj.OrderID = o.ID
		adj.ActorID = actor
		adj.Reason = fmt.Sprintf("%s order validated", o.DeliveryType)
		if _, err := s.Ledger.AdjustPoolIn(ctx, tx, adj); err != nil {
			return err
		}
	}
	return nil
}
