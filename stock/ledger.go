/*
ledger.go - Pool store choke point and movement ledger

PURPOSE:
  Ledger is the only writer of pool counters. AdjustPool applies a delta to
  one pool of one product and appends the matching Movement in the same
  store transaction, so the movement log is complete by construction.

CRITICAL INVARIANTS:
  1. ONE MUTATION, ONE MOVEMENT: every SetLevel is paired with AppendMovement
  2. APPEND-ONLY: movements are never updated or deleted
  3. REPLAYABLE: sum(movements for pool) == stored pool value
  4. NO NON-NEGATIVITY CHECK: available may go negative (stock owed but not
     yet received). Callers decide whether to refuse.

CORRECTIONS:
  A wrong count is fixed with a new KindCorrection movement, never by
  editing history:

    supply +10      available 0  -> 10
    loss   -2       available 10 -> 8
    correction +1   available 8  -> 9   (reason: "recount after inventory")

SEE ALSO:
  - round.go: issues reserve/return movements through apply()
  - reconcile.go: issues correction movements through apply()
*/
package stock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store  TxStore
	Clock  func() time.Time
	NewID  func() string
	Logger zerolog.Logger
}

func NewLedger(store TxStore) *Ledger {
	return &Ledger{
		Store:  store,
		Clock:  func() time.Time { return time.Now().UTC() },
		NewID:  uuid.NewString,
		Logger: zerolog.Nop(),
	}
}

// Adjustment describes one pool mutation and its cause.
type Adjustment struct {
	ProductID ProductID
	Pool      Pool
	Delta     int
	Kind      MovementKind
	OrderID   OrderID
	RoundID   RoundID
	ActorID   ActorID
	Reason    string
}

// AdjustPool applies adj in its own transaction and returns the movement.
func (l *Ledger) AdjustPool(ctx context.Context, adj Adjustment) (Movement, error) {
	var m Movement
	err := l.Store.WithTx(ctx, func(s Store) error {
		var err error
		m, err = l.apply(ctx, s, adj)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	return m, nil
}

// AdjustPoolIn applies adj inside a transaction the caller already holds,
// for collaborators that must move stock together with their own writes.
func (l *Ledger) AdjustPoolIn(ctx context.Context, s Store, adj Adjustment) (Movement, error) {
	return l.apply(ctx, s, adj)
}

// apply performs the mutation against s, which must be a transactional view.
func (l *Ledger) apply(ctx context.Context, s Store, adj Adjustment) (Movement, error) {
	if !adj.Pool.Valid() {
		return Movement{}, fmt.Errorf("%w: unknown pool %q", ErrInvalidAdjustment, adj.Pool)
	}
	if !adj.Kind.Valid() {
		return Movement{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidAdjustment, adj.Kind)
	}
	if adj.Kind.RequiresReason() && strings.TrimSpace(adj.Reason) == "" {
		return Movement{}, fmt.Errorf("%w: %s movement", ErrReasonRequired, adj.Kind)
	}

	p, err := s.GetProduct(ctx, adj.ProductID)
	if err != nil {
		return Movement{}, err
	}

	now := l.Clock()
	before := p.Level(adj.Pool)
	after := before + adj.Delta

	if adj.Delta != 0 {
		if err := s.SetLevel(ctx, p.ID, adj.Pool, after, now); err != nil {
			return Movement{}, err
		}
	}

	m := Movement{
		ID:          MovementID(l.NewID()),
		ProductID:   p.ID,
		Kind:        adj.Kind,
		Pool:        adj.Pool,
		Quantity:    adj.Delta,
		StockBefore: before,
		StockAfter:  after,
		OrderID:     adj.OrderID,
		RoundID:     adj.RoundID,
		ActorID:     adj.ActorID,
		Reason:      adj.Reason,
		CreatedAt:   now,
	}
	if err := s.AppendMovement(ctx, m); err != nil {
		return Movement{}, err
	}
	return m, nil
}

// =============================================================================
// MANUAL ADJUSTMENTS - supply, loss, correction entered by an operator
// =============================================================================

type ManualAdjustment struct {
	ProductID ProductID
	Pool      Pool // defaults to PoolAvailable
	Kind      MovementKind
	Quantity  int // signed
	ActorID   ActorID
	Reason    string
}

// RecordAdjustment validates and applies an operator-entered adjustment.
// A human-readable reason is always required.
func (l *Ledger) RecordAdjustment(ctx context.Context, a ManualAdjustment) (Movement, error) {
	if a.Pool == "" {
		a.Pool = PoolAvailable
	}
	if strings.TrimSpace(a.Reason) == "" {
		return Movement{}, fmt.Errorf("%w: manual %s", ErrReasonRequired, a.Kind)
	}

	switch a.Kind {
	case KindSupply:
		if a.Quantity <= 0 {
			return Movement{}, fmt.Errorf("%w: supply must be positive, got %d", ErrInvalidAdjustment, a.Quantity)
		}
	case KindLoss:
		if a.Quantity >= 0 {
			return Movement{}, fmt.Errorf("%w: loss must be negative, got %d", ErrInvalidAdjustment, a.Quantity)
		}
	case KindCorrection:
		if a.Quantity == 0 {
			return Movement{}, fmt.Errorf("%w: correction of zero", ErrInvalidAdjustment)
		}
	default:
		return Movement{}, fmt.Errorf("%w: kind %q is not a manual kind", ErrInvalidAdjustment, a.Kind)
	}

	m, err := l.AdjustPool(ctx, Adjustment{
		ProductID: a.ProductID,
		Pool:      a.Pool,
		Delta:     a.Quantity,
		Kind:      a.Kind,
		ActorID:   a.ActorID,
		Reason:    a.Reason,
	})
	if err != nil {
		return Movement{}, err
	}

	l.Logger.Info().
		Str("product_id", string(m.ProductID)).
		Str("kind", string(m.Kind)).
		Str("pool", string(m.Pool)).
		Int("quantity", m.Quantity).
		Int("stock_after", m.StockAfter).
		Str("actor_id", string(m.ActorID)).
		Msg("manual adjustment recorded")
	return m, nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

type NewProduct struct {
	Code           string
	Name           string
	AlertThreshold int
	UnitCost       decimal.Decimal
	InitialStock   int
	ActorID        ActorID
}

// CreateProduct inserts a product with empty pools. A nonzero InitialStock
// is booked as a supply movement so the ledger replays from zero.
func (l *Ledger) CreateProduct(ctx context.Context, np NewProduct) (Product, error) {
	if strings.TrimSpace(np.Code) == "" {
		return Product{}, fmt.Errorf("%w: product code is empty", ErrInvalidAdjustment)
	}
	if np.InitialStock < 0 {
		return Product{}, fmt.Errorf("%w: initial stock %d", ErrInvalidQuantity, np.InitialStock)
	}

	now := l.Clock()
	p := Product{
		ID:             ProductID(l.NewID()),
		Code:           np.Code,
		Name:           np.Name,
		AlertThreshold: np.AlertThreshold,
		UnitCost:       np.UnitCost,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := l.Store.WithTx(ctx, func(s Store) error {
		if err := s.CreateProduct(ctx, p); err != nil {
			return err
		}
		if np.InitialStock == 0 {
			return nil
		}
		m, err := l.apply(ctx, s, Adjustment{
			ProductID: p.ID,
			Pool:      PoolAvailable,
			Delta:     np.InitialStock,
			Kind:      KindSupply,
			ActorID:   np.ActorID,
			Reason:    "initial stock",
		})
		if err != nil {
			return err
		}
		p.Available = m.StockAfter
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

func (l *Ledger) GetProduct(ctx context.Context, id ProductID) (Product, error) {
	return l.Store.GetProduct(ctx, id)
}

func (l *Ledger) ListProducts(ctx context.Context) ([]Product, error) {
	return l.Store.ListProducts(ctx)
}

// =============================================================================
// MOVEMENT QUERIES - Read-only
// =============================================================================

// ListMovements returns matching movements, most recent first.
func (l *Ledger) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	return l.Store.ListMovements(ctx, filter)
}

// SumMovements sums a pool's movements, optionally restricted to one kind.
func (l *Ledger) SumMovements(ctx context.Context, productID ProductID, pool Pool, kind MovementKind) (int, error) {
	if !pool.Valid() {
		return 0, fmt.Errorf("%w: unknown pool %q", ErrInvalidAdjustment, pool)
	}
	return l.Store.SumMovements(ctx, productID, pool, kind)
}

// =============================================================================
// AUDIT - Replay check
// =============================================================================

// AuditFinding is a pool whose stored value differs from its replayed movements.
type AuditFinding struct {
	ProductID ProductID
	Code      string
	Pool      Pool
	Stored    int
	Replayed  int
}

// Audit replays every pool of every product (or only productID when set)
// and returns the pools that do not match. An empty result means the
// ledger is complete.
func (l *Ledger) Audit(ctx context.Context, productID ProductID) ([]AuditFinding, error) {
	var findings []AuditFinding
	err := l.Store.WithTx(ctx, func(s Store) error {
		var products []Product
		if productID != "" {
			p, err := s.GetProduct(ctx, productID)
			if err != nil {
				return err
			}
			products = []Product{p}
		} else {
			var err error
			if products, err = s.ListProducts(ctx); err != nil {
				return err
			}
		}

		for _, p := range products {
			for _, pool := range Pools {
				replayed, err := s.SumMovements(ctx, p.ID, pool, "")
				if err != nil {
					return err
				}
				if stored := p.Level(pool); stored != replayed {
					findings = append(findings, AuditFinding{
						ProductID: p.ID,
						Code:      p.Code,
						Pool:      pool,
						Stored:    stored,
						Replayed:  replayed,
					})
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}
