/*
Package stock provides the inventory ledger and delivery-round engine.

PURPOSE:
  Tracks, per product, how many units exist and where they currently sit:
  on the shelf (available), with couriers out on a local round
  (localReserve), or committed to the express-shipment pipeline
  (expressReserve). Every change to one of those counters is paired with
  exactly one immutable Movement.

KEY CONCEPTS IN THIS FILE (types.go):
  - Pool: One of the three per-product counters
  - Movement: An immutable ledger entry recording one pool mutation
  - Round: A courier's batch of orders, driven through handover and return
  - RoundOrder: The narrow view of an order the ledger needs

DESIGN PRINCIPLES:
  1. Single choke point: pools change only through Ledger.AdjustPool
  2. Append-only: movements are never edited; corrections are new movements
  3. Replayable: summing a pool's movements from zero gives its stored value
  4. Narrow collaborators: orders are read through OrderStateMachine only

POOL TRANSITIONS:
  ┌───────────┐  handover (LOCAL)   ┌──────────────┐
  │ available │ ──────────────────▶ │ localReserve │
  │           │ ◀────────────────── │              │
  └───────────┘  return (undelivered)└──────────────┘

  expressReserve is fed at order validation time, outside the round flow.
  Handover only writes a zero-quantity traceability movement for it.

SEE ALSO:
  - ledger.go: AdjustPool, movement queries, audit
  - round.go: Handover / return state machine
  - reconcile.go: Drift detection and repair
*/
package stock

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID string
type MovementID string
type RoundID string
type OrderID string
type ActorID string

// SystemActor is recorded on movements issued by automated jobs.
const SystemActor ActorID = "system"

// =============================================================================
// POOLS
// =============================================================================

type Pool string

const (
	PoolAvailable      Pool = "available"
	PoolLocalReserve   Pool = "local_reserve"
	PoolExpressReserve Pool = "express_reserve"
)

// Pools lists every pool in display order.
var Pools = []Pool{PoolAvailable, PoolLocalReserve, PoolExpressReserve}

func (p Pool) Valid() bool {
	switch p {
	case PoolAvailable, PoolLocalReserve, PoolExpressReserve:
		return true
	}
	return false
}

// =============================================================================
// PRODUCT
// =============================================================================

type Product struct {
	ID             ProductID
	Code           string
	Name           string
	Available      int
	LocalReserve   int
	ExpressReserve int
	AlertThreshold int
	UnitCost       decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Level returns the current value of a pool.
func (p Product) Level(pool Pool) int {
	switch pool {
	case PoolAvailable:
		return p.Available
	case PoolLocalReserve:
		return p.LocalReserve
	case PoolExpressReserve:
		return p.ExpressReserve
	}
	return 0
}

// WithLevel returns a copy of p with pool set to value.
func (p Product) WithLevel(pool Pool, value int) Product {
	switch pool {
	case PoolAvailable:
		p.Available = value
	case PoolLocalReserve:
		p.LocalReserve = value
	case PoolExpressReserve:
		p.ExpressReserve = value
	}
	return p
}

// Total is the owned stock: the sum of the three pools.
func (p Product) Total() int {
	return p.Available + p.LocalReserve + p.ExpressReserve
}

// =============================================================================
// MOVEMENT - Immutable ledger entry
// =============================================================================

type MovementKind string

const (
	KindSupply         MovementKind = "supply"
	KindCorrection     MovementKind = "correction"
	KindLoss           MovementKind = "loss"
	KindReserveLocal   MovementKind = "reserve_local_round"
	KindReturnLocal    MovementKind = "return_local_round"
	KindReserveExpress MovementKind = "reserve_express" // no reverse kind: express release happens outside this engine
)

func (k MovementKind) Valid() bool {
	switch k {
	case KindSupply, KindCorrection, KindLoss, KindReserveLocal, KindReturnLocal, KindReserveExpress:
		return true
	}
	return false
}

// RequiresReason reports whether movements of this kind must carry a reason.
func (k MovementKind) RequiresReason() bool {
	return k == KindCorrection || k == KindLoss
}

// Movement records one mutation of one pool.
// Quantity is the signed delta applied to Pool; StockBefore/StockAfter
// snapshot that same pool.
type Movement struct {
	ID          MovementID
	ProductID   ProductID
	Kind        MovementKind
	Pool        Pool
	Quantity    int
	StockBefore int
	StockAfter  int
	OrderID     OrderID
	RoundID     RoundID
	ActorID     ActorID
	Reason      string
	CreatedAt   time.Time
}

// MovementFilter narrows ListMovements. Zero-valued fields are ignored.
type MovementFilter struct {
	ProductID ProductID
	Kind      MovementKind
	Pool      Pool
	RoundID   RoundID
	OrderID   OrderID
	From      *time.Time
	To        *time.Time
	Limit     int
}

// Matches reports whether m passes the filter (Limit is not considered).
func (f MovementFilter) Matches(m Movement) bool {
	if f.ProductID != "" && m.ProductID != f.ProductID {
		return false
	}
	if f.Kind != "" && m.Kind != f.Kind {
		return false
	}
	if f.Pool != "" && m.Pool != f.Pool {
		return false
	}
	if f.RoundID != "" && m.RoundID != f.RoundID {
		return false
	}
	if f.OrderID != "" && m.OrderID != f.OrderID {
		return false
	}
	if f.From != nil && m.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && m.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// =============================================================================
// ORDERS - What the ledger reads from the order state machine
// =============================================================================

type OrderStatus string

const (
	StatusPending           OrderStatus = "EN_ATTENTE"
	StatusValidated         OrderStatus = "VALIDEE"
	StatusAssigned          OrderStatus = "ASSIGNEE"
	StatusDelivered         OrderStatus = "LIVREE"
	StatusRefused           OrderStatus = "REFUSEE"
	StatusDeliveryCancelled OrderStatus = "ANNULEE_LIVRAISON"
	StatusReturned          OrderStatus = "RETOURNE"
	StatusCancelled         OrderStatus = "ANNULEE"
)

// WithCourier reports whether an order in this status is physically with
// the courier while its round is out.
func (s OrderStatus) WithCourier() bool {
	switch s {
	case StatusAssigned, StatusRefused, StatusDeliveryCancelled, StatusReturned:
		return true
	}
	return false
}

type DeliveryType string

const (
	DeliveryLocal      DeliveryType = "LOCAL"
	DeliveryExpedition DeliveryType = "EXPEDITION"
	DeliveryExpress    DeliveryType = "EXPRESS"
)

func (d DeliveryType) Valid() bool {
	return d == DeliveryLocal || d == DeliveryExpedition || d == DeliveryExpress
}

// IsLocal reports whether stock for this delivery type travels in a local round.
// EXPEDITION and EXPRESS both go through the express-shipment pipeline.
func (d DeliveryType) IsLocal() bool { return d == DeliveryLocal }

// RoundOrder is the fixed field set the ledger needs from an order.
// ProductID is empty for orders with no tracked product.
type RoundOrder struct {
	OrderID      OrderID
	ProductID    ProductID
	Quantity     int
	DeliveryType DeliveryType
	Status       OrderStatus
}

// Tracked reports whether the order references a stocked product.
func (o RoundOrder) Tracked() bool { return o.ProductID != "" }

// Order is the stored order record behind RoundOrder.
type Order struct {
	ID           OrderID
	Reference    string
	ProductID    ProductID
	Quantity     int
	DeliveryType DeliveryType
	Status       OrderStatus
	StatusReason string
	RoundID      RoundID
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RoundView projects the order onto the fields the ledger reads.
func (o Order) RoundView() RoundOrder {
	return RoundOrder{
		OrderID:      o.ID,
		ProductID:    o.ProductID,
		Quantity:     o.Quantity,
		DeliveryType: o.DeliveryType,
		Status:       o.Status,
	}
}

// =============================================================================
// DELIVERY ROUND
// =============================================================================

type RoundState string

const (
	RoundPending    RoundState = "PENDING"
	RoundHandedOver RoundState = "HANDED_OVER"
	RoundClosed     RoundState = "CLOSED"
)

type Handover struct {
	ConfirmedQuantity int
	ConfirmedAt       time.Time
	ConfirmedBy       ActorID
}

type ReturnRecord struct {
	DeliveredCount    int
	ReturnedCount     int
	Discrepancy       int
	DiscrepancyReason string
	ConfirmedAt       time.Time
	ConfirmedBy       ActorID
}

type Round struct {
	ID        RoundID
	CourierID string
	OrderIDs  []OrderID
	Handover  *Handover
	Return    *ReturnRecord
	CreatedBy ActorID
	CreatedAt time.Time
}

// State is derived from which confirmations are present.
func (r Round) State() RoundState {
	switch {
	case r.Return != nil:
		return RoundClosed
	case r.Handover != nil:
		return RoundHandedOver
	default:
		return RoundPending
	}
}

// RoundFilter narrows ListRounds.
type RoundFilter struct {
	State     RoundState
	CourierID string
}

// =============================================================================
// RECONCILIATION REPORT - Derived, never persisted
// =============================================================================

type ReconciliationReport struct {
	ProductID       ProductID
	ProductCode     string
	StoredReserve   int
	ExpectedReserve int
	Delta           int // expected - stored
}

func (r ReconciliationReport) Drifted() bool { return r.Delta != 0 }
