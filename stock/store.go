/*
store.go - Persistence interfaces for products, movements, rounds and orders

PURPOSE:
  Defines the boundary between the ledger logic and the backing store.
  Implementations: stock/store (in-memory, tests/dev) and store/sqlite.

APPEND-ONLY CONTRACT:
  MovementStore has AppendMovement and read methods only. There is no
  update or delete for movements.

POOL WRITES:
  ProductStore.SetLevel exists for Ledger.AdjustPool and nothing else.
  Calling it directly bypasses the ledger and breaks replay.

ATOMICITY:
  TxStore.WithTx runs fn against a transactional view. If fn returns an
  error nothing it wrote persists. Failure to begin or commit is reported
  as a *TransactionError (errors.Is ErrTransactionFailure).

SEE ALSO:
  - ledger.go: the only caller of SetLevel
  - store/sqlite/sqlite.go: production implementation
*/
package stock

import (
	"context"
	"time"
)

// ProductStore persists products and their pool counters.
type ProductStore interface {
	// CreateProduct inserts a product. Fails with ErrDuplicateProductCode.
	CreateProduct(ctx context.Context, p Product) error

	// GetProduct fails with ErrProductNotFound.
	GetProduct(ctx context.Context, id ProductID) (Product, error)
	GetProductByCode(ctx context.Context, code string) (Product, error)

	// ListProducts returns all products ordered by code.
	ListProducts(ctx context.Context) ([]Product, error)

	// SetLevel overwrites one pool. Reserved for Ledger.
	SetLevel(ctx context.Context, id ProductID, pool Pool, value int, at time.Time) error
}

// MovementStore is the append-only movement log.
type MovementStore interface {
	AppendMovement(ctx context.Context, m Movement) error

	// ListMovements returns matching movements, most recent first.
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)

	// SumMovements sums quantities for a product's pool. Empty kind sums all kinds.
	SumMovements(ctx context.Context, productID ProductID, pool Pool, kind MovementKind) (int, error)
}

// RoundStore persists delivery rounds.
type RoundStore interface {
	CreateRound(ctx context.Context, r Round) error

	// GetRound fails with ErrRoundNotFound.
	GetRound(ctx context.Context, id RoundID) (Round, error)

	// ListRounds returns rounds, newest first.
	ListRounds(ctx context.Context, filter RoundFilter) ([]Round, error)

	SaveHandover(ctx context.Context, id RoundID, h Handover) error
	SaveReturn(ctx context.Context, id RoundID, rec ReturnRecord) error
}

// OrderStateMachine is the narrow order collaborator the ledger consumes.
type OrderStateMachine interface {
	// OrdersInRound returns the orders assigned to a round.
	OrdersInRound(ctx context.Context, roundID RoundID) ([]RoundOrder, error)

	// SetOrderStatus stamps the order's UpdatedAt with at.
	// Fails with ErrOrderNotFound.
	SetOrderStatus(ctx context.Context, orderID OrderID, status OrderStatus, reason string, at time.Time) error
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Status  OrderStatus
	RoundID RoundID
}

// OrderStore extends the collaborator with order intake.
type OrderStore interface {
	OrderStateMachine

	CreateOrder(ctx context.Context, o Order) error

	// GetOrder fails with ErrOrderNotFound.
	GetOrder(ctx context.Context, id OrderID) (Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error)

	// AssignOrder links an order to a round as its current round.
	AssignOrder(ctx context.Context, orderID OrderID, roundID RoundID, at time.Time) error
}

// Store is everything the engine persists.
type Store interface {
	ProductStore
	MovementStore
	RoundStore
	OrderStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
