// Package store provides an in-memory stock.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/fulfillment-ledger/stock"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements stock.TxStore. WithTx holds the write lock for the
// whole callback, so transactions are serialized.
type Memory struct {
	mu sync.RWMutex
	st *state
}

var _ stock.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type state struct {
	products  map[stock.ProductID]stock.Product
	codes     map[string]stock.ProductID
	movements []stock.Movement // append order
	rounds    map[stock.RoundID]stock.Round
	roundSeq  []stock.RoundID // creation order
	orders    map[stock.OrderID]stock.Order
}

func newState() *state {
	return &state{
		products: make(map[stock.ProductID]stock.Product),
		codes:    make(map[string]stock.ProductID),
		rounds:   make(map[stock.RoundID]stock.Round),
		orders:   make(map[stock.OrderID]stock.Order),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// Simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.st.snapshot()
	if err := fn(m.st); err != nil {
		m.st = snap.restore()
		return err
	}
	return nil
}

type memorySnapshot struct {
	products     map[stock.ProductID]stock.Product
	codes        map[string]stock.ProductID
	movements    []stock.Movement
	movementsLen int
	rounds       map[stock.RoundID]stock.Round
	roundSeq     []stock.RoundID
	orders       map[stock.OrderID]stock.Order
}

func (st *state) snapshot() memorySnapshot {
	s := memorySnapshot{
		products:     make(map[stock.ProductID]stock.Product, len(st.products)),
		codes:        make(map[string]stock.ProductID, len(st.codes)),
		movements:    st.movements,
		movementsLen: len(st.movements), // append-only: truncating restores
		rounds:       make(map[stock.RoundID]stock.Round, len(st.rounds)),
		roundSeq:     append([]stock.RoundID(nil), st.roundSeq...),
		orders:       make(map[stock.OrderID]stock.Order, len(st.orders)),
	}
	for k, v := range st.products {
		s.products[k] = v
	}
	for k, v := range st.codes {
		s.codes[k] = v
	}
	for k, v := range st.rounds {
		s.rounds[k] = v
	}
	for k, v := range st.orders {
		s.orders[k] = v
	}
	return s
}

func (s memorySnapshot) restore() *state {
	return &state{
		products:  s.products,
		codes:     s.codes,
		movements: s.movements[:s.movementsLen:s.movementsLen],
		rounds:    s.rounds,
		roundSeq:  s.roundSeq,
		orders:    s.orders,
	}
}

// =============================================================================
// LOCKED ACCESSORS - stock.Store outside a transaction
// =============================================================================

func (m *Memory) write(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *Memory) read() (*state, func()) {
	m.mu.RLock()
	return m.st, m.mu.RUnlock
}

func (m *Memory) CreateProduct(ctx context.Context, p stock.Product) error {
	return m.write(func(st *state) error { return st.CreateProduct(ctx, p) })
}

func (m *Memory) GetProduct(ctx context.Context, id stock.ProductID) (stock.Product, error) {
	st, done := m.read()
	defer done()
	return st.GetProduct(ctx, id)
}

func (m *Memory) GetProductByCode(ctx context.Context, code string) (stock.Product, error) {
	st, done := m.read()
	defer done()
	return st.GetProductByCode(ctx, code)
}

func (m *Memory) ListProducts(ctx context.Context) ([]stock.Product, error) {
	st, done := m.read()
	defer done()
	return st.ListProducts(ctx)
}

func (m *Memory) SetLevel(ctx context.Context, id stock.ProductID, pool stock.Pool, value int, at time.Time) error {
	return m.write(func(st *state) error { return st.SetLevel(ctx, id, pool, value, at) })
}

func (m *Memory) AppendMovement(ctx context.Context, mv stock.Movement) error {
	return m.write(func(st *state) error { return st.AppendMovement(ctx, mv) })
}

func (m *Memory) ListMovements(ctx context.Context, f stock.MovementFilter) ([]stock.Movement, error) {
	st, done := m.read()
	defer done()
	return st.ListMovements(ctx, f)
}

func (m *Memory) SumMovements(ctx context.Context, id stock.ProductID, pool stock.Pool, kind stock.MovementKind) (int, error) {
	st, done := m.read()
	defer done()
	return st.SumMovements(ctx, id, pool, kind)
}

func (m *Memory) CreateRound(ctx context.Context, r stock.Round) error {
	return m.write(func(st *state) error { return st.CreateRound(ctx, r) })
}

func (m *Memory) GetRound(ctx context.Context, id stock.RoundID) (stock.Round, error) {
	st, done := m.read()
	defer done()
	return st.GetRound(ctx, id)
}

func (m *Memory) ListRounds(ctx context.Context, f stock.RoundFilter) ([]stock.Round, error) {
	st, done := m.read()
	defer done()
	return st.ListRounds(ctx, f)
}

func (m *Memory) SaveHandover(ctx context.Context, id stock.RoundID, h stock.Handover) error {
	return m.write(func(st *state) error { return st.SaveHandover(ctx, id, h) })
}

func (m *Memory) SaveReturn(ctx context.Context, id stock.RoundID, rec stock.ReturnRecord) error {
	return m.write(func(st *state) error { return st.SaveReturn(ctx, id, rec) })
}

func (m *Memory) OrdersInRound(ctx context.Context, id stock.RoundID) ([]stock.RoundOrder, error) {
	st, done := m.read()
	defer done()
	return st.OrdersInRound(ctx, id)
}

func (m *Memory) SetOrderStatus(ctx context.Context, id stock.OrderID, status stock.OrderStatus, reason string, at time.Time) error {
	return m.write(func(st *state) error { return st.SetOrderStatus(ctx, id, status, reason, at) })
}

func (m *Memory) CreateOrder(ctx context.Context, o stock.Order) error {
	return m.write(func(st *state) error { return st.CreateOrder(ctx, o) })
}

func (m *Memory) GetOrder(ctx context.Context, id stock.OrderID) (stock.Order, error) {
	st, done := m.read()
	defer done()
	return st.GetOrder(ctx, id)
}

func (m *Memory) ListOrders(ctx context.Context, f stock.OrderFilter) ([]stock.Order, error) {
	st, done := m.read()
	defer done()
	return st.ListOrders(ctx, f)
}

func (m *Memory) AssignOrder(ctx context.Context, orderID stock.OrderID, roundID stock.RoundID, at time.Time) error {
	return m.write(func(st *state) error { return st.AssignOrder(ctx, orderID, roundID, at) })
}

// =============================================================================
// STATE - unlocked stock.Store, used as the transactional view
// =============================================================================

func (st *state) CreateProduct(_ context.Context, p stock.Product) error {
	if _, ok := st.codes[p.Code]; ok {
		return stock.ErrDuplicateProductCode
	}
	st.products[p.ID] = p
	st.codes[p.Code] = p.ID
	return nil
}

func (st *state) GetProduct(_ context.Context, id stock.ProductID) (stock.Product, error) {
	p, ok := st.products[id]
	if !ok {
		return stock.Product{}, stock.ErrProductNotFound
	}
	return p, nil
}

func (st *state) GetProductByCode(ctx context.Context, code string) (stock.Product, error) {
	id, ok := st.codes[code]
	if !ok {
		return stock.Product{}, stock.ErrProductNotFound
	}
	return st.GetProduct(ctx, id)
}

func (st *state) ListProducts(_ context.Context) ([]stock.Product, error) {
	out := make([]stock.Product, 0, len(st.products))
	for _, p := range st.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (st *state) SetLevel(_ context.Context, id stock.ProductID, pool stock.Pool, value int, at time.Time) error {
	p, ok := st.products[id]
	if !ok {
		return stock.ErrProductNotFound
	}
	p = p.WithLevel(pool, value)
	p.UpdatedAt = at
	st.products[id] = p
	return nil
}

func (st *state) AppendMovement(_ context.Context, m stock.Movement) error {
	st.movements = append(st.movements, m)
	return nil
}

func (st *state) ListMovements(_ context.Context, f stock.MovementFilter) ([]stock.Movement, error) {
	var out []stock.Movement
	for i := len(st.movements) - 1; i >= 0; i-- {
		if !f.Matches(st.movements[i]) {
			continue
		}
		out = append(out, st.movements[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (st *state) SumMovements(_ context.Context, id stock.ProductID, pool stock.Pool, kind stock.MovementKind) (int, error) {
	sum := 0
	for _, m := range st.movements {
		if m.ProductID == id && m.Pool == pool && (kind == "" || m.Kind == kind) {
			sum += m.Quantity
		}
	}
	return sum, nil
}

func (st *state) CreateRound(_ context.Context, r stock.Round) error {
	r.OrderIDs = append([]stock.OrderID(nil), r.OrderIDs...)
	st.rounds[r.ID] = r
	st.roundSeq = append(st.roundSeq, r.ID)
	return nil
}

func (st *state) GetRound(_ context.Context, id stock.RoundID) (stock.Round, error) {
	r, ok := st.rounds[id]
	if !ok {
		return stock.Round{}, stock.ErrRoundNotFound
	}
	r.OrderIDs = append([]stock.OrderID(nil), r.OrderIDs...)
	return r, nil
}

func (st *state) ListRounds(ctx context.Context, f stock.RoundFilter) ([]stock.Round, error) {
	var out []stock.Round
	for i := len(st.roundSeq) - 1; i >= 0; i-- {
		r, _ := st.GetRound(ctx, st.roundSeq[i])
		if f.State != "" && r.State() != f.State {
			continue
		}
		if f.CourierID != "" && r.CourierID != f.CourierID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (st *state) SaveHandover(_ context.Context, id stock.RoundID, h stock.Handover) error {
	r, ok := st.rounds[id]
	if !ok {
		return stock.ErrRoundNotFound
	}
	r.Handover = &h
	st.rounds[id] = r
	return nil
}

func (st *state) SaveReturn(_ context.Context, id stock.RoundID, rec stock.ReturnRecord) error {
	r, ok := st.rounds[id]
	if !ok {
		return stock.ErrRoundNotFound
	}
	r.Return = &rec
	st.rounds[id] = r
	return nil
}

func (st *state) OrdersInRound(_ context.Context, id stock.RoundID) ([]stock.RoundOrder, error) {
	r, ok := st.rounds[id]
	if !ok {
		return nil, stock.ErrRoundNotFound
	}
	out := make([]stock.RoundOrder, 0, len(r.OrderIDs))
	for _, oid := range r.OrderIDs {
		o, ok := st.orders[oid]
		if !ok {
			return nil, stock.ErrOrderNotFound
		}
		out = append(out, o.RoundView())
	}
	return out, nil
}

func (st *state) SetOrderStatus(_ context.Context, id stock.OrderID, status stock.OrderStatus, reason string, at time.Time) error {
	o, ok := st.orders[id]
	if !ok {
		return stock.ErrOrderNotFound
	}
	o.Status = status
	o.StatusReason = reason
	o.UpdatedAt = at
	st.orders[id] = o
	return nil
}

func (st *state) CreateOrder(_ context.Context, o stock.Order) error {
	st.orders[o.ID] = o
	return nil
}

func (st *state) GetOrder(_ context.Context, id stock.OrderID) (stock.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return stock.Order{}, stock.ErrOrderNotFound
	}
	return o, nil
}

func (st *state) ListOrders(_ context.Context, f stock.OrderFilter) ([]stock.Order, error) {
	var out []stock.Order
	for _, o := range st.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.RoundID != "" && o.RoundID != f.RoundID {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (st *state) AssignOrder(_ context.Context, orderID stock.OrderID, roundID stock.RoundID, at time.Time) error {
	o, ok := st.orders[orderID]
	if !ok {
		return stock.ErrOrderNotFound
	}
	o.RoundID = roundID
	o.UpdatedAt = at
	st.orders[orderID] = o
	return nil
}
