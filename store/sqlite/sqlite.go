/*
Package sqlite provides a SQLite-backed implementation of stock.TxStore.

PURPOSE:
  Persists products, the movement ledger, delivery rounds and orders. The
  same statements run on PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  stock.Store:   products, movements, rounds, orders
  stock.TxStore: WithTx over a database/sql transaction

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the movements table
  - No DELETE statements on the movements table
  - Pool counters are updated only through SetLevel, which the ledger pairs
    with an AppendMovement in the same transaction

KEY TABLES:
  products:     Pool counters per product (available, local/express reserve)
  movements:    Immutable ledger; seq gives insertion order
  rounds:       Courier rounds with nullable handover / return columns
  round_orders: Permanent round membership (an order may ride several rounds)
  orders:       Order state machine; round_id is the current round

INDEXES:
  - idx_movements_product_pool: replay and SumMovements (hot path)
  - idx_movements_round / idx_movements_order: traceability queries
  - idx_orders_round: current-round lookups

CONCURRENCY:
  WithTx holds a mutex for the whole callback and the pool is limited to a
  single connection: ":memory:" databases are per connection, and SQLite
  allows one writer anyway. In production with PostgreSQL, row locks on
  products and rounds take over.

ERRORS:
  Failure to begin or commit is returned as *stock.TransactionError.
  Missing rows map to the stock sentinel errors. Everything else is wrapped
  with the statement that failed.

USAGE:
  st, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  ledger := stock.NewLedger(st)

SEE ALSO:
  - stock/store.go: Interface definitions
  - stock/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/warp/fulfillment-ledger/stock"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements stock.TxStore using SQLite.
type Store struct {
	conn
	db *sql.DB
	mu sync.Mutex
}

var _ stock.TxStore = (*Store)(nil)

// New opens the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(1)

	s := Open(db)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return s, nil
}

// Open wraps an existing handle without migrating it.
func Open(db *sql.DB) *Store {
	return &Store{conn: conn{q: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		available INTEGER NOT NULL DEFAULT 0,
		local_reserve INTEGER NOT NULL DEFAULT 0,
		express_reserve INTEGER NOT NULL DEFAULT 0,
		alert_threshold INTEGER NOT NULL DEFAULT 0,
		unit_cost TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS movements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		product_id TEXT NOT NULL REFERENCES products(id),
		kind TEXT NOT NULL,
		pool TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		stock_before INTEGER NOT NULL,
		stock_after INTEGER NOT NULL,
		order_id TEXT,
		round_id TEXT,
		actor_id TEXT,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_product_pool
		ON movements(product_id, pool);
	CREATE INDEX IF NOT EXISTS idx_movements_round
		ON movements(round_id) WHERE round_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_movements_order
		ON movements(order_id) WHERE order_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_movements_created_at
		ON movements(created_at);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL DEFAULT '',
		product_id TEXT REFERENCES products(id),
		quantity INTEGER NOT NULL,
		delivery_type TEXT NOT NULL,
		status TEXT NOT NULL,
		status_reason TEXT,
		round_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_round
		ON orders(round_id) WHERE round_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_orders_status
		ON orders(status);

	-- Rounds: handover_* and return_* stay NULL until confirmed
	CREATE TABLE IF NOT EXISTS rounds (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		courier_id TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL,
		handover_quantity INTEGER,
		handover_at TEXT,
		handover_by TEXT,
		return_delivered INTEGER,
		return_returned INTEGER,
		return_discrepancy INTEGER,
		return_reason TEXT,
		return_at TEXT,
		return_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_rounds_courier
		ON rounds(courier_id);

	CREATE TABLE IF NOT EXISTS round_orders (
		round_id TEXT NOT NULL REFERENCES rounds(id),
		order_id TEXT NOT NULL REFERENCES orders(id),
		position INTEGER NOT NULL,
		PRIMARY KEY (round_id, order_id)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (stock.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &stock.TransactionError{Op: "begin", Err: err}
	}

	if err := fn(&conn{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return &stock.TransactionError{Op: "commit", Err: err}
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements stock.Store against either the database or a transaction.
type conn struct {
	q querier
}

var _ stock.Store = (*conn)(nil)

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// PRODUCTS
// =============================================================================

const productColumns = `id, code, name, available, local_reserve, express_reserve,
	alert_threshold, unit_cost, created_at, updated_at`

var poolColumns = map[stock.Pool]string{
	stock.PoolAvailable:      "available",
	stock.PoolLocalReserve:   "local_reserve",
	stock.PoolExpressReserve: "express_reserve",
}

func (c *conn) CreateProduct(ctx context.Context, p stock.Product) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Code, p.Name, p.Available, p.LocalReserve, p.ExpressReserve,
		p.AlertThreshold, p.UnitCost.String(), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return stock.ErrDuplicateProductCode
		}
		return errors.Wrap(err, "insert product")
	}
	return nil
}

func (c *conn) GetProduct(ctx context.Context, id stock.ProductID) (stock.Product, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	return scanProductRow(row)
}

func (c *conn) GetProductByCode(ctx context.Context, code string) (stock.Product, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE code = ?`, code)
	return scanProductRow(row)
}

func (c *conn) ListProducts(ctx context.Context) ([]stock.Product, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY code`)
	if err != nil {
		return nil, errors.Wrap(err, "query products")
	}
	defer rows.Close()

	var out []stock.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate products")
}

func (c *conn) SetLevel(ctx context.Context, id stock.ProductID, pool stock.Pool, value int, at time.Time) error {
	col, ok := poolColumns[pool]
	if !ok {
		return fmt.Errorf("%w: unknown pool %q", stock.ErrInvalidAdjustment, pool)
	}
	res, err := c.q.ExecContext(ctx,
		`UPDATE products SET `+col+` = ?, updated_at = ? WHERE id = ?`,
		value, formatTime(at), id,
	)
	if err != nil {
		return errors.Wrapf(err, "update %s", col)
	}
	return requireRow(res, stock.ErrProductNotFound)
}

func scanProductRow(row *sql.Row) (stock.Product, error) {
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stock.Product{}, stock.ErrProductNotFound
	}
	return p, err
}

func scanProduct(sc scanner) (stock.Product, error) {
	var (
		p                    stock.Product
		unitCost             string
		createdAt, updatedAt string
	)
	err := sc.Scan(&p.ID, &p.Code, &p.Name, &p.Available, &p.LocalReserve, &p.ExpressReserve,
		&p.AlertThreshold, &unitCost, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stock.Product{}, err
		}
		return stock.Product{}, errors.Wrap(err, "scan product")
	}
	if p.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
		return stock.Product{}, errors.Wrapf(err, "product %s unit cost", p.ID)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// MOVEMENTS (append-only)
// =============================================================================

const movementColumns = `id, product_id, kind, pool, quantity, stock_before, stock_after,
	order_id, round_id, actor_id, reason, created_at`

func (c *conn) AppendMovement(ctx context.Context, m stock.Movement) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO movements (`+movementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProductID, m.Kind, m.Pool, m.Quantity, m.StockBefore, m.StockAfter,
		nullString(string(m.OrderID)), nullString(string(m.RoundID)),
		nullString(string(m.ActorID)), nullString(m.Reason), formatTime(m.CreatedAt),
	)
	return errors.Wrap(err, "append movement")
}

func (c *conn) ListMovements(ctx context.Context, f stock.MovementFilter) ([]stock.Movement, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if f.ProductID != "" {
		add("product_id = ?", f.ProductID)
	}
	if f.Kind != "" {
		add("kind = ?", f.Kind)
	}
	if f.Pool != "" {
		add("pool = ?", f.Pool)
	}
	if f.RoundID != "" {
		add("round_id = ?", f.RoundID)
	}
	if f.OrderID != "" {
		add("order_id = ?", f.OrderID)
	}
	if f.From != nil {
		add("created_at >= ?", formatTime(*f.From))
	}
	if f.To != nil {
		add("created_at <= ?", formatTime(*f.To))
	}

	query := `SELECT ` + movementColumns + ` FROM movements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query movements")
	}
	defer rows.Close()

	var out []stock.Movement
	for rows.Next() {
		var (
			m                                 stock.Movement
			orderID, roundID, actorID, reason sql.NullString
			createdAt                         string
		)
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Kind, &m.Pool, &m.Quantity, &m.StockBefore, &m.StockAfter,
			&orderID, &roundID, &actorID, &reason, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan movement")
		}
		m.OrderID = stock.OrderID(orderID.String)
		m.RoundID = stock.RoundID(roundID.String)
		m.ActorID = stock.ActorID(actorID.String)
		m.Reason = reason.String
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "iterate movements")
}

func (c *conn) SumMovements(ctx context.Context, id stock.ProductID, pool stock.Pool, kind stock.MovementKind) (int, error) {
	query := `SELECT COALESCE(SUM(quantity), 0) FROM movements WHERE product_id = ? AND pool = ?`
	args := []any{id, pool}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	var sum int
	if err := c.q.QueryRowContext(ctx, query, args...).Scan(&sum); err != nil {
		return 0, errors.Wrap(err, "sum movements")
	}
	return sum, nil
}

// =============================================================================
// ROUNDS
// =============================================================================

const roundColumns = `id, courier_id, created_by, created_at,
	handover_quantity, handover_at, handover_by,
	return_delivered, return_returned, return_discrepancy, return_reason, return_at, return_by`

func (c *conn) CreateRound(ctx context.Context, r stock.Round) error {
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO rounds (id, courier_id, created_by, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.CourierID, nullString(string(r.CreatedBy)), formatTime(r.CreatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "insert round")
	}
	for i, oid := range r.OrderIDs {
		if _, err := c.q.ExecContext(ctx,
			`INSERT INTO round_orders (round_id, order_id, position) VALUES (?, ?, ?)`,
			r.ID, oid, i,
		); err != nil {
			return errors.Wrapf(err, "insert round order %s", oid)
		}
	}
	return nil
}

func (c *conn) GetRound(ctx context.Context, id stock.RoundID) (stock.Round, error) {
	r, err := scanRound(c.q.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return stock.Round{}, stock.ErrRoundNotFound
	}
	if err != nil {
		return stock.Round{}, err
	}
	if r.OrderIDs, err = c.roundOrderIDs(ctx, r.ID); err != nil {
		return stock.Round{}, err
	}
	return r, nil
}

func (c *conn) ListRounds(ctx context.Context, f stock.RoundFilter) ([]stock.Round, error) {
	var (
		where []string
		args  []any
	)
	switch f.State {
	case stock.RoundPending:
		where = append(where, "handover_at IS NULL")
	case stock.RoundHandedOver:
		where = append(where, "handover_at IS NOT NULL AND return_at IS NULL")
	case stock.RoundClosed:
		where = append(where, "return_at IS NOT NULL")
	}
	if f.CourierID != "" {
		where = append(where, "courier_id = ?")
		args = append(args, f.CourierID)
	}

	query := `SELECT ` + roundColumns + ` FROM rounds`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq DESC`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query rounds")
	}
	var out []stock.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "iterate rounds")
	}
	rows.Close()

	// Membership is loaded after the cursor is closed: the pool has one connection.
	for i := range out {
		if out[i].OrderIDs, err = c.roundOrderIDs(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *conn) SaveHandover(ctx context.Context, id stock.RoundID, h stock.Handover) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE rounds SET handover_quantity = ?, handover_at = ?, handover_by = ?
		WHERE id = ?`,
		h.ConfirmedQuantity, formatTime(h.ConfirmedAt), nullString(string(h.ConfirmedBy)), id,
	)
	if err != nil {
		return errors.Wrap(err, "save handover")
	}
	return requireRow(res, stock.ErrRoundNotFound)
}

func (c *conn) SaveReturn(ctx context.Context, id stock.RoundID, rec stock.ReturnRecord) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE rounds SET return_delivered = ?, return_returned = ?, return_discrepancy = ?,
			return_reason = ?, return_at = ?, return_by = ?
		WHERE id = ?`,
		rec.DeliveredCount, rec.ReturnedCount, rec.Discrepancy,
		nullString(rec.DiscrepancyReason), formatTime(rec.ConfirmedAt), nullString(string(rec.ConfirmedBy)), id,
	)
	if err != nil {
		return errors.Wrap(err, "save return")
	}
	return requireRow(res, stock.ErrRoundNotFound)
}

func (c *conn) roundOrderIDs(ctx context.Context, id stock.RoundID) ([]stock.OrderID, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT order_id FROM round_orders WHERE round_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, errors.Wrap(err, "query round orders")
	}
	defer rows.Close()

	var ids []stock.OrderID
	for rows.Next() {
		var oid stock.OrderID
		if err := rows.Scan(&oid); err != nil {
			return nil, errors.Wrap(err, "scan round order")
		}
		ids = append(ids, oid)
	}
	return ids, errors.Wrap(rows.Err(), "iterate round orders")
}

func scanRound(sc scanner) (stock.Round, error) {
	var (
		r                                     stock.Round
		createdBy                             sql.NullString
		createdAt                             string
		handoverQty                           sql.NullInt64
		handoverAt, handoverBy                sql.NullString
		retDelivered, retReturned, retDiscrep sql.NullInt64
		retReason, retAt, retBy               sql.NullString
	)
	err := sc.Scan(&r.ID, &r.CourierID, &createdBy, &createdAt,
		&handoverQty, &handoverAt, &handoverBy,
		&retDelivered, &retReturned, &retDiscrep, &retReason, &retAt, &retBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stock.Round{}, err
		}
		return stock.Round{}, errors.Wrap(err, "scan round")
	}
	r.CreatedBy = stock.ActorID(createdBy.String)
	r.CreatedAt = parseTime(createdAt)

	if handoverAt.Valid {
		r.Handover = &stock.Handover{
			ConfirmedQuantity: int(handoverQty.Int64),
			ConfirmedAt:       parseTime(handoverAt.String),
			ConfirmedBy:       stock.ActorID(handoverBy.String),
		}
	}
	if retAt.Valid {
		r.Return = &stock.ReturnRecord{
			DeliveredCount:    int(retDelivered.Int64),
			ReturnedCount:     int(retReturned.Int64),
			Discrepancy:       int(retDiscrep.Int64),
			DiscrepancyReason: retReason.String,
			ConfirmedAt:       parseTime(retAt.String),
			ConfirmedBy:       stock.ActorID(retBy.String),
		}
	}
	return r, nil
}

// =============================================================================
// ORDERS
// =============================================================================

const orderColumns = `id, reference, product_id, quantity, delivery_type, status,
	status_reason, round_id, created_at, updated_at`

func (c *conn) OrdersInRound(ctx context.Context, id stock.RoundID) ([]stock.RoundOrder, error) {
	var exists int
	err := c.q.QueryRowContext(ctx, `SELECT 1 FROM rounds WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stock.ErrRoundNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lookup round")
	}

	rows, err := c.q.QueryContext(ctx, `
		SELECT o.id, o.product_id, o.quantity, o.delivery_type, o.status
		FROM round_orders ro
		JOIN orders o ON o.id = ro.order_id
		WHERE ro.round_id = ?
		ORDER BY ro.position`, id)
	if err != nil {
		return nil, errors.Wrap(err, "query round orders")
	}
	defer rows.Close()

	var out []stock.RoundOrder
	for rows.Next() {
		var (
			o         stock.RoundOrder
			productID sql.NullString
		)
		if err := rows.Scan(&o.OrderID, &productID, &o.Quantity, &o.DeliveryType, &o.Status); err != nil {
			return nil, errors.Wrap(err, "scan round order")
		}
		o.ProductID = stock.ProductID(productID.String)
		out = append(out, o)
	}
	return out, errors.Wrap(rows.Err(), "iterate round orders")
}

func (c *conn) SetOrderStatus(ctx context.Context, id stock.OrderID, status stock.OrderStatus, reason string, at time.Time) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE orders SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?`,
		status, nullString(reason), formatTime(at), id,
	)
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	return requireRow(res, stock.ErrOrderNotFound)
}

func (c *conn) CreateOrder(ctx context.Context, o stock.Order) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Reference, nullString(string(o.ProductID)), o.Quantity, o.DeliveryType, o.Status,
		nullString(o.StatusReason), nullString(string(o.RoundID)), formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	return errors.Wrap(err, "insert order")
}

func (c *conn) GetOrder(ctx context.Context, id stock.OrderID) (stock.Order, error) {
	o, err := scanOrder(c.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return stock.Order{}, stock.ErrOrderNotFound
	}
	return o, err
}

func (c *conn) ListOrders(ctx context.Context, f stock.OrderFilter) ([]stock.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.RoundID != "" {
		where = append(where, "round_id = ?")
		args = append(args, f.RoundID)
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query orders")
	}
	defer rows.Close()

	var out []stock.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, errors.Wrap(rows.Err(), "iterate orders")
}

func (c *conn) AssignOrder(ctx context.Context, orderID stock.OrderID, roundID stock.RoundID, at time.Time) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE orders SET round_id = ?, updated_at = ? WHERE id = ?`,
		roundID, formatTime(at), orderID,
	)
	if err != nil {
		return errors.Wrap(err, "assign order")
	}
	return requireRow(res, stock.ErrOrderNotFound)
}

func scanOrder(sc scanner) (stock.Order, error) {
	var (
		o                          stock.Order
		productID, reason, roundID sql.NullString
		createdAt, updatedAt       string
	)
	err := sc.Scan(&o.ID, &o.Reference, &productID, &o.Quantity, &o.DeliveryType, &o.Status,
		&reason, &roundID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stock.Order{}, err
		}
		return stock.Order{}, errors.Wrap(err, "scan order")
	}
	o.ProductID = stock.ProductID(productID.String)
	o.StatusReason = reason.String
	o.RoundID = stock.RoundID(roundID.String)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return o, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// requireRow maps an UPDATE that touched nothing to notFound.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
