/*
handlers.go - HTTP API handlers for the fulfillment ledger

PURPOSE:
  Exposes the stock engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the ledger, round service,
  reconciler and order service.

ENDPOINTS:
  Products:
    GET    /api/products                     Pool levels and valuation
    POST   /api/products                     Create product
    GET    /api/products/{id}                One product (id or code)
    GET    /api/products/{id}/movements      Movement history
    POST   /api/products/{id}/adjustments    Manual supply/loss/correction
    GET    /api/products/{id}/expected-reserve

  Orders:
    GET    /api/orders                       List (status, round_id)
    POST   /api/orders                       Create order
    GET    /api/orders/{id}
    POST   /api/orders/{id}/status           Status transition

  Rounds:
    GET    /api/rounds                       List (state, courier_id)
    POST   /api/rounds                       Create round from orders
    GET    /api/rounds/{id}
    POST   /api/rounds/{id}/handover         Confirm handover (remise)
    POST   /api/rounds/{id}/return           Confirm return (retour)
    GET    /api/rounds/{id}/movements
    GET    /api/discrepancies                Closed rounds with discrepancy

  Reconciliation:
    GET    /api/movements                    Global movement search
    GET    /api/reconciliation/report        Every product
    GET    /api/reconciliation/drift         Drifted products only
    POST   /api/reconciliation/repair        One product or all
    GET    /api/audit                        Ledger replay check

ERROR HANDLING:
  Errors are returned as ErrorResponse JSON. Status follows the stock
  package classifiers:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Operation out of sequence (round state, order status)
  - 422: Unexplained return discrepancy
  - 503: Transaction could not begin or commit; safe to retry
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The actor recorded on movements is whatever the
  client sends in actor_id.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/fulfillment-ledger/orders"
	"github.com/warp/fulfillment-ledger/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *stock.Ledger
	Rounds     *stock.RoundService
	Reconciler *stock.Reconciler
	Orders     *orders.Service
	Logger     zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over one ledger. The round service,
// reconciler and order service must share that ledger.
func NewHandler(ledger *stock.Ledger, rounds *stock.RoundService, reconciler *stock.Reconciler, svc *orders.Service) *Handler {
	return &Handler{
		Ledger:     ledger,
		Rounds:     rounds,
		Reconciler: reconciler,
		Orders:     svc,
		Logger:     zerolog.Nop(),
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report json field names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports whether the backing store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Ledger.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns pool levels for every product plus total valuation.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	levels, err := h.Ledger.Levels(r.Context())
	if err != nil {
		h.fail(w, "Failed to list products", err)
		return
	}

	dtos := make([]ProductDTO, len(levels))
	for i, lv := range levels {
		dtos[i] = toProductDTO(lv)
	}
	writeJSON(w, http.StatusOK, ProductsResponse{
		Products:   dtos,
		StockValue: stock.StockValue(levels).StringFixed(2),
	})
}

// CreateProduct creates a product. Initial stock is booked as a supply movement.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	cost := decimal.Zero
	if req.UnitCost != "" {
		var err error
		if cost, err = decimal.NewFromString(req.UnitCost); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid unit_cost", err)
			return
		}
	}

	p, err := h.Ledger.CreateProduct(r.Context(), stock.NewProduct{
		Code:           req.Code,
		Name:           req.Name,
		AlertThreshold: req.AlertThreshold,
		UnitCost:       cost,
		InitialStock:   req.InitialStock,
		ActorID:        stock.ActorID(req.ActorID),
	})
	if err != nil {
		h.fail(w, "Failed to create product", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(stock.LevelsOf(p)))
}

// GetProduct returns one product, looked up by id then by code.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.lookupProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get product", err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(stock.LevelsOf(p)))
}

// GetProductMovements returns a product's movement history, most recent first.
func (h *Handler) GetProductMovements(w http.ResponseWriter, r *http.Request) {
	p, err := h.lookupProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get product", err)
		return
	}
	filter, err := parseMovementFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	filter.ProductID = p.ID

	movements, err := h.Ledger.ListMovements(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to list movements", err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTOs(movements))
}

// CreateAdjustment records a manual supply, loss or correction.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	p, err := h.lookupProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get product", err)
		return
	}
	var req AdjustmentRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	m, err := h.Ledger.RecordAdjustment(r.Context(), stock.ManualAdjustment{
		ProductID: p.ID,
		Pool:      stock.Pool(req.Pool),
		Kind:      stock.MovementKind(req.Kind),
		Quantity:  req.Quantity,
		ActorID:   stock.ActorID(req.ActorID),
		Reason:    req.Reason,
	})
	if err != nil {
		h.fail(w, "Failed to record adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(m))
}

// GetExpectedReserve compares a product's stored localReserve with the
// quantity its handed-over rounds account for.
func (h *Handler) GetExpectedReserve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.lookupProduct(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get product", err)
		return
	}
	expected, err := h.Reconciler.ComputeExpectedReserve(ctx, p.ID)
	if err != nil {
		h.fail(w, "Failed to compute expected reserve", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpectedReserveDTO{
		ProductID:       string(p.ID),
		StoredReserve:   p.LocalReserve,
		ExpectedReserve: expected,
		Delta:           expected - p.LocalReserve,
	})
}

func (h *Handler) lookupProduct(ctx context.Context, key string) (stock.Product, error) {
	p, err := h.Ledger.GetProduct(ctx, stock.ProductID(key))
	if errors.Is(err, stock.ErrProductNotFound) {
		return h.Ledger.Store.GetProductByCode(ctx, key)
	}
	return p, err
}

// =============================================================================
// MOVEMENT HANDLERS
// =============================================================================

// ListMovements searches the whole ledger.
// Query: product_id, kind, pool, round_id, order_id, from, to (RFC3339), limit.
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	filter, err := parseMovementFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	movements, err := h.Ledger.ListMovements(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to list movements", err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTOs(movements))
}

func parseMovementFilter(r *http.Request) (stock.MovementFilter, error) {
	q := r.URL.Query()
	f := stock.MovementFilter{
		ProductID: stock.ProductID(q.Get("product_id")),
		Kind:      stock.MovementKind(q.Get("kind")),
		Pool:      stock.Pool(q.Get("pool")),
		RoundID:   stock.RoundID(q.Get("round_id")),
		OrderID:   stock.OrderID(q.Get("order_id")),
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return f, errors.New("unknown kind " + string(f.Kind))
	}
	if f.Pool != "" && !f.Pool.Valid() {
		return f, errors.New("unknown pool " + string(f.Pool))
	}
	for _, bound := range []struct {
		key string
		dst **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := q.Get(bound.key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New(bound.key + " must be RFC3339")
		}
		*bound.dst = &t
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = limit
	}
	return f, nil
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// ListOrders returns orders, optionally filtered by status and round.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.Orders.List(r.Context(), stock.OrderFilter{
		Status:  stock.OrderStatus(q.Get("status")),
		RoundID: stock.RoundID(q.Get("round_id")),
	})
	if err != nil {
		h.fail(w, "Failed to list orders", err)
		return
	}
	dtos := make([]OrderDTO, len(list))
	for i, o := range list {
		dtos[i] = toOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateOrder registers an order in EN_ATTENTE.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	o, err := h.Orders.Create(r.Context(), orders.NewOrder{
		Reference:    req.Reference,
		ProductID:    stock.ProductID(req.ProductID),
		Quantity:     req.Quantity,
		DeliveryType: stock.DeliveryType(req.DeliveryType),
	})
	if err != nil {
		h.fail(w, "Failed to create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(o))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), stock.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to get order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// TransitionOrder moves an order to a new status.
func (h *Handler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	o, err := h.Orders.Transition(r.Context(),
		stock.OrderID(chi.URLParam(r, "id")),
		stock.OrderStatus(req.Status),
		req.Reason,
		stock.ActorID(req.ActorID),
	)
	if err != nil {
		h.fail(w, "Failed to change order status", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// =============================================================================
// ROUND HANDLERS
// =============================================================================

// ListRounds returns rounds. Query: state (PENDING, HANDED_OVER, CLOSED), courier_id.
func (h *Handler) ListRounds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := stock.RoundFilter{
		State:     stock.RoundState(q.Get("state")),
		CourierID: q.Get("courier_id"),
	}
	switch filter.State {
	case "", stock.RoundPending, stock.RoundHandedOver, stock.RoundClosed:
	default:
		writeError(w, http.StatusBadRequest, "Invalid state filter", nil)
		return
	}

	rounds, err := h.Rounds.ListRounds(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to list rounds", err)
		return
	}
	writeJSON(w, http.StatusOK, toRoundDTOs(rounds))
}

// CreateRound groups validated orders into a new PENDING round.
func (h *Handler) CreateRound(w http.ResponseWriter, r *http.Request) {
	var req CreateRoundRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ids := make([]stock.OrderID, len(req.OrderIDs))
	for i, id := range req.OrderIDs {
		ids[i] = stock.OrderID(id)
	}

	round, err := h.Rounds.CreateRound(r.Context(), req.CourierID, ids, stock.ActorID(req.ActorID))
	if err != nil {
		h.fail(w, "Failed to create round", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoundDTO(round))
}

func (h *Handler) GetRound(w http.ResponseWriter, r *http.Request) {
	round, err := h.Rounds.GetRound(r.Context(), stock.RoundID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to get round", err)
		return
	}
	writeJSON(w, http.StatusOK, toRoundDTO(round))
}

// ConfirmHandover records the stock leaving with the courier.
// A repeated call returns the stored handover with already_confirmed=true.
func (h *Handler) ConfirmHandover(w http.ResponseWriter, r *http.Request) {
	var req HandoverRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	res, err := h.Rounds.ConfirmHandover(r.Context(),
		stock.RoundID(chi.URLParam(r, "id")),
		*req.ConfirmedQuantity,
		stock.ActorID(req.ActorID),
	)
	if err != nil {
		h.fail(w, "Failed to confirm handover", err)
		return
	}
	writeJSON(w, http.StatusOK, HandoverResponse{
		Round:            toRoundDTO(res.Round),
		Movements:        toMovementDTOs(res.Movements),
		AlreadyConfirmed: res.AlreadyConfirmed,
	})
}

// ConfirmReturn closes a handed-over round.
// A nonzero discrepancy without discrepancy_reason is refused with 422.
func (h *Handler) ConfirmReturn(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	reasons := make(map[stock.OrderID]string, len(req.OrderReasons))
	for id, reason := range req.OrderReasons {
		reasons[stock.OrderID(id)] = reason
	}

	res, err := h.Rounds.ConfirmReturn(r.Context(), stock.ReturnRequest{
		RoundID:           stock.RoundID(chi.URLParam(r, "id")),
		ReturnedQuantity:  *req.ReturnedQuantity,
		DiscrepancyReason: req.DiscrepancyReason,
		OrderReasons:      reasons,
		ActorID:           stock.ActorID(req.ActorID),
	})
	if err != nil {
		h.fail(w, "Failed to confirm return", err)
		return
	}

	returned := make([]string, len(res.ReturnedOrders))
	for i, id := range res.ReturnedOrders {
		returned[i] = string(id)
	}
	writeJSON(w, http.StatusOK, ReturnResponse{
		Round:            toRoundDTO(res.Round),
		Movements:        toMovementDTOs(res.Movements),
		ReturnedOrders:   returned,
		AlreadyConfirmed: res.AlreadyConfirmed,
	})
}

// GetRoundMovements returns every movement written by a round.
func (h *Handler) GetRoundMovements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	round, err := h.Rounds.GetRound(ctx, stock.RoundID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to get round", err)
		return
	}
	movements, err := h.Ledger.ListMovements(ctx, stock.MovementFilter{RoundID: round.ID})
	if err != nil {
		h.fail(w, "Failed to list movements", err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTOs(movements))
}

// ListDiscrepancies returns closed rounds whose return did not add up.
func (h *Handler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	rounds, err := h.Rounds.Discrepancies(r.Context())
	if err != nil {
		h.fail(w, "Failed to list discrepancies", err)
		return
	}
	writeJSON(w, http.StatusOK, toRoundDTOs(rounds))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// GetReconciliationReport compares stored and expected localReserve for
// every product.
func (h *Handler) GetReconciliationReport(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Reconciler.Report(r.Context())
	if err != nil {
		h.fail(w, "Failed to build reconciliation report", err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTOs(reports))
}

// GetDrift returns only the drifted products.
func (h *Handler) GetDrift(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Reconciler.DetectDrift(r.Context())
	if err != nil {
		h.fail(w, "Failed to detect drift", err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTOs(reports))
}

// RepairDrift repairs one product, or all drifted products when product_id
// is omitted.
func (h *Handler) RepairDrift(w http.ResponseWriter, r *http.Request) {
	var req RepairRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ctx := r.Context()
	actor := stock.ActorID(req.ActorID)

	var movements []stock.Movement
	if req.ProductID != "" {
		m, err := h.Reconciler.RepairDrift(ctx, stock.ProductID(req.ProductID), actor)
		if err != nil {
			h.fail(w, "Failed to repair drift", err)
			return
		}
		if m != nil {
			movements = append(movements, *m)
		}
	} else {
		var err error
		if movements, err = h.Reconciler.RepairAll(ctx, actor); err != nil {
			h.fail(w, "Failed to repair drift", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, RepairResponse{
		Repaired:  len(movements),
		Movements: toMovementDTOs(movements),
	})
}

// GetAudit replays every pool from its movements. Query: product_id.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	findings, err := h.Ledger.Audit(r.Context(), stock.ProductID(r.URL.Query().Get("product_id")))
	if err != nil {
		h.fail(w, "Failed to audit ledger", err)
		return
	}
	dtos := make([]AuditFindingDTO, len(findings))
	for i, f := range findings {
		dtos[i] = AuditFindingDTO{
			ProductID: string(f.ProductID),
			Code:      f.Code,
			Pool:      string(f.Pool),
			Stored:    f.Stored,
			Replayed:  f.Replayed,
		}
	}
	writeJSON(w, http.StatusOK, AuditResponse{Clean: len(findings) == 0, Findings: dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decodeRequest decodes and validates a JSON body. On failure it writes a
// 400 and returns false.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Code:    "validation_failed",
			Details: fields,
		})
		return false
	}
	return true
}

// statusFor maps a stock error to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	var disc *stock.DiscrepancyError
	switch {
	case errors.As(err, &disc):
		return http.StatusUnprocessableEntity, "discrepancy_unexplained"
	case stock.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case stock.IsConflict(err):
		return http.StatusConflict, "invalid_state"
	case stock.IsClientError(err):
		return http.StatusBadRequest, "invalid_request"
	case stock.IsRetryable(err):
		return http.StatusServiceUnavailable, "transaction_failure"
	}
	return http.StatusInternalServerError, "internal"
}

// fail writes err with the status its category calls for. Server-side
// failures are logged.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}

	var disc *stock.DiscrepancyError
	if errors.As(err, &disc) {
		resp.Details = map[string]any{
			"round_id":           disc.RoundID,
			"confirmed_quantity": disc.ConfirmedQuantity,
			"delivered":          disc.Delivered,
			"expected_remaining": disc.ExpectedRemaining,
			"returned":           disc.Returned,
			"discrepancy":        disc.Discrepancy,
		}
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).Int("status", status).Msg(message)
	}
	writeJSON(w, status, resp)
}
