/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the stock engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Products:     ProductDTO, ProductsResponse, CreateProductRequest
  Movements:    MovementDTO, AdjustmentRequest, ExpectedReserveDTO
  Orders:       OrderDTO, CreateOrderRequest, TransitionRequest
  Rounds:       RoundDTO, CreateRoundRequest, HandoverRequest, ReturnRequest
  Reconciling:  ReconciliationReportDTO, RepairRequest, AuditResponse
  Scenarios:    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry go-playground/validator tags. decodeRequest in
  handlers.go decodes and validates in one step; domain rules (signs per
  movement kind, discrepancy reasons) stay in the stock package.

SEE ALSO:
  - handlers.go: Uses these types
  - stock/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/warp/fulfillment-ledger/stock"
)

// =============================================================================
// PRODUCTS
// =============================================================================

// ProductDTO is one product with its pool levels and valuation.
type ProductDTO struct {
	ID             string `json:"id"`
	Code           string `json:"code"`
	Name           string `json:"name"`
	Available      int    `json:"available"`
	LocalReserve   int    `json:"local_reserve"`
	ExpressReserve int    `json:"express_reserve"`
	Total          int    `json:"total"`
	AlertThreshold int    `json:"alert_threshold"`
	LowStock       bool   `json:"low_stock"`
	UnitCost       string `json:"unit_cost"`
	AvailableValue string `json:"available_value"`
	TotalValue     string `json:"total_value"`
}

type ProductsResponse struct {
	Products   []ProductDTO `json:"products"`
	StockValue string       `json:"stock_value"`
}

type CreateProductRequest struct {
	Code           string `json:"code" validate:"required,max=64"`
	Name           string `json:"name" validate:"required"`
	AlertThreshold int    `json:"alert_threshold" validate:"min=0"`
	UnitCost       string `json:"unit_cost" validate:"omitempty,numeric"`
	InitialStock   int    `json:"initial_stock" validate:"min=0"`
	ActorID        string `json:"actor_id" validate:"required"`
}

// =============================================================================
// MOVEMENTS
// =============================================================================

type MovementDTO struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	Kind        string `json:"kind"`
	Pool        string `json:"pool"`
	Quantity    int    `json:"quantity"`
	StockBefore int    `json:"stock_before"`
	StockAfter  int    `json:"stock_after"`
	OrderID     string `json:"order_id,omitempty"`
	RoundID     string `json:"round_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// AdjustmentRequest is an operator-entered supply, loss or correction.
// Quantity is signed: supply > 0, loss < 0, correction != 0.
type AdjustmentRequest struct {
	Kind     string `json:"kind" validate:"required,oneof=supply loss correction"`
	Pool     string `json:"pool" validate:"omitempty,oneof=available local_reserve express_reserve"`
	Quantity int    `json:"quantity" validate:"required"`
	Reason   string `json:"reason" validate:"required"`
	ActorID  string `json:"actor_id" validate:"required"`
}

type ExpectedReserveDTO struct {
	ProductID       string `json:"product_id"`
	StoredReserve   int    `json:"stored_reserve"`
	ExpectedReserve int    `json:"expected_reserve"`
	Delta           int    `json:"delta"`
}

// =============================================================================
// ORDERS
// =============================================================================

type OrderDTO struct {
	ID           string `json:"id"`
	Reference    string `json:"reference"`
	ProductID    string `json:"product_id,omitempty"`
	Quantity     int    `json:"quantity"`
	DeliveryType string `json:"delivery_type"`
	Status       string `json:"status"`
	StatusReason string `json:"status_reason,omitempty"`
	RoundID      string `json:"round_id,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type CreateOrderRequest struct {
	Reference    string `json:"reference" validate:"required"`
	ProductID    string `json:"product_id"`
	Quantity     int    `json:"quantity" validate:"gt=0"`
	DeliveryType string `json:"delivery_type" validate:"required,oneof=LOCAL EXPEDITION EXPRESS"`
}

type TransitionRequest struct {
	Status  string `json:"status" validate:"required"`
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id" validate:"required"`
}

// =============================================================================
// ROUNDS
// =============================================================================

type HandoverDTO struct {
	ConfirmedQuantity int    `json:"confirmed_quantity"`
	ConfirmedAt       string `json:"confirmed_at"`
	ConfirmedBy       string `json:"confirmed_by"`
}

type ReturnDTO struct {
	DeliveredCount    int    `json:"delivered_count"`
	ReturnedCount     int    `json:"returned_count"`
	Discrepancy       int    `json:"discrepancy"`
	DiscrepancyReason string `json:"discrepancy_reason,omitempty"`
	ConfirmedAt       string `json:"confirmed_at"`
	ConfirmedBy       string `json:"confirmed_by"`
}

type RoundDTO struct {
	ID        string       `json:"id"`
	CourierID string       `json:"courier_id"`
	OrderIDs  []string     `json:"order_ids"`
	State     string       `json:"state"`
	Handover  *HandoverDTO `json:"handover,omitempty"`
	Return    *ReturnDTO   `json:"return,omitempty"`
	CreatedBy string       `json:"created_by"`
	CreatedAt string       `json:"created_at"`
}

type CreateRoundRequest struct {
	CourierID string   `json:"courier_id" validate:"required"`
	OrderIDs  []string `json:"order_ids" validate:"required,min=1,dive,required"`
	ActorID   string   `json:"actor_id" validate:"required"`
}

// HandoverRequest confirms the quantity the courier took.
// A pointer so that an explicit 0 is distinguishable from a missing field.
type HandoverRequest struct {
	ConfirmedQuantity *int   `json:"confirmed_quantity" validate:"required"`
	ActorID           string `json:"actor_id" validate:"required"`
}

type HandoverResponse struct {
	Round            RoundDTO      `json:"round"`
	Movements        []MovementDTO `json:"movements"`
	AlreadyConfirmed bool          `json:"already_confirmed"`
}

type ReturnRequest struct {
	ReturnedQuantity  *int              `json:"returned_quantity" validate:"required"`
	DiscrepancyReason string            `json:"discrepancy_reason"`
	OrderReasons      map[string]string `json:"order_reasons"`
	ActorID           string            `json:"actor_id" validate:"required"`
}

type ReturnResponse struct {
	Round            RoundDTO      `json:"round"`
	Movements        []MovementDTO `json:"movements"`
	ReturnedOrders   []string      `json:"returned_orders"`
	AlreadyConfirmed bool          `json:"already_confirmed"`
}

// =============================================================================
// RECONCILIATION & AUDIT
// =============================================================================

type ReconciliationReportDTO struct {
	ProductID       string `json:"product_id"`
	ProductCode     string `json:"product_code"`
	StoredReserve   int    `json:"stored_reserve"`
	ExpectedReserve int    `json:"expected_reserve"`
	Delta           int    `json:"delta"`
}

// RepairRequest repairs one product, or every drifted product when
// ProductID is empty.
type RepairRequest struct {
	ProductID string `json:"product_id"`
	ActorID   string `json:"actor_id" validate:"required"`
}

type RepairResponse struct {
	Repaired  int           `json:"repaired"`
	Movements []MovementDTO `json:"movements"`
}

type AuditFindingDTO struct {
	ProductID string `json:"product_id"`
	Code      string `json:"code"`
	Pool      string `json:"pool"`
	Stored    int    `json:"stored"`
	Replayed  int    `json:"replayed"`
}

type AuditResponse struct {
	Clean    bool              `json:"clean"`
	Findings []AuditFindingDTO `json:"findings"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ScenarioResult lists what a scenario created, so a client can follow up.
type ScenarioResult struct {
	ScenarioID string   `json:"scenario_id"`
	ProductIDs []string `json:"product_ids"`
	RoundIDs   []string `json:"round_ids"`
	OrderIDs   []string `json:"order_ids"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toProductDTO(lv stock.PoolLevels) ProductDTO {
	return ProductDTO{
		ID:             string(lv.ProductID),
		Code:           lv.Code,
		Name:           lv.Name,
		Available:      lv.Available,
		LocalReserve:   lv.LocalReserve,
		ExpressReserve: lv.ExpressReserve,
		Total:          lv.Total,
		AlertThreshold: lv.AlertThreshold,
		LowStock:       lv.LowStock,
		UnitCost:       lv.UnitCost.StringFixed(2),
		AvailableValue: lv.AvailableValue.StringFixed(2),
		TotalValue:     lv.TotalValue.StringFixed(2),
	}
}

func toMovementDTO(m stock.Movement) MovementDTO {
	return MovementDTO{
		ID:          string(m.ID),
		ProductID:   string(m.ProductID),
		Kind:        string(m.Kind),
		Pool:        string(m.Pool),
		Quantity:    m.Quantity,
		StockBefore: m.StockBefore,
		StockAfter:  m.StockAfter,
		OrderID:     string(m.OrderID),
		RoundID:     string(m.RoundID),
		ActorID:     string(m.ActorID),
		Reason:      m.Reason,
		CreatedAt:   formatTime(m.CreatedAt),
	}
}

func toMovementDTOs(ms []stock.Movement) []MovementDTO {
	dtos := make([]MovementDTO, len(ms))
	for i, m := range ms {
		dtos[i] = toMovementDTO(m)
	}
	return dtos
}

func toOrderDTO(o stock.Order) OrderDTO {
	return OrderDTO{
		ID:           string(o.ID),
		Reference:    o.Reference,
		ProductID:    string(o.ProductID),
		Quantity:     o.Quantity,
		DeliveryType: string(o.DeliveryType),
		Status:       string(o.Status),
		StatusReason: o.StatusReason,
		RoundID:      string(o.RoundID),
		CreatedAt:    formatTime(o.CreatedAt),
		UpdatedAt:    formatTime(o.UpdatedAt),
	}
}

func toRoundDTO(r stock.Round) RoundDTO {
	dto := RoundDTO{
		ID:        string(r.ID),
		CourierID: r.CourierID,
		OrderIDs:  make([]string, len(r.OrderIDs)),
		State:     string(r.State()),
		CreatedBy: string(r.CreatedBy),
		CreatedAt: formatTime(r.CreatedAt),
	}
	for i, id := range r.OrderIDs {
		dto.OrderIDs[i] = string(id)
	}
	if h := r.Handover; h != nil {
		dto.Handover = &HandoverDTO{
			ConfirmedQuantity: h.ConfirmedQuantity,
			ConfirmedAt:       formatTime(h.ConfirmedAt),
			ConfirmedBy:       string(h.ConfirmedBy),
		}
	}
	if ret := r.Return; ret != nil {
		dto.Return = &ReturnDTO{
			DeliveredCount:    ret.DeliveredCount,
			ReturnedCount:     ret.ReturnedCount,
			Discrepancy:       ret.Discrepancy,
			DiscrepancyReason: ret.DiscrepancyReason,
			ConfirmedAt:       formatTime(ret.ConfirmedAt),
			ConfirmedBy:       string(ret.ConfirmedBy),
		}
	}
	return dto
}

func toRoundDTOs(rs []stock.Round) []RoundDTO {
	dtos := make([]RoundDTO, len(rs))
	for i, r := range rs {
		dtos[i] = toRoundDTO(r)
	}
	return dtos
}

func toReportDTOs(reports []stock.ReconciliationReport) []ReconciliationReportDTO {
	dtos := make([]ReconciliationReportDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = ReconciliationReportDTO{
			ProductID:       string(rep.ProductID),
			ProductCode:     rep.ProductCode,
			StoredReserve:   rep.StoredReserve,
			ExpectedReserve: rep.ExpectedReserve,
			Delta:           rep.Delta,
		}
	}
	return dtos
}
