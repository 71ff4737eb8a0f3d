/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that drive the engine through realistic
	round flows, so the back office can be explored without typing every
	request. Every step goes through the same services as the API; nothing
	is written to the store directly.

AVAILABLE SCENARIOS:

	round-out:        50 units, round of {2,3,1} handed over, the 3 delivered
	round-closed:     round-out plus its return; leaves localReserve drift
	discrepancy:      a return short of one unit, explained by the operator
	express-pipeline: mixed round, express stock committed at validation

HOW SCENARIOS WORK:
 1. Create products with a fresh code suffix (scenarios never collide)
 2. Create and validate orders
 3. Group them into a round and confirm the handover
 4. Resolve orders and optionally confirm the return

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "round-closed"}

NOTE:

	Scenarios append to the ledger; they never reset it.

SEE ALSO:
  - handlers.go: Handler dependencies
  - stock/round.go: Handover / return
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/fulfillment-ledger/orders"
	"github.com/warp/fulfillment-ledger/stock"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const scenarioActor stock.ActorID = "demo-operator"

var scenarios = []ScenarioDTO{
	{
		ID:          "round-out",
		Name:        "Round Out",
		Description: "50 units, LOCAL round of {2,3,1} handed over, the 3-unit order delivered. Confirm the return with returned_quantity=3.",
	},
	{
		ID:          "round-closed",
		Name:        "Round Closed",
		Description: "Round Out followed by its return: available=47, localReserve=3, which reconciliation reports as drift.",
	},
	{
		ID:          "discrepancy",
		Name:        "Return Discrepancy",
		Description: "Courier brings back one unit less than expected; the return is confirmed with a reason.",
	},
	{
		ID:          "express-pipeline",
		Name:        "Express Pipeline",
		Description: "EXPRESS order committed to expressReserve at validation, then handed over with a LOCAL order.",
	},
}

// scenarioLoaders is keyed by ScenarioDTO.ID.
var scenarioLoaders = map[string]func(*Handler, context.Context) (ScenarioResult, error){
	"round-out":        (*Handler).loadRoundOutScenario,
	"round-closed":     (*Handler).loadRoundClosedScenario,
	"discrepancy":      (*Handler).loadDiscrepancyScenario,
	"express-pipeline": (*Handler).loadExpressPipelineScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario runs a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	res, err := load(h, r.Context())
	if err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}
	res.ScenarioID = req.ScenarioID

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Logger.Info().Str("scenario", req.ScenarioID).Strs("rounds", res.RoundIDs).Msg("scenario loaded")
	writeJSON(w, http.StatusCreated, res)
}

// =============================================================================
// LOADERS
// =============================================================================

// loadRoundOutScenario leaves a round HANDED_OVER with one order delivered.
func (h *Handler) loadRoundOutScenario(ctx context.Context) (ScenarioResult, error) {
	var res ScenarioResult
	_, err := h.buildRoundOut(ctx, &res)
	return res, err
}

func (h *Handler) loadRoundClosedScenario(ctx context.Context) (ScenarioResult, error) {
	var res ScenarioResult
	roundID, err := h.buildRoundOut(ctx, &res)
	if err != nil {
		return res, err
	}
	_, err = h.Rounds.ConfirmReturn(ctx, stock.ReturnRequest{
		RoundID:          roundID,
		ReturnedQuantity: 3,
		ActorID:          scenarioActor,
	})
	return res, err
}

func (h *Handler) loadDiscrepancyScenario(ctx context.Context) (ScenarioResult, error) {
	var res ScenarioResult
	p, err := h.scenarioProduct(ctx, &res, "CABLE", "USB-C cable", 30, "4.90")
	if err != nil {
		return res, err
	}
	ids, err := h.scenarioOrders(ctx, &res, p.ID, stock.DeliveryLocal, 4, 4)
	if err != nil {
		return res, err
	}
	roundID, err := h.scenarioRound(ctx, &res, "courier-bob", ids, 8)
	if err != nil {
		return res, err
	}
	// Nothing delivered, 8 expected back, 7 returned.
	_, err = h.Rounds.ConfirmReturn(ctx, stock.ReturnRequest{
		RoundID:           roundID,
		ReturnedQuantity:  7,
		DiscrepancyReason: "one unit damaged in transit",
		ActorID:           scenarioActor,
	})
	return res, err
}

func (h *Handler) loadExpressPipelineScenario(ctx context.Context) (ScenarioResult, error) {
	var res ScenarioResult
	p, err := h.scenarioProduct(ctx, &res, "HEADSET", "Wireless headset", 20, "39.00")
	if err != nil {
		return res, err
	}
	local, err := h.scenarioOrders(ctx, &res, p.ID, stock.DeliveryLocal, 2)
	if err != nil {
		return res, err
	}
	express, err := h.scenarioOrders(ctx, &res, p.ID, stock.DeliveryExpress, 5)
	if err != nil {
		return res, err
	}
	_, err = h.scenarioRound(ctx, &res, "courier-carla", append(local, express...), 7)
	return res, err
}

// =============================================================================
// HELPERS
// =============================================================================

// buildRoundOut is the reference flow: 50 units, orders {2,3,1}, handover
// of 6, the 3-unit order delivered. Ends at available=44, localReserve=6.
func (h *Handler) buildRoundOut(ctx context.Context, res *ScenarioResult) (stock.RoundID, error) {
	p, err := h.scenarioProduct(ctx, res, "MUG", "Ceramic mug", 50, "3.50")
	if err != nil {
		return "", err
	}
	ids, err := h.scenarioOrders(ctx, res, p.ID, stock.DeliveryLocal, 2, 3, 1)
	if err != nil {
		return "", err
	}
	roundID, err := h.scenarioRound(ctx, res, "courier-alice", ids, 6)
	if err != nil {
		return "", err
	}
	if _, err := h.Orders.Transition(ctx, ids[1], stock.StatusDelivered, "", scenarioActor); err != nil {
		return "", err
	}
	return roundID, nil
}

func (h *Handler) scenarioProduct(ctx context.Context, res *ScenarioResult, code, name string, stockQty int, cost string) (stock.Product, error) {
	p, err := h.Ledger.CreateProduct(ctx, stock.NewProduct{
		Code:           code + "-" + shortID(h.Ledger.NewID()),
		Name:           name,
		AlertThreshold: 5,
		UnitCost:       decimal.RequireFromString(cost),
		InitialStock:   stockQty,
		ActorID:        scenarioActor,
	})
	if err != nil {
		return stock.Product{}, err
	}
	res.ProductIDs = append(res.ProductIDs, string(p.ID))
	return p, nil
}

// scenarioOrders creates one validated order per quantity.
func (h *Handler) scenarioOrders(ctx context.Context, res *ScenarioResult, productID stock.ProductID, dt stock.DeliveryType, quantities ...int) ([]stock.OrderID, error) {
	ids := make([]stock.OrderID, 0, len(quantities))
	for _, q := range quantities {
		o, err := h.Orders.Create(ctx, orders.NewOrder{
			Reference:    "DEMO-" + strings.ToUpper(shortID(h.Ledger.NewID())),
			ProductID:    productID,
			Quantity:     q,
			DeliveryType: dt,
		})
		if err != nil {
			return nil, err
		}
		if _, err := h.Orders.Transition(ctx, o.ID, stock.StatusValidated, "", scenarioActor); err != nil {
			return nil, err
		}
		ids = append(ids, o.ID)
		res.OrderIDs = append(res.OrderIDs, string(o.ID))
	}
	return ids, nil
}

func (h *Handler) scenarioRound(ctx context.Context, res *ScenarioResult, courier string, ids []stock.OrderID, handover int) (stock.RoundID, error) {
	round, err := h.Rounds.CreateRound(ctx, courier, ids, scenarioActor)
	if err != nil {
		return "", err
	}
	res.RoundIDs = append(res.RoundIDs, string(round.ID))
	if _, err := h.Rounds.ConfirmHandover(ctx, round.ID, handover, scenarioActor); err != nil {
		return "", err
	}
	return round.ID, nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
