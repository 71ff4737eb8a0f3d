/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. Logger:     One zerolog event per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /health                    Liveness + store ping
  /api/products/*            Catalogue, pool levels, adjustments
  /api/movements             Ledger search
  /api/orders/*              Order intake and status
  /api/rounds/*              Handover / return
  /api/discrepancies         Closed rounds that did not add up
  /api/reconciliation/*      Drift report and repair
  /api/audit                 Ledger replay check
  /api/scenarios/*           Demo scenarios

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured.
// An empty allowedOrigins allows any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
			r.Get("/{id}", h.GetProduct)
			r.Get("/{id}/movements", h.GetProductMovements)
			r.Post("/{id}/adjustments", h.CreateAdjustment)
			r.Get("/{id}/expected-reserve", h.GetExpectedReserve)
		})

		r.Get("/movements", h.ListMovements)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/status", h.TransitionOrder)
		})

		r.Route("/rounds", func(r chi.Router) {
			r.Get("/", h.ListRounds)
			r.Post("/", h.CreateRound)
			r.Get("/{id}", h.GetRound)
			r.Post("/{id}/handover", h.ConfirmHandover)
			r.Post("/{id}/return", h.ConfirmReturn)
			r.Get("/{id}/movements", h.GetRoundMovements)
		})

		r.Get("/discrepancies", h.ListDiscrepancies)

		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/report", h.GetReconciliationReport)
			r.Get("/drift", h.GetDrift)
			r.Post("/repair", h.RepairDrift)
		})

		r.Get("/audit", h.GetAudit)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger emits one event per request once the response is written.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				ev := logger.Info()
				if status >= http.StatusInternalServerError {
					ev = logger.Error()
				}
				ev.Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("http request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
