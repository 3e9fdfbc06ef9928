/**
 * @description
 * HTTP router setup for the allowance service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the allowance routes.
func NewRouter(h *Handler, auth AuthConfig, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Allowance service is healthy"))
	})

	r.Route("/internal/allowances", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/process-due", h.handleProcessDue)
	})

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(auth))

		r.Post("/accounts", h.handleOpenAccount)
		r.Get("/accounts/{accountID}", h.handleGetAccount)
		r.Get("/accounts/{accountID}/orders", h.handleListAccountOrders)
		r.Get("/accounts/{accountID}/ledger", h.handleListLedger)

		r.Post("/orders", h.handleCreateOrder)
		r.Get("/orders/{id}", h.handleGetOrder)
		r.Put("/orders/{id}", h.handleUpdateOrder)
		r.Delete("/orders/{id}", h.handleDeleteOrder)
	})

	return r
}
