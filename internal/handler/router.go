package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/courier-ledger/internal/middleware"
	"github.com/mmeshcher/courier-ledger/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса доставки.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.With(h.authMiddleware.Optional).Post("/users/register", h.Register)
		r.Post("/users/login", h.Login)
		r.Get("/drivers/{id}/rating", h.DriverRating)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/users/me", h.Me)
			r.Put("/users/me/location", h.UpdateLocation)
			r.Put("/users/me/push-token", h.SetPushToken)
			r.Get("/balance/transactions", h.GetTransactions)

			r.Route("/orders", func(r chi.Router) {
				r.Post("/", h.CreateOrder)
				r.Get("/", h.ListOrders)
				r.Get("/pending", h.PendingOrders)
				r.Get("/{id}", h.GetOrder)
				r.Patch("/{id}", h.UpdateOrder)
				r.Get("/{id}/events", h.OrderEvents)
				r.Post("/{id}/rating", h.RateOrder)
				r.With(custommiddleware.RequireRole(model.RoleAdmin)).Get("/{id}/transactions", h.OrderTransactions)
			})

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleAdmin))

				r.Post("/users/{id}/deactivate", h.Deactivate)
				r.Post("/users/{id}/adjustments", h.Adjust)
			})

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleAdmin, model.RoleDispatcher))

				r.Get("/analytics/daily", h.DailyStats)
				r.Get("/analytics/leaderboard", h.Leaderboard)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
