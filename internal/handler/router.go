package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/scratchcard-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса скретч-карт.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		r.Get("/avatars", h.ListAvatars)
		r.Get("/leaderboard", h.Leaderboard)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/collections/{userID}", h.GetCollection)
			r.Get("/scratch/can-scratch/{userID}", h.CanScratch)
			r.Post("/scratch/{userID}", h.Scratch)

			r.Route("/admin", func(r chi.Router) {
				r.Use(custommiddleware.RequireAdmin)

				r.Get("/users", h.AdminUsers)
				r.Post("/users", h.AddUser)
				r.Put("/users/{userID}", h.UpdateUser)
				r.Delete("/users/{userID}", h.DeleteUser)
				r.Put("/users/{userID}/block", h.BlockUser)
				r.Post("/users/{userID}/assign-scratch", h.AssignScratch)

				r.Get("/inventory", h.Inventory)
				r.Put("/inventory/{avatarID}", h.SetInventory)

				r.Get("/stats", h.AdminStats)
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
