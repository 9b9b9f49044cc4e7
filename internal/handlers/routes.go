package handlers

import "github.com/go-chi/chi/v5"

func RegisterSchedulerRoutes(r chi.Router, h *SchedulerHandler) {
	r.Route("/api/scheduler", func(r chi.Router) {
		r.Post("/tick", h.RunTick)
	})
}
