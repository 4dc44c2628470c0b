package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/token", s.HandleToken)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/sensors", func(r chi.Router) {
			r.Get("/", s.HandleListSensors)
			r.Route("/{serial}", func(r chi.Router) {
				r.Get("/", s.HandleGetSensor)
				r.Get("/readings", s.HandleListReadings)
			})
		})

		r.Get("/events", s.HandleListEvents)

		// Stateless decoders
		r.Route("/tools", func(r chi.Router) {
			r.Post("/patchinfo", s.HandleDecodePatchInfo)
			r.Post("/fram", s.HandleDecodeFram)
			r.Post("/crc", s.HandleCRC)
		})

		r.Route("/devices/{device}", func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/{event}", s.HandlePublishEvent)
		})
	})
}
