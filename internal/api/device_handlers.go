package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/glucolink/cgm-engine/internal/server"
)

var inboundEvents = map[string]bool{
	server.EventConnect:    true,
	server.EventDisconnect: true,
	server.EventFragment:   true,
	server.EventPatchInfo:  true,
	server.EventFram:       true,
	server.EventActivation: true,
}

// HandlePublishEvent injects a device event as if a hub had sent it.
func (s *RESTServer) HandlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.respondError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	device := chi.URLParam(r, "device")
	event := chi.URLParam(r, "event")
	if !server.ValidDevice(device) {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	if !inboundEvents[event] {
		s.respondError(w, http.StatusNotFound, "unknown event")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		s.respondError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	subject := s.subjects.Device(device, event)
	if err := s.bus.Publish(subject, body); err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	log.Info().
		Str("device", device).
		Str("event", event).
		Msg("Device event published")
	s.respondJSON(w, http.StatusAccepted, map[string]string{"subject": subject})
}
