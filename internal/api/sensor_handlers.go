package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/glucolink/cgm-engine/internal/models"
	"github.com/glucolink/cgm-engine/internal/storage"
)

// HandleListSensors lists sensors, optionally of one device.
func (s *RESTServer) HandleListSensors(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	sensors, total, err := s.store.ListSensors(r.Context(), r.URL.Query().Get("device"), limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sensors": sensors,
		"total":   total,
	})
}

// HandleGetSensor returns a sensor and its latest reading.
func (s *RESTServer) HandleGetSensor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serial := chi.URLParam(r, "serial")

	sensor, err := s.store.GetSensor(ctx, serial)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "sensor not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]interface{}{"sensor": sensor}
	latest, err := s.store.LatestReading(ctx, serial)
	switch {
	case err == nil:
		resp["latest"] = latest
	case !errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// HandleListReadings lists the readings of a sensor, newest first.
func (s *RESTServer) HandleListReadings(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filters := storage.ReadingFilters{Serial: chi.URLParam(r, "serial")}

	var err error
	if filters.StartTime, err = parseTime(r, "start"); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filters.EndTime, err = parseTime(r, "end"); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, total, err := s.store.ListReadings(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"readings": readings,
		"total":    total,
	})
}

// HandleListEvents lists events
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	q := r.URL.Query()

	filters := storage.EventLogFilters{
		Device: q.Get("device"),
		Serial: q.Get("serial"),
	}
	if eventType := q.Get("type"); eventType != "" {
		t := models.EventType(eventType)
		filters.Type = &t
	}
	if level := q.Get("level"); level != "" {
		l := models.EventLevel(level)
		filters.Level = &l
	}

	var err error
	if filters.StartTime, err = parseTime(r, "start"); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filters.EndTime, err = parseTime(r, "end"); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}
