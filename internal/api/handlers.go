package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"areapresence/internal/areas"

	"go.uber.org/zap"
)

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleListAreas(w http.ResponseWriter, r *http.Request) {
	units := s.registry.List()
	statuses := make([]areas.Status, 0, len(units))
	for _, u := range units {
		statuses = append(statuses, u.Status())
	}
	s.writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleGetArea(w http.ResponseWriter, r *http.Request) {
	u, ok := s.unit(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, u.Status())
}

func (s *Server) handleReevaluate(w http.ResponseWriter, r *http.Request) {
	u, ok := s.unit(w, r)
	if !ok {
		return
	}

	u.Occupancy.ForceReevaluate()
	s.logger.Info("Area re-evaluated on request", zap.String("area", u.Area.ID))
	s.writeJSON(w, http.StatusOK, u.Status())
}

func (s *Server) handleSetManual(w http.ResponseWriter, r *http.Request) {
	u, ok := s.unit(w, r)
	if !ok {
		return
	}
	enabled, ok := s.decodeToggle(w, r)
	if !ok {
		return
	}

	u.Lights.SetManualControl(enabled)
	s.writeJSON(w, http.StatusOK, u.Status())
}

func (s *Server) handleSetControl(w http.ResponseWriter, r *http.Request) {
	u, ok := s.unit(w, r)
	if !ok {
		return
	}
	enabled, ok := s.decodeToggle(w, r)
	if !ok {
		return
	}

	u.Lights.SetControlEnabled(enabled)
	s.writeJSON(w, http.StatusOK, u.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	u, ok := s.unit(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not enabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.history.History(r.Context(), u.Area.ID, limit)
	if err != nil {
		s.logger.Error("Failed to query history", zap.String("area", u.Area.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) unit(w http.ResponseWriter, r *http.Request) (*areas.Unit, bool) {
	u, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "area not found")
		return nil, false
	}
	return u, true
}

func (s *Server) decodeToggle(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req toggleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false, false
	}
	if req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "enabled is required")
		return false, false
	}
	return *req.Enabled, true
}
