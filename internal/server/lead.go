package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/davanti/abtrack/internal/lead"
	"github.com/davanti/abtrack/internal/logger"
)

type leadResponse struct {
	Success bool            `json:"success"`
	Mode    lead.Mode       `json:"mode,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (s *Server) handleLead(w http.ResponseWriter, r *http.Request) {
	client := s.clientID(r)

	if origin := r.Header.Get("Origin"); !s.origins.Allowed(origin) {
		s.metrics.Lead("forbidden")
		writeJSON(w, http.StatusForbidden, leadResponse{Error: "Origin not allowed"})
		return
	}

	d, err := s.guards.Lead.Allow(r.Context(), client)
	if err != nil {
		s.log.Error("Rate limiter failed", logger.String("path", "leads"), logger.Error(err))
		writeJSON(w, http.StatusInternalServerError, leadResponse{Error: "Internal server error"})
		return
	}
	if !d.Allowed {
		s.metrics.Lead("rate_limited")
		writeThrottled(w, d.RetryAfter, leadResponse{Error: "Too many requests"})
		return
	}

	var l lead.Lead
	if err := decodeJSON(w, r, &l); err != nil {
		s.metrics.Lead("invalid")
		writeJSON(w, decodeStatus(err), leadResponse{Error: err.Error()})
		return
	}

	if err := l.Validate(); err != nil {
		s.metrics.Lead("invalid")
		writeJSON(w, http.StatusBadRequest, leadResponse{Error: err.Error()})
		return
	}

	res, err := s.relay.Submit(r.Context(), l)
	if err != nil {
		s.metrics.Lead("failed")
		msg := "Failed to submit lead"
		if errors.Is(err, lead.ErrUpstream) {
			msg = err.Error()
		}
		s.log.Error("Lead relay failed", logger.Error(err))
		writeJSON(w, http.StatusInternalServerError, leadResponse{Error: msg})
		return
	}

	s.metrics.Lead(string(res.Mode))
	writeJSON(w, http.StatusOK, leadResponse{Success: true, Mode: res.Mode, Data: res.Data})
}
