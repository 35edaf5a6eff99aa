package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/davanti/abtrack/internal/experiment"
	"github.com/davanti/abtrack/internal/guard"
	"github.com/davanti/abtrack/internal/logger"
	"github.com/davanti/abtrack/internal/metrics"
	"github.com/davanti/abtrack/internal/signing"
	"github.com/davanti/abtrack/internal/store"
)

type HealthResponse struct {
	Status        string `json:"status"`
	TotalEvents   int64  `json:"total_events"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.CountEvents(r.Context())
	if err != nil {
		s.log.Error("Health check failed", logger.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		TotalEvents:   total,
		UptimeSeconds: int64(s.now().Sub(s.startTime).Seconds()),
	})
}

// TrackRequest is the body of the signed ingestion path. Timestamp is in
// Unix milliseconds.
type TrackRequest struct {
	EventType string  `json:"event_type"`
	Variant   string  `json:"variant"`
	Section   *string `json:"section"`
	Timestamp int64   `json:"timestamp"`
	Signature string  `json:"signature"`
}

func (t TrackRequest) payload() signing.Payload {
	p := signing.Payload{
		EventType: t.EventType,
		Variant:   t.Variant,
		Timestamp: t.Timestamp,
		Signature: t.Signature,
	}
	if t.Section != nil {
		p.Section = *t.Section
	}
	return p
}

// BeaconRequest is the body of the unsigned beacon path.
type BeaconRequest struct {
	EventType string  `json:"event_type"`
	Variant   string  `json:"variant"`
	Section   *string `json:"section"`
}

func derefSection(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// fingerprint identifies a signed event for replay suppression.
func fingerprint(client string, p signing.Payload) string {
	return strings.Join([]string{
		client, p.EventType, p.Variant, p.Section, strconv.FormatInt(p.Timestamp, 10),
	}, ":")
}

// admit runs the origin and rate-limit checks shared by the ingestion paths.
// It writes the rejection and returns false when the request must stop.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, path string, limiter guard.RateLimiter, client string) bool {
	if origin := r.Header.Get("Origin"); !s.origins.Allowed(origin) {
		s.reject(r, path, metrics.ReasonOrigin, logger.String("origin", origin))
		writeError(w, http.StatusForbidden, "Origin not allowed")
		return false
	}

	d, err := limiter.Allow(r.Context(), client)
	if err != nil {
		s.log.Error("Rate limiter failed", logger.String("path", path), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return false
	}
	if !d.Allowed {
		s.reject(r, path, metrics.ReasonRateLimit, logger.String("client", client))
		writeRetryAfter(w, d.RetryAfter, "Too many requests")
		return false
	}
	return true
}

func (s *Server) reject(r *http.Request, path, reason string, fields ...logger.Field) {
	s.metrics.Rejected(path, reason)
	s.log.Debug("Event rejected", append([]logger.Field{
		logger.String("request_id", RequestIDFrom(r.Context())),
		logger.String("path", path),
		logger.String("reason", reason),
	}, fields...)...)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	const path = metrics.PathTrack
	client := s.clientID(r)

	if !s.admit(w, r, path, s.guards.Track, client) {
		return
	}

	var req TrackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.reject(r, path, metrics.ReasonInvalid, logger.Error(err))
		writeError(w, decodeStatus(err), err.Error())
		return
	}

	p := req.payload()
	if err := s.signer.VerifyPayload(p, s.now()); err != nil {
		s.reject(r, path, metrics.ReasonSignature, logger.Error(err))
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	ev, err := experiment.ParseEvent(p.EventType, p.Variant, p.Section)
	if err != nil {
		s.reject(r, path, metrics.ReasonInvalid, logger.Error(err))
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	fp := fingerprint(client, p)
	dup, err := s.guards.Dedup.Seen(r.Context(), fp)
	if err != nil {
		s.log.Error("Dedup check failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if dup {
		s.reject(r, path, metrics.ReasonDuplicate)
		writeError(w, http.StatusConflict, "Duplicate event")
		return
	}

	if !s.persist(w, r, path, ev) {
		// Release the fingerprint so the same payload can be retried.
		if err := s.guards.Dedup.Forget(r.Context(), fp); err != nil {
			s.log.Error("Failed to release fingerprint", logger.Error(err))
		}
	}
}

func (s *Server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	const path = metrics.PathBeacon
	client := s.clientID(r)

	if !s.admit(w, r, path, s.guards.Beacon, client) {
		return
	}

	if err := beaconContentType(r); err != nil {
		s.reject(r, path, metrics.ReasonInvalid, logger.String("content_type", r.Header.Get("Content-Type")))
		writeError(w, http.StatusBadRequest, "Invalid content type")
		return
	}

	var req BeaconRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.reject(r, path, metrics.ReasonInvalid, logger.Error(err))
		writeError(w, decodeStatus(err), err.Error())
		return
	}

	ev, err := experiment.ParseEvent(req.EventType, req.Variant, derefSection(req.Section))
	if err != nil {
		s.reject(r, path, metrics.ReasonInvalid, logger.Error(err))
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	s.persist(w, r, path, ev)
}

// persist records ev and writes the response. It reports whether the event
// was stored.
func (s *Server) persist(w http.ResponseWriter, r *http.Request, path string, ev experiment.Event) bool {
	rec := store.NewEvent(ev, s.now())
	if err := s.store.RecordEvent(r.Context(), rec); err != nil {
		s.metrics.Rejected(path, metrics.ReasonStorage)
		s.log.Error("Failed to record event",
			logger.String("request_id", RequestIDFrom(r.Context())),
			logger.String("path", path),
			logger.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Failed to save event")
		return false
	}

	s.metrics.Accepted(path, string(ev.Type), string(ev.Variant))
	writeJSON(w, http.StatusOK, successResponse{Success: true})
	return true
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, experiment.ErrMissingFields):
		return "Missing required fields"
	case errors.Is(err, experiment.ErrInvalidEventType):
		return "Invalid event_type"
	case errors.Is(err, experiment.ErrInvalidVariant):
		return "Invalid variant"
	case errors.Is(err, experiment.ErrInvalidSection):
		return "Invalid section format"
	default:
		return "Invalid request"
	}
}
