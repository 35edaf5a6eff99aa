package server

import (
	"net/http"

	"github.com/davanti/abtrack/internal/logger"
	"github.com/davanti/abtrack/internal/report"
	"github.com/davanti/abtrack/internal/signing"
)

// StatsRequest carries the admin credential, either in plain text or as
// the hex SHA-256 digest of the password.
type StatsRequest struct {
	Password     string `json:"password"`
	PasswordHash string `json:"password_hash"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := s.clientID(r)

	remaining, locked, err := s.guards.Auth.Locked(ctx, client)
	if err != nil {
		s.log.Error("Lockout check failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if locked {
		s.metrics.Stats("locked")
		writeRetryAfter(w, remaining, "Too many failed attempts. Try again later.")
		return
	}

	var req StatsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.metrics.Stats("invalid")
		writeError(w, decodeStatus(err), err.Error())
		return
	}

	if s.opts.AdminPassword == "" {
		s.metrics.Stats("error")
		s.log.Error("Admin password not configured")
		writeError(w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	if !signing.PasswordMatches(s.opts.AdminPassword, req.Password, req.PasswordHash) {
		lockedFor, err := s.guards.Auth.Fail(ctx, client)
		if err != nil {
			s.log.Error("Failed to record auth failure", logger.Error(err))
		}
		if lockedFor > 0 {
			s.log.Warn("Client locked out of stats",
				logger.String("client", client),
				logger.Duration("lockout", lockedFor),
			)
		}
		s.metrics.Stats("unauthorized")
		writeError(w, http.StatusUnauthorized, "Invalid password")
		return
	}

	if err := s.guards.Auth.Reset(ctx, client); err != nil {
		s.log.Warn("Failed to reset auth failures", logger.Error(err))
	}

	events, err := s.store.EventsSince(ctx, s.now().Add(-s.opts.ReportLookback))
	if err != nil {
		s.metrics.Stats("error")
		s.log.Error("Failed to load events", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch stats")
		return
	}

	rep := report.Aggregate(events, report.Options{
		MaxBuckets: s.opts.ReportMaxBuckets,
		Period:     report.PeriodLabel(s.opts.ReportLookback),
	})

	s.metrics.Stats("ok")
	writeJSON(w, http.StatusOK, rep)
}
