package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/davanti/abtrack/internal/logger"
)

type ctxKey int

const requestIDKey ctxKey = iota

const unknownClient = "unknown"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestIDFrom returns the request id attached by the server, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RequestDuration.
			WithLabelValues(route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())

		s.log.Debug("HTTP request",
			logger.String("request_id", RequestIDFrom(r.Context())),
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.Duration("duration", time.Since(start)),
		)
	})
}

// originPolicy implements the prefix allow-list.
type originPolicy struct {
	allowed []string
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{}
	for _, o := range origins {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o != "" {
			p.allowed = append(p.allowed, o)
		}
	}
	return p
}

// Allowed reports whether origin may call the API. Requests without an
// Origin header are not cross-origin and are always allowed.
func (p *originPolicy) Allowed(origin string) bool {
	if origin == "" || len(p.allowed) == 0 {
		return true
	}
	for _, a := range p.allowed {
		if strings.HasPrefix(origin, a) {
			return true
		}
	}
	return false
}

// AllowHeader is the Access-Control-Allow-Origin value for origin.
func (p *originPolicy) AllowHeader(origin string) string {
	if len(p.allowed) == 0 {
		return "*"
	}
	if origin != "" && p.Allowed(origin) {
		return origin
	}
	return p.allowed[0]
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.origins.AllowHeader(origin))
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
		h.Add("Vary", "Origin")

		next.ServeHTTP(w, r)
	})
}

// clientID identifies the caller for rate limiting, dedup and lockout.
func (s *Server) clientID(r *http.Request) string {
	if s.opts.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return unknownClient
}
