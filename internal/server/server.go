package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/davanti/abtrack/internal/guard"
	"github.com/davanti/abtrack/internal/lead"
	"github.com/davanti/abtrack/internal/logger"
	"github.com/davanti/abtrack/internal/metrics"
	"github.com/davanti/abtrack/internal/report"
	"github.com/davanti/abtrack/internal/signing"
	"github.com/davanti/abtrack/internal/store"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 4 << 10

const shutdownTimeout = 10 * time.Second

// Options configures a Server. Store, Signer and Guards are required.
type Options struct {
	Store   store.Store
	Signer  *signing.Signer
	Guards  *guard.Guards
	Relay   lead.Relay
	Logger  logger.Logger
	Metrics *metrics.Metrics

	// HMACSecret is embedded in /ab.js so browsers can sign events.
	HMACSecret    string
	AdminPassword string

	// AllowedOrigins is matched by prefix; empty allows every origin.
	AllowedOrigins    []string
	TrustProxyHeaders bool

	ReportLookback   time.Duration
	ReportMaxBuckets int

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

type Server struct {
	opts      Options
	store     store.Store
	signer    *signing.Signer
	guards    *guard.Guards
	relay     lead.Relay
	log       logger.Logger
	metrics   *metrics.Metrics
	origins   *originPolicy
	router    chi.Router
	now       func() time.Time
	startTime time.Time
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("server: signer is required")
	}
	if opts.Guards == nil {
		return nil, errors.New("server: guards are required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Relay == nil {
		opts.Relay = lead.New(lead.Config{}, opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReportLookback <= 0 {
		opts.ReportLookback = report.DefaultLookback
	}
	if opts.ReportMaxBuckets <= 0 {
		opts.ReportMaxBuckets = report.DefaultMaxBuckets
	}

	srv := &Server{
		opts:      opts,
		store:     opts.Store,
		signer:    opts.Signer,
		guards:    opts.Guards,
		relay:     opts.Relay,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		origins:   newOriginPolicy(opts.AllowedOrigins),
		now:       opts.Now,
		startTime: opts.Now(),
	}

	srv.setupRoutes()
	return srv, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.requestID)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/ab.js", s.handleClientJS)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(s.cors)

		api.Post("/track", s.handleTrack)
		api.Post("/track/beacon", s.handleBeacon)
		api.Post("/stats", s.handleStats)
		api.Post("/leads", s.handleLead)

		for _, path := range []string{"/track", "/track/beacon", "/stats", "/leads"} {
			api.Options(path, preflight)
		}
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	s.router = r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", logger.Int("port", s.opts.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}
