package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/davanti/abtrack/internal/config"
	"github.com/davanti/abtrack/internal/guard"
	"github.com/davanti/abtrack/internal/lead"
	"github.com/davanti/abtrack/internal/logger"
	"github.com/davanti/abtrack/internal/metrics"
	"github.com/davanti/abtrack/internal/server"
	"github.com/davanti/abtrack/internal/signing"
)

var port int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the abtrack HTTP server.

The server provides:
  - Client script at /ab.js
  - Signed and beacon tracking endpoints under /api/track
  - Password-protected statistics at /api/stats
  - Lead relay at /api/leads
  - Health check and Prometheus metrics

Example:
  abtrack serve --port 8080`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Service.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	s, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	guards, closeGuards, err := buildGuards(cfg)
	if err != nil {
		return err
	}
	defer closeGuards()

	relay := lead.New(lead.Config{
		APIURL:        cfg.Lead.APIURL,
		APIToken:      cfg.Lead.APIToken,
		Timeout:       cfg.Lead.Timeout,
		DefaultSource: cfg.Lead.DefaultSource,
	}, log)

	srv, err := server.New(server.Options{
		Store:             s,
		Signer:            signing.NewSigner(cfg.Security.HMACSecret, cfg.Signing.MaxSkew),
		Guards:            guards,
		Relay:             relay,
		Logger:            log,
		Metrics:           metrics.New(),
		HMACSecret:        cfg.Security.HMACSecret,
		AdminPassword:     cfg.Security.AdminPassword,
		AllowedOrigins:    cfg.CORS.AllowedOrigins,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		ReportLookback:    cfg.Report.Lookback,
		ReportMaxBuckets:  cfg.Report.MaxBuckets,
		Port:              cfg.Service.Port,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	})
	if err != nil {
		return err
	}

	if cfg.Security.AdminPassword == "" {
		log.Warn("ADMIN_PASSWORD is not set; /api/stats will refuse every request")
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		log.Warn("No allowed origins configured; accepting requests from any origin")
	}
	log.Info("Configuration loaded",
		logger.String("service", cfg.Service.Name),
		logger.String("db_driver", cfg.Database.Driver),
		logger.String("guard_backend", cfg.Guard.Backend),
		logger.Bool("crm_configured", cfg.Lead.APIURL != "" && cfg.Lead.APIToken != ""),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Start(ctx)
}

// buildGuards returns the configured guard backend and a func releasing it.
func buildGuards(cfg *config.Config) (*guard.Guards, func(), error) {
	if cfg.Guard.Backend != config.GuardRedis {
		return guard.NewMemoryGuards(cfg.Limits(), nil), func() {}, nil
	}

	client, err := guard.NewRedisClient(cfg.RedisGuardConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return guard.NewRedisGuards(client, cfg.Limits(), ""), closeRedis(client), nil
}

func closeRedis(client *redis.Client) func() {
	return func() { _ = client.Close() }
}
