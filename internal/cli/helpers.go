package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/manifoldco/promptui"

	"github.com/davanti/abtrack/internal/config"
	"github.com/davanti/abtrack/internal/logger"
	"github.com/davanti/abtrack/internal/store"
)

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Driver = config.DriverSQLite
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

// openStore opens the configured event store. PostgreSQL schemas are
// migrated up before the store is returned.
func openStore(cfg *config.Config, log logger.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(cfg.Database.DSN())
		if err != nil {
			return nil, err
		}
		changed, err := store.MigratePostgres(pg.DB(), store.MigrateUp)
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
		if changed {
			log.Info("Applied database migrations")
		}
		return pg, nil
	default:
		return store.OpenSQLite(cfg.Database.Path)
	}
}

// withStore opens the database, executes the function, and handles cleanup.
func withStore(cfg *config.Config, fn func(store.Store) error) error {
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}
	s, err := openStore(cfg, logger.NewNop())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// promptSecret asks for a value without echoing it.
func promptSecret(label string) (string, error) {
	prompt := promptui.Prompt{
		Label: label,
		Mask:  '*',
		Validate: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("must not be empty")
			}
			return nil
		},
	}

	result, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			os.Exit(0)
		}
		return "", err
	}
	return result, nil
}
