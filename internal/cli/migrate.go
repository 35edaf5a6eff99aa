package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davanti/abtrack/internal/config"
	"github.com/davanti/abtrack/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <up|down>",
	Short: "Apply or roll back the PostgreSQL schema",
	Long: `Apply (up) or roll back (down) the embedded PostgreSQL migrations.
The SQLite store creates its schema on open and needs no migrations.

Example:
  ABTRACK_DB_DRIVER=postgres abtrack migrate up`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(store.MigrateUp), string(store.MigrateDown)},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	direction := store.MigrateDirection(args[0])

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("migrate requires database.driver %q, got %q", config.DriverPostgres, cfg.Database.Driver)
	}

	pg, err := store.OpenPostgres(cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer pg.Close()

	changed, err := store.MigratePostgres(pg.DB(), direction)
	if err != nil {
		return err
	}

	if changed {
		fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied (%s)\n", direction)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "No migrations to apply")
	}
	return nil
}
