package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/davanti/abtrack/internal/config"
)

var (
	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "abtrack",
	Short: "abtrack - CTA experiment and conversion tracking for the Davanti landing page",
	Long: `abtrack assigns landing page visitors to the WhatsApp or form call to action,
records their conversions and reports which variant performs better.

Running without a subcommand starts the server (same as 'abtrack serve').`,
	SilenceUsage: true,
	RunE:         runServe,
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		getEnvOrDefault("ABTRACK_CONFIG", config.DefaultPath), "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
