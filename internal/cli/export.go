package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/davanti/abtrack/internal/store"
)

func init() {
	rootCmd.AddCommand(newExportCmd())
}

func newExportCmd() *cobra.Command {
	var (
		format string
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export raw event data",
		Long: `Export raw event data in CSV or JSON format, newest first.

Examples:
  abtrack export --format csv > events.csv
  abtrack export --format json --since 168h > last-week.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format: must be 'csv' or 'json'")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if since <= 0 {
				since = cfg.Report.Lookback
			}

			return withStore(cfg, func(s store.Store) error {
				events, err := s.EventsSince(cmd.Context(), time.Now().Add(-since))
				if err != nil {
					return fmt.Errorf("failed to get events: %w", err)
				}
				if format == "csv" {
					return exportCSV(cmd.OutOrStdout(), events)
				}
				return exportJSON(cmd.OutOrStdout(), events)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv or json)")
	cmd.Flags().DurationVar(&since, "since", 0, "how far back to export (default: report lookback)")

	return cmd
}

func exportCSV(out io.Writer, events []*store.Event) error {
	w := csv.NewWriter(out)

	if err := w.Write([]string{"id", "created_at", "event_type", "variant", "section"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, e := range events {
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.EventType),
			string(e.Variant),
			e.SectionOr(""),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

type jsonExport struct {
	Events []jsonEvent `json:"events"`
}

type jsonEvent struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	EventType string    `json:"event_type"`
	Variant   string    `json:"variant"`
	Section   *string   `json:"section"`
}

func exportJSON(out io.Writer, events []*store.Event) error {
	export := jsonExport{
		Events: make([]jsonEvent, len(events)),
	}

	for i, e := range events {
		export.Events[i] = jsonEvent{
			ID:        e.ID,
			CreatedAt: e.CreatedAt.UTC(),
			EventType: string(e.EventType),
			Variant:   string(e.Variant),
			Section:   e.Section,
		}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
