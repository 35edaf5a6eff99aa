package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/davanti/abtrack/internal/experiment"
	"github.com/davanti/abtrack/internal/report"
	"github.com/davanti/abtrack/internal/store"
)

const statsTimeout = 15 * time.Second

func init() {
	rootCmd.AddCommand(newStatsCmd())
}

func newStatsCmd() *cobra.Command {
	var (
		serverURL string
		password  string
		local     bool
		asJSON    bool
		buckets   int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show conversion statistics",
		Long: `Show conversions per variant and section for the report window.

By default the statistics are fetched from a running server's /api/stats
endpoint. The password is read from --password, then ADMIN_PASSWORD, and
is prompted for otherwise. With --local the report is computed straight
from the configured database.

Examples:
  abtrack stats --server https://track.davanti.example
  abtrack stats --local --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var rep *report.Report
			if local {
				err = withStore(cfg, func(s store.Store) error {
					rep, err = localReport(cmd.Context(), s, cfg.Report.Lookback, cfg.Report.MaxBuckets, time.Now())
					return err
				})
			} else {
				if serverURL == "" {
					serverURL = fmt.Sprintf("http://localhost:%d", cfg.Service.Port)
				}
				if password == "" {
					password = os.Getenv("ADMIN_PASSWORD")
				}
				if password == "" {
					if password, err = promptSecret("Admin password"); err != nil {
						return err
					}
				}
				rep, err = fetchReport(cmd.Context(), http.DefaultClient, serverURL, password)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			printReport(out, rep, buckets)
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server", "s", "", "server URL (default http://localhost:<port>)")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	cmd.Flags().BoolVar(&local, "local", false, "aggregate from the local database instead of a server")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw report as JSON")
	cmd.Flags().IntVar(&buckets, "buckets", 10, "number of date/hour buckets to print")

	return cmd
}

func localReport(ctx context.Context, s store.Store, lookback time.Duration, maxBuckets int, now time.Time) (*report.Report, error) {
	events, err := s.EventsSince(ctx, now.Add(-lookback))
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return report.Aggregate(events, report.Options{
		MaxBuckets: maxBuckets,
		Period:     report.PeriodLabel(lookback),
	}), nil
}

func fetchReport(ctx context.Context, client *http.Client, serverURL, password string) (*report.Report, error) {
	body, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()

	url := strings.TrimRight(serverURL, "/") + "/api/stats"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("invalid password")
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("too many failed attempts, retry after %ss", resp.Header.Get("Retry-After"))
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var rep report.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &rep, nil
}

func printReport(w io.Writer, rep *report.Report, maxBuckets int) {
	fmt.Fprintf(w, "PERIOD: %s\n", rep.Period)
	fmt.Fprintf(w, "TOTAL EVENTS: %d\n", rep.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "VARIANT     CONVERSIONS  SHARE    95% CI")
	fmt.Fprintln(w, strings.Repeat("─", 52))
	for _, v := range experiment.Variants {
		p := rep.ByVariant[v]
		ci := "N/A"
		if p.Trials > 0 {
			ci = fmt.Sprintf("[%.1f%%, %.1f%%]", p.Lower*100, p.Upper*100)
		}
		fmt.Fprintf(w, "%-10s  %-11d  %-7s  %s\n", v, p.Successes, formatPercent(p.Rate), ci)
	}
	switch {
	case rep.Leader == nil:
		fmt.Fprintln(w, "Leader: none (variants tied)")
	case rep.Leader.Significant:
		fmt.Fprintf(w, "Statistical significance: %.1f%% confident %q converts better\n", rep.Leader.Confidence*100, rep.Leader.Variant)
	default:
		fmt.Fprintf(w, "Statistical significance: %q leads at %.1f%% (not yet significant)\n", rep.Leader.Variant, rep.Leader.Confidence*100)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "SECTION               WHATSAPP  FORM")
	fmt.Fprintln(w, strings.Repeat("─", 52))
	sections := make([]string, 0, len(rep.BySection))
	for s := range rep.BySection {
		sections = append(sections, s)
	}
	sort.Strings(sections)
	for _, s := range sections {
		c := rep.BySection[s]
		fmt.Fprintf(w, "%-20s  %-8d  %d\n", s, c.WhatsApp, c.Form)
	}

	if maxBuckets > 0 && len(rep.ByDatetime) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "DATE        HOUR  WHATSAPP  FORM")
		fmt.Fprintln(w, strings.Repeat("─", 52))
		for i, b := range rep.ByDatetime {
			if i == maxBuckets {
				break
			}
			fmt.Fprintf(w, "%-10s  %02d    %-8d  %d\n", b.Date, b.Hour, b.WhatsApp, b.Form)
		}
	}
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
