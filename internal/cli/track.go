package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/davanti/abtrack/internal/experiment"
	"github.com/davanti/abtrack/internal/tracker"
)

func init() {
	rootCmd.AddCommand(newTrackCmd())
}

func newTrackCmd() *cobra.Command {
	var (
		serverURL string
		eventType string
		variant   string
		section   string
		origin    string
		beacon    bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "track",
		Short: "Send a test event to a server",
		Long: `Send one conversion event to a running server, signed with the configured
HMAC secret, or through the unsigned beacon path with --beacon. Useful as a
deployment smoke test.

Example:
  abtrack track --server https://track.davanti.example --event whatsapp_click --variant whatsapp --section hero`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev, err := experiment.ParseEvent(eventType, variant, section)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = fmt.Sprintf("http://localhost:%d", cfg.Service.Port)
			}

			client, err := tracker.New(tracker.Config{
				BaseURL: serverURL,
				Secret:  cfg.Security.HMACSecret,
				Origin:  origin,
				Timeout: timeout,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if beacon {
				client.Beacon(ctx, ev)
				closeCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				if err := client.Close(closeCtx); err != nil {
					return fmt.Errorf("beacon not flushed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Beacon sent (delivery is not confirmed)")
				return nil
			}

			defer func() { _ = client.Close(ctx) }()
			if err := client.Track(ctx, ev); err != nil {
				return describeTrackError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Event accepted")
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server", "s", "", "server URL (default http://localhost:<port>)")
	cmd.Flags().StringVarP(&eventType, "event", "e", string(experiment.EventWhatsAppClick), "event type (whatsapp_click or form_submit)")
	cmd.Flags().StringVarP(&variant, "variant", "v", string(experiment.VariantWhatsApp), "variant (whatsapp or form)")
	cmd.Flags().StringVar(&section, "section", "", "page section label")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin header to send")
	cmd.Flags().BoolVar(&beacon, "beacon", false, "use the unsigned beacon path")
	cmd.Flags().DurationVar(&timeout, "timeout", tracker.DefaultTimeout, "request timeout")

	return cmd
}

func describeTrackError(err error) error {
	var rl *tracker.RateLimitError
	switch {
	case errors.As(err, &rl):
		return fmt.Errorf("rate limited, retry after %s", rl.RetryAfter)
	case errors.Is(err, tracker.ErrNoSecret):
		return fmt.Errorf("AB_HMAC_SECRET is not configured; use --beacon or set the secret")
	case errors.Is(err, tracker.ErrUnauthorized):
		return fmt.Errorf("server rejected the signature; check AB_HMAC_SECRET and the clock")
	case errors.Is(err, tracker.ErrForbidden):
		return fmt.Errorf("server rejected the origin; pass an allowed --origin")
	default:
		return err
	}
}
