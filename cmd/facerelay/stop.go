package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/facerelay/internal/discovery"
	"github.com/MrWong99/facerelay/internal/relay"
)

func newStopCmd(root *rootOptions) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the animation on a running relay",
		Long: `stop sends the stop command to the relay's control socket and waits
for the acknowledgment. Buffered audio on the relay is discarded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			newLogger(cfg.Server.LogLevel)

			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			control := addr
			if control == "" {
				control = cfg.Relay.ControlAddr
				if cfg.Relay.Discover {
					r, err := discovery.Lookup(ctx, cfg.Relay.ServiceName, timeout/2)
					if err != nil {
						return err
					}
					control = r.ControlAddr
				}
			}

			link := relay.NewLink("", control, relay.WithAckTimeout(cfg.Relay.AckTimeout))
			defer link.Close()
			if err := link.DialControl(ctx); err != nil {
				return err
			}
			start := time.Now()
			if err := link.Stop(ctx); err != nil {
				return fmt.Errorf("stop %s: %w", control, err)
			}
			slog.Info("relay stopped", "control_addr", control, "ack_after", time.Since(start))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "control-addr", "", "relay control address (default relay.control_addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "give up after this long")
	return cmd
}
