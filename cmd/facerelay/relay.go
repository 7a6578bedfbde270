package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/facerelay/internal/config"
	"github.com/MrWong99/facerelay/internal/discovery"
	"github.com/MrWong99/facerelay/internal/health"
	"github.com/MrWong99/facerelay/internal/relay"
	"github.com/MrWong99/facerelay/internal/stream"
	"github.com/MrWong99/facerelay/pkg/animation/a2f"
)

func newRelayCmd(root *rootOptions) *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server that feeds the animation engine",
		Long: `relay listens on the audio and control sockets. Audio frames are
accumulated and re-streamed to the animation engine in paced chunks; a
"stop" on the control socket halts streaming and discards buffered audio.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd, root, instance)
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "mDNS instance name when relay.discover is set (default hostname)")
	return cmd
}

func runRelay(cmd *cobra.Command, root *rootOptions, instance string) error {
	cfg, watch, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}
	levels := newLogger(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, flush := initTelemetry(ctx, "relay")
	defer flush()

	client, err := newRegistry().CreateAnimation(cfg.Animation)
	if err != nil {
		return fmt.Errorf("create animation provider %q: %w", cfg.Animation.Provider, err)
	}
	defer closeProvider("animation", client)

	acc := stream.New(client, cfg.Animation.StreamConfig())
	defer acc.Close()

	srv := relay.NewServer(cfg.Relay.AudioAddr, cfg.Relay.ControlAddr, acc, acc,
		relay.WithMaxFrameBytes(cfg.Relay.MaxFrameBytes),
	)
	if err := srv.Listen(); err != nil {
		return err
	}

	if cfg.Relay.Discover {
		adv, err := advertise(instance, cfg.Relay.ServiceName, srv)
		if err != nil {
			// The relay still works with static addresses.
			slog.Warn("relay not advertised", "err", err)
		} else {
			defer adv.Shutdown()
		}
	}

	w, err := watchConfig(root.configPath, watch, levels, func(_, new *config.Config, d config.ConfigDiff) {
		if d.AnimationChanged {
			acc.SetConfig(new.Animation.StreamConfig())
			slog.Info("animation pacing updated",
				"chunk", new.Animation.ChunkDuration,
				"margin", new.Animation.PaceMargin,
				"rate_policy", new.Animation.RatePolicy,
			)
		}
	})
	if err != nil {
		return err
	}

	endpoint := cfg.Animation.Endpoint
	if endpoint == "" {
		endpoint = a2f.DefaultEndpoint
	}
	hc := health.New(
		health.Listening("relay", func() bool { return srv.AudioAddr() != nil }),
		health.TCPDial("animation", func() string { return endpoint }),
	)

	slog.Info("relay starting",
		"config", root.configPath,
		"audio_addr", srv.AudioAddr(),
		"control_addr", srv.ControlAddr(),
		"animation", cfg.Animation.Provider,
		"endpoint", endpoint,
		"chunk", cfg.Animation.ChunkDuration,
		"margin", cfg.Animation.PaceMargin,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return serveHTTP(gctx, cfg.Server.RelayHTTPAddr, newMux(hc, metrics)) })
	if w != nil {
		g.Go(func() error { return w.Run(gctx) })
		g.Go(func() error { return reloadOnHangup(gctx, w) })
	}

	err = g.Wait()
	slog.Info("relay shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// advertise announces srv over mDNS.
func advertise(instance, service string, srv *relay.Server) (*discovery.Advertiser, error) {
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		instance = host
	}
	audioPort, err := portOf(srv.AudioAddr())
	if err != nil {
		return nil, err
	}
	controlPort, err := portOf(srv.ControlAddr())
	if err != nil {
		return nil, err
	}
	return discovery.Advertise(instance, service, audioPort, controlPort)
}

func portOf(addr net.Addr) (int, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("address %v is not TCP", addr)
	}
	return tcp.Port, nil
}
