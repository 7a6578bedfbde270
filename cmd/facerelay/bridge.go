package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/facerelay/internal/bridge"
	"github.com/MrWong99/facerelay/internal/config"
	"github.com/MrWong99/facerelay/internal/control"
	"github.com/MrWong99/facerelay/internal/discovery"
	"github.com/MrWong99/facerelay/internal/health"
	"github.com/MrWong99/facerelay/internal/playback/otoplayer"
	"github.com/MrWong99/facerelay/internal/relay"
	"github.com/MrWong99/facerelay/pkg/audio"
)

// playbackRate is the local output rate; replies are converted to it.
const playbackRate = 22050

type bridgeOptions struct {
	input    string
	rate     int
	channels int
	timeout  time.Duration
}

func newBridgeCmd(root *rootOptions) *cobra.Command {
	opts := &bridgeOptions{}
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Run the dialogue bridge and its control API",
		Long: `bridge serves the session control API. Each session streams microphone
audio to the dialogue service and forwards the spoken replies to the relay
server, or to the local speakers when the relay is unreachable.

With --input the bridge instead streams one recorded utterance (raw PCM16
or WAV) through a single session and exits when the reply is complete.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd, root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "stream this recording through one session and exit")
	cmd.Flags().IntVar(&opts.rate, "rate", 0, "sample rate of a raw --input file (default capture.sample_rate)")
	cmd.Flags().IntVar(&opts.channels, "channels", 0, "channel count of a raw --input file (default capture.channels)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "give up on a one-shot session after this long")
	return cmd
}

func runBridge(cmd *cobra.Command, root *rootOptions, opts *bridgeOptions) error {
	cfg, watch, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}
	levels := newLogger(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, flush := initTelemetry(ctx, "bridge")
	defer flush()

	reg := newRegistry()
	transport, err := reg.CreateDialogue(cfg.Dialogue)
	if err != nil {
		return fmt.Errorf("create dialogue provider %q: %w", cfg.Dialogue.Provider, err)
	}
	defer closeProvider("dialogue", transport)

	link := relay.NewLink(cfg.Relay.AudioAddr, cfg.Relay.ControlAddr,
		relay.WithAckTimeout(cfg.Relay.AckTimeout),
		relay.WithAudioDownHook(func(err error) {
			slog.Warn("relay audio connection lost", "err", err)
		}),
	)
	mopts := []bridge.Option{bridge.WithLink(link)}

	if cfg.Playback.Enabled {
		player, err := otoplayer.NewPlayer(playbackRate)
		if err != nil {
			slog.Warn("local playback unavailable", "err", err)
		} else {
			defer player.Close()
			mopts = append(mopts, bridge.WithPlayer(player))
		}
	}
	if cfg.Relay.Discover {
		mopts = append(mopts, bridge.WithResolver(discoveryResolver(cfg.Relay.ServiceName)))
	}

	m := bridge.New(transport, bridgeConfig(cfg), mopts...)
	defer m.Close()

	slog.Info("bridge starting",
		"config", root.configPath,
		"dialogue", cfg.Dialogue.Provider,
		"character_id", cfg.Dialogue.CharacterID,
		"relay_audio", cfg.Relay.AudioAddr,
		"relay_control", cfg.Relay.ControlAddr,
		"discover", cfg.Relay.Discover,
		"playback", cfg.Playback.Enabled,
	)

	if opts.input != "" {
		return runOneShot(ctx, m, cfg, opts)
	}

	w, err := watchConfig(root.configPath, watch, levels, func(_, new *config.Config, d config.ConfigDiff) {
		if d.DialogueChanged {
			m.SetConfig(bridgeConfig(new))
			slog.Info("dialogue settings apply from the next session")
		}
	})
	if err != nil {
		return err
	}

	hc := health.New(health.Breaker(m.RelayBreaker()))
	if !cfg.Relay.Discover {
		hc.Add(health.TCPDial("relay-control", func() string { return cfg.Relay.ControlAddr }))
	}
	mux := newMux(hc, metrics)
	control.New(m).Register(mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(gctx, cfg.Server.ListenAddr, mux) })
	if w != nil {
		g.Go(func() error { return w.Run(gctx) })
		g.Go(func() error { return reloadOnHangup(gctx, w) })
	}

	slog.Info("bridge ready, press Ctrl+C to shut down")
	err = g.Wait()
	slog.Info("bridge shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// bridgeConfig extracts the session settings from cfg.
func bridgeConfig(cfg *config.Config) bridge.Config {
	return bridge.Config{
		Dialogue: cfg.Dialogue.SessionConfig(),
		Capture: audio.Format{
			SampleRate: cfg.Capture.SampleRate,
			Channels:   cfg.Capture.Channels,
		},
		BufferFrames: cfg.Capture.BufferFrames,
		StopTimeout:  cfg.Relay.AckTimeout,
	}
}

// discoveryResolver looks the relay up over mDNS before every dial.
func discoveryResolver(service string) bridge.Resolver {
	return func(ctx context.Context) (string, string, error) {
		r, err := discovery.Lookup(ctx, service, 2*time.Second)
		if err != nil {
			return "", "", err
		}
		slog.Debug("relay discovered", "instance", r.Instance, "audio", r.AudioAddr, "control", r.ControlAddr)
		return r.AudioAddr, r.ControlAddr, nil
	}
}

// oneShotChunk is how much recorded audio is pushed at a time. Pushes are
// paced in real time like a live microphone.
const oneShotChunk = 100 * time.Millisecond

// runOneShot streams the recording at opts.input through one session and
// waits for the dialogue stream to finish.
func runOneShot(ctx context.Context, m *bridge.Manager, cfg *config.Config, opts *bridgeOptions) error {
	data, err := os.ReadFile(opts.input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	format := audio.Format{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels}
	if opts.rate > 0 {
		format.SampleRate = opts.rate
	}
	if opts.channels > 0 {
		format.Channels = opts.channels
	}
	pcm, wav, isWAV, err := audio.UnwrapWAV(data)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if isWAV {
		format = audio.Format{SampleRate: wav.SampleRate, Channels: wav.Channels}
	}

	// The manager converts from the capture format on every push.
	bc := bridgeConfig(cfg)
	bc.Capture = format
	m.SetConfig(bc)

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	handle, err := m.Start(ctx)
	if err != nil {
		return err
	}
	slog.Info("one-shot session started", "handle", handle, "input", opts.input, "format", format, "bytes", len(pcm))

	step := audio.BytesFor(format.SampleRate, oneShotChunk) * format.Channels
	if step <= 0 {
		return fmt.Errorf("input format %s is invalid", format)
	}
	ticker := time.NewTicker(oneShotChunk)
	defer ticker.Stop()
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		if err := m.PushAudio(ctx, pcm[off:end]); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := m.Stop(ctx); err != nil {
		return err
	}
	if err := m.Wait(ctx); err != nil {
		return fmt.Errorf("session ended: %w", err)
	}
	info := m.Info()
	if err := m.Release(ctx); err != nil {
		slog.Warn("relay flush incomplete", "err", err)
	}
	slog.Info("one-shot session finished", "session_id", info.SessionID, "output", info.Output)
	return nil
}
