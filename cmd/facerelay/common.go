package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/facerelay/internal/config"
	"github.com/MrWong99/facerelay/internal/health"
	"github.com/MrWong99/facerelay/internal/observe"
	"github.com/MrWong99/facerelay/pkg/animation"
	"github.com/MrWong99/facerelay/pkg/animation/a2f"
	"github.com/MrWong99/facerelay/pkg/dialogue"
	"github.com/MrWong99/facerelay/pkg/dialogue/convai"
)

// ── Configuration ─────────────────────────────────────────────────────────────

// loadConfig reads the config file. A missing file is only an error when
// --config was given explicitly; otherwise the defaults are used. watch
// reports whether the file exists and can be watched for changes.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (cfg *config.Config, watch bool, err error) {
	explicit := false
	if f := cmd.Flag("config"); f != nil {
		explicit = f.Changed
	}

	cfg, err = config.Load(opts.configPath)
	switch {
	case err == nil:
		watch = true
	case errors.Is(err, os.ErrNotExist) && !explicit:
		if cfg, err = config.LoadBytes(nil); err != nil {
			return nil, false, err
		}
	case errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", opts.configPath)
	default:
		return nil, false, err
	}

	if opts.logLevel != "" {
		lvl := config.LogLevel(opts.logLevel)
		if !lvl.IsValid() {
			return nil, false, fmt.Errorf("--log-level %q is invalid; valid values: debug, info, warn, error", opts.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	return cfg, watch, nil
}

// watchConfig starts a polling watcher on path that keeps the log level in
// sync and hands every reload to apply. It returns nil when watch is false.
func watchConfig(path string, watch bool, levels *slog.LevelVar, apply func(old, new *config.Config, d config.ConfigDiff)) (*config.Watcher, error) {
	if !watch {
		return nil, nil
	}
	return config.NewWatcher(path, func(old, new *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			levels.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if apply != nil {
			apply(old, new, d)
		}
	})
}

// reloadOnHangup makes w re-read its file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			slog.Info("SIGHUP received, reloading config")
			w.Reload()
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// newRegistry wires the built-in dialogue and animation providers.
func newRegistry() *config.Registry {
	reg := config.NewRegistry()

	reg.RegisterDialogue("convai", func(c config.DialogueConfig) (dialogue.Transport, error) {
		var opts []convai.Option
		if c.Insecure {
			opts = append(opts, convai.WithPlaintext())
		}
		return convai.New(c.Endpoint, opts...)
	})

	reg.RegisterAnimation("audio2face", func(c config.AnimationConfig) (animation.Client, error) {
		return a2f.New(c.Endpoint)
	})

	for _, kind := range []string{"dialogue", "animation"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
	return reg
}

// closeProvider closes p if it holds resources.
func closeProvider(kind string, p any) {
	c, ok := p.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("provider close error", "kind", kind, "err", err)
	}
}

// ── Telemetry and HTTP ────────────────────────────────────────────────────────

// initTelemetry installs the global meter and tracer providers for role.
// It returns the /metrics handler and a flush function that never fails
// the shutdown. When the SDK cannot be set up, metrics are not served.
func initTelemetry(ctx context.Context, role string) (http.Handler, func()) {
	tel, err := observe.Init(ctx, observe.ProviderConfig{
		ServiceName:    "facerelay-" + role,
		ServiceVersion: version,
		Role:           role,
	})
	if err != nil {
		slog.Warn("telemetry disabled", "err", err)
		return http.NotFoundHandler(), func() {}
	}
	return tel.Handler(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}
}

// newMux returns a mux with /healthz, /readyz and /metrics registered.
func newMux(h *health.Handler, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", metrics)
	return mux
}

// serveHTTP serves handler on addr until ctx is done, then shuts the server
// down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server %s: shutdown: %w", addr, err)
	}
	return nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger installs the default text logger and returns its level so a
// config reload can change it.
func newLogger(level config.LogLevel) *slog.LevelVar {
	levels := new(slog.LevelVar)
	levels.Set(slogLevel(level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levels})))
	return levels
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
