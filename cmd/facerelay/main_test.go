package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/facerelay/internal/config"
)

func TestLoadConfig_MissingDefaultFileUsesDefaults(t *testing.T) {
	root := newRootCmd()
	opts := &rootOptions{configPath: filepath.Join(t.TempDir(), "facerelay.yaml")}

	cfg, watch, err := loadConfig(root, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if watch {
		t.Error("a missing file must not be watched")
	}
	if cfg.Relay.ControlAddr != "localhost:65433" {
		t.Errorf("control addr: got %q", cfg.Relay.ControlAddr)
	}
}

func TestLoadConfig_ExplicitMissingFileFails(t *testing.T) {
	root := newRootCmd()
	path := filepath.Join(t.TempDir(), "missing.yaml")
	if err := root.PersistentFlags().Set("config", path); err != nil {
		t.Fatal(err)
	}
	opts := &rootOptions{configPath: path}

	_, _, err := loadConfig(root, opts)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestLoadConfig_LogLevelOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facerelay.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	root := newRootCmd()

	cfg, watch, err := loadConfig(root, &rootOptions{configPath: path, logLevel: "debug"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !watch {
		t.Error("an existing file should be watched")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log level: got %q", cfg.Server.LogLevel)
	}

	if _, _, err := loadConfig(root, &rootOptions{configPath: path, logLevel: "chatty"}); err == nil {
		t.Error("expected error for invalid --log-level")
	}
}

func TestBridgeConfig(t *testing.T) {
	cfg, err := config.LoadBytes([]byte(`
dialogue:
  api_key: k
  character_id: c
  sample_rate: 16000
capture:
  sample_rate: 48000
  channels: 2
  buffer_frames: 64
relay:
  ack_timeout: 3s
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bc := bridgeConfig(cfg)
	if bc.Dialogue.CharacterID != "c" || bc.Dialogue.SampleRate != 16000 {
		t.Errorf("dialogue: got %+v", bc.Dialogue)
	}
	if bc.Capture.SampleRate != 48000 || bc.Capture.Channels != 2 {
		t.Errorf("capture: got %+v", bc.Capture)
	}
	if bc.BufferFrames != 64 || bc.StopTimeout != 3*time.Second {
		t.Errorf("got %+v", bc)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRegistry_BuiltinsRegistered(t *testing.T) {
	reg := newRegistry()
	if got := reg.Names("dialogue"); len(got) != 1 || got[0] != "convai" {
		t.Errorf("dialogue providers: %v", got)
	}
	if got := reg.Names("animation"); len(got) != 1 || got[0] != "audio2face" {
		t.Errorf("animation providers: %v", got)
	}
}
