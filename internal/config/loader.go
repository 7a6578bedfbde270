package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/facerelay/internal/relay"
	"github.com/MrWong99/facerelay/internal/stream"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"dialogue":  {"convai"},
	"animation": {"audio2face"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBytes is [LoadFromReader] over an in-memory document.
func LoadBytes(b []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(b))
}

// ApplyDefaults fills every empty field that has a default. Endpoints are
// left empty so each provider picks its own.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.RelayHTTPAddr == "" {
		cfg.Server.RelayHTTPAddr = DefaultRelayHTTPAddr
	}

	if cfg.Dialogue.Provider == "" {
		cfg.Dialogue.Provider = DefaultDialogueProvider
	}
	if cfg.Dialogue.SampleRate == 0 {
		cfg.Dialogue.SampleRate = DefaultMicSampleRate
	}

	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = cfg.Dialogue.SampleRate
	}
	if cfg.Capture.Channels == 0 {
		cfg.Capture.Channels = 1
	}

	if cfg.Relay.AudioAddr == "" {
		cfg.Relay.AudioAddr = relay.DefaultAudioAddr
	}
	if cfg.Relay.ControlAddr == "" {
		cfg.Relay.ControlAddr = relay.DefaultControlAddr
	}
	if cfg.Relay.MaxFrameBytes == 0 {
		cfg.Relay.MaxFrameBytes = relay.DefaultMaxFrameBytes
	}
	if cfg.Relay.ServiceName == "" {
		cfg.Relay.ServiceName = DefaultServiceName
	}

	if cfg.Animation.Provider == "" {
		cfg.Animation.Provider = DefaultAnimationProvider
	}
	def := stream.DefaultConfig()
	a := &cfg.Animation
	if a.InstanceName == "" {
		a.InstanceName = def.InstanceName
	}
	if a.ChunkDuration == 0 {
		a.ChunkDuration = def.ChunkDuration
	}
	if a.PaceMargin == 0 {
		a.PaceMargin = def.PaceMargin
	}
	if a.IdleInterval == 0 {
		a.IdleInterval = def.IdleInterval
	}
	if a.FadeDuration == 0 {
		a.FadeDuration = def.FadeDuration
	}
	if a.RatePolicy == "" {
		a.RatePolicy = string(def.RatePolicy)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	errs = appendAddrErr(errs, "server.listen_addr", cfg.Server.ListenAddr)
	errs = appendAddrErr(errs, "server.relay_http_addr", cfg.Server.RelayHTTPAddr)

	validateProviderName("dialogue", cfg.Dialogue.Provider)
	validateProviderName("animation", cfg.Animation.Provider)

	// Dialogue. Missing credentials are reported per session, not here,
	// so the relay process can run from the same file.
	if cfg.Dialogue.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("dialogue.sample_rate %d must not be negative", cfg.Dialogue.SampleRate))
	}
	if a := cfg.Dialogue.Actions; a != nil {
		if a.ContextLevel < 0 {
			errs = append(errs, fmt.Errorf("dialogue.actions.context_level %d must not be negative", a.ContextLevel))
		}
		for i, c := range a.Characters {
			if c.Name == "" {
				errs = append(errs, fmt.Errorf("dialogue.actions.characters[%d].name is required", i))
			}
		}
		for i, o := range a.Objects {
			if o.Name == "" {
				errs = append(errs, fmt.Errorf("dialogue.actions.objects[%d].name is required", i))
			}
		}
	}
	if cfg.Dialogue.APIKey == "" || cfg.Dialogue.CharacterID == "" {
		slog.Warn("config: dialogue.api_key or dialogue.character_id is empty; sessions will fail to start")
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is out of range [1, 2]", cfg.Capture.Channels))
	}
	if cfg.Capture.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("capture.buffer_frames %d must not be negative", cfg.Capture.BufferFrames))
	}

	// Relay
	errs = appendAddrErr(errs, "relay.audio_addr", cfg.Relay.AudioAddr)
	errs = appendAddrErr(errs, "relay.control_addr", cfg.Relay.ControlAddr)
	if cfg.Relay.AudioAddr != "" && cfg.Relay.AudioAddr == cfg.Relay.ControlAddr {
		errs = append(errs, fmt.Errorf("relay.audio_addr and relay.control_addr must differ (both %q)", cfg.Relay.AudioAddr))
	}
	if cfg.Relay.MaxFrameBytes < 0 {
		errs = append(errs, fmt.Errorf("relay.max_frame_bytes %d must not be negative", cfg.Relay.MaxFrameBytes))
	}
	if cfg.Relay.AckTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.ack_timeout %s must not be negative", cfg.Relay.AckTimeout))
	}

	// Animation
	a := cfg.Animation
	if a.ChunkDuration < 0 {
		errs = append(errs, fmt.Errorf("animation.chunk_duration %s must not be negative", a.ChunkDuration))
	}
	if a.PaceMargin < 0 {
		errs = append(errs, fmt.Errorf("animation.pace_margin %s must not be negative", a.PaceMargin))
	}
	if a.ChunkDuration > 0 && a.PaceMargin >= a.ChunkDuration {
		errs = append(errs, fmt.Errorf("animation.pace_margin %s must be shorter than animation.chunk_duration %s", a.PaceMargin, a.ChunkDuration))
	}
	if a.IdleInterval < 0 {
		errs = append(errs, fmt.Errorf("animation.idle_interval %s must not be negative", a.IdleInterval))
	}
	if a.FadeDuration < 0 {
		errs = append(errs, fmt.Errorf("animation.fade_duration %s must not be negative", a.FadeDuration))
	}
	if _, err := stream.ParseRatePolicy(a.RatePolicy); err != nil {
		errs = append(errs, fmt.Errorf("animation.rate_policy %q is invalid; valid values: overwrite, resample, reject", a.RatePolicy))
	}

	return errors.Join(errs...)
}

// appendAddrErr validates a host:port address. Empty addresses are skipped.
func appendAddrErr(errs []error, field, addr string) []error {
	if addr == "" {
		return errs
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return append(errs, fmt.Errorf("%s %q is not a host:port address: %w", field, addr, err))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// StreamConfig converts the animation section into pump settings.
func (a AnimationConfig) StreamConfig() stream.Config {
	// Validate has already rejected unknown policies.
	policy, _ := stream.ParseRatePolicy(a.RatePolicy)
	return stream.Config{
		InstanceName:               a.InstanceName,
		ChunkDuration:              a.ChunkDuration,
		PaceMargin:                 a.PaceMargin,
		IdleInterval:               a.IdleInterval,
		FadeDuration:               a.FadeDuration,
		BlockUntilPlaybackFinished: a.BlockUntilPlaybackFinished,
		RatePolicy:                 policy,
	}
}
