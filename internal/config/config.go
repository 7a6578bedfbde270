// Package config provides the configuration schema, loader, and provider registry
// for the facerelay bridge and relay processes.
package config

import (
	"time"

	"github.com/MrWong99/facerelay/pkg/dialogue"
)

// LogLevel controls log verbosity for both processes.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default provider names and addresses applied by [ApplyDefaults].
const (
	DefaultDialogueProvider  = "convai"
	DefaultAnimationProvider = "audio2face"
	DefaultListenAddr        = "localhost:8080"
	DefaultRelayHTTPAddr     = "localhost:8081"
	DefaultServiceName       = "_facerelay._tcp"
	DefaultMicSampleRate     = 16000
)

// Config is the root configuration structure. The bridge process reads
// Server, Dialogue, Capture, Relay and Playback; the relay process reads
// Server, Relay and Animation.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Dialogue  DialogueConfig  `yaml:"dialogue"`
	Capture   CaptureConfig   `yaml:"capture"`
	Relay     RelayConfig     `yaml:"relay"`
	Animation AnimationConfig `yaml:"animation"`
	Playback  PlaybackConfig  `yaml:"playback"`
}

// ServerConfig holds the HTTP listen addresses and log level.
type ServerConfig struct {
	// LogLevel is one of debug, info, warn, error. Changes are applied live.
	LogLevel LogLevel `yaml:"log_level"`

	// ListenAddr serves the bridge control API, health probes and /metrics.
	ListenAddr string `yaml:"listen_addr"`

	// RelayHTTPAddr serves health probes and /metrics for the relay process.
	RelayHTTPAddr string `yaml:"relay_http_addr"`
}

// DialogueConfig selects and configures the dialogue service.
type DialogueConfig struct {
	// Provider is the registry name of the transport (e.g. "convai").
	Provider string `yaml:"provider"`

	// Endpoint overrides the provider's default address.
	Endpoint string `yaml:"endpoint"`

	APIKey      string `yaml:"api_key"`
	CharacterID string `yaml:"character_id"`

	// SessionID continues an existing conversation. Empty starts a new one.
	SessionID string `yaml:"session_id"`

	// Insecure disables TLS on the dialogue connection.
	Insecure bool `yaml:"insecure"`

	// SampleRate of the microphone audio sent to the service, in Hz.
	SampleRate int    `yaml:"sample_rate"`
	Speaker    string `yaml:"speaker"`

	// Actions enables action classification when set.
	Actions *dialogue.ActionConfig `yaml:"actions"`
}

// CaptureConfig describes the audio handed to the bridge by the capture side.
type CaptureConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// BufferFrames bounds the microphone frame buffer.
	BufferFrames int `yaml:"buffer_frames"`
}

// RelayConfig holds the relay socket pair used by both processes.
type RelayConfig struct {
	AudioAddr     string        `yaml:"audio_addr"`
	ControlAddr   string        `yaml:"control_addr"`
	MaxFrameBytes int           `yaml:"max_frame_bytes"`
	AckTimeout    time.Duration `yaml:"ack_timeout"`

	// Discover makes the bridge look the relay up over mDNS instead of
	// using AudioAddr and ControlAddr. The relay always advertises when
	// Discover is set.
	Discover    bool   `yaml:"discover"`
	ServiceName string `yaml:"service_name"`
}

// AnimationConfig selects the animation engine and controls chunk pacing.
type AnimationConfig struct {
	// Provider is the registry name of the client (e.g. "audio2face").
	Provider string `yaml:"provider"`
	Endpoint string `yaml:"endpoint"`

	InstanceName               string        `yaml:"instance_name"`
	ChunkDuration              time.Duration `yaml:"chunk_duration"`
	PaceMargin                 time.Duration `yaml:"pace_margin"`
	IdleInterval               time.Duration `yaml:"idle_interval"`
	FadeDuration               time.Duration `yaml:"fade_duration"`
	BlockUntilPlaybackFinished bool          `yaml:"block_until_playback_finished"`

	// RatePolicy is one of overwrite, resample, reject.
	RatePolicy string `yaml:"rate_policy"`
}

// PlaybackConfig controls the local speaker fallback of the bridge.
type PlaybackConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SessionConfig returns the dialogue session parameters described by d.
func (d DialogueConfig) SessionConfig() dialogue.SessionConfig {
	return dialogue.SessionConfig{
		APIKey:      d.APIKey,
		CharacterID: d.CharacterID,
		SessionID:   d.SessionID,
		SampleRate:  d.SampleRate,
		Speaker:     d.Speaker,
		Actions:     d.Actions,
	}
}
