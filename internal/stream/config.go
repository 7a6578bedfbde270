// Package stream is the animation side of the relay. An [Accumulator]
// collects relay segments into one growing PCM buffer and runs a pump that
// re-streams that buffer to an animation engine in fixed-duration chunks,
// paced to roughly real-time playback.
package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/facerelay/pkg/animation/a2f"
)

// ErrRateMismatch reports a segment whose sample rate differs from the rate
// of the audio already accumulated. It is only returned under
// [RateReject]; the other policies log it and carry on.
var ErrRateMismatch = errors.New("stream: sample rate mismatch")

// RatePolicy decides what happens to a segment that arrives at a different
// sample rate than the accumulated audio.
type RatePolicy string

const (
	// RateOverwrite adopts the new rate for the whole buffer without
	// converting anything.
	RateOverwrite RatePolicy = "overwrite"

	// RateResample converts the segment to the active rate.
	RateResample RatePolicy = "resample"

	// RateReject drops the segment.
	RateReject RatePolicy = "reject"
)

// ParseRatePolicy validates s. The empty string selects [RateOverwrite].
func ParseRatePolicy(s string) (RatePolicy, error) {
	switch p := RatePolicy(s); p {
	case "":
		return RateOverwrite, nil
	case RateOverwrite, RateResample, RateReject:
		return p, nil
	}
	return "", fmt.Errorf("stream: unknown rate policy %q", s)
}

// Config controls chunking and pacing. An empty InstanceName, ChunkDuration,
// IdleInterval or RatePolicy takes the value from [DefaultConfig].
type Config struct {
	// InstanceName is sent in every start marker.
	InstanceName string

	// ChunkDuration is the playback length of one pushed chunk.
	ChunkDuration time.Duration

	// PaceMargin is subtracted from ChunkDuration to get the pause after
	// each chunk, so the engine is fed slightly faster than it plays.
	PaceMargin time.Duration

	// IdleInterval is the longest the pump waits for more audio before
	// checking again.
	IdleInterval time.Duration

	// FadeDuration is the length of the linear fade applied to both edges
	// of every appended segment.
	FadeDuration time.Duration

	// BlockUntilPlaybackFinished is forwarded in the start marker.
	BlockUntilPlaybackFinished bool

	RatePolicy RatePolicy
}

// DefaultConfig returns the pacing used when nothing is configured: 300ms
// chunks sent every 200ms, a 10ms idle poll and 25ms edge fades.
func DefaultConfig() Config {
	return Config{
		InstanceName:  a2f.DefaultInstance,
		ChunkDuration: 300 * time.Millisecond,
		PaceMargin:    100 * time.Millisecond,
		IdleInterval:  10 * time.Millisecond,
		FadeDuration:  25 * time.Millisecond,
		RatePolicy:    RateOverwrite,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InstanceName == "" {
		c.InstanceName = def.InstanceName
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = def.ChunkDuration
	}
	if c.PaceMargin < 0 || c.PaceMargin >= c.ChunkDuration {
		c.PaceMargin = 0
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = def.IdleInterval
	}
	if c.FadeDuration < 0 {
		c.FadeDuration = 0
	}
	if c.RatePolicy == "" {
		c.RatePolicy = def.RatePolicy
	}
	return c
}

// pace is the pause after each chunk.
func (c Config) pace() time.Duration {
	return c.ChunkDuration - c.PaceMargin
}
