// Package animation defines the client side of a facial-animation engine's
// audio push stream.
//
// A push stream starts with a [StartMarker] declaring the target instance
// and sample rate, carries zero or more chunks of float32 little-endian
// samples, and ends with a single [Result] from the engine.
package animation

import (
	"context"
	"errors"
)

// ErrRejected is returned when the engine answers a push stream with
// success=false.
var ErrRejected = errors.New("animation: push stream rejected")

// StartMarker is the first message of every push stream.
type StartMarker struct {
	// InstanceName addresses the streaming player inside the engine, e.g.
	// "/World/LazyGraph/PlayerStreaming".
	InstanceName string

	// SampleRate of the chunks that follow, in Hz.
	SampleRate int

	// BlockUntilPlaybackFinished makes the engine hold its response until
	// the audio has played.
	BlockUntilPlaybackFinished bool
}

// Result is the engine's single response to a push stream.
type Result struct {
	Success bool
	Message string
}

// PushStream is one open push call. It is used by a single goroutine.
type PushStream interface {
	// Send transmits one chunk of float32 little-endian samples.
	Send(chunk []byte) error

	// CloseAndRecv half-closes the stream and waits for the engine's result.
	CloseAndRecv() (Result, error)
}

// Client opens push streams to an animation engine. Implementations must be
// safe for concurrent use.
type Client interface {
	// PushAudioStream opens a call and sends start as its first message.
	PushAudioStream(ctx context.Context, start StartMarker) (PushStream, error)
}
