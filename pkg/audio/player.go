package audio

import "context"

// Player is the local playback collaborator: it plays reply audio on the
// machine running the dialogue side when the relay is unavailable.
//
// Implementations must be safe for concurrent use. Play may return before the
// audio has finished playing; Stop discards anything still queued.
type Player interface {
	// Play queues seg for playback.
	Play(ctx context.Context, seg Segment) error

	// Stop interrupts playback and discards queued audio.
	Stop()

	// Close releases the output device. The Player is unusable afterwards.
	Close() error
}
