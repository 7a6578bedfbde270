// Package playback plays reply audio on the local machine. It is the
// fallback output of the bridge when the relay to the animation side is
// not reachable.
//
// [Queue] adapts an output [Device] to [audio.Player]: segments are
// converted to the device format and written by a single goroutine so Play
// never blocks on the sound card.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/facerelay/pkg/audio"
)

// ErrClosed is returned by Play after Close.
var ErrClosed = errors.New("playback: player closed")

// ErrQueueFull is returned by Play when the queue holds the maximum number
// of segments.
var ErrQueueFull = errors.New("playback: queue full")

// DefaultQueueSize bounds the number of pending segments.
const DefaultQueueSize = 64

// Device is a sink for PCM16 in a fixed format.
type Device interface {
	// Format is the format Write expects.
	Format() audio.Format

	// Write blocks until pcm has been handed to the output.
	Write(pcm []byte) error

	// Reset discards anything buffered in the device and unblocks a
	// pending Write.
	Reset() error

	Close() error
}

// QueueOption configures a [Queue].
type QueueOption func(*Queue)

// WithQueueSize bounds the number of pending segments.
func WithQueueSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.size = n
		}
	}
}

// Queue is an [audio.Player] that feeds a [Device] from a background
// goroutine.
type Queue struct {
	dev  Device
	size int
	conv *audio.FormatConverter

	mu      sync.Mutex
	pending []audio.Segment
	closed  bool
	// epoch changes on every Stop so a write in flight is not reported
	// as an error.
	epoch uint64

	notify chan struct{}
	done   chan struct{}
}

var _ audio.Player = (*Queue)(nil)

// NewQueue starts a Queue writing to dev.
func NewQueue(dev Device, opts ...QueueOption) *Queue {
	q := &Queue{
		dev:    dev,
		size:   DefaultQueueSize,
		conv:   &audio.FormatConverter{Target: dev.Format()},
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.run()
	return q
}

// Play queues seg. It returns [ErrQueueFull] rather than blocking.
func (q *Queue) Play(_ context.Context, seg audio.Segment) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.pending) >= q.size {
		return ErrQueueFull
	}
	q.pending = append(q.pending, seg)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Stop discards queued segments and interrupts the one playing.
func (q *Queue) Stop() {
	q.mu.Lock()
	n := len(q.pending)
	q.pending = nil
	q.epoch++
	q.mu.Unlock()
	if err := q.dev.Reset(); err != nil {
		slog.Warn("playback: reset device", "err", err)
	}
	slog.Debug("playback: stopped", "discarded", n)
}

// Pending returns the number of queued segments.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops playback, waits for the writer goroutine and closes the
// device.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.pending = nil
	q.epoch++
	q.mu.Unlock()

	close(q.notify)
	_ = q.dev.Reset()
	<-q.done
	return q.dev.Close()
}

func (q *Queue) run() {
	defer close(q.done)
	for range q.notify {
		for {
			q.mu.Lock()
			if q.closed || len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			seg := q.pending[0]
			q.pending = q.pending[1:]
			epoch := q.epoch
			q.mu.Unlock()

			pcm := q.conv.Convert(seg).Data
			if len(pcm) == 0 {
				continue
			}
			if err := q.dev.Write(pcm); err != nil {
				q.mu.Lock()
				stopped := epoch != q.epoch
				q.mu.Unlock()
				if !stopped {
					slog.Warn("playback: device write failed", "bytes", len(pcm), "err", err)
				}
			}
		}
	}
}
