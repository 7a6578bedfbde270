package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrFinal is returned by [FrameBuffer.Push] once the buffer has been marked
// final.
var ErrFinal = errors.New("audio: frame buffer is final")

// DefaultFrameBufferCapacity bounds a [FrameBuffer] created with a
// non-positive capacity.
const DefaultFrameBufferCapacity = 256

// FrameBuffer is a bounded FIFO of raw audio chunks with an end-of-input
// marker. It has exactly one producer ([FrameBuffer.Push],
// [FrameBuffer.MarkFinal]) and one consumer ([FrameBuffer.Next]).
//
// Once full, Push drops the oldest queued chunk. Chunks are never reordered.
// The final flag is monotonic: after MarkFinal the consumer drains whatever is
// queued and then observes the end of input.
//
// All methods are safe for concurrent use.
type FrameBuffer struct {
	mu       sync.Mutex
	queue    [][]byte
	capacity int
	final    bool
	dropped  int

	// notify has capacity 1 and is signalled on every state change so a
	// waiting consumer wakes without polling.
	notify chan struct{}
}

// NewFrameBuffer returns an empty buffer holding at most capacity chunks.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultFrameBufferCapacity
	}
	return &FrameBuffer{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends chunk to the tail of the queue. Empty chunks are ignored so
// they can never be confused with the final marker. The buffer takes
// ownership of chunk.
func (b *FrameBuffer) Push(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	b.mu.Lock()
	if b.final {
		b.mu.Unlock()
		return ErrFinal
	}
	if len(b.queue) >= b.capacity {
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.dropped++
	}
	b.queue = append(b.queue, chunk)
	b.mu.Unlock()
	b.signal()
	return nil
}

// MarkFinal sets the end-of-input flag. Calling it more than once is a no-op.
func (b *FrameBuffer) MarkFinal() {
	b.mu.Lock()
	b.final = true
	b.mu.Unlock()
	b.signal()
}

// Next blocks until a chunk is available, the buffer is final and drained, or
// ctx is done. It returns the oldest chunk with final=false, or (nil, true,
// nil) once every chunk pushed before MarkFinal has been returned.
func (b *FrameBuffer) Next(ctx context.Context) (chunk []byte, final bool, err error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			chunk = b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return chunk, false, nil
		}
		if b.final {
			b.mu.Unlock()
			return nil, true, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-b.notify:
		}
	}
}

// Len returns the number of queued chunks.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Final reports whether MarkFinal has been called.
func (b *FrameBuffer) Final() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.final
}

// Dropped returns how many chunks were discarded because the buffer was full.
func (b *FrameBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *FrameBuffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
