// Package mock provides an in-memory [animation.Client] for tests. It
// records every start marker and chunk together with the time it arrived.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/facerelay/pkg/animation"
)

// Chunk is one recorded chunk.
type Chunk struct {
	Data []byte
	At   time.Time
}

// Call is one recorded push stream.
type Call struct {
	Start  animation.StartMarker
	Chunks []Chunk
	Closed bool
}

// Client is a mock implementation of [animation.Client].
type Client struct {
	mu sync.Mutex

	// OpenError is returned by PushAudioStream when non-nil.
	OpenError error

	// SendError is returned by every Send when non-nil.
	SendError error

	// Result is returned by CloseAndRecv.
	Result animation.Result

	// ResultError is returned by CloseAndRecv when non-nil.
	ResultError error

	calls  []*Call
	notify chan struct{}
}

var _ animation.Client = (*Client)(nil)

// PushAudioStream implements [animation.Client].
func (c *Client) PushAudioStream(_ context.Context, start animation.StartMarker) (animation.PushStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpenError != nil {
		return nil, c.OpenError
	}
	call := &Call{Start: start}
	c.calls = append(c.calls, call)
	c.signalLocked()
	return &stream{c: c, call: call}, nil
}

// Calls returns a snapshot of every push stream opened so far.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	for i, call := range c.calls {
		out[i] = Call{Start: call.Start, Chunks: append([]Chunk(nil), call.Chunks...), Closed: call.Closed}
	}
	return out
}

// ChunkCount returns the number of chunks received across all calls.
func (c *Client) ChunkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		n += len(call.Chunks)
	}
	return n
}

// WaitFor blocks until cond holds or timeout elapses and reports whether it
// held. cond runs with no locks held.
func (c *Client) WaitFor(timeout time.Duration, cond func(*Client) bool) bool {
	deadline := time.After(timeout)
	for {
		if cond(c) {
			return true
		}
		c.mu.Lock()
		if c.notify == nil {
			c.notify = make(chan struct{})
		}
		ch := c.notify
		c.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return cond(c)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (c *Client) signalLocked() {
	if c.notify != nil {
		close(c.notify)
		c.notify = nil
	}
}

type stream struct {
	c    *Client
	call *Call
}

func (s *stream) Send(chunk []byte) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.c.SendError != nil {
		return s.c.SendError
	}
	s.call.Chunks = append(s.call.Chunks, Chunk{Data: append([]byte(nil), chunk...), At: time.Now()})
	s.c.signalLocked()
	return nil
}

func (s *stream) CloseAndRecv() (animation.Result, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.call.Closed = true
	s.c.signalLocked()
	if s.c.ResultError != nil {
		return animation.Result{}, s.c.ResultError
	}
	return s.c.Result, nil
}
