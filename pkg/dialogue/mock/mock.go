// Package mock provides a scriptable in-memory [dialogue.Transport] for tests.
//
// Typical usage:
//
//	tr := &mock.Transport{}
//	p, _ := dialogue.Open(ctx, tr, cfg, buf, cb)
//	s := tr.Stream(0)
//	s.Push(dialogue.Response{SessionID: "s1"})
//	s.Finish() // Recv returns io.EOF
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/facerelay/pkg/dialogue"
)

// Transport is a mock implementation of [dialogue.Transport].
type Transport struct {
	mu sync.Mutex

	// OpenError is returned by [Transport.Open] when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	streams []*Stream
}

var _ dialogue.Transport = (*Transport)(nil)

// Open implements [dialogue.Transport].
func (t *Transport) Open(ctx context.Context) (dialogue.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountOpen++
	if t.OpenError != nil {
		return nil, t.OpenError
	}
	s := &Stream{
		ctx:       ctx,
		in:        make(chan result, 64),
		sendClose: make(chan struct{}),
	}
	t.streams = append(t.streams, s)
	return s, nil
}

// Opens returns how many times Open was called.
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CallCountOpen
}

// Stream returns the i-th stream returned by Open, or nil.
func (t *Transport) Stream(i int) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.streams) {
		return nil
	}
	return t.streams[i]
}

type result struct {
	resp dialogue.Response
	err  error
}

// Stream is a mock implementation of [dialogue.Stream]. Responses are fed by
// the test with Push, Fail and Finish.
type Stream struct {
	ctx context.Context
	in  chan result

	mu        sync.Mutex
	sent      []dialogue.Request
	sendClose chan struct{}
	closed    bool

	// SendError is returned by Send when non-nil.
	SendError error
}

// Send implements [dialogue.Stream].
func (s *Stream) Send(req dialogue.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendError != nil {
		return s.SendError
	}
	s.sent = append(s.sent, req)
	return nil
}

// Recv implements [dialogue.Stream].
func (s *Stream) Recv() (dialogue.Response, error) {
	select {
	case <-s.ctx.Done():
		return dialogue.Response{}, s.ctx.Err()
	case r, ok := <-s.in:
		if !ok {
			return dialogue.Response{}, io.EOF
		}
		return r.resp, r.err
	}
}

// CloseSend implements [dialogue.Stream].
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.sendClose)
	}
	return nil
}

// Push queues resp for Recv.
func (s *Stream) Push(resp dialogue.Response) { s.in <- result{resp: resp} }

// Fail makes the next Recv return err.
func (s *Stream) Fail(err error) { s.in <- result{err: err} }

// Finish makes Recv return io.EOF once queued responses are consumed.
func (s *Stream) Finish() { close(s.in) }

// SendClosed is closed when the writer half-closes the stream.
func (s *Stream) SendClosed() <-chan struct{} { return s.sendClose }

// Sent returns a copy of every request received so far.
func (s *Stream) Sent() []dialogue.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dialogue.Request(nil), s.sent...)
}
