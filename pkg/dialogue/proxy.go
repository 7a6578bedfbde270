package dialogue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/facerelay/pkg/audio"
)

// State is the lifecycle phase of a [Proxy].
type State int32

const (
	StateIdle State = iota
	StateActivating
	StateStreaming
	StateFinished
	StateFailed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivating:
		return "activating"
	case StateStreaming:
		return "streaming"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// defaultCloseGrace bounds how long [Proxy.Close] lets the writer flush the
// end-of-input marker before the call is cancelled.
const defaultCloseGrace = 500 * time.Millisecond

// Option configures a [Proxy].
type Option func(*Proxy)

// WithCloseGrace sets how long Close waits for the writer to emit the
// end-of-input marker before cancelling the call.
func WithCloseGrace(d time.Duration) Option {
	return func(p *Proxy) { p.closeGrace = d }
}

// Proxy manages one duplex call to the dialogue service.
//
// A writer goroutine sends the session config, then every chunk of the
// [audio.FrameBuffer] in push order, then exactly one end-of-input marker. A
// reader goroutine dispatches responses to [Callbacks] until the service
// closes the stream or the call fails.
//
// Close invalidates the proxy: responses that arrive afterwards are dropped
// and no further callbacks run. All methods are safe for concurrent use.
type Proxy struct {
	cfg        SessionConfig
	buf        *audio.FrameBuffer
	cb         Callbacks
	closeGrace time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	// mu guards closed. Dispatch holds the read lock so Close cannot
	// complete while a callback is running.
	mu     sync.RWMutex
	closed bool

	termOnce    sync.Once
	writerDone  chan struct{}
	done        chan struct{}
	lastSession string
	bytesSent   atomic.Int64
	err         error
}

// Open validates cfg, opens a call through t and starts the writer and reader
// goroutines. The call lives until ctx is cancelled, the stream ends, or
// [Proxy.Close] is called.
//
// Open returns [ErrAuth] when the API key or character id is empty and
// [ErrChannel] when t is nil. In both cases no call is attempted.
func Open(ctx context.Context, t Transport, cfg SessionConfig, buf *audio.FrameBuffer, cb Callbacks, opts ...Option) (*Proxy, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is empty", ErrAuth)
	}
	if cfg.CharacterID == "" {
		return nil, fmt.Errorf("%w: character id is empty", ErrAuth)
	}
	if t == nil {
		return nil, ErrChannel
	}
	if buf == nil {
		return nil, errors.New("dialogue: nil frame buffer")
	}

	pctx, cancel := context.WithCancel(ctx)
	p := &Proxy{
		cfg:        cfg,
		buf:        buf,
		cb:         cb,
		closeGrace: defaultCloseGrace,
		ctx:        pctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.state.Store(int32(StateActivating))

	s, err := t.Open(pctx)
	if err != nil {
		cancel()
		p.state.Store(int32(StateFailed))
		return nil, fmt.Errorf("%w: open stream: %w", ErrTransport, err)
	}
	p.state.Store(int32(StateStreaming))
	slog.Debug("dialogue: stream opened", "character", cfg.CharacterID, "session", cfg.SessionID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(p.writerDone)
		p.writeLoop(s)
	}()
	go func() {
		defer wg.Done()
		p.readLoop(s)
	}()
	go func() {
		wg.Wait()
		cancel()
		close(p.done)
	}()
	return p, nil
}

// State returns the current lifecycle phase.
func (p *Proxy) State() State { return State(p.state.Load()) }

// Done is closed once both goroutines have exited.
func (p *Proxy) Done() <-chan struct{} { return p.done }

// Err blocks until Done is closed and returns the error that ended the call,
// or nil.
func (p *Proxy) Err() error {
	<-p.done
	return p.err
}

// BytesSent returns the number of audio bytes written to the call so far.
func (p *Proxy) BytesSent() int64 { return p.bytesSent.Load() }

// Close marks the frame buffer final, invalidates callback dispatch and
// cancels the call once the writer has flushed its end-of-input marker (or
// the close grace elapsed). Close does not block and is idempotent.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.buf.MarkFinal()
	go func() {
		t := time.NewTimer(p.closeGrace)
		defer t.Stop()
		select {
		case <-p.writerDone:
		case <-t.C:
		case <-p.done:
		}
		p.cancel()
	}()
	return nil
}

func (p *Proxy) writeLoop(s Stream) {
	cfg := p.cfg
	if err := s.Send(Request{Config: &cfg}); err != nil {
		p.sendFailed(err)
		return
	}
	for {
		chunk, final, err := p.buf.Next(p.ctx)
		if err != nil {
			return
		}
		if final {
			if err := s.Send(Request{}); err != nil {
				p.sendFailed(err)
				return
			}
			if err := s.CloseSend(); err != nil {
				slog.Debug("dialogue: close send", "err", err)
			}
			slog.Debug("dialogue: done writing", "bytes", p.bytesSent.Load())
			return
		}
		if err := s.Send(Request{Audio: chunk}); err != nil {
			p.sendFailed(err)
			return
		}
		p.bytesSent.Add(int64(len(chunk)))
	}
}

// sendFailed handles a writer error. io.EOF means the stream was aborted and
// the reader will observe the real status.
func (p *Proxy) sendFailed(err error) {
	if errors.Is(err, io.EOF) || p.ctx.Err() != nil {
		return
	}
	p.terminate(err)
}

func (p *Proxy) readLoop(s Stream) {
	for {
		resp, err := s.Recv()
		if errors.Is(err, io.EOF) {
			p.terminate(nil)
			return
		}
		if err != nil {
			p.terminate(err)
			return
		}
		if !p.dispatch(resp) {
			p.terminate(nil)
			return
		}
	}
}

// dispatch delivers one response. It reports false once the proxy is closed.
func (p *Proxy) dispatch(resp Response) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	if resp.SessionID != "" && resp.SessionID != p.lastSession {
		p.lastSession = resp.SessionID
		if p.cb.OnSession != nil {
			p.cb.OnSession(resp.SessionID)
		}
	}

	switch {
	case resp.Audio != nil:
		a := resp.Audio
		if p.cb.OnData != nil {
			p.cb.OnData(a.Text, a.Audio, a.SampleRate, a.EndOfResponse)
		}
	case resp.Action != "":
		if p.cb.OnAction != nil {
			p.cb.OnAction(resp.Action)
		}
	case resp.UserQuery != nil:
		if p.cb.OnUserText != nil {
			p.cb.OnUserText(resp.UserQuery.Text, resp.UserQuery.IsFinal)
		}
	case resp.Debug != "":
		slog.Debug("dialogue: debug log", "msg", resp.Debug)
	default:
		slog.Debug("dialogue: ignoring response", "session", resp.SessionID)
	}
	return true
}

// terminate moves the proxy to its terminal state and runs OnFinish or
// OnFailure exactly once. A closed proxy ends as finished without callbacks.
func (p *Proxy) terminate(err error) {
	p.termOnce.Do(func() {
		p.mu.RLock()
		closed := p.closed
		p.mu.RUnlock()

		if closed {
			p.state.Store(int32(StateFinished))
			p.cancel()
			return
		}
		if err != nil {
			p.err = fmt.Errorf("%w: %w", ErrTransport, err)
			p.state.Store(int32(StateFailed))
		} else {
			p.state.Store(int32(StateFinished))
		}
		p.cancel()

		if err != nil {
			slog.Warn("dialogue: stream failed", "character", p.cfg.CharacterID, "err", err)
			if p.cb.OnFailure != nil {
				p.cb.OnFailure(p.err)
			}
			return
		}
		slog.Debug("dialogue: stream finished", "character", p.cfg.CharacterID)
		if p.cb.OnFinish != nil {
			p.cb.OnFinish()
		}
	})
}
