package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/MrWong99/facerelay/internal/observe"
)

const defaultDialTimeout = 3 * time.Second

// LinkOption configures a [Link].
type LinkOption func(*Link)

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) LinkOption {
	return func(l *Link) { l.dialTimeout = d }
}

// WithAckTimeout bounds how long [Link.Stop] waits for the acknowledgment.
// Zero waits until the caller's context is done.
func WithAckTimeout(d time.Duration) LinkOption {
	return func(l *Link) { l.ackTimeout = d }
}

// WithLinkMetrics records frame counters on m instead of the default
// instance.
func WithLinkMetrics(m *observe.Metrics) LinkOption {
	return func(l *Link) { l.metrics = m }
}

// WithAudioDownHook registers fn to be called once per audio connection that
// fails while sending.
func WithAudioDownHook(fn func(err error)) LinkOption {
	return func(l *Link) { l.onAudioDown = fn }
}

// Link is the dialogue-side end of the relay. It holds at most one audio and
// one control connection; each can be dialled and lost independently.
//
// Frames passed to [Link.Send] are written by a dedicated goroutine in the
// order they were queued. A write error closes the audio connection and
// marks it down; the control connection is unaffected, and vice versa.
type Link struct {
	audioAddr   string
	controlAddr string
	dialTimeout time.Duration
	ackTimeout  time.Duration
	metrics     *observe.Metrics
	onAudioDown func(error)

	mu      sync.Mutex
	audio   *audioConn
	control net.Conn

	// stopMu serializes stop/ack exchanges on the control connection.
	stopMu sync.Mutex
}

// NewLink creates a Link for the given relay server addresses. No
// connection is made until DialAudio or DialControl.
func NewLink(audioAddr, controlAddr string, opts ...LinkOption) *Link {
	l := &Link{
		audioAddr:   audioAddr,
		controlAddr: controlAddr,
		dialTimeout: defaultDialTimeout,
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// SetAddrs replaces the server addresses used by subsequent dials, e.g.
// after discovery.
func (l *Link) SetAddrs(audioAddr, controlAddr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audioAddr, l.controlAddr = audioAddr, controlAddr
}

// DialAudio connects the audio connection. It is a no-op when already
// connected.
func (l *Link) DialAudio(ctx context.Context) error {
	l.mu.Lock()
	if l.audio != nil {
		l.mu.Unlock()
		return nil
	}
	addr := l.audioAddr
	l.mu.Unlock()

	conn, err := l.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("relay: dial audio %s: %w", addr, err)
	}

	ac := newAudioConn(conn)
	l.mu.Lock()
	if l.audio != nil {
		// Lost a race with a concurrent dial.
		l.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	l.audio = ac
	l.mu.Unlock()

	go ac.run(func(err error) { l.audioFailed(ac, err) })
	slog.Info("relay: audio connected", "addr", addr)
	return nil
}

// DialControl connects the control connection. It is a no-op when already
// connected.
func (l *Link) DialControl(ctx context.Context) error {
	l.mu.Lock()
	if l.control != nil {
		l.mu.Unlock()
		return nil
	}
	addr := l.controlAddr
	l.mu.Unlock()

	conn, err := l.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("relay: dial control %s: %w", addr, err)
	}
	l.mu.Lock()
	if l.control != nil {
		l.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	l.control = conn
	l.mu.Unlock()
	slog.Info("relay: control connected", "addr", addr)
	return nil
}

func (l *Link) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: l.dialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// AudioConnected reports whether the audio connection is up.
func (l *Link) AudioConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audio != nil
}

// ControlConnected reports whether the control connection is up.
func (l *Link) ControlConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.control != nil
}

// Send queues f for the audio connection. It returns [ErrNotConnected] when
// the audio connection is down. A nil return does not mean the frame was
// written; a later write failure is reported through the audio-down hook.
func (l *Link) Send(ctx context.Context, f Frame) error {
	l.mu.Lock()
	ac := l.audio
	l.mu.Unlock()
	if ac == nil {
		return ErrNotConnected
	}
	if !ac.enqueue(AppendFrame(nil, f)) {
		return ErrNotConnected
	}
	l.metrics.RecordFrameSent(ctx, "relay", len(f.Payload))
	return nil
}

func (l *Link) audioFailed(ac *audioConn, err error) {
	l.mu.Lock()
	if l.audio == ac {
		l.audio = nil
	}
	l.mu.Unlock()
	ac.close()
	slog.Warn("relay: audio connection lost", "err", err)
	if l.onAudioDown != nil {
		l.onAudioDown(err)
	}
}

// Stop sends [CmdStop] on the control connection and waits for
// [AckStopped]. The wait ends when ctx is done or the ack timeout elapses.
// Any failure closes the control connection; it is redialled on the next
// DialControl.
func (l *Link) Stop(ctx context.Context) error {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()

	l.mu.Lock()
	conn := l.control
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if l.ackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.ackTimeout)
		defer cancel()
	}
	// Clear any deadline left by an earlier exchange, then unblock the
	// read as soon as ctx is done.
	_ = conn.SetDeadline(time.Time{})
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stopWatch()

	err := WriteCommand(conn, CmdStop)
	if err == nil {
		l.metrics.RecordStop(ctx, "sent")
		err = ReadAck(conn)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("relay: waiting for ack: %w", errors.Join(ctxErr, err))
		}
		l.mu.Lock()
		if l.control == conn {
			l.control = nil
		}
		l.mu.Unlock()
		_ = conn.Close()
		return err
	}
	return nil
}

// CloseAudio closes the audio connection, discarding queued frames.
func (l *Link) CloseAudio() error {
	l.mu.Lock()
	ac := l.audio
	l.audio = nil
	l.mu.Unlock()
	if ac == nil {
		return nil
	}
	return ac.close()
}

// CloseControl closes the control connection.
func (l *Link) CloseControl() error {
	l.mu.Lock()
	conn := l.control
	l.control = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Close closes both connections.
func (l *Link) Close() error {
	return errors.Join(l.CloseAudio(), l.CloseControl())
}

// Flush blocks until every queued frame has been written to the audio
// connection or ctx is done. It returns nil at once without a connection.
func (l *Link) Flush(ctx context.Context) error {
	l.mu.Lock()
	ac := l.audio
	l.mu.Unlock()
	if ac == nil {
		return nil
	}
	select {
	case <-ac.drained():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// audioConn is one audio connection with its ordered send queue.
type audioConn struct {
	conn net.Conn

	mu      sync.Mutex
	queue   [][]byte
	writing bool
	closed  bool
	// idle is closed while nothing is queued or being written. enqueue
	// replaces it once it was closed.
	idle chan struct{}

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newAudioConn(conn net.Conn) *audioConn {
	idle := make(chan struct{})
	close(idle)
	return &audioConn{
		conn:   conn,
		idle:   idle,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (a *audioConn) enqueue(frame []byte) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	select {
	case <-a.idle:
		a.idle = make(chan struct{})
	default:
	}
	a.queue = append(a.queue, frame)
	a.mu.Unlock()
	select {
	case a.notify <- struct{}{}:
	default:
	}
	return true
}

// drained returns a channel that is closed once everything queued so far has
// been written or the connection closed.
func (a *audioConn) drained() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idle
}

// settle closes idle. a.mu must be held.
func (a *audioConn) settle() {
	select {
	case <-a.idle:
	default:
		close(a.idle)
	}
}

func (a *audioConn) run(onErr func(error)) {
	for {
		select {
		case <-a.done:
			return
		case <-a.notify:
		}
		for {
			a.mu.Lock()
			if a.closed || len(a.queue) == 0 {
				a.settle()
				a.mu.Unlock()
				break
			}
			frame := a.queue[0]
			a.queue[0] = nil
			a.queue = a.queue[1:]
			a.writing = true
			a.mu.Unlock()

			_, err := a.conn.Write(frame)
			a.mu.Lock()
			a.writing = false
			a.mu.Unlock()
			if err != nil {
				select {
				case <-a.done:
				default:
					onErr(err)
				}
				return
			}
		}
	}
}

func (a *audioConn) close() error {
	var err error
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.queue = nil
		a.settle()
		a.mu.Unlock()
		close(a.done)
		err = a.conn.Close()
	})
	return err
}
