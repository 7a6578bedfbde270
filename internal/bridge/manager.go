// Package bridge runs dialogue sessions on the dialogue side of the relay.
//
// A [Manager] owns at most one live session. It feeds captured microphone
// audio into a [dialogue.Proxy], forwards reply audio over a [relay.Link]
// to the animation side (or to a local player when the relay is down), and
// publishes what happens as [Event] values for the control surface.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/facerelay/internal/observe"
	"github.com/MrWong99/facerelay/internal/relay"
	"github.com/MrWong99/facerelay/internal/resilience"
	"github.com/MrWong99/facerelay/pkg/audio"
	"github.com/MrWong99/facerelay/pkg/dialogue"
)

// ErrNoSession is returned by operations that need a live session.
var ErrNoSession = errors.New("bridge: no active session")

// State is the user-facing phase of the current session.
type State string

const (
	// StateIdle means no turn is in progress.
	StateIdle State = "idle"

	// StateListening means microphone audio is being streamed.
	StateListening State = "listening"

	// StateProcessing means the user's turn ended and replies are arriving.
	StateProcessing State = "processing"
)

// Config is the per-session configuration.
type Config struct {
	// Dialogue is sent in the first message of every call. SessionID seeds
	// the conversation; later ids reported by the service replace it.
	Dialogue dialogue.SessionConfig

	// Capture is the format of audio passed to PushAudio. It is converted
	// to mono at Dialogue.SampleRate before sending.
	Capture audio.Format

	// BufferFrames bounds the microphone frame buffer.
	BufferFrames int

	// StopTimeout bounds the whole stop exchange with the relay.
	StopTimeout time.Duration
}

// Resolver returns the relay addresses to dial, e.g. from discovery.
type Resolver func(ctx context.Context) (audioAddr, controlAddr string, err error)

// Option configures a [Manager].
type Option func(*Manager)

// WithLink forwards reply audio over l.
func WithLink(l *relay.Link) Option {
	return func(m *Manager) { m.link = l }
}

// WithPlayer plays reply audio locally when the relay is unavailable.
func WithPlayer(p audio.Player) Option {
	return func(m *Manager) { m.player = p }
}

// WithResolver looks the relay up before each dial.
func WithResolver(r Resolver) Option {
	return func(m *Manager) { m.resolve = r }
}

// WithMetrics records counters on mt instead of the default instance.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithHub publishes events on h instead of a private hub.
func WithHub(h *Hub) Option {
	return func(m *Manager) { m.hub = h }
}

// WithBreaker tunes the circuit breakers guarding relay dials and outputs.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(m *Manager) { m.breakerCfg = cfg }
}

// WithProxyOptions passes opts to every [dialogue.Open].
func WithProxyOptions(opts ...dialogue.Option) Option {
	return func(m *Manager) { m.proxyOpts = append(m.proxyOpts, opts...) }
}

// Info is a snapshot of the manager for the control surface.
type Info struct {
	Handle           string    `json:"handle,omitempty"`
	State            State     `json:"state"`
	Active           bool      `json:"active"`
	CharacterID      string    `json:"character_id"`
	SessionID        string    `json:"session_id,omitempty"`
	StartedAt        time.Time `json:"started_at,omitzero"`
	BytesSent        int64     `json:"bytes_sent"`
	Output           string    `json:"output,omitempty"`
	AudioConnected   bool      `json:"relay_audio"`
	ControlConnected bool      `json:"relay_control"`
}

// Manager owns the dialogue session and the relay link. All methods are
// safe for concurrent use.
type Manager struct {
	transport  dialogue.Transport
	link       *relay.Link
	player     audio.Player
	resolve    Resolver
	metrics    *observe.Metrics
	hub        *Hub
	breakerCfg resilience.CircuitBreakerConfig
	proxyOpts  []dialogue.Option

	dialBreaker *resilience.CircuitBreaker
	out         *resilience.FallbackGroup[output]

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes Start, StopAnimation and Close.
	opMu sync.Mutex

	mu        sync.Mutex
	cfg       Config
	lastChar  string
	sessionID string
	sess      *session
	last      *session
	closed    bool

	// retiring tracks sessions replaced by Start that are still winding down.
	retiring sync.WaitGroup
}

// retireGrace bounds how long a closed call may take to wind down before its
// session is finalized anyway.
const retireGrace = time.Second

// session is one dialogue call and its capture pipeline.
type session struct {
	handle  string
	ctx     context.Context
	span    trace.Span
	proxy   *dialogue.Proxy
	buf     *audio.FrameBuffer
	conv    *audio.FormatConverter
	state   State
	started time.Time
	turnEnd time.Time
	replied bool
	ended   bool
	err     error
}

// New creates a Manager. transport may be nil, in which case every Start
// fails with [dialogue.ErrChannel].
func New(transport dialogue.Transport, cfg Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport: transport,
		cfg:       cfg,
		sessionID: cfg.Dialogue.SessionID,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.hub == nil {
		m.hub = NewHub()
	}
	if m.cfg.StopTimeout <= 0 {
		m.cfg.StopTimeout = 5 * time.Second
	}

	dialCfg := m.breakerCfg
	dialCfg.Name = "relay-dial"
	m.dialBreaker = resilience.NewCircuitBreaker(dialCfg)

	fb := resilience.FallbackConfig{CircuitBreaker: m.breakerCfg}
	switch {
	case m.link != nil:
		m.out = resilience.NewFallbackGroup[output](relayOutput{link: m.link}, "relay", fb)
		if m.player != nil {
			m.out.AddFallback("local", localOutput{player: m.player, metrics: m.metrics})
		}
	case m.player != nil:
		m.out = resilience.NewFallbackGroup[output](localOutput{player: m.player, metrics: m.metrics}, "local", fb)
	}
	return m
}

// Hub returns the event hub.
func (m *Manager) Hub() *Hub { return m.hub }

// RelayBreaker returns the breaker that guards relay dials.
func (m *Manager) RelayBreaker() *resilience.CircuitBreaker { return m.dialBreaker }

// SetConfig replaces the configuration used by the next Start.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = m.cfg.StopTimeout
	}
	m.cfg = cfg
}

// Start opens a new dialogue call and returns its handle. A live session is
// closed first. The conversation id is forgotten when the character changed
// since the previous Start. Relay connections are dialled if they are down;
// a relay that cannot be reached switches reply audio to local playback.
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.New("bridge: manager closed")
	}
	cfg := m.cfg
	char := cfg.Dialogue.CharacterID
	if m.lastChar != "" && m.lastChar != char {
		slog.Info("bridge: character changed, starting a new conversation", "from", m.lastChar, "to", char)
		m.sessionID = ""
	}
	m.lastChar = char
	old := m.sess
	m.sess = nil
	sessCfg := cfg.Dialogue
	sessCfg.SessionID = m.sessionID
	m.mu.Unlock()

	if old != nil {
		_ = old.proxy.Close()
		m.metrics.ActiveSessions.Add(ctx, -1)
		m.retiring.Add(1)
		go func() {
			defer m.retiring.Done()
			m.retire(old)
		}()
	}

	m.connectRelay(ctx)

	s := &session{
		handle:  uuid.NewString(),
		buf:     audio.NewFrameBuffer(cfg.BufferFrames),
		conv:    &audio.FormatConverter{Target: audio.Format{SampleRate: sessCfg.SampleRate, Channels: 1}},
		state:   StateListening,
		started: time.Now().UTC(),
	}
	s.ctx, s.span = observe.StartSpan(observe.WithSession(m.ctx, s.handle), "bridge.session",
		trace.WithAttributes(attribute.String("character", char)))
	log := observe.Logger(s.ctx).With("character", char)

	p, err := dialogue.Open(s.ctx, m.transport, sessCfg, s.buf, m.callbacks(s), m.proxyOpts...)
	if err != nil {
		observe.EndSpan(s.span, err)
		status := "failed"
		if errors.Is(err, dialogue.ErrAuth) || errors.Is(err, dialogue.ErrChannel) {
			status = "rejected"
		}
		m.metrics.RecordDialogueStream(ctx, status)
		log.Warn("bridge: session start failed", "err", err)
		m.hub.Publish(Event{Type: EventError, Session: s.handle, Message: TryAgain})
		m.publishState(s.handle, StateIdle)
		return "", fmt.Errorf("bridge: start: %w", err)
	}
	m.mu.Lock()
	s.proxy = p
	m.last = s
	installed := !s.ended
	if installed {
		m.sess = s
	}
	m.mu.Unlock()
	if !installed {
		// The call ended before Open returned; ended already reported it.
		return s.handle, nil
	}
	m.metrics.ActiveSessions.Add(ctx, 1)

	log.Info("bridge: session started", "conversation", sessCfg.SessionID)
	m.publishState(s.handle, StateListening)
	return s.handle, nil
}

// connectRelay dials whichever relay connection is down. Failures are
// logged; reply audio then falls back to local playback.
func (m *Manager) connectRelay(ctx context.Context) {
	if m.link == nil || (m.link.AudioConnected() && m.link.ControlConnected()) {
		return
	}
	err := m.dialBreaker.Execute(func() error {
		if m.resolve != nil {
			audioAddr, controlAddr, err := m.resolve(ctx)
			if err != nil {
				return fmt.Errorf("resolve relay: %w", err)
			}
			m.link.SetAddrs(audioAddr, controlAddr)
		}
		var errs []error
		if err := m.link.DialAudio(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := m.link.DialControl(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		slog.Debug("bridge: relay dial skipped, circuit open")
	case err != nil:
		slog.Warn("bridge: relay unavailable, reply audio falls back to local playback", "err", err)
	}
}

func (m *Manager) callbacks(s *session) dialogue.Callbacks {
	return dialogue.Callbacks{
		OnSession: func(id string) {
			m.mu.Lock()
			m.sessionID = id
			m.mu.Unlock()
			observe.Logger(s.ctx).Info("bridge: conversation id assigned", "conversation", id)
			m.hub.Publish(Event{Type: EventSession, Session: s.handle, SessionID: id})
		},
		OnData: func(text string, data []byte, rate int, isFinal bool) {
			m.onReply(s, text, data, rate, isFinal)
		},
		OnAction: func(name string) {
			observe.Logger(s.ctx).Info("bridge: action", "action", name)
			m.hub.Publish(Event{Type: EventAction, Session: s.handle, Action: name})
		},
		OnUserText: func(text string, final bool) {
			m.hub.Publish(Event{Type: EventUserText, Session: s.handle, Text: text, Final: final})
		},
		OnFinish: func() {
			m.ended(s, nil)
		},
		OnFailure: func(err error) {
			m.ended(s, err)
		},
	}
}

func (m *Manager) onReply(s *session, text string, data []byte, rate int, isFinal bool) {
	m.mu.Lock()
	first := !s.replied && len(data) > 0
	if first {
		s.replied = true
	}
	turnEnd := s.turnEnd
	m.mu.Unlock()

	if first && !turnEnd.IsZero() {
		m.metrics.ReplyLatency.Record(m.ctx, time.Since(turnEnd).Seconds())
	}
	if text != "" {
		m.hub.Publish(Event{Type: EventText, Session: s.handle, Text: text, Final: isFinal})
	}
	if len(data) == 0 {
		return
	}

	seg, err := replyAudio(data, rate)
	if err != nil {
		observe.Logger(s.ctx).Warn("bridge: dropping undecodable reply audio", "bytes", len(data), "err", err)
		return
	}
	if len(seg.Data) == 0 {
		return
	}
	if m.out == nil {
		slog.Debug("bridge: dropping reply audio", "err", errNoOutput)
		return
	}
	if err := m.out.Execute(func(o output) error { return o.Play(m.ctx, seg) }); err != nil {
		observe.Logger(s.ctx).Warn("bridge: reply audio lost", "bytes", len(seg.Data), "err", err)
	}
}

// ended runs once per session when its call finishes or fails.
func (m *Manager) ended(s *session, err error) {
	m.mu.Lock()
	if s.ended {
		m.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	live := m.sess == s
	if live {
		m.sess = nil
	}
	m.mu.Unlock()

	s.buf.MarkFinal()
	m.metrics.DialogueDuration.Record(m.ctx, time.Since(s.started).Seconds())
	if live {
		m.metrics.ActiveSessions.Add(m.ctx, -1)
	}

	log := observe.Logger(s.ctx)
	if err != nil {
		m.metrics.RecordDialogueStream(m.ctx, "failed")
		log.Warn("bridge: session failed", "err", err)
		m.hub.Publish(Event{Type: EventError, Session: s.handle, Message: TryAgain})
	} else {
		m.metrics.RecordDialogueStream(m.ctx, "finished")
		log.Info("bridge: session finished")
	}
	observe.EndSpan(s.span, err)
	m.publishState(s.handle, StateIdle)
}

// retire finalizes a session whose call the manager closed. A closed proxy
// runs no callbacks, so ended never sees it.
func (m *Manager) retire(s *session) {
	t := time.NewTimer(retireGrace)
	select {
	case <-s.proxy.Done():
	case <-t.C:
	}
	t.Stop()

	m.mu.Lock()
	if s.ended {
		m.mu.Unlock()
		return
	}
	s.ended = true
	m.mu.Unlock()

	m.metrics.DialogueDuration.Record(m.ctx, time.Since(s.started).Seconds())
	m.metrics.RecordDialogueStream(m.ctx, "closed")
	observe.Logger(s.ctx).Info("bridge: session closed")
	observe.EndSpan(s.span, nil)
	m.publishState(s.handle, StateIdle)
}

// PushAudio converts captured microphone audio to the dialogue format and
// queues it for the live session. Once the call failed the returned error
// wraps both [ErrNoSession] and the failure.
func (m *Manager) PushAudio(ctx context.Context, pcm []byte) error {
	m.mu.Lock()
	s := m.sess
	var lastErr error
	if m.last != nil {
		lastErr = m.last.err
	}
	capture := m.cfg.Capture
	m.mu.Unlock()
	if s == nil {
		if lastErr != nil {
			return fmt.Errorf("%w: %w", ErrNoSession, lastErr)
		}
		return ErrNoSession
	}

	seg := s.conv.Convert(audio.Segment{Data: pcm, SampleRate: capture.SampleRate, Channels: capture.Channels})
	if len(seg.Data) == 0 {
		return nil
	}
	before := s.buf.Dropped()
	if err := s.buf.Push(seg.Data); err != nil {
		return fmt.Errorf("bridge: push audio: %w", err)
	}
	if dropped := s.buf.Dropped() - before; dropped > 0 {
		m.metrics.DroppedChunks.Add(ctx, int64(dropped))
	}
	return nil
}

// Stop ends the user's turn: the frame buffer is marked final so the writer
// sends the end-of-input marker, and the session waits for replies.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s != nil && s.state == StateListening {
		s.state = StateProcessing
		s.turnEnd = time.Now()
	}
	m.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	s.buf.MarkFinal()
	m.publishState(s.handle, StateProcessing)
	return nil
}

// StopAnimation interrupts reply audio: local playback stops, the relay is
// told to stop and discard what it has buffered, and both relay
// connections are closed once the acknowledgment arrived. They are dialled
// again by the next Start.
func (m *Manager) StopAnimation(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopAnimation(ctx)
}

func (m *Manager) stopAnimation(ctx context.Context) error {
	if m.player != nil {
		m.player.Stop()
	}
	if m.link == nil {
		return nil
	}
	if !m.link.ControlConnected() {
		if err := m.link.DialControl(ctx); err != nil {
			_ = m.link.CloseAudio()
			return fmt.Errorf("bridge: stop animation: %w", err)
		}
	}

	m.mu.Lock()
	timeout := m.cfg.StopTimeout
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.link.Stop(ctx)
	if err == nil {
		slog.Info("bridge: animation stopped")
	}
	closeErr := m.link.Close()
	if err != nil {
		return fmt.Errorf("bridge: stop animation: %w", err)
	}
	return closeErr
}

// Release waits until reply audio already handed to the relay has been
// written, then disconnects from the relay without stopping the animation.
// A later Close still ends the call but leaves the relay playing.
func (m *Manager) Release(ctx context.Context) error {
	if m.link == nil {
		return nil
	}
	err := m.link.Flush(ctx)
	return errors.Join(err, m.link.Close())
}

// Close cancels everything: the live call is invalidated after its final
// marker, the relay is told to stop, and both relay connections are
// closed. The Manager is unusable afterwards.
func (m *Manager) Close() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	s := m.sess
	m.sess = nil
	m.mu.Unlock()

	if s != nil {
		_ = s.proxy.Close()
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	var err error
	if m.link != nil && m.link.ControlConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout)
		err = m.stopAnimation(ctx)
		cancel()
	} else if m.link != nil {
		err = m.link.Close()
	}
	if s != nil {
		// The writer gets its chance to flush the final marker.
		m.retire(s)
	}
	m.retiring.Wait()
	m.cancel()
	m.hub.Close()
	return err
}

// Wait blocks until the call of the most recently started session has ended
// and returns its error. It returns nil at once when no session was started.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		s = m.last
	}
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.proxy.Done():
		return s.proxy.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns a snapshot of the manager.
func (m *Manager) Info() Info {
	m.mu.Lock()
	info := Info{
		State:       StateIdle,
		CharacterID: m.cfg.Dialogue.CharacterID,
		SessionID:   m.sessionID,
	}
	if s := m.sess; s != nil {
		info.Handle = s.handle
		info.State = s.state
		info.Active = true
		info.StartedAt = s.started
		info.BytesSent = s.proxy.BytesSent()
	}
	m.mu.Unlock()

	if m.out != nil {
		info.Output = m.out.Active()
	}
	if m.link != nil {
		info.AudioConnected = m.link.AudioConnected()
		info.ControlConnected = m.link.ControlConnected()
	}
	return info
}

func (m *Manager) publishState(handle string, st State) {
	m.hub.Publish(Event{Type: EventState, Session: handle, State: st})
}

// Subscribe registers an event subscriber on the manager's hub.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.hub.Subscribe(buffer)
}
