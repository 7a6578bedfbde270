package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/facerelay/internal/observe"
	"github.com/MrWong99/facerelay/pkg/audio"
)

// FrameSink consumes decoded relay frames in receipt order.
type FrameSink interface {
	Append(ctx context.Context, seg audio.Segment) error
}

// Stopper halts whatever the sink is driving and discards unsent audio.
type Stopper interface {
	Stop()
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithMaxFrameBytes bounds the body of a single frame.
func WithMaxFrameBytes(n int) ServerOption {
	return func(s *Server) { s.maxFrame = n }
}

// WithServerMetrics records counters on m instead of the default instance.
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// Server is the animation-side end of the relay. It accepts audio
// connections, decodes their frames into a [FrameSink], and answers stop
// commands on control connections after calling the [Stopper].
type Server struct {
	audioAddr   string
	controlAddr string
	sink        FrameSink
	stopper     Stopper
	maxFrame    int
	metrics     *observe.Metrics

	mu        sync.Mutex
	audioLn   net.Listener
	controlLn net.Listener
	conns     map[net.Conn]struct{}
}

// NewServer creates a Server. Call Listen to bind, then Serve.
func NewServer(audioAddr, controlAddr string, sink FrameSink, stopper Stopper, opts ...ServerOption) *Server {
	s := &Server{
		audioAddr:   audioAddr,
		controlAddr: controlAddr,
		sink:        sink,
		stopper:     stopper,
		maxFrame:    DefaultMaxFrameBytes,
		conns:       make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Listen binds both listeners.
func (s *Server) Listen() error {
	audioLn, err := net.Listen("tcp", s.audioAddr)
	if err != nil {
		return fmt.Errorf("relay: listen audio %s: %w", s.audioAddr, err)
	}
	controlLn, err := net.Listen("tcp", s.controlAddr)
	if err != nil {
		_ = audioLn.Close()
		return fmt.Errorf("relay: listen control %s: %w", s.controlAddr, err)
	}
	s.mu.Lock()
	s.audioLn, s.controlLn = audioLn, controlLn
	s.mu.Unlock()
	slog.Info("relay: listening", "audio", audioLn.Addr().String(), "control", controlLn.Addr().String())
	return nil
}

// AudioAddr returns the bound audio address, or nil before Listen.
func (s *Server) AudioAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioLn == nil {
		return nil
	}
	return s.audioLn.Addr()
}

// ControlAddr returns the bound control address, or nil before Listen.
func (s *Server) ControlAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controlLn == nil {
		return nil
	}
	return s.controlLn.Addr()
}

// Serve accepts connections until ctx is done, then closes the listeners and
// every open connection and waits for the handlers to return. Listen must
// have been called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	audioLn, controlLn := s.audioLn, s.controlLn
	s.mu.Unlock()
	if audioLn == nil || controlLn == nil {
		return errors.New("relay: Serve called before Listen")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx, g, audioLn, "audio", s.handleAudio) })
	g.Go(func() error { return s.acceptLoop(gctx, g, controlLn, "control", s.handleControl) })
	g.Go(func() error {
		<-gctx.Done()
		_ = audioLn.Close()
		_ = controlLn.Close()
		s.closeConns()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ListenAndServe binds and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) acceptLoop(ctx context.Context, g *errgroup.Group, ln net.Listener, kind string, handle func(context.Context, net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relay: accept %s: %w", kind, err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		slog.Info("relay: connection established", "kind", kind, "remote", conn.RemoteAddr().String())
		attrs := metric.WithAttributes(observe.Attr("kind", kind))
		s.metrics.RelayConnections.Add(ctx, 1, attrs)
		g.Go(func() error {
			defer func() {
				s.untrack(conn)
				_ = conn.Close()
				s.metrics.RelayConnections.Add(context.Background(), -1, attrs)
			}()
			handle(ctx, conn)
			return nil
		})
	}
}

func (s *Server) handleAudio(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	for {
		f, err := ReadFrame(conn, s.maxFrame)
		if errors.Is(err, io.EOF) {
			slog.Info("relay: audio client disconnected", "remote", remote)
			return
		}
		if errors.Is(err, ErrFraming) {
			s.metrics.FramingErrors.Add(ctx, 1)
			slog.Warn("relay: framing error, closing connection", "remote", remote, "err", err)
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("relay: audio read failed", "remote", remote, "err", err)
			}
			return
		}
		s.metrics.RecordFrameReceived(ctx, len(f.Payload))
		slog.Debug("relay: frame received", "bytes", len(f.Payload), "rate", f.SampleRate)

		seg := audio.Segment{Data: f.Payload, SampleRate: int(f.SampleRate), Channels: 1}
		if err := s.sink.Append(ctx, seg); err != nil {
			slog.Warn("relay: frame rejected", "remote", remote, "err", err)
		}
	}
}

func (s *Server) handleControl(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	for {
		cmd, err := ReadCommand(conn)
		if errors.Is(err, ErrUnknownCommand) {
			slog.Warn("relay: ignoring unknown control command", "remote", remote, "cmd", cmd)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Warn("relay: control read failed", "remote", remote, "err", err)
			}
			return
		}

		slog.Info("relay: stop command received", "remote", remote)
		s.stopper.Stop()
		s.metrics.RecordStop(ctx, "handled")
		if err := WriteAck(conn); err != nil {
			slog.Warn("relay: ack failed", "remote", remote, "err", err)
			return
		}
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// closeConns closes every tracked connection and refuses new ones.
func (s *Server) closeConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}
