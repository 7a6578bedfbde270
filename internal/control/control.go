// Package control is the HTTP surface of the bridge process. It lets a
// local UI start and stop dialogue turns, stream microphone audio over a
// WebSocket and watch session events as JSON.
//
// Routes:
//
//	POST /v1/session/start    start a dialogue call
//	POST /v1/session/stop     end the user's turn (409 without a session)
//	POST /v1/animation/stop   interrupt reply audio on both sides
//	GET  /v1/session          current session snapshot
//	GET  /v1/ws               WebSocket: binary frames are microphone PCM,
//	                          text frames are JSON commands, events are
//	                          pushed as JSON text frames
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/facerelay/internal/bridge"
	"github.com/MrWong99/facerelay/pkg/dialogue"
)

// Controller is the session API the surface drives. [bridge.Manager]
// implements it.
type Controller interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) error
	StopAnimation(ctx context.Context) error
	PushAudio(ctx context.Context, pcm []byte) error
	Info() bridge.Info
	Subscribe(buffer int) (<-chan bridge.Event, func())
}

var _ Controller = (*bridge.Manager)(nil)

const (
	defaultEventBuffer  = 64
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
)

// Option configures a [Server].
type Option func(*Server)

// WithEventBuffer sets how many events a slow WebSocket client may lag
// behind before events are dropped for it.
func WithEventBuffer(n int) Option {
	return func(s *Server) { s.eventBuffer = n }
}

// WithOriginPatterns allows cross-origin WebSocket clients whose origin
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = append(s.originPatterns, patterns...) }
}

// Server serves the control routes.
type Server struct {
	ctrl           Controller
	eventBuffer    int
	writeTimeout   time.Duration
	readLimit      int64
	originPatterns []string
}

// New creates a Server driving ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:         ctrl,
		eventBuffer:  defaultEventBuffer,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the control routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/session/start", s.handleStart)
	mux.HandleFunc("POST /v1/session/stop", s.handleStop)
	mux.HandleFunc("POST /v1/animation/stop", s.handleStopAnimation)
	mux.HandleFunc("GET /v1/session", s.handleInfo)
	mux.HandleFunc("GET /v1/ws", s.handleWS)
}

type startResponse struct {
	Handle  string      `json:"handle"`
	Session bridge.Info `json:"session"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	handle, err := s.ctrl.Start(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Handle: handle, Session: s.ctrl.Info()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Info())
}

func (s *Server) handleStopAnimation(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StopAnimation(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Info())
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Info())
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, dialogue.ErrAuth), errors.Is(err, dialogue.ErrChannel):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	slog.Debug("control: request failed", "status", status, "err", err)
	msg := bridge.TryAgain
	if status == http.StatusConflict {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("control: write response", "err", err)
	}
}
