package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/facerelay/internal/bridge"
)

// Command is a JSON text frame sent by a WebSocket client.
type Command struct {
	// Type is one of "start", "stop" or "stop_animation".
	Type string `json:"type"`
}

// reply is sent to the client that issued a failing command.
type reply struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		slog.Warn("control: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.ctrl.Subscribe(s.eventBuffer)
	defer unsubscribe()

	go s.pushEvents(ctx, cancel, conn, events)

	slog.Info("control: websocket client connected", "remote", r.RemoteAddr)
	err = s.readClient(ctx, conn)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		slog.Info("control: websocket client disconnected", "remote", r.RemoteAddr)
	case ctx.Err() != nil:
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
	default:
		slog.Warn("control: websocket closed", "remote", r.RemoteAddr, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "read failed")
	}
}

// pushEvents forwards hub events to the client until ctx is done or the
// hub closes the subscription.
func (s *Server) pushEvents(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, events <-chan bridge.Event) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "session manager closed")
				return
			}
			if err := s.write(ctx, conn, ev); err != nil {
				slog.Debug("control: event write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// readClient handles client frames until the connection ends.
func (s *Server) readClient(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			if err := s.ctrl.PushAudio(ctx, data); err != nil && !errors.Is(err, bridge.ErrNoSession) {
				slog.Warn("control: microphone audio rejected", "bytes", len(data), "err", err)
			}
		case websocket.MessageText:
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				if werr := s.write(ctx, conn, reply{Type: "error", Message: "malformed command"}); werr != nil {
					return werr
				}
				continue
			}
			if err := s.run(ctx, cmd); err != nil {
				msg := bridge.TryAgain
				if errors.Is(err, bridge.ErrNoSession) || errors.Is(err, errUnknownCommand) {
					msg = err.Error()
				}
				if werr := s.write(ctx, conn, reply{Type: "error", Command: cmd.Type, Message: msg}); werr != nil {
					return werr
				}
			}
		}
	}
}

var errUnknownCommand = errors.New("control: unknown command")

func (s *Server) run(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case "start":
		_, err := s.ctrl.Start(ctx)
		return err
	case "stop":
		return s.ctrl.Stop(ctx)
	case "stop_animation":
		return s.ctrl.StopAnimation(ctx)
	}
	return errUnknownCommand
}
