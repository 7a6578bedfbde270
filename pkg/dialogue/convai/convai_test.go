package convai

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/MrWong99/facerelay/internal/rpc"
	"github.com/MrWong99/facerelay/pkg/audio"
	"github.com/MrWong99/facerelay/pkg/dialogue"
)

// startServer serves GetResponse on an in-memory listener and returns a
// Transport connected to it.
func startServer(t *testing.T, handler func(grpc.ServerStream) error) *Transport {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ForceServerCodec(rpc.Codec{}))
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "service.ConvaiService",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "GetResponse",
			Handler:       func(_ any, ss grpc.ServerStream) error { return handler(ss) },
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	tr, err := New("passthrough:///bufnet",
		WithPlaintext(),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func recvRequest(ss grpc.ServerStream) (dialogue.Request, error) {
	var m rpc.Message
	if err := ss.RecvMsg(&m); err != nil {
		return dialogue.Request{}, err
	}
	return decodeRequest(m.Data)
}

func sendResponse(ss grpc.ServerStream, resp dialogue.Response) error {
	return ss.SendMsg(&rpc.Message{Data: encodeResponse(resp)})
}

func TestTransport_FullTurn(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received []dialogue.Request
	)
	tr := startServer(t, func(ss grpc.ServerStream) error {
		for {
			req, err := recvRequest(ss)
			if err != nil {
				return err
			}
			mu.Lock()
			received = append(received, req)
			mu.Unlock()
			if req.IsFinal() {
				break
			}
		}
		for _, resp := range []dialogue.Response{
			{SessionID: "abc", Audio: &dialogue.AudioReply{Audio: []byte{1, 0, 2, 0}, SampleRate: 22050, Text: "Hello"}},
			{SessionID: "abc", Action: "wave"},
			{SessionID: "abc", Audio: &dialogue.AudioReply{EndOfResponse: true}},
		} {
			if err := sendResponse(ss, resp); err != nil {
				return err
			}
		}
		return nil
	})

	buf := audio.NewFrameBuffer(8)
	var (
		cbMu     sync.Mutex
		sessions []string
		texts    []string
		actions  []string
	)
	finished := make(chan struct{})
	cb := dialogue.Callbacks{
		OnSession: func(id string) { cbMu.Lock(); sessions = append(sessions, id); cbMu.Unlock() },
		OnData: func(text string, _ []byte, _ int, _ bool) {
			cbMu.Lock()
			texts = append(texts, text)
			cbMu.Unlock()
		},
		OnAction:  func(name string) { cbMu.Lock(); actions = append(actions, name); cbMu.Unlock() },
		OnFinish:  func() { close(finished) },
		OnFailure: func(err error) { t.Errorf("unexpected failure: %v", err) },
	}

	p, err := dialogue.Open(t.Context(), tr, dialogue.SessionConfig{APIKey: "k", CharacterID: "c", SampleRate: 16000}, buf, cb)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	_ = buf.Push([]byte{1, 2})
	_ = buf.Push([]byte{3, 4})
	buf.MarkFinal()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 4 {
		t.Fatalf("server received %d requests, want 4", len(received))
	}
	if received[0].Config == nil || received[0].Config.SampleRate != 16000 {
		t.Errorf("first request: %+v", received[0])
	}
	if received[1].Audio[0] != 1 || received[2].Audio[0] != 3 {
		t.Error("audio chunks out of order")
	}

	cbMu.Lock()
	defer cbMu.Unlock()
	if len(sessions) != 1 || sessions[0] != "abc" {
		t.Errorf("sessions: got %v", sessions)
	}
	if len(texts) != 2 || texts[0] != "Hello" {
		t.Errorf("texts: got %v", texts)
	}
	if len(actions) != 1 || actions[0] != "wave" {
		t.Errorf("actions: got %v", actions)
	}
}

func TestTransport_ServerError(t *testing.T) {
	t.Parallel()
	tr := startServer(t, func(ss grpc.ServerStream) error {
		if _, err := recvRequest(ss); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return status.Error(codes.PermissionDenied, "invalid api key")
	})

	failed := make(chan error, 1)
	p, err := dialogue.Open(t.Context(), tr,
		dialogue.SessionConfig{APIKey: "bad", CharacterID: "c"},
		audio.NewFrameBuffer(4),
		dialogue.Callbacks{
			OnFailure: func(err error) { failed <- err },
			OnFinish:  func() { t.Error("OnFinish after server error") },
		})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	select {
	case err := <-failed:
		if !errors.Is(err, dialogue.ErrTransport) {
			t.Errorf("got %v, want ErrTransport", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no failure reported")
	}
}
