package a2f

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/MrWong99/facerelay/internal/rpc"
	"github.com/MrWong99/facerelay/pkg/animation"
)

type fakeEngine struct {
	mu       sync.Mutex
	requests []request
	result   animation.Result
}

func (e *fakeEngine) handle(_ any, ss grpc.ServerStream) error {
	for {
		var m rpc.Message
		err := ss.RecvMsg(&m)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		req, err := decodeRequest(m.Data)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.requests = append(e.requests, req)
		e.mu.Unlock()
	}
	return ss.SendMsg(&rpc.Message{Data: encodeResult(e.result)})
}

func startEngine(t *testing.T, e *fakeEngine) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ForceServerCodec(rpc.Codec{}))
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "nvidia.audio2face.Audio2Face",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "PushAudioStream",
			Handler:       e.handle,
			ClientStreams: true,
		}},
	}, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := New("passthrough:///bufnet", WithDialOptions(grpc.WithContextDialer(
		func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) },
	)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPushAudioStream(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{result: animation.Result{Success: true, Message: "ok"}}
	c := startEngine(t, engine)

	start := animation.StartMarker{InstanceName: DefaultInstance, SampleRate: 22050}
	ps, err := c.PushAudioStream(t.Context(), start)
	if err != nil {
		t.Fatalf("PushAudioStream: %v", err)
	}
	chunks := [][]byte{{0, 0, 0x80, 0x3f}, {0, 0, 0, 0xbf}}
	for _, ch := range chunks {
		if err := ps.Send(ch); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	res, err := ps.CloseAndRecv()
	if err != nil {
		t.Fatalf("CloseAndRecv: %v", err)
	}
	if !res.Success || res.Message != "ok" {
		t.Errorf("result: got %+v", res)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.requests) != 3 {
		t.Fatalf("engine received %d messages, want 3", len(engine.requests))
	}
	if engine.requests[0].start == nil || !reflect.DeepEqual(*engine.requests[0].start, start) {
		t.Errorf("first message is not the start marker: %+v", engine.requests[0])
	}
	for i, ch := range chunks {
		if got := engine.requests[i+1].audio; !reflect.DeepEqual(got, ch) {
			t.Errorf("chunk %d: got %v, want %v", i, got, ch)
		}
	}
}

func TestPushAudioStream_Rejected(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{result: animation.Result{Message: "instance not found"}}
	c := startEngine(t, engine)

	ps, err := c.PushAudioStream(t.Context(), animation.StartMarker{InstanceName: "/World/missing", SampleRate: 16000})
	if err != nil {
		t.Fatalf("PushAudioStream: %v", err)
	}
	res, err := ps.CloseAndRecv()
	if err != nil {
		t.Fatalf("CloseAndRecv: %v", err)
	}
	if res.Success || res.Message != "instance not found" {
		t.Errorf("result: got %+v", res)
	}
}

func TestStartMarkerRoundTrip(t *testing.T) {
	t.Parallel()
	want := animation.StartMarker{InstanceName: "/World/A", SampleRate: 44100, BlockUntilPlaybackFinished: true}
	req, err := decodeRequest(encodeStart(want))
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}
	if req.start == nil || *req.start != want {
		t.Errorf("got %+v, want %+v", req.start, want)
	}
}

func TestResultRoundTrip(t *testing.T) {
	t.Parallel()
	for _, want := range []animation.Result{{}, {Success: true}, {Message: "boom"}, {Success: true, Message: "done"}} {
		got, err := decodeResult(encodeResult(want))
		if err != nil {
			t.Fatalf("decodeResult(%+v): %v", want, err)
		}
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	}
}
