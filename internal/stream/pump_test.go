package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/facerelay/internal/relay"
	"github.com/MrWong99/facerelay/pkg/animation"
	"github.com/MrWong99/facerelay/pkg/animation/mock"
	"github.com/MrWong99/facerelay/pkg/audio"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkDuration = 60 * time.Millisecond
	cfg.PaceMargin = 20 * time.Millisecond
	cfg.IdleInterval = 5 * time.Millisecond
	return cfg
}

func appendTone(t *testing.T, a *Accumulator, d time.Duration) {
	t.Helper()
	seg := audio.Segment{Data: tone(16000, d, 16384), SampleRate: 16000, Channels: 1}
	if err := a.Append(t.Context(), seg); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestPump_StartsOnce(t *testing.T) {
	t.Parallel()
	client := &mock.Client{}
	a := newAccumulator(t, client, fastConfig())

	for range 5 {
		appendTone(t, a, 20*time.Millisecond)
	}
	if !client.WaitFor(time.Second, func(c *mock.Client) bool { return len(c.Calls()) >= 1 }) {
		t.Fatal("no push stream opened")
	}
	time.Sleep(50 * time.Millisecond)
	calls := client.Calls()
	if len(calls) != 1 {
		t.Fatalf("opened %d push streams, want 1", len(calls))
	}
	start := calls[0].Start
	if start.SampleRate != 16000 || start.InstanceName != DefaultConfig().InstanceName {
		t.Errorf("start marker = %+v", start)
	}
}

func TestPump_ChunksArePacedFloats(t *testing.T) {
	t.Parallel()
	client := &mock.Client{}
	cfg := fastConfig()
	a := newAccumulator(t, client, cfg)

	// 300ms is exactly five 60ms chunks.
	appendTone(t, a, 300*time.Millisecond)
	if !client.WaitFor(2*time.Second, func(c *mock.Client) bool { return c.ChunkCount() == 5 }) {
		t.Fatalf("got %d chunks, want 5", client.ChunkCount())
	}

	chunks := client.Calls()[0].Chunks
	wantBytes := audio.BytesFor(16000, cfg.ChunkDuration) * 2 // float32 per int16
	for i, c := range chunks {
		if len(c.Data) != wantBytes {
			t.Errorf("chunk %d: %d bytes, want %d", i, len(c.Data), wantBytes)
		}
		if i > 0 {
			if gap := c.At.Sub(chunks[i-1].At); gap < cfg.pace()-time.Millisecond {
				t.Errorf("chunk %d sent %v after the previous one, want at least %v", i, gap, cfg.pace())
			}
		}
	}

	// FIFO: the faded start of the tone is the first sample pushed.
	if got := floatAt(chunks[0].Data, 0); got != 0 {
		t.Errorf("first float = %v, want 0 (faded edge)", got)
	}
	if got := floatAt(chunks[2].Data, 10); got != 0.5 {
		t.Errorf("body float = %v, want 0.5", got)
	}
	if a.Buffered() != 0 {
		t.Errorf("Buffered = %d after draining, want 0", a.Buffered())
	}
}

func TestPump_StopHaltsAndDiscards(t *testing.T) {
	t.Parallel()
	client := &mock.Client{Result: animation.Result{Success: true}}
	cfg := fastConfig()
	a := newAccumulator(t, client, cfg)

	appendTone(t, a, 2*time.Second)
	if !client.WaitFor(time.Second, func(c *mock.Client) bool { return c.ChunkCount() >= 1 }) {
		t.Fatal("no chunk pushed")
	}

	a.Stop()
	sentAtStop := client.ChunkCount()
	if a.Running() {
		t.Error("Running after Stop")
	}
	if a.Buffered() != 0 {
		t.Errorf("Buffered = %d after Stop, want 0", a.Buffered())
	}

	closed := client.WaitFor(cfg.ChunkDuration+100*time.Millisecond, func(c *mock.Client) bool {
		return c.Calls()[0].Closed
	})
	if !closed {
		t.Fatal("push stream not closed within one pacing period of Stop")
	}
	time.Sleep(3 * cfg.ChunkDuration)
	if got := client.ChunkCount(); got > sentAtStop+1 {
		t.Errorf("%d chunks after Stop, want at most one in flight", got-sentAtStop)
	}

	// New audio opens a fresh stream.
	appendTone(t, a, 100*time.Millisecond)
	if !client.WaitFor(time.Second, func(c *mock.Client) bool { return len(c.Calls()) == 2 }) {
		t.Fatalf("opened %d push streams, want 2", len(client.Calls()))
	}
}

func TestPump_SendErrorEndsPump(t *testing.T) {
	t.Parallel()
	client := &mock.Client{SendError: errors.New("connection reset")}
	a := newAccumulator(t, client, fastConfig())

	appendTone(t, a, 200*time.Millisecond)
	if !client.WaitFor(time.Second, func(c *mock.Client) bool {
		calls := c.Calls()
		return len(calls) == 1 && calls[0].Closed
	}) {
		t.Fatal("push stream not closed after a send error")
	}
	deadline := time.Now().Add(time.Second)
	for a.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Running() {
		t.Fatal("pump still running after a send error")
	}
	// Unsent audio is kept for the next pump.
	if a.Buffered() == 0 {
		t.Error("buffer discarded after a send error")
	}
}

func TestPump_RejectedByEngineEndsPump(t *testing.T) {
	t.Parallel()
	// The engine ends the call early and reports failure in its result.
	client := &mock.Client{
		SendError: io.EOF,
		Result:    animation.Result{Success: false, Message: "unsupported sample rate"},
	}
	a := newAccumulator(t, client, fastConfig())

	appendTone(t, a, 200*time.Millisecond)
	deadline := time.Now().Add(time.Second)
	for a.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Running() {
		t.Fatal("pump still running after the engine rejected the stream")
	}
	if calls := client.Calls(); len(calls) != 1 || !calls[0].Closed {
		t.Fatalf("calls = %+v, want one closed stream", calls)
	}
}

func TestPump_OpenErrorEndsPump(t *testing.T) {
	t.Parallel()
	client := &mock.Client{OpenError: errors.New("unavailable")}
	a := newAccumulator(t, client, fastConfig())

	appendTone(t, a, 100*time.Millisecond)
	deadline := time.Now().Add(time.Second)
	for a.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Running() {
		t.Fatal("pump still running after the stream failed to open")
	}
}

func TestClose_RejectsAppend(t *testing.T) {
	t.Parallel()
	a := New(&mock.Client{}, fastConfig())
	appendTone(t, a, 100*time.Millisecond)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	seg := audio.Segment{Data: make([]byte, 10), SampleRate: 16000, Channels: 1}
	if err := a.Append(t.Context(), seg); err == nil {
		t.Error("Append after Close succeeded")
	}
}

// TestRelayStop drives the accumulator through a real relay server: frames
// go in over the audio connection and a stop on the control connection is
// acknowledged once and halts the pump.
func TestRelayStop(t *testing.T) {
	t.Parallel()
	client := &mock.Client{Result: animation.Result{Success: true}}
	cfg := fastConfig()
	a := newAccumulator(t, client, cfg)

	srv := relay.NewServer("127.0.0.1:0", "127.0.0.1:0", a, a)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	link := relay.NewLink(srv.AudioAddr().String(), srv.ControlAddr().String(), relay.WithAckTimeout(time.Second))
	defer link.Close()
	if err := link.DialAudio(t.Context()); err != nil {
		t.Fatalf("DialAudio: %v", err)
	}
	if err := link.DialControl(t.Context()); err != nil {
		t.Fatalf("DialControl: %v", err)
	}

	pcm := tone(16000, 2*time.Second, 8000)
	for off := 0; off < len(pcm); off += 6400 {
		if err := link.Send(t.Context(), relay.Frame{SampleRate: 16000, Payload: pcm[off : off+6400]}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if !client.WaitFor(2*time.Second, func(c *mock.Client) bool { return c.ChunkCount() >= 2 }) {
		t.Fatal("pump never pushed through the relay")
	}

	if err := link.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Running() {
		t.Error("pump running after the stop was acknowledged")
	}
	if !client.WaitFor(cfg.ChunkDuration+100*time.Millisecond, func(c *mock.Client) bool { return c.Calls()[0].Closed }) {
		t.Error("push stream not closed within one pacing period")
	}
}
