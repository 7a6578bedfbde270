package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/facerelay/internal/observe"
	"github.com/MrWong99/facerelay/pkg/animation"
	"github.com/MrWong99/facerelay/pkg/audio"
)

// Option configures an [Accumulator].
type Option func(*Accumulator)

// WithMetrics records counters on m instead of the default instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Accumulator) { a.metrics = m }
}

// Accumulator is the single buffer between the relay server and the
// animation engine. It satisfies the relay server's frame sink and stopper
// interfaces.
//
// Append is called by relay connection handlers, the pump drains from the
// front of the buffer, and Stop discards whatever has not been sent. All
// three are guarded by one mutex.
type Accumulator struct {
	client  animation.Client
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	// wake nudges an idle pump when new audio arrives.
	wake chan struct{}

	mu      sync.Mutex
	cfg     Config
	buf     []byte
	rate    int
	gen     uint64
	running bool
	stop    chan struct{}
	closed  bool
}

// New creates an Accumulator that pushes to client. No push stream is
// opened until the first segment arrives.
func New(client animation.Client, cfg Config, opts ...Option) *Accumulator {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Accumulator{
		client: client,
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// SetConfig replaces the pacing configuration. A running pump picks the new
// values up on its next iteration; the start marker of an open push stream
// is not resent.
func (a *Accumulator) SetConfig(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg.withDefaults()
	a.mu.Unlock()
}

// Config returns the active configuration.
func (a *Accumulator) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Append fades the edges of seg and adds it to the end of the buffer, then
// starts the pump unless it is already running. Stereo input is downmixed.
// A trailing odd byte is discarded so the buffer always holds whole
// samples.
func (a *Accumulator) Append(ctx context.Context, seg audio.Segment) error {
	if seg.Channels == 2 {
		seg.Data = audio.StereoToMono(seg.Data)
		seg.Channels = 1
	}
	data := seg.Data[:len(seg.Data)-len(seg.Data)%audio.BytesPerSample]
	if len(data) == 0 {
		return nil
	}
	if seg.SampleRate <= 0 {
		return fmt.Errorf("stream: append: invalid sample rate %d", seg.SampleRate)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("stream: append: accumulator closed")
	}

	rate := seg.SampleRate
	if a.rate != 0 && rate != a.rate {
		policy := a.cfg.RatePolicy
		slog.Warn("stream: sample rate changed", "from", a.rate, "to", rate, "policy", string(policy))
		a.metrics.RateChanges.Add(ctx, 1, metric.WithAttributes(observe.Attr("policy", string(policy))))
		switch policy {
		case RateReject:
			return fmt.Errorf("%w: got %d Hz, buffer is %d Hz", ErrRateMismatch, rate, a.rate)
		case RateResample:
			data = audio.ResampleMono16(data, rate, a.rate)
			rate = a.rate
		}
	}
	a.rate = rate
	a.buf = append(a.buf, audio.FadeEdges(data, rate, a.cfg.FadeDuration)...)

	if !a.running {
		a.startPumpLocked()
	} else {
		select {
		case a.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Stop halts the running pump and discards unsent audio. The pump leaves
// its loop within one pacing period. Calling Stop with no pump running only
// clears the buffer.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		a.running = false
		close(a.stop)
	}
	a.gen++
	if n := len(a.buf); n > 0 {
		slog.Info("stream: discarding unsent audio", "bytes", n)
	}
	a.buf = nil
	a.rate = 0
}

// Running reports whether a pump is active.
func (a *Accumulator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Buffered returns the number of accumulated bytes not yet pushed.
func (a *Accumulator) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Close stops the pump, aborts any open push stream and waits for every
// pump goroutine to return. Append fails afterwards.
func (a *Accumulator) Close() error {
	a.Stop()
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cancel()
	a.pumps.Wait()
	return nil
}

func (a *Accumulator) startPumpLocked() {
	a.gen++
	a.running = true
	a.stop = make(chan struct{})
	p := &pump{
		acc:   a,
		gen:   a.gen,
		stop:  a.stop,
		start: animation.StartMarker{InstanceName: a.cfg.InstanceName, SampleRate: a.rate, BlockUntilPlaybackFinished: a.cfg.BlockUntilPlaybackFinished},
	}
	a.pumps.Add(1)
	go func() {
		defer a.pumps.Done()
		p.run(a.ctx)
	}()
}

// take removes one chunk from the front of the buffer. ok is false once the
// pump of generation gen has been superseded or stopped; chunk is nil when
// not enough audio is buffered yet.
func (a *Accumulator) take(gen uint64) (chunk []byte, cfg Config, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || !a.running {
		return nil, a.cfg, false
	}
	size := audio.BytesFor(a.rate, a.cfg.ChunkDuration)
	if size == 0 || len(a.buf) < size {
		return nil, a.cfg, true
	}
	chunk = a.buf[:size:size]
	a.buf = a.buf[size:]
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return chunk, a.cfg, true
}

// pumpEnded marks the pump of generation gen as no longer running so the
// next Append starts a fresh one. Buffered audio is kept.
func (a *Accumulator) pumpEnded(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen == a.gen && a.running {
		a.running = false
		close(a.stop)
	}
}
