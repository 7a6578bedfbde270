package stream

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/facerelay/internal/observe"
	"github.com/MrWong99/facerelay/pkg/animation"
	"github.com/MrWong99/facerelay/pkg/audio"
)

// pump owns one push stream. It is started by the first Append after the
// previous pump ended and runs until stopped or until the stream fails.
type pump struct {
	acc   *Accumulator
	gen   uint64
	stop  <-chan struct{}
	start animation.StartMarker
}

func (p *pump) run(ctx context.Context) {
	a := p.acc
	ctx, span := observe.StartSpan(ctx, "stream.pump",
		trace.WithAttributes(
			attribute.String("instance", p.start.InstanceName),
			attribute.Int("sample_rate", p.start.SampleRate),
		))
	var spanErr error
	defer func() { observe.EndSpan(span, spanErr) }()
	log := observe.Logger(ctx)

	a.metrics.ActivePumps.Add(ctx, 1)
	defer a.metrics.ActivePumps.Add(context.Background(), -1)

	ps, err := a.client.PushAudioStream(ctx, p.start)
	if err != nil {
		a.pumpEnded(p.gen)
		a.metrics.RecordPushStream(ctx, "failed")
		spanErr = err
		log.Warn("stream: open push stream failed", "err", err)
		return
	}
	log.Info("stream: push stream started", "rate", p.start.SampleRate, "instance", p.start.InstanceName)

	chunks, sendErr := p.loop(ctx, ps)
	span.SetAttributes(attribute.Int("chunks", chunks))

	res, err := ps.CloseAndRecv()
	if sendErr != nil && !errors.Is(sendErr, io.EOF) {
		// The result of a broken stream is rarely more useful than the
		// send error itself.
		err = sendErr
	}
	switch {
	case err != nil && ctx.Err() != nil:
		a.metrics.RecordPushStream(context.Background(), "stopped")
		log.Info("stream: push stream aborted", "chunks", chunks)
	case err != nil:
		a.pumpEnded(p.gen)
		a.metrics.RecordPushStream(ctx, "failed")
		spanErr = err
		log.Warn("stream: push stream failed", "chunks", chunks, "err", err)
	case !res.Success:
		a.pumpEnded(p.gen)
		a.metrics.RecordPushStream(ctx, "rejected")
		spanErr = animation.ErrRejected
		log.Warn("stream: push stream rejected", "chunks", chunks, "message", res.Message)
	case sendErr != nil:
		// The engine closed the call early but reported success.
		a.pumpEnded(p.gen)
		a.metrics.RecordPushStream(ctx, "success")
		log.Info("stream: push stream ended by engine", "chunks", chunks, "message", res.Message)
	default:
		a.metrics.RecordPushStream(ctx, "stopped")
		log.Info("stream: push stream stopped", "chunks", chunks, "message", res.Message)
	}
}

// loop sends chunks until the pump is stopped or a send fails. It returns
// the number of chunks sent and the send error, if any.
func (p *pump) loop(ctx context.Context, ps animation.PushStream) (int, error) {
	a := p.acc
	sent := 0
	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	wait := func(d time.Duration, wake <-chan struct{}) bool {
		timer.Reset(d)
		defer func() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}()
		select {
		case <-p.stop:
			return false
		case <-ctx.Done():
			return false
		case <-wake:
		case <-timer.C:
		}
		return true
	}

	for {
		chunk, cfg, ok := a.take(p.gen)
		if !ok {
			return sent, nil
		}
		if chunk == nil {
			if !wait(cfg.IdleInterval, a.wake) {
				return sent, nil
			}
			continue
		}

		if err := ps.Send(audio.Int16ToFloat32LE(chunk)); err != nil {
			return sent, err
		}
		sent++
		a.metrics.ChunksPushed.Add(ctx, 1)

		// Pace to playback speed; new audio does not cut the pause short.
		if !wait(cfg.pace(), nil) {
			return sent, nil
		}
	}
}
