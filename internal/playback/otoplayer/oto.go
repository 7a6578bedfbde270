// Package otoplayer is the sound-card [playback.Device] backed by oto.
//
// oto allows a single context per process with a fixed format, so the
// device is opened once at the reply rate and everything else is converted
// by the playback queue.
package otoplayer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/facerelay/internal/playback"
	"github.com/MrWong99/facerelay/pkg/audio"
)

// DefaultSampleRate matches the rate of dialogue replies.
const DefaultSampleRate = 22050

var errReset = errors.New("otoplayer: reset")

// Device streams PCM16 mono to the default output through a pipe feeding
// one long-lived oto player.
type Device struct {
	format audio.Format
	ctx    *oto.Context

	mu     sync.Mutex
	player *oto.Player
	pw     *io.PipeWriter
	closed bool
}

var _ playback.Device = (*Device)(nil)

// Open initialises the output at sampleRate. It must be called at most
// once per process.
func Open(sampleRate int) (*Device, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("otoplayer: open output: %w", err)
	}
	<-ready

	d := &Device{
		format: audio.Format{SampleRate: sampleRate, Channels: 1},
		ctx:    ctx,
	}
	d.mu.Lock()
	d.startLocked()
	d.mu.Unlock()
	slog.Info("otoplayer: output ready", "rate", sampleRate)
	return d, nil
}

// NewPlayer opens the output and wraps it in a playback queue.
func NewPlayer(sampleRate int, opts ...playback.QueueOption) (*playback.Queue, error) {
	d, err := Open(sampleRate)
	if err != nil {
		return nil, err
	}
	return playback.NewQueue(d, opts...), nil
}

func (d *Device) startLocked() {
	pr, pw := io.Pipe()
	d.pw = pw
	d.player = d.ctx.NewPlayer(pr)
	d.player.Play()
}

// Format implements [playback.Device].
func (d *Device) Format() audio.Format { return d.format }

// Write implements [playback.Device]. It blocks until oto has read pcm.
func (d *Device) Write(pcm []byte) error {
	d.mu.Lock()
	pw := d.pw
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return playback.ErrClosed
	}
	_, err := pw.Write(pcm)
	return err
}

// Reset implements [playback.Device] by replacing the player; whatever the
// old one had buffered is dropped.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	err := d.teardownLocked()
	d.startLocked()
	return err
}

func (d *Device) teardownLocked() error {
	_ = d.pw.CloseWithError(errReset)
	return d.player.Close()
}

// Close implements [playback.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.teardownLocked()
	if serr := d.ctx.Suspend(); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}
