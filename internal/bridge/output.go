package bridge

import (
	"context"
	"errors"

	"github.com/MrWong99/facerelay/internal/observe"
	"github.com/MrWong99/facerelay/internal/relay"
	"github.com/MrWong99/facerelay/pkg/audio"
)

// errNoOutput is returned when reply audio has nowhere to go.
var errNoOutput = errors.New("bridge: no audio output configured")

// output is where reply audio ends up.
type output interface {
	Play(ctx context.Context, seg audio.Segment) error
}

// relayOutput forwards reply audio to the animation side.
type relayOutput struct {
	link *relay.Link
}

func (o relayOutput) Play(ctx context.Context, seg audio.Segment) error {
	return o.link.Send(ctx, relay.Frame{SampleRate: int32(seg.SampleRate), Payload: seg.Data})
}

// localOutput plays reply audio on this machine.
type localOutput struct {
	player  audio.Player
	metrics *observe.Metrics
}

func (o localOutput) Play(ctx context.Context, seg audio.Segment) error {
	if err := o.player.Play(ctx, seg); err != nil {
		return err
	}
	o.metrics.RecordFrameSent(ctx, "local", len(seg.Data))
	return nil
}

// replyAudio turns the audio of one dialogue reply into a mono PCM16
// segment. Replies wrapped in a WAV container are unwrapped and take their
// rate from the header; raw replies use rate.
func replyAudio(data []byte, rate int) (audio.Segment, error) {
	pcm, info, ok, err := audio.UnwrapWAV(data)
	if err != nil {
		return audio.Segment{}, err
	}
	seg := audio.Segment{Data: pcm, SampleRate: rate, Channels: 1}
	if ok {
		seg.SampleRate = info.SampleRate
		if info.Channels == 2 {
			seg.Data = audio.StereoToMono(pcm)
		}
	}
	return seg, nil
}
