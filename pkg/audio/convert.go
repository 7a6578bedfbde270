package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatConverter converts captured segments to a target format. It warns
// once on the first mismatch and once on misaligned PCM.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns seg in the target format. A segment that already matches
// is returned as is. Segments with an odd byte count are dropped (empty
// Data) because they cannot be interpreted as PCM16.
func (c *FormatConverter) Convert(seg Segment) Segment {
	if len(seg.Data)%BytesPerSample != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, dropping segment",
				"bytes", len(seg.Data),
				"format", Format{seg.SampleRate, seg.Channels},
			)
		})
		return Segment{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels}
	}

	src := Format{SampleRate: seg.SampleRate, Channels: seg.Channels}
	if src == c.Target {
		return seg
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio: format mismatch, converting", "from", src, "to", c.Target)
	})

	pcm := seg.Data
	// Downmix before resampling so stereo input is only resampled once.
	if src.Channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		src.Channels = 1
	}
	if src.SampleRate != c.Target.SampleRate {
		if src.Channels == 1 {
			pcm = ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate)
		} else {
			pcm = resampleInterleaved(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
		}
		src.SampleRate = c.Target.SampleRate
	}
	if src.Channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		src.Channels = 2
	}

	return Segment{Data: pcm, SampleRate: src.SampleRate, Channels: src.Channels}
}

// MonoToStereo duplicates every mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair. The int32 sum cannot overflow and the
// average always fits back into int16.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sample(pcm, i*2))
		r := int32(sample(pcm, i*2+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate using linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resampleInterleaved(pcm, 1, srcRate, dstRate)
}

func resampleInterleaved(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := channels * BytesPerSample
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sample(pcm, idx*channels+ch))
			s1 := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// sample returns the i-th int16 sample of pcm.
func sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}
