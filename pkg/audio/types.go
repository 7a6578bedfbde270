// Package audio holds the PCM primitives shared by both sides of the relay:
// the [Segment] hand-off type, the bounded [FrameBuffer] that feeds the
// dialogue writer, format conversion, edge fades and WAV unwrapping.
//
// All PCM in this package is signed 16-bit little-endian. Unless stated
// otherwise, functions never modify their input slices.
package audio

import "time"

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// Segment is one immutable piece of audio handed from a producer to a
// consumer. Ownership of Data transfers with the segment; neither side may
// mutate it after the hand-off.
type Segment struct {
	// Data holds signed 16-bit little-endian PCM samples.
	Data []byte

	// SampleRate in Hz (e.g. 16000 for microphone input, 22050 for dialogue replies).
	SampleRate int

	// Channels is 1 for everything that crosses the relay.
	Channels int
}

// Samples returns the number of PCM16 frames in the segment.
func (s Segment) Samples() int {
	ch := s.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(s.Data) / (BytesPerSample * ch)
}

// Duration returns the playback length of the segment. Zero when the sample
// rate is unknown.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Samples()) * time.Second / time.Duration(s.SampleRate)
}

// BytesFor returns the number of PCM16 mono bytes covering d at rate. The
// result is always a whole number of samples.
func BytesFor(rate int, d time.Duration) int {
	samples := int(int64(rate) * int64(d) / int64(time.Second))
	return samples * BytesPerSample
}
