package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Int16ToFloat32LE converts PCM16 samples to normalized float32 samples in
// [-1, 1) encoded little-endian, dividing each sample by 32768. A trailing odd
// byte is ignored.
func Int16ToFloat32LE(pcm []byte) []byte {
	n := len(pcm) / BytesPerSample
	out := make([]byte, n*4)
	for i := range n {
		f := float32(sample(pcm, i)) / 32768
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// Float32LEToInt16 is the inverse of [Int16ToFloat32LE]. Values outside
// [-1, 1] are clipped.
func Float32LEToInt16(data []byte) []byte {
	n := len(data) / 4
	out := make([]byte, n*BytesPerSample)
	for i := range n {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		putSample(out, i, clip16(float64(f)*32768))
	}
	return out
}

// FadeEdges returns a copy of mono PCM16 with a linear fade-in over the first
// d and a linear fade-out over the last d of the segment. When the segment is
// shorter than 2*d the ramps are shortened to half the segment each so they
// never overlap.
func FadeEdges(pcm []byte, rate int, d time.Duration) []byte {
	out := make([]byte, len(pcm)-len(pcm)%BytesPerSample)
	copy(out, pcm)
	n := len(out) / BytesPerSample
	ramp := BytesFor(rate, d) / BytesPerSample
	if ramp > n/2 {
		ramp = n / 2
	}
	if ramp <= 0 {
		return out
	}
	for i := range ramp {
		gain := float64(i) / float64(ramp)
		putSample(out, i, clip16(float64(sample(out, i))*gain))
		j := n - 1 - i
		putSample(out, j, clip16(float64(sample(out, j))*gain))
	}
	return out
}

func clip16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
