package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnsupportedWAV is returned by [UnwrapWAV] for RIFF data that does not
// carry 16-bit integer PCM.
var ErrUnsupportedWAV = errors.New("audio: unsupported WAV encoding")

// WAVInfo describes the fmt chunk of a RIFF/WAVE container.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// UnwrapWAV strips a RIFF/WAVE header and returns the raw PCM bytes of the
// data chunk. Input that does not start with a RIFF header is returned
// unchanged with ok=false, so callers can pass through raw PCM untouched.
func UnwrapWAV(data []byte) (pcm []byte, info WAVInfo, ok bool, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return data, WAVInfo{}, false, nil
	}

	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		switch id {
		case "fmt ":
			if size < 16 || end > len(data) {
				return nil, WAVInfo{}, true, fmt.Errorf("audio: truncated WAV fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body:])
			info = WAVInfo{
				Channels:      int(binary.LittleEndian.Uint16(data[body+2:])),
				SampleRate:    int(binary.LittleEndian.Uint32(data[body+4:])),
				BitsPerSample: int(binary.LittleEndian.Uint16(data[body+14:])),
			}
			// 1 = PCM, 0xFFFE = WAVE_FORMAT_EXTENSIBLE.
			if (format != 1 && format != 0xFFFE) || info.BitsPerSample != 16 {
				return nil, info, true, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedWAV, format, info.BitsPerSample)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, WAVInfo{}, true, fmt.Errorf("audio: WAV data chunk before fmt chunk")
			}
			// Streaming encoders write a placeholder size; take what is there.
			if end > len(data) || size == 0 {
				end = len(data)
			}
			pcm = data[body:end]
			return pcm[:len(pcm)-len(pcm)%BytesPerSample], info, true, nil
		}
		// Chunks are padded to an even size.
		pos = end + size%2
	}
	return nil, info, true, fmt.Errorf("audio: WAV without data chunk")
}

// WrapWAV prepends a canonical 44-byte PCM16 WAV header to pcm.
func WrapWAV(pcm []byte, rate, channels int) []byte {
	out := make([]byte, 44, 44+len(pcm))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(rate))
	binary.LittleEndian.PutUint32(out[28:], uint32(rate*channels*BytesPerSample))
	binary.LittleEndian.PutUint16(out[32:], uint16(channels*BytesPerSample))
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	return append(out, pcm...)
}
