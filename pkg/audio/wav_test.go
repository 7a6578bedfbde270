package audio_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MrWong99/facerelay/pkg/audio"
)

func TestUnwrapWAV(t *testing.T) {
	t.Parallel()

	raw := pcm16(1, 2, 3, 4)
	wav := audio.WrapWAV(raw, 22050, 1)

	pcm, info, ok, err := audio.UnwrapWAV(wav)
	if err != nil {
		t.Fatalf("UnwrapWAV: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for a RIFF container")
	}
	if !bytes.Equal(pcm, raw) {
		t.Errorf("pcm: got %v, want %v", pcm, raw)
	}
	if info.SampleRate != 22050 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("info: got %+v", info)
	}
}

func TestUnwrapWAV_RawPassthrough(t *testing.T) {
	t.Parallel()
	raw := pcm16(7, 8, 9)
	pcm, _, ok, err := audio.UnwrapWAV(raw)
	if err != nil || ok {
		t.Fatalf("got ok=%v err=%v, want passthrough", ok, err)
	}
	if !bytes.Equal(pcm, raw) {
		t.Error("raw PCM was modified")
	}
}

func TestUnwrapWAV_Unsupported(t *testing.T) {
	t.Parallel()
	wav := audio.WrapWAV(pcm16(1, 2), 8000, 1)
	wav[34] = 8 // bits per sample
	if _, _, _, err := audio.UnwrapWAV(wav); !errors.Is(err, audio.ErrUnsupportedWAV) {
		t.Errorf("got %v, want ErrUnsupportedWAV", err)
	}
}

func TestUnwrapWAV_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()
	raw := pcm16(42, 43)
	wav := audio.WrapWAV(raw, 16000, 1)

	// Insert an odd-sized LIST chunk between fmt and data.
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	pcm, _, ok, err := audio.UnwrapWAV(withList)
	if err != nil || !ok {
		t.Fatalf("got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(pcm, raw) {
		t.Errorf("pcm: got %v, want %v", pcm, raw)
	}
}
