package a2f

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/MrWong99/facerelay/pkg/animation"
)

// Field numbers of audio2face.proto.
const (
	// PushAudioStreamRequest
	fieldStartMarker = 1
	fieldAudioData   = 2

	// PushAudioRequestStart
	fieldInstanceName = 1
	fieldSampleRate   = 2
	fieldBlock        = 3

	// PushAudioStreamResponse
	fieldSuccess = 1
	fieldMessage = 2
)

func encodeStart(s animation.StartMarker) []byte {
	var m []byte
	if s.InstanceName != "" {
		m = protowire.AppendTag(m, fieldInstanceName, protowire.BytesType)
		m = protowire.AppendString(m, s.InstanceName)
	}
	if s.SampleRate != 0 {
		m = protowire.AppendTag(m, fieldSampleRate, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(int64(int32(s.SampleRate))))
	}
	if s.BlockUntilPlaybackFinished {
		m = protowire.AppendTag(m, fieldBlock, protowire.VarintType)
		m = protowire.AppendVarint(m, protowire.EncodeBool(true))
	}
	b := protowire.AppendTag(nil, fieldStartMarker, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func encodeChunk(chunk []byte) []byte {
	b := make([]byte, 0, len(chunk)+8)
	b = protowire.AppendTag(b, fieldAudioData, protowire.BytesType)
	return protowire.AppendBytes(b, chunk)
}

func encodeResult(r animation.Result) []byte {
	var b []byte
	if r.Success {
		b = protowire.AppendTag(b, fieldSuccess, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if r.Message != "" {
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	return b
}

func decodeResult(b []byte) (animation.Result, error) {
	var r animation.Result
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("a2f: decode result: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldSuccess && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.Success = protowire.DecodeBool(v)
		case num == fieldMessage && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(b)
			r.Message = s
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return r, fmt.Errorf("a2f: decode result: %w", protowire.ParseError(n))
		}
		b = b[n:]
	}
	return r, nil
}

// request is the decoded form of PushAudioStreamRequest. Only the test
// server needs it.
type request struct {
	start *animation.StartMarker
	audio []byte
}

func decodeRequest(b []byte) (request, error) {
	var req request
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return req, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return req, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return req, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldStartMarker:
			s, err := decodeStart(v)
			if err != nil {
				return req, err
			}
			req.start = &s
		case fieldAudioData:
			req.audio = append([]byte{}, v...)
		}
	}
	return req, nil
}

func decodeStart(b []byte) (animation.StartMarker, error) {
	var s animation.StartMarker
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldInstanceName && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			s.InstanceName = v
		case num == fieldSampleRate && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			s.SampleRate = int(int32(v))
		case num == fieldBlock && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			s.BlockUntilPlaybackFinished = protowire.DecodeBool(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return s, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return s, nil
}
