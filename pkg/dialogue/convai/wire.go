package convai

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/MrWong99/facerelay/pkg/dialogue"
)

// Field numbers of service.proto.
const (
	// GetResponseRequest
	fieldReqConfig = 1
	fieldReqData   = 2

	// GetResponseRequest.GetResponseConfig
	fieldCfgCharacterID = 2
	fieldCfgAPIKey      = 3
	fieldCfgSessionID   = 4
	fieldCfgAudioConfig = 5
	fieldCfgAction      = 6
	fieldCfgSpeaker     = 7

	// GetResponseRequest.GetResponseData
	fieldDataAudio = 1
	fieldDataText  = 2

	// AudioConfig
	fieldAudioSampleRate = 1

	// ActionConfig
	fieldActActions        = 1
	fieldActCharacters     = 2
	fieldActObjects        = 3
	fieldActClassification = 4
	fieldActContextLevel   = 5

	// ActionConfig.Character / ActionConfig.Object
	fieldNamed1 = 1
	fieldNamed2 = 2

	// GetResponseResponse
	fieldRespSessionID = 1
	fieldRespAction    = 2
	fieldRespAudio     = 3
	fieldRespDebug     = 4
	fieldRespUserQuery = 5

	// GetResponseResponse.AudioResponse
	fieldAudioData   = 1
	fieldAudioConfig = 2
	fieldAudioText   = 3
	fieldAudioEnd    = 4

	// GetResponseResponse.ActionResponse
	fieldActionName = 1

	// GetResponseResponse.UserTranscript
	fieldUserText  = 1
	fieldUserFinal = 2
	fieldUserEnd   = 3
)

// encodeRequest encodes req as a GetResponseRequest. The end-of-input marker
// becomes get_response_data with an empty audio_data.
func encodeRequest(req dialogue.Request) []byte {
	if req.Config != nil {
		return appendMessage(nil, fieldReqConfig, encodeConfig(req.Config))
	}
	var data []byte
	if req.Text != "" {
		data = protowire.AppendTag(data, fieldDataText, protowire.BytesType)
		data = protowire.AppendString(data, req.Text)
	} else {
		// Oneof members are always emitted, even when empty.
		data = protowire.AppendTag(data, fieldDataAudio, protowire.BytesType)
		data = protowire.AppendBytes(data, req.Audio)
	}
	return appendMessage(nil, fieldReqData, data)
}

func encodeConfig(c *dialogue.SessionConfig) []byte {
	var b []byte
	b = appendString(b, fieldCfgCharacterID, c.CharacterID)
	b = appendString(b, fieldCfgAPIKey, c.APIKey)
	b = appendString(b, fieldCfgSessionID, c.SessionID)
	if c.SampleRate != 0 {
		b = appendMessage(b, fieldCfgAudioConfig, appendInt(nil, fieldAudioSampleRate, c.SampleRate))
	}
	if c.Actions != nil {
		b = appendMessage(b, fieldCfgAction, encodeActions(c.Actions))
	}
	b = appendString(b, fieldCfgSpeaker, c.Speaker)
	return b
}

func encodeActions(a *dialogue.ActionConfig) []byte {
	var b []byte
	for _, act := range a.Actions {
		b = protowire.AppendTag(b, fieldActActions, protowire.BytesType)
		b = protowire.AppendString(b, act)
	}
	for _, ch := range a.Characters {
		b = appendMessage(b, fieldActCharacters, appendString(appendString(nil, fieldNamed1, ch.Name), fieldNamed2, ch.Bio))
	}
	for _, o := range a.Objects {
		b = appendMessage(b, fieldActObjects, appendString(appendString(nil, fieldNamed1, o.Name), fieldNamed2, o.Description))
	}
	b = appendString(b, fieldActClassification, a.Classification)
	b = appendInt(b, fieldActContextLevel, a.ContextLevel)
	return b
}

// encodeResponse encodes resp as a GetResponseResponse.
func encodeResponse(resp dialogue.Response) []byte {
	var b []byte
	b = appendString(b, fieldRespSessionID, resp.SessionID)
	switch {
	case resp.Audio != nil:
		a := resp.Audio
		var m []byte
		m = appendBytes(m, fieldAudioData, a.Audio)
		if a.SampleRate != 0 {
			m = appendMessage(m, fieldAudioConfig, appendInt(nil, fieldAudioSampleRate, a.SampleRate))
		}
		m = appendString(m, fieldAudioText, a.Text)
		m = appendBool(m, fieldAudioEnd, a.EndOfResponse)
		b = appendMessage(b, fieldRespAudio, m)
	case resp.Action != "":
		b = appendMessage(b, fieldRespAction, appendString(nil, fieldActionName, resp.Action))
	case resp.UserQuery != nil:
		u := resp.UserQuery
		m := appendString(nil, fieldUserText, u.Text)
		m = appendBool(m, fieldUserFinal, u.IsFinal)
		m = appendBool(m, fieldUserEnd, u.EndOfResponse)
		b = appendMessage(b, fieldRespUserQuery, m)
	case resp.Debug != "":
		b = protowire.AppendTag(b, fieldRespDebug, protowire.BytesType)
		b = protowire.AppendString(b, resp.Debug)
	}
	return b
}

// decodeResponse parses a GetResponseResponse. Unknown fields are skipped.
func decodeResponse(b []byte) (dialogue.Response, error) {
	var resp dialogue.Response
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldRespSessionID && typ == protowire.BytesType:
			resp.SessionID = string(v)
		case num == fieldRespAudio && typ == protowire.BytesType:
			a, err := decodeAudioReply(v)
			if err != nil {
				return err
			}
			resp.Audio = a
		case num == fieldRespAction && typ == protowire.BytesType:
			return walk(v, func(n protowire.Number, t protowire.Type, v []byte, _ uint64) error {
				if n == fieldActionName && t == protowire.BytesType {
					resp.Action = string(v)
				}
				return nil
			})
		case num == fieldRespDebug && typ == protowire.BytesType:
			resp.Debug = string(v)
		case num == fieldRespUserQuery && typ == protowire.BytesType:
			u := &dialogue.UserTranscript{}
			if err := walk(v, func(n protowire.Number, t protowire.Type, v []byte, x uint64) error {
				switch {
				case n == fieldUserText && t == protowire.BytesType:
					u.Text = string(v)
				case n == fieldUserFinal && t == protowire.VarintType:
					u.IsFinal = protowire.DecodeBool(x)
				case n == fieldUserEnd && t == protowire.VarintType:
					u.EndOfResponse = protowire.DecodeBool(x)
				}
				return nil
			}); err != nil {
				return err
			}
			resp.UserQuery = u
		}
		return nil
	})
	if err != nil {
		return dialogue.Response{}, fmt.Errorf("convai: decode response: %w", err)
	}
	return resp, nil
}

func decodeAudioReply(b []byte) (*dialogue.AudioReply, error) {
	a := &dialogue.AudioReply{}
	err := walk(b, func(n protowire.Number, t protowire.Type, v []byte, x uint64) error {
		switch {
		case n == fieldAudioData && t == protowire.BytesType:
			a.Audio = append([]byte(nil), v...)
		case n == fieldAudioConfig && t == protowire.BytesType:
			rate, err := decodeSampleRate(v)
			if err != nil {
				return err
			}
			a.SampleRate = rate
		case n == fieldAudioText && t == protowire.BytesType:
			a.Text = string(v)
		case n == fieldAudioEnd && t == protowire.VarintType:
			a.EndOfResponse = protowire.DecodeBool(x)
		}
		return nil
	})
	return a, err
}

// decodeRequest parses a GetResponseRequest. Only the test server needs it.
func decodeRequest(b []byte) (dialogue.Request, error) {
	var req dialogue.Request
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldReqConfig:
			c, err := decodeConfig(v)
			if err != nil {
				return err
			}
			req = dialogue.Request{Config: c}
		case fieldReqData:
			req = dialogue.Request{}
			return walk(v, func(n protowire.Number, t protowire.Type, v []byte, _ uint64) error {
				switch {
				case n == fieldDataAudio && t == protowire.BytesType:
					if len(v) > 0 {
						req.Audio = append([]byte(nil), v...)
					}
				case n == fieldDataText && t == protowire.BytesType:
					req.Text = string(v)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return dialogue.Request{}, fmt.Errorf("convai: decode request: %w", err)
	}
	return req, nil
}

func decodeConfig(b []byte) (*dialogue.SessionConfig, error) {
	c := &dialogue.SessionConfig{}
	err := walk(b, func(n protowire.Number, t protowire.Type, v []byte, _ uint64) error {
		if t != protowire.BytesType {
			return nil
		}
		switch n {
		case fieldCfgCharacterID:
			c.CharacterID = string(v)
		case fieldCfgAPIKey:
			c.APIKey = string(v)
		case fieldCfgSessionID:
			c.SessionID = string(v)
		case fieldCfgSpeaker:
			c.Speaker = string(v)
		case fieldCfgAudioConfig:
			rate, err := decodeSampleRate(v)
			if err != nil {
				return err
			}
			c.SampleRate = rate
		case fieldCfgAction:
			a, err := decodeActions(v)
			if err != nil {
				return err
			}
			c.Actions = a
		}
		return nil
	})
	return c, err
}

func decodeActions(b []byte) (*dialogue.ActionConfig, error) {
	a := &dialogue.ActionConfig{}
	err := walk(b, func(n protowire.Number, t protowire.Type, v []byte, x uint64) error {
		switch {
		case n == fieldActActions && t == protowire.BytesType:
			a.Actions = append(a.Actions, string(v))
		case n == fieldActCharacters && t == protowire.BytesType:
			first, second, err := decodePair(v)
			if err != nil {
				return err
			}
			a.Characters = append(a.Characters, dialogue.Character{Name: first, Bio: second})
		case n == fieldActObjects && t == protowire.BytesType:
			first, second, err := decodePair(v)
			if err != nil {
				return err
			}
			a.Objects = append(a.Objects, dialogue.Object{Name: first, Description: second})
		case n == fieldActClassification && t == protowire.BytesType:
			a.Classification = string(v)
		case n == fieldActContextLevel && t == protowire.VarintType:
			a.ContextLevel = int(int32(x))
		}
		return nil
	})
	return a, err
}

func decodePair(b []byte) (first, second string, err error) {
	err = walk(b, func(n protowire.Number, t protowire.Type, v []byte, _ uint64) error {
		if t != protowire.BytesType {
			return nil
		}
		switch n {
		case fieldNamed1:
			first = string(v)
		case fieldNamed2:
			second = string(v)
		}
		return nil
	})
	return first, second, err
}

func decodeSampleRate(b []byte) (int, error) {
	var rate int
	err := walk(b, func(n protowire.Number, t protowire.Type, _ []byte, x uint64) error {
		if n == fieldAudioSampleRate && t == protowire.VarintType {
			rate = int(int32(x))
		}
		return nil
	})
	return rate, err
}

// walk calls fn for every field of the encoded message b. For bytes fields v
// holds the payload; for varint fields x holds the value. Other wire types
// are skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType && typ != protowire.VarintType {
			continue
		}
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// appendString skips empty strings as proto3 does for implicit presence.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendInt encodes an int32 field; negative values are sign-extended.
func appendInt(b []byte, num protowire.Number, v int) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(int32(v))))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}
