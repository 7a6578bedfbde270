package convai

import (
	"bytes"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/MrWong99/facerelay/pkg/dialogue"
)

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  dialogue.Request
	}{
		{
			name: "config",
			req: dialogue.Request{Config: &dialogue.SessionConfig{
				APIKey:      "key",
				CharacterID: "char",
				SessionID:   "sess",
				SampleRate:  16000,
				Speaker:     "User",
				Actions: &dialogue.ActionConfig{
					Actions:        []string{"wave", "nod"},
					Characters:     []dialogue.Character{{Name: "User", Bio: "Person asking questions."}},
					Objects:        []dialogue.Object{{Name: "dummy", Description: "A dummy object."}},
					Classification: "singlestep",
					ContextLevel:   1,
				},
			}},
		},
		{name: "audio", req: dialogue.Request{Audio: []byte{1, 2, 3, 4}}},
		{name: "text", req: dialogue.Request{Text: "hello"}},
		{name: "final marker", req: dialogue.Request{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeRequest(encodeRequest(tt.req))
			if err != nil {
				t.Fatalf("decodeRequest: %v", err)
			}
			if !reflect.DeepEqual(got, tt.req) {
				t.Errorf("round trip:\n got %+v\nwant %+v", got, tt.req)
			}
		})
	}
}

func TestFinalMarkerWireBytes(t *testing.T) {
	t.Parallel()
	// get_response_data { audio_data: "" }
	want := []byte{0x12, 0x02, 0x0a, 0x00}
	if got := encodeRequest(dialogue.Request{}); !bytes.Equal(got, want) {
		t.Errorf("final marker: got %x, want %x", got, want)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp dialogue.Response
	}{
		{
			name: "audio",
			resp: dialogue.Response{SessionID: "s1", Audio: &dialogue.AudioReply{
				Audio: []byte{9, 8, 7, 6}, SampleRate: 22050, Text: "Hi there", EndOfResponse: true,
			}},
		},
		{name: "action", resp: dialogue.Response{SessionID: "s1", Action: "wave"}},
		{name: "debug", resp: dialogue.Response{Debug: "latency 120ms"}},
		{name: "user query", resp: dialogue.Response{UserQuery: &dialogue.UserTranscript{Text: "hello", IsFinal: true}}},
		{name: "session only", resp: dialogue.Response{SessionID: "s2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeResponse(encodeResponse(tt.resp))
			if err != nil {
				t.Fatalf("decodeResponse: %v", err)
			}
			if !reflect.DeepEqual(got, tt.resp) {
				t.Errorf("round trip:\n got %+v\nwant %+v", got, tt.resp)
			}
		})
	}
}

func TestDecodeResponse_SkipsUnknownFields(t *testing.T) {
	t.Parallel()
	b := encodeResponse(dialogue.Response{SessionID: "s1"})
	b = protowire.AppendTag(b, 99, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = protowire.AppendTag(b, 98, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	got, err := decodeResponse(b)
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	if got.SessionID != "s1" {
		t.Errorf("SessionID: got %q, want s1", got.SessionID)
	}
}

func TestDecodeResponse_Truncated(t *testing.T) {
	t.Parallel()
	b := encodeResponse(dialogue.Response{SessionID: "session"})
	if _, err := decodeResponse(b[:len(b)-2]); err == nil {
		t.Error("expected an error for a truncated message")
	}
}

func TestNegativeContextLevel(t *testing.T) {
	t.Parallel()
	req := dialogue.Request{Config: &dialogue.SessionConfig{Actions: &dialogue.ActionConfig{ContextLevel: -1}}}
	got, err := decodeRequest(encodeRequest(req))
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}
	if got.Config.Actions.ContextLevel != -1 {
		t.Errorf("ContextLevel: got %d, want -1", got.Config.Actions.ContextLevel)
	}
}
