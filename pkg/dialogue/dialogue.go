// Package dialogue drives one duplex streaming call to a remote speech
// dialogue service.
//
// The central type is [Proxy]: it owns one call opened through a [Transport],
// drains an [audio.FrameBuffer] into outbound [Request] messages on a writer
// goroutine, and dispatches inbound [Response] messages to [Callbacks] on a
// reader goroutine.
//
// Wire details live in transport packages such as dialogue/convai. This
// package only knows the logical message shapes.
package dialogue

import (
	"context"
	"errors"
)

// Sentinel errors for the session-level failure taxonomy. Callers test with
// errors.Is.
var (
	// ErrAuth is returned when the API key or the character id is empty.
	ErrAuth = errors.New("dialogue: missing credentials")

	// ErrChannel is returned when no transport has been configured.
	ErrChannel = errors.New("dialogue: no transport channel")

	// ErrTransport wraps RPC failures that end a running stream.
	ErrTransport = errors.New("dialogue: transport failure")

	// ErrClosed is returned by operations on a closed proxy.
	ErrClosed = errors.New("dialogue: proxy closed")
)

// Character describes a participant the action classifier may refer to.
type Character struct {
	Name string `yaml:"name"`
	Bio  string `yaml:"bio"`
}

// Object describes a scene object the action classifier may refer to.
type Object struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ActionConfig enables action classification on replies.
type ActionConfig struct {
	Actions        []string    `yaml:"actions"`
	Characters     []Character `yaml:"characters"`
	Objects        []Object    `yaml:"objects"`
	Classification string      `yaml:"classification"`
	ContextLevel   int         `yaml:"context_level"`
}

// SessionConfig is carried by the first outbound message of every call.
type SessionConfig struct {
	// APIKey authenticates the caller. Required.
	APIKey string

	// CharacterID selects the remote character. Required.
	CharacterID string

	// SessionID continues an existing conversation. Empty starts a new one;
	// the service assigns an id in its first response.
	SessionID string

	// SampleRate of the microphone audio that follows, in Hz.
	SampleRate int

	// Speaker optionally names the human speaker.
	Speaker string

	// Actions enables action classification when non-nil.
	Actions *ActionConfig
}

// Request is one outbound message. Exactly one of Config, Audio or Text is
// meaningful. A Request with a nil Config and empty Audio and Text is the
// end-of-input marker.
type Request struct {
	Config *SessionConfig
	Audio  []byte
	Text   string
}

// IsFinal reports whether r is the end-of-input marker.
func (r Request) IsFinal() bool {
	return r.Config == nil && len(r.Audio) == 0 && r.Text == ""
}

// AudioReply carries synthesized speech and its text.
type AudioReply struct {
	// Audio is the speech payload as sent by the service. Some services wrap
	// it in a WAV container.
	Audio []byte

	// SampleRate of Audio in Hz.
	SampleRate int

	// Text is the transcript of the spoken reply.
	Text string

	// EndOfResponse marks the last reply message of a turn.
	EndOfResponse bool
}

// UserTranscript is the service's recognition of the user's speech.
type UserTranscript struct {
	Text          string
	IsFinal       bool
	EndOfResponse bool
}

// Response is one inbound message. SessionID may accompany any variant; at
// most one of the remaining fields is set.
type Response struct {
	SessionID string
	Audio     *AudioReply
	Action    string
	Debug     string
	UserQuery *UserTranscript
}

// Stream is one open duplex call.
//
// Send and CloseSend are only called from the writer goroutine and Recv only
// from the reader goroutine, so implementations need not serialize them
// against themselves.
type Stream interface {
	// Send transmits one request.
	Send(req Request) error

	// Recv blocks for the next response. It returns io.EOF once the service
	// has closed its side cleanly.
	Recv() (Response, error)

	// CloseSend half-closes the outbound direction.
	CloseSend() error
}

// Transport opens duplex calls to a dialogue service. The call lives until
// ctx is cancelled or the stream ends.
type Transport interface {
	Open(ctx context.Context) (Stream, error)
}
