// Package a2f implements [animation.Client] for the Audio2Face streaming
// player (nvidia.audio2face.Audio2Face/PushAudioStream, a client-streaming
// gRPC call).
package a2f

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/MrWong99/facerelay/internal/rpc"
	"github.com/MrWong99/facerelay/pkg/animation"
)

const (
	// DefaultEndpoint is where a local Audio2Face instance listens.
	DefaultEndpoint = "localhost:50051"

	// DefaultInstance is the streaming player prim of the stock scene.
	DefaultInstance = "/World/LazyGraph/PlayerStreaming"
)

const pushAudioStreamMethod = "/nvidia.audio2face.Audio2Face/PushAudioStream"

var pushAudioStreamDesc = &grpc.StreamDesc{
	StreamName:    "PushAudioStream",
	ClientStreams: true,
}

// Option configures a [Client].
type Option func(*Client)

// WithDialOptions appends gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// Client is an Audio2Face push-stream client. Audio2Face serves plaintext
// gRPC only.
type Client struct {
	dialOpts []grpc.DialOption
	conn     *grpc.ClientConn
}

var _ animation.Client = (*Client)(nil)

// New creates a Client for endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{}
	for _, o := range opts {
		o(c)
	}
	conn, err := rpc.Dial(endpoint, true, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("a2f: %w", err)
	}
	c.conn = conn
	return c, nil
}

// PushAudioStream implements [animation.Client].
func (c *Client) PushAudioStream(ctx context.Context, start animation.StartMarker) (animation.PushStream, error) {
	cs, err := c.conn.NewStream(ctx, pushAudioStreamDesc, pushAudioStreamMethod)
	if err != nil {
		return nil, fmt.Errorf("a2f: open PushAudioStream: %w", err)
	}
	if err := cs.SendMsg(&rpc.Message{Data: encodeStart(start)}); err != nil {
		return nil, fmt.Errorf("a2f: send start marker: %w", err)
	}
	return &pushStream{cs: cs}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

type pushStream struct {
	cs grpc.ClientStream
}

func (s *pushStream) Send(chunk []byte) error {
	if err := s.cs.SendMsg(&rpc.Message{Data: encodeChunk(chunk)}); err != nil {
		return fmt.Errorf("a2f: send chunk: %w", err)
	}
	return nil
}

func (s *pushStream) CloseAndRecv() (animation.Result, error) {
	if err := s.cs.CloseSend(); err != nil {
		return animation.Result{}, fmt.Errorf("a2f: close send: %w", err)
	}
	var m rpc.Message
	if err := s.cs.RecvMsg(&m); err != nil {
		return animation.Result{}, fmt.Errorf("a2f: receive result: %w", err)
	}
	return decodeResult(m.Data)
}
