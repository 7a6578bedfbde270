// Package convai implements [dialogue.Transport] for the Convai streaming
// service (service.ConvaiService/GetResponse, a bidirectional gRPC stream).
//
// Messages are encoded with protowire against the published service.proto
// field numbers, so no generated stubs are needed.
package convai

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/MrWong99/facerelay/internal/rpc"
	"github.com/MrWong99/facerelay/pkg/dialogue"
)

// DefaultEndpoint is the public Convai gRPC endpoint.
const DefaultEndpoint = "stream.convai.com:443"

const getResponseMethod = "/service.ConvaiService/GetResponse"

var getResponseDesc = &grpc.StreamDesc{
	StreamName:    "GetResponse",
	ServerStreams: true,
	ClientStreams: true,
}

// Option configures a [Transport].
type Option func(*Transport)

// WithPlaintext disables TLS. Useful against local mocks.
func WithPlaintext() Option {
	return func(t *Transport) { t.plaintext = true }
}

// WithDialOptions appends gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(t *Transport) { t.dialOpts = append(t.dialOpts, opts...) }
}

// Transport opens GetResponse calls over one shared client connection.
type Transport struct {
	endpoint  string
	plaintext bool
	dialOpts  []grpc.DialOption
	conn      *grpc.ClientConn
}

var _ dialogue.Transport = (*Transport)(nil)

// New creates a Transport for endpoint. The connection is established lazily
// on the first call.
func New(endpoint string, opts ...Option) (*Transport, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	t := &Transport{endpoint: endpoint}
	for _, o := range opts {
		o(t)
	}
	conn, err := rpc.Dial(endpoint, t.plaintext, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("convai: %w", err)
	}
	t.conn = conn
	return t, nil
}

// Open implements [dialogue.Transport].
func (t *Transport) Open(ctx context.Context) (dialogue.Stream, error) {
	cs, err := t.conn.NewStream(ctx, getResponseDesc, getResponseMethod)
	if err != nil {
		return nil, fmt.Errorf("convai: open GetResponse: %w", err)
	}
	return &stream{cs: cs}, nil
}

// Close releases the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

type stream struct {
	cs grpc.ClientStream
}

func (s *stream) Send(req dialogue.Request) error {
	return s.cs.SendMsg(&rpc.Message{Data: encodeRequest(req)})
}

func (s *stream) Recv() (dialogue.Response, error) {
	var m rpc.Message
	if err := s.cs.RecvMsg(&m); err != nil {
		return dialogue.Response{}, err
	}
	return decodeResponse(m.Data)
}

func (s *stream) CloseSend() error {
	return s.cs.CloseSend()
}
