// Package rpc holds the gRPC plumbing shared by the dialogue and animation
// clients: a pass-through codec for hand-encoded protobuf messages and
// client connection setup.
package rpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Message is an already encoded protobuf message. Clients build it with
// protowire and the codec moves the bytes unchanged.
type Message struct {
	Data []byte
}

// Codec is a [encoding.Codec] that passes [Message] bytes through. It
// registers under the "proto" name so the content type on the wire stays
// application/grpc+proto.
type Codec struct{}

var _ encoding.Codec = Codec{}

// Marshal implements [encoding.Codec].
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*Message)
	if !ok {
		return nil, fmt.Errorf("rpc: cannot marshal %T", v)
	}
	return m.Data, nil
}

// Unmarshal implements [encoding.Codec].
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*Message)
	if !ok {
		return fmt.Errorf("rpc: cannot unmarshal into %T", v)
	}
	// The transport may reuse data after Unmarshal returns.
	m.Data = append(m.Data[:0], data...)
	return nil
}

// Name implements [encoding.Codec].
func (Codec) Name() string { return "proto" }
