// Package relay carries reply audio across the process boundary between the
// dialogue side and the animation side.
//
// Two TCP connections are used. The audio connection carries length-prefixed
// frames:
//
//	uint32BE length | int32BE sampleRate | '|' | PCM16LE payload
//
// where length counts everything after the prefix. The control connection
// carries the 4-byte command "stop", answered by the 7-byte "stopped".
package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// CmdStop halts the animation stream on the far side.
	CmdStop = "stop"

	// AckStopped acknowledges CmdStop.
	AckStopped = "stopped"

	// CommandSize is the fixed length of every control command.
	CommandSize = 4

	// DefaultMaxFrameBytes bounds a single frame body.
	DefaultMaxFrameBytes = 4 << 20

	// DefaultAudioAddr and DefaultControlAddr are the conventional listen
	// addresses of the relay server.
	DefaultAudioAddr   = "localhost:65432"
	DefaultControlAddr = "localhost:65433"

	headerSize = 4
	rateSize   = 4
	separator  = '|'
)

var (
	// ErrFraming marks a malformed or truncated frame. It is fatal for the
	// connection it was read from; there is no resynchronization.
	ErrFraming = errors.New("relay: framing error")

	// ErrUnknownCommand is returned by ReadCommand for anything but CmdStop.
	ErrUnknownCommand = errors.New("relay: unknown control command")

	// ErrNotConnected is returned when the connection a call needs is down.
	ErrNotConnected = errors.New("relay: not connected")
)

// Frame is one relay message.
type Frame struct {
	SampleRate int32
	Payload    []byte
}

// AppendFrame appends the wire encoding of f to b.
func AppendFrame(b []byte, f Frame) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(rateSize+1+len(f.Payload)))
	b = binary.BigEndian.AppendUint32(b, uint32(f.SampleRate))
	b = append(b, separator)
	return append(b, f.Payload...)
}

// WriteFrame writes f to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	buf := AppendFrame(make([]byte, 0, headerSize+rateSize+1+len(f.Payload)), f)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("relay: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r. It returns io.EOF when r ends
// cleanly on a frame boundary and an error wrapping [ErrFraming] when the
// peer closed mid-frame, the declared length is out of range, or the
// separator is missing. maxBody <= 0 selects [DefaultMaxFrameBytes].
func ReadFrame(r io.Reader, maxBody int) (Frame, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxFrameBytes
	}
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: short length prefix", ErrFraming)
		}
		return Frame{}, fmt.Errorf("relay: read frame: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n < rateSize+1 || int64(n) > int64(maxBody) {
		return Frame{}, fmt.Errorf("%w: frame length %d out of range", ErrFraming, n)
	}

	body := make([]byte, n)
	if got, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: got %d of %d bytes", ErrFraming, got, n)
		}
		return Frame{}, fmt.Errorf("relay: read frame: %w", err)
	}
	if body[rateSize] != separator {
		return Frame{}, fmt.Errorf("%w: missing separator", ErrFraming)
	}
	return Frame{
		SampleRate: int32(binary.BigEndian.Uint32(body[:rateSize])),
		Payload:    body[rateSize+1:],
	}, nil
}

// WriteCommand writes a 4-byte control command.
func WriteCommand(w io.Writer, cmd string) error {
	if len(cmd) != CommandSize {
		return fmt.Errorf("relay: command %q is not %d bytes", cmd, CommandSize)
	}
	if _, err := io.WriteString(w, cmd); err != nil {
		return fmt.Errorf("relay: write command: %w", err)
	}
	return nil
}

// ReadCommand reads one 4-byte command. It returns the raw command together
// with [ErrUnknownCommand] when it is not CmdStop, so the caller can log it
// and keep reading.
func ReadCommand(r io.Reader) (string, error) {
	var buf [CommandSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return "", fmt.Errorf("%w: short command", ErrFraming)
		}
		return "", fmt.Errorf("relay: read command: %w", err)
	}
	cmd := string(buf[:])
	if cmd != CmdStop {
		return cmd, ErrUnknownCommand
	}
	return cmd, nil
}

// WriteAck writes the stop acknowledgment.
func WriteAck(w io.Writer) error {
	if _, err := io.WriteString(w, AckStopped); err != nil {
		return fmt.Errorf("relay: write ack: %w", err)
	}
	return nil
}

// ReadAck reads and validates one stop acknowledgment.
func ReadAck(r io.Reader) error {
	var buf [len(AckStopped)]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: short ack", ErrFraming)
		}
		return fmt.Errorf("relay: read ack: %w", err)
	}
	if string(buf[:]) != AckStopped {
		return fmt.Errorf("%w: unexpected ack %q", ErrFraming, buf[:])
	}
	return nil
}
