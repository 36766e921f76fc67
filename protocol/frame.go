package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxPayload bounds the declared length of an incoming frame.
const DefaultMaxPayload = 4096

// headerSize is length + source + type.
const headerSize = 6

var (
	// ErrMalformedFrame is returned when a frame header declares an
	// impossible length. The stream cannot be resynchronised afterwards.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrShortPayload is returned when a payload is too short for the
	// fields its type requires.
	ErrShortPayload = errors.New("payload too short")
)

// Message is a typed payload without addressing.
type Message struct {
	Type    uint16
	Payload []byte
}

// Frame is a message together with the id of the node that sent it.
type Frame struct {
	Source uint16
	Message
}

// NewMessage builds a message whose payload is the little-endian encoding of
// words.
func NewMessage(t uint16, words ...uint16) Message {
	enc := NewEncoder(len(words) * 2)
	enc.Words(words)
	return Message{Type: t, Payload: enc.Bytes()}
}

// Words decodes the payload as little-endian 16-bit words. A trailing odd
// byte is ignored.
func (m Message) Words() []uint16 {
	out := make([]uint16, len(m.Payload)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(m.Payload[2*i:])
	}
	return out
}

// Destination returns the destination node id of a unicast message.
func (m Message) Destination() (uint16, error) {
	if len(m.Payload) < 2 {
		return 0, fmt.Errorf("%s message: %w", TypeName(m.Type), ErrShortPayload)
	}
	return binary.LittleEndian.Uint16(m.Payload), nil
}

// IsUnicast reports whether the message must be routed to one node.
func (m Message) IsUnicast() bool { return IsUnicast(m.Type) }

// Clone returns a copy that does not share the payload buffer.
func (m Message) Clone() Message {
	p := make([]byte, len(m.Payload))
	copy(p, m.Payload)
	return Message{Type: m.Type, Payload: p}
}

// MarshalBinary encodes the frame as it appears on the wire. The length
// field counts the payload only, not the type word.
func (f Frame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > 0xFFFF {
		return nil, fmt.Errorf("payload of %d bytes: %w", len(f.Payload), ErrMalformedFrame)
	}
	buf := make([]byte, headerSize+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(f.Payload)))
	binary.LittleEndian.PutUint16(buf[2:], f.Source)
	binary.LittleEndian.PutUint16(buf[4:], f.Type)
	copy(buf[headerSize:], f.Payload)
	return buf, nil
}

// UnmarshalBinary decodes exactly one frame from data.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("header of %d bytes: %w", len(data), ErrMalformedFrame)
	}
	n := int(binary.LittleEndian.Uint16(data[0:]))
	if len(data) != headerSize+n {
		return fmt.Errorf("declared payload %d, got %d: %w", n, len(data)-headerSize, ErrMalformedFrame)
	}
	f.Source = binary.LittleEndian.Uint16(data[2:])
	f.Type = binary.LittleEndian.Uint16(data[4:])
	f.Payload = append([]byte(nil), data[headerSize:]...)
	return nil
}

// ReadFrame reads one frame from r. A declared payload larger than
// maxPayload yields ErrMalformedFrame; maxPayload <= 0 selects
// DefaultMaxPayload.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := int(binary.LittleEndian.Uint16(hdr[0:]))
	if n > maxPayload {
		return Frame{}, fmt.Errorf("declared payload %d exceeds %d: %w", n, maxPayload, ErrMalformedFrame)
	}
	f := Frame{
		Source: binary.LittleEndian.Uint16(hdr[2:]),
		Message: Message{
			Type:    binary.LittleEndian.Uint16(hdr[4:]),
			Payload: make([]byte, n),
		},
	}
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return f, nil
}

// WriteFrame writes f to w with a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
