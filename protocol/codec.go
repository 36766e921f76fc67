package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encoder appends little-endian fields to a payload.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with capacity for n bytes.
func NewEncoder(n int) *Encoder {
	return &Encoder{buf: make([]byte, 0, n)}
}

func (e *Encoder) Uint8(v uint8) *Encoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *Encoder) Uint16(v uint16) *Encoder {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
	return e
}

func (e *Encoder) Int16(v int16) *Encoder { return e.Uint16(uint16(v)) }

func (e *Encoder) Words(ws []uint16) *Encoder {
	for _, w := range ws {
		e.Uint16(w)
	}
	return e
}

func (e *Encoder) Values(vs []int16) *Encoder {
	for _, v := range vs {
		e.Int16(v)
	}
	return e
}

// String writes a length-prefixed string. Strings longer than 255 bytes are
// truncated.
func (e *Encoder) String(s string) *Encoder {
	if len(s) > 0xFF {
		s = s[:0xFF]
	}
	e.buf = append(e.buf, uint8(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

func (e *Encoder) Raw(b []byte) *Encoder {
	e.buf = append(e.buf, b...)
	return e
}

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte { return e.buf }

// Decoder reads little-endian fields from a payload. The first short read
// sets a sticky error and every later read returns zero values.
type Decoder struct {
	data []byte
	off  int
	err  error
}

// NewDecoder reads from payload.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{data: payload}
}

func (d *Decoder) need(n int, what string) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.data) {
		d.err = fmt.Errorf("%s at offset %d: %w", what, d.off, ErrShortPayload)
		return false
	}
	return true
}

func (d *Decoder) Uint8() uint8 {
	if !d.need(1, "uint8") {
		return 0
	}
	v := d.data[d.off]
	d.off++
	return v
}

func (d *Decoder) Uint16() uint16 {
	if !d.need(2, "uint16") {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.data[d.off:])
	d.off += 2
	return v
}

func (d *Decoder) Int16() int16 { return int16(d.Uint16()) }

func (d *Decoder) String() string {
	n := int(d.Uint8())
	if !d.need(n, "string") {
		return ""
	}
	s := string(d.data[d.off : d.off+n])
	d.off += n
	return s
}

func (d *Decoder) Bytes(n int) []byte {
	if !d.need(n, "bytes") {
		return nil
	}
	b := append([]byte(nil), d.data[d.off:d.off+n]...)
	d.off += n
	return b
}

// Values reads every remaining complete word.
func (d *Decoder) Values() []int16 {
	var out []int16
	for d.err == nil && d.Remaining() >= 2 {
		out = append(out, d.Int16())
	}
	return out
}

// Remaining is the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.data) - d.off }

// Err returns the first decoding error.
func (d *Decoder) Err() error { return d.err }
