package protocol

import (
	"encoding/binary"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// All multi-byte values are little-endian. Variable-length fields carry a
// u32 element count. A zero count decodes to a nil slice.

type encoder struct {
	buf []byte
}

func newEncoder(tag Tag, sizeHint int) *encoder {
	buf := make([]byte, 0, 1+sizeHint)
	return &encoder{buf: append(buf, byte(tag))}
}

func (e *encoder) bytes() []byte { return e.buf }

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }

func (e *encoder) f32(v float32) { e.u32(math.Float32bits(v)) }

func (e *encoder) f64(v float64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v)) }

func (e *encoder) id(v uuid.UUID) { e.buf = append(e.buf, v[:]...) }

// str replaces invalid UTF-8 with U+FFFD, since the decoder rejects it.
// Error texts from external engines end up here unchecked.
func (e *encoder) str(v string) {
	v = strings.ToValidUTF8(v, "\uFFFD")
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) blob(v []byte) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) samples(v []int16) {
	e.u32(uint32(len(v)))
	for _, s := range v {
		e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(s))
	}
}

func (e *encoder) optStr(v *string) {
	if v == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.str(*v)
}

func (e *encoder) optF32(v *float32) {
	if v == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.f32(*v)
}

// decoder reads fields with a sticky error: after the first failure every
// read returns a zero value and finish reports the original cause.
type decoder struct {
	data []byte
	off  int
	tag  byte
	err  error
}

func newDecoder(frame []byte) (*decoder, error) {
	if len(frame) == 0 {
		return nil, &DecodeError{Offset: 0, Err: ErrTruncated}
	}
	return &decoder{data: frame, off: 1, tag: frame[0]}, nil
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = &DecodeError{Tag: d.tag, Offset: d.off, Err: err}
	}
}

func (d *decoder) remaining() int { return len(d.data) - d.off }

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > d.remaining() {
		d.fail(ErrTruncated)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) bool() bool {
	switch d.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		d.off--
		d.fail(ErrOutOfRange)
		return false
	}
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) f32() float32 { return math.Float32frombits(d.u32()) }

func (d *decoder) f64() float64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (d *decoder) id() uuid.UUID {
	var v uuid.UUID
	b := d.take(len(v))
	if b != nil {
		copy(v[:], b)
	}
	return v
}

// length reads a u32 element count and checks that count*width bytes are
// still available, so a corrupt prefix can never trigger a huge allocation.
func (d *decoder) length(width int) int {
	n := d.u32()
	if d.err != nil {
		return 0
	}
	if uint64(n)*uint64(width) > uint64(d.remaining()) {
		d.off -= 4
		d.fail(ErrBadLength)
		return 0
	}
	return int(n)
}

func (d *decoder) str() string {
	n := d.length(1)
	b := d.take(n)
	if d.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		d.off -= n
		d.fail(ErrInvalidUTF8)
		return ""
	}
	return string(b)
}

func (d *decoder) blob() []byte {
	n := d.length(1)
	b := d.take(n)
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) samples() []int16 {
	n := d.length(2)
	b := d.take(2 * n)
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func (d *decoder) optStr() *string {
	if !d.bool() {
		return nil
	}
	v := d.str()
	if d.err != nil {
		return nil
	}
	return &v
}

func (d *decoder) optF32() *float32 {
	if !d.bool() {
		return nil
	}
	v := d.f32()
	if d.err != nil {
		return nil
	}
	return &v
}

func (d *decoder) unknownTag() {
	d.off = 0
	d.fail(ErrUnknownTag)
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.remaining() != 0 {
		d.fail(ErrTrailingBytes)
		return d.err
	}
	return nil
}
