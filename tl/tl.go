// Package tl implements the little-endian binary wire codec used by the
// protocol: fixed-width integers, 128-bit nonces, IEEE doubles and
// length-prefixed byte strings padded to four-byte alignment.
package tl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// VectorTag is the constructor tag prefixed to serialized vectors.
const VectorTag = 0x1cb5c415

// ErrShortRead indicates the reader ran out of data mid-field.
var ErrShortRead = errors.New("tl: unexpected end of data")

// Writer accumulates a wire-encoded buffer. The zero value is ready for use.
type Writer struct {
	buf []byte
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// PutInt writes a 32-bit little-endian integer.
func (w *Writer) PutInt(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

// PutUint32 writes a 32-bit little-endian unsigned integer.
func (w *Writer) PutUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// PutLong writes a 64-bit little-endian integer.
func (w *Writer) PutLong(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

// PutUint64 writes a 64-bit little-endian unsigned integer.
func (w *Writer) PutUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// PutDouble writes a 64-bit IEEE 754 float.
func (w *Writer) PutDouble(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// PutInt128 writes a 16-byte value verbatim.
func (w *Writer) PutInt128(v [16]byte) {
	w.buf = append(w.buf, v[:]...)
}

// PutRaw appends bytes without any framing.
func (w *Writer) PutRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutString writes a length-prefixed byte string. Strings shorter than 254
// bytes use a one-byte length; longer ones a 0xfe marker plus a three-byte
// length. Either form is zero-padded so the total is a multiple of four.
func (w *Writer) PutString(b []byte) {
	if len(b) < 254 {
		w.buf = append(w.buf, byte(len(b)))
	} else {
		w.buf = append(w.buf, 0xfe,
			byte(len(b)), byte(len(b)>>8), byte(len(b)>>16))
	}
	w.buf = append(w.buf, b...)
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
}

// PutVectorLong writes a vector of 64-bit integers with its constructor tag.
func (w *Writer) PutVectorLong(v []int64) {
	w.PutInt(VectorTag)
	w.PutInt(int32(len(v)))
	for _, x := range v {
		w.PutLong(x)
	}
}

// Reader decodes a wire-encoded buffer. Errors are sticky: after the first
// failed read every subsequent call returns the zero value, so a parse can be
// written as a straight-line sequence with a single Err check at the end.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over b. The buffer is not copied.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.buf) - r.off
}

// ExpectEnd records an error if unread bytes remain.
func (r *Reader) ExpectEnd() {
	if r.err == nil && r.off != len(r.buf) {
		r.fail(fmt.Errorf("tl: %d trailing bytes", len(r.buf)-r.off))
	}
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.fail(ErrShortRead)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// ReadInt reads a 32-bit little-endian integer.
func (r *Reader) ReadInt() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

// ReadUint32 reads a 32-bit little-endian unsigned integer.
func (r *Reader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadLong reads a 64-bit little-endian integer.
func (r *Reader) ReadLong() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

// ReadUint64 reads a 64-bit little-endian unsigned integer.
func (r *Reader) ReadUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadDouble reads a 64-bit IEEE 754 float.
func (r *Reader) ReadDouble() float64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// ReadInt128 reads a 16-byte value.
func (r *Reader) ReadInt128() (v [16]byte) {
	b := r.take(16)
	if b != nil {
		copy(v[:], b)
	}
	return v
}

// ReadRaw reads n bytes verbatim. The returned slice aliases the input.
func (r *Reader) ReadRaw(n int) []byte {
	if n < 0 {
		r.fail(fmt.Errorf("tl: negative raw length %d", n))
		return nil
	}
	return r.take(n)
}

// ReadString reads a length-prefixed byte string and skips its padding.
// The returned slice aliases the input buffer.
func (r *Reader) ReadString() []byte {
	first := r.take(1)
	if first == nil {
		return nil
	}
	var n, prefix int
	if first[0] < 254 {
		n, prefix = int(first[0]), 1
	} else {
		b := r.take(3)
		if b == nil {
			return nil
		}
		n, prefix = int(b[0])|int(b[1])<<8|int(b[2])<<16, 4
	}
	s := r.take(n)
	if s == nil {
		return nil
	}
	if pad := (4 - (prefix+n)%4) % 4; pad > 0 {
		r.take(pad)
	}
	return s
}

// ReadVectorLong reads a vector of 64-bit integers, checking its tag.
func (r *Reader) ReadVectorLong() []int64 {
	if tag := r.ReadInt(); r.err == nil && tag != VectorTag {
		r.fail(fmt.Errorf("tl: expected vector tag, got %#x", uint32(tag)))
	}
	n := r.ReadInt()
	if r.err != nil {
		return nil
	}
	if n < 0 || int(n)*8 > r.Remaining() {
		r.fail(fmt.Errorf("tl: bad vector length %d", n))
		return nil
	}
	v := make([]int64, n)
	for i := range v {
		v[i] = r.ReadLong()
	}
	return v
}
