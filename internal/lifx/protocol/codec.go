package protocol

import (
	"encoding/binary"
	"math"
)

// writer appends little-endian fields to a byte slice.
type writer struct {
	b []byte
}

func (w *writer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *writer) u16(v uint16) { w.b = binary.LittleEndian.AppendUint16(w.b, v) }
func (w *writer) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }
func (w *writer) f32(v float32) {
	w.u32(math.Float32bits(v))
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) zero(n int) {
	for i := 0; i < n; i++ {
		w.b = append(w.b, 0)
	}
}

// fixed writes s into exactly n bytes, truncating or zero padding.
func (w *writer) fixed(s []byte, n int) {
	if len(s) > n {
		s = s[:n]
	}
	w.b = append(w.b, s...)
	w.zero(n - len(s))
}

func (w *writer) hsbk(c HSBK) {
	w.u16(c.Hue)
	w.u16(c.Saturation)
	w.u16(c.Brightness)
	w.u16(c.Kelvin)
}

// reader consumes little-endian fields. The first short read latches
// ErrShortPacket and every later read returns zero values.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = ErrShortPacket
		return nil
	}
	s := r.b[r.off : r.off+n]
	r.off += n
	return s
}

func (r *reader) u8() uint8 {
	if s := r.take(1); s != nil {
		return s[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if s := r.take(2); s != nil {
		return binary.LittleEndian.Uint16(s)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if s := r.take(4); s != nil {
		return binary.LittleEndian.Uint32(s)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if s := r.take(8); s != nil {
		return binary.LittleEndian.Uint64(s)
	}
	return 0
}

func (r *reader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *reader) bool() bool {
	return r.u8() != 0
}

func (r *reader) skip(n int) {
	r.take(n)
}

// cstring reads a NUL padded fixed-width string.
func (r *reader) cstring(n int) string {
	s := r.take(n)
	for i, c := range s {
		if c == 0 {
			return string(s[:i])
		}
	}
	return string(s)
}

func (r *reader) hsbk() HSBK {
	return HSBK{
		Hue:        r.u16(),
		Saturation: r.u16(),
		Brightness: r.u16(),
		Kelvin:     r.u16(),
	}
}
