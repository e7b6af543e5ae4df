// Package bitstream writes MSB-first bit sequences with Exp-Golomb codes and
// the NAL unit framing shared by H.264 and H.265.
package bitstream

// StartCode prefixes every NAL unit in an Annex B byte stream
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Writer accumulates bits most-significant first.
//
// Bits are collected in a 64-bit register and flushed a byte at a time once
// at least eight are pending.
type Writer struct {
	bits uint64 // pending bits, right-aligned
	used int    // number of pending bits
	buf  []byte
}

// NewWriter creates a Writer with capacity for expectedSize bytes
func NewWriter(expectedSize int) *Writer {
	if expectedSize < 64 {
		expectedSize = 64
	}
	return &Writer{buf: make([]byte, 0, expectedSize)}
}

// WriteBits writes the low n bits of v (n in 0..32)
func (w *Writer) WriteBits(v uint32, n int) {
	if n <= 0 {
		return
	}
	if n < 32 {
		v &= 1<<uint(n) - 1
	}
	w.bits = w.bits<<uint(n) | uint64(v)
	w.used += n
	for w.used >= 8 {
		w.used -= 8
		w.buf = append(w.buf, byte(w.bits>>uint(w.used)))
	}
	w.bits &= 1<<uint(w.used) - 1
}

// WriteBit writes a single flag
func (w *Writer) WriteBit(b bool) {
	if b {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

// WriteUE writes an unsigned Exp-Golomb code
func (w *Writer) WriteUE(v uint32) {
	x := uint64(v) + 1
	n := 0
	for t := x; t > 1; t >>= 1 {
		n++
	}
	// n leading zeros, then the n+1 bits of x
	w.WriteBits(0, n)
	if n+1 > 32 {
		w.WriteBits(uint32(x>>32), n+1-32)
		w.WriteBits(uint32(x), 32)
		return
	}
	w.WriteBits(uint32(x), n+1)
}

// WriteSE writes a signed Exp-Golomb code
func (w *Writer) WriteSE(v int32) {
	if v > 0 {
		w.WriteUE(uint32(v)*2 - 1)
	} else {
		w.WriteUE(uint32(-int64(v)) * 2)
	}
}

// AlignZero pads with zero bits to the next byte boundary
func (w *Writer) AlignZero() {
	if w.used > 0 {
		w.WriteBits(0, 8-w.used)
	}
}

// TrailingBits writes rbsp_trailing_bits: a stop bit then zero alignment
func (w *Writer) TrailingBits() {
	w.WriteBits(1, 1)
	w.AlignZero()
}

// ByteAligned reports whether the writer sits on a byte boundary
func (w *Writer) ByteAligned() bool {
	return w.used == 0
}

// Len returns the number of bits written
func (w *Writer) Len() int {
	return len(w.buf)*8 + w.used
}

// Bytes returns the completed bytes. Pending bits of a partial byte are not
// included; call AlignZero or TrailingBits first.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reset empties the writer, keeping its buffer
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.bits, w.used = 0, 0
}

// Clone returns an independent copy of the writer, pending bits included
func (w *Writer) Clone() *Writer {
	c := &Writer{bits: w.bits, used: w.used}
	c.buf = append(make([]byte, 0, cap(w.buf)), w.buf...)
	return c
}
