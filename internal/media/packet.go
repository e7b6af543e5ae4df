package media

import (
	"errors"
	"fmt"
)

// ErrNoSpace is returned when a write would overflow a packet's buffer
var ErrNoSpace = errors.New("packet buffer full")

// Packet flags
const (
	PacketFlagIntra         uint32 = 1 << iota // packet starts with an intra frame
	PacketFlagEOS                              // last packet of the stream
	PacketFlagPartition                        // packet is one partition of a frame
	PacketFlagLastPartition                    // final partition of a frame
)

// Packet is one chunk of encoded bitstream.
// Valid bytes are Buffer.Bytes()[:Length].
type Packet struct {
	Buffer *Buffer
	Length int
	PTS    int64
	DTS    int64
	Flags  uint32
	Meta   Meta
}

// NewPacket returns a packet backed by a buffer of the given capacity
func NewPacket(capacity int) *Packet {
	return &Packet{Buffer: NewBuffer(capacity)}
}

// Capacity returns the size of the backing buffer
func (p *Packet) Capacity() int {
	return p.Buffer.Size()
}

// Bytes returns the valid encoded bytes
func (p *Packet) Bytes() []byte {
	if p == nil || p.Buffer == nil {
		return nil
	}
	return p.Buffer.Bytes()[:p.Length]
}

// Tail returns the unused region after Length
func (p *Packet) Tail() []byte {
	if p.Buffer == nil {
		return nil
	}
	return p.Buffer.Bytes()[p.Length:]
}

// Append copies b to the end of the packet
func (p *Packet) Append(b []byte) error {
	if p.Length+len(b) > p.Capacity() {
		return fmt.Errorf("append %d bytes at %d/%d: %w", len(b), p.Length, p.Capacity(), ErrNoSpace)
	}
	copy(p.Buffer.Bytes()[p.Length:], b)
	p.Length += len(b)
	return nil
}

// SetLength truncates or extends the valid region within capacity
func (p *Packet) SetLength(n int) error {
	if n < 0 || n > p.Capacity() {
		return fmt.Errorf("length %d outside capacity %d: %w", n, p.Capacity(), ErrNoSpace)
	}
	p.Length = n
	return nil
}

// HasFlag reports whether every bit in flag is set
func (p *Packet) HasFlag(flag uint32) bool {
	return p.Flags&flag == flag
}

// Release drops the packet's buffer reference
func (p *Packet) Release() {
	if p == nil {
		return
	}
	p.Buffer.Release()
	p.Buffer = nil
	p.Length = 0
	p.Meta.Clear()
}
