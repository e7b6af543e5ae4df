package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/hal"
	"github.com/linuxmatters/vpuenc/internal/media"
)

// JPEG markers
const (
	jpegDQT  = 0xdb
	jpegSOF0 = 0xc0
	jpegSOS  = 0xda
)

// mjpeg carries no stream header: every frame is a self-contained baseline
// JPEG whose tables are written by ProcHal
type mjpeg struct {
	cfg *enccfg.Set
	syn hal.Syntax
}

func (c *mjpeg) Coding() media.CodingType {
	return media.CodingMJPEG
}

func (c *mjpeg) GenHdr(*media.Packet) error {
	return nil
}

func (c *mjpeg) Start(t *hal.Task) error {
	c.syn = hal.Syntax{Coding: media.CodingMJPEG, Intra: true}
	t.Syntax = &c.syn
	return nil
}

func (c *mjpeg) ProcDpb(*hal.Task) error {
	return nil
}

func (c *mjpeg) ProcHal(t *hal.Task) error {
	if t.RcTask == nil || t.Syntax == nil {
		return hal.ErrInvalidTask
	}
	p := &c.cfg.Prep
	t.Syntax.Intra = true
	t.Syntax.FrameHeader = jpegFrameHeader(p.Width, p.Height, t.RcTask.Info.QualityTarget)
	return nil
}

func (c *mjpeg) AddPrefix(*media.Packet, uuid.UUID, []byte) (int, error) {
	return 0, nil
}

func (c *mjpeg) SwEnc(*hal.Task) error {
	return fmt.Errorf("software skip on %s: %w", media.CodingMJPEG, ErrUnsupported)
}

func (c *mjpeg) SupportsSwSkip() bool {
	return false
}

// jpegFrameHeader writes a flat quantisation table derived from qp, a
// three-component 4:2:0 SOF0 and the scan header
func jpegFrameHeader(width, height, qp int) []byte {
	q := byte(max(1, min(255, qp*2)))

	out := []byte{0xff, jpegDQT}
	out = binary.BigEndian.AppendUint16(out, 2+65)
	out = append(out, 0x00)
	for range 64 {
		out = append(out, q)
	}

	out = append(out, 0xff, jpegSOF0)
	out = binary.BigEndian.AppendUint16(out, 8+3*3)
	out = append(out, 8)
	out = binary.BigEndian.AppendUint16(out, uint16(height))
	out = binary.BigEndian.AppendUint16(out, uint16(width))
	out = append(out, 3,
		1, 0x22, 0,
		2, 0x11, 0,
		3, 0x11, 0)

	out = append(out, 0xff, jpegSOS)
	out = binary.BigEndian.AppendUint16(out, 6+2*3)
	out = append(out, 3,
		1, 0x00,
		2, 0x11,
		3, 0x11)
	return append(out, 0, 63, 0)
}
