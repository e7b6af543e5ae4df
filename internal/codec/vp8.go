package codec

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/hal"
	"github.com/linuxmatters/vpuenc/internal/media"
)

// vp8 has no parameter sets; key frames carry the dimensions in the frame tag
type vp8 struct {
	cfg *enccfg.Set
	syn hal.Syntax
}

func (c *vp8) Coding() media.CodingType {
	return media.CodingVP8
}

func (c *vp8) GenHdr(*media.Packet) error {
	return nil
}

func (c *vp8) Start(t *hal.Task) error {
	c.syn = hal.Syntax{Coding: media.CodingVP8}
	t.Syntax = &c.syn
	return nil
}

func (c *vp8) ProcDpb(*hal.Task) error {
	return nil
}

func (c *vp8) ProcHal(t *hal.Task) error {
	if t.RcTask == nil || t.Syntax == nil {
		return hal.ErrInvalidTask
	}
	t.Syntax.Intra = t.RcTask.Cpb.Curr.IsIntra
	t.Syntax.TemporalID = t.RcTask.Cpb.Curr.TemporalID
	return nil
}

func (c *vp8) AddPrefix(*media.Packet, uuid.UUID, []byte) (int, error) {
	return 0, nil
}

func (c *vp8) SwEnc(*hal.Task) error {
	return fmt.Errorf("software skip on %s: %w", media.CodingVP8, ErrUnsupported)
}

func (c *vp8) SupportsSwSkip() bool {
	return false
}
