package enccfg

import (
	"fmt"
	"hash/fnv"
)

// Palette change bits
const (
	PltChangeType uint32 = 1 << iota
	PltChangeTable
)

// PltType selects the OSD palette source
type PltType int

const (
	PltDefault PltType = iota
	PltUserdef
)

// OsdPltCfg is the on-screen-display palette: 256 packed YUVA entries
type OsdPltCfg struct {
	Change uint32
	Type   PltType
	Table  [256]uint32
}

func defaultPlt() OsdPltCfg {
	var p OsdPltCfg
	// grey ramp, fully opaque
	for i := range p.Table {
		v := uint32(i)
		p.Table[i] = 0xff<<24 | v<<16 | 0x80<<8 | 0x80
	}
	return p
}

// ApplyPlt merges the flagged palette fields of src into dst
func ApplyPlt(dst, src *OsdPltCfg) error {
	change := src.Change
	if change == 0 {
		return nil
	}
	if change&PltChangeType != 0 && src.Type != PltDefault && src.Type != PltUserdef {
		return fmt.Errorf("palette type %d: %w", src.Type, ErrValue)
	}
	if change&PltChangeType != 0 {
		dst.Type = src.Type
		if dst.Type == PltDefault {
			dst.Table = defaultPlt().Table
		}
	}
	if change&PltChangeTable != 0 {
		dst.Table = src.Table
	}
	dst.Change |= change
	return nil
}

// Hash fingerprints the palette table for register images
func (p *OsdPltCfg) Hash() uint32 {
	h := fnv.New32a()
	var b [4]byte
	for _, v := range p.Table {
		b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
		h.Write(b[:])
	}
	return h.Sum32()
}
