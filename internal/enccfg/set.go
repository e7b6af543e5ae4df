// Package enccfg holds the encoder configuration set and the per-field
// validation applied when a caller pushes an update.
//
// Every sub-config carries a Change bitmask. Callers OR bits into the source
// struct to say which fields they mean to update; Apply* copies only those
// fields into the destination, validates the result and ORs the accepted bits
// into the destination's mask. The encoder clears destination masks once the
// change has been consumed.
package enccfg

import (
	"errors"

	"github.com/linuxmatters/vpuenc/internal/media"
)

// ErrValue is returned when an update would leave a sub-config inconsistent.
// The destination is restored to its pre-update state.
var ErrValue = errors.New("invalid config value")

// Base change bits
const (
	BaseChangeLowDelay uint32 = 1 << iota
)

// BaseCfg holds codec-independent pipeline switches
type BaseCfg struct {
	Change   uint32
	LowDelay bool // emit partitions as soon as the hardware finishes them
}

// Set is the full external encoder configuration
type Set struct {
	Base  BaseCfg
	Rc    RcCfg
	Prep  PrepCfg
	Codec CodecCfg
	Ref   RefCfg
	Hw    HwCfg
	Plt   OsdPltCfg
}

// Defaults returns a configuration with every field at its default for coding.
// Prep dimensions are left zero until the caller sets them.
func Defaults(coding media.CodingType) Set {
	return Set{
		Rc:    defaultRc(coding),
		Prep:  PrepCfg{Format: media.FmtYUV420SP},
		Codec: defaultCodec(coding),
		Ref:   RefCfg{TemporalLayers: 1},
		Plt:   defaultPlt(),
	}
}

// ApplyBase copies the flagged base fields
func ApplyBase(dst, src *BaseCfg) {
	if src.Change&BaseChangeLowDelay != 0 {
		dst.LowDelay = src.LowDelay
	}
	dst.Change |= src.Change
}

// Changed reports whether any destination change mask is set
func (s *Set) Changed() bool {
	return s.Base.Change|s.Rc.Change|s.Prep.Change|s.Codec.Change()|
		s.Ref.Change|s.Hw.Change|s.Plt.Change != 0
}

// ClearChanges zeroes every destination change mask
func (s *Set) ClearChanges() {
	s.Base.Change = 0
	s.Rc.Change = 0
	s.Prep.Change = 0
	s.Codec.ClearChange()
	s.Ref.Change = 0
	s.Hw.Change = 0
	s.Plt.Change = 0
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
