package enccfg

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/media"
)

// Prep change bits
const (
	PrepChangeInput uint32 = 1 << iota // width, height and strides
	PrepChangeFormat
	PrepChangeRotation
	PrepChangeMirroring
	PrepChangeColorRange
	PrepChangeColorSpace
	PrepChangeColorPrime
	PrepChangeColorTrc

	PrepChangeAll = PrepChangeColorTrc<<1 - 1
)

// Input dimension limits
const (
	MinDimension = 16
	MaxDimension = 8192
)

// Color ranges
const (
	ColorRangeUnspecified = iota
	ColorRangeLimited
	ColorRangeFull
)

// PrepCfg describes the input picture handed to the encoder
type PrepCfg struct {
	Change uint32

	Width     int
	Height    int
	HorStride int // 0 derives a 16-aligned stride from Width
	VerStride int // 0 derives a 16-aligned stride from Height
	Format    media.Format

	Rotation  int // degrees clockwise
	Mirroring bool

	ColorRange     int
	ColorSpace     int
	ColorPrimaries int
	ColorTrc       int
}

// ApplyPrep merges the flagged fields of src into dst. A failed check restores
// dst and returns ErrValue.
func ApplyPrep(dst, src *PrepCfg, log *zap.Logger) error {
	change := src.Change
	if change == 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	bak := *dst

	if change&PrepChangeInput != 0 {
		dst.Width = src.Width
		dst.Height = src.Height
		dst.HorStride = src.HorStride
		dst.VerStride = src.VerStride
	}
	if change&PrepChangeFormat != 0 {
		dst.Format = src.Format
	}
	if change&PrepChangeRotation != 0 {
		dst.Rotation = src.Rotation
	}
	if change&PrepChangeMirroring != 0 {
		dst.Mirroring = src.Mirroring
	}
	if change&PrepChangeColorRange != 0 {
		dst.ColorRange = src.ColorRange
	}
	if change&PrepChangeColorSpace != 0 {
		dst.ColorSpace = src.ColorSpace
	}
	if change&PrepChangeColorPrime != 0 {
		dst.ColorPrimaries = src.ColorPrimaries
	}
	if change&PrepChangeColorTrc != 0 {
		dst.ColorTrc = src.ColorTrc
	}

	if err := checkPrep(dst); err != nil {
		log.Warn("prep cfg rejected, restoring previous config", zap.Error(err))
		*dst = bak
		return err
	}

	dst.Change |= change
	return nil
}

func checkPrep(p *PrepCfg) error {
	if p.Width < MinDimension || p.Width > MaxDimension ||
		p.Height < MinDimension || p.Height > MaxDimension {
		return fmt.Errorf("size %dx%d outside [%d, %d]: %w",
			p.Width, p.Height, MinDimension, MaxDimension, ErrValue)
	}
	if p.HorStride == 0 {
		p.HorStride = media.Align16(p.Width)
	}
	if p.VerStride == 0 {
		p.VerStride = media.Align16(p.Height)
	}
	if p.HorStride < p.Width || p.VerStride < p.Height {
		return fmt.Errorf("stride %dx%d below size %dx%d: %w",
			p.HorStride, p.VerStride, p.Width, p.Height, ErrValue)
	}
	if !p.Format.Valid() {
		return fmt.Errorf("format %d: %w", p.Format, ErrValue)
	}
	switch p.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("rotation %d: %w", p.Rotation, ErrValue)
	}
	if p.ColorRange < ColorRangeUnspecified || p.ColorRange > ColorRangeFull {
		return fmt.Errorf("color range %d: %w", p.ColorRange, ErrValue)
	}
	for _, v := range []int{p.ColorSpace, p.ColorPrimaries, p.ColorTrc} {
		if v < 0 || v > 255 {
			return fmt.Errorf("color description %d: %w", v, ErrValue)
		}
	}
	return nil
}
