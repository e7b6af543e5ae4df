package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/media"
)

// Video settings
const (
	Width  = 1280
	Height = 720
	FPS    = 30
	Frames = 300 // frames generated when no count is given
)

// Rate control settings
const (
	Bitrate  = 4_000_000 // target bits per second
	Gop      = 60        // frames between IDRs
	MaxReenc = 1         // re-encode attempts per frame
)

// Port queue depths
const (
	InputQueueSize  = 4
	OutputQueueSize = 4
)

// Appearance - test pattern styling
const (
	// Number of vertical colour bars in the generated pattern
	BarCount = 8

	// Text colour for the frame counter overlay
	// Brand yellow #F8B31D
	TextColorR = 248
	TextColorG = 179
	TextColorB = 29

	// Counter overlay font size in points, scaled by frame height / 720
	CounterFontSize = 48.0
	CounterMargin   = 24 // pixels from the top-left corner
)

// RuntimeConfig holds the values chosen on the command line. Nil pointers
// fall back to the package defaults.
type RuntimeConfig struct {
	Coding   media.CodingType
	Width    int
	Height   int
	Format   media.Format
	RcMode   enccfg.RcMode
	LowDelay bool

	Bitrate  *int
	FPS      *int
	Gop      *int
	MaxReenc *int

	TextColorR *uint8
	TextColorG *uint8
	TextColorB *uint8
}

// GetSize returns the frame size, defaulting each unset dimension
func (c *RuntimeConfig) GetSize() (int, int) {
	w, h := c.Width, c.Height
	if w <= 0 {
		w = Width
	}
	if h <= 0 {
		h = Height
	}
	return w, h
}

// GetBitrate returns the target bitrate or the default
func (c *RuntimeConfig) GetBitrate() int {
	if c.Bitrate != nil {
		return *c.Bitrate
	}
	return Bitrate
}

// GetFPS returns the frame rate or the default
func (c *RuntimeConfig) GetFPS() int {
	if c.FPS != nil {
		return *c.FPS
	}
	return FPS
}

// GetGop returns the GOP length or the default
func (c *RuntimeConfig) GetGop() int {
	if c.Gop != nil {
		return *c.Gop
	}
	return Gop
}

// GetMaxReenc returns the re-encode budget or the default
func (c *RuntimeConfig) GetMaxReenc() int {
	if c.MaxReenc != nil {
		return *c.MaxReenc
	}
	return MaxReenc
}

// GetTextColor returns the overlay colour. All three channels must be set
// for the override to apply.
func (c *RuntimeConfig) GetTextColor() (uint8, uint8, uint8) {
	if c.TextColorR != nil && c.TextColorG != nil && c.TextColorB != nil {
		return *c.TextColorR, *c.TextColorG, *c.TextColorB
	}
	return TextColorR, TextColorG, TextColorB
}

// EncoderConfig returns the configuration as a set_cfg update, with the
// change bits set for every field it carries
func (c *RuntimeConfig) EncoderConfig() enccfg.Set {
	coding := c.Coding
	if coding == media.CodingUnknown {
		coding = media.CodingAVC
	}
	set := enccfg.Defaults(coding)
	w, h := c.GetSize()
	fps := enccfg.Fps{Num: c.GetFPS(), Denom: 1}

	set.Base.Change = enccfg.BaseChangeLowDelay
	set.Base.LowDelay = c.LowDelay

	set.Prep.Change = enccfg.PrepChangeInput | enccfg.PrepChangeFormat
	set.Prep.Width = w
	set.Prep.Height = h
	set.Prep.Format = c.Format

	set.Rc.Change = enccfg.RcChangeMode | enccfg.RcChangeBps | enccfg.RcChangeFpsIn |
		enccfg.RcChangeFpsOut | enccfg.RcChangeGop | enccfg.RcChangeMaxReenc
	set.Rc.Mode = c.RcMode
	set.Rc.BpsTarget = c.GetBitrate()
	set.Rc.BpsMax = 0
	set.Rc.BpsMin = 0
	set.Rc.FpsIn = fps
	set.Rc.FpsOut = fps
	set.Rc.Gop = c.GetGop()
	set.Rc.MaxReencTimes = c.GetMaxReenc()
	return set
}

// ParseResolution parses a WIDTHxHEIGHT string such as "640x480"
func ParseResolution(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("resolution %q: want WIDTHxHEIGHT", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, fmt.Errorf("resolution %q: width: %w", s, err)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("resolution %q: height: %w", s, err)
	}
	if w < enccfg.MinDimension || h < enccfg.MinDimension ||
		w > enccfg.MaxDimension || h > enccfg.MaxDimension {
		return 0, 0, fmt.Errorf("resolution %dx%d outside [%d, %d]",
			w, h, enccfg.MinDimension, enccfg.MaxDimension)
	}
	if w%2 != 0 || h%2 != 0 {
		return 0, 0, fmt.Errorf("resolution %dx%d: 4:2:0 needs even dimensions", w, h)
	}
	return w, h, nil
}

// ParseHexColor parses "RRGGBB" or "#RRGGBB"
func ParseHexColor(s string) (uint8, uint8, uint8, error) {
	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 6 {
		return 0, 0, 0, fmt.Errorf("colour %q: want 6 hex digits", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("colour %q: %w", s, err)
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v), nil
}
