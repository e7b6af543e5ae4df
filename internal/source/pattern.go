package source

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"strconv"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/linuxmatters/vpuenc/internal/config"
	"github.com/linuxmatters/vpuenc/internal/media"
)

// Source produces raw frames for the encoder. Next fills f and returns
// io.EOF once the source is exhausted.
type Source interface {
	Next(f *media.Frame) error
}

// barColors are the classic 75% colour bars
var barColors = [config.BarCount]color.RGBA{
	{191, 191, 191, 255},
	{191, 191, 0, 255},
	{0, 191, 191, 255},
	{0, 191, 0, 255},
	{191, 0, 191, 255},
	{191, 0, 0, 255},
	{0, 0, 191, 255},
	{16, 16, 16, 255},
}

// PatternOptions configures NewPattern
type PatternOptions struct {
	Width      int
	Height     int
	Frames     int         // 0 means unlimited
	Background *image.RGBA // optional, already scaled to Width x Height
	TextColor  color.RGBA
	NoCounter  bool
}

// Pattern draws scrolling colour bars with a frame counter in the corner
type Pattern struct {
	width, height int
	frames        int
	n             int

	img       *image.RGBA
	bg        *image.RGBA
	face      font.Face
	textColor color.RGBA

	// Pre-computed values
	barWidth   int
	alphaTable []uint8 // vertical fade of the bars over the background
}

// NewPattern creates a pattern source
func NewPattern(opts PatternOptions) (*Pattern, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("pattern size %dx%d", opts.Width, opts.Height)
	}
	if opts.Background != nil {
		b := opts.Background.Bounds()
		if b.Dx() != opts.Width || b.Dy() != opts.Height {
			return nil, fmt.Errorf("background %dx%d does not match pattern %dx%d",
				b.Dx(), b.Dy(), opts.Width, opts.Height)
		}
	}

	p := &Pattern{
		width:     opts.Width,
		height:    opts.Height,
		frames:    opts.Frames,
		img:       image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height)),
		bg:        opts.Background,
		textColor: opts.TextColor,
		barWidth:  max(opts.Width/config.BarCount, 1),
	}

	// Pre-compute alpha gradient table (1.0 at the top to 0.5 at the bottom)
	p.alphaTable = make([]uint8, opts.Height)
	for y := range p.alphaTable {
		p.alphaTable[y] = uint8((1.0 - float64(y)/float64(opts.Height)*0.5) * 255)
	}

	if !opts.NoCounter {
		face, err := counterFace(opts.Height)
		if err != nil {
			return nil, err
		}
		p.face = face
	}
	return p, nil
}

func counterFace(height int) (font.Face, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse counter font: %w", err)
	}
	size := max(config.CounterFontSize*float64(height)/720, 8)
	return truetype.NewFace(f, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	}), nil
}

// Next draws frame n and converts it into f
func (p *Pattern) Next(f *media.Frame) error {
	if p.frames > 0 && p.n >= p.frames {
		return io.EOF
	}
	p.Draw(p.n)
	if err := ConvertRGBAToYUV(p.img, f); err != nil {
		return err
	}
	f.PTS = int64(p.n)
	f.DTS = f.PTS
	p.n++
	return nil
}

// Draw renders frame n into the pattern's image
func (p *Pattern) Draw(n int) {
	if p.bg != nil {
		copy(p.img.Pix, p.bg.Pix)
	} else {
		// Fast clear to black, 8 pixels at a time
		blackPattern := [32]byte{
			0, 0, 0, 255, 0, 0, 0, 255,
			0, 0, 0, 255, 0, 0, 0, 255,
			0, 0, 0, 255, 0, 0, 0, 255,
			0, 0, 0, 255, 0, 0, 0, 255,
		}
		for i := 0; i < len(p.img.Pix); i += 32 {
			copy(p.img.Pix[i:min(i+32, len(p.img.Pix))], blackPattern[:])
		}
	}

	p.drawBars(n)

	if p.face != nil {
		p.drawCounter(n)
	}
}

// drawBars fills each scanline with the bars shifted left by n pixels. The
// first scanline is built once and reused, scaled by the fade table when
// there is a background to blend over.
func (p *Pattern) drawBars(n int) {
	row := make([]byte, p.width*4)
	span := p.barWidth * config.BarCount
	for x := 0; x < p.width; x++ {
		c := barColors[((x+n)%span)/p.barWidth]
		row[x*4] = c.R
		row[x*4+1] = c.G
		row[x*4+2] = c.B
		row[x*4+3] = 255
	}

	for y := 0; y < p.height; y++ {
		line := p.img.Pix[y*p.img.Stride : y*p.img.Stride+p.width*4]
		if p.bg == nil {
			copy(line, row)
			continue
		}
		alphaF := float64(p.alphaTable[y]) / 255.0
		invAlphaF := 1.0 - alphaF
		for i := 0; i < len(line); i += 4 {
			line[i] = uint8(float64(row[i])*alphaF + float64(line[i])*invAlphaF)
			line[i+1] = uint8(float64(row[i+1])*alphaF + float64(line[i+1])*invAlphaF)
			line[i+2] = uint8(float64(row[i+2])*alphaF + float64(line[i+2])*invAlphaF)
		}
	}
}

// drawCounter draws the frame number in the top left corner
func (p *Pattern) drawCounter(n int) {
	d := &font.Drawer{
		Dst:  p.img,
		Src:  image.NewUniform(p.textColor),
		Face: p.face,
	}
	text := strconv.Itoa(n)
	bounds, _ := d.BoundString(text)
	textHeight := (bounds.Max.Y - bounds.Min.Y).Ceil()

	d.Dot = freetype.Pt(config.CounterMargin, textHeight+config.CounterMargin)
	d.DrawString(text)
}

// Image returns the last drawn RGBA frame
func (p *Pattern) Image() *image.RGBA {
	return p.img
}
