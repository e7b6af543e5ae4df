package source

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/linuxmatters/vpuenc/internal/media"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// TestConvertRGBAToYUV checks the fixed-point coefficients and the chroma
// plane layout of both 4:2:0 formats
func TestConvertRGBAToYUV(t *testing.T) {
	testCases := []struct {
		name    string
		color   color.RGBA
		wantY   uint8
		wantU   uint8
		wantV   uint8
		formats []media.Format
	}{
		{"white", color.RGBA{255, 255, 255, 255}, 255, 128, 128, nil},
		{"black", color.RGBA{0, 0, 0, 255}, 0, 128, 128, nil},
		{"red", color.RGBA{255, 0, 0, 255}, 76, 84, 255, nil},
		{"blue", color.RGBA{0, 0, 255, 255}, 29, 255, 107, nil},
	}

	for _, tc := range testCases {
		for _, format := range []media.Format{media.FmtYUV420SP, media.FmtYUV420P} {
			t.Run(tc.name+"/"+format.String(), func(t *testing.T) {
				// 40x30 pads to 48x32 strides
				f := media.NewFrame(40, 30, format)
				if err := ConvertRGBAToYUV(solidImage(40, 30, tc.color), f); err != nil {
					t.Fatalf("ConvertRGBAToYUV() returned error: %v", err)
				}

				data := f.Buffer.Bytes()
				luma := f.HorStride * f.VerStride
				if got := data[29*f.HorStride+39]; got != tc.wantY {
					t.Errorf("Y = %d, want %d", got, tc.wantY)
				}
				if got := data[40]; got != 0 {
					t.Errorf("stride padding written: %d", got)
				}

				var u, v uint8
				if format == media.FmtYUV420SP {
					off := luma + 14*f.HorStride + 38
					u, v = data[off], data[off+1]
				} else {
					cStride := f.HorStride / 2
					off := 14*cStride + 19
					u = data[luma+off]
					v = data[luma+cStride*(f.VerStride/2)+off]
				}
				if u != tc.wantU || v != tc.wantV {
					t.Errorf("UV = (%d, %d), want (%d, %d)", u, v, tc.wantU, tc.wantV)
				}
			})
		}
	}
}

func TestConvertRGBAToYUV_Errors(t *testing.T) {
	img := solidImage(16, 16, color.RGBA{A: 255})
	if err := ConvertRGBAToYUV(img, &media.Frame{Width: 16, Height: 16}); err == nil {
		t.Error("frame without buffer accepted")
	}
	if err := ConvertRGBAToYUV(img, media.NewFrame(16, 16, media.FmtRGB888)); err == nil {
		t.Error("RGB frame accepted")
	}
}

func TestPattern_Frames(t *testing.T) {
	p, err := NewPattern(PatternOptions{
		Width:     64,
		Height:    48,
		Frames:    3,
		TextColor: color.RGBA{248, 179, 29, 255},
	})
	if err != nil {
		t.Fatalf("NewPattern() returned error: %v", err)
	}

	var lumas [][]byte
	for i := 0; i < 3; i++ {
		f := media.NewFrame(64, 48, media.FmtYUV420SP)
		if err := p.Next(f); err != nil {
			t.Fatalf("Next() frame %d returned error: %v", i, err)
		}
		if f.PTS != int64(i) {
			t.Errorf("frame %d PTS = %d", i, f.PTS)
		}
		lumas = append(lumas, bytes.Clone(f.Luma()))
	}
	if bytes.Equal(lumas[0], lumas[1]) {
		t.Error("consecutive frames are identical")
	}

	if err := p.Next(media.NewFrame(64, 48, media.FmtYUV420SP)); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after the last frame = %v, want io.EOF", err)
	}
}

func TestPattern_CounterOverlay(t *testing.T) {
	plain, err := NewPattern(PatternOptions{Width: 320, Height: 240, NoCounter: true})
	if err != nil {
		t.Fatal(err)
	}
	text, err := NewPattern(PatternOptions{Width: 320, Height: 240, TextColor: color.RGBA{255, 255, 255, 255}})
	if err != nil {
		t.Fatal(err)
	}
	plain.Draw(7)
	text.Draw(7)
	if bytes.Equal(plain.Image().Pix, text.Image().Pix) {
		t.Error("counter overlay drew nothing")
	}
}

func TestPattern_BackgroundBlend(t *testing.T) {
	bg := solidImage(64, 48, color.RGBA{0, 0, 255, 255})
	p, err := NewPattern(PatternOptions{Width: 64, Height: 48, Background: bg, NoCounter: true})
	if err != nil {
		t.Fatal(err)
	}
	p.Draw(0)

	// the bottom row is half bar, half background
	img := p.Image()
	off := 47*img.Stride + 0
	if img.Pix[off+2] < 100 {
		t.Errorf("bottom-left blue = %d, want the background to show through", img.Pix[off+2])
	}
	if bg.Pix[0] != 0 {
		t.Error("background modified")
	}

	if _, err := NewPattern(PatternOptions{Width: 32, Height: 32, Background: bg}); err == nil {
		t.Error("mismatched background accepted")
	}
}

func TestLoadBackground(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bg.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, solidImage(100, 50, color.RGBA{10, 200, 30, 255})); err != nil {
		t.Fatal(err)
	}
	f.Close()

	img, err := LoadBackground(path, 64, 48)
	if err != nil {
		t.Fatalf("LoadBackground() returned error: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("scaled to %dx%d, want 64x48", b.Dx(), b.Dy())
	}
	if c := img.RGBAAt(32, 24); c.G < 190 || c.R > 20 {
		t.Errorf("centre pixel %v, want the source colour", c)
	}

	if _, err := LoadBackground(filepath.Join(t.TempDir(), "missing.png"), 64, 48); err == nil {
		t.Error("missing file accepted")
	}
}

func TestRaw(t *testing.T) {
	testCases := []struct {
		name   string
		format media.Format
	}{
		{"nv12", media.FmtYUV420SP},
		{"i420", media.FmtYUV420P},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			const w, h = 20, 10
			size := tc.format.FrameSize(w, h)
			in := make([]byte, size*2+5)
			for i := range in {
				in[i] = byte(i)
			}
			src, err := NewRaw(bytes.NewReader(in), w, h, tc.format)
			if err != nil {
				t.Fatal(err)
			}

			f := media.NewFrame(w, h, tc.format)
			if err := src.Next(f); err != nil {
				t.Fatalf("Next() returned error: %v", err)
			}
			data := f.Buffer.Bytes()
			if !bytes.Equal(data[f.HorStride:f.HorStride+w], in[w:2*w]) {
				t.Error("second luma row misplaced")
			}
			luma := f.HorStride * f.VerStride
			if data[luma] != in[w*h] {
				t.Errorf("first chroma byte = %d, want %d", data[luma], in[w*h])
			}
			if tc.format == media.FmtYUV420P {
				cStride := f.HorStride / 2
				vDst := luma + cStride*(f.VerStride/2)
				vSrc := w*h + (w/2)*(h/2)
				if data[vDst] != in[vSrc] {
					t.Errorf("first V byte = %d, want %d", data[vDst], in[vSrc])
				}
			}

			if err := src.Next(f); err != nil || f.PTS != 1 {
				t.Fatalf("second Next() = %v, PTS %d", err, f.PTS)
			}
			if err := src.Next(f); !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("partial frame error = %v, want io.ErrUnexpectedEOF", err)
			}
		})
	}

	if _, err := NewRaw(bytes.NewReader(nil), 21, 10, media.FmtYUV420SP); err == nil {
		t.Error("odd width accepted")
	}
}
