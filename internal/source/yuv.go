package source

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/linuxmatters/vpuenc/internal/media"
)

// ConvertRGBAToYUV writes img into f's buffer as NV12 or I420, honouring the
// frame's strides. Chroma is taken from the top-left pixel of each 2x2 block.
func ConvertRGBAToYUV(img *image.RGBA, f *media.Frame) error {
	if f == nil || f.Buffer == nil {
		return fmt.Errorf("convert: frame has no buffer")
	}
	if !f.Format.IsYUV420() {
		return fmt.Errorf("convert: format %s is not 4:2:0", f.Format)
	}
	b := img.Bounds()
	width := min(b.Dx(), f.Width)
	height := min(b.Dy(), f.Height)
	if f.Buffer.Size() < f.Format.FrameSize(f.HorStride, f.VerStride) {
		return fmt.Errorf("convert: buffer %d bytes too small for %dx%d %s",
			f.Buffer.Size(), f.HorStride, f.VerStride, f.Format)
	}

	data := f.Buffer.Bytes()
	lumaSize := f.HorStride * f.VerStride
	yPlane := data[:lumaSize]
	chroma := data[lumaSize:]

	// Scaled integer coefficients (multiplied by 65536 for precision)
	const (
		yr = 19595 // 0.299 * 65536
		yg = 38470 // 0.587 * 65536
		yb = 7471  // 0.114 * 65536

		ur = -11076 // -0.169 * 65536
		ug = -21692 // -0.331 * 65536
		ub = 32768  // 0.500 * 65536

		vr = 32768  // 0.500 * 65536
		vg = -27460 // -0.419 * 65536
		vb = -5308  // -0.081 * 65536
	)

	semiPlanar := f.Format == media.FmtYUV420SP
	cStride := f.HorStride / 2
	vOffset := cStride * (f.VerStride / 2)

	// Split rows across workers; a worker writes the chroma row of every
	// even luma row it owns, so no two workers touch the same bytes
	workers := runtime.NumCPU()
	rowsPerWorker := height / workers
	if rowsPerWorker < 1 {
		rowsPerWorker = 1
		workers = height
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if w == workers-1 {
			endY = height
		}

		go func(startY, endY int) {
			defer wg.Done()
			for y := startY; y < endY; y++ {
				src := img.Pix[(b.Min.Y+y)*img.Stride+b.Min.X*4:]
				dst := yPlane[y*f.HorStride:]
				even := y&1 == 0
				for x := 0; x < width; x++ {
					r := int(src[x*4])
					g := int(src[x*4+1])
					bl := int(src[x*4+2])

					dst[x] = uint8((yr*r + yg*g + yb*bl) >> 16)

					if even && x&1 == 0 {
						u := uint8(((ur*r + ug*g + ub*bl) >> 16) + 128)
						v := uint8(((vr*r + vg*g + vb*bl) >> 16) + 128)
						if semiPlanar {
							off := (y>>1)*f.HorStride + x
							chroma[off] = u
							chroma[off+1] = v
						} else {
							off := (y>>1)*cStride + x>>1
							chroma[off] = u
							chroma[vOffset+off] = v
						}
					}
				}
			}
		}(startY, endY)
	}
	wg.Wait()
	return nil
}
