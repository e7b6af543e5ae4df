package source

import (
	"errors"
	"fmt"
	"io"

	"github.com/linuxmatters/vpuenc/internal/media"
)

// Raw reads tightly packed 4:2:0 frames (no stride padding) from r
type Raw struct {
	r      io.Reader
	width  int
	height int
	format media.Format
	buf    []byte
	n      int64
}

// NewRaw returns a source reading width x height frames of format from r
func NewRaw(r io.Reader, width, height int, format media.Format) (*Raw, error) {
	if !format.IsYUV420() {
		return nil, fmt.Errorf("raw input format %s is not 4:2:0", format)
	}
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("raw input size %dx%d", width, height)
	}
	return &Raw{
		r:      r,
		width:  width,
		height: height,
		format: format,
		buf:    make([]byte, format.FrameSize(width, height)),
	}, nil
}

// Next reads one frame into f. A partial trailing frame is reported as
// io.ErrUnexpectedEOF.
func (s *Raw) Next(f *media.Frame) error {
	if _, err := io.ReadFull(s.r, s.buf); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read frame %d: %w", s.n, err)
	}
	if f.Format != s.format || f.Width != s.width || f.Height != s.height {
		return fmt.Errorf("frame %dx%d %s does not match input %dx%d %s",
			f.Width, f.Height, f.Format, s.width, s.height, s.format)
	}

	dst := f.Buffer.Bytes()
	w, h := s.width, s.height

	// luma
	for y := 0; y < h; y++ {
		copy(dst[y*f.HorStride:y*f.HorStride+w], s.buf[y*w:(y+1)*w])
	}
	src := s.buf[w*h:]
	chroma := dst[f.HorStride*f.VerStride:]
	if s.format == media.FmtYUV420SP {
		for y := 0; y < h/2; y++ {
			copy(chroma[y*f.HorStride:y*f.HorStride+w], src[y*w:(y+1)*w])
		}
	} else {
		cw, cStride := w/2, f.HorStride/2
		vSrc := src[cw*h/2:]
		vDst := chroma[cStride*(f.VerStride/2):]
		for y := 0; y < h/2; y++ {
			copy(chroma[y*cStride:y*cStride+cw], src[y*cw:(y+1)*cw])
			copy(vDst[y*cStride:y*cStride+cw], vSrc[y*cw:(y+1)*cw])
		}
	}

	f.PTS = s.n
	f.DTS = s.n
	s.n++
	return nil
}
