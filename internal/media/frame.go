package media

// Frame is one raw input picture handed to the encoder
type Frame struct {
	Width     int
	Height    int
	HorStride int
	VerStride int
	Format    Format
	PTS       int64
	DTS       int64
	EOS       bool
	Buffer    *Buffer
	Meta      Meta
}

// NewFrame allocates a frame with a backing buffer sized for the format.
// Zero strides default to the 16-aligned dimensions.
func NewFrame(width, height int, format Format) *Frame {
	f := &Frame{
		Width:     width,
		Height:    height,
		HorStride: Align16(width),
		VerStride: Align16(height),
		Format:    format,
	}
	f.Buffer = NewBuffer(format.FrameSize(f.HorStride, f.VerStride))
	return f
}

// Luma returns the Y plane, or nil when the frame has no YUV buffer
func (f *Frame) Luma() []byte {
	if f == nil || f.Buffer == nil {
		return nil
	}
	if !f.Format.IsYUV420() && f.Format != FmtYUV422SP {
		return nil
	}
	n := f.HorStride * f.VerStride
	if n > f.Buffer.Size() {
		return nil
	}
	return f.Buffer.Bytes()[:n]
}

// Release drops the frame's buffer reference
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.Buffer.Release()
	f.Buffer = nil
	f.Meta.Clear()
}
