package media

import "fmt"

// Format is the pixel layout of an input frame
type Format int

const (
	FmtYUV420SP   Format = iota // NV12: Y plane + interleaved CbCr
	FmtYUV420P                  // I420: Y, Cb, Cr planes
	FmtYUV422SP                 // NV16
	FmtYUV422YUYV               // packed YUYV
	FmtRGB888                   // packed 24-bit RGB
	FmtARGB8888                 // packed 32-bit ARGB
	FmtButt
)

var formatNames = [...]string{
	FmtYUV420SP:   "yuv420sp",
	FmtYUV420P:    "yuv420p",
	FmtYUV422SP:   "yuv422sp",
	FmtYUV422YUYV: "yuyv",
	FmtRGB888:     "rgb888",
	FmtARGB8888:   "argb8888",
}

func (f Format) String() string {
	if f >= 0 && f < FmtButt {
		return formatNames[f]
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// Valid reports whether f is one of the enumerated formats
func (f Format) Valid() bool {
	return f >= 0 && f < FmtButt
}

// IsYUV420 reports whether the format is a 4:2:0 YUV layout
func (f Format) IsYUV420() bool {
	return f == FmtYUV420SP || f == FmtYUV420P
}

// FrameSize returns the byte size of one frame with the given strides
func (f Format) FrameSize(horStride, verStride int) int {
	switch f {
	case FmtYUV420SP, FmtYUV420P:
		return horStride * verStride * 3 / 2
	case FmtYUV422SP, FmtYUV422YUYV:
		return horStride * verStride * 2
	case FmtRGB888:
		return horStride * verStride * 3
	case FmtARGB8888:
		return horStride * verStride * 4
	}
	return 0
}

// ParseFormat maps a format name to its Format
func ParseFormat(name string) (Format, error) {
	for i, n := range formatNames {
		if n == name {
			return Format(i), nil
		}
	}
	switch name {
	case "nv12":
		return FmtYUV420SP, nil
	case "i420":
		return FmtYUV420P, nil
	}
	return FmtButt, fmt.Errorf("unknown format %q", name)
}

// Align16 rounds v up to the next multiple of 16
func Align16(v int) int {
	return (v + 15) &^ 15
}
