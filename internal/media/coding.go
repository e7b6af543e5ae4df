package media

import "fmt"

// CodingType identifies the compression standard an encoder instance produces
type CodingType int

const (
	CodingUnknown CodingType = iota
	CodingAVC                // H.264 / AVC
	CodingHEVC               // H.265 / HEVC
	CodingMJPEG              // Motion JPEG
	CodingVP8                // VP8
)

var codingNames = map[CodingType]string{
	CodingAVC:   "h264",
	CodingHEVC:  "h265",
	CodingMJPEG: "mjpeg",
	CodingVP8:   "vp8",
}

func (c CodingType) String() string {
	if name, ok := codingNames[c]; ok {
		return name
	}
	return fmt.Sprintf("coding(%d)", int(c))
}

// HasParamSets reports whether the coding carries out-of-band parameter sets
// (SPS/PPS/VPS) that must be resent after a configuration change.
func (c CodingType) HasParamSets() bool {
	return c == CodingAVC || c == CodingHEVC
}

// ParseCodingType maps a short codec name to its CodingType
func ParseCodingType(name string) (CodingType, error) {
	switch name {
	case "h264", "avc", "H264", "AVC":
		return CodingAVC, nil
	case "h265", "hevc", "H265", "HEVC":
		return CodingHEVC, nil
	case "mjpeg", "jpeg", "MJPEG", "JPEG":
		return CodingMJPEG, nil
	case "vp8", "VP8":
		return CodingVP8, nil
	}
	return CodingUnknown, fmt.Errorf("unknown coding %q", name)
}
