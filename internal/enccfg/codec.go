package enccfg

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/media"
)

// H.264 profiles
const (
	H264ProfileBaseline = 66
	H264ProfileMain     = 77
	H264ProfileHigh     = 100
)

// H.264 change bits
const (
	H264ChangeProfile uint32 = 1 << iota // profile and level
	H264ChangeEntropy
	H264ChangeTrans8x8
	H264ChangeConstIntra
	H264ChangeChromaQp
	H264ChangeDeblocking
	H264ChangeVui
	H264ChangeQpLimit
	H264ChangeQpLimitI
	H264ChangeMaxQpStep
	H264ChangeQpDelta
	H264ChangeMaxTid
	H264ChangeMaxLtr
	H264ChangeAddPrefix
	H264ChangeBaseLayerPid

	// changes the stream header does not depend on
	H264SafeChange = H264ChangeQpLimit | H264ChangeQpLimitI | H264ChangeMaxQpStep |
		H264ChangeQpDelta | H264ChangeMaxTid | H264ChangeMaxLtr |
		H264ChangeAddPrefix | H264ChangeBaseLayerPid
)

// H264Cfg holds H.264 syntax options
type H264Cfg struct {
	Change uint32

	Profile int
	Level   int // level_idc, 10 for 1.0 up to 52 for 5.2

	EntropyCodingMode int // 0 CAVLC, 1 CABAC
	CabacInitIdc      int
	Transform8x8      bool
	ConstrainedIntra  bool

	ChromaQpIndexOffset int
	DeblockDisable      int
	DeblockOffsetAlpha  int
	DeblockOffsetBeta   int

	Vui bool // write VUI timing info

	QpMax     int
	QpMin     int
	QpMaxI    int
	QpMinI    int
	QpMaxStep int
	QpDeltaIP int

	MaxTid       int
	MaxLtrFrames int
	AddPrefix    bool // SVC prefix NAL before each slice
	BaseLayerPid int
}

// H.265 change bits
const (
	H265ChangeProfile uint32 = 1 << iota // profile, tier and level
	H265ChangeSao
	H265ChangeDblk
	H265ChangeTrans
	H265ChangeVui
	H265ChangeQpLimit
	H265ChangeQpLimitI
	H265ChangeMaxQpStep
	H265ChangeQpDelta
	H265ChangeMaxTid
	H265ChangeMaxLtr

	H265SafeChange = H265ChangeQpLimit | H265ChangeQpLimitI | H265ChangeMaxQpStep |
		H265ChangeQpDelta | H265ChangeMaxTid | H265ChangeMaxLtr
)

// H.265 profiles
const (
	H265ProfileMain      = 1
	H265ProfileMainStill = 3
)

// H265Cfg holds H.265 syntax options
type H265Cfg struct {
	Change uint32

	Profile int
	Tier    int
	Level   int // general_level_idc, 30 times the level number

	SaoLumaDisable   bool
	SaoChromaDisable bool

	DeblockDisable bool
	BetaOffsetDiv2 int
	TcOffsetDiv2   int

	CbQpOffset int
	CrQpOffset int

	Vui bool

	QpMax     int
	QpMin     int
	QpMaxI    int
	QpMinI    int
	QpMaxStep int
	QpDeltaIP int

	MaxTid       int
	MaxLtrFrames int
}

// JPEG change bits
const (
	JpegChangeQFactor uint32 = 1 << iota
	JpegChangeQfRange

	JpegSafeChange = JpegChangeQFactor | JpegChangeQfRange
)

// JpegCfg holds MJPEG quality options
type JpegCfg struct {
	Change  uint32
	QFactor int // 1..99
	QfMax   int
	QfMin   int
}

// VP8 change bits
const (
	Vp8ChangeQp uint32 = 1 << iota
	Vp8ChangeIvf

	Vp8SafeChange = Vp8ChangeQp | Vp8ChangeIvf
)

// Vp8Cfg holds VP8 options
type Vp8Cfg struct {
	Change     uint32
	QpInit     int
	QpMax      int
	QpMin      int
	QpMaxI     int
	QpMinI     int
	DisableIvf bool
}

// CodecCfg holds the options of every codec; only the one matching Coding is used
type CodecCfg struct {
	Coding media.CodingType
	H264   H264Cfg
	H265   H265Cfg
	Jpeg   JpegCfg
	Vp8    Vp8Cfg
}

func defaultCodec(coding media.CodingType) CodecCfg {
	return CodecCfg{
		Coding: coding,
		H264: H264Cfg{
			Profile:           H264ProfileHigh,
			Level:             40,
			EntropyCodingMode: 1,
			Transform8x8:      true,
			Vui:               true,
			QpMax:             51,
			QpMin:             10,
			QpMaxI:            51,
			QpMinI:            10,
			QpMaxStep:         4,
			QpDeltaIP:         2,
		},
		H265: H265Cfg{
			Profile:   H265ProfileMain,
			Level:     120,
			Vui:       true,
			QpMax:     51,
			QpMin:     10,
			QpMaxI:    51,
			QpMinI:    10,
			QpMaxStep: 4,
			QpDeltaIP: 2,
		},
		Jpeg: JpegCfg{QFactor: 80, QfMax: 99, QfMin: 1},
		Vp8:  Vp8Cfg{QpInit: 40, QpMax: 127, QpMin: 0, QpMaxI: 127, QpMinI: 0},
	}
}

// Change returns the change mask of the active codec
func (c *CodecCfg) Change() uint32 {
	switch c.Coding {
	case media.CodingAVC:
		return c.H264.Change
	case media.CodingHEVC:
		return c.H265.Change
	case media.CodingMJPEG:
		return c.Jpeg.Change
	case media.CodingVP8:
		return c.Vp8.Change
	}
	return 0
}

// SetChange replaces the change mask of the active codec
func (c *CodecCfg) SetChange(change uint32) {
	switch c.Coding {
	case media.CodingAVC:
		c.H264.Change = change
	case media.CodingHEVC:
		c.H265.Change = change
	case media.CodingMJPEG:
		c.Jpeg.Change = change
	case media.CodingVP8:
		c.Vp8.Change = change
	}
}

// ClearChange zeroes every codec change mask
func (c *CodecCfg) ClearChange() {
	c.H264.Change = 0
	c.H265.Change = 0
	c.Jpeg.Change = 0
	c.Vp8.Change = 0
}

func (c *CodecCfg) safeMask() uint32 {
	switch c.Coding {
	case media.CodingAVC:
		return H264SafeChange
	case media.CodingHEVC:
		return H265SafeChange
	case media.CodingMJPEG:
		return JpegSafeChange
	case media.CodingVP8:
		return Vp8SafeChange
	}
	return 0
}

// NeedsHeaderResend reports whether pending codec changes touch anything
// outside the header-safe subset
func (c *CodecCfg) NeedsHeaderResend() bool {
	return c.Change()&^c.safeMask() != 0
}

// ApplyCodec merges the active codec's flagged fields of src into dst.
// The caller's Coding must be unset or match dst.
func ApplyCodec(dst, src *CodecCfg, log *zap.Logger) error {
	if src.Coding != media.CodingUnknown && src.Coding != dst.Coding {
		return fmt.Errorf("codec cfg for %s on %s encoder: %w", src.Coding, dst.Coding, ErrValue)
	}
	if log == nil {
		log = zap.NewNop()
	}

	var err error
	switch dst.Coding {
	case media.CodingAVC:
		err = applyH264(&dst.H264, &src.H264)
	case media.CodingHEVC:
		err = applyH265(&dst.H265, &src.H265)
	case media.CodingMJPEG:
		err = applyJpeg(&dst.Jpeg, &src.Jpeg)
	case media.CodingVP8:
		err = applyVp8(&dst.Vp8, &src.Vp8)
	default:
		err = fmt.Errorf("coding %s: %w", dst.Coding, ErrValue)
	}
	if err != nil {
		log.Warn("codec cfg rejected, restoring previous config",
			zap.Stringer("coding", dst.Coding), zap.Error(err))
	}
	return err
}

func applyH264(dst, src *H264Cfg) error {
	change := src.Change
	if change == 0 {
		return nil
	}
	bak := *dst

	if change&H264ChangeProfile != 0 {
		dst.Profile = src.Profile
		dst.Level = src.Level
	}
	if change&H264ChangeEntropy != 0 {
		dst.EntropyCodingMode = src.EntropyCodingMode
		dst.CabacInitIdc = src.CabacInitIdc
	}
	if change&H264ChangeTrans8x8 != 0 {
		dst.Transform8x8 = src.Transform8x8
	}
	if change&H264ChangeConstIntra != 0 {
		dst.ConstrainedIntra = src.ConstrainedIntra
	}
	if change&H264ChangeChromaQp != 0 {
		dst.ChromaQpIndexOffset = src.ChromaQpIndexOffset
	}
	if change&H264ChangeDeblocking != 0 {
		dst.DeblockDisable = src.DeblockDisable
		dst.DeblockOffsetAlpha = src.DeblockOffsetAlpha
		dst.DeblockOffsetBeta = src.DeblockOffsetBeta
	}
	if change&H264ChangeVui != 0 {
		dst.Vui = src.Vui
	}
	if change&H264ChangeQpLimit != 0 {
		dst.QpMax = src.QpMax
		dst.QpMin = src.QpMin
	}
	if change&H264ChangeQpLimitI != 0 {
		dst.QpMaxI = src.QpMaxI
		dst.QpMinI = src.QpMinI
	}
	if change&H264ChangeMaxQpStep != 0 {
		dst.QpMaxStep = src.QpMaxStep
	}
	if change&H264ChangeQpDelta != 0 {
		dst.QpDeltaIP = src.QpDeltaIP
	}
	if change&H264ChangeMaxTid != 0 {
		dst.MaxTid = src.MaxTid
	}
	if change&H264ChangeMaxLtr != 0 {
		dst.MaxLtrFrames = src.MaxLtrFrames
	}
	if change&H264ChangeAddPrefix != 0 {
		dst.AddPrefix = src.AddPrefix
	}
	if change&H264ChangeBaseLayerPid != 0 {
		dst.BaseLayerPid = src.BaseLayerPid
	}

	if err := checkH264(dst); err != nil {
		*dst = bak
		return err
	}
	dst.Change |= change
	return nil
}

func checkH264(c *H264Cfg) error {
	switch c.Profile {
	case H264ProfileBaseline, H264ProfileMain, H264ProfileHigh:
	default:
		return fmt.Errorf("h264 profile %d: %w", c.Profile, ErrValue)
	}
	if c.Level < 10 || c.Level > 52 {
		return fmt.Errorf("h264 level %d: %w", c.Level, ErrValue)
	}
	if c.EntropyCodingMode != 0 && c.EntropyCodingMode != 1 {
		return fmt.Errorf("h264 entropy mode %d: %w", c.EntropyCodingMode, ErrValue)
	}
	if c.EntropyCodingMode == 1 && c.Profile == H264ProfileBaseline {
		return fmt.Errorf("cabac on baseline profile: %w", ErrValue)
	}
	if c.CabacInitIdc < 0 || c.CabacInitIdc > 2 {
		return fmt.Errorf("h264 cabac_init_idc %d: %w", c.CabacInitIdc, ErrValue)
	}
	if c.Transform8x8 && c.Profile != H264ProfileHigh {
		return fmt.Errorf("8x8 transform needs high profile: %w", ErrValue)
	}
	if c.ChromaQpIndexOffset < -12 || c.ChromaQpIndexOffset > 12 {
		return fmt.Errorf("h264 chroma qp offset %d: %w", c.ChromaQpIndexOffset, ErrValue)
	}
	if c.DeblockDisable < 0 || c.DeblockDisable > 2 ||
		c.DeblockOffsetAlpha < -6 || c.DeblockOffsetAlpha > 6 ||
		c.DeblockOffsetBeta < -6 || c.DeblockOffsetBeta > 6 {
		return fmt.Errorf("h264 deblocking: %w", ErrValue)
	}
	if err := checkQpLimits("h264", 51, c.QpMin, c.QpMax, c.QpMinI, c.QpMaxI); err != nil {
		return err
	}
	if c.MaxTid < 0 || c.MaxTid > 3 || c.MaxLtrFrames < 0 || c.MaxLtrFrames > 16 {
		return fmt.Errorf("h264 layer limits: %w", ErrValue)
	}
	return nil
}

func applyH265(dst, src *H265Cfg) error {
	change := src.Change
	if change == 0 {
		return nil
	}
	bak := *dst

	if change&H265ChangeProfile != 0 {
		dst.Profile = src.Profile
		dst.Tier = src.Tier
		dst.Level = src.Level
	}
	if change&H265ChangeSao != 0 {
		dst.SaoLumaDisable = src.SaoLumaDisable
		dst.SaoChromaDisable = src.SaoChromaDisable
	}
	if change&H265ChangeDblk != 0 {
		dst.DeblockDisable = src.DeblockDisable
		dst.BetaOffsetDiv2 = src.BetaOffsetDiv2
		dst.TcOffsetDiv2 = src.TcOffsetDiv2
	}
	if change&H265ChangeTrans != 0 {
		dst.CbQpOffset = src.CbQpOffset
		dst.CrQpOffset = src.CrQpOffset
	}
	if change&H265ChangeVui != 0 {
		dst.Vui = src.Vui
	}
	if change&H265ChangeQpLimit != 0 {
		dst.QpMax = src.QpMax
		dst.QpMin = src.QpMin
	}
	if change&H265ChangeQpLimitI != 0 {
		dst.QpMaxI = src.QpMaxI
		dst.QpMinI = src.QpMinI
	}
	if change&H265ChangeMaxQpStep != 0 {
		dst.QpMaxStep = src.QpMaxStep
	}
	if change&H265ChangeQpDelta != 0 {
		dst.QpDeltaIP = src.QpDeltaIP
	}
	if change&H265ChangeMaxTid != 0 {
		dst.MaxTid = src.MaxTid
	}
	if change&H265ChangeMaxLtr != 0 {
		dst.MaxLtrFrames = src.MaxLtrFrames
	}

	if err := checkH265(dst); err != nil {
		*dst = bak
		return err
	}
	dst.Change |= change
	return nil
}

func checkH265(c *H265Cfg) error {
	if c.Profile != H265ProfileMain && c.Profile != H265ProfileMainStill {
		return fmt.Errorf("h265 profile %d: %w", c.Profile, ErrValue)
	}
	if c.Tier != 0 && c.Tier != 1 {
		return fmt.Errorf("h265 tier %d: %w", c.Tier, ErrValue)
	}
	if c.Level < 30 || c.Level > 186 || c.Level%3 != 0 {
		return fmt.Errorf("h265 level %d: %w", c.Level, ErrValue)
	}
	if c.BetaOffsetDiv2 < -6 || c.BetaOffsetDiv2 > 6 || c.TcOffsetDiv2 < -6 || c.TcOffsetDiv2 > 6 {
		return fmt.Errorf("h265 deblocking offsets: %w", ErrValue)
	}
	if c.CbQpOffset < -12 || c.CbQpOffset > 12 || c.CrQpOffset < -12 || c.CrQpOffset > 12 {
		return fmt.Errorf("h265 chroma qp offsets: %w", ErrValue)
	}
	if err := checkQpLimits("h265", 51, c.QpMin, c.QpMax, c.QpMinI, c.QpMaxI); err != nil {
		return err
	}
	if c.MaxTid < 0 || c.MaxTid > 3 || c.MaxLtrFrames < 0 || c.MaxLtrFrames > 16 {
		return fmt.Errorf("h265 layer limits: %w", ErrValue)
	}
	return nil
}

func applyJpeg(dst, src *JpegCfg) error {
	change := src.Change
	if change == 0 {
		return nil
	}
	bak := *dst

	if change&JpegChangeQFactor != 0 {
		dst.QFactor = src.QFactor
	}
	if change&JpegChangeQfRange != 0 {
		dst.QfMax = src.QfMax
		dst.QfMin = src.QfMin
	}

	if dst.QfMin < 1 || dst.QfMax > 99 || dst.QfMin > dst.QfMax ||
		dst.QFactor < dst.QfMin || dst.QFactor > dst.QfMax {
		*dst = bak
		return fmt.Errorf("jpeg quality %d range [%d:%d]: %w", src.QFactor, src.QfMin, src.QfMax, ErrValue)
	}
	dst.Change |= change
	return nil
}

func applyVp8(dst, src *Vp8Cfg) error {
	change := src.Change
	if change == 0 {
		return nil
	}
	bak := *dst

	if change&Vp8ChangeQp != 0 {
		dst.QpInit = src.QpInit
		dst.QpMax = src.QpMax
		dst.QpMin = src.QpMin
		dst.QpMaxI = src.QpMaxI
		dst.QpMinI = src.QpMinI
	}
	if change&Vp8ChangeIvf != 0 {
		dst.DisableIvf = src.DisableIvf
	}

	if err := checkQpLimits("vp8", 127, dst.QpMin, dst.QpMax, dst.QpMinI, dst.QpMaxI); err != nil {
		*dst = bak
		return err
	}
	if dst.QpInit >= 0 && (dst.QpInit < dst.QpMin || dst.QpInit > dst.QpMax) {
		*dst = bak
		return fmt.Errorf("vp8 qp init %d: %w", src.QpInit, ErrValue)
	}
	dst.Change |= change
	return nil
}

func checkQpLimits(codec string, upper, minP, maxP, minI, maxI int) error {
	if minP < 0 || maxP > upper || minP > maxP || minI < 0 || maxI > upper || minI > maxI {
		return fmt.Errorf("%s qp limits p [%d:%d] i [%d:%d]: %w", codec, minP, maxP, minI, maxI, ErrValue)
	}
	return nil
}
