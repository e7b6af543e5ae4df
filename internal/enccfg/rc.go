package enccfg

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/media"
)

// RcMode selects the rate-control strategy
type RcMode int

const (
	RcModeVBR RcMode = iota
	RcModeCBR
	RcModeFixQP
	RcModeAVBR
	RcModeButt
)

var rcModeNames = [...]string{"vbr", "cbr", "fixqp", "avbr"}

func (m RcMode) String() string {
	if m >= 0 && m < RcModeButt {
		return rcModeNames[m]
	}
	return fmt.Sprintf("rc_mode(%d)", int(m))
}

// ParseRcMode maps a mode name to its RcMode
func ParseRcMode(name string) (RcMode, error) {
	for i, n := range rcModeNames {
		if n == name {
			return RcMode(i), nil
		}
	}
	return RcModeButt, fmt.Errorf("unknown rc mode %q", name)
}

// RcQuality is the VBR quality target
type RcQuality int

const (
	QualityBest RcQuality = iota
	QualityBetter
	QualityMedium
	QualityWorse
	QualityWorst
	QualityCQP
	QualityAQOnly
	QualityButt
)

// DropMode selects what happens when a frame overflows its bit budget
type DropMode int

const (
	DropDisabled DropMode = iota
	DropNormal            // drop the frame
	DropPskip             // replace the frame with a P-skip frame
	DropButt
)

// Rc change bits
const (
	RcChangeMode uint32 = 1 << iota
	RcChangeQuality
	RcChangeBps
	RcChangeFpsIn
	RcChangeFpsOut
	RcChangeGop
	RcChangeMaxReenc
	RcChangeDrop
	RcChangeIProp
	RcChangeInitIPRatio
	RcChangeQpInit
	RcChangeQpRange
	RcChangeQpRangeI
	RcChangeQpMaxStep
	RcChangeQpIP
	RcChangeQpVI
	RcChangeStatsTime

	RcChangeAll = RcChangeStatsTime<<1 - 1
)

// Bitrate limits in bits per second
const (
	BpsMin = 1 << 10
	BpsMax = 100 << 20

	// MJPEG frames are intra-only so its limits scale up
	jpegBpsScale = 4

	QpDeltaIPLimit = 8
	QpDeltaVILimit = 6
	MaxReencLimit  = 3
)

// Fps is a rational frame rate
type Fps struct {
	Flex  bool
	Num   int
	Denom int
}

// Rate returns the frame rate as a float, 0 when unset
func (f Fps) Rate() float64 {
	if f.Denom == 0 {
		return 0
	}
	return float64(f.Num) / float64(f.Denom)
}

// RcCfg is the user-facing rate-control configuration
type RcCfg struct {
	Change uint32

	Mode    RcMode
	Quality RcQuality

	BpsTarget int
	BpsMax    int
	BpsMin    int

	FpsIn  Fps
	FpsOut Fps
	Gop    int

	MaxReencTimes int

	DropMode      DropMode
	DropThreshold int // percent over target that triggers the drop policy
	DropGap       int // minimum encoded frames between two drops

	MaxIProp    int
	MinIProp    int
	InitIPRatio int

	// QP bounds. Values <= 0 for QpInit mean "auto"; QpMaxI/QpMinI <= 0 are
	// derived from QpMax/QpMin.
	QpInit    int
	QpMax     int
	QpMin     int
	QpMaxI    int
	QpMinI    int
	QpMaxStep int
	QpDeltaIP int
	QpDeltaVI int

	StatsTime int // seconds of history for bitrate statistics
}

func defaultRc(coding media.CodingType) RcCfg {
	rc := RcCfg{
		Mode:          RcModeVBR,
		Quality:       QualityMedium,
		FpsIn:         Fps{Num: 30, Denom: 1},
		FpsOut:        Fps{Num: 30, Denom: 1},
		Gop:           60,
		MaxReencTimes: 1,
		DropThreshold: 20,
		DropGap:       1,
		InitIPRatio:   160,
		QpInit:        -1,
		QpMax:         51,
		QpMin:         10,
		QpMaxI:        51,
		QpMinI:        10,
		QpMaxStep:     4,
		QpDeltaIP:     2,
		QpDeltaVI:     2,
		StatsTime:     3,
	}
	rc.BpsTarget = 2 << 20
	if coding == media.CodingVP8 {
		rc.QpMax, rc.QpMaxI = 127, 127
		rc.QpMin, rc.QpMinI = 0, 0
	}
	rc.BpsMax = rc.BpsTarget * 17 / 16
	rc.BpsMin = rc.BpsTarget * 15 / 16
	return rc
}

// bpsLimits returns the accepted bitrate range for coding
func bpsLimits(coding media.CodingType) (lo, hi int) {
	lo, hi = BpsMin, BpsMax
	if coding == media.CodingMJPEG {
		scaled := int64(hi) * jpegBpsScale
		if scaled > math.MaxInt32 {
			scaled = math.MaxInt32
		}
		hi = int(scaled)
	}
	return lo, hi
}

func qpUpperBound(coding media.CodingType) int {
	if coding == media.CodingVP8 {
		return 127
	}
	return 51
}

// ApplyRc merges the flagged fields of src into dst and validates the result.
//
// Secondary tuning fields (QP deltas, max step, reencode budget, drop policy
// knobs) that fall out of range are reverted to their previous value with a
// warning and do not fail the update. Inconsistent primary fields (mode,
// quality, bitrate, fps, QP ranges) restore the whole of dst and return
// ErrValue.
func ApplyRc(dst, src *RcCfg, coding media.CodingType, log *zap.Logger) error {
	change := src.Change
	if change == 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	bak := *dst

	if change&RcChangeMode != 0 {
		dst.Mode = src.Mode
	}
	if change&RcChangeQuality != 0 {
		dst.Quality = src.Quality
	}
	if change&RcChangeBps != 0 {
		dst.BpsTarget = src.BpsTarget
		dst.BpsMax = src.BpsMax
		dst.BpsMin = src.BpsMin
	}
	if change&RcChangeFpsIn != 0 {
		dst.FpsIn = src.FpsIn
	}
	if change&RcChangeFpsOut != 0 {
		dst.FpsOut = src.FpsOut
	}
	if change&RcChangeGop != 0 {
		dst.Gop = src.Gop
	}
	if change&RcChangeMaxReenc != 0 {
		dst.MaxReencTimes = src.MaxReencTimes
	}
	if change&RcChangeDrop != 0 {
		dst.DropMode = src.DropMode
		dst.DropThreshold = src.DropThreshold
		dst.DropGap = src.DropGap
	}
	if change&RcChangeIProp != 0 {
		dst.MaxIProp = src.MaxIProp
		dst.MinIProp = src.MinIProp
	}
	if change&RcChangeInitIPRatio != 0 {
		dst.InitIPRatio = src.InitIPRatio
	}
	if change&RcChangeQpInit != 0 {
		dst.QpInit = src.QpInit
	}
	if change&RcChangeQpRange != 0 {
		dst.QpMax = src.QpMax
		dst.QpMin = src.QpMin
	}
	if change&RcChangeQpRangeI != 0 {
		dst.QpMaxI = src.QpMaxI
		dst.QpMinI = src.QpMinI
	}
	if change&RcChangeQpMaxStep != 0 {
		dst.QpMaxStep = src.QpMaxStep
	}
	if change&RcChangeQpIP != 0 {
		dst.QpDeltaIP = src.QpDeltaIP
	}
	if change&RcChangeQpVI != 0 {
		dst.QpDeltaVI = src.QpDeltaVI
	}
	if change&RcChangeStatsTime != 0 {
		dst.StatsTime = src.StatsTime
	}

	err := checkRcPrimary(dst, change, coding)
	if err != nil {
		log.Warn("rc cfg rejected, restoring previous config", zap.Error(err))
		*dst = bak
		return err
	}

	revertInt(log, "qp_delta_ip", &dst.QpDeltaIP, bak.QpDeltaIP, abs(dst.QpDeltaIP) > QpDeltaIPLimit)
	revertInt(log, "qp_delta_vi", &dst.QpDeltaVI, bak.QpDeltaVI, abs(dst.QpDeltaVI) > QpDeltaVILimit)
	revertInt(log, "qp_max_step", &dst.QpMaxStep, bak.QpMaxStep, dst.QpMaxStep < 0 || dst.QpMaxStep > qpUpperBound(coding))
	revertInt(log, "max_reenc_times", &dst.MaxReencTimes, bak.MaxReencTimes, dst.MaxReencTimes < 0 || dst.MaxReencTimes > MaxReencLimit)
	revertInt(log, "drop_threshold", &dst.DropThreshold, bak.DropThreshold, dst.DropThreshold < 0 || dst.DropThreshold > 100)
	revertInt(log, "drop_gap", &dst.DropGap, bak.DropGap, dst.DropGap < 0)
	revertInt(log, "stats_time", &dst.StatsTime, bak.StatsTime, dst.StatsTime < 1 || dst.StatsTime > 60)
	if dst.DropMode < DropDisabled || dst.DropMode >= DropButt {
		log.Warn("invalid drop mode, keeping previous",
			zap.Int("rejected", int(dst.DropMode)), zap.Int("kept", int(bak.DropMode)))
		dst.DropMode = bak.DropMode
	}

	dst.Change |= change
	return nil
}

func revertInt(log *zap.Logger, name string, field *int, prev int, invalid bool) {
	if !invalid {
		return
	}
	log.Warn("invalid rc field, keeping previous value",
		zap.String("field", name),
		zap.Int("rejected", *field),
		zap.Int("kept", prev))
	*field = prev
}

func checkRcPrimary(rc *RcCfg, change uint32, coding media.CodingType) error {
	if rc.Mode < 0 || rc.Mode >= RcModeButt {
		return fmt.Errorf("rc mode %d: %w", rc.Mode, ErrValue)
	}
	if rc.Quality < 0 || rc.Quality >= QualityButt {
		return fmt.Errorf("rc quality %d: %w", rc.Quality, ErrValue)
	}

	if rc.Mode != RcModeFixQP {
		if change&RcChangeBps != 0 {
			if rc.BpsMax == 0 {
				rc.BpsMax = rc.BpsTarget * 17 / 16
			}
			if rc.BpsMin == 0 {
				rc.BpsMin = rc.BpsTarget * 15 / 16
			}
		}
		lo, hi := bpsLimits(coding)
		for _, v := range []int{rc.BpsTarget, rc.BpsMax, rc.BpsMin} {
			if v < lo || v > hi {
				return fmt.Errorf("bitrate %d outside [%d, %d]: %w", v, lo, hi, ErrValue)
			}
		}
		if rc.BpsMin > rc.BpsTarget || rc.BpsTarget > rc.BpsMax {
			return fmt.Errorf("bitrate order min %d target %d max %d: %w",
				rc.BpsMin, rc.BpsTarget, rc.BpsMax, ErrValue)
		}
	}

	if rc.FpsIn.Num <= 0 || rc.FpsIn.Denom <= 0 {
		return fmt.Errorf("fps in %d/%d: %w", rc.FpsIn.Num, rc.FpsIn.Denom, ErrValue)
	}
	if rc.FpsOut.Num <= 0 || rc.FpsOut.Denom <= 0 {
		return fmt.Errorf("fps out %d/%d: %w", rc.FpsOut.Num, rc.FpsOut.Denom, ErrValue)
	}
	if rc.Gop < 0 {
		return fmt.Errorf("gop %d: %w", rc.Gop, ErrValue)
	}

	return checkQpRange(rc, change, coding)
}

func checkQpRange(rc *RcCfg, change uint32, coding media.CodingType) error {
	if change&(RcChangeQpInit|RcChangeQpRange|RcChangeQpRangeI|RcChangeMode) == 0 {
		return nil
	}
	upper := qpUpperBound(coding)

	if rc.QpMinI <= 0 {
		rc.QpMinI = rc.QpMin
	}
	if rc.QpMaxI <= 0 {
		rc.QpMaxI = rc.QpMax
	}

	if rc.QpMin < 0 || rc.QpMax > upper || rc.QpMin > rc.QpMax {
		return fmt.Errorf("qp range [%d:%d]: %w", rc.QpMin, rc.QpMax, ErrValue)
	}
	if rc.QpMinI < 0 || rc.QpMaxI > upper || rc.QpMinI > rc.QpMaxI {
		return fmt.Errorf("intra qp range [%d:%d]: %w", rc.QpMinI, rc.QpMaxI, ErrValue)
	}
	if rc.QpInit > 0 && (rc.QpInit < rc.QpMin || rc.QpInit > rc.QpMax) {
		return fmt.Errorf("qp init %d outside [%d:%d]: %w", rc.QpInit, rc.QpMin, rc.QpMax, ErrValue)
	}
	if rc.Mode == RcModeFixQP && rc.QpInit <= 0 {
		return fmt.Errorf("fixqp requires qp init: %w", ErrValue)
	}
	return nil
}
