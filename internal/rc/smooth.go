package rc

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/media"
)

// ErrNotConfigured is returned by frame hooks called before UpdateUsrCfg
var ErrNotConfigured = errors.New("rate control not configured")

// Overshoot tolerances in percent over the frame target before a re-encode
// is considered, used when no drop policy sets its own threshold.
const (
	cbrOvershoot = 50
	vbrOvershoot = 100
)

// smooth allocates a per-frame budget from the target bitrate, weighting
// intra frames by the I/P ratio, and walks QP towards the budget by at most
// QpMaxStep per frame.
type smooth struct {
	log    *zap.Logger
	coding media.CodingType

	cfg   Config
	ready bool

	bitsPerFrame int
	fpsAcc       int // frame-rate conversion accumulator

	qp int // working P-frame QP

	window    []int // real bits of the most recent frames
	windowPos int
	windowLen int
	windowSum int

	sinceDrop int
}

func newSmooth(coding media.CodingType, log *zap.Logger) (Controller, error) {
	return &smooth{log: log, coding: coding}, nil
}

func (s *smooth) Name() string {
	return DefaultName
}

func (s *smooth) UpdateUsrCfg(cfg *Config) error {
	if cfg.FpsIn.Num <= 0 || cfg.FpsIn.Denom <= 0 || cfg.FpsOut.Num <= 0 || cfg.FpsOut.Denom <= 0 {
		return fmt.Errorf("fps %d/%d:%d/%d: %w",
			cfg.FpsIn.Num, cfg.FpsIn.Denom, cfg.FpsOut.Num, cfg.FpsOut.Denom, enccfg.ErrValue)
	}

	s.cfg = *cfg
	fps := cfg.FpsOut.Rate()
	s.bitsPerFrame = int(float64(cfg.BpsTarget) / fps)

	n := int(float64(max(cfg.StatsTime, 1))*fps + 0.5)
	s.window = make([]int, max(n, 1))
	s.windowPos, s.windowLen, s.windowSum = 0, 0, 0

	in, out := s.fpsTerms()
	s.fpsAcc = in - out
	s.qp = s.initialQP()
	s.sinceDrop = cfg.DropGap
	s.ready = true

	s.log.Debug("rc config updated",
		zap.String("cfg", cfg.String()),
		zap.Int("bits_per_frame", s.bitsPerFrame),
		zap.Int("qp", s.qp))
	return nil
}

// fpsTerms returns the input and output rates over a common denominator
func (s *smooth) fpsTerms() (in, out int) {
	in = s.cfg.FpsIn.Num * s.cfg.FpsOut.Denom
	out = s.cfg.FpsOut.Num * s.cfg.FpsIn.Denom
	return in, out
}

func (s *smooth) initialQP() int {
	c := &s.cfg
	if c.QpInit > 0 {
		return clamp(c.QpInit, c.QpMin, c.QpMax)
	}

	qp := 38
	if pixels := c.Width * c.Height; pixels > 0 {
		bpp := float64(s.bitsPerFrame) / float64(pixels)
		switch {
		case bpp >= 0.5:
			qp = 22
		case bpp >= 0.2:
			qp = 27
		case bpp >= 0.1:
			qp = 30
		case bpp >= 0.05:
			qp = 34
		}
	}
	if s.coding == media.CodingVP8 {
		qp = qp * 127 / 51
	}
	return clamp(qp, c.QpMin, c.QpMax)
}

func (s *smooth) FrmCheckDrop(t *Task) error {
	t.Frm.Drop = false
	if !s.ready {
		return ErrNotConfigured
	}
	if s.cfg.FpsIn.Flex {
		return nil
	}

	in, out := s.fpsTerms()
	if out >= in {
		return nil
	}
	s.fpsAcc += out
	if s.fpsAcc >= in {
		s.fpsAcc -= in
		return nil
	}
	t.Frm.Drop = true
	return nil
}

func (s *smooth) targetBits(intra bool) int {
	c := &s.cfg
	bpf := float64(s.bitsPerFrame)
	ratio := float64(max(c.InitIPRatio, 16)) / 16

	p := bpf
	if c.Gop > 1 {
		p = bpf * float64(c.Gop) / (float64(c.Gop-1) + ratio)
	}
	target := p
	if intra && c.Gop != 1 {
		target = p * ratio
	}

	if c.Mode == enccfg.RcModeCBR && s.windowLen > 0 {
		expected := bpf * float64(s.windowLen)
		target += (expected - float64(s.windowSum)) / float64(len(s.window))
	}
	return max(int(target), s.bitsPerFrame/16, 1)
}

func (s *smooth) FrmStart(t *Task) error {
	if !s.ready {
		return ErrNotConfigured
	}
	c := &s.cfg
	intra := t.Cpb.Curr.IsIntra
	info := &t.Info

	info.BitTarget = s.targetBits(intra)
	info.BitMax = info.BitTarget * (100 + s.overshoot()) / 100

	qp := s.qp
	if c.Mode == enccfg.RcModeFixQP {
		qp = c.QpInit
	}
	info.QpMin, info.QpMax = c.QpMin, c.QpMax
	if intra {
		qp -= c.QpDeltaIP
		info.QpMin, info.QpMax = c.QpMinI, c.QpMaxI
	}
	info.QualityTarget = clamp(qp, info.QpMin, info.QpMax)
	t.Frm.Reencode = false
	return nil
}

func (s *smooth) HalStart(t *Task) error {
	if !s.ready {
		return ErrNotConfigured
	}
	s.log.Debug("hal start",
		zap.Int("seq", t.Cpb.Curr.SeqIdx),
		zap.Int("bit_target", t.Info.BitTarget),
		zap.Int("qp", t.Info.QualityTarget))
	return nil
}

func (s *smooth) HalEnd(t *Task) error {
	if t.Info.BitReal < 0 {
		return fmt.Errorf("negative real bits %d: %w", t.Info.BitReal, enccfg.ErrValue)
	}
	return nil
}

func (s *smooth) overshoot() int {
	if s.cfg.DropMode != enccfg.DropDisabled {
		return s.cfg.DropThreshold
	}
	if s.cfg.Mode == enccfg.RcModeCBR {
		return cbrOvershoot
	}
	return vbrOvershoot
}

func (s *smooth) FrmCheckReenc(t *Task) error {
	f := &t.Frm
	info := &t.Info
	f.Reencode = false

	c := &s.cfg
	if c.Mode == enccfg.RcModeFixQP || f.ReencodeTimes >= c.MaxReencTimes {
		return nil
	}
	if info.BitReal <= info.BitMax {
		return nil
	}

	curr := t.Cpb.Curr
	switch {
	case c.DropMode == enccfg.DropNormal && !curr.IsIntra && s.sinceDrop >= c.DropGap:
		f.Drop = true
	case c.DropMode == enccfg.DropPskip && !curr.IsIntra && !curr.IsLtRef:
		f.ForcePskip = true
	default:
		qp := min(info.QualityTarget+max(c.QpMaxStep, 1), info.QpMax)
		if qp == info.QualityTarget {
			return nil
		}
		info.QualityTarget = qp
	}

	f.Reencode = true
	f.ReencodeTimes++
	s.log.Debug("reencode",
		zap.Int("seq", curr.SeqIdx),
		zap.Int("bit_real", info.BitReal),
		zap.Int("bit_max", info.BitMax),
		zap.Bool("drop", f.Drop),
		zap.Bool("pskip", f.ForcePskip),
		zap.Int("times", f.ReencodeTimes))
	return nil
}

func (s *smooth) FrmEnd(t *Task) error {
	if !s.ready {
		return ErrNotConfigured
	}
	info := &t.Info

	s.windowSum -= s.window[s.windowPos]
	s.window[s.windowPos] = info.BitReal
	s.windowSum += info.BitReal
	s.windowPos = (s.windowPos + 1) % len(s.window)
	s.windowLen = min(s.windowLen+1, len(s.window))

	if t.Frm.Drop {
		s.sinceDrop = 0
	} else {
		s.sinceDrop++
	}

	c := &s.cfg
	if c.Mode == enccfg.RcModeFixQP || t.Frm.ForcePskip || info.BitTarget <= 0 {
		return nil
	}

	step := max(c.QpMaxStep, 1)
	delta := -step
	if info.BitReal > 0 {
		r := float64(info.BitReal) / float64(info.BitTarget)
		if r > 0.85 && r < 1.15 {
			delta = 0
		} else {
			delta = clamp(int(math.Round(6*math.Log2(r))), -step, step)
		}
	}

	used := info.QualityReal
	if used == 0 {
		used = info.QualityTarget
	}
	if t.Cpb.Curr.IsIntra {
		used += c.QpDeltaIP
	}
	s.qp = clamp(used+delta, c.QpMin, c.QpMax)
	return nil
}

func (s *smooth) Close() error {
	s.ready = false
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
