package hal

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/bitstream"
	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/media"
)

// SoftName is the registry name of the software backend
const SoftName = "soft"

// Register image layout of the soft backend
const (
	regFrameType = iota
	regQP
	regWidth
	regHeight
	regHorStride
	regStreamOffset
	regPltHash
	regAqSum
	regTemporalID
	regComplexity
	regCount
)

// softPartitions is the number of row bands a frame is split into in
// low-delay mode
const softPartitions = 4

func init() {
	Register(SoftName, "Software reference encoder",
		[]media.CodingType{media.CodingAVC, media.CodingHEVC, media.CodingMJPEG, media.CodingVP8},
		nil,
		func() Backend { return &soft{} })
}

// soft emulates an encoder device. It sizes a deterministic payload from the
// frame's luma activity and the QP chosen by rate control, and wraps it in
// the coding's slice or frame syntax.
type soft struct {
	log    *zap.Logger
	coding media.CodingType
	cfg    *enccfg.Set
	info   Info

	regs    [regCount]uint32
	stream  []byte
	started bool
	partOff int
	partLen int
	frames  int
}

func (s *soft) Name() string {
	return SoftName
}

func (s *soft) Coding() media.CodingType {
	return s.coding
}

func (s *soft) Init(cfg *Config) error {
	if cfg == nil || cfg.Cfg == nil {
		return fmt.Errorf("soft backend: missing config: %w", enccfg.ErrValue)
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	s.log = log.Named("hal").With(zap.String("backend", SoftName))
	s.coding = cfg.Coding
	s.cfg = cfg.Cfg
	s.info = InfoFromSet(cfg.Cfg)
	return nil
}

func (s *soft) Deinit() error {
	s.stream = nil
	s.started = false
	return nil
}

func (s *soft) Prepare() error {
	s.regs = [regCount]uint32{}
	return nil
}

func (s *soft) SetInfo(info Info) error {
	s.info = info
	s.log.Debug("info updated",
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Int("bps", info.BpsTarget),
		zap.Stringer("rc_mode", info.RcMode))
	return nil
}

func (s *soft) GetTask(t *Task) error {
	if t.Frame == nil || t.Packet == nil || t.Syntax == nil || t.RcTask == nil {
		return ErrInvalidTask
	}
	t.Valid = true
	return nil
}

func (s *soft) GenRegs(t *Task) error {
	if !t.Valid {
		return ErrInvalidTask
	}
	f := t.Frame
	var aq int
	for i := range s.cfg.Hw.AqStepP {
		aq += int(s.cfg.Hw.AqStepI[i]) + int(s.cfg.Hw.AqStepP[i])
	}

	if t.Syntax.Intra {
		s.regs[regFrameType] = 1
	} else {
		s.regs[regFrameType] = 0
	}
	s.regs[regQP] = uint32(t.RcTask.Info.QualityTarget)
	s.regs[regWidth] = uint32(f.Width)
	s.regs[regHeight] = uint32(f.Height)
	s.regs[regHorStride] = uint32(f.HorStride)
	s.regs[regStreamOffset] = uint32(t.Length)
	s.regs[regPltHash] = s.cfg.Plt.Hash()
	s.regs[regAqSum] = uint32(int32(aq))
	s.regs[regTemporalID] = uint32(t.Syntax.TemporalID)
	s.regs[regComplexity] = uint32(lumaActivity(f))
	return nil
}

func (s *soft) Start(t *Task) error {
	stream, err := s.encode(t)
	if err != nil {
		return err
	}
	s.stream = stream
	s.started = true
	return nil
}

func (s *soft) Wait(t *Task) error {
	if !s.started {
		return ErrNotStarted
	}
	s.started = false
	if err := t.Packet.Append(s.stream); err != nil {
		return err
	}
	t.HwLength = len(s.stream)
	t.Length += len(s.stream)
	s.feedback(t)
	return nil
}

func (s *soft) PartStart(t *Task) error {
	if err := s.Start(t); err != nil {
		return err
	}
	s.partOff = 0
	s.partLen = (len(s.stream) + softPartitions - 1) / softPartitions
	t.HwLength = 0
	t.PartCount = 0
	return nil
}

func (s *soft) PartWait(t *Task) (bool, error) {
	if !s.started {
		return false, ErrNotStarted
	}
	end := min(s.partOff+s.partLen, len(s.stream))
	chunk := s.stream[s.partOff:end]
	if err := t.Packet.Append(chunk); err != nil {
		return false, err
	}
	s.partOff = end
	t.PartLength = len(chunk)
	t.PartCount++
	t.HwLength += len(chunk)
	t.Length += len(chunk)

	last := s.partOff >= len(s.stream)
	if last {
		s.started = false
		s.feedback(t)
	}
	return last, nil
}

func (s *soft) RetTask(t *Task) error {
	t.Valid = false
	s.frames++
	return nil
}

func (s *soft) feedback(t *Task) {
	info := &t.RcTask.Info
	info.BitReal = t.HwLength * 8
	info.QualityReal = int(s.regs[regQP])
	info.Complexity = int(s.regs[regComplexity])
}

// payloadSize estimates the entropy-coded size of a frame: proportional to
// luma activity and pixel count, halving every six QP steps
func (s *soft) payloadSize(t *Task) int {
	qp := int(s.regs[regQP])
	if s.coding == media.CodingVP8 {
		qp = qp * 51 / 127
	}
	pixels := t.Frame.Width * t.Frame.Height
	activity := float64(s.regs[regComplexity]) + 2
	size := float64(pixels) * activity / 64 * math.Pow(2, -float64(qp-12)/6)
	if t.Syntax.Intra {
		size *= 3
	}
	return max(int(size), 16)
}

func (s *soft) encode(t *Task) ([]byte, error) {
	n := s.payloadSize(t)
	// leave room for syntax overhead and emulation prevention
	room := t.Packet.Capacity() - t.Length - 512
	if room < 16 {
		return nil, fmt.Errorf("soft encode at %d/%d: %w", t.Length, t.Packet.Capacity(), media.ErrNoSpace)
	}
	n = min(n, room*2/3)
	payload := makePayload(n, t.Frame, t.RcTask.Cpb.Curr.SeqIdx)

	syn := t.Syntax
	switch s.coding {
	case media.CodingAVC, media.CodingHEVC:
		if syn.SliceHeader == nil {
			return nil, ErrInvalidTask
		}
		w := syn.SliceHeader.Clone()
		for _, b := range payload {
			w.WriteBits(uint32(b), 8)
		}
		w.TrailingBits()
		return bitstream.AppendNAL(nil, syn.NalHeader, w.Bytes()), nil

	case media.CodingMJPEG:
		out := []byte{0xff, 0xd8}
		out = append(out, syn.FrameHeader...)
		for _, b := range payload {
			out = append(out, b)
			if b == 0xff {
				out = append(out, 0x00)
			}
		}
		return append(out, 0xff, 0xd9), nil

	case media.CodingVP8:
		return vp8Frame(syn.Intra, t.Frame.Width, t.Frame.Height, payload), nil
	}
	return nil, fmt.Errorf("soft encode %s: %w", s.coding, enccfg.ErrValue)
}

// vp8Frame wraps payload in a VP8 frame tag, with the key frame start code
// and dimensions on intra frames
func vp8Frame(key bool, width, height int, payload []byte) []byte {
	size := uint32(len(payload))
	tag := size<<5 | 1<<4 // show_frame
	if !key {
		tag |= 1
	}
	out := []byte{byte(tag), byte(tag >> 8), byte(tag >> 16)}
	if key {
		out = append(out, 0x9d, 0x01, 0x2a)
		out = binary.LittleEndian.AppendUint16(out, uint16(width&0x3fff))
		out = binary.LittleEndian.AppendUint16(out, uint16(height&0x3fff))
	}
	return append(out, payload...)
}

// lumaActivity returns the mean absolute horizontal gradient of the luma
// plane, sampled every fourth row
func lumaActivity(f *media.Frame) int {
	y := f.Luma()
	if y == nil || f.Width < 2 {
		return 0
	}
	var sum, count int
	for row := 0; row < f.Height; row += 4 {
		line := y[row*f.HorStride : row*f.HorStride+f.Width]
		for x := 1; x < len(line); x++ {
			d := int(line[x]) - int(line[x-1])
			if d < 0 {
				d = -d
			}
			sum += d
		}
		count += len(line) - 1
	}
	if count == 0 {
		return 0
	}
	return sum / count
}

// makePayload fills n pseudo-random bytes seeded from the frame content
func makePayload(n int, f *media.Frame, seq int) []byte {
	seed := uint64(seq)*0x9e3779b97f4a7c15 + 1
	if y := f.Luma(); len(y) > 0 {
		for i := 0; i < len(y); i += 997 {
			seed = seed*31 + uint64(y[i])
		}
	}
	out := make([]byte, n)
	x := seed | 1
	for i := range out {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		out[i] = byte(x >> 24)
	}
	return out
}
