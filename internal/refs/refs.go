// Package refs decides each frame's reference role: IDR placement, temporal
// layer, long-term marking and user overrides. The encoder stashes the state
// before a frame and rolls back when the frame is re-encoded.
package refs

import (
	"errors"

	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/rc"
)

// Cfg is the reference structure configuration
type Cfg = enccfg.RefCfg

// ErrNoStash is returned by Rollback before any Stash
var ErrNoStash = errors.New("no stashed reference state")

// Force flags carried by FrmCfg
const (
	ForceIDR uint32 = 1 << iota
	ForcePskip
	ForceLtRef
)

// FrmCfg holds one-shot overrides for the next frame
type FrmCfg struct {
	ForceFlag  uint32
	ForceLtIdx int
}

type state struct {
	started  bool
	seq      int
	gopPos   int // frames since the last IDR
	sinceLtr int
	nextLt   int
	prev     rc.FrameStatus
	usr      FrmCfg
}

// Refs tracks the GOP position of successive frames.
// It is owned by the encoder worker and not safe for concurrent use.
type Refs struct {
	log  *zap.Logger
	cfg  Cfg
	igop int

	st      state
	stash   state
	stashed bool

	hdrUpdated bool
}

// New returns a manager with a single temporal layer and no long-term refs
func New(log *zap.Logger) *Refs {
	if log == nil {
		log = zap.NewNop()
	}
	return &Refs{
		log: log.Named("refs"),
		cfg: Cfg{TemporalLayers: 1},
	}
}

// SetCfg replaces the reference structure. The next frame restarts the GOP
// with an IDR.
func (r *Refs) SetCfg(cfg Cfg) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.MaxLtrCount != r.cfg.MaxLtrCount || cfg.TemporalLayers != r.cfg.TemporalLayers {
		r.hdrUpdated = true
	}
	cfg.Change = 0
	r.cfg = cfg
	r.st.started = false
	r.st.nextLt = 0
	r.st.sinceLtr = 0
	r.log.Debug("cfg updated",
		zap.Int("max_ltr", cfg.MaxLtrCount),
		zap.Int("ltr_interval", cfg.LtrInterval),
		zap.Int("temporal_layers", cfg.TemporalLayers))
	return nil
}

// Cfg returns the active configuration
func (r *Refs) Cfg() Cfg {
	return r.cfg
}

// SetRcIgop sets the intra period; 0 means only the first frame is intra
func (r *Refs) SetRcIgop(igop int) {
	r.igop = max(igop, 0)
}

// SetUsrCfg merges overrides for the next GetCpb
func (r *Refs) SetUsrCfg(f FrmCfg) {
	r.st.usr.ForceFlag |= f.ForceFlag
	if f.ForceFlag&ForceLtRef != 0 {
		r.st.usr.ForceLtIdx = f.ForceLtIdx
	}
}

// UpdateHdr reports once that a cfg change altered header-visible reference
// counts
func (r *Refs) UpdateHdr() bool {
	v := r.hdrUpdated
	r.hdrUpdated = false
	return v
}

// NumRefFrames is the reference slot count a stream header must declare
func (r *Refs) NumRefFrames() int {
	return 1 + r.cfg.MaxLtrCount
}

// Stash snapshots the state so Rollback can undo the next GetCpb
func (r *Refs) Stash() {
	r.stash = r.st
	r.stashed = true
}

// Rollback restores the last stashed state
func (r *Refs) Rollback() error {
	if !r.stashed {
		return ErrNoStash
	}
	r.st = r.stash
	return nil
}

// Reset restarts the GOP without touching the configuration
func (r *Refs) Reset() {
	seq := r.st.seq
	r.st = state{seq: seq}
	r.stashed = false
}

// GetCpb decides the next frame's role and advances the GOP position
func (r *Refs) GetCpb(cpb *rc.CpbStatus) error {
	usr := r.st.usr
	r.st.usr = FrmCfg{}

	idr := !r.st.started ||
		usr.ForceFlag&ForceIDR != 0 ||
		(r.igop > 0 && r.st.gopPos >= r.igop)
	pskip := usr.ForceFlag&ForcePskip != 0
	if idr && pskip {
		r.log.Debug("pskip ignored on idr frame", zap.Int("seq", r.st.seq))
		pskip = false
	}

	if idr {
		r.st.gopPos = 0
		r.st.sinceLtr = 0
	}

	curr := rc.FrameStatus{
		Valid:      true,
		SeqIdx:     r.st.seq,
		IsIDR:      idr,
		IsIntra:    idr,
		TemporalID: temporalID(r.st.gopPos, r.cfg.TemporalLayers),
		ForcePskip: pskip,
	}
	curr.IsNonRef = r.cfg.TemporalLayers > 1 && curr.TemporalID == r.cfg.TemporalLayers-1

	switch {
	case idr:
	case usr.ForceFlag&ForceLtRef != 0 && r.cfg.MaxLtrCount > 0:
		curr.IsLtRef = true
		curr.LtIdx = usr.ForceLtIdx % r.cfg.MaxLtrCount
		curr.IsNonRef = false
	case r.cfg.LtrInterval > 0 && curr.TemporalID == 0:
		r.st.sinceLtr++
		if r.st.sinceLtr >= r.cfg.LtrInterval {
			curr.IsLtRef = true
			curr.LtIdx = r.st.nextLt
			r.st.nextLt = (r.st.nextLt + 1) % r.cfg.MaxLtrCount
			r.st.sinceLtr = 0
		}
	}

	cpb.Prev = r.st.prev
	cpb.Curr = curr

	r.st.prev = curr
	r.st.seq++
	r.st.gopPos++
	r.st.started = true
	return nil
}

// temporalID maps a GOP position onto a dyadic temporal hierarchy
func temporalID(pos, layers int) int {
	if pos == 0 || layers <= 1 {
		return 0
	}
	period := 1 << (layers - 1)
	p := pos % period
	if p == 0 {
		return 0
	}
	tid := layers - 1
	for p%2 == 0 {
		p /= 2
		tid--
	}
	return tid
}
