package codec

import (
	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/rc"
)

const dpbHistory = 8

type dpbEntry struct {
	seq      int
	frameNum int
	poc      int
	ref      bool
}

// dpb mirrors the decoder's view of reference frames. Entries are keyed by
// sequence index, so replaying a rolled-back frame overwrites its entry
// instead of advancing the picture counters twice.
type dpb struct {
	log         *zap.Logger
	maxFrameNum int
	maxPocLsb   int

	entries    []dpbEntry
	idrCount   int
	lastIdrSeq int
	curr       dpbEntry
}

func newDpb(log *zap.Logger, log2MaxFrameNum, log2MaxPocLsb int) *dpb {
	return &dpb{
		log:         log,
		maxFrameNum: 1 << log2MaxFrameNum,
		maxPocLsb:   1 << log2MaxPocLsb,
		lastIdrSeq:  -1,
	}
}

// idrPicID returns the idr_pic_id of the most recent IDR
func (d *dpb) idrPicID() int {
	return (d.idrCount - 1) & 0xffff
}

// proc records the current frame and returns its picture counters.
// A previous-frame descriptor that disagrees with the DPB's own history is
// logged; the reference decision itself is always taken as given.
func (d *dpb) proc(cpb *rc.CpbStatus) dpbEntry {
	curr := cpb.Curr

	// drop anything at or after the current frame: it was rolled back
	kept := d.entries[:0]
	for _, e := range d.entries {
		if e.seq < curr.SeqIdx {
			kept = append(kept, e)
		}
	}
	d.entries = kept

	e := dpbEntry{seq: curr.SeqIdx, ref: !curr.IsNonRef}
	if curr.IsIDR {
		if curr.SeqIdx != d.lastIdrSeq {
			d.idrCount++
			d.lastIdrSeq = curr.SeqIdx
		}
	} else {
		prev, ok := d.lookup(cpb.Prev.SeqIdx)
		switch {
		case !cpb.Prev.Valid || !ok:
			d.log.Warn("dpb mismatch: previous frame unknown",
				zap.Int("seq", curr.SeqIdx),
				zap.Int("prev_seq", cpb.Prev.SeqIdx))
			if n := len(d.entries); n > 0 {
				prev = d.entries[n-1]
			}
		case prev.ref == cpb.Prev.IsNonRef:
			d.log.Warn("dpb mismatch: previous reference flag",
				zap.Int("seq", curr.SeqIdx),
				zap.Bool("dpb_ref", prev.ref),
				zap.Bool("cpb_non_ref", cpb.Prev.IsNonRef))
		}
		e.frameNum = prev.frameNum
		if prev.ref {
			e.frameNum = (prev.frameNum + 1) % d.maxFrameNum
		}
		e.poc = prev.poc + 2
	}

	d.entries = append(d.entries, e)
	if len(d.entries) > dpbHistory {
		d.entries = d.entries[1:]
	}
	d.curr = e
	return e
}

func (d *dpb) lookup(seq int) (dpbEntry, bool) {
	for i := len(d.entries) - 1; i >= 0; i-- {
		if d.entries[i].seq == seq {
			return d.entries[i], true
		}
	}
	return dpbEntry{}, false
}

// pocLsb returns the current frame's POC modulo MaxPicOrderCntLsb
func (d *dpb) pocLsb() int {
	return d.curr.poc % d.maxPocLsb
}
