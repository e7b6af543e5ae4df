package encoder

import (
	"github.com/linuxmatters/vpuenc/internal/hal"
	"github.com/linuxmatters/vpuenc/internal/media"
	"github.com/linuxmatters/vpuenc/internal/port"
	"github.com/linuxmatters/vpuenc/internal/rc"
)

// taskStatus records which pipeline stages a task has completed.
// Each bit is set once per attempt; the word is zeroed when the task ends.
type taskStatus uint32

const (
	statusTaskInReady taskStatus = 1 << iota
	statusTaskOutReady
	statusFrmPktReady
	statusResetReady
	statusRcDropChecked
	statusPktBufReady
	statusEncStarted
	statusRefsForceUpdated
	statusBackupTaken
	statusRestorePoint
	statusDpbProcessed
	statusRcFrmStarted
	statusReencCheckpoint
	statusHalProcessed
	statusHalTaskFetched
	statusRcHalStarted
	statusRegsGenerated
	statusHalStarted
	statusHalWaited
	statusRcHalEnded
	statusHalTaskReturned
	statusHalUpdated
	statusRcFrmEnded
	statusRcReencChecked
)

// statusHalStage holds the bits replayed by every re-encode sub-iteration
const statusHalStage = statusHalProcessed | statusHalTaskFetched | statusRcHalStarted |
	statusRegsGenerated | statusHalStarted | statusHalWaited | statusRcHalEnded |
	statusHalTaskReturned | statusHalUpdated | statusRcReencChecked

func (s taskStatus) has(bit taskStatus) bool {
	return s&bit != 0
}

// Wait bits. They share their values with the matching notify bits so a
// notification can be tested against the wait word directly.
const (
	waitFrmIn  uint32 = notifyFrameEnqueue
	waitPktOut uint32 = notifyPacketEnqueue
)

// encTask is the single frame in flight on the worker. It is allocated once
// per encoder and reused.
type encTask struct {
	seq    int
	status taskStatus
	wait   uint32

	inTask  *port.Task
	outTask *port.Task
	frame   *media.Frame
	packet  *media.Packet

	hal hal.Task
	rc  rc.Task

	maxReenc   int
	partitions int  // partitions already emitted as their own packets
	hdrInPkt   bool // the stream header is part of this frame's packet
	dropped    bool
}

// setStatus marks a stage complete and reports whether it already was
func (t *encTask) setStatus(bit taskStatus) (dup bool) {
	dup = t.status.has(bit)
	t.status |= bit
	return dup
}

// reset returns the task to its empty state
func (t *encTask) reset() {
	*t = encTask{}
}

// headerStatus tracks the cached stream header and how it last reached the
// output. At most one added bit is set at a time.
type headerStatus uint32

const (
	hdrReady headerStatus = 1 << iota
	hdrAddedByCtrl
	hdrAddedByMode
	hdrAddedByChange

	hdrAddedMask = hdrAddedByCtrl | hdrAddedByMode | hdrAddedByChange
)

func (h headerStatus) ready() bool {
	return h&hdrReady != 0
}

func (h headerStatus) added() bool {
	return h&hdrAddedMask != 0
}

// markAdded records that the header was attached by one path
func (h *headerStatus) markAdded(by headerStatus) {
	*h = *h&^hdrAddedMask | hdrReady | by
}

// clearAdded keeps the cached header but forgets how it was attached
func (h *headerStatus) clearAdded() {
	*h &^= hdrAddedMask
}

// rcAPIStatus holds triggers raised by control commands and cleared by the
// worker once it has acted on them
type rcAPIStatus uint32

const (
	rcAPIInited rcAPIStatus = 1 << iota
	rcAPIUpdated
	rcAPIUserCfg
)
