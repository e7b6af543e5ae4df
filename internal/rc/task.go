// Package rc defines the rate-control call contract used by the encoder and
// ships the default "smooth" bit-allocation model.
package rc

import "github.com/linuxmatters/vpuenc/internal/media"

// FrameStatus describes one frame's position in the GOP
type FrameStatus struct {
	Valid      bool
	SeqIdx     int
	IsIDR      bool
	IsIntra    bool
	IsNonRef   bool
	IsLtRef    bool
	LtIdx      int
	TemporalID int
	ForcePskip bool
}

// CpbStatus holds the current and previous frame descriptors produced by
// the reference manager
type CpbStatus struct {
	Curr FrameStatus
	Prev FrameStatus
}

// FrmStatus carries per-frame decisions made by rate control
type FrmStatus struct {
	Drop          bool
	Reencode      bool
	ReencodeTimes int
	ForcePskip    bool
}

// TaskInfo holds the bit and quality budget for a frame, and the hardware's
// feedback once it has been encoded
type TaskInfo struct {
	BitTarget int
	BitMax    int
	BitReal   int

	QualityTarget int
	QualityReal   int
	QpMin         int
	QpMax         int

	Complexity int // mean absolute luma deviation, filled by the backend
}

// Task is rate control's working set for one frame
type Task struct {
	Cpb   CpbStatus
	Frm   FrmStatus
	Info  TaskInfo
	Frame *media.Frame
}

// Reset clears the per-frame decisions and feedback, keeping nothing from
// the previous frame
func (t *Task) Reset() {
	*t = Task{}
}
