// Package hal is the hardware abstraction boundary of the encoder. A Backend
// turns one prepared frame into bitstream bytes; the encoder core drives it
// through a fixed call sequence per frame and never looks inside.
package hal

import (
	"errors"

	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/bitstream"
	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/media"
	"github.com/linuxmatters/vpuenc/internal/rc"
)

var (
	// ErrInvalidTask is returned when a task reaches the backend without
	// its frame, packet, syntax or rate-control state
	ErrInvalidTask = errors.New("incomplete hal task")
	// ErrNotStarted is returned by Wait or PartWait without a matching start
	ErrNotStarted = errors.New("hardware not started")
)

// Syntax is the codec-level description of the frame the backend encodes
type Syntax struct {
	Coding     media.CodingType
	Intra      bool
	TemporalID int

	// NAL unit header bytes for the slice, empty for MJPEG and VP8
	NalHeader []byte
	// Slice header bits; the backend continues the slice from here
	SliceHeader *bitstream.Writer
	// Frame-level header bytes preceding the entropy data (MJPEG)
	FrameHeader []byte
}

// Task is the per-frame working set shared by the core, the codec and the
// backend. It references, and never owns, its frame and packet.
type Task struct {
	Frame      *media.Frame
	Packet     *media.Packet
	Syntax     *Syntax
	RcTask     *rc.Task
	MotionInfo *media.Buffer

	Length       int // bytes of the packet written so far
	HeaderLength int // stream header bytes
	SeiLength    int // SEI and user data prefix bytes
	HwLength     int // bytes produced by the last hardware pass

	PartLength int // bytes of the latest partition
	PartCount  int

	Valid bool
}

// Reset returns the task to its empty state
func (t *Task) Reset() {
	*t = Task{}
}

// Config is handed to Backend.Init. Cfg stays owned by the encoder and is
// read by the backend while preparing each frame.
type Config struct {
	Coding media.CodingType
	Cfg    *enccfg.Set
	Log    *zap.Logger
}

// Backend programs one encoder device
type Backend interface {
	Name() string
	Coding() media.CodingType
	Init(cfg *Config) error
	Deinit() error
	Prepare() error
	GetTask(t *Task) error
	GenRegs(t *Task) error
	Start(t *Task) error
	Wait(t *Task) error
	RetTask(t *Task) error
}

// Partitioner is implemented by backends that can hand out a frame's
// bitstream in pieces as the hardware finishes them
type Partitioner interface {
	PartStart(t *Task) error
	PartWait(t *Task) (last bool, err error)
}

// Info is the capability and statistics snapshot pushed to a backend
// whenever the configuration changes
type Info struct {
	Coding    media.CodingType
	Width     int
	Height    int
	Format    media.Format
	FpsOut    enccfg.Fps
	BpsTarget int
	RcMode    enccfg.RcMode
	Gop       int
}

// InfoSetter is implemented by backends that keep an Info snapshot
type InfoSetter interface {
	SetInfo(info Info) error
}

// InfoFromSet builds the Info snapshot for a configuration
func InfoFromSet(set *enccfg.Set) Info {
	return Info{
		Coding:    set.Codec.Coding,
		Width:     set.Prep.Width,
		Height:    set.Prep.Height,
		Format:    set.Prep.Format,
		FpsOut:    set.Rc.FpsOut,
		BpsTarget: set.Rc.BpsTarget,
		RcMode:    set.Rc.Mode,
		Gop:       set.Rc.Gop,
	}
}
