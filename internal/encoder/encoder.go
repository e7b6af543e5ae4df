// Package encoder runs the per-frame encode state machine on one worker
// goroutine. It pulls raw frames from an input port queue, drives the codec,
// rate control, reference manager and hardware backend through a fixed call
// sequence, and pushes bitstream packets to an output port queue. Control
// commands and resets are serialised onto the same worker.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/codec"
	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/hal"
	"github.com/linuxmatters/vpuenc/internal/media"
	"github.com/linuxmatters/vpuenc/internal/port"
	"github.com/linuxmatters/vpuenc/internal/rc"
	"github.com/linuxmatters/vpuenc/internal/refs"
)

// Version is written into the version SEI. Set at link time by the CLI.
var Version = "dev"

var (
	versionUUID = uuid.MustParse("3d1b7f0e-8a52-4c67-9e1f-5b0a2c6d4e11")
	rcCfgUUID   = uuid.MustParse("a4f2c9d8-1b3e-47a5-8c60-7e9d2f1b5a33")
)

var (
	// ErrValue is returned for a malformed command parameter or option
	ErrValue = errors.New("invalid value")
	// ErrStopped is returned by requests made after Stop
	ErrStopped = errors.New("encoder stopped")
	// ErrUnsupportedCmd is returned for a command the encoder does not know
	ErrUnsupportedCmd = errors.New("unsupported command")
)

// hdrPktSize bounds the cached stream header
const hdrPktSize = 1024

// Options configures New
type Options struct {
	Coding media.CodingType
	Input  *port.Queue // raw frames from the application
	Output *port.Queue // encoded packets to the application
	Logger *zap.Logger

	RcName  string // rate-control strategy, rc.DefaultName when empty
	HalName string // backend name, hal.Auto when empty
}

// Stats is a snapshot of the encoder's counters
type Stats struct {
	Frames      uint64
	Dropped     uint64
	Reencodes   uint64
	ForcePskips uint64
	Failures    uint64
	Bytes       uint64

	WaitCount uint64
	WorkCount uint64
	CmdSent   uint64
	CmdRecv   uint64
}

type counters struct {
	frames      atomic.Uint64
	dropped     atomic.Uint64
	reencodes   atomic.Uint64
	forcePskips atomic.Uint64
	failures    atomic.Uint64
	bytes       atomic.Uint64
}

// Encoder is one encode session. Everything below the lifecycle fields is
// owned by the worker goroutine once Start has been called.
type Encoder struct {
	log    *zap.Logger
	coding media.CodingType
	input  *port.Queue
	output *port.Queue
	sched  *scheduler
	stats  counters

	cmdMu   sync.Mutex
	resetMu sync.Mutex

	stateMu sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	ctx     context.Context
	done    chan struct{}

	hal    hal.Backend
	impl   codec.Impl
	rc     rc.Controller
	refs   *refs.Refs
	rcName string

	cfg    enccfg.Set
	frmCfg refs.FrmCfg

	hdrStatus      headerStatus
	hdrPkt         *media.Packet
	hdrMode        HeaderMode
	seiMode        SeiMode
	seiSent        bool
	rcStatus       rcAPIStatus
	halInfoUpdated bool

	seq  int
	task encTask
}

// New creates an encoder for opts.Coding and selects its backend, codec and
// rate-control strategy. The worker is not started.
func New(opts Options) (*Encoder, error) {
	if opts.Input == nil || opts.Output == nil {
		return nil, fmt.Errorf("encoder needs input and output queues: %w", ErrValue)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("enc").With(zap.Stringer("coding", opts.Coding))

	e := &Encoder{
		log:    log,
		coding: opts.Coding,
		input:  opts.Input,
		output: opts.Output,
		sched:  newScheduler(),
		cfg:    enccfg.Defaults(opts.Coding),
		hdrPkt: media.NewPacket(hdrPktSize),
		rcName: opts.RcName,
		done:   make(chan struct{}),
	}
	if e.rcName == "" {
		e.rcName = rc.DefaultName
	}

	backend, err := hal.New(opts.HalName, &hal.Config{Coding: opts.Coding, Cfg: &e.cfg, Log: log})
	if err != nil {
		return nil, fmt.Errorf("select hal: %w", err)
	}
	e.hal = backend

	impl, err := codec.New(opts.Coding, &e.cfg, log)
	if err != nil {
		backend.Deinit()
		return nil, fmt.Errorf("select codec: %w", err)
	}
	e.impl = impl

	ctrl, err := rc.New(e.rcName, opts.Coding, log)
	if err != nil {
		backend.Deinit()
		return nil, fmt.Errorf("select rate control: %w", err)
	}
	e.rc = ctrl

	e.refs = refs.New(log)
	if err := e.refs.SetCfg(e.cfg.Ref); err != nil {
		backend.Deinit()
		ctrl.Close()
		return nil, fmt.Errorf("configure refs: %w", err)
	}
	e.refs.SetRcIgop(e.cfg.Rc.Gop)
	e.rcStatus = rcAPIInited | rcAPIUserCfg

	e.input.OnEnqueue(port.Producer, func() { e.sched.notify(notifyFrameEnqueue) })
	e.output.OnEnqueue(port.Consumer, func() { e.sched.notify(notifyPacketEnqueue) })

	log.Info("encoder created",
		zap.String("hal", backend.Name()),
		zap.String("rc", ctrl.Name()))
	return e, nil
}

// Start launches the worker. Cancelling ctx stops it as Stop would, without
// the shutdown drain.
func (e *Encoder) Start(ctx context.Context) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	context.AfterFunc(e.ctx, e.sched.stop)
	e.started = true
	go e.run()
	return nil
}

// Stop ends the worker after its current frame, returns queued input frames
// to the application and releases the backend and rate control.
// It is safe to call more than once.
func (e *Encoder) Stop() error {
	e.stateMu.Lock()
	if e.stopped {
		e.stateMu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	e.stateMu.Unlock()

	e.sched.stop()
	if started {
		<-e.done
		e.cancel()
	} else {
		close(e.done)
	}
	e.drain()

	var errs []error
	if err := e.hal.Deinit(); err != nil {
		errs = append(errs, fmt.Errorf("hal deinit: %w", err))
	}
	if err := e.rc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rate control close: %w", err))
	}

	s := e.Stats()
	e.log.Info("encoder stopped",
		zap.Uint64("frames", s.Frames),
		zap.Uint64("dropped", s.Dropped),
		zap.Uint64("reencodes", s.Reencodes),
		zap.Uint64("failures", s.Failures),
		zap.Uint64("bytes", s.Bytes),
		zap.Uint64("wait", s.WaitCount),
		zap.Uint64("work", s.WorkCount))
	return errors.Join(errs...)
}

func (e *Encoder) running() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.started && !e.stopped
}

// Reset discards the GOP, header and per-frame state, and returns once the
// worker has done so. A frame in progress is finished first.
func (e *Encoder) Reset() error {
	e.resetMu.Lock()
	defer e.resetMu.Unlock()
	if !e.running() {
		return ErrStopped
	}
	done := make(chan struct{})
	if !e.sched.postReset(done) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

// Control runs cmd on the worker and waits for its result. Only one command
// is in flight at a time.
func (e *Encoder) Control(cmd Cmd, param any) error {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	if !e.running() {
		return ErrStopped
	}
	c := &command{cmd: cmd, param: param, done: make(chan error, 1)}
	if !e.sched.postCommand(c) {
		return ErrStopped
	}
	select {
	case err := <-c.done:
		return err
	case <-e.done:
		select {
		case err := <-c.done:
			return err
		default:
			return ErrStopped
		}
	}
}

// Stats returns a snapshot of the counters
func (e *Encoder) Stats() Stats {
	wait, work, sent, recv := e.sched.counters()
	return Stats{
		Frames:      e.stats.frames.Load(),
		Dropped:     e.stats.dropped.Load(),
		Reencodes:   e.stats.reencodes.Load(),
		ForcePskips: e.stats.forcePskips.Load(),
		Failures:    e.stats.failures.Load(),
		Bytes:       e.stats.bytes.Load(),
		WaitCount:   wait,
		WorkCount:   work,
		CmdSent:     sent,
		CmdRecv:     recv,
	}
}

// run is the worker loop. Resets take priority over commands, and both are
// handled before the next frame step.
func (e *Encoder) run() {
	defer close(e.done)
	for e.sched.waitForWork(e.task.wait) {
		if done, ok := e.sched.takeReset(); ok {
			e.doReset()
			close(done)
			continue
		}
		if c := e.sched.takeCommand(); c != nil {
			c.done <- e.procCmd(c)
		}
		e.updateRc()
		e.encodeOne()
	}
}

// doReset runs between frames, so no port task is held
func (e *Encoder) doReset() {
	e.task.reset()
	e.refs.Reset()
	e.resetHeader()
	e.frmCfg = refs.FrmCfg{}
	e.halInfoUpdated = false
	e.log.Info("encoder reset")
}

// drain hands every task still queued for the worker back to the producer,
// releasing the frame it carried. Idle output tasks the application already
// returned drop their packet buffers and are handed over empty.
func (e *Encoder) drain() {
	in := e.input.Consumer()
	for in.Poll(context.Background(), false) == nil {
		t, err := in.Dequeue()
		if err != nil {
			break
		}
		if f := t.Frame(); f != nil {
			f.Release()
			t.SetFrame(nil)
		}
		if err := in.Enqueue(t); err != nil {
			e.log.Warn("drain: input task lost", zap.Int("index", t.Index()), zap.Error(err))
			break
		}
	}

	out := e.output.Producer()
	for out.Poll(context.Background(), false) == nil {
		t, err := out.Dequeue()
		if err != nil {
			return
		}
		if p := t.Packet(); p != nil {
			p.Release()
			t.SetPacket(nil)
		}
		if err := out.Enqueue(t); err != nil {
			e.log.Warn("drain: output task lost", zap.Int("index", t.Index()), zap.Error(err))
			return
		}
	}
}
