package encoder

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/hal"
	"github.com/linuxmatters/vpuenc/internal/media"
	"github.com/linuxmatters/vpuenc/internal/port"
	"github.com/linuxmatters/vpuenc/internal/rc"
)

const (
	fakeHalName     = "fake"
	fakePartHalName = "fake-part"
	fakeRcName      = "fake-rc"
)

var allCodings = []media.CodingType{media.CodingAVC, media.CodingHEVC, media.CodingMJPEG, media.CodingVP8}

var errInjected = errors.New("injected failure")

func init() {
	hal.Register(fakeHalName, "recording test backend", allCodings, nil,
		func() hal.Backend { return &fakeHal{} })
	hal.Register(fakePartHalName, "recording partitioning test backend", allCodings, nil,
		func() hal.Backend { return &fakePartHal{parts: 3} })
	rc.Register(fakeRcName, allCodings, func(media.CodingType, *zap.Logger) (rc.Controller, error) {
		return &fakeRc{}, nil
	})
}

// fakeHal writes filler bytes 0xA0+attempt. sizes[i] is the length of the
// i-th Wait of a frame; the last entry repeats.
type fakeHal struct {
	mu     sync.Mutex
	calls  []string
	infos  []hal.Info
	seqs   []int
	sizes  []int

	failOn string // call that fails on its failAt-th occurrence, 1-based
	failAt int
	seen   map[string]int

	attempt int
	entered chan struct{} // receives once per Wait when set
	release chan struct{} // Wait blocks on it when set
}

func (f *fakeHal) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.seen == nil {
		f.seen = make(map[string]int)
	}
	f.seen[call]++
	if call == f.failOn && f.seen[call] == max(f.failAt, 1) {
		return errInjected
	}
	return nil
}

func (f *fakeHal) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeHal) count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeHal) Name() string             { return fakeHalName }
func (f *fakeHal) Coding() media.CodingType { return media.CodingAVC }
func (f *fakeHal) Init(*hal.Config) error   { return nil }
func (f *fakeHal) Deinit() error            { return f.record("deinit") }

func (f *fakeHal) Prepare() error {
	f.mu.Lock()
	f.attempt = 0
	f.mu.Unlock()
	return f.record("prepare")
}

func (f *fakeHal) SetInfo(info hal.Info) error {
	f.mu.Lock()
	f.infos = append(f.infos, info)
	f.mu.Unlock()
	return f.record("set_info")
}

func (f *fakeHal) GetTask(t *hal.Task) error {
	if err := f.record("get_task"); err != nil {
		return err
	}
	if t.Frame == nil || t.Packet == nil || t.Syntax == nil || t.RcTask == nil {
		return hal.ErrInvalidTask
	}
	t.Valid = true
	return nil
}

func (f *fakeHal) GenRegs(t *hal.Task) error {
	f.mu.Lock()
	f.seqs = append(f.seqs, t.RcTask.Cpb.Curr.SeqIdx)
	f.mu.Unlock()
	return f.record("gen_regs")
}

func (f *fakeHal) Start(*hal.Task) error { return f.record("start") }

func (f *fakeHal) nextSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	size := 32
	if len(f.sizes) > 0 {
		size = f.sizes[min(f.attempt, len(f.sizes)-1)]
	}
	f.attempt++
	return size
}

func (f *fakeHal) Wait(t *hal.Task) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if err := f.record("wait"); err != nil {
		return err
	}
	f.mu.Lock()
	fill := byte(0xA0 + f.attempt)
	f.mu.Unlock()
	return f.write(t, fill, f.nextSize())
}

func (f *fakeHal) write(t *hal.Task, fill byte, n int) error {
	data := make([]byte, n)
	for i := range data {
		data[i] = fill
	}
	if err := t.Packet.Append(data); err != nil {
		return err
	}
	t.HwLength = n
	t.Length += n
	t.RcTask.Info.BitReal = n * 8
	t.RcTask.Info.QualityReal = 30
	return nil
}

func (f *fakeHal) RetTask(t *hal.Task) error {
	t.Valid = false
	return f.record("ret_task")
}

// fakePartHal finishes each frame in parts equal partitions of 20 bytes
type fakePartHal struct {
	fakeHal
	parts int
	done  int
}

func (f *fakePartHal) Name() string { return fakePartHalName }

func (f *fakePartHal) PartStart(t *hal.Task) error {
	f.done = 0
	t.HwLength = 0
	return f.record("part_start")
}

func (f *fakePartHal) PartWait(t *hal.Task) (bool, error) {
	if err := f.record("part_wait"); err != nil {
		return false, err
	}
	f.done++
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(0xB0 + f.done)
	}
	if err := t.Packet.Append(data); err != nil {
		return false, err
	}
	t.HwLength += len(data)
	t.Length += len(data)
	t.PartLength = len(data)
	t.PartCount++
	t.RcTask.Info.QualityReal = 30
	return f.done >= f.parts, nil
}

// fakeRc records its hooks. drop decides FrmCheckDrop for the n-th frame,
// reenc edits the decision after each hardware pass.
type fakeRc struct {
	mu     sync.Mutex
	calls  []string
	cfgs   []rc.Config
	starts []rc.FrameStatus

	frames int
	drop   func(n int) bool
	reenc  func(t *rc.Task)
}

func (f *fakeRc) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRc) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeRc) Starts() []rc.FrameStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.starts)
}

func (f *fakeRc) Name() string { return fakeRcName }

func (f *fakeRc) UpdateUsrCfg(cfg *rc.Config) error {
	f.mu.Lock()
	f.cfgs = append(f.cfgs, *cfg)
	f.mu.Unlock()
	f.record("update_usr_cfg")
	return nil
}

func (f *fakeRc) FrmCheckDrop(t *rc.Task) error {
	f.record("frm_check_drop")
	n := f.frames
	f.frames++
	t.Frm.Drop = f.drop != nil && f.drop(n)
	return nil
}

func (f *fakeRc) FrmStart(t *rc.Task) error {
	f.mu.Lock()
	f.starts = append(f.starts, t.Cpb.Curr)
	f.mu.Unlock()
	f.record("frm_start")
	t.Info.BitTarget = 8000
	t.Info.QualityTarget = 30
	return nil
}

func (f *fakeRc) HalStart(*rc.Task) error { f.record("hal_start"); return nil }
func (f *fakeRc) HalEnd(*rc.Task) error   { f.record("hal_end"); return nil }

func (f *fakeRc) FrmCheckReenc(t *rc.Task) error {
	f.record("frm_check_reenc")
	t.Frm.Reencode = false
	if f.reenc != nil {
		f.reenc(t)
	}
	return nil
}

func (f *fakeRc) FrmEnd(*rc.Task) error { f.record("frm_end"); return nil }
func (f *fakeRc) Close() error          { f.record("close"); return nil }

// harness owns an encoder, its queues and an observed logger
type harness struct {
	t    *testing.T
	enc  *Encoder
	in   *port.Queue
	out  *port.Queue
	logs *observer.ObservedLogs
	pts  int64

	width, height int
}

type harnessOpts struct {
	coding  media.CodingType
	halName string
	rcName  string
	inSize  int
	outSize int
	width   int
	height  int
	setup   func(*Encoder) // runs before Start
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.coding == media.CodingUnknown {
		o.coding = media.CodingAVC
	}
	if o.halName == "" {
		o.halName = fakeHalName
	}
	if o.rcName == "" {
		o.rcName = fakeRcName
	}
	if o.inSize == 0 {
		o.inSize = 4
	}
	if o.outSize == 0 {
		o.outSize = 4
	}
	if o.width == 0 {
		o.width, o.height = 64, 48
	}

	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		t:    t,
		in:   port.NewQueue("input", o.inSize),
		out:  port.NewQueue("output", o.outSize),
		logs: logs,

		width:  o.width,
		height: o.height,
	}
	enc, err := New(Options{
		Coding:  o.coding,
		Input:   h.in,
		Output:  h.out,
		Logger:  zap.New(core),
		RcName:  o.rcName,
		HalName: o.halName,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	h.enc = enc
	if o.setup != nil {
		o.setup(enc)
	}
	if err := enc.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { enc.Stop() })

	prep := enccfg.PrepCfg{
		Change: enccfg.PrepChangeInput | enccfg.PrepChangeFormat,
		Width:  o.width,
		Height: o.height,
		Format: media.FmtYUV420SP,
	}
	if err := enc.Control(CmdSetPrepCfg, &prep); err != nil {
		t.Fatalf("Control(set_prep_cfg) failed: %v", err)
	}
	return h
}

func (h *harness) fakeHal() *fakeHal {
	switch b := h.enc.hal.(type) {
	case *fakeHal:
		return b
	case *fakePartHal:
		return &b.fakeHal
	}
	h.t.Fatalf("backend %T is not a fake", h.enc.hal)
	return nil
}

func (h *harness) fakeRc() *fakeRc {
	r, ok := h.enc.rc.(*fakeRc)
	if !ok {
		h.t.Fatalf("rate control %T is not a fake", h.enc.rc)
	}
	return r
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

func (h *harness) newFrame() *media.Frame {
	f := media.NewFrame(h.width, h.height, media.FmtYUV420SP)
	y := f.Luma()
	for i := range y {
		y[i] = byte(i * 3)
	}
	f.PTS = h.pts
	h.pts++
	return f
}

// send queues f on the input port
func (h *harness) send(f *media.Frame) {
	h.t.Helper()
	p := h.in.Producer()
	if err := p.Poll(h.ctx(), true); err != nil {
		h.t.Fatalf("input poll: %v", err)
	}
	task, err := p.Dequeue()
	if err != nil {
		h.t.Fatalf("input dequeue: %v", err)
	}
	task.SetFrame(f)
	if err := p.Enqueue(task); err != nil {
		h.t.Fatalf("input enqueue: %v", err)
	}
}

// received is a copy of one output packet
type received struct {
	data  []byte
	flags uint32
	pts   int64
	intra bool
	meta  bool
}

// recv takes the next packet off the output port and returns its task
func (h *harness) recv() received {
	h.t.Helper()
	c := h.out.Consumer()
	if err := c.Poll(h.ctx(), true); err != nil {
		h.t.Fatalf("output poll: %v", err)
	}
	task, err := c.Dequeue()
	if err != nil {
		h.t.Fatalf("output dequeue: %v", err)
	}
	p := task.Packet()
	if p == nil {
		h.t.Fatal("output task without packet")
	}
	r := received{
		data:  slices.Clone(p.Bytes()),
		flags: p.Flags,
		pts:   p.PTS,
	}
	if v, ok := p.Meta.Get(media.KeyOutputIntra); ok {
		r.meta = true
		r.intra = v.(bool)
	}
	if err := c.Enqueue(task); err != nil {
		h.t.Fatalf("output enqueue: %v", err)
	}
	return r
}

func (h *harness) encode() received {
	h.t.Helper()
	h.send(h.newFrame())
	return h.recv()
}

func (h *harness) control(cmd Cmd, param any) {
	h.t.Helper()
	if err := h.enc.Control(cmd, param); err != nil {
		h.t.Fatalf("Control(%s) failed: %v", cmd, err)
	}
}

// checkClean fails on any stage recorded twice within one attempt
func (h *harness) checkClean() {
	h.t.Helper()
	if n := h.logs.FilterMessage("task status set twice").Len(); n != 0 {
		h.t.Errorf("%d duplicate stage warnings", n)
	}
	if n := h.logs.FilterMessage("packet length mismatch").Len(); n != 0 {
		h.t.Errorf("%d packet length mismatches", n)
	}
}
