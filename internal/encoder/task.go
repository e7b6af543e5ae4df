package encoder

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/hal"
	"github.com/linuxmatters/vpuenc/internal/media"
	"github.com/linuxmatters/vpuenc/internal/refs"
)

var (
	// errWait means the task is parked until a port notification arrives
	errWait = errors.New("waiting for port")
	// errTaskDone means the frame was finished without the hardware path
	errTaskDone = errors.New("task done")
)

// stepError names the pipeline call that failed
type stepError struct {
	call string
	err  error
}

func (e *stepError) Error() string {
	return e.call + ": " + e.err.Error()
}

func (e *stepError) Unwrap() error {
	return e.err
}

func stepErr(call string, err error) error {
	if err == nil {
		return nil
	}
	return &stepError{call: call, err: err}
}

// mark sets a stage bit, warning when a stage runs twice in one attempt
func (e *Encoder) mark(t *encTask, bit taskStatus) {
	if t.setStatus(bit) {
		e.log.Warn("task status set twice",
			zap.Int("seq", t.seq),
			zap.Uint32("bit", uint32(bit)),
			zap.Uint32("status", uint32(t.status)))
	}
}

// encodeOne advances the task as far as it can go. It returns with the task
// either parked on a wait bit or finished and reset.
func (e *Encoder) encodeOne() {
	t := &e.task
	err := e.tryGetTask(t)
	switch {
	case errors.Is(err, errWait), errors.Is(err, errTaskDone):
		return
	case err != nil:
		e.finishTask(t, err)
		return
	}

	if e.cfg.Base.LowDelay {
		if part, ok := e.hal.(hal.Partitioner); ok {
			e.finishTask(t, e.procLowDelay(t, part))
			return
		}
	}
	e.finishTask(t, e.procNormal(t))
}

// tryGetTask claims a frame and an output slot, then runs every per-frame
// step up to the point where the reference state is stashed. Stages already
// marked in t.status are skipped, so a parked task resumes where it stopped.
func (e *Encoder) tryGetTask(t *encTask) error {
	t.wait = 0

	if !t.status.has(statusTaskInReady) {
		if err := e.input.Consumer().Poll(e.ctx, false); err != nil {
			t.wait |= waitFrmIn
			return errWait
		}
		e.mark(t, statusTaskInReady)
	}
	if !t.status.has(statusTaskOutReady) {
		if err := e.output.Producer().Poll(e.ctx, false); err != nil {
			t.wait |= waitPktOut
			return errWait
		}
		e.mark(t, statusTaskOutReady)
	}

	if !t.status.has(statusFrmPktReady) {
		in, err := e.input.Consumer().Dequeue()
		if err != nil {
			t.reset()
			t.wait |= waitFrmIn
			return errWait
		}
		out, err := e.output.Producer().Dequeue()
		if err != nil {
			if err := e.input.Consumer().Enqueue(in); err != nil {
				e.log.Error("input task lost", zap.Int("index", in.Index()), zap.Error(err))
			}
			t.reset()
			t.wait |= waitPktOut
			return errWait
		}
		t.inTask, t.outTask = in, out
		t.frame = in.Frame()
		t.packet = out.Packet()
		e.mark(t, statusFrmPktReady)
	}

	if t.frame == nil || t.frame.Buffer == nil {
		// end of stream marker or empty frame
		e.finishTask(t, nil)
		return errTaskDone
	}

	t.seq = e.seq
	e.seq++
	t.rc.Reset()
	t.rc.Frame = t.frame
	t.hal.Reset()
	t.hal.RcTask = &t.rc
	t.hal.Frame = t.frame
	t.hal.MotionInfo = t.inTask.MotionInfo()
	e.mark(t, statusResetReady)

	if err := e.rc.FrmCheckDrop(&t.rc); err != nil {
		return stepErr("rc_frm_check_drop", err)
	}
	if t.rc.Frm.Drop {
		e.stats.dropped.Add(1)
		t.dropped = true
		e.finishTask(t, nil)
		return errTaskDone
	}
	e.mark(t, statusRcDropChecked)

	if err := e.preparePacket(t); err != nil {
		return stepErr("packet_alloc", err)
	}
	e.mark(t, statusPktBufReady)

	if !e.halInfoUpdated {
		if setter, ok := e.hal.(hal.InfoSetter); ok {
			if err := setter.SetInfo(hal.InfoFromSet(&e.cfg)); err != nil {
				return stepErr("hal_set_info", err)
			}
		}
		e.halInfoUpdated = true
	}

	if !e.hdrStatus.ready() {
		if err := e.genHeader(); err != nil {
			return stepErr("gen_hdr", err)
		}
		if err := e.appendHeader(t); err != nil {
			return stepErr("gen_hdr", err)
		}
		e.hdrStatus.markAdded(hdrAddedByChange)
	}
	e.checkPktLen(t, "gen_hdr")

	if err := e.impl.Start(&t.hal); err != nil {
		return stepErr("enc_start", err)
	}
	if err := e.hal.Prepare(); err != nil {
		return stepErr("hal_prepare", err)
	}
	if t.frame.Meta.Bool(media.KeyInputIDRReq) {
		e.frmCfg.ForceFlag |= refs.ForceIDR
	}
	if t.frame.Meta.Bool(media.KeyInputPskip) {
		e.frmCfg.ForceFlag |= refs.ForcePskip
	}
	e.mark(t, statusEncStarted)

	if e.frmCfg.ForceFlag != 0 {
		e.refs.SetUsrCfg(e.frmCfg)
		e.frmCfg = refs.FrmCfg{}
	}
	e.mark(t, statusRefsForceUpdated)

	e.refs.Stash()
	e.mark(t, statusBackupTaken)
	t.maxReenc = e.cfg.Rc.MaxReencTimes
	return nil
}

// packetSize is the worst-case compressed size of one frame: a 4:2:0 frame
// at 16-aligned dimensions, or a single plane for MJPEG
func (e *Encoder) packetSize(f *media.Frame) int {
	w, h := e.cfg.Prep.Width, e.cfg.Prep.Height
	if w == 0 || h == 0 {
		w, h = f.Width, f.Height
	}
	size := media.Align16(w) * media.Align16(h)
	if e.coding != media.CodingMJPEG {
		size = size * 3 / 2
	}
	return size
}

// preparePacket reuses the output task's packet when it is large enough and
// attaches a fresh one otherwise
func (e *Encoder) preparePacket(t *encTask) error {
	size := e.packetSize(t.frame)
	if size <= 0 {
		return fmt.Errorf("frame %dx%d: %w", t.frame.Width, t.frame.Height, ErrValue)
	}
	p := t.packet
	if p == nil || p.Buffer == nil || p.Capacity() < size {
		p.Release()
		p = media.NewPacket(size)
		t.outTask.SetPacket(p)
		t.packet = p
	}
	p.Length = 0
	p.Flags = 0
	p.Meta.Clear()
	t.hal.Packet = p
	return nil
}

// genHeader regenerates the cached stream header
func (e *Encoder) genHeader() error {
	e.hdrPkt.Length = 0
	if err := e.impl.GenHdr(e.hdrPkt); err != nil {
		return err
	}
	e.hdrStatus |= hdrReady
	return nil
}

// appendHeader copies the cached header into the task's packet
func (e *Encoder) appendHeader(t *encTask) error {
	hdr := e.hdrPkt.Bytes()
	if len(hdr) == 0 {
		return nil
	}
	if err := t.packet.Append(hdr); err != nil {
		return err
	}
	t.hal.HeaderLength += len(hdr)
	t.hal.Length += len(hdr)
	t.hdrInPkt = true
	return nil
}

// checkPktLen warns when the bytes written disagree with the length the
// pipeline has accounted for
func (e *Encoder) checkPktLen(t *encTask, call string) {
	if t.packet == nil || t.packet.Length == t.hal.Length {
		return
	}
	e.log.Warn("packet length mismatch",
		zap.String("call", call),
		zap.Int("seq", t.seq),
		zap.Int("packet", t.packet.Length),
		zap.Int("task", t.hal.Length))
}

// finishTask is the single exit of every frame. On err the frame is
// abandoned and the next one is forced to an IDR with a fresh header; an
// empty packet is still returned so the application sees one output per
// input.
func (e *Encoder) finishTask(t *encTask, err error) {
	if err != nil {
		call := "unknown"
		var se *stepError
		if errors.As(err, &se) {
			call = se.call
		}
		e.log.Error("frame aborted",
			zap.String("call", call),
			zap.Int("seq", t.seq),
			zap.Error(err))
		e.stats.failures.Add(1)
		e.frmCfg.ForceFlag |= refs.ForceIDR
		e.resetHeader()
		t.hal.Length = 0
		t.hal.HeaderLength = 0
		t.hal.SeiLength = 0
		if t.status.has(statusHalTaskFetched) && !t.status.has(statusHalTaskReturned) {
			if rerr := e.hal.RetTask(&t.hal); rerr != nil {
				e.log.Warn("hal task return failed", zap.Int("seq", t.seq), zap.Error(rerr))
			}
		}
		if t.packet != nil {
			t.packet.Length = 0
		}
	}

	if t.outTask != nil && t.packet == nil {
		t.packet = media.NewPacket(0)
	}
	e.finalizePacket(t, err == nil)

	// stats and header state settle before the packet is visible; EOS-only
	// tasks carry no picture and are not counted
	e.hdrStatus.clearAdded()
	if t.frame != nil && t.frame.Buffer != nil {
		e.stats.frames.Add(1)
	}

	// the frame goes back before its packet is visible
	if t.inTask != nil {
		if qerr := e.input.Consumer().Enqueue(t.inTask); qerr != nil {
			e.log.Error("input task lost", zap.Int("seq", t.seq), zap.Error(qerr))
		}
	}
	if t.outTask != nil {
		t.outTask.SetPacket(t.packet)
		if qerr := e.output.Producer().Enqueue(t.outTask); qerr != nil {
			e.log.Error("output task lost", zap.Int("seq", t.seq), zap.Error(qerr))
		}
	}
	t.reset()
}

// finalizePacket stamps timing, flags and output metadata
func (e *Encoder) finalizePacket(t *encTask, ok bool) {
	p := t.packet
	if p == nil {
		return
	}
	if !t.status.has(statusPktBufReady) {
		p.Length = 0
		p.Flags = 0
		p.Meta.Clear()
	}
	if f := t.frame; f != nil {
		p.PTS = f.PTS
		p.DTS = f.DTS
		if f.EOS {
			p.Flags |= media.PacketFlagEOS
		}
	}

	curr := &t.rc.Cpb.Curr
	if ok && p.Length > 0 && curr.Valid && !t.dropped {
		p.Meta.Set(media.KeyOutputIntra, curr.IsIntra)
		p.Meta.Set(media.KeyTemporalID, curr.TemporalID)
		p.Meta.Set(media.KeyOutputQP, t.rc.Info.QualityReal)
		if curr.IsIntra && t.partitions == 0 {
			p.Flags |= media.PacketFlagIntra
		}
	}
	if t.partitions > 0 {
		p.Flags |= media.PacketFlagPartition | media.PacketFlagLastPartition
	}
	e.stats.bytes.Add(uint64(p.Length))
}
