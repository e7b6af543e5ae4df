package encoder

import (
	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/hal"
	"github.com/linuxmatters/vpuenc/internal/media"
)

// procLowDelay encodes the frame in partitions. Every partition that finishes
// before the last one leaves as its own packet when an output slot is free;
// otherwise it stays in the frame packet. Low-delay frames are never
// re-encoded.
func (e *Encoder) procLowDelay(t *encTask, part hal.Partitioner) error {
	if err := e.startFrame(t); err != nil {
		return err
	}

	steps := []struct {
		call string
		bit  taskStatus
		fn   func() error
	}{
		{"enc_proc_hal", statusHalProcessed, func() error { return e.impl.ProcHal(&t.hal) }},
		{"hal_get_task", statusHalTaskFetched, func() error { return e.hal.GetTask(&t.hal) }},
		{"rc_hal_start", statusRcHalStarted, func() error { return e.rc.HalStart(&t.rc) }},
		{"hal_gen_regs", statusRegsGenerated, func() error { return e.hal.GenRegs(&t.hal) }},
		{"hal_part_start", statusHalStarted, func() error { return part.PartStart(&t.hal) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return stepErr(s.call, err)
		}
		e.mark(t, s.bit)
	}

	// bits already sent in earlier partitions
	sent := 0
	for {
		last, err := part.PartWait(&t.hal)
		if err != nil {
			return stepErr("hal_part_wait", err)
		}
		if last {
			break
		}
		sent += e.emitPartition(t)
	}
	e.mark(t, statusHalWaited)
	e.checkPktLen(t, "hal_part_wait")

	// rate control judges the whole frame
	t.rc.Info.BitReal = (sent + t.hal.HwLength) * 8
	if err := e.rc.HalEnd(&t.rc); err != nil {
		return stepErr("rc_hal_end", err)
	}
	e.mark(t, statusRcHalEnded)
	if err := e.hal.RetTask(&t.hal); err != nil {
		return stepErr("hal_ret_task", err)
	}
	e.mark(t, statusHalTaskReturned)
	e.mark(t, statusHalUpdated)

	if err := e.rc.FrmEnd(&t.rc); err != nil {
		return stepErr("rc_frm_end", err)
	}
	e.mark(t, statusRcFrmEnded)
	return nil
}

// emitPartition sends the bytes accumulated in the frame packet as one
// partition packet and returns how many hardware bytes left with it. It
// returns 0 and keeps the bytes when no output slot is free.
func (e *Encoder) emitPartition(t *encTask) int {
	out := e.output.Producer()
	if out.Poll(e.ctx, false) != nil {
		return 0
	}
	task, err := out.Dequeue()
	if err != nil {
		return 0
	}

	data := t.packet.Bytes()
	p := task.Packet()
	if p == nil || p.Capacity() < len(data) {
		p.Release()
		p = media.NewPacket(len(data))
	}
	p.Length = 0
	p.Meta.Clear()
	p.Flags = media.PacketFlagPartition
	if t.partitions == 0 && t.rc.Cpb.Curr.IsIntra {
		p.Flags |= media.PacketFlagIntra
	}
	p.PTS = t.frame.PTS
	p.DTS = t.frame.DTS
	if err := p.Append(data); err != nil {
		e.log.Warn("partition copy failed", zap.Int("seq", t.seq), zap.Error(err))
		p.Length = 0
	}
	task.SetPacket(p)
	e.stats.bytes.Add(uint64(len(data)))
	if err := out.Enqueue(task); err != nil {
		e.log.Error("output task lost", zap.Int("seq", t.seq), zap.Error(err))
		return 0
	}

	hw := len(data) - t.hal.HeaderLength - t.hal.SeiLength
	t.partitions++
	t.packet.Length = 0
	t.hal.Length = 0
	t.hal.HeaderLength = 0
	t.hal.SeiLength = 0
	t.hal.HwLength = 0
	e.log.Debug("partition sent",
		zap.Int("seq", t.seq),
		zap.Int("index", t.partitions),
		zap.Int("bytes", len(data)))
	return hw
}
