package encoder

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/rc"
	"github.com/linuxmatters/vpuenc/internal/refs"
)

// wantSei reports whether the version and rc SEI go in front of this frame
func (e *Encoder) wantSei(intra bool) bool {
	if !intra {
		return false
	}
	switch e.seiMode {
	case SeiOneFrame:
		return true
	case SeiOneSeq:
		return !e.seiSent
	}
	return false
}

// addPrefix writes one user-data SEI into the task's packet
func (e *Encoder) addPrefix(t *encTask, id uuid.UUID, data []byte) error {
	n, err := e.impl.AddPrefix(t.packet, id, data)
	if err != nil {
		return err
	}
	t.hal.SeiLength += n
	t.hal.Length += n
	return nil
}

// startFrame takes the reference decision for the frame and writes every
// byte that precedes the slice data: the repeated header, SEI and user data
func (e *Encoder) startFrame(t *encTask) error {
	if err := e.refs.GetCpb(&t.rc.Cpb); err != nil {
		return stepErr("refs_get_cpb", err)
	}
	e.mark(t, statusRestorePoint)

	if err := e.impl.ProcDpb(&t.hal); err != nil {
		return stepErr("enc_proc_dpb", err)
	}
	e.mark(t, statusDpbProcessed)

	if err := e.rc.FrmStart(&t.rc); err != nil {
		return stepErr("rc_frm_start", err)
	}
	e.mark(t, statusRcFrmStarted)

	intra := t.rc.Cpb.Curr.IsIntra
	if e.hdrMode == HeaderModeEachIDR && intra && !e.hdrStatus.added() {
		if err := e.appendHeader(t); err != nil {
			return stepErr("add_header", err)
		}
		e.hdrStatus.markAdded(hdrAddedByMode)
	}

	if e.wantSei(intra) {
		if err := e.addPrefix(t, versionUUID, []byte("vpuenc "+Version)); err != nil {
			return stepErr("add_sei", err)
		}
		if err := e.addPrefix(t, rcCfgUUID, []byte(e.rcCfgString())); err != nil {
			return stepErr("add_sei", err)
		}
		e.seiSent = true
	}

	for _, ud := range t.frame.Meta.UserDatas() {
		if err := e.addPrefix(t, ud.UUID, ud.Data); err != nil {
			return stepErr("add_user_data", err)
		}
	}
	e.checkPktLen(t, "add_prefix")
	return nil
}

// procNormal encodes the frame through the hardware and re-encodes it while
// rate control asks for another attempt
func (e *Encoder) procNormal(t *encTask) error {
	if err := e.startFrame(t); err != nil {
		return err
	}

	if t.rc.Cpb.Curr.ForcePskip && e.impl.SupportsSwSkip() {
		e.stats.forcePskips.Add(1)
		if err := e.impl.SwEnc(&t.hal); err != nil {
			return stepErr("enc_sw_enc", err)
		}
		e.checkPktLen(t, "enc_sw_enc")
		if err := e.rc.FrmEnd(&t.rc); err != nil {
			return stepErr("rc_frm_end", err)
		}
		e.mark(t, statusRcFrmEnded)
		return nil
	}

	if err := e.halPass(t); err != nil {
		return err
	}
	return e.reencLoop(t)
}

// halPass runs one hardware attempt on the frame
func (e *Encoder) halPass(t *encTask) error {
	t.status &^= statusHalStage
	steps := []struct {
		call string
		bit  taskStatus
		fn   func() error
	}{
		{"enc_proc_hal", statusHalProcessed, func() error { return e.impl.ProcHal(&t.hal) }},
		{"hal_get_task", statusHalTaskFetched, func() error { return e.hal.GetTask(&t.hal) }},
		{"rc_hal_start", statusRcHalStarted, func() error { return e.rc.HalStart(&t.rc) }},
		{"hal_gen_regs", statusRegsGenerated, func() error { return e.hal.GenRegs(&t.hal) }},
		{"hal_start", statusHalStarted, func() error { return e.hal.Start(&t.hal) }},
		{"hal_wait", statusHalWaited, func() error { return e.hal.Wait(&t.hal) }},
		{"rc_hal_end", statusRcHalEnded, func() error { return e.rc.HalEnd(&t.rc) }},
		{"hal_ret_task", statusHalTaskReturned, func() error { return e.hal.RetTask(&t.hal) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return stepErr(s.call, err)
		}
		e.mark(t, s.bit)
	}
	e.checkPktLen(t, "hal_wait")
	e.mark(t, statusHalUpdated)
	return nil
}

// reencLoop asks rate control whether the last attempt is acceptable. Each
// retry is one of: drop the frame, replace it with a software P-skip, or run
// the hardware again with the new QP.
func (e *Encoder) reencLoop(t *encTask) error {
	e.mark(t, statusReencCheckpoint)
	for {
		if err := e.rc.FrmCheckReenc(&t.rc); err != nil {
			return stepErr("rc_frm_check_reenc", err)
		}
		e.mark(t, statusRcReencChecked)

		frm := &t.rc.Frm
		// rate control bumps ReencodeTimes when it asks for a pass, so the
		// count already includes the pass about to run
		if !frm.Reencode || frm.ReencodeTimes > t.maxReenc {
			break
		}
		e.stats.reencodes.Add(1)

		// discard the last hardware output
		t.hal.Length -= t.hal.HwLength
		t.hal.HwLength = 0
		if err := t.packet.SetLength(t.hal.Length); err != nil {
			return stepErr("reenc_truncate", err)
		}

		curr := &t.rc.Cpb.Curr
		switch {
		case frm.Drop:
			return e.reencDrop(t)
		case frm.ForcePskip && !curr.IsIDR && !curr.IsLtRef && e.impl.SupportsSwSkip():
			return e.reencPskip(t)
		}
		frm.ForcePskip = false
		frm.Drop = false
		if err := e.halPass(t); err != nil {
			return err
		}
	}

	if err := e.rc.FrmEnd(&t.rc); err != nil {
		return stepErr("rc_frm_end", err)
	}
	e.mark(t, statusRcFrmEnded)
	return nil
}

// reencDrop removes the frame from the stream. The reference state is
// restored so the next frame predicts from the last one actually sent.
func (e *Encoder) reencDrop(t *encTask) error {
	if err := e.refs.Rollback(); err != nil {
		return stepErr("refs_rollback", err)
	}
	info := &t.rc.Info
	info.BitReal = info.BitTarget
	info.QualityReal = info.QualityTarget

	if t.hdrInPkt {
		e.resetHeader()
	}
	t.hal.Length = 0
	t.hal.HeaderLength = 0
	t.hal.SeiLength = 0
	t.packet.Length = 0

	if err := e.rc.FrmEnd(&t.rc); err != nil {
		return stepErr("rc_frm_end", err)
	}
	e.mark(t, statusRcFrmEnded)
	t.dropped = true
	e.stats.dropped.Add(1)
	e.log.Debug("frame dropped by rate control", zap.Int("seq", t.seq))
	return nil
}

// reencPskip re-takes the reference decision as a forced P-skip and writes
// the frame in software
func (e *Encoder) reencPskip(t *encTask) error {
	e.stats.forcePskips.Add(1)
	if err := e.refs.Rollback(); err != nil {
		return stepErr("refs_rollback", err)
	}
	e.refs.SetUsrCfg(refs.FrmCfg{ForceFlag: refs.ForcePskip})
	t.status &^= statusRestorePoint | statusDpbProcessed

	if err := e.refs.GetCpb(&t.rc.Cpb); err != nil {
		return stepErr("refs_get_cpb", err)
	}
	e.mark(t, statusRestorePoint)
	if err := e.impl.ProcDpb(&t.hal); err != nil {
		return stepErr("enc_proc_dpb", err)
	}
	e.mark(t, statusDpbProcessed)

	if err := e.impl.SwEnc(&t.hal); err != nil {
		return stepErr("enc_sw_enc", err)
	}
	e.checkPktLen(t, "enc_sw_enc")

	if err := e.rc.FrmEnd(&t.rc); err != nil {
		return stepErr("rc_frm_end", err)
	}
	e.mark(t, statusRcFrmEnded)
	e.log.Debug("frame replaced by p-skip", zap.Int("seq", t.seq))
	return nil
}

// rcCfgString is the rate-control summary carried in the rc SEI
func (e *Encoder) rcCfgString() string {
	return rc.ConfigFromSet(&e.cfg).String()
}
