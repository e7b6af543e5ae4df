package encoder

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/media"
	"github.com/linuxmatters/vpuenc/internal/rc"
	"github.com/linuxmatters/vpuenc/internal/refs"
)

// Cmd selects a control operation. The param type each command expects is
// listed beside it.
type Cmd int

const (
	CmdSetCfg        Cmd = iota + 1 // *enccfg.Set
	CmdGetCfg                       // *enccfg.Set
	CmdSetRcCfg                     // *enccfg.RcCfg
	CmdGetRcCfg                     // *enccfg.RcCfg
	CmdSetPrepCfg                   // *enccfg.PrepCfg
	CmdGetPrepCfg                   // *enccfg.PrepCfg
	CmdSetCodecCfg                  // *enccfg.CodecCfg
	CmdGetCodecCfg                  // *enccfg.CodecCfg
	CmdSetRefCfg                    // *refs.Cfg
	CmdSetIdrFrame                  // nil
	CmdGetHdrSync                   // *media.Packet
	CmdGetExtraInfo                 // *media.Packet
	CmdSetHeaderMode                // *HeaderMode
	CmdSetSeiCfg                    // *SeiMode
	CmdSetOsdPltCfg                 // *enccfg.OsdPltCfg
	CmdGetOsdPltCfg                 // *enccfg.OsdPltCfg
	CmdSetHwCfg                     // *enccfg.HwCfg
	CmdSetRcAPI                     // *string
)

var cmdNames = map[Cmd]string{
	CmdSetCfg:        "set_cfg",
	CmdGetCfg:        "get_cfg",
	CmdSetRcCfg:      "set_rc_cfg",
	CmdGetRcCfg:      "get_rc_cfg",
	CmdSetPrepCfg:    "set_prep_cfg",
	CmdGetPrepCfg:    "get_prep_cfg",
	CmdSetCodecCfg:   "set_codec_cfg",
	CmdGetCodecCfg:   "get_codec_cfg",
	CmdSetRefCfg:     "set_ref_cfg",
	CmdSetIdrFrame:   "set_idr_frame",
	CmdGetHdrSync:    "get_hdr_sync",
	CmdGetExtraInfo:  "get_extra_info",
	CmdSetHeaderMode: "set_header_mode",
	CmdSetSeiCfg:     "set_sei_cfg",
	CmdSetOsdPltCfg:  "set_osd_plt_cfg",
	CmdGetOsdPltCfg:  "get_osd_plt_cfg",
	CmdSetHwCfg:      "set_hw_cfg",
	CmdSetRcAPI:      "set_rc_api",
}

func (c Cmd) String() string {
	if s, ok := cmdNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cmd(%d)", int(c))
}

// HeaderMode controls when the stream header is repeated
type HeaderMode int

const (
	// HeaderModeDefault writes the header once per configuration change
	HeaderModeDefault HeaderMode = iota
	// HeaderModeEachIDR also repeats it in front of every intra frame
	HeaderModeEachIDR
)

func (m HeaderMode) String() string {
	if m == HeaderModeEachIDR {
		return "each-idr"
	}
	return "default"
}

// ParseHeaderMode accepts "default" or "each-idr"
func ParseHeaderMode(s string) (HeaderMode, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return HeaderModeDefault, nil
	case "each-idr", "each_idr":
		return HeaderModeEachIDR, nil
	}
	return 0, fmt.Errorf("header mode %q: %w", s, ErrValue)
}

// SeiMode controls the version and rate-control SEI written on IDR frames
type SeiMode int

const (
	SeiDisable  SeiMode = iota
	SeiOneSeq           // first IDR of each header epoch
	SeiOneFrame         // every IDR
)

func (m SeiMode) String() string {
	switch m {
	case SeiOneSeq:
		return "seq"
	case SeiOneFrame:
		return "frame"
	}
	return "off"
}

// ParseSeiMode accepts "off", "seq" or "frame"
func ParseSeiMode(s string) (SeiMode, error) {
	switch strings.ToLower(s) {
	case "", "off", "disable":
		return SeiDisable, nil
	case "seq":
		return SeiOneSeq, nil
	case "frame":
		return SeiOneFrame, nil
	}
	return 0, fmt.Errorf("sei mode %q: %w", s, ErrValue)
}

// Header resend reasons
const (
	resendNone = iota
	resendCmd
	resendRcCfg
	resendSetCfgPrep
	resendSetCfgRc
	resendSetCfgCodec
)

var resendReasons = [...]string{
	resendNone:        "none",
	resendCmd:         "codec, prep or idr command",
	resendRcCfg:       "rc mode, fps or gop change",
	resendSetCfgPrep:  "prep change in set_cfg",
	resendSetCfgRc:    "rc change in set_cfg",
	resendSetCfgCodec: "codec change outside the safe set",
}

// rcHeaderChange lists rc fields visible in the stream header
const rcHeaderChange = enccfg.RcChangeMode | enccfg.RcChangeFpsIn | enccfg.RcChangeFpsOut | enccfg.RcChangeGop

const prepHeaderChange = enccfg.PrepChangeInput | enccfg.PrepChangeFormat | enccfg.PrepChangeRotation |
	enccfg.PrepChangeColorRange | enccfg.PrepChangeColorSpace | enccfg.PrepChangeColorPrime |
	enccfg.PrepChangeColorTrc

// checkResendHdr returns a non-zero reason when cmd requires a new stream
// header. Codings without parameter sets never resend.
func checkResendHdr(cmd Cmd, cfg *enccfg.Set) int {
	if !cfg.Codec.Coding.HasParamSets() {
		return resendNone
	}
	switch cmd {
	case CmdSetCodecCfg, CmdSetPrepCfg, CmdSetIdrFrame:
		return resendCmd
	case CmdSetRcCfg:
		if cfg.Rc.Change&rcHeaderChange != 0 {
			return resendRcCfg
		}
	case CmdSetCfg:
		switch {
		case cfg.Prep.Change&prepHeaderChange != 0:
			return resendSetCfgPrep
		case cfg.Rc.Change&rcHeaderChange != 0:
			return resendSetCfgRc
		case cfg.Codec.NeedsHeaderResend():
			return resendSetCfgCodec
		}
	}
	return resendNone
}

// checkRcCfgUpdate reports whether rate control must be re-configured
func checkRcCfgUpdate(cmd Cmd, cfg *enccfg.Set) bool {
	switch cmd {
	case CmdSetRcCfg, CmdSetPrepCfg, CmdSetRefCfg:
		return true
	case CmdSetCfg:
		return cfg.Prep.Change&(enccfg.PrepChangeInput|enccfg.PrepChangeFormat) != 0 ||
			cfg.Rc.Change&^enccfg.RcChangeQuality != 0 ||
			cfg.Ref.Change != 0
	}
	return false
}

// checkRcGopUpdate reports whether the intra period changed
func checkRcGopUpdate(cmd Cmd, cfg *enccfg.Set) bool {
	return (cmd == CmdSetRcCfg || cmd == CmdSetCfg) && cfg.Rc.Change&enccfg.RcChangeGop != 0
}

// checkHalInfoUpdate reports whether the backend needs a fresh Info
func checkHalInfoUpdate(cmd Cmd) bool {
	switch cmd {
	case CmdSetCfg, CmdSetRcCfg, CmdSetCodecCfg, CmdSetPrepCfg, CmdSetRefCfg:
		return true
	}
	return false
}

func paramOf[T any](cmd Cmd, param any) (*T, error) {
	p, ok := param.(*T)
	if !ok || p == nil {
		return nil, fmt.Errorf("%s: param %T: %w", cmd, param, ErrValue)
	}
	return p, nil
}

// procCmd executes one control command on the worker
func (e *Encoder) procCmd(c *command) error {
	err := e.applyCmd(c.cmd, c.param)
	if err != nil {
		e.log.Warn("control failed", zap.Stringer("cmd", c.cmd), zap.Error(err))
	} else {
		e.log.Debug("control done", zap.Stringer("cmd", c.cmd))
	}
	return err
}

func (e *Encoder) applyCmd(cmd Cmd, param any) error {
	switch cmd {
	case CmdSetCfg, CmdSetRcCfg, CmdSetPrepCfg, CmdSetCodecCfg, CmdSetRefCfg, CmdSetIdrFrame:
		err := e.procCfg(cmd, param)
		if err != nil && !e.cfg.Changed() {
			// rejected outright: nothing to resend or reconfigure
			return err
		}
		e.propagate(cmd)
		return err

	case CmdGetCfg:
		p, err := paramOf[enccfg.Set](cmd, param)
		if err == nil {
			*p = e.cfg
		}
		return err
	case CmdGetRcCfg:
		p, err := paramOf[enccfg.RcCfg](cmd, param)
		if err == nil {
			*p = e.cfg.Rc
		}
		return err
	case CmdGetPrepCfg:
		p, err := paramOf[enccfg.PrepCfg](cmd, param)
		if err == nil {
			*p = e.cfg.Prep
		}
		return err
	case CmdGetCodecCfg:
		p, err := paramOf[enccfg.CodecCfg](cmd, param)
		if err == nil {
			*p = e.cfg.Codec
		}
		return err
	case CmdGetOsdPltCfg:
		p, err := paramOf[enccfg.OsdPltCfg](cmd, param)
		if err == nil {
			*p = e.cfg.Plt
		}
		return err

	case CmdGetHdrSync, CmdGetExtraInfo:
		p, err := paramOf[media.Packet](cmd, param)
		if err != nil {
			return err
		}
		if !e.hdrStatus.ready() {
			if err := e.genHeader(); err != nil {
				return fmt.Errorf("%s: %w", cmd, err)
			}
		}
		if err := p.Append(e.hdrPkt.Bytes()); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		if cmd == CmdGetHdrSync {
			e.hdrStatus.markAdded(hdrAddedByCtrl)
		}
		return nil

	case CmdSetHeaderMode:
		p, err := paramOf[HeaderMode](cmd, param)
		if err != nil {
			return err
		}
		if *p != HeaderModeDefault && *p != HeaderModeEachIDR {
			return fmt.Errorf("header mode %d: %w", *p, ErrValue)
		}
		e.hdrMode = *p
		return nil

	case CmdSetSeiCfg:
		p, err := paramOf[SeiMode](cmd, param)
		if err != nil {
			return err
		}
		if *p < SeiDisable || *p > SeiOneFrame {
			return fmt.Errorf("sei mode %d: %w", *p, ErrValue)
		}
		e.seiMode = *p
		return nil

	case CmdSetOsdPltCfg:
		p, err := paramOf[enccfg.OsdPltCfg](cmd, param)
		if err != nil {
			return err
		}
		return enccfg.ApplyPlt(&e.cfg.Plt, p)

	case CmdSetHwCfg:
		p, err := paramOf[enccfg.HwCfg](cmd, param)
		if err != nil {
			return err
		}
		return enccfg.ApplyHw(&e.cfg.Hw, p, e.log)

	case CmdSetRcAPI:
		p, err := paramOf[string](cmd, param)
		if err != nil {
			return err
		}
		name := *p
		if name == "" {
			name = rc.DefaultName
		}
		if !slices.Contains(rc.Names(e.coding), name) {
			return fmt.Errorf("%s %q for %s: %w", cmd, name, e.coding, rc.ErrUnknown)
		}
		e.rcName = name
		e.rcStatus |= rcAPIUpdated
		return nil
	}
	return fmt.Errorf("%s: %w", cmd, ErrUnsupportedCmd)
}

// procCfg merges the flagged fields of a set command into the encoder's
// configuration. Every sub-config is attempted; failures are joined.
func (e *Encoder) procCfg(cmd Cmd, param any) error {
	switch cmd {
	case CmdSetCfg:
		src, err := paramOf[enccfg.Set](cmd, param)
		if err != nil {
			return err
		}
		var errs []error
		enccfg.ApplyBase(&e.cfg.Base, &src.Base)
		if src.Prep.Change != 0 {
			errs = append(errs, enccfg.ApplyPrep(&e.cfg.Prep, &src.Prep, e.log))
		}
		if src.Rc.Change != 0 {
			errs = append(errs, enccfg.ApplyRc(&e.cfg.Rc, &src.Rc, e.coding, e.log))
		}
		codec := src.Codec
		codec.Coding = e.coding
		if codec.Change() != 0 {
			errs = append(errs, enccfg.ApplyCodec(&e.cfg.Codec, &src.Codec, e.log))
		}
		if src.Ref.Change != 0 {
			errs = append(errs, e.setRef(&src.Ref))
		}
		if src.Hw.Change != 0 {
			errs = append(errs, enccfg.ApplyHw(&e.cfg.Hw, &src.Hw, e.log))
		}
		if src.Plt.Change != 0 {
			errs = append(errs, enccfg.ApplyPlt(&e.cfg.Plt, &src.Plt))
		}
		return errors.Join(errs...)

	case CmdSetRcCfg:
		src, err := paramOf[enccfg.RcCfg](cmd, param)
		if err != nil {
			return err
		}
		return enccfg.ApplyRc(&e.cfg.Rc, src, e.coding, e.log)

	case CmdSetPrepCfg:
		src, err := paramOf[enccfg.PrepCfg](cmd, param)
		if err != nil {
			return err
		}
		return enccfg.ApplyPrep(&e.cfg.Prep, src, e.log)

	case CmdSetCodecCfg:
		src, err := paramOf[enccfg.CodecCfg](cmd, param)
		if err != nil {
			return err
		}
		return enccfg.ApplyCodec(&e.cfg.Codec, src, e.log)

	case CmdSetRefCfg:
		src, err := paramOf[refs.Cfg](cmd, param)
		if err != nil {
			return err
		}
		return e.setRef(src)

	case CmdSetIdrFrame:
		e.frmCfg.ForceFlag |= refs.ForceIDR
	}
	return nil
}

func (e *Encoder) setRef(src *refs.Cfg) error {
	if err := enccfg.ApplyRef(&e.cfg.Ref, src); err != nil {
		return err
	}
	if err := e.refs.SetCfg(e.cfg.Ref); err != nil {
		return err
	}
	if e.refs.UpdateHdr() {
		e.frmCfg.ForceFlag |= refs.ForceIDR
		e.resetHeader()
	}
	return nil
}

// propagate applies the side effects of a configuration command, then
// consumes the change masks
func (e *Encoder) propagate(cmd Cmd) {
	cfg := &e.cfg

	if reason := checkResendHdr(cmd, cfg); reason != resendNone {
		e.log.Debug("header resend",
			zap.Stringer("cmd", cmd),
			zap.Int("reason", reason),
			zap.String("why", resendReasons[reason]))
		e.frmCfg.ForceFlag |= refs.ForceIDR
		e.resetHeader()
	}
	if checkRcCfgUpdate(cmd, cfg) {
		e.rcStatus |= rcAPIUserCfg
	}
	if checkRcGopUpdate(cmd, cfg) {
		e.refs.SetRcIgop(cfg.Rc.Gop)
	}
	if checkHalInfoUpdate(cmd) {
		e.halInfoUpdated = false
	}
	cfg.ClearChanges()
}

// resetHeader starts a new header epoch: the next frame regenerates and
// carries the stream header
func (e *Encoder) resetHeader() {
	e.hdrStatus = 0
	e.seiSent = false
}

// updateRc drains pending rate-control triggers
func (e *Encoder) updateRc() {
	if e.rcStatus&rcAPIUpdated != 0 {
		e.rcStatus &^= rcAPIUpdated
		ctrl, err := rc.New(e.rcName, e.coding, e.log)
		if err != nil {
			e.log.Error("rate control switch failed", zap.String("rc", e.rcName), zap.Error(err))
		} else {
			if err := e.rc.Close(); err != nil {
				e.log.Warn("rate control close failed", zap.String("rc", e.rc.Name()), zap.Error(err))
			}
			e.rc = ctrl
			e.rcStatus |= rcAPIInited | rcAPIUserCfg
			e.log.Info("rate control switched", zap.String("rc", ctrl.Name()))
		}
	}
	if e.rcStatus&rcAPIUserCfg != 0 {
		e.rcStatus &^= rcAPIUserCfg
		cfg := rc.ConfigFromSet(&e.cfg)
		if err := e.rc.UpdateUsrCfg(&cfg); err != nil {
			e.log.Warn("rate control rejected config", zap.String("cfg", cfg.String()), zap.Error(err))
		}
	}
}
