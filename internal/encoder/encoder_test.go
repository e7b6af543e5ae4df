package encoder

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/hal"
	"github.com/linuxmatters/vpuenc/internal/media"
	"github.com/linuxmatters/vpuenc/internal/port"
	"github.com/linuxmatters/vpuenc/internal/rc"
)

// h264NalTypes lists the nal_unit_type of every NAL in an Annex B stream
func h264NalTypes(data []byte) []int {
	var types []int
	for i := 0; i+3 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			types = append(types, int(data[i+3]&0x1f))
			i += 3
		}
	}
	return types
}

func extraInfo(t *testing.T, h *harness) []byte {
	t.Helper()
	pkt := media.NewPacket(hdrPktSize)
	h.control(CmdGetExtraInfo, pkt)
	return slices.Clone(pkt.Bytes())
}

func TestNew_Validation(t *testing.T) {
	q := port.NewQueue("q", 1)
	testCases := []struct {
		name string
		opts Options
		want error
	}{
		{"missing input", Options{Coding: media.CodingAVC, Output: q, HalName: fakeHalName}, ErrValue},
		{"missing output", Options{Coding: media.CodingAVC, Input: q, HalName: fakeHalName}, ErrValue},
		{"unknown backend", Options{Coding: media.CodingAVC, Input: q, Output: q, HalName: "nope"}, hal.ErrNoBackend},
		{"unknown rate control", Options{Coding: media.CodingAVC, Input: q, Output: q, HalName: fakeHalName, RcName: "nope"}, rc.ErrUnknown},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.opts)
			if !errors.Is(err, tc.want) {
				t.Errorf("New() error = %v, want %v", err, tc.want)
			}
		})
	}
}

// A single frame through a baseline configuration
func TestEncode_HappyPath(t *testing.T) {
	h := newHarness(t, harnessOpts{rcName: rc.DefaultName, width: 640, height: 480})
	h.control(CmdSetRcCfg, &enccfg.RcCfg{
		Change:    enccfg.RcChangeMode | enccfg.RcChangeBps | enccfg.RcChangeFpsIn | enccfg.RcChangeFpsOut | enccfg.RcChangeGop,
		Mode:      enccfg.RcModeCBR,
		BpsTarget: 2_000_000,
		FpsIn:     enccfg.Fps{Num: 30, Denom: 1},
		FpsOut:    enccfg.Fps{Num: 30, Denom: 1},
		Gop:       30,
	})

	got := h.encode()
	hdr := extraInfo(t, h)

	fake := h.fakeHal()
	for _, call := range []string{"get_task", "gen_regs", "start", "wait", "ret_task"} {
		if n := fake.count(call); n != 1 {
			t.Errorf("hal %s called %d times, want 1", call, n)
		}
	}
	if len(hdr) == 0 || !bytes.HasPrefix(got.data, hdr) {
		t.Fatalf("packet does not start with the %d byte stream header", len(hdr))
	}
	if len(got.data) <= len(hdr) {
		t.Errorf("packet length %d, want more than header length %d", len(got.data), len(hdr))
	}
	if !got.intra || got.flags&media.PacketFlagIntra == 0 {
		t.Errorf("first packet not marked intra: flags %#x meta %v", got.flags, got.intra)
	}
	if idle, ready := h.in.Counts(); idle != 4 || ready != 0 {
		t.Errorf("input queue idle=%d ready=%d, want the frame returned", idle, ready)
	}

	s := h.enc.Stats()
	if s.Frames != 1 || s.Reencodes != 0 || s.Failures != 0 {
		t.Errorf("stats = %+v", s)
	}
	if s.Bytes != uint64(len(got.data)) {
		t.Errorf("stats bytes %d, want %d", s.Bytes, len(got.data))
	}
	h.checkClean()
}

// A prep change invalidates the header and forces the next frame to IDR
func TestEncode_PrepChangeResendsHeader(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	first := h.encode()
	second := h.encode()
	if second.intra || h264NalTypes(second.data) != nil {
		t.Fatalf("steady-state frame: intra %v nal types %v", second.intra, h264NalTypes(second.data))
	}
	if h264NalTypes(first.data)[0] != 7 {
		t.Fatalf("first packet nal types %v", h264NalTypes(first.data))
	}

	before := h.logs.FilterMessage("header resend").Len()
	h.control(CmdSetPrepCfg, &enccfg.PrepCfg{Change: enccfg.PrepChangeFormat, Format: media.FmtYUV420P})

	resend := h.logs.FilterMessage("header resend").All()
	if len(resend) != before+1 {
		t.Fatalf("%d header resend entries, want %d", len(resend), before+1)
	}
	if reason := resend[before].ContextMap()["reason"]; reason != int64(resendCmd) {
		t.Errorf("resend reason = %v, want %d", reason, resendCmd)
	}

	third := h.encode()
	if !third.intra {
		t.Error("frame after prep change is not intra")
	}
	if types := h264NalTypes(third.data); len(types) < 2 || types[0] != 7 || types[1] != 8 {
		t.Errorf("frame after prep change nal types %v, want header first", types)
	}
	h.checkClean()
}

// A rejected update leaves the stream alone: no header resend and no
// forced IDR
func TestControl_RejectedUpdateKeepsStream(t *testing.T) {
	testCases := []struct {
		name  string
		cmd   Cmd
		param any
	}{
		{"prep out of range", CmdSetPrepCfg, &enccfg.PrepCfg{Change: enccfg.PrepChangeInput, Width: 2, Height: 2}},
		{"codec for another coding", CmdSetCodecCfg, &enccfg.CodecCfg{Coding: media.CodingHEVC}},
		{"whole set with bad prep", CmdSetCfg, &enccfg.Set{Prep: enccfg.PrepCfg{Change: enccfg.PrepChangeInput, Width: 2, Height: 2}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			h.encode()

			before := h.logs.FilterMessage("header resend").Len()
			if err := h.enc.Control(tc.cmd, tc.param); !errors.Is(err, enccfg.ErrValue) {
				t.Fatalf("Control(%s) = %v, want ErrValue", tc.cmd, err)
			}
			if n := h.logs.FilterMessage("header resend").Len(); n != before {
				t.Errorf("%d header resend entries after rejection, want %d", n, before)
			}

			next := h.encode()
			if next.intra || h264NalTypes(next.data) != nil {
				t.Errorf("frame after rejected update: intra %v nal types %v", next.intra, h264NalTypes(next.data))
			}
			h.checkClean()
		})
	}
}

// An out-of-range QP delta is reverted without failing the command
func TestControl_QpDeltaRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	var before enccfg.RcCfg
	h.control(CmdGetRcCfg, &before)

	h.control(CmdSetRcCfg, &enccfg.RcCfg{Change: enccfg.RcChangeQpIP, QpDeltaIP: 20})

	var after enccfg.RcCfg
	h.control(CmdGetRcCfg, &after)
	if after.QpDeltaIP != before.QpDeltaIP {
		t.Errorf("qp_delta_ip = %d, want %d kept", after.QpDeltaIP, before.QpDeltaIP)
	}
	entries := h.logs.FilterMessage("invalid rc field, keeping previous value").All()
	if len(entries) != 1 || entries[0].ContextMap()["field"] != "qp_delta_ip" {
		t.Errorf("rejection not logged: %v", entries)
	}
}

// Reset waits for the frame on the hardware, then restarts the GOP without
// rewinding the sequence
func TestReset_DuringEncode(t *testing.T) {
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	h := newHarness(t, harnessOpts{setup: func(e *Encoder) {
		f := e.hal.(*fakeHal)
		f.entered = entered
		f.release = release
	}})

	h.send(h.newFrame())
	<-entered

	resetDone := make(chan error, 1)
	go func() { resetDone <- h.enc.Reset() }()
	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-resetDone:
		t.Fatalf("Reset returned %v before the frame finished", err)
	default:
	}

	close(release)
	first := h.recv()
	if len(first.data) == 0 {
		t.Error("in-flight frame was not finished normally")
	}
	if err := <-resetDone; err != nil {
		t.Fatalf("Reset() = %v", err)
	}

	second := h.encode()
	if types := h264NalTypes(second.data); len(types) == 0 || types[0] != 7 {
		t.Errorf("frame after reset nal types %v, want the header", types)
	}

	starts := h.fakeRc().Starts()
	if len(starts) != 2 {
		t.Fatalf("%d frames started, want 2", len(starts))
	}
	if starts[1].SeqIdx != 1 || !starts[1].IsIDR {
		t.Errorf("frame after reset: seq %d idr %v, want seq 1 idr", starts[1].SeqIdx, starts[1].IsIDR)
	}
	if len(h.logs.FilterMessage("encoder reset").All()) != 1 {
		t.Error("reset not logged")
	}
	h.checkClean()
}

func TestReset_Idle(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	if err := h.enc.Reset(); err != nil {
		t.Fatalf("Reset() = %v", err)
	}
	if got := h.encode(); !got.intra {
		t.Error("first frame after reset is not intra")
	}
}

// A frame dropped before encoding never reaches the hardware
func TestEncode_DropBypassesHardware(t *testing.T) {
	h := newHarness(t, harnessOpts{setup: func(e *Encoder) {
		e.rc.(*fakeRc).drop = func(n int) bool { return n == 1 }
	}})

	h.encode()
	dropped := h.encode()
	h.encode()

	if len(dropped.data) != 0 {
		t.Errorf("dropped frame packet length %d, want 0", len(dropped.data))
	}
	if dropped.pts != 1 {
		t.Errorf("dropped packet pts %d, want 1", dropped.pts)
	}
	fake := h.fakeHal()
	for _, call := range []string{"gen_regs", "start", "wait"} {
		if n := fake.count(call); n != 2 {
			t.Errorf("hal %s called %d times for 2 encoded frames", call, n)
		}
	}
	starts := h.fakeRc().Starts()
	if len(starts) != 2 || starts[1].SeqIdx != 1 {
		t.Errorf("frame starts %+v, want the dropped frame to leave no trace", starts)
	}
	if s := h.enc.Stats(); s.Dropped != 1 || s.Frames != 3 {
		t.Errorf("stats = %+v", s)
	}
	h.checkClean()
}

func TestEncode_ReencodeBudget(t *testing.T) {
	sizes := []int{100, 60, 40, 20}
	testCases := []struct {
		name     string
		maxReenc int
	}{
		{"no reencode", 0},
		{"one reencode", 1},
		{"two reencodes", 2},
		{"three reencodes", 3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{setup: func(e *Encoder) {
				e.hal.(*fakeHal).sizes = sizes
				e.rc.(*fakeRc).reenc = func(task *rc.Task) {
					task.Frm.Reencode = true
					task.Frm.ReencodeTimes++
				}
			}})
			h.control(CmdSetRcCfg, &enccfg.RcCfg{Change: enccfg.RcChangeMaxReenc, MaxReencTimes: tc.maxReenc})

			got := h.encode()
			hdr := extraInfo(t, h)

			if n := h.fakeHal().count("wait"); n != tc.maxReenc+1 {
				t.Errorf("hal wait called %d times, want %d", n, tc.maxReenc+1)
			}
			if s := h.enc.Stats(); s.Reencodes != uint64(tc.maxReenc) {
				t.Errorf("reencodes = %d, want %d", s.Reencodes, tc.maxReenc)
			}
			body := got.data[len(hdr):]
			if len(body) != sizes[tc.maxReenc] {
				t.Fatalf("payload %d bytes, want only the last attempt's %d", len(body), sizes[tc.maxReenc])
			}
			fill := byte(0xA0 + tc.maxReenc)
			if bytes.Count(body, []byte{fill}) != len(body) {
				t.Errorf("payload holds bytes from an earlier attempt")
			}
			h.checkClean()
		})
	}
}

// Rate control drops a P frame after encoding it; the reference state rolls
// back so the next frame reuses its sequence slot
func TestEncode_ReencodeDrop(t *testing.T) {
	h := newHarness(t, harnessOpts{setup: func(e *Encoder) {
		done := false
		e.rc.(*fakeRc).reenc = func(task *rc.Task) {
			if !done && !task.Cpb.Curr.IsIntra {
				done = true
				task.Frm.Reencode = true
				task.Frm.Drop = true
				task.Frm.ReencodeTimes++
			}
		}
	}})

	h.encode()
	dropped := h.encode()
	h.encode()

	if len(dropped.data) != 0 || dropped.meta {
		t.Errorf("dropped packet: %d bytes, meta %v", len(dropped.data), dropped.meta)
	}
	starts := h.fakeRc().Starts()
	seqs := make([]int, len(starts))
	for i, s := range starts {
		seqs[i] = s.SeqIdx
	}
	if !slices.Equal(seqs, []int{0, 1, 1}) {
		t.Errorf("frame sequence %v, want [0 1 1]", seqs)
	}
	frmEnds := 0
	for _, c := range h.fakeRc().Calls() {
		if c == "frm_end" {
			frmEnds++
		}
	}
	if frmEnds != 3 {
		t.Errorf("rc frm_end called %d times, want once per frame", frmEnds)
	}
	if s := h.enc.Stats(); s.Dropped != 1 || s.Reencodes != 1 {
		t.Errorf("stats = %+v", s)
	}
	h.checkClean()
}

// Dropping the frame that carried the stream header sends the header again
func TestEncode_ReencodeDropResendsHeader(t *testing.T) {
	h := newHarness(t, harnessOpts{setup: func(e *Encoder) {
		done := false
		e.rc.(*fakeRc).reenc = func(task *rc.Task) {
			if !done {
				done = true
				task.Frm.Reencode = true
				task.Frm.Drop = true
				task.Frm.ReencodeTimes++
			}
		}
	}})

	if got := h.encode(); len(got.data) != 0 {
		t.Fatalf("dropped packet has %d bytes", len(got.data))
	}
	next := h.encode()
	if types := h264NalTypes(next.data); len(types) < 2 || types[0] != 7 {
		t.Errorf("nal types %v after dropping the header frame, want header", types)
	}
	if !next.intra {
		t.Error("frame after the dropped IDR is not intra")
	}
}

func setCavlc(h *harness) {
	h.control(CmdSetCodecCfg, &enccfg.CodecCfg{H264: enccfg.H264Cfg{
		Change:            enccfg.H264ChangeEntropy,
		EntropyCodingMode: 0,
	}})
}

// Rate control replaces an oversized P frame with a software skip frame
func TestEncode_ReencodePskip(t *testing.T) {
	h := newHarness(t, harnessOpts{setup: func(e *Encoder) {
		e.rc.(*fakeRc).reenc = func(task *rc.Task) {
			if !task.Cpb.Curr.IsIntra && task.Frm.ReencodeTimes == 0 {
				task.Frm.Reencode = true
				task.Frm.ForcePskip = true
				task.Frm.ReencodeTimes++
			}
		}
	}})
	setCavlc(h)

	h.encode()
	skipped := h.encode()

	if types := h264NalTypes(skipped.data); !slices.Equal(types, []int{1}) {
		t.Errorf("skip frame nal types %v, want a single non-IDR slice", types)
	}
	if len(skipped.data) >= 32 {
		t.Errorf("skip frame is %d bytes, want the hardware output discarded", len(skipped.data))
	}
	if n := h.fakeHal().count("wait"); n != 2 {
		t.Errorf("hal wait called %d times, want 2", n)
	}
	if s := h.enc.Stats(); s.ForcePskips != 1 || s.Reencodes != 1 {
		t.Errorf("stats = %+v", s)
	}
	h.checkClean()
}

// CABAC cannot write a software skip; the frame is re-encoded in hardware
func TestEncode_ReencodePskipFallsBackToHardware(t *testing.T) {
	h := newHarness(t, harnessOpts{setup: func(e *Encoder) {
		e.rc.(*fakeRc).reenc = func(task *rc.Task) {
			if !task.Cpb.Curr.IsIntra && task.Frm.ReencodeTimes == 0 {
				task.Frm.Reencode = true
				task.Frm.ForcePskip = true
				task.Frm.ReencodeTimes++
			}
		}
	}})

	h.encode()
	h.encode()

	if n := h.fakeHal().count("wait"); n != 3 {
		t.Errorf("hal wait called %d times, want 3", n)
	}
	if s := h.enc.Stats(); s.ForcePskips != 0 {
		t.Errorf("force pskips = %d, want 0", s.ForcePskips)
	}
	h.checkClean()
}

func TestEncode_FrameMetaOverrides(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	setCavlc(h)

	h.encode()

	skip := h.newFrame()
	skip.Meta.Set(media.KeyInputPskip, true)
	h.send(skip)
	got := h.recv()
	if types := h264NalTypes(got.data); !slices.Equal(types, []int{1}) {
		t.Errorf("pskip frame nal types %v", types)
	}
	if n := h.fakeHal().count("wait"); n != 1 {
		t.Errorf("hal wait called %d times, want the skip frame to bypass it", n)
	}

	idr := h.newFrame()
	idr.Meta.Set(media.KeyInputIDRReq, true)
	h.send(idr)
	if got := h.recv(); !got.intra {
		t.Error("IDR request ignored")
	}
	if s := h.enc.Stats(); s.ForcePskips != 1 {
		t.Errorf("force pskips = %d, want 1", s.ForcePskips)
	}
}

func TestEncode_UserData(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	f := h.newFrame()
	f.Meta.Set(media.KeyUserData, []byte("hello"))
	h.send(f)
	got := h.recv()

	types := h264NalTypes(got.data)
	if !slices.Contains(types, 6) {
		t.Fatalf("nal types %v, want a user data SEI", types)
	}
	if !bytes.Contains(got.data, []byte("hello")) {
		t.Error("user data payload missing")
	}
	h.checkClean()
}

// A failing hardware step aborts the frame, emits an empty packet and forces
// the next frame to IDR with a fresh header
func TestEncode_StepFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{setup: func(e *Encoder) {
		f := e.hal.(*fakeHal)
		f.failOn = "gen_regs"
		f.failAt = 2
	}})

	h.encode()
	failed := h.encode()
	next := h.encode()

	if len(failed.data) != 0 {
		t.Errorf("failed frame packet has %d bytes", len(failed.data))
	}
	if n := h.fakeHal().count("ret_task"); n != 3 {
		t.Errorf("hal ret_task called %d times, want 3 including the aborted frame", n)
	}
	if !next.intra {
		t.Error("frame after failure is not intra")
	}
	if types := h264NalTypes(next.data); len(types) == 0 || types[0] != 7 {
		t.Errorf("frame after failure nal types %v, want header", types)
	}

	aborted := h.logs.FilterMessage("frame aborted").All()
	if len(aborted) != 1 {
		t.Fatalf("%d abort entries, want 1", len(aborted))
	}
	if call := aborted[0].ContextMap()["call"]; call != "hal_gen_regs" {
		t.Errorf("abort call = %v, want hal_gen_regs", call)
	}
	if s := h.enc.Stats(); s.Failures != 1 || s.Frames != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestEncode_HeaderAndSeiModes(t *testing.T) {
	testCases := []struct {
		name    string
		hdrMode HeaderMode
		seiMode SeiMode
		wantHdr []bool
		wantSei []bool
	}{
		{"defaults", HeaderModeDefault, SeiDisable, []bool{true, false, false}, []bool{false, false, false}},
		{"header each idr", HeaderModeEachIDR, SeiDisable, []bool{true, false, true}, []bool{false, false, false}},
		{"sei once per sequence", HeaderModeDefault, SeiOneSeq, []bool{true, false, false}, []bool{true, false, false}},
		{"sei every idr", HeaderModeDefault, SeiOneFrame, []bool{true, false, false}, []bool{true, false, true}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			h.control(CmdSetRcCfg, &enccfg.RcCfg{Change: enccfg.RcChangeGop, Gop: 2})
			h.control(CmdSetHeaderMode, &tc.hdrMode)
			h.control(CmdSetSeiCfg, &tc.seiMode)

			for i := range tc.wantHdr {
				types := h264NalTypes(h.encode().data)
				if got := slices.Contains(types, 7); got != tc.wantHdr[i] {
					t.Errorf("frame %d header = %v, want %v (nal types %v)", i, got, tc.wantHdr[i], types)
				}
				if got := slices.Contains(types, 6); got != tc.wantSei[i] {
					t.Errorf("frame %d sei = %v, want %v (nal types %v)", i, got, tc.wantSei[i], types)
				}
			}
			h.checkClean()
		})
	}
}

func TestControl_HeaderSync(t *testing.T) {
	testCases := []struct {
		name    string
		cmd     Cmd
		wantHdr bool
	}{
		{"sync counts as the intra header", CmdGetHdrSync, false},
		{"extra info does not", CmdGetExtraInfo, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			mode := HeaderModeEachIDR
			h.control(CmdSetHeaderMode, &mode)
			pkt := media.NewPacket(hdrPktSize)
			h.control(tc.cmd, pkt)
			if types := h264NalTypes(pkt.Bytes()); !slices.Equal(types, []int{7, 8}) {
				t.Fatalf("%s returned nal types %v", tc.cmd, types)
			}

			got := h.encode()
			if has := slices.Contains(h264NalTypes(got.data), 7); has != tc.wantHdr {
				t.Errorf("first frame carries header = %v, want %v", has, tc.wantHdr)
			}
			if !got.intra {
				t.Error("first frame not intra")
			}
		})
	}
}

func TestControl_Errors(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	bad := HeaderMode(7)
	testCases := []struct {
		name  string
		cmd   Cmd
		param any
		want  error
	}{
		{"wrong param type", CmdSetRcCfg, "cbr", ErrValue},
		{"nil param", CmdGetCfg, nil, ErrValue},
		{"unknown command", Cmd(99), nil, ErrUnsupportedCmd},
		{"bad header mode", CmdSetHeaderMode, &bad, ErrValue},
		{"invalid prep", CmdSetPrepCfg, &enccfg.PrepCfg{Change: enccfg.PrepChangeInput, Width: 2, Height: 2}, enccfg.ErrValue},
		{"unknown rate control", CmdSetRcAPI, ptr("nope"), rc.ErrUnknown},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := h.enc.Control(tc.cmd, tc.param); !errors.Is(err, tc.want) {
				t.Errorf("Control(%s) = %v, want %v", tc.cmd, err, tc.want)
			}
		})
	}

	var cfg enccfg.Set
	h.control(CmdGetCfg, &cfg)
	if cfg.Prep.Width != 64 || cfg.Prep.Height != 48 {
		t.Errorf("rejected prep leaked into cfg: %dx%d", cfg.Prep.Width, cfg.Prep.Height)
	}
}

func ptr[T any](v T) *T {
	return &v
}

// Batched updates apply every valid part and report the invalid ones
func TestControl_SetCfgPartialFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	set := enccfg.Set{
		Prep: enccfg.PrepCfg{Change: enccfg.PrepChangeInput, Width: 1, Height: 1},
		Rc:   enccfg.RcCfg{Change: enccfg.RcChangeGop, Gop: 12},
	}
	if err := h.enc.Control(CmdSetCfg, &set); !errors.Is(err, enccfg.ErrValue) {
		t.Fatalf("Control(set_cfg) = %v, want ErrValue", err)
	}

	var cfg enccfg.Set
	h.control(CmdGetCfg, &cfg)
	if cfg.Rc.Gop != 12 {
		t.Errorf("gop = %d, want the valid rc part applied", cfg.Rc.Gop)
	}
	if cfg.Prep.Width != 64 {
		t.Errorf("width = %d, want the invalid prep part rejected", cfg.Prep.Width)
	}
	if cfg.Rc.Change != 0 || cfg.Prep.Change != 0 {
		t.Errorf("change masks not consumed: rc %#x prep %#x", cfg.Rc.Change, cfg.Prep.Change)
	}
}

func TestControl_SwitchRateControl(t *testing.T) {
	h := newHarness(t, harnessOpts{rcName: rc.DefaultName})
	h.control(CmdSetRcAPI, ptr(fakeRcName))
	h.encode()

	calls := h.fakeRc().Calls()
	if len(calls) == 0 || calls[0] != "update_usr_cfg" {
		t.Fatalf("new strategy calls %v, want configuration first", calls)
	}
	if !slices.Contains(calls, "frm_start") {
		t.Error("new strategy did not run the frame")
	}
}

func TestControl_ConfigReachesBackendAndRc(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.encode()
	h.control(CmdSetRcCfg, &enccfg.RcCfg{Change: enccfg.RcChangeBps, BpsTarget: 1_000_000})
	h.encode()

	fake := h.fakeHal()
	fake.mu.Lock()
	infos := slices.Clone(fake.infos)
	fake.mu.Unlock()
	if len(infos) != 2 || infos[1].BpsTarget != 1_000_000 {
		t.Errorf("backend infos %+v, want a refresh with the new bitrate", infos)
	}

	r := h.fakeRc()
	r.mu.Lock()
	cfgs := slices.Clone(r.cfgs)
	r.mu.Unlock()
	if n := len(cfgs); n == 0 || cfgs[n-1].BpsTarget != 1_000_000 {
		t.Errorf("rate control configs %+v, want the new bitrate last", cfgs)
	}
}

func TestEncode_LowDelayPartitions(t *testing.T) {
	h := newHarness(t, harnessOpts{halName: fakePartHalName})
	h.control(CmdSetCfg, &enccfg.Set{Base: enccfg.BaseCfg{Change: enccfg.BaseChangeLowDelay, LowDelay: true}})

	h.send(h.newFrame())
	parts := []received{h.recv(), h.recv(), h.recv()}
	hdr := extraInfo(t, h)

	want := []struct {
		flags uint32
		fill  byte
		size  int
	}{
		{media.PacketFlagPartition | media.PacketFlagIntra, 0xB1, len(hdr) + 20},
		{media.PacketFlagPartition, 0xB2, 20},
		{media.PacketFlagPartition | media.PacketFlagLastPartition, 0xB3, 20},
	}
	for i, p := range parts {
		if p.flags != want[i].flags {
			t.Errorf("partition %d flags %#x, want %#x", i, p.flags, want[i].flags)
		}
		if len(p.data) != want[i].size || p.data[len(p.data)-1] != want[i].fill {
			t.Errorf("partition %d: %d bytes ending %#x, want %d ending %#x",
				i, len(p.data), p.data[len(p.data)-1], want[i].size, want[i].fill)
		}
	}
	if !bytes.HasPrefix(parts[0].data, hdr) {
		t.Error("first partition does not carry the header")
	}
	if slices.Contains(h.fakeRc().Calls(), "frm_check_reenc") {
		t.Error("low-delay frame was checked for re-encode")
	}
	h.checkClean()
}

// Stats are settled by the time a packet is visible, and an EOS marker
// without a picture is not counted as a frame
func TestEncode_EndOfStream(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	first := h.encode()
	if s := h.enc.Stats(); s.Frames != 1 || s.Bytes != uint64(len(first.data)) {
		t.Errorf("stats after first packet = %+v, want 1 frame of %d bytes", s, len(first.data))
	}

	h.send(&media.Frame{EOS: true, PTS: 99})
	got := h.recv()
	if got.flags&media.PacketFlagEOS == 0 || len(got.data) != 0 || got.pts != 99 {
		t.Errorf("eos packet: flags %#x, %d bytes, pts %d", got.flags, len(got.data), got.pts)
	}
	if s := h.enc.Stats(); s.Frames != 1 {
		t.Errorf("stats frames = %d after eos, want 1", s.Frames)
	}
}

// The soft backend with the default rate control produces a decodable
// H.264 elementary stream layout
func TestEncode_SoftBackend(t *testing.T) {
	h := newHarness(t, harnessOpts{halName: hal.SoftName, rcName: rc.DefaultName})
	want := [][]int{{7, 8, 5}, {1}, {1}}
	for i, w := range want {
		got := h.encode()
		if types := h264NalTypes(got.data); !slices.Equal(types, w) {
			t.Errorf("frame %d nal types %v, want %v", i, types, w)
		}
	}
	h.checkClean()
}

func TestStop_DrainsAndRejects(t *testing.T) {
	h := newHarness(t, harnessOpts{outSize: 1})
	h.send(h.newFrame())
	if err := h.out.Consumer().Poll(h.ctx(), true); err != nil {
		t.Fatalf("first packet never arrived: %v", err)
	}
	// no free output slot: the second frame stays queued
	h.send(h.newFrame())

	if err := h.enc.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if idle, ready := h.in.Counts(); idle != 4 || ready != 0 {
		t.Errorf("input idle=%d ready=%d after stop, want every frame returned", idle, ready)
	}
	if _, ready := h.out.Counts(); ready != 1 {
		t.Errorf("output ready=%d, want the encoded packet kept", ready)
	}

	if err := h.enc.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
	if err := h.enc.Control(CmdSetIdrFrame, nil); !errors.Is(err, ErrStopped) {
		t.Errorf("Control after stop = %v, want ErrStopped", err)
	}
	if err := h.enc.Reset(); !errors.Is(err, ErrStopped) {
		t.Errorf("Reset after stop = %v, want ErrStopped", err)
	}
	if !slices.Contains(h.fakeHal().Calls(), "deinit") || !slices.Contains(h.fakeRc().Calls(), "close") {
		t.Error("backend or rate control not released")
	}
	s := h.enc.Stats()
	if s.CmdSent != s.CmdRecv {
		t.Errorf("commands sent %d, received %d", s.CmdSent, s.CmdRecv)
	}
}

// Packets the application handed back keep their buffer until the output
// slot is reused; Stop must release them
func TestStop_ReleasesReturnedPackets(t *testing.T) {
	h := newHarness(t, harnessOpts{outSize: 2})
	h.send(h.newFrame())

	c := h.out.Consumer()
	if err := c.Poll(h.ctx(), true); err != nil {
		t.Fatalf("packet never arrived: %v", err)
	}
	task, err := c.Dequeue()
	if err != nil {
		t.Fatalf("output dequeue: %v", err)
	}
	pkt := task.Packet()
	if pkt == nil || pkt.Buffer == nil || pkt.Length == 0 {
		t.Fatalf("output task carries no encoded packet: %+v", pkt)
	}
	if err := c.Enqueue(task); err != nil {
		t.Fatalf("output enqueue: %v", err)
	}

	if err := h.enc.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if pkt.Buffer != nil || pkt.Length != 0 {
		t.Errorf("returned packet still holds %d bytes after stop", pkt.Length)
	}
	if idle, ready := h.out.Counts(); idle != 0 || ready != 2 {
		t.Errorf("output idle=%d ready=%d after stop, want every slot handed over", idle, ready)
	}
	for c.Poll(context.Background(), false) == nil {
		task, err := c.Dequeue()
		if err != nil {
			t.Fatalf("output dequeue: %v", err)
		}
		if task.Packet() != nil {
			t.Errorf("output task %d still carries a packet", task.Index())
		}
	}
}
