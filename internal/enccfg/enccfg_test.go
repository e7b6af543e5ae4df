package enccfg

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/linuxmatters/vpuenc/internal/media"
)

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.WarnLevel)
	return zap.New(core), logs
}

// TestApplyRc_InconsistentQpRangeRestoresSnapshot verifies a rejected QP
// update leaves every QP bound exactly as it was.
func TestApplyRc_InconsistentQpRangeRestoresSnapshot(t *testing.T) {
	dst := defaultRc(media.CodingAVC)
	before := dst

	src := RcCfg{
		Change: RcChangeQpInit | RcChangeQpRange | RcChangeQpRangeI,
		QpInit: 25,
		QpMin:  10,
		QpMax:  40,
		QpMinI: 30,
		QpMaxI: 20,
	}

	err := ApplyRc(&dst, &src, media.CodingAVC, nil)
	if !errors.Is(err, ErrValue) {
		t.Fatalf("ApplyRc = %v, want ErrValue", err)
	}
	if dst != before {
		t.Errorf("rc cfg modified by rejected update:\n got %+v\nwant %+v", dst, before)
	}
}

// TestApplyRc_SecondaryFieldReverted verifies an out-of-range QP delta is
// reverted with a warning while the update as a whole succeeds.
func TestApplyRc_SecondaryFieldReverted(t *testing.T) {
	log, logs := observedLogger()
	dst := defaultRc(media.CodingAVC)
	prev := dst.QpDeltaIP

	src := RcCfg{Change: RcChangeQpIP, QpDeltaIP: 20}
	if err := ApplyRc(&dst, &src, media.CodingAVC, log); err != nil {
		t.Fatalf("ApplyRc failed: %v", err)
	}
	if dst.QpDeltaIP != prev {
		t.Errorf("QpDeltaIP = %d, want previous %d", dst.QpDeltaIP, prev)
	}
	if dst.Change&RcChangeQpIP == 0 {
		t.Error("change bit not recorded on success")
	}

	entries := logs.FilterField(zap.String("field", "qp_delta_ip")).All()
	if len(entries) != 1 {
		t.Fatalf("got %d warnings for qp_delta_ip, want 1", len(entries))
	}
}

func TestApplyRc_Validation(t *testing.T) {
	testCases := []struct {
		name    string
		coding  media.CodingType
		src     RcCfg
		wantErr bool
		check   func(t *testing.T, rc RcCfg)
	}{
		{
			name:    "bitrate above limit",
			coding:  media.CodingAVC,
			src:     RcCfg{Change: RcChangeBps, BpsTarget: 200 << 20},
			wantErr: true,
		},
		{
			name:   "mjpeg allows four times the bitrate",
			coding: media.CodingMJPEG,
			src:    RcCfg{Change: RcChangeBps, BpsTarget: 200 << 20},
			check: func(t *testing.T, rc RcCfg) {
				if rc.BpsMax != (200<<20)*17/16 || rc.BpsMin != (200<<20)*15/16 {
					t.Errorf("derived bounds = [%d, %d]", rc.BpsMin, rc.BpsMax)
				}
			},
		},
		{
			name:    "bitrate below limit",
			coding:  media.CodingAVC,
			src:     RcCfg{Change: RcChangeBps, BpsTarget: 100, BpsMax: 200, BpsMin: 50},
			wantErr: true,
		},
		{
			name:    "zero fps denominator",
			coding:  media.CodingAVC,
			src:     RcCfg{Change: RcChangeFpsIn, FpsIn: Fps{Num: 30}},
			wantErr: true,
		},
		{
			name:    "fixqp without init qp",
			coding:  media.CodingAVC,
			src:     RcCfg{Change: RcChangeMode | RcChangeQpInit, Mode: RcModeFixQP, QpInit: -1},
			wantErr: true,
		},
		{
			name:   "fixqp with init qp",
			coding: media.CodingAVC,
			src:    RcCfg{Change: RcChangeMode | RcChangeQpInit, Mode: RcModeFixQP, QpInit: 30},
			check: func(t *testing.T, rc RcCfg) {
				if rc.Mode != RcModeFixQP || rc.QpInit != 30 {
					t.Errorf("mode %s qp %d", rc.Mode, rc.QpInit)
				}
			},
		},
		{
			name:    "init qp outside range",
			coding:  media.CodingAVC,
			src:     RcCfg{Change: RcChangeQpInit, QpInit: 5},
			wantErr: true,
		},
		{
			name:   "intra bounds derived from general bounds",
			coding: media.CodingAVC,
			src:    RcCfg{Change: RcChangeQpRange | RcChangeQpRangeI, QpMin: 20, QpMax: 40},
			check: func(t *testing.T, rc RcCfg) {
				if rc.QpMinI != 20 || rc.QpMaxI != 40 {
					t.Errorf("intra bounds = [%d:%d], want [20:40]", rc.QpMinI, rc.QpMaxI)
				}
			},
		},
		{
			name:   "reencode budget reverted",
			coding: media.CodingAVC,
			src:    RcCfg{Change: RcChangeMaxReenc, MaxReencTimes: 5},
			check: func(t *testing.T, rc RcCfg) {
				if rc.MaxReencTimes != 1 {
					t.Errorf("MaxReencTimes = %d, want 1", rc.MaxReencTimes)
				}
			},
		},
		{
			name:    "unknown mode",
			coding:  media.CodingAVC,
			src:     RcCfg{Change: RcChangeMode, Mode: RcModeButt},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dst := defaultRc(tc.coding)
			before := dst
			err := ApplyRc(&dst, &tc.src, tc.coding, nil)

			if tc.wantErr {
				if !errors.Is(err, ErrValue) {
					t.Fatalf("ApplyRc = %v, want ErrValue", err)
				}
				if dst != before {
					t.Errorf("rejected update modified cfg")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyRc failed: %v", err)
			}
			if tc.check != nil {
				tc.check(t, dst)
			}
		})
	}
}

func TestApplyRc_EmptyChangeIsNoop(t *testing.T) {
	dst := defaultRc(media.CodingHEVC)
	before := dst
	src := RcCfg{QpDeltaIP: 40}
	if err := ApplyRc(&dst, &src, media.CodingHEVC, nil); err != nil {
		t.Fatalf("ApplyRc failed: %v", err)
	}
	if dst != before {
		t.Error("update without change bits modified cfg")
	}
}

func TestParseRcMode(t *testing.T) {
	for _, name := range []string{"vbr", "cbr", "fixqp", "avbr"} {
		m, err := ParseRcMode(name)
		if err != nil {
			t.Fatalf("ParseRcMode(%q) failed: %v", name, err)
		}
		if m.String() != name {
			t.Errorf("round trip %q -> %q", name, m.String())
		}
	}
	if _, err := ParseRcMode("qvbr"); err == nil {
		t.Error("ParseRcMode accepted unknown mode")
	}
}

func TestApplyPrep(t *testing.T) {
	testCases := []struct {
		name          string
		src           PrepCfg
		wantErr       bool
		wantHorStride int
		wantVerStride int
	}{
		{
			name:          "1080p derives aligned strides",
			src:           PrepCfg{Change: PrepChangeInput, Width: 1920, Height: 1080},
			wantHorStride: 1920,
			wantVerStride: 1088,
		},
		{
			name:          "explicit strides kept",
			src:           PrepCfg{Change: PrepChangeInput, Width: 640, Height: 480, HorStride: 704, VerStride: 512},
			wantHorStride: 704,
			wantVerStride: 512,
		},
		{
			name:    "stride below width",
			src:     PrepCfg{Change: PrepChangeInput, Width: 640, Height: 480, HorStride: 320},
			wantErr: true,
		},
		{
			name:    "too small",
			src:     PrepCfg{Change: PrepChangeInput, Width: 8, Height: 8},
			wantErr: true,
		},
		{
			name:    "odd rotation",
			src:     PrepCfg{Change: PrepChangeInput | PrepChangeRotation, Width: 640, Height: 480, Rotation: 45},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dst := PrepCfg{Width: 320, Height: 240, HorStride: 320, VerStride: 240, Format: media.FmtYUV420SP}
			before := dst
			err := ApplyPrep(&dst, &tc.src, nil)
			if tc.wantErr {
				if !errors.Is(err, ErrValue) {
					t.Fatalf("ApplyPrep = %v, want ErrValue", err)
				}
				if dst != before {
					t.Error("rejected update modified cfg")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyPrep failed: %v", err)
			}
			if dst.HorStride != tc.wantHorStride || dst.VerStride != tc.wantVerStride {
				t.Errorf("strides = %dx%d, want %dx%d",
					dst.HorStride, dst.VerStride, tc.wantHorStride, tc.wantVerStride)
			}
			if dst.Change&PrepChangeInput == 0 {
				t.Error("input change bit not recorded")
			}
		})
	}
}

func TestApplyCodec_H264(t *testing.T) {
	testCases := []struct {
		name    string
		src     H264Cfg
		wantErr bool
	}{
		{
			name: "main profile cavlc",
			src:  H264Cfg{Change: H264ChangeProfile | H264ChangeEntropy | H264ChangeTrans8x8, Profile: H264ProfileMain, Level: 41},
		},
		{
			name:    "cabac on baseline",
			src:     H264Cfg{Change: H264ChangeProfile | H264ChangeTrans8x8, Profile: H264ProfileBaseline, Level: 31},
			wantErr: true,
		},
		{
			name:    "8x8 transform on main",
			src:     H264Cfg{Change: H264ChangeProfile | H264ChangeEntropy, Profile: H264ProfileMain, Level: 40},
			wantErr: true,
		},
		{
			name:    "bad level",
			src:     H264Cfg{Change: H264ChangeProfile, Profile: H264ProfileHigh, Level: 60},
			wantErr: true,
		},
		{
			name:    "qp limits inverted",
			src:     H264Cfg{Change: H264ChangeQpLimit, QpMin: 40, QpMax: 20},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dst := defaultCodec(media.CodingAVC)
			before := dst
			src := CodecCfg{H264: tc.src}
			err := ApplyCodec(&dst, &src, nil)
			if tc.wantErr {
				if !errors.Is(err, ErrValue) {
					t.Fatalf("ApplyCodec = %v, want ErrValue", err)
				}
				if dst != before {
					t.Error("rejected update modified cfg")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyCodec failed: %v", err)
			}
		})
	}
}

func TestCodecCfg_NeedsHeaderResend(t *testing.T) {
	testCases := []struct {
		name   string
		coding media.CodingType
		change uint32
		want   bool
	}{
		{"h264 qp limits only", media.CodingAVC, H264ChangeQpLimit | H264ChangeMaxQpStep, false},
		{"h264 profile", media.CodingAVC, H264ChangeProfile, true},
		{"h264 prefix and vui", media.CodingAVC, H264ChangeAddPrefix | H264ChangeVui, true},
		{"h265 ltr only", media.CodingHEVC, H265ChangeMaxLtr, false},
		{"h265 sao", media.CodingHEVC, H265ChangeSao, true},
		{"jpeg quality", media.CodingMJPEG, JpegChangeQFactor, false},
		{"nothing pending", media.CodingAVC, 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := defaultCodec(tc.coding)
			c.SetChange(tc.change)
			if got := c.NeedsHeaderResend(); got != tc.want {
				t.Errorf("NeedsHeaderResend() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestApplyCodec_CodingMismatch(t *testing.T) {
	dst := defaultCodec(media.CodingAVC)
	src := CodecCfg{Coding: media.CodingHEVC, H265: H265Cfg{Change: H265ChangeVui}}
	if err := ApplyCodec(&dst, &src, nil); !errors.Is(err, ErrValue) {
		t.Errorf("ApplyCodec across codings = %v, want ErrValue", err)
	}
}

func TestApplyCodec_Jpeg(t *testing.T) {
	dst := defaultCodec(media.CodingMJPEG)
	src := CodecCfg{Jpeg: JpegCfg{Change: JpegChangeQfRange, QfMin: 60, QfMax: 50}}
	if err := ApplyCodec(&dst, &src, nil); !errors.Is(err, ErrValue) {
		t.Fatalf("inverted quality range = %v, want ErrValue", err)
	}

	src = CodecCfg{Jpeg: JpegCfg{Change: JpegChangeQFactor, QFactor: 95}}
	if err := ApplyCodec(&dst, &src, nil); err != nil {
		t.Fatalf("ApplyCodec failed: %v", err)
	}
	if dst.Jpeg.QFactor != 95 {
		t.Errorf("QFactor = %d, want 95", dst.Jpeg.QFactor)
	}
}

func TestApplyHw_StepLimit(t *testing.T) {
	var dst HwCfg
	src := HwCfg{Change: HwChangeAqStepI}
	src.AqStepI[3] = 20
	if err := ApplyHw(&dst, &src, nil); !errors.Is(err, ErrValue) {
		t.Fatalf("ApplyHw = %v, want ErrValue", err)
	}
	if dst.AqStepI[3] != 0 {
		t.Errorf("rejected table applied")
	}

	src.AqStepI[3] = -16
	if err := ApplyHw(&dst, &src, nil); err != nil {
		t.Fatalf("ApplyHw failed: %v", err)
	}
	if dst.AqStepI[3] != -16 {
		t.Errorf("AqStepI[3] = %d, want -16", dst.AqStepI[3])
	}
}

func TestApplyRef(t *testing.T) {
	dst := RefCfg{TemporalLayers: 1}

	if err := ApplyRef(&dst, &RefCfg{Change: RefChangeLtr, LtrInterval: 10}); !errors.Is(err, ErrValue) {
		t.Errorf("ltr interval without slots = %v, want ErrValue", err)
	}
	if err := ApplyRef(&dst, &RefCfg{Change: RefChangeTemporal, TemporalLayers: 5}); !errors.Is(err, ErrValue) {
		t.Errorf("five temporal layers = %v, want ErrValue", err)
	}
	if err := ApplyRef(&dst, &RefCfg{Change: RefChangeLtr | RefChangeTemporal, MaxLtrCount: 2, LtrInterval: 10, TemporalLayers: 3}); err != nil {
		t.Fatalf("ApplyRef failed: %v", err)
	}
	if dst.MaxLtrCount != 2 || dst.LtrInterval != 10 || dst.TemporalLayers != 3 {
		t.Errorf("ref cfg = %+v", dst)
	}
}

func TestOsdPltCfg_Hash(t *testing.T) {
	a := defaultPlt()
	b := defaultPlt()
	if a.Hash() != b.Hash() {
		t.Error("identical palettes hash differently")
	}

	src := OsdPltCfg{Change: PltChangeType | PltChangeTable, Type: PltUserdef}
	src.Table[0] = 0xdeadbeef
	if err := ApplyPlt(&b, &src); err != nil {
		t.Fatalf("ApplyPlt failed: %v", err)
	}
	if a.Hash() == b.Hash() {
		t.Error("changed palette kept the same hash")
	}
}
