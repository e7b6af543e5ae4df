package codec

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/bitstream"
	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/hal"
	"github.com/linuxmatters/vpuenc/internal/media"
	"github.com/linuxmatters/vpuenc/internal/rc"
)

// H.264 NAL unit types
const (
	h264NalSlice = 1
	h264NalIDR   = 5
	h264NalSEI   = 6
	h264NalSPS   = 7
	h264NalPPS   = 8
)

// H.264 slice types, the "all slices of the picture" variants
const (
	h264SliceP = 5
	h264SliceI = 7
)

const (
	h264Log2MaxFrameNum = 16
	seiUserDataUnreg    = 5
)

type h264 struct {
	log *zap.Logger
	cfg *enccfg.Set
	dpb *dpb
	syn hal.Syntax
}

func newH264(cfg *enccfg.Set, log *zap.Logger) *h264 {
	return &h264{
		log: log,
		cfg: cfg,
		dpb: newDpb(log, h264Log2MaxFrameNum, 0),
	}
}

func (c *h264) Coding() media.CodingType {
	return media.CodingAVC
}

func (c *h264) SupportsSwSkip() bool {
	return c.cfg.Codec.H264.EntropyCodingMode == 0
}

func (c *h264) GenHdr(pkt *media.Packet) error {
	out := bitstream.AppendNAL(nil, []byte{3<<5 | h264NalSPS}, c.sps())
	out = bitstream.AppendNAL(out, []byte{3<<5 | h264NalPPS}, c.pps())
	_, err := appendPacket(pkt, out)
	return err
}

func (c *h264) sps() []byte {
	h := &c.cfg.Codec.H264
	p := &c.cfg.Prep
	w := bitstream.NewWriter(64)

	w.WriteBits(uint32(h.Profile), 8)
	var constraint uint32
	if h.Profile == enccfg.H264ProfileBaseline {
		constraint = 0x40 // constraint_set1: decodable by main profile decoders
	}
	w.WriteBits(constraint, 8)
	w.WriteBits(uint32(h.Level), 8)
	w.WriteUE(0) // seq_parameter_set_id

	if h.Profile == enccfg.H264ProfileHigh {
		w.WriteUE(1) // chroma_format_idc 4:2:0
		w.WriteUE(0) // bit_depth_luma_minus8
		w.WriteUE(0) // bit_depth_chroma_minus8
		w.WriteBit(false)
		w.WriteBit(false) // seq_scaling_matrix_present_flag
	}

	w.WriteUE(h264Log2MaxFrameNum - 4)
	w.WriteUE(2) // pic_order_cnt_type: derived from frame_num
	w.WriteUE(uint32(1 + c.cfg.Ref.MaxLtrCount))
	w.WriteBit(false) // gaps_in_frame_num_value_allowed_flag

	mbW, mbH := mbSize(p.Width, p.Height)
	w.WriteUE(uint32(mbW - 1))
	w.WriteUE(uint32(mbH - 1))
	w.WriteBit(true) // frame_mbs_only_flag
	w.WriteBit(true) // direct_8x8_inference_flag

	cropRight := (mbW*16 - p.Width) / 2
	cropBottom := (mbH*16 - p.Height) / 2
	crop := cropRight > 0 || cropBottom > 0
	w.WriteBit(crop)
	if crop {
		w.WriteUE(0)
		w.WriteUE(uint32(cropRight))
		w.WriteUE(0)
		w.WriteUE(uint32(cropBottom))
	}

	w.WriteBit(h.Vui)
	if h.Vui {
		c.vui(w)
	}
	w.TrailingBits()
	return w.Bytes()
}

func (c *h264) vui(w *bitstream.Writer) {
	p := &c.cfg.Prep
	fps := c.cfg.Rc.FpsOut

	w.WriteBit(false) // aspect_ratio_info_present_flag
	w.WriteBit(false) // overscan_info_present_flag
	writeVideoSignal(w, p)
	w.WriteBit(false) // chroma_loc_info_present_flag

	w.WriteBit(true) // timing_info_present_flag
	w.WriteBits(uint32(fps.Denom), 32)
	w.WriteBits(uint32(fps.Num*2), 32)
	w.WriteBit(!fps.Flex)

	w.WriteBit(false) // nal_hrd_parameters_present_flag
	w.WriteBit(false) // vcl_hrd_parameters_present_flag
	w.WriteBit(false) // pic_struct_present_flag
	w.WriteBit(false) // bitstream_restriction_flag
}

// writeVideoSignal writes video_signal_type_present_flag and its payload
func writeVideoSignal(w *bitstream.Writer, p *enccfg.PrepCfg) {
	desc := p.ColorPrimaries != 0 || p.ColorTrc != 0 || p.ColorSpace != 0
	present := desc || p.ColorRange != enccfg.ColorRangeUnspecified
	w.WriteBit(present)
	if !present {
		return
	}
	w.WriteBits(5, 3) // video_format: unspecified
	w.WriteBit(p.ColorRange == enccfg.ColorRangeFull)
	w.WriteBit(desc)
	if desc {
		w.WriteBits(uint32(p.ColorPrimaries), 8)
		w.WriteBits(uint32(p.ColorTrc), 8)
		w.WriteBits(uint32(p.ColorSpace), 8)
	}
}

func (c *h264) pps() []byte {
	h := &c.cfg.Codec.H264
	w := bitstream.NewWriter(16)

	w.WriteUE(0) // pic_parameter_set_id
	w.WriteUE(0) // seq_parameter_set_id
	w.WriteBit(h.EntropyCodingMode == 1)
	w.WriteBit(false) // bottom_field_pic_order_in_frame_present_flag
	w.WriteUE(0)      // num_slice_groups_minus1
	w.WriteUE(0)      // num_ref_idx_l0_default_active_minus1
	w.WriteUE(0)      // num_ref_idx_l1_default_active_minus1
	w.WriteBit(false) // weighted_pred_flag
	w.WriteBits(0, 2) // weighted_bipred_idc
	w.WriteSE(0)      // pic_init_qp_minus26
	w.WriteSE(0)      // pic_init_qs_minus26
	w.WriteSE(int32(h.ChromaQpIndexOffset))
	w.WriteBit(true) // deblocking_filter_control_present_flag
	w.WriteBit(h.ConstrainedIntra)
	w.WriteBit(false) // redundant_pic_cnt_present_flag

	if h.Profile == enccfg.H264ProfileHigh {
		w.WriteBit(h.Transform8x8)
		w.WriteBit(false) // pic_scaling_matrix_present_flag
		w.WriteSE(int32(h.ChromaQpIndexOffset))
	}
	w.TrailingBits()
	return w.Bytes()
}

func (c *h264) Start(t *hal.Task) error {
	c.syn = hal.Syntax{Coding: media.CodingAVC}
	t.Syntax = &c.syn
	return nil
}

func (c *h264) ProcDpb(t *hal.Task) error {
	if t.RcTask == nil {
		return hal.ErrInvalidTask
	}
	c.dpb.proc(&t.RcTask.Cpb)
	return nil
}

func (c *h264) ProcHal(t *hal.Task) error {
	if t.RcTask == nil || t.Syntax == nil {
		return hal.ErrInvalidTask
	}
	curr := &t.RcTask.Cpb.Curr
	nal, w := c.sliceHeader(curr, t.RcTask.Info.QualityTarget)

	t.Syntax.Intra = curr.IsIntra
	t.Syntax.TemporalID = curr.TemporalID
	t.Syntax.NalHeader = nal
	t.Syntax.SliceHeader = w
	return nil
}

// sliceHeader writes the NAL header byte and slice_header() for the
// current frame
func (c *h264) sliceHeader(curr *rc.FrameStatus, qp int) ([]byte, *bitstream.Writer) {
	h := &c.cfg.Codec.H264
	e := c.dpb.curr

	refIdc := 2
	nalType := h264NalSlice
	switch {
	case curr.IsIDR:
		refIdc, nalType = 3, h264NalIDR
	case curr.IsNonRef:
		refIdc = 0
	}

	w := bitstream.NewWriter(32)
	w.WriteUE(0) // first_mb_in_slice
	if curr.IsIntra {
		w.WriteUE(h264SliceI)
	} else {
		w.WriteUE(h264SliceP)
	}
	w.WriteUE(0) // pic_parameter_set_id
	w.WriteBits(uint32(e.frameNum), h264Log2MaxFrameNum)
	if curr.IsIDR {
		w.WriteUE(uint32(c.dpb.idrPicID()))
	}

	if !curr.IsIntra {
		w.WriteBit(false) // num_ref_idx_active_override_flag
		w.WriteBit(false) // ref_pic_list_modification_flag_l0
	}

	if refIdc != 0 {
		c.decRefPicMarking(w, curr)
	}

	if h.EntropyCodingMode == 1 && !curr.IsIntra {
		w.WriteUE(uint32(h.CabacInitIdc))
	}
	w.WriteSE(int32(qp - 26))

	w.WriteUE(uint32(h.DeblockDisable))
	if h.DeblockDisable != 1 {
		w.WriteSE(int32(h.DeblockOffsetAlpha))
		w.WriteSE(int32(h.DeblockOffsetBeta))
	}
	return []byte{byte(refIdc<<5 | nalType)}, w
}

func (c *h264) decRefPicMarking(w *bitstream.Writer, curr *rc.FrameStatus) {
	if curr.IsIDR {
		w.WriteBit(false) // no_output_of_prior_pics_flag
		w.WriteBit(curr.IsLtRef)
		return
	}
	if !curr.IsLtRef {
		w.WriteBit(false) // adaptive_ref_pic_marking_mode_flag
		return
	}
	w.WriteBit(true)
	w.WriteUE(4) // set max long-term index
	w.WriteUE(uint32(c.cfg.Ref.MaxLtrCount))
	w.WriteUE(6) // mark current as long-term
	w.WriteUE(uint32(curr.LtIdx))
	w.WriteUE(0)
}

func (c *h264) AddPrefix(pkt *media.Packet, id uuid.UUID, data []byte) (int, error) {
	rbsp := bitstream.AppendSEIPayload(nil, seiUserDataUnreg, userDataPayload(id, data))
	rbsp = append(rbsp, 0x80)
	return appendPacket(pkt, bitstream.AppendNAL(nil, []byte{h264NalSEI}, rbsp))
}

// SwEnc writes a P slice whose every macroblock is skipped
func (c *h264) SwEnc(t *hal.Task) error {
	if !c.SupportsSwSkip() {
		return fmt.Errorf("software skip with cabac: %w", ErrUnsupported)
	}
	if t.RcTask == nil || t.Packet == nil {
		return hal.ErrInvalidTask
	}
	curr := &t.RcTask.Cpb.Curr
	if curr.IsIntra {
		return fmt.Errorf("software skip on intra frame: %w", ErrUnsupported)
	}

	qp := t.RcTask.Info.QualityTarget
	nal, w := c.sliceHeader(curr, qp)
	mbW, mbH := mbSize(c.cfg.Prep.Width, c.cfg.Prep.Height)
	w.WriteUE(uint32(mbW * mbH)) // mb_skip_run
	w.TrailingBits()

	n, err := appendPacket(t.Packet, bitstream.AppendNAL(nil, nal, w.Bytes()))
	if err != nil {
		return err
	}
	t.HwLength = n
	t.Length += n
	t.RcTask.Info.BitReal = n * 8
	t.RcTask.Info.QualityReal = qp
	return nil
}
