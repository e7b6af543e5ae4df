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

// H.265 NAL unit types
const (
	h265NalTrailN    = 0
	h265NalTrailR    = 1
	h265NalIDRWRadl  = 19
	h265NalVPS       = 32
	h265NalSPS       = 33
	h265NalPPS       = 34
	h265NalPrefixSEI = 39
)

const (
	h265SliceP = 1
	h265SliceI = 2

	h265Log2MaxPocLsb = 8
	h265MinCbSize     = 8
)

type h265 struct {
	log *zap.Logger
	cfg *enccfg.Set
	dpb *dpb
	syn hal.Syntax
}

func newH265(cfg *enccfg.Set, log *zap.Logger) *h265 {
	return &h265{
		log: log,
		cfg: cfg,
		dpb: newDpb(log, 16, h265Log2MaxPocLsb),
	}
}

func h265NalHeader(nalType, tid int) []byte {
	return []byte{byte(nalType << 1), byte(tid + 1)}
}

func (c *h265) Coding() media.CodingType {
	return media.CodingHEVC
}

func (c *h265) SupportsSwSkip() bool {
	return false
}

func (c *h265) subLayers() int {
	return max(c.cfg.Ref.TemporalLayers, 1) - 1
}

func (c *h265) saoEnabled() bool {
	h := &c.cfg.Codec.H265
	return !h.SaoLumaDisable || !h.SaoChromaDisable
}

func (c *h265) GenHdr(pkt *media.Packet) error {
	out := bitstream.AppendNAL(nil, h265NalHeader(h265NalVPS, 0), c.vps())
	out = bitstream.AppendNAL(out, h265NalHeader(h265NalSPS, 0), c.sps())
	out = bitstream.AppendNAL(out, h265NalHeader(h265NalPPS, 0), c.pps())
	_, err := appendPacket(pkt, out)
	return err
}

func (c *h265) profileTierLevel(w *bitstream.Writer) {
	h := &c.cfg.Codec.H265
	subLayers := c.subLayers()

	w.WriteBits(0, 2) // general_profile_space
	w.WriteBits(uint32(h.Tier), 1)
	w.WriteBits(uint32(h.Profile), 5)
	w.WriteBits(1<<uint(31-h.Profile), 32)
	w.WriteBit(true)  // general_progressive_source_flag
	w.WriteBit(false) // general_interlaced_source_flag
	w.WriteBit(false) // general_non_packed_constraint_flag
	w.WriteBit(true)  // general_frame_only_constraint_flag
	w.WriteBits(0, 32)
	w.WriteBits(0, 12)
	w.WriteBits(uint32(h.Level), 8)

	for i := 0; i < subLayers; i++ {
		w.WriteBit(false) // sub_layer_profile_present_flag
		w.WriteBit(false) // sub_layer_level_present_flag
	}
	if subLayers > 0 {
		for i := subLayers; i < 8; i++ {
			w.WriteBits(0, 2)
		}
	}
}

func (c *h265) vps() []byte {
	w := bitstream.NewWriter(32)
	w.WriteBits(0, 4) // vps_video_parameter_set_id
	w.WriteBit(true)  // vps_base_layer_internal_flag
	w.WriteBit(true)  // vps_base_layer_available_flag
	w.WriteBits(0, 6) // vps_max_layers_minus1
	w.WriteBits(uint32(c.subLayers()), 3)
	w.WriteBit(true) // vps_temporal_id_nesting_flag
	w.WriteBits(0xffff, 16)
	c.profileTierLevel(w)

	w.WriteBit(false) // vps_sub_layer_ordering_info_present_flag
	w.WriteUE(uint32(c.cfg.Ref.MaxLtrCount + 1))
	w.WriteUE(0) // vps_max_num_reorder_pics
	w.WriteUE(0) // vps_max_latency_increase_plus1

	w.WriteBits(0, 6) // vps_max_layer_id
	w.WriteUE(0)      // vps_num_layer_sets_minus1
	w.WriteBit(false) // vps_timing_info_present_flag
	w.WriteBit(false) // vps_extension_flag
	w.TrailingBits()
	return w.Bytes()
}

func (c *h265) sps() []byte {
	h := &c.cfg.Codec.H265
	p := &c.cfg.Prep
	w := bitstream.NewWriter(64)

	w.WriteBits(0, 4) // sps_video_parameter_set_id
	w.WriteBits(uint32(c.subLayers()), 3)
	w.WriteBit(true) // sps_temporal_id_nesting_flag
	c.profileTierLevel(w)
	w.WriteUE(0) // sps_seq_parameter_set_id
	w.WriteUE(1) // chroma_format_idc 4:2:0

	codedW := (p.Width + h265MinCbSize - 1) / h265MinCbSize * h265MinCbSize
	codedH := (p.Height + h265MinCbSize - 1) / h265MinCbSize * h265MinCbSize
	w.WriteUE(uint32(codedW))
	w.WriteUE(uint32(codedH))
	crop := codedW != p.Width || codedH != p.Height
	w.WriteBit(crop)
	if crop {
		w.WriteUE(0)
		w.WriteUE(uint32((codedW - p.Width) / 2))
		w.WriteUE(0)
		w.WriteUE(uint32((codedH - p.Height) / 2))
	}

	w.WriteUE(0) // bit_depth_luma_minus8
	w.WriteUE(0) // bit_depth_chroma_minus8
	w.WriteUE(h265Log2MaxPocLsb - 4)
	w.WriteBit(false) // sps_sub_layer_ordering_info_present_flag
	w.WriteUE(uint32(c.cfg.Ref.MaxLtrCount + 1))
	w.WriteUE(0) // sps_max_num_reorder_pics
	w.WriteUE(0) // sps_max_latency_increase_plus1

	w.WriteUE(0)      // log2_min_luma_coding_block_size_minus3
	w.WriteUE(3)      // 64x64 CTU
	w.WriteUE(0)      // log2_min_luma_transform_block_size_minus2
	w.WriteUE(3)      // 32x32 max transform
	w.WriteUE(1)      // max_transform_hierarchy_depth_inter
	w.WriteUE(1)      // max_transform_hierarchy_depth_intra
	w.WriteBit(false) // scaling_list_enabled_flag
	w.WriteBit(false) // amp_enabled_flag
	w.WriteBit(c.saoEnabled())
	w.WriteBit(false) // pcm_enabled_flag

	// one short-term set: the previous picture
	w.WriteUE(1)
	w.WriteUE(1)     // num_negative_pics
	w.WriteUE(0)     // num_positive_pics
	w.WriteUE(0)     // delta_poc_s0_minus1
	w.WriteBit(true) // used_by_curr_pic_s0_flag

	lt := c.cfg.Ref.MaxLtrCount > 0
	w.WriteBit(lt)
	if lt {
		w.WriteUE(0) // num_long_term_ref_pics_sps
	}
	w.WriteBit(false) // sps_temporal_mvp_enabled_flag
	w.WriteBit(true)  // strong_intra_smoothing_enabled_flag

	w.WriteBit(h.Vui)
	if h.Vui {
		c.vui(w)
	}
	w.WriteBit(false) // sps_extension_present_flag
	w.TrailingBits()
	return w.Bytes()
}

func (c *h265) vui(w *bitstream.Writer) {
	fps := c.cfg.Rc.FpsOut

	w.WriteBit(false) // aspect_ratio_info_present_flag
	w.WriteBit(false) // overscan_info_present_flag
	writeVideoSignal(w, &c.cfg.Prep)
	w.WriteBit(false) // chroma_loc_info_present_flag
	w.WriteBit(false) // neutral_chroma_indication_flag
	w.WriteBit(false) // field_seq_flag
	w.WriteBit(false) // frame_field_info_present_flag
	w.WriteBit(false) // default_display_window_flag

	w.WriteBit(true) // vui_timing_info_present_flag
	w.WriteBits(uint32(fps.Denom), 32)
	w.WriteBits(uint32(fps.Num), 32)
	w.WriteBit(false) // vui_poc_proportional_to_timing_flag
	w.WriteBit(false) // vui_hrd_parameters_present_flag
	w.WriteBit(false) // bitstream_restriction_flag
}

func (c *h265) pps() []byte {
	h := &c.cfg.Codec.H265
	w := bitstream.NewWriter(16)

	w.WriteUE(0)      // pps_pic_parameter_set_id
	w.WriteUE(0)      // pps_seq_parameter_set_id
	w.WriteBit(false) // dependent_slice_segments_enabled_flag
	w.WriteBit(false) // output_flag_present_flag
	w.WriteBits(0, 3) // num_extra_slice_header_bits
	w.WriteBit(false) // sign_data_hiding_enabled_flag
	w.WriteBit(false) // cabac_init_present_flag
	w.WriteUE(0)      // num_ref_idx_l0_default_active_minus1
	w.WriteUE(0)      // num_ref_idx_l1_default_active_minus1
	w.WriteSE(0)      // init_qp_minus26
	w.WriteBit(false) // constrained_intra_pred_flag
	w.WriteBit(false) // transform_skip_enabled_flag
	w.WriteBit(false) // cu_qp_delta_enabled_flag
	w.WriteSE(int32(h.CbQpOffset))
	w.WriteSE(int32(h.CrQpOffset))
	w.WriteBit(false) // pps_slice_chroma_qp_offsets_present_flag
	w.WriteBit(false) // weighted_pred_flag
	w.WriteBit(false) // weighted_bipred_flag
	w.WriteBit(false) // transquant_bypass_enabled_flag
	w.WriteBit(false) // tiles_enabled_flag
	w.WriteBit(false) // entropy_coding_sync_enabled_flag
	w.WriteBit(false) // pps_loop_filter_across_slices_enabled_flag

	w.WriteBit(true)  // deblocking_filter_control_present_flag
	w.WriteBit(false) // deblocking_filter_override_enabled_flag
	w.WriteBit(h.DeblockDisable)
	if !h.DeblockDisable {
		w.WriteSE(int32(h.BetaOffsetDiv2))
		w.WriteSE(int32(h.TcOffsetDiv2))
	}

	w.WriteBit(false) // pps_scaling_list_data_present_flag
	w.WriteBit(false) // lists_modification_present_flag
	w.WriteUE(0)      // log2_parallel_merge_level_minus2
	w.WriteBit(false) // slice_segment_header_extension_present_flag
	w.WriteBit(false) // pps_extension_present_flag
	w.TrailingBits()
	return w.Bytes()
}

func (c *h265) Start(t *hal.Task) error {
	c.syn = hal.Syntax{Coding: media.CodingHEVC}
	t.Syntax = &c.syn
	return nil
}

func (c *h265) ProcDpb(t *hal.Task) error {
	if t.RcTask == nil {
		return hal.ErrInvalidTask
	}
	c.dpb.proc(&t.RcTask.Cpb)
	return nil
}

func (c *h265) ProcHal(t *hal.Task) error {
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

func (c *h265) sliceHeader(curr *rc.FrameStatus, qp int) ([]byte, *bitstream.Writer) {
	nalType := h265NalTrailR
	switch {
	case curr.IsIDR:
		nalType = h265NalIDRWRadl
	case curr.IsNonRef:
		nalType = h265NalTrailN
	}

	w := bitstream.NewWriter(32)
	w.WriteBit(true) // first_slice_segment_in_pic_flag
	if curr.IsIDR {
		w.WriteBit(false) // no_output_of_prior_pics_flag
	}
	w.WriteUE(0) // slice_pic_parameter_set_id
	if curr.IsIntra {
		w.WriteUE(h265SliceI)
	} else {
		w.WriteUE(h265SliceP)
	}

	if !curr.IsIDR {
		w.WriteBits(uint32(c.dpb.pocLsb()), h265Log2MaxPocLsb)
		w.WriteBit(true) // short_term_ref_pic_set_sps_flag
		if c.cfg.Ref.MaxLtrCount > 0 {
			w.WriteUE(0) // num_long_term_pics
		}
	}

	if c.saoEnabled() {
		h := &c.cfg.Codec.H265
		w.WriteBit(!h.SaoLumaDisable)
		w.WriteBit(!h.SaoChromaDisable)
	}

	if !curr.IsIntra {
		w.WriteBit(false) // num_ref_idx_active_override_flag
		w.WriteUE(0)      // five_minus_max_num_merge_cand
	}
	w.WriteSE(int32(qp - 26))

	// byte_alignment()
	w.WriteBit(true)
	w.AlignZero()
	return h265NalHeader(nalType, curr.TemporalID), w
}

func (c *h265) AddPrefix(pkt *media.Packet, id uuid.UUID, data []byte) (int, error) {
	rbsp := bitstream.AppendSEIPayload(nil, seiUserDataUnreg, userDataPayload(id, data))
	rbsp = append(rbsp, 0x80)
	return appendPacket(pkt, bitstream.AppendNAL(nil, h265NalHeader(h265NalPrefixSEI, 0), rbsp))
}

func (c *h265) SwEnc(*hal.Task) error {
	return fmt.Errorf("software skip on %s: %w", media.CodingHEVC, ErrUnsupported)
}
