// Package codec holds the syntax side of each supported coding: stream
// headers, DPB bookkeeping, slice syntax handed to the hal backend, SEI
// prefixes and the software P-skip path.
package codec

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/hal"
	"github.com/linuxmatters/vpuenc/internal/media"
)

// ErrUnsupported is returned for operations a coding does not provide
var ErrUnsupported = errors.New("not supported by coding")

// Impl is the codec-specific half of the encoder
type Impl interface {
	Coding() media.CodingType

	// GenHdr appends the stream header (parameter sets) to pkt
	GenHdr(pkt *media.Packet) error
	// Start begins a frame and attaches fresh syntax to t
	Start(t *hal.Task) error
	// ProcDpb applies the reference decision in t.RcTask.Cpb to the DPB
	ProcDpb(t *hal.Task) error
	// ProcHal fills t.Syntax with the slice-level syntax for the backend
	ProcHal(t *hal.Task) error
	// AddPrefix appends a user-data SEI carrying id and data, returning the
	// number of bytes written
	AddPrefix(pkt *media.Packet, id uuid.UUID, data []byte) (int, error)
	// SwEnc writes the frame in software as an all-skip P frame
	SwEnc(t *hal.Task) error
	// SupportsSwSkip reports whether SwEnc can be used with the current cfg
	SupportsSwSkip() bool
}

// New creates the implementation for coding. cfg is owned by the encoder
// and read on every call.
func New(coding media.CodingType, cfg *enccfg.Set, log *zap.Logger) (Impl, error) {
	if cfg == nil {
		return nil, fmt.Errorf("codec %s: missing config: %w", coding, enccfg.ErrValue)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("codec").With(zap.Stringer("coding", coding))

	switch coding {
	case media.CodingAVC:
		return newH264(cfg, log), nil
	case media.CodingHEVC:
		return newH265(cfg, log), nil
	case media.CodingMJPEG:
		return &mjpeg{cfg: cfg}, nil
	case media.CodingVP8:
		return &vp8{cfg: cfg}, nil
	}
	return nil, fmt.Errorf("coding %s: %w", coding, ErrUnsupported)
}

// mbSize returns the frame size in 16x16 macroblocks
func mbSize(width, height int) (w, h int) {
	return (width + 15) / 16, (height + 15) / 16
}

// appendPacket writes b to pkt and returns its length
func appendPacket(pkt *media.Packet, b []byte) (int, error) {
	if err := pkt.Append(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// userDataPayload prefixes data with the 16-byte UUID required by the
// user_data_unregistered SEI message
func userDataPayload(id uuid.UUID, data []byte) []byte {
	payload := make([]byte, 0, len(id)+len(data))
	payload = append(payload, id[:]...)
	return append(payload, data...)
}
