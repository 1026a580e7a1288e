package protocol

import (
	"encoding/binary"
	"math"
)

// ChimeHeaderLayoutSize is the number of bytes the chime header fields occupy.
const ChimeHeaderLayoutSize = 35

// ChimeHeader is the fixed header of a chime RFI datagram.
type ChimeHeader struct {
	CombinedFlag    uint8
	EncodedStreamID uint16
	SKStep          uint32
	NumElements     uint32
	NumTimesteps    uint32
	NumGlobalFreq   uint32
	NumLocalFreq    uint32
	FramesPerPacket uint32
	FPGASeq         int64
}

// ChimePacket is a decoded chime datagram: one mask per local frequency.
type ChimePacket struct {
	Header ChimeHeader
	Masks  []float32
}

func (*ChimePacket) isPacket() {}

// MinSeq returns the FPGA sequence number of the packet.
func (p *ChimePacket) MinSeq() int64 { return p.Header.FPGASeq }

// MaxSeq returns the FPGA sequence number of the packet.
func (p *ChimePacket) MaxSeq() int64 { return p.Header.FPGASeq }

// DecodeChime decodes a chime datagram.
//
// Header layout:
//
//	[0]     uint8  combined flag
//	[1:3]   uint16 encoded stream ID
//	[3:7]   uint32 SK step
//	[7:11]  uint32 number of elements
//	[11:15] uint32 timesteps per dataset
//	[15:19] uint32 global frequency count
//	[19:23] uint32 local frequency count
//	[23:27] uint32 frames per packet
//	[27:35] int64  FPGA sequence number
//
// The masks start at p.ChimeHeaderSize.
func DecodeChime(p Params, pkt []byte) (*ChimePacket, error) {
	if err := checkSize(Chime, p, pkt); err != nil {
		return nil, err
	}

	le := binary.LittleEndian
	out := &ChimePacket{
		Header: ChimeHeader{
			CombinedFlag:    pkt[0],
			EncodedStreamID: le.Uint16(pkt[1:3]),
			SKStep:          le.Uint32(pkt[3:7]),
			NumElements:     le.Uint32(pkt[7:11]),
			NumTimesteps:    le.Uint32(pkt[11:15]),
			NumGlobalFreq:   le.Uint32(pkt[15:19]),
			NumLocalFreq:    le.Uint32(pkt[19:23]),
			FramesPerPacket: le.Uint32(pkt[23:27]),
			FPGASeq:         int64(le.Uint64(pkt[27:35])),
		},
		Masks: decodeMasks(pkt[p.ChimeHeaderSize:]),
	}
	return out, nil
}

// ValidateChimeHeader checks a chime header against the configuration.
// Fields are checked in the order the correlator documents them; the first
// mismatch is returned as a *HeaderMismatchError.
func ValidateChimeHeader(h ChimeHeader, p Params) error {
	checks := []error{
		mismatch(Chime, "combined_flag", int64(h.CombinedFlag), 1),
		mismatch(Chime, "sk_step", int64(h.SKStep), int64(p.SKStep)),
		mismatch(Chime, "num_elements", int64(h.NumElements), int64(p.NumElements)),
		mismatch(Chime, "samples_per_data_set", int64(h.NumTimesteps), int64(p.SamplesPerDataSet)),
		mismatch(Chime, "num_freq", int64(h.NumGlobalFreq), int64(p.NumFreq)),
		mismatch(Chime, "num_local_freq", int64(h.NumLocalFreq), int64(p.NumLocalFreq)),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if h.FPGASeq < 0 {
		return &HeaderMismatchError{Mode: Chime, Field: "fpga_seq_num", Got: h.FPGASeq}
	}
	return mismatch(Chime, "frames_per_packet", int64(h.FramesPerPacket), int64(p.FramesPerPacket))
}

func decodeMasks(b []byte) []float32 {
	masks := make([]float32, len(b)/4)
	for i := range masks {
		masks[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return masks
}
