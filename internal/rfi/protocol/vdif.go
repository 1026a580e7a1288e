package protocol

import "encoding/binary"

// VDIFHeaderLayoutSize is the number of bytes the vdif header fields occupy.
const VDIFHeaderLayoutSize = 21

// VDIFHeader is the fixed header of a vdif RFI datagram.
type VDIFHeader struct {
	CombinedFlag     uint8
	SKStep           int32
	NumElements      int32
	NumTimesPerFrame int32
	NumFreq          int32
	Seq              uint32
}

// VDIFPacket is a decoded vdif datagram: one mask per global frequency.
type VDIFPacket struct {
	Header VDIFHeader
	Masks  []float32
}

func (*VDIFPacket) isPacket() {}

// MinSeq returns the frame sequence number of the packet.
func (p *VDIFPacket) MinSeq() int64 { return int64(p.Header.Seq) }

// MaxSeq returns the frame sequence number of the packet.
func (p *VDIFPacket) MaxSeq() int64 { return int64(p.Header.Seq) }

// DecodeVDIF decodes a vdif datagram.
//
// Header layout:
//
//	[0]     uint8  combined flag
//	[1:5]   int32  SK step
//	[5:9]   int32  number of elements
//	[9:13]  int32  timesteps per frame
//	[13:17] int32  frequency count
//	[17:21] uint32 frame sequence number
//
// The masks start at p.VDIFHeaderSize.
func DecodeVDIF(p Params, pkt []byte) (*VDIFPacket, error) {
	if err := checkSize(VDIF, p, pkt); err != nil {
		return nil, err
	}

	le := binary.LittleEndian
	return &VDIFPacket{
		Header: VDIFHeader{
			CombinedFlag:     pkt[0],
			SKStep:           int32(le.Uint32(pkt[1:5])),
			NumElements:      int32(le.Uint32(pkt[5:9])),
			NumTimesPerFrame: int32(le.Uint32(pkt[9:13])),
			NumFreq:          int32(le.Uint32(pkt[13:17])),
			Seq:              le.Uint32(pkt[17:21]),
		},
		Masks: decodeMasks(pkt[p.VDIFHeaderSize:]),
	}, nil
}

// ValidateVDIFHeader checks a vdif header against the configuration.
func ValidateVDIFHeader(h VDIFHeader, p Params) error {
	checks := []error{
		mismatch(VDIF, "combined_flag", int64(h.CombinedFlag), 1),
		mismatch(VDIF, "sk_step", int64(h.SKStep), int64(p.SKStep)),
		mismatch(VDIF, "num_elements", int64(h.NumElements), int64(p.NumElements)),
		mismatch(VDIF, "samples_per_data_set", int64(h.NumTimesPerFrame), int64(p.SamplesPerDataSet)),
		mismatch(VDIF, "num_freq", int64(h.NumFreq), int64(p.NumFreq)),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}
