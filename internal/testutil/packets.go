package testutil

import (
	"encoding/binary"
	"math"

	"github.com/banshee-data/rfi.receiver/internal/rfi/protocol"
)

// DefaultParams returns the instrument parameters of the stock configuration.
func DefaultParams() protocol.Params {
	return protocol.Params{
		FramesPerPacket:   4,
		NumFreq:           1024,
		NumLocalFreq:      8,
		SamplesPerDataSet: 32768,
		NumElements:       2,
		SKStep:            256,
		BytesPerFreq:      16,
		Timestep:          2.56e-6,
		ChimeHeaderSize:   35,
		VDIFHeaderSize:    21,
	}
}

// PathfinderPacket encodes records as a pathfinder datagram.
func PathfinderPacket(records []protocol.PathfinderRecord) []byte {
	pkt := make([]byte, len(records)*protocol.PathfinderRecordSize)
	for i, r := range records {
		rec := pkt[i*protocol.PathfinderRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:4], uint32(r.Bin))
		binary.LittleEndian.PutUint64(rec[4:12], uint64(r.Seq))
		binary.LittleEndian.PutUint32(rec[12:16], math.Float32bits(r.Mask))
	}
	return pkt
}

// ValidChimeHeader returns a chime header that passes validation against p.
func ValidChimeHeader(p protocol.Params, streamID uint16, seq int64) protocol.ChimeHeader {
	return protocol.ChimeHeader{
		CombinedFlag:    1,
		EncodedStreamID: streamID,
		SKStep:          uint32(p.SKStep),
		NumElements:     uint32(p.NumElements),
		NumTimesteps:    uint32(p.SamplesPerDataSet),
		NumGlobalFreq:   uint32(p.NumFreq),
		NumLocalFreq:    uint32(p.NumLocalFreq),
		FramesPerPacket: uint32(p.FramesPerPacket),
		FPGASeq:         seq,
	}
}

// ChimePacket encodes a chime datagram. The header region is sized by
// p.ChimeHeaderSize; bytes past the documented fields are left zero.
func ChimePacket(p protocol.Params, h protocol.ChimeHeader, masks []float32) []byte {
	pkt := make([]byte, p.ChimeHeaderSize+4*len(masks))
	le := binary.LittleEndian
	pkt[0] = h.CombinedFlag
	le.PutUint16(pkt[1:3], h.EncodedStreamID)
	le.PutUint32(pkt[3:7], h.SKStep)
	le.PutUint32(pkt[7:11], h.NumElements)
	le.PutUint32(pkt[11:15], h.NumTimesteps)
	le.PutUint32(pkt[15:19], h.NumGlobalFreq)
	le.PutUint32(pkt[19:23], h.NumLocalFreq)
	le.PutUint32(pkt[23:27], h.FramesPerPacket)
	le.PutUint64(pkt[27:35], uint64(h.FPGASeq))
	putMasks(pkt[p.ChimeHeaderSize:], masks)
	return pkt
}

// ValidVDIFHeader returns a vdif header that passes validation against p.
func ValidVDIFHeader(p protocol.Params, seq uint32) protocol.VDIFHeader {
	return protocol.VDIFHeader{
		CombinedFlag:     1,
		SKStep:           int32(p.SKStep),
		NumElements:      int32(p.NumElements),
		NumTimesPerFrame: int32(p.SamplesPerDataSet),
		NumFreq:          int32(p.NumFreq),
		Seq:              seq,
	}
}

// VDIFPacket encodes a vdif datagram.
func VDIFPacket(p protocol.Params, h protocol.VDIFHeader, masks []float32) []byte {
	pkt := make([]byte, p.VDIFHeaderSize+4*len(masks))
	le := binary.LittleEndian
	pkt[0] = h.CombinedFlag
	le.PutUint32(pkt[1:5], uint32(h.SKStep))
	le.PutUint32(pkt[5:9], uint32(h.NumElements))
	le.PutUint32(pkt[9:13], uint32(h.NumTimesPerFrame))
	le.PutUint32(pkt[13:17], uint32(h.NumFreq))
	le.PutUint32(pkt[17:21], h.Seq)
	putMasks(pkt[p.VDIFHeaderSize:], masks)
	return pkt
}

// Masks returns n copies of v.
func Masks(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func putMasks(b []byte, masks []float32) {
	for i, m := range masks {
		binary.LittleEndian.PutUint32(b[i*4:i*4+4], math.Float32bits(m))
	}
}
