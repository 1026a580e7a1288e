package protocol

import (
	"encoding/binary"
	"math"
)

// PathfinderRecordSize is the size of one (bin, seq, mask) record.
const PathfinderRecordSize = 16

// PathfinderRecord is a single mask value for one frequency bin.
type PathfinderRecord struct {
	Bin  int32
	Seq  int64
	Mask float32
}

// PathfinderPacket is a decoded pathfinder datagram.
type PathfinderPacket struct {
	Records []PathfinderRecord
}

func (*PathfinderPacket) isPacket() {}

// MinSeq returns the smallest record sequence number.
func (p *PathfinderPacket) MinSeq() int64 {
	if len(p.Records) == 0 {
		return 0
	}
	lo := p.Records[0].Seq
	for _, r := range p.Records[1:] {
		if r.Seq < lo {
			lo = r.Seq
		}
	}
	return lo
}

// MaxSeq returns the largest record sequence number.
func (p *PathfinderPacket) MaxSeq() int64 {
	if len(p.Records) == 0 {
		return 0
	}
	hi := p.Records[0].Seq
	for _, r := range p.Records[1:] {
		if r.Seq > hi {
			hi = r.Seq
		}
	}
	return hi
}

// DecodePathfinder decodes a headerless pathfinder datagram.
//
// Layout per 16-byte record:
//
//	[0:4]   int32   frequency bin
//	[4:12]  int64   sequence number
//	[12:16] float32 mask value
func DecodePathfinder(p Params, pkt []byte) (*PathfinderPacket, error) {
	if err := checkSize(Pathfinder, p, pkt); err != nil {
		return nil, err
	}

	n := len(pkt) / PathfinderRecordSize
	out := &PathfinderPacket{Records: make([]PathfinderRecord, n)}
	for i := range out.Records {
		rec := pkt[i*PathfinderRecordSize : (i+1)*PathfinderRecordSize]
		out.Records[i] = PathfinderRecord{
			Bin:  int32(binary.LittleEndian.Uint32(rec[0:4])),
			Seq:  int64(binary.LittleEndian.Uint64(rec[4:12])),
			Mask: math.Float32frombits(binary.LittleEndian.Uint32(rec[12:16])),
		}
	}
	return out, nil
}
