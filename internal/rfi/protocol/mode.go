// Package protocol decodes the RFI mask datagrams emitted by the correlator.
//
// Three fixed-size wire variants exist. The variant is chosen once at
// startup as a Mode; every Mode knows its datagram size, how many sequence
// counts make up one waterfall column, and how to decode a datagram into one
// of the Packet types defined here. All fields are little-endian.
package protocol

import (
	"fmt"
	"strings"
)

// Mode selects the wire variant. The zero value is invalid.
type Mode uint8

const (
	// Pathfinder datagrams are headerless runs of (bin, seq, mask) records.
	Pathfinder Mode = iota + 1
	// Chime datagrams carry one stream's local frequencies behind a 35-byte header.
	Chime
	// VDIF datagrams carry a full column of global frequencies behind a 21-byte header.
	VDIF
)

// Modes lists the supported modes in display order.
var Modes = []Mode{Pathfinder, Chime, VDIF}

// ParseMode maps a mode name (case-insensitive) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pathfinder":
		return Pathfinder, nil
	case "chime":
		return Chime, nil
	case "vdif":
		return VDIF, nil
	}
	return 0, fmt.Errorf("unsupported mode %q (supported: pathfinder, chime, vdif)", s)
}

func (m Mode) String() string {
	switch m {
	case Pathfinder:
		return "pathfinder"
	case Chime:
		return "chime"
	case VDIF:
		return "vdif"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Valid reports whether m is one of the supported modes.
func (m Mode) Valid() bool {
	return m >= Pathfinder && m <= VDIF
}

// Params holds the instrument parameters the decoders check sizes and
// headers against. They come from the receiver configuration.
type Params struct {
	FramesPerPacket   int
	NumFreq           int
	NumLocalFreq      int
	SamplesPerDataSet int
	NumElements       int
	SKStep            int
	BytesPerFreq      int
	Timestep          float64 // seconds per FPGA sample
	ChimeHeaderSize   int
	VDIFHeaderSize    int
}

// PacketSize returns the exact datagram length m expects under p.
func (m Mode) PacketSize(p Params) int {
	switch m {
	case Pathfinder:
		return p.FramesPerPacket * p.NumLocalFreq * p.BytesPerFreq
	case Chime:
		return p.ChimeHeaderSize + 4*p.NumLocalFreq
	case VDIF:
		return p.VDIFHeaderSize + 4*p.NumFreq
	}
	return 0
}

// SeqPerColumn returns how many sequence counts one waterfall column spans.
func (m Mode) SeqPerColumn(p Params) int64 {
	switch m {
	case Pathfinder:
		return int64(p.SamplesPerDataSet)
	case Chime:
		return int64(p.SamplesPerDataSet) * int64(p.FramesPerPacket)
	case VDIF:
		// vdif sequence numbers count frames, one frame per column.
		return 1
	}
	return 1
}

// ColumnSeconds returns the wall-clock span of one waterfall column.
func (m Mode) ColumnSeconds(p Params) float64 {
	switch m {
	case Pathfinder, Chime:
		return float64(m.SeqPerColumn(p)) * p.Timestep
	case VDIF:
		return float64(p.SamplesPerDataSet) * p.Timestep
	}
	return 0
}

// Decode checks the datagram length and decodes it according to m.
func (m Mode) Decode(p Params, pkt []byte) (Packet, error) {
	var (
		out Packet
		err error
	)
	switch m {
	case Pathfinder:
		var pp *PathfinderPacket
		if pp, err = DecodePathfinder(p, pkt); err == nil {
			out = pp
		}
	case Chime:
		var cp *ChimePacket
		if cp, err = DecodeChime(p, pkt); err == nil {
			out = cp
		}
	case VDIF:
		var vp *VDIFPacket
		if vp, err = DecodeVDIF(p, pkt); err == nil {
			out = vp
		}
	default:
		err = fmt.Errorf("decode: %v", m)
	}
	return out, err
}

// Packet is the closed set of decoded datagrams: *PathfinderPacket,
// *ChimePacket and *VDIFPacket.
type Packet interface {
	// MinSeq and MaxSeq bound the sequence numbers carried by the packet.
	MinSeq() int64
	MaxSeq() int64

	isPacket()
}

func checkSize(m Mode, p Params, pkt []byte) error {
	if want := m.PacketSize(p); len(pkt) != want {
		return fmt.Errorf("%w: %s datagram is %d bytes, expected %d", ErrCorruptPacket, m, len(pkt), want)
	}
	return nil
}
