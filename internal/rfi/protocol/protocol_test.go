package protocol_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rfi.receiver/internal/rfi/protocol"
	"github.com/banshee-data/rfi.receiver/internal/testutil"
)

func TestParseMode(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want protocol.Mode
	}{
		{"pathfinder", protocol.Pathfinder},
		{"CHIME", protocol.Chime},
		{" vdif ", protocol.VDIF},
	} {
		got, err := protocol.ParseMode(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
		assert.True(t, got.Valid())
	}

	_, err := protocol.ParseMode("baseband")
	assert.Error(t, err)
	assert.False(t, protocol.Mode(0).Valid())
	assert.Equal(t, "Mode(9)", protocol.Mode(9).String())
}

func TestPacketSizes(t *testing.T) {
	p := testutil.DefaultParams()

	assert.Equal(t, 4*8*16, protocol.Pathfinder.PacketSize(p))
	assert.Equal(t, 35+4*8, protocol.Chime.PacketSize(p))
	assert.Equal(t, 21+4*1024, protocol.VDIF.PacketSize(p))
}

func TestSeqPerColumn(t *testing.T) {
	p := testutil.DefaultParams()

	assert.Equal(t, int64(32768), protocol.Pathfinder.SeqPerColumn(p))
	assert.Equal(t, int64(32768*4), protocol.Chime.SeqPerColumn(p))
	assert.Equal(t, int64(1), protocol.VDIF.SeqPerColumn(p))

	// vdif columns still span one frame of samples in wall-clock time.
	assert.InDelta(t, 32768*2.56e-6, protocol.VDIF.ColumnSeconds(p), 1e-12)
	assert.InDelta(t, 4*32768*2.56e-6, protocol.Chime.ColumnSeconds(p), 1e-12)
}

func TestDecodePathfinder(t *testing.T) {
	p := testutil.DefaultParams()
	p.FramesPerPacket = 1
	p.NumLocalFreq = 3

	records := []protocol.PathfinderRecord{
		{Bin: 5, Seq: 1000, Mask: 0.25},
		{Bin: -1, Seq: 998, Mask: 1},
		{Bin: 1023, Seq: 1003, Mask: 0},
	}
	pkt := testutil.PathfinderPacket(records)

	got, err := protocol.DecodePathfinder(p, pkt)
	require.NoError(t, err)
	if diff := cmp.Diff(records, got.Records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(998), got.MinSeq())
	assert.Equal(t, int64(1003), got.MaxSeq())
}

func TestDecodeChime(t *testing.T) {
	p := testutil.DefaultParams()
	hdr := testutil.ValidChimeHeader(p, 0x0123, 4096)
	masks := []float32{0, 0.125, 0.25, 0.5, 0.75, 1, 0, 1}

	got, err := protocol.DecodeChime(p, testutil.ChimePacket(p, hdr, masks))
	require.NoError(t, err)
	assert.Equal(t, hdr, got.Header)
	assert.Equal(t, masks, got.Masks)
	assert.Equal(t, int64(4096), got.MinSeq())
	assert.NoError(t, protocol.ValidateChimeHeader(got.Header, p))
}

func TestDecodeVDIF(t *testing.T) {
	p := testutil.DefaultParams()
	p.NumFreq = 4
	hdr := testutil.ValidVDIFHeader(p, 77)
	masks := []float32{1, 0, 0.5, 0.25}

	got, err := protocol.DecodeVDIF(p, testutil.VDIFPacket(p, hdr, masks))
	require.NoError(t, err)
	assert.Equal(t, hdr, got.Header)
	assert.Equal(t, masks, got.Masks)
	assert.Equal(t, int64(77), got.MaxSeq())
	assert.NoError(t, protocol.ValidateVDIFHeader(got.Header, p))
}

func TestDecode_CorruptPacket(t *testing.T) {
	p := testutil.DefaultParams()

	for _, m := range protocol.Modes {
		size := m.PacketSize(p)
		for _, n := range []int{0, size - 1, size + 1} {
			pkt, err := m.Decode(p, make([]byte, n))
			assert.Nil(t, pkt, "%s len=%d", m, n)
			assert.True(t, errors.Is(err, protocol.ErrCorruptPacket), "%s len=%d: %v", m, n, err)
		}
	}
}

func TestDecode_DispatchesByMode(t *testing.T) {
	p := testutil.DefaultParams()

	pkt, err := protocol.Chime.Decode(p, testutil.ChimePacket(p, testutil.ValidChimeHeader(p, 1, 0), make([]float32, p.NumLocalFreq)))
	require.NoError(t, err)
	_, ok := pkt.(*protocol.ChimePacket)
	assert.True(t, ok, "got %T", pkt)

	_, err = protocol.Mode(0).Decode(p, nil)
	assert.Error(t, err)
}

func TestValidateChimeHeader_Mismatches(t *testing.T) {
	p := testutil.DefaultParams()

	for _, tc := range []struct {
		field  string
		mutate func(h *protocol.ChimeHeader)
	}{
		{"combined_flag", func(h *protocol.ChimeHeader) { h.CombinedFlag = 0 }},
		{"sk_step", func(h *protocol.ChimeHeader) { h.SKStep = 128 }},
		{"num_elements", func(h *protocol.ChimeHeader) { h.NumElements = 3 }},
		{"samples_per_data_set", func(h *protocol.ChimeHeader) { h.NumTimesteps = 1 }},
		{"num_freq", func(h *protocol.ChimeHeader) { h.NumGlobalFreq = 2048 }},
		{"num_local_freq", func(h *protocol.ChimeHeader) { h.NumLocalFreq = 16 }},
		{"fpga_seq_num", func(h *protocol.ChimeHeader) { h.FPGASeq = -5 }},
		{"frames_per_packet", func(h *protocol.ChimeHeader) { h.FramesPerPacket = 8 }},
	} {
		t.Run(tc.field, func(t *testing.T) {
			h := testutil.ValidChimeHeader(p, 7, 10)
			tc.mutate(&h)

			var mm *protocol.HeaderMismatchError
			err := protocol.ValidateChimeHeader(h, p)
			require.ErrorAs(t, err, &mm)
			assert.Equal(t, tc.field, mm.Field)
			assert.Equal(t, protocol.Chime, mm.Mode)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestValidateVDIFHeader_Mismatch(t *testing.T) {
	p := testutil.DefaultParams()
	h := testutil.ValidVDIFHeader(p, 1)
	h.SKStep = 512

	var mm *protocol.HeaderMismatchError
	require.ErrorAs(t, protocol.ValidateVDIFHeader(h, p), &mm)
	assert.Equal(t, "sk_step", mm.Field)
	assert.Equal(t, int64(512), mm.Got)
	assert.Equal(t, int64(256), mm.Want)
}
