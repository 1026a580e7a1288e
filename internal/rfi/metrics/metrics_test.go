package metrics

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rfi.receiver/internal/timeutil"
)

func TestNewRegistry_RegistersAll(t *testing.T) {
	m := New()
	reg, err := NewRegistry(m)
	require.NoError(t, err)

	m.PacketsDropped.WithLabelValues(ReasonSize).Inc()
	m.WindowResets.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsDropped.WithLabelValues(ReasonSize)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WindowResets))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "rfi_receiver_packets_dropped_total")
	assert.Contains(t, names, "rfi_waterfall_resets_total")
}

func TestRegister_Duplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg))
}

func TestPacketStats_LogStats(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	ps := NewPacketStats(clock)

	var lines []string
	ps.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	ps.LogStats(0)
	assert.Empty(t, lines, "no traffic, no log line")

	for i := 0; i < 20; i++ {
		ps.AddPacket(512)
	}
	ps.AddCells(640)
	ps.AddDropped()
	clock.Advance(10 * time.Second)

	ps.LogStats(3)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "RFI stats (/sec): "), lines[0])
	assert.Contains(t, lines[0], "2.0 packets")
	assert.Contains(t, lines[0], "64 cells")
	assert.Contains(t, lines[0], "from 3 streams")
	assert.Contains(t, lines[0], "1 dropped")

	packets, _, _, _, _ := ps.GetAndReset()
	assert.Zero(t, packets)
}

func TestFormatWithCommas(t *testing.T) {
	for in, want := range map[int64]string{
		0:        "0",
		999:      "999",
		1000:     "1,000",
		1234567:  "1,234,567",
		-1234567: "-1,234,567",
	} {
		assert.Equal(t, want, FormatWithCommas(in))
	}
}
