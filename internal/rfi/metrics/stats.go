package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/rfi.receiver/internal/monitoring"
	"github.com/banshee-data/rfi.receiver/internal/timeutil"
)

// PacketStats tracks per-interval packet statistics for the periodic log line.
type PacketStats struct {
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	mu           sync.Mutex
	packetCount  int64
	byteCount    int64
	droppedCount int64
	cellCount    int64
	lastReset    time.Time
}

// NewPacketStats creates a PacketStats. A nil clock uses the real clock.
func NewPacketStats(clock timeutil.Clock) *PacketStats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PacketStats{
		clock:     clock,
		logf:      monitoring.Logf,
		lastReset: clock.Now(),
	}
}

// SetLogger redirects LogStats output.
func (ps *PacketStats) SetLogger(logf func(format string, v ...interface{})) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.logf = logf
}

// AddPacket counts one received datagram.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

// AddDropped counts one discarded datagram.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedCount++
}

// AddCells counts mask values written to the waterfall.
func (ps *PacketStats) AddCells(count int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.cellCount += int64(count)
}

// GetAndReset returns current stats and resets counters
func (ps *PacketStats) GetAndReset() (packets, bytes, dropped, cells int64, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.clock.Now()
	duration = now.Sub(ps.lastReset)
	packets, bytes, dropped, cells = ps.packetCount, ps.byteCount, ps.droppedCount, ps.cellCount

	ps.packetCount = 0
	ps.byteCount = 0
	ps.droppedCount = 0
	ps.cellCount = 0
	ps.lastReset = now
	return
}

// LogStats logs rates since the previous call. streams is the number of
// registered chime streams, or 0 for the single-stream modes.
func (ps *PacketStats) LogStats(streams int) {
	packets, bytes, dropped, cells, duration := ps.GetAndReset()
	if packets == 0 && dropped == 0 {
		return
	}
	secs := duration.Seconds()
	if secs <= 0 {
		secs = 1
	}

	msg := fmt.Sprintf("RFI stats (/sec): %.2f MB, %.1f packets, %s cells",
		float64(bytes)/secs/(1024*1024), float64(packets)/secs, FormatWithCommas(int64(float64(cells)/secs)))
	if streams > 0 {
		msg += fmt.Sprintf(", from %d streams", streams)
	}
	if dropped > 0 {
		msg += fmt.Sprintf(", %d dropped", dropped)
	}

	ps.mu.Lock()
	logf := ps.logf
	ps.mu.Unlock()
	logf("%s", msg)
}

// FormatWithCommas formats a number with thousands separators
func FormatWithCommas(n int64) string {
	if n < 0 {
		return "-" + FormatWithCommas(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := make([]byte, 0, len(str)+len(str)/3)
	for i := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, str[i])
	}
	return string(result)
}
