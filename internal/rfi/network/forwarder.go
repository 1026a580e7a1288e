package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/rfi.receiver/internal/monitoring"
	"github.com/banshee-data/rfi.receiver/internal/rfi/metrics"
)

const forwardQueue = 1000

// PacketForwarder mirrors raw datagrams to another address without blocking
// the receive path.
type PacketForwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	metrics     *metrics.Metrics
	logInterval time.Duration
	address     string
	logf        func(format string, v ...interface{})
}

// NewPacketForwarder creates a forwarder sending to address (host:port).
func NewPacketForwarder(address string, m *metrics.Metrics, logInterval time.Duration) (*PacketForwarder, error) {
	forwardUDPAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, forwardUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}

	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, forwardQueue),
		metrics:     m,
		logInterval: logInterval,
		address:     address,
		logf:        monitoring.Prefixed("forward"),
	}, nil
}

// Start launches the sending goroutine. It stops when ctx is cancelled.
// Send errors are summarised once per log interval.
func (f *PacketForwarder) Start(ctx context.Context) {
	go func() {
		droppedCount := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case packet := <-f.channel:
				if _, err := f.conn.Write(packet); err != nil {
					droppedCount++
					lastError = err
				}
			case <-ticker.C:
				if droppedCount > 0 && lastError != nil {
					f.logf("dropped %d forwarded packets due to errors (latest: %v)", droppedCount, lastError)
					droppedCount = 0
					lastError = nil
				}
			}
		}
	}()

	f.logf("forwarding packets to %s", f.address)
}

// ForwardAsync queues a copy of packet. When the queue is full the packet
// is dropped and counted.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case f.channel <- packetCopy:
	default:
		if f.metrics != nil {
			f.metrics.ForwardDropped.Inc()
		}
	}
}

// Address returns the destination.
func (f *PacketForwarder) Address() string { return f.address }

// Close closes the UDP connection. Call it after the Start goroutine's
// context is cancelled.
func (f *PacketForwarder) Close() error {
	return f.conn.Close()
}
