// Package network moves RFI datagrams from UDP sockets, or from a packet
// capture, into an ingest handler.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/rfi.receiver/internal/monitoring"
	"github.com/banshee-data/rfi.receiver/internal/rfi/metrics"
)

// readPoll bounds each blocking read so cancellation is noticed promptly.
const readPoll = 100 * time.Millisecond

// Handler consumes datagrams. *ingest.Ingestor implements it.
type Handler interface {
	Handle(pkt []byte) error
	PacketSize() int
}

// PacketStatsInterface provides packet statistics management
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddDropped()
}

// ReceiverConfig contains configuration options for a Receiver.
type ReceiverConfig struct {
	Address       string
	RcvBuf        int
	Handler       Handler
	Stats         PacketStatsInterface
	Metrics       *metrics.Metrics
	Forwarder     *PacketForwarder
	SocketFactory UDPSocketFactory
}

// Receiver reads datagrams from one UDP port.
type Receiver struct {
	address   string
	port      string
	rcvBuf    int
	handler   Handler
	stats     PacketStatsInterface
	metrics   *metrics.Metrics
	forwarder *PacketForwarder
	factory   UDPSocketFactory
	logf      func(format string, v ...interface{})

	mu   sync.Mutex
	conn UDPSocket
}

// NewReceiver creates a Receiver. Start binds the socket.
func NewReceiver(config ReceiverConfig) *Receiver {
	var stats PacketStatsInterface = noopStats{}
	if config.Stats != nil {
		stats = config.Stats
	}
	factory := config.SocketFactory
	if factory == nil {
		factory = NewRealUDPSocketFactory()
	}
	_, port, err := net.SplitHostPort(config.Address)
	if err != nil {
		port = config.Address
	}

	return &Receiver{
		address:   config.Address,
		port:      port,
		rcvBuf:    config.RcvBuf,
		handler:   config.Handler,
		stats:     stats,
		metrics:   config.Metrics,
		forwarder: config.Forwarder,
		factory:   factory,
		logf:      monitoring.Prefixed("udp " + port),
	}
}

type noopStats struct{}

func (noopStats) AddPacket(int) {}
func (noopStats) AddDropped()   {}

// Start listens and hands datagrams to the handler until ctx is cancelled
// or the socket fails. It returns ctx.Err() on cancellation.
func (r *Receiver) Start(ctx context.Context) error {
	if r.handler == nil {
		return errors.New("receiver has no handler")
	}
	addr, err := net.ResolveUDPAddr("udp", r.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := r.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address %s: %w", r.address, err)
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	defer conn.Close()

	if r.rcvBuf > 0 {
		if err := conn.SetReadBuffer(r.rcvBuf); err != nil {
			r.logf("Warning: failed to set UDP receive buffer size to %d: %v", r.rcvBuf, err)
		}
	}

	expected := r.handler.PacketSize()
	// One spare KiB so oversized datagrams show up as a wrong length
	// instead of being silently truncated to the expected size.
	buffer := make([]byte, expected+1024)
	r.logf("listening on %s for %d-byte datagrams", conn.LocalAddr(), expected)

	for {
		select {
		case <-ctx.Done():
			r.logf("stopping: %v", ctx.Err())
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readPoll))
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			r.logf("read error: %v", err)
			continue
		}
		r.handlePacket(buffer[:n])
	}
}

// handlePacket counts, forwards and ingests one datagram. Drops are counted
// by the handler.
func (r *Receiver) handlePacket(packet []byte) {
	r.stats.AddPacket(len(packet))
	if r.metrics != nil {
		r.metrics.PacketsReceived.WithLabelValues(r.port).Inc()
		r.metrics.BytesReceived.Add(float64(len(packet)))
	}
	if r.forwarder != nil {
		r.forwarder.ForwardAsync(packet)
	}
	_ = r.handler.Handle(packet)
}

// LocalAddr returns the bound address once Start has bound the socket.
func (r *Receiver) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Close closes the socket, ending Start.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// StartAll runs one Receiver per address with cfg as the template. It
// returns when every receiver has stopped; the first failure cancels the
// others.
func StartAll(ctx context.Context, addrs []string, cfg ReceiverConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		c := cfg
		c.Address = addr
		rcv := NewReceiver(c)
		g.Go(func() error {
			err := rcv.Start(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
