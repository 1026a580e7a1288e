package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/rfi.receiver/internal/monitoring"
	"github.com/banshee-data/rfi.receiver/internal/rfi/metrics"
)

// ReplayConfig configures ReadPCAPFile.
type ReplayConfig struct {
	Path string
	// Ports keeps only UDP payloads addressed to these destination ports.
	// Empty keeps every UDP payload.
	Ports []int
	// SpeedMultiplier paces replay against capture timestamps (1.0 =
	// real time, 2.0 = twice as fast). Zero replays as fast as possible.
	SpeedMultiplier float64

	Handler   Handler
	Stats     PacketStatsInterface
	Metrics   *metrics.Metrics
	Forwarder *PacketForwarder
}

// packetReader is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

func openCapture(f *os.File) (packetReader, error) {
	r, err := pcapgo.NewReader(f)
	if err == nil {
		return r, nil
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return nil, serr
	}
	ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if ngErr != nil {
		return nil, fmt.Errorf("not a pcap (%v) or pcapng (%v) file", err, ngErr)
	}
	return ng, nil
}

// ReadPCAPFile feeds the UDP payloads of a capture file (pcap or pcapng)
// to the handler, as if they had arrived on a live socket. It returns nil
// at end of file.
func ReadPCAPFile(ctx context.Context, cfg ReplayConfig) error {
	if cfg.Handler == nil {
		return errors.New("pcap replay has no handler")
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", cfg.Path, err)
	}
	defer f.Close()

	src, err := openCapture(f)
	if err != nil {
		return fmt.Errorf("failed to read PCAP file %s: %w", cfg.Path, err)
	}

	ports := make(map[layers.UDPPort]bool, len(cfg.Ports))
	for _, p := range cfg.Ports {
		ports[layers.UDPPort(p)] = true
	}

	rcv := NewReceiver(ReceiverConfig{
		Address:   "pcap",
		Handler:   cfg.Handler,
		Stats:     cfg.Stats,
		Metrics:   cfg.Metrics,
		Forwarder: cfg.Forwarder,
	})
	logf := monitoring.Prefixed("pcap")
	logf("replaying %s (link type %s, speed %.1fx)", cfg.Path, src.LinkType(), cfg.SpeedMultiplier)

	var (
		packetCount, udpCount int
		startTime             = time.Now()
		firstCapture          time.Time
	)
	for {
		if err := ctx.Err(); err != nil {
			logf("stopping due to context cancellation (processed %d packets)", packetCount)
			return err
		}

		data, ci, err := src.ReadPacketData()
		if err == io.EOF {
			logf("replay complete: %d packets, %d RFI datagrams in %v", packetCount, udpCount, time.Since(startTime))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet %d: %w", packetCount+1, err)
		}
		packetCount++

		packet := gopacket.NewPacket(data, src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if len(ports) > 0 && !ports[udp.DstPort] {
			continue
		}

		if cfg.SpeedMultiplier > 0 {
			if firstCapture.IsZero() {
				firstCapture = ci.Timestamp
			}
			due := time.Duration(float64(ci.Timestamp.Sub(firstCapture)) / cfg.SpeedMultiplier)
			if wait := due - time.Since(startTime); wait > 0 {
				if err := sleepCtx(ctx, wait); err != nil {
					return err
				}
			}
		}

		udpCount++
		rcv.handlePacket(udp.Payload)

		if udpCount%10000 == 0 {
			elapsed := time.Since(startTime)
			logf("progress: %d datagrams in %v (%.0f pkt/s)", udpCount, elapsed, float64(udpCount)/elapsed.Seconds())
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
