// Command rfi-receiver collects RFI mask datagrams into a waterfall and
// serves it to plotting clients over TCP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/rfi.receiver/internal/admin"
	"github.com/banshee-data/rfi.receiver/internal/config"
	"github.com/banshee-data/rfi.receiver/internal/journal"
	"github.com/banshee-data/rfi.receiver/internal/monitoring"
	"github.com/banshee-data/rfi.receiver/internal/rfi/ingest"
	"github.com/banshee-data/rfi.receiver/internal/rfi/metrics"
	"github.com/banshee-data/rfi.receiver/internal/rfi/network"
	"github.com/banshee-data/rfi.receiver/internal/rfi/query"
	"github.com/banshee-data/rfi.receiver/internal/rfi/waterfall"
	"github.com/banshee-data/rfi.receiver/internal/timeutil"
	"github.com/banshee-data/rfi.receiver/internal/version"
)

var (
	configFile  = flag.String("config", "", "Config file (.yaml, .json or .toml)")
	mode        = flag.String("mode", "", "Datagram format: pathfinder, chime or vdif (overrides config)")
	receive     = flag.String("receive", "", "UDP bind address of the first receiver (overrides config)")
	send        = flag.String("send", "", "TCP bind address for waterfall queries (overrides config)")
	threads     = flag.Int("threads", 0, "Number of consecutive UDP ports to listen on (overrides config)")
	iface       = flag.String("iface", "", "Interface to join multicast receive groups on")
	pcapFile    = flag.String("pcap", "", "Replay UDP payloads from a pcap/pcapng file instead of listening")
	pcapSpeed   = flag.Float64("pcap-speed", 1.0, "PCAP replay speed multiplier (0 = as fast as possible)")
	forward     = flag.String("forward", "", "Mirror received datagrams to this UDP address")
	adminListen = flag.String("admin-listen", "localhost:8081", "HTTP address for /debug/ and /metrics (empty disables)")
	journalPath = flag.String("journal", "", "SQLite file recording waterfall sessions and streams (empty disables)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// overrides holds the command-line values that replace config settings.
type overrides struct {
	mode    string
	receive string
	send    string
	threads int
}

func flagOverrides() overrides {
	return overrides{mode: *mode, receive: *receive, send: *send, threads: *threads}
}

// loadConfig reads path (if any), applies o and validates the result.
func loadConfig(path string, o overrides) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if o.mode != "" {
		cfg.Mode = o.mode
	}
	if o.receive != "" {
		cfg.Receive = o.receive
	}
	if o.send != "" {
		cfg.Send = o.send
	}
	if o.threads > 0 {
		cfg.NumReceiveThreads = o.threads
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configFile, flagOverrides())
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("rfi-receiver: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// run wires every component and blocks until ctx is cancelled or one of
// them fails.
func run(ctx context.Context, cfg *config.Config) error {
	protoMode, err := cfg.ProtocolMode()
	if err != nil {
		return err
	}
	params := cfg.Params()

	m := metrics.New()
	reg, err := metrics.NewRegistry(m)
	if err != nil {
		return err
	}

	buf, err := waterfall.New(waterfall.Config{
		Width:         cfg.WaterfallX,
		Height:        cfg.WaterfallY,
		Step:          protoMode.SeqPerColumn(params),
		ColumnSeconds: protoMode.ColumnSeconds(params),
	})
	if err != nil {
		return err
	}

	var (
		j  *journal.Journal
		jr ingest.Journal
	)
	if *journalPath != "" {
		j, err = journal.Open(*journalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		jr = j
	}

	stats := metrics.NewPacketStats(timeutil.RealClock{})
	in, err := ingest.New(ingest.Config{
		Mode:    protoMode,
		Params:  params,
		Buffer:  buf,
		Stats:   stats,
		Metrics: m,
		Journal: jr,
	})
	if err != nil {
		return err
	}
	log.Printf("%s mode: %d-byte datagrams, waterfall %d x %d, %d seq/column",
		protoMode, in.PacketSize(), cfg.WaterfallY, cfg.WaterfallX, buf.Step())

	g, ctx := errgroup.WithContext(ctx)

	var fwd *network.PacketForwarder
	if *forward != "" {
		fwd, err = network.NewPacketForwarder(*forward, m, cfg.LogInterval)
		if err != nil {
			return err
		}
		defer fwd.Close()
		fwd.Start(ctx)
		log.Printf("forwarding datagrams to %s", fwd.Address())
	}

	if j != nil {
		g.Go(func() error { return j.Run(ctx) })
	}

	g.Go(func() error {
		in.RunStats(ctx, cfg.LogInterval)
		return nil
	})

	srv := query.New(query.Config{
		Address:     cfg.Send,
		Source:      buf,
		Compression: cfg.QueryCompression,
		Metrics:     m,
	})
	if err := srv.Listen(); err != nil {
		return err
	}
	log.Printf("serving waterfall queries on %s", srv.Addr())
	g.Go(func() error { return srv.Serve(ctx) })

	if *adminListen != "" {
		mux := http.NewServeMux()
		if err := admin.AttachRoutes(mux, admin.Config{
			Mode:     protoMode,
			Buffer:   buf,
			Registry: in.Registry(),
			Journal:  j,
			Gatherer: reg,
		}); err != nil {
			return err
		}
		g.Go(func() error { return serveHTTP(ctx, *adminListen, mux) })
	}

	addrs, err := cfg.ReceiveAddrs()
	if err != nil {
		return err
	}
	if *pcapFile != "" {
		ports, err := receivePorts(addrs)
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := network.ReadPCAPFile(ctx, network.ReplayConfig{
				Path:            *pcapFile,
				Ports:           ports,
				SpeedMultiplier: *pcapSpeed,
				Handler:         in,
				Stats:           stats,
				Metrics:         m,
				Forwarder:       fwd,
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err == nil {
				// Keep serving the replayed waterfall until shutdown.
				log.Printf("replay of %s finished", *pcapFile)
			}
			return err
		})
	} else {
		factory := network.NewRealUDPSocketFactory()
		if *iface != "" {
			ifi, err := net.InterfaceByName(*iface)
			if err != nil {
				return fmt.Errorf("interface %q: %w", *iface, err)
			}
			factory.Interface = ifi
		}
		log.Printf("listening for %s datagrams on %v", protoMode, addrs)
		g.Go(func() error {
			return network.StartAll(ctx, addrs, network.ReceiverConfig{
				RcvBuf:        cfg.RcvBuf,
				Handler:       in,
				Stats:         stats,
				Metrics:       m,
				Forwarder:     fwd,
				SocketFactory: factory,
			})
		})
	}

	return g.Wait()
}

// receivePorts extracts the port of each receive address.
func receivePorts(addrs []string) ([]int, error) {
	ports := make([]int, 0, len(addrs))
	for _, addr := range addrs {
		_, p, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q", addr)
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// serveHTTP runs an HTTP server on addr until ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("admin HTTP server listening on %s", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin HTTP server: %w", err)
	case <-ctx.Done():
	}

	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	return nil
}
