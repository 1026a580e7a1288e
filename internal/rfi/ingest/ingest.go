// Package ingest turns decoded RFI datagrams into waterfall writes.
//
// An Ingestor owns everything one receiver process shares between its UDP
// workers: the mode and instrument parameters, the waterfall buffer, the
// chime stream registry and the side channels (statistics, metrics and the
// event journal). Handle is safe to call from several goroutines.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/rfi.receiver/internal/journal"
	"github.com/banshee-data/rfi.receiver/internal/monitoring"
	"github.com/banshee-data/rfi.receiver/internal/rfi/metrics"
	"github.com/banshee-data/rfi.receiver/internal/rfi/protocol"
	"github.com/banshee-data/rfi.receiver/internal/rfi/stream"
	"github.com/banshee-data/rfi.receiver/internal/rfi/waterfall"
	"github.com/banshee-data/rfi.receiver/internal/timeutil"
)

// ErrOutOfWindow is returned when every cell of a datagram fell outside the
// waterfall window.
var ErrOutOfWindow = errors.New("packet outside waterfall window")

// Journal receives session and stream events. *journal.Journal implements it.
type Journal interface {
	RecordSession(journal.Session)
	RecordStream(journal.Stream)
}

// Config wires an Ingestor. Mode, Params and Buffer are required.
type Config struct {
	Mode    protocol.Mode
	Params  protocol.Params
	Buffer  *waterfall.Buffer
	Stats   *metrics.PacketStats
	Metrics *metrics.Metrics
	Journal Journal
	Clock   timeutil.Clock
}

// Ingestor applies datagrams to the waterfall.
type Ingestor struct {
	mode     protocol.Mode
	params   protocol.Params
	buf      *waterfall.Buffer
	registry *stream.Registry
	stats    *metrics.PacketStats
	metrics  *metrics.Metrics
	journal  Journal
	clock    timeutil.Clock
	logf     func(format string, v ...interface{})

	// vdif header mismatches already logged, keyed by message.
	vdifMu     sync.Mutex
	vdifLogged map[string]struct{}
}

// New creates an Ingestor.
func New(cfg Config) (*Ingestor, error) {
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("ingest: invalid mode %v", cfg.Mode)
	}
	if cfg.Buffer == nil {
		return nil, errors.New("ingest: nil waterfall buffer")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	stats := cfg.Stats
	if stats == nil {
		stats = metrics.NewPacketStats(clock)
	}

	in := &Ingestor{
		mode:       cfg.Mode,
		params:     cfg.Params,
		buf:        cfg.Buffer,
		stats:      stats,
		metrics:    cfg.Metrics,
		journal:    cfg.Journal,
		clock:      clock,
		logf:       monitoring.Prefixed(cfg.Mode.String()),
		vdifLogged: make(map[string]struct{}),
	}
	if cfg.Mode == protocol.Chime {
		in.registry = stream.NewRegistry(cfg.Params)
	}
	return in, nil
}

// Mode returns the active wire variant.
func (in *Ingestor) Mode() protocol.Mode { return in.mode }

// PacketSize returns the exact datagram length accepted.
func (in *Ingestor) PacketSize() int { return in.mode.PacketSize(in.params) }

// Buffer returns the shared waterfall.
func (in *Ingestor) Buffer() *waterfall.Buffer { return in.buf }

// Registry returns the chime stream registry, or nil in other modes.
func (in *Ingestor) Registry() *stream.Registry { return in.registry }

// Stats returns the per-interval packet statistics.
func (in *Ingestor) Stats() *metrics.PacketStats { return in.stats }

// Handle decodes one datagram and applies it to the waterfall. A non-nil
// error means the datagram was dropped; the drop has already been counted.
func (in *Ingestor) Handle(pkt []byte) error {
	decoded, err := in.mode.Decode(in.params, pkt)
	if err != nil {
		in.drop(metrics.ReasonSize)
		return err
	}

	var writes []waterfall.Write
	switch p := decoded.(type) {
	case *protocol.PathfinderPacket:
		writes = pathfinderWrites(p)
	case *protocol.ChimePacket:
		id, err := in.resolve(p.Header)
		if err != nil {
			return err
		}
		writes = []waterfall.Write{{Seq: p.Header.FPGASeq, Rows: id.Bins, Values: p.Masks}}
	case *protocol.VDIFPacket:
		if err := protocol.ValidateVDIFHeader(p.Header, in.params); err != nil {
			in.drop(metrics.ReasonHeader)
			in.logVDIFMismatch(err)
			return err
		}
		writes = []waterfall.Write{{Seq: int64(p.Header.Seq), Values: p.Masks}}
	}

	out := in.buf.Apply(writes...)
	in.record(out)
	if out.Written == 0 && out.Dropped > 0 {
		in.drop(metrics.ReasonWindow)
		return fmt.Errorf("%w: seq %d-%d, window starts at %d",
			ErrOutOfWindow, decoded.MinSeq(), decoded.MaxSeq(), out.MinSeq)
	}
	return nil
}

// pathfinderWrites makes one single-cell write per record. Row and value
// slices share two backing arrays.
func pathfinderWrites(p *protocol.PathfinderPacket) []waterfall.Write {
	n := len(p.Records)
	rows := make([]int, n)
	values := make([]float32, n)
	writes := make([]waterfall.Write, n)
	for i, r := range p.Records {
		rows[i] = int(r.Bin)
		values[i] = r.Mask
		writes[i] = waterfall.Write{Seq: r.Seq, Rows: rows[i : i+1], Values: values[i : i+1]}
	}
	return writes
}

// resolve looks up the chime stream, logging and journaling the first
// decision about each stream.
func (in *Ingestor) resolve(h protocol.ChimeHeader) (*stream.Identity, error) {
	id, created, err := in.registry.Resolve(h)
	switch {
	case errors.Is(err, stream.ErrStreamRejected):
		in.drop(metrics.ReasonRejected)
		return nil, err
	case err != nil:
		in.drop(metrics.ReasonHeader)
		in.logf("rejecting stream 0x%04x: %v", h.EncodedStreamID, err)
		in.recordStream(stream.NewIdentity(h.EncodedStreamID, 1), journal.StatusRejected, err.Error())
		in.updateStreamGauges()
		return nil, err
	}

	if created {
		in.logf("registered %s, bin %d (%.2f MHz)", id, id.Bins[0], id.Freqs[0])
		in.recordStream(id, journal.StatusRegistered, "")
		in.updateStreamGauges()
	}
	return id, nil
}

func (in *Ingestor) logVDIFMismatch(err error) {
	msg := err.Error()
	in.vdifMu.Lock()
	_, seen := in.vdifLogged[msg]
	if !seen {
		in.vdifLogged[msg] = struct{}{}
	}
	in.vdifMu.Unlock()
	if !seen {
		in.logf("dropping packets: %v", err)
	}
}

func (in *Ingestor) drop(reason string) {
	in.stats.AddDropped()
	if in.metrics != nil {
		in.metrics.PacketsDropped.WithLabelValues(reason).Inc()
	}
}

// record publishes the outcome of one Apply.
func (in *Ingestor) record(out waterfall.Outcome) {
	in.stats.AddCells(out.Written)
	if in.metrics != nil {
		in.metrics.CellsWritten.Add(float64(out.Written))
		in.metrics.CellsDropped.Add(float64(out.Dropped))
		if out.Rolled > 0 {
			in.metrics.WindowRolls.Inc()
		}
		if out.Reset {
			in.metrics.WindowResets.Inc()
		}
	}

	if !out.Anchored {
		return
	}
	reason := journal.ReasonAnchor
	if out.Reset {
		reason = journal.ReasonReset
		in.logf("gap wider than the window, reset at seq %d (session %s)", out.MinSeq, out.Session)
	} else {
		in.logf("waterfall anchored at seq %d (session %s)", out.MinSeq, out.Session)
	}
	if in.journal != nil {
		in.journal.RecordSession(journal.Session{
			ID:        out.Session,
			Mode:      in.mode.String(),
			Reason:    reason,
			MinSeq:    out.MinSeq,
			StartedAt: out.TMin,
		})
	}
}

func (in *Ingestor) recordStream(id *stream.Identity, status, reason string) {
	if in.journal == nil {
		return
	}
	s := journal.Stream{
		EncodedID: id.EncodedID,
		Crate:     id.Crate,
		Slot:      id.SlotID,
		Link:      id.LinkID,
		Unused:    id.Unused,
		Status:    status,
		Reason:    reason,
		SeenAt:    in.clock.Now().UTC(),
	}
	if len(id.Bins) > 0 {
		s.Bin = id.Bins[0]
		s.FreqMHz = id.Freqs[0]
	}
	in.journal.RecordStream(s)
}

func (in *Ingestor) updateStreamGauges() {
	if in.metrics == nil {
		return
	}
	in.metrics.Streams.WithLabelValues(journal.StatusRegistered).Set(float64(in.registry.Len()))
	in.metrics.Streams.WithLabelValues(journal.StatusRejected).Set(float64(len(in.registry.Rejected())))
}

// StreamCount returns the number of registered chime streams.
func (in *Ingestor) StreamCount() int {
	if in.registry == nil {
		return 0
	}
	return in.registry.Len()
}

// RunStats logs packet statistics every interval until ctx is cancelled.
// A first report follows shortly after startup.
func (in *Ingestor) RunStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	first := in.clock.NewTicker(2 * time.Second)
	select {
	case <-ctx.Done():
		first.Stop()
		return
	case <-first.C():
		first.Stop()
		in.stats.LogStats(in.StreamCount())
	}

	ticker := in.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			in.stats.LogStats(in.StreamCount())
		}
	}
}
