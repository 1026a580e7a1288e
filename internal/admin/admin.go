// Package admin mounts the receiver's debug pages and Prometheus endpoint.
package admin

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rfi.receiver/internal/httputil"
	"github.com/banshee-data/rfi.receiver/internal/journal"
	"github.com/banshee-data/rfi.receiver/internal/rfi/protocol"
	"github.com/banshee-data/rfi.receiver/internal/rfi/stream"
	"github.com/banshee-data/rfi.receiver/internal/rfi/waterfall"
	"github.com/banshee-data/rfi.receiver/internal/version"
)

// Config lists what the admin pages expose. Registry and Journal may be nil.
type Config struct {
	Mode     protocol.Mode
	Buffer   *waterfall.Buffer
	Registry *stream.Registry
	Journal  *journal.Journal
	Gatherer prometheus.Gatherer
}

// StreamInfo is one row of the streams page.
type StreamInfo struct {
	EncodedID string  `json:"encoded_id"`
	Crate     uint8   `json:"crate"`
	Slot      uint8   `json:"slot"`
	Link      uint8   `json:"link"`
	Unused    uint8   `json:"unused"`
	Bin       int     `json:"bin"`
	FreqMHz   float64 `json:"freq_mhz"`
	Error     string  `json:"error,omitempty"`
}

// CoverageInfo is the coverage page body.
type CoverageInfo struct {
	waterfall.Coverage
	Threshold float64 `json:"threshold"`
	Flagged   int     `json:"flagged"`
	TMin      string  `json:"t_min"`
}

// AttachRoutes registers /debug/ pages on mux and, when a gatherer is set,
// /metrics.
func AttachRoutes(mux *http.ServeMux, cfg Config) error {
	if cfg.Buffer == nil {
		return errors.New("admin: nil waterfall buffer")
	}
	debug := tsweb.Debugger(mux)

	debug.KV("Version", version.String())
	debug.KV("Mode", cfg.Mode.String())
	debug.KV("Waterfall", fmt.Sprintf("%d channels x %d columns, %d seq/column",
		cfg.Buffer.Height(), cfg.Buffer.Width(), cfg.Buffer.Step()))
	debug.KVFunc("Window start", func() any {
		w := cfg.Buffer.Window()
		if !w.Anchored {
			return "not anchored"
		}
		return fmt.Sprintf("seq %d at %s", w.MinSeq, waterfall.FormatTime(w.TMin))
	})

	debug.HandleFunc("window", "Waterfall anchor state (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, cfg.Buffer.Window())
	})

	debug.HandleFunc("coverage", "Written cells and mean mask (JSON, ?threshold=0.5)", func(w http.ResponseWriter, r *http.Request) {
		threshold := 0.5
		if s := r.URL.Query().Get("threshold"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				httputil.BadRequest(w, "threshold must be a number")
				return
			}
			threshold = v
		}
		snap := cfg.Buffer.Snapshot()
		httputil.WriteJSONOK(w, CoverageInfo{
			Coverage:  snap.Coverage(),
			Threshold: threshold,
			Flagged:   snap.Flagged(threshold),
			TMin:      snap.TimeString(),
		})
	})

	debug.HandleSilentFunc("waterfall.bin", func(w http.ResponseWriter, r *http.Request) {
		snap := cfg.Buffer.Snapshot()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(snap.Size()))
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=waterfall-%d.bin", time.Now().Unix()))
		snap.WriteTo(w)
	})
	debug.URL("/debug/waterfall.bin", "Download the waterfall matrix (float64 LE, row-major)")

	if cfg.Registry != nil {
		reg := cfg.Registry
		debug.KVFunc("Streams", func() any {
			return fmt.Sprintf("%d registered, %d rejected", reg.Len(), len(reg.Rejected()))
		})
		debug.HandleFunc("streams", "Registered and rejected chime streams (JSON)", func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteJSONOK(w, streamInfos(reg))
		})
	}

	if cfg.Journal != nil {
		if err := attachJournal(debug, cfg.Journal); err != nil {
			return err
		}
	}

	if cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
		debug.URL("/metrics", "Prometheus metrics")
	}
	return nil
}

func streamInfos(reg *stream.Registry) map[string][]StreamInfo {
	out := map[string][]StreamInfo{
		"registered": {},
		"rejected":   {},
	}
	for _, id := range reg.Streams() {
		out["registered"] = append(out["registered"], identityInfo(id))
	}
	for _, rej := range reg.Rejected() {
		info := identityInfo(stream.NewIdentity(rej.EncodedID, 1))
		info.Error = rej.Err.Error()
		out["rejected"] = append(out["rejected"], info)
	}
	return out
}

func identityInfo(id *stream.Identity) StreamInfo {
	info := StreamInfo{
		EncodedID: fmt.Sprintf("0x%04x", id.EncodedID),
		Crate:     id.Crate,
		Slot:      id.SlotID,
		Link:      id.LinkID,
		Unused:    id.Unused,
	}
	if len(id.Bins) > 0 {
		info.Bin = id.Bins[0]
		info.FreqMHz = id.Freqs[0]
	}
	return info
}

func attachJournal(debug *tsweb.DebugHandler, j *journal.Journal) error {
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+j.Path(), j.DB(), &tailsql.DBOptions{
		Label: "RFI journal",
	})
	debug.Handle("tailsql/", "SQL live debugging of the event journal", tsql.NewMux())
	debug.KVFunc("Journal queue drops", func() any { return j.Dropped() })

	debug.HandleFunc("sessions", "Recent waterfall sessions (JSON, ?limit=50)", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				httputil.BadRequest(w, "limit must be a positive integer")
				return
			}
			limit = v
		}
		sessions, err := j.Sessions(r.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if sessions == nil {
			sessions = []journal.Session{}
		}
		httputil.WriteJSONOK(w, sessions)
	})

	debug.HandleFunc("journal-streams", "Journaled stream registrations and rejections (JSON)", func(w http.ResponseWriter, r *http.Request) {
		streams, err := j.Streams(r.Context())
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if streams == nil {
			streams = []journal.Stream{}
		}
		httputil.WriteJSONOK(w, streams)
	})
	return nil
}
