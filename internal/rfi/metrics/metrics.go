// Package metrics exposes receiver, window and query counters to Prometheus
// and keeps the per-interval packet statistics the receivers log.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Drop reasons used as the "reason" label of PacketsDropped.
const (
	ReasonSize     = "size"            // datagram length did not match the mode
	ReasonHeader   = "header"          // header failed validation
	ReasonRejected = "stream_rejected" // stream was refused earlier
	ReasonWindow   = "out_of_window"   // every cell fell outside the window
)

// Metrics contains the receiver's Prometheus collectors.
type Metrics struct {
	PacketsReceived *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec
	BytesReceived   prometheus.Counter
	CellsWritten    prometheus.Counter
	CellsDropped    prometheus.Counter
	WindowRolls     prometheus.Counter
	WindowResets    prometheus.Counter
	Streams         *prometheus.GaugeVec
	QueryCommands   *prometheus.CounterVec
	QueryConns      prometheus.Counter
	ForwardDropped  prometheus.Counter
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		PacketsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rfi",
				Subsystem: "receiver",
				Name:      "packets_received_total",
				Help:      "Datagrams read from the UDP sockets",
			},
			[]string{"port"},
		),
		PacketsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rfi",
				Subsystem: "receiver",
				Name:      "packets_dropped_total",
				Help:      "Datagrams discarded before reaching the waterfall",
			},
			[]string{"reason"},
		),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfi",
			Subsystem: "receiver",
			Name:      "bytes_received_total",
			Help:      "Bytes read from the UDP sockets",
		}),
		CellsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfi",
			Subsystem: "waterfall",
			Name:      "cells_written_total",
			Help:      "Mask values stored in the waterfall",
		}),
		CellsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfi",
			Subsystem: "waterfall",
			Name:      "cells_dropped_total",
			Help:      "Mask values older than the window or addressed to a missing row",
		}),
		WindowRolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfi",
			Subsystem: "waterfall",
			Name:      "rolls_total",
			Help:      "Partial rolls of the time window",
		}),
		WindowResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfi",
			Subsystem: "waterfall",
			Name:      "resets_total",
			Help:      "Full resets after a gap wider than the window",
		}),
		Streams: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "rfi",
				Subsystem: "streams",
				Name:      "known",
				Help:      "Chime streams seen, by state",
			},
			[]string{"state"},
		),
		QueryCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rfi",
				Subsystem: "query",
				Name:      "commands_total",
				Help:      "Commands received on the query socket",
			},
			[]string{"command"},
		),
		QueryConns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfi",
			Subsystem: "query",
			Name:      "connections_total",
			Help:      "Query connections accepted",
		}),
		ForwardDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfi",
			Subsystem: "forwarder",
			Name:      "dropped_total",
			Help:      "Datagrams not mirrored because the forward queue was full",
		}),
	}
}

// Collectors returns every collector in m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PacketsReceived, m.PacketsDropped, m.BytesReceived,
		m.CellsWritten, m.CellsDropped, m.WindowRolls, m.WindowResets,
		m.Streams, m.QueryCommands, m.QueryConns, m.ForwardDropped,
	}
}

// Register registers m with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry creates a registry holding m plus Go runtime and process
// collectors.
func NewRegistry(m *Metrics) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, nil
}
