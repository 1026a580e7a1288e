// Package query serves waterfall snapshots over TCP.
//
// Clients send single-byte commands and read the reply:
//
//	W  the matrix, height×width float64 little-endian, row-major
//	T  the time of column 0 as DD-MM-YYYYTHH:MM:SS:ffffff (UTC)
//	Z  (when compression is enabled) a 4-byte little-endian length
//	   followed by an LZ4 frame of the W payload
//
// Any other byte closes the connection. One client is served at a time;
// others wait in the listen backlog.
package query

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/banshee-data/rfi.receiver/internal/monitoring"
	"github.com/banshee-data/rfi.receiver/internal/rfi/metrics"
	"github.com/banshee-data/rfi.receiver/internal/rfi/waterfall"
)

// Commands.
const (
	CmdWaterfall  = 'W'
	CmdTime       = 'T'
	CmdCompressed = 'Z'
)

// Source provides snapshots. *waterfall.Buffer implements it.
type Source interface {
	Snapshot() *waterfall.Snapshot
}

// Config configures a Server.
type Config struct {
	Address     string
	Source      Source
	Compression bool
	Metrics     *metrics.Metrics
}

// Server is the query listener.
type Server struct {
	address     string
	source      Source
	compression bool
	metrics     *metrics.Metrics
	logf        func(format string, v ...interface{})

	mu     sync.Mutex
	ln     net.Listener
	active net.Conn
}

// New creates a Server. Listen or ListenAndServe binds it.
func New(cfg Config) *Server {
	return &Server{
		address:     cfg.Address,
		source:      cfg.Source,
		compression: cfg.Compression,
		metrics:     cfg.Metrics,
		logf:        monitoring.Prefixed("query"),
	}
}

// Listen binds the TCP address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logf("listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections one at a time until ctx is cancelled, which
// closes the listener and any active connection. It returns nil on
// cancellation.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("query server is not listening")
	}
	if s.source == nil {
		return errors.New("query server has no snapshot source")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			ln.Close()
			if s.active != nil {
				s.active.Close()
			}
			s.mu.Unlock()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logf("accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		s.active = conn
		s.mu.Unlock()

		s.serveConn(conn)

		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}
}

// serveConn answers commands until the client sends an unknown byte,
// disconnects, or a write fails.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	if s.metrics != nil {
		s.metrics.QueryConns.Inc()
	}
	remote := conn.RemoteAddr()
	s.logf("client %s connected", remote)

	r := bufio.NewReader(conn)
	for {
		cmd, err := r.ReadByte()
		if err != nil {
			if err != io.EOF {
				s.logf("client %s read error: %v", remote, err)
			}
			s.logf("client %s disconnected", remote)
			return
		}

		if err := s.handle(conn, cmd); err != nil {
			s.logf("client %s: %v", remote, err)
			return
		}
	}
}

var errUnknownCommand = errors.New("unknown command")

func (s *Server) handle(w io.Writer, cmd byte) error {
	label := string(rune(cmd))
	switch {
	case cmd == CmdWaterfall:
		s.count(label)
		_, err := s.source.Snapshot().WriteTo(w)
		return err
	case cmd == CmdTime:
		s.count(label)
		_, err := io.WriteString(w, s.source.Snapshot().TimeString())
		return err
	case cmd == CmdCompressed && s.compression:
		s.count(label)
		return writeCompressed(w, s.source.Snapshot())
	}
	s.count("other")
	return fmt.Errorf("%w 0x%02x, closing", errUnknownCommand, cmd)
}

func (s *Server) count(label string) {
	if s.metrics != nil {
		s.metrics.QueryCommands.WithLabelValues(label).Inc()
	}
}

// writeCompressed sends the W payload as a length-prefixed LZ4 frame.
func writeCompressed(w io.Writer, snap *waterfall.Snapshot) error {
	var frame bytes.Buffer
	zw := lz4.NewWriter(&frame)
	if _, err := snap.WriteTo(zw); err != nil {
		return fmt.Errorf("compress waterfall: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress waterfall: %w", err)
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(frame.Len()))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := frame.WriteTo(w)
	return err
}
