package query

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pierrec/lz4/v4"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rfi.receiver/internal/monitoring"
	"github.com/banshee-data/rfi.receiver/internal/rfi/metrics"
	"github.com/banshee-data/rfi.receiver/internal/rfi/waterfall"
	"github.com/banshee-data/rfi.receiver/internal/timeutil"
)

const wantTime = "17-05-2024T08:30:15:123456"

func startServer(t *testing.T, compression bool) (*Server, *waterfall.Buffer, *metrics.Metrics) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	clock := timeutil.NewMockClock(time.Date(2024, 5, 17, 8, 30, 15, 123456000, time.UTC))
	buf, err := waterfall.New(waterfall.Config{Width: 4, Height: 2, Step: 1, ColumnSeconds: 1, Clock: clock})
	require.NoError(t, err)
	buf.Apply(waterfall.Write{Seq: 5, Values: []float32{0.5, 1}})

	m := metrics.New()
	srv := New(Config{Address: "127.0.0.1:0", Source: buf, Compression: compression, Metrics: m})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, buf, m
}

func snapshotBytes(t *testing.T, buf *waterfall.Buffer) []byte {
	t.Helper()
	var out bytes.Buffer
	_, err := buf.Snapshot().WriteTo(&out)
	require.NoError(t, err)
	return out.Bytes()
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestServer_WaterfallAndTime(t *testing.T) {
	srv, buf, m := startServer(t, false)
	conn := dial(t, srv)

	_, err := conn.Write([]byte("WT"))
	require.NoError(t, err)

	want := snapshotBytes(t, buf)
	require.Len(t, want, 2*4*8)

	got := make([]byte, len(want))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Cell (1,0) holds the second value of the first column.
	assert.Equal(t, 1.0, float64frombits(got[4*8:5*8]))
	assert.Equal(t, waterfall.Sentinel, float64frombits(got[8:16]))

	ts := make([]byte, len(wantTime))
	_, err = io.ReadFull(conn, ts)
	require.NoError(t, err)
	assert.Equal(t, wantTime, string(ts))

	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(m.QueryCommands.WithLabelValues("T")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.QueryCommands.WithLabelValues("W")))
}

func TestServer_UnknownCommandClosesAndAcceptsNext(t *testing.T) {
	srv, _, m := startServer(t, false)

	first := dial(t, srv)
	_, err := first.Write([]byte("x"))
	require.NoError(t, err)
	_, err = first.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	second := dial(t, srv)
	_, err = second.Write([]byte("T"))
	require.NoError(t, err)
	ts := make([]byte, len(wantTime))
	_, err = io.ReadFull(second, ts)
	require.NoError(t, err)
	assert.Equal(t, wantTime, string(ts))

	assert.Equal(t, 1.0, promtest.ToFloat64(m.QueryCommands.WithLabelValues("other")))
}

func TestServer_OneClientAtATime(t *testing.T) {
	srv, _, _ := startServer(t, false)

	first := dial(t, srv)
	_, err := first.Write([]byte("T"))
	require.NoError(t, err)
	_, err = io.ReadFull(first, make([]byte, len(wantTime)))
	require.NoError(t, err)

	second := dial(t, srv)
	_, err = second.Write([]byte("T"))
	require.NoError(t, err)

	second.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = second.Read(make([]byte, 1))
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout(), "second client must wait for the first")

	first.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	ts := make([]byte, len(wantTime))
	_, err = io.ReadFull(second, ts)
	require.NoError(t, err)
	assert.Equal(t, wantTime, string(ts))
}

func TestServer_Compressed(t *testing.T) {
	srv, buf, _ := startServer(t, true)
	conn := dial(t, srv)

	_, err := conn.Write([]byte("Z"))
	require.NoError(t, err)

	var hdr [4]byte
	_, err = io.ReadFull(conn, hdr[:])
	require.NoError(t, err)
	frame := make([]byte, binary.LittleEndian.Uint32(hdr[:]))
	_, err = io.ReadFull(conn, frame)
	require.NoError(t, err)

	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(frame)))
	require.NoError(t, err)
	assert.Equal(t, snapshotBytes(t, buf), raw)
}

func TestServer_CompressedDisabled(t *testing.T) {
	srv, _, _ := startServer(t, false)
	conn := dial(t, srv)

	_, err := conn.Write([]byte("Z"))
	require.NoError(t, err)
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServe_NotListening(t *testing.T) {
	srv := New(Config{Address: "127.0.0.1:0"})
	assert.Error(t, srv.Serve(context.Background()))
	assert.Nil(t, srv.Addr())
}

func float64frombits(b []byte) float64 {
	var v float64
	_ = binary.Read(bytes.NewReader(b), binary.LittleEndian, &v)
	return v
}
