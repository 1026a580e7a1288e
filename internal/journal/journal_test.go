package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rfi.receiver/internal/monitoring"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpen_Migrates(t *testing.T) {
	j := openTestJournal(t)

	version, dirty, err := j.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Re-running is a no-op.
	assert.NoError(t, j.MigrateUp())
}

func TestRun_WritesQueuedRecords(t *testing.T) {
	j := openTestJournal(t)
	t0 := time.Date(2024, 5, 17, 8, 30, 0, 0, time.UTC)

	first := Session{ID: uuid.New(), Mode: "chime", Reason: ReasonAnchor, MinSeq: 4096, StartedAt: t0}
	second := Session{ID: uuid.New(), Mode: "chime", Reason: ReasonReset, MinSeq: 1 << 30, StartedAt: t0.Add(time.Minute)}
	stream := Stream{
		EncodedID: 0x0021, Slot: 2, Link: 1, Bin: 34, FreqMHz: 786.71875,
		Status: StatusRegistered, SeenAt: t0,
	}

	j.RecordSession(first)
	j.RecordStream(stream)
	j.RecordSession(second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, j.Run(ctx))

	sessions, err := j.Sessions(context.Background(), 10)
	require.NoError(t, err)
	if diff := cmp.Diff([]Session{second, first}, sessions); diff != "" {
		t.Errorf("sessions mismatch (-want +got):\n%s", diff)
	}

	streams, err := j.Streams(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff([]Stream{stream}, streams); diff != "" {
		t.Errorf("streams mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertStream_Replaces(t *testing.T) {
	j := openTestJournal(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s := Stream{EncodedID: 7, Link: 7, Bin: 224, FreqMHz: 712.5, Status: StatusRegistered, SeenAt: t0}
	require.NoError(t, j.UpsertStream(s))

	s.Status = StatusRejected
	s.Reason = "chime header: sk_step is 128, config expects 256"
	s.SeenAt = t0.Add(time.Hour)
	require.NoError(t, j.UpsertStream(s))

	streams, err := j.Streams(context.Background())
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, StatusRejected, streams[0].Status)
	assert.Equal(t, s.Reason, streams[0].Reason)
	assert.True(t, s.SeenAt.Equal(streams[0].SeenAt))
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	j := openTestJournal(t)

	for i := 0; i < queueSize+5; i++ {
		j.RecordSession(Session{ID: uuid.New(), Mode: "vdif", Reason: ReasonAnchor, StartedAt: time.Now()})
	}
	assert.Equal(t, uint64(5), j.Dropped())
}

func TestSessions_Limit(t *testing.T) {
	j := openTestJournal(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, j.InsertSession(Session{
			ID: uuid.New(), Mode: "pathfinder", Reason: ReasonAnchor,
			MinSeq: int64(i), StartedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	sessions, err := j.Sessions(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, int64(4), sessions[0].MinSeq)
	assert.Equal(t, int64(3), sessions[1].MinSeq)
}
