// Package journal records waterfall sessions and chime stream decisions in
// a SQLite database so they can be inspected after the fact.
//
// Records are queued without blocking the receive path and written by a
// single goroutine running Run. When the queue is full, records are
// dropped and counted.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/rfi.receiver/internal/monitoring"
)

const (
	queueSize  = 256
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Session reasons.
const (
	ReasonAnchor = "anchor"
	ReasonReset  = "reset"
)

// Stream statuses.
const (
	StatusRegistered = "registered"
	StatusRejected   = "rejected"
)

// Session is one anchoring of the waterfall window.
type Session struct {
	ID        uuid.UUID `json:"id"`
	Mode      string    `json:"mode"`
	Reason    string    `json:"reason"`
	MinSeq    int64     `json:"min_seq"`
	StartedAt time.Time `json:"started_at"`
}

// Stream is the first-sighting decision for one chime stream.
type Stream struct {
	EncodedID uint16    `json:"encoded_id"`
	Crate     uint8     `json:"crate"`
	Slot      uint8     `json:"slot"`
	Link      uint8     `json:"link"`
	Unused    uint8     `json:"unused"`
	Bin       int       `json:"bin"`
	FreqMHz   float64   `json:"freq_mhz"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	SeenAt    time.Time `json:"seen_at"`
}

type record struct {
	session *Session
	stream  *Stream
}

// Journal is the event database.
type Journal struct {
	db      *sql.DB
	path    string
	records chan record
	dropped atomic.Uint64
	logf    func(format string, v ...interface{})
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	j := &Journal{
		db:      db,
		path:    path,
		records: make(chan record, queueSize),
		logf:    monitoring.Prefixed("journal"),
	}
	if err := j.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// DB returns the underlying handle, for read-only consoles.
func (j *Journal) DB() *sql.DB { return j.db }

// Path returns the database path.
func (j *Journal) Path() string { return j.path }

// Dropped returns how many records were discarded because the queue was full.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// Close closes the database. Run must have returned.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordSession queues s without blocking.
func (j *Journal) RecordSession(s Session) {
	j.enqueue(record{session: &s})
}

// RecordStream queues s without blocking.
func (j *Journal) RecordStream(s Stream) {
	j.enqueue(record{stream: &s})
}

func (j *Journal) enqueue(r record) {
	select {
	case j.records <- r:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.logf("queue full, dropped %d records", n)
		}
	}
}

// Run writes queued records until ctx is cancelled, then writes whatever
// is still queued and returns.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case r := <-j.records:
			j.write(r)
		case <-ctx.Done():
			for {
				select {
				case r := <-j.records:
					j.write(r)
				default:
					return nil
				}
			}
		}
	}
}

func (j *Journal) write(r record) {
	var err error
	switch {
	case r.session != nil:
		err = j.InsertSession(*r.session)
	case r.stream != nil:
		err = j.UpsertStream(*r.stream)
	}
	if err != nil {
		j.logf("write failed: %v", err)
	}
}

// InsertSession writes s immediately.
func (j *Journal) InsertSession(s Session) error {
	_, err := j.db.Exec(
		`INSERT INTO sessions (session_id, mode, reason, min_seq, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.ID.String(), s.Mode, s.Reason, s.MinSeq, s.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

// UpsertStream writes s immediately, replacing any earlier row for the
// same stream.
func (j *Journal) UpsertStream(s Stream) error {
	_, err := j.db.Exec(
		`INSERT INTO streams (encoded_id, crate, slot, link, unused, bin, freq_mhz, status, reason, seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(encoded_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			seen_at = excluded.seen_at`,
		int(s.EncodedID), int(s.Crate), int(s.Slot), int(s.Link), int(s.Unused),
		s.Bin, s.FreqMHz, s.Status, s.Reason, s.SeenAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert stream 0x%04x: %w", s.EncodedID, err)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT session_id, mode, reason, min_seq, started_at
		 FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s         Session
			id, start string
		)
		if err := rows.Scan(&id, &s.Mode, &s.Reason, &s.MinSeq, &start); err != nil {
			return nil, err
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("session id %q: %w", id, err)
		}
		if s.StartedAt, err = time.Parse(timeLayout, start); err != nil {
			return nil, fmt.Errorf("session %s start: %w", id, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Streams returns every journaled stream ordered by encoded ID.
func (j *Journal) Streams(ctx context.Context) ([]Stream, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT encoded_id, crate, slot, link, unused, bin, freq_mhz, status, reason, seen_at
		 FROM streams ORDER BY encoded_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		var (
			s                             Stream
			id, crate, slot, link, unused int
			seen                          string
		)
		if err := rows.Scan(&id, &crate, &slot, &link, &unused, &s.Bin, &s.FreqMHz, &s.Status, &s.Reason, &seen); err != nil {
			return nil, err
		}
		s.EncodedID = uint16(id)
		s.Crate, s.Slot, s.Link, s.Unused = uint8(crate), uint8(slot), uint8(link), uint8(unused)
		if s.SeenAt, err = time.Parse(timeLayout, seen); err != nil {
			return nil, fmt.Errorf("stream 0x%04x seen_at: %w", id, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
