// Package waterfall holds the sliding time window of RFI mask values.
//
// The window is a height × width matrix (frequency channels × time columns).
// Column 0 starts at sequence number MinSeq and wall-clock time TMin; each
// column spans Step sequence counts. Writes past the right edge roll the
// window forward by at least an eighth of its width, discarding the oldest
// columns; a gap wider than the whole window clears it and re-anchors.
// Writes older than the left edge are dropped.
//
// Every mutation and every snapshot runs under a single mutex, so readers
// never observe a half-rolled matrix.
package waterfall

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/rfi.receiver/internal/timeutil"
)

// Sentinel marks a cell that has not been written since the last anchor.
const Sentinel = -1.0

// Config sizes a Buffer.
type Config struct {
	Width  int // time columns
	Height int // frequency channels

	// Step is the number of sequence counts one column spans.
	Step int64
	// ColumnSeconds is the wall-clock span of one column.
	ColumnSeconds float64

	Clock timeutil.Clock
}

// Write is one column update. Rows and Values are paired by index; a nil
// Rows slice addresses rows 0..len(Values)-1 (a full column).
type Write struct {
	Seq    int64
	Rows   []int
	Values []float32
}

// Outcome summarises what Apply did with a batch.
type Outcome struct {
	Anchored bool // the window was (re)anchored by this batch
	Reset    bool // the window was cleared because of a gap wider than itself
	Rolled   int  // columns shifted out by a partial roll
	Written  int  // cells written
	Dropped  int  // cells dropped: older than the window or row out of range

	// Anchor state after the batch.
	Session uuid.UUID
	MinSeq  int64
	TMin    time.Time
}

// Buffer is the shared waterfall matrix and its time anchor.
type Buffer struct {
	width, height int
	step          int64
	colSeconds    float64
	clock         timeutil.Clock

	mu       sync.Mutex
	m        *mat.Dense
	anchored bool
	minSeq   int64
	maxSeq   int64
	tMin     time.Time
	session  uuid.UUID

	// rollHook runs mid-roll with the lock held. Tests use it to widen the
	// window in which a concurrent reader could observe a torn roll.
	rollHook func()
}

// New allocates a buffer with every cell set to Sentinel. Until the first
// write anchors it, TMin reports the creation time.
func New(cfg Config) (*Buffer, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("waterfall size must be positive, got %dx%d", cfg.Height, cfg.Width)
	}
	if cfg.Step <= 0 {
		return nil, fmt.Errorf("waterfall step must be positive, got %d", cfg.Step)
	}
	if cfg.Step > math.MaxInt64/int64(cfg.Width) {
		return nil, fmt.Errorf("waterfall span of %d columns x %d seq overflows int64", cfg.Width, cfg.Step)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	b := &Buffer{
		width:      cfg.Width,
		height:     cfg.Height,
		step:       cfg.Step,
		colSeconds: cfg.ColumnSeconds,
		clock:      clock,
		m:          mat.NewDense(cfg.Height, cfg.Width, nil),
		tMin:       clock.Now().UTC(),
	}
	b.clear()
	return b, nil
}

// Width returns the number of time columns.
func (b *Buffer) Width() int { return b.width }

// Height returns the number of frequency channels.
func (b *Buffer) Height() int { return b.height }

// Step returns the number of sequence counts per column.
func (b *Buffer) Step() int64 { return b.step }

// Apply writes a batch of column updates atomically.
//
// The first batch ever applied anchors the window at its smallest sequence
// number. If the batch's largest sequence number lies past the window, the
// window rolls (or resets) once to cover it before any cell is written.
func (b *Buffer) Apply(writes ...Write) Outcome {
	var out Outcome
	if len(writes) == 0 {
		return out
	}

	lo, hi := writes[0].Seq, writes[0].Seq
	for _, w := range writes[1:] {
		if w.Seq < lo {
			lo = w.Seq
		}
		if w.Seq > hi {
			hi = w.Seq
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.anchored {
		b.anchor(lo)
		out.Anchored = true
	}
	if hi > b.maxSeq {
		shifted, reset := b.roll(hi)
		out.Rolled = shifted
		if reset {
			out.Reset = true
			out.Anchored = true
		}
	}

	for _, w := range writes {
		written, dropped := b.write(w)
		out.Written += written
		out.Dropped += dropped
	}
	out.Session = b.session
	out.MinSeq = b.minSeq
	out.TMin = b.tMin
	return out
}

// anchor places seq at column 0. Near the top of the int64 range maxSeq
// saturates instead of wrapping. Caller holds mu.
func (b *Buffer) anchor(seq int64) {
	b.anchored = true
	b.minSeq = seq
	b.maxSeq = addSat(seq, int64(b.width-1)*b.step)
	b.tMin = b.clock.Now().UTC()
	b.session = uuid.New()
}

// roll advances the window so that seq (> maxSeq) lies inside it. It
// returns the number of columns shifted, or reset=true if the whole window
// was stale. Caller holds mu.
func (b *Buffer) roll(seq int64) (shifted int, reset bool) {
	// A non-positive deficit means seq - maxSeq overflowed: the gap is
	// wider than any window.
	deficit := seq - b.maxSeq
	if deficit <= 0 || deficit > int64(b.width)*b.step {
		b.clear()
		b.anchor(seq)
		return 0, true
	}

	shift := (deficit-1)/b.step + 1
	if minShift := int64(b.width / 8); shift < minShift {
		shift = minShift
	}
	if shift >= int64(b.width) {
		b.clear()
		b.anchor(seq)
		return 0, true
	}

	n := int(shift)
	raw := b.m.RawMatrix()
	for r := 0; r < b.height; r++ {
		row := raw.Data[r*raw.Stride : r*raw.Stride+b.width]
		copy(row, row[n:])
		for c := b.width - n; c < b.width; c++ {
			row[c] = Sentinel
		}
	}

	if b.rollHook != nil {
		b.rollHook()
	}

	b.minSeq = addSat(b.minSeq, shift*b.step)
	b.maxSeq = addSat(b.maxSeq, shift*b.step)
	b.tMin = b.tMin.Add(time.Duration(float64(shift) * b.colSeconds * float64(time.Second)))
	return n, false
}

// write stores one Write. Caller holds mu.
func (b *Buffer) write(w Write) (written, dropped int) {
	n := len(w.Values)
	if w.Rows != nil && len(w.Rows) < n {
		n = len(w.Rows)
	}
	if w.Seq < b.minSeq || w.Seq > b.maxSeq {
		return 0, n
	}
	d := w.Seq - b.minSeq
	if d < 0 || d/b.step >= int64(b.width) {
		return 0, n
	}
	col := int(d / b.step)

	for i := 0; i < n; i++ {
		row := i
		if w.Rows != nil {
			row = w.Rows[i]
		}
		if row < 0 || row >= b.height {
			dropped++
			continue
		}
		b.m.Set(row, col, float64(w.Values[i]))
		written++
	}
	return written, dropped
}

// addSat returns a+d for d >= 0, clamped at math.MaxInt64.
func addSat(a, d int64) int64 {
	if a > math.MaxInt64-d {
		return math.MaxInt64
	}
	return a + d
}

// clear sets every cell to Sentinel. Caller holds mu or owns b exclusively.
func (b *Buffer) clear() {
	raw := b.m.RawMatrix()
	for r := 0; r < b.height; r++ {
		row := raw.Data[r*raw.Stride : r*raw.Stride+b.width]
		for c := range row {
			row[c] = Sentinel
		}
	}
}

// Snapshot returns a deep copy of the matrix and its anchor.
func (b *Buffer) Snapshot() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return &Snapshot{
		Data:     mat.DenseCopyOf(b.m),
		TMin:     b.tMin,
		MinSeq:   b.minSeq,
		MaxSeq:   b.maxSeq,
		Step:     b.step,
		Anchored: b.anchored,
		Session:  b.session,
	}
}

// Window describes the current anchor without copying the matrix.
type Window struct {
	Anchored bool      `json:"anchored"`
	MinSeq   int64     `json:"min_seq"`
	MaxSeq   int64     `json:"max_seq"`
	TMin     time.Time `json:"t_min"`
	Session  string    `json:"session,omitempty"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Step     int64     `json:"step"`
}

// Window returns the current anchor state.
func (b *Buffer) Window() Window {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := Window{
		Anchored: b.anchored,
		MinSeq:   b.minSeq,
		MaxSeq:   b.maxSeq,
		TMin:     b.tMin,
		Width:    b.width,
		Height:   b.height,
		Step:     b.step,
	}
	if b.anchored {
		w.Session = b.session.String()
	}
	return w
}
