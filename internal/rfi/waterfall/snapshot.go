package waterfall

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Snapshot is an immutable copy of the waterfall taken under the buffer lock.
type Snapshot struct {
	Data     *mat.Dense
	TMin     time.Time
	MinSeq   int64
	MaxSeq   int64
	Step     int64
	Anchored bool
	Session  uuid.UUID
}

// Dims returns (height, width).
func (s *Snapshot) Dims() (height, width int) {
	return s.Data.Dims()
}

// At returns the value at (row, col).
func (s *Snapshot) At(row, col int) float64 {
	return s.Data.At(row, col)
}

// Column returns a copy of one time column.
func (s *Snapshot) Column(col int) []float64 {
	return mat.Col(nil, col, s.Data)
}

// Size returns the length in bytes of the binary export.
func (s *Snapshot) Size() int {
	h, w := s.Dims()
	return h * w * 8
}

// WriteTo writes the matrix row-major as little-endian float64 values with
// no header; clients know the dimensions from configuration.
func (s *Snapshot) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriterSize(w, 64*1024)
	raw := s.Data.RawMatrix()

	var n int64
	var cell [8]byte
	for r := 0; r < raw.Rows; r++ {
		for _, v := range raw.Data[r*raw.Stride : r*raw.Stride+raw.Cols] {
			binary.LittleEndian.PutUint64(cell[:], math.Float64bits(v))
			m, err := bw.Write(cell[:])
			n += int64(m)
			if err != nil {
				return n, err
			}
		}
	}
	return n, bw.Flush()
}

// TimeString formats TMin in UTC as DD-MM-YYYYTHH:MM:SS:ffffff.
func (s *Snapshot) TimeString() string {
	return FormatTime(s.TMin)
}

// FormatTime renders t in UTC as DD-MM-YYYYTHH:MM:SS:ffffff. The fraction is
// separated by a colon, which time.Format layouts cannot express.
func FormatTime(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s:%06d", t.Format("02-01-2006T15:04:05"), t.Nanosecond()/1000)
}

// Coverage summarises how much of the window holds data.
type Coverage struct {
	Cells    int     `json:"cells"`
	Written  int     `json:"written"`
	Fraction float64 `json:"fraction"`
	MeanMask float64 `json:"mean_mask"`
}

// Coverage counts written cells and averages their mask values.
func (s *Snapshot) Coverage() Coverage {
	raw := s.Data.RawMatrix()
	written := make([]float64, 0, raw.Rows*raw.Cols)
	for r := 0; r < raw.Rows; r++ {
		row := raw.Data[r*raw.Stride : r*raw.Stride+raw.Cols]
		for _, v := range row {
			if v != Sentinel {
				written = append(written, v)
			}
		}
	}

	c := Coverage{Cells: raw.Rows * raw.Cols, Written: len(written)}
	if c.Cells > 0 {
		c.Fraction = float64(c.Written) / float64(c.Cells)
	}
	if c.Written > 0 {
		c.MeanMask = floats.Sum(written) / float64(c.Written)
	}
	return c
}

// Flagged returns how many written cells have a mask at or above threshold.
func (s *Snapshot) Flagged(threshold float64) int {
	raw := s.Data.RawMatrix()
	n := 0
	for r := 0; r < raw.Rows; r++ {
		n += floats.Count(func(v float64) bool {
			return v != Sentinel && v >= threshold
		}, raw.Data[r*raw.Stride:r*raw.Stride+raw.Cols])
	}
	return n
}
