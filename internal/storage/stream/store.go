// Package stream implements the columnar store behind the replay memory.
//
// A Store keeps one slice per sample field plus a global index column.
// Rows are only ever added at the end (Append) and dropped from the
// front (Trim); both touch every column in one step so row i of every
// column always describes the same sample.
//
// Trimmed rows are not copied away immediately. The store keeps a dead
// prefix and compacts the columns in place once the prefix outgrows the
// live rows, so a steady append/trim cycle costs amortised O(1) per row.
//
// A Store is not safe for concurrent use; the owning memory serialises
// access.
package stream

import (
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// Row is one sample decomposed into its stored fields.
// For disk-backed variants Frame carries only the dimensions; the
// pixels live in a blob addressed by the row index.
type Row struct {
	Action  []float32
	Scalars []float32
	Frame   types.Frame
	Done    bool
	Reward  float32
	Info    types.Info
}

// Store is an append-only, front-trimmed structure of arrays.
type Store struct {
	// Columns in storage order. Live rows are col[off:].
	index   []int64
	action  [][]float32
	scalars [][]float32
	frame   []types.Frame
	done    []bool
	reward  []float32
	info    []types.Info

	off       int
	nextIndex int64

	// Statistics
	appended    atomic.Int64
	trimmed     atomic.Int64
	compactions atomic.Int64
}

// New creates an empty store whose first row will get index base.
func New(base int64) *Store {
	return &Store{nextIndex: base}
}

// NewWithCapacity preallocates room for capacity rows.
func NewWithCapacity(base int64, capacity int) *Store {
	if capacity < 0 {
		capacity = 0
	}
	return &Store{
		index:     make([]int64, 0, capacity),
		action:    make([][]float32, 0, capacity),
		scalars:   make([][]float32, 0, capacity),
		frame:     make([]types.Frame, 0, capacity),
		done:      make([]bool, 0, capacity),
		reward:    make([]float32, 0, capacity),
		info:      make([]types.Info, 0, capacity),
		nextIndex: base,
	}
}

// Append adds rows at the end and returns the index given to rows[0].
// Indices continue from the last stored index without gaps, whether or
// not earlier rows were trimmed.
func (s *Store) Append(rows []Row) (int64, error) {
	first := s.nextIndex
	if len(rows) == 0 {
		return first, nil
	}

	for i, r := range rows {
		s.index = append(s.index, first+int64(i))
		s.action = append(s.action, r.Action)
		s.scalars = append(s.scalars, r.Scalars)
		s.frame = append(s.frame, r.Frame)
		s.done = append(s.done, r.Done)
		s.reward = append(s.reward, r.Reward)
		s.info = append(s.info, r.Info)
	}
	s.nextIndex = first + int64(len(rows))
	s.appended.Add(int64(len(rows)))

	return first, s.CheckAlignment()
}

// Trim drops the n oldest rows from every column.
// n outside [0, RowCount()] is rejected and nothing changes.
func (s *Store) Trim(n int) error {
	live := s.RowCount()
	if n < 0 || n > live {
		return fmt.Errorf("trim %d of %d rows: %w", n, live, errors.ErrIndexOutOfRange)
	}
	if n == 0 {
		return nil
	}

	// Clear for GC
	end := s.off + n
	clear(s.action[s.off:end])
	clear(s.scalars[s.off:end])
	clear(s.frame[s.off:end])
	clear(s.info[s.off:end])

	s.off = end
	s.trimmed.Add(int64(n))

	if s.off > s.RowCount() {
		s.compact()
	}
	return nil
}

func (s *Store) compact() {
	s.index = compactColumn(s.index, s.off)
	s.action = compactColumn(s.action, s.off)
	s.scalars = compactColumn(s.scalars, s.off)
	s.frame = compactColumn(s.frame, s.off)
	s.done = compactColumn(s.done, s.off)
	s.reward = compactColumn(s.reward, s.off)
	s.info = compactColumn(s.info, s.off)
	s.off = 0
	s.compactions.Add(1)
}

func compactColumn[T any](col []T, off int) []T {
	n := copy(col, col[off:])
	clear(col[n:])
	return col[:n]
}

// Reset drops every row. The next row gets index base.
func (s *Store) Reset(base int64) {
	s.index = nil
	s.action = nil
	s.scalars = nil
	s.frame = nil
	s.done = nil
	s.reward = nil
	s.info = nil
	s.off = 0
	s.nextIndex = base
}

// RowCount returns the number of live rows.
func (s *Store) RowCount() int {
	return len(s.index) - s.off
}

// FirstIndex returns the global index of the oldest live row.
func (s *Store) FirstIndex() (int64, bool) {
	if s.RowCount() == 0 {
		return 0, false
	}
	return s.index[s.off], true
}

// LastIndex returns the global index of the newest live row.
func (s *Store) LastIndex() (int64, bool) {
	if s.RowCount() == 0 {
		return 0, false
	}
	return s.index[len(s.index)-1], true
}

// NextIndex returns the index the next appended row will get.
func (s *Store) NextIndex() int64 {
	return s.nextIndex
}

// CheckAlignment verifies every column has the same length as the index.
func (s *Store) CheckAlignment() error {
	want := len(s.index)
	cols := []struct {
		name string
		n    int
	}{
		{"action", len(s.action)},
		{"scalars", len(s.scalars)},
		{"frame", len(s.frame)},
		{"done", len(s.done)},
		{"reward", len(s.reward)},
		{"info", len(s.info)},
	}
	for _, c := range cols {
		if c.n != want {
			return errors.NewMisaligned(c.name, c.n, want)
		}
	}
	if s.off > want {
		return errors.NewMisaligned("offset", s.off, want)
	}
	return nil
}

// =============================================================================
// Column readers. Positions are relative to the oldest live row.
// =============================================================================

// Index returns the global index of row i.
func (s *Store) Index(i int) int64 { return s.index[s.off+i] }

// Action returns the prior action of row i.
func (s *Store) Action(i int) []float32 { return s.action[s.off+i] }

// Scalars returns the base scalar fields of row i.
func (s *Store) Scalars(i int) []float32 { return s.scalars[s.off+i] }

// Frame returns the stored frame of row i.
func (s *Store) Frame(i int) types.Frame { return s.frame[s.off+i] }

// Reward returns the reward of row i.
func (s *Store) Reward(i int) float32 { return s.reward[s.off+i] }

// Done returns the terminal flag of row i.
func (s *Store) Done(i int) bool { return s.done[s.off+i] }

// Info returns the info map of row i.
func (s *Store) Info(i int) types.Info { return s.info[s.off+i] }

// Actions returns the actions of rows [lo, hi) as a fresh outer slice.
func (s *Store) Actions(lo, hi int) [][]float32 {
	out := make([][]float32, hi-lo)
	copy(out, s.action[s.off+lo:s.off+hi])
	return out
}

// Frames returns the frames of rows [lo, hi) as a fresh slice.
func (s *Store) Frames(lo, hi int) []types.Frame {
	out := make([]types.Frame, hi-lo)
	copy(out, s.frame[s.off+lo:s.off+hi])
	return out
}

// Indices returns the global indices of rows [lo, hi).
func (s *Store) Indices(lo, hi int) []int64 {
	out := make([]int64, hi-lo)
	copy(out, s.index[s.off+lo:s.off+hi])
	return out
}

// Row returns row i.
func (s *Store) Row(i int) Row {
	j := s.off + i
	return Row{
		Action:  s.action[j],
		Scalars: s.scalars[j],
		Frame:   s.frame[j],
		Done:    s.done[j],
		Reward:  s.reward[j],
		Info:    s.info[j],
	}
}

// All iterates live rows oldest first with their global index.
func (s *Store) All() iter.Seq2[int64, Row] {
	return func(yield func(int64, Row) bool) {
		for i := range s.RowCount() {
			if !yield(s.Index(i), s.Row(i)) {
				return
			}
		}
	}
}

// Restore replaces the contents with rows whose first index is first.
// Used when loading a checkpoint; the rows are taken as gapless.
func (s *Store) Restore(first int64, rows []Row) error {
	s.Reset(first)
	if _, err := s.Append(rows); err != nil {
		return err
	}
	// Restored rows were counted when first ingested.
	s.appended.Store(0)
	return nil
}

// Stats holds store statistics.
type Stats struct {
	Rows        int
	FirstIndex  int64
	NextIndex   int64
	DeadPrefix  int
	Appended    int64
	Trimmed     int64
	Compactions int64
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	first, _ := s.FirstIndex()
	return Stats{
		Rows:        s.RowCount(),
		FirstIndex:  first,
		NextIndex:   s.nextIndex,
		DeadPrefix:  s.off,
		Appended:    s.appended.Load(),
		Trimmed:     s.trimmed.Load(),
		Compactions: s.compactions.Load(),
	}
}
