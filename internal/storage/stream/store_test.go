package stream

import (
	"testing"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

func rows(n int, start float32) []Row {
	out := make([]Row, n)
	for i := range out {
		v := start + float32(i)
		out[i] = Row{
			Action:  []float32{v},
			Scalars: []float32{v * 10},
			Frame:   types.Frame{Values: []float32{v}},
			Reward:  v,
			Done:    i == n-1,
			Info:    types.Info{"step": int(v)},
		}
	}
	return out
}

func TestStore_Empty(t *testing.T) {
	s := New(0)

	if s.RowCount() != 0 {
		t.Errorf("expected 0 rows, got %d", s.RowCount())
	}
	if _, ok := s.FirstIndex(); ok {
		t.Error("empty store should have no first index")
	}
	if _, ok := s.LastIndex(); ok {
		t.Error("empty store should have no last index")
	}
	if err := s.CheckAlignment(); err != nil {
		t.Errorf("empty store misaligned: %v", err)
	}
}

func TestStore_AppendAssignsGaplessIndices(t *testing.T) {
	s := New(0)

	first, err := s.Append(rows(3, 0))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first != 0 {
		t.Errorf("expected first index 0, got %d", first)
	}

	first, err = s.Append(rows(4, 3))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first != 3 {
		t.Errorf("expected first index 3, got %d", first)
	}

	for i := 0; i < s.RowCount(); i++ {
		if s.Index(i) != int64(i) {
			t.Errorf("row %d has index %d", i, s.Index(i))
		}
		if s.Reward(i) != float32(i) {
			t.Errorf("row %d has reward %v", i, s.Reward(i))
		}
	}
}

func TestStore_TrimKeepsColumnsAligned(t *testing.T) {
	s := New(0)
	if _, err := s.Append(rows(10, 0)); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.Trim(4); err != nil {
		t.Fatalf("trim: %v", err)
	}

	if s.RowCount() != 6 {
		t.Errorf("expected 6 rows, got %d", s.RowCount())
	}
	first, _ := s.FirstIndex()
	if first != 4 {
		t.Errorf("expected first index 4, got %d", first)
	}
	if s.Action(0)[0] != 4 || s.Scalars(0)[0] != 40 || s.Frame(0).Values[0] != 4 {
		t.Errorf("row 0 fields do not belong to sample 4: %+v", s.Row(0))
	}
	if err := s.CheckAlignment(); err != nil {
		t.Errorf("misaligned after trim: %v", err)
	}
}

func TestStore_TrimRejectsBadCounts(t *testing.T) {
	s := New(0)
	if _, err := s.Append(rows(3, 0)); err != nil {
		t.Fatalf("append: %v", err)
	}

	for _, n := range []int{-1, 4} {
		if err := s.Trim(n); !errors.Is(err, errors.ErrIndexOutOfRange) {
			t.Errorf("Trim(%d) = %v, want out of range", n, err)
		}
	}
	if s.RowCount() != 3 {
		t.Errorf("failed trim changed row count to %d", s.RowCount())
	}
}

func TestStore_IndicesNeverReused(t *testing.T) {
	s := New(0)
	if _, err := s.Append(rows(5, 0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Trim(5); err != nil {
		t.Fatalf("trim: %v", err)
	}
	if s.RowCount() != 0 {
		t.Fatalf("expected empty store, got %d rows", s.RowCount())
	}

	first, err := s.Append(rows(1, 5))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first != 5 {
		t.Errorf("index reused after full trim: got %d, want 5", first)
	}
}

func TestStore_CompactionPreservesRows(t *testing.T) {
	s := New(0)

	// Keep a window of 8 rows while pushing 200 through.
	for i := 0; i < 50; i++ {
		if _, err := s.Append(rows(4, float32(i*4))); err != nil {
			t.Fatalf("append: %v", err)
		}
		if over := s.RowCount() - 8; over > 0 {
			if err := s.Trim(over); err != nil {
				t.Fatalf("trim: %v", err)
			}
		}
	}

	stats := s.Stats()
	if stats.Compactions == 0 {
		t.Error("expected at least one compaction")
	}
	if stats.DeadPrefix > stats.Rows {
		t.Errorf("dead prefix %d exceeds live rows %d", stats.DeadPrefix, stats.Rows)
	}
	if stats.Appended != 200 || stats.Trimmed != 192 {
		t.Errorf("appended=%d trimmed=%d", stats.Appended, stats.Trimmed)
	}

	for i := 0; i < s.RowCount(); i++ {
		want := int64(192 + i)
		if s.Index(i) != want || s.Reward(i) != float32(want) {
			t.Errorf("row %d: index=%d reward=%v, want %d", i, s.Index(i), s.Reward(i), want)
		}
	}
}

func TestStore_WindowReadersCopy(t *testing.T) {
	s := New(0)
	if _, err := s.Append(rows(5, 0)); err != nil {
		t.Fatalf("append: %v", err)
	}

	acts := s.Actions(1, 4)
	if len(acts) != 3 || acts[0][0] != 1 || acts[2][0] != 3 {
		t.Errorf("unexpected actions %v", acts)
	}
	acts[0] = nil
	if s.Action(1) == nil {
		t.Error("mutating the returned slice changed the store")
	}

	idx := s.Indices(2, 5)
	if idx[0] != 2 || idx[2] != 4 {
		t.Errorf("unexpected indices %v", idx)
	}
}

func TestStore_RestoreAndAll(t *testing.T) {
	s := New(0)
	if err := s.Restore(40, rows(3, 40)); err != nil {
		t.Fatalf("restore: %v", err)
	}

	var got []int64
	for idx, r := range s.All() {
		got = append(got, idx)
		if r.Reward != float32(idx) {
			t.Errorf("row %d reward %v", idx, r.Reward)
		}
	}
	if len(got) != 3 || got[0] != 40 || got[2] != 42 {
		t.Errorf("unexpected indices %v", got)
	}
	if s.NextIndex() != 43 {
		t.Errorf("expected next index 43, got %d", s.NextIndex())
	}
}
