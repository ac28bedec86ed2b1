package retention

import (
	"strings"
	"sync"
	"testing"

	"github.com/ashwin2k/tmrl-rnn/internal/storage/imagestore"
)

func newBlobs(t *testing.T, indices ...int64) *imagestore.Store {
	t.Helper()
	s, err := imagestore.Open(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	for _, i := range indices {
		if err := s.Put(i, []byte{byte(i), 1, 2, 3}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	return s
}

func remaining(t *testing.T, s *imagestore.Store) []int64 {
	t.Helper()
	blobs, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	out := make([]int64, len(blobs))
	for i, b := range blobs {
		out[i] = b.Index
	}
	return out
}

func TestCollector_Sweep(t *testing.T) {
	blobs := newBlobs(t, 0, 1, 2, 3, 4, 5)
	c := New(blobs, false)

	result, err := c.Sweep(3)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.FilesDeleted != 3 || result.FilesKept != 3 {
		t.Errorf("deleted=%d kept=%d", result.FilesDeleted, result.FilesKept)
	}
	if result.BytesFreed <= 0 {
		t.Error("expected bytes freed")
	}

	got := remaining(t, blobs)
	if len(got) != 3 || got[0] != 3 {
		t.Errorf("remaining blobs %v", got)
	}

	stats := c.Stats()
	if stats.Sweeps != 1 || stats.FilesDeleted != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCollector_DryRun(t *testing.T) {
	blobs := newBlobs(t, 0, 1, 2)
	c := New(blobs, false)

	result, err := c.DryRun(2)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if result.FilesDeleted != 2 {
		t.Errorf("expected 2 candidates, got %d", result.FilesDeleted)
	}
	if got := remaining(t, blobs); len(got) != 3 {
		t.Errorf("dry run deleted files: %v", got)
	}

	dry := New(blobs, true)
	if _, err := dry.Sweep(2); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := remaining(t, blobs); len(got) != 3 {
		t.Errorf("dry-run collector deleted files: %v", got)
	}
}

func TestCollector_NothingToSweep(t *testing.T) {
	blobs := newBlobs(t, 10, 11)
	c := New(blobs, false)

	result, err := c.Sweep(5)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.FilesDeleted != 0 || result.FilesKept != 2 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestCollector_ConcurrentSweeps(t *testing.T) {
	blobs := newBlobs(t, 0, 1, 2, 3, 4, 5, 6, 7)
	c := New(blobs, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Sweep(6); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := remaining(t, blobs); len(got) != 2 {
		t.Errorf("expected 2 blobs left, got %v", got)
	}
}

func TestCollector_DiskUsage(t *testing.T) {
	blobs := newBlobs(t, 1, 2)
	c := New(blobs, false)

	u, err := c.DiskUsage()
	if err != nil {
		t.Fatalf("disk usage: %v", err)
	}
	if u.FileCount != 2 || u.TotalSize <= 0 {
		t.Errorf("usage = %+v", u)
	}
	if !strings.Contains(c.FormatDiskUsage(), "2 files") {
		t.Errorf("format = %q", c.FormatDiskUsage())
	}
}
