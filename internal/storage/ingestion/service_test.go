package ingestion

import (
	"context"
	"os"
	"testing"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/config"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/imagestore"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/memory"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/wal"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/window"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Ingestion.WAL.SyncMode = "sync"
	return cfg
}

func newMemory(t *testing.T, size int) *memory.Memory {
	t.Helper()
	m, err := memory.New(memory.Options{
		MemorySize: size,
		BatchSize:  4,
		NbSteps:    1,
		Layout:     window.Layout{ImgsObs: 4, ActBufLen: 1},
		Variant:    types.VariantLidar,
	})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	return m
}

func lidarBuffer(start, n int) types.Buffer {
	buf := types.NewBuffer(n)
	for i := range n {
		v := float32(start + i)
		buf.Add(types.Sample{
			PriorAction: []float32{v, v},
			Obs:         types.LidarObs{Speed: v, Lidar: []float32{v}},
			Reward:      v,
		})
	}
	return *buf
}

func TestService_New(t *testing.T) {
	cfg := testConfig(t)

	svc, err := New(cfg, newMemory(t, 100), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	if svc.wal == nil {
		t.Error("expected WAL writer when enabled")
	}
	if svc.gc != nil {
		t.Error("lidar memory must not get a frame collector")
	}
	if _, err := os.Stat(cfg.WALDir()); err != nil {
		t.Errorf("WAL dir not created: %v", err)
	}
}

func TestService_Ingest(t *testing.T) {
	svc, err := New(testConfig(t), newMemory(t, 100), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	n, err := svc.Ingest(context.Background(), lidarBuffer(0, 30))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 30 {
		t.Errorf("expected 30 samples added, got %d", n)
	}

	stats := svc.Stats()
	if stats.BuffersReceived != 1 {
		t.Errorf("expected 1 buffer, got %d", stats.BuffersReceived)
	}
	if stats.SamplesIngested != 30 {
		t.Errorf("expected 30 samples ingested, got %d", stats.SamplesIngested)
	}
	if stats.MemoryRows != 30 {
		t.Errorf("expected 30 memory rows, got %d", stats.MemoryRows)
	}
	if stats.WALBytesWritten == 0 {
		t.Error("expected WAL bytes written")
	}
}

func TestService_IngestEmpty(t *testing.T) {
	svc, err := New(testConfig(t), newMemory(t, 100), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	n, err := svc.Ingest(context.Background(), types.Buffer{})
	if err != nil || n != 0 {
		t.Errorf("empty buffer: got %d, %v", n, err)
	}
	if svc.Stats().BuffersReceived != 0 {
		t.Error("empty buffer must not count as received")
	}
}

func TestService_RejectsMismatchedBuffers(t *testing.T) {
	mem := newMemory(t, 100)
	svc, err := New(testConfig(t), mem, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	if _, err := svc.Ingest(context.Background(), lidarBuffer(0, 10)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Wrong variant: dropped before the WAL.
	bad := types.NewBuffer(2)
	bad.Add(types.Sample{PriorAction: []float32{1, 1}, Obs: types.TelemetryObs{}})
	bad.Add(types.Sample{PriorAction: []float32{1, 1}, Obs: types.TelemetryObs{}})
	before := svc.Stats().WALBytesWritten

	n, err := svc.Ingest(context.Background(), *bad)
	if err != nil {
		t.Fatalf("variant mismatch must not be an error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 samples added, got %d", n)
	}
	if svc.Stats().WALBytesWritten != before {
		t.Error("rejected buffer reached the WAL")
	}

	// Wrong action width: rejected by the memory.
	wide := types.NewBuffer(1)
	wide.Add(types.Sample{PriorAction: []float32{1, 2, 3}, Obs: types.LidarObs{Lidar: []float32{0}}})
	if n, err := svc.Ingest(context.Background(), *wide); err != nil || n != 0 {
		t.Errorf("action width change: got %d, %v", n, err)
	}

	stats := svc.Stats()
	if stats.SamplesRejected != 3 {
		t.Errorf("expected 3 rejected samples, got %d", stats.SamplesRejected)
	}
	if mem.RowCount() != 10 {
		t.Errorf("expected memory untouched at 10 rows, got %d", mem.RowCount())
	}
}

func TestService_ReplayAfterCrash(t *testing.T) {
	cfg := testConfig(t)

	svc, err := New(cfg, newMemory(t, 1000), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := range 5 {
		if _, err := svc.Ingest(context.Background(), lidarBuffer(i*20, 20)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Restart with an empty memory, as after a crash without checkpoint.
	mem := newMemory(t, 1000)
	svc2, err := New(cfg, mem, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc2.Close()

	added, err := svc2.Replay(context.Background(), 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if added != 100 {
		t.Errorf("expected 100 replayed samples, got %d", added)
	}
	if mem.RowCount() != 100 {
		t.Errorf("expected 100 rows, got %d", mem.RowCount())
	}

	tr, err := mem.Transition(0)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if tr.Reward != 4 {
		t.Errorf("expected reward 4 at item 0, got %v", tr.Reward)
	}

	// Replay does not log again.
	if svc2.Stats().WALBytesWritten != 0 {
		t.Error("replayed buffers were written to the WAL")
	}
}

func TestService_CheckpointTruncatesWAL(t *testing.T) {
	cfg := testConfig(t)

	svc, err := New(cfg, newMemory(t, 1000), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	if _, err := svc.Ingest(context.Background(), lidarBuffer(0, 10)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	seq, err := svc.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := svc.Checkpointed(seq); err != nil {
		t.Fatalf("Checkpointed: %v", err)
	}

	if _, err := svc.Ingest(context.Background(), lidarBuffer(10, 5)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := svc.wal.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	paths, err := wal.SegmentsFrom(cfg.WALDir(), 0)
	if err != nil {
		t.Fatalf("SegmentsFrom: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected only the current segment, got %v", paths)
	}

	bufs, err := wal.ReadSegment(paths[0], svc.Codec())
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(bufs) != 1 || bufs[0].Len() != 5 {
		t.Errorf("expected one buffer of 5 samples after the checkpoint, got %d buffers", len(bufs))
	}
}

func TestService_WALDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingestion.WAL.Enabled = false

	svc, err := New(cfg, newMemory(t, 100), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	if _, err := svc.Ingest(context.Background(), lidarBuffer(0, 10)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if added, err := svc.Replay(context.Background(), 0); err != nil || added != 0 {
		t.Errorf("Replay without WAL: %d, %v", added, err)
	}
	if seq, err := svc.Rotate(); err != nil || seq != 0 {
		t.Errorf("Rotate without WAL: %d, %v", seq, err)
	}
	if _, err := os.Stat(cfg.WALDir()); !os.IsNotExist(err) {
		t.Error("WAL dir created although disabled")
	}
}

func TestService_SweepsEvictedFrames(t *testing.T) {
	cfg := testConfig(t)
	cfg.Variant = "image"

	frames, err := imagestore.Open(cfg.FramesDir(), 1)
	if err != nil {
		t.Fatalf("imagestore.Open: %v", err)
	}
	defer frames.Close()

	mem, err := memory.New(memory.Options{
		MemorySize: 20,
		BatchSize:  4,
		NbSteps:    1,
		Layout:     window.Layout{ImgsObs: 4, ActBufLen: 1},
		Variant:    types.VariantImage,
		Frames:     frames,
	})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	svc, err := New(cfg, mem, frames)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	for start := 0; start < 50; start += 10 {
		buf := types.NewBuffer(10)
		for i := range 10 {
			buf.Add(types.Sample{
				PriorAction: []float32{1},
				Obs: types.ImageObs{
					Speed:  float32(start + i),
					Image:  []byte{byte(start + i), 1, 2, 3},
					Width:  2,
					Height: 2,
				},
			})
		}
		if _, err := svc.Ingest(context.Background(), *buf); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	blobs, err := frames.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(blobs) != 20 {
		t.Errorf("expected 20 live blobs, got %d", len(blobs))
	}
	if blobs[0].Index != 30 {
		t.Errorf("expected first blob 30, got %d", blobs[0].Index)
	}
	if svc.Stats().BlobsDeleted != 30 {
		t.Errorf("expected 30 deleted blobs, got %d", svc.Stats().BlobsDeleted)
	}
}

func TestService_Closed(t *testing.T) {
	svc, err := New(testConfig(t), newMemory(t, 100), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := svc.Ingest(context.Background(), lidarBuffer(0, 1)); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
