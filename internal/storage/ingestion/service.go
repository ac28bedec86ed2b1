// Package ingestion moves received buffers into the replay memory.
//
// Flow: Buffer → validate → WAL → Memory.Append (evict) → frame blob sweep.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/codec"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/config"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/memory"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/retention"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/wal"
)

// Service orchestrates the ingestion pipeline for one memory.
type Service struct {
	mu sync.Mutex

	config *config.Config
	mem    *memory.Memory
	codec  *codec.Codec

	// Optional components
	wal *wal.Writer
	gc  *retention.Collector

	closed atomic.Bool
	stats  Stats
	logger *slog.Logger
}

// Stats holds ingestion statistics.
type Stats struct {
	BuffersReceived atomic.Int64
	SamplesReceived atomic.Int64
	SamplesIngested atomic.Int64
	SamplesRejected atomic.Int64
	SamplesReplayed atomic.Int64
	Errors          atomic.Int64
}

// New creates an ingestion service. blobs is the frame blob store of
// disk-backed variants and may be nil otherwise.
func New(cfg *config.Config, mem *memory.Memory, blobs retention.BlobStore) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	c, err := codec.New(cfg.Images.CompressionLevel, codec.WithMaxFrameSize(cfg.Images.MaxFrameSize))
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}

	s := &Service{
		config: cfg,
		mem:    mem,
		codec:  c,
		logger: logging.Component("ingestion"),
	}

	if cfg.Ingestion.WAL.Enabled {
		walOpts := wal.Options{
			MaxSegmentSize: cfg.Ingestion.WAL.MaxSegmentSize,
			SyncMode:       cfg.Ingestion.WAL.SyncMode,
			SyncInterval:   cfg.Ingestion.WAL.SyncInterval,
		}
		w, err := wal.NewWriter(cfg.WALDir(), c, walOpts)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("create WAL writer: %w", err)
		}
		s.wal = w
	}

	if blobs != nil && mem.Options().Variant.DiskFrames() {
		s.gc = retention.New(blobs, cfg.Images.DryRun)
	}

	return s, nil
}

// Ingest validates buf, logs it to the WAL and appends it to the memory.
// It returns the number of samples added.
//
// A buffer whose samples do not match the configured variant or action
// width is dropped with a warning and contributes nothing; that is not
// an error. Errors are returned for I/O failures and fatal memory
// states.
func (s *Service) Ingest(ctx context.Context, buf types.Buffer) (int, error) {
	if s.closed.Load() {
		return 0, errors.ErrClosed
	}
	if buf.Len() == 0 && len(buf.Episodes) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.BuffersReceived.Add(1)
	s.stats.SamplesReceived.Add(int64(buf.Len()))

	// Cheap shape check before anything reaches the WAL. The memory
	// repeats it with the established action width.
	if err := buf.Validate(s.mem.Options().Variant, 0); err != nil {
		s.reject(buf, err)
		return 0, nil
	}

	if s.wal != nil {
		if err := s.wal.Write(buf); err != nil {
			s.stats.Errors.Add(1)
			return 0, fmt.Errorf("WAL write: %w", err)
		}
	}

	n, err := s.append(ctx, buf)
	if err != nil {
		return 0, err
	}
	s.stats.SamplesIngested.Add(int64(n))
	return n, nil
}

func (s *Service) append(ctx context.Context, buf types.Buffer) (int, error) {
	n, err := s.mem.Append(ctx, buf)
	if err != nil {
		var sampleErr *types.SampleError
		if errors.As(err, &sampleErr) {
			s.reject(buf, err)
			return 0, nil
		}
		s.stats.Errors.Add(1)
		return 0, err
	}

	if n > 0 {
		s.sweep()
	}
	return n, nil
}

func (s *Service) reject(buf types.Buffer, err error) {
	s.stats.SamplesRejected.Add(int64(buf.Len()))
	s.logger.Warn("dropping buffer",
		"samples", buf.Len(),
		"error", err)
}

// sweep removes frame blobs that fell out of the memory. Failures are
// logged; a leftover blob only costs disk space until the next sweep.
func (s *Service) sweep() {
	if s.gc == nil {
		return
	}
	first, ok := s.mem.FirstIndex()
	if !ok {
		return
	}
	if _, err := s.gc.Sweep(first); err != nil {
		s.stats.Errors.Add(1)
		s.logger.Warn("frame sweep failed", "first_live", first, "error", err)
	}
}

// Replay appends every buffer logged in segments with sequence >= fromSeq
// to the memory, without logging them again. It returns the number of
// samples added. The segment currently being written is skipped.
func (s *Service) Replay(ctx context.Context, fromSeq int64) (int64, error) {
	if s.wal == nil {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := wal.SegmentsFrom(s.config.WALDir(), fromSeq)
	if err != nil {
		return 0, fmt.Errorf("list WAL segments: %w", err)
	}
	current := s.wal.CurrentSegment()
	replay := paths[:0]
	for _, p := range paths {
		if p != current {
			replay = append(replay, p)
		}
	}
	if len(replay) == 0 {
		return 0, nil
	}

	var added int64
	st, err := wal.Replay(replay, s.codec, func(buf types.Buffer) error {
		n, err := s.append(ctx, buf)
		added += int64(n)
		return err
	})
	s.stats.SamplesReplayed.Add(added)
	if err != nil {
		return added, fmt.Errorf("replay WAL: %w", err)
	}

	s.logger.Info("replayed WAL",
		"segments", st.Segments,
		"records", st.Records,
		"samples", added,
		"corrupt_records", st.CorruptRecords,
		"torn_tails", st.TornTails)
	return added, nil
}

// Rotate starts a new WAL segment and returns its sequence. Every buffer
// ingested so far is in an older segment. Without a WAL it returns 0.
func (s *Service) Rotate() (int64, error) {
	if s.wal == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Rotate()
}

// Checkpointed deletes the WAL segments older than seq once a checkpoint
// covering them is durable.
func (s *Service) Checkpointed(seq int64) error {
	if s.wal == nil {
		return nil
	}
	deleted, err := s.wal.DeleteSegmentsBefore(seq)
	if err != nil {
		return fmt.Errorf("truncate WAL: %w", err)
	}
	if deleted > 0 {
		s.logger.Debug("truncated WAL", "before", seq, "segments", deleted)
	}
	return nil
}

// Sweep runs a frame blob sweep on demand.
func (s *Service) Sweep() (retention.SweepResult, error) {
	if s.gc == nil {
		return retention.SweepResult{}, nil
	}
	first, ok := s.mem.FirstIndex()
	if !ok {
		first = s.mem.NextIndex()
	}
	return s.gc.Sweep(first)
}

// Close syncs and closes the WAL.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.wal != nil {
		if cerr := s.wal.Close(); cerr != nil {
			err = fmt.Errorf("close WAL: %w", cerr)
		}
	}
	s.codec.Close()
	return err
}

// Codec returns the sample codec shared with the WAL.
func (s *Service) Codec() *codec.Codec {
	return s.codec
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	st := ServiceStats{
		BuffersReceived: s.stats.BuffersReceived.Load(),
		SamplesReceived: s.stats.SamplesReceived.Load(),
		SamplesIngested: s.stats.SamplesIngested.Load(),
		SamplesRejected: s.stats.SamplesRejected.Load(),
		SamplesReplayed: s.stats.SamplesReplayed.Load(),
		Errors:          s.stats.Errors.Load(),
		MemoryRows:      s.mem.RowCount(),
	}
	if s.wal != nil {
		ws := s.wal.Stats()
		st.WALSegments = ws.SegmentsCreated
		st.WALBytesWritten = ws.BytesWritten
	}
	if s.gc != nil {
		gs := s.gc.Stats()
		st.BlobsDeleted = gs.FilesDeleted
	}
	return st
}

// ServiceStats holds combined service statistics.
type ServiceStats struct {
	BuffersReceived int64
	SamplesReceived int64
	SamplesIngested int64
	SamplesRejected int64
	SamplesReplayed int64
	Errors          int64
	MemoryRows      int
	WALSegments     int64
	WALBytesWritten int64
	BlobsDeleted    int64
}
