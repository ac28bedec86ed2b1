// Package wal implements the write-ahead log of received sample buffers.
//
// Every buffer accepted by ingestion is appended to the current segment
// before it reaches the replay memory. A checkpoint records the segment
// sequence it covers; segments older than that are deleted once the
// checkpoint is durable, and the rest are replayed on restart.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/codec"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// Writer appends encoded buffers to segment files.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
type Writer struct {
	mu sync.Mutex

	dir     string
	codec   *codec.Codec
	file    *os.File
	path    string
	size    int64
	seq     int64
	nextSeq int64
	writer  *bufio.Writer

	opts   Options
	logger *slog.Logger

	stop chan struct{}
	done chan struct{}

	stats WriterStats
}

// Options configures the WAL writer.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	// Default: 100MB
	MaxSegmentSize int64

	// SyncMode controls how writes reach the disk.
	// "async" - buffered, flushed every SyncInterval
	// "sync"  - flushed after each buffer
	// "fsync" - flushed and fsynced after each buffer
	SyncMode string

	// SyncInterval is the flush interval for async mode.
	// Default: 1s
	SyncInterval time.Duration

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int
}

// DefaultOptions returns default WAL options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 100 * 1024 * 1024,
		SyncMode:       "async",
		SyncInterval:   time.Second,
		BufferSize:     64 * 1024,
	}
}

// WriterStats holds WAL writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	SamplesWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

const (
	walMagic         = 0x544D524C57414C01 // "TMRLWAL" + 1
	walVersion       = 2
	headerSize       = 12
	recordHeaderSize = 8
	segmentExt       = ".wal"
)

// NewWriter opens a writer on dir. Existing segments are left alone and
// a new segment is started after the highest one.
func NewWriter(dir string, c *codec.Codec, opts Options) (*Writer, error) {
	def := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = def.SyncMode
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = def.SyncInterval
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	w := &Writer{
		dir:    dir,
		codec:  c,
		opts:   opts,
		logger: logging.Component("wal"),
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		w.nextSeq = segments[len(segments)-1].seq + 1
	}

	if err := w.rotateLocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}

	if opts.SyncMode == "async" {
		w.stop = make(chan struct{})
		w.done = make(chan struct{})
		go w.syncLoop()
	}

	return w, nil
}

func (w *Writer) syncLoop() {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Sync(); err != nil {
				w.logger.Warn("periodic wal flush failed", "error", err)
			}
		}
	}
}

// Write appends one buffer. Empty buffers without episodes are skipped.
func (w *Writer) Write(buf types.Buffer) error {
	if buf.Len() == 0 && len(buf.Episodes) == 0 {
		return nil
	}

	payload, err := w.codec.Encode(buf)
	if err != nil {
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return fmt.Errorf("encode buffer: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("wal writer closed")
	}

	recordSize := int64(recordHeaderSize + len(payload))
	if w.size > headerSize && w.size+recordSize > w.opts.MaxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	if err := w.writeRecord(payload); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}

	w.stats.RecordsWritten++
	w.stats.SamplesWritten += int64(buf.Len())
	w.stats.BytesWritten += recordSize

	if w.opts.SyncMode == "sync" || w.opts.SyncMode == "fsync" {
		if err := w.syncLocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}

	return nil
}

func (w *Writer) writeRecord(payload []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	w.size += int64(recordHeaderSize + len(payload))
	return nil
}

// Sync flushes buffered records to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if w.writer == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if w.opts.SyncMode == "fsync" {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}
	w.stats.SyncsPerformed++
	return nil
}

// Rotate closes the current segment and starts a new one. It returns the
// sequence of the new segment: every record written before the call is in
// a segment with a lower sequence.
func (w *Writer) Rotate() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(); err != nil {
		return 0, err
	}
	return w.seq, nil
}

func (w *Writer) rotateLocked() error {
	if w.file != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("flush segment: %w", err)
		}
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync segment: %w", err)
		}
		w.file.Close()
	}

	path := segmentPath(w.dir, w.nextSeq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write header: %w", err)
	}

	w.file = f
	w.path = path
	w.size = headerSize
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.seq = w.nextSeq
	w.nextSeq++
	w.stats.SegmentsCreated++

	return nil
}

// Sequence returns the sequence of the segment being written.
func (w *Writer) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// CurrentSegment returns the current segment path.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	if w.stop != nil {
		close(w.stop)
		<-w.done
		w.stop = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	flushErr := w.writer.Flush()
	closeErr := w.file.Close()
	w.file = nil
	w.writer = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Segments returns all segment paths in order.
func (w *Writer) Segments() ([]string, error) {
	return SegmentsFrom(w.dir, 0)
}

// DeleteSegmentsBefore deletes all segments with a sequence lower than
// seq. The current segment is never deleted.
func (w *Writer) DeleteSegmentsBefore(seq int64) (int, error) {
	segments, err := listSegments(w.dir)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	current := w.seq
	w.mu.Unlock()

	deleted := 0
	for _, s := range segments {
		if s.seq >= seq || s.seq == current {
			break
		}
		if err := os.Remove(s.path); err != nil {
			w.logger.Warn("delete wal segment failed", "path", s.path, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

type segmentInfo struct {
	path string
	seq  int64
}

func segmentPath(dir string, seq int64) string {
	return filepath.Join(dir, fmt.Sprintf("%016d%s", seq, segmentExt))
}

// listSegments returns all segment files in sequence order.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || len(name) != 16+len(segmentExt) || name[16:] != segmentExt {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name[:16], "%d", &seq); err != nil {
			continue
		}
		segments = append(segments, segmentInfo{path: filepath.Join(dir, name), seq: seq})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})
	return segments, nil
}

// SegmentsFrom returns the paths of segments with sequence >= seq.
func SegmentsFrom(dir string, seq int64) ([]string, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, s := range segments {
		if s.seq >= seq {
			paths = append(paths, s.path)
		}
	}
	return paths, nil
}
