// Package imagestore keeps image frames as individual zstd blobs on disk,
// one file per sample, named by the sample's global index.
//
// Indices are never reused, so a blob name can never alias a newer
// frame while a reader still holds the old index. Blobs below the
// memory's first live index are removed by the retention collector.
package imagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/ashwin2k/tmrl-rnn/config"
	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

const blobExt = ".zst"

// Store is a directory of compressed frame blobs.
// EncodeAll and DecodeAll are safe for concurrent use, so Store is too.
type Store struct {
	dir      string
	maxFrame int
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// Blob describes one stored frame.
type Blob struct {
	Index int64
	Size  int64
}

// Option configures a Store.
type Option func(*Store)

// WithMaxFrameSize bounds the decoded size of one blob. Non-positive
// values keep the default.
func WithMaxFrameSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxFrame = n
		}
	}
}

// Open opens (and creates) a blob directory. level is 1-4, from fastest
// to best compression.
func Open(dir string, level int, opts ...Option) (*Store, error) {
	s := &Store{dir: dir, maxFrame: config.DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(s.maxFrame)))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s.enc, s.dec = enc, dec
	return s, nil
}

// Dir returns the blob directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the blob path for index.
func (s *Store) Path(index int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016d%s", index, blobExt))
}

// Put writes the pixels of one frame.
func (s *Store) Put(index int64, pixels []byte) error {
	data := s.enc.EncodeAll(pixels, make([]byte, 0, len(pixels)/2))
	if err := os.WriteFile(s.Path(index), data, 0644); err != nil {
		return fmt.Errorf("write frame %d: %w", index, err)
	}
	return nil
}

// Get reads the pixels of one frame.
func (s *Store) Get(index int64) ([]byte, error) {
	data, err := os.ReadFile(s.Path(index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("frame %d: %w", index, errors.ErrFrameMissing)
		}
		return nil, fmt.Errorf("read frame %d: %w", index, err)
	}

	pixels, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", index, errors.ErrCorruptRecord)
	}
	return pixels, nil
}

// LoadFrames fills in the pixels of stored frames from their blobs.
func (s *Store) LoadFrames(indices []int64, stored []types.Frame) ([]types.Frame, error) {
	out := make([]types.Frame, len(indices))
	for i, idx := range indices {
		pixels, err := s.Get(idx)
		if err != nil {
			return nil, err
		}
		f := types.Frame{Pixels: pixels}
		if i < len(stored) {
			f.Width = stored[i].Width
			f.Height = stored[i].Height
		}
		out[i] = f
	}
	return out, nil
}

// Delete removes one blob. A missing blob is not an error.
func (s *Store) Delete(index int64) error {
	if err := os.Remove(s.Path(index)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete frame %d: %w", index, err)
	}
	return nil
}

// List returns every blob sorted by index.
func (s *Store) List() ([]Blob, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var blobs []Blob
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, ok := parseName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		blobs = append(blobs, Blob{Index: index, Size: info.Size()})
	}

	sort.Slice(blobs, func(i, j int) bool {
		return blobs[i].Index < blobs[j].Index
	})
	return blobs, nil
}

func parseName(name string) (int64, bool) {
	base, ok := strings.CutSuffix(name, blobExt)
	if !ok {
		return 0, false
	}
	index, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return index, true
}

// Close releases the codec resources.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return nil
}
