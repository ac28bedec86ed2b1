package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/codec"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// maxRecordSize bounds a single record read from disk.
const maxRecordSize = 256 * 1024 * 1024

// Reader reads buffers from one WAL segment file.
type Reader struct {
	path  string
	file  *os.File
	r     *bufio.Reader
	codec *codec.Codec

	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	SamplesRead    int64
	BytesRead      int64
	CorruptRecords int64
}

// NewReader opens a segment file and verifies its header.
func NewReader(path string, c *codec.Codec) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic %x: %w", magic, errors.ErrCorruptRecord)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version %d: %w", version, errors.ErrCorruptRecord)
	}

	return &Reader{
		path:  path,
		file:  f,
		r:     bufio.NewReader(f),
		codec: c,
	}, nil
}

// Next reads the next buffer. It returns io.EOF at the end of the segment
// and io.ErrUnexpectedEOF for a record cut short by a crash.
func (r *Reader) Next() (types.Buffer, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return types.Buffer{}, err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length > maxRecordSize {
		return types.Buffer{}, fmt.Errorf("record of %d bytes: %w", length, errors.ErrCorruptRecord)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return types.Buffer{}, err
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		r.stats.CorruptRecords++
		return types.Buffer{}, fmt.Errorf("crc mismatch: %w", errors.ErrCorruptRecord)
	}

	buf, err := r.codec.Decode(payload)
	if err != nil {
		r.stats.CorruptRecords++
		return types.Buffer{}, err
	}

	r.stats.RecordsRead++
	r.stats.SamplesRead += int64(buf.Len())
	r.stats.BytesRead += int64(recordHeaderSize) + int64(length)
	return buf, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Segments       int
	Records        int64
	Samples        int64
	CorruptRecords int64
	TornTails      int
}

// Replay feeds every buffer of the given segments, in order, to fn.
//
// A corrupt record is skipped. A torn record at the end of a segment ends
// that segment; this is what a crash between write and flush leaves
// behind. An error from fn stops the replay.
func Replay(paths []string, c *codec.Codec, fn func(types.Buffer) error) (ReplayStats, error) {
	var st ReplayStats

	for _, path := range paths {
		r, err := NewReader(path, c)
		if err != nil {
			return st, fmt.Errorf("segment %s: %w", path, err)
		}
		st.Segments++

		for {
			buf, err := r.Next()
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				st.TornTails++
				break
			}
			if errors.Is(err, errors.ErrCorruptRecord) {
				continue
			}
			if err != nil {
				r.Close()
				return st, fmt.Errorf("segment %s: %w", path, err)
			}

			st.Records++
			st.Samples += int64(buf.Len())
			if err := fn(buf); err != nil {
				r.Close()
				return st, err
			}
		}

		st.CorruptRecords += r.Stats().CorruptRecords
		r.Close()
	}

	return st, nil
}

// ReadSegment returns every buffer of one segment file.
func ReadSegment(path string, c *codec.Codec) ([]types.Buffer, error) {
	var out []types.Buffer
	_, err := Replay([]string{path}, c, func(buf types.Buffer) error {
		out = append(out, buf)
		return nil
	})
	return out, err
}
