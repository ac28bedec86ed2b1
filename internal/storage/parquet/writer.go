package parquet

import (
	"fmt"
	"io"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashwin2k/tmrl-rnn/internal/storage/stream"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// PageBufferSize is the target page size in bytes
	PageBufferSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:    CompressionZstd,
		PageBufferSize: 1024 * 1024,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// MemoryRow is one replay memory row in Parquet format.
type MemoryRow struct {
	Index   int64     `parquet:"index"`
	Action  []float32 `parquet:"action,list"`
	Scalars []float32 `parquet:"scalars,list"`
	Frame   []float32 `parquet:"frame,list"`
	Pixels  []byte    `parquet:"pixels,optional"`
	Width   int32     `parquet:"width"`
	Height  int32     `parquet:"height"`
	Done    bool      `parquet:"done"`
	Reward  float32   `parquet:"reward"`
	// Info is the JSON encoding of the info map, empty for none.
	Info string `parquet:"info,optional"`
}

// FromStream converts a stream row with its global index.
func FromStream(index int64, r stream.Row) (MemoryRow, error) {
	row := MemoryRow{
		Index:   index,
		Action:  r.Action,
		Scalars: r.Scalars,
		Frame:   r.Frame.Values,
		Pixels:  r.Frame.Pixels,
		Width:   int32(r.Frame.Width),
		Height:  int32(r.Frame.Height),
		Done:    r.Done,
		Reward:  r.Reward,
	}

	if len(r.Info) > 0 {
		st, err := structpb.NewStruct(r.Info)
		if err != nil {
			return MemoryRow{}, fmt.Errorf("row %d info: %w", index, err)
		}
		data, err := protojson.Marshal(st)
		if err != nil {
			return MemoryRow{}, fmt.Errorf("row %d info: %w", index, err)
		}
		row.Info = string(data)
	}
	return row, nil
}

// Stream converts the row back to a stream row.
func (m MemoryRow) Stream() (stream.Row, error) {
	r := stream.Row{
		Action:  m.Action,
		Scalars: m.Scalars,
		Frame: types.Frame{
			Values: m.Frame,
			Pixels: m.Pixels,
			Width:  int(m.Width),
			Height: int(m.Height),
		},
		Done:   m.Done,
		Reward: m.Reward,
	}

	if m.Info != "" {
		var st structpb.Struct
		if err := protojson.Unmarshal([]byte(m.Info), &st); err != nil {
			return stream.Row{}, fmt.Errorf("row %d info: %w", m.Index, err)
		}
		r.Info = st.AsMap()
	}
	return r, nil
}

// MemoryWriter writes memory rows to a Parquet stream.
type MemoryWriter struct {
	mu       sync.Mutex
	writer   *parquet.GenericWriter[MemoryRow]
	rowCount int64
	closed   bool
}

// NewMemoryWriter creates a writer on w. metadata is stored in the file
// footer as key-value pairs.
func NewMemoryWriter(w io.Writer, opts Options, metadata map[string]string) *MemoryWriter {
	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.PageBufferSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageBufferSize))
	}
	for k, v := range metadata {
		writerOpts = append(writerOpts, parquet.KeyValueMetadata(k, v))
	}

	return &MemoryWriter{
		writer: parquet.NewGenericWriter[MemoryRow](w, writerOpts...),
	}
}

// Write writes rows.
func (w *MemoryWriter) Write(rows []MemoryRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer. It does not close the underlying writer.
func (w *MemoryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// RowCount returns the number of rows written.
func (w *MemoryWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
