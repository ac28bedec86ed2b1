package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// File is an opened memory row file.
type File struct {
	file   *os.File
	pf     *parquet.File
	reader *parquet.GenericReader[MemoryRow]
	path   string
	size   int64
}

// Open opens a memory row file and reads its footer.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read footer: %w", err)
	}

	return &File{
		file:   f,
		pf:     pf,
		reader: parquet.NewGenericReader[MemoryRow](pf),
		path:   path,
		size:   stat.Size(),
	}, nil
}

// Lookup returns a key-value metadata entry.
func (f *File) Lookup(key string) (string, bool) {
	return f.pf.Lookup(key)
}

// Metadata returns every key-value metadata entry.
func (f *File) Metadata() map[string]string {
	kv := f.pf.Metadata().KeyValueMetadata
	out := make(map[string]string, len(kv))
	for _, e := range kv {
		out[e.Key] = e.Value
	}
	return out
}

// NumRows returns the total number of rows in the file.
func (f *File) NumRows() int64 {
	return f.reader.NumRows()
}

// Size returns the file size in bytes.
func (f *File) Size() int64 {
	return f.size
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Read reads up to n rows. It returns io.EOF after the last row.
func (f *File) Read(n int) ([]MemoryRow, error) {
	rows := make([]MemoryRow, n)
	count, err := f.reader.Read(rows)
	if count > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return rows[:count], err
}

// ReadAll reads every remaining row.
func (f *File) ReadAll() ([]MemoryRow, error) {
	rows := make([]MemoryRow, 0, f.reader.NumRows())
	for {
		batch, err := f.Read(4096)
		rows = append(rows, batch...)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close closes the file.
func (f *File) Close() error {
	if err := f.reader.Close(); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// FileInfo holds information about a memory row file.
type FileInfo struct {
	Path     string
	Size     int64
	NumRows  int64
	NumCols  int
	Metadata map[string]string
}

// GetFileInfo returns information about a memory row file.
func GetFileInfo(path string) (*FileInfo, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return &FileInfo{
		Path:     path,
		Size:     f.Size(),
		NumRows:  f.NumRows(),
		NumCols:  len(f.pf.Schema().Fields()),
		Metadata: f.Metadata(),
	}, nil
}
