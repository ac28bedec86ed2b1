// Package parquet stores replay memory rows in Parquet files.
//
// The package provides:
//   - MemoryRow, the on-disk schema of one memory row
//   - MemoryWriter for streaming rows plus key-value metadata to any io.Writer
//   - ReadFile for loading rows and metadata back
//   - Compression selection (snappy, zstd, lz4, gzip)
package parquet
