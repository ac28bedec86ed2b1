// Package storage holds the replay-memory data plane of the trainer.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Transport  │────▶│  Ingestion  │────▶│   Memory    │
//	│  (workers)  │     │  (WAL, GC)  │     │  (Stream)   │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                                               │
//	                                               ▼
//	                    ┌─────────────┐     ┌─────────────┐
//	                    │   Parquet   │◀────│   Window    │
//	                    │ checkpoint  │     │  Extractor  │
//	                    └─────────────┘     └─────────────┘
//
// Subpackages:
//   - types: samples, buffers, observation variants and transitions
//   - stream: columnar append/trim store, one column per field
//   - window: turns stream rows into transitions and trajectories
//   - memory: bounded replay memory with batch sampling
//   - imagestore: zstd frame blobs for the image variant
//   - retention: removes frame blobs that fell out of memory
//   - codec, wal: buffer encoding and the write-ahead log
//   - ingestion: WAL append, memory append and replay after restart
//   - parquet: checkpoint row schema
//   - query: DuckDB views over checkpoint files
//   - stats: episode return and length sketches
//   - config: YAML configuration and requirement estimates
package storage
