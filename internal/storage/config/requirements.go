package config

import (
	"fmt"

	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// Requirements represents calculated resource requirements.
type Requirements struct {
	// Memory requirements
	BytesPerRow     int64
	MemoryBytes     int64
	QueryCacheBytes int64
	TotalRAMBytes   int64

	// Storage requirements
	FrameBlobBytes    int64
	CheckpointBytes   int64
	WALSegmentBytes   int64
	TotalStorageBytes int64
}

// Per-row estimates, uncompressed in memory.
const (
	// index + reward + done + slice headers + empty info map
	bytesPerRowOverhead = 8 + 4 + 1 + 5*24 + 48

	// 64x64 grayscale frame
	bytesPerImageFrame = 64 * 64

	// 19 beams
	bytesPerLidarFrame = 19 * 4

	// Typical zstd ratio on frames
	frameCompressionRatio = 3

	// Rough parquet compression ratio on scalar columns
	parquetCompressionRatio = 4
)

// CalculateRequirements estimates the resources a full memory needs.
// actionDim is the length of one action vector.
func (c *Config) CalculateRequirements(actionDim int) Requirements {
	r := Requirements{}

	variant := c.VariantType()
	scalars := int64(len(types.ScalarNames(variant)))

	r.BytesPerRow = bytesPerRowOverhead + int64(actionDim)*4 + scalars*4

	var frame int64
	switch variant {
	case types.VariantLidar:
		frame = bytesPerLidarFrame
		r.BytesPerRow += frame
	case types.VariantImage:
		// Pixels live in blobs, only the reference is in memory.
		frame = bytesPerImageFrame
		r.FrameBlobBytes = int64(c.Memory.MemorySize) * frame / frameCompressionRatio
	}

	r.MemoryBytes = int64(c.Memory.MemorySize) * r.BytesPerRow
	r.QueryCacheBytes = parseMemoryLimit(c.Query.MemoryLimit)

	// Add 1GB for the Go runtime and the agent.
	r.TotalRAMBytes = r.MemoryBytes + r.QueryCacheBytes + 1024*1024*1024

	r.CheckpointBytes = int64(c.Memory.MemorySize) * (r.BytesPerRow + frame) / parquetCompressionRatio
	if c.Ingestion.WAL.Enabled {
		r.WALSegmentBytes = c.Ingestion.WAL.MaxSegmentSize
	}

	// Checkpoint is written to a temp file before the rename.
	r.TotalStorageBytes = r.FrameBlobBytes + 2*r.CheckpointBytes + 2*r.WALSegmentBytes

	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	return fmt.Sprintf(`Resource Requirements
=====================

Memory:
  Bytes/row:         %s
  Replay Memory:     %s
  Query Cache:       %s
  Total RAM:         %s (recommended)

Storage:
  Frame Blobs:       %s
  Checkpoint:        %s
  WAL Segment:       %s
  Total Storage:     %s (recommended)
`,
		formatBytes(r.BytesPerRow),
		formatBytes(r.MemoryBytes),
		formatBytes(r.QueryCacheBytes),
		formatBytes(r.TotalRAMBytes),
		formatBytes(r.FrameBlobBytes),
		formatBytes(r.CheckpointBytes),
		formatBytes(r.WALSegmentBytes),
		formatBytes(r.TotalStorageBytes),
	)
}

// parseMemoryLimit parses a memory limit string like "2GB" into bytes.
func parseMemoryLimit(s string) int64 {
	if s == "" {
		return 2 * 1024 * 1024 * 1024 // Default 2GB
	}

	var value int64
	var unit string
	for i, c := range s {
		if c < '0' || c > '9' {
			fmt.Sscanf(s[:i], "%d", &value)
			unit = s[i:]
			break
		}
	}
	if unit == "" {
		fmt.Sscanf(s, "%d", &value)
	}

	switch unit {
	case "B", "b", "":
		return value
	case "KB", "kb", "K", "k":
		return value * 1024
	case "MB", "mb", "M", "m":
		return value * 1024 * 1024
	case "GB", "gb", "G", "g":
		return value * 1024 * 1024 * 1024
	case "TB", "tb", "T", "t":
		return value * 1024 * 1024 * 1024 * 1024
	default:
		return value
	}
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
