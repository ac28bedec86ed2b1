// Package retention deletes frame blobs that no live memory row refers to.
package retention

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/imagestore"
)

// BlobStore is the part of imagestore.Store the collector needs.
type BlobStore interface {
	List() ([]imagestore.Blob, error)
	Delete(index int64) error
}

// Collector removes blobs whose index is below the memory's first live
// index. Concurrent sweeps are coalesced into one directory scan.
type Collector struct {
	mu     sync.RWMutex
	blobs  BlobStore
	dryRun bool
	group  singleflight.Group
	stats  Stats
	logger *slog.Logger
}

// Stats holds collector statistics.
type Stats struct {
	LastRunTime  time.Time
	Sweeps       int64
	FilesDeleted int64
	BytesFreed   int64
	FilesKept    int64
	Errors       int64
}

// SweepResult holds the result of one sweep.
type SweepResult struct {
	FirstLive    int64
	FilesDeleted int
	BytesFreed   int64
	FilesKept    int
	Errors       []error
}

// New creates a collector. With dryRun set, sweeps report what they
// would delete and delete nothing.
func New(blobs BlobStore, dryRun bool) *Collector {
	return &Collector{
		blobs:  blobs,
		dryRun: dryRun,
		logger: logging.Component("retention"),
	}
}

// Sweep deletes every blob with index < firstLive.
func (c *Collector) Sweep(firstLive int64) (SweepResult, error) {
	v, err, shared := c.group.Do(strconv.FormatInt(firstLive, 10), func() (any, error) {
		return c.sweep(firstLive, c.dryRun)
	})
	if err != nil {
		return SweepResult{}, err
	}
	result := v.(SweepResult)
	if !shared {
		c.record(result)
	}
	return result, nil
}

// DryRun reports what Sweep(firstLive) would delete.
func (c *Collector) DryRun(firstLive int64) (SweepResult, error) {
	return c.sweep(firstLive, true)
}

func (c *Collector) sweep(firstLive int64, dryRun bool) (SweepResult, error) {
	result := SweepResult{FirstLive: firstLive}

	blobs, err := c.blobs.List()
	if err != nil {
		return result, fmt.Errorf("list blobs: %w", err)
	}

	for _, b := range blobs {
		// List is sorted, everything after this is live.
		if b.Index >= firstLive {
			break
		}

		if !dryRun {
			if err := c.blobs.Delete(b.Index); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
		}

		result.FilesDeleted++
		result.BytesFreed += b.Size
	}
	result.FilesKept = len(blobs) - result.FilesDeleted

	if result.FilesDeleted > 0 {
		c.logger.Debug("swept frame blobs",
			"first_live", firstLive,
			"deleted", result.FilesDeleted,
			"bytes", result.BytesFreed,
			"dry_run", dryRun)
	}
	for _, err := range result.Errors {
		c.logger.Warn("delete frame blob failed", "error", err)
	}

	return result, nil
}

func (c *Collector) record(r SweepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.LastRunTime = time.Now()
	c.stats.Sweeps++
	if !c.dryRun {
		c.stats.FilesDeleted += int64(r.FilesDeleted)
		c.stats.BytesFreed += r.BytesFreed
	}
	c.stats.FilesKept = int64(r.FilesKept)
	c.stats.Errors += int64(len(r.Errors))
}

// Stats returns current statistics.
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int
	TotalSize int64
}

// DiskUsage returns the size of the blob directory.
func (c *Collector) DiskUsage() (DiskUsage, error) {
	blobs, err := c.blobs.List()
	if err != nil {
		return DiskUsage{}, err
	}

	var u DiskUsage
	for _, b := range blobs {
		u.FileCount++
		u.TotalSize += b.Size
	}
	return u, nil
}

// FormatDiskUsage returns a formatted string of disk usage.
func (c *Collector) FormatDiskUsage() string {
	u, err := c.DiskUsage()
	if err != nil {
		return fmt.Sprintf("Frame blobs: unavailable (%v)\n", err)
	}
	return fmt.Sprintf("Frame blobs: %d files, %s\n", u.FileCount, formatBytes(u.TotalSize))
}

// formatBytes formats bytes as human-readable string.
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
