package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	// Variant
	if _, err := types.ParseVariant(c.Variant); err != nil {
		errs = append(errs, fmt.Errorf("variant: %w", err))
	}

	// Memory
	if err := c.Memory.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}

	// Training
	if err := c.Training.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("training: %w", err))
	}

	// Ingestion
	if err := c.Ingestion.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingestion: %w", err))
	}

	// Transport
	if err := c.Transport.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}

	// Images
	if c.Images.CompressionLevel < 1 || c.Images.CompressionLevel > 4 {
		errs = append(errs, errors.New("images: compression_level must be between 1 and 4"))
	}
	if c.Images.MaxFrameSize <= 0 {
		errs = append(errs, errors.New("images: max_frame_size must be positive"))
	}

	// Query
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	// Log
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the memory configuration.
func (c *MemoryConfig) Validate() error {
	var errs []error

	if c.MemorySize <= 0 {
		errs = append(errs, errors.New("memory_size must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batchsize must be positive"))
	}
	if c.ImgsObs < 0 {
		errs = append(errs, errors.New("imgs_obs must be non-negative"))
	}
	if c.ActBufLen < 1 {
		errs = append(errs, errors.New("act_buf_len must be at least 1"))
	}
	if c.TrajLen < 0 {
		errs = append(errs, errors.New("traj_len must be non-negative"))
	}

	// A memory smaller than one window never yields an item.
	if c.MemorySize > 0 && c.Layout().UsableLength(c.MemorySize) < 1 {
		errs = append(errs, fmt.Errorf("memory_size %d holds no complete window for %s", c.MemorySize, c.Layout()))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the training configuration.
func (c *TrainingConfig) Validate() error {
	var errs []error

	if c.Epochs <= 0 {
		errs = append(errs, errors.New("epochs must be positive"))
	}
	if c.Rounds <= 0 {
		errs = append(errs, errors.New("rounds must be positive"))
	}
	if c.Steps <= 0 {
		errs = append(errs, errors.New("steps must be positive"))
	}
	if c.UpdateModelInterval <= 0 {
		errs = append(errs, errors.New("update_model_interval must be positive"))
	}
	if c.MaxTrainingStepsPerEnvStep <= 0 {
		errs = append(errs, errors.New("max_training_steps_per_env_step must be positive"))
	}
	if c.SleepBetweenBufferRetrievalAttempts <= 0 {
		errs = append(errs, errors.New("sleep_between_buffer_retrieval_attempts must be positive"))
	}
	if c.EpochsBetweenCheckpoints <= 0 {
		errs = append(errs, errors.New("epochs_between_checkpoints must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the ingestion configuration.
func (c *IngestionConfig) Validate() error {
	if !c.WAL.Enabled {
		return nil
	}

	var errs []error

	validSyncModes := map[string]bool{
		"async": true,
		"sync":  true,
		"fsync": true,
		"":      true, // Empty defaults to async
	}
	if !validSyncModes[c.WAL.SyncMode] {
		errs = append(errs, errors.New("wal.sync_mode must be one of: async, sync, fsync"))
	}

	if c.WAL.SyncMode == "async" && c.WAL.SyncInterval <= 0 {
		errs = append(errs, errors.New("wal.sync_interval must be positive for async mode"))
	}

	if c.WAL.MaxSegmentSize < 0 {
		errs = append(errs, errors.New("wal.max_segment_size must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the transport configuration.
func (c *TransportConfig) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max_message_size must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.MaxRows <= 0 {
		errs = append(errs, errors.New("max_rows must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Ingestion.WAL.Enabled {
		dirs = append(dirs, c.WALDir())
	}
	if c.Variant == types.VariantImage.String() {
		dirs = append(dirs, c.FramesDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// WALDir returns the WAL directory path.
func (c *Config) WALDir() string {
	if c.Ingestion.WAL.Dir != "" {
		return c.Ingestion.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// FramesDir returns the frame blob directory path.
func (c *Config) FramesDir() string {
	if c.Images.Dir != "" {
		return c.Images.Dir
	}
	return filepath.Join(c.DataDir, "frames")
}

// VariantType returns the parsed observation variant.
func (c *Config) VariantType() types.Variant {
	v, _ := types.ParseVariant(c.Variant)
	return v
}
