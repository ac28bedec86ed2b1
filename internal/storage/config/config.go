package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashwin2k/tmrl-rnn/config"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/window"
)

// Config represents the complete trainer configuration.
// Every value is fixed at construction; nothing reloads it at runtime.
type Config struct {
	// DataDir is the root directory for WAL segments, frame blobs and
	// default checkpoints.
	DataDir string `yaml:"data_dir"`

	// Variant selects the observation layout: lidar, image or telemetry.
	Variant string `yaml:"variant"`

	// Memory configures the bounded replay memory and its windows.
	Memory MemoryConfig `yaml:"memory"`

	// Training configures the epoch/round loop and pacing.
	Training TrainingConfig `yaml:"training"`

	// Checkpoint configures durable run state.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Ingestion configures the ingestion pipeline.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Transport configures the worker-facing listener.
	Transport TransportConfig `yaml:"transport"`

	// Images configures disk-backed frame blobs (image variant).
	Images ImagesConfig `yaml:"images"`

	// Query configures checkpoint inspection.
	Query QueryConfig `yaml:"query"`

	// Metrics configures the prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// MemoryConfig configures the replay memory.
type MemoryConfig struct {
	// MemorySize is the maximum number of retained samples.
	MemorySize int `yaml:"memory_size"`

	// BatchSize is the number of items per training batch.
	BatchSize int `yaml:"batchsize"`

	// ImgsObs is the number of stacked frames per observation.
	ImgsObs int `yaml:"imgs_obs"`

	// ActBufLen is the number of stacked prior actions per observation.
	ActBufLen int `yaml:"act_buf_len"`

	// TrajLen enables trajectory mode when greater than zero.
	TrajLen int `yaml:"traj_len"`
}

// Layout returns the window layout of the memory.
func (c *MemoryConfig) Layout() window.Layout {
	return window.Layout{ImgsObs: c.ImgsObs, ActBufLen: c.ActBufLen, TrajLen: c.TrajLen}
}

// TrainingConfig configures the training loop.
type TrainingConfig struct {
	Epochs                     int     `yaml:"epochs"`
	Rounds                     int     `yaml:"rounds"`
	Steps                      int     `yaml:"steps"`
	UpdateModelInterval        int     `yaml:"update_model_interval"`
	MaxTrainingStepsPerEnvStep float64 `yaml:"max_training_steps_per_env_step"`

	// SleepBetweenBufferRetrievalAttempts is the starvation polling interval.
	// Format: "100ms", "1s"
	SleepBetweenBufferRetrievalAttempts time.Duration `yaml:"sleep_between_buffer_retrieval_attempts"`

	EpochsBetweenCheckpoints int `yaml:"epochs_between_checkpoints"`

	// Seed seeds batch sampling. Zero picks a time-based seed.
	Seed int64 `yaml:"seed"`
}

// CheckpointConfig configures durable run state.
type CheckpointConfig struct {
	// Path is the checkpoint file. Empty means a temporary file that is
	// removed on clean exit.
	Path string `yaml:"path"`
}

// IngestionConfig configures the ingestion pipeline.
type IngestionConfig struct {
	// WAL configures the Write-Ahead Log.
	WAL WALConfig `yaml:"wal"`
}

// WALConfig configures the Write-Ahead Log.
type WALConfig struct {
	// Enabled turns on write-ahead logging of received buffers.
	Enabled bool `yaml:"enabled"`

	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// TransportConfig configures the worker listener.
type TransportConfig struct {
	Listen         string `yaml:"listen"`
	MaxMessageSize int    `yaml:"max_message_size"`

	// SendBuffer is the per-worker outbound weight queue depth.
	SendBuffer int `yaml:"send_buffer"`
}

// ImagesConfig configures disk-backed frame blobs.
type ImagesConfig struct {
	// Dir is the blob directory. Defaults to {DataDir}/frames.
	Dir string `yaml:"dir"`

	// CompressionLevel is the zstd level (1-4 maps to the encoder speeds).
	CompressionLevel int `yaml:"compression_level"`

	// MaxFrameSize is the largest decoded frame accepted, in bytes.
	MaxFrameSize int `yaml:"max_frame_size"`

	// DryRun logs blob deletions instead of performing them.
	DryRun bool `yaml:"dry_run"`
}

// QueryConfig configures the inspection service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: config.DefaultDataDir,
		Variant: "lidar",
		Memory: MemoryConfig{
			MemorySize: config.DefaultMemorySize,
			BatchSize:  config.DefaultBatchSize,
			ImgsObs:    config.DefaultImgsObs,
			ActBufLen:  config.DefaultActBufLen,
		},
		Training: TrainingConfig{
			Epochs:                              config.DefaultEpochs,
			Rounds:                              config.DefaultRounds,
			Steps:                               config.DefaultSteps,
			UpdateModelInterval:                 config.DefaultUpdateModelInterval,
			MaxTrainingStepsPerEnvStep:          config.DefaultMaxTrainingStepsPerEnvStep,
			SleepBetweenBufferRetrievalAttempts: config.DefaultSleepBetweenRetrievals,
			EpochsBetweenCheckpoints:            config.DefaultEpochsBetweenCheckpoints,
		},
		Ingestion: IngestionConfig{
			WAL: WALConfig{
				Enabled:        true,
				SyncMode:       "async",
				SyncInterval:   time.Second,
				MaxSegmentSize: config.DefaultWALSegmentSize,
			},
		},
		Transport: TransportConfig{
			Listen:         config.DefaultListenAddress,
			MaxMessageSize: config.DefaultMaxMessageSize,
			SendBuffer:     config.DefaultSendBuffer,
		},
		Images: ImagesConfig{
			CompressionLevel: config.DefaultCompressionLevel,
			MaxFrameSize:     config.DefaultMaxFrameSize,
		},
		Query: QueryConfig{
			MemoryLimit: "2GB",
			Timeout:     30 * time.Second,
			MaxRows:     100000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  config.DefaultMetricsListen,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
