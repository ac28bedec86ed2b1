// Package config provides configuration defaults for the trainer.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or TMRL_* environment
// variables.
package config

import "time"

// =============================================================================
// Memory Defaults
// =============================================================================

const (
	// DefaultMemorySize is the maximum number of retained samples.
	// Override via config: memory.memory_size
	DefaultMemorySize = 1_000_000

	// DefaultBatchSize is the number of transitions per training batch.
	// Override via config: memory.batchsize
	DefaultBatchSize = 256

	// DefaultImgsObs is the number of stacked frames per observation.
	// Override via config: memory.imgs_obs
	DefaultImgsObs = 4

	// DefaultActBufLen is the number of stacked prior actions per observation.
	// Override via config: memory.act_buf_len
	DefaultActBufLen = 1
)

// =============================================================================
// Training Defaults
// =============================================================================

const (
	// DefaultEpochs is the number of epochs in a run.
	// Override via config: training.epochs
	DefaultEpochs = 10

	// DefaultRounds is the number of rounds per epoch.
	// Override via config: training.rounds
	DefaultRounds = 50

	// DefaultSteps is the number of batches drawn per memory pass.
	// Override via config: training.steps
	DefaultSteps = 2000

	// DefaultUpdateModelInterval is the number of updates between broadcasts.
	// Override via config: training.update_model_interval
	DefaultUpdateModelInterval = 100

	// DefaultMaxTrainingStepsPerEnvStep caps total_updates / total_samples.
	// Override via config: training.max_training_steps_per_env_step
	DefaultMaxTrainingStepsPerEnvStep = 1.0

	// DefaultSleepBetweenRetrievals is the starvation polling interval.
	// Override via config: training.sleep_between_buffer_retrieval_attempts
	DefaultSleepBetweenRetrievals = 100 * time.Millisecond

	// DefaultEpochsBetweenCheckpoints is the checkpoint cadence.
	// Override via config: training.epochs_between_checkpoints
	DefaultEpochsBetweenCheckpoints = 1
)

// =============================================================================
// Checkpoint Defaults
// =============================================================================

const (
	// RemoveOnExitSuffix marks checkpoint files deleted on clean shutdown.
	RemoveOnExitSuffix = "_remove_on_exit"

	// CheckpointFileMode is the permission of written checkpoint files.
	CheckpointFileMode = 0o644
)

// =============================================================================
// Transport Defaults
// =============================================================================

const (
	// DefaultListenAddress is where rollout workers connect.
	// Override via config: transport.listen
	DefaultListenAddress = "0.0.0.0:55555"

	// DefaultMaxMessageSize limits one framed message.
	// Image buffers are large, so this is well above typical control traffic.
	// Override via config: transport.max_message_size
	DefaultMaxMessageSize = 64 * 1024 * 1024

	// DefaultSendBuffer is the per-worker outbound queue depth.
	// Override via config: transport.send_buffer
	DefaultSendBuffer = 4

	// DefaultDialTimeout bounds worker connection attempts.
	DefaultDialTimeout = 10 * time.Second

	// DefaultMetricsListen is the prometheus scrape address.
	// Override via config: metrics.listen
	DefaultMetricsListen = "127.0.0.1:9464"
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir is the root of WAL, frame and checkpoint files.
	// Override via config: data_dir
	DefaultDataDir = "/var/lib/tmrl"

	// DefaultCompressionLevel is the zstd level for frame blobs.
	// Override via config: images.compression_level
	DefaultCompressionLevel = 3

	// DefaultMaxFrameSize caps the decoded size of one image frame.
	// Override via config: images.max_frame_size
	DefaultMaxFrameSize = 16 * 1024 * 1024

	// DefaultWALSegmentSize is the WAL segment rotation threshold.
	// Override via config: ingestion.wal.max_segment_size
	DefaultWALSegmentSize = 100 * 1024 * 1024
)
