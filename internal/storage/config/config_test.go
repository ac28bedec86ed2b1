package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DataDir == "" {
		t.Error("expected default data_dir")
	}

	if cfg.VariantType() != types.VariantLidar {
		t.Errorf("expected lidar variant, got %s", cfg.VariantType())
	}

	if cfg.Memory.MemorySize <= 0 {
		t.Error("expected positive memory_size")
	}

	if cfg.Training.MaxTrainingStepsPerEnvStep <= 0 {
		t.Error("expected positive max_training_steps_per_env_step")
	}

	if !cfg.Ingestion.WAL.Enabled {
		t.Error("expected WAL enabled by default")
	}

	if cfg.Checkpoint.Path != "" {
		t.Error("expected empty checkpoint path by default")
	}
}

func TestConfigValidate(t *testing.T) {
	// Valid config
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data_dir", func(c *Config) { c.DataDir = "" }},
		{"unknown variant", func(c *Config) { c.Variant = "sonar" }},
		{"zero memory_size", func(c *Config) { c.Memory.MemorySize = 0 }},
		{"memory smaller than window", func(c *Config) { c.Memory.MemorySize = 3 }},
		{"trajectory memory smaller than window", func(c *Config) {
			c.Memory.ImgsObs, c.Memory.ActBufLen, c.Memory.TrajLen, c.Memory.MemorySize = 4, 1, 3, 8
		}},
		{"negative traj_len", func(c *Config) { c.Memory.TrajLen = -1 }},
		{"zero batchsize", func(c *Config) { c.Memory.BatchSize = 0 }},
		{"zero ratio", func(c *Config) { c.Training.MaxTrainingStepsPerEnvStep = 0 }},
		{"zero sleep", func(c *Config) { c.Training.SleepBetweenBufferRetrievalAttempts = 0 }},
		{"bad sync mode", func(c *Config) { c.Ingestion.WAL.SyncMode = "sometimes" }},
		{"empty listen", func(c *Config) { c.Transport.Listen = "" }},
		{"compression level", func(c *Config) { c.Images.CompressionLevel = 9 }},
		{"zero max_frame_size", func(c *Config) { c.Images.MaxFrameSize = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}

	// Smallest memory that yields one trajectory: 4 + 2 history, 2 tail, 1 item.
	cfg = DefaultConfig()
	cfg.Memory.ImgsObs, cfg.Memory.ActBufLen, cfg.Memory.TrajLen, cfg.Memory.MemorySize = 4, 1, 3, 9
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory_size 9 should hold one trajectory: %v", err)
	}
}

func TestWALValidationDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingestion.WAL.Enabled = false
	cfg.Ingestion.WAL.SyncMode = "sometimes"

	if err := cfg.Ingestion.Validate(); err != nil {
		t.Errorf("disabled WAL should not be validated: %v", err)
	}
}

func TestMemoryLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.ImgsObs = 4
	cfg.Memory.ActBufLen = 2
	cfg.Memory.TrajLen = 3

	l := cfg.Memory.Layout()
	if l.ImgsObs != 4 || l.ActBufLen != 2 || l.TrajLen != 3 {
		t.Errorf("unexpected layout %v", l)
	}
	if l.MinSamples() != 6 {
		t.Errorf("expected min samples 6, got %d", l.MinSamples())
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	configContent := `
data_dir: /tmp/tmrl-test
variant: image
memory:
  memory_size: 50000
  batchsize: 128
  imgs_obs: 4
  act_buf_len: 2
training:
  epochs: 3
  rounds: 5
  steps: 100
  update_model_interval: 10
  max_training_steps_per_env_step: 2.5
  sleep_between_buffer_retrieval_attempts: 250ms
  epochs_between_checkpoints: 1
  seed: 42
checkpoint:
  path: /tmp/tmrl-test/run.ckpt
ingestion:
  wal:
    enabled: true
    sync_mode: fsync
images:
  compression_level: 2
query:
  memory_limit: 1GB
  timeout: 15s
  max_rows: 5000
log:
  level: debug
  json: true
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.DataDir != "/tmp/tmrl-test" {
		t.Errorf("expected data_dir=/tmp/tmrl-test, got %s", cfg.DataDir)
	}

	if cfg.VariantType() != types.VariantImage {
		t.Errorf("expected image variant, got %s", cfg.Variant)
	}

	if cfg.Memory.MemorySize != 50000 || cfg.Memory.BatchSize != 128 {
		t.Errorf("unexpected memory config %+v", cfg.Memory)
	}

	if cfg.Training.MaxTrainingStepsPerEnvStep != 2.5 {
		t.Errorf("expected ratio 2.5, got %v", cfg.Training.MaxTrainingStepsPerEnvStep)
	}

	if cfg.Training.SleepBetweenBufferRetrievalAttempts != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.Training.SleepBetweenBufferRetrievalAttempts)
	}

	if cfg.Training.Seed != 42 {
		t.Errorf("expected seed 42, got %d", cfg.Training.Seed)
	}

	if cfg.Checkpoint.Path != "/tmp/tmrl-test/run.ckpt" {
		t.Errorf("unexpected checkpoint path %s", cfg.Checkpoint.Path)
	}

	// Unset values keep their defaults.
	if cfg.Transport.Listen != DefaultConfig().Transport.Listen {
		t.Errorf("expected default listen, got %s", cfg.Transport.Listen)
	}

	if !cfg.Log.JSON || cfg.Log.Level != "debug" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
}

func TestLoadConfigInvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	if _, err := Parse([]byte("memory:\n  memory_size: -5\n")); err == nil {
		t.Error("expected validation error")
	}
}

func TestCalculateRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.MemorySize = 1000000

	req := cfg.CalculateRequirements(3)

	if req.BytesPerRow <= 0 {
		t.Error("expected positive bytes per row")
	}

	if req.MemoryBytes != int64(cfg.Memory.MemorySize)*req.BytesPerRow {
		t.Errorf("memory bytes %d do not match rows", req.MemoryBytes)
	}

	// Lidar keeps frames in memory, not in blobs.
	if req.FrameBlobBytes != 0 {
		t.Errorf("expected no blob storage for lidar, got %d", req.FrameBlobBytes)
	}

	cfg.Variant = "image"
	img := cfg.CalculateRequirements(3)
	if img.FrameBlobBytes <= 0 {
		t.Error("expected blob storage for image variant")
	}
	if img.TotalStorageBytes <= req.TotalStorageBytes {
		t.Error("image variant should need more storage")
	}
}

func TestFormatRequirements(t *testing.T) {
	cfg := DefaultConfig()

	req := cfg.CalculateRequirements(3)
	output := req.FormatRequirements()

	if len(output) < 100 {
		t.Error("expected substantial output")
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1GB", 1 * 1024 * 1024 * 1024},
		{"2GB", 2 * 1024 * 1024 * 1024},
		{"512MB", 512 * 1024 * 1024},
		{"1024KB", 1024 * 1024},
		{"", 2 * 1024 * 1024 * 1024}, // Default
	}

	for _, tt := range tests {
		result := parseMemoryLimit(tt.input)
		if result != tt.expected {
			t.Errorf("parseMemoryLimit(%s): expected %d, got %d", tt.input, tt.expected, result)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{500, "500 B"},
		{1024, "1.00 KB"},
		{1024 * 1024, "1.00 MB"},
		{1024 * 1024 * 1024, "1.00 GB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.input)
		if result != tt.expected {
			t.Errorf("formatBytes(%d): expected %s, got %s", tt.input, tt.expected, result)
		}
	}
}

func TestDirectories(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.WALDir() != filepath.Join(cfg.DataDir, "wal") {
		t.Errorf("unexpected default WAL dir %s", cfg.WALDir())
	}
	if cfg.FramesDir() != filepath.Join(cfg.DataDir, "frames") {
		t.Errorf("unexpected default frames dir %s", cfg.FramesDir())
	}

	cfg.Ingestion.WAL.Dir = "/custom/wal"
	cfg.Images.Dir = "/custom/frames"
	if cfg.WALDir() != "/custom/wal" || cfg.FramesDir() != "/custom/frames" {
		t.Error("custom directories ignored")
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(tmpDir, "storage")
	cfg.Variant = "image"

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	for _, dir := range []string{cfg.DataDir, cfg.WALDir(), cfg.FramesDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("directory %s not created: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}
