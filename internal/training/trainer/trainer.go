// Package trainer runs the backpressure-controlled training loop.
//
// A run is a sequence of epochs, an epoch a sequence of rounds. Each
// round waits until total_updates / total_samples is at or below the
// configured maximum, pulls whatever the workers sent, and then drains
// one pass of batches from the replay memory. After every update the
// ratio is checked again, and every update_model_interval updates the
// weights are broadcast. The run state is checkpointed every
// epochs_between_checkpoints epochs.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/config"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/imagestore"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/ingestion"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/memory"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/parquet"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/retention"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
	"github.com/ashwin2k/tmrl-rnn/internal/training/backpressure"
	"github.com/ashwin2k/tmrl-rnn/internal/training/checkpoint"
)

// ErrDone is returned by NextEpoch once every epoch has run.
var ErrDone = errors.ErrDone

// Agent is the learner trained by the loop.
type Agent interface {
	// Train performs one update on a batch and returns scalar metrics.
	Train(ctx context.Context, batch memory.Batch) (map[string]float64, error)
	// Weights serializes the current model for broadcast and checkpoints.
	Weights() ([]byte, error)
	// Restore loads weights produced by Weights.
	Restore(weights []byte) error
}

// Interface connects the loop to the rollout workers.
type Interface interface {
	// RetrieveBuffer returns everything received since the last call.
	// It never blocks and may return an empty buffer.
	RetrieveBuffer(ctx context.Context) (types.Buffer, error)
	// BroadcastModel sends weights to the workers without waiting for
	// acknowledgement.
	BroadcastModel(ctx context.Context, weights []byte) error
}

// RunState is the durable state of a run together with the memory it
// owns.
type RunState struct {
	checkpoint.State
	Memory *memory.Memory
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithSamplePreprocessor sets the transition preprocessor of the memory.
func WithSamplePreprocessor(fn memory.SamplePreprocessor) Option {
	return func(t *Trainer) { t.samplePre = fn }
}

// WithObsPreprocessor sets the observation preprocessor of the memory.
func WithObsPreprocessor(fn memory.ObsPreprocessor) Option {
	return func(t *Trainer) { t.obsPre = fn }
}

// WithCheckpointOptions sets the parquet options of checkpoint files.
func WithCheckpointOptions(opts parquet.Options) Option {
	return func(t *Trainer) { t.parquetOpts = opts }
}

// WithEpochHook registers fn to receive the statistics of every epoch.
func WithEpochHook(fn func(EpochStats)) Option {
	return func(t *Trainer) { t.onEpoch = fn }
}

// Trainer owns the replay memory, the ingestion pipeline and the run
// state. It is driven by a single goroutine.
type Trainer struct {
	cfg   *config.Config
	agent Agent
	iface Interface

	state  *RunState
	frames *imagestore.Store
	ingest *ingestion.Service
	ctrl   *backpressure.Controller

	checkpointPath string
	parquetOpts    parquet.Options
	samplePre      memory.SamplePreprocessor
	obsPre         memory.ObsPreprocessor
	onEpoch        func(EpochStats)

	opened       bool
	lastRejected int64

	logger *slog.Logger
	tracer trace.Tracer
}

// NewTrainer builds the memory and ingestion pipeline described by cfg.
// The run itself is loaded or created by Open.
func NewTrainer(cfg *config.Config, agent Agent, iface Interface, opts ...Option) (*Trainer, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("trainer config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:            cfg,
		agent:          agent,
		iface:          iface,
		checkpointPath: cfg.Checkpoint.Path,
		parquetOpts:    parquet.DefaultOptions(),
		logger:         logging.Component("trainer"),
		tracer:         otel.Tracer("tmrl/trainer"),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.checkpointPath == "" {
		t.checkpointPath = checkpoint.TempPath(cfg.DataDir)
	}

	variant := cfg.VariantType()
	memOpts := memory.Options{
		MemorySize:         cfg.Memory.MemorySize,
		BatchSize:          cfg.Memory.BatchSize,
		NbSteps:            cfg.Training.Steps,
		Layout:             cfg.Memory.Layout(),
		Variant:            variant,
		SamplePreprocessor: t.samplePre,
		ObsPreprocessor:    t.obsPre,
	}

	var blobs retention.BlobStore
	if variant.DiskFrames() {
		frames, err := imagestore.Open(cfg.FramesDir(), cfg.Images.CompressionLevel,
			imagestore.WithMaxFrameSize(cfg.Images.MaxFrameSize))
		if err != nil {
			return nil, err
		}
		t.frames = frames
		memOpts.Frames = frames
		blobs = frames
	}

	mem, err := memory.New(memOpts)
	if err != nil {
		t.closeFrames()
		return nil, err
	}

	ing, err := ingestion.New(cfg, mem, blobs)
	if err != nil {
		t.closeFrames()
		return nil, err
	}

	t.ingest = ing
	t.state = &RunState{Memory: mem}
	t.ctrl = backpressure.New(cfg.Training.MaxTrainingStepsPerEnvStep, cfg.Training.SleepBetweenBufferRetrievalAttempts)
	t.ctrl.SetOnStateChange(func(old, new backpressure.State) {
		t.logger.Debug("loop state", "from", old.String(), "to", new.String())
	})
	return t, nil
}

// Open loads the run from the checkpoint file if it exists, replaying
// WAL segments written after it. Otherwise it starts a new run and
// writes its first checkpoint. A checkpoint that cannot be read is fatal.
func (t *Trainer) Open(ctx context.Context) error {
	if t.opened {
		return nil
	}

	if checkpoint.Exists(t.checkpointPath) {
		if err := t.resume(ctx); err != nil {
			return err
		}
	} else {
		seed := t.cfg.Training.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		t.state.State = checkpoint.State{
			RunID: uuid.NewString(),
			Seed:  seed,
		}
		t.logger.Info("starting run",
			"run_id", t.state.RunID,
			"checkpoint", t.checkpointPath,
			"seed", seed,
			"epochs", t.cfg.Training.Epochs)
		if err := t.Checkpoint(ctx); err != nil {
			return err
		}
	}

	t.opened = true
	return nil
}

func (t *Trainer) resume(ctx context.Context) error {
	start := time.Now()
	st, err := checkpoint.Load(t.checkpointPath, t.state.Memory)
	if err != nil {
		return err
	}
	if len(st.ModelWeights) > 0 {
		if err := t.agent.Restore(st.ModelWeights); err != nil {
			return fmt.Errorf("restore agent: %w", err)
		}
	}
	t.state.State = st

	replayed, err := t.ingest.Replay(ctx, st.WALSequence)
	if err != nil {
		return err
	}
	t.state.TotalSamples += replayed

	t.logger.Info("resumed run",
		"run_id", st.RunID,
		"epoch", st.Epoch,
		"total_samples", t.state.TotalSamples,
		"total_updates", st.TotalUpdates,
		"replayed", replayed,
		"elapsed", time.Since(start))
	return nil
}

// State returns the run state.
func (t *Trainer) State() *RunState {
	return t.state
}

// Memory returns the replay memory.
func (t *Trainer) Memory() *memory.Memory {
	return t.state.Memory
}

// Controller returns the backpressure controller.
func (t *Trainer) Controller() *backpressure.Controller {
	return t.ctrl
}

// Ingestion returns the ingestion service.
func (t *Trainer) Ingestion() *ingestion.Service {
	return t.ingest
}

// CheckpointPath returns the checkpoint file of the run.
func (t *Trainer) CheckpointPath() string {
	return t.checkpointPath
}

// Run opens the run and executes the remaining epochs, checkpointing
// every epochs_between_checkpoints epochs. Temporary checkpoints are
// removed when Run returns.
func (t *Trainer) Run(ctx context.Context) error {
	defer t.removeTemporary()

	if err := t.Open(ctx); err != nil {
		return err
	}

	for {
		st, err := t.NextEpoch(ctx)
		if errors.Is(err, ErrDone) {
			t.logger.Info("run complete",
				"run_id", t.state.RunID,
				"epochs", t.state.Epoch,
				"total_samples", t.state.TotalSamples,
				"total_updates", t.state.TotalUpdates)
			return nil
		}
		if err != nil {
			return err
		}
		if t.onEpoch != nil {
			t.onEpoch(st)
		}

		if t.state.Epoch%t.cfg.Training.EpochsBetweenCheckpoints == 0 {
			if err := t.Checkpoint(ctx); err != nil {
				return err
			}
		}
	}
}

func (t *Trainer) removeTemporary() {
	if !checkpoint.IsTemporary(t.checkpointPath) {
		return
	}
	if err := checkpoint.Remove(t.checkpointPath); err != nil {
		t.logger.Warn("remove temporary checkpoint", "path", t.checkpointPath, "error", err)
	}
}

// Close releases the WAL and frame store.
func (t *Trainer) Close() error {
	err := t.ingest.Close()
	t.closeFrames()
	return err
}

func (t *Trainer) closeFrames() {
	if t.frames != nil {
		t.frames.Close()
		t.frames = nil
	}
}
