package trainer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/metrics"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/memory"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/stats"
	"github.com/ashwin2k/tmrl-rnn/internal/training/backpressure"
	"github.com/ashwin2k/tmrl-rnn/internal/training/checkpoint"
)

// RoundStats summarises one round.
type RoundStats struct {
	Epoch int
	Round int

	// MemorySize is the memory length (usable items) at round start.
	MemorySize int
	RoundTime  time.Duration
	// IdleTime is the wait for samples before the round's first update.
	IdleTime time.Duration
	// StarvedTime includes every wait inside the round.
	StarvedTime time.Duration
	Updates     int

	// Metrics holds the mean of every agent metric and episode statistic
	// over the round's updates.
	Metrics map[string]float64
}

// EpochStats summarises one epoch.
type EpochStats struct {
	Epoch  int
	Rounds []RoundStats
}

// NextEpoch runs one epoch and advances the epoch counter. It returns
// ErrDone once the configured number of epochs has been reached.
func (t *Trainer) NextEpoch(ctx context.Context) (EpochStats, error) {
	if err := t.Open(ctx); err != nil {
		return EpochStats{}, err
	}
	if t.state.Epoch >= t.cfg.Training.Epochs {
		return EpochStats{}, ErrDone
	}

	epoch := t.state.Epoch
	ctx = logging.ContextWithEpoch(logging.ContextWithRunID(ctx, t.state.RunID), epoch)
	ctx, span := t.tracer.Start(ctx, "trainer.Epoch",
		trace.WithAttributes(
			attribute.String("run_id", t.state.RunID),
			attribute.Int("epoch", epoch),
		))
	defer span.End()

	metrics.Epoch.Set(float64(epoch))

	// One generator per epoch so a resumed run draws the same batches.
	rng := rand.New(rand.NewPCG(uint64(t.state.Seed), uint64(epoch)))

	out := EpochStats{Epoch: epoch, Rounds: make([]RoundStats, 0, t.cfg.Training.Rounds)}
	for rnd := range t.cfg.Training.Rounds {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "context cancelled")
			return out, err
		}

		rs, err := t.round(ctx, rng, epoch, rnd)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return out, err
		}
		out.Rounds = append(out.Rounds, rs)
	}

	t.state.Epoch++
	span.SetAttributes(attribute.Int64("total_updates", t.state.TotalUpdates))
	return out, nil
}

func (t *Trainer) round(ctx context.Context, rng *rand.Rand, epoch, rnd int) (RoundStats, error) {
	ctx, span := t.tracer.Start(ctx, "trainer.Round", trace.WithAttributes(attribute.Int("round", rnd)))
	defer span.End()

	log := logging.WithContext(ctx).With("component", "trainer")
	mem := t.state.Memory

	rs := RoundStats{
		Epoch:      epoch,
		Round:      rnd,
		MemorySize: mem.Len(),
	}
	log.Debug("round start",
		"round", rnd,
		"rounds", t.cfg.Training.Rounds,
		"memory_size", rs.MemorySize)

	t0 := time.Now()
	idle, err := t.waitForSamples(ctx)
	if err != nil {
		return rs, err
	}
	rs.IdleTime = idle
	rs.StarvedTime = idle

	if _, err := t.pull(ctx); err != nil {
		return rs, err
	}

	// Samples may have arrived without filling one window yet.
	if mem.Len() == 0 {
		log.Warn("memory below minimum window, waiting for samples",
			"rows", mem.RowCount(),
			"min_samples", mem.Options().Layout.MinSamples())
		waited, err := t.ctrl.WaitForItems(ctx, func() bool { return mem.Len() > 0 }, t.pull)
		if waited > 0 {
			metrics.StarvedSeconds.Add(waited.Seconds())
		}
		rs.IdleTime += waited
		rs.StarvedTime += waited
		if err != nil {
			return rs, err
		}
	}

	group := stats.NewGroup()
	it := mem.Batches(rng)
	for it.Next() {
		if t.state.TotalUpdates == 0 {
			log.Info("starting training")
		}

		m, err := t.train(ctx, it.Batch())
		if err != nil {
			return rs, err
		}
		for k, v := range mem.Episodes().Latest() {
			m[k] = v
		}
		group.Add(m)

		t.state.TotalUpdates++
		rs.Updates++
		metrics.Updates.Inc()

		if t.state.TotalUpdates%int64(t.cfg.Training.UpdateModelInterval) == 0 {
			t.broadcast(ctx)
		}

		waited, err := t.waitForSamples(ctx)
		if err != nil {
			return rs, err
		}
		rs.StarvedTime += waited
	}
	if err := it.Err(); err != nil {
		return rs, fmt.Errorf("draw batch: %w", err)
	}

	rs.RoundTime = time.Since(t0)
	rs.Metrics = group.Means()
	metrics.RoundDuration.Observe(rs.RoundTime.Seconds())
	span.SetAttributes(attribute.Int("updates", rs.Updates))

	log.Info("round complete", roundLogArgs(rs)...)
	return rs, nil
}

func (t *Trainer) train(ctx context.Context, batch memory.Batch) (map[string]float64, error) {
	timer := prometheus.NewTimer(metrics.TrainStepDuration)
	defer timer.ObserveDuration()

	m, err := t.agent.Train(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("train step %d: %w", t.state.TotalUpdates, err)
	}
	if m == nil {
		m = make(map[string]float64)
	}
	return m, nil
}

// waitForSamples blocks while the update-to-sample ratio is exceeded.
func (t *Trainer) waitForSamples(ctx context.Context) (time.Duration, error) {
	idle, err := t.ctrl.WaitForSamples(ctx, t.state.TotalUpdates, t.state.TotalSamples,
		func(ctx context.Context) (int64, error) {
			return t.pull(ctx)
		})
	if idle > 0 {
		metrics.StarvedSeconds.Add(idle.Seconds())
	}
	ratio, _ := backpressure.Ratio(t.state.TotalUpdates, t.state.TotalSamples)
	metrics.Ratio.Set(ratio)
	return idle, err
}

// pull retrieves one buffer from the workers, ingests it and returns
// the new sample total.
func (t *Trainer) pull(ctx context.Context) (int64, error) {
	buf, err := t.iface.RetrieveBuffer(ctx)
	if err != nil {
		return t.state.TotalSamples, fmt.Errorf("retrieve buffer: %w", err)
	}

	n, err := t.ingest.Ingest(ctx, buf)
	if err != nil {
		return t.state.TotalSamples, err
	}
	t.state.TotalSamples += int64(n)

	metrics.SamplesIngested.Add(float64(n))
	if rejected := t.ingest.Stats().SamplesRejected; rejected > t.lastRejected {
		metrics.SamplesRejected.Add(float64(rejected - t.lastRejected))
		t.lastRejected = rejected
	}
	metrics.MemoryRows.Set(float64(t.state.Memory.RowCount()))
	metrics.MemoryUsable.Set(float64(t.state.Memory.Len()))

	return t.state.TotalSamples, nil
}

// broadcast sends the current weights. Failures are logged; workers keep
// acting with the weights they have.
func (t *Trainer) broadcast(ctx context.Context) {
	prev := t.ctrl.CurrentState()
	t.ctrl.Set(backpressure.StateBroadcasting)
	defer t.ctrl.Set(prev)

	weights, err := t.agent.Weights()
	if err != nil {
		t.logger.Warn("serialize weights", "error", err)
		return
	}
	if err := t.iface.BroadcastModel(ctx, weights); err != nil {
		t.logger.Warn("broadcast model", "error", err)
		return
	}
	metrics.Broadcasts.Inc()
}

// Checkpoint writes the run state and memory. The WAL is rotated first
// so that the checkpoint covers every earlier segment, which are deleted
// once the file is in place.
func (t *Trainer) Checkpoint(ctx context.Context) error {
	_, span := t.tracer.Start(ctx, "trainer.Checkpoint",
		trace.WithAttributes(attribute.String("path", t.checkpointPath)))
	defer span.End()

	prev := t.ctrl.CurrentState()
	t.ctrl.Set(backpressure.StateCheckpointing)
	defer t.ctrl.Set(prev)

	timer := prometheus.NewTimer(metrics.CheckpointDuration)
	defer timer.ObserveDuration()

	seq, err := t.ingest.Rotate()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("rotate WAL: %w", err)
	}

	weights, err := t.agent.Weights()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("serialize weights: %w", err)
	}
	t.state.ModelWeights = weights
	t.state.WALSequence = seq

	if err := checkpoint.Save(t.checkpointPath, t.state.State, t.state.Memory, t.parquetOpts); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := t.ingest.Checkpointed(seq); err != nil {
		// Segments before seq are never replayed against this checkpoint.
		t.logger.Warn("truncate WAL after checkpoint", "error", err)
	}
	return nil
}

func roundLogArgs(rs RoundStats) []any {
	args := []any{
		"epoch", rs.Epoch,
		"round", rs.Round,
		"memory_size", rs.MemorySize,
		"round_time", rs.RoundTime,
		"idle_time", rs.IdleTime,
		"updates", rs.Updates,
	}
	names := make([]string, 0, len(rs.Metrics))
	for k := range rs.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		args = append(args, k, rs.Metrics[k])
	}
	return args
}
