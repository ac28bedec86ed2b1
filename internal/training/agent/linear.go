// Package agent provides a minimal learning agent for the training loop.
//
// Linear fits a linear reward model over the last observation's scalars
// and the applied action with plain SGD. It exists to drive the loop end
// to end (demo runs, load tests, integration tests); real policies plug
// in through the trainer.Agent interface.
package agent

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/memory"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// Metric names reported by Train.
const (
	MetricLoss       = "loss"
	MetricRewardMean = "reward_mean"
	MetricItems      = "items"
)

// Linear is a linear reward regressor.
type Linear struct {
	mu sync.Mutex
	lr float64
	w  []float64
}

// NewLinear creates an agent with learning rate lr. Weights are sized on
// the first batch.
func NewLinear(lr float64) *Linear {
	return &Linear{lr: lr}
}

// Train runs one SGD step on the batch and returns the batch loss before
// the step.
func (a *Linear) Train(ctx context.Context, batch memory.Batch) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	transitions := batch.Transitions
	for _, traj := range batch.Trajectories {
		for k := range traj.Len() {
			transitions = append(transitions, traj.Transition(k))
		}
	}
	if len(transitions) == 0 {
		return nil, fmt.Errorf("train on empty batch: %w", errors.ErrInvalidValue)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	dim := len(features(transitions[0]))
	if a.w == nil {
		a.w = make([]float64, dim)
	}
	if len(a.w) != dim {
		return nil, fmt.Errorf("feature width %d, weights have %d: %w", dim, len(a.w), errors.ErrInvalidValue)
	}

	grad := make([]float64, dim)
	var loss, rewards float64
	for _, tr := range transitions {
		x := features(tr)
		if len(x) != dim {
			return nil, fmt.Errorf("feature width %d, want %d: %w", len(x), dim, errors.ErrInvalidValue)
		}
		diff := dot(a.w, x) - float64(tr.Reward)
		loss += diff * diff
		rewards += float64(tr.Reward)
		for i, v := range x {
			grad[i] += diff * v
		}
	}

	n := float64(len(transitions))
	for i := range a.w {
		a.w[i] -= a.lr * 2 * grad[i] / n
	}

	return map[string]float64{
		MetricLoss:       loss / n,
		MetricRewardMean: rewards / n,
		MetricItems:      n,
	}, nil
}

// Predict returns the modelled reward of a transition.
func (a *Linear) Predict(tr types.Transition) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	x := features(tr)
	if len(x) != len(a.w) {
		return 0
	}
	return dot(a.w, x)
}

// Weights serializes the model: a little-endian uint32 count followed by
// float64 values.
func (a *Linear) Weights() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]byte, 4+8*len(a.w))
	binary.LittleEndian.PutUint32(out, uint32(len(a.w)))
	for i, v := range a.w {
		binary.LittleEndian.PutUint64(out[4+8*i:], math.Float64bits(v))
	}
	return out, nil
}

// Restore loads weights produced by Weights.
func (a *Linear) Restore(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("weights of %d bytes: %w", len(data), errors.ErrCorruptRecord)
	}
	n := int(binary.LittleEndian.Uint32(data))
	if len(data) != 4+8*n {
		return fmt.Errorf("weights declare %d values in %d bytes: %w", n, len(data), errors.ErrCorruptRecord)
	}

	w := make([]float64, n)
	for i := range w {
		w[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[4+8*i:]))
	}
	if n == 0 {
		w = nil
	}

	a.mu.Lock()
	a.w = w
	a.mu.Unlock()
	return nil
}

// features is last scalars, new action, bias.
func features(tr types.Transition) []float64 {
	x := make([]float64, 0, len(tr.Last.Scalars)+len(tr.NewAction)+1)
	for _, v := range tr.Last.Scalars {
		x = append(x, float64(v))
	}
	for _, v := range tr.NewAction {
		x = append(x, float64(v))
	}
	return append(x, 1)
}

func dot(w, x []float64) float64 {
	var s float64
	for i := range w {
		s += w[i] * x[i]
	}
	return s
}
