// Package backpressure paces training against data arrival.
//
// The controller keeps total_updates / total_samples at or below a
// configured maximum. When the ratio is exceeded, or nothing has been
// received yet, the loop is starved: it keeps pulling buffers from the
// workers and sleeps between attempts until the ratio is satisfied.
package backpressure

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashwin2k/tmrl-rnn/internal/logging"
)

// State represents the current state of the training loop.
type State int

const (
	// StateStarved - waiting for samples, the ratio is exceeded.
	StateStarved State = iota

	// StateTraining - drawing batches and updating the agent.
	StateTraining

	// StateBroadcasting - sending weights to the workers.
	StateBroadcasting

	// StateCheckpointing - writing durable run state.
	StateCheckpointing
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStarved:
		return "starved"
	case StateTraining:
		return "training"
	case StateBroadcasting:
		return "broadcasting"
	case StateCheckpointing:
		return "checkpointing"
	default:
		return "unknown"
	}
}

// PullFunc retrieves whatever the workers sent, appends it to the memory
// and returns the new total number of samples.
type PullFunc func(ctx context.Context) (totalSamples int64, err error)

// Controller enforces the update-to-sample ratio.
type Controller struct {
	mu sync.RWMutex

	maxRatio float64
	interval time.Duration

	state atomic.Int32

	stats Stats

	onStateChange func(old, new State)
	logger        *slog.Logger
}

// Stats holds backpressure statistics.
type Stats struct {
	StateChanges int64
	Starvations  int64
	Pulls        int64
	Sleeps       int64
	IdleTime     time.Duration
}

// New creates a controller. maxRatio is max_training_steps_per_env_step
// and interval the sleep between retrieval attempts while starved.
func New(maxRatio float64, interval time.Duration) *Controller {
	c := &Controller{
		maxRatio: maxRatio,
		interval: interval,
		logger:   logging.Component("backpressure"),
	}
	c.state.Store(int32(StateStarved))
	return c
}

// SetOnStateChange sets the callback for state changes.
func (c *Controller) SetOnStateChange(fn func(old, new State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// MaxRatio returns the configured maximum ratio.
func (c *Controller) MaxRatio() float64 {
	return c.maxRatio
}

// Ratio returns updates / samples. ok is false when no sample has been
// received yet, in which case the ratio is reported as -1.
func Ratio(updates, samples int64) (ratio float64, ok bool) {
	if samples == 0 {
		return -1, false
	}
	return float64(updates) / float64(samples), true
}

// Starved reports whether training must wait for more samples. A ratio
// equal to the maximum is allowed.
func (c *Controller) Starved(updates, samples int64) bool {
	ratio, ok := Ratio(updates, samples)
	return !ok || ratio > c.maxRatio
}

// Check evaluates the ratio and moves to Starved or Training.
func (c *Controller) Check(updates, samples int64) State {
	next := StateTraining
	if c.Starved(updates, samples) {
		next = StateStarved
	}
	c.Set(next)
	return next
}

// Set moves the controller to s.
func (c *Controller) Set(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}

	c.mu.Lock()
	c.stats.StateChanges++
	if s == StateStarved {
		c.stats.Starvations++
	}
	fn := c.onStateChange
	c.mu.Unlock()

	if fn != nil {
		fn(old, s)
	}
}

// CurrentState returns the current state.
func (c *Controller) CurrentState() State {
	return State(c.state.Load())
}

// WaitForSamples blocks while training is starved. Each attempt pulls
// once, recomputes the ratio, and sleeps only if still starved. It
// returns the time spent waiting. Cancellation is honoured at the sleep.
func (c *Controller) WaitForSamples(ctx context.Context, updates, samples int64, pull PullFunc) (time.Duration, error) {
	if c.Check(updates, samples) != StateStarved {
		return 0, nil
	}

	start := time.Now()
	defer func() {
		c.mu.Lock()
		c.stats.IdleTime += time.Since(start)
		c.mu.Unlock()
	}()

	ratio, _ := Ratio(updates, samples)
	c.logger.Debug("starved, waiting for samples",
		"updates", updates,
		"samples", samples,
		"ratio", ratio,
		"max_ratio", c.maxRatio)

	for {
		total, err := pull(ctx)
		c.mu.Lock()
		c.stats.Pulls++
		c.mu.Unlock()
		if err != nil {
			return time.Since(start), err
		}
		samples = total

		if c.Check(updates, samples) != StateStarved {
			return time.Since(start), nil
		}

		if err := c.sleep(ctx); err != nil {
			return time.Since(start), err
		}
	}
}

// WaitForItems blocks while ready reports false, for example while the
// memory holds samples but fewer than one extraction window. It sleeps
// before each pull, since the caller has just pulled.
func (c *Controller) WaitForItems(ctx context.Context, ready func() bool, pull PullFunc) (time.Duration, error) {
	if ready() {
		return 0, nil
	}
	c.Set(StateStarved)

	start := time.Now()
	defer func() {
		c.mu.Lock()
		c.stats.IdleTime += time.Since(start)
		c.mu.Unlock()
	}()

	for {
		if err := c.sleep(ctx); err != nil {
			return time.Since(start), err
		}
		_, err := pull(ctx)
		c.mu.Lock()
		c.stats.Pulls++
		c.mu.Unlock()
		if err != nil {
			return time.Since(start), err
		}
		if ready() {
			c.Set(StateTraining)
			return time.Since(start), nil
		}
	}
}

func (c *Controller) sleep(ctx context.Context) error {
	c.mu.Lock()
	c.stats.Sleeps++
	c.mu.Unlock()

	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentState: c.CurrentState(),
		MaxRatio:     c.maxRatio,
		StateChanges: c.stats.StateChanges,
		Starvations:  c.stats.Starvations,
		Pulls:        c.stats.Pulls,
		Sleeps:       c.stats.Sleeps,
		IdleTime:     c.stats.IdleTime,
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentState State
	MaxRatio     float64
	StateChanges int64
	Starvations  int64
	Pulls        int64
	Sleeps       int64
	IdleTime     time.Duration
}
