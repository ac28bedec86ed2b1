package types

import (
	"fmt"
	"maps"
	"slices"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
)

// Info is the free-form per-step dictionary reported by the worker.
// Values must be JSON-compatible so they survive the wire codec.
type Info map[string]any

// Clone returns a shallow copy of the map.
func (i Info) Clone() Info {
	if i == nil {
		return nil
	}
	return maps.Clone(i)
}

// Sample is one environment step as produced by a rollout worker.
// Immutable once created.
type Sample struct {
	// PriorAction was applied to the previous observation and produced Obs.
	PriorAction []float32

	Obs    Observation
	Reward float32
	Done   bool
	Info   Info
}

// EpisodeStat summarises one finished episode on the worker side.
type EpisodeStat struct {
	Return float64
	Steps  int
	// Test marks episodes run with the deterministic policy.
	Test bool
}

// Buffer is the unit pushed by a worker and consumed once by the memory.
type Buffer struct {
	Samples  []Sample
	Episodes []EpisodeStat
}

// NewBuffer creates a buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		Samples: make([]Sample, 0, capacity),
	}
}

// Add appends a sample to the buffer.
func (b *Buffer) Add(s Sample) {
	b.Samples = append(b.Samples, s)
}

// AddEpisode records a finished episode.
func (b *Buffer) AddEpisode(e EpisodeStat) {
	b.Episodes = append(b.Episodes, e)
}

// Merge appends another buffer, keeping order.
func (b *Buffer) Merge(other Buffer) {
	b.Samples = append(b.Samples, other.Samples...)
	b.Episodes = append(b.Episodes, other.Episodes...)
}

// Len returns the number of samples in the buffer.
func (b *Buffer) Len() int {
	return len(b.Samples)
}

// Clear resets the buffer for reuse.
func (b *Buffer) Clear() {
	clear(b.Samples)
	b.Samples = b.Samples[:0]
	b.Episodes = b.Episodes[:0]
}

// Validate checks that every sample matches the variant and action width.
// With actionDim 0 the first sample's width is the reference, and it must
// not be empty.
func (b *Buffer) Validate(v Variant, actionDim int) error {
	if actionDim == 0 && len(b.Samples) > 0 {
		actionDim = len(b.Samples[0].PriorAction)
		if actionDim == 0 {
			return &SampleError{Index: 0, Reason: "empty prior action", Err: errors.ErrInvalidValue}
		}
	}
	for i, s := range b.Samples {
		if s.Obs == nil {
			return &SampleError{Index: i, Reason: "missing observation", Err: errors.ErrMissingField}
		}
		if s.Obs.Variant() != v {
			return &SampleError{
				Index:  i,
				Reason: fmt.Sprintf("variant %s, memory holds %s", s.Obs.Variant(), v),
				Err:    errors.ErrVariantMismatch,
			}
		}
		if len(s.PriorAction) != actionDim {
			return &SampleError{
				Index:  i,
				Reason: fmt.Sprintf("action width %d, want %d", len(s.PriorAction), actionDim),
				Err:    errors.ErrInvalidValue,
			}
		}
	}
	return nil
}

// ActionDim returns the action width of the first sample, or 0.
func (b *Buffer) ActionDim() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0].PriorAction)
}

// SampleError reports a malformed sample inside a buffer.
type SampleError struct {
	Index  int
	Reason string
	Err    error
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("sample %d: %s", e.Index, e.Reason)
}

func (e *SampleError) Unwrap() error { return e.Err }

// CloneActions deep-copies a stack of actions.
func CloneActions(acts [][]float32) [][]float32 {
	out := make([][]float32, len(acts))
	for i, a := range acts {
		out[i] = slices.Clone(a)
	}
	return out
}
