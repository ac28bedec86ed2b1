// Package stats keeps running statistics for episode returns, episode
// lengths and per-round training metrics.
package stats

import (
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultAccuracy is the relative accuracy of percentile sketches.
const DefaultAccuracy = 0.01

// Stream maintains running statistics over a stream of values, with
// optional DDSketch percentiles.
type Stream struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64
	last  float64

	// DDSketch for percentiles (nil if disabled)
	sketch   *ddsketch.DDSketch
	accuracy float64
}

// Summary is a point-in-time view of a Stream.
type Summary struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Mean  float64
	// Last is the most recently added value.
	Last float64

	// Percentiles (nil if disabled or empty)
	P50 *float64
	P90 *float64
	P99 *float64
}

// NewStream creates a stream without percentiles.
func NewStream() *Stream {
	return &Stream{min: math.MaxFloat64, max: -math.MaxFloat64}
}

// NewStreamWithAccuracy creates a stream with percentiles at the given
// relative accuracy.
func NewStreamWithAccuracy(accuracy float64) *Stream {
	s := NewStream()
	s.accuracy = accuracy
	if sketch, err := ddsketch.NewDefaultDDSketch(accuracy); err == nil {
		s.sketch = sketch
	}
	return s
}

// Add adds a value to the stream.
func (s *Stream) Add(value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += value
	s.last = value

	if value < s.min {
		s.min = value
	}
	if value > s.max {
		s.max = value
	}

	if s.sketch != nil {
		s.sketch.Add(value)
	}
}

// Count returns the number of values added.
func (s *Stream) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Summary returns the current statistics.
func (s *Stream) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		Count: s.count,
		Sum:   s.sum,
		Last:  s.last,
	}
	if s.count == 0 {
		return sum
	}

	sum.Mean = s.sum / float64(s.count)
	sum.Min = s.min
	sum.Max = s.max

	if s.sketch != nil {
		p50, err50 := s.sketch.GetValueAtQuantile(0.50)
		p90, err90 := s.sketch.GetValueAtQuantile(0.90)
		p99, err99 := s.sketch.GetValueAtQuantile(0.99)
		if err50 == nil && err90 == nil && err99 == nil {
			sum.P50, sum.P90, sum.P99 = &p50, &p90, &p99
		}
	}
	return sum
}

// Reset clears the stream.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.sum = 0
	s.last = 0
	s.min = math.MaxFloat64
	s.max = -math.MaxFloat64

	if s.sketch != nil {
		// DDSketch has no Clear method.
		if sketch, err := ddsketch.NewDefaultDDSketch(s.accuracy); err == nil {
			s.sketch = sketch
		}
	}
}

// Merge combines another stream into this one. The merged stream's
// Last becomes other's Last when other is non-empty.
func (s *Stream) Merge(other *Stream) {
	if other == nil || s == other {
		return
	}

	s.mu.Lock()
	other.mu.Lock()
	defer s.mu.Unlock()
	defer other.mu.Unlock()

	if other.count == 0 {
		return
	}

	s.count += other.count
	s.sum += other.sum
	s.last = other.last
	s.min = math.Min(s.min, other.min)
	s.max = math.Max(s.max, other.max)

	if s.sketch != nil && other.sketch != nil {
		_ = s.sketch.MergeWith(other.sketch)
	}
}

// StreamState is the persisted form of a Stream. Sketch holds the
// base64 DDSketch encoding.
type StreamState struct {
	Count  int64   `yaml:"count"`
	Sum    float64 `yaml:"sum"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
	Last   float64 `yaml:"last"`
	Sketch string  `yaml:"sketch,omitempty"`
}

// State returns the persisted form of the stream.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := StreamState{Count: s.count, Sum: s.sum, Last: s.last}
	if s.count == 0 {
		return st
	}
	st.Min, st.Max = s.min, s.max
	if s.sketch != nil {
		var b []byte
		s.sketch.Encode(&b, false)
		st.Sketch = base64.StdEncoding.EncodeToString(b)
	}
	return st
}

// SetState replaces the stream's contents with st.
func (s *Stream) SetState(st StreamState) error {
	s.Reset()
	if st.Count == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = st.Count
	s.sum = st.Sum
	s.min = st.Min
	s.max = st.Max
	s.last = st.Last

	if s.sketch != nil && st.Sketch != "" {
		b, err := base64.StdEncoding.DecodeString(st.Sketch)
		if err != nil {
			return fmt.Errorf("decode sketch: %w", err)
		}
		if err := s.sketch.DecodeAndMergeWith(b); err != nil {
			return fmt.Errorf("decode sketch: %w", err)
		}
	}
	return nil
}

// Group is a set of named streams, used for per-round agent metrics.
type Group struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{streams: make(map[string]*Stream)}
}

// Add adds every value of m to the stream of the same name.
func (g *Group) Add(m map[string]float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for k, v := range m {
		s, ok := g.streams[k]
		if !ok {
			s = NewStream()
			g.streams[k] = s
		}
		s.Add(v)
	}
}

// Means returns the mean of every stream.
func (g *Group) Means() map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]float64, len(g.streams))
	for k, s := range g.streams {
		out[k] = s.Summary().Mean
	}
	return out
}

// Names returns the stream names in sorted order.
func (g *Group) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.streams))
	for k := range g.streams {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
