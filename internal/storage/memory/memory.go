// Package memory implements the bounded replay memory.
//
// A Memory owns one stream.Store. Append decomposes each incoming sample
// into the store's columns in the order index, action, scalars, frame,
// done, reward, info, then trims the oldest rows so that at most
// MemorySize rows remain. Len reports the number of complete windows,
// not the number of rows.
//
// The memory is read by one training loop and written by one ingestion
// path. Append and every read take the same RWMutex, so a batch draw
// never observes a half-applied append.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/stats"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/stream"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/window"
)

// FrameStore persists frames outside the store, addressed by row index.
type FrameStore interface {
	window.FrameSource
	Put(index int64, pixels []byte) error
	Get(index int64) ([]byte, error)
	Delete(index int64) error
}

// SamplePreprocessor transforms a drawn transition, e.g. for augmentation.
type SamplePreprocessor func(types.Transition) types.Transition

// ObsPreprocessor transforms every observation window of a drawn item.
type ObsPreprocessor func(types.ObsWindow) types.ObsWindow

// Options configures a Memory. All values are fixed at construction.
type Options struct {
	MemorySize int
	BatchSize  int
	// NbSteps is the number of batches in one pass over the memory.
	NbSteps int
	Layout  window.Layout
	Variant types.Variant

	// Frames is required for variants with disk-backed frames.
	Frames FrameStore

	SamplePreprocessor SamplePreprocessor
	ObsPreprocessor    ObsPreprocessor
}

// Validate checks the options.
func (o Options) Validate() error {
	v := errors.NewValidationErrors()
	if o.MemorySize <= 0 {
		v.AddField("memory_size", "must be positive")
	}
	if o.BatchSize <= 0 {
		v.AddField("batchsize", "must be positive")
	}
	if o.NbSteps <= 0 {
		v.AddField("nb_steps", "must be positive")
	}
	if o.Variant == types.VariantUnknown {
		v.AddMissing("variant")
	}
	if o.Variant.DiskFrames() && o.Frames == nil {
		v.AddField("frames", "required for "+o.Variant.String()+" variant")
	}
	v.Add(o.Layout.Validate())
	return v.Err()
}

// Memory is a capacity-bounded, windowed replay memory.
type Memory struct {
	mu sync.RWMutex

	opts     Options
	store    *stream.Store
	extract  *window.Extractor
	episodes *stats.Episodes
	logger   *slog.Logger

	// Action width, fixed by the first non-empty append.
	actionDim int

	// Statistics
	appendCalls atomic.Int64
	rejected    atomic.Int64
	drawn       atomic.Int64
}

// New creates an empty memory.
func New(opts Options) (*Memory, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("memory options: %w", err)
	}

	store := stream.NewWithCapacity(0, min(opts.MemorySize, 1<<16))

	var extractOpts []window.Option
	switch {
	case !opts.Variant.HasFrame():
		extractOpts = append(extractOpts, window.WithoutFrames())
	case opts.Variant.DiskFrames():
		extractOpts = append(extractOpts, window.WithFrameSource(opts.Frames))
	}

	return &Memory{
		opts:     opts,
		store:    store,
		extract:  window.New(store, opts.Layout, extractOpts...),
		episodes: stats.NewEpisodes(),
		logger:   logging.Component("memory"),
	}, nil
}

// Options returns the construction options.
func (m *Memory) Options() Options {
	return m.opts
}

// Append adds a buffer and evicts the oldest rows beyond MemorySize.
// It returns the number of samples added. A buffer that fails validation
// adds nothing and leaves the memory unchanged.
func (m *Memory) Append(ctx context.Context, buf types.Buffer) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.appendCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := buf.Validate(m.opts.Variant, m.actionDim); err != nil {
		m.rejected.Add(int64(buf.Len()))
		return 0, errors.Wrap(err, "append buffer")
	}

	m.episodes.RecordAll(buf.Episodes)
	if buf.Len() == 0 {
		return 0, nil
	}

	first := m.store.NextIndex()
	rows := make([]stream.Row, buf.Len())
	for i, s := range buf.Samples {
		rows[i] = m.decompose(s)
	}

	if m.opts.Variant.DiskFrames() {
		if err := m.putFrames(first, buf.Samples); err != nil {
			return 0, err
		}
	}

	if _, err := m.store.Append(rows); err != nil {
		return 0, errors.Wrap(err, "append rows")
	}
	if m.actionDim == 0 {
		m.actionDim = buf.ActionDim()
	}

	trimmed, err := m.trimLocked()
	if err != nil {
		return 0, err
	}

	m.logger.Debug("appended buffer",
		"samples", len(rows),
		"first_index", first,
		"trimmed", trimmed,
		"rows", m.store.RowCount())

	return len(rows), nil
}

func (m *Memory) decompose(s types.Sample) stream.Row {
	frame := s.Obs.Frame()
	if m.opts.Variant.DiskFrames() {
		frame = types.Frame{Width: frame.Width, Height: frame.Height}
	}
	return stream.Row{
		Action:  s.PriorAction,
		Scalars: s.Obs.Scalars(),
		Frame:   frame,
		Done:    s.Done,
		Reward:  s.Reward,
		Info:    s.Info,
	}
}

// putFrames writes one blob per sample before the rows become visible.
// On failure the blobs already written are removed again.
func (m *Memory) putFrames(first int64, samples []types.Sample) error {
	for i, s := range samples {
		idx := first + int64(i)
		if err := m.opts.Frames.Put(idx, s.Obs.Frame().Pixels); err != nil {
			for j := first; j < idx; j++ {
				_ = m.opts.Frames.Delete(j)
			}
			return errors.Wrapf(err, "write frame %d", idx)
		}
	}
	return nil
}

// trimLocked evicts rows beyond MemorySize. Recomputing the count from
// the current row count makes it safe to call again after a restore.
func (m *Memory) trimLocked() (int, error) {
	toTrim := m.store.RowCount() - m.opts.MemorySize
	if toTrim <= 0 {
		return 0, nil
	}
	if err := m.store.Trim(toTrim); err != nil {
		return 0, errors.Wrap(err, "trim rows")
	}
	if err := m.store.CheckAlignment(); err != nil {
		return 0, err
	}
	return toTrim, nil
}

// Len returns the number of items that can be extracted.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.extract.Len()
}

// RowCount returns the number of stored rows.
func (m *Memory) RowCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.RowCount()
}

// FirstIndex returns the global index of the oldest stored row.
func (m *Memory) FirstIndex() (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.FirstIndex()
}

// NextIndex returns the index the next appended sample will get.
func (m *Memory) NextIndex() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.NextIndex()
}

// CheckAlignment verifies the store columns.
func (m *Memory) CheckAlignment() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.CheckAlignment()
}

// Transition extracts the transition for item in [0, Len()).
func (m *Memory) Transition(item int) (types.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.extract.Transition(item)
}

// Trajectory extracts the trajectory for item in [0, Len()).
func (m *Memory) Trajectory(item int) (types.Trajectory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.extract.Trajectory(item)
}

// Episodes returns the finished-episode statistics.
func (m *Memory) Episodes() *stats.Episodes {
	return m.episodes
}

// Stats holds memory statistics.
type Stats struct {
	Capacity    int
	Rows        int
	Usable      int
	FirstIndex  int64
	NextIndex   int64
	AppendCalls int64
	Rejected    int64
	Drawn       int64
	Store       stream.Stats
}

// Stats returns current memory statistics.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := m.store.Stats()
	return Stats{
		Capacity:    m.opts.MemorySize,
		Rows:        st.Rows,
		Usable:      m.extract.Len(),
		FirstIndex:  st.FirstIndex,
		NextIndex:   st.NextIndex,
		AppendCalls: m.appendCalls.Load(),
		Rejected:    m.rejected.Load(),
		Drawn:       m.drawn.Load(),
		Store:       st,
	}
}
