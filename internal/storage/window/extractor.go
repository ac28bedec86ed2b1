package window

import (
	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/stream"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// FrameSource resolves frames kept outside the store.
// stored carries what the store holds for each row (dimensions only for
// disk-backed frames) and is returned completed, in the same order.
type FrameSource interface {
	LoadFrames(indices []int64, stored []types.Frame) ([]types.Frame, error)
}

// Extractor reads windows out of a store. It holds no state of its own,
// so every call with the same item on the same rows returns equal values.
type Extractor struct {
	store  *stream.Store
	layout Layout
	source FrameSource
	frames bool
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithFrameSource loads frames through src instead of the frame column.
func WithFrameSource(src FrameSource) Option {
	return func(e *Extractor) { e.source = src }
}

// WithoutFrames leaves ObsWindow.Frames empty. ImgsObs still shifts the
// offsets, as it does for telemetry rows.
func WithoutFrames() Option {
	return func(e *Extractor) { e.frames = false }
}

// New creates an extractor over store.
func New(store *stream.Store, layout Layout, opts ...Option) *Extractor {
	e := &Extractor{
		store:  store,
		layout: layout,
		frames: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Layout returns the window layout.
func (e *Extractor) Layout() Layout {
	return e.layout
}

// Len returns the usable length for the current rows.
func (e *Extractor) Len() int {
	return e.layout.UsableLength(e.store.RowCount())
}

func (e *Extractor) check(item int) error {
	if n := e.Len(); item < 0 || item >= n {
		return errors.NewOutOfRange(item, n)
	}
	return nil
}

func (e *Extractor) loadFrames(lo, hi int) ([]types.Frame, error) {
	if !e.frames {
		return nil, nil
	}
	stored := e.store.Frames(lo, hi)
	if e.source == nil {
		return stored, nil
	}
	frames, err := e.source.LoadFrames(e.store.Indices(lo, hi), stored)
	if err != nil {
		return nil, errors.Wrapf(err, "load frames [%d, %d)", lo, hi)
	}
	return frames, nil
}

// Transition rebuilds the transition for item in [0, Len()).
//
// The action window holds ActBufLen+1 actions and the frame window
// ImgsObs+1 frames. The "last" observation takes each window minus its
// final element, the "new" observation each window minus its first.
func (e *Extractor) Transition(item int) (types.Transition, error) {
	if err := e.check(item); err != nil {
		return types.Transition{}, err
	}

	l := e.layout
	idxLast := item + l.MinSamples() - 1
	idxNow := idxLast + 1

	actLo := item + l.StartActsOffset()
	acts := e.store.Actions(actLo, actLo+l.ActBufLen+1)

	imgLo := item + l.StartImgsOffset()
	frames, err := e.loadFrames(imgLo, imgLo+l.ImgsObs+1)
	if err != nil {
		return types.Transition{}, err
	}

	last := types.ObsWindow{
		Scalars: e.store.Scalars(idxLast),
		Actions: acts[:l.ActBufLen:l.ActBufLen],
	}
	next := types.ObsWindow{
		Scalars: e.store.Scalars(idxNow),
		Actions: acts[1:],
	}
	if frames != nil {
		last.Frames = frames[:l.ImgsObs:l.ImgsObs]
		next.Frames = frames[1:]
	}

	return types.Transition{
		Last:      last,
		NewAction: e.store.Action(idxNow),
		Reward:    e.store.Reward(idxNow),
		New:       next,
		Done:      e.store.Done(idxNow),
		Info:      e.store.Info(idxNow),
	}, nil
}

// Trajectory rebuilds StepCount() consecutive steps starting at item.
//
// ActBufLen+n actions and ImgsObs+n frames are read once; step k takes
// actions [1+k, ActBufLen+k+1) and frames [1+k, ImgsObs+k+1) of that
// read, and its scalar, reward, done and info fields from idx_now+k.
// A one-step trajectory equals Transition(item) field for field.
func (e *Extractor) Trajectory(item int) (types.Trajectory, error) {
	if err := e.check(item); err != nil {
		return types.Trajectory{}, err
	}

	l := e.layout
	n := l.StepCount()
	idxNow := item + l.MinSamples()

	actLo := item + l.StartActsOffset()
	acts := e.store.Actions(actLo, actLo+l.ActBufLen+n)

	imgLo := item + l.StartImgsOffset()
	frames, err := e.loadFrames(imgLo, imgLo+l.ImgsObs+n)
	if err != nil {
		return types.Trajectory{}, err
	}

	window := func(k int) types.ObsWindow {
		w := types.ObsWindow{
			Scalars: e.store.Scalars(idxNow + k),
			Actions: acts[1+k : l.ActBufLen+k+1 : l.ActBufLen+k+1],
		}
		if frames != nil {
			w.Frames = frames[1+k : l.ImgsObs+k+1 : l.ImgsObs+k+1]
		}
		return w
	}

	traj := types.Trajectory{
		Last:  window(-1),
		Steps: make([]types.Step, n),
	}
	for k := range n {
		row := idxNow + k
		traj.Steps[k] = types.Step{
			Obs:    window(k),
			Action: e.store.Action(row),
			Reward: e.store.Reward(row),
			Done:   e.store.Done(row),
			Info:   e.store.Info(row),
		}
	}
	return traj, nil
}
