package memory

import (
	"math/rand/v2"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// Batch is one draw of BatchSize items. In trajectory mode Trajectories
// is filled, otherwise Transitions.
type Batch struct {
	Items        []int
	Transitions  []types.Transition
	Trajectories []types.Trajectory
}

// Len returns the number of items in the batch.
func (b Batch) Len() int {
	return len(b.Items)
}

// BatchIterator yields the NbSteps batches of one pass.
//
//	it := mem.Batches(rng)
//	for it.Next() {
//		train(it.Batch())
//	}
//	if err := it.Err(); err != nil { ... }
type BatchIterator struct {
	m         *Memory
	rng       *rand.Rand
	remaining int
	batch     Batch
	err       error
}

// Batches starts one pass over the memory. Items are drawn uniformly with
// replacement from [0, Len()) as seen at the time of each draw. An empty
// memory yields no batches.
func (m *Memory) Batches(rng *rand.Rand) *BatchIterator {
	return &BatchIterator{m: m, rng: rng, remaining: m.opts.NbSteps}
}

// Next draws the next batch. It returns false when the pass is over, the
// memory is empty, or extraction failed.
func (it *BatchIterator) Next() bool {
	if it.err != nil || it.remaining <= 0 {
		return false
	}
	it.remaining--

	b, err := it.m.draw(it.rng)
	if err != nil {
		it.err = err
		return false
	}
	if b.Len() == 0 {
		it.remaining = 0
		return false
	}
	it.batch = b
	return true
}

// Batch returns the batch drawn by the last successful Next.
func (it *BatchIterator) Batch() Batch {
	return it.batch
}

// Err returns the extraction error that stopped the pass, if any.
func (it *BatchIterator) Err() error {
	return it.err
}

// SampleBatch draws a single batch outside of a pass. It fails with
// ErrEmptyMemory while no item can be extracted.
func (m *Memory) SampleBatch(rng *rand.Rand) (Batch, error) {
	b, err := m.draw(rng)
	if err == nil && b.Len() == 0 {
		return Batch{}, errors.ErrEmptyMemory
	}
	return b, err
}

func (m *Memory) draw(rng *rand.Rand) (Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.extract.Len()
	if n == 0 {
		return Batch{}, nil
	}

	size := m.opts.BatchSize
	b := Batch{Items: make([]int, size)}
	for i := range b.Items {
		b.Items[i] = rng.IntN(n)
	}

	if m.opts.Layout.TrajectoryMode() {
		b.Trajectories = make([]types.Trajectory, size)
		for i, item := range b.Items {
			traj, err := m.extract.Trajectory(item)
			if err != nil {
				return Batch{}, err
			}
			b.Trajectories[i] = m.preprocessTrajectory(traj)
		}
	} else {
		b.Transitions = make([]types.Transition, size)
		for i, item := range b.Items {
			tr, err := m.extract.Transition(item)
			if err != nil {
				return Batch{}, err
			}
			b.Transitions[i] = m.preprocessTransition(tr)
		}
	}

	m.drawn.Add(int64(size))
	return b, nil
}

func (m *Memory) preprocessTransition(tr types.Transition) types.Transition {
	if pre := m.opts.ObsPreprocessor; pre != nil {
		tr.Last = pre(tr.Last)
		tr.New = pre(tr.New)
	}
	if pre := m.opts.SamplePreprocessor; pre != nil {
		tr = pre(tr)
	}
	return tr
}

// SamplePreprocessor works on transitions, so trajectories only get the
// observation preprocessor.
func (m *Memory) preprocessTrajectory(traj types.Trajectory) types.Trajectory {
	pre := m.opts.ObsPreprocessor
	if pre == nil {
		return traj
	}
	traj.Last = pre(traj.Last)
	for k := range traj.Steps {
		traj.Steps[k].Obs = pre(traj.Steps[k].Obs)
	}
	return traj
}
