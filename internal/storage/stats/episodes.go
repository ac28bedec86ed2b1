package stats

import (
	"fmt"

	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// Metric names attached to every training step.
const (
	ReturnTest         = "return_test"
	ReturnTrain        = "return_train"
	EpisodeLengthTest  = "episode_length_test"
	EpisodeLengthTrain = "episode_length_train"
)

// Episodes tracks finished-episode statistics reported by workers,
// split into train and test episodes.
type Episodes struct {
	TrainReturn *Stream
	TestReturn  *Stream
	TrainSteps  *Stream
	TestSteps   *Stream
}

// NewEpisodes creates empty episode statistics with percentile sketches.
func NewEpisodes() *Episodes {
	return &Episodes{
		TrainReturn: NewStreamWithAccuracy(DefaultAccuracy),
		TestReturn:  NewStreamWithAccuracy(DefaultAccuracy),
		TrainSteps:  NewStreamWithAccuracy(DefaultAccuracy),
		TestSteps:   NewStreamWithAccuracy(DefaultAccuracy),
	}
}

// Record adds one finished episode.
func (e *Episodes) Record(ep types.EpisodeStat) {
	if ep.Test {
		e.TestReturn.Add(ep.Return)
		e.TestSteps.Add(float64(ep.Steps))
		return
	}
	e.TrainReturn.Add(ep.Return)
	e.TrainSteps.Add(float64(ep.Steps))
}

// RecordAll adds every episode of a buffer.
func (e *Episodes) RecordAll(eps []types.EpisodeStat) {
	for _, ep := range eps {
		e.Record(ep)
	}
}

// Latest returns the most recent return and length of train and test
// episodes, keyed by the metric names above. Streams with no episode
// yet report zero.
func (e *Episodes) Latest() map[string]float64 {
	return map[string]float64{
		ReturnTest:         e.TestReturn.Summary().Last,
		ReturnTrain:        e.TrainReturn.Summary().Last,
		EpisodeLengthTest:  e.TestSteps.Summary().Last,
		EpisodeLengthTrain: e.TrainSteps.Summary().Last,
	}
}

// Snapshot is a point-in-time view of all four streams.
type Snapshot struct {
	TrainReturn Summary
	TestReturn  Summary
	TrainSteps  Summary
	TestSteps   Summary
}

// Snapshot returns the current statistics.
func (e *Episodes) Snapshot() Snapshot {
	return Snapshot{
		TrainReturn: e.TrainReturn.Summary(),
		TestReturn:  e.TestReturn.Summary(),
		TrainSteps:  e.TrainSteps.Summary(),
		TestSteps:   e.TestSteps.Summary(),
	}
}

// EpisodesState is the persisted form of Episodes.
type EpisodesState struct {
	TrainReturn StreamState `yaml:"train_return"`
	TestReturn  StreamState `yaml:"test_return"`
	TrainSteps  StreamState `yaml:"train_steps"`
	TestSteps   StreamState `yaml:"test_steps"`
}

// State returns the persisted form of all four streams.
func (e *Episodes) State() EpisodesState {
	return EpisodesState{
		TrainReturn: e.TrainReturn.State(),
		TestReturn:  e.TestReturn.State(),
		TrainSteps:  e.TrainSteps.State(),
		TestSteps:   e.TestSteps.State(),
	}
}

// Restore replaces all four streams with st.
func (e *Episodes) Restore(st EpisodesState) error {
	for _, p := range []struct {
		name string
		s    *Stream
		st   StreamState
	}{
		{ReturnTrain, e.TrainReturn, st.TrainReturn},
		{ReturnTest, e.TestReturn, st.TestReturn},
		{EpisodeLengthTrain, e.TrainSteps, st.TrainSteps},
		{EpisodeLengthTest, e.TestSteps, st.TestSteps},
	} {
		if err := p.s.SetState(p.st); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}
	return nil
}
