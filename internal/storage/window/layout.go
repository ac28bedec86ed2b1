// Package window rebuilds transitions and trajectories from the rows of
// a stream.Store.
//
// Frame and action histories usually have different lengths. Both
// windows are shifted so that their last element lands on the same row,
// which is what the start offsets of a Layout encode.
package window

import (
	"fmt"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
)

// Layout holds the window parameters fixed at memory construction.
type Layout struct {
	// ImgsObs is the number of stacked frames per observation.
	ImgsObs int `yaml:"imgs_obs"`
	// ActBufLen is the number of stacked prior actions per observation.
	ActBufLen int `yaml:"act_buf_len"`
	// TrajLen is the trajectory length; zero selects transition mode.
	TrajLen int `yaml:"traj_len"`
}

// Validate checks the layout.
func (l Layout) Validate() error {
	v := errors.NewValidationErrors()
	if l.ImgsObs < 0 {
		v.AddField("imgs_obs", "must be non-negative")
	}
	if l.ActBufLen < 0 {
		v.AddField("act_buf_len", "must be non-negative")
	}
	if l.TrajLen < 0 {
		v.AddField("traj_len", "must be non-negative")
	}
	if max(l.ImgsObs, l.ActBufLen) < 1 {
		v.AddField("window", "imgs_obs or act_buf_len must be at least 1")
	}
	return v.Err()
}

// TrajectoryMode reports whether the layout extracts trajectories.
func (l Layout) TrajectoryMode() bool {
	return l.TrajLen > 0
}

// StepCount is the number of steps one trajectory read returns.
func (l Layout) StepCount() int {
	return max(l.TrajLen, 1)
}

// MinSamples is the history needed before the first "last" observation.
func (l Layout) MinSamples() int {
	m := max(l.ImgsObs, l.ActBufLen)
	if l.TrajLen > 1 {
		m += l.TrajLen - 1
	}
	return m
}

// StartImgsOffset aligns the frame window's last element with the action window's.
func (l Layout) StartImgsOffset() int {
	return max(0, l.MinSamples()-l.ImgsObs)
}

// StartActsOffset aligns the action window's last element with the frame window's.
func (l Layout) StartActsOffset() int {
	return max(0, l.MinSamples()-l.ActBufLen)
}

// UsableLength is the number of items reconstructible from rows stored rows.
//
// In transition mode this is rows - MinSamples - 1. A trajectory reads
// TrajLen-1 rows past idx_now, so for TrajLen >= 3 the tail reserve grows
// to TrajLen-1 to keep the last item inside the store.
func (l Layout) UsableLength(rows int) int {
	tail := max(1, l.TrajLen-1)
	return max(0, rows-l.MinSamples()-tail)
}

func (l Layout) String() string {
	return fmt.Sprintf("imgs_obs=%d act_buf_len=%d traj_len=%d", l.ImgsObs, l.ActBufLen, l.TrajLen)
}
