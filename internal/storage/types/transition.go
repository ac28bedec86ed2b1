package types

// ObsWindow is one observation as seen by the agent: the base scalars of
// a timestep plus the frame and action histories ending at it.
type ObsWindow struct {
	Scalars []float32
	Frames  []Frame
	Actions [][]float32
}

// Transition is one (state, action, reward, next state, done) unit.
type Transition struct {
	Last      ObsWindow
	NewAction []float32
	Reward    float32
	New       ObsWindow
	Done      bool
	Info      Info
}

// Step is one element of a Trajectory.
type Step struct {
	Obs    ObsWindow
	Action []float32
	Reward float32
	Done   bool
	Info   Info
}

// Trajectory is a run of consecutive steps read from one contiguous
// window. Last is the observation preceding Steps[0].
type Trajectory struct {
	Last  ObsWindow
	Steps []Step
}

// Len returns the number of steps.
func (t Trajectory) Len() int {
	return len(t.Steps)
}

// Transition returns step k as a Transition.
func (t Trajectory) Transition(k int) Transition {
	last := t.Last
	if k > 0 {
		last = t.Steps[k-1].Obs
	}
	s := t.Steps[k]
	return Transition{
		Last:      last,
		NewAction: s.Action,
		Reward:    s.Reward,
		New:       s.Obs,
		Done:      s.Done,
		Info:      s.Info,
	}
}
