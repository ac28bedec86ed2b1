package types

import (
	"fmt"
	"slices"
)

// Frame is the per-step sensor payload: a lidar scan in Values or an
// image in Pixels. Telemetry rows carry the zero Frame.
type Frame struct {
	Values []float32
	Pixels []byte
	Width  int
	Height int
}

// IsZero reports whether the frame carries no data.
func (f Frame) IsZero() bool {
	return len(f.Values) == 0 && len(f.Pixels) == 0
}

// Clone returns a deep copy.
func (f Frame) Clone() Frame {
	return Frame{
		Values: slices.Clone(f.Values),
		Pixels: slices.Clone(f.Pixels),
		Width:  f.Width,
		Height: f.Height,
	}
}

// Observation is the fixed-arity observation of one variant.
type Observation interface {
	Variant() Variant
	// Scalars returns the base scalar fields in ScalarNames order.
	Scalars() []float32
	// Frame returns the single recent frame, or the zero Frame.
	Frame() Frame
}

// LidarObs is a lidar-variant observation.
type LidarObs struct {
	Speed float32
	Lidar []float32
}

func (LidarObs) Variant() Variant     { return VariantLidar }
func (o LidarObs) Scalars() []float32 { return []float32{o.Speed} }
func (o LidarObs) Frame() Frame       { return Frame{Values: o.Lidar} }

// ImageObs is an image-variant observation.
type ImageObs struct {
	Speed  float32
	Gear   float32
	RPM    float32
	Image  []byte
	Width  int
	Height int
}

func (ImageObs) Variant() Variant     { return VariantImage }
func (o ImageObs) Scalars() []float32 { return []float32{o.Speed, o.Gear, o.RPM} }
func (o ImageObs) Frame() Frame {
	return Frame{Pixels: o.Image, Width: o.Width, Height: o.Height}
}

// TelemetryObs is a telemetry-variant observation. It has no frame.
type TelemetryObs struct {
	Altitude     float32
	Velocity     float32
	Acceleration float32
	Target       float32
	Delay        float32
	DelayKappa   float32
}

func (TelemetryObs) Variant() Variant { return VariantTelemetry }
func (o TelemetryObs) Scalars() []float32 {
	return []float32{o.Altitude, o.Velocity, o.Acceleration, o.Target, o.Delay, o.DelayKappa}
}
func (TelemetryObs) Frame() Frame { return Frame{} }

// NewObservation rebuilds an observation from its stored columns.
func NewObservation(v Variant, scalars []float32, frame Frame) (Observation, error) {
	want := len(ScalarNames(v))
	if want == 0 {
		return nil, fmt.Errorf("unknown variant %d", v)
	}
	if len(scalars) != want {
		return nil, fmt.Errorf("%s observation needs %d scalars, got %d", v, want, len(scalars))
	}

	switch v {
	case VariantLidar:
		return LidarObs{Speed: scalars[0], Lidar: frame.Values}, nil
	case VariantImage:
		return ImageObs{
			Speed:  scalars[0],
			Gear:   scalars[1],
			RPM:    scalars[2],
			Image:  frame.Pixels,
			Width:  frame.Width,
			Height: frame.Height,
		}, nil
	default:
		return TelemetryObs{
			Altitude:     scalars[0],
			Velocity:     scalars[1],
			Acceleration: scalars[2],
			Target:       scalars[3],
			Delay:        scalars[4],
			DelayKappa:   scalars[5],
		}, nil
	}
}
