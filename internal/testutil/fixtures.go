package testutil

import (
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// EpisodeLength is the number of steps of every fixture episode.
const EpisodeLength = 10

// ImageSide is the width and height of fixture images.
const ImageSide = 8

// Sample returns step i of a deterministic rollout for the variant. The
// reward is i, every scalar is i, and the episode ends every
// EpisodeLength steps.
func Sample(v types.Variant, i, actionDim int) types.Sample {
	x := float32(i)
	action := make([]float32, actionDim)
	for k := range action {
		action[k] = x
	}

	var obs types.Observation
	switch v {
	case types.VariantImage:
		pixels := make([]byte, ImageSide*ImageSide)
		for k := range pixels {
			pixels[k] = byte(i + k)
		}
		obs = types.ImageObs{Speed: x, Gear: x, RPM: x, Image: pixels, Width: ImageSide, Height: ImageSide}
	case types.VariantTelemetry:
		obs = types.TelemetryObs{Altitude: x, Velocity: x, Acceleration: x, Target: x, Delay: x, DelayKappa: x}
	default:
		obs = types.LidarObs{Speed: x, Lidar: []float32{x, x + 1}}
	}

	return types.Sample{
		PriorAction: action,
		Obs:         obs,
		Reward:      x,
		Done:        i%EpisodeLength == EpisodeLength-1,
	}
}

// Buffer returns steps start..start+n-1 with an EpisodeStat for every
// finished episode.
func Buffer(v types.Variant, start, n, actionDim int) types.Buffer {
	buf := types.NewBuffer(n)
	for i := start; i < start+n; i++ {
		s := Sample(v, i, actionDim)
		buf.Add(s)
		if s.Done {
			buf.AddEpisode(EpisodeStat(i))
		}
	}
	return *buf
}

// EpisodeStat is the statistic of the fixture episode ending at step i.
func EpisodeStat(i int) types.EpisodeStat {
	first := i - EpisodeLength + 1
	var ret float64
	for k := first; k <= i; k++ {
		ret += float64(k)
	}
	return types.EpisodeStat{Return: ret, Steps: EpisodeLength}
}
