// rollout-sim runs synthetic rollout workers against a trainer. Each
// worker plays a random-walk environment, streams its samples and loads
// every model it receives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/codec"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
	"github.com/ashwin2k/tmrl-rnn/internal/training/agent"
	"github.com/ashwin2k/tmrl-rnn/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:          "rollout-sim",
	Short:        "Synthetic rollout workers",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("addr", "127.0.0.1:55555", "trainer address")
	flags.Int("workers", 1, "number of concurrent workers")
	flags.String("variant", "lidar", "observation variant: lidar, image or telemetry")
	flags.Int("action-dim", 3, "action width")
	flags.Int("buffer-steps", 100, "steps per sent buffer")
	flags.Int("buffers", -1, "buffers per worker (-1 for unlimited)")
	flags.Duration("interval", 100*time.Millisecond, "delay between buffers")
	flags.Int("episode-length", 200, "steps per episode")
	flags.Int("image-side", 64, "image width and height")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	viper.BindPFlags(flags)
	viper.SetEnvPrefix("ROLLOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, args []string) error {
	level, err := logging.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	logging.Init(level, false)

	variant, err := types.ParseVariant(viper.GetString("variant"))
	if err != nil {
		return err
	}

	c, err := codec.New(1)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < viper.GetInt("workers"); i++ {
		w := &worker{
			id:         fmt.Sprintf("sim-%d-%s", i, uuid.NewString()[:8]),
			variant:    variant,
			actionDim:  viper.GetInt("action-dim"),
			steps:      viper.GetInt("buffer-steps"),
			buffers:    viper.GetInt("buffers"),
			interval:   viper.GetDuration("interval"),
			episodeLen: viper.GetInt("episode-length"),
			imageSide:  viper.GetInt("image-side"),
			model:      agent.NewLinear(0),
			rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(i))),
		}
		g.Go(func() error {
			return w.run(gctx, viper.GetString("addr"), c)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// worker is one simulated rollout worker.
type worker struct {
	id         string
	variant    types.Variant
	actionDim  int
	steps      int
	buffers    int
	interval   time.Duration
	episodeLen int
	imageSide  int

	model *agent.Linear
	rng   *rand.Rand

	// environment state
	pos, vel float64
	step     int
	ret      float64
	action   []float32
	models   int
}

func (w *worker) run(ctx context.Context, addr string, c *codec.Codec) error {
	logger := logging.Component("rollout").With("worker_id", w.id)

	cl, err := transport.Dial(ctx, addr, w.id, w.variant, c)
	if err != nil {
		return err
	}
	defer cl.Close()
	logger.Info("connected", "addr", addr, "variant", w.variant.String())

	w.action = make([]float32, w.actionDim)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for sent := 0; w.buffers < 0 || sent < w.buffers; sent++ {
		if err := cl.SendBuffer(w.rollout()); err != nil {
			return fmt.Errorf("%s: send: %w", w.id, err)
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-cl.Done():
				return fmt.Errorf("%s: connection closed: %w", w.id, cl.Err())
			case weights := <-cl.Weights():
				w.load(weights, logger)
			case <-ticker.C:
				break wait
			}
		}
	}

	logger.Info("done", "models", w.models)
	return nil
}

func (w *worker) load(weights []byte, logger *slog.Logger) {
	if err := w.model.Restore(weights); err != nil {
		logger.Warn("bad weights", "error", err)
		return
	}
	w.models++
	logger.Debug("model loaded", "bytes", len(weights), "models", w.models)
}

// rollout plays buffer-steps steps of the environment.
func (w *worker) rollout() types.Buffer {
	buf := types.NewBuffer(w.steps)
	for range w.steps {
		prior := append([]float32(nil), w.action...)

		// The first action component pushes the car, the target is 0.
		force := 0.0
		if len(prior) > 0 {
			force = float64(prior[0])
		}
		w.vel = 0.9*w.vel + 0.1*force + 0.05*w.rng.NormFloat64()
		w.pos += w.vel
		reward := float32(-math.Abs(w.pos))

		w.step++
		w.ret += float64(reward)
		done := w.step >= w.episodeLen

		buf.Add(types.Sample{
			PriorAction: prior,
			Obs:         w.observe(),
			Reward:      reward,
			Done:        done,
			Info:        types.Info{"step": float64(w.step)},
		})

		if done {
			buf.AddEpisode(types.EpisodeStat{Return: w.ret, Steps: w.step})
			w.pos, w.vel, w.step, w.ret = 0, 0, 0, 0
		}
		for k := range w.action {
			w.action[k] = float32(w.rng.Float64()*2 - 1)
		}
	}
	return *buf
}

func (w *worker) observe() types.Observation {
	speed := float32(w.vel)
	switch w.variant {
	case types.VariantImage:
		side := w.imageSide
		pixels := make([]byte, side*side)
		col := int((math.Tanh(w.pos) + 1) / 2 * float64(side-1))
		for y := 0; y < side; y++ {
			pixels[y*side+col] = 255
		}
		return types.ImageObs{Speed: speed, Gear: 1, RPM: 1000 + 100*float32(math.Abs(w.vel)), Image: pixels, Width: side, Height: side}
	case types.VariantTelemetry:
		return types.TelemetryObs{
			Altitude:     float32(w.pos),
			Velocity:     speed,
			Acceleration: float32(w.rng.NormFloat64() * 0.01),
			Target:       0,
			Delay:        float32(w.interval.Seconds()),
			DelayKappa:   1,
		}
	default:
		lidar := make([]float32, 19)
		for k := range lidar {
			lidar[k] = float32(10 + w.pos*math.Cos(float64(k)*math.Pi/18))
		}
		return types.LidarObs{Speed: speed, Lidar: lidar}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
