// trainerd is the replay-memory trainer daemon. It accepts rollout
// workers, stores their samples and trains under the update-to-sample
// ratio limit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/metrics"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/codec"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/config"
	"github.com/ashwin2k/tmrl-rnn/internal/training/agent"
	"github.com/ashwin2k/tmrl-rnn/internal/training/trainer"
	"github.com/ashwin2k/tmrl-rnn/internal/transport"
)

// Version is set at build time via ldflags
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "trainerd",
	Short: "Replay memory trainer",
	Long: `trainerd listens for rollout workers, keeps their samples in a bounded
replay memory and trains the model, broadcasting weights back to the
workers. Every flag can also be set as TMRL_<FLAG> (dashes become
underscores).`,
	SilenceUsage: true,
	RunE:         runTrainer,
}

var requirementsCmd = &cobra.Command{
	Use:   "requirements",
	Short: "Print memory and disk estimates for the configuration",
	RunE:  runRequirements,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file path (defaults apply when empty)")
	flags.String("data-dir", "", "data directory (overrides config)")
	flags.String("variant", "", "observation variant: lidar, image or telemetry")
	flags.Int("memory-size", 0, "replay memory capacity in samples")
	flags.Int("epochs", 0, "number of epochs")
	flags.Int64("seed", 0, "batch sampling seed (0 picks one)")
	flags.String("checkpoint", "", "checkpoint file (temporary when empty)")
	flags.String("listen", "", "worker listen address")
	flags.String("metrics-listen", "", "prometheus listen address")
	flags.Bool("no-metrics", false, "disable the metrics endpoint")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "log as JSON")
	flags.Float64("learning-rate", 0.01, "agent learning rate")

	requirementsCmd.Flags().Int("action-dim", 3, "action width used for the estimate")
	rootCmd.AddCommand(requirementsCmd)

	// Bind flags to viper for environment variable support
	viper.BindPFlags(flags)
	viper.SetEnvPrefix("TMRL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the config file, if any, and applies flag and
// environment overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path := viper.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if viper.IsSet("data-dir") {
		cfg.DataDir = viper.GetString("data-dir")
	}
	if viper.IsSet("variant") {
		cfg.Variant = viper.GetString("variant")
	}
	if viper.IsSet("memory-size") {
		cfg.Memory.MemorySize = viper.GetInt("memory-size")
	}
	if viper.IsSet("epochs") {
		cfg.Training.Epochs = viper.GetInt("epochs")
	}
	if viper.IsSet("seed") {
		cfg.Training.Seed = viper.GetInt64("seed")
	}
	if viper.IsSet("checkpoint") {
		cfg.Checkpoint.Path = viper.GetString("checkpoint")
	}
	if viper.IsSet("listen") {
		cfg.Transport.Listen = viper.GetString("listen")
	}
	if viper.IsSet("metrics-listen") {
		cfg.Metrics.Listen = viper.GetString("metrics-listen")
	}
	if viper.GetBool("no-metrics") {
		cfg.Metrics.Enabled = false
	}
	if viper.IsSet("log-level") {
		cfg.Log.Level = viper.GetString("log-level")
	}
	if viper.IsSet("log-json") {
		cfg.Log.JSON = viper.GetBool("log-json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runTrainer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.Log.JSON)
	logger := logging.Component("trainerd")
	logger.Info("starting",
		"version", Version,
		"data_dir", cfg.DataDir,
		"variant", cfg.Variant,
		"memory_size", cfg.Memory.MemorySize)

	c, err := codec.New(cfg.Images.CompressionLevel, codec.WithMaxFrameSize(cfg.Images.MaxFrameSize))
	if err != nil {
		return err
	}
	defer c.Close()

	srv := transport.NewServer(cfg.Transport, cfg.VariantType(), c)
	if err := srv.Listen(); err != nil {
		return err
	}

	tr, err := trainer.NewTrainer(cfg, agent.NewLinear(viper.GetFloat64("learning-rate")), srv,
		trainer.WithEpochHook(func(es trainer.EpochStats) {
			updates := 0
			for _, r := range es.Rounds {
				updates += r.Updates
			}
			logger.Info("epoch complete", "epoch", es.Epoch, "rounds", len(es.Rounds), "updates", updates)
		}))
	if err != nil {
		srv.Close()
		return err
	}
	defer tr.Close()

	// Setup graceful shutdown
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx)
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Listen)
		})
	}

	g.Go(func() error {
		// The trainer finishing ends the daemon.
		defer cancel()
		err := tr.Run(gctx)
		if errors.Is(err, context.Canceled) && sigCtx.Err() != nil {
			logger.Info("interrupted", "epoch", tr.State().Epoch, "checkpoint", tr.CheckpointPath())
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		if errors.IsFatal(err) {
			logger.Error("fatal error, memory state cannot be trusted", "error", err)
		}
		return err
	}

	logger.Info("stopped")
	return nil
}

func runRequirements(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	actionDim, err := cmd.Flags().GetInt("action-dim")
	if err != nil {
		return err
	}
	req := cfg.CalculateRequirements(actionDim)
	fmt.Fprint(cmd.OutOrStdout(), req.FormatRequirements())
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
