// Package metrics holds the prometheus collectors of the trainer and the
// HTTP endpoint that exposes them.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashwin2k/tmrl-rnn/internal/logging"
)

// -----------------------------------------------------------------------------
// Ingestion
// -----------------------------------------------------------------------------

var (
	SamplesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tmrl_samples_ingested_total",
		Help: "Total number of samples appended to the replay memory",
	})

	SamplesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tmrl_samples_rejected_total",
		Help: "Samples dropped because their buffer did not match the memory layout",
	})

	MemoryRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tmrl_memory_rows",
		Help: "Rows currently held by the replay memory",
	})

	MemoryUsable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tmrl_memory_usable",
		Help: "Items that can currently be drawn from the replay memory",
	})
)

// -----------------------------------------------------------------------------
// Training
// -----------------------------------------------------------------------------

var (
	Updates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tmrl_updates_total",
		Help: "Total number of agent updates",
	})

	Ratio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tmrl_update_sample_ratio",
		Help: "total_updates / total_samples, -1 before the first sample",
	})

	StarvedSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tmrl_starved_seconds_total",
		Help: "Time spent waiting for samples because the ratio was exceeded",
	})

	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tmrl_broadcasts_total",
		Help: "Number of model broadcasts",
	})

	Epoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tmrl_epoch",
		Help: "Current epoch",
	})

	RoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tmrl_round_duration_seconds",
		Help:    "Wall time of one training round",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	TrainStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tmrl_train_step_duration_seconds",
		Help:    "Duration of one agent update",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	CheckpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tmrl_checkpoint_duration_seconds",
		Help:    "Duration of checkpoint writes",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

var (
	WorkersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tmrl_workers_connected",
		Help: "Rollout workers currently connected",
	})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tmrl_transport_messages_total",
		Help: "Messages received from workers by type",
	}, []string{"type"})

	WeightsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tmrl_weights_dropped_total",
		Help: "Stale weights replaced before a slow worker received them",
	})
)

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger := logging.Component("metrics")
	logger.Info("metrics listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
