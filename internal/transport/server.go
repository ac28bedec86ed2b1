// Package transport connects rollout workers to the trainer over TCP.
//
// Every message is a length-delimited protobuf Any envelope. A worker
// opens with a hello naming its id and observation variant, then streams
// sample buffers. The trainer pulls everything accumulated since its last
// retrieval and fans model weights out to all workers. Weights are
// fire-and-forget: a worker that cannot keep up only ever receives the
// most recent ones.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashwin2k/tmrl-rnn/config"
	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/metrics"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/codec"
	storageconfig "github.com/ashwin2k/tmrl-rnn/internal/storage/config"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// Server accepts worker connections and implements the trainer's
// Interface.
type Server struct {
	cfg     storageconfig.TransportConfig
	variant types.Variant
	codec   *codec.Codec

	// Accumulator of received buffers.
	mu      sync.Mutex
	pending types.Buffer

	workersMu sync.RWMutex
	workers   map[string]*worker
	latest    []byte

	listener net.Listener
	shutdown chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	stats  serverStats
	logger *slog.Logger
}

type serverStats struct {
	connections    atomic.Int64
	rejected       atomic.Int64
	buffers        atomic.Int64
	samples        atomic.Int64
	decodeErrors   atomic.Int64
	broadcasts     atomic.Int64
	weightsDropped atomic.Int64
}

// Stats holds server statistics.
type Stats struct {
	Workers        int
	Connections    int64
	Rejected       int64
	Buffers        int64
	Samples        int64
	DecodeErrors   int64
	Broadcasts     int64
	WeightsDropped int64
}

// NewServer creates a server for workers of the given variant.
func NewServer(cfg storageconfig.TransportConfig, variant types.Variant, c *codec.Codec) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = config.DefaultSendBuffer
	}
	return &Server{
		cfg:      cfg,
		variant:  variant,
		codec:    c,
		workers:  make(map[string]*worker),
		shutdown: make(chan struct{}),
		logger:   logging.Component("transport"),
	}
}

// Listen binds the listener. Serve calls it when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("listening", "address", ln.Addr().String(), "variant", s.variant.String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done, then closes every worker
// connection.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.shutdown:
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				s.wg.Wait()
				return nil
			default:
				s.logger.Error("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting and disconnects every worker.
func (s *Server) Close() {
	if s.closed.Swap(true) {
		return
	}
	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}

	s.workersMu.RLock()
	for _, w := range s.workers {
		w.close()
	}
	s.workersMu.RUnlock()
}

// RetrieveBuffer returns every sample received since the last call. It
// never blocks; the result may be empty.
func (s *Server) RetrieveBuffer(ctx context.Context) (types.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return types.Buffer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.pending
	s.pending = types.Buffer{}
	return out, nil
}

// BroadcastModel queues weights for every connected worker and for
// workers that connect later. It does not wait for delivery.
func (s *Server) BroadcastModel(ctx context.Context, weights []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.workersMu.Lock()
	s.latest = weights
	targets := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		targets = append(targets, w)
	}
	s.workersMu.Unlock()

	for _, w := range targets {
		if w.offer(weights) {
			s.stats.weightsDropped.Add(1)
			metrics.WeightsDropped.Inc()
		}
	}
	s.stats.broadcasts.Add(1)
	return nil
}

// Workers returns the ids of connected workers.
func (s *Server) Workers() []string {
	s.workersMu.RLock()
	defer s.workersMu.RUnlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns server statistics.
func (s *Server) Stats() Stats {
	s.workersMu.RLock()
	n := len(s.workers)
	s.workersMu.RUnlock()

	return Stats{
		Workers:        n,
		Connections:    s.stats.connections.Load(),
		Rejected:       s.stats.rejected.Load(),
		Buffers:        s.stats.buffers.Load(),
		Samples:        s.stats.samples.Load(),
		DecodeErrors:   s.stats.decodeErrors.Load(),
		Broadcasts:     s.stats.broadcasts.Load(),
		WeightsDropped: s.stats.weightsDropped.Load(),
	}
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.stats.connections.Add(1)
	c := NewConn(conn, s.cfg.MaxMessageSize)

	// Hello with timeout
	conn.SetDeadline(time.Now().Add(config.DefaultDialTimeout))
	env, err := c.Read()
	if err != nil {
		s.logger.Warn("hello read error", "remote", remote, "error", err)
		s.stats.rejected.Add(1)
		conn.Close()
		return
	}
	hello, err := ParseHello(env)
	if err != nil {
		s.logger.Warn("bad hello", "remote", remote, "error", err)
		s.stats.rejected.Add(1)
		conn.Close()
		return
	}
	if hello.Variant != s.variant {
		s.logger.Warn("variant mismatch, closing",
			"remote", remote,
			"worker_variant", hello.Variant.String(),
			"variant", s.variant.String())
		s.stats.rejected.Add(1)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	metrics.MessagesReceived.WithLabelValues("hello").Inc()

	id := hello.WorkerID
	if id == "" {
		id = uuid.NewString()
	}
	w := newWorker(id, conn, c, s.cfg.SendBuffer)

	s.workersMu.Lock()
	if old, ok := s.workers[id]; ok {
		old.close()
	}
	s.workers[id] = w
	latest := s.latest
	if s.closed.Load() {
		w.close()
	}
	s.workersMu.Unlock()
	metrics.WorkersConnected.Inc()

	log := logging.WithContext(logging.ContextWithWorkerID(context.Background(), id)).With("component", "transport")
	log.Info("worker connected", "remote", remote)

	if latest != nil {
		w.offer(latest)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.writeLoop(); err != nil {
			log.Debug("write failed, closing worker", "error", err)
		}
		w.close()
	}()

	s.readLoop(w, log)

	w.close()
	<-done

	s.workersMu.Lock()
	if s.workers[id] == w {
		delete(s.workers, id)
	}
	s.workersMu.Unlock()
	metrics.WorkersConnected.Dec()
	log.Info("worker disconnected")
}

func (s *Server) readLoop(w *worker, log *slog.Logger) {
	for {
		env, err := w.conn.Read()
		if err != nil {
			return
		}
		metrics.MessagesReceived.WithLabelValues(messageType(env)).Inc()

		switch env.GetTypeUrl() {
		case TypeBuffer:
			buf, err := s.codec.Decode(env.GetValue())
			if err != nil {
				s.stats.decodeErrors.Add(1)
				log.Warn("dropping undecodable buffer", "error", err)
				continue
			}
			s.stats.buffers.Add(1)
			s.stats.samples.Add(int64(buf.Len()))

			s.mu.Lock()
			s.pending.Merge(buf)
			s.mu.Unlock()
		default:
			log.Warn("ignoring message", "type", env.GetTypeUrl())
		}
	}
}

// =============================================================================
// Worker
// =============================================================================

// worker is one connected rollout worker and its outbound weight queue.
type worker struct {
	id     string
	raw    net.Conn
	conn   *Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func newWorker(id string, raw net.Conn, c *Conn, depth int) *worker {
	return &worker{
		id:     id,
		raw:    raw,
		conn:   c,
		sendCh: make(chan []byte, depth),
		done:   make(chan struct{}),
	}
}

// offer queues weights. When the queue is full the oldest entry is
// discarded; it reports whether that happened.
func (w *worker) offer(weights []byte) (dropped bool) {
	for {
		select {
		case <-w.done:
			return false
		case w.sendCh <- weights:
			return dropped
		default:
		}
		select {
		case <-w.sendCh:
			dropped = true
		default:
		}
	}
}

func (w *worker) writeLoop() error {
	for {
		select {
		case <-w.done:
			return nil
		case weights := <-w.sendCh:
			if err := w.conn.Write(NewWeightsEnvelope(weights)); err != nil {
				return err
			}
		}
	}
}

// close is idempotent and safe from any goroutine.
func (w *worker) close() {
	w.once.Do(func() {
		close(w.done)
		w.raw.Close()
	})
}
