package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ashwin2k/tmrl-rnn/config"
	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/codec"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// Client is a rollout worker's connection to the trainer.
type Client struct {
	conn  net.Conn
	wire  *Conn
	codec *codec.Codec
	hello Hello

	weights chan []byte
	done    chan struct{}
	once    sync.Once
	err     error
	errMu   sync.Mutex

	logger *slog.Logger
}

// Dial connects to the trainer at addr and sends the hello.
func Dial(ctx context.Context, addr, workerID string, variant types.Variant, c *codec.Codec) (*Client, error) {
	dialer := net.Dialer{Timeout: config.DefaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", addr, err, errors.ErrConnectionFailed)
	}

	h := Hello{WorkerID: workerID, Variant: variant}
	env, err := NewHello(h)
	if err != nil {
		conn.Close()
		return nil, err
	}

	cl := &Client{
		conn:    conn,
		wire:    NewConn(conn, config.DefaultMaxMessageSize),
		codec:   c,
		hello:   h,
		weights: make(chan []byte, 1),
		done:    make(chan struct{}),
		logger:  logging.Component("transport.client").With("worker_id", workerID),
	}
	if err := cl.wire.Write(env); err != nil {
		conn.Close()
		return nil, err
	}

	go cl.readLoop()
	return cl, nil
}

// SendBuffer encodes and sends a sample buffer.
func (c *Client) SendBuffer(buf types.Buffer) error {
	select {
	case <-c.done:
		return errors.ErrClosed
	default:
	}

	payload, err := c.codec.Encode(buf)
	if err != nil {
		return err
	}
	return c.wire.Write(NewBufferEnvelope(payload))
}

// Weights delivers received model weights. Only the most recent
// undelivered weights are kept.
func (c *Client) Weights() <-chan []byte {
	return c.weights
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the connection. It is idempotent.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	for {
		env, err := c.wire.Read()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("connection closed", "error", err)
			}
			c.shutdown(err)
			return
		}
		if env.GetTypeUrl() != TypeWeights {
			c.logger.Warn("ignoring message", "type", env.GetTypeUrl())
			continue
		}

		// Replace anything the worker has not picked up yet.
		select {
		case <-c.weights:
		default:
		}
		c.weights <- env.GetValue()
	}
}
