package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/codec"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/config"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
	"github.com/ashwin2k/tmrl-rnn/internal/testutil"
)

func newCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New(1)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func startServer(t *testing.T, variant types.Variant) (*Server, *codec.Codec) {
	t.Helper()
	c := newCodec(t)
	s := NewServer(config.TransportConfig{Listen: "127.0.0.1:0", SendBuffer: 2}, variant, c)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s, c
}

func TestWireRoundTrip(t *testing.T) {
	var b bytes.Buffer
	w := NewWriter(&b)
	require.NoError(t, w.Write(NewBufferEnvelope([]byte("payload"))))
	require.NoError(t, w.Write(NewWeightsEnvelope([]byte{1, 2, 3})))

	r := NewReader(&b, 1024)
	env, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, TypeBuffer, env.GetTypeUrl())
	assert.Equal(t, []byte("payload"), env.GetValue())

	env, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, "weights", messageType(env))
}

func TestWireMessageTooLarge(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, NewWriter(&b).Write(NewWeightsEnvelope(make([]byte, 4096))))

	_, err := NewReader(&b, 128).Read()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMessageTooLarge))
}

func TestHello(t *testing.T) {
	env, err := NewHello(Hello{WorkerID: "w1", Variant: types.VariantImage})
	require.NoError(t, err)

	h, err := ParseHello(env)
	require.NoError(t, err)
	assert.Equal(t, "w1", h.WorkerID)
	assert.Equal(t, types.VariantImage, h.Variant)

	_, err = ParseHello(&anypb.Any{TypeUrl: TypeBuffer})
	assert.True(t, errors.Is(err, errors.ErrUnknownMessage))
}

func TestBuffersReachRetrieve(t *testing.T) {
	s, c := startServer(t, types.VariantLidar)
	ctx := context.Background()

	cl, err := Dial(ctx, s.Addr().String(), "worker-1", types.VariantLidar, c)
	require.NoError(t, err)
	defer cl.Close()

	require.NoError(t, cl.SendBuffer(testutil.Buffer(types.VariantLidar, 0, 5, 3)))
	require.NoError(t, cl.SendBuffer(testutil.Buffer(types.VariantLidar, 5, 5, 3)))

	var got types.Buffer
	require.Eventually(t, func() bool {
		buf, err := s.RetrieveBuffer(ctx)
		require.NoError(t, err)
		got.Merge(buf)
		return got.Len() == 10
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []types.EpisodeStat{testutil.EpisodeStat(9)}, got.Episodes)
	assert.Equal(t, float32(7), got.Samples[7].Reward)

	// Retrieval swaps the accumulator out.
	buf, err := s.RetrieveBuffer(ctx)
	require.NoError(t, err)
	assert.Zero(t, buf.Len())

	st := s.Stats()
	assert.Equal(t, int64(2), st.Buffers)
	assert.Equal(t, int64(10), st.Samples)
	assert.Equal(t, []string{"worker-1"}, s.Workers())
}

func TestConcurrentWorkers(t *testing.T) {
	s, c := startServer(t, types.VariantTelemetry)
	const workers, perWorker = 4, 25

	gt := testutil.NewGoroutineTestWithTimeout(t, 10*time.Second)
	for w := 0; w < workers; w++ {
		id := fmt.Sprintf("worker-%d", w)
		gt.GoWithContext(func(ctx context.Context) error {
			cl, err := Dial(ctx, s.Addr().String(), id, types.VariantTelemetry, c)
			if err != nil {
				return err
			}
			defer cl.Close()
			for i := 0; i < perWorker; i++ {
				if err := cl.SendBuffer(testutil.Buffer(types.VariantTelemetry, i, 1, 2)); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			return nil
		})
	}
	gt.Wait()

	total := 0
	require.NoError(t, testutil.Eventually(5*time.Second, 5*time.Millisecond, func() bool {
		buf, err := s.RetrieveBuffer(context.Background())
		if err != nil {
			return false
		}
		total += buf.Len()
		return total == workers*perWorker
	}))
	assert.Equal(t, int64(workers*perWorker), s.Stats().Buffers)
}

func TestBroadcastReachesWorkers(t *testing.T) {
	s, c := startServer(t, types.VariantLidar)
	ctx := context.Background()

	a, err := Dial(ctx, s.Addr().String(), "a", types.VariantLidar, c)
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(ctx, s.Addr().String(), "b", types.VariantLidar, c)
	require.NoError(t, err)
	defer b.Close()

	require.Eventually(t, func() bool { return s.Stats().Workers == 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.BroadcastModel(ctx, []byte("v1")))

	for _, cl := range []*Client{a, b} {
		select {
		case w := <-cl.Weights():
			assert.Equal(t, []byte("v1"), w)
		case <-time.After(5 * time.Second):
			t.Fatal("weights not delivered")
		}
	}
}

func TestLateWorkerGetsLatestWeights(t *testing.T) {
	s, c := startServer(t, types.VariantLidar)
	ctx := context.Background()

	require.NoError(t, s.BroadcastModel(ctx, []byte("v1")))
	require.NoError(t, s.BroadcastModel(ctx, []byte("v2")))

	cl, err := Dial(ctx, s.Addr().String(), "late", types.VariantLidar, c)
	require.NoError(t, err)
	defer cl.Close()

	select {
	case w := <-cl.Weights():
		assert.Equal(t, []byte("v2"), w)
	case <-time.After(5 * time.Second):
		t.Fatal("weights not delivered")
	}
}

func TestVariantMismatchClosesConnection(t *testing.T) {
	s, c := startServer(t, types.VariantLidar)

	cl, err := Dial(context.Background(), s.Addr().String(), "img", types.VariantImage, c)
	require.NoError(t, err)
	defer cl.Close()

	select {
	case <-cl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed")
	}
	assert.Equal(t, int64(1), s.Stats().Rejected)
	assert.Empty(t, s.Workers())
}

func TestOfferKeepsLatest(t *testing.T) {
	raw, peer := net.Pipe()
	defer peer.Close()

	w := newWorker("w", raw, NewConn(raw, 1024), 1)
	assert.False(t, w.offer([]byte("v1")))
	assert.True(t, w.offer([]byte("v2")))
	assert.True(t, w.offer([]byte("v3")))
	assert.Equal(t, []byte("v3"), <-w.sendCh)

	w.close()
	w.close()
	assert.False(t, w.offer([]byte("v4")))
}

func TestRetrieveRespectsContext(t *testing.T) {
	s := NewServer(config.TransportConfig{}, types.VariantLidar, newCodec(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.RetrieveBuffer(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.BroadcastModel(ctx, nil), context.Canceled)
}

func TestSendAfterClose(t *testing.T) {
	s, c := startServer(t, types.VariantLidar)
	cl, err := Dial(context.Background(), s.Addr().String(), "w", types.VariantLidar, c)
	require.NoError(t, err)
	require.NoError(t, cl.Close())

	assert.True(t, errors.Is(cl.SendBuffer(testutil.Buffer(types.VariantLidar, 0, 1, 3)), errors.ErrClosed))
}
