package testutil

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

func TestGoroutineTestBasic(t *testing.T) {
	gt := NewGoroutineTest(t)

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		gt.Go(func() error {
			count.Add(1)
			return nil
		})
	}
	gt.Wait()

	if count.Load() != 5 {
		t.Errorf("expected 5 goroutines, got %d", count.Load())
	}
}

func TestGoroutineTestWithContext(t *testing.T) {
	gt := NewGoroutineTestWithTimeout(t, 5*time.Second)
	defer gt.Wait()

	gt.GoWithContext(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return nil
		}
	})
}

// recorder captures failures instead of failing the real test.
type recorder struct {
	testing.TB
	errors int
	failed bool
}

func (r *recorder) Errorf(string, ...any) { r.errors++ }
func (r *recorder) FailNow()              { r.failed = true }

func TestGoroutineTestReportsErrors(t *testing.T) {
	rec := &recorder{TB: t}
	gt := NewGoroutineTest(rec)

	gt.Go(func() error { return errors.New("boom") })
	gt.Go(func() error { return nil })
	gt.Wait()

	if !rec.failed {
		t.Error("expected FailNow")
	}
	// Header plus one line per error.
	if rec.errors != 2 {
		t.Errorf("expected 2 Errorf calls, got %d", rec.errors)
	}
}

func TestWithTimeout(t *testing.T) {
	if err := WithTimeout(time.Second, func() error { return nil }); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	err := WithTimeout(10*time.Millisecond, func() error {
		time.Sleep(time.Second)
		return nil
	})
	if err == nil {
		t.Error("expected timeout")
	}
}

func TestEventually(t *testing.T) {
	var n atomic.Int32
	err := Eventually(time.Second, time.Millisecond, func() bool {
		return n.Add(1) >= 3
	})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := Eventually(10*time.Millisecond, time.Millisecond, func() bool { return false }); err == nil {
		t.Error("expected failure")
	}
}

func TestBuffer(t *testing.T) {
	tests := []struct {
		variant types.Variant
		scalars int
	}{
		{types.VariantLidar, 1},
		{types.VariantImage, 3},
		{types.VariantTelemetry, 6},
	}

	for _, tt := range tests {
		t.Run(tt.variant.String(), func(t *testing.T) {
			buf := Buffer(tt.variant, 5, 20, 3)
			if buf.Len() != 20 {
				t.Fatalf("expected 20 samples, got %d", buf.Len())
			}
			if err := buf.Validate(tt.variant, 3); err != nil {
				t.Fatalf("fixture does not validate: %v", err)
			}
			if got := len(buf.Samples[0].Obs.Scalars()); got != tt.scalars {
				t.Errorf("expected %d scalars, got %d", tt.scalars, got)
			}
			// Steps 9 and 19 end episodes.
			if len(buf.Episodes) != 2 {
				t.Errorf("expected 2 episodes, got %d", len(buf.Episodes))
			}
			if buf.Samples[4].Reward != 9 || !buf.Samples[4].Done {
				t.Errorf("step 9 should end an episode with reward 9: %+v", buf.Samples[4])
			}
		})
	}
}

func TestEpisodeStat(t *testing.T) {
	// 10 + 11 + ... + 19
	if got := EpisodeStat(19).Return; got != 145 {
		t.Errorf("expected return 145, got %v", got)
	}
}
