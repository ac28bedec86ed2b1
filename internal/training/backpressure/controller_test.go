package backpressure

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateStarved, "starved"},
		{StateTraining, "training"},
		{StateBroadcasting, "broadcasting"},
		{StateCheckpointing, "checkpointing"},
		{State(42), "unknown"},
	}

	for _, tt := range tests {
		if tt.state.String() != tt.expected {
			t.Errorf("state %d: expected %s, got %s", tt.state, tt.expected, tt.state.String())
		}
	}
}

func TestRatio(t *testing.T) {
	if r, ok := Ratio(5, 0); ok || r != -1 {
		t.Errorf("Ratio(5, 0) = %v, %v; want -1, false", r, ok)
	}
	if r, ok := Ratio(500, 1000); !ok || r != 0.5 {
		t.Errorf("Ratio(500, 1000) = %v, %v", r, ok)
	}
}

func TestController_Check(t *testing.T) {
	c := New(1.0, time.Millisecond)

	if c.CurrentState() != StateStarved {
		t.Errorf("expected initial state starved, got %s", c.CurrentState())
	}

	tests := []struct {
		updates, samples int64
		expected         State
	}{
		{0, 0, StateStarved},
		{0, 1, StateTraining},
		{1000, 1000, StateTraining}, // equal is allowed
		{1001, 1000, StateStarved},
		{999, 1000, StateTraining},
	}

	for _, tt := range tests {
		if got := c.Check(tt.updates, tt.samples); got != tt.expected {
			t.Errorf("Check(%d, %d) = %s, want %s", tt.updates, tt.samples, got, tt.expected)
		}
	}
}

func TestController_StateChangeCallback(t *testing.T) {
	c := New(1.0, time.Millisecond)

	var changes []State
	c.SetOnStateChange(func(old, new State) {
		changes = append(changes, new)
	})

	c.Check(0, 10)
	c.Check(1, 10) // no change
	c.Set(StateBroadcasting)
	c.Set(StateCheckpointing)
	c.Check(20, 10)

	want := []State{StateTraining, StateBroadcasting, StateCheckpointing, StateStarved}
	if len(changes) != len(want) {
		t.Fatalf("expected %d changes, got %v", len(want), changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d: expected %s, got %s", i, want[i], changes[i])
		}
	}

	stats := c.Stats()
	if stats.StateChanges != 4 || stats.Starvations != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestWaitForSamples_NotStarved(t *testing.T) {
	c := New(1.0, time.Hour)

	idle, err := c.WaitForSamples(context.Background(), 10, 100, func(context.Context) (int64, error) {
		t.Fatal("pull must not be called when not starved")
		return 0, nil
	})
	if err != nil || idle != 0 {
		t.Errorf("expected no wait, got %v, %v", idle, err)
	}
}

func TestWaitForSamples_PullsUntilSatisfied(t *testing.T) {
	c := New(1.0, time.Millisecond)

	// Each pull brings 100 more samples.
	samples := int64(0)
	pulls := 0
	pull := func(context.Context) (int64, error) {
		pulls++
		samples += 100
		return samples, nil
	}

	// 350 updates need 350 samples: four pulls, three sleeps.
	if _, err := c.WaitForSamples(context.Background(), 350, 0, pull); err != nil {
		t.Fatalf("WaitForSamples: %v", err)
	}
	if pulls != 4 {
		t.Errorf("expected 4 pulls, got %d", pulls)
	}
	if c.CurrentState() != StateTraining {
		t.Errorf("expected training, got %s", c.CurrentState())
	}

	stats := c.Stats()
	if stats.Sleeps != 3 || stats.Pulls != 4 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.IdleTime <= 0 {
		t.Error("expected idle time to be recorded")
	}
}

func TestWaitForSamples_NoSleepWhenSatisfiedByFirstPull(t *testing.T) {
	c := New(2.0, time.Hour)

	_, err := c.WaitForSamples(context.Background(), 0, 0, func(context.Context) (int64, error) {
		return 1, nil
	})
	if err != nil {
		t.Fatalf("WaitForSamples: %v", err)
	}
	if c.Stats().Sleeps != 0 {
		t.Error("slept although the ratio was satisfied")
	}
}

func TestWaitForSamples_Cancel(t *testing.T) {
	c := New(1.0, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.WaitForSamples(ctx, 10, 0, func(context.Context) (int64, error) {
			return 0, nil
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForSamples did not return after cancel")
	}
}

func TestWaitForSamples_PullError(t *testing.T) {
	c := New(1.0, time.Millisecond)
	boom := errors.New("boom")

	_, err := c.WaitForSamples(context.Background(), 1, 0, func(context.Context) (int64, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected pull error, got %v", err)
	}
}

// Simulated training: whatever the arrival pattern, the ratio observed
// before each update never exceeds the maximum.
func TestRatioInvariantUnderSimulatedTraining(t *testing.T) {
	for _, maxRatio := range []float64{0.25, 1, 4} {
		c := New(maxRatio, time.Microsecond)

		var updates, samples int64
		arrivals := []int64{0, 3, 0, 0, 17, 1, 0, 40, 2}
		next := 0
		pull := func(context.Context) (int64, error) {
			samples += arrivals[next%len(arrivals)]
			next++
			return samples, nil
		}

		for range 500 {
			if _, err := c.WaitForSamples(context.Background(), updates+1, samples, pull); err != nil {
				t.Fatalf("WaitForSamples: %v", err)
			}
			updates++
			if ratio, _ := Ratio(updates, samples); ratio > maxRatio {
				t.Fatalf("max %v: ratio %v after %d updates", maxRatio, ratio, updates)
			}
		}
	}
}

func TestWaitForItems(t *testing.T) {
	c := New(1.0, time.Millisecond)

	if idle, err := c.WaitForItems(context.Background(), func() bool { return true }, nil); err != nil || idle != 0 {
		t.Fatalf("ready: idle=%v err=%v", idle, err)
	}

	rows := 0
	pull := func(ctx context.Context) (int64, error) {
		rows += 2
		return int64(rows), nil
	}
	_, err := c.WaitForItems(context.Background(), func() bool { return rows >= 6 }, pull)
	if err != nil {
		t.Fatalf("WaitForItems: %v", err)
	}
	if rows != 6 {
		t.Errorf("expected 3 pulls, got rows=%d", rows)
	}

	stats := c.Stats()
	if stats.Sleeps != 3 || stats.Pulls != 3 {
		t.Errorf("expected 3 sleeps and 3 pulls, got %d and %d", stats.Sleeps, stats.Pulls)
	}
	if c.CurrentState() != StateTraining {
		t.Errorf("expected training, got %s", c.CurrentState())
	}
}

func TestWaitForItems_Cancel(t *testing.T) {
	c := New(1.0, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.WaitForItems(ctx, func() bool { return false }, func(context.Context) (int64, error) {
		t.Error("pull after cancel")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if c.CurrentState() != StateStarved {
		t.Errorf("expected starved, got %s", c.CurrentState())
	}
}
