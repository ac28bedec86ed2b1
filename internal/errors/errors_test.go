package errors

import (
	"fmt"
	"testing"
)

func TestWrapKeepsSentinel(t *testing.T) {
	err := Wrapf(ErrMisaligned, "append buffer of %d", 3)
	if !Is(err, ErrMisaligned) {
		t.Fatalf("wrapped error lost sentinel: %v", err)
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewMisaligned("reward", 3, 4), true},
		{fmt.Errorf("load: %w", ErrCheckpointCorrupt), true},
		{fmt.Errorf("append: %w", ErrVariantMismatch), false},
		{ErrLayoutMismatch, true},
		{NewOutOfRange(9, 5), false},
		{ErrConnectionFailed, false},
	}
	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.want {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.Err() != nil {
		t.Fatal("empty collector should return nil")
	}
	v.AddField("memory.size", "must be positive")
	v.AddMissing("data_dir")
	v.Add(nil)

	err := v.Err()
	if err == nil {
		t.Fatal("expected error")
	}
	if len(v.Errors) != 2 {
		t.Fatalf("got %d errors, want 2", len(v.Errors))
	}
	if !Is(err, ErrMissingField) || !Is(err, ErrInvalidConfig) {
		t.Errorf("collected error should match both sentinels: %v", err)
	}
	if !IsValidation(err) {
		t.Error("IsValidation should be true")
	}
}
