package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSleepWithContext_Completes(t *testing.T) {
	if err := SleepWithContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("SleepWithContext() error = %v", err)
	}
}

func TestSleepWithContext_ZeroReturnsImmediately(t *testing.T) {
	if err := SleepWithContext(context.Background(), 0); err != nil {
		t.Errorf("SleepWithContext(0) error = %v", err)
	}
}

func TestSleepWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("SleepWithContext() error = %v, want context.Canceled", err)
	}
}
