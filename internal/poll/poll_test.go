package poll

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
)

func fast(timeout time.Duration) Options {
	return Options{Interval: time.Millisecond, Timeout: timeout}
}

func TestUntilSucceeds(t *testing.T) {
	calls := 0
	err := Until(context.Background(), fast(time.Second), "ready", func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestUntilTimeout(t *testing.T) {
	err := Until(context.Background(), fast(20*time.Millisecond), "service ready", func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, errors.Timeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestUntilTerminalError(t *testing.T) {
	boom := errors.New("task failed")
	calls := 0
	err := Until(context.Background(), fast(time.Second), "task", func(context.Context) (bool, error) {
		calls++
		return false, boom
	})
	if errors.Cause(err) != boom {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("terminal error should stop polling, calls = %d", calls)
	}
}

func TestUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Until(ctx, Options{Interval: 10 * time.Millisecond, Timeout: time.Second}, "x", func(context.Context) (bool, error) {
		return false, nil
	})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestAttempts(t *testing.T) {
	calls := 0
	err := Attempts(context.Background(), 5, time.Millisecond, nil, func() error {
		calls++
		if calls < 4 {
			return errors.New("volume in use")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}

	calls = 0
	err = Attempts(context.Background(), 3, time.Millisecond, nil, func() error {
		calls++
		return errors.New("volume in use")
	})
	if err == nil || err.Error() != "volume in use" {
		t.Fatalf("err = %v, want last error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
