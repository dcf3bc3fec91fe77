package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewBaseProviderDefaults(t *testing.T) {
	b := NewBaseProvider("test", 0, 0)
	if b.Name() != "test" {
		t.Errorf("Name() = %q", b.Name())
	}
	if b.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", b.maxRetries)
	}
	if b.retryDelay != time.Second {
		t.Errorf("retryDelay = %v, want 1s", b.retryDelay)
	}
}

func TestRetry(t *testing.T) {
	retryable := errors.New("retry me")
	fatal := errors.New("fatal")
	isRetryable := func(err error) bool { return errors.Is(err, retryable) }

	t.Run("succeeds after retries", func(t *testing.T) {
		b := NewBaseProvider("test", 3, time.Millisecond)
		calls := 0
		err := b.Retry(context.Background(), isRetryable, func() error {
			calls++
			if calls < 3 {
				return retryable
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Retry() error = %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("stops on non-retryable", func(t *testing.T) {
		b := NewBaseProvider("test", 5, time.Millisecond)
		calls := 0
		err := b.Retry(context.Background(), isRetryable, func() error {
			calls++
			return fatal
		})
		if !errors.Is(err, fatal) {
			t.Fatalf("Retry() error = %v, want fatal", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		b := NewBaseProvider("test", 2, time.Millisecond)
		calls := 0
		err := b.Retry(context.Background(), isRetryable, func() error {
			calls++
			return retryable
		})
		if !errors.Is(err, retryable) {
			t.Fatalf("Retry() error = %v", err)
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		b := NewBaseProvider("test", 3, time.Hour)
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		err := b.Retry(ctx, isRetryable, func() error {
			calls++
			return retryable
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Retry() error = %v, want context.Canceled", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}
