package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		Name:       "test",
		MaxRetries: retries,
		InitDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestExecute_Success(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_EventualSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_ExhaustsRetries(t *testing.T) {
	want := errors.New("store unavailable")
	calls := 0
	err := fastPolicy(2).Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return want
	})
	assert.ErrorIs(t, err, want)
	// Initial call + 2 retries
	assert.Equal(t, 3, calls)
}

func TestExecute_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return NewPermanentError(errors.New("bad row"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_ShouldRetry(t *testing.T) {
	sentinel := errors.New("job already terminal")
	p := fastPolicy(5)
	p.ShouldRetry = func(err error) bool { return !errors.Is(err, sentinel) }

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("upsert job: %w", sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestExecute_OnRetry(t *testing.T) {
	var attempts []int
	p := fastPolicy(2)
	p.OnRetry = func(attempt int, err error, next time.Duration) {
		attempts = append(attempts, attempt)
	}

	_ = p.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("timeout")
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestExecute_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := fastPolicy(3).Execute(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestCalculateDelay(t *testing.T) {
	cfg := RetryConfig{InitDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2.0}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, calculateDelay(cfg, 1))
	assert.Equal(t, 300*time.Millisecond, calculateDelay(cfg, 2), "capped at MaxDelay")
}

func TestCalculateDelay_Jitter(t *testing.T) {
	cfg := RetryConfig{InitDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0, Jitter: 0.1}

	for i := 0; i < 50; i++ {
		d := calculateDelay(cfg, 0)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestIsPermanentError(t *testing.T) {
	assert.False(t, IsPermanentError(nil))
	assert.False(t, IsPermanentError(errors.New("transient")))
	assert.True(t, IsPermanentError(NewPermanentError(errors.New("bad"))))
	assert.True(t, IsPermanentError(fmt.Errorf("wrapped: %w", NewPermanentError(errors.New("bad")))))
	assert.True(t, IsPermanentError(context.Canceled))
	assert.True(t, IsPermanentError(context.DeadlineExceeded))
	assert.Nil(t, NewPermanentError(nil))
}

func TestStoreWrite(t *testing.T) {
	p := StoreWrite(4, 50*time.Millisecond)
	assert.Equal(t, "store-write", p.Name)
	assert.Equal(t, 4, p.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, p.InitDelay)
}
