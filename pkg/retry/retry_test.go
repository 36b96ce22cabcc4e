package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) *Config {
	return &Config{
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestNew_FillsDefaults(t *testing.T) {
	r := New(&Config{MaxRetries: -1, JitterFactor: 3})
	assert.Equal(t, 0, r.config.MaxRetries)
	assert.Equal(t, DefaultConfig().InitialInterval, r.config.InitialInterval)
	assert.Equal(t, 1.0, r.config.JitterFactor)

	assert.Equal(t, DefaultConfig().MaxRetries, New(nil).config.MaxRetries)
}

func TestRetrier_Do_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	var waits []int

	res := New(fastConfig(3)).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("broker unavailable")
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		waits = append(waits, attempt)
	})

	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []int{1, 2}, waits)
}

func TestRetrier_Do_MaxRetriesExceeded(t *testing.T) {
	boom := errors.New("boom")
	res := New(fastConfig(2)).Do(context.Background(), func(ctx context.Context) error {
		return boom
	}, nil)

	assert.ErrorIs(t, res.Err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, boom, res.LastError)
}

func TestRetrier_Do_PermanentStopsImmediately(t *testing.T) {
	declined := errors.New("declined")
	calls := 0
	res := New(fastConfig(5)).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(declined)
	}, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, declined, res.Err)
}

func TestRetrier_Do_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(fastConfig(3)).Do(ctx, func(ctx context.Context) error {
		t.Fatal("operation must not run on a canceled context")
		return nil
	}, nil)
	assert.Equal(t, ErrContextCanceled, res.Err)
}

func TestRetrier_Interval_Capped(t *testing.T) {
	r := New(&Config{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2})
	assert.Equal(t, 10*time.Millisecond, r.interval(0))
	assert.Equal(t, 20*time.Millisecond, r.interval(1))
	assert.Equal(t, 50*time.Millisecond, r.interval(5))
}

func TestDo_JoinsLastError(t *testing.T) {
	boom := errors.New("boom")
	err := Do(context.Background(), fastConfig(1), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, Do(context.Background(), fastConfig(1), func(ctx context.Context) error { return nil }))
}
