package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"tokensale/internal/errors"
)

func fastConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		BackoffFactor:   2.0,
		EnableJitter:    false,
	}
}

func TestExecute_SucceedsAfterRetries(t *testing.T) {
	r := NewRetrier(fastConfig(), logrus.New())

	calls := 0
	err := r.Execute(context.Background(), "test_op", func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	r := NewRetrier(fastConfig(), logrus.New())

	calls := 0
	err := r.Execute(context.Background(), "test_op", func() error {
		calls++
		return errors.ErrInsufficientBalance
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	r := NewRetrier(fastConfig(), logrus.New())

	calls := 0
	err := r.Execute(context.Background(), "test_op", func() error {
		calls++
		return fmt.Errorf("i/o timeout")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_ContextCancelled(t *testing.T) {
	r := NewRetrier(fastConfig(), logrus.New())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Execute(ctx, "test_op", func() error {
		return fmt.Errorf("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("too many requests")))
	assert.True(t, IsRetryableError(fmt.Errorf("nonce too low")))
	assert.False(t, IsRetryableError(fmt.Errorf("invalid signature")))
	assert.False(t, IsRetryableError(nil))

	// SaleError通过RetryableError接口判断
	assert.True(t, IsRetryableError(errors.ErrMailSendFailed))
	assert.False(t, IsRetryableError(errors.ErrSoldOut))
}

func TestThrottle_EnforcesMinimumInterval(t *testing.T) {
	th := NewThrottle(30 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	assert.NoError(t, th.Wait(ctx)) // 首次调用不等待
	assert.NoError(t, th.Wait(ctx))
	assert.NoError(t, th.Wait(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestThrottle_ContextCancelled(t *testing.T) {
	th := NewThrottle(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	assert.NoError(t, th.Wait(ctx))
	cancel()
	assert.ErrorIs(t, th.Wait(ctx), context.Canceled)
}
