package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := New(KindNotFound, "folder not registered")
	assert.Equal(t, "[NotFound] folder not registered", e.Error())

	wrapped := Wrap(KindTransient, "embed batch", stderrors.New("timeout"))
	assert.Equal(t, "[Transient] embed batch: timeout", wrapped.Error())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindTransient, "nothing", nil))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"structured", New(KindSchemaMismatch, "dim 384 != 768"), KindSchemaMismatch},
		{"wrapped in fmt", fmt.Errorf("outer: %w", New(KindCancelled, "shutdown")), KindCancelled},
		{"plain", stderrors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("ctx: %w", New(KindResourceExhausted, "queue full"))
	assert.True(t, stderrors.Is(err, New(KindResourceExhausted, "")))
	assert.False(t, stderrors.Is(err, New(KindNotFound, "")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindTransient, "rpc timeout")))
	assert.False(t, IsRetryable(New(KindPermanentTaskFailure, "gave up")))
	assert.False(t, IsRetryable(stderrors.New("plain")))
}

func TestWithDetail(t *testing.T) {
	e := New(KindInvariantViolation, "chunk missing key phrases").
		WithDetail("chunk_index", "3").
		WithDetail("file", "a.txt")
	assert.Equal(t, "3", e.Details["chunk_index"])
	assert.Equal(t, "a.txt", e.Details["file"])
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond, Multiplier: 2.0}
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(5))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return New(KindTransient, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return New(KindProtocolViolation, "bad input")
	})
	assert.Equal(t, 1, calls)
	assert.True(t, IsKind(err, KindProtocolViolation))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return New(KindTransient, "still down")
	})
	assert.Equal(t, 3, calls)
	assert.True(t, IsKind(err, KindTransient))
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 10, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1.0}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, func() error {
		return New(KindTransient, "never succeeds")
	})
	assert.True(t, IsKind(err, KindCancelled))
}
