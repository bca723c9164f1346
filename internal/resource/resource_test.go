package resource

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folder-mcp/internal/errors"
)

func TestSubmitRunsOperation(t *testing.T) {
	m := New(2, 10, slog.Default())
	defer m.Shutdown(context.Background())

	done, err := m.Submit("op-1", "/folder", func(ctx context.Context) error {
		return nil
	}, Options{})
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestConcurrencyCap(t *testing.T) {
	m := New(1, 10, slog.Default())
	defer m.Shutdown(context.Background())

	release := make(chan struct{})
	var running atomic.Int32
	var peak atomic.Int32

	work := func(ctx context.Context) error {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		<-release
		running.Add(-1)
		return nil
	}

	first, err := m.Submit("op-1", "/a", work, Options{})
	require.NoError(t, err)
	second, err := m.Submit("op-2", "/b", work, Options{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return m.RunningCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.QueueDepth())

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.EqualValues(t, 1, peak.Load(), "never more than one concurrent operation")
}

func TestPriorityOrdersQueue(t *testing.T) {
	m := New(1, 10, slog.Default())
	defer m.Shutdown(context.Background())

	block := make(chan struct{})
	var order []string
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}

	record := func(id string) Func {
		return func(ctx context.Context) error {
			<-mu
			order = append(order, id)
			mu <- struct{}{}
			return nil
		}
	}

	blocker, err := m.Submit("blocker", "/a", func(ctx context.Context) error {
		<-block
		return nil
	}, Options{})
	require.NoError(t, err)

	low, err := m.Submit("low", "/b", record("low"), Options{Priority: 1})
	require.NoError(t, err)
	high, err := m.Submit("high", "/c", record("high"), Options{Priority: 5})
	require.NoError(t, err)

	close(block)
	require.NoError(t, <-blocker)
	require.NoError(t, <-low)
	require.NoError(t, <-high)
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestQueueFullRejected(t *testing.T) {
	m := New(1, 1, slog.Default())
	defer m.Shutdown(context.Background())

	block := make(chan struct{})
	defer close(block)

	_, err := m.Submit("running", "/a", func(ctx context.Context) error {
		<-block
		return nil
	}, Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.RunningCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err = m.Submit("queued", "/b", func(ctx context.Context) error { return nil }, Options{})
	require.NoError(t, err)

	_, err = m.Submit("rejected", "/c", func(ctx context.Context) error { return nil }, Options{})
	assert.True(t, errors.IsKind(err, errors.KindResourceExhausted))
}

func TestDuplicateIDRejected(t *testing.T) {
	m := New(1, 10, slog.Default())
	defer m.Shutdown(context.Background())

	block := make(chan struct{})
	defer close(block)
	_, err := m.Submit("dup", "/a", func(ctx context.Context) error { <-block; return nil }, Options{})
	require.NoError(t, err)

	_, err = m.Submit("dup", "/a", func(ctx context.Context) error { return nil }, Options{})
	assert.True(t, errors.IsKind(err, errors.KindProtocolViolation))
}

func TestCancelQueuedOperation(t *testing.T) {
	m := New(1, 10, slog.Default())
	defer m.Shutdown(context.Background())

	block := make(chan struct{})
	defer close(block)
	_, err := m.Submit("running", "/a", func(ctx context.Context) error { <-block; return nil }, Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.RunningCount() == 1 }, time.Second, 5*time.Millisecond)

	queued, err := m.Submit("queued", "/b", func(ctx context.Context) error {
		t.Error("cancelled operation must not run")
		return nil
	}, Options{})
	require.NoError(t, err)

	m.Cancel("queued")
	err = <-queued
	assert.True(t, errors.IsKind(err, errors.KindCancelled))
	assert.Zero(t, m.QueueDepth())
}

func TestCancelRunningOperation(t *testing.T) {
	m := New(1, 10, slog.Default())
	defer m.Shutdown(context.Background())

	started := make(chan struct{})
	done, err := m.Submit("op", "/a", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Options{})
	require.NoError(t, err)

	<-started
	m.Cancel("op")
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestShutdownCancelsQueuedAndRejectsNew(t *testing.T) {
	m := New(1, 10, slog.Default())

	release := make(chan struct{})
	running, err := m.Submit("running", "/a", func(ctx context.Context) error {
		close(release)
		return nil
	}, Options{})
	require.NoError(t, err)
	<-release

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, <-running)

	_, err = m.Submit("late", "/b", func(ctx context.Context) error { return nil }, Options{})
	assert.True(t, errors.IsKind(err, errors.KindCancelled))
}
