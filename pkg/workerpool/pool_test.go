package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRequiresWorkerFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, zap.NewNop())
	assert.Error(t, err)
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	var ran atomic.Int64
	cfg := Config{Workers: 4, QueueSize: 16, DrainTimeout: 2 * time.Second}
	pool, err := New(cfg, func(ctx context.Context, task *Task) *Result {
		ran.Add(1)
		return &Result{TaskID: task.ID, Success: true}
	}, zap.NewNop())
	require.NoError(t, err)
	pool.Start()

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(&Task{ID: "t"}))
	}
	require.NoError(t, pool.Stop())
	assert.Equal(t, int64(10), ran.Load())
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int64
	cfg := Config{Workers: 1, QueueSize: 1, MaxRetries: 3, RetryDelay: time.Millisecond, DrainTimeout: 2 * time.Second}
	pool, err := New(cfg, func(ctx context.Context, task *Task) *Result {
		if attempts.Add(1) < 3 {
			return &Result{TaskID: task.ID, Error: assert.AnError}
		}
		return &Result{TaskID: task.ID, Success: true}
	}, zap.NewNop())
	require.NoError(t, err)
	pool.Start()

	require.NoError(t, pool.Submit(&Task{ID: "flaky"}))
	require.NoError(t, pool.Stop())
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, int64(1), pool.completed.Load())
}

func TestSubmitWhenFull(t *testing.T) {
	block := make(chan struct{})
	cfg := Config{Workers: 1, QueueSize: 1, DrainTimeout: 2 * time.Second}
	pool, err := New(cfg, func(ctx context.Context, task *Task) *Result {
		<-block
		return &Result{TaskID: task.ID, Success: true}
	}, zap.NewNop())
	require.NoError(t, err)
	pool.Start()

	// First task occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(&Task{ID: "a"}))
	for pool.Depth() > 0 {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, pool.Submit(&Task{ID: "b"}))
	assert.ErrorIs(t, pool.Submit(&Task{ID: "c"}), ErrQueueFull)

	close(block)
	require.NoError(t, pool.Stop())
	assert.ErrorIs(t, pool.Submit(&Task{ID: "d"}), ErrStopped)
}
