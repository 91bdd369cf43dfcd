package backpressure

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/callgrid/resilience/pkg/errors"
)

func testConfig(name string) Config {
	return Config{
		Name:          name,
		MaxQueueSize:  4,
		MaxConcurrent: 1,
		QueueTimeout:  5 * time.Second,
		TaskTimeout:   5 * time.Second,
		Strategy:      StrategyReject,
	}
}

func closeHandler(t *testing.T, h *Handler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = h.Close(ctx)
}

// blockingTask returns a task that blocks until release is closed, and a
// started channel that closes when the task begins running.
func blockingTask() (Task, chan struct{}, chan struct{}) {
	started := make(chan struct{})
	release := make(chan struct{})
	task := func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return task, started, release
}

func TestHandler_ExecutesSubmittedTask(t *testing.T) {
	h := New(testConfig("calls"), nil)
	defer closeHandler(t, h)
	ctx := context.Background()

	var ran atomic.Bool
	handle, err := h.Submit(ctx, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.NotEmpty(t, handle.ID())

	require.NoError(t, handle.Await(ctx))
	assert.True(t, ran.Load())

	st := h.Stats()
	assert.Equal(t, int64(1), st.Submitted)
	assert.Equal(t, int64(1), st.Processed)
}

func TestHandler_TaskErrorPropagates(t *testing.T) {
	h := New(testConfig("calls"), nil)
	defer closeHandler(t, h)
	ctx := context.Background()

	boom := stderrors.New("downstream failed")
	handle, err := h.Submit(ctx, func(ctx context.Context) error { return boom })
	require.NoError(t, err)
	assert.ErrorIs(t, handle.Await(ctx), boom)
}

func TestHandler_RejectWhenQueueFull(t *testing.T) {
	cfg := testConfig("calls")
	cfg.MaxQueueSize = 1
	h := New(cfg, nil)
	defer closeHandler(t, h)
	ctx := context.Background()

	block, started, release := blockingTask()

	running, err := h.Submit(ctx, block)
	require.NoError(t, err)
	<-started

	// The dispatcher parks one dequeued task at the worker gate; wait for
	// that so the next submit deterministically fills the queue.
	parked, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Stats().QueueDepth == 0 },
		time.Second, time.Millisecond)

	queued, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	// Queue is full now; the submit must fail immediately, not block.
	doneBy := time.Now().Add(time.Second)
	handle, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.Nil(t, handle)
	assert.True(t, rerrors.IsBackpressure(err))
	var be *rerrors.BackpressureError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, rerrors.ReasonRejected, be.Reason)
	assert.True(t, time.Now().Before(doneBy), "rejection must be non-blocking")

	st := h.Stats()
	assert.Equal(t, int64(1), st.Blocked)

	close(release)
	require.NoError(t, running.Await(ctx))
	require.NoError(t, parked.Await(ctx))
	require.NoError(t, queued.Await(ctx))
}

func TestHandler_DropOldestRetainsNewest(t *testing.T) {
	cfg := testConfig("transcripts")
	cfg.MaxQueueSize = 2
	cfg.Strategy = StrategyDropOldest
	h := New(cfg, nil)
	defer closeHandler(t, h)
	ctx := context.Background()

	block, started, release := blockingTask()
	_, err := h.Submit(ctx, block)
	require.NoError(t, err)
	<-started

	parked, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Stats().QueueDepth == 0 },
		time.Second, time.Millisecond)

	oldest, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	second, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	// Queue full: the next submit evicts the oldest queued task.
	newest, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	var be *rerrors.BackpressureError
	require.ErrorAs(t, oldest.Await(ctx), &be)
	assert.Equal(t, rerrors.ReasonEvicted, be.Reason)

	close(release)
	assert.NoError(t, parked.Await(ctx))
	assert.NoError(t, second.Await(ctx))
	assert.NoError(t, newest.Await(ctx))
	assert.Equal(t, int64(1), h.Stats().Dropped)
}

func TestHandler_CancelQueuedTask(t *testing.T) {
	h := New(testConfig("calls"), nil)
	defer closeHandler(t, h)
	ctx := context.Background()

	block, started, release := blockingTask()
	defer close(release)
	_, err := h.Submit(ctx, block)
	require.NoError(t, err)
	<-started

	var ran atomic.Bool
	queued, err := h.Submit(ctx, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)

	assert.True(t, queued.Cancel())
	assert.False(t, queued.Cancel(), "second cancel is a no-op")

	var be *rerrors.BackpressureError
	require.ErrorAs(t, queued.Await(ctx), &be)
	assert.Equal(t, rerrors.ReasonCancelled, be.Reason)
	assert.False(t, ran.Load())
}

func TestHandler_CancelRunningTask(t *testing.T) {
	h := New(testConfig("calls"), nil)
	defer closeHandler(t, h)
	ctx := context.Background()

	started := make(chan struct{})
	handle, err := h.Submit(ctx, func(taskCtx context.Context) error {
		close(started)
		<-taskCtx.Done()
		return taskCtx.Err()
	})
	require.NoError(t, err)
	<-started

	assert.True(t, handle.Cancel())

	var be *rerrors.BackpressureError
	require.ErrorAs(t, handle.Await(ctx), &be)
	assert.Equal(t, rerrors.ReasonCancelled, be.Reason)
}

func TestHandler_TaskTimeout(t *testing.T) {
	cfg := testConfig("calls")
	cfg.TaskTimeout = 30 * time.Millisecond
	h := New(cfg, nil)
	defer closeHandler(t, h)
	ctx := context.Background()

	handle, err := h.Submit(ctx, func(taskCtx context.Context) error {
		<-taskCtx.Done()
		return taskCtx.Err()
	})
	require.NoError(t, err)

	var be *rerrors.BackpressureError
	require.ErrorAs(t, handle.Await(ctx), &be)
	assert.Equal(t, rerrors.ReasonTimeout, be.Reason)

	// Counters move just after the handle resolves.
	require.Eventually(t, func() bool { return h.Stats().Blocked == 1 }, time.Second, 5*time.Millisecond)
	stats := h.Stats()
	assert.Equal(t, int64(0), stats.Processed, "a timed out task did not complete")
	assert.Equal(t, int64(0), stats.Dropped)
}

func TestHandler_QueueWaitTimeout(t *testing.T) {
	cfg := testConfig("calls")
	cfg.QueueTimeout = 50 * time.Millisecond
	h := New(cfg, nil)
	defer closeHandler(t, h)
	ctx := context.Background()

	block, started, release := blockingTask()
	defer close(release)
	_, err := h.Submit(ctx, block)
	require.NoError(t, err)
	<-started

	queued, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	var be *rerrors.BackpressureError
	require.ErrorAs(t, queued.Await(ctx), &be)
	assert.Equal(t, rerrors.ReasonTimeout, be.Reason)
	assert.Equal(t, int64(1), h.Stats().Blocked)
}

func TestHandler_MemoryBudget(t *testing.T) {
	cfg := testConfig("recordings")
	cfg.MaxMemoryBytes = 100
	h := New(cfg, nil)
	defer closeHandler(t, h)
	ctx := context.Background()

	block, started, release := blockingTask()
	_, err := h.SubmitSized(ctx, block, 60)
	require.NoError(t, err)
	<-started
	assert.Equal(t, int64(60), h.Stats().MemoryBytes)

	// 60 + 60 exceeds the budget even though the queue has room.
	handle, err := h.SubmitSized(ctx, func(ctx context.Context) error { return nil }, 60)
	assert.Nil(t, handle)
	var be *rerrors.BackpressureError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, rerrors.ReasonRejected, be.Reason)

	small, err := h.SubmitSized(ctx, func(ctx context.Context) error { return nil }, 30)
	require.NoError(t, err)

	close(release)
	require.NoError(t, small.Await(ctx))
	assert.Eventually(t, func() bool {
		return h.Stats().MemoryBytes == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHandler_AdaptiveStrategy(t *testing.T) {
	cfg := testConfig("calls")
	cfg.MaxQueueSize = 2
	cfg.Strategy = StrategyAdaptive
	cfg.AdaptiveThreshold = 1.4
	cfg.TaskTimeout = time.Second
	h := New(cfg, nil)
	defer closeHandler(t, h)
	ctx := context.Background()

	block, started, release := blockingTask()
	defer close(release)
	_, err := h.Submit(ctx, block)
	require.NoError(t, err)
	<-started

	_, err = h.Submit(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Stats().QueueDepth == 0 },
		time.Second, time.Millisecond)

	oldest, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	_, err = h.Submit(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	t.Run("moderate pressure evicts the oldest", func(t *testing.T) {
		_, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
		require.NoError(t, err)

		var be *rerrors.BackpressureError
		require.ErrorAs(t, oldest.Await(ctx), &be)
		assert.Equal(t, rerrors.ReasonEvicted, be.Reason)
	})

	t.Run("high pressure rejects outright", func(t *testing.T) {
		// Saturate the latency component: average equals the task timeout.
		h.avg.Add(cfg.TaskTimeout.Seconds())

		handle, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
		assert.Nil(t, handle)
		var be *rerrors.BackpressureError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, rerrors.ReasonRejected, be.Reason)
	})
}

func TestHandler_Close(t *testing.T) {
	h := New(testConfig("calls"), nil)
	ctx := context.Background()

	block, started, release := blockingTask()
	running, err := h.Submit(ctx, block)
	require.NoError(t, err)
	<-started

	queued, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.Close(closeCtx))

	t.Run("queued work is dropped on shutdown", func(t *testing.T) {
		var be *rerrors.BackpressureError
		require.ErrorAs(t, queued.Await(ctx), &be)
		assert.Equal(t, rerrors.ReasonShutdown, be.Reason)
	})

	t.Run("running work completed", func(t *testing.T) {
		assert.NoError(t, running.Await(ctx))
	})

	t.Run("new submissions are refused", func(t *testing.T) {
		_, err := h.Submit(ctx, func(ctx context.Context) error { return nil })
		var be *rerrors.BackpressureError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, rerrors.ReasonShutdown, be.Reason)
	})

	t.Run("double close is safe", func(t *testing.T) {
		assert.NoError(t, h.Close(ctx))
	})
}

func TestHandler_ConcurrencyCeiling(t *testing.T) {
	cfg := testConfig("calls")
	cfg.MaxConcurrent = 2
	cfg.MaxQueueSize = 10
	h := New(cfg, nil)
	defer closeHandler(t, h)
	ctx := context.Background()

	var concurrent, peak atomic.Int64
	release := make(chan struct{})
	task := func(taskCtx context.Context) error {
		cur := concurrent.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		<-release
		concurrent.Add(-1)
		return nil
	}

	handles := make([]*Handle, 0, 6)
	for i := 0; i < 6; i++ {
		handle, err := h.Submit(ctx, task)
		require.NoError(t, err)
		handles = append(handles, handle)
	}

	assert.Eventually(t, func() bool {
		return concurrent.Load() == 2
	}, time.Second, 5*time.Millisecond)
	close(release)

	for _, handle := range handles {
		require.NoError(t, handle.Await(ctx))
	}
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(6), h.Stats().Processed)
}
