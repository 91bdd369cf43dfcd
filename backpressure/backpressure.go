// Package backpressure bounds concurrent work behind a fixed-size queue and
// worker pool. When the queue is full the configured overflow strategy
// decides whether the new task is rejected, displaces the oldest queued task,
// or is judged against the current pressure score. Submitters get a Handle
// to await or cancel their task; cancellation of a running task cancels its
// context.
package backpressure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/callgrid/resilience/internal/metrics"
	"github.com/callgrid/resilience/internal/observability"
	rerrors "github.com/callgrid/resilience/pkg/errors"
)

// Strategy selects the behavior when the queue is full.
type Strategy string

const (
	// StrategyReject refuses new work when the queue is full.
	StrategyReject Strategy = "reject"
	// StrategyDropOldest evicts the oldest queued task to admit the new one.
	StrategyDropOldest Strategy = "drop_oldest"
	// StrategyAdaptive rejects under high pressure and otherwise evicts the
	// oldest queued task, so behavior tightens as the system saturates.
	StrategyAdaptive Strategy = "adaptive"
)

// ewmaAlpha weights recent task durations at one fifth.
const ewmaAlpha = 0.2

// Config bounds a handler's queue, concurrency, and memory.
type Config struct {
	Name string `json:"name"`
	// MaxQueueSize caps the number of queued (not yet running) tasks.
	MaxQueueSize int `json:"max_queue_size"`
	// MaxConcurrent caps simultaneously running tasks.
	MaxConcurrent int `json:"max_concurrent"`
	// MaxMemoryBytes caps the declared size of queued plus running tasks.
	// Zero disables memory accounting.
	MaxMemoryBytes int64 `json:"max_memory_bytes"`
	// QueueTimeout bounds how long a task may wait before starting.
	QueueTimeout time.Duration `json:"queue_timeout"`
	// TaskTimeout bounds a single task's execution.
	TaskTimeout time.Duration `json:"task_timeout"`
	Strategy    Strategy      `json:"strategy"`
	// AdaptiveThreshold is the pressure score above which the adaptive
	// strategy rejects instead of evicting.
	AdaptiveThreshold float64 `json:"adaptive_threshold"`
}

// DefaultConfig returns production defaults for a named handler.
func DefaultConfig(name string) Config {
	return Config{
		Name:              name,
		MaxQueueSize:      1000,
		MaxConcurrent:     10,
		MaxMemoryBytes:    100 << 20,
		QueueTimeout:      30 * time.Second,
		TaskTimeout:       60 * time.Second,
		Strategy:          StrategyReject,
		AdaptiveThreshold: 1.4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Name)
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.AdaptiveThreshold <= 0 {
		c.AdaptiveThreshold = d.AdaptiveThreshold
	}
	return c
}

// Stats is a point-in-time snapshot of a handler.
type Stats struct {
	Name          string        `json:"name"`
	QueueDepth    int           `json:"queue_depth"`
	ActiveWorkers int           `json:"active_workers"`
	Submitted     int64         `json:"submitted"`
	Processed     int64         `json:"processed"`
	Dropped       int64         `json:"dropped"`
	Blocked       int64         `json:"blocked"`
	MemoryBytes   int64         `json:"memory_bytes"`
	AvgProcessing time.Duration `json:"avg_processing"`
	Pressure      float64       `json:"pressure"`
}

// Handler runs submitted tasks through a bounded queue and worker pool.
type Handler struct {
	cfg    Config
	logger *observability.Logger

	mu     sync.Mutex
	queue  []*Handle
	closed bool
	cond   *sync.Cond

	sem      *semaphore.Weighted
	baseCtx  context.Context
	baseStop context.CancelFunc
	wg       sync.WaitGroup

	active    atomic.Int64
	mem       atomic.Int64
	submitted atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	blocked   atomic.Int64
	avg       *ewma

	newID func() string
	now   func() time.Time
}

// New creates a handler and starts its dispatcher.
func New(cfg Config, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.Nop()
	}
	cfg = cfg.withDefaults()
	ctx, stop := context.WithCancel(context.Background())
	h := &Handler{
		cfg:      cfg,
		logger:   logger.WithComponent("backpressure").WithFields("handler", cfg.Name),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		baseCtx:  ctx,
		baseStop: stop,
		avg:      newEWMA(ewmaAlpha),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	h.cond = sync.NewCond(&h.mu)
	h.wg.Add(1)
	go h.dispatch()
	return h
}

// Name returns the handler's configured name.
func (h *Handler) Name() string { return h.cfg.Name }

// Submit enqueues a task under a generated id with no declared memory size.
// It never blocks: when the queue is saturated the overflow strategy decides
// immediately, and a rejected submit returns a nil handle with a
// *BackpressureError.
func (h *Handler) Submit(ctx context.Context, task Task) (*Handle, error) {
	return h.submit(ctx, "", task, 0)
}

// SubmitWithID enqueues a task under a caller-chosen identifier. An empty id
// gets a generated one.
func (h *Handler) SubmitWithID(ctx context.Context, id string, task Task) (*Handle, error) {
	return h.submit(ctx, id, task, 0)
}

// SubmitSized enqueues a task that accounts for size bytes against the
// handler's memory budget until it finishes.
func (h *Handler) SubmitSized(ctx context.Context, task Task, size int64) (*Handle, error) {
	return h.submit(ctx, "", task, size)
}

func (h *Handler) submit(ctx context.Context, id string, task Task, size int64) (*Handle, error) {
	if task == nil {
		return nil, fmt.Errorf("backpressure: nil task")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		id = h.newID()
	}

	t := &Handle{
		id:         id,
		owner:      h,
		task:       task,
		sizeBytes:  size,
		enqueuedAt: h.now(),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.blocked.Add(1)
		return nil, &rerrors.BackpressureError{Handler: h.cfg.Name, Reason: rerrors.ReasonShutdown}
	}
	if err := h.admitLocked(size); err != nil {
		h.mu.Unlock()
		h.blocked.Add(1)
		metrics.BackpressureTasks.WithLabelValues(h.cfg.Name, "blocked").Inc()
		return nil, err
	}
	h.queue = append(h.queue, t)
	h.mem.Add(size)
	h.submitted.Add(1)
	depth := len(h.queue)
	h.cond.Signal()
	h.mu.Unlock()

	metrics.BackpressureQueueDepth.WithLabelValues(h.cfg.Name).Set(float64(depth))
	return t, nil
}

// admitLocked makes room for one task of the given size, applying the
// overflow strategy. Called with h.mu held.
func (h *Handler) admitLocked(size int64) error {
	reject := &rerrors.BackpressureError{Handler: h.cfg.Name, Reason: rerrors.ReasonRejected}

	overMemory := func() bool {
		return h.cfg.MaxMemoryBytes > 0 && h.mem.Load()+size > h.cfg.MaxMemoryBytes
	}
	if len(h.queue) < h.cfg.MaxQueueSize && !overMemory() {
		return nil
	}

	switch h.cfg.Strategy {
	case StrategyReject:
		return reject
	case StrategyAdaptive:
		if h.pressureLocked() >= h.cfg.AdaptiveThreshold {
			return reject
		}
		fallthrough
	case StrategyDropOldest:
		for (len(h.queue) >= h.cfg.MaxQueueSize || overMemory()) && len(h.queue) > 0 {
			h.evictOldestLocked()
		}
		if len(h.queue) >= h.cfg.MaxQueueSize || overMemory() {
			return reject
		}
		return nil
	}
	return reject
}

// evictOldestLocked drops the head of the queue. Called with h.mu held.
func (h *Handler) evictOldestLocked() {
	t := h.queue[0]
	h.queue = h.queue[1:]
	if t.finish(statePending, stateCancelled,
		&rerrors.BackpressureError{Handler: h.cfg.Name, Reason: rerrors.ReasonEvicted}) {
		h.mem.Add(-t.sizeBytes)
		h.dropped.Add(1)
		metrics.BackpressureTasks.WithLabelValues(h.cfg.Name, "dropped").Inc()
		h.logger.Debug("evicted oldest queued task", "task_id", t.id)
	}
}

// pressureLocked scores current load: the worst of queue and memory
// saturation, plus half the latency saturation. Ranges roughly [0, 2.5].
func (h *Handler) pressureLocked() float64 {
	queueFrac := float64(len(h.queue)) / float64(h.cfg.MaxQueueSize)
	memFrac := 0.0
	if h.cfg.MaxMemoryBytes > 0 {
		memFrac = float64(h.mem.Load()) / float64(h.cfg.MaxMemoryBytes)
	}
	latFrac := h.avg.Value() / h.cfg.TaskTimeout.Seconds()
	if latFrac > 1 {
		latFrac = 1
	}
	p := queueFrac
	if memFrac > p {
		p = memFrac
	}
	return p + 0.5*latFrac
}

func (h *Handler) dispatch() {
	defer h.wg.Done()
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.closed {
			h.cond.Wait()
		}
		if len(h.queue) == 0 && h.closed {
			h.mu.Unlock()
			return
		}
		t := h.queue[0]
		h.queue = h.queue[1:]
		depth := len(h.queue)
		h.mu.Unlock()
		metrics.BackpressureQueueDepth.WithLabelValues(h.cfg.Name).Set(float64(depth))

		// Bound the wait for a free worker by the task's remaining queue budget.
		waitCtx, cancel := context.WithDeadline(h.baseCtx, t.enqueuedAt.Add(h.cfg.QueueTimeout))
		err := h.sem.Acquire(waitCtx, 1)
		cancel()
		if err != nil {
			reason := rerrors.ReasonTimeout
			if h.baseCtx.Err() != nil {
				reason = rerrors.ReasonShutdown
			}
			if t.finish(statePending, stateCancelled,
				&rerrors.BackpressureError{Handler: h.cfg.Name, Reason: reason}) {
				h.mem.Add(-t.sizeBytes)
				h.blocked.Add(1)
				metrics.BackpressureTasks.WithLabelValues(h.cfg.Name, "blocked").Inc()
				h.logger.Warn("task exceeded queue wait budget", "task_id", t.id,
					"waited", h.now().Sub(t.enqueuedAt), "reason", reason)
			}
			continue
		}

		// A worker freed by shutdown must not start queued work.
		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if closed {
			h.sem.Release(1)
			if t.finish(statePending, stateCancelled,
				&rerrors.BackpressureError{Handler: h.cfg.Name, Reason: rerrors.ReasonShutdown}) {
				h.mem.Add(-t.sizeBytes)
				h.dropped.Add(1)
			}
			continue
		}

		h.wg.Add(1)
		go h.run(t)
	}
}

func (h *Handler) run(t *Handle) {
	defer h.wg.Done()
	defer h.sem.Release(1)

	runCtx, cancel := context.WithTimeout(h.baseCtx, h.cfg.TaskTimeout)
	h.mu.Lock()
	t.cancel = cancel
	h.mu.Unlock()

	if !t.state.CompareAndSwap(statePending, stateRunning) {
		// Cancelled between dequeue and start.
		cancel()
		return
	}
	h.active.Add(1)
	defer h.active.Add(-1)

	start := h.now()
	err := t.task(runCtx)
	cancel()
	elapsed := h.now().Sub(start)
	h.avg.Add(elapsed.Seconds())
	metrics.TaskDuration.WithLabelValues(h.cfg.Name).Observe(elapsed.Seconds())

	if errors.Is(err, context.DeadlineExceeded) && runCtx.Err() != nil {
		// Exceeding the execution budget is a blocked outcome, not a
		// completed run; the adaptive policy reads these counters.
		err = &rerrors.BackpressureError{Handler: h.cfg.Name, Reason: rerrors.ReasonTimeout}
		if t.finish(stateRunning, stateDone, err) {
			h.mem.Add(-t.sizeBytes)
			h.blocked.Add(1)
			metrics.BackpressureTasks.WithLabelValues(h.cfg.Name, "blocked").Inc()
			h.logger.Warn("task exceeded execution budget", "task_id", t.id, "elapsed", elapsed)
		}
		return
	}
	if t.finish(stateRunning, stateDone, err) {
		h.mem.Add(-t.sizeBytes)
		h.processed.Add(1)
		metrics.BackpressureTasks.WithLabelValues(h.cfg.Name, "processed").Inc()
	}
}

// Cancel stops the task if it has not finished. A queued task is dropped; a
// running task has its context cancelled and its result discarded. Returns
// false when the task already reached a terminal state.
func (t *Handle) Cancel() bool {
	h := t.owner
	cancelled := &rerrors.BackpressureError{Handler: h.cfg.Name, Reason: rerrors.ReasonCancelled}

	if t.finish(statePending, stateCancelled, cancelled) {
		h.mem.Add(-t.sizeBytes)
		h.dropped.Add(1)
		metrics.BackpressureTasks.WithLabelValues(h.cfg.Name, "dropped").Inc()
		return true
	}

	h.mu.Lock()
	stop := t.cancel
	h.mu.Unlock()
	if t.finish(stateRunning, stateCancelled, cancelled) {
		if stop != nil {
			stop()
		}
		h.mem.Add(-t.sizeBytes)
		h.dropped.Add(1)
		metrics.BackpressureTasks.WithLabelValues(h.cfg.Name, "dropped").Inc()
		return true
	}
	return false
}

// Stats returns a snapshot of the handler's counters and pressure score.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	depth := len(h.queue)
	pressure := h.pressureLocked()
	h.mu.Unlock()
	return Stats{
		Name:          h.cfg.Name,
		QueueDepth:    depth,
		ActiveWorkers: int(h.active.Load()),
		Submitted:     h.submitted.Load(),
		Processed:     h.processed.Load(),
		Dropped:       h.dropped.Load(),
		Blocked:       h.blocked.Load(),
		MemoryBytes:   h.mem.Load(),
		AvgProcessing: time.Duration(h.avg.Value() * float64(time.Second)),
		Pressure:      pressure,
	}
}

// Close stops intake, drops queued tasks, and waits for running tasks. When
// ctx expires first, running tasks have their contexts cancelled and Close
// returns the context error.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	queued := h.queue
	h.queue = nil
	h.cond.Broadcast()
	h.mu.Unlock()

	for _, t := range queued {
		if t.finish(statePending, stateCancelled,
			&rerrors.BackpressureError{Handler: h.cfg.Name, Reason: rerrors.ReasonShutdown}) {
			h.mem.Add(-t.sizeBytes)
			h.dropped.Add(1)
		}
	}
	metrics.BackpressureQueueDepth.WithLabelValues(h.cfg.Name).Set(0)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.baseStop()
		return nil
	case <-ctx.Done():
		h.baseStop()
		<-done
		return ctx.Err()
	}
}
