// Package breaker implements a circuit breaker whose state is shared across
// process instances through the common state store. Each breaker wraps calls
// to a single named dependency (a PMS connector, a TTS or ASR engine, a
// datastore) and fails fast while that dependency is unhealthy.
//
// The persisted state record is a small JSON document written with a
// compare-and-swap primitive, so concurrent updates from multiple instances
// never lose counts. When the store is unreachable the breaker degrades to
// process-local state: availability is chosen over strict cross-process
// consistency, and the local state is marked non-authoritative in stats.
package breaker

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/callgrid/resilience/internal/metrics"
	"github.com/callgrid/resilience/internal/observability"
	rerrors "github.com/callgrid/resilience/pkg/errors"
	"github.com/callgrid/resilience/store"
)

// State represents the current state of a circuit breaker.
type State string

const (
	// StateClosed allows calls to pass through normally.
	StateClosed State = "closed"
	// StateOpen fails calls fast until the recovery timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen admits probation traffic to test recovery.
	StateHalfOpen State = "half_open"
)

// FallbackFunc produces a substitute result while the circuit is open.
type FallbackFunc func(ctx context.Context, cause error) (any, error)

// Config contains configuration for a single circuit breaker.
type Config struct {
	// Name identifies the protected dependency and keys the shared state record.
	Name string
	// FailureThreshold is the number of counted failures before opening.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probation.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes to close.
	SuccessThreshold int
	// CallTimeout bounds each wrapped call; exceeding it counts as a timeout failure.
	CallTimeout time.Duration
	// Expected lists the failure kinds that count toward opening the circuit.
	// Failures outside this set propagate untouched and never move counters.
	Expected []rerrors.FailureKind
	// Fallback, when non-nil, is invoked instead of failing fast while open.
	Fallback FallbackFunc
	// StateTTL bounds how long the persisted record outlives its last update.
	StateTTL time.Duration
}

// DefaultConfig returns sensible defaults for the named dependency.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		CallTimeout:      10 * time.Second,
		Expected: []rerrors.FailureKind{
			rerrors.KindTransient,
			rerrors.KindTimeout,
			rerrors.KindUnavailable,
		},
		StateTTL: time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Name)
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.Expected == nil {
		c.Expected = def.Expected
	}
	if c.StateTTL <= 0 {
		c.StateTTL = def.StateTTL
	}
	return c
}

// Snapshot is the typed state record persisted in the shared store.
type Snapshot struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastSuccessTime time.Time `json:"last_success_time"`
	TotalRequests   int64     `json:"total_requests"`
	TotalFailures   int64     `json:"total_failures"`
	TotalSuccesses  int64     `json:"total_successes"`
}

// Stats is the observable state of a breaker.
type Stats struct {
	Snapshot
	Name            string    `json:"name"`
	NextAttemptTime time.Time `json:"next_attempt_time"`
	// Synchronized is false while the breaker operates on process-local
	// state because the shared store is unreachable or unconfigured.
	Synchronized bool `json:"synchronized"`
}

// Breaker wraps calls to one named dependency.
type Breaker struct {
	cfg    Config
	store  store.Store
	logger *observability.Logger
	now    func() time.Time

	mu sync.Mutex
	// local is the authoritative state while degraded, and a cache of the
	// last shared record otherwise.
	local  Snapshot
	synced bool
}

// New creates a breaker. A nil store means the breaker is purely local.
func New(cfg Config, st store.Store, logger *observability.Logger) *Breaker {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Breaker{
		cfg:    cfg.withDefaults(),
		store:  st,
		logger: logger.WithComponent("breaker").WithFields("circuit", cfg.Name),
		now:    time.Now,
		local:  Snapshot{State: StateClosed},
		synced: st != nil,
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

func (b *Breaker) key() string { return "cb:" + b.cfg.Name }

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
)

// Call executes fn under the breaker's state machine and call timeout.
//
// While the circuit is open and the recovery timeout has not elapsed, the
// configured fallback is invoked if present; otherwise the call fails with
// CircuitOpenError. Successful calls reset the failure streak. Failures
// tagged with an expected kind, and timeouts, count toward opening the
// circuit. Any other failure propagates unchanged without moving counters.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if err := b.admit(ctx); err != nil {
		metrics.CircuitCalls.WithLabelValues(b.cfg.Name, "rejected").Inc()
		if b.cfg.Fallback != nil {
			return b.cfg.Fallback(ctx, err)
		}
		return nil, err
	}

	val, err := b.execute(ctx, fn)
	if err == nil {
		b.record(ctx, outcomeSuccess)
		metrics.CircuitCalls.WithLabelValues(b.cfg.Name, "success").Inc()
		return val, nil
	}

	var toErr *rerrors.CircuitTimeoutError
	if stderrors.As(err, &toErr) {
		// Timeouts are a distinct failure kind and always count.
		b.record(ctx, outcomeFailure)
		metrics.CircuitCalls.WithLabelValues(b.cfg.Name, "timeout").Inc()
		return nil, err
	}
	if stderrors.Is(err, context.Canceled) {
		// Caller cancellation is not a dependency verdict.
		return nil, err
	}
	if kind, tagged := rerrors.KindOf(err); tagged && b.expects(kind) {
		b.record(ctx, outcomeFailure)
		metrics.CircuitCalls.WithLabelValues(b.cfg.Name, "failure").Inc()
		return nil, err
	}

	// Unexpected failures pass through without touching the counters.
	metrics.CircuitCalls.WithLabelValues(b.cfg.Name, "unexpected").Inc()
	return nil, err
}

// Stats returns the current state plus the computed next attempt time when open.
func (b *Breaker) Stats(ctx context.Context) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, _, ok := b.loadLocked(ctx)
	st := Stats{
		Snapshot:     snap,
		Name:         b.cfg.Name,
		Synchronized: ok,
	}
	if snap.State == StateOpen {
		st.NextAttemptTime = snap.LastFailureTime.Add(b.cfg.RecoveryTimeout)
	}
	return st
}

// Reset forces the circuit to closed with zeroed counters.
func (b *Breaker) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.local.State
	fresh := Snapshot{State: StateClosed}
	b.local = fresh
	b.observeTransition(prev, StateClosed)

	if b.store == nil {
		return nil
	}
	enc, err := json.Marshal(fresh)
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, b.key(), string(enc), b.cfg.StateTTL); err != nil {
		b.degradeLocked(err)
		return err
	}
	b.resyncLocked(fresh)
	return nil
}

// admit decides whether a call may proceed, transitioning OPEN to HALF_OPEN
// once the recovery timeout has elapsed. The transition is won by exactly one
// instance through compare-and-swap; losers observe HALF_OPEN on re-read and
// are admitted under its rules.
func (b *Breaker) admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, raw, ok := b.loadLocked(ctx)
	if snap.State != StateOpen {
		return nil
	}

	now := b.now()
	next := snap.LastFailureTime.Add(b.cfg.RecoveryTimeout)
	if now.Before(next) {
		return &rerrors.CircuitOpenError{Circuit: b.cfg.Name, NextAttempt: next}
	}

	probe := snap
	probe.State = StateHalfOpen
	probe.FailureCount = 0
	probe.SuccessCount = 0

	if !ok {
		b.observeTransition(snap.State, StateHalfOpen)
		b.local = probe
		return nil
	}
	enc, err := json.Marshal(probe)
	if err != nil {
		return err
	}
	swapped, err := b.store.CompareAndSwap(ctx, b.key(), raw, string(enc), b.cfg.StateTTL)
	if err != nil {
		b.degradeLocked(err)
		b.local = probe
		return nil
	}
	if swapped {
		b.observeTransition(snap.State, StateHalfOpen)
		b.resyncLocked(probe)
	}
	return nil
}

// execute runs fn under the call timeout in its own goroutine so a stalled
// dependency cannot hold the caller past the deadline.
func (b *Breaker) execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	callCtx := ctx
	cancel := func() {}
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
	}
	defer cancel()

	type callResult struct {
		val any
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		val, err := fn(callCtx)
		done <- callResult{val, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && stderrors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &rerrors.CircuitTimeoutError{Circuit: b.cfg.Name, Timeout: b.cfg.CallTimeout}
		}
		return r.val, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &rerrors.CircuitTimeoutError{Circuit: b.cfg.Name, Timeout: b.cfg.CallTimeout}
	}
}

// casAttempts bounds the retry loop for contended state updates.
const casAttempts = 5

// record applies a call outcome to the shared record via a CAS retry loop,
// falling back to local state when the store is unreachable.
func (b *Breaker) record(ctx context.Context, oc outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.store == nil {
		prev := b.local.State
		b.local = b.apply(b.local, oc, now)
		b.observeTransition(prev, b.local.State)
		return
	}

	for i := 0; i < casAttempts; i++ {
		snap, raw, ok := b.loadLocked(ctx)
		if !ok {
			break
		}
		next := b.apply(snap, oc, now)
		enc, err := json.Marshal(next)
		if err != nil {
			break
		}
		swapped, err := b.store.CompareAndSwap(ctx, b.key(), raw, string(enc), b.cfg.StateTTL)
		if err != nil {
			b.degradeLocked(err)
			break
		}
		if swapped {
			b.observeTransition(snap.State, next.State)
			b.resyncLocked(next)
			return
		}
		// Another instance won; re-read and reapply this outcome.
	}

	prev := b.local.State
	b.local = b.apply(b.local, oc, now)
	b.observeTransition(prev, b.local.State)
}

// apply implements the state machine transition rules for one outcome.
func (b *Breaker) apply(s Snapshot, oc outcome, now time.Time) Snapshot {
	s.TotalRequests++
	switch oc {
	case outcomeSuccess:
		s.TotalSuccesses++
		s.LastSuccessTime = now
		s.FailureCount = 0
		s.SuccessCount++
		if s.State == StateHalfOpen && s.SuccessCount >= b.cfg.SuccessThreshold {
			s.State = StateClosed
			s.SuccessCount = 0
		}
	case outcomeFailure:
		s.TotalFailures++
		s.LastFailureTime = now
		s.SuccessCount = 0
		s.FailureCount++
		switch s.State {
		case StateClosed:
			if s.FailureCount >= b.cfg.FailureThreshold {
				s.State = StateOpen
			}
		case StateHalfOpen:
			s.State = StateOpen
		}
	}
	return s
}

// loadLocked fetches the shared record. It returns the snapshot, its raw
// encoding ("" when the key is absent), and whether the store round trip
// succeeded. On failure the local snapshot is returned instead.
func (b *Breaker) loadLocked(ctx context.Context) (Snapshot, string, bool) {
	if b.store == nil {
		return b.local, "", false
	}
	raw, err := b.store.Get(ctx, b.key())
	if stderrors.Is(err, store.ErrNotFound) {
		// Absent record: the local snapshot seeds the shared state on the
		// next write.
		b.resyncLocked(b.local)
		return b.local, "", true
	}
	if err != nil {
		b.degradeLocked(err)
		return b.local, "", false
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		b.logger.Warn("discarding malformed shared state record", "error", err)
		return b.local, "", true
	}
	if snap.State == "" {
		snap.State = StateClosed
	}
	b.resyncLocked(snap)
	return snap, raw, true
}

func (b *Breaker) expects(kind rerrors.FailureKind) bool {
	for _, k := range b.cfg.Expected {
		if k == kind {
			return true
		}
	}
	return false
}

func (b *Breaker) degradeLocked(err error) {
	metrics.StoreErrors.WithLabelValues("breaker").Inc()
	if b.synced {
		b.logger.Warn("state store unreachable, degrading to process-local state", "error", err)
	}
	b.synced = false
}

// resyncLocked adopts the shared record as the local cache. On recovery from
// an outage the remote record wins; only the outcome being recorded is
// replayed on top of it.
func (b *Breaker) resyncLocked(snap Snapshot) {
	if !b.synced {
		b.logger.Info("state store reachable again, resuming shared state")
	}
	b.synced = true
	b.local = snap
}

func (b *Breaker) observeTransition(from, to State) {
	metrics.CircuitState.WithLabelValues(b.cfg.Name).Set(stateValue(to))
	if from != to {
		metrics.CircuitTransitions.WithLabelValues(b.cfg.Name, string(from), string(to)).Inc()
		b.logger.Info("circuit state changed", "from", from, "to", to)
	}
}

func stateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}
