// Package resilience is the composition root for the call-platform
// resilience core: circuit breakers, rate limiting, and backpressure
// handling behind one manager with shared state, structured logging, and
// Prometheus metrics.
//
// The manager is built for availability first: a missing or unreachable
// state store degrades components to process-local state instead of
// failing initialization, and recovery is automatic once the store is
// reachable again.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callgrid/resilience/backpressure"
	"github.com/callgrid/resilience/breaker"
	"github.com/callgrid/resilience/config"
	"github.com/callgrid/resilience/internal/observability"
	rerrors "github.com/callgrid/resilience/pkg/errors"
	"github.com/callgrid/resilience/ratelimit"
	"github.com/callgrid/resilience/store"
)

// Manager owns all resilience components for one process instance.
type Manager struct {
	cfg        *config.Config
	cfgManager *config.Manager
	logger     *observability.Logger
	store      store.Store
	ownsStore  bool

	limiter *ratelimit.Limiter

	mu       sync.RWMutex
	breakers map[string]*breaker.Breaker
	handlers map[string]*backpressure.Handler
	closed   bool

	instanceID string
	startedAt  time.Time
	watchStop  context.CancelFunc
}

// New creates a manager from a configuration. The store connection is
// established lazily; call Initialize to verify reachability.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("resilience: invalid config: %w", err)
	}

	m := &Manager{
		cfg:        cfg,
		breakers:   make(map[string]*breaker.Breaker),
		handlers:   make(map[string]*backpressure.Handler),
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = observability.NewLogger(observability.LoggerConfig{
			Level:      observability.ParseLevel(cfg.Logging.Level),
			JSONFormat: cfg.Logging.Format != "text",
		})
	}
	if m.store == nil {
		m.store = store.Dial(store.Options{
			Addr:        cfg.Store.Addr,
			Password:    cfg.Store.Password,
			DB:          cfg.Store.DB,
			PoolSize:    cfg.Store.PoolSize,
			DialTimeout: cfg.Store.DialTimeout,
		})
		m.ownsStore = true
	}

	var limiterStore store.Store
	if cfg.RateLimit.Enabled {
		limiterStore = m.store
	}
	m.limiter = ratelimit.New(
		limitConfig(cfg.RateLimit.Default),
		limitRules(cfg.RateLimit.Rules),
		limiterStore,
		m.logger,
	)

	return m, nil
}

// NewFromFile loads configuration from a YAML file and creates a manager
// with hot reload: rate limit rule changes on disk apply without restart.
func NewFromFile(ctx context.Context, path string, opts ...Option) (*Manager, error) {
	var probe Manager
	for _, opt := range opts {
		opt(&probe)
	}
	logger := probe.logger
	if logger == nil {
		logger = observability.NewLogger(observability.LoggerConfig{JSONFormat: true})
	}

	cm, err := config.NewManager(path, logger.Slog())
	if err != nil {
		return nil, err
	}
	m, err := New(cm.Get(), opts...)
	if err != nil {
		_ = cm.Close()
		return nil, err
	}
	m.cfgManager = cm

	cm.OnChange(func(next *config.Config) {
		m.ApplyRateLimitRules(next.RateLimit.Default, next.RateLimit.Rules)
	})
	watchCtx, stop := context.WithCancel(ctx)
	if err := cm.Watch(watchCtx); err != nil {
		stop()
		_ = cm.Close()
		_ = m.Shutdown(ctx)
		return nil, err
	}
	m.watchStop = stop
	return m, nil
}

// Initialize verifies the shared store connection and pre-builds the
// components named in the configuration. An unreachable store is not fatal:
// components start in degraded, process-local mode and resume shared state
// automatically once the store answers.
func (m *Manager) Initialize(ctx context.Context) error {
	for name := range m.cfg.CircuitBreakers.Overrides {
		m.GetCircuitBreaker(name)
	}
	for name := range m.cfg.Backpressure.Overrides {
		m.GetBackpressureHandler(name)
	}

	if err := m.store.Ping(ctx); err != nil {
		m.logger.Warn("state store unreachable at startup, starting degraded",
			"addr", m.cfg.Store.Addr, "error", err)
		return nil
	}
	m.logger.Info("resilience manager initialized",
		"instance_id", m.instanceID, "store", m.cfg.Store.Addr)
	return nil
}

// GetCircuitBreaker returns the named breaker, creating it on first use from
// the configured defaults plus any per-circuit override.
func (m *Manager) GetCircuitBreaker(name string) *breaker.Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	b = breaker.New(m.breakerConfig(name), m.store, m.logger)
	m.breakers[name] = b
	return b
}

// GetBackpressureHandler returns the named handler, creating it on first use
// from the configured defaults plus any per-handler override.
func (m *Manager) GetBackpressureHandler(name string) *backpressure.Handler {
	m.mu.RLock()
	h, ok := m.handlers[name]
	m.mu.RUnlock()
	if ok {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.handlers[name]; ok {
		return h
	}
	h = backpressure.New(m.handlerConfig(name), m.logger)
	m.handlers[name] = h
	return h
}

// Call executes fn through the named circuit breaker.
func (m *Manager) Call(ctx context.Context, circuit string, fn func(context.Context) (any, error)) (any, error) {
	return m.GetCircuitBreaker(circuit).Call(ctx, fn)
}

// CheckRateLimit evaluates the request against the configured rules. A denied
// request returns the decision alongside a *RateLimitError carrying the
// retry-after hint.
func (m *Manager) CheckRateLimit(ctx context.Context, req ratelimit.Request) (*ratelimit.Result, error) {
	res, err := m.limiter.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		var retryAfter time.Duration
		if res.RetryAfter != nil {
			retryAfter = *res.RetryAfter
		}
		return res, &rerrors.RateLimitError{
			ClientID:   req.ClientID,
			LimitType:  res.LimitType,
			RetryAfter: retryAfter,
		}
	}
	return res, nil
}

// SubmitTask submits work to the named backpressure handler. An empty taskID
// gets a generated one.
func (m *Manager) SubmitTask(ctx context.Context, handler, taskID string, task backpressure.Task) (*backpressure.Handle, error) {
	return m.GetBackpressureHandler(handler).SubmitWithID(ctx, taskID, task)
}

// RateLimiter exposes the underlying limiter for admin operations.
func (m *Manager) RateLimiter() *ratelimit.Limiter { return m.limiter }

// ApplyRateLimitRules atomically replaces the default limit and rule list.
func (m *Manager) ApplyRateLimitRules(def config.LimitSettings, rules []config.RuleConfig) {
	m.limiter.SetDefault(limitConfig(def))
	m.limiter.SetRules(limitRules(rules))
	m.logger.Info("rate limit rules applied", "rules", len(rules))
}

// ResetAllCircuitBreakers forces every known circuit to closed.
func (m *Manager) ResetAllCircuitBreakers(ctx context.Context) error {
	m.mu.RLock()
	bs := make([]*breaker.Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		bs = append(bs, b)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, b := range bs {
		if err := b.Reset(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("reset circuit %q: %w", b.Name(), err)
		}
	}
	return firstErr
}

// ResetClientLimits deletes a client's rate limit counters. An empty path
// resets every path.
func (m *Manager) ResetClientLimits(ctx context.Context, clientID, path string) (int, error) {
	return m.limiter.Reset(ctx, clientID, path)
}

// ClientStats reports the client's live rate limit usage.
func (m *Manager) ClientStats(ctx context.Context, clientID string) (*ratelimit.ClientStats, error) {
	return m.limiter.Stats(ctx, clientID)
}

// Shutdown stops components in order: backpressure handlers first so queued
// work resolves, then the config watcher, then the store connection.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handlers := make([]*backpressure.Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	var firstErr error
	for _, h := range handlers {
		if err := h.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close handler %q: %w", h.Name(), err)
		}
	}

	if m.watchStop != nil {
		m.watchStop()
	}
	if m.cfgManager != nil {
		if err := m.cfgManager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.ownsStore {
		if err := m.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.logger.Info("resilience manager stopped", "instance_id", m.instanceID)
	return firstErr
}

func (m *Manager) breakerConfig(name string) breaker.Config {
	s := m.cfg.CircuitBreakers.Defaults
	if o, ok := m.cfg.CircuitBreakers.Overrides[name]; ok {
		s = mergeBreakerSettings(s, o)
	}
	return breaker.Config{
		Name:             name,
		FailureThreshold: s.FailureThreshold,
		RecoveryTimeout:  s.RecoveryTimeout,
		SuccessThreshold: s.SuccessThreshold,
		CallTimeout:      s.CallTimeout,
		Expected:         failureKinds(s.ExpectedFailures),
	}
}

func (m *Manager) handlerConfig(name string) backpressure.Config {
	s := m.cfg.Backpressure.Defaults
	if o, ok := m.cfg.Backpressure.Overrides[name]; ok {
		s = mergeHandlerSettings(s, o)
	}
	return backpressure.Config{
		Name:              name,
		MaxQueueSize:      s.MaxQueueSize,
		MaxConcurrent:     s.MaxConcurrent,
		MaxMemoryBytes:    s.MaxMemoryBytes,
		QueueTimeout:      s.QueueTimeout,
		TaskTimeout:       s.TaskTimeout,
		Strategy:          backpressure.Strategy(s.Strategy),
		AdaptiveThreshold: s.AdaptiveThreshold,
	}
}

func mergeBreakerSettings(base, o config.BreakerSettings) config.BreakerSettings {
	if o.FailureThreshold > 0 {
		base.FailureThreshold = o.FailureThreshold
	}
	if o.RecoveryTimeout > 0 {
		base.RecoveryTimeout = o.RecoveryTimeout
	}
	if o.SuccessThreshold > 0 {
		base.SuccessThreshold = o.SuccessThreshold
	}
	if o.CallTimeout > 0 {
		base.CallTimeout = o.CallTimeout
	}
	if len(o.ExpectedFailures) > 0 {
		base.ExpectedFailures = o.ExpectedFailures
	}
	return base
}

func mergeHandlerSettings(base, o config.HandlerSettings) config.HandlerSettings {
	if o.MaxQueueSize > 0 {
		base.MaxQueueSize = o.MaxQueueSize
	}
	if o.MaxConcurrent > 0 {
		base.MaxConcurrent = o.MaxConcurrent
	}
	if o.MaxMemoryBytes > 0 {
		base.MaxMemoryBytes = o.MaxMemoryBytes
	}
	if o.QueueTimeout > 0 {
		base.QueueTimeout = o.QueueTimeout
	}
	if o.TaskTimeout > 0 {
		base.TaskTimeout = o.TaskTimeout
	}
	if o.Strategy != "" {
		base.Strategy = o.Strategy
	}
	if o.AdaptiveThreshold > 0 {
		base.AdaptiveThreshold = o.AdaptiveThreshold
	}
	return base
}

func failureKinds(names []string) []rerrors.FailureKind {
	if len(names) == 0 {
		return nil
	}
	kinds := make([]rerrors.FailureKind, 0, len(names))
	for _, n := range names {
		kinds = append(kinds, rerrors.FailureKind(n))
	}
	return kinds
}

func limitConfig(s config.LimitSettings) ratelimit.Config {
	return ratelimit.Config{
		RequestsPerMinute: s.RequestsPerMinute,
		RequestsPerHour:   s.RequestsPerHour,
		RequestsPerDay:    s.RequestsPerDay,
		Algorithm:         ratelimit.Algorithm(s.Algorithm),
		BurstLimit:        s.BurstLimit,
	}
}

func limitRules(rules []config.RuleConfig) []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, ratelimit.Rule{
			PathPattern: r.Path,
			Method:      r.Method,
			ClientType:  r.ClientType,
			Limit:       limitConfig(r.Limit),
		})
	}
	return out
}
