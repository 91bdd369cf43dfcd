package resilience

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/callgrid/resilience/backpressure"
	"github.com/callgrid/resilience/breaker"
)

// Health status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// HealthStatus is the manager's liveness report.
type HealthStatus struct {
	Status         string        `json:"status"`
	InstanceID     string        `json:"instance_id"`
	Uptime         time.Duration `json:"uptime"`
	StoreConnected bool          `json:"store_connected"`
	OpenCircuits   []string      `json:"open_circuits,omitempty"`
	RateLimiter    string        `json:"rate_limiter"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// MetricsSnapshot aggregates the live state of every component.
type MetricsSnapshot struct {
	InstanceID          string                        `json:"instance_id"`
	Circuits            map[string]breaker.Stats      `json:"circuits"`
	Handlers            map[string]backpressure.Stats `json:"handlers"`
	RateLimiterDegraded bool                          `json:"rate_limiter_degraded"`
	CollectedAt         time.Time                     `json:"collected_at"`
}

// HealthStatus reports overall health. The manager is degraded, never
// unhealthy, when the store is unreachable: all components keep serving from
// process-local state.
func (m *Manager) HealthStatus(ctx context.Context) HealthStatus {
	hs := HealthStatus{
		Status:         StatusHealthy,
		InstanceID:     m.instanceID,
		Uptime:         time.Since(m.startedAt),
		StoreConnected: true,
		RateLimiter:    "shared",
		CheckedAt:      time.Now(),
	}
	if err := m.store.Ping(ctx); err != nil {
		hs.Status = StatusDegraded
		hs.StoreConnected = false
	}
	if m.limiter.Degraded() {
		hs.Status = StatusDegraded
		hs.RateLimiter = "local_fallback"
	}

	m.mu.RLock()
	for name, b := range m.breakers {
		if b.Stats(ctx).State == breaker.StateOpen {
			hs.OpenCircuits = append(hs.OpenCircuits, name)
		}
	}
	m.mu.RUnlock()
	return hs
}

// Metrics collects a point-in-time snapshot of every component's state.
func (m *Manager) Metrics(ctx context.Context) MetricsSnapshot {
	snap := MetricsSnapshot{
		InstanceID:          m.instanceID,
		Circuits:            make(map[string]breaker.Stats),
		Handlers:            make(map[string]backpressure.Stats),
		RateLimiterDegraded: m.limiter.Degraded(),
		CollectedAt:         time.Now(),
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, b := range m.breakers {
		snap.Circuits[name] = b.Stats(ctx)
	}
	for name, h := range m.handlers {
		snap.Handlers[name] = h.Stats()
	}
	return snap
}

// MetricsJSON renders the metrics snapshot for admin endpoints.
func (m *Manager) MetricsJSON(ctx context.Context) ([]byte, error) {
	return json.Marshal(m.Metrics(ctx))
}
