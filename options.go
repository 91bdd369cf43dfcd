package resilience

import (
	"github.com/callgrid/resilience/internal/observability"
	"github.com/callgrid/resilience/store"
)

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger replaces the logger built from the logging config.
func WithLogger(logger *observability.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithStore injects a pre-built state store. The manager will not close an
// injected store on shutdown.
func WithStore(st store.Store) Option {
	return func(m *Manager) {
		m.store = st
		m.ownsStore = false
	}
}
