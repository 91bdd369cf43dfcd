package backpressure

import (
	"sync"
)

// ewma tracks an exponentially weighted moving average of task processing
// time. A higher alpha discounts older observations faster.
type ewma struct {
	mu          sync.RWMutex
	alpha       float64
	value       float64
	initialized bool
}

func newEWMA(alpha float64) *ewma {
	return &ewma{alpha: alpha}
}

func (e *ewma) Add(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		e.value = v
		e.initialized = true
		return
	}
	e.value = e.alpha*v + (1.0-e.alpha)*e.value
}

func (e *ewma) Value() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value
}
