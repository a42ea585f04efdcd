// Package health aggregates component liveness probes for the HTTP
// readiness endpoints.
package health

import (
	"sort"
	"sync"

	"basis_arb/internal/core"
)

// Check reports whether one component is currently functional. Checks must
// be cheap; they run on every probe scrape.
type Check func() error

type namedCheck struct {
	name  string
	check Check
}

// Manager is a named check registry. Components register a probe under a
// stable name and the HTTP layer aggregates the results.
type Manager struct {
	mu     sync.RWMutex
	checks map[string]Check
}

var _ core.IHealthMonitor = (*Manager)(nil)

func NewManager() *Manager {
	return &Manager{checks: make(map[string]Check)}
}

// Register adds or replaces the probe for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Deregister removes a component's probe, e.g. when a venue is torn down.
func (m *Manager) Deregister(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, component)
}

// GetStatus runs every probe and reports "ok" or the failure text per
// component. Probes run outside the registry lock so a slow check never
// blocks registration.
func (m *Manager) GetStatus() map[string]string {
	status := make(map[string]string)
	for _, nc := range m.snapshot() {
		if err := nc.check(); err != nil {
			status[nc.name] = err.Error()
		} else {
			status[nc.name] = "ok"
		}
	}
	return status
}

// IsHealthy reports whether every registered probe passes. An empty
// registry is healthy.
func (m *Manager) IsHealthy() bool {
	for _, nc := range m.snapshot() {
		if err := nc.check(); err != nil {
			return false
		}
	}
	return true
}

func (m *Manager) snapshot() []namedCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]namedCheck, 0, len(m.checks))
	for name, check := range m.checks {
		out = append(out, namedCheck{name: name, check: check})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
