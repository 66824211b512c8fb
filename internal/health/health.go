// Package health aggregates named subsystem probes for the readiness
// endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds one probe so a stuck subsystem cannot hang /readyz.
const checkTimeout = 2 * time.Second

// Status is the outcome of one subsystem probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// CheckFunc probes one subsystem. A nil error means healthy; the detail
// string annotates a healthy outcome ("postgres", "memory").
type CheckFunc func(ctx context.Context) (detail string, err error)

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

type probe struct {
	name  string
	check CheckFunc
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named probe. Probes run in registration order.
func (r *Registry) Register(name string, check CheckFunc) {
	r.mu.Lock()
	r.probes = append(r.probes, probe{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every probe, each under its own deadline, and reports the
// aggregate health plus per-subsystem outcomes.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := make([]probe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(probes))

	for i, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		detail, err := p.check(pctx)
		cancel()

		statuses[i] = Status{Name: p.name, Healthy: err == nil, Detail: detail}
		if err != nil {
			statuses[i].Detail = err.Error()
			healthy = false
		}
	}
	return healthy, statuses
}
