// Package registry tracks the known backend classes, their power state and
// health. One entry per class; the entry's state machine is owned by the
// lifecycle manager.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductorlabs/conductor/internal/backend"
	"github.com/conductorlabs/conductor/internal/metrics"
	"github.com/conductorlabs/conductor/internal/models"
)

// Entry pairs a backend's registry record with its injected RPC client.
type Entry struct {
	Backend models.Backend
	Client  backend.Client
}

// Registry is the in-memory index of backend classes.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger,
	}
}

// Register adds a backend class. Registration happens once at startup; a
// duplicate class replaces the prior entry.
func (r *Registry) Register(class, addr string, client backend.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[class] = &Entry{
		Backend: models.Backend{
			Class:        class,
			Addr:         addr,
			PowerState:   models.PowerAsleep,
			LastActivity: time.Now(),
			Healthy:      true,
		},
		Client: client,
	}
	metrics.BackendPowerState.WithLabelValues(class).Set(powerStateValue(models.PowerAsleep))
	r.logger.Info("Backend registered",
		zap.String("class", class),
		zap.String("addr", addr),
	)
}

// Client returns the RPC client for a class.
func (r *Registry) Client(class string) (backend.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[class]
	if !ok {
		return nil, models.ErrBackendNotFound
	}
	return e.Client, nil
}

// Get returns a snapshot of one backend's record.
func (r *Registry) Get(class string) (models.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[class]
	if !ok {
		return models.Backend{}, models.ErrBackendNotFound
	}
	return e.Backend, nil
}

// List returns snapshots of every backend record, for the status API.
func (r *Registry) List() []models.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Backend, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Backend)
	}
	return out
}

// Classes returns all registered class names.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for class := range r.entries {
		out = append(out, class)
	}
	return out
}

// SetPowerState transitions a class to a new power state.
func (r *Registry) SetPowerState(class, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[class]
	if !ok {
		return
	}
	prev := e.Backend.PowerState
	e.Backend.PowerState = state
	if state != models.PowerSleepingSoon {
		e.Backend.SleepDeadline = nil
	}
	metrics.BackendPowerState.WithLabelValues(class).Set(powerStateValue(state))
	if prev != state {
		r.logger.Info("Backend power state changed",
			zap.String("class", class),
			zap.String("from", prev),
			zap.String("to", state),
		)
	}
}

// PowerState returns the current power state of a class.
func (r *Registry) PowerState(class string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[class]; ok {
		return e.Backend.PowerState
	}
	return ""
}

// Touch records activity on a class and clears any pending sleep deadline.
func (r *Registry) Touch(class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[class]; ok {
		e.Backend.LastActivity = time.Now()
		e.Backend.SleepDeadline = nil
	}
}

// LastActivity returns the last recorded activity time for a class.
func (r *Registry) LastActivity(class string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[class]; ok {
		return e.Backend.LastActivity
	}
	return time.Time{}
}

// SetSleepDeadline records when a sleeping-soon backend will be put to sleep.
func (r *Registry) SetSleepDeadline(class string, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[class]; ok {
		e.Backend.SleepDeadline = &deadline
	}
}

// SetHealthy updates the health flag from the probe loop.
func (r *Registry) SetHealthy(class string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[class]; ok {
		if e.Backend.Healthy != healthy {
			r.logger.Warn("Backend health changed",
				zap.String("class", class),
				zap.Bool("healthy", healthy),
			)
		}
		e.Backend.Healthy = healthy
	}
}

func powerStateValue(state string) float64 {
	switch state {
	case models.PowerAsleep:
		return 0
	case models.PowerWaking:
		return 1
	case models.PowerRunning:
		return 2
	case models.PowerSleepingSoon:
		return 3
	case models.PowerUnreachable:
		return 4
	default:
		return -1
	}
}
