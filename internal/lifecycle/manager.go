// Package lifecycle owns backend power transitions: wake-on-demand with
// readiness polling, and debounced idle-timeout sleeping.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/conductorlabs/conductor/internal/backend"
	"github.com/conductorlabs/conductor/internal/metrics"
	"github.com/conductorlabs/conductor/internal/models"
	"github.com/conductorlabs/conductor/internal/registry"
)

// Options tunes wake and sleep behavior for one backend class.
type Options struct {
	WakeTimeout       time.Duration
	ReadyPollInterval time.Duration
	IdleTimeout       time.Duration
	SleepGrace        time.Duration
}

// DefaultOptions returns conservative defaults.
func DefaultOptions() Options {
	return Options{
		WakeTimeout:       10 * time.Minute,
		ReadyPollInterval: 5 * time.Second,
		IdleTimeout:       15 * time.Minute,
		SleepGrace:        60 * time.Second,
	}
}

// Manager coordinates power transitions for every registered backend class.
// Concurrent EnsureAwake calls for one class coalesce into a single wake
// operation; callers await its outcome.
type Manager struct {
	registry *registry.Registry
	logger   *zap.Logger

	mu   sync.RWMutex
	opts map[string]Options

	wakes singleflight.Group

	sweepInterval time.Duration
	stopCh        chan struct{}
	started       bool
	startMu       sync.Mutex

	nowFunc func() time.Time
}

// NewManager creates a lifecycle manager over the given registry.
func NewManager(reg *registry.Registry, sweepInterval time.Duration, logger *zap.Logger) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	return &Manager{
		registry:      reg,
		logger:        logger,
		opts:          make(map[string]Options),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		nowFunc:       time.Now,
	}
}

// Configure sets per-class options. Unconfigured classes use defaults.
func (m *Manager) Configure(class string, opts Options) {
	def := DefaultOptions()
	if opts.WakeTimeout <= 0 {
		opts.WakeTimeout = def.WakeTimeout
	}
	if opts.ReadyPollInterval <= 0 {
		opts.ReadyPollInterval = def.ReadyPollInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.SleepGrace <= 0 {
		opts.SleepGrace = def.SleepGrace
	}
	m.mu.Lock()
	m.opts[class] = opts
	m.mu.Unlock()
}

func (m *Manager) options(class string) Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.opts[class]; ok {
		return o
	}
	return DefaultOptions()
}

// Start launches the background idle-sleep sweep.
func (m *Manager) Start() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.sweepLoop()
	m.logger.Info("Lifecycle manager started",
		zap.Duration("sweep_interval", m.sweepInterval),
	)
}

// Stop halts the background sweep.
func (m *Manager) Stop() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	m.started = false
}

// EnsureAwake makes sure the class is running before a task executes.
// Running backends take the fast path: reset the idle deadline and return.
// Asleep backends get one wake RPC regardless of how many callers arrive;
// everyone waits for the same readiness outcome. On poll timeout the class
// is marked unreachable and a backend_unavailable error is returned. The
// caller decides whether to retry against a fallback class.
func (m *Manager) EnsureAwake(ctx context.Context, class string) error {
	if _, err := m.registry.Client(class); err != nil {
		return err
	}

	if m.registry.PowerState(class) == models.PowerRunning {
		m.registry.Touch(class)
		return nil
	}

	ch := m.wakes.DoChan(class, func() (interface{}, error) {
		return nil, m.wake(class)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		// The wake keeps going for the next caller; this caller gives up.
		return ctx.Err()
	}
}

// wake drives one class from any non-running state to running. It runs
// inside the single-flight group, so at most one instance per class.
func (m *Manager) wake(class string) error {
	// Re-check under the single flight: a previous flight may have already
	// finished the job.
	if m.registry.PowerState(class) == models.PowerRunning {
		m.registry.Touch(class)
		return nil
	}

	client, err := m.registry.Client(class)
	if err != nil {
		return err
	}
	opts := m.options(class)
	start := m.nowFunc()

	ctx, cancel := context.WithTimeout(context.Background(), opts.WakeTimeout)
	defer cancel()

	m.registry.SetPowerState(class, models.PowerWaking)
	if err := client.Wake(ctx); err != nil {
		m.registry.SetPowerState(class, models.PowerUnreachable)
		metrics.WakesIssued.WithLabelValues(class, "error").Inc()
		return models.NewTaskError(models.ClassBackendUnavailable,
			"wake call for class %q failed: %v", class, err)
	}

	ticker := time.NewTicker(opts.ReadyPollInterval)
	defer ticker.Stop()

	for {
		status, probeErr := client.HealthCheck(ctx)
		if probeErr == nil && status == backend.ProbeHealthy {
			m.registry.SetPowerState(class, models.PowerRunning)
			m.registry.Touch(class)
			metrics.WakesIssued.WithLabelValues(class, "ok").Inc()
			metrics.WakeDuration.WithLabelValues(class).Observe(m.nowFunc().Sub(start).Seconds())
			m.logger.Info("Backend awake",
				zap.String("class", class),
				zap.Duration("took", m.nowFunc().Sub(start)),
			)
			return nil
		}

		select {
		case <-ctx.Done():
			m.registry.SetPowerState(class, models.PowerUnreachable)
			metrics.WakesIssued.WithLabelValues(class, "timeout").Inc()
			return models.NewTaskError(models.ClassBackendUnavailable,
				"class %q did not become ready within %s", class, opts.WakeTimeout)
		case <-ticker.C:
		}
	}
}

// RecordActivity updates last-activity for a class and cancels any pending
// idle-sleep. A sleeping-soon backend that sees activity returns to running.
func (m *Manager) RecordActivity(class string) {
	if m.registry.PowerState(class) == models.PowerSleepingSoon {
		m.registry.SetPowerState(class, models.PowerRunning)
	}
	m.registry.Touch(class)
}

// WakeNow is the operator-facing wake. Idempotent: a running backend just
// gets its idle timer reset.
func (m *Manager) WakeNow(ctx context.Context, class string) error {
	return m.EnsureAwake(ctx, class)
}

// SleepNow is the operator-facing sleep. Idempotent on asleep backends.
func (m *Manager) SleepNow(ctx context.Context, class string) error {
	client, err := m.registry.Client(class)
	if err != nil {
		return err
	}
	if m.registry.PowerState(class) == models.PowerAsleep {
		return nil
	}
	if err := client.Sleep(ctx); err != nil {
		return err
	}
	m.registry.SetPowerState(class, models.PowerAsleep)
	return nil
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep moves idle running backends toward sleep: running -> sleeping-soon
// once past the idle threshold, then asleep after the grace period if no new
// activity arrived.
func (m *Manager) sweep() {
	now := m.nowFunc()
	for _, class := range m.registry.Classes() {
		opts := m.options(class)
		state := m.registry.PowerState(class)
		last := m.registry.LastActivity(class)

		switch state {
		case models.PowerRunning:
			if now.Sub(last) >= opts.IdleTimeout {
				deadline := now.Add(opts.SleepGrace)
				m.registry.SetPowerState(class, models.PowerSleepingSoon)
				m.registry.SetSleepDeadline(class, deadline)
				m.logger.Info("Backend idle, scheduling sleep",
					zap.String("class", class),
					zap.Time("deadline", deadline),
				)
			}
		case models.PowerSleepingSoon:
			b, err := m.registry.Get(class)
			if err != nil || b.SleepDeadline == nil {
				continue
			}
			if now.Before(*b.SleepDeadline) {
				continue
			}
			m.putToSleep(class)
		}
	}
}

func (m *Manager) putToSleep(class string) {
	client, err := m.registry.Client(class)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Sleep(ctx); err != nil {
		m.logger.Warn("Sleep call failed, leaving backend running",
			zap.String("class", class),
			zap.Error(err),
		)
		m.registry.SetPowerState(class, models.PowerRunning)
		return
	}
	m.registry.SetPowerState(class, models.PowerAsleep)
	metrics.SleepsIssued.WithLabelValues(class).Inc()
}
