// Package health runs repeatable probes against every registered backend
// and feeds the registry's health flag. A probe is an explicit operation
// with a typed result, not a sleep-loop script.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductorlabs/conductor/internal/backend"
	"github.com/conductorlabs/conductor/internal/models"
	"github.com/conductorlabs/conductor/internal/registry"
)

// ProbeResult is one probe observation.
type ProbeResult struct {
	Class     string              `json:"class"`
	Status    backend.ProbeStatus `json:"-"`
	StatusStr string              `json:"status"`
	Duration  time.Duration       `json:"duration"`
	Timestamp time.Time           `json:"timestamp"`
	Error     string              `json:"error,omitempty"`
}

// Prober periodically health-checks every backend class.
type Prober struct {
	registry *registry.Registry
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	last    map[string]ProbeResult
	stopCh  chan struct{}
	started bool
}

// NewProber creates a prober over the registry.
func NewProber(reg *registry.Registry, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		registry: reg,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
		last:     make(map[string]ProbeResult),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background probe loop.
func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	go p.loop()
	p.logger.Info("Health prober started", zap.Duration("interval", p.interval))
}

// Stop halts the probe loop.
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	close(p.stopCh)
	p.started = false
}

// Last returns the most recent probe result per class.
func (p *Prober) Last() map[string]ProbeResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]ProbeResult, len(p.last))
	for k, v := range p.last {
		out[k] = v
	}
	return out
}

func (p *Prober) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.ProbeAll()
		}
	}
}

// ProbeAll probes every class once. Asleep backends are skipped: powered off
// is not unhealthy.
func (p *Prober) ProbeAll() {
	for _, class := range p.registry.Classes() {
		state := p.registry.PowerState(class)
		if state == models.PowerAsleep || state == models.PowerWaking {
			continue
		}
		res := p.Probe(class)
		p.mu.Lock()
		p.last[class] = res
		p.mu.Unlock()
		p.registry.SetHealthy(class, res.Status == backend.ProbeHealthy)
	}
}

// Probe runs one health check against a class.
func (p *Prober) Probe(class string) ProbeResult {
	res := ProbeResult{Class: class, Timestamp: time.Now()}
	client, err := p.registry.Client(class)
	if err != nil {
		res.Status = backend.ProbeUnreachable
		res.StatusStr = res.Status.String()
		res.Error = err.Error()
		return res
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	start := time.Now()
	status, err := client.HealthCheck(ctx)
	res.Duration = time.Since(start)
	if err != nil {
		res.Status = backend.ProbeUnreachable
		res.Error = err.Error()
	} else {
		res.Status = status
	}
	res.StatusStr = res.Status.String()
	return res
}
