// Package ratecontrol enforces per-backend-class request quotas. The bucket
// refills continuously at limit/window; burst capacity absorbs short spikes.
package ratecontrol

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/conductorlabs/conductor/internal/metrics"
)

// Limit is the quota for one backend class or caller.
type Limit struct {
	RequestsPerMinute int
	Burst             int
}

func (l Limit) limiter() *rate.Limiter {
	rps := rate.Limit(float64(l.RequestsPerMinute) / 60.0)
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rps, burst)
}

// Governor holds one token bucket per backend class, plus optional
// per-caller buckets layered on top. Constructed once at startup and shared
// by reference; no ambient globals.
type Governor struct {
	mu       sync.RWMutex
	classes  map[string]*rate.Limiter
	callers  map[string]*rate.Limiter
	callerLm Limit
	logger   *zap.Logger
}

// New creates an empty governor. Unconfigured classes are unlimited.
func New(logger *zap.Logger) *Governor {
	return &Governor{
		classes: make(map[string]*rate.Limiter),
		callers: make(map[string]*rate.Limiter),
		logger:  logger,
	}
}

// Configure sets the quota for a backend class.
func (g *Governor) Configure(class string, limit Limit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit.RequestsPerMinute <= 0 {
		delete(g.classes, class)
		return
	}
	g.classes[class] = limit.limiter()
	g.logger.Info("Rate limit configured",
		zap.String("class", class),
		zap.Int("rpm", limit.RequestsPerMinute),
		zap.Int("burst", limit.Burst),
	)
}

// ConfigureCallers enables a per-caller quota applied in addition to the
// class quota. Zero RPM disables it.
func (g *Governor) ConfigureCallers(limit Limit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callerLm = limit
	if limit.RequestsPerMinute <= 0 {
		g.callers = make(map[string]*rate.Limiter)
	}
}

func (g *Governor) classLimiter(class string) *rate.Limiter {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.classes[class]
}

func (g *Governor) callerLimiter(caller string) *rate.Limiter {
	if caller == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.callerLm.RequestsPerMinute <= 0 {
		return nil
	}
	lm, ok := g.callers[caller]
	if !ok {
		lm = g.callerLm.limiter()
		g.callers[caller] = lm
	}
	return lm
}

// TryAcquire takes one slot for the class if available. It returns zero on
// success, otherwise the duration until the next slot frees; the caller
// blocks-and-retries against its own deadline.
func (g *Governor) TryAcquire(class string) time.Duration {
	lm := g.classLimiter(class)
	if lm == nil {
		return 0
	}
	res := lm.Reserve()
	if !res.OK() {
		// Burst of zero can never satisfy the request.
		return time.Minute
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return delay
	}
	return 0
}

// Wait blocks until a slot frees for class (and caller, when per-caller
// quotas are enabled) or ctx is done. Time spent waiting is observed on the
// quota wait histogram.
func (g *Governor) Wait(ctx context.Context, class, caller string) error {
	start := time.Now()
	if lm := g.classLimiter(class); lm != nil {
		if err := lm.Wait(ctx); err != nil {
			return err
		}
	}
	if lm := g.callerLimiter(caller); lm != nil {
		if err := lm.Wait(ctx); err != nil {
			return err
		}
	}
	if waited := time.Since(start); waited > 0 {
		metrics.QuotaWaitSeconds.WithLabelValues(class).Observe(waited.Seconds())
	}
	return nil
}
