package backend

import (
	"context"

	"go.uber.org/zap"

	"github.com/conductorlabs/conductor/internal/circuitbreaker"
	"github.com/conductorlabs/conductor/internal/metrics"
)

// GuardedClient wraps a Client with a per-class circuit breaker. Wake and
// Sleep bypass the breaker: power transitions are exactly the calls that must
// go through while the data path is failing.
type GuardedClient struct {
	inner   Client
	breaker *circuitbreaker.Breaker
	class   string
	logger  *zap.Logger
}

// NewGuardedClient wraps client with a breaker for the given class.
func NewGuardedClient(class string, client Client, cfg circuitbreaker.Config, logger *zap.Logger) *GuardedClient {
	prev := cfg.OnStateChange
	cfg.OnStateChange = func(cls string, from, to circuitbreaker.State) {
		metrics.BreakerState.WithLabelValues(cls).Set(float64(to))
		if prev != nil {
			prev(cls, from, to)
		}
	}
	return &GuardedClient{
		inner:   client,
		breaker: circuitbreaker.New(class, cfg, logger),
		class:   class,
		logger:  logger,
	}
}

func (g *GuardedClient) Invoke(ctx context.Context, req StepRequest) (*StepResponse, error) {
	var resp *StepResponse
	err := g.breaker.Execute(ctx, func() error {
		var innerErr error
		resp, innerErr = g.inner.Invoke(ctx, req)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *GuardedClient) Wake(ctx context.Context) error {
	return g.inner.Wake(ctx)
}

func (g *GuardedClient) Sleep(ctx context.Context) error {
	return g.inner.Sleep(ctx)
}

func (g *GuardedClient) HealthCheck(ctx context.Context) (ProbeStatus, error) {
	return g.inner.HealthCheck(ctx)
}

// BreakerState exposes the breaker state for status reporting.
func (g *GuardedClient) BreakerState() circuitbreaker.State {
	return g.breaker.State()
}
