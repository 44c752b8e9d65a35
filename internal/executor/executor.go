// Package executor runs one admitted task to completion against its bound
// backend: the step loop, budget enforcement, per-step timeouts with backoff
// retries, and quota waits.
package executor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/conductorlabs/conductor/internal/backend"
	"github.com/conductorlabs/conductor/internal/circuitbreaker"
	"github.com/conductorlabs/conductor/internal/lifecycle"
	"github.com/conductorlabs/conductor/internal/metrics"
	"github.com/conductorlabs/conductor/internal/models"
	"github.com/conductorlabs/conductor/internal/ratecontrol"
	"github.com/conductorlabs/conductor/internal/registry"
	"github.com/conductorlabs/conductor/internal/scheduler"
)

// Options holds per-task budgets, timeouts and retry policy.
type Options struct {
	MaxSteps            int
	MaxToolCallsPerStep int
	StepTimeout         time.Duration
	StepRetries         int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	TaskTimeout         time.Duration
}

// DefaultOptions returns the stock budgets.
func DefaultOptions() Options {
	return Options{
		MaxSteps:            50,
		MaxToolCallsPerStep: 10,
		StepTimeout:         2 * time.Minute,
		StepRetries:         3,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       30 * time.Second,
		TaskTimeout:         30 * time.Minute,
	}
}

// Executor implements scheduler.Runner.
type Executor struct {
	registry  *registry.Registry
	lifecycle *lifecycle.Manager
	governor  *ratecontrol.Governor
	opts      Options
	logger    *zap.Logger
}

// New creates an executor.
func New(reg *registry.Registry, lm *lifecycle.Manager, gov *ratecontrol.Governor, opts Options, logger *zap.Logger) *Executor {
	if opts.MaxSteps <= 0 {
		opts = DefaultOptions()
	}
	return &Executor{
		registry:  reg,
		lifecycle: lm,
		governor:  gov,
		opts:      opts,
		logger:    logger,
	}
}

// Run executes the task's step loop. ctx cancellation is the stop signal and
// is observed at every suspension point: the wake wait, the quota wait and
// the step RPC.
func (e *Executor) Run(ctx context.Context, task *models.Task, progress scheduler.ProgressFunc) scheduler.RunResult {
	res := scheduler.RunResult{}
	class := task.BackendClass

	ctx, cancel := context.WithTimeout(ctx, e.opts.TaskTimeout)
	defer cancel()

	client, err := e.registry.Client(class)
	if err != nil {
		res.Err = models.NewTaskError(models.ClassBackendUnavailable,
			"no client for class %q", class)
		return res
	}

	// Make sure the backend is running before the first step. The wake wait
	// races against the task deadline and cancellation.
	if err := e.lifecycle.EnsureAwake(ctx, class); err != nil {
		if stopped(ctx, err) {
			res.Stopped = true
			return res
		}
		if te, ok := models.AsTaskError(err); ok {
			res.Err = te
		} else {
			res.Err = models.NewTaskError(models.ClassBackendUnavailable,
				"wake failed for class %q: %v", class, err)
		}
		return res
	}

	var output string
	for res.Steps < e.opts.MaxSteps {
		// Quota gate. Blocked callers wait for a slot rather than failing;
		// only the task's own deadline turns the wait into an error.
		if err := e.governor.Wait(ctx, class, task.ID); err != nil {
			if ctx.Err() == context.Canceled {
				res.Stopped = true
				return res
			}
			res.Err = models.NewTaskError(models.ClassQuotaExceeded,
				"task deadline expired while waiting for quota on %q", class)
			return res
		}

		req := backend.StepRequest{
			TaskID:      task.ID,
			Step:        res.Steps + 1,
			Description: task.Description,
			Context:     output,
		}
		resp, stepErr := e.invokeWithRetry(ctx, client, class, req)
		if stepErr != nil {
			if stopped(ctx, stepErr) {
				res.Stopped = true
				return res
			}
			if te, ok := models.AsTaskError(stepErr); ok {
				res.Err = te
			} else {
				res.Err = models.NewTaskError(models.ClassStepTimeout,
					"step %d failed: %v", res.Steps+1, stepErr)
			}
			return res
		}

		res.Steps++
		e.lifecycle.RecordActivity(class)

		// Tool-call budget is checked before anything the backend requested
		// is dispatched.
		if resp.ToolCalls > e.opts.MaxToolCallsPerStep {
			res.Err = models.NewTaskError(models.ClassBudgetExceeded,
				"step %d requested %d tool calls, limit is %d",
				res.Steps, resp.ToolCalls, e.opts.MaxToolCallsPerStep)
			return res
		}
		res.ToolCalls += resp.ToolCalls
		output = resp.Output
		progress(res.Steps, res.ToolCalls)

		if resp.Done {
			res.Result = output
			return res
		}
	}

	res.Err = models.NewTaskError(models.ClassBudgetExceeded,
		"task exceeded max steps (%d)", e.opts.MaxSteps)
	return res
}

// invokeWithRetry runs one step with a per-step timeout, retrying timed-out
// or transiently failing steps with capped exponential backoff plus jitter.
// A tripped circuit breaker is not retried here; it surfaces as
// backend_unavailable so the scheduler can fall back.
func (e *Executor) invokeWithRetry(ctx context.Context, client backend.Client, class string, req backend.StepRequest) (*backend.StepResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.StepRetries; attempt++ {
		if attempt > 0 {
			metrics.StepRetries.WithLabelValues(class).Inc()
			delay := e.backoff(attempt)
			e.logger.Debug("Retrying step",
				zap.String("task_id", req.TaskID),
				zap.Int("step", req.Step),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
		resp, err := client.Invoke(stepCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, models.NewTaskError(models.ClassBackendUnavailable,
				"class %q circuit breaker is open", class)
		}
		lastErr = err
	}
	return nil, models.NewTaskError(models.ClassStepTimeout,
		"step %d failed after %d retries: %v", req.Step, e.opts.StepRetries, lastErr)
}

// backoff computes the delay before retry attempt n: base doubling per
// attempt, capped, with up to 25% jitter.
func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.opts.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.opts.RetryMaxDelay {
			delay = e.opts.RetryMaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// stopped distinguishes caller cancellation from deadline expiry.
func stopped(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled
}
