// Package backend defines the contract for the injected RPC client used to
// reach a compute backend. The core never opens connections itself; a client
// per backend class is supplied at construction time.
package backend

import (
	"context"
	"time"
)

// StepRequest is one step of a task's invocation sequence.
type StepRequest struct {
	TaskID      string `json:"task_id"`
	Step        int    `json:"step"`
	Description string `json:"description"`
	// Prior output, fed back so the backend can continue the sequence.
	Context string `json:"context,omitempty"`
}

// StepResponse is the backend's answer to one step.
type StepResponse struct {
	Output string `json:"output"`
	// Done reports that the task needs no further steps.
	Done bool `json:"done"`
	// ToolCalls is the number of tool invocations the backend wants to
	// dispatch for this step. The executor enforces the per-step limit
	// before any of them are dispatched.
	ToolCalls  int `json:"tool_calls"`
	TokensUsed int `json:"tokens_used"`
}

// ProbeStatus is the result of a repeatable health probe.
type ProbeStatus int

const (
	ProbeHealthy ProbeStatus = iota
	ProbeDegraded
	ProbeUnreachable
)

func (s ProbeStatus) String() string {
	switch s {
	case ProbeHealthy:
		return "healthy"
	case ProbeDegraded:
		return "degraded"
	case ProbeUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Client is the RPC surface of one backend class. Implementations are
// injected; all methods must honor ctx cancellation.
type Client interface {
	// Invoke executes one step and blocks until the backend responds.
	Invoke(ctx context.Context, req StepRequest) (*StepResponse, error)

	// Wake asks the backend to power on. Returns once the wake request is
	// accepted, not once the backend is ready; readiness is observed via
	// HealthCheck polling.
	Wake(ctx context.Context) error

	// Sleep asks the backend to power off.
	Sleep(ctx context.Context) error

	// HealthCheck probes current reachability and readiness.
	HealthCheck(ctx context.Context) (ProbeStatus, error)
}

// Sink receives task and workflow completion notifications, fire-and-forget.
// Delivery failures are logged, never propagated.
type Sink interface {
	Notify(ctx context.Context, event NotifyEvent)
}

// NotifyEvent is one fire-and-forget notification.
type NotifyEvent struct {
	Type       string    `json:"type"`
	TaskID     string    `json:"task_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	State      string    `json:"state,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq,omitempty"`
}
