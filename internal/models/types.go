package models

import "time"

// Task states
const (
	StatePending   = "pending"
	StateReady     = "ready"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateStopped   = "stopped"
)

// Backend classes. Additional classes may be configured; these two are the
// conventional pair every deployment has.
const (
	ClassPrimary  = "primary"
	ClassFallback = "fallback"
)

// Priority is an ordered task priority band. Higher values are admitted first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a wire string to a Priority, defaulting to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// IsTerminal reports whether a task state is terminal.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateStopped
}

// TaskSpec is the caller-supplied description of a unit of work.
type TaskSpec struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	BackendClass string   `json:"backend_class"`
	Priority     string   `json:"priority"`
	DependsOn    []string `json:"depends_on,omitempty"`
}

// Task is one unit of agent work bound to a single backend invocation
// sequence. The scheduler owns it until execution starts; after that the
// executor mutates only the counters, result and error fields.
type Task struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflow_id,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	BackendClass string     `json:"backend_class"`
	Priority     Priority   `json:"priority"`
	State        string     `json:"state"`
	DependsOn    []string   `json:"depends_on,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Result       string     `json:"result,omitempty"`
	Err          *TaskError `json:"error,omitempty"`

	// Monotonic execution counters, visible through the query API while the
	// task is still running.
	Steps     int `json:"steps"`
	ToolCalls int `json:"tool_calls"`
}

// Clone returns a shallow copy with its own dependency slice, safe to hand to
// callers while the scheduler keeps mutating the original.
func (t *Task) Clone() *Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Err != nil {
		e := *t.Err
		cp.Err = &e
	}
	return &cp
}

// Backend power states
const (
	PowerAsleep       = "asleep"
	PowerWaking       = "waking"
	PowerRunning      = "running"
	PowerSleepingSoon = "sleeping-soon"
	PowerUnreachable  = "unreachable"
)

// Backend is the registry's view of one backend class.
type Backend struct {
	Class         string     `json:"class"`
	Addr          string     `json:"addr"`
	PowerState    string     `json:"power_state"`
	LastActivity  time.Time  `json:"last_activity"`
	SleepDeadline *time.Time `json:"sleep_deadline,omitempty"`
	Healthy       bool       `json:"healthy"`
}

// Workflow states
const (
	WorkflowRunning   = "running"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
	WorkflowStopped   = "stopped"
)

// Workflow step execution modes
const (
	StepSequential    = "sequential"
	StepParallelGroup = "parallel-group"
)

// WorkflowStep names one step of a workflow: either a single task
// (sequential) or a group of tasks that run concurrently, all depending on
// the prior step.
type WorkflowStep struct {
	Mode  string     `json:"mode"`
	Tasks []TaskSpec `json:"tasks"`
}

// StepStatus is the polled view of one workflow step.
type StepStatus struct {
	Index     int      `json:"index"`
	Mode      string   `json:"mode"`
	TaskIDs   []string `json:"task_ids"`
	Completed bool     `json:"completed"`
	Failed    bool     `json:"failed"`
}

// WorkflowStatus is the polled view of a whole workflow.
type WorkflowStatus struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	State     string       `json:"state"`
	StepIndex int          `json:"step_index"`
	Progress  int          `json:"progress"`
	Steps     []StepStatus `json:"steps"`
	Err       *TaskError   `json:"error,omitempty"`
}
