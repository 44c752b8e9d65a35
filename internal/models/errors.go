package models

import (
	"errors"
	"fmt"
)

// Error classifications. Every terminal failure carries exactly one.
const (
	ClassInvalidDependency  = "invalid_dependency"
	ClassBackendUnavailable = "backend_unavailable"
	ClassStepTimeout        = "step_timeout"
	ClassBudgetExceeded     = "budget_exceeded"
	ClassQuotaExceeded      = "quota_exceeded"
	ClassCancelled          = "cancelled"
)

var (
	// ErrTaskNotFound is returned by lookups for unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")

	// ErrWorkflowNotFound is returned by lookups for unknown workflow IDs.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrBackendNotFound is returned for unregistered backend classes.
	ErrBackendNotFound = errors.New("backend class not found")
)

// TaskError is a classified, user-visible failure. Classification is one of
// the Class* constants; Message is human-readable.
type TaskError struct {
	Classification string `json:"classification"`
	Message        string `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Classification, e.Message)
}

// NewTaskError builds a classified error.
func NewTaskError(classification, format string, args ...interface{}) *TaskError {
	return &TaskError{
		Classification: classification,
		Message:        fmt.Sprintf(format, args...),
	}
}

// AsTaskError extracts a *TaskError from an error chain. Unclassified errors
// are not TaskErrors.
func AsTaskError(err error) (*TaskError, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Retryable reports whether a classification may be resolved by the caller
// retrying (possibly against the fallback class). Policy faults and
// cancellation are final.
func Retryable(classification string) bool {
	switch classification {
	case ClassBackendUnavailable, ClassQuotaExceeded:
		return true
	default:
		return false
	}
}
