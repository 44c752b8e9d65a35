package models

import (
	"fmt"
	"testing"
)

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"low":      PriorityLow,
		"medium":   PriorityMedium,
		"high":     PriorityHigh,
		"critical": PriorityCritical,
		"":         PriorityMedium,
		"bogus":    PriorityMedium,
	}
	for in, want := range cases {
		if got := ParsePriority(in); got != want {
			t.Errorf("ParsePriority(%q) = %v, want %v", in, got, want)
		}
	}
	if PriorityCritical.String() != "critical" {
		t.Errorf("String() = %s", PriorityCritical)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, state := range []string{StateCompleted, StateFailed, StateStopped} {
		if !IsTerminal(state) {
			t.Errorf("%s should be terminal", state)
		}
	}
	for _, state := range []string{StatePending, StateReady, StateRunning} {
		if IsTerminal(state) {
			t.Errorf("%s should not be terminal", state)
		}
	}
}

func TestTaskCloneIsolation(t *testing.T) {
	task := &Task{
		ID:        "t1",
		DependsOn: []string{"a", "b"},
		Err:       NewTaskError(ClassStepTimeout, "slow"),
	}
	cp := task.Clone()
	cp.DependsOn[0] = "mutated"
	cp.Err.Message = "mutated"

	if task.DependsOn[0] != "a" {
		t.Error("clone shares the dependency slice")
	}
	if task.Err.Message != "slow" {
		t.Error("clone shares the error")
	}
}

func TestAsTaskError(t *testing.T) {
	te := NewTaskError(ClassBudgetExceeded, "over by %d", 3)
	wrapped := fmt.Errorf("run failed: %w", te)

	got, ok := AsTaskError(wrapped)
	if !ok || got.Classification != ClassBudgetExceeded {
		t.Fatalf("got %+v, %v", got, ok)
	}
	if got.Message != "over by 3" {
		t.Errorf("message = %q", got.Message)
	}
	if _, ok := AsTaskError(fmt.Errorf("plain")); ok {
		t.Error("plain error should not be a TaskError")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(ClassBackendUnavailable) || !Retryable(ClassQuotaExceeded) {
		t.Error("transient classes should be retryable")
	}
	for _, class := range []string{ClassInvalidDependency, ClassBudgetExceeded, ClassCancelled, ClassStepTimeout} {
		if Retryable(class) {
			t.Errorf("%s should not be retryable", class)
		}
	}
}
