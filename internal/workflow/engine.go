// Package workflow composes tasks into named multi-step workflows. Steps are
// translated into task submissions with derived dependency sets and fed to
// the scheduler; the engine only tracks aggregate progress and cascades
// cancellation. Progress is pull-only; push delivery belongs to the sink.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductorlabs/conductor/internal/backend"
	"github.com/conductorlabs/conductor/internal/metrics"
	"github.com/conductorlabs/conductor/internal/models"
	"github.com/conductorlabs/conductor/internal/scheduler"
)

type stepState struct {
	mode    string
	taskIDs []string
	done    map[string]bool
	failed  bool
}

type workflowState struct {
	id    string
	name  string
	state string
	steps []*stepState
	err   *models.TaskError
}

// Engine tracks workflows and reacts to member-task completions.
type Engine struct {
	mu        sync.Mutex
	workflows map[string]*workflowState
	byTask    map[string]string // task ID -> workflow ID

	scheduler *scheduler.Scheduler
	sink      backend.Sink
	logger    *zap.Logger
}

// NewEngine creates the engine and hooks it into the scheduler's terminal
// notifications.
func NewEngine(sched *scheduler.Scheduler, sink backend.Sink, logger *zap.Logger) *Engine {
	e := &Engine{
		workflows: make(map[string]*workflowState),
		byTask:    make(map[string]string),
		scheduler: sched,
		sink:      sink,
		logger:    logger,
	}
	sched.OnTerminal(e.onTaskTerminal)
	return e
}

// Submit translates steps into task submissions. Sequential steps depend on
// the whole preceding step; every task in a parallel group depends on the
// prior step but not on its siblings.
func (e *Engine) Submit(ctx context.Context, name string, steps []models.WorkflowStep) (*models.WorkflowStatus, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("workflow needs at least one step")
	}
	for i, st := range steps {
		if len(st.Tasks) == 0 {
			return nil, fmt.Errorf("step %d has no tasks", i)
		}
		if st.Mode != models.StepSequential && st.Mode != models.StepParallelGroup {
			return nil, fmt.Errorf("step %d has unknown mode %q", i, st.Mode)
		}
		if st.Mode == models.StepSequential && len(st.Tasks) != 1 {
			return nil, fmt.Errorf("sequential step %d must have exactly one task", i)
		}
	}

	wfID := uuid.New().String()
	wf := &workflowState{
		id:    wfID,
		name:  name,
		state: models.WorkflowRunning,
	}

	// Members are submitted held and released only after the workflow is
	// registered, so no completion can slip past the terminal hook.
	var prior []string
	for i, st := range steps {
		ss := &stepState{mode: st.Mode, done: make(map[string]bool)}
		for _, spec := range st.Tasks {
			spec.DependsOn = append([]string(nil), prior...)
			task, err := e.scheduler.Submit(ctx, spec, scheduler.SubmitOptions{WorkflowID: wfID, Hold: true})
			if err != nil {
				// Partial submission: cancel what already went in.
				e.abort(wf)
				return nil, fmt.Errorf("submit step %d: %w", i, err)
			}
			ss.taskIDs = append(ss.taskIDs, task.ID)
		}
		wf.steps = append(wf.steps, ss)
		prior = ss.taskIDs
	}

	e.mu.Lock()
	e.workflows[wfID] = wf
	for _, ss := range wf.steps {
		for _, id := range ss.taskIDs {
			e.byTask[id] = wfID
		}
	}
	status := e.statusLocked(wf)
	e.mu.Unlock()

	for _, id := range wf.memberIDs() {
		if err := e.scheduler.Start(id); err != nil {
			e.logger.Warn("Releasing workflow member failed",
				zap.String("task_id", id),
				zap.Error(err),
			)
		}
	}

	metrics.WorkflowsStarted.Inc()
	e.logger.Info("Workflow submitted",
		zap.String("workflow_id", wfID),
		zap.String("name", name),
		zap.Int("steps", len(steps)),
	)
	return status, nil
}

// Status returns the polled view: current step index, per-step status and
// overall percentage.
func (e *Engine) Status(id string) (*models.WorkflowStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[id]
	if !ok {
		return nil, models.ErrWorkflowNotFound
	}
	return e.statusLocked(wf), nil
}

// Stop cancels a workflow: every non-terminal member task is stopped.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	wf, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return models.ErrWorkflowNotFound
	}
	if wf.state != models.WorkflowRunning {
		e.mu.Unlock()
		return nil
	}
	wf.state = models.WorkflowStopped
	ids := wf.memberIDs()
	e.mu.Unlock()

	e.stopMembers(ids)
	metrics.WorkflowsCompleted.WithLabelValues(models.WorkflowStopped).Inc()
	e.notify(id, models.WorkflowStopped, "stopped by caller")
	return nil
}

// Flush drops terminal workflows from the in-memory index.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, wf := range e.workflows {
		if wf.state == models.WorkflowRunning {
			continue
		}
		for _, ss := range wf.steps {
			for _, tid := range ss.taskIDs {
				delete(e.byTask, tid)
			}
		}
		delete(e.workflows, id)
	}
}

// onTaskTerminal is the scheduler's terminal hook for workflow members.
func (e *Engine) onTaskTerminal(task *models.Task) {
	e.mu.Lock()
	wfID, ok := e.byTask[task.ID]
	if !ok {
		e.mu.Unlock()
		return
	}
	wf := e.workflows[wfID]
	if wf == nil || wf.state != models.WorkflowRunning {
		e.mu.Unlock()
		return
	}

	switch task.State {
	case models.StateCompleted:
		for _, ss := range wf.steps {
			for _, id := range ss.taskIDs {
				if id == task.ID {
					ss.done[id] = true
				}
			}
		}
		if wf.completedSteps() == len(wf.steps) {
			wf.state = models.WorkflowCompleted
			e.mu.Unlock()
			metrics.WorkflowsCompleted.WithLabelValues(models.WorkflowCompleted).Inc()
			e.notify(wfID, models.WorkflowCompleted, "")
			return
		}
		e.mu.Unlock()
		return

	default:
		// A failed or stopped member fails the workflow. Sibling and
		// downstream tasks are cancelled; dependents the scheduler already
		// failed through propagation are left as they are.
		wf.state = models.WorkflowFailed
		if task.Err != nil {
			wf.err = models.NewTaskError(task.Err.Classification,
				"task %s: %s", task.ID, task.Err.Message)
		} else {
			wf.err = models.NewTaskError(models.ClassCancelled, "task %s %s", task.ID, task.State)
		}
		for _, ss := range wf.steps {
			for _, id := range ss.taskIDs {
				if id == task.ID {
					ss.failed = true
				}
			}
		}
		ids := wf.memberIDs()
		e.mu.Unlock()

		e.stopMembers(ids)
		metrics.WorkflowsCompleted.WithLabelValues(models.WorkflowFailed).Inc()
		e.notify(wfID, models.WorkflowFailed, wf.err.Message)
	}
}

// abort stops whatever a partially submitted workflow managed to enqueue.
func (e *Engine) abort(wf *workflowState) {
	e.stopMembers(wf.memberIDs())
}

func (e *Engine) stopMembers(ids []string) {
	for _, id := range ids {
		if err := e.scheduler.StopTask(id); err != nil && err != models.ErrTaskNotFound {
			e.logger.Warn("Stopping workflow member failed",
				zap.String("task_id", id),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) notify(wfID, state, msg string) {
	if e.sink == nil {
		return
	}
	e.sink.Notify(context.Background(), backend.NotifyEvent{
		Type:       "workflow",
		WorkflowID: wfID,
		State:      state,
		Message:    msg,
		Timestamp:  time.Now(),
	})
}

// statusLocked builds the polled snapshot. Progress is completed steps over
// total steps, floored to an integer percentage.
func (e *Engine) statusLocked(wf *workflowState) *models.WorkflowStatus {
	status := &models.WorkflowStatus{
		ID:        wf.id,
		Name:      wf.name,
		State:     wf.state,
		StepIndex: len(wf.steps),
		Err:       wf.err,
	}
	completed := 0
	for i, ss := range wf.steps {
		stepDone := len(ss.done) == len(ss.taskIDs)
		if stepDone {
			completed++
		} else if status.StepIndex == len(wf.steps) {
			status.StepIndex = i
		}
		status.Steps = append(status.Steps, models.StepStatus{
			Index:     i,
			Mode:      ss.mode,
			TaskIDs:   append([]string(nil), ss.taskIDs...),
			Completed: stepDone,
			Failed:    ss.failed,
		})
	}
	status.Progress = completed * 100 / len(wf.steps)
	return status
}

func (w *workflowState) completedSteps() int {
	n := 0
	for _, ss := range w.steps {
		if len(ss.done) == len(ss.taskIDs) {
			n++
		}
	}
	return n
}

func (w *workflowState) memberIDs() []string {
	var ids []string
	for _, ss := range w.steps {
		ids = append(ids, ss.taskIDs...)
	}
	return ids
}
