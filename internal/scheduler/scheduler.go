// Package scheduler maintains the task dependency graph and admits ready
// tasks under per-backend-class concurrency caps. The graph is built
// incrementally: edges are resolved lazily as completions occur, so callers
// can stream submissions instead of declaring a whole DAG upfront.
package scheduler

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
	"github.com/conductorlabs/conductor/internal/store"
)

// RunResult is what the executor reports back for one task.
type RunResult struct {
	Result    string
	Err       *models.TaskError
	Stopped   bool
	Steps     int
	ToolCalls int
}

// ProgressFunc lets the executor publish live step/tool-call counters.
type ProgressFunc func(steps, toolCalls int)

// Runner executes one admitted task against its backend class. Run blocks
// until the task finishes or ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, task *models.Task, progress ProgressFunc) RunResult
}

// Options tunes the scheduler.
type Options struct {
	HistorySize   int
	FallbackClass string
}

// SubmitOptions modifies a single submission.
type SubmitOptions struct {
	// Hold keeps the task in pending until Start is called, even with all
	// dependencies satisfied.
	Hold bool
	// WorkflowID marks the task as owned by a workflow.
	WorkflowID string
}

// Scheduler owns every non-terminal task. All graph state is guarded by one
// mutex; graph mutation never spans an RPC.
type Scheduler struct {
	mu           sync.Mutex
	tasks        map[string]*models.Task
	held         map[string]bool
	remaining    map[string]map[string]struct{} // task -> unsatisfied deps
	dependents   map[string][]string            // reverse edges: dep -> dependents
	terminal     map[string]string              // terminal task -> final state
	queues       map[string]*readyQueue         // per backend class
	caps         map[string]int
	runningCount map[string]int
	cancels      map[string]context.CancelFunc
	fellBack     map[string]bool // tasks already retried on the fallback class
	seq          uint64
	history      *historyRing

	fallbackClass string
	runner        Runner
	store         store.Store
	sink          backend.Sink
	logger        *zap.Logger

	onTerminal []func(task *models.Task)

	wg     sync.WaitGroup
	closed bool
}

// New creates a scheduler. Backend classes must be declared with SetCapacity
// before tasks for them are accepted.
func New(runner Runner, st store.Store, sink backend.Sink, logger *zap.Logger, opts Options) *Scheduler {
	return &Scheduler{
		tasks:         make(map[string]*models.Task),
		held:          make(map[string]bool),
		remaining:     make(map[string]map[string]struct{}),
		dependents:    make(map[string][]string),
		terminal:      make(map[string]string),
		queues:        make(map[string]*readyQueue),
		caps:          make(map[string]int),
		runningCount:  make(map[string]int),
		cancels:       make(map[string]context.CancelFunc),
		fellBack:      make(map[string]bool),
		history:       newHistoryRing(opts.HistorySize),
		fallbackClass: opts.FallbackClass,
		runner:        runner,
		store:         st,
		sink:          sink,
		logger:        logger,
	}
}

// SetCapacity declares a backend class and its admission cap.
func (s *Scheduler) SetCapacity(class string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		n = 1
	}
	s.caps[class] = n
	if s.queues[class] == nil {
		s.queues[class] = newReadyQueue()
	}
}

// OnTerminal registers a callback invoked (outside the scheduler lock) each
// time a task reaches a terminal state. Used by the workflow engine.
func (s *Scheduler) OnTerminal(fn func(task *models.Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminal = append(s.onTerminal, fn)
}

// Submit validates spec's dependency set against the existing graph and
// inserts the task in pending state. Unknown or cyclic dependencies are
// rejected with an invalid_dependency error and no state mutation.
func (s *Scheduler) Submit(ctx context.Context, spec models.TaskSpec, opts SubmitOptions) (*models.Task, error) {
	id := uuid.New().String()
	now := time.Now()
	task := &models.Task{
		ID:           id,
		WorkflowID:   opts.WorkflowID,
		Title:        spec.Title,
		Description:  spec.Description,
		BackendClass: spec.BackendClass,
		Priority:     models.ParsePriority(spec.Priority),
		State:        models.StatePending,
		DependsOn:    append([]string(nil), spec.DependsOn...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler is shut down")
	}
	if _, ok := s.caps[task.BackendClass]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", models.ErrBackendNotFound, task.BackendClass)
	}
	if err := s.validateDepsLocked(id, task.DependsOn); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	// Insert. Completed dependencies count as satisfied; a dependency that
	// already failed or was stopped fails this task before it can ever run.
	s.tasks[id] = task
	s.held[id] = opts.Hold
	s.seq++
	task.UpdatedAt = now
	rem := make(map[string]struct{})
	var blockedBy string
	for _, dep := range task.DependsOn {
		if state, done := s.terminal[dep]; done {
			if state != models.StateCompleted && blockedBy == "" {
				blockedBy = dep
			}
			continue
		}
		rem[dep] = struct{}{}
		s.dependents[dep] = append(s.dependents[dep], id)
	}
	s.remaining[id] = rem

	metrics.TasksSubmitted.WithLabelValues(task.BackendClass, task.Priority.String()).Inc()
	s.logger.Info("Task submitted",
		zap.String("task_id", id),
		zap.String("backend_class", task.BackendClass),
		zap.String("priority", task.Priority.String()),
		zap.Int("dependencies", len(task.DependsOn)),
	)

	var fired []*models.Task
	if blockedBy != "" {
		fired = s.failLocked(task, models.NewTaskError(s.depFailureClass(blockedBy),
			"dependency %s is %s", blockedBy, s.terminal[blockedBy]))
	} else {
		s.evaluateLocked(id)
	}
	snapshot := task.Clone()
	s.mu.Unlock()

	s.afterTerminal(fired)
	s.persist(snapshot)
	return snapshot, nil
}

// validateDepsLocked rejects unknown references and cycles. A freshly
// generated ID cannot collide with an existing one, so a self or transitive
// cycle can only appear through the dependency list itself; the walk below
// catches both.
func (s *Scheduler) validateDepsLocked(id string, deps []string) error {
	seen := make(map[string]bool)
	var walk func(cur string, chain []string) error
	walk = func(cur string, chain []string) error {
		for _, dep := range chain {
			if dep == cur {
				return models.NewTaskError(models.ClassInvalidDependency,
					"cyclic dependency through %s", cur)
			}
		}
		if seen[cur] {
			return nil
		}
		seen[cur] = true
		t, ok := s.tasks[cur]
		if !ok {
			if _, done := s.terminal[cur]; done {
				return nil
			}
			return models.NewTaskError(models.ClassInvalidDependency,
				"unknown dependency %q", cur)
		}
		next := append(chain, cur)
		for _, d := range t.DependsOn {
			if d == id {
				return models.NewTaskError(models.ClassInvalidDependency,
					"cyclic dependency through %s", id)
			}
			if err := walk(d, next); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range deps {
		if dep == id {
			return models.NewTaskError(models.ClassInvalidDependency,
				"task depends on itself")
		}
		if err := walk(dep, []string{id}); err != nil {
			return err
		}
	}
	return nil
}

// Start releases a held task, making it eligible for admission once its
// dependencies are satisfied.
func (s *Scheduler) Start(id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		if _, done := s.terminal[id]; done {
			return nil
		}
		return models.ErrTaskNotFound
	}
	s.held[id] = false
	if task.State == models.StatePending {
		s.evaluateLocked(id)
	}
	s.mu.Unlock()
	return nil
}

// StopTask requests best-effort cancellation. Pending and ready tasks stop
// immediately; running tasks get their context cancelled and stop at the
// next suspension point.
func (s *Scheduler) StopTask(id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		if _, done := s.terminal[id]; done {
			return nil
		}
		return models.ErrTaskNotFound
	}

	switch task.State {
	case models.StatePending, models.StateReady:
		if task.State == models.StateReady {
			if q := s.queues[task.BackendClass]; q != nil {
				q.remove(id)
				metrics.TasksReady.WithLabelValues(task.BackendClass).Set(float64(q.Len()))
			}
		}
		fired := s.stopLocked(task)
		snapshot := task.Clone()
		s.mu.Unlock()
		s.afterTerminal(fired)
		s.persist(snapshot)
		return nil
	case models.StateRunning:
		cancel := s.cancels[id]
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
}

// GetTask returns a snapshot of a task: working set first, then the recent
// history ring, then the persistent store.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	if t, ok := s.tasks[id]; ok {
		cp := t.Clone()
		s.mu.Unlock()
		return cp, nil
	}
	if t, ok := s.history.get(id); ok {
		cp := t.Clone()
		s.mu.Unlock()
		return cp, nil
	}
	s.mu.Unlock()
	return s.store.LoadTask(ctx, id)
}

// States returns the current state of each given task ID; unknown IDs are
// omitted. Used by the workflow engine's progress poll.
func (s *Scheduler) States(ids []string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			out[id] = t.State
		} else if state, ok := s.terminal[id]; ok {
			out[id] = state
		}
	}
	return out
}

// FlushHistory clears the terminal-task ring on caller request.
func (s *Scheduler) FlushHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.flush()
}

// Shutdown cancels every running task and waits for executors to drain.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evaluateLocked moves a pending task to ready when its dependency set is
// fully satisfied and it is not held, then tries admission for its class.
func (s *Scheduler) evaluateLocked(id string) {
	task, ok := s.tasks[id]
	if !ok || task.State != models.StatePending {
		return
	}
	if s.held[id] || len(s.remaining[id]) > 0 {
		return
	}
	task.State = models.StateReady
	task.UpdatedAt = time.Now()
	q := s.queues[task.BackendClass]
	s.seq++
	q.push(id, task.Priority, s.seq)
	metrics.TasksReady.WithLabelValues(task.BackendClass).Set(float64(q.Len()))
	s.admitLocked(task.BackendClass)
}

// admitLocked pops ready tasks for a class while slots remain under the cap.
// No admissions once shutdown has begun.
func (s *Scheduler) admitLocked(class string) {
	if s.closed {
		return
	}
	q := s.queues[class]
	if q == nil {
		return
	}
	for s.runningCount[class] < s.caps[class] {
		id, ok := q.pop()
		if !ok {
			break
		}
		task := s.tasks[id]
		task.State = models.StateRunning
		task.UpdatedAt = time.Now()
		s.runningCount[class]++
		metrics.TasksReady.WithLabelValues(class).Set(float64(q.Len()))
		metrics.TasksRunning.WithLabelValues(class).Set(float64(s.runningCount[class]))

		ctx, cancel := context.WithCancel(context.Background())
		s.cancels[id] = cancel
		s.wg.Add(1)
		go s.execute(ctx, cancel, id, task.Clone())

		s.logger.Info("Task admitted",
			zap.String("task_id", id),
			zap.String("backend_class", class),
			zap.Int("running", s.runningCount[class]),
		)
	}
}

// execute runs one admitted task to completion on its own goroutine.
func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, id string, snapshot *models.Task) {
	defer s.wg.Done()
	defer cancel()

	started := time.Now()
	progress := func(steps, toolCalls int) {
		s.mu.Lock()
		if t, ok := s.tasks[id]; ok {
			t.Steps = steps
			t.ToolCalls = toolCalls
			t.UpdatedAt = time.Now()
		}
		s.mu.Unlock()
	}

	res := s.runner.Run(ctx, snapshot, progress)
	metrics.TaskDuration.WithLabelValues(snapshot.BackendClass).Observe(time.Since(started).Seconds())
	s.finish(id, res)
}

// finish applies the executor's result: either a terminal transition with
// dependency propagation, or a fallback re-admission after
// backend_unavailable.
func (s *Scheduler) finish(id string, res RunResult) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	class := task.BackendClass
	s.runningCount[class]--
	metrics.TasksRunning.WithLabelValues(class).Set(float64(s.runningCount[class]))
	delete(s.cancels, id)
	task.Steps = res.Steps
	task.ToolCalls = res.ToolCalls
	task.UpdatedAt = time.Now()

	// Backend gone: retry admission once against the configured fallback
	// class. The substitution is recorded on the task, not hidden.
	if res.Err != nil && res.Err.Classification == models.ClassBackendUnavailable &&
		s.fallbackClass != "" && class != s.fallbackClass && !s.fellBack[id] {
		if _, ok := s.caps[s.fallbackClass]; ok {
			s.fellBack[id] = true
			s.logger.Warn("Backend unavailable, retrying on fallback class",
				zap.String("task_id", id),
				zap.String("from", class),
				zap.String("to", s.fallbackClass),
			)
			task.BackendClass = s.fallbackClass
			task.State = models.StatePending
			s.evaluateLocked(id)
			snapshot := task.Clone()
			s.mu.Unlock()
			s.persist(snapshot)
			s.admitFreedSlot(class)
			return
		}
	}

	var fired []*models.Task
	switch {
	case res.Stopped:
		fired = s.stopLocked(task)
	case res.Err != nil:
		fired = s.failLocked(task, res.Err)
	default:
		task.Result = res.Result
		fired = s.completeLocked(task)
	}
	s.mu.Unlock()

	s.afterTerminal(fired)
	s.admitFreedSlot(class)
}

func (s *Scheduler) admitFreedSlot(class string) {
	s.mu.Lock()
	s.admitLocked(class)
	s.mu.Unlock()
}

// completeLocked finalizes a successful task and re-evaluates every direct
// dependent through the reverse-edge index.
func (s *Scheduler) completeLocked(task *models.Task) []*models.Task {
	task.State = models.StateCompleted
	fired := []*models.Task{s.evictLocked(task)}
	metrics.TaskSteps.Observe(float64(task.Steps))

	for _, dep := range s.dependents[task.ID] {
		if rem, ok := s.remaining[dep]; ok {
			delete(rem, task.ID)
		}
		s.evaluateLocked(dep)
	}
	delete(s.dependents, task.ID)
	return fired
}

// failLocked finalizes a failed task and fail-fast propagates to all
// transitive dependents: none of them is ever admitted.
func (s *Scheduler) failLocked(task *models.Task, taskErr *models.TaskError) []*models.Task {
	task.State = models.StateFailed
	task.Err = taskErr
	fired := []*models.Task{s.evictLocked(task)}
	fired = append(fired, s.cascadeLocked(task.ID)...)
	return fired
}

// stopLocked finalizes a stopped task; dependents fail the same way they do
// for a failed dependency.
func (s *Scheduler) stopLocked(task *models.Task) []*models.Task {
	task.State = models.StateStopped
	if task.Err == nil {
		task.Err = models.NewTaskError(models.ClassCancelled, "stopped by caller")
	}
	fired := []*models.Task{s.evictLocked(task)}
	fired = append(fired, s.cascadeLocked(task.ID)...)
	return fired
}

// cascadeLocked fails every dependent of a failed or stopped task,
// recursively, without admitting any of them.
func (s *Scheduler) cascadeLocked(id string) []*models.Task {
	var fired []*models.Task
	deps := s.dependents[id]
	delete(s.dependents, id)
	for _, depID := range deps {
		dep, ok := s.tasks[depID]
		if !ok || models.IsTerminal(dep.State) {
			continue
		}
		if dep.State == models.StateReady {
			if q := s.queues[dep.BackendClass]; q != nil {
				q.remove(depID)
				metrics.TasksReady.WithLabelValues(dep.BackendClass).Set(float64(q.Len()))
			}
		}
		dep.State = models.StateFailed
		dep.Err = models.NewTaskError(s.depFailureClass(id),
			"dependency %s is %s", id, s.terminal[id])
		fired = append(fired, s.evictLocked(dep))
		fired = append(fired, s.cascadeLocked(depID)...)
	}
	return fired
}

// depFailureClass picks the classification a dependent inherits from a
// failed or stopped dependency.
func (s *Scheduler) depFailureClass(depID string) string {
	if s.terminal[depID] == models.StateStopped {
		return models.ClassCancelled
	}
	if t, ok := s.history.get(depID); ok && t.Err != nil {
		return t.Err.Classification
	}
	return models.ClassBackendUnavailable
}

// evictLocked moves a terminal task out of the working set into the history
// ring and the terminal index, and returns the snapshot to publish.
func (s *Scheduler) evictLocked(task *models.Task) *models.Task {
	task.UpdatedAt = time.Now()
	snapshot := task.Clone()
	s.terminal[task.ID] = task.State
	s.history.add(snapshot)
	delete(s.tasks, task.ID)
	delete(s.remaining, task.ID)
	delete(s.held, task.ID)
	delete(s.fellBack, task.ID)
	metrics.TasksCompleted.WithLabelValues(task.BackendClass, task.State).Inc()
	s.logger.Info("Task finished",
		zap.String("task_id", task.ID),
		zap.String("state", task.State),
	)
	return snapshot
}

// afterTerminal persists and publishes terminal snapshots outside the lock.
func (s *Scheduler) afterTerminal(fired []*models.Task) {
	for _, t := range fired {
		if t == nil {
			continue
		}
		s.persist(t)
		if s.sink != nil {
			msg := ""
			if t.Err != nil {
				msg = t.Err.Message
			}
			s.sink.Notify(context.Background(), backend.NotifyEvent{
				Type:       "task",
				TaskID:     t.ID,
				WorkflowID: t.WorkflowID,
				State:      t.State,
				Message:    msg,
				Timestamp:  time.Now(),
			})
		}
		for _, fn := range s.onTerminal {
			fn(t)
		}
	}
}

func (s *Scheduler) persist(t *models.Task) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveTask(ctx, t); err != nil {
		s.logger.Warn("Task persist failed",
			zap.String("task_id", t.ID),
			zap.Error(err),
		)
	}
}
