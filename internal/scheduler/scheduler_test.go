package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/conductorlabs/conductor/internal/models"
	"github.com/conductorlabs/conductor/internal/store"
)

// fakeRunner lets tests script per-task outcomes and observe admissions.
// Results are keyed by task title; classResults (keyed by backend class)
// take precedence, which lets fallback tests give the two classes
// different outcomes.
type fakeRunner struct {
	mu           sync.Mutex
	results      map[string]RunResult
	classResults map[string]RunResult
	started      chan string
	release      chan struct{}
	blocking     bool
	running      int32
	maxSeen      int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results:      make(map[string]RunResult),
		classResults: make(map[string]RunResult),
		started:      make(chan string, 64),
		release:      make(chan struct{}),
	}
}

func (r *fakeRunner) Run(ctx context.Context, task *models.Task, progress ProgressFunc) RunResult {
	n := atomic.AddInt32(&r.running, 1)
	for {
		max := atomic.LoadInt32(&r.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&r.maxSeen, max, n) {
			break
		}
	}
	defer atomic.AddInt32(&r.running, -1)

	r.started <- task.Title
	if r.blocking {
		select {
		case <-r.release:
		case <-ctx.Done():
			return RunResult{Stopped: true}
		}
	}
	select {
	case <-ctx.Done():
		return RunResult{Stopped: true}
	default:
	}

	r.mu.Lock()
	res, ok := r.classResults[task.BackendClass]
	if !ok {
		res, ok = r.results[task.Title]
	}
	r.mu.Unlock()
	if !ok {
		res = RunResult{Result: "ok", Steps: 1}
	}
	return res
}

func (r *fakeRunner) setResult(title string, res RunResult) {
	r.mu.Lock()
	r.results[title] = res
	r.mu.Unlock()
}

func (r *fakeRunner) setClassResult(class string, res RunResult) {
	r.mu.Lock()
	r.classResults[class] = res
	r.mu.Unlock()
}

func newTestScheduler(t *testing.T, runner Runner) *Scheduler {
	t.Helper()
	s := New(runner, store.NewMemoryStore(), nil, zap.NewNop(), Options{HistorySize: 16})
	s.SetCapacity("primary", 2)
	s.SetCapacity("fallback", 2)
	return s
}

func waitForState(t *testing.T, s *Scheduler, id, want string) *models.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(context.Background(), id)
		if err == nil && task.State == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, err := s.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("task %s never reached %s: %v", id, want, err)
	}
	t.Fatalf("task %s state = %s, want %s", id, task.State, want)
	return nil
}

func spec(title, class string) models.TaskSpec {
	return models.TaskSpec{Title: title, Description: title, BackendClass: class}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	task, err := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitForState(t, s, task.ID, models.StateCompleted)
	if done.Result != "ok" {
		t.Errorf("result = %q, want ok", done.Result)
	}
}

func TestUnknownBackendClassRejected(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner())
	defer s.Shutdown(context.Background())

	if _, err := s.Submit(context.Background(), spec("a", "nope"), SubmitOptions{}); err == nil {
		t.Fatal("expected error for unknown backend class")
	}
}

func TestUnknownDependencyRejectedWithoutMutation(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner())
	defer s.Shutdown(context.Background())

	sp := spec("a", "primary")
	sp.DependsOn = []string{"no-such-task"}
	_, err := s.Submit(context.Background(), sp, SubmitOptions{})
	te, ok := models.AsTaskError(err)
	if !ok || te.Classification != models.ClassInvalidDependency {
		t.Fatalf("err = %v, want invalid_dependency", err)
	}

	s.mu.Lock()
	n := len(s.tasks)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("rejected submit left %d tasks in the graph", n)
	}
}

func TestSelfDependencyRejected(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner())
	defer s.Shutdown(context.Background())

	s.mu.Lock()
	err := s.validateDepsLocked("x", []string{"x"})
	tasks := len(s.tasks)
	s.mu.Unlock()

	te, ok := models.AsTaskError(err)
	if !ok || te.Classification != models.ClassInvalidDependency {
		t.Fatalf("err = %v, want invalid_dependency", err)
	}
	if !strings.Contains(te.Message, "depends on itself") {
		t.Errorf("message = %q", te.Message)
	}
	if tasks != 0 {
		t.Errorf("validation left %d tasks in the graph", tasks)
	}
}

func TestCyclicDependencyRejectedWithoutMutation(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner())
	defer s.Shutdown(context.Background())

	// Hand-build a chain b -> c -> x so that validating x's dependency on b
	// closes the loop. Submit can never produce this shape (IDs are freshly
	// generated), so the walk is exercised directly.
	s.mu.Lock()
	s.tasks["b"] = &models.Task{ID: "b", DependsOn: []string{"c"}, State: models.StatePending}
	s.tasks["c"] = &models.Task{ID: "c", DependsOn: []string{"x"}, State: models.StatePending}
	err := s.validateDepsLocked("x", []string{"b"})
	tasks := len(s.tasks)
	dependents := len(s.dependents)
	remaining := len(s.remaining)
	s.mu.Unlock()

	te, ok := models.AsTaskError(err)
	if !ok || te.Classification != models.ClassInvalidDependency {
		t.Fatalf("err = %v, want invalid_dependency", err)
	}
	if !strings.Contains(te.Message, "cyclic dependency") {
		t.Errorf("message = %q", te.Message)
	}
	if tasks != 2 || dependents != 0 || remaining != 0 {
		t.Errorf("validation mutated the graph: tasks=%d dependents=%d remaining=%d",
			tasks, dependents, remaining)
	}
}

func TestCycleAmongExistingDependenciesRejected(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner())
	defer s.Shutdown(context.Background())

	// A loop that never touches the candidate: b -> c -> b.
	s.mu.Lock()
	s.tasks["b"] = &models.Task{ID: "b", DependsOn: []string{"c"}, State: models.StatePending}
	s.tasks["c"] = &models.Task{ID: "c", DependsOn: []string{"b"}, State: models.StatePending}
	err := s.validateDepsLocked("x", []string{"b"})
	s.mu.Unlock()

	te, ok := models.AsTaskError(err)
	if !ok || te.Classification != models.ClassInvalidDependency {
		t.Fatalf("err = %v, want invalid_dependency", err)
	}
	if !strings.Contains(te.Message, "cyclic dependency through b") {
		t.Errorf("message = %q", te.Message)
	}
}

func TestDiamondDependenciesAccepted(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	a, err := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{})
	if err != nil {
		t.Fatalf("submit a: %v", err)
	}
	spB := spec("b", "primary")
	spB.DependsOn = []string{a.ID}
	b, err := s.Submit(context.Background(), spB, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit b: %v", err)
	}
	spC := spec("c", "primary")
	spC.DependsOn = []string{a.ID}
	c, err := s.Submit(context.Background(), spC, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit c: %v", err)
	}
	spD := spec("d", "primary")
	spD.DependsOn = []string{b.ID, c.ID}
	d, err := s.Submit(context.Background(), spD, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit d: %v", err)
	}
	waitForState(t, s, d.ID, models.StateCompleted)
}

func TestDependencyGating(t *testing.T) {
	runner := newFakeRunner()
	runner.blocking = true
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	a, _ := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{})
	spB := spec("b", "primary")
	spB.DependsOn = []string{a.ID}
	b, _ := s.Submit(context.Background(), spB, SubmitOptions{})

	<-runner.started // a admitted
	got, _ := s.GetTask(context.Background(), b.ID)
	if got.State != models.StatePending {
		t.Fatalf("dependent state = %s before dependency completed", got.State)
	}

	close(runner.release)
	waitForState(t, s, a.ID, models.StateCompleted)
	waitForState(t, s, b.ID, models.StateCompleted)
}

func TestFailureCascadesToDependents(t *testing.T) {
	runner := newFakeRunner()
	runner.setResult("a", RunResult{Err: models.NewTaskError(models.ClassStepTimeout, "boom")})
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	a, _ := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{Hold: true})
	spB := spec("b", "primary")
	spB.DependsOn = []string{a.ID}
	b, _ := s.Submit(context.Background(), spB, SubmitOptions{})
	spC := spec("c", "primary")
	spC.DependsOn = []string{b.ID}
	c, _ := s.Submit(context.Background(), spC, SubmitOptions{})

	s.Start(a.ID)
	waitForState(t, s, a.ID, models.StateFailed)
	bT := waitForState(t, s, b.ID, models.StateFailed)
	cT := waitForState(t, s, c.ID, models.StateFailed)

	if bT.Err == nil || bT.Err.Classification != models.ClassStepTimeout {
		t.Errorf("dependent classification = %+v, want inherited step_timeout", bT.Err)
	}
	if cT.Err == nil {
		t.Error("transitive dependent has no error")
	}
}

func TestSubmitAgainstFailedDependencyFailsImmediately(t *testing.T) {
	runner := newFakeRunner()
	runner.setResult("a", RunResult{Err: models.NewTaskError(models.ClassBudgetExceeded, "over")})
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	a, _ := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{})
	waitForState(t, s, a.ID, models.StateFailed)

	spB := spec("b", "primary")
	spB.DependsOn = []string{a.ID}
	b, err := s.Submit(context.Background(), spB, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit against terminal dep: %v", err)
	}
	bT := waitForState(t, s, b.ID, models.StateFailed)
	if bT.Err == nil || bT.Err.Classification != models.ClassBudgetExceeded {
		t.Errorf("classification = %+v, want budget_exceeded", bT.Err)
	}
}

func TestSubmitAgainstCompletedDependencySatisfied(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	a, _ := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{})
	waitForState(t, s, a.ID, models.StateCompleted)

	spB := spec("b", "primary")
	spB.DependsOn = []string{a.ID}
	b, err := s.Submit(context.Background(), spB, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, s, b.ID, models.StateCompleted)
}

func TestConcurrencyCapRespected(t *testing.T) {
	runner := newFakeRunner()
	runner.blocking = true
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	var ids []string
	for i := 0; i < 6; i++ {
		task, err := s.Submit(context.Background(), spec(string(rune('a'+i)), "primary"), SubmitOptions{})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, task.ID)
	}

	<-runner.started
	<-runner.started
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&runner.running); n != 2 {
		t.Fatalf("running = %d, cap is 2", n)
	}

	close(runner.release)
	for _, id := range ids {
		waitForState(t, s, id, models.StateCompleted)
	}
	if max := atomic.LoadInt32(&runner.maxSeen); max > 2 {
		t.Errorf("max concurrent = %d, cap is 2", max)
	}
}

func TestPriorityOrderWithinClass(t *testing.T) {
	runner := newFakeRunner()
	runner.blocking = true
	s := New(runner, store.NewMemoryStore(), nil, zap.NewNop(), Options{HistorySize: 16})
	s.SetCapacity("primary", 1)
	defer s.Shutdown(context.Background())

	// Occupy the only slot so the rest queue up.
	blocker, _ := s.Submit(context.Background(), spec("blocker", "primary"), SubmitOptions{})
	<-runner.started

	low := spec("low", "primary")
	low.Priority = "low"
	crit := spec("crit", "primary")
	crit.Priority = "critical"
	med1 := spec("med1", "primary")
	med2 := spec("med2", "primary")

	s.Submit(context.Background(), low, SubmitOptions{})
	s.Submit(context.Background(), med1, SubmitOptions{})
	s.Submit(context.Background(), med2, SubmitOptions{})
	s.Submit(context.Background(), crit, SubmitOptions{})

	close(runner.release)
	_ = blocker

	var order []string
	for i := 0; i < 4; i++ {
		select {
		case title := <-runner.started:
			order = append(order, title)
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d tasks started", len(order))
		}
	}
	want := []string{"crit", "med1", "med2", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("admission order = %v, want %v", order, want)
		}
	}
}

func TestStopPendingTask(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	task, _ := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{Hold: true})
	if err := s.StopTask(task.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got := waitForState(t, s, task.ID, models.StateStopped)
	if got.Err == nil || got.Err.Classification != models.ClassCancelled {
		t.Errorf("classification = %+v, want cancelled", got.Err)
	}
}

func TestStopRunningTask(t *testing.T) {
	runner := newFakeRunner()
	runner.blocking = true
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	task, _ := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{})
	<-runner.started
	if err := s.StopTask(task.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForState(t, s, task.ID, models.StateStopped)
}

func TestStopCascadesAsCancelled(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	a, _ := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{Hold: true})
	spB := spec("b", "primary")
	spB.DependsOn = []string{a.ID}
	b, _ := s.Submit(context.Background(), spB, SubmitOptions{})

	s.StopTask(a.ID)
	bT := waitForState(t, s, b.ID, models.StateFailed)
	if bT.Err == nil || bT.Err.Classification != models.ClassCancelled {
		t.Errorf("classification = %+v, want cancelled", bT.Err)
	}
}

func TestFallbackRetryOnBackendUnavailable(t *testing.T) {
	runner := newFakeRunner()
	runner.setClassResult("primary", RunResult{Err: models.NewTaskError(models.ClassBackendUnavailable, "gone")})
	runner.setClassResult("fallback", RunResult{Result: "fallback-ok", Steps: 1})
	s := New(runner, store.NewMemoryStore(), nil, zap.NewNop(), Options{HistorySize: 16, FallbackClass: "fallback"})
	s.SetCapacity("primary", 1)
	s.SetCapacity("fallback", 1)
	defer s.Shutdown(context.Background())

	task, _ := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{})
	done := waitForState(t, s, task.ID, models.StateCompleted)
	if done.BackendClass != "fallback" {
		t.Errorf("backend class = %s, want fallback", done.BackendClass)
	}
	if done.Result != "fallback-ok" {
		t.Errorf("result = %q", done.Result)
	}
}

func TestFallbackRetryHappensOnce(t *testing.T) {
	runner := newFakeRunner()
	runner.setClassResult("primary", RunResult{Err: models.NewTaskError(models.ClassBackendUnavailable, "gone")})
	runner.setClassResult("fallback", RunResult{Err: models.NewTaskError(models.ClassBackendUnavailable, "gone")})
	s := New(runner, store.NewMemoryStore(), nil, zap.NewNop(), Options{HistorySize: 16, FallbackClass: "fallback"})
	s.SetCapacity("primary", 1)
	s.SetCapacity("fallback", 1)
	defer s.Shutdown(context.Background())

	task, _ := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{})
	done := waitForState(t, s, task.ID, models.StateFailed)
	if done.Err == nil || done.Err.Classification != models.ClassBackendUnavailable {
		t.Errorf("classification = %+v", done.Err)
	}
	if done.BackendClass != "fallback" {
		t.Errorf("final class = %s, the fallback attempt should be recorded", done.BackendClass)
	}
}

func TestHistoryFlush(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	task, _ := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{})
	waitForState(t, s, task.ID, models.StateCompleted)

	s.FlushHistory()
	// Still reachable through the store after the ring is flushed.
	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get after flush: %v", err)
	}
	if got.State != models.StateCompleted {
		t.Errorf("state = %s", got.State)
	}
}

type runnerFunc func(ctx context.Context, task *models.Task, progress ProgressFunc) RunResult

func (f runnerFunc) Run(ctx context.Context, task *models.Task, progress ProgressFunc) RunResult {
	return f(ctx, task, progress)
}

func TestConcurrentSubmitsWithProgressUpdates(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, task *models.Task, progress ProgressFunc) RunResult {
		for i := 1; i <= 20; i++ {
			progress(i, i)
		}
		return RunResult{Result: "ok", Steps: 20, ToolCalls: 20}
	})
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []string
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := s.Submit(context.Background(), spec("t", "primary"), SubmitOptions{})
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			mu.Lock()
			ids = append(ids, task.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()
	for _, id := range ids {
		waitForState(t, s, id, models.StateCompleted)
	}
}

func TestShutdownDoesNotAdmitQueuedTasks(t *testing.T) {
	runner := newFakeRunner()
	runner.blocking = true
	s := New(runner, store.NewMemoryStore(), nil, zap.NewNop(), Options{HistorySize: 16})
	s.SetCapacity("primary", 1)

	blocker, _ := s.Submit(context.Background(), spec("blocker", "primary"), SubmitOptions{})
	<-runner.started
	queued, _ := s.Submit(context.Background(), spec("queued", "primary"), SubmitOptions{})

	// Shutdown cancels the blocker; the freed slot must stay empty.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case title := <-runner.started:
		t.Fatalf("task %q admitted after shutdown began", title)
	default:
	}
	waitForState(t, s, blocker.ID, models.StateStopped)
	got, err := s.GetTask(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	if got.State != models.StateReady {
		t.Errorf("queued task state = %s, want ready", got.State)
	}
}

func TestOnTerminalFires(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, runner)
	defer s.Shutdown(context.Background())

	fired := make(chan *models.Task, 1)
	s.OnTerminal(func(task *models.Task) { fired <- task })

	task, _ := s.Submit(context.Background(), spec("a", "primary"), SubmitOptions{})
	select {
	case got := <-fired:
		if got.ID != task.ID || got.State != models.StateCompleted {
			t.Errorf("terminal callback got %s/%s", got.ID, got.State)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("terminal callback never fired")
	}
}
