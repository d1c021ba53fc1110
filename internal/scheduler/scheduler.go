// Package scheduler fires registered tasks on their cron schedules.
//
// Triggers live in a priority queue advanced by a single driver goroutine.
// Tick is exported so callers and tests can drive time explicitly.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/cronspec"
	"github.com/t77yq/automation-orchestrator/internal/executor"
	"github.com/t77yq/automation-orchestrator/internal/model"
	"github.com/t77yq/automation-orchestrator/internal/registry"
)

// Dispatcher invokes a task endpoint
type Dispatcher interface {
	Dispatch(ctx context.Context, task model.Task, trigger model.Trigger) (*executor.Result, error)
}

// ExecutionSink persists execution records
type ExecutionSink interface {
	Record(ctx context.Context, exec *model.Execution) error
}

// ExecutionPublisher announces execution records
type ExecutionPublisher interface {
	PublishExecution(ctx context.Context, exec *model.Execution) error
}

// Observer is notified about failing tasks
type Observer interface {
	TaskFailed(ctx context.Context, task model.Task, exec *model.Execution)
	CircuitOpened(ctx context.Context, task model.Task)
}

// Config configures the scheduler
type Config struct {
	// PollInterval caps how long the driver loop sleeps between checks
	PollInterval time.Duration

	// FailureThreshold is the number of consecutive failures that opens a
	// task's circuit. Zero or less disables the breaker.
	FailureThreshold int

	// Cooldown is the first open period, doubled on every reopen up to MaxCooldown
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// DefaultConfig returns the scheduler defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:     time.Second,
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// Option configures optional scheduler collaborators
type Option func(*Scheduler)

// WithSinks adds execution sinks
func WithSinks(sinks ...ExecutionSink) Option {
	return func(s *Scheduler) {
		s.sinks = append(s.sinks, sinks...)
	}
}

// WithPublisher sets the execution publisher
func WithPublisher(p ExecutionPublisher) Option {
	return func(s *Scheduler) {
		s.publisher = p
	}
}

// WithObserver adds a failure observer
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, o)
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler binds one trigger per enabled task and dispatches due tasks
type Scheduler struct {
	logger     *zap.Logger
	registry   *registry.Registry
	dispatcher Dispatcher
	config     Config
	strategy   RetryStrategy
	now        func() time.Time

	sinks     []ExecutionSink
	publisher ExecutionPublisher
	observers []Observer

	mu      sync.Mutex
	running bool
	queue   triggerQueue
	entries map[string]*trigger
	seq     uint64
	stop    chan struct{}
	done    chan struct{}
	wake    chan struct{}

	inflight sync.Map
	breakers sync.Map
	active   atomic.Int64
	wg       conc.WaitGroup
}

// New creates a stopped scheduler
func New(reg *registry.Registry, dispatcher Dispatcher, logger *zap.Logger, config Config, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.MaxCooldown < config.Cooldown {
		config.MaxCooldown = defaults.MaxCooldown
		if config.MaxCooldown < config.Cooldown {
			config.MaxCooldown = config.Cooldown
		}
	}

	s := &Scheduler{
		logger:     logger.Named("scheduler"),
		registry:   reg,
		dispatcher: dispatcher,
		config:     config,
		strategy: &ExponentialBackoff{
			InitialDelay: config.Cooldown,
			MaxDelay:     config.MaxCooldown,
			Multiplier:   2,
		},
		now:     time.Now,
		entries: make(map[string]*trigger),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds a trigger for every enabled task and starts the driver loop.
// Tasks whose schedule does not parse are marked as errored and left unbound.
// Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	now := s.now()
	for _, task := range s.registry.ListTasks() {
		if !task.Enabled {
			continue
		}
		if err := s.bindLocked(task, now); err != nil {
			s.logger.Error("Failed to bind task",
				zap.String("task_id", task.ID),
				zap.String("schedule", task.Schedule),
				zap.Error(err))
		}
	}

	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)

	s.logger.Info("Scheduler started", zap.Int("triggers", len(s.entries)))
	return nil
}

// Stop removes every trigger and stops the driver loop. In-flight executions
// are left to finish. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	done := s.done
	s.clearLocked()
	s.mu.Unlock()

	<-done
	s.logger.Info("Scheduler stopped")
}

// Shutdown stops the scheduler and waits for in-flight executions until ctx
// is done
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight executions: %w", ctx.Err())
	}
}

// Wait blocks until every execution launched by Tick or RunNow has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Running reports whether the scheduler is started
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pending returns the number of bound triggers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// InFlight returns the number of executions currently dispatching
func (s *Scheduler) InFlight() int {
	return int(s.active.Load())
}

// NextFire returns the armed fire time of a task's trigger
func (s *Scheduler) NextFire(taskID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.entries[taskID]
	if !ok {
		return time.Time{}, false
	}
	return t.next, true
}

// Bind arms a trigger for a task while the scheduler runs, replacing any
// existing one. It does nothing when the scheduler is stopped.
func (s *Scheduler) Bind(taskID string) error {
	task, ok := s.registry.GetTask(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrTaskNotFound, taskID)
	}
	if !task.Enabled {
		return fmt.Errorf("%w: %s", ErrTaskDisabled, taskID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.unbindLocked(taskID)
	if err := s.bindLocked(task, s.now()); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Unbind removes a task's trigger and reports whether one existed
func (s *Scheduler) Unbind(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unbindLocked(taskID)
}

// Tick dispatches every trigger due at or before now and re-arms it at the
// schedule's next activation after now. Triggers due together dispatch in
// priority order. It returns the dispatched task ids in that order.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	type due struct {
		taskID      string
		scheduledAt time.Time
	}

	s.mu.Lock()
	var fired []due
	var rearm []*trigger
	for s.queue.Len() > 0 && !s.queue[0].next.After(now) {
		t := heap.Pop(&s.queue).(*trigger)
		fired = append(fired, due{taskID: t.taskID, scheduledAt: t.next})
		rearm = append(rearm, t)
	}
	for _, t := range rearm {
		t.next = t.schedule.Next(now)
		if t.next.IsZero() {
			delete(s.entries, t.taskID)
			continue
		}
		heap.Push(&s.queue, t)
		s.setNextRun(t.taskID, t.next)
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(fired))
	for _, d := range fired {
		ids = append(ids, d.taskID)
		s.launch(ctx, d.taskID, model.TriggerSchedule, d.scheduledAt)
	}
	return ids
}

// RunNow triggers a task immediately, outside its schedule. The execution
// runs in the background under the same in-flight guard and breaker as
// scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	if _, ok := s.registry.GetTask(taskID); !ok {
		return fmt.Errorf("%w: %s", registry.ErrTaskNotFound, taskID)
	}
	s.launch(ctx, taskID, model.TriggerManual, s.now())
	return nil
}

func (s *Scheduler) launch(ctx context.Context, taskID string, trigger model.Trigger, scheduledAt time.Time) {
	// executions outlive the request or loop that started them
	ctx = context.WithoutCancel(ctx)
	s.wg.Go(func() {
		if _, err := s.ExecuteTask(ctx, taskID, trigger, scheduledAt); err != nil &&
			!errors.Is(err, ErrTaskInFlight) && !errors.Is(err, ErrCircuitOpen) {
			s.logger.Debug("Execution not completed",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
	})
}

// ExecuteTask runs one invocation of a task synchronously and records it.
// Overlapping invocations and calls rejected by the breaker are recorded as
// skipped and return ErrTaskInFlight or ErrCircuitOpen. A failed dispatch is
// recorded on the task and in the returned execution, not returned as error.
func (s *Scheduler) ExecuteTask(ctx context.Context, taskID string, trigger model.Trigger, scheduledAt time.Time) (*model.Execution, error) {
	task, ok := s.registry.GetTask(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrTaskNotFound, taskID)
	}
	if trigger == model.TriggerSchedule && !task.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrTaskDisabled, taskID)
	}

	exec := &model.Execution{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		TaskName:    task.Name,
		Trigger:     trigger,
		ScheduledAt: scheduledAt,
		StartedAt:   s.now(),
	}

	if _, busy := s.inflight.LoadOrStore(taskID, struct{}{}); busy {
		s.skip(ctx, exec, "previous invocation still running")
		s.logger.Warn("Skipping overlapping invocation", zap.String("task_id", taskID))
		return exec, ErrTaskInFlight
	}
	release := sync.OnceFunc(func() { s.inflight.Delete(taskID) })
	defer release()

	breaker := s.breakerFor(taskID)
	if !breaker.Allow(exec.StartedAt) {
		s.skip(ctx, exec, "circuit open")
		s.logger.Debug("Circuit open, skipping invocation", zap.String("task_id", taskID))
		return exec, ErrCircuitOpen
	}

	s.active.Add(1)
	res, err := s.dispatch(ctx, task, trigger)
	s.active.Add(-1)

	finished := s.now()
	exec.FinishedAt = &finished
	exec.Duration = finished.Sub(exec.StartedAt)

	if err == nil {
		exec.Status = model.ExecutionSuccess
		exec.StatusCode = res.StatusCode
		exec.Result = res.Body
		breaker.Success()
		s.completeTask(taskID, func(t *model.Task) {
			t.SuccessCount++
			t.LastRun = &finished
			t.LastError = ""
			if t.Enabled {
				t.Status = model.TaskStatusActive
			}
			t.Breaker = breaker.Snapshot()
		})
		s.logger.Info("Task executed",
			zap.String("task_id", taskID),
			zap.String("name", task.Name),
			zap.Duration("duration", exec.Duration))
		s.record(ctx, exec)
		return exec, nil
	}

	exec.Status = model.ExecutionFailed
	exec.Error = err.Error()
	var statusErr *executor.StatusError
	if errors.As(err, &statusErr) {
		exec.StatusCode = statusErr.StatusCode
	}

	tripped := breaker.Failure(finished)
	updated, ok := s.completeTask(taskID, func(t *model.Task) {
		t.ErrorCount++
		t.TotalFailures++
		t.LastRun = &finished
		t.LastError = err.Error()
		if t.Enabled {
			t.Status = model.TaskStatusError
		}
		t.Breaker = breaker.Snapshot()
	})
	s.logger.Warn("Task execution failed",
		zap.String("task_id", taskID),
		zap.String("name", task.Name),
		zap.Int("status_code", exec.StatusCode),
		zap.Error(err))
	s.record(ctx, exec)

	// observers may block on notification channels; the task is free to fire again
	release()
	if ok {
		for _, o := range s.observers {
			o.TaskFailed(ctx, updated, exec)
			if tripped {
				o.CircuitOpened(ctx, updated)
			}
		}
	}
	return exec, nil
}

// Breaker returns the circuit breaker of a task
func (s *Scheduler) Breaker(taskID string) *Breaker {
	return s.breakerFor(taskID)
}

func (s *Scheduler) dispatch(ctx context.Context, task model.Task, trigger model.Trigger) (res *executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrDispatchPanic, r)
		}
	}()
	res, err = s.dispatcher.Dispatch(ctx, task, trigger)
	if err == nil && res == nil {
		res = &executor.Result{}
	}
	return res, err
}

func (s *Scheduler) completeTask(taskID string, fn func(t *model.Task)) (model.Task, bool) {
	task, err := s.registry.Update(taskID, fn)
	if err != nil {
		s.logger.Warn("Task removed during execution", zap.String("task_id", taskID))
		return model.Task{}, false
	}
	return task, true
}

func (s *Scheduler) skip(ctx context.Context, exec *model.Execution, reason string) {
	finished := s.now()
	exec.Status = model.ExecutionSkipped
	exec.Error = reason
	exec.FinishedAt = &finished
	s.record(ctx, exec)
}

func (s *Scheduler) record(ctx context.Context, exec *model.Execution) {
	for _, sink := range s.sinks {
		if err := sink.Record(ctx, exec); err != nil {
			s.logger.Error("Failed to record execution",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishExecution(ctx, exec); err != nil {
			s.logger.Warn("Failed to publish execution",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) breakerFor(taskID string) *Breaker {
	if b, ok := s.breakers.Load(taskID); ok {
		return b.(*Breaker)
	}
	b, _ := s.breakers.LoadOrStore(taskID, NewBreaker(s.config.FailureThreshold, s.strategy))
	return b.(*Breaker)
}

func (s *Scheduler) bindLocked(task model.Task, now time.Time) error {
	schedule, err := cronspec.Parse(task.Schedule)
	if err != nil {
		if _, uerr := s.registry.Update(task.ID, func(t *model.Task) {
			t.Status = model.TaskStatusError
			t.LastError = err.Error()
			t.NextRun = nil
		}); uerr != nil {
			return uerr
		}
		return err
	}

	s.seq++
	t := &trigger{
		taskID:   task.ID,
		rank:     task.Priority.Rank(),
		schedule: schedule,
		next:     schedule.Next(now),
		seq:      s.seq,
	}
	heap.Push(&s.queue, t)
	s.entries[task.ID] = t
	s.setNextRun(task.ID, t.next)
	return nil
}

func (s *Scheduler) unbindLocked(taskID string) bool {
	t, ok := s.entries[taskID]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, t.index)
	delete(s.entries, taskID)
	s.clearNextRun(taskID)
	return true
}

func (s *Scheduler) clearLocked() {
	for id := range s.entries {
		s.clearNextRun(id)
	}
	s.queue = nil
	s.entries = make(map[string]*trigger)
	s.running = false
}

func (s *Scheduler) setNextRun(taskID string, next time.Time) {
	s.registry.Update(taskID, func(t *model.Task) {
		t.NextRun = &next
	})
}

func (s *Scheduler) clearNextRun(taskID string) {
	s.registry.Update(taskID, func(t *model.Task) {
		t.NextRun = nil
	})
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// nextDelay is the time until the earliest trigger, capped by PollInterval
func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return s.config.PollInterval
	}
	d := s.queue[0].next.Sub(s.now())
	if d < 0 {
		return 0
	}
	if d > s.config.PollInterval {
		return s.config.PollInterval
	}
	return d
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	for {
		timer := time.NewTimer(s.nextDelay())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			if s.stop == stop && s.running {
				close(stop)
				s.clearLocked()
			}
			s.mu.Unlock()
			s.logger.Info("Scheduler context done, loop exited")
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.Tick(ctx, s.now())
		}
	}
}
