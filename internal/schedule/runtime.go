package schedule

import (
	"context"
	"sync"
	"time"

	"botticelli/internal/logx"
	"botticelli/internal/metrics"
	"botticelli/internal/persistence"
)

var log = logx.New("schedule")

// Store is the persistence surface the runtime needs to track task
// scheduling state across ticks and process restarts.
type Store interface {
	LoadTaskState(ctx context.Context, taskID string) (*persistence.TaskState, error)
	UpsertTaskState(ctx context.Context, state persistence.TaskState) error
	UpdateNextRun(ctx context.Context, taskID string, next time.Time) error
	RecordAttempt(ctx context.Context, taskID string, at time.Time) error
	RecordFailure(ctx context.Context, taskID string, threshold int) (bool, error)
	RecordSuccess(ctx context.Context, taskID string) error
	PauseTask(ctx context.Context, taskID string) error
}

// Task is one schedulable unit: a narrative run bound to an actor, gated by
// a Schedule and a per-task circuit breaker threshold.
type Task struct {
	ID        string
	ActorName string
	Schedule  Schedule
	Breaker   CircuitBreakerConfig
	// Run performs the actual narrative execution. Any error it returns
	// counts as a failure against the task's circuit breaker.
	Run func(ctx context.Context) error
}

// Config tunes the Runtime's tick loop.
type Config struct {
	// PollInterval is how often the runtime re-checks every registered
	// task's schedule. Defaults to 10 seconds.
	PollInterval time.Duration
	// MaxConcurrency caps how many tasks may be executing at once.
	// Defaults to 5.
	MaxConcurrency int
	// ShutdownTimeout bounds how long Stop waits for in-flight task runs
	// to drain before returning anyway. Defaults to 30 seconds.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 5
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Runtime is the tick-loop scheduler: it polls every registered task's
// Schedule on a fixed interval and runs the due ones, up to MaxConcurrency
// at a time, tracking last/next run and circuit-breaker state in Store.
type Runtime struct {
	store  Store
	config Config

	mu      sync.RWMutex
	tasks   map[string]*Task
	sem     chan struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running bool
}

// NewRuntime builds a Runtime backed by store.
func NewRuntime(store Store, config Config) *Runtime {
	config = config.withDefaults()
	return &Runtime{
		store:  store,
		config: config,
		tasks:  make(map[string]*Task),
		sem:    make(chan struct{}, config.MaxConcurrency),
	}
}

// Register adds task to the runtime, bootstrapping its task_state row if
// one doesn't already exist. Safe to call before or after Start.
func (r *Runtime) Register(ctx context.Context, task Task) error {
	if _, err := r.store.LoadTaskState(ctx, task.ID); err != nil {
		if _, ok := err.(*persistence.TaskNotFoundError); !ok {
			return err
		}
		if err := r.store.UpsertTaskState(ctx, persistence.TaskState{TaskID: task.ID, ActorName: task.ActorName}); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := task
	r.tasks[task.ID] = &t
	return nil
}

// Start launches the poll loop. Start is not reentrant; calling it twice
// without an intervening Stop is a no-op.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.pollLoop(runCtx)
}

// Stop cancels the poll loop and waits up to ShutdownTimeout for in-flight
// task runs to finish.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.config.ShutdownTimeout):
		log.Warn("schedule runtime shutdown timed out after %s, tasks may still be running", r.config.ShutdownTimeout)
	}
}

func (r *Runtime) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	r.checkTasks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkTasks(ctx)
		}
	}
}

func (r *Runtime) checkTasks(ctx context.Context) {
	metrics.SchedulerTicksTotal.Inc()

	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()

	paused := 0
	for _, task := range tasks {
		state, err := r.store.LoadTaskState(ctx, task.ID)
		if err != nil {
			log.Error("load task state for %s: %v", task.ID, err)
			continue
		}
		if state.IsPaused {
			paused++
			continue
		}
		check := task.Schedule.Check(state.LastRun)
		if check.NextRun != nil {
			if err := r.store.UpdateNextRun(ctx, task.ID, *check.NextRun); err != nil {
				log.Error("update next_run for %s: %v", task.ID, err)
			}
		}
		if !check.ShouldRun {
			continue
		}
		r.spawn(ctx, task)
	}
	metrics.SchedulerTasksPaused.Set(float64(paused))
}

func (r *Runtime) spawn(ctx context.Context, task *Task) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		r.execute(ctx, task)
	}()
}

func (r *Runtime) execute(ctx context.Context, task *Task) {
	now := time.Now()
	if err := r.store.RecordAttempt(ctx, task.ID, now); err != nil {
		log.Error("record attempt for %s: %v", task.ID, err)
	}

	breaker := NewCircuitBreaker(r.store, task.Breaker)
	runErr := task.Run(ctx)
	if runErr != nil {
		metrics.SchedulerFiresTotal.WithLabelValues(task.ID, "failure").Inc()
		log.Error("task %s failed: %v", task.ID, runErr)
		if paused, err := breaker.OnFailure(ctx, task.ID); err != nil {
			log.Error("circuit breaker for %s: %v", task.ID, err)
		} else if paused {
			log.Warn("task %s auto-paused after repeated failures", task.ID)
		}
		return
	}
	metrics.SchedulerFiresTotal.WithLabelValues(task.ID, "success").Inc()
	if err := breaker.OnSuccess(ctx, task.ID); err != nil {
		log.Error("reset circuit breaker for %s: %v", task.ID, err)
	}
}
