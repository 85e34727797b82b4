package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aristath/droidrunner/internal/config"
)

// Options configures a Scheduler. Store, Runner, Projects and Droids are required.
type Options struct {
	Store      Store
	Runner     ProcessRunner
	Projects   ProjectCatalog
	Droids     AgentCatalog
	Notifier   Notifier // Defaults to a no-op notifier
	Config     config.SchedulerConfig
	Executable config.ExecutableConfig
	Metrics    *Metrics // Optional
	Logger     *slog.Logger
	Now        func() time.Time // Defaults to time.Now
}

// Scheduler admits pending tasks under the configured concurrency limits,
// follows each task's process to completion and records the outcome.
//
// All store read-modify-write sequences run under mu, including the ones
// triggered by process callbacks, so the scheduler is the single writer of
// its collections. Lock order is Scheduler.mu before the runner's own lock.
type Scheduler struct {
	mu sync.Mutex

	store    Store
	runner   ProcessRunner
	projects ProjectCatalog
	droids   AgentCatalog
	notifier Notifier
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	cfg    config.SchedulerConfig
	exe    config.ExecutableConfig
	paused bool
	closed bool

	baseCtx     context.Context // Used by process callbacks, which have no caller context
	watchdog    *Watchdog
	retryTimers map[string]*time.Timer // taskID -> pending re-admission
}

// New creates a Scheduler. The watchdog is created here but does not tick
// until Start.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil || opts.Runner == nil || opts.Projects == nil || opts.Droids == nil {
		return nil, errors.New("scheduler: store, runner, projects and droids are required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	s := &Scheduler{
		store:       opts.Store,
		runner:      opts.Runner,
		projects:    opts.Projects,
		droids:      opts.Droids,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
		cfg:         opts.Config,
		exe:         opts.Executable,
		baseCtx:     context.Background(),
		retryTimers: make(map[string]*time.Timer),
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "scheduler")
	if s.now == nil {
		s.now = time.Now
	}
	if s.exe.Command == "" {
		s.exe.Command = config.DefaultExecutableConfig().Command
	}
	if s.cfg.Normalize() {
		s.logger.Warn("max_tasks_per_droid exceeds max_parallel_tasks, clamped", "max_tasks_per_droid", s.cfg.MaxTasksPerDroid)
	}

	s.watchdog = newWatchdog(s.cfg.WatchdogInterval.Std(), s.checkTimeouts)
	return s, nil
}

// Start recovers state left by a previous run, starts the watchdog and runs
// an admission cycle. Tasks persisted as running whose process is not tracked
// go back to pending, so an interrupted task runs again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.baseCtx = context.WithoutCancel(ctx)

	st, err := s.loadSnapshot(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for _, t := range st.pending {
		if t.Status != TaskRunning || s.runner.IsTracked(t.ID) {
			continue
		}
		t.Status = TaskPending
		t.PID = 0
		t.StartedAt = nil
		enqueue(s.agent(ctx, st, t.DroidID), t.ID)
		recovered++
		s.logger.Info("recovered interrupted task", "task_id", t.ID, "droid_id", t.DroidID)
	}
	// Retry delays that were counting down when the last run stopped.
	now := s.now()
	for _, t := range st.pending {
		if t.Status.Waiting() && t.RetryAt != nil && t.RetryAt.After(now) {
			s.armRetryTimerLocked(t.ID, t.RetryAt.Sub(now))
		}
	}
	for _, a := range st.agents {
		if a.Status == AgentRunning && !s.runner.IsTracked(a.CurrentTaskID) {
			a.Status = AgentIdle
			a.CurrentTaskID = ""
		}
		a.QueuedTaskIDs = slices.DeleteFunc(a.QueuedTaskIDs, func(id string) bool { return st.task(id) == nil })
	}

	if err := s.commit(ctx, st); err != nil {
		return err
	}
	s.logger.Info("scheduler started", "pending", len(st.pending), "recovered", recovered)

	s.watchdog.Start()
	s.scheduleLocked(ctx)
	return nil
}

// Shutdown stops the watchdog and pending retries, then terminates every
// running process. Tasks interrupted this way stay running in the store and
// are recovered by the next Start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, id)
	}
	s.mu.Unlock()

	// The watchdog check takes mu, so it is stopped outside the lock.
	s.watchdog.Stop()

	done := make(chan error, 1)
	go func() { done <- s.runner.KillAll() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to stop droid processes: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops new admissions. Running tasks continue to completion.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.logger.Info("scheduler paused")
	s.notifier.Paused(true)
}

// Resume clears the pause flag and runs an admission cycle.
func (s *Scheduler) Resume(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	s.logger.Info("scheduler resumed")
	s.notifier.Paused(false)
	s.scheduleLocked(ctx)
}

// IsPaused reports whether admissions are paused.
func (s *Scheduler) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Config returns the active scheduler policy.
func (s *Scheduler) Config() config.SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig validates, applies and persists a new policy, then runs an
// admission cycle in case the limits grew.
func (s *Scheduler) UpdateConfig(ctx context.Context, cfg config.SchedulerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.Normalize() {
		s.logger.Warn("max_tasks_per_droid exceeds max_parallel_tasks, clamped", "max_tasks_per_droid", cfg.MaxTasksPerDroid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SaveSchedulerConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to persist scheduler config: %w", err)
	}
	if cfg.WatchdogInterval != s.cfg.WatchdogInterval {
		s.watchdog.Reset(cfg.WatchdogInterval.Std())
	}
	s.cfg = cfg
	s.logger.Info("scheduler config updated",
		"max_parallel_tasks", cfg.MaxParallelTasks,
		"max_tasks_per_droid", cfg.MaxTasksPerDroid,
		"task_timeout", cfg.TaskTimeout.String())

	s.scheduleLocked(ctx)
	return nil
}

// Schedule runs one admission cycle.
func (s *Scheduler) Schedule(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked(ctx)
}

// PendingTasks returns copies of every non-terminal task.
func (s *Scheduler) PendingTasks(ctx context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, err := s.store.LoadPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending tasks: %w", err)
	}
	return tasks, nil
}

// HistoryTasks returns finished tasks, oldest first.
func (s *Scheduler) HistoryTasks(ctx context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, err := s.store.LoadHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return tasks, nil
}

// Task looks a task up in pending, then history.
func (s *Scheduler) Task(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findTaskLocked(ctx, id)
}

func (s *Scheduler) findTaskLocked(ctx context.Context, id string) (*Task, error) {
	pending, err := s.store.LoadPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending tasks: %w", err)
	}
	for _, t := range pending {
		if t.ID == id {
			return t, nil
		}
	}
	history, err := s.store.LoadHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ID == id {
			return history[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// AgentStates returns the run state of every droid seen so far.
func (s *Scheduler) AgentStates(ctx context.Context) ([]*AgentRunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states, err := s.store.LoadAgentStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent states: %w", err)
	}
	return states, nil
}

// RunningCount returns the number of live droid processes.
func (s *Scheduler) RunningCount() int {
	return s.runner.Count()
}
