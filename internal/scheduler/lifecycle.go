package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/aristath/droidrunner/internal/backend"
	"github.com/aristath/droidrunner/internal/config"
)

const (
	defaultPriority = 5
	minPriority     = 1
	maxPriority     = 10
	maxNameLength   = 60
)

// CreateTask validates the request, fills defaults, stores the task as
// pending and runs an admission cycle unless the scheduler is paused.
// Model falls back to the droid's model, then the configured default; tool
// lists fall back to the droid's lists.
func (s *Scheduler) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	switch {
	case req.Prompt == "":
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidTask)
	case req.ProjectID == "":
		return nil, fmt.Errorf("%w: project_id is required", ErrInvalidTask)
	case req.DroidID == "":
		return nil, fmt.Errorf("%w: droid_id is required", ErrInvalidTask)
	}
	if req.Priority == 0 {
		req.Priority = defaultPriority
	}
	if req.Priority < minPriority || req.Priority > maxPriority {
		return nil, fmt.Errorf("%w: priority must be between %d and %d, got %d", ErrInvalidTask, minPriority, maxPriority, req.Priority)
	}
	if req.AutoLevel != "" && !config.ValidAutoLevel(req.AutoLevel) {
		return nil, fmt.Errorf("%w: auto_level must be low, medium or high, got %q", ErrInvalidTask, req.AutoLevel)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	def, _ := s.droids.ResolveAgent(ctx, req.DroidID)
	task := &Task{
		ID:            uuid.NewString(),
		Name:          cmp.Or(strings.TrimSpace(req.Name), deriveName(req.Prompt)),
		Prompt:        req.Prompt,
		ProjectID:     req.ProjectID,
		DroidID:       req.DroidID,
		Priority:      req.Priority,
		AutoLevel:     cmp.Or(req.AutoLevel, s.cfg.DefaultAutoLevel),
		Model:         cmp.Or(req.Model, def.Model, s.cfg.DefaultModel),
		EnabledTools:  firstNonEmpty(req.EnabledTools, def.EnabledTools),
		DisabledTools: firstNonEmpty(req.DisabledTools, def.DisabledTools),
		Status:        TaskPending,
		CreatedAt:     s.now(),
	}

	st, err := s.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	st.pending = append(st.pending, task)
	enqueue(s.agent(ctx, st, task.DroidID), task.ID)

	if err := s.commit(ctx, st); err != nil {
		return nil, err
	}
	created := task.Clone()
	s.notifier.TaskCreated(created)
	s.deliver(st)
	s.logger.Info("task created", "task_id", task.ID, "droid_id", task.DroidID, "priority", task.Priority)

	s.scheduleLocked(ctx)
	return created, nil
}

// CancelTask cancels a pending or running task. A running task's process is
// killed; the task is cancelled immediately without waiting for the exit.
// Cancelling a task that is no longer pending returns ErrTaskNotFound.
func (s *Scheduler) CancelTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadSnapshot(ctx)
	if err != nil {
		return err
	}
	t := st.task(id)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	s.cancelLocked(ctx, st, t, "")
	if err := s.commitAndDeliver(ctx, st, "cancel"); err != nil {
		return err
	}
	s.scheduleLocked(ctx)
	return nil
}

// RetryTask submits a new task copying a failed task's inputs. The new task
// has its own id and a zero retry count.
func (s *Scheduler) RetryTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	history, err := s.store.LoadHistory(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var old *Task
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ID == id {
			old = history[i]
			break
		}
	}
	if old == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if old.Status != TaskFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, old.Status)
	}

	return s.CreateTask(ctx, CreateTaskRequest{
		Name:      old.Name,
		Prompt:    old.Prompt,
		ProjectID: old.ProjectID,
		DroidID:   old.DroidID,
		Priority:  old.Priority,
		AutoLevel: old.AutoLevel,
		Model:     old.Model,
	})
}

// cancelLocked is the cancellation path shared by users and the watchdog.
func (s *Scheduler) cancelLocked(ctx context.Context, st *snapshot, t *Task, reason string) {
	if t.Status == TaskRunning {
		if !s.runner.Kill(t.ID) {
			s.logger.Warn("no live process to kill for running task", "task_id", t.ID)
		}
	}
	s.stopRetryTimerLocked(t.ID)
	s.finishLocked(ctx, st, t, TaskCancelled, reason)
	s.logger.Info("task cancelled", "task_id", t.ID, "reason", reason)
}

// finishLocked moves a task to a terminal status and out of pending.
func (s *Scheduler) finishLocked(ctx context.Context, st *snapshot, t *Task, status TaskStatus, errMsg string) {
	completedAt := s.now()
	wasRunning := t.Status == TaskRunning

	t.Status = status
	t.Error = errMsg
	t.CompletedAt = &completedAt
	t.RetryAt = nil
	st.removeTask(t.ID)
	st.finished = append(st.finished, t)

	agent := s.agent(ctx, st, t.DroidID)
	dequeue(agent, t.ID)
	switch status {
	case TaskCompleted:
		agent.CompletedCount++
	case TaskFailed:
		agent.FailedCount++
	}
	if wasRunning || agent.CurrentTaskID == t.ID {
		st.releaseAgent(agent, t.ID)
	}
	s.metrics.incFinished(status)

	id := t.ID
	st.notify(func(n Notifier) { n.TaskStatus(id, status, errMsg) })
}

// handleEvent records one streamed event from a task's process.
func (s *Scheduler) handleEvent(taskID string, ev backend.StreamEvent) {
	if err := s.store.AppendEvent(taskID, ev.Record()); err != nil {
		s.logger.Warn("failed to append event log", "task_id", taskID, "error", err)
	}

	switch e := ev.(type) {
	case backend.InitEvent:
		s.updatePendingTask(taskID, func(t *Task) { t.SessionID = e.SessionID })
	case backend.AssistantEvent:
		s.appendOutput(taskID, e.Text)
	case backend.RawTextEvent:
		s.appendOutput(taskID, e.Text)
	case backend.ResultEvent:
		s.updatePendingTask(taskID, func(t *Task) {
			t.Usage = &TokenUsage{InputTokens: e.Usage.InputTokens, OutputTokens: e.Usage.OutputTokens}
		})
	case backend.ErrorEvent:
		s.logger.Warn("droid reported an error", "task_id", taskID, "message", e.Message)
	}

	s.notifier.TaskOutput(taskID, ev)
}

func (s *Scheduler) appendOutput(taskID, text string) {
	if text == "" {
		return
	}
	if err := s.store.AppendOutput(taskID, text); err != nil {
		s.logger.Warn("failed to append output log", "task_id", taskID, "error", err)
	}
	s.updatePendingTask(taskID, func(t *Task) { t.Output = append(t.Output, text) })
}

// updatePendingTask applies fn to a task that is still pending and saves it.
// Events for tasks already moved to history are dropped.
func (s *Scheduler) updatePendingTask(taskID string, fn func(*Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.baseCtx
	pending, err := s.store.LoadPending(ctx)
	if err != nil {
		s.logger.Error("failed to load pending tasks", "task_id", taskID, "error", err)
		return
	}
	idx := slices.IndexFunc(pending, func(t *Task) bool { return t.ID == taskID })
	if idx < 0 {
		return
	}
	fn(pending[idx])
	if err := s.store.SavePending(ctx, pending); err != nil {
		s.logger.Error("failed to save pending tasks", "task_id", taskID, "error", err)
	}
}

// handleExit records a process exit: completion, automatic retry or failure.
// Exits of tasks that were already cancelled only trigger an admission cycle.
func (s *Scheduler) handleExit(taskID string, res backend.ExitResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Info("process exited during shutdown", "task_id", taskID, "code", res.Code, "signal", res.Signal)
		return
	}
	ctx := s.baseCtx

	st, err := s.loadSnapshot(ctx)
	if err != nil {
		s.logger.Error("failed to record process exit", "task_id", taskID, "error", err)
		return
	}
	t := st.task(taskID)
	if t == nil || t.Status != TaskRunning {
		s.metrics.setQueue(s.runner.Count(), st.waitingCount())
		s.scheduleLocked(ctx)
		return
	}

	log := s.logger.With("task_id", taskID, "droid_id", t.DroidID)
	switch {
	case res.Code == 0 && res.Signal == "" && res.Err == nil:
		s.finishLocked(ctx, st, t, TaskCompleted, "")
		log.Info("task completed")

	case s.cfg.RetryOnFailure && t.RetryCount < s.cfg.MaxRetries:
		msg := exitMessage(res)
		retryAt := s.now().Add(s.cfg.RetryDelay.Std())
		t.RetryCount++
		t.Status = TaskPending
		t.PID = 0
		t.StartedAt = nil
		t.Error = msg
		t.RetryAt = &retryAt

		agent := s.agent(ctx, st, t.DroidID)
		enqueue(agent, t.ID)
		st.releaseAgent(agent, t.ID)
		st.notify(func(n Notifier) { n.TaskStatus(taskID, TaskPending, msg) })

		s.metrics.incRetry()
		s.armRetryTimerLocked(taskID, s.cfg.RetryDelay.Std())
		log.Warn("task failed, retry scheduled", "error", msg, "retry_count", t.RetryCount, "delay", s.cfg.RetryDelay.String())

	default:
		msg := exitMessage(res)
		s.finishLocked(ctx, st, t, TaskFailed, msg)
		log.Warn("task failed", "error", msg, "retry_count", t.RetryCount)
	}

	s.commitAndDeliver(ctx, st, "exit")
	s.scheduleLocked(ctx)
}

func exitMessage(res backend.ExitResult) string {
	msg := fmt.Sprintf("process exited with code %d", res.Code)
	if res.Signal != "" {
		msg += fmt.Sprintf(" (signal %s)", res.Signal)
	}
	if res.Err != nil {
		msg += ": " + res.Err.Error()
	}
	return msg
}

// armRetryTimerLocked runs an admission cycle once delay has passed.
func (s *Scheduler) armRetryTimerLocked(taskID string, delay time.Duration) {
	s.stopRetryTimerLocked(taskID)
	s.retryTimers[taskID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.retryTimers, taskID)
		s.scheduleLocked(s.baseCtx)
	})
}

func (s *Scheduler) stopRetryTimerLocked(taskID string) {
	if timer, ok := s.retryTimers[taskID]; ok {
		timer.Stop()
		delete(s.retryTimers, taskID)
	}
}

// checkTimeouts cancels running tasks that exceeded task_timeout.
func (s *Scheduler) checkTimeouts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ctx := s.baseCtx

	st, err := s.loadSnapshot(ctx)
	if err != nil {
		s.logger.Error("watchdog check skipped", "error", err)
		return
	}

	timeout := s.cfg.TaskTimeout.Std()
	now := s.now()
	var expired []*Task
	for _, t := range st.pending {
		if t.Status == TaskRunning && t.StartedAt != nil && now.Sub(*t.StartedAt) > timeout {
			expired = append(expired, t)
		}
	}
	if len(expired) == 0 {
		return
	}

	for _, t := range expired {
		s.logger.Warn("task exceeded timeout", "task_id", t.ID, "timeout", timeout.String())
		s.cancelLocked(ctx, st, t, fmt.Sprintf("timed out after %s", timeout))
	}
	s.commitAndDeliver(ctx, st, "watchdog")
	s.scheduleLocked(ctx)
}

func deriveName(prompt string) string {
	line, _, _ := strings.Cut(prompt, "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= maxNameLength {
		return line
	}
	runes := []rune(line)
	return string(runes[:maxNameLength-3]) + "..."
}

func firstNonEmpty(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return slices.Clone(l)
		}
	}
	return nil
}
