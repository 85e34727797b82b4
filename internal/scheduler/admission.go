package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/aristath/droidrunner/internal/backend"
)

// scheduleLocked runs one admission cycle. Candidates are waiting tasks in
// priority order; equal priorities run in submission order. A candidate is
// skipped while its droid is at max_tasks_per_droid, and the cycle ends when
// the global running count reaches max_parallel_tasks.
func (s *Scheduler) scheduleLocked(ctx context.Context) {
	if s.paused || s.closed {
		return
	}

	running := s.runner.Count()
	if running >= s.cfg.MaxParallelTasks {
		return
	}

	st, err := s.loadSnapshot(ctx)
	if err != nil {
		s.logger.Error("admission cycle aborted", "error", err)
		return
	}

	now := s.now()
	candidates := make([]*Task, 0, len(st.pending))
	for _, t := range st.pending {
		if !t.Status.Waiting() {
			continue
		}
		if t.RetryAt != nil && now.Before(*t.RetryAt) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return
	}
	sortCandidates(candidates)

	admitted := 0
	for _, t := range candidates {
		if running >= s.cfg.MaxParallelTasks {
			break
		}
		if st.runningFor(t.DroidID) >= s.cfg.MaxTasksPerDroid {
			continue
		}
		if s.startLocked(ctx, st, t) {
			running++
			admitted++
		}
	}

	s.commitAndDeliver(ctx, st, "schedule")
	if admitted > 0 {
		s.logger.Debug("admission cycle", "admitted", admitted, "running", running)
	}
}

// sortCandidates orders by priority descending, then created_at, then id.
func sortCandidates(tasks []*Task) {
	slices.SortStableFunc(tasks, func(a, b *Task) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// startLocked resolves the task's project and droid and spawns its process.
// Resolution and spawn failures fail the task without consuming a retry.
func (s *Scheduler) startLocked(ctx context.Context, st *snapshot, t *Task) bool {
	log := s.logger.With("task_id", t.ID, "droid_id", t.DroidID)

	projectPath, ok := s.projects.ResolveProject(ctx, t.ProjectID)
	if !ok {
		log.Warn("project not found", "project_id", t.ProjectID)
		s.finishLocked(ctx, st, t, TaskFailed, fmt.Sprintf("project not found: %s", t.ProjectID))
		return false
	}

	def, _ := s.droids.ResolveAgent(ctx, t.DroidID)
	inv := backend.DroidInvocation{
		ExtraArgs:     s.exe.Args,
		AutoLevel:     t.AutoLevel,
		WorkDir:       projectPath,
		Model:         cmp.Or(t.Model, s.cfg.DefaultModel),
		EnabledTools:  t.EnabledTools,
		DisabledTools: t.DisabledTools,
		Prompt:        t.Prompt,
	}
	if def.Imported() {
		inv.DroidName = backend.DroidNameFromSource(def.SourcePath)
	} else {
		inv.SystemPrompt = def.SystemPrompt
	}

	startedAt := s.now()
	t.Status = TaskRunning
	t.StartedAt = &startedAt
	t.RetryAt = nil

	pid, err := s.runner.Spawn(backend.SpawnSpec{
		TaskID:  t.ID,
		Command: s.exe.Command,
		Args:    inv.Args(),
		Dir:     projectPath,
		Env:     s.exe.Env,
	}, backend.Handlers{
		OnEvent: s.handleEvent,
		OnExit:  s.handleExit,
	})
	if err != nil {
		log.Error("failed to start droid process", "error", err)
		s.metrics.incSpawnFailure()
		s.finishLocked(ctx, st, t, TaskFailed, fmt.Sprintf("failed to start process: %v", err))
		return false
	}

	t.PID = pid
	agent := s.agent(ctx, st, t.DroidID)
	dequeue(agent, t.ID)
	st.setAgentStatus(agent, AgentRunning, t.ID)

	id := t.ID
	st.notify(func(n Notifier) { n.TaskStatus(id, TaskRunning, "") })
	log.Info("task started", "pid", pid, "project_path", projectPath, "model", inv.Model)
	return true
}
