package scheduler

import (
	"context"
	"fmt"
	"slices"
)

// snapshot is one loaded copy of the pending tasks and droid run states.
// Changes are made in memory and written back by commit.
type snapshot struct {
	pending  []*Task
	agents   []*AgentRunState
	finished []*Task          // Appended to history on commit
	notes    []func(Notifier) // Delivered after commit
}

func (s *Scheduler) loadSnapshot(ctx context.Context) (*snapshot, error) {
	pending, err := s.store.LoadPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending tasks: %w", err)
	}
	agents, err := s.store.LoadAgentStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent states: %w", err)
	}
	return &snapshot{pending: pending, agents: agents}, nil
}

func (st *snapshot) task(id string) *Task {
	for _, t := range st.pending {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (st *snapshot) removeTask(id string) {
	st.pending = slices.DeleteFunc(st.pending, func(t *Task) bool { return t.ID == id })
}

func (st *snapshot) notify(fn func(Notifier)) {
	st.notes = append(st.notes, fn)
}

// runningFor counts running tasks for a droid.
func (st *snapshot) runningFor(droidID string) int {
	n := 0
	for _, t := range st.pending {
		if t.DroidID == droidID && t.Status == TaskRunning {
			n++
		}
	}
	return n
}

func (st *snapshot) waitingCount() int {
	n := 0
	for _, t := range st.pending {
		if t.Status.Waiting() {
			n++
		}
	}
	return n
}

// agent returns the run state for droidID, creating it from the agent
// catalog on first reference.
func (s *Scheduler) agent(ctx context.Context, st *snapshot, droidID string) *AgentRunState {
	for _, a := range st.agents {
		if a.ID == droidID {
			return a
		}
	}

	a := &AgentRunState{
		ID:            droidID,
		Name:          droidID,
		Scope:         ScopeGlobal,
		Status:        AgentIdle,
		QueuedTaskIDs: []string{},
	}
	if def, ok := s.droids.ResolveAgent(ctx, droidID); ok {
		if def.Name != "" {
			a.Name = def.Name
		}
		a.SourcePath = def.SourcePath
		if def.Scope != "" {
			a.Scope = def.Scope
		}
	}
	st.agents = append(st.agents, a)
	return a
}

// setAgentStatus updates the agent and queues a notification when it changed.
func (st *snapshot) setAgentStatus(a *AgentRunState, status AgentStatus, currentTaskID string) {
	changed := a.Status != status
	a.Status = status
	a.CurrentTaskID = currentTaskID
	if changed {
		id := a.ID
		st.notify(func(n Notifier) { n.AgentStatus(id, status) })
	}
}

// releaseAgent returns the droid to idle unless another of its tasks is still running.
func (st *snapshot) releaseAgent(a *AgentRunState, taskID string) {
	for _, t := range st.pending {
		if t.DroidID == a.ID && t.Status == TaskRunning && t.ID != taskID {
			st.setAgentStatus(a, AgentRunning, t.ID)
			return
		}
	}
	st.setAgentStatus(a, AgentIdle, "")
}

func dequeue(a *AgentRunState, taskID string) {
	a.QueuedTaskIDs = slices.DeleteFunc(a.QueuedTaskIDs, func(id string) bool { return id == taskID })
}

func enqueue(a *AgentRunState, taskID string) {
	if !slices.Contains(a.QueuedTaskIDs, taskID) {
		a.QueuedTaskIDs = append(a.QueuedTaskIDs, taskID)
	}
}

// commit writes the snapshot back. History is written first so a partial
// commit can duplicate a finished task but never lose it.
func (s *Scheduler) commit(ctx context.Context, st *snapshot) error {
	if len(st.finished) > 0 {
		history, err := s.store.LoadHistory(ctx)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		history = append(history, st.finished...)
		if err := s.store.SaveHistory(ctx, history); err != nil {
			return fmt.Errorf("failed to save history: %w", err)
		}
		st.finished = nil
	}
	if err := s.store.SavePending(ctx, st.pending); err != nil {
		return fmt.Errorf("failed to save pending tasks: %w", err)
	}
	if err := s.store.SaveAgentStates(ctx, st.agents); err != nil {
		return fmt.Errorf("failed to save agent states: %w", err)
	}
	s.metrics.setQueue(s.runner.Count(), st.waitingCount())
	return nil
}

// deliver sends the queued notifications in order.
func (s *Scheduler) deliver(st *snapshot) {
	for _, fn := range st.notes {
		fn(s.notifier)
	}
	st.notes = nil
}

// commitAndDeliver commits the snapshot, logs a failed commit, and delivers
// notifications either way: the processes they describe already exist.
func (s *Scheduler) commitAndDeliver(ctx context.Context, st *snapshot, op string) error {
	err := s.commit(ctx, st)
	if err != nil {
		s.logger.Error("failed to persist scheduler state", "op", op, "error", err)
	}
	s.deliver(st)
	return err
}
