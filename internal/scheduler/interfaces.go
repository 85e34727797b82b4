package scheduler

import (
	"context"
	"errors"

	"github.com/aristath/droidrunner/internal/backend"
	"github.com/aristath/droidrunner/internal/config"
)

var (
	// ErrTaskNotFound is returned when no pending or history task has the id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotRetryable is returned by RetryTask for tasks that did not fail.
	ErrNotRetryable = errors.New("task is not retryable")
	// ErrInvalidTask is returned by CreateTask for malformed requests.
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidConfig is returned by UpdateConfig for an unusable policy.
	ErrInvalidConfig = errors.New("invalid scheduler config")
)

// Store is the durable state the scheduler reads and writes. Every Save
// replaces the whole collection.
type Store interface {
	LoadPending(ctx context.Context) ([]*Task, error)
	SavePending(ctx context.Context, tasks []*Task) error
	LoadHistory(ctx context.Context) ([]*Task, error)
	SaveHistory(ctx context.Context, tasks []*Task) error
	LoadAgentStates(ctx context.Context) ([]*AgentRunState, error)
	SaveAgentStates(ctx context.Context, states []*AgentRunState) error
	SaveSchedulerConfig(ctx context.Context, cfg config.SchedulerConfig) error

	AppendOutput(taskID, line string) error
	AppendEvent(taskID string, record []byte) error
}

// ProcessRunner starts and stops droid processes. backend.Supervisor
// implements it.
type ProcessRunner interface {
	Spawn(spec backend.SpawnSpec, h backend.Handlers) (int, error)
	Kill(taskID string) bool
	KillAll() error
	Count() int
	IsTracked(taskID string) bool
}

// ProjectCatalog resolves a project id to its working directory.
type ProjectCatalog interface {
	ResolveProject(ctx context.Context, id string) (path string, ok bool)
}

// AgentCatalog resolves a droid id to its definition.
type AgentCatalog interface {
	ResolveAgent(ctx context.Context, id string) (AgentDefinition, bool)
}

// Notifier receives scheduler events for display. Implementations must not block.
type Notifier interface {
	TaskCreated(task *Task)
	TaskStatus(taskID string, status TaskStatus, errMsg string)
	TaskOutput(taskID string, ev backend.StreamEvent)
	AgentStatus(agentID string, status AgentStatus)
	Paused(paused bool)
}

type nopNotifier struct{}

func (nopNotifier) TaskCreated(*Task)                      {}
func (nopNotifier) TaskStatus(string, TaskStatus, string)  {}
func (nopNotifier) TaskOutput(string, backend.StreamEvent) {}
func (nopNotifier) AgentStatus(string, AgentStatus)        {}
func (nopNotifier) Paused(bool)                            {}
