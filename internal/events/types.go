package events

import (
	"time"

	"github.com/aristath/droidrunner/internal/backend"
	"github.com/aristath/droidrunner/internal/scheduler"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask      = "task"
	TopicAgent     = "agent"
	TopicScheduler = "scheduler"
)

// Event type constants
const (
	EventTypeTaskCreated     = "task.created"
	EventTypeTaskStatus      = "task.status"
	EventTypeTaskOutput      = "task.output"
	EventTypeAgentStatus     = "agent.status"
	EventTypeSchedulerPaused = "scheduler.paused"
)

// TaskCreatedEvent is published when a task is submitted. Task is a copy.
type TaskCreatedEvent struct {
	Task      *scheduler.Task
	Timestamp time.Time
}

func (e TaskCreatedEvent) EventType() string { return EventTypeTaskCreated }
func (e TaskCreatedEvent) TaskID() string    { return e.Task.ID }

// TaskStatusEvent is published on every task status change.
type TaskStatusEvent struct {
	ID        string
	Status    scheduler.TaskStatus
	Error     string
	Timestamp time.Time
}

func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) TaskID() string    { return e.ID }

// TaskOutputEvent carries one streamed event from a task's droid process.
type TaskOutputEvent struct {
	ID        string
	Event     backend.StreamEvent
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// AgentStatusEvent is published when a droid becomes idle or busy.
type AgentStatusEvent struct {
	AgentID   string
	Status    scheduler.AgentStatus
	Timestamp time.Time
}

func (e AgentStatusEvent) EventType() string { return EventTypeAgentStatus }
func (e AgentStatusEvent) TaskID() string    { return "" }

// PausedEvent is published when admissions are paused or resumed.
type PausedEvent struct {
	Paused    bool
	Timestamp time.Time
}

func (e PausedEvent) EventType() string { return EventTypeSchedulerPaused }
func (e PausedEvent) TaskID() string    { return "" }
