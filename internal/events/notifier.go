package events

import (
	"time"

	"github.com/aristath/droidrunner/internal/backend"
	"github.com/aristath/droidrunner/internal/scheduler"
)

var _ scheduler.Notifier = (*BusNotifier)(nil)

// BusNotifier publishes scheduler notifications on an EventBus.
type BusNotifier struct {
	bus *EventBus
	now func() time.Time
}

// NewBusNotifier creates a notifier that publishes to bus.
func NewBusNotifier(bus *EventBus) *BusNotifier {
	return &BusNotifier{bus: bus, now: time.Now}
}

func (n *BusNotifier) TaskCreated(task *scheduler.Task) {
	n.bus.Publish(TopicTask, TaskCreatedEvent{Task: task, Timestamp: n.now()})
}

func (n *BusNotifier) TaskStatus(taskID string, status scheduler.TaskStatus, errMsg string) {
	n.bus.Publish(TopicTask, TaskStatusEvent{ID: taskID, Status: status, Error: errMsg, Timestamp: n.now()})
}

func (n *BusNotifier) TaskOutput(taskID string, ev backend.StreamEvent) {
	n.bus.Publish(TopicTask, TaskOutputEvent{ID: taskID, Event: ev, Timestamp: n.now()})
}

func (n *BusNotifier) AgentStatus(agentID string, status scheduler.AgentStatus) {
	n.bus.Publish(TopicAgent, AgentStatusEvent{AgentID: agentID, Status: status, Timestamp: n.now()})
}

func (n *BusNotifier) Paused(paused bool) {
	n.bus.Publish(TopicScheduler, PausedEvent{Paused: paused, Timestamp: n.now()})
}
