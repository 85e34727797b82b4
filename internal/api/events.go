package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aristath/droidrunner/internal/events"
)

// eventPayload is the data line of one server-sent event.
type eventPayload struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Paused    *bool           `json:"paused,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
	Task      any             `json:"task,omitempty"`
}

func toPayload(ev events.Event) eventPayload {
	p := eventPayload{Type: ev.EventType(), TaskID: ev.TaskID()}
	switch e := ev.(type) {
	case events.TaskCreatedEvent:
		p.Timestamp = e.Timestamp
		p.Task = e.Task
	case events.TaskStatusEvent:
		p.Timestamp = e.Timestamp
		p.Status = string(e.Status)
		p.Error = e.Error
	case events.TaskOutputEvent:
		p.Timestamp = e.Timestamp
		if e.Event != nil {
			p.Kind = string(e.Event.Kind())
			p.Record = e.Event.Record()
		}
	case events.AgentStatusEvent:
		p.Timestamp = e.Timestamp
		p.AgentID = e.AgentID
		p.Status = string(e.Status)
	case events.PausedEvent:
		p.Timestamp = e.Timestamp
		paused := e.Paused
		p.Paused = &paused
	}
	return p
}

// handleEvents streams every bus event as server-sent events until the
// client disconnects or the bus closes. ?task_id= limits the stream to one
// task.
func (s *Server) handleEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	taskID := c.Query("task_id")

	sub := s.bus.SubscribeAll(0)
	defer s.bus.Unsubscribe(sub)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if taskID != "" && ev.TaskID() != taskID {
				continue
			}
			data, err := json.Marshal(toPayload(ev))
			if err != nil {
				s.logger.Error("failed to encode event", "type", ev.EventType(), "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType(), data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
