package api

import (
	"errors"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/aristath/droidrunner/internal/catalog"
	"github.com/aristath/droidrunner/internal/config"
	"github.com/aristath/droidrunner/internal/scheduler"
)

// SchedulerStatus is the body of GET /api/scheduler.
type SchedulerStatus struct {
	Paused  bool                   `json:"paused"`
	Running int                    `json:"running"`
	Pending int                    `json:"pending"`
	Config  config.SchedulerConfig `json:"config"`
}

// TaskOutput is the body of GET /api/tasks/:id/output.
type TaskOutput struct {
	TaskID string   `json:"task_id"`
	Lines  []string `json:"lines"`
}

// ImportDroidRequest is the body of POST /api/droids/import.
type ImportDroidRequest struct {
	Path  string               `json:"path"`
	Scope scheduler.AgentScope `json:"scope"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidTask),
		errors.Is(err, scheduler.ErrInvalidConfig),
		errors.Is(err, catalog.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotRetryable):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, errorBody{Error: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.sched.PendingTasks(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(tasks))
}

func (s *Server) handleHistory(c *gin.Context) {
	tasks, err := s.sched.HistoryTasks(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(tasks))
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req scheduler.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	task, err := s.sched.CreateTask(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.sched.Task(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	if err := s.sched.CancelTask(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRetryTask(c *gin.Context) {
	task, err := s.sched.RetryTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleTaskOutput(c *gin.Context) {
	task, err := s.sched.Task(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	lines := task.Output
	if s.output != nil {
		logged, err := s.output.ReadOutput(task.ID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if len(logged) > 0 {
			lines = logged
		}
	}
	c.JSON(http.StatusOK, TaskOutput{TaskID: task.ID, Lines: nonNil(lines)})
}

func (s *Server) handleAgents(c *gin.Context) {
	states, err := s.sched.AgentStates(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(states))
}

func (s *Server) handleSchedulerStatus(c *gin.Context) {
	pending, err := s.sched.PendingTasks(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	waiting := 0
	for _, t := range pending {
		if t.Status.Waiting() {
			waiting++
		}
	}
	c.JSON(http.StatusOK, SchedulerStatus{
		Paused:  s.sched.IsPaused(),
		Running: s.sched.RunningCount(),
		Pending: waiting,
		Config:  s.sched.Config(),
	})
}

func (s *Server) handlePause(c *gin.Context) {
	s.sched.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.sched.Resume(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// handleUpdateConfig decodes the body over the active config, so omitted
// fields keep their current values.
func (s *Server) handleUpdateConfig(c *gin.Context) {
	cfg := s.sched.Config()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.sched.UpdateConfig(c.Request.Context(), cfg); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.sched.Config())
}

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.catalog.Projects(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(projects))
}

func (s *Server) handleAddProject(c *gin.Context) {
	var p scheduler.Project
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, err)
		return
	}
	p, err := s.catalog.AddProject(c.Request.Context(), p)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListDroids(c *gin.Context) {
	droids, err := s.catalog.Droids(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(droids))
}

func (s *Server) handleAddDroid(c *gin.Context) {
	var d scheduler.AgentDefinition
	if err := c.ShouldBindJSON(&d); err != nil {
		badRequest(c, err)
		return
	}
	d.SourcePath = ""
	d, err := s.catalog.AddDroid(c.Request.Context(), d)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) handleImportDroid(c *gin.Context) {
	var req ImportDroidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	switch req.Scope {
	case "":
		req.Scope = scheduler.ScopeGlobal
	case scheduler.ScopeGlobal, scheduler.ScopeProject:
	default:
		c.JSON(http.StatusBadRequest, errorBody{Error: "scope must be global or project"})
		return
	}
	ctx := c.Request.Context()
	if info, err := os.Stat(req.Path); err == nil && info.IsDir() {
		droids, err := s.catalog.ImportDroidDir(ctx, req.Path, req.Scope)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, nonNil(droids))
		return
	}
	d, err := s.catalog.ImportDroidFile(ctx, req.Path, req.Scope)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, []scheduler.AgentDefinition{d})
}

// nonNil keeps empty collections encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
