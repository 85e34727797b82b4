// Package api serves the scheduler, catalog and live event stream over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/droidrunner/internal/config"
	"github.com/aristath/droidrunner/internal/events"
	"github.com/aristath/droidrunner/internal/scheduler"
)

// Scheduler is the part of *scheduler.Scheduler the API drives.
type Scheduler interface {
	CreateTask(ctx context.Context, req scheduler.CreateTaskRequest) (*scheduler.Task, error)
	CancelTask(ctx context.Context, id string) error
	RetryTask(ctx context.Context, id string) (*scheduler.Task, error)
	Task(ctx context.Context, id string) (*scheduler.Task, error)
	PendingTasks(ctx context.Context) ([]*scheduler.Task, error)
	HistoryTasks(ctx context.Context) ([]*scheduler.Task, error)
	AgentStates(ctx context.Context) ([]*scheduler.AgentRunState, error)
	Pause()
	Resume(ctx context.Context)
	IsPaused() bool
	Config() config.SchedulerConfig
	UpdateConfig(ctx context.Context, cfg config.SchedulerConfig) error
	RunningCount() int
}

// Catalog is the project and droid registry. *catalog.Catalog implements it.
type Catalog interface {
	Projects(ctx context.Context) ([]scheduler.Project, error)
	AddProject(ctx context.Context, p scheduler.Project) (scheduler.Project, error)
	Droids(ctx context.Context) ([]scheduler.AgentDefinition, error)
	AddDroid(ctx context.Context, d scheduler.AgentDefinition) (scheduler.AgentDefinition, error)
	ImportDroidFile(ctx context.Context, path string, scope scheduler.AgentScope) (scheduler.AgentDefinition, error)
	ImportDroidDir(ctx context.Context, dir string, scope scheduler.AgentScope) ([]scheduler.AgentDefinition, error)
}

// OutputReader reads the persisted output of a task. *persistence.SQLiteStore
// implements it.
type OutputReader interface {
	ReadOutput(taskID string) ([]string, error)
}

// Options configures a Server. Scheduler and Catalog are required.
type Options struct {
	Scheduler Scheduler
	Catalog   Catalog
	Output    OutputReader        // Optional; output falls back to the task record
	Bus       *events.EventBus    // Optional; /api/events is not served without it
	Gatherer  prometheus.Gatherer // Optional; /metrics is not served without it
	Logger    *slog.Logger
	CORS      bool
	Heartbeat time.Duration // SSE keep-alive period, defaults to 30s
}

// Server is the HTTP front end.
type Server struct {
	sched     Scheduler
	catalog   Catalog
	output    OutputReader
	bus       *events.EventBus
	logger    *slog.Logger
	heartbeat time.Duration
	engine    *gin.Engine
}

// NewServer builds the router.
func NewServer(opts Options) (*Server, error) {
	if opts.Scheduler == nil || opts.Catalog == nil {
		return nil, errors.New("api: scheduler and catalog are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sched:     opts.Scheduler,
		catalog:   opts.Catalog,
		output:    opts.Output,
		bus:       opts.Bus,
		logger:    logger.With("component", "api"),
		heartbeat: opts.Heartbeat,
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 30 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	if opts.CORS {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
		r.Use(cors.New(corsCfg))
	}

	r.GET("/healthz", s.handleHealth)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.GET("/tasks", s.handleListTasks)
	api.POST("/tasks", s.handleCreateTask)
	api.GET("/tasks/:id", s.handleGetTask)
	api.DELETE("/tasks/:id", s.handleCancelTask)
	api.GET("/tasks/:id/output", s.handleTaskOutput)
	api.POST("/tasks/:id/retry", s.handleRetryTask)
	api.GET("/history", s.handleHistory)

	api.GET("/agents", s.handleAgents)
	api.GET("/scheduler", s.handleSchedulerStatus)
	api.POST("/scheduler/pause", s.handlePause)
	api.POST("/scheduler/resume", s.handleResume)
	api.PUT("/scheduler/config", s.handleUpdateConfig)

	api.GET("/projects", s.handleListProjects)
	api.POST("/projects", s.handleAddProject)
	api.GET("/droids", s.handleListDroids)
	api.POST("/droids", s.handleAddDroid)
	api.POST("/droids/import", s.handleImportDroid)

	if s.bus != nil {
		api.GET("/events", s.handleEvents)
	}

	s.engine = r
	return s, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed", append(attrs, "error", c.Errors.String())...)
			return
		}
		s.logger.Debug("request", attrs...)
	}
}
