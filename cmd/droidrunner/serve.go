package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/droidrunner/internal/api"
	"github.com/aristath/droidrunner/internal/backend"
	"github.com/aristath/droidrunner/internal/catalog"
	"github.com/aristath/droidrunner/internal/config"
	"github.com/aristath/droidrunner/internal/events"
	"github.com/aristath/droidrunner/internal/persistence"
	"github.com/aristath/droidrunner/internal/scheduler"
	"github.com/aristath/droidrunner/internal/telemetry"
	"github.com/aristath/droidrunner/internal/tui"
)

// shutdownTimeout bounds how long serve waits for droid processes to exit.
const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.runtime()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), rt)
		},
	}
	cmd.Flags().String(config.KeyListen, a.v.GetString(config.KeyListen), "HTTP listen address")
	cmd.Flags().Bool(config.KeyTUI, a.v.GetBool(config.KeyTUI), "Show the terminal UI")
	_ = a.v.BindPFlag(config.KeyListen, cmd.Flags().Lookup(config.KeyListen))
	_ = a.v.BindPFlag(config.KeyTUI, cmd.Flags().Lookup(config.KeyTUI))
	return cmd
}

// settingsStore is the part of the store consulted when layering config.
type settingsStore interface {
	LoadSchedulerConfig(ctx context.Context) (config.SchedulerConfig, bool, error)
}

// baseConfig returns the defaults with the persisted scheduler policy applied.
func baseConfig(ctx context.Context, store settingsStore, logger *slog.Logger) *config.Config {
	cfg := config.DefaultConfig()
	stored, found, err := store.LoadSchedulerConfig(ctx)
	switch {
	case err != nil:
		logger.Warn("stored scheduler config unreadable, using defaults", "error", err)
	case found:
		cfg.Scheduler = stored
	}
	return cfg
}

// loadConfig layers defaults, the stored policy, the global file and the
// project file, in increasing precedence.
func loadConfig(ctx context.Context, store settingsStore, rt config.Runtime, logger *slog.Logger) (*config.Config, error) {
	return config.LoadOnto(baseConfig(ctx, store, logger), rt.GlobalConfig, rt.ProjectConfig)
}

func runServe(ctx context.Context, rt config.Runtime) error {
	if err := os.MkdirAll(rt.LogDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// The TUI owns the terminal, so the system log only goes to the file then.
	var console io.Writer = os.Stderr
	if rt.TUI {
		console = nil
	}
	logger, logFile, err := telemetry.NewLogger(rt.DataDir, rt.LogLevel, console)
	if err != nil {
		return fmt.Errorf("failed to open system log: %w", err)
	}
	defer logFile.Close()

	store, err := persistence.NewSQLiteStore(ctx, rt.DatabasePath(), rt.LogDir())
	if err != nil {
		return err
	}
	defer store.Close()

	cfg, err := loadConfig(ctx, store, rt, logger)
	if err != nil {
		return err
	}

	cat := catalog.New(store, logger)
	supervisor := backend.NewSupervisor(cfg.Executable.KillGrace.Std(), logger)

	bus := events.NewEventBus()
	defer bus.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "droidrunner_events_dropped_total",
			Help: "Events dropped because a subscriber was not keeping up.",
		}, func() float64 { return float64(bus.Dropped()) }),
	)

	sched, err := scheduler.New(scheduler.Options{
		Store:      store,
		Runner:     supervisor,
		Projects:   cat,
		Droids:     cat,
		Notifier:   events.NewBusNotifier(bus),
		Config:     cfg.Scheduler,
		Executable: cfg.Executable,
		Metrics:    scheduler.MustNewMetrics(reg),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	server, err := api.NewServer(api.Options{
		Scheduler: sched,
		Catalog:   cat,
		Output:    store,
		Bus:       bus,
		Gatherer:  reg,
		Logger:    logger,
		CORS:      true,
	})
	if err != nil {
		return err
	}

	watcher := config.NewWatcher(rt.GlobalConfig, rt.ProjectConfig,
		func() *config.Config { return baseConfig(context.Background(), store, logger) },
		func(c *config.Config) {
			if err := sched.UpdateConfig(context.Background(), c.Scheduler); err != nil {
				logger.Warn("reloaded config not applied", "error", err)
			}
		},
		logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config files not watched", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return server.ListenAndServe(gctx, rt.Listen)
	})

	if rt.TUI {
		g.Go(func() error {
			// Quitting the TUI stops the server too.
			defer cancel()
			p := tea.NewProgram(tui.New(tui.Options{
				Controller:  sched,
				Catalog:     cat,
				Bus:         bus,
				Config:      cfg,
				GlobalPath:  rt.GlobalConfig,
				ProjectPath: rt.ProjectConfig,
			}), tea.WithAltScreen(), tea.WithContext(gctx))
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("TUI error: %w", err)
			}
			return nil
		})
	}

	runErr := g.Wait()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}
