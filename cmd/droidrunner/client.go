package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/droidrunner/internal/scheduler"
)

func newSubmitCommand(a *app) *cobra.Command {
	var req scheduler.CreateTaskRequest
	cmd := &cobra.Command{
		Use:   "submit [flags] <prompt>...",
		Short: "Queue a prompt for a droid",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			req.Prompt = strings.Join(args, " ")
			task, err := c.CreateTask(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", task.ID, task.Status, task.Name)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.ProjectID, "project", "p", "", "Project ID (required)")
	f.StringVarP(&req.DroidID, "droid", "d", "", "Droid ID (required)")
	f.StringVar(&req.Name, "name", "", "Task name, defaults to the start of the prompt")
	f.IntVar(&req.Priority, "priority", 0, "Priority 1-10, higher runs first (default 5)")
	f.StringVar(&req.AutoLevel, "auto", "", "Autonomy level: low, medium or high")
	f.StringVar(&req.Model, "model", "", "Model override")
	f.StringSliceVar(&req.EnabledTools, "enable-tool", nil, "Tool to enable (repeatable)")
	f.StringSliceVar(&req.DisabledTools, "disable-tool", nil, "Tool to disable (repeatable)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("droid")
	return cmd
}

func newCancelCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.CancelTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

func newRetryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Queue a failed or cancelled task again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			task, err := c.RetryTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", task.ID, task.Status, task.Name)
			return nil
		},
	}
}

func newPauseCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop admitting new tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Pause(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "scheduler paused")
			return nil
		},
	}
}

func newResumeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume admitting tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Resume(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "scheduler resumed")
			return nil
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the scheduler state and pending tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			pending, err := c.PendingTasks(ctx)
			if err != nil {
				return err
			}
			agents, err := c.AgentStates(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			state := "running"
			if st.Paused {
				state = "paused"
			}
			fmt.Fprintf(out, "scheduler: %s  running: %d/%d  pending: %d\n\n",
				state, st.Running, st.Config.MaxParallelTasks, st.Pending)
			writeTasks(out, pending)
			if len(agents) > 0 {
				fmt.Fprintln(out)
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "DROID\tSTATUS\tQUEUED\tDONE\tFAILED")
				for _, ag := range agents {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", ag.ID, ag.Status, len(ag.QueuedTaskIDs), ag.CompletedCount, ag.FailedCount)
				}
				tw.Flush()
			}
			return nil
		},
	}
}

func newHistoryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List finished tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			tasks, err := c.HistoryTasks(cmd.Context())
			if err != nil {
				return err
			}
			writeTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
}

func newOutputCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "output <task-id>",
		Short: "Print the output a task has produced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			lines, err := c.Output(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func newProjectCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	var name string
	add := &cobra.Command{
		Use:   "add <dir>",
		Short: "Register a working directory as a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			// The server resolves paths against its own working directory.
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			p, err := c.AddProject(cmd.Context(), scheduler.Project{Name: name, Path: dir})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p.ID, p.Name, p.Path)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "Project name, defaults to the directory name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			projects, err := c.Projects(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPATH")
			for _, p := range projects {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Name, p.Path)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newDroidCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "droid",
		Short: "Manage droid definitions",
	}

	var scope string
	imp := &cobra.Command{
		Use:   "import <file-or-dir>...",
		Short: "Import droids from markdown files",
		Long:  "Import droids from markdown files. A directory imports every *.md file directly inside it.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			for _, arg := range args {
				// The server resolves paths against its own working directory.
				path, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				droids, err := c.ImportDroids(cmd.Context(), path, scheduler.AgentScope(scope))
				if err != nil {
					return fmt.Errorf("%s: %w", arg, err)
				}
				if len(droids) == 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: no droids imported\n", arg)
				}
				for _, d := range droids {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", d.ID, d.Scope, d.SourcePath)
				}
			}
			return nil
		},
	}
	imp.Flags().StringVar(&scope, "scope", string(scheduler.ScopeGlobal), "Scope: global or project")

	list := &cobra.Command{
		Use:   "list",
		Short: "List droids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			droids, err := c.Droids(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSCOPE\tMODEL\tDESCRIPTION")
			for _, d := range droids {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Scope, d.Model, d.Description)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(imp, list)
	return cmd
}

func writeTasks(w io.Writer, tasks []*scheduler.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRI\tDROID\tPROJECT\tAGE\tNAME")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Priority, t.DroidID, t.ProjectID, time.Since(t.CreatedAt).Round(time.Second), t.Name)
	}
	tw.Flush()
}
