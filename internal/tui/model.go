package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/droidrunner/internal/config"
	"github.com/aristath/droidrunner/internal/events"
	"github.com/aristath/droidrunner/internal/scheduler"
)

// Controller is the scheduler surface the TUI drives.
// *scheduler.Scheduler implements it.
type Controller interface {
	CreateTask(ctx context.Context, req scheduler.CreateTaskRequest) (*scheduler.Task, error)
	CancelTask(ctx context.Context, id string) error
	RetryTask(ctx context.Context, id string) (*scheduler.Task, error)
	PendingTasks(ctx context.Context) ([]*scheduler.Task, error)
	HistoryTasks(ctx context.Context) ([]*scheduler.Task, error)
	AgentStates(ctx context.Context) ([]*scheduler.AgentRunState, error)
	Pause()
	Resume(ctx context.Context)
	IsPaused() bool
	Config() config.SchedulerConfig
	UpdateConfig(ctx context.Context, cfg config.SchedulerConfig) error
}

// Catalog lists the choices offered by the new-task form.
type Catalog interface {
	Projects(ctx context.Context) ([]scheduler.Project, error)
	Droids(ctx context.Context) ([]scheduler.AgentDefinition, error)
}

// Options configures the TUI.
type Options struct {
	Controller  Controller
	Catalog     Catalog
	Bus         *events.EventBus
	Config      *config.Config // Written by the settings form
	GlobalPath  string
	ProjectPath string
}

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneDroids
)

const paneCount = 2

// snapshotMsg is the full state read from the scheduler.
type snapshotMsg struct {
	tasks  []*scheduler.Task
	agents []*scheduler.AgentRunState
	paused bool
	err    error
}

// agentsMsg refreshes the droid list.
type agentsMsg struct {
	agents []*scheduler.AgentRunState
	err    error
}

// catalogMsg opens the new-task form with the current catalog.
type catalogMsg struct {
	projects []scheduler.Project
	droids   []scheduler.AgentDefinition
	err      error
}

// resultMsg reports the outcome of a user action in the status line.
type resultMsg struct {
	info string
	err  error
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	ctrl         Controller
	catalog      Catalog
	taskPane     TaskPaneModel
	droidPane    DroidPaneModel
	settingsPane SettingsPaneModel
	submitForm   SubmitFormModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	paused       bool
	status       resultMsg

	config            *config.Config
	globalConfigPath  string
	projectConfigPath string
}

// New creates a new TUI model.
// It subscribes to all events from the event bus using SubscribeAll.
func New(opts Options) Model {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return Model{
		ctrl:              opts.Controller,
		catalog:           opts.Catalog,
		taskPane:          NewTaskPaneModel(),
		droidPane:         NewDroidPaneModel(),
		settingsPane:      NewSettingsPaneModel(opts.Controller.Config()),
		submitForm:        NewSubmitFormModel(),
		focusedPane:       PaneTasks,
		eventSub:          opts.Bus.SubscribeAll(256),
		config:            cfg,
		globalConfigPath:  opts.GlobalPath,
		projectConfigPath: opts.ProjectPath,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), m.loadSnapshot())
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

func (m Model) loadSnapshot() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx := context.Background()
		pending, err := ctrl.PendingTasks(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		history, err := ctrl.HistoryTasks(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		agents, err := ctrl.AgentStates(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{tasks: append(history, pending...), agents: agents, paused: ctrl.IsPaused()}
	}
}

func (m Model) loadAgents() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		agents, err := ctrl.AgentStates(context.Background())
		return agentsMsg{agents: agents, err: err}
	}
}

func (m Model) loadCatalog() tea.Cmd {
	cat := m.catalog
	if cat == nil {
		return func() tea.Msg { return catalogMsg{err: fmt.Errorf("no catalog available")} }
	}
	return func() tea.Msg {
		ctx := context.Background()
		projects, err := cat.Projects(ctx)
		if err != nil {
			return catalogMsg{err: err}
		}
		droids, err := cat.Droids(ctx)
		return catalogMsg{projects: projects, droids: droids, err: err}
	}
}

// action runs fn off the update loop and reports its outcome.
func action(info string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			return resultMsg{err: err}
		}
		return resultMsg{info: info}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Open overlays take every key (modal behavior)
		if m.settingsPane.IsVisible() {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			return m, cmd
		}
		if m.submitForm.IsVisible() {
			var cmd tea.Cmd
			m.submitForm, cmd = m.submitForm.Update(msg)
			return m, cmd
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)
		m.submitForm.SetSize(msg.Width, msg.Height)

	case snapshotMsg:
		if msg.err != nil {
			m.status = resultMsg{err: fmt.Errorf("loading state: %w", msg.err)}
			break
		}
		m.taskPane.Load(msg.tasks)
		m.droidPane.SetAgents(msg.agents)
		m.paused = msg.paused
		m.droidPane.SetPaused(msg.paused)

	case agentsMsg:
		if msg.err == nil {
			m.droidPane.SetAgents(msg.agents)
		}

	case catalogMsg:
		if msg.err != nil {
			m.status = resultMsg{err: msg.err}
			break
		}
		if err := m.submitForm.Show(msg.projects, msg.droids, m.ctrl.Config().DefaultAutoLevel); err != nil {
			m.status = resultMsg{err: err}
			break
		}
		cmds = append(cmds, m.submitForm.Init())

	case submitTaskMsg:
		ctrl, req := m.ctrl, msg.req
		cmds = append(cmds, action("task submitted", func(ctx context.Context) error {
			_, err := ctrl.CreateTask(ctx, req)
			return err
		}))

	case settingsSubmittedMsg:
		cmds = append(cmds, m.saveSettings(msg))

	case resultMsg:
		m.status = msg

	case events.TaskCreatedEvent, events.TaskStatusEvent, events.TaskOutputEvent:
		// Forward task events to task pane
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		// Also wait for next event
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.AgentStatusEvent:
		var cmd tea.Cmd
		m.droidPane, cmd = m.droidPane.Update(msg)
		// Counts change with status; reload them
		cmds = append(cmds, cmd, m.loadAgents(), waitForEvent(m.eventSub))

	case events.PausedEvent:
		m.paused = msg.Paused
		var cmd tea.Cmd
		m.droidPane, cmd = m.droidPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	default:
		// Debounce ticks and form internals
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		if m.settingsPane.IsVisible() {
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
		if m.submitForm.IsVisible() {
			m.submitForm, cmd = m.submitForm.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	m.droidPane.SetCounts(m.taskPane.Counts())
	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit, KeyCtrlC:
		m.quitting = true
		return m, tea.Quit

	case KeySettings:
		m.settingsPane.Show(m.ctrl.Config())
		return m, m.settingsPane.Init()

	case KeyNewTask:
		return m, m.loadCatalog()

	case KeyRefresh:
		return m, m.loadSnapshot()

	case KeyPause:
		ctrl := m.ctrl
		if m.paused {
			return m, action("scheduler resumed", func(ctx context.Context) error {
				ctrl.Resume(ctx)
				return nil
			})
		}
		return m, action("scheduler paused", func(context.Context) error {
			ctrl.Pause()
			return nil
		})

	case KeyCancel:
		task, ok := m.taskPane.SelectedTask()
		if !ok {
			return m, nil
		}
		if task.Status.Terminal() {
			m.status = resultMsg{err: fmt.Errorf("task %s is already %s", task.Name, task.Status)}
			return m, nil
		}
		ctrl, id := m.ctrl, task.TaskID
		return m, action("cancelled "+task.Name, func(ctx context.Context) error {
			return ctrl.CancelTask(ctx, id)
		})

	case KeyRetry:
		task, ok := m.taskPane.SelectedTask()
		if !ok {
			return m, nil
		}
		ctrl, id := m.ctrl, task.TaskID
		return m, action("resubmitted "+task.Name, func(ctx context.Context) error {
			_, err := ctrl.RetryTask(ctx, id)
			return err
		})

	case KeyTab:
		m.focusedPane = (m.focusedPane + 1) % paneCount
		m.updateFocusStates()

	case KeyShiftTab:
		m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
		m.updateFocusStates()

	case KeyPane1:
		m.focusedPane = PaneTasks
		m.updateFocusStates()

	case KeyPane2:
		m.focusedPane = PaneDroids
		m.updateFocusStates()

	default:
		// Delegate to focused pane
		var cmd tea.Cmd
		switch m.focusedPane {
		case PaneTasks:
			m.taskPane, cmd = m.taskPane.Update(msg)
		case PaneDroids:
			m.droidPane, cmd = m.droidPane.Update(msg)
		}
		return m, cmd
	}
	return m, nil
}

// saveSettings applies the new policy to the scheduler, then writes it to the
// chosen config file.
func (m Model) saveSettings(msg settingsSubmittedMsg) tea.Cmd {
	ctrl := m.ctrl
	file := *m.config
	file.Scheduler = msg.cfg
	path := m.globalConfigPath
	if msg.target == SaveProject {
		path = m.projectConfigPath
	}
	return action("settings saved to "+path, func(ctx context.Context) error {
		if err := ctrl.UpdateConfig(ctx, msg.cfg); err != nil {
			return err
		}
		return config.Save(&file, path)
	})
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	// Overlays render full-screen
	if m.settingsPane.IsVisible() {
		return m.settingsPane.View()
	}
	if m.submitForm.IsVisible() {
		return m.submitForm.View()
	}

	mainContent := lipgloss.JoinVertical(lipgloss.Left, m.taskPane.View(), m.droidPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, m.statusLine(), HelpView())
}

func (m Model) statusLine() string {
	switch {
	case m.status.err != nil:
		return StyleError.Render("✗ " + m.status.err.Error())
	case m.status.info != "":
		return StyleInfo.Render("✓ " + m.status.info)
	}
	return ""
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	availableHeight := m.height - 2 // status line and help bar
	taskHeight := (availableHeight * 70) / 100
	droidHeight := availableHeight - taskHeight

	m.taskPane.SetSize(m.width, taskHeight)
	m.droidPane.SetSize(m.width, droidHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.droidPane.SetFocused(m.focusedPane == PaneDroids)
}
