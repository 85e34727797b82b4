package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/droidrunner/internal/config"
)

// Save targets for the settings form.
const (
	SaveGlobal  = "global"
	SaveProject = "project"
)

// settingsSubmittedMsg carries a completed settings form to the root model,
// which applies it to the scheduler and writes it to the chosen file.
type settingsSubmittedMsg struct {
	cfg    config.SchedulerConfig
	target string
}

// SettingsPaneModel manages the scheduler settings form overlay.
type SettingsPaneModel struct {
	form    *huh.Form
	current config.SchedulerConfig
	width   int
	height  int
	visible bool
	err     error
	f       *settingsFields // Heap-allocated so the form's bindings survive model copies
}

// settingsFields are the form field bindings (strings for Huh).
type settingsFields struct {
	saveTarget       string
	maxParallel      string
	maxPerDroid      string
	defaultAutoLevel string
	defaultModel     string
	taskTimeout      string
	watchdogInterval string
	retryOnFailure   bool
	maxRetries       string
	retryDelay       string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg config.SchedulerConfig) SettingsPaneModel {
	m := SettingsPaneModel{f: &settingsFields{saveTarget: SaveGlobal}}
	m.load(cfg)
	m.buildForm()
	return m
}

// load copies cfg into the form bindings.
func (m *SettingsPaneModel) load(cfg config.SchedulerConfig) {
	m.current = cfg
	m.f.maxParallel = strconv.Itoa(cfg.MaxParallelTasks)
	m.f.maxPerDroid = strconv.Itoa(cfg.MaxTasksPerDroid)
	m.f.defaultAutoLevel = cfg.DefaultAutoLevel
	m.f.defaultModel = cfg.DefaultModel
	m.f.taskTimeout = cfg.TaskTimeout.String()
	m.f.watchdogInterval = cfg.WatchdogInterval.String()
	m.f.retryOnFailure = cfg.RetryOnFailure
	m.f.maxRetries = strconv.Itoa(cfg.MaxRetries)
	m.f.retryDelay = cfg.RetryDelay.String()
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return fmt.Errorf("must be a whole number of at least 1")
	}
	return nil
}

func validateNonNegativeInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return fmt.Errorf("must be a whole number of at least 0")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fmt.Errorf("must be a positive duration like 30s or 15m")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Key("maxParallel").
				Title("Max Parallel Tasks").
				Value(&m.f.maxParallel).
				Validate(validatePositiveInt),

			huh.NewInput().
				Key("maxPerDroid").
				Title("Max Tasks Per Droid").
				Description("Clamped to max parallel tasks").
				Value(&m.f.maxPerDroid).
				Validate(validatePositiveInt),

			huh.NewSelect[string]().
				Key("defaultAutoLevel").
				Title("Default Auto Level").
				Options(huh.NewOptions(config.AutoLevelLow, config.AutoLevelMedium, config.AutoLevelHigh)...).
				Value(&m.f.defaultAutoLevel),

			huh.NewInput().
				Key("defaultModel").
				Title("Default Model").
				Value(&m.f.defaultModel).
				Placeholder("claude-sonnet-4-5"),
		).Title("Admission"),

		huh.NewGroup(
			huh.NewInput().
				Key("taskTimeout").
				Title("Task Timeout").
				Value(&m.f.taskTimeout).
				Validate(validateDuration),

			huh.NewInput().
				Key("watchdogInterval").
				Title("Watchdog Interval").
				Value(&m.f.watchdogInterval).
				Validate(validateDuration),

			huh.NewConfirm().
				Key("retryOnFailure").
				Title("Retry Failed Tasks").
				Value(&m.f.retryOnFailure),

			huh.NewInput().
				Key("maxRetries").
				Title("Max Retries").
				Value(&m.f.maxRetries).
				Validate(validateNonNegativeInt),

			huh.NewInput().
				Key("retryDelay").
				Title("Retry Delay").
				Value(&m.f.retryDelay).
				Validate(validateDuration),
		).Title("Timeouts and Retries"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.droidrunner/config.json)", SaveGlobal),
					huh.NewOption("Project (.droidrunner/config.json)", SaveProject),
				).
				Value(&m.f.saveTarget),
		).Title("Save Target"),
	)
	if m.width > 0 {
		m.form = m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
	}
}

// Config builds a scheduler config from the form bindings. Fields the form
// rejects keep their current value.
func (m SettingsPaneModel) Config() config.SchedulerConfig {
	cfg := m.current
	if n, err := strconv.Atoi(strings.TrimSpace(m.f.maxParallel)); err == nil {
		cfg.MaxParallelTasks = n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(m.f.maxPerDroid)); err == nil {
		cfg.MaxTasksPerDroid = n
	}
	cfg.DefaultAutoLevel = m.f.defaultAutoLevel
	cfg.DefaultModel = strings.TrimSpace(m.f.defaultModel)
	if d, err := time.ParseDuration(strings.TrimSpace(m.f.taskTimeout)); err == nil {
		cfg.TaskTimeout = config.Duration(d)
	}
	if d, err := time.ParseDuration(strings.TrimSpace(m.f.watchdogInterval)); err == nil {
		cfg.WatchdogInterval = config.Duration(d)
	}
	cfg.RetryOnFailure = m.f.retryOnFailure
	if n, err := strconv.Atoi(strings.TrimSpace(m.f.maxRetries)); err == nil {
		cfg.MaxRetries = n
	}
	if d, err := time.ParseDuration(strings.TrimSpace(m.f.retryDelay)); err == nil {
		cfg.RetryDelay = config.Duration(d)
	}
	return cfg
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		// Cancel without saving
		m.visible = false
		return m, nil
	}

	// Delegate to form
	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		cfg := m.Config()
		if err := cfg.Validate(); err != nil {
			m.err = err
			m.buildForm()
			return m, m.form.Init()
		}
		m.visible = false
		submitted := settingsSubmittedMsg{cfg: cfg, target: m.f.saveTarget}
		return m, tea.Batch(cmd, func() tea.Msg { return submitted })
	case huh.StateAborted:
		m.visible = false
	}

	return m, cmd
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	content := m.form.View()
	if m.err != nil {
		content = StyleError.Render(fmt.Sprintf("✗ %v", m.err)) + "\n\n" + content
	}

	// Wrap in styled border
	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Scheduler Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form = m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// Show opens the form pre-filled with cfg.
func (m *SettingsPaneModel) Show(cfg config.SchedulerConfig) {
	m.visible = true
	m.err = nil
	m.load(cfg)
	m.buildForm()
}

// Hide closes the form without saving.
func (m *SettingsPaneModel) Hide() {
	m.visible = false
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}
