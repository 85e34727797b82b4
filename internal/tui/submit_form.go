package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/droidrunner/internal/config"
	"github.com/aristath/droidrunner/internal/scheduler"
)

// submitTaskMsg carries a completed new-task form to the root model.
type submitTaskMsg struct {
	req scheduler.CreateTaskRequest
}

type submitFields struct {
	projectID string
	droidID   string
	prompt    string
	name      string
	priority  string
	autoLevel string
}

// SubmitFormModel is the new-task form overlay.
type SubmitFormModel struct {
	form    *huh.Form
	f       *submitFields
	width   int
	height  int
	visible bool
}

// NewSubmitFormModel creates a hidden new-task form.
func NewSubmitFormModel() SubmitFormModel {
	return SubmitFormModel{f: &submitFields{}}
}

func validatePriority(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 10 {
		return errors.New("priority must be between 1 and 10")
	}
	return nil
}

func validatePrompt(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("prompt is required")
	}
	return nil
}

// Show opens the form with the registered projects and droids as choices.
func (m *SubmitFormModel) Show(projects []scheduler.Project, droids []scheduler.AgentDefinition, defaultAutoLevel string) error {
	if len(projects) == 0 {
		return errors.New("no projects registered; run `droidrunner project add <dir>`")
	}
	if len(droids) == 0 {
		return errors.New("no droids registered; run `droidrunner droid import <file-or-dir>`")
	}

	projectOpts := make([]huh.Option[string], 0, len(projects))
	for _, p := range projects {
		projectOpts = append(projectOpts, huh.NewOption(fmt.Sprintf("%s (%s)", p.Name, p.Path), p.ID))
	}
	droidOpts := make([]huh.Option[string], 0, len(droids))
	for _, d := range droids {
		label := d.Name
		if d.Description != "" {
			label += " - " + d.Description
		}
		droidOpts = append(droidOpts, huh.NewOption(label, d.ID))
	}

	*m.f = submitFields{
		projectID: projects[0].ID,
		droidID:   droids[0].ID,
		priority:  "5",
		autoLevel: defaultAutoLevel,
	}
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Project").
				Options(projectOpts...).
				Value(&m.f.projectID),
			huh.NewSelect[string]().
				Title("Droid").
				Options(droidOpts...).
				Value(&m.f.droidID),
		),
		huh.NewGroup(
			huh.NewText().
				Title("Prompt").
				Lines(6).
				Value(&m.f.prompt).
				Validate(validatePrompt),
			huh.NewInput().
				Title("Name").
				Description("Defaults to the first line of the prompt").
				Value(&m.f.name),
			huh.NewInput().
				Title("Priority").
				Description("1-10, higher runs first").
				Value(&m.f.priority).
				Validate(validatePriority),
			huh.NewSelect[string]().
				Title("Auto Level").
				Options(huh.NewOptions(config.AutoLevelLow, config.AutoLevelMedium, config.AutoLevelHigh)...).
				Value(&m.f.autoLevel),
		),
	)
	if m.width > 0 {
		m.form = m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
	}
	m.visible = true
	return nil
}

// Request builds a task request from the form bindings.
func (m SubmitFormModel) Request() scheduler.CreateTaskRequest {
	priority, _ := strconv.Atoi(strings.TrimSpace(m.f.priority))
	return scheduler.CreateTaskRequest{
		Name:      strings.TrimSpace(m.f.name),
		Prompt:    strings.TrimSpace(m.f.prompt),
		ProjectID: m.f.projectID,
		DroidID:   m.f.droidID,
		Priority:  priority,
		AutoLevel: m.f.autoLevel,
	}
}

// Init starts the form.
func (m SubmitFormModel) Init() tea.Cmd {
	if m.form == nil {
		return nil
	}
	return m.form.Init()
}

// Update handles messages while the form is open.
func (m SubmitFormModel) Update(msg tea.Msg) (SubmitFormModel, tea.Cmd) {
	if !m.visible || m.form == nil {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		m.visible = false
		req := m.Request()
		return m, tea.Batch(cmd, func() tea.Msg { return submitTaskMsg{req: req} })
	case huh.StateAborted:
		m.visible = false
	}
	return m, cmd
}

// View renders the form.
func (m SubmitFormModel) View() string {
	if !m.visible || m.form == nil {
		return ""
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("＋ New Task")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(m.form.View()))
}

// SetSize updates the dimensions of the form.
func (m *SubmitFormModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form = m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// IsVisible returns whether the form is open.
func (m SubmitFormModel) IsVisible() bool {
	return m.visible
}
