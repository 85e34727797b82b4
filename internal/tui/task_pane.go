package tui

import (
	"fmt"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/droidrunner/internal/backend"
	"github.com/aristath/droidrunner/internal/events"
	"github.com/aristath/droidrunner/internal/scheduler"
)

// TaskState is what the task pane knows about one task.
type TaskState struct {
	TaskID   string
	Name     string
	DroidID  string
	Priority int
	Status   scheduler.TaskStatus
	Output   []string
	Error    string
	Created  time.Time
}

// TaskPaneModel is the task list and the selected task's output viewport.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // submission order for display
	selectedIdx int                   // which task is selected in list
	viewport    viewport.Model        // scrollable output viewport
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	vp := viewport.New(0, 0)
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: vp,
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Load replaces the pane's contents with tasks read from the scheduler.
// The selection follows the previously selected task when it still exists.
func (m *TaskPaneModel) Load(tasks []*scheduler.Task) {
	selected := m.SelectedTaskID()

	m.tasks = make(map[string]*TaskState, len(tasks))
	m.taskOrder = m.taskOrder[:0]
	sorted := slices.Clone(tasks)
	slices.SortStableFunc(sorted, func(a, b *scheduler.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	for _, t := range sorted {
		if _, dup := m.tasks[t.ID]; dup {
			continue
		}
		m.tasks[t.ID] = stateFromTask(t)
		m.taskOrder = append(m.taskOrder, t.ID)
	}

	m.selectedIdx = max(0, slices.Index(m.taskOrder, selected))
	m.updateViewportContent()
}

func stateFromTask(t *scheduler.Task) *TaskState {
	s := &TaskState{
		TaskID:   t.ID,
		Name:     t.Name,
		DroidID:  t.DroidID,
		Priority: t.Priority,
		Status:   t.Status,
		Output:   slices.Clone(t.Output),
		Error:    t.Error,
		Created:  t.CreatedAt,
	}
	if s.Output == nil {
		s.Output = make([]string, 0)
	}
	return s
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			// Delegate other keys to viewport for scrolling
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskCreatedEvent:
		if msg.Task == nil {
			break
		}
		if _, exists := m.tasks[msg.Task.ID]; !exists {
			m.tasks[msg.Task.ID] = stateFromTask(msg.Task)
			m.taskOrder = append(m.taskOrder, msg.Task.ID)
			// Auto-select first task
			if len(m.taskOrder) == 1 {
				m.selectedIdx = 0
				m.updateViewportContent()
			}
		}

	case events.TaskStatusEvent:
		task, exists := m.tasks[msg.ID]
		if !exists {
			break
		}
		task.Status = msg.Status
		task.Error = msg.Error
		switch {
		case msg.Status == scheduler.TaskPending && msg.Error != "":
			task.Output = append(task.Output, fmt.Sprintf("\n[Retrying: %s]", msg.Error))
		case msg.Status == scheduler.TaskCompleted:
			task.Output = append(task.Output, "\n[Completed]")
		case msg.Status == scheduler.TaskFailed:
			task.Output = append(task.Output, fmt.Sprintf("\n[Failed: %s]", msg.Error))
		case msg.Status == scheduler.TaskCancelled:
			task.Output = append(task.Output, "\n[Cancelled]")
		}
		if m.SelectedTaskID() == msg.ID {
			m.updateViewportContent()
		}

	case events.TaskOutputEvent:
		task, exists := m.tasks[msg.ID]
		if !exists {
			break
		}
		line, ok := outputLine(msg.Event)
		if !ok {
			break
		}
		task.Output = append(task.Output, line)
		// If this is the selected task, update viewport with debouncing
		if m.SelectedTaskID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case tickMsg:
		// Only update if this tick matches the current tag (debouncing)
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// outputLine renders a stream event for the output viewport.
func outputLine(ev backend.StreamEvent) (string, bool) {
	switch e := ev.(type) {
	case backend.AssistantEvent:
		return e.Text, e.Text != ""
	case backend.RawTextEvent:
		return e.Text, e.Text != ""
	case backend.StderrEvent:
		return "stderr: " + e.Text, e.Text != ""
	case backend.ErrorEvent:
		return "error: " + e.Message, true
	case backend.ResultEvent:
		return fmt.Sprintf("[tokens in=%d out=%d]", e.Usage.InputTokens, e.Usage.OutputTokens), true
	case backend.InitEvent:
		return "[session " + e.SessionID + "]", true
	}
	return "", false
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	// Split into two columns: task list (left) and viewport (right)
	listWidth := 30
	viewportWidth := m.width - listWidth - 4 // account for borders and padding

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// renderTaskList renders the task list column.
func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("No tasks yet. Press n."))
	} else {
		for i, taskID := range m.taskOrder {
			task := m.tasks[taskID]
			name := fmt.Sprintf("[%d] %s", task.Priority, task.Name)
			if runes := []rune(name); len(runes) > width-4 {
				name = string(runes[:width-7]) + "..."
			}

			line := fmt.Sprintf("%s %s", StatusIcon(task.Status), name)
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status scheduler.TaskStatus) string {
	switch status {
	case scheduler.TaskRunning:
		return StyleStatusRunning.Render("●")
	case scheduler.TaskCompleted:
		return StyleStatusComplete.Render("✓")
	case scheduler.TaskFailed:
		return StyleStatusFailed.Render("✗")
	case scheduler.TaskCancelled:
		return StyleStatusCancelled.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SelectedTaskID returns the id of the selected task, or "".
func (m TaskPaneModel) SelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// SelectedTask returns the selected task's state.
func (m TaskPaneModel) SelectedTask() (*TaskState, bool) {
	task, ok := m.tasks[m.SelectedTaskID()]
	return task, ok
}

// TaskCounts tallies the known tasks by status.
type TaskCounts struct {
	Total, Pending, Running, Completed, Failed, Cancelled int
}

// Counts returns the status tally of every task in the pane.
func (m TaskPaneModel) Counts() TaskCounts {
	var c TaskCounts
	for _, t := range m.tasks {
		c.Total++
		switch {
		case t.Status.Waiting():
			c.Pending++
		case t.Status == scheduler.TaskRunning:
			c.Running++
		case t.Status == scheduler.TaskCompleted:
			c.Completed++
		case t.Status == scheduler.TaskFailed:
			c.Failed++
		case t.Status == scheduler.TaskCancelled:
			c.Cancelled++
		}
	}
	return c
}

// updateViewportContent updates the viewport with the selected task's output.
func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.SelectedTask()
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  droid=%s  status=%s", task.TaskID, task.DroidID, task.Status)
	if task.Error != "" {
		header += "  error=" + task.Error
	}
	m.viewport.SetContent(header + "\n\n" + strings.Join(task.Output, "\n"))
	// Auto-scroll to bottom
	m.viewport.GotoBottom()
}

// resizeViewport resizes the viewport based on pane dimensions.
func (m *TaskPaneModel) resizeViewport() {
	listWidth := 30
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
