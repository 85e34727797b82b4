package tui

import (
	"fmt"
	"slices"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/droidrunner/internal/events"
	"github.com/aristath/droidrunner/internal/scheduler"
)

// DroidPaneModel shows each droid's run state and overall task progress.
type DroidPaneModel struct {
	agents  []*scheduler.AgentRunState
	counts  TaskCounts
	paused  bool
	width   int
	height  int
	focused bool
}

// NewDroidPaneModel creates a new droid pane model.
func NewDroidPaneModel() DroidPaneModel {
	return DroidPaneModel{}
}

// Update handles messages for the droid pane.
func (m DroidPaneModel) Update(msg tea.Msg) (DroidPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.AgentStatusEvent:
		i := slices.IndexFunc(m.agents, func(a *scheduler.AgentRunState) bool { return a.ID == msg.AgentID })
		if i < 0 {
			m.agents = append(m.agents, &scheduler.AgentRunState{ID: msg.AgentID, Name: msg.AgentID, QueuedTaskIDs: []string{}})
			i = len(m.agents) - 1
		}
		m.agents[i].Status = msg.Status

	case events.PausedEvent:
		m.paused = msg.Paused
	}

	return m, nil
}

// SetAgents replaces the droid list.
func (m *DroidPaneModel) SetAgents(agents []*scheduler.AgentRunState) {
	m.agents = agents
}

// SetCounts updates the task tally shown under the droid list.
func (m *DroidPaneModel) SetCounts(c TaskCounts) {
	m.counts = c
}

// SetPaused updates the admission indicator.
func (m *DroidPaneModel) SetPaused(paused bool) {
	m.paused = paused
}

// View renders the droid pane.
func (m DroidPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Droids")
	b.WriteString(title)
	if m.paused {
		b.WriteString(" ")
		b.WriteString(StylePaused.Render("PAUSED"))
	}
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.agents) == 0 {
		b.WriteString(StyleStatusPending.Render("No droids have run yet."))
		b.WriteString("\n")
	}
	for _, a := range m.agents {
		fmt.Fprintf(&b, "%s %-20s queued:%d  done:%s  failed:%s\n",
			agentIcon(a.Status), a.Name, len(a.QueuedTaskIDs),
			StyleStatusComplete.Render(fmt.Sprintf("%d", a.CompletedCount)),
			StyleStatusFailed.Render(fmt.Sprintf("%d", a.FailedCount)))
	}
	b.WriteString("\n")

	c := m.counts
	fmt.Fprintf(&b, "Total: %d  Pending: %s  Running: %s  Completed: %s  Failed: %s  Cancelled: %s\n",
		c.Total,
		StyleStatusPending.Render(fmt.Sprintf("%d", c.Pending)),
		StyleStatusRunning.Render(fmt.Sprintf("%d", c.Running)),
		StyleStatusComplete.Render(fmt.Sprintf("%d", c.Completed)),
		StyleStatusFailed.Render(fmt.Sprintf("%d", c.Failed)),
		StyleStatusCancelled.Render(fmt.Sprintf("%d", c.Cancelled)))

	// Progress bar
	if c.Total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (c.Completed * barWidth) / c.Total
		failedWidth := ((c.Failed + c.Cancelled) * barWidth) / c.Total
		runningWidth := (c.Running * barWidth) / c.Total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, c.Completed+c.Failed+c.Cancelled, c.Total)
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func agentIcon(status scheduler.AgentStatus) string {
	switch status {
	case scheduler.AgentRunning:
		return StyleStatusRunning.Render("●")
	case scheduler.AgentError:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SetSize updates the pane dimensions.
func (m *DroidPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *DroidPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
