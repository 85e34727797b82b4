package scheduler

import (
	"slices"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // Waiting for admission
	TaskQueued    TaskStatus = "queued"    // Equivalent to pending
	TaskRunning   TaskStatus = "running"   // A droid process is executing it
	TaskCompleted TaskStatus = "completed" // Process exited with code 0
	TaskFailed    TaskStatus = "failed"    // Start failed or retries exhausted
	TaskCancelled TaskStatus = "cancelled" // Cancelled by a user or the watchdog
)

// Waiting reports whether the task is eligible for admission.
func (s TaskStatus) Waiting() bool {
	return s == TaskPending || s == TaskQueued
}

// Terminal reports whether the task belongs in history.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TokenUsage is the token summary reported by the droid's result event.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Task represents one request to run a droid with a prompt against a project.
type Task struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Prompt        string      `json:"prompt"`
	ProjectID     string      `json:"project_id"`
	DroidID       string      `json:"droid_id"`
	Priority      int         `json:"priority"` // 1-10, higher runs first
	AutoLevel     string      `json:"auto_level"`
	Model         string      `json:"model,omitempty"`
	EnabledTools  []string    `json:"enabled_tools,omitempty"`
	DisabledTools []string    `json:"disabled_tools,omitempty"`
	Status        TaskStatus  `json:"status"`
	PID           int         `json:"pid,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	Output        []string    `json:"output,omitempty"` // Assistant text, in arrival order
	Usage         *TokenUsage `json:"usage,omitempty"`
	RetryCount    int         `json:"retry_count"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	RetryAt       *time.Time  `json:"retry_at,omitempty"` // Not admitted before this time
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.EnabledTools = slices.Clone(t.EnabledTools)
	c.DisabledTools = slices.Clone(t.DisabledTools)
	c.Output = slices.Clone(t.Output)
	if t.Usage != nil {
		u := *t.Usage
		c.Usage = &u
	}
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.RetryAt = cloneTime(t.RetryAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AgentStatus is the scheduling state of one droid.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentError   AgentStatus = "error"
)

// AgentScope tells where a droid definition lives.
type AgentScope string

const (
	ScopeGlobal  AgentScope = "global"
	ScopeProject AgentScope = "project"
)

// AgentRunState is the per-droid scheduling record.
type AgentRunState struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	SourcePath     string      `json:"source_path,omitempty"`
	Scope          AgentScope  `json:"scope"`
	Status         AgentStatus `json:"status"`
	CurrentTaskID  string      `json:"current_task_id,omitempty"`
	QueuedTaskIDs  []string    `json:"queued_task_ids"` // Pending tasks waiting for this droid, in submission order
	CompletedCount int         `json:"completed_count"`
	FailedCount    int         `json:"failed_count"`
}

// Clone returns a deep copy of the run state.
func (a *AgentRunState) Clone() *AgentRunState {
	c := *a
	c.QueuedTaskIDs = slices.Clone(a.QueuedTaskIDs)
	return &c
}

// AgentDefinition is a droid as known to the agent catalog.
type AgentDefinition struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	SystemPrompt  string     `json:"system_prompt,omitempty"`
	Model         string     `json:"model,omitempty"`
	EnabledTools  []string   `json:"enabled_tools,omitempty"`
	DisabledTools []string   `json:"disabled_tools,omitempty"`
	SourcePath    string     `json:"source_path,omitempty"` // Markdown file the droid was imported from
	Scope         AgentScope `json:"scope"`
}

// Imported reports whether the droid came from a markdown file rather than
// being authored here. Imported droids are selected by name; authored droids
// have their system prompt injected into the task prompt.
func (d AgentDefinition) Imported() bool {
	return d.SourcePath != ""
}

// Project is a working directory tasks can target.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// CreateTaskRequest carries the user-supplied fields of a new task.
// Zero values are filled from the droid definition and scheduler config.
type CreateTaskRequest struct {
	Name          string   `json:"name"`
	Prompt        string   `json:"prompt"`
	ProjectID     string   `json:"project_id"`
	DroidID       string   `json:"droid_id"`
	Priority      int      `json:"priority"`
	AutoLevel     string   `json:"auto_level"`
	Model         string   `json:"model"`
	EnabledTools  []string `json:"enabled_tools"`
	DisabledTools []string `json:"disabled_tools"`
}
