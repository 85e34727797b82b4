package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/droidrunner/internal/config"
	"github.com/aristath/droidrunner/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTask(id string, status scheduler.TaskStatus) *scheduler.Task {
	return &scheduler.Task{
		ID:        id,
		Name:      "Task " + id,
		Prompt:    "do " + id,
		ProjectID: "proj",
		DroidID:   "coder",
		Priority:  5,
		AutoLevel: "low",
		Status:    status,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSaveAndLoadPending(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	started := time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC)
	running := newTask("b", scheduler.TaskRunning)
	running.PID = 4242
	running.SessionID = "sess-1"
	running.StartedAt = &started
	running.Output = []string{"hello", "world"}
	running.Usage = &scheduler.TokenUsage{InputTokens: 3, OutputTokens: 7}
	running.EnabledTools = []string{"Read", "Grep"}

	if err := store.SavePending(ctx, []*scheduler.Task{newTask("a", scheduler.TaskPending), running}); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}

	got, err := store.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order not preserved: %s, %s", got[0].ID, got[1].ID)
	}

	b := got[1]
	if b.Status != scheduler.TaskRunning || b.PID != 4242 || b.SessionID != "sess-1" {
		t.Errorf("runtime fields not persisted: %+v", b)
	}
	if b.StartedAt == nil || !b.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", b.StartedAt, started)
	}
	if b.Usage == nil || b.Usage.OutputTokens != 7 {
		t.Errorf("Usage = %+v", b.Usage)
	}
	if len(b.Output) != 2 || len(b.EnabledTools) != 2 {
		t.Errorf("slices not persisted: output=%v tools=%v", b.Output, b.EnabledTools)
	}
}

func TestSavePendingReplacesCollection(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SavePending(ctx, []*scheduler.Task{newTask("a", scheduler.TaskPending), newTask("b", scheduler.TaskPending)}); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}
	if err := store.SavePending(ctx, []*scheduler.Task{newTask("c", scheduler.TaskPending)}); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}

	got, err := store.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c" {
		t.Errorf("expected only task c, got %v", ids(got))
	}
}

func TestPendingAndHistoryAreSeparate(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SavePending(ctx, []*scheduler.Task{newTask("p", scheduler.TaskPending)}); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}
	if err := store.SaveHistory(ctx, []*scheduler.Task{newTask("h", scheduler.TaskCompleted)}); err != nil {
		t.Fatalf("SaveHistory failed: %v", err)
	}

	pending, _ := store.LoadPending(ctx)
	history, _ := store.LoadHistory(ctx)
	if len(pending) != 1 || pending[0].ID != "p" {
		t.Errorf("pending = %v", ids(pending))
	}
	if len(history) != 1 || history[0].ID != "h" {
		t.Errorf("history = %v", ids(history))
	}
}

func TestSaveHistoryTrimsOldestFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tasks := make([]*scheduler.Task, 0, MaxHistory+25)
	for i := 0; i < MaxHistory+25; i++ {
		tasks = append(tasks, newTask(fmt.Sprintf("t%04d", i), scheduler.TaskCompleted))
	}
	if err := store.SaveHistory(ctx, tasks); err != nil {
		t.Fatalf("SaveHistory failed: %v", err)
	}

	got, err := store.LoadHistory(ctx)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(got) != MaxHistory {
		t.Fatalf("history length = %d, want %d", len(got), MaxHistory)
	}
	if got[0].ID != "t0025" {
		t.Errorf("oldest kept = %s, want t0025", got[0].ID)
	}
	if got[len(got)-1].ID != fmt.Sprintf("t%04d", MaxHistory+24) {
		t.Errorf("newest kept = %s", got[len(got)-1].ID)
	}
}

func TestSaveHistoryDeduplicatesKeepingLast(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := newTask("x", scheduler.TaskCancelled)
	second := newTask("x", scheduler.TaskFailed)
	if err := store.SaveHistory(ctx, []*scheduler.Task{first, newTask("y", scheduler.TaskCompleted), second}); err != nil {
		t.Fatalf("SaveHistory failed: %v", err)
	}

	got, _ := store.LoadHistory(ctx)
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %v", ids(got))
	}
	if got[1].ID != "x" || got[1].Status != scheduler.TaskFailed {
		t.Errorf("expected last occurrence of x to win, got %+v", got[1])
	}
}

func TestAgentStatesRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	states := []*scheduler.AgentRunState{
		{ID: "coder", Name: "Coder", Scope: scheduler.ScopeGlobal, Status: scheduler.AgentRunning,
			CurrentTaskID: "t1", QueuedTaskIDs: []string{"t2", "t3"}, CompletedCount: 4, FailedCount: 1},
		{ID: "reviewer", Name: "Reviewer", Scope: scheduler.ScopeProject, Status: scheduler.AgentIdle},
	}
	if err := store.SaveAgentStates(ctx, states); err != nil {
		t.Fatalf("SaveAgentStates failed: %v", err)
	}

	got, err := store.LoadAgentStates(ctx)
	if err != nil {
		t.Fatalf("LoadAgentStates failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 states, got %d", len(got))
	}
	if got[0].ID != "coder" || got[0].CompletedCount != 4 || len(got[0].QueuedTaskIDs) != 2 {
		t.Errorf("coder state = %+v", got[0])
	}
	if got[1].QueuedTaskIDs == nil {
		t.Error("QueuedTaskIDs should load as an empty slice, not nil")
	}
}

func TestSchedulerConfigPersistence(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	cfg, found, err := store.LoadSchedulerConfig(ctx)
	if err != nil {
		t.Fatalf("LoadSchedulerConfig failed: %v", err)
	}
	if found {
		t.Error("expected no persisted config in a fresh store")
	}
	if cfg != config.DefaultSchedulerConfig() {
		t.Errorf("expected defaults, got %+v", cfg)
	}

	cfg.MaxParallelTasks = 8
	cfg.TaskTimeout = config.Duration(time.Hour)
	if err := store.SaveSchedulerConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveSchedulerConfig failed: %v", err)
	}
	cfg.MaxRetries = 5
	if err := store.SaveSchedulerConfig(ctx, cfg); err != nil {
		t.Fatalf("second SaveSchedulerConfig failed: %v", err)
	}

	got, found, err := store.LoadSchedulerConfig(ctx)
	if err != nil || !found {
		t.Fatalf("LoadSchedulerConfig = found %v, err %v", found, err)
	}
	if got != cfg {
		t.Errorf("config = %+v, want %+v", got, cfg)
	}
}

func TestProjectsAndDroids(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.GetProject(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProject(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.SaveProject(ctx, scheduler.Project{ID: "api", Name: "API", Path: "/src/api"}); err != nil {
		t.Fatalf("SaveProject failed: %v", err)
	}
	if err := store.SaveProject(ctx, scheduler.Project{ID: "api", Name: "API", Path: "/src/api-v2"}); err != nil {
		t.Fatalf("SaveProject update failed: %v", err)
	}
	p, err := store.GetProject(ctx, "api")
	if err != nil || p.Path != "/src/api-v2" {
		t.Errorf("GetProject = %+v, %v", p, err)
	}

	droid := scheduler.AgentDefinition{ID: "qa", Name: "QA", SystemPrompt: "Test everything.", EnabledTools: []string{"Read"}, Scope: scheduler.ScopeGlobal}
	if err := store.SaveDroid(ctx, droid); err != nil {
		t.Fatalf("SaveDroid failed: %v", err)
	}
	got, err := store.GetDroid(ctx, "qa")
	if err != nil {
		t.Fatalf("GetDroid failed: %v", err)
	}
	if got.SystemPrompt != "Test everything." || len(got.EnabledTools) != 1 {
		t.Errorf("GetDroid = %+v", got)
	}

	droids, err := store.ListDroids(ctx)
	if err != nil || len(droids) != 1 {
		t.Errorf("ListDroids = %v, %v", droids, err)
	}
	projects, err := store.ListProjects(ctx)
	if err != nil || len(projects) != 1 {
		t.Errorf("ListProjects = %v, %v", projects, err)
	}
}

func TestTaskLogs(t *testing.T) {
	store := testStore(t)

	if err := store.AppendOutput("t1", "first line"); err != nil {
		t.Fatalf("AppendOutput failed: %v", err)
	}
	if err := store.AppendOutput("t1", "second line\n"); err != nil {
		t.Fatalf("AppendOutput failed: %v", err)
	}
	lines, err := store.ReadOutput("t1")
	if err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if len(lines) != 2 || lines[0] != "first line" || lines[1] != "second line" {
		t.Errorf("ReadOutput = %q", lines)
	}

	if err := store.AppendEvent("t1", []byte(`{"type":"init","session_id":"s"}`)); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if err := store.AppendEvent("t1", []byte(`not json`)); err == nil {
		t.Error("expected AppendEvent to reject invalid JSON")
	}
	events, err := store.ReadEvents("t1")
	if err != nil || len(events) != 1 {
		t.Errorf("ReadEvents = %v, %v", events, err)
	}

	if _, err := os.Stat(filepath.Join(store.LogDir(), "t1.events.jsonl")); err != nil {
		t.Errorf("event log not written: %v", err)
	}

	missing, err := store.ReadOutput("never-ran")
	if err != nil || len(missing) != 0 {
		t.Errorf("missing log should read as empty, got %v, %v", missing, err)
	}
}

func TestTaskLogsRejectPathTraversal(t *testing.T) {
	store := testStore(t)
	for _, id := range []string{"../escape", "a/b", "", ".hidden"} {
		if err := store.AppendOutput(id, "x"); err == nil {
			t.Errorf("AppendOutput(%q) should fail", id)
		}
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "droidrunner.db")

	store, err := NewSQLiteStore(ctx, dbPath, filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.SavePending(ctx, []*scheduler.Task{newTask("keep", scheduler.TaskRunning)}); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(ctx, dbPath, filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "keep" || got[0].Status != scheduler.TaskRunning {
		t.Errorf("after reopen pending = %v", ids(got))
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	ctx := context.Background()
	a := testStore(t)
	b := testStore(t)

	if err := a.SavePending(ctx, []*scheduler.Task{newTask("only-a", scheduler.TaskPending)}); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}
	got, err := b.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("store b sees store a's tasks: %v", ids(got))
	}
}

func ids(tasks []*scheduler.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
