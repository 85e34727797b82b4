package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/droidrunner/internal/backend"
	"github.com/aristath/droidrunner/internal/config"
)

// memStore is an in-memory Store. Loads and saves copy, like a real store.
type memStore struct {
	mu      sync.Mutex
	pending []*Task
	history []*Task
	agents  []*AgentRunState
	cfg     *config.SchedulerConfig
	output  map[string][]string
	events  map[string]int
}

func newMemStore() *memStore {
	return &memStore{output: make(map[string][]string), events: make(map[string]int)}
}

func cloneTasks(tasks []*Task) []*Task {
	out := make([]*Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

func (m *memStore) LoadPending(context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTasks(m.pending), nil
}

func (m *memStore) SavePending(_ context.Context, tasks []*Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = cloneTasks(tasks)
	return nil
}

func (m *memStore) LoadHistory(context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTasks(m.history), nil
}

func (m *memStore) SaveHistory(_ context.Context, tasks []*Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = cloneTasks(tasks)
	return nil
}

func (m *memStore) LoadAgentStates(context.Context) ([]*AgentRunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AgentRunState, len(m.agents))
	for i, a := range m.agents {
		out[i] = a.Clone()
	}
	return out, nil
}

func (m *memStore) SaveAgentStates(_ context.Context, states []*AgentRunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = make([]*AgentRunState, len(states))
	for i, a := range states {
		m.agents[i] = a.Clone()
	}
	return nil
}

func (m *memStore) SaveSchedulerConfig(_ context.Context, cfg config.SchedulerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = &cfg
	return nil
}

func (m *memStore) AppendOutput(taskID, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output[taskID] = append(m.output[taskID], line)
	return nil
}

func (m *memStore) AppendEvent(taskID string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[taskID]++
	return nil
}

func (m *memStore) historyTask(id string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.history {
		if t.ID == id {
			return t.Clone()
		}
	}
	return nil
}

func (m *memStore) agentState(id string) *AgentRunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.ID == id {
			return a.Clone()
		}
	}
	return nil
}

// fakeRunner records spawns and lets tests deliver events and exits by hand.
// Kill only records the call; the process stays tracked until exit is called.
type fakeRunner struct {
	mu       sync.Mutex
	procs    map[string]backend.Handlers
	spawned  []backend.SpawnSpec
	killed   []string
	spawnErr error
	nextPID  int
	killAll  int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{procs: make(map[string]backend.Handlers), nextPID: 1000}
}

func (r *fakeRunner) Spawn(spec backend.SpawnSpec, h backend.Handlers) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spawnErr != nil {
		return 0, r.spawnErr
	}
	if _, ok := r.procs[spec.TaskID]; ok {
		return 0, fmt.Errorf("%w: %s", backend.ErrAlreadyRunning, spec.TaskID)
	}
	r.procs[spec.TaskID] = h
	r.spawned = append(r.spawned, spec)
	r.nextPID++
	return r.nextPID, nil
}

func (r *fakeRunner) Kill(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, taskID)
	_, ok := r.procs[taskID]
	return ok
}

func (r *fakeRunner) KillAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killAll++
	for id := range r.procs {
		r.killed = append(r.killed, id)
		delete(r.procs, id)
	}
	return nil
}

func (r *fakeRunner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *fakeRunner) IsTracked(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[taskID]
	return ok
}

func (r *fakeRunner) handlers(t *testing.T, taskID string) backend.Handlers {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.procs[taskID]
	if !ok {
		t.Fatalf("no process for task %s", taskID)
	}
	return h
}

// emit delivers a stream line to the task's OnEvent handler.
func (r *fakeRunner) emit(t *testing.T, taskID, line string) {
	t.Helper()
	r.handlers(t, taskID).OnEvent(taskID, backend.ParseStreamLine([]byte(line)))
}

// exit untracks the process and calls its OnExit handler, as the supervisor does.
func (r *fakeRunner) exit(t *testing.T, taskID string, res backend.ExitResult) {
	t.Helper()
	h := r.handlers(t, taskID)
	r.mu.Lock()
	delete(r.procs, taskID)
	r.mu.Unlock()
	h.OnExit(taskID, res)
}

func (r *fakeRunner) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawned)
}

func (r *fakeRunner) spawnedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.spawned))
	for i, s := range r.spawned {
		ids[i] = s.TaskID
	}
	return ids
}

func (r *fakeRunner) lastSpawn() backend.SpawnSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spawned[len(r.spawned)-1]
}

func (r *fakeRunner) killedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.killed...)
}

type fakeCatalog struct {
	projects map[string]string
	droids   map[string]AgentDefinition
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		projects: map[string]string{"proj": "/work/proj"},
		droids:   map[string]AgentDefinition{},
	}
}

func (c *fakeCatalog) ResolveProject(_ context.Context, id string) (string, bool) {
	p, ok := c.projects[id]
	return p, ok
}

func (c *fakeCatalog) ResolveAgent(_ context.Context, id string) (AgentDefinition, bool) {
	d, ok := c.droids[id]
	return d, ok
}

type statusNote struct {
	id     string
	status TaskStatus
	err    string
}

type recordingNotifier struct {
	mu       sync.Mutex
	created  []string
	statuses []statusNote
	outputs  int
	agents   []AgentStatus
	paused   []bool
}

func (n *recordingNotifier) TaskCreated(t *Task) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, t.ID)
}

func (n *recordingNotifier) TaskStatus(id string, status TaskStatus, errMsg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, statusNote{id, status, errMsg})
}

func (n *recordingNotifier) TaskOutput(string, backend.StreamEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outputs++
}

func (n *recordingNotifier) AgentStatus(_ string, status AgentStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.agents = append(n.agents, status)
}

func (n *recordingNotifier) Paused(p bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paused = append(n.paused, p)
}

func (n *recordingNotifier) statusesFor(id string) []TaskStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []TaskStatus
	for _, s := range n.statuses {
		if s.id == id {
			out = append(out, s.status)
		}
	}
	return out
}

// stepClock returns a strictly increasing time on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	s        *Scheduler
	store    *memStore
	runner   *fakeRunner
	catalog  *fakeCatalog
	notifier *recordingNotifier
}

func testConfig() config.SchedulerConfig {
	cfg := config.DefaultSchedulerConfig()
	cfg.RetryOnFailure = false
	cfg.WatchdogInterval = config.Duration(time.Hour)
	return cfg
}

// newHarness builds a started scheduler over fakes. opts may adjust the
// Options before New is called.
func newHarness(t *testing.T, cfg config.SchedulerConfig, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		runner:   newFakeRunner(),
		catalog:  newFakeCatalog(),
		notifier: &recordingNotifier{},
	}
	o := Options{
		Store:    h.store,
		Runner:   h.runner,
		Projects: h.catalog,
		Droids:   h.catalog,
		Notifier: h.notifier,
		Config:   cfg,
		Now:      newStepClock().Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	s, err := New(o)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	h.s = s
	return h
}

func (h *harness) create(t *testing.T, req CreateTaskRequest) *Task {
	t.Helper()
	if req.Prompt == "" {
		req.Prompt = "do the thing"
	}
	if req.ProjectID == "" {
		req.ProjectID = "proj"
	}
	if req.DroidID == "" {
		req.DroidID = "coder"
	}
	task, err := h.s.CreateTask(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func (h *harness) status(t *testing.T, id string) TaskStatus {
	t.Helper()
	task, err := h.s.Task(context.Background(), id)
	if err != nil {
		t.Fatalf("Task(%s) failed: %v", id, err)
	}
	return task.Status
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
