package backend

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// DefaultKillGrace is how long Kill waits after SIGTERM before sending SIGKILL.
const DefaultKillGrace = 5 * time.Second

// ErrAlreadyRunning is returned by Spawn when the task already owns a process.
var ErrAlreadyRunning = errors.New("process already running for task")

// SpawnSpec describes the process to start for one task.
type SpawnSpec struct {
	TaskID  string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string // Added on top of the current environment
}

// ExitResult describes how a supervised process ended.
type ExitResult struct {
	Code   int    // Exit code, -1 when terminated by a signal
	Signal string // Terminating signal name (e.g. "SIGTERM"), empty on normal exit
	Err    error  // Wait failure that is not an exit status
}

// Handlers receive a process's output and exit. They are called from the
// supervisor's goroutines and must be safe for concurrent use.
type Handlers struct {
	OnEvent func(taskID string, ev StreamEvent)
	OnExit  func(taskID string, res ExitResult)
}

type process struct {
	taskID    string
	cmd       *exec.Cmd
	pgid      int
	startedAt time.Time
	done      chan struct{}
}

// Supervisor owns one OS process per running task. It starts processes in
// their own process group, streams their output to callbacks as it arrives and
// reports each exit exactly once.
type Supervisor struct {
	mu       sync.Mutex
	procs    map[string]*process // taskID -> process
	grace    time.Duration
	breakers *breakerRegistry
	logger   *slog.Logger
}

// NewSupervisor creates a Supervisor. A non-positive grace uses DefaultKillGrace.
func NewSupervisor(grace time.Duration, logger *slog.Logger) *Supervisor {
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "supervisor")
	return &Supervisor{
		procs:    make(map[string]*process),
		grace:    grace,
		breakers: newBreakerRegistry(logger),
		logger:   logger,
	}
}

// newCommand creates an exec.Cmd with process group isolation.
// The process lifetime is not bound to any request context; it ends on exit,
// Kill or KillAll.
func newCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Signals go to the whole tree via the negative pgid
	}
	return cmd
}

// Spawn starts the process described by spec and returns its pid.
// It refuses to start a second process for a task that is already tracked.
func (s *Supervisor) Spawn(spec SpawnSpec, h Handlers) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.procs[spec.TaskID]; exists {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.TaskID)
	}

	cmd := newCommand(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), spec.Env)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return 0, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	_, err = s.breakers.get(spec.Command).Execute(func() (interface{}, error) {
		return nil, cmd.Start()
	})
	if err != nil {
		stdout.Close()
		stderr.Close()
		return 0, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	p := &process{
		taskID:    spec.TaskID,
		cmd:       cmd,
		pgid:      cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.procs[spec.TaskID] = p

	go s.supervise(p, stdout, stderr, h)

	s.logger.Debug("process started", "task_id", spec.TaskID, "pid", p.pgid, "command", spec.Command)
	return p.pgid, nil
}

// supervise drains both pipes concurrently, then reaps the process.
// Pipes are fully drained before cmd.Wait so large outputs cannot deadlock.
func (s *Supervisor) supervise(p *process, stdout, stderr io.Reader, h Handlers) {
	emit := func(ev StreamEvent) {
		if h.OnEvent != nil {
			h.OnEvent(p.taskID, ev)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readLines(stdout, func(line []byte) { emit(ParseStreamLine(line)) })
	}()
	go func() {
		defer wg.Done()
		readChunks(stderr, func(text string) { emit(StderrEvent{Text: text}) })
	}()
	wg.Wait()

	waitErr := p.cmd.Wait()
	res := exitResult(p.cmd, waitErr)

	s.mu.Lock()
	delete(s.procs, p.taskID)
	s.mu.Unlock()
	close(p.done)

	s.logger.Debug("process exited", "task_id", p.taskID, "code", res.Code, "signal", res.Signal,
		"duration", time.Since(p.startedAt))

	if h.OnExit != nil {
		h.OnExit(p.taskID, res)
	}
}

// Kill sends SIGTERM to the task's process group and escalates to SIGKILL if
// the process is still alive after the grace period. It does not wait.
// Returns false when no process is tracked for the task or signalling fails.
func (s *Supervisor) Kill(taskID string) bool {
	s.mu.Lock()
	p, ok := s.procs[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	if err := syscall.Kill(-p.pgid, syscall.SIGTERM); err != nil {
		s.logger.Warn("failed to signal process", "task_id", taskID, "pid", p.pgid, "error", err)
		return false
	}

	go func() {
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			s.logger.Warn("process ignored SIGTERM, sending SIGKILL", "task_id", taskID, "pid", p.pgid)
			_ = syscall.Kill(-p.pgid, syscall.SIGKILL)
		}
	}()
	return true
}

// KillAll terminates every tracked process group concurrently and waits for
// each to exit. Called during shutdown.
func (s *Supervisor) KillAll() error {
	s.mu.Lock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, p := range procs {
		g.Go(func() error {
			return s.terminate(p)
		})
	}
	return g.Wait()
}

func (s *Supervisor) terminate(p *process) error {
	if err := syscall.Kill(-p.pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to terminate process %d for task %s: %w", p.pgid, p.taskID, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(s.grace):
	}

	if err := syscall.Kill(-p.pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process %d for task %s: %w", p.pgid, p.taskID, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(s.grace):
		return fmt.Errorf("process %d for task %s did not exit after SIGKILL", p.pgid, p.taskID)
	}
}

// Count returns the number of currently tracked processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// IsTracked reports whether a process is tracked for the task.
func (s *Supervisor) IsTracked(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[taskID]
	return ok
}

// readLines splits a byte stream into newline-delimited records. A trailing
// fragment is held until its newline arrives, and flushed at EOF.
func readLines(r io.Reader, emit func([]byte)) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			emit(line)
		}
		if err != nil {
			return
		}
	}
}

// readChunks forwards stderr as it arrives, skipping whitespace-only chunks.
// A multibyte rune split across reads is held back until it is complete.
func readChunks(r io.Reader, emit func(string)) {
	buf := make([]byte, 4096)
	var carry []byte
	flush := func(data []byte) {
		if text := string(data); strings.TrimSpace(text) != "" {
			emit(text)
		}
	}
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := len(data) - incompleteRuneTail(data)
			flush(data[:cut])
			carry = append([]byte(nil), data[cut:]...)
		}
		if err != nil {
			if len(carry) > 0 {
				flush(carry)
			}
			return
		}
	}
}

// incompleteRuneTail returns how many trailing bytes of data start a UTF-8
// sequence that has not been fully read yet.
func incompleteRuneTail(data []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(data); i++ {
		start := len(data) - i
		if utf8.RuneStart(data[start]) {
			if utf8.FullRune(data[start:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

func exitResult(cmd *exec.Cmd, waitErr error) ExitResult {
	res := ExitResult{Code: -1}
	if st := cmd.ProcessState; st != nil {
		res.Code = st.ExitCode()
		if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = unix.SignalName(ws.Signal())
		}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		res.Err = waitErr
	}
	return res
}

// mergeEnv appends extra variables to base in a stable order.
func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := append([]string{}, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
