package backend

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"
)

// recorder collects everything a supervised process reports.
type recorder struct {
	mu     sync.Mutex
	events []StreamEvent
	exit   ExitResult
	done   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEvent: func(_ string, ev StreamEvent) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnExit: func(_ string, res ExitResult) {
			r.mu.Lock()
			r.exit = res
			r.mu.Unlock()
			close(r.done)
		},
	}
}

func (r *recorder) wait(t *testing.T, timeout time.Duration) ExitResult {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(timeout):
		t.Fatalf("process did not exit within %v", timeout)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exit
}

func (r *recorder) snapshot() []StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StreamEvent(nil), r.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDroidSpec returns a spawn spec running testdata/fake-droid.sh with the given prompt.
func fakeDroidSpec(t *testing.T, taskID, prompt string) SpawnSpec {
	t.Helper()
	workDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	script := filepath.Join(workDir, "../../testdata/fake-droid.sh")
	inv := DroidInvocation{AutoLevel: "low", WorkDir: t.TempDir(), Model: "test-model", Prompt: prompt}
	return SpawnSpec{
		TaskID:  taskID,
		Command: "bash",
		Args:    append([]string{script}, inv.Args()...),
		Dir:     inv.WorkDir,
	}
}

func kinds(events []StreamEvent) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func TestSupervisor_StreamsEventsAndExit(t *testing.T) {
	s := NewSupervisor(time.Second, testLogger())
	rec := newRecorder()

	pid, err := s.Spawn(fakeDroidSpec(t, "t1", "write tests"), rec.handlers())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if pid <= 0 {
		t.Errorf("expected positive pid, got %d", pid)
	}

	res := rec.wait(t, 10*time.Second)
	if res.Code != 0 || res.Signal != "" || res.Err != nil {
		t.Fatalf("unexpected exit: %+v", res)
	}

	events := rec.snapshot()
	got := kinds(events)
	want := []EventKind{KindInit, KindAssistant, KindResult}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	if text := events[1].(AssistantEvent).Text; text != "working on: write tests" {
		t.Errorf("assistant text = %q", text)
	}
	if usage := events[2].(ResultEvent).Usage; usage.InputTokens != 12 || usage.OutputTokens != 34 {
		t.Errorf("usage = %+v", usage)
	}
	if s.Count() != 0 || s.IsTracked("t1") {
		t.Errorf("process still tracked after exit")
	}
}

func TestSupervisor_JoinsPartialLines(t *testing.T) {
	s := NewSupervisor(time.Second, testLogger())
	rec := newRecorder()

	if _, err := s.Spawn(fakeDroidSpec(t, "t1", "split"), rec.handlers()); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	rec.wait(t, 10*time.Second)

	for _, ev := range rec.snapshot() {
		if a, ok := ev.(AssistantEvent); ok && a.Text == "joined" {
			return
		}
		if ev.Kind() == KindRawText {
			t.Errorf("fragment surfaced as raw text: %q", ev.(RawTextEvent).Text)
		}
	}
	t.Error("record written in two chunks was not decoded as one assistant event")
}

func TestSupervisor_RawTextAndStderr(t *testing.T) {
	s := NewSupervisor(time.Second, testLogger())
	rec := newRecorder()

	if _, err := s.Spawn(fakeDroidSpec(t, "t1", "garbage stderr"), rec.handlers()); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	rec.wait(t, 10*time.Second)

	var sawRaw, sawStderr bool
	for _, ev := range rec.snapshot() {
		switch e := ev.(type) {
		case RawTextEvent:
			sawRaw = e.Text == "this is not json"
		case StderrEvent:
			sawStderr = true
		}
	}
	if !sawRaw {
		t.Error("expected non-JSON line as raw text event")
	}
	if !sawStderr {
		t.Error("expected stderr event")
	}
}

func TestSupervisor_NonZeroExitCode(t *testing.T) {
	s := NewSupervisor(time.Second, testLogger())
	rec := newRecorder()

	if _, err := s.Spawn(fakeDroidSpec(t, "t1", "fail:3"), rec.handlers()); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	res := rec.wait(t, 10*time.Second)
	if res.Code != 3 {
		t.Errorf("exit code = %d, want 3", res.Code)
	}
	if res.Signal != "" {
		t.Errorf("unexpected signal %q", res.Signal)
	}
}

func TestSupervisor_LargeOutputDoesNotDeadlock(t *testing.T) {
	s := NewSupervisor(time.Second, testLogger())
	rec := newRecorder()

	// ~1MB of stdout, far above the pipe buffer.
	script := `for i in $(seq 1 20000); do printf '{"type":"assistant","text":"line %d padding padding padding"}\n' "$i"; done`
	if _, err := s.Spawn(SpawnSpec{TaskID: "big", Command: "bash", Args: []string{"-c", script}}, rec.handlers()); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	res := rec.wait(t, 30*time.Second)
	if res.Code != 0 {
		t.Fatalf("exit code = %d", res.Code)
	}
	if n := len(rec.snapshot()); n != 20000 {
		t.Errorf("received %d events, want 20000", n)
	}
}

func TestSupervisor_RefusesDuplicateSpawn(t *testing.T) {
	s := NewSupervisor(time.Second, testLogger())
	rec := newRecorder()

	if _, err := s.Spawn(fakeDroidSpec(t, "t1", "sleep:30"), rec.handlers()); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	_, err := s.Spawn(fakeDroidSpec(t, "t1", "again"), newRecorder().handlers())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Spawn error = %v, want ErrAlreadyRunning", err)
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}

	if !s.Kill("t1") {
		t.Fatal("Kill returned false for tracked task")
	}
	rec.wait(t, 10*time.Second)
}

func TestSupervisor_KillTerminates(t *testing.T) {
	s := NewSupervisor(5*time.Second, testLogger())
	rec := newRecorder()

	if _, err := s.Spawn(fakeDroidSpec(t, "t1", "sleep:30"), rec.handlers()); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	if !s.Kill("t1") {
		t.Fatal("Kill returned false")
	}
	res := rec.wait(t, 10*time.Second)
	if res.Signal == "" {
		t.Errorf("expected signal termination, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("SIGTERM should end the process before the grace period, took %v", elapsed)
	}
}

func TestSupervisor_KillEscalatesToSIGKILL(t *testing.T) {
	s := NewSupervisor(300*time.Millisecond, testLogger())
	rec := newRecorder()

	if _, err := s.Spawn(fakeDroidSpec(t, "t1", "ignore-term sleep:30"), rec.handlers()); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if !s.Kill("t1") {
		t.Fatal("Kill returned false")
	}
	res := rec.wait(t, 10*time.Second)
	if res.Signal != "SIGKILL" {
		t.Errorf("signal = %q, want SIGKILL", res.Signal)
	}
	if res.Code != -1 {
		t.Errorf("code = %d, want -1", res.Code)
	}
}

func TestSupervisor_KillUnknownTask(t *testing.T) {
	s := NewSupervisor(time.Second, testLogger())
	if s.Kill("missing") {
		t.Error("Kill should return false for an untracked task")
	}
}

func TestSupervisor_KillAll(t *testing.T) {
	s := NewSupervisor(time.Second, testLogger())
	recs := []*recorder{newRecorder(), newRecorder(), newRecorder()}

	for i, rec := range recs {
		prompt := "sleep:30"
		if i == 2 {
			prompt = "ignore-term sleep:30"
		}
		if _, err := s.Spawn(fakeDroidSpec(t, fmt.Sprintf("t%d", i), prompt), rec.handlers()); err != nil {
			t.Fatalf("Spawn %d failed: %v", i, err)
		}
	}
	if s.Count() != 3 {
		t.Fatalf("Count = %d, want 3", s.Count())
	}
	time.Sleep(200 * time.Millisecond)

	if err := s.KillAll(); err != nil {
		t.Fatalf("KillAll failed: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d after KillAll, want 0", s.Count())
	}
	for _, rec := range recs {
		rec.wait(t, 5*time.Second)
	}
}

func TestSupervisor_StartFailure(t *testing.T) {
	s := NewSupervisor(time.Second, testLogger())

	_, err := s.Spawn(SpawnSpec{TaskID: "t1", Command: "/nonexistent/droid-binary"}, newRecorder().handlers())
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
	if s.IsTracked("t1") {
		t.Error("failed spawn must not be tracked")
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"PATH=/bin"}, map[string]string{"B": "2", "A": "1"})
	want := []string{"PATH=/bin", "A=1", "B=2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("mergeEnv = %v, want %v", got, want)
	}
}

func TestSupervisor_BreakerTripsOnRepeatedStartFailures(t *testing.T) {
	s := NewSupervisor(time.Second, testLogger())
	missing := filepath.Join(t.TempDir(), "no-such-droid")

	for i := 0; i < 5; i++ {
		_, err := s.Spawn(SpawnSpec{TaskID: fmt.Sprintf("t%d", i), Command: missing}, newRecorder().handlers())
		if err == nil {
			t.Fatalf("spawn %d of a missing binary succeeded", i)
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			t.Fatalf("breaker opened early, on attempt %d", i)
		}
	}

	_, err := s.Spawn(SpawnSpec{TaskID: "t5", Command: missing}, newRecorder().handlers())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected the breaker to be open, got %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("failed spawns must not be tracked, Count() = %d", s.Count())
	}

	// Other executables have their own breaker.
	rec := newRecorder()
	if _, err := s.Spawn(fakeDroidSpec(t, "ok", "hello"), rec.handlers()); err != nil {
		t.Fatalf("spawn with a healthy binary failed: %v", err)
	}
	rec.wait(t, 5*time.Second)
}

// chunkReader returns its chunks one Read at a time.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestReadChunks_KeepsSplitRunesWhole(t *testing.T) {
	euro := []byte("€") // 3 bytes
	r := &chunkReader{chunks: [][]byte{
		append([]byte("price: 5"), euro[:1]...),
		append([]byte{}, euro[1:2]...),
		append(append([]byte{}, euro[2:]...), []byte(" total\n")...),
		[]byte("trailing \xe2\x82"), // Truncated rune at EOF is still flushed
	}}

	var got []string
	readChunks(r, func(s string) { got = append(got, s) })

	joined := strings.Join(got, "")
	if want := "price: 5€ total\ntrailing \xe2\x82"; joined != want {
		t.Fatalf("joined = %q, want %q", joined, want)
	}
	for _, s := range got[:len(got)-1] {
		if !utf8.ValidString(s) {
			t.Errorf("chunk %q splits a rune", s)
		}
	}
}

func TestIncompleteRuneTail(t *testing.T) {
	tests := []struct {
		data []byte
		want int
	}{
		{[]byte("abc"), 0},
		{[]byte("a€"), 0},
		{[]byte("a\xe2"), 1},
		{[]byte("a\xe2\x82"), 2},
		{[]byte("\xf0\x9f\x98"), 3},
		{[]byte("\xf0\x9f\x98\x80"), 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := incompleteRuneTail(tt.data); got != tt.want {
			t.Errorf("incompleteRuneTail(%q) = %d, want %d", tt.data, got, tt.want)
		}
	}
}
