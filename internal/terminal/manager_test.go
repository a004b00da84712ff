package terminal

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse/gatehouse/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func testConfig() Config {
	return Config{
		MaxBufferBytes: 64 * 1024,
		ExitGrace:      100 * time.Millisecond,
		DetectTimeout:  200 * time.Millisecond,
		DetectInterval: 10 * time.Millisecond,
		MarkerPoll:     10 * time.Millisecond,
	}
}

// fakeExecution implements Execution for tests.
type fakeExecution struct {
	started chan struct{}
	output  chan []byte
	done    chan ExitStatus
}

func newFakeExecution() *fakeExecution {
	return &fakeExecution{
		started: make(chan struct{}),
		output:  make(chan []byte, 16),
		done:    make(chan ExitStatus, 1),
	}
}

func (e *fakeExecution) Started() <-chan struct{}  { return e.started }
func (e *fakeExecution) Output() <-chan []byte     { return e.output }
func (e *fakeExecution) Done() <-chan ExitStatus   { return e.done }
func (e *fakeExecution) start()                    { close(e.started) }
func (e *fakeExecution) emit(s string)             { e.output <- []byte(s) }
func (e *fakeExecution) finish(code int)           { e.done <- ExitStatus{Code: &code}; close(e.output) }

// fakeExecutor hands out queued executions. With selfServe set it fabricates
// an already-finished execution when the queue is empty.
type fakeExecutor struct {
	mu        sync.Mutex
	queue     []*fakeExecution
	cmds      []string
	selfServe bool
}

func (x *fakeExecutor) Start(ctx context.Context, command string) (Execution, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cmds = append(x.cmds, command)
	if len(x.queue) == 0 && x.selfServe {
		exec := newFakeExecution()
		exec.start()
		exec.finish(0)
		return exec, nil
	}
	exec := x.queue[0]
	x.queue = x.queue[1:]
	return exec, nil
}

func (x *fakeExecutor) enqueue(exec *fakeExecution) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.queue = append(x.queue, exec)
}

// fakeHandle implements SessionHandle.
type fakeHandle struct {
	mu         sync.Mutex
	sent       []string
	interrupts int
	closed     chan struct{}
	closeOnce  sync.Once
	executor   *fakeExecutor // nil means no rich protocol
	richAfter  time.Time     // rich protocol unavailable before this instant
	screen     string
}

func newFakeHandle(rich bool) *fakeHandle {
	h := &fakeHandle{closed: make(chan struct{})}
	if rich {
		h.executor = &fakeExecutor{}
	}
	return h
}

func (h *fakeHandle) SendText(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, text)
	return nil
}

func (h *fakeHandle) Interrupt() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupts++
	return nil
}

func (h *fakeHandle) Closed() <-chan struct{} { return h.closed }

func (h *fakeHandle) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

func (h *fakeHandle) RichExecutor() (Executor, bool) {
	if h.executor == nil {
		return nil, false
	}
	if !h.richAfter.IsZero() && time.Now().Before(h.richAfter) {
		return nil, false
	}
	return h.executor, true
}

func (h *fakeHandle) Screen() string { return h.screen }

// fakeHost creates fakeHandles.
type fakeHost struct {
	mu        sync.Mutex
	rich      bool
	richDelay time.Duration // handles report the rich protocol only after this
	selfServe bool
	handles   []*fakeHandle
	creates   []CreateOptions
}

func (f *fakeHost) CreateSession(ctx context.Context, opts CreateOptions) (SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := newFakeHandle(f.rich)
	if f.richDelay > 0 {
		h.richAfter = time.Now().Add(f.richDelay)
	}
	if h.executor != nil {
		h.executor.selfServe = f.selfServe
	}
	f.handles = append(f.handles, h)
	f.creates = append(f.creates, opts)
	return h, nil
}

func (f *fakeHost) lastHandle() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[len(f.handles)-1]
}

func newTestManager(t *testing.T, rich bool) (*Manager, *fakeHost) {
	host := &fakeHost{rich: rich}
	m := NewManager(host, nil, newTestLogger(t), WithConfig(testConfig()))
	return m, host
}

func TestResolve_DefaultPoolPrefersMatchingWorkDir(t *testing.T) {
	m, _ := newTestManager(t, true)
	ctx := context.Background()

	a, err := m.Resolve(ctx, ExecRequest{WorkDir: "/a"})
	if err != nil {
		t.Fatal(err)
	}
	a.release()
	b, err := m.Resolve(ctx, ExecRequest{WorkDir: "/b"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("idle default session should be reused, got %d and %d", a.ID, b.ID)
	}

	// Mark a busy; a new default session must be created.
	a.setBusy(true)
	c, err := m.Resolve(ctx, ExecRequest{WorkDir: "/a"})
	if err != nil {
		t.Fatal(err)
	}
	if c.ID == a.ID {
		t.Error("busy default session must not be reused")
	}
	c.release()

	// With two idle sessions, prefer the one whose workdir matches.
	a.setBusy(false)
	d, err := m.Resolve(ctx, ExecRequest{WorkDir: a.WorkDir})
	if err != nil {
		t.Fatal(err)
	}
	if d.ID != a.ID {
		t.Errorf("expected workdir match to win, got session %d", d.ID)
	}
}

func TestResolve_ExplicitIDWinsEvenWhenBusy(t *testing.T) {
	m, _ := newTestManager(t, true)
	ctx := context.Background()

	sess, err := m.Resolve(ctx, ExecRequest{WorkDir: "/a"})
	if err != nil {
		t.Fatal(err)
	}
	sess.setBusy(true)

	got, err := m.Resolve(ctx, ExecRequest{SessionID: &sess.ID})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != sess.ID {
		t.Errorf("explicit id must be honored, got %d", got.ID)
	}

	missing := 999
	if _, err := m.Resolve(ctx, ExecRequest{SessionID: &missing}); err == nil {
		t.Error("expected error for unknown explicit session id")
	}
}

func TestResolve_NamedSession(t *testing.T) {
	m, host := newTestManager(t, true)
	ctx := context.Background()

	srv, err := m.Resolve(ctx, ExecRequest{SessionName: "server", WorkDir: "/srv"})
	if err != nil {
		t.Fatal(err)
	}
	if srv.Name != "server" {
		t.Errorf("expected name server, got %q", srv.Name)
	}
	if host.creates[0].Name != "server" {
		t.Errorf("host create name = %q", host.creates[0].Name)
	}
	srv.release()

	again, err := m.Resolve(ctx, ExecRequest{SessionName: "server"})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != srv.ID {
		t.Error("idle named session should be reused")
	}

	srv.setBusy(true)
	other, err := m.Resolve(ctx, ExecRequest{SessionName: "server"})
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == srv.ID {
		t.Error("busy named session must not be reused")
	}
}

func TestExecute_ConcurrentDefaultPoolUsesDistinctSessions(t *testing.T) {
	// Rich-protocol detection takes a while after session creation. A second
	// default-pool execution arriving in that window must get its own
	// session, not pile onto the one the first execution already claimed.
	host := &fakeHost{rich: true, richDelay: 50 * time.Millisecond, selfServe: true}
	m := NewManager(host, nil, newTestLogger(t), WithConfig(testConfig()))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Execute(context.Background(), ExecRequest{Command: "echo hi", WorkDir: "/w"})
			if err != nil {
				t.Error(err)
			}
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.handles) != 2 {
		t.Fatalf("expected a second session while the first was claimed, got %d", len(host.handles))
	}
	for i, h := range host.handles {
		h.executor.mu.Lock()
		starts := len(h.executor.cmds)
		h.executor.mu.Unlock()
		if starts != 1 {
			t.Errorf("session handle %d ran %d foreground commands, want 1", i+1, starts)
		}
	}
}

func TestResolve_ClaimBlocksReuseUntilReleased(t *testing.T) {
	m, _ := newTestManager(t, true)
	ctx := context.Background()

	a, err := m.Resolve(ctx, ExecRequest{WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}

	// While a's claim is outstanding, the pool must not hand it out again.
	b, err := m.Resolve(ctx, ExecRequest{WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if b.ID == a.ID {
		t.Fatal("claimed session handed out twice")
	}

	// Once released it becomes reusable again.
	a.release()
	b.release()
	c, err := m.Resolve(ctx, ExecRequest{WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != a.ID {
		t.Errorf("released session should be preferred, got %d want %d", c.ID, a.ID)
	}
}

func TestExecute_FallbackWithoutRichProtocol(t *testing.T) {
	m, host := newTestManager(t, false)

	res, err := m.Execute(context.Background(), ExecRequest{Command: "echo hi!", WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if res.OutputCaptured {
		t.Error("fallback execution must report output_captured=false")
	}
	if res.ExitCode != nil {
		t.Errorf("fallback exit code must be nil, got %d", *res.ExitCode)
	}
	if !strings.Contains(res.Message, "output capture is unavailable") {
		t.Errorf("missing capability message, got %q", res.Message)
	}

	h := host.lastHandle()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sent) != 1 {
		t.Fatalf("expected one raw send, got %d", len(h.sent))
	}
	// History expansion escaping is applied before dispatch.
	if h.sent[0] != "echo hi\\!\n" {
		t.Errorf("sent = %q", h.sent[0])
	}
}

func TestExecute_ForegroundExitEvent(t *testing.T) {
	m, _ := newTestManager(t, true)

	// Pre-create the session so the execution can be enqueued on its executor.
	sess, err := m.Resolve(context.Background(), ExecRequest{WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	sess.release()
	exec := newFakeExecution()
	executor, _ := sess.handle.RichExecutor()
	executor.(*fakeExecutor).enqueue(exec)

	go func() {
		exec.start()
		exec.emit("hello\r\n")
		exec.emit("world\r\n")
		exec.finish(0)
	}()

	res, err := m.Execute(context.Background(), ExecRequest{Command: "echo hello", WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", res.ExitCode)
	}
	if res.Output != "hello\nworld" {
		t.Errorf("output = %q", res.Output)
	}
	if !res.OutputCaptured {
		t.Error("expected output_captured=true")
	}
	if res.SessionID != sess.ID {
		t.Errorf("session id = %d, want %d", res.SessionID, sess.ID)
	}
}

func TestExecute_MarkerCarriesExitCode(t *testing.T) {
	m, _ := newTestManager(t, true)

	sess, err := m.Resolve(context.Background(), ExecRequest{WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	sess.release()
	exec := newFakeExecution()
	executor, _ := sess.handle.RichExecutor()
	executor.(*fakeExecutor).enqueue(exec)

	go func() {
		exec.start()
		exec.emit("partial output\n")
		// Shell integration emits the marker; no exit event ever arrives.
		exec.emit("\x1b]133;D;3\x07")
	}()

	res, err := m.Execute(context.Background(), ExecRequest{Command: "false", WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3 from marker", res.ExitCode)
	}
	if strings.Contains(res.Output, "133;D") {
		t.Errorf("marker must be stripped from output, got %q", res.Output)
	}
}

func TestExecute_SessionClosedResolvesWait(t *testing.T) {
	m, _ := newTestManager(t, true)

	sess, err := m.Resolve(context.Background(), ExecRequest{WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	sess.release()
	exec := newFakeExecution()
	executor, _ := sess.handle.RichExecutor()
	executor.(*fakeExecutor).enqueue(exec)

	go func() {
		exec.start()
		exec.emit("some output\n")
		time.Sleep(20 * time.Millisecond)
		_ = sess.handle.Close()
	}()

	done := make(chan *ExecResult, 1)
	go func() {
		res, err := m.Execute(context.Background(), ExecRequest{Command: "cmd", WorkDir: "/w"})
		if err != nil {
			t.Error(err)
			return
		}
		done <- res
	}()

	select {
	case res := <-done:
		if res.ExitCode != nil {
			t.Errorf("exit code must be unknown on session close, got %d", *res.ExitCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("foreground wait hung after session close")
	}
}

func TestExecute_TimeoutExcludesStartupLatency(t *testing.T) {
	m, _ := newTestManager(t, true)

	sess, err := m.Resolve(context.Background(), ExecRequest{WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	sess.release()
	exec := newFakeExecution()
	executor, _ := sess.handle.RichExecutor()
	executor.(*fakeExecutor).enqueue(exec)

	const startupDelay = 300 * time.Millisecond
	const timeout = 200 * time.Millisecond

	go func() {
		time.Sleep(startupDelay)
		exec.start()
	}()

	begin := time.Now()
	res, err := m.Execute(context.Background(), ExecRequest{
		Command: "slow", WorkDir: "/w", Timeout: timeout,
	})
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(begin)

	if !res.TimedOut {
		t.Fatal("expected timed out result")
	}
	// The timer arms at the start event, so the wait must cover startup
	// latency plus the full timeout.
	if elapsed < startupDelay+timeout {
		t.Errorf("timeout fired after %v, want at least %v", elapsed, startupDelay+timeout)
	}
	if res.ExitCode != nil {
		t.Errorf("timed-out execution must report nil exit code, got %d", *res.ExitCode)
	}
	if !strings.Contains(res.Output, "may still be running") {
		t.Errorf("missing still-running note, got %q", res.Output)
	}
}

func TestExecute_TimeoutScenario(t *testing.T) {
	// "sleep 5" with timeout=1: result within roughly timeout+grace, not 5s.
	m, _ := newTestManager(t, true)

	sess, err := m.Resolve(context.Background(), ExecRequest{WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	sess.release()
	exec := newFakeExecution()
	executor, _ := sess.handle.RichExecutor()
	executor.(*fakeExecutor).enqueue(exec)

	go func() {
		exec.start()
		time.Sleep(5 * time.Second)
		exec.finish(0)
	}()

	begin := time.Now()
	res, err := m.Execute(context.Background(), ExecRequest{
		Command: "sleep 5", WorkDir: "/w", Timeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("expected prompt timeout return, took %v", elapsed)
	}
	if !res.TimedOut || res.ExitCode != nil {
		t.Errorf("want timed-out nil-exit result, got %+v", res)
	}
}

func TestBackground_FinalizeExactlyOnce(t *testing.T) {
	orders := []string{"exit-then-close", "close-then-exit"}
	for _, order := range orders {
		t.Run(order, func(t *testing.T) {
			m, _ := newTestManager(t, true)

			sess, err := m.Resolve(context.Background(), ExecRequest{WorkDir: "/w"})
			if err != nil {
				t.Fatal(err)
			}
			sess.release()
			exec := newFakeExecution()
			executor, _ := sess.handle.RichExecutor()
			executor.(*fakeExecutor).enqueue(exec)

			res, err := m.Execute(context.Background(), ExecRequest{
				Command: "make test", WorkDir: "/w", Background: true,
			})
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(res.Message, "background") {
				t.Errorf("background message = %q", res.Message)
			}
			if !sess.BackgroundRunning() {
				t.Fatal("expected background running")
			}

			exec.start()
			exec.emit("building\n")

			code := 7
			switch order {
			case "exit-then-close":
				exec.done <- ExitStatus{Code: &code}
				waitForFinalized(t, sess)
				_ = sess.handle.Close()
			case "close-then-exit":
				_ = sess.handle.Close()
				waitForFinalized(t, sess)
				exec.done <- ExitStatus{Code: &code}
			}
			// Both observers fired; state must have transitioned exactly once.
			time.Sleep(50 * time.Millisecond)

			sess.mu.Lock()
			running := sess.bgRunning
			exitCode := sess.bgExitCode
			cleanups := len(sess.bgCleanup)
			sess.mu.Unlock()

			if running {
				t.Error("background still marked running")
			}
			if cleanups != 0 {
				t.Errorf("cleanup handles not released: %d", cleanups)
			}
			if order == "exit-then-close" && (exitCode == nil || *exitCode != 7) {
				t.Errorf("exit code = %v, want 7", exitCode)
			}
			if order == "close-then-exit" && exitCode != nil {
				t.Errorf("exit code should be unknown when close wins, got %d", *exitCode)
			}
		})
	}
}

func waitForFinalized(t *testing.T, sess *Session) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sess.mu.Lock()
		finalized := sess.bgFinalized
		sess.mu.Unlock()
		if finalized {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background execution never finalized")
}

func TestCurrentOutput_GatedUnlessForced(t *testing.T) {
	m, _ := newTestManager(t, true)

	sess, err := m.Resolve(context.Background(), ExecRequest{WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	sess.appendOutput([]byte("stale output"), 0)

	out, err := m.CurrentOutput(sess.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Errorf("idle session must return no output without force, got %q", out)
	}

	out, err = m.CurrentOutput(sess.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if out != "stale output" {
		t.Errorf("forced output = %q", out)
	}

	sess.setBusy(true)
	sess.appendOutput([]byte("live"), 0)
	out, err = m.CurrentOutput(sess.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if out != "live" {
		t.Errorf("busy session output = %q", out)
	}
}

func TestCloseByName_ReportsMissing(t *testing.T) {
	m, _ := newTestManager(t, true)
	ctx := context.Background()

	if _, err := m.Resolve(ctx, ExecRequest{SessionName: "build", WorkDir: "/w"}); err != nil {
		t.Fatal(err)
	}

	notFound := m.CloseByName([]string{"build", "ghost"})
	if len(notFound) != 1 || notFound[0] != "ghost" {
		t.Errorf("notFound = %v", notFound)
	}
	if got := len(m.List()); got != 0 {
		t.Errorf("expected empty pool, got %d sessions", got)
	}
}

func TestInterrupt(t *testing.T) {
	m, host := newTestManager(t, true)

	sess, err := m.Resolve(context.Background(), ExecRequest{WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Interrupt(sess.ID); err != nil {
		t.Fatal(err)
	}
	h := host.lastHandle()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.interrupts != 1 {
		t.Errorf("interrupts = %d, want 1", h.interrupts)
	}
}
