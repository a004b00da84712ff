// Package ptyhost implements the terminal.Host capability boundary on top of
// an operating-system pseudo-terminal. Each session runs a real interactive
// shell; command completion is reported through an in-band marker appended to
// every dispatched command, and a vt10x emulator keeps a rendered screen for
// forced output capture.
package ptyhost

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/common/logger"
	"github.com/gatehouse/gatehouse/internal/terminal"
	"github.com/gatehouse/gatehouse/internal/termfmt"
)

// ptyFile abstracts the platform PTY handle (Unix PTY master or ConPTY).
type ptyFile interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	Resize(cols, rows uint16) error
}

// Config holds PTY host configuration.
type Config struct {
	Cols         int
	Rows         int
	ShellCommand string   // Optional shell override
	ShellArgs    []string // Optional shell args override
}

// DefaultConfig returns the default PTY host configuration.
func DefaultConfig() Config {
	return Config{Cols: 80, Rows: 24}
}

// Host creates shell sessions backed by real PTYs.
type Host struct {
	logger *logger.Logger
	cfg    Config
}

// New creates a PTY-backed session host.
func New(cfg Config, log *logger.Logger) *Host {
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}
	return &Host{
		logger: log.WithFields(zap.String("component", "ptyhost")),
		cfg:    cfg,
	}
}

// detectShell returns the appropriate shell for the current OS.
func detectShell() (string, []string) {
	if runtime.GOOS == "windows" {
		if _, err := exec.LookPath("pwsh.exe"); err == nil {
			return "pwsh.exe", []string{"-NoLogo", "-NoExit"}
		}
		if _, err := exec.LookPath("powershell.exe"); err == nil {
			return "powershell.exe", []string{"-NoLogo", "-NoExit"}
		}
		return "cmd.exe", nil
	}

	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}

	shells := []string{"/bin/bash", "/bin/zsh", "/bin/sh"}
	for _, sh := range shells {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}

	return "/bin/sh", nil
}

// CreateSession starts a new shell under a PTY.
func (h *Host) CreateSession(ctx context.Context, opts terminal.CreateOptions) (terminal.SessionHandle, error) {
	shell, args := detectShell()
	if h.cfg.ShellCommand != "" {
		shell = h.cfg.ShellCommand
		args = h.cfg.ShellArgs
	}

	cmd := exec.Command(shell, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = buildEnv(opts)

	p, err := startPTY(cmd, h.cfg.Cols, h.cfg.Rows)
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	s := &session{
		logger: h.logger.WithFields(zap.String("session_name", opts.Name)),
		pty:    p,
		cmd:    cmd,
		cols:   h.cfg.Cols,
		rows:   h.cfg.Rows,
		term:   vt10x.New(vt10x.WithSize(h.cfg.Cols, h.cfg.Rows)),
		closed: make(chan struct{}),
	}

	h.logger.Info("shell session started",
		zap.String("shell", shell),
		zap.String("cwd", opts.WorkDir),
		zap.Int("pid", cmd.Process.Pid))

	go s.readLoop()
	go s.waitForExit()

	return s, nil
}

// buildEnv creates the environment for the shell process. The engine's base
// overrides win over the inherited environment; per-session overrides win
// over both.
func buildEnv(opts terminal.CreateOptions) []string {
	overrides := terminal.BaseEnv()
	for k, v := range opts.Env {
		overrides[k] = v
	}

	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	env = append(env, "PWD="+opts.WorkDir)
	env = append(env, "LANG=C.UTF-8")
	env = append(env, "LC_ALL=C.UTF-8")
	return env
}

// markerScanWindow bounds how much stream tail is kept for marker detection.
const markerScanWindow = 4096

// session implements terminal.SessionHandle over one shell PTY.
type session struct {
	logger *logger.Logger
	pty    ptyFile
	cmd    *exec.Cmd
	cols   int
	rows   int

	termMu sync.Mutex
	term   vt10x.Terminal

	closed     chan struct{}
	closedOnce sync.Once
	ptyOnce    sync.Once

	mu      sync.Mutex
	current *execution
	tail    []byte
}

func (s *session) SendText(text string) error {
	_, err := s.pty.Write([]byte(text))
	return err
}

// Interrupt sends ETX (Ctrl-C) to the foreground process group.
func (s *session) Interrupt() error {
	_, err := s.pty.Write([]byte{0x03})
	return err
}

func (s *session) Closed() <-chan struct{} { return s.closed }

func (s *session) Close() error {
	// Closing the PTY sends SIGHUP to the shell on Unix; waitForExit then
	// observes the exit and marks the session closed.
	s.ptyOnce.Do(func() { _ = s.pty.Close() })
	return nil
}

// RichExecutor always reports support: every dispatched command is wrapped
// with a completion marker trailer.
func (s *session) RichExecutor() (terminal.Executor, bool) {
	return s, true
}

// Resize changes the PTY and emulator dimensions.
func (s *session) Resize(cols, rows int) error {
	if err := s.pty.Resize(uint16(cols), uint16(rows)); err != nil {
		return err
	}
	s.termMu.Lock()
	s.term.Resize(cols, rows)
	s.termMu.Unlock()
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return nil
}

// Screen renders the emulator grid as visible text, trimming trailing blanks.
func (s *session) Screen() string {
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	s.termMu.Lock()
	defer s.termMu.Unlock()

	lines := make([]string, 0, rows)
	for row := 0; row < rows; row++ {
		chars := make([]rune, 0, cols)
		for col := 0; col < cols; col++ {
			g := s.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines = append(lines, strings.TrimRight(string(chars), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Start dispatches one command under the marker protocol. Only one execution
// may be active per session.
func (s *session) Start(ctx context.Context, command string) (terminal.Execution, error) {
	ex := &execution{
		started: make(chan struct{}),
		output:  make(chan []byte, 256),
		done:    make(chan terminal.ExitStatus, 1),
	}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("session already has an active execution")
	}
	s.current = ex
	s.tail = nil
	s.mu.Unlock()

	if _, err := s.pty.Write([]byte(wrapCommand(command) + "\n")); err != nil {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to dispatch command: %w", err)
	}
	return ex, nil
}

// wrapCommand appends a trailer that emits the completion marker with the
// command's exit code once it finishes.
func wrapCommand(command string) string {
	if runtime.GOOS == "windows" {
		// cmd.exe and PowerShell both expand %errorlevel% after the
		// preceding command has run.
		return command + " & echo \x1b]133;D;%errorlevel%\x07"
	}
	return command + `; printf '\033]133;D;%d\a' "$?"`
}

// readLoop continuously reads PTY output, feeds the screen emulator, forwards
// chunks to the active execution and watches for the completion marker.
func (s *session) readLoop() {
	buf := make([]byte, 4096)

	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			s.termMu.Lock()
			_, _ = s.term.Write(data)
			s.termMu.Unlock()

			s.dispatch(data)
		}
		if err != nil {
			s.logger.Debug("pty read loop finished", zap.Error(err))
			return
		}
	}
}

// dispatch forwards a chunk to the active execution and completes it when the
// marker appears in the stream tail.
func (s *session) dispatch(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current
	if cur == nil {
		return
	}
	cur.markStarted()

	select {
	case cur.output <- data:
	default:
		// Consumer is not draining; drop rather than stall the PTY.
	}

	s.tail = append(s.tail, data...)
	if len(s.tail) > markerScanWindow {
		s.tail = s.tail[len(s.tail)-markerScanWindow:]
	}
	if code, _, ok := termfmt.FindMarkerInTail(s.tail, markerScanWindow); ok {
		s.finishLocked(code)
	}
}

// finishLocked completes the active execution. Caller holds s.mu.
func (s *session) finishLocked(code *int) {
	cur := s.current
	if cur == nil {
		return
	}
	s.current = nil
	s.tail = nil
	cur.done <- terminal.ExitStatus{Code: code}
	close(cur.output)
}

// waitForExit reaps the shell process and marks the session closed.
func (s *session) waitForExit() {
	if s.cmd != nil {
		_ = s.cmd.Wait()
	}
	s.ptyOnce.Do(func() { _ = s.pty.Close() })

	s.mu.Lock()
	s.finishLocked(nil)
	s.mu.Unlock()

	s.closedOnce.Do(func() { close(s.closed) })
	s.logger.Info("shell session exited")
}

// Kill force-terminates the shell process if closing the PTY did not stop it.
func (s *session) Kill(grace time.Duration) {
	s.ptyOnce.Do(func() { _ = s.pty.Close() })
	select {
	case <-s.closed:
	case <-time.After(grace):
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	}
}

// execution implements terminal.Execution for marker-protocol commands.
type execution struct {
	startOnce sync.Once
	started   chan struct{}
	output    chan []byte
	done      chan terminal.ExitStatus
}

func (e *execution) Started() <-chan struct{}        { return e.started }
func (e *execution) Output() <-chan []byte           { return e.output }
func (e *execution) Done() <-chan terminal.ExitStatus { return e.done }

func (e *execution) markStarted() {
	e.startOnce.Do(func() { close(e.started) })
}
