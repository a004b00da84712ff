package terminal

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/common/constants"
	"github.com/gatehouse/gatehouse/internal/common/logger"
	"github.com/gatehouse/gatehouse/internal/events/bus"
	"github.com/gatehouse/gatehouse/internal/termfmt"
)

// ErrSessionNotFound is returned when an operation targets an unknown session id.
var ErrSessionNotFound = errors.New("terminal session not found")

// markerScanWindow bounds how much of the tail of a growing buffer the
// periodic marker poll inspects. Scans overlap by termfmt.MaxMarkerLen so a
// marker split across output chunks is still found.
const markerScanWindow = 4096

// Config holds engine tunables.
type Config struct {
	MaxBufferBytes int           // Per-execution output cap (default 1 MiB)
	ExitGrace      time.Duration // Late exit-code grace period
	DetectTimeout  time.Duration // Rich protocol detection window
	DetectInterval time.Duration // Rich protocol poll interval
	MarkerPoll     time.Duration // Buffer marker poll interval
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxBufferBytes: 1024 * 1024,
		ExitGrace:      constants.ExitCodeGraceTimeout,
		DetectTimeout:  constants.RichProtocolDetectTimeout,
		DetectInterval: constants.RichProtocolPollInterval,
		MarkerPoll:     100 * time.Millisecond,
	}
}

// Manager owns the session pool and runs commands against it.
type Manager struct {
	logger *logger.Logger
	host   Host
	events bus.EventBus
	cfg    Config

	// nextID is injected so the engine is instantiable in isolation.
	nextID func() int

	mu       sync.Mutex
	sessions map[int]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDGenerator replaces the session id sequence. Ids must be unique and
// monotonically increasing.
func WithIDGenerator(next func() int) Option {
	return func(m *Manager) { m.nextID = next }
}

// WithConfig replaces the default engine configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// NewManager creates a terminal execution engine over the given host.
func NewManager(host Host, events bus.EventBus, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:   log.WithFields(zap.String("component", "terminal")),
		host:     host,
		events:   events,
		cfg:      DefaultConfig(),
		sessions: make(map[int]*Session),
	}

	seq := 0
	m.nextID = func() int {
		seq++
		return seq
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ExecRequest describes one command execution.
type ExecRequest struct {
	Command     string
	WorkDir     string
	SessionID   *int   // Explicit target; reused unconditionally when set
	SessionName string // Named session; reused when idle, created otherwise
	Beside      string // Position hint for newly created named sessions
	Timeout     time.Duration
	Background  bool
}

// ExecResult is the outcome of one execution.
type ExecResult struct {
	ExitCode       *int   `json:"exit_code,omitempty"`
	Output         string `json:"output"`
	OutputCaptured bool   `json:"output_captured"`
	SessionID      int    `json:"session_id"`
	TimedOut       bool   `json:"timed_out,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Resolve picks or creates the session for a request, per the pool policy:
// explicit id wins unconditionally, then idle named sessions, then the
// default pool preferring a matching working directory.
//
// The returned session is claimed for the caller the moment it is picked, so
// a concurrent Resolve cannot hand it out again while execution is still
// being set up (rich-protocol detection alone can take seconds). The claim is
// consumed when the command starts, or dropped on the failure paths.
func (m *Manager) Resolve(ctx context.Context, req ExecRequest) (*Session, error) {
	m.purgeClosed()

	if req.SessionID != nil {
		m.mu.Lock()
		sess, ok := m.sessions[*req.SessionID]
		m.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, *req.SessionID)
		}
		// Even if busy: explicitly targeting a session is the caller's risk.
		sess.reserve()
		return sess, nil
	}

	if req.SessionName != "" {
		m.mu.Lock()
		for _, sess := range m.sortedLocked() {
			if sess.Name == req.SessionName && sess.tryReserve() {
				m.mu.Unlock()
				return sess, nil
			}
		}
		m.mu.Unlock()
		return m.create(ctx, req.SessionName, req.WorkDir, req.Beside)
	}

	// Default pool: prefer an idle default-named session with a matching
	// working directory, then any idle default-named session.
	m.mu.Lock()
	var fallback []*Session
	for _, sess := range m.sortedLocked() {
		if sess.Name != DefaultSessionName {
			continue
		}
		if sess.WorkDir == req.WorkDir {
			if sess.tryReserve() {
				m.mu.Unlock()
				return sess, nil
			}
			continue
		}
		fallback = append(fallback, sess)
	}
	for _, sess := range fallback {
		if sess.tryReserve() {
			m.mu.Unlock()
			return sess, nil
		}
	}
	m.mu.Unlock()
	return m.create(ctx, DefaultSessionName, req.WorkDir, "")
}

// sortedLocked returns sessions ordered by id for deterministic reuse.
// Caller must hold m.mu.
func (m *Manager) sortedLocked() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) create(ctx context.Context, name, workDir, beside string) (*Session, error) {
	handle, err := m.host.CreateSession(ctx, CreateOptions{
		Name:    name,
		WorkDir: workDir,
		Beside:  beside,
		Env:     BaseEnv(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session %q: %w", name, err)
	}

	// Born claimed: the creating caller gets it first.
	sess := &Session{
		ID:       m.nextID(),
		Name:     name,
		WorkDir:  workDir,
		handle:   handle,
		reserved: true,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	// Eager purge on close, from whichever actor closes the session.
	go func() {
		<-handle.Closed()
		m.remove(sess.ID)
	}()

	m.logger.Info("session created",
		zap.Int("session_id", sess.ID),
		zap.String("name", name),
		zap.String("cwd", workDir))
	m.publish(bus.SubjectTerminalCreated, map[string]interface{}{
		"session_id": sess.ID,
		"name":       name,
	})

	return sess, nil
}

func (m *Manager) remove(id int) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.logger.Info("session removed", zap.Int("session_id", id))
		m.publish(bus.SubjectTerminalClosed, map[string]interface{}{"session_id": id})
	}
}

// purgeClosed lazily drops sessions whose handles have closed.
func (m *Manager) purgeClosed() {
	m.mu.Lock()
	var closed []int
	for id, sess := range m.sessions {
		select {
		case <-sess.handle.Closed():
			closed = append(closed, id)
		default:
		}
	}
	m.mu.Unlock()
	for _, id := range closed {
		m.remove(id)
	}
}

// Get returns the session with the given id.
func (m *Manager) Get(id int) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// List returns a summary of all live sessions.
func (m *Manager) List() []Info {
	m.purgeClosed()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sortedLocked() {
		out = append(out, Info{ID: sess.ID, Name: sess.Name, Busy: sess.Busy()})
	}
	return out
}

// Execute runs a command per the request. Foreground executions block until
// completion is detected; background executions return immediately.
func (m *Manager) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	sess, err := m.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	command := req.Command
	if runtime.GOOS != "windows" {
		command = termfmt.EscapeHistoryExpansion(command)
	}

	executor := m.detectRichExecutor(ctx, sess)
	if executor == nil {
		return m.executeFallback(sess, command, req.Background)
	}
	if req.Background {
		return m.executeBackground(ctx, sess, executor, command)
	}
	return m.executeForeground(ctx, sess, executor, command, req.Timeout)
}

// detectRichExecutor polls for the rich execution protocol up to the
// configured detection window.
func (m *Manager) detectRichExecutor(ctx context.Context, sess *Session) Executor {
	deadline := time.Now().Add(m.cfg.DetectTimeout)
	for {
		if executor, ok := sess.handle.RichExecutor(); ok {
			return executor
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-sess.handle.Closed():
			return nil
		case <-time.After(m.cfg.DetectInterval):
		}
	}
}

// executeFallback sends the raw command text when the rich protocol is
// unavailable. The caller is told explicitly that capture failed.
func (m *Manager) executeFallback(sess *Session, command string, background bool) (*ExecResult, error) {
	// The session never turns busy on this path; drop the resolver's claim.
	defer sess.release()

	if err := sess.handle.SendText(command + "\n"); err != nil {
		return nil, fmt.Errorf("failed to send command to session %d: %w", sess.ID, err)
	}
	if background {
		sess.mu.Lock()
		sess.bgOutputCaptured = false
		sess.mu.Unlock()
	}
	m.logger.Debug("fallback execution", zap.Int("session_id", sess.ID))
	return &ExecResult{
		SessionID:      sess.ID,
		OutputCaptured: false,
		Message: "Command sent to terminal " + strconv.Itoa(sess.ID) +
			", but output capture is unavailable: the session does not support shell integration.",
	}, nil
}

// fgSignal identifies which completion source fired first.
type fgSignal int

const (
	sigExitEvent fgSignal = iota
	sigStreamDone
	sigMarkerSeen
	sigTimedOut
	sigSessionClosed
)

// executeForeground runs one command and waits for completion by racing the
// exit event, stream exhaustion, inline and polled marker detection, session
// close, and (once the command has started) the caller timeout.
func (m *Manager) executeForeground(ctx context.Context, sess *Session, executor Executor, command string, timeout time.Duration) (*ExecResult, error) {
	sess.setBusy(true)
	defer sess.setBusy(false)

	exec, err := executor.Start(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("failed to start execution: %w", err)
	}

	// All completion sources funnel into one channel; the first relevant
	// signal wins and later ones are ignored.
	signals := make(chan fgSignal, 8)
	markerCode := make(chan *int, 2)
	exitCode := make(chan *int, 1)

	go func() {
		markerSeen := false
		for chunk := range exec.Output() {
			sess.appendOutput(chunk, m.cfg.MaxBufferBytes)
			if markerSeen {
				continue
			}
			// Inline marker detection. The consumer can stall after
			// yielding the marker, so the poller below is the backstop.
			if code, _, ok := termfmt.FindMarkerInTail(sess.outputSnapshot(), markerScanWindow); ok {
				markerSeen = true
				select {
				case markerCode <- code:
				default:
				}
				signals <- sigMarkerSeen
			}
		}
		signals <- sigStreamDone
	}()

	go func() {
		status, ok := <-exec.Done()
		if !ok {
			return
		}
		select {
		case exitCode <- status.Code:
		default:
		}
		signals <- sigExitEvent
	}()

	// Periodic poll of the buffer: independent correctness backstop for
	// marker detection.
	pollStop := make(chan struct{})
	defer close(pollStop)
	go func() {
		ticker := time.NewTicker(m.cfg.MarkerPoll)
		defer ticker.Stop()
		for {
			select {
			case <-pollStop:
				return
			case <-ticker.C:
				if code, _, ok := termfmt.FindMarkerInTail(sess.outputSnapshot(), markerScanWindow); ok {
					select {
					case markerCode <- code:
					default:
					}
					signals <- sigMarkerSeen
					return
				}
			}
		}
	}()

	// The caller timeout is armed only once the command has actually begun
	// executing, so session startup latency is never charged against it.
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := make(chan time.Time, 1)
		timeoutCh = timer
		go func() {
			select {
			case <-exec.Started():
			case <-pollStop:
				return
			}
			select {
			case t := <-time.After(timeout):
				timer <- t
			case <-pollStop:
			}
		}()
	}

	var primary fgSignal
	select {
	case primary = <-signals:
	case <-timeoutCh:
		primary = sigTimedOut
	case <-sess.handle.Closed():
		primary = sigSessionClosed
	}

	// Collect what we know so far.
	var code *int
	select {
	case code = <-markerCode:
	default:
	}
	select {
	case ec := <-exitCode:
		code = ec
	default:
	}

	// Bounded grace period for a late exit code before reporting null.
	if code == nil && primary != sigExitEvent && primary != sigSessionClosed {
		grace := time.After(m.cfg.ExitGrace)
	graceLoop:
		for {
			select {
			case sig := <-signals:
				if sig == sigExitEvent {
					select {
					case ec := <-exitCode:
						code = ec
					default:
					}
					break graceLoop
				}
				if sig == sigMarkerSeen {
					select {
					case mc := <-markerCode:
						if mc != nil {
							code = mc
						}
					default:
					}
				}
			case <-sess.handle.Closed():
				break graceLoop
			case <-grace:
				break graceLoop
			}
		}
	}

	output := termfmt.NormalizeOutput(string(sess.outputSnapshot()))

	result := &ExecResult{
		ExitCode:       code,
		Output:         output,
		OutputCaptured: true,
		SessionID:      sess.ID,
	}
	if primary == sigTimedOut {
		result.TimedOut = true
		result.Output += "\n\n[Command timed out; the process may still be running in terminal " + strconv.Itoa(sess.ID) + "]"
	}

	m.logger.Debug("foreground execution finished",
		zap.Int("session_id", sess.ID),
		zap.Int("signal", int(primary)),
		zap.Bool("timed_out", result.TimedOut))

	return result, nil
}

// Interrupt sends an interrupt to the session without waiting.
func (m *Manager) Interrupt(sessionID int) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	return sess.handle.Interrupt()
}

// CurrentOutput returns the session's accumulated output. Unless force is
// set, data is only returned while the session is busy, running in the
// background, or holds captured background output.
func (m *Manager) CurrentOutput(sessionID int, force bool) (string, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}

	sess.mu.Lock()
	relevant := sess.busy || sess.bgRunning || sess.bgOutputCaptured
	fg := string(sess.outputBuf)
	bg := string(sess.bgOutput)
	sess.mu.Unlock()

	if !relevant && !force {
		return "", nil
	}

	out := fg
	if out == "" {
		out = bg
	}
	if out == "" && force {
		// Forced capture falls back to the rendered screen.
		return sess.handle.Screen(), nil
	}
	return termfmt.NormalizeOutput(out), nil
}

// CloseByName closes sessions by name, disposing background observers first.
// Names with no matching session are reported back, not treated as errors.
func (m *Manager) CloseByName(names []string) (notFound []string) {
	m.purgeClosed()
	for _, name := range names {
		m.mu.Lock()
		var targets []*Session
		for _, sess := range m.sessions {
			if sess.Name == name {
				targets = append(targets, sess)
			}
		}
		m.mu.Unlock()

		if len(targets) == 0 {
			notFound = append(notFound, name)
			continue
		}
		for _, sess := range targets {
			m.closeSession(sess)
		}
	}
	return notFound
}

// CloseAll closes every session in the pool.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	targets := m.sortedLocked()
	m.mu.Unlock()
	for _, sess := range targets {
		m.closeSession(sess)
	}
}

func (m *Manager) closeSession(sess *Session) {
	m.finalizeBackground(sess, nil)
	if err := sess.handle.Close(); err != nil {
		m.logger.Warn("failed to close session",
			zap.Int("session_id", sess.ID), zap.Error(err))
	}
	m.remove(sess.ID)
}

func (m *Manager) publish(subject string, data map[string]interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(context.Background(), subject, bus.NewEvent(subject, "terminal", data)); err != nil {
		m.logger.Debug("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
