package terminal

import (
	"sync"
)

// DefaultSessionName is the label shared by pool sessions created for one-off
// commands. Named sessions exist for intentional parallelism; default-named
// sessions are reused freely when idle.
const DefaultSessionName = "gatehouse"

// Session is one execution session in the pool. At most one foreground
// command runs per session, and a session with a background command in flight
// is skipped by the resolver until the background work finalizes.
type Session struct {
	ID      int
	Name    string
	WorkDir string

	handle SessionHandle

	mu        sync.Mutex
	busy      bool
	reserved  bool
	outputBuf []byte

	bgRunning        bool
	bgExitCode       *int
	bgOutput         []byte
	bgOutputCaptured bool
	bgFinalized      bool
	bgCleanup        []func()
}

// Busy reports whether a foreground command is in progress.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// BackgroundRunning reports whether a background execution is in progress.
func (s *Session) BackgroundRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bgRunning
}

// tryReserve claims the session for a pending execution. The claim succeeds
// only when no foreground command, background command, or earlier claim holds
// the session; reuse by name and by the default pool both go through here.
// The claim is dropped when execution begins (or via release if it never does),
// so a session is never handed out twice while an execution is still being
// set up.
func (s *Session) tryReserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || s.bgRunning || s.reserved {
		return false
	}
	s.reserved = true
	return true
}

// reserve claims the session unconditionally. Used for explicit-id targeting,
// where running over a busy session is the caller's risk.
func (s *Session) reserve() {
	s.mu.Lock()
	s.reserved = true
	s.mu.Unlock()
}

// release drops a claim that never turned into an execution.
func (s *Session) release() {
	s.mu.Lock()
	s.reserved = false
	s.mu.Unlock()
}

func (s *Session) setBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	if busy {
		s.reserved = false
		s.outputBuf = nil
	}
	s.mu.Unlock()
}

// appendOutput accumulates foreground output, capped at maxBytes (the oldest
// data is dropped first).
func (s *Session) appendOutput(data []byte, maxBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputBuf = append(s.outputBuf, data...)
	if maxBytes > 0 && len(s.outputBuf) > maxBytes {
		s.outputBuf = s.outputBuf[len(s.outputBuf)-maxBytes:]
	}
}

// outputSnapshot returns a copy of the current foreground buffer.
func (s *Session) outputSnapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.outputBuf))
	copy(out, s.outputBuf)
	return out
}

func (s *Session) appendBackgroundOutput(data []byte, maxBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bgOutput = append(s.bgOutput, data...)
	if maxBytes > 0 && len(s.bgOutput) > maxBytes {
		s.bgOutput = s.bgOutput[len(s.bgOutput)-maxBytes:]
	}
}

// addBackgroundCleanup registers a listener disposer to run when the
// background execution finalizes.
func (s *Session) addBackgroundCleanup(fn func()) {
	s.mu.Lock()
	if s.bgFinalized {
		s.mu.Unlock()
		fn()
		return
	}
	s.bgCleanup = append(s.bgCleanup, fn)
	s.mu.Unlock()
}

// BackgroundStatus is a point-in-time snapshot of background execution state.
type BackgroundStatus struct {
	Running        bool   `json:"running"`
	ExitCode       *int   `json:"exit_code,omitempty"`
	Output         string `json:"output"`
	OutputCaptured bool   `json:"output_captured"`
}

// Info is the session summary exposed by List.
type Info struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Busy bool   `json:"busy"`
}
