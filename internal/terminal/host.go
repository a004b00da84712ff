// Package terminal provides the execution engine that runs agent commands
// against a pool of named, reusable terminal sessions. Command completion is
// detected by racing several independent signals (exit event, stream
// exhaustion, in-band marker, session close, caller timeout), with a single
// first-wins finalize transition per execution.
package terminal

import "context"

// ExitStatus carries the exit code of a finished execution.
// Code is nil when the host could not determine one.
type ExitStatus struct {
	Code *int
}

// Execution represents one command run under the rich execution protocol.
type Execution interface {
	// Started is closed once the command has actually begun executing.
	// Caller timeouts are measured from this point, not from submission.
	Started() <-chan struct{}

	// Output yields raw output chunks. The channel is closed when the host
	// stops producing data for this execution.
	Output() <-chan []byte

	// Done yields the exit status exactly once, if the host learns it.
	Done() <-chan ExitStatus
}

// Executor starts commands under the rich execution protocol.
type Executor interface {
	Start(ctx context.Context, command string) (Execution, error)
}

// SessionHandle is the engine's view of one interactive session owned by the
// host environment.
type SessionHandle interface {
	// SendText injects raw keystrokes. Used for fallback execution when the
	// rich protocol is unavailable.
	SendText(text string) error

	// Interrupt asks the session's foreground process to stop. Best-effort.
	Interrupt() error

	// Closed is closed when the underlying session goes away, by any actor.
	Closed() <-chan struct{}

	// Close disposes the session.
	Close() error

	// RichExecutor reports whether the session offers the rich execution
	// protocol. The engine polls this for a bounded period after creation.
	RichExecutor() (Executor, bool)

	// Screen returns the currently rendered screen contents, or "" when the
	// host cannot provide one. Used as a fallback for forced output capture.
	Screen() string
}

// CreateOptions describes the session the engine asks the host to create.
type CreateOptions struct {
	Name    string
	WorkDir string
	// Beside positions the new session next to an existing one. Opaque to
	// the engine; hosts that cannot honor it ignore it.
	Beside string
	// Env overrides applied to processes spawned in the session. The engine
	// always requests pager and interactive-prompt suppression.
	Env map[string]string
}

// Host is the capability boundary to the environment that owns real
// interactive sessions.
type Host interface {
	CreateSession(ctx context.Context, opts CreateOptions) (SessionHandle, error)
}

// BaseEnv returns the environment overrides the engine requests for every
// session: spawned processes must not block on pagers or interactive prompts.
func BaseEnv() map[string]string {
	return map[string]string{
		"PAGER":               "cat",
		"GIT_PAGER":           "cat",
		"GIT_TERMINAL_PROMPT": "0",
		"TERM":                "xterm-256color",
	}
}
