// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// RichProtocolDetectTimeout is the maximum time to wait for a terminal
	// session to expose the rich execution protocol before falling back to
	// raw input.
	RichProtocolDetectTimeout = 5 * time.Second

	// RichProtocolPollInterval is how often rich protocol availability is
	// re-checked while waiting.
	RichProtocolPollInterval = 100 * time.Millisecond

	// ExitCodeGraceTimeout is how long a foreground wait lingers for a late
	// exit event after output has already signalled completion.
	ExitCodeGraceTimeout = 5 * time.Second

	// PathLockTimeout is the maximum time a file write waits for another
	// in-flight edit to the same path.
	PathLockTimeout = 60 * time.Second

	// KeepaliveInterval is how often long-running tracked calls emit a
	// liveness signal on the transport.
	KeepaliveInterval = 30 * time.Second

	// CompletedCallTTL is how long finished tracked calls remain visible in
	// the recently-completed list.
	CompletedCallTTL = 5 * time.Minute

	// RecentApprovalTTL is the default window during which an identical
	// approved command is auto-approved without re-prompting.
	RecentApprovalTTL = 10 * time.Second
)
