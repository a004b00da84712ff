package terminal

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/events/bus"
	"github.com/gatehouse/gatehouse/internal/termfmt"
)

// executeBackground starts a command and returns immediately. Two independent
// completion observers are installed (exit event, session close); whichever
// fires first finalizes state, exactly once. A marker found inline during
// stream consumption triggers the same finalization.
func (m *Manager) executeBackground(ctx context.Context, sess *Session, executor Executor, command string) (*ExecResult, error) {
	sess.mu.Lock()
	if sess.bgRunning {
		sess.reserved = false
		sess.mu.Unlock()
		return nil, fmt.Errorf("session %d already has a background command running", sess.ID)
	}
	// The resolver's claim converts into the background run.
	sess.reserved = false
	sess.bgRunning = true
	sess.bgFinalized = false
	sess.bgExitCode = nil
	sess.bgOutput = nil
	sess.bgOutputCaptured = true
	sess.bgCleanup = nil
	sess.mu.Unlock()

	exec, err := executor.Start(ctx, command)
	if err != nil {
		sess.mu.Lock()
		sess.bgRunning = false
		sess.mu.Unlock()
		return nil, fmt.Errorf("failed to start background execution: %w", err)
	}

	// Stream consumer: does not block the caller, finalizes on inline marker.
	go func() {
		markerSeen := false
		for chunk := range exec.Output() {
			sess.appendBackgroundOutput(chunk, m.cfg.MaxBufferBytes)
			if markerSeen {
				continue
			}
			sess.mu.Lock()
			snapshot := make([]byte, len(sess.bgOutput))
			copy(snapshot, sess.bgOutput)
			sess.mu.Unlock()
			if code, _, ok := termfmt.FindMarkerInTail(snapshot, markerScanWindow); ok {
				markerSeen = true
				m.finalizeBackground(sess, code)
			}
		}
	}()

	// Observer 1: exit event.
	exitStop := make(chan struct{})
	sess.addBackgroundCleanup(func() { close(exitStop) })
	go func() {
		select {
		case status, ok := <-exec.Done():
			if ok {
				m.finalizeBackground(sess, status.Code)
			} else {
				m.finalizeBackground(sess, nil)
			}
		case <-exitStop:
		}
	}()

	// Observer 2: session close (exit code unknown).
	closeStop := make(chan struct{})
	sess.addBackgroundCleanup(func() { close(closeStop) })
	go func() {
		select {
		case <-sess.handle.Closed():
			m.finalizeBackground(sess, nil)
		case <-closeStop:
		}
	}()

	m.logger.Info("background execution started", zap.Int("session_id", sess.ID))

	return &ExecResult{
		SessionID:      sess.ID,
		OutputCaptured: true,
		Message: "Command running in background in terminal " + strconv.Itoa(sess.ID) +
			". Poll the terminal status to retrieve its output and exit code.",
	}, nil
}

// finalizeBackground transitions running -> not running exactly once: cleans
// the buffer, records the exit code, and releases observer resources. Later
// calls are no-ops.
func (m *Manager) finalizeBackground(sess *Session, code *int) {
	sess.mu.Lock()
	if sess.bgFinalized || (!sess.bgRunning && len(sess.bgCleanup) == 0) {
		sess.mu.Unlock()
		return
	}
	sess.bgFinalized = true
	sess.bgRunning = false
	if code != nil {
		sess.bgExitCode = code
	}
	cleaned := termfmt.NormalizeOutput(string(sess.bgOutput))
	sess.bgOutput = []byte(cleaned)
	cleanup := sess.bgCleanup
	sess.bgCleanup = nil
	exitCode := sess.bgExitCode
	sess.mu.Unlock()

	for _, fn := range cleanup {
		fn()
	}

	m.logger.Info("background execution finished",
		zap.Int("session_id", sess.ID),
		zap.Any("exit_code", exitCode))
	m.publish(bus.SubjectTerminalBackgroundDone, map[string]interface{}{
		"session_id": sess.ID,
		"exit_code":  exitCode,
	})
}

// BackgroundStatus returns a snapshot of the session's background execution.
func (m *Manager) BackgroundStatus(sessionID int) (*BackgroundStatus, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	out := string(sess.bgOutput)
	if sess.bgRunning {
		out = termfmt.NormalizeOutput(out)
	}
	return &BackgroundStatus{
		Running:        sess.bgRunning,
		ExitCode:       sess.bgExitCode,
		Output:         out,
		OutputCaptured: sess.bgOutputCaptured,
	}, nil
}
