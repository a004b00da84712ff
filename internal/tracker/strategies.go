package tracker

import (
	"fmt"

	"go.uber.org/zap"
)

// CancelCall abandons an in-flight call: interrupt its linked session, cancel
// its linked approval, reject any pending write diff, then force-resolve with
// a cancelled result. The four actions are independent and all attempted even
// when some are inapplicable.
func (t *Tracker) CancelCall(callID string) error {
	call, ok := t.Get(callID)
	if !ok {
		return fmt.Errorf("call not found: %s", callID)
	}

	if call.TerminalID != nil && t.sessions != nil {
		if err := t.sessions.Interrupt(*call.TerminalID); err != nil {
			t.logger.Debug("interrupt on cancel failed",
				zap.String("call_id", callID), zap.Error(err))
		}
	}

	if call.ApprovalID != "" && t.approvals != nil {
		if err := t.approvals.Cancel(call.ApprovalID); err != nil {
			t.logger.Debug("approval cancel failed",
				zap.String("call_id", callID), zap.Error(err))
		}
	}

	if t.diffs != nil {
		t.diffs.Reject(callID, "cancelled")
	}

	t.ForceResolve(callID, &Result{
		Content: "Tool call was cancelled by the user.",
		IsError: true,
		Forced:  true,
	})
	return nil
}

// completeStrategy produces the forced result for one call category, or nil
// when the real handler is expected to win instead.
type completeStrategy func(t *Tracker, call TrackedCall) *Result

var completeStrategies = map[Category]completeStrategy{
	CategoryCommand:   completeCommand,
	CategoryFileWrite: completeFileWrite,
	CategoryGeneric:   completeGeneric,
}

// CompleteCall force-completes an in-flight call with the category-specific
// recovery strategy.
func (t *Tracker) CompleteCall(callID string) error {
	call, ok := t.Get(callID)
	if !ok {
		return fmt.Errorf("call not found: %s", callID)
	}

	strategy, ok := completeStrategies[call.Category]
	if !ok {
		strategy = completeGeneric
	}

	if res := strategy(t, call); res != nil {
		t.ForceResolve(callID, res)
	}
	return nil
}

// completeCommand snapshots whatever output the linked session has produced,
// interrupts it, and resolves with the partial output.
func completeCommand(t *Tracker, call TrackedCall) *Result {
	output := ""
	if call.TerminalID != nil && t.sessions != nil {
		out, err := t.sessions.CurrentOutput(*call.TerminalID, true)
		if err == nil {
			output = out
		}
		if err := t.sessions.Interrupt(*call.TerminalID); err != nil {
			t.logger.Debug("interrupt on complete failed",
				zap.String("call_id", call.ID), zap.Error(err))
		}
	}

	content := "Command was force-completed by the user."
	if output != "" {
		content = fmt.Sprintf("Command was force-completed by the user. Output so far:\n%s", output)
	}
	return &Result{Content: content, Forced: true}
}

// completeFileWrite auto-accepts the pending diff when one exists, letting
// the real handler finish normally; without one, it resolves with a fallback.
func completeFileWrite(t *Tracker, call TrackedCall) *Result {
	if t.diffs != nil && t.diffs.Accept(call.ID) {
		// The accepted diff unblocks the real handler, which wins the
		// race; no forced result is needed.
		return nil
	}
	return &Result{
		Content: "Write was force-completed, but no pending diff was available to accept.",
		Forced:  true,
	}
}

func completeGeneric(t *Tracker, call TrackedCall) *Result {
	if call.ApprovalID != "" && t.approvals != nil {
		if err := t.approvals.Cancel(call.ApprovalID); err != nil {
			t.logger.Debug("approval cancel failed",
				zap.String("call_id", call.ID), zap.Error(err))
		}
	}
	return &Result{Content: "Tool call was force-completed by the user.", Forced: true}
}
