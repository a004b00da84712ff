package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gatehouse/gatehouse/internal/approval"
	"github.com/gatehouse/gatehouse/internal/common/stringutil"
	"github.com/gatehouse/gatehouse/internal/diffreview"
	"github.com/gatehouse/gatehouse/internal/pathlock"
	"github.com/gatehouse/gatehouse/internal/terminal"
	"github.com/gatehouse/gatehouse/internal/tracker"
)

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(
		mcp.NewTool("run_command",
			mcp.WithDescription("Run a shell command in a pooled terminal session. The command requires user approval before it executes."),
			mcp.WithString("command", mcp.Required(), mcp.Description("The shell command to run")),
			mcp.WithString("cwd", mcp.Required(), mcp.Description("Working directory for the command")),
			mcp.WithString("session_name", mcp.Description("Named session to run in (for intentional parallelism, e.g. a dev server)")),
			mcp.WithNumber("session_id", mcp.Description("Explicit session id to reuse, even if busy")),
			mcp.WithNumber("timeout_seconds", mcp.Description("Optional completion timeout, measured from command start")),
			mcp.WithBoolean("background", mcp.Description("Run without waiting for completion; poll terminal_status later")),
		),
		s.wrapTool("run_command", tracker.CategoryCommand, s.runCommand,
			func(args tracker.Args) string {
				return stringutil.TruncateStringWithEllipsis(stringutil.FirstLine(argString(args, "command")), 80)
			}),
	)

	m.AddTool(
		mcp.NewTool("get_terminal_output",
			mcp.WithDescription("Read the output a terminal session has accumulated so far."),
			mcp.WithNumber("terminal_id", mcp.Required(), mcp.Description("The terminal session id")),
			mcp.WithBoolean("force", mcp.Description("Return output even when the session is idle")),
		),
		s.wrapTool("get_terminal_output", tracker.CategoryGeneric, s.getTerminalOutput,
			func(args tracker.Args) string { return fmt.Sprintf("terminal %d", argInt(args, "terminal_id")) }),
	)

	m.AddTool(
		mcp.NewTool("terminal_status",
			mcp.WithDescription("Get the background execution status of a terminal session."),
			mcp.WithNumber("terminal_id", mcp.Required(), mcp.Description("The terminal session id")),
		),
		s.wrapTool("terminal_status", tracker.CategoryGeneric, s.terminalStatus,
			func(args tracker.Args) string { return fmt.Sprintf("terminal %d", argInt(args, "terminal_id")) }),
	)

	m.AddTool(
		mcp.NewTool("kill_terminal",
			mcp.WithDescription("Close terminal sessions by name, or all of them."),
			mcp.WithString("names", mcp.Description("Comma-separated session names to close")),
			mcp.WithBoolean("all", mcp.Description("Close every session")),
		),
		s.wrapTool("kill_terminal", tracker.CategoryGeneric, s.killTerminal,
			func(args tracker.Args) string { return argString(args, "names") }),
	)

	m.AddTool(
		mcp.NewTool("list_terminals",
			mcp.WithDescription("List the pooled terminal sessions (id, name, busy)."),
		),
		s.wrapTool("list_terminals", tracker.CategoryGeneric, s.listTerminals, nil),
	)

	m.AddTool(
		mcp.NewTool("write_file",
			mcp.WithDescription("Write a file. The change requires user approval and diff review before it lands."),
			mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path of the file to write")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Full new file content")),
		),
		s.wrapTool("write_file", tracker.CategoryFileWrite, s.writeFile,
			func(args tracker.Args) string { return argString(args, "path") }),
	)
}

// wrapTool adapts a tracker-wrapped handler to the MCP tool signature.
func (s *Server) wrapTool(name string, category tracker.Category, h tracker.Handler, display func(tracker.Args) string) server.ToolHandlerFunc {
	wrapped := s.deps.Tracker.Wrap(name, category, h, display, nil)

	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := wrapped(ctx, tracker.Args(req.GetArguments()))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if res.IsError {
			return mcp.NewToolResultError(res.Content), nil
		}
		return mcp.NewToolResultText(res.Content), nil
	}
}

func (s *Server) runCommand(ctx context.Context, args tracker.Args) (*tracker.Result, error) {
	command := argString(args, "command")
	cwd := argString(args, "cwd")
	if command == "" || cwd == "" {
		return &tracker.Result{Content: "command and cwd are required", IsError: true}, nil
	}
	callID, _ := tracker.CallIDFromContext(ctx)

	req := &approval.Request{
		Kind:   approval.KindCommand,
		CallID: callID,
		Command: &approval.CommandPayload{
			Command:     command,
			SubCommands: splitCompound(command),
		},
	}
	ch, err := s.deps.Approvals.Enqueue(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request approval: %w", err)
	}
	s.deps.Tracker.LinkApproval(callID, req.ID)

	decision, err := approval.Await(ctx, ch)
	if err != nil {
		return nil, err
	}
	if !decision.Approved {
		reason := decision.Reason
		if reason == "" {
			reason = "the user rejected the command"
		}
		return &tracker.Result{Content: "Command not approved: " + reason, IsError: true}, nil
	}
	if decision.EditedCommand != "" {
		command = decision.EditedCommand
	}

	execReq := terminal.ExecRequest{
		Command:     command,
		WorkDir:     cwd,
		SessionName: argString(args, "session_name"),
		Background:  argBool(args, "background"),
	}
	if id, ok := argOptionalInt(args, "session_id"); ok {
		execReq.SessionID = &id
	}
	if secs, ok := argOptionalInt(args, "timeout_seconds"); ok && secs > 0 {
		execReq.Timeout = time.Duration(secs) * time.Second
	}

	sess, err := s.deps.Terminals.Resolve(ctx, execReq)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve terminal session: %w", err)
	}
	s.deps.Tracker.LinkTerminal(callID, sess.ID)
	execReq.SessionID = &sess.ID

	result, err := s.deps.Terminals.Execute(ctx, execReq)
	if err != nil {
		return nil, err
	}
	return &tracker.Result{Content: formatExecResult(result)}, nil
}

func formatExecResult(res *terminal.ExecResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Terminal: %d\n", res.SessionID)
	if res.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *res.ExitCode)
	} else {
		b.WriteString("Exit code: unknown\n")
	}
	if res.Message != "" {
		b.WriteString(res.Message)
		b.WriteString("\n")
	}
	if res.OutputCaptured {
		b.WriteString("Output:\n")
		b.WriteString(res.Output)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Server) getTerminalOutput(ctx context.Context, args tracker.Args) (*tracker.Result, error) {
	id := argInt(args, "terminal_id")
	output, err := s.deps.Terminals.CurrentOutput(id, argBool(args, "force"))
	if err != nil {
		if errors.Is(err, terminal.ErrSessionNotFound) {
			return &tracker.Result{Content: err.Error(), IsError: true}, nil
		}
		return nil, err
	}
	if output == "" {
		return &tracker.Result{Content: "No output available for terminal " + fmt.Sprint(id) + "."}, nil
	}
	return &tracker.Result{Content: output}, nil
}

func (s *Server) terminalStatus(ctx context.Context, args tracker.Args) (*tracker.Result, error) {
	id := argInt(args, "terminal_id")
	status, err := s.deps.Terminals.BackgroundStatus(id)
	if err != nil {
		return &tracker.Result{Content: err.Error(), IsError: true}, nil
	}

	var b strings.Builder
	if status.Running {
		fmt.Fprintf(&b, "Terminal %d: background command still running.\n", id)
	} else if status.ExitCode != nil {
		fmt.Fprintf(&b, "Terminal %d: background command finished with exit code %d.\n", id, *status.ExitCode)
	} else {
		fmt.Fprintf(&b, "Terminal %d: no background command running.\n", id)
	}
	if status.OutputCaptured && status.Output != "" {
		b.WriteString("Output:\n")
		b.WriteString(status.Output)
	}
	return &tracker.Result{Content: strings.TrimRight(b.String(), "\n")}, nil
}

func (s *Server) killTerminal(ctx context.Context, args tracker.Args) (*tracker.Result, error) {
	if argBool(args, "all") {
		s.deps.Terminals.CloseAll()
		return &tracker.Result{Content: "All terminal sessions closed."}, nil
	}

	raw := argString(args, "names")
	if raw == "" {
		return &tracker.Result{Content: "names or all is required", IsError: true}, nil
	}
	var names []string
	for _, n := range strings.Split(raw, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}

	notFound := s.deps.Terminals.CloseByName(names)
	if len(notFound) > 0 {
		return &tracker.Result{Content: "Closed. Not found: " + strings.Join(notFound, ", ")}, nil
	}
	return &tracker.Result{Content: "Closed."}, nil
}

func (s *Server) listTerminals(ctx context.Context, args tracker.Args) (*tracker.Result, error) {
	infos := s.deps.Terminals.List()
	if len(infos) == 0 {
		return &tracker.Result{Content: "No terminal sessions."}, nil
	}

	var b strings.Builder
	for _, info := range infos {
		state := "idle"
		if info.Busy {
			state = "busy"
		}
		fmt.Fprintf(&b, "%d\t%s\t%s\n", info.ID, info.Name, state)
	}
	return &tracker.Result{Content: strings.TrimRight(b.String(), "\n")}, nil
}

func (s *Server) writeFile(ctx context.Context, args tracker.Args) (*tracker.Result, error) {
	path := argString(args, "path")
	content := argString(args, "content")
	if path == "" {
		return &tracker.Result{Content: "path is required", IsError: true}, nil
	}
	callID, _ := tracker.CallIDFromContext(ctx)

	abs, err := filepath.Abs(path)
	if err != nil {
		return &tracker.Result{Content: "invalid path: " + err.Error(), IsError: true}, nil
	}

	release, err := s.deps.Locks.Acquire(ctx, abs)
	if err != nil {
		if errors.Is(err, pathlock.ErrLockTimeout) {
			return &tracker.Result{Content: "Another edit to this file is still pending: " + err.Error(), IsError: true}, nil
		}
		return nil, err
	}
	defer release()

	original := ""
	operation := "create"
	if data, readErr := os.ReadFile(abs); readErr == nil {
		original = string(data)
		operation = "modify"
	}

	// The diff opens before the approval so reviewing it is a full
	// resolution source: accepting or rejecting the diff decides the
	// pending approval too, not just the other way around.
	diffCh, err := s.deps.Diffs.Open(diffreview.Diff{
		CallID:   callID,
		Path:     abs,
		Original: original,
		Updated:  content,
	})
	if err != nil {
		return nil, err
	}

	req := &approval.Request{
		Kind:   approval.KindWrite,
		CallID: callID,
		Write: &approval.WritePayload{
			Path:        abs,
			Operation:   operation,
			OutsideRoot: s.outsideTrustedRoot(abs),
		},
	}
	ch, err := s.deps.Approvals.Enqueue(req)
	if err != nil {
		s.deps.Diffs.Reject(callID, "approval unavailable")
		return nil, fmt.Errorf("failed to request approval: %w", err)
	}
	s.deps.Tracker.LinkApproval(callID, req.ID)

	var (
		decision   *approval.Decision
		outcome    diffreview.Outcome
		diffLanded bool
	)
	select {
	case decision = <-ch:
	case outcome = <-diffCh:
		diffLanded = true
		decision = &approval.Decision{Approved: outcome.Accepted, Reason: outcome.Reason}
		// First resolution wins; a concurrent UI decision makes this a no-op.
		_ = s.deps.Approvals.Respond(req.ID, decision)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !decision.Approved {
		if !diffLanded {
			s.deps.Diffs.Reject(callID, "write not approved")
		}
		reason := decision.Reason
		if reason == "" {
			reason = "the user rejected the write"
		}
		return &tracker.Result{Content: "Write not approved: " + reason, IsError: true}, nil
	}

	if !diffLanded {
		outcome, err = s.deps.Diffs.Await(ctx, callID, diffCh)
		if err != nil {
			return nil, err
		}
	}
	if !outcome.Accepted {
		reason := outcome.Reason
		if reason == "" {
			reason = "the diff was rejected"
		}
		return &tracker.Result{Content: "Write rejected in review: " + reason, IsError: true}, nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return &tracker.Result{Content: fmt.Sprintf("Wrote %d bytes to %s.", len(content), abs)}, nil
}

func (s *Server) outsideTrustedRoot(abs string) bool {
	root := s.cfg.TrustedRoot
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return true
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// splitCompound breaks a command into its top-level parts at &&, ||, ; and |
// separators, honoring quoting and backslash escapes. Single commands yield
// no breakdown.
func splitCompound(command string) []string {
	var parts []string
	var cur strings.Builder
	inSingle, inDouble, escaped := false, false, false

	flush := func() {
		if p := strings.TrimSpace(cur.String()); p != "" {
			parts = append(parts, p)
		}
		cur.Reset()
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case escaped:
			escaped = false
			cur.WriteRune(ch)
		case ch == '\\' && !inSingle:
			escaped = true
			cur.WriteRune(ch)
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			cur.WriteRune(ch)
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			cur.WriteRune(ch)
		case !inSingle && !inDouble && (ch == ';'):
			flush()
		case !inSingle && !inDouble && (ch == '&' || ch == '|'):
			if i+1 < len(runes) && runes[i+1] == ch {
				i++
			}
			flush()
		default:
			cur.WriteRune(ch)
		}
	}
	flush()

	if len(parts) <= 1 {
		return nil
	}
	return parts
}

func argString(args tracker.Args, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argBool(args tracker.Args, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

func argInt(args tracker.Args, key string) int {
	n, _ := argOptionalInt(args, key)
	return n
}

func argOptionalInt(args tracker.Args, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
