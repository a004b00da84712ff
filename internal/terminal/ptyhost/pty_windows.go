//go:build windows

package ptyhost

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/UserExistsError/conpty"
)

// windowsPTY wraps a Windows ConPTY pseudo-console.
type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

func (p *windowsPTY) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// startPTY starts the command in a Windows ConPTY with the given dimensions.
// ConPTY manages process creation internally, so this builds a command line
// from the exec.Cmd and starts the process via ConPTY. After this call,
// cmd.Process is set so callers can manage the process lifecycle.
func startPTY(cmd *exec.Cmd, cols, rows int) (ptyFile, error) {
	cmdLine := buildCmdLine(cmd.Args)
	if len(cmd.Args) == 0 {
		cmdLine = escapeArg(cmd.Path)
	}

	opts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(cols, rows),
	}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	pid := cpty.Pid()
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("failed to find ConPTY process %d: %w", pid, err)
	}
	cmd.Process = proc

	return &windowsPTY{cpty: cpty}, nil
}

// buildCmdLine joins argv into a Windows command line string.
func buildCmdLine(args []string) string {
	escaped := make([]string, len(args))
	for i, a := range args {
		escaped[i] = escapeArg(a)
	}
	return strings.Join(escaped, " ")
}

// escapeArg quotes an argument if it contains spaces or quotes.
func escapeArg(arg string) string {
	if arg == "" {
		return `""`
	}
	if !strings.ContainsAny(arg, " \t\"") {
		return arg
	}
	return `"` + strings.ReplaceAll(arg, `"`, `\"`) + `"`
}
