// Package termfmt provides pure helpers for normalizing raw terminal byte
// streams and detecting the in-band completion marker emitted by instrumented
// shells. Nothing in this package holds state.
package termfmt

import (
	"regexp"
	"strconv"
	"strings"
)

// Marker is the in-band completion sequence an instrumented shell writes to
// its output stream when a command finishes. The exit code group is optional
// and the terminator is either BEL or ST, depending on the emitting shell.
//
//	\x1b]133;D;<exit>\x07
//	\x1b]133;D\x1b\\
const (
	markerPrefix = "\x1b]133;D"

	// MaxMarkerLen bounds the byte length of a complete marker. Buffer scans
	// that only look at a tail window must overlap successive windows by this
	// much so a marker split across read chunks is still found.
	MaxMarkerLen = len(markerPrefix) + 1 + 20 + 2 // prefix ; int64 digits, 2-byte terminator
)

// markerRegex tolerates an optional exit-code group and either terminator.
var markerRegex = regexp.MustCompile(`\x1b\]133;D(?:;(-?\d+))?(?:\x07|\x1b\\)`)

// ansiRegex matches CSI sequences, OSC sequences, and two-byte escapes.
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)?|\x1b[@-Z\\^_]`)

// Marker returns the completion marker text carrying the given exit code.
// Shell integration arranges for this to be printed after every command.
func Marker(exitCode string) string {
	if exitCode == "" {
		return markerPrefix + "\x07"
	}
	return markerPrefix + ";" + exitCode + "\x07"
}

// FindMarker scans buf for a completion marker. It returns the parsed exit
// code (nil when the marker carries none), the index of the marker's first
// byte, and whether a marker was found.
func FindMarker(buf []byte) (exitCode *int, at int, ok bool) {
	loc := markerRegex.FindSubmatchIndex(buf)
	if loc == nil {
		return nil, 0, false
	}
	if loc[2] >= 0 {
		if code, err := strconv.Atoi(string(buf[loc[2]:loc[3]])); err == nil {
			exitCode = &code
		}
	}
	return exitCode, loc[0], true
}

// FindMarkerInTail scans only the trailing window bytes of buf, widened by
// MaxMarkerLen so a marker straddling the window boundary is not missed.
// The returned index is relative to buf.
func FindMarkerInTail(buf []byte, window int) (exitCode *int, at int, ok bool) {
	start := len(buf) - window - MaxMarkerLen
	if start < 0 {
		start = 0
	}
	exitCode, rel, ok := FindMarker(buf[start:])
	if !ok {
		return nil, 0, false
	}
	return exitCode, start + rel, true
}

// StripMarker removes every completion marker occurrence from s.
func StripMarker(s string) string {
	return markerRegex.ReplaceAllString(s, "")
}

// StripControlSequences removes ANSI escape sequences from s.
func StripControlSequences(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// NormalizeOutput cleans a captured execution buffer for presentation:
// control sequences and markers are stripped, line endings become LF, and a
// trailing partial-line artifact (the lone "%" some shells print at the end
// of output lacking a final newline) is dropped.
func NormalizeOutput(s string) string {
	s = StripMarker(s)
	s = StripControlSequences(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = trimEOLArtifact(s)
	return strings.TrimRight(s, "\n ")
}

// trimEOLArtifact drops a final line consisting solely of "%".
func trimEOLArtifact(s string) string {
	trimmed := strings.TrimRight(s, "\n ")
	if i := strings.LastIndexByte(trimmed, '\n'); strings.TrimSpace(trimmed[i+1:]) == "%" {
		return trimmed[:i+1]
	}
	return s
}

// EscapeHistoryExpansion escapes unescaped '!' characters so interactive
// shells do not treat them as history expansion. '!' is left alone inside
// single-quoted regions and when already backslash-escaped; note that '!'
// expands even inside double quotes, so quote state must be tracked character
// by character.
func EscapeHistoryExpansion(command string) string {
	var b strings.Builder
	b.Grow(len(command))

	inSingle := false
	inDouble := false
	escaped := false

	for _, r := range command {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case r == '!' && !inSingle:
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
