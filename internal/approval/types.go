// Package approval provides the arbitration queue that serializes
// human-in-the-loop decisions for agent-issued operations. Exactly one
// request is shown at a time; the rest wait in FIFO order. Each request is
// resolved exactly once, by whichever resolution source answers first.
package approval

import (
	"time"
)

// Kind identifies the approval request variant.
type Kind string

const (
	KindCommand Kind = "command"
	KindPath    Kind = "path"
	KindWrite   Kind = "write"
	KindRename  Kind = "rename"
)

// Scope expresses how broadly an approval decision should be trusted.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

// CommandPayload describes a shell command awaiting approval.
type CommandPayload struct {
	Command string `json:"command"`
	// SubCommands is the optional breakdown of a compound command
	// (e.g. "a && b") into individually approvable parts.
	SubCommands []string `json:"sub_commands,omitempty"`
}

// PathPayload describes a path-access request.
type PathPayload struct {
	Path string `json:"path"`
}

// WritePayload describes a file-write request.
type WritePayload struct {
	Path      string `json:"path"`
	Operation string `json:"operation"` // create, modify, delete
	// OutsideRoot is set when the target lies outside the trusted root.
	OutsideRoot bool `json:"outside_root"`
}

// RenamePayload describes a rename request.
type RenamePayload struct {
	OldName       string `json:"old_name"`
	NewName       string `json:"new_name"`
	AffectedFiles int    `json:"affected_files"`
}

// Request is one approval request. Exactly one payload field is set,
// matching Kind.
type Request struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	CallID    string          `json:"call_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Command   *CommandPayload `json:"command,omitempty"`
	Path      *PathPayload    `json:"path,omitempty"`
	Write     *WritePayload   `json:"write,omitempty"`
	Rename    *RenamePayload  `json:"rename,omitempty"`
}

// StableID returns the identifier used to recognize a repeat of this request:
// the full command text, the target path, or the rename pair.
func (r *Request) StableID() string {
	switch r.Kind {
	case KindCommand:
		if r.Command != nil {
			return r.Command.Command
		}
	case KindPath:
		if r.Path != nil {
			return r.Path.Path
		}
	case KindWrite:
		if r.Write != nil {
			return r.Write.Path
		}
	case KindRename:
		if r.Rename != nil {
			return r.Rename.OldName + "→" + r.Rename.NewName
		}
	}
	return ""
}

// cacheKey namespaces the stable identifier by kind.
func (r *Request) cacheKey() string {
	return string(r.Kind) + ":" + r.StableID()
}

// SubCommandRule is a per-sub-command trust rule attached to a decision on a
// compound command.
type SubCommandRule struct {
	Command  string `json:"command" yaml:"command"`
	Approved bool   `json:"approved" yaml:"approved"`
	// Mode is "exact" or "prefix".
	Mode string `json:"mode" yaml:"mode"`
}

// Decision is the resolution of one approval request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Scope    Scope  `json:"scope,omitempty"`
	// EditedCommand carries a user-modified command text. An edited
	// decision never populates the recent-approval cache.
	EditedCommand string `json:"edited_command,omitempty"`
	// Rules carries fine-grained per-sub-command trust rules.
	Rules []SubCommandRule `json:"rules,omitempty"`
	// AutoApproved is set when the queue resolved the request from the
	// recent-approval cache or the trusted-rules set, without showing it.
	AutoApproved bool `json:"auto_approved,omitempty"`
	// Cancelled is set when an external cancellation resolved the request.
	Cancelled bool `json:"cancelled,omitempty"`
}
