// Package diffreview tracks the reviewable diff surface for file-write
// operations. Each tool call has at most one pending diff; acceptance or
// rejection resolves it exactly once, and resolving a call with nothing
// pending is a best-effort no-op.
package diffreview

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/common/logger"
)

// Diff describes one proposed file change awaiting review.
type Diff struct {
	CallID    string    `json:"call_id"`
	Path      string    `json:"path"`
	Original  string    `json:"original"`
	Updated   string    `json:"updated"`
	CreatedAt time.Time `json:"created_at"`
}

// Outcome is the review result for one diff.
type Outcome struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type pending struct {
	diff   Diff
	result chan Outcome
}

// Registry holds pending diffs keyed by tool-call id.
type Registry struct {
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

// NewRegistry creates an empty diff registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		logger:  log.WithFields(zap.String("component", "diffreview")),
		pending: make(map[string]*pending),
	}
}

// Open registers a diff for review and returns the channel its outcome will
// arrive on. A call may hold at most one pending diff.
func (r *Registry) Open(diff Diff) (<-chan Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[diff.CallID]; exists {
		return nil, fmt.Errorf("call %s already has a pending diff", diff.CallID)
	}
	diff.CreatedAt = time.Now()

	p := &pending{diff: diff, result: make(chan Outcome, 1)}
	r.pending[diff.CallID] = p

	r.logger.Debug("diff opened",
		zap.String("call_id", diff.CallID), zap.String("path", diff.Path))
	return p.result, nil
}

// Await blocks until the review outcome arrives or the context ends. A
// cancelled wait rejects the diff so no reviewer acts on a stale surface.
func (r *Registry) Await(ctx context.Context, callID string, ch <-chan Outcome) (Outcome, error) {
	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		r.Reject(callID, "abandoned")
		return Outcome{}, ctx.Err()
	}
}

// Accept resolves the call's pending diff as accepted. Reports whether a
// pending diff was actually available.
func (r *Registry) Accept(callID string) bool {
	return r.resolve(callID, Outcome{Accepted: true})
}

// Reject resolves the call's pending diff as rejected. A no-op when nothing
// is pending.
func (r *Registry) Reject(callID, reason string) bool {
	return r.resolve(callID, Outcome{Accepted: false, Reason: reason})
}

func (r *Registry) resolve(callID string, out Outcome) bool {
	r.mu.Lock()
	p, ok := r.pending[callID]
	if ok {
		delete(r.pending, callID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	p.result <- out
	r.logger.Debug("diff resolved",
		zap.String("call_id", callID), zap.Bool("accepted", out.Accepted))
	return true
}

// Get returns the pending diff for a call, if any.
func (r *Registry) Get(callID string) (Diff, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[callID]
	if !ok {
		return Diff{}, false
	}
	return p.diff, true
}

// List returns all pending diffs.
func (r *Registry) List() []Diff {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diff, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.diff)
	}
	return out
}
