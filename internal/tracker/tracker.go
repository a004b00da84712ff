// Package tracker registers every in-flight agent tool call, races the real
// handler against an externally triggerable force-result, and emits periodic
// keepalive signals so long waits (a pending approval, a slow command) do not
// idle-timeout the transport. Every invocation resolves exactly once.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/common/constants"
	"github.com/gatehouse/gatehouse/internal/common/logger"
	"github.com/gatehouse/gatehouse/internal/events/bus"
)

// Category selects the force-completion recovery strategy for a tool.
type Category string

const (
	CategoryCommand   Category = "command"
	CategoryFileWrite Category = "file_write"
	CategoryGeneric   Category = "generic"
)

// Args are the structured parameters of one tool invocation.
type Args map[string]interface{}

// Result is the structured outcome returned to the agent.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
	// Forced is set when the result came from the force path, not the
	// real handler.
	Forced bool `json:"forced,omitempty"`
}

// Handler executes one tool invocation.
type Handler func(ctx context.Context, args Args) (*Result, error)

type callIDKey struct{}

// ContextWithCallID returns a context carrying the tracked-call id. Wrapped
// handlers receive such a context so they can link approvals and sessions
// back to their call.
func ContextWithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallIDFromContext extracts the tracked-call id, if present.
func CallIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callIDKey{}).(string)
	return id, ok
}

// TrackedCall is the tracker's record of one in-flight invocation.
type TrackedCall struct {
	ID             string    `json:"id"`
	ToolName       string    `json:"tool_name"`
	Category       Category  `json:"category"`
	DisplayArgs    string    `json:"display_args"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`

	// ApprovalID and TerminalID link the call to at most one approval
	// request and one execution session, set once the handler reaches
	// those stages.
	ApprovalID      string     `json:"approval_id,omitempty"`
	TerminalID      *int       `json:"terminal_id,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	force  chan *Result
	forced bool
	cancel context.CancelFunc
}

// CompletedCall is the short-lived record kept after a call resolves.
type CompletedCall struct {
	ID             string    `json:"id"`
	ToolName       string    `json:"tool_name"`
	DisplayArgs    string    `json:"display_args"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	Status         string    `json:"status"` // completed, cancelled, force-completed, failed
	IsError        bool      `json:"is_error"`
}

// SessionController is the slice of the terminal engine the tracker needs.
type SessionController interface {
	Interrupt(sessionID int) error
	CurrentOutput(sessionID int, force bool) (string, error)
}

// ApprovalCanceller cancels a pending approval request.
type ApprovalCanceller interface {
	Cancel(id string) error
}

// DiffResolver resolves a pending write diff for a call.
type DiffResolver interface {
	Accept(callID string) bool
	Reject(callID, reason string) bool
}

// HistoryRecorder persists completed calls for audit.
type HistoryRecorder interface {
	Record(ctx context.Context, call CompletedCall) error
}

// ChangeEvent notifies observers of tracker state transitions. The mutation
// always happens before the notification fires.
type ChangeEvent struct {
	Type string // started, linked, heartbeat, completed
	Call TrackedCall
}

// Observer receives tracker change events.
type Observer func(ChangeEvent)

// Config holds tracker tunables and collaborators.
type Config struct {
	KeepaliveInterval time.Duration
	CompletedTTL      time.Duration
	// Heartbeat, when set, is invoked on every keepalive tick (immediate
	// first tick) with the call id, e.g. to ping the agent transport.
	Heartbeat func(callID string)
}

// Tracker wraps tool handlers and owns the in-flight call registry.
type Tracker struct {
	logger    *logger.Logger
	events    bus.EventBus
	sessions  SessionController
	approvals ApprovalCanceller
	diffs     DiffResolver
	history   HistoryRecorder
	cfg       Config

	mu        sync.Mutex
	active    map[string]*TrackedCall
	completed []CompletedCall
	observers []Observer
}

// New creates a tracker. Collaborators may be nil; the corresponding
// cancellation/completion actions degrade to no-ops.
func New(cfg Config, sessions SessionController, approvals ApprovalCanceller, diffs DiffResolver, events bus.EventBus, log *logger.Logger) *Tracker {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = constants.KeepaliveInterval
	}
	if cfg.CompletedTTL <= 0 {
		cfg.CompletedTTL = constants.CompletedCallTTL
	}
	return &Tracker{
		logger:    log.WithFields(zap.String("component", "tracker")),
		events:    events,
		sessions:  sessions,
		approvals: approvals,
		diffs:     diffs,
		cfg:       cfg,
		active:    make(map[string]*TrackedCall),
	}
}

// SetHistory attaches an audit store for completed calls.
func (t *Tracker) SetHistory(h HistoryRecorder) {
	t.history = h
}

// AddObserver registers a state-change observer.
func (t *Tracker) AddObserver(fn Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// Wrap produces a handler that registers the call, keeps the transport alive
// and races the real handler against a force result.
func (t *Tracker) Wrap(toolName string, category Category, handler Handler, display func(Args) string, agentSession func(Args) string) Handler {
	tracer := otel.Tracer("gatehouse/tracker")

	return func(ctx context.Context, args Args) (*Result, error) {
		displayArgs := ""
		if display != nil {
			displayArgs = display(args)
		}
		sessionID := ""
		if agentSession != nil {
			sessionID = agentSession(args)
		}

		call := t.register(toolName, category, displayArgs, sessionID)

		ctx, span := tracer.Start(ctx, "tool."+toolName)
		span.SetAttributes(
			attribute.String("call.id", call.ID),
			attribute.String("tool.name", toolName),
		)
		defer span.End()

		hctx, cancel := context.WithCancel(ContextWithCallID(ctx, call.ID))
		defer cancel()
		t.mu.Lock()
		call.cancel = cancel
		t.mu.Unlock()

		stopKeepalive := t.startKeepalive(call)
		defer stopKeepalive()

		type outcome struct {
			res *Result
			err error
		}
		resultCh := make(chan outcome, 1)
		go func() {
			res, err := handler(hctx, args)
			resultCh <- outcome{res, err}
		}()

		var final outcome
		select {
		case final = <-resultCh:
		case res := <-call.force:
			// The forced path wins; ask the real handler to unwind.
			cancel()
			final = outcome{res: res}
		}

		t.complete(ctx, call, final.res, final.err)
		return final.res, final.err
	}
}

// register creates and stores a TrackedCall, then notifies.
func (t *Tracker) register(toolName string, category Category, displayArgs, agentSessionID string) *TrackedCall {
	call := &TrackedCall{
		ID:             uuid.New().String(),
		ToolName:       toolName,
		Category:       category,
		DisplayArgs:    displayArgs,
		AgentSessionID: agentSessionID,
		StartedAt:      time.Now(),
		force:          make(chan *Result, 1),
	}

	t.mu.Lock()
	t.active[call.ID] = call
	snapshot := *call
	t.mu.Unlock()

	t.notify(ChangeEvent{Type: "started", Call: snapshot})
	t.publish(bus.SubjectCallStarted, map[string]interface{}{
		"call_id": call.ID, "tool": toolName, "args": displayArgs,
	})
	t.logger.Info("tool call started",
		zap.String("call_id", call.ID), zap.String("tool", toolName))
	return call
}

// complete deregisters the call and records it in the recently-completed
// list and, when configured, the audit history.
func (t *Tracker) complete(ctx context.Context, call *TrackedCall, res *Result, err error) {
	status := "completed"
	isError := err != nil
	if res != nil {
		isError = isError || res.IsError
		if res.Forced {
			status = "force-completed"
			if res.IsError {
				status = "cancelled"
			}
		}
	}
	if err != nil {
		status = "failed"
	}

	record := CompletedCall{
		ID:             call.ID,
		ToolName:       call.ToolName,
		DisplayArgs:    call.DisplayArgs,
		AgentSessionID: call.AgentSessionID,
		StartedAt:      call.StartedAt,
		CompletedAt:    time.Now(),
		Status:         status,
		IsError:        isError,
	}

	t.mu.Lock()
	delete(t.active, call.ID)
	t.completed = append(t.completed, record)
	t.purgeCompletedLocked()
	snapshot := *call
	t.mu.Unlock()

	t.notify(ChangeEvent{Type: "completed", Call: snapshot})
	t.publish(bus.SubjectCallCompleted, map[string]interface{}{
		"call_id": call.ID, "tool": call.ToolName, "status": status,
	})

	if t.history != nil {
		if herr := t.history.Record(ctx, record); herr != nil {
			t.logger.Warn("failed to record call history",
				zap.String("call_id", call.ID), zap.Error(herr))
		}
	}
	t.logger.Info("tool call finished",
		zap.String("call_id", call.ID), zap.String("status", status))
}

// purgeCompletedLocked drops recently-completed records past their TTL.
// Caller holds t.mu.
func (t *Tracker) purgeCompletedLocked() {
	cutoff := time.Now().Add(-t.cfg.CompletedTTL)
	kept := t.completed[:0]
	for _, c := range t.completed {
		if c.CompletedAt.After(cutoff) {
			kept = append(kept, c)
		}
	}
	t.completed = kept
}

// startKeepalive begins the periodic liveness signal: an immediate first
// tick, then one per interval. The returned stop function is idempotent.
func (t *Tracker) startKeepalive(call *TrackedCall) func() {
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		t.heartbeat(call)
		ticker := time.NewTicker(t.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.heartbeat(call)
			case <-stop:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }
}

func (t *Tracker) heartbeat(call *TrackedCall) {
	now := time.Now()

	t.mu.Lock()
	if _, ok := t.active[call.ID]; !ok {
		t.mu.Unlock()
		return
	}
	call.LastHeartbeatAt = &now
	snapshot := *call
	t.mu.Unlock()

	if t.cfg.Heartbeat != nil {
		t.cfg.Heartbeat(call.ID)
	}
	t.notify(ChangeEvent{Type: "heartbeat", Call: snapshot})
	t.publish(bus.SubjectCallHeartbeat, map[string]interface{}{"call_id": call.ID})
}

// LinkApproval associates the call with its approval request. A call links
// to at most one approval at a time.
func (t *Tracker) LinkApproval(callID, approvalID string) {
	t.link(callID, func(c *TrackedCall) { c.ApprovalID = approvalID })
}

// LinkTerminal associates the call with its execution session.
func (t *Tracker) LinkTerminal(callID string, terminalID int) {
	t.link(callID, func(c *TrackedCall) { c.TerminalID = &terminalID })
}

func (t *Tracker) link(callID string, mutate func(*TrackedCall)) {
	t.mu.Lock()
	call, ok := t.active[callID]
	if !ok {
		t.mu.Unlock()
		return
	}
	mutate(call)
	snapshot := *call
	t.mu.Unlock()

	t.notify(ChangeEvent{Type: "linked", Call: snapshot})
}

// ForceResolve delivers a forced result to the call's race. Only the first
// delivery has effect.
func (t *Tracker) ForceResolve(callID string, res *Result) bool {
	t.mu.Lock()
	call, ok := t.active[callID]
	if !ok || call.forced {
		t.mu.Unlock()
		return false
	}
	call.forced = true
	t.mu.Unlock()

	call.force <- res
	return true
}

// Get returns a snapshot of one active call.
func (t *Tracker) Get(callID string) (TrackedCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.active[callID]
	if !ok {
		return TrackedCall{}, false
	}
	return *call, true
}

// Active returns snapshots of all in-flight calls.
func (t *Tracker) Active() []TrackedCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackedCall, 0, len(t.active))
	for _, c := range t.active {
		out = append(out, *c)
	}
	return out
}

// Completed returns the recently-completed records still within their TTL.
func (t *Tracker) Completed() []CompletedCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purgeCompletedLocked()
	out := make([]CompletedCall, len(t.completed))
	copy(out, t.completed)
	return out
}

func (t *Tracker) notify(evt ChangeEvent) {
	t.mu.Lock()
	observers := make([]Observer, len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(evt)
	}
}

func (t *Tracker) publish(subject string, data map[string]interface{}) {
	if t.events == nil {
		return
	}
	if err := t.events.Publish(context.Background(), subject, bus.NewEvent(subject, "tracker", data)); err != nil {
		t.logger.Debug("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
