package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/common/logger"
	"github.com/gatehouse/gatehouse/internal/events/bus"
)

var (
	// ErrQueueClosed is returned when enqueueing on a disposed queue.
	ErrQueueClosed = errors.New("approval queue closed")
	// ErrRequestNotFound is returned when resolving an unknown request id.
	ErrRequestNotFound = errors.New("approval request not found")
	// ErrAlreadyResolved is returned when a request was resolved earlier by
	// another source.
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

// entry pairs a request with its single-shot result channel.
type entry struct {
	req      *Request
	result   chan *Decision
	resolved bool
}

// Config holds queue tunables.
type Config struct {
	// RecentTTL is the recent-approval cache window. <= 0 disables it.
	RecentTTL time.Duration
	// CacheSweepSize triggers an eager eviction sweep once exceeded.
	CacheSweepSize int
}

// Queue is the approval arbitration queue. All resolution paths (UI decision,
// external cancellation, diff-review outcome) funnel through Respond/Cancel;
// the first one wins and later attempts report ErrAlreadyResolved.
type Queue struct {
	logger *logger.Logger
	events bus.EventBus
	cache  *recentCache
	rules  *RuleSet
	now    func() time.Time

	mu      sync.Mutex
	current *entry
	queue   []*entry
	byID    map[string]*entry
	closed  bool
}

// Option customizes queue construction.
type Option func(*Queue)

// WithRules attaches a trusted-rules set consulted before enqueueing.
func WithRules(rs *RuleSet) Option {
	return func(q *Queue) { q.rules = rs }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates an approval queue.
func NewQueue(cfg Config, events bus.EventBus, log *logger.Logger, opts ...Option) *Queue {
	q := &Queue{
		logger: log.WithFields(zap.String("component", "approval")),
		events: events,
		rules:  NewRuleSet(),
		now:    time.Now,
		byID:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cache = newRecentCache(cfg.RecentTTL, cfg.CacheSweepSize, q.now)
	return q
}

type queueEvent struct {
	subject string
	data    map[string]interface{}
}

// Enqueue submits a request for arbitration and returns the channel its
// decision will be delivered on (buffered, exactly one send). A request whose
// recent-approval or trusted-rule lookup hits is resolved immediately without
// ever being shown.
func (q *Queue) Enqueue(req *Request) (<-chan *Decision, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.CreatedAt = q.now()

	e := &entry{req: req, result: make(chan *Decision, 1)}

	var evts []queueEvent
	if d, ok := q.autoDecisionLocked(req); ok {
		e.resolved = true
		e.result <- d
		evts = append(evts, q.resolvedEvent(req, d))
		q.mu.Unlock()
		q.publish(evts)
		q.logger.Debug("request auto-approved",
			zap.String("request_id", req.ID), zap.String("kind", string(req.Kind)))
		return e.result, nil
	}

	q.byID[req.ID] = e
	if q.current == nil {
		q.current = e
		evts = append(evts, q.currentEvent(req))
	} else {
		q.queue = append(q.queue, e)
	}
	q.mu.Unlock()

	q.publish(evts)
	q.logger.Info("approval request enqueued",
		zap.String("request_id", req.ID), zap.String("kind", string(req.Kind)))
	return e.result, nil
}

// Await blocks until a decision arrives or the context ends.
func Await(ctx context.Context, ch <-chan *Decision) (*Decision, error) {
	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond resolves a request with a decision. The first resolution wins;
// later attempts return ErrAlreadyResolved.
func (q *Queue) Respond(id string, d *Decision) error {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if e.resolved {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	e.resolved = true
	e.result <- d
	delete(q.byID, id)

	q.recordTrustLocked(e.req, d)

	var evts []queueEvent
	evts = append(evts, q.resolvedEvent(e.req, d))
	if e == q.current {
		q.advanceLocked(&evts)
	} else {
		q.removeQueuedLocked(e)
	}
	q.mu.Unlock()

	q.publish(evts)
	q.logger.Info("approval request resolved",
		zap.String("request_id", id), zap.Bool("approved", d.Approved))
	return nil
}

// Cancel resolves a request as an externally cancelled rejection.
func (q *Queue) Cancel(id string) error {
	return q.Respond(id, &Decision{
		Approved:  false,
		Cancelled: true,
		Reason:    "cancelled",
	})
}

// Current returns the request currently being shown, if any.
func (q *Queue) Current() (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return nil, false
	}
	return q.current.req, true
}

// Pending returns the current request followed by the queued ones, in order.
func (q *Queue) Pending() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Request, 0, len(q.queue)+1)
	if q.current != nil {
		out = append(out, q.current.req)
	}
	for _, e := range q.queue {
		out = append(out, e.req)
	}
	return out
}

// Close rejects the current request and every queued request with a uniform
// result, so no caller hangs after the arbitration surface is torn down.
func (q *Queue) Close() {
	reject := &Decision{Approved: false, Reason: "approval surface closed"}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true

	if q.current != nil && !q.current.resolved {
		q.current.resolved = true
		q.current.result <- reject
	}
	for _, e := range q.queue {
		if !e.resolved {
			e.resolved = true
			e.result <- reject
		}
	}
	q.current = nil
	q.queue = nil
	q.byID = make(map[string]*entry)
	q.mu.Unlock()

	q.publish([]queueEvent{{subject: bus.SubjectApprovalEmpty, data: map[string]interface{}{}}})
	q.logger.Info("approval queue closed")
}

// advanceLocked frees the current slot: queued entries whose cache lookup
// hits are auto-resolved and skipped, then the new front (if any) becomes
// current. Caller holds q.mu.
func (q *Queue) advanceLocked(evts *[]queueEvent) {
	q.current = nil

	for len(q.queue) > 0 {
		e := q.queue[0]
		q.queue = q.queue[1:]

		if d, ok := q.autoDecisionLocked(e.req); ok {
			if !e.resolved {
				e.resolved = true
				e.result <- d
				delete(q.byID, e.req.ID)
				*evts = append(*evts, q.resolvedEvent(e.req, d))
			}
			continue
		}

		q.current = e
		*evts = append(*evts, q.currentEvent(e.req))
		return
	}

	*evts = append(*evts, queueEvent{subject: bus.SubjectApprovalEmpty, data: map[string]interface{}{}})
}

func (q *Queue) removeQueuedLocked(target *entry) {
	for i, e := range q.queue {
		if e == target {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return
		}
	}
}

// autoDecisionLocked consults the recent-approval cache and, for commands,
// the trusted-rules set. Caller holds q.mu.
func (q *Queue) autoDecisionLocked(req *Request) (*Decision, bool) {
	if q.cache.Hit(req.cacheKey()) {
		return &Decision{Approved: true, AutoApproved: true}, true
	}
	if req.Kind == KindCommand && req.Command != nil && q.rules != nil &&
		q.rules.Matches(req.Command.Command) {
		return &Decision{Approved: true, AutoApproved: true}, true
	}
	return nil, false
}

// recordTrustLocked updates the recent-approval cache and trusted rules after
// a resolution. Rejections, cancellations and edited commands never populate
// either. Caller holds q.mu.
func (q *Queue) recordTrustLocked(req *Request, d *Decision) {
	if !d.Approved || d.Cancelled || d.EditedCommand != "" {
		return
	}

	q.cache.Record(req.cacheKey())

	if q.rules == nil {
		return
	}
	if req.Kind == KindCommand && req.Command != nil &&
		(d.Scope == ScopeProject || d.Scope == ScopeGlobal) {
		q.rules.Add(TrustedRule{Command: req.Command.Command})
	}
	for _, r := range d.Rules {
		if r.Approved {
			q.rules.Add(TrustedRule{Command: r.Command, Mode: r.Mode})
		}
	}
}

func (q *Queue) currentEvent(req *Request) queueEvent {
	return queueEvent{
		subject: bus.SubjectApprovalCurrent,
		data: map[string]interface{}{
			"request_id": req.ID,
			"kind":       string(req.Kind),
			"summary":    req.StableID(),
		},
	}
}

func (q *Queue) resolvedEvent(req *Request, d *Decision) queueEvent {
	return queueEvent{
		subject: bus.SubjectApprovalResolved,
		data: map[string]interface{}{
			"request_id":    req.ID,
			"kind":          string(req.Kind),
			"approved":      d.Approved,
			"auto_approved": d.AutoApproved,
		},
	}
}

func (q *Queue) publish(evts []queueEvent) {
	if q.events == nil {
		return
	}
	for _, evt := range evts {
		if err := q.events.Publish(context.Background(), evt.subject, bus.NewEvent(evt.subject, "approval", evt.data)); err != nil {
			q.logger.Debug("failed to publish event", zap.String("subject", evt.subject), zap.Error(err))
		}
	}
}
