// Package tracker correlates outstanding DAP requests with their deadlines.
package tracker

import (
	"sort"
	"sync"
	"time"
)

// DefaultTimeout applies when Track is called without a positive timeout.
const DefaultTimeout = 30 * time.Second

// TimeoutFunc is invoked once for a request whose deadline passed before Complete.
type TimeoutFunc func(requestID, command string)

// Request is a snapshot of one pending request.
type Request struct {
	RequestID string
	Command   string
	IssuedAt  time.Time
}

type entry struct {
	Request
	timer *time.Timer
}

// Tracker holds at most one pending entry per request id.
type Tracker struct {
	mu             sync.Mutex
	pending        map[string]*entry
	onTimeout      TimeoutFunc
	defaultTimeout time.Duration
	now            func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTimeoutCallback registers fn to run when a request expires. Without it,
// expired entries are dropped silently.
func WithTimeoutCallback(fn TimeoutFunc) Option {
	return func(t *Tracker) { t.onTimeout = fn }
}

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.defaultTimeout = d
		}
	}
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		pending:        make(map[string]*entry),
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track registers requestID. An existing entry for the same id is replaced and
// its timer cancelled.
func (t *Tracker) Track(requestID, command string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.pending[requestID]; ok {
		prev.timer.Stop()
		delete(t.pending, requestID)
	}

	e := &entry{Request: Request{RequestID: requestID, Command: command, IssuedAt: t.now()}}
	e.timer = time.AfterFunc(timeout, func() { t.expire(e) })
	t.pending[requestID] = e
}

// expire runs on the timer goroutine. A timer that lost a race with Complete
// or a re-Track finds a different (or no) entry under its id and does nothing.
func (t *Tracker) expire(e *entry) {
	t.mu.Lock()
	cur, ok := t.pending[e.RequestID]
	if !ok || cur != e {
		t.mu.Unlock()
		return
	}
	delete(t.pending, e.RequestID)
	cb := t.onTimeout
	t.mu.Unlock()

	if cb != nil {
		cb(e.RequestID, e.Command)
	}
}

// Complete cancels the timer and removes the entry. Unknown ids are ignored.
// It reports whether an entry was removed, so a caller racing the timeout can
// tell which side settled the request.
func (t *Tracker) Complete(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[requestID]
	if ok {
		e.timer.Stop()
		delete(t.pending, requestID)
	}
	return ok
}

// Clear cancels every timer and empties the tracker.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, e := range t.pending {
		e.timer.Stop()
		delete(t.pending, id)
	}
}

func (t *Tracker) IsPending(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[requestID]
	return ok
}

func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// ElapsedTime returns how long requestID has been pending. ok is false for
// unknown ids.
func (t *Tracker) ElapsedTime(requestID string) (elapsed time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.pending[requestID]
	if !found {
		return 0, false
	}
	return t.now().Sub(e.IssuedAt), true
}

// Pending returns the outstanding requests, oldest first.
func (t *Tracker) Pending() []Request {
	t.mu.Lock()
	out := make([]Request, 0, len(t.pending))
	for _, e := range t.pending {
		out = append(out, e.Request)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}
