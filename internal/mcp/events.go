package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ctagard/dap-proxy/internal/manager"
)

// eventRecord is the client view of one manager.Event.
type eventRecord struct {
	Seq      int             `json:"seq"`
	Time     time.Time       `json:"time"`
	Name     string          `json:"name"`
	DapEvent string          `json:"dapEvent,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	ThreadID int             `json:"threadId,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Command  string          `json:"command,omitempty"`
	Script   string          `json:"script,omitempty"`
	Status   string          `json:"status,omitempty"`
	Code     *int            `json:"code,omitempty"`
	Signal   string          `json:"signal,omitempty"`
	Message  string          `json:"message,omitempty"`
}

func newRecord(seq int, ev manager.Event) eventRecord {
	return eventRecord{
		Seq:      seq,
		Time:     time.Now(),
		Name:     ev.Name,
		DapEvent: ev.DapEvent,
		Body:     ev.Body,
		ThreadID: ev.ThreadID,
		Reason:   ev.Reason,
		Command:  ev.Command,
		Script:   ev.Script,
		Status:   string(ev.Status),
		Code:     ev.Code,
		Signal:   ev.Signal,
		Message:  ev.Message,
	}
}

// eventLog buffers the notifications of one session. Only the newest limit
// records are kept; sequence numbers keep increasing so readers can tell
// when they missed some.
type eventLog struct {
	limit int

	mu      sync.Mutex
	records []eventRecord
	next    int
	ended   bool
	notify  chan struct{}
}

func newEventLog(limit int) *eventLog {
	return &eventLog{limit: limit, next: 1, notify: make(chan struct{})}
}

// follow copies events into the log until the channel closes.
func (l *eventLog) follow(events <-chan manager.Event) {
	for ev := range events {
		l.append(ev)
	}
	l.mu.Lock()
	l.ended = true
	l.wake()
	l.mu.Unlock()
}

func (l *eventLog) append(ev manager.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, newRecord(l.next, ev))
	l.next++
	if over := len(l.records) - l.limit; over > 0 {
		l.records = append(l.records[:0:0], l.records[over:]...)
	}
	l.wake()
}

// wake releases waiters. Callers hold mu.
func (l *eventLog) wake() {
	close(l.notify)
	l.notify = make(chan struct{})
}

// since returns the records after seq, whether the session has ended, and
// the next sequence number. With wait > 0 it blocks until a record arrives,
// the log ends, wait elapses or ctx is done.
func (l *eventLog) since(ctx context.Context, seq int, wait time.Duration) ([]eventRecord, bool, int) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		l.mu.Lock()
		out := make([]eventRecord, 0, len(l.records))
		for _, r := range l.records {
			if r.Seq > seq {
				out = append(out, r)
			}
		}
		ended, next, notify := l.ended, l.next, l.notify
		l.mu.Unlock()

		if len(out) > 0 || ended || wait <= 0 {
			return out, ended, next
		}
		select {
		case <-notify:
		case <-deadline.C:
			return out, ended, next
		case <-ctx.Done():
			return out, ended, next
		}
	}
}

// find waits for the first record named name.
func (l *eventLog) find(ctx context.Context, name string, wait time.Duration) (eventRecord, bool) {
	deadline := time.Now().Add(wait)
	seq := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return eventRecord{}, false
		}
		records, ended, _ := l.since(ctx, seq, remaining)
		for _, r := range records {
			if r.Name == name {
				return r, true
			}
			seq = r.Seq
		}
		if ended || ctx.Err() != nil {
			return eventRecord{}, false
		}
	}
}

// watch starts buffering the events of a session.
func (s *Server) watch(sess *manager.Session) *eventLog {
	log := newEventLog(s.opts.EventBuffer)
	s.mu.Lock()
	s.events[sess.ID] = log
	s.mu.Unlock()
	go log.follow(sess.Manager.Events())
	return log
}

func (s *Server) eventLog(id string) (*eventLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.events[id]
	return log, ok
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.events, id)
	s.mu.Unlock()
}
