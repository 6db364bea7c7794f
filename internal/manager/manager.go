// Package manager is the host side of a debug session. A Manager owns one
// worker process, speaks the IPC protocol to it and correlates DAP requests
// with their responses. The Registry keeps the Managers of a host.
package manager

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/smallnest/chanx"

	dapx "github.com/ctagard/dap-proxy/internal/dap"
	"github.com/ctagard/dap-proxy/internal/errors"
	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/internal/metrics"
	"github.com/ctagard/dap-proxy/internal/session"
	"github.com/ctagard/dap-proxy/internal/tracker"
	"github.com/ctagard/dap-proxy/pkg/types"
)

// Options configures a Manager.
type Options struct {
	Spawner  Spawner
	Language types.Language
	Log      logr.Logger
	Metrics  *metrics.Metrics

	// InitTimeout bounds Start.
	InitTimeout time.Duration
	// RequestTimeout bounds SendDapRequest. It should exceed the worker's own
	// request timeout so the worker's answer wins.
	RequestTimeout time.Duration
	// StopGrace is how long Stop waits before killing the worker.
	StopGrace time.Duration
}

func (o *Options) applyDefaults() {
	if o.Log.GetSink() == nil {
		o.Log = logr.Discard()
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 35 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
}

// Event is a notification re-emitted to the Manager's caller. Name is one of
// the session.Event* names; the other fields are set when relevant.
type Event struct {
	Name string
	// DapEvent is the adapter event name for dap-event notifications.
	DapEvent string
	Body     json.RawMessage
	ThreadID int
	Reason   string

	// Command and Script describe a dry run.
	Command string
	Script  string

	// Status, Code and Signal describe an exit.
	Status ipc.Status
	Code   *int
	Signal string

	Message string // error text
}

// EventWorkerExit is emitted once the worker process has exited. It is the
// last event before the channel closes.
const EventWorkerExit = "worker-exit"

type result struct {
	resp *dapx.RawResponse
	err  error
}

type pendingRequest struct {
	command string
	issued  time.Time
	ch      chan result
}

// Manager supervises one worker process.
type Manager struct {
	opts    Options
	log     logr.Logger
	tracker *tracker.Tracker
	events  *chanx.UnboundedChan[Event]

	mu          sync.Mutex
	proc        WorkerProcess
	enc         *ipc.Encoder
	state       session.State
	pending     map[string]*pendingRequest
	initialized bool
	dryRun      bool
	exited      bool
	started     bool
	startCh     chan error // receives the outcome of Start once

	pubMu        sync.Mutex
	eventsClosed bool

	readerDone chan struct{}
	exitDone   chan struct{}
}

// New creates a Manager. Nothing runs until Start.
func New(opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		opts:     opts,
		log:      opts.Log,
		events:   chanx.NewUnboundedChan[Event](context.Background(), 16),
		pending:  make(map[string]*pendingRequest),
		exitDone: make(chan struct{}),
	}
	m.tracker = tracker.New(
		tracker.WithDefaultTimeout(opts.RequestTimeout),
		tracker.WithTimeoutCallback(m.handleRequestTimeout),
	)
	return m
}

// Events delivers notifications in the order the worker produced them. The
// channel is closed after the worker has exited.
func (m *Manager) Events() <-chan Event {
	return m.events.Out
}

// Done is closed once the worker has exited and every pending request has
// been rejected.
func (m *Manager) Done() <-chan struct{} {
	return m.exitDone
}

// IsRunning reports whether the worker process is alive.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc != nil && !m.exited
}

// IsInitialized reports whether the adapter is configured and requests may
// be sent.
func (m *Manager) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized && !m.exited
}

// CurrentThreadID is the thread of the last stopped event.
func (m *Manager) CurrentThreadID() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.CurrentThreadID == nil {
		return 0, false
	}
	return *m.state.CurrentThreadID, true
}

// Phase is the session phase as observed from the host.
func (m *Manager) Phase() session.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase
}

// Start spawns the worker, sends init and waits until the adapter is
// configured, the dry run completed, the worker reported an error or exited,
// or the init timeout passed.
func (m *Manager) Start(ctx context.Context, payload ipc.InitPayload) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.ProxyStartFailed("proxy already running", nil)
	}
	m.started = true
	m.dryRun = payload.DryRunSpawn
	m.state = session.NewState(payload.SessionID)
	m.startCh = make(chan error, 1)
	m.mu.Unlock()

	m.log = m.log.WithValues("sessionId", payload.SessionID)
	proc, err := m.opts.Spawner.Spawn(ctx, SpawnSpec{
		SessionID: payload.SessionID,
		Language:  m.opts.Language,
		LogDir:    payload.LogDir,
	})
	if err != nil {
		m.log.Error(err, "Failed to spawn worker")
		m.abandon()
		return err
	}
	m.log.Info("Worker spawned", "pid", proc.Pid())

	m.mu.Lock()
	m.proc = proc
	m.enc = ipc.NewEncoder(proc.Stdin())
	m.state, _ = session.Reduce(m.state, session.InitEvent{SessionID: payload.SessionID})
	m.mu.Unlock()

	m.readerDone = make(chan struct{})
	go m.readMessages(proc)
	go m.watchExit(proc)

	if err := m.enc.Encode(ipc.NewInitCommand(payload)); err != nil {
		_ = proc.Kill()
		return errors.ProxyStartFailed("failed to send init command", err)
	}

	timer := time.NewTimer(m.opts.InitTimeout)
	defer timer.Stop()
	select {
	case err := <-m.startCh:
		return err
	case <-timer.C:
		return errors.ProxyStartFailed(fmt.Sprintf("proxy initialization timed out after %s", m.opts.InitTimeout), nil)
	case <-ctx.Done():
		return errors.ProxyStartFailed("start cancelled", ctx.Err())
	}
}

// abandon releases a Manager whose worker never started.
func (m *Manager) abandon() {
	m.mu.Lock()
	m.exited = true
	m.mu.Unlock()
	m.closeEvents()
	close(m.exitDone)
}

func (m *Manager) settleStart(err error) {
	m.mu.Lock()
	ch := m.startCh
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// SendDapRequest forwards a DAP request to the adapter and waits for its
// response. An unsuccessful response comes back as ADAPTER_REQUEST_FAILED,
// a missing one as DAP_TIMEOUT and a vanished worker as PROXY_EXITED.
func (m *Manager) SendDapRequest(ctx context.Context, command string, args any) (*dapx.RawResponse, error) {
	return m.SendDapRequestWithTimeout(ctx, command, args, m.opts.RequestTimeout)
}

// SendDapRequestWithTimeout is SendDapRequest with its own deadline.
func (m *Manager) SendDapRequestWithTimeout(ctx context.Context, command string, args any, timeout time.Duration) (*dapx.RawResponse, error) {
	var raw json.RawMessage
	if args != nil {
		var err error
		if raw, err = json.Marshal(args); err != nil {
			return nil, errors.InvalidParameter("args", args, "JSON-encodable DAP arguments")
		}
	}

	m.mu.Lock()
	if m.proc == nil || m.exited || !m.initialized {
		m.mu.Unlock()
		return nil, errors.NotInitialized("proxy")
	}
	requestID := uuid.NewString()
	p := &pendingRequest{command: command, issued: time.Now(), ch: make(chan result, 1)}
	m.pending[requestID] = p
	sid := m.state.SessionID
	enc := m.enc
	m.mu.Unlock()

	m.tracker.Track(requestID, command, timeout)
	m.log.V(1).Info("Sending DAP command", "command", command, "requestId", requestID)

	if err := enc.Encode(ipc.NewDapCommand(sid, requestID, command, raw)); err != nil {
		m.tracker.Complete(requestID)
		m.take(requestID)
		m.opts.Metrics.ObserveRequest(command, metrics.OutcomeSendFailed, time.Since(p.issued))
		return nil, errors.ProxyExited("failed to send command to proxy").WithCause(err)
	}

	select {
	case r := <-p.ch:
		return r.resp, r.err
	case <-ctx.Done():
		m.tracker.Complete(requestID)
		m.take(requestID)
		return nil, ctx.Err()
	}
}

// take removes and returns a pending request.
func (m *Manager) take(requestID string) *pendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[requestID]
	if !ok {
		return nil
	}
	delete(m.pending, requestID)
	return p
}

func (m *Manager) handleRequestTimeout(requestID, command string) {
	p := m.take(requestID)
	if p == nil {
		return
	}
	m.log.Info("DAP request timed out", "command", command, "requestId", requestID)
	m.opts.Metrics.ObserveRequest(command, metrics.OutcomeTimeout, time.Since(p.issued))
	p.ch <- result{err: errors.DAPTimeout(command, requestID)}
}

func (m *Manager) resolve(msg *ipc.DapResponseMessage) {
	m.tracker.Complete(msg.RequestID)
	p := m.take(msg.RequestID)
	if p == nil {
		m.log.Info("Response for unknown request", "requestId", msg.RequestID)
		return
	}

	var resp *dapx.RawResponse
	if len(msg.Response) > 0 && string(msg.Response) != "null" {
		resp = &dapx.RawResponse{}
		if err := json.Unmarshal(msg.Response, resp); err != nil {
			m.opts.Metrics.ObserveRequest(p.command, metrics.OutcomeFailure, time.Since(p.issued))
			p.ch <- result{err: errors.InvalidMessage("undecodable DAP response: " + err.Error())}
			return
		}
	}

	if !msg.Success {
		m.opts.Metrics.ObserveRequest(p.command, metrics.OutcomeFailure, time.Since(p.issued))
		message := msg.Error
		if message == "" {
			message = fmt.Sprintf("DAP request '%s' failed", p.command)
		}
		p.ch <- result{resp: resp, err: errors.AdapterRequestFailed(p.command, message)}
		return
	}
	m.opts.Metrics.ObserveRequest(p.command, metrics.OutcomeSuccess, time.Since(p.issued))
	p.ch <- result{resp: resp}
}

// rejectAll fails every pending request with err.
func (m *Manager) rejectAll(err *errors.DebugError) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*pendingRequest)
	m.mu.Unlock()

	m.tracker.Clear()
	for id, p := range pending {
		m.log.V(1).Info("Rejecting pending request", "command", p.command, "requestId", id)
		m.opts.Metrics.ObserveRequest(p.command, metrics.OutcomeProxyExit, time.Since(p.issued))
		p.ch <- result{err: err}
	}
}

// Stop asks the worker to terminate and kills it if it does not exit within
// the stop grace. Pending requests are rejected first.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	proc, enc, sid := m.proc, m.enc, m.state.SessionID
	exited := m.exited
	m.mu.Unlock()
	if proc == nil || exited {
		return nil
	}

	m.log.Info("Stopping proxy")
	m.rejectAll(errors.ProxyExited("Proxy stopped"))

	if err := enc.Encode(ipc.NewTerminateCommand(sid)); err != nil {
		m.log.Error(err, "Failed to send terminate command")
	}

	timer := time.NewTimer(m.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-m.exitDone:
		return nil
	case <-timer.C:
		m.log.Info("Timeout waiting for proxy exit, killing", "grace", m.opts.StopGrace)
	case <-ctx.Done():
		m.log.Info("Stop cancelled, killing proxy")
	}

	if err := proc.Kill(); err != nil {
		m.log.Error(err, "Failed to kill proxy")
	}
	select {
	case <-m.exitDone:
		return nil
	case <-time.After(m.opts.StopGrace):
		return errors.ProxyExited("proxy did not exit after kill")
	}
}

// readMessages consumes the worker's stdout until it closes.
func (m *Manager) readMessages(proc WorkerProcess) {
	defer close(m.readerDone)
	dec := ipc.NewDecoder(proc.Stdout())
	for {
		line, err := dec.Next()
		if err != nil {
			if !stderrors.Is(err, io.EOF) {
				m.log.Error(err, "Failed to read proxy output")
			}
			return
		}
		msg, err := ipc.ParseMessage(line)
		if err != nil {
			m.log.Info("Invalid message from proxy", "error", err.Error(), "raw", string(line))
			continue
		}
		m.handleMessage(msg)
	}
}

func (m *Manager) handleMessage(msg ipc.Message) {
	m.mu.Lock()
	next, cmds := session.Reduce(m.state, session.MessageEvent{Message: msg})
	m.state = next
	m.mu.Unlock()
	m.execute(cmds)
}

func (m *Manager) execute(cmds []session.Command) {
	for _, c := range cmds {
		switch c.Kind {
		case session.KindSendToClient:
			if resp, ok := c.Message.(*ipc.DapResponseMessage); ok {
				m.resolve(resp)
			}
		case session.KindLog:
			if c.Level == session.LevelDebug {
				m.log.V(1).Info(c.Text)
			} else {
				m.log.Info(c.Text, "level", string(c.Level))
			}
		case session.KindEmitEvent:
			m.emit(c)
		case session.KindKillProcess:
			m.reap(c.Text)
		case session.KindSendToProxy:
			// Requests are sent by SendDapRequest directly.
		}
	}
}

// reap makes sure a worker whose session ended goes away. The IPC test
// status is answered with an immediate kill.
func (m *Manager) reap(reason string) {
	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	if proc == nil {
		return
	}
	if reason == string(ipc.StatusIPCTest) {
		m.log.Info("IPC test message received, killing proxy")
		_ = proc.Kill()
		return
	}
	go func() {
		timer := time.NewTimer(m.opts.StopGrace)
		defer timer.Stop()
		select {
		case <-m.exitDone:
		case <-timer.C:
			m.log.Info("Proxy still running after session end, killing", "reason", reason)
			_ = proc.Kill()
		}
	}()
}

func (m *Manager) emit(c session.Command) {
	ev := Event{Name: c.Event}
	switch data := c.Data.(type) {
	case *ipc.DapEventMessage:
		ev.DapEvent = data.Event
		ev.Body = data.Body
		if c.Event == session.EventStopped {
			var body struct {
				ThreadID int    `json:"threadId"`
				Reason   string `json:"reason"`
			}
			_ = json.Unmarshal(data.Body, &body)
			ev.ThreadID = body.ThreadID
			ev.Reason = body.Reason
			if ev.Reason == "" {
				ev.Reason = "unknown"
			}
		}
	case *ipc.StatusMessage:
		ev.Status = data.Status
		ev.Command = data.Command
		ev.Script = data.Script
	case session.ExitInfo:
		ev.Status = data.Status
		ev.Code = data.Code
		ev.Signal = data.Signal
		m.opts.Metrics.AdapterExited(string(data.Status))
	case string:
		ev.Message = data
	}

	switch c.Event {
	case session.EventAdapterConfigured:
		m.mu.Lock()
		m.initialized = true
		m.state, _ = session.Reduce(m.state, session.LaunchedEvent{})
		m.mu.Unlock()
	case session.EventInitialized, session.EventDryRunComplete:
		m.settleStart(nil)
	case session.EventError:
		m.settleStart(errors.ProxyStartFailed(ev.Message, nil))
	case session.EventExit:
		m.settleStart(errors.ProxyStartFailed(fmt.Sprintf("session ended during initialization: %s", ev.Status), nil))
		m.rejectAll(sessionEnded(ev))
	}

	m.log.V(1).Info("Session event", "event", ev.Name, "dapEvent", ev.DapEvent)
	m.publish(ev)
}

// sessionEnded is the error handed to requests still pending when the
// worker reports the end of the session.
func sessionEnded(ev Event) *errors.DebugError {
	switch ev.Status {
	case ipc.StatusAdapterExited:
		return errors.AdapterExited(ev.Code, ev.Signal)
	case ipc.StatusConnectionClosed:
		return errors.ConnectionClosed()
	default:
		return errors.ProxyExited(fmt.Sprintf("session ended: %s", ev.Status))
	}
}

func (m *Manager) publish(ev Event) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	if m.eventsClosed {
		return
	}
	m.events.In <- ev
}

func (m *Manager) closeEvents() {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	if !m.eventsClosed {
		m.eventsClosed = true
		close(m.events.In)
	}
}

// watchExit waits for the worker to exit, drains its output and fails
// whatever is still pending.
func (m *Manager) watchExit(proc WorkerProcess) {
	<-proc.Done()
	select {
	case <-m.readerDone:
	case <-time.After(time.Second):
		m.log.Info("Proxy output not closed after exit")
	}

	code, signal := proc.ExitStatus()
	m.mu.Lock()
	m.exited = true
	dryRun := m.dryRun
	m.mu.Unlock()

	codeLabel := "signal"
	if code != nil {
		codeLabel = strconv.Itoa(*code)
	}
	m.log.Info("Proxy exited", "code", code, "signal", signal)
	m.opts.Metrics.WorkerExited(codeLabel)

	m.rejectAll(errors.ProxyExited("Proxy exited"))

	if dryRun && code != nil && *code == 0 {
		m.settleStart(nil)
	} else {
		msg := fmt.Sprintf("Proxy exited during initialization. Code: %s, Signal: %s", codeLabel, signal)
		if tail := proc.StderrTail(); len(tail) > 0 {
			msg += "\nStderr output:\n" + strings.Join(tail, "\n")
		}
		m.settleStart(errors.ProxyStartFailed(msg, nil))
	}

	m.publish(Event{Name: EventWorkerExit, Code: code, Signal: signal})
	m.closeEvents()
	close(m.exitDone)
}
