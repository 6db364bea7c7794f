package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	dapx "github.com/ctagard/dap-proxy/internal/dap"
	"github.com/ctagard/dap-proxy/internal/errors"
	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/internal/policy"
	"github.com/ctagard/dap-proxy/internal/session"
	"github.com/ctagard/dap-proxy/internal/tracker"
)

const (
	reasonTerminate = "terminate command"
	unknownSession  = "unknown"
)

// Worker owns one debug session: the adapter process, the DAP connection to
// it and the session state.
type Worker struct {
	deps     Dependencies
	settings Settings
	log      logr.Logger
	tracker  *tracker.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        session.State
	payload      *ipc.InitPayload
	policy       policy.Policy
	behavior     policy.DapClientBehavior
	adapterState *policy.AdapterState
	client       *dapx.Client
	process      dapx.Process
	children     *childSessions
	queue        []policy.QueuedCommand
	inflight     map[string]context.CancelFunc
	configured   bool
	deferred     bool // parent configurationDone still owed
	shuttingDown bool
	fatal        bool

	// sendMu keeps caller requests in arrival order on the wire.
	sendMu sync.Mutex

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Worker waiting for its init command.
func New(deps Dependencies, settings Settings) *Worker {
	deps.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		deps:     deps,
		settings: settings,
		log:      deps.Log,
		ctx:      ctx,
		cancel:   cancel,
		state:    session.NewState(""),
		inflight: make(map[string]context.CancelFunc),
		done:     make(chan struct{}),
	}
	w.tracker = tracker.New(
		tracker.WithDefaultTimeout(settings.RequestTimeout),
		tracker.WithTimeoutCallback(func(requestID, command string) {
			defer w.recoverFatal()
			w.handleRequestTimeout(requestID, command)
		}),
	)
	return w
}

// goSafe runs fn on a tracked goroutine. A panic in fn is fatal to the
// session.
func (w *Worker) goSafe(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.recoverFatal()
		fn()
	}()
}

// recoverFatal must be deferred directly. It turns a panic into an error
// report upward and exit code 1.
func (w *Worker) recoverFatal() {
	r := recover()
	if r == nil {
		return
	}
	w.log.Error(nil, "Recovered from panic", "panic", r, "stack", string(debug.Stack()))
	w.mu.Lock()
	w.fatal = true
	w.mu.Unlock()
	w.fail(fmt.Errorf("Proxy uncaught exception: %v", r))
}

// Done is closed when the worker has finished and the process should exit.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// ExitCode is the process exit code; valid once Done is closed.
func (w *Worker) ExitCode() int {
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fatal {
		return 1
	}
	return 0
}

// Wait blocks until every background goroutine has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Phase returns the current lifecycle phase.
func (w *Worker) Phase() session.Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Phase
}

// HandleCommand processes one validated parent command. Long-running work
// (adapter startup, DAP requests) continues in the background.
func (w *Worker) HandleCommand(cmd ipc.Command) {
	switch c := cmd.(type) {
	case *ipc.InitCommand:
		w.handleInit(c)
	case *ipc.DapCommand:
		w.execute(w.dispatch(session.RequestEvent{RequestID: c.RequestID, Command: c.DapCommand, Args: c.DapArgs}))
	case *ipc.TerminateCommand:
		w.log.Info("Received terminate command")
		w.execute(w.dispatch(session.TerminateEvent{Reason: reasonTerminate}))
		// A session that already ended ignores the event but must still exit.
		w.stop(ipc.NewStatus(w.sessionID(), ipc.StatusTerminated))
	default:
		w.sendError(fmt.Sprintf("Unknown command type: %s", cmd.CommandName()))
	}
}

// dispatch runs the reducer under the lock.
func (w *Worker) dispatch(ev session.Event) []session.Command {
	w.mu.Lock()
	defer w.mu.Unlock()
	next, cmds := session.Reduce(w.state, ev)
	w.state = next
	return cmds
}

// execute carries out reducer commands in order.
func (w *Worker) execute(cmds []session.Command) {
	for _, c := range cmds {
		switch c.Kind {
		case session.KindSendToClient:
			w.send(c.Message)
		case session.KindSendToProxy:
			w.forward(*c.Request)
		case session.KindLog:
			w.logCommand(c)
		case session.KindEmitEvent:
			w.handleEmit(c)
		case session.KindKillProcess:
			var final ipc.Message
			if c.Text == reasonTerminate {
				final = ipc.NewStatus(w.sessionID(), ipc.StatusTerminated)
			}
			w.stop(final)
		}
	}
}

func (w *Worker) logCommand(c session.Command) {
	switch c.Level {
	case session.LevelDebug:
		w.log.V(1).Info(c.Text)
	case session.LevelWarn:
		w.log.Info(c.Text, "level", "warn")
	case session.LevelError:
		w.log.Error(nil, c.Text)
	default:
		w.log.Info(c.Text)
	}
}

func (w *Worker) handleEmit(c session.Command) {
	switch c.Event {
	case session.EventInvalidTransition:
		msg := "Invalid state transition"
		if err, ok := c.Data.(error); ok {
			msg = err.Error()
		}
		w.sendError(fmt.Sprintf("Error handling init: %s", msg))
	case session.EventAdapterConfigured:
		w.execute(w.dispatch(session.LaunchedEvent{}))
		w.flushQueue()
	default:
		w.log.V(1).Info("Session event", "event", c.Event)
	}
}

func (w *Worker) sessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.SessionID == "" {
		return unknownSession
	}
	return w.state.SessionID
}

func (w *Worker) send(msg ipc.Message) {
	if err := w.deps.Sender.Send(msg); err != nil {
		w.log.Error(err, "Failed to send message to parent", "type", msg.MessageType())
	}
}

func (w *Worker) sendError(message string) {
	w.send(ipc.NewError(w.sessionID(), message))
}

func (w *Worker) sendStatus(status ipc.Status) {
	w.execute(w.dispatch(session.MessageEvent{Message: ipc.NewStatus(w.sessionID(), status)}))
}

// --- init ---

func (w *Worker) handleInit(c *ipc.InitCommand) {
	cmds := w.dispatch(session.InitEvent{SessionID: c.SessionID})
	w.execute(cmds)
	if w.Phase() != session.PhaseInitializing {
		return
	}
	for _, cmd := range cmds {
		if cmd.Kind == session.KindEmitEvent && cmd.Event == session.EventInvalidTransition {
			return
		}
	}

	payload := c.InitPayload
	w.mu.Lock()
	w.payload = &payload
	w.mu.Unlock()
	w.log = w.log.WithValues("sessionId", payload.SessionID)

	w.goSafe(func() {
		if err := w.initialize(&payload); err != nil {
			w.fail(fmt.Errorf("Error handling init: %w", err))
		}
	})
}

func (w *Worker) initialize(p *ipc.InitPayload) error {
	if err := w.deps.FS.MkdirAll(p.LogDir); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", p.LogDir, err)
	}
	w.log.Info("DAP proxy worker initialized", "logDir", p.LogDir)

	if !w.deps.FS.Exists(p.ScriptPath) {
		return fmt.Errorf("Script path not found: %s", p.ScriptPath)
	}
	w.log.Info("Script path validated", "script", p.ScriptPath)

	pol := w.deps.Policies.Select(p, w.settings.Language)
	state := pol.CreateInitialState()
	behavior := pol.DapClientBehavior()
	w.mu.Lock()
	w.policy = pol
	w.behavior = behavior
	w.adapterState = state
	w.mu.Unlock()
	w.log.Info("Selected adapter policy", "policy", pol.Name())

	spawn, err := pol.AdapterSpawnConfig(p)
	if err != nil {
		return err
	}
	if err := spawn.Validate(); err != nil {
		return err
	}

	if p.DryRunSpawn {
		w.dryRun(p, spawn)
		return nil
	}

	proc, err := w.deps.Launcher.Launch(w.ctx, *spawn)
	if err != nil {
		return err
	}
	w.log.Info("Adapter spawned", "pid", proc.Pid(), "command", spawn.Command)
	w.mu.Lock()
	w.process = proc
	w.mu.Unlock()
	w.goSafe(func() { w.watchProcess(proc) })

	address := hostPort(p)
	conn, err := dapx.DialWithRetry(w.ctx, w.deps.Dialer, address, w.settings.Connect, w.log)
	if err != nil {
		return err
	}

	client := dapx.NewClient(dapx.NewTransport(conn),
		dapx.WithLogger(w.log.WithName("dap")),
		dapx.WithReverseHandler(w.handleReverse),
	)
	w.mu.Lock()
	if w.shuttingDown {
		w.mu.Unlock()
		_ = client.Close()
		return nil
	}
	w.client = client
	if pol.SupportsReverseStartDebugging() {
		w.children = newChildSessions(w, pol, address)
	}
	w.mu.Unlock()

	w.goSafe(func() { w.pump(client) })

	if err := w.sendInitialize(client, p); err != nil {
		return err
	}

	// The launch response may only arrive after configurationDone, which is
	// sent from the initialized event handler.
	w.goSafe(func() { w.sendLaunch(client, p) })

	w.log.Info("Waiting for initialized event from adapter")
	return nil
}

func (w *Worker) dryRun(p *ipc.InitPayload, spawn *ipc.AdapterCommand) {
	full := strings.TrimSpace(spawn.Command + " " + strings.Join(spawn.Args, " "))
	w.log.Info("DRY RUN: would execute adapter", "command", full, "script", p.ScriptPath)

	st := ipc.NewStatus(p.SessionID, ipc.StatusDryRunComplete)
	st.Command = full
	st.Script = p.ScriptPath
	w.execute(w.dispatch(session.MessageEvent{Message: st}))
}

func (w *Worker) sendInitialize(client *dapx.Client, p *ipc.InitPayload) error {
	w.mu.Lock()
	pol, behavior, state := w.policy, w.behavior, w.adapterState
	w.mu.Unlock()

	adapterID := pol.DapAdapterConfiguration().Type
	if behavior.NormalizeAdapterID != nil {
		adapterID = behavior.NormalizeAdapterID(adapterID)
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.settings.RequestTimeout)
	defer cancel()

	w.updateOnCommand("initialize", nil)
	_, err := client.Initialize(ctx, dapInitializeArgs("mcp-proxy-"+p.SessionID, adapterID))

	w.mu.Lock()
	pol.UpdateStateOnResponse("initialize", err == nil, state)
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("initialize request failed: %w", err)
	}
	w.log.Info("DAP initialize completed", "adapterId", adapterID)
	return nil
}

func dapInitializeArgs(clientID, adapterID string) dap.InitializeRequestArguments {
	return dap.InitializeRequestArguments{
		ClientID:                     clientID,
		ClientName:                   "MCP Debug Proxy",
		AdapterID:                    adapterID,
		PathFormat:                   "path",
		LinesStartAt1:                true,
		ColumnsStartAt1:              true,
		SupportsVariableType:         true,
		SupportsRunInTerminalRequest: false,
		Locale:                       "en-US",
	}
}

// launchArgs merges the payload into the launch configuration. Values set in
// the launch configuration win.
func launchArgs(p *ipc.InitPayload) map[string]any {
	args := make(map[string]any, len(p.LaunchConfig)+6)
	for k, v := range p.LaunchConfig {
		args[k] = v
	}

	if program, ok := args["program"].(string); !ok || program == "" {
		args["program"] = p.ScriptPath
	}
	if raw, ok := args["args"].([]any); ok {
		filtered := make([]string, 0, len(raw))
		for _, a := range raw {
			if s, ok := a.(string); ok {
				filtered = append(filtered, s)
			}
		}
		args["args"] = filtered
	} else if _, ok := args["args"].([]string); !ok {
		scriptArgs := p.ScriptArgs
		if scriptArgs == nil {
			scriptArgs = []string{}
		}
		args["args"] = scriptArgs
	}
	if _, ok := args["stopOnEntry"].(bool); !ok {
		args["stopOnEntry"] = p.StopOnEntry == nil || *p.StopOnEntry
	}
	if _, ok := args["justMyCode"].(bool); !ok {
		args["justMyCode"] = p.JustMyCode == nil || *p.JustMyCode
	}
	if _, ok := args["noDebug"]; !ok {
		args["noDebug"] = false
	}
	if _, ok := args["console"]; !ok {
		args["console"] = "internalConsole"
	}
	return args
}

func (w *Worker) sendLaunch(client *dapx.Client, p *ipc.InitPayload) {
	args := launchArgs(p)
	command := "launch"
	if req, _ := args["request"].(string); req == "attach" {
		command = "attach"
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.settings.RequestTimeout)
	defer cancel()

	w.log.Info("Sending start request to adapter", "command", command, "program", args["program"])
	w.updateOnCommand(command, nil)
	_, err := client.Request(ctx, command, args)
	w.mu.Lock()
	if w.policy != nil {
		w.policy.UpdateStateOnResponse(command, err == nil, w.adapterState)
	}
	stopping := w.shuttingDown
	w.mu.Unlock()

	if err != nil && !stopping && w.ctx.Err() == nil {
		w.fail(fmt.Errorf("Error handling init: %s request failed: %w", command, err))
	}
}

// onInitialized sends the initial breakpoints and configurationDone, then
// reports the adapter as configured.
func (w *Worker) onInitialized(client *dapx.Client) {
	w.log.Info("DAP initialized event received")

	w.mu.Lock()
	p, pol, behavior := w.payload, w.policy, w.behavior
	w.mu.Unlock()
	if p == nil || pol == nil {
		w.fail(fmt.Errorf("Error in DAP sequence: missing session state in initialized handler"))
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.settings.RequestTimeout)
	defer cancel()

	for _, group := range groupBreakpoints(p) {
		w.updateOnCommand("setBreakpoints", nil)
		bps, err := client.SetBreakpoints(ctx, group.source, group.breakpoints)
		if err != nil {
			w.fail(fmt.Errorf("Error in DAP sequence: %w", err))
			return
		}
		w.log.Info("Initial breakpoints set", "source", group.source.Path, "count", len(bps))
		if w.children != nil && behavior.MirrorBreakpointsToChild {
			raw, _ := json.Marshal(group.breakpoints)
			w.children.storeBreakpoints(group.source.Path, raw)
		}
	}

	if behavior.DeferParentConfigDone && pol.ShouldDeferParentConfigDone(p.LaunchConfig) {
		w.mu.Lock()
		w.deferred = true
		w.mu.Unlock()
		w.log.Info("Deferring parent configurationDone until a child session attaches")
		// Do not wait forever for a child that never comes.
		timeout := behavior.ChildInitTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		time.AfterFunc(timeout, func() {
			defer w.recoverFatal()
			w.completeDeferredConfig()
		})
	} else if !pol.DebuggerConfiguration().SkipConfigurationDone {
		w.updateOnCommand("configurationDone", nil)
		if err := client.ConfigurationDone(ctx); err != nil {
			w.fail(fmt.Errorf("Error in DAP sequence: %w", err))
			return
		}
	}

	w.mu.Lock()
	w.configured = true
	w.mu.Unlock()
	w.sendStatus(ipc.StatusAdapterConfigured)
}

// completeDeferredConfig sends the parent configurationDone that was held back
// for a child session. It runs at most once.
func (w *Worker) completeDeferredConfig() {
	w.mu.Lock()
	if !w.deferred || w.shuttingDown || w.client == nil {
		w.mu.Unlock()
		return
	}
	w.deferred = false
	client := w.client
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(w.ctx, w.settings.RequestTimeout)
	defer cancel()
	w.updateOnCommand("configurationDone", nil)
	if err := client.ConfigurationDone(ctx); err != nil {
		w.log.Error(err, "Deferred configurationDone failed")
	}
	w.flushQueue()
}

type breakpointGroup struct {
	source      dap.Source
	breakpoints []dap.SourceBreakpoint
}

// groupBreakpoints groups the initial breakpoints by file, in first-seen
// order. Breakpoints without a file belong to the script.
func groupBreakpoints(p *ipc.InitPayload) []breakpointGroup {
	var groups []breakpointGroup
	index := map[string]int{}
	for _, bp := range p.InitialBreakpoints {
		file := bp.File
		if file == "" {
			file = p.ScriptPath
		}
		i, ok := index[file]
		if !ok {
			i = len(groups)
			index[file] = i
			groups = append(groups, breakpointGroup{source: dap.Source{Path: file, Name: filepath.Base(file)}})
		}
		groups[i].breakpoints = append(groups[i].breakpoints, dap.SourceBreakpoint{Line: bp.Line, Condition: bp.Condition})
	}
	return groups
}

func (w *Worker) updateOnCommand(command string, args json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.policy != nil {
		w.policy.UpdateStateOnCommand(command, args, w.adapterState)
	}
}

// --- adapter traffic ---

// pump forwards parent connection events until the connection ends.
func (w *Worker) pump(client *dapx.Client) {
	for ev := range client.Events() {
		w.handleAdapterEvent(client, ev, false)
	}

	w.mu.Lock()
	stopping := w.shuttingDown
	w.mu.Unlock()
	if stopping {
		return
	}
	w.log.Info("DAP client connection closed")
	w.sendStatus(ipc.StatusConnectionClosed)
}

func (w *Worker) handleAdapterEvent(client *dapx.Client, ev *dapx.RawEvent, fromChild bool) {
	name := ev.Event.Event
	w.log.V(1).Info("DAP event", "event", name, "child", fromChild)

	if !fromChild {
		w.mu.Lock()
		if w.policy != nil {
			w.policy.UpdateStateOnEvent(name, ev.Body, w.adapterState)
		}
		w.mu.Unlock()
	}

	w.execute(w.dispatch(session.MessageEvent{Message: ipc.NewDapEvent(w.sessionID(), name, ev.Body)}))

	if fromChild {
		return
	}
	switch name {
	case "initialized":
		w.onInitialized(client)
	case "terminated":
		w.log.Info("Adapter terminated the debug session")
		w.stop(nil)
	}
}

func (w *Worker) watchProcess(proc dapx.Process) {
	select {
	case <-proc.Done():
	case <-w.ctx.Done():
		return
	}

	code, signal := proc.ExitStatus()
	w.mu.Lock()
	stopping := w.shuttingDown
	w.mu.Unlock()
	if stopping {
		return
	}
	w.log.Info("Adapter process exited", "code", code, "signal", signal)
	w.execute(w.dispatch(session.AdapterExitedEvent{Code: code, Signal: signal}))
}

// handleReverse answers adapter-initiated requests per the policy.
func (w *Worker) handleReverse(req *dapx.RawRequest) (any, bool) {
	w.mu.Lock()
	handler := w.behavior.HandleReverseRequest
	children := w.children
	w.mu.Unlock()
	if handler == nil {
		return nil, false
	}

	rc := policy.ReverseContext{}
	if children != nil {
		rc.IsAdopted = children.isAdopted
	}
	res := handler(req.Command, req.Arguments, rc)
	w.log.Info("Reverse request", "command", req.Command, "handled", res.Handled, "createChild", res.CreateChild)

	if res.CreateChild && children != nil {
		w.goSafe(func() {
			if err := children.create(w.ctx, res.PendingID, res.ParentConfig); err != nil {
				w.log.Error(err, "Failed to create child session", "pendingId", res.PendingID)
			}
			w.completeDeferredConfig()
		})
	}
	return res.Body, res.Handled
}

// --- dap forwarding ---

// pendingCall is a forwarded request waiting for the adapter's answer.
type pendingCall struct {
	req    session.ProxyRequest
	sid    string
	call   *dapx.Call
	ctx    context.Context
	cancel context.CancelFunc
}

// forward writes one caller request to the adapter, or queues it when the
// policy says the adapter is not ready for it. Requests are written in
// arrival order; only the wait for the response runs in the background.
func (w *Worker) forward(req session.ProxyRequest) {
	w.sendMu.Lock()
	pc := w.write(req)
	w.sendMu.Unlock()
	if pc != nil {
		w.goSafe(func() { w.await(pc) })
	}
}

// write must be called with sendMu held.
func (w *Worker) write(req session.ProxyRequest) *pendingCall {
	w.mu.Lock()
	sid := w.state.SessionID
	pol, state := w.policy, w.adapterState
	if pol != nil && pol.RequiresCommandQueueing() && !w.shuttingDown {
		if h := pol.ShouldQueueCommand(req.Command, state); h.ShouldQueue {
			w.queue = append(w.queue, policy.QueuedCommand{RequestID: req.RequestID, Command: req.Command, Args: req.Args})
			w.mu.Unlock()
			w.log.Info("Queued DAP command", "command", req.Command, "requestId", req.RequestID, "reason", h.Reason)
			return nil
		}
	}
	client := w.client
	if client == nil || !w.configured || w.shuttingDown {
		w.mu.Unlock()
		w.send(ipc.NewDapFailure(sid, req.RequestID, "DAP client not connected", nil))
		return nil
	}
	if pol != nil {
		pol.UpdateStateOnCommand(req.Command, req.Args, state)
	}
	target := client
	if w.children != nil {
		if child := w.children.route(req.Command); child != nil {
			target = child
		}
	}
	children := w.children
	mirror := w.behavior.MirrorBreakpointsToChild
	ctx, cancel := context.WithCancel(w.ctx)
	w.inflight[req.RequestID] = cancel
	w.mu.Unlock()

	if req.Command == "setBreakpoints" && children != nil && mirror {
		if path, bps, ok := breakpointArgs(req.Args); ok {
			children.storeBreakpoints(path, bps)
		}
	}

	w.tracker.Track(req.RequestID, req.Command, w.settings.RequestTimeout)
	w.log.V(1).Info("Forwarding DAP request", "command", req.Command, "requestId", req.RequestID)

	pc := &pendingCall{req: req, sid: sid, ctx: ctx, cancel: cancel}
	call, err := target.Send(req.Command, req.Args)
	if err != nil {
		w.reply(pc, nil, err)
		return nil
	}
	pc.call = call
	return pc
}

func (w *Worker) await(pc *pendingCall) {
	resp, err := pc.call.Wait(pc.ctx)
	w.reply(pc, resp, err)
}

// reply answers the caller unless the request already timed out or was
// cleared by shutdown.
func (w *Worker) reply(pc *pendingCall, resp *dapx.RawResponse, err error) {
	req, sid := pc.req, pc.sid
	pc.cancel()
	w.mu.Lock()
	delete(w.inflight, req.RequestID)
	w.mu.Unlock()

	if !w.tracker.Complete(req.RequestID) {
		return
	}

	switch {
	case err != nil:
		w.log.Error(err, "DAP command failed", "command", req.Command)
		w.send(ipc.NewDapFailure(sid, req.RequestID, err.Error(), nil))
	case !resp.Success:
		message := resp.Message
		if message == "" {
			message = errors.AdapterRequestFailed(req.Command, "").Message
		}
		raw, _ := json.Marshal(resp)
		w.send(ipc.NewDapFailure(sid, req.RequestID, message, raw))
	default:
		raw, err := json.Marshal(resp)
		if err != nil {
			w.send(ipc.NewDapFailure(sid, req.RequestID, err.Error(), nil))
			return
		}
		w.send(ipc.NewDapResponse(sid, req.RequestID, raw))
	}

	w.mu.Lock()
	if w.policy != nil {
		w.policy.UpdateStateOnResponse(req.Command, err == nil && resp.Success, w.adapterState)
	}
	w.mu.Unlock()
}

func breakpointArgs(args json.RawMessage) (string, json.RawMessage, bool) {
	var a struct {
		Source struct {
			Path string `json:"path"`
		} `json:"source"`
		Breakpoints json.RawMessage `json:"breakpoints"`
	}
	if err := json.Unmarshal(args, &a); err != nil || a.Source.Path == "" {
		return "", nil, false
	}
	return a.Source.Path, a.Breakpoints, true
}

// flushQueue forwards queued commands in policy order. Commands the policy
// still holds back are queued again.
func (w *Worker) flushQueue() {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	w.mu.Lock()
	queued := w.queue
	w.queue = nil
	pol := w.policy
	w.mu.Unlock()
	if len(queued) == 0 || pol == nil {
		return
	}

	ordered := pol.ProcessQueuedCommands(queued)
	w.log.Info("Flushing queued DAP commands", "count", len(ordered))
	for _, q := range ordered {
		if pc := w.write(session.ProxyRequest{RequestID: q.RequestID, Command: q.Command, Args: q.Args}); pc != nil {
			w.goSafe(func() { w.await(pc) })
		}
	}
}

func (w *Worker) handleRequestTimeout(requestID, command string) {
	w.log.Error(nil, "DAP request timed out", "command", command, "requestId", requestID)
	w.mu.Lock()
	if cancel, ok := w.inflight[requestID]; ok {
		cancel()
	}
	w.mu.Unlock()
	w.send(ipc.NewDapFailure(w.sessionID(), requestID, errors.DAPTimeout(command, requestID).Message, nil))
}

// --- shutdown ---

// fail reports err upward and ends the worker with exit code 1.
func (w *Worker) fail(err error) {
	w.mu.Lock()
	stopping := w.shuttingDown
	if !stopping {
		w.fatal = true
	}
	w.mu.Unlock()
	if stopping {
		w.log.V(1).Info("Ignoring error during shutdown", "error", err.Error())
		return
	}
	w.log.Error(err, "Worker failed")
	w.execute(w.dispatch(session.MessageEvent{Message: ipc.NewError(w.sessionID(), err.Error())}))
	w.stop(nil)
}

// stop shuts the session down once, sends final (if any) and releases Done.
func (w *Worker) stop(final ipc.Message) {
	w.stopOnce.Do(func() {
		defer close(w.done)
		w.shutdown()
		if final != nil {
			w.send(final)
		}
	})
}

func (w *Worker) shutdown() {
	w.mu.Lock()
	if w.shuttingDown {
		w.mu.Unlock()
		return
	}
	w.shuttingDown = true
	client, proc, children := w.client, w.process, w.children
	for _, cancel := range w.inflight {
		cancel()
	}
	w.mu.Unlock()

	w.log.Info("Initiating shutdown sequence")
	w.tracker.Clear()

	if children != nil {
		children.close()
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.settings.DisconnectTimeout)
		if err := client.Disconnect(ctx, true); err != nil {
			w.log.Info("Disconnect request failed or timed out", "error", err.Error())
		}
		cancel()
		_ = client.Close()
	}

	if proc != nil {
		if err := proc.Terminate(w.settings.KillGrace); err != nil {
			w.log.Error(err, "Failed to terminate adapter process", "pid", proc.Pid())
		}
	}

	w.cancel()
	w.log.Info("Shutdown sequence completed")
}

func hostPort(p *ipc.InitPayload) string {
	return net.JoinHostPort(p.AdapterHost, strconv.Itoa(p.AdapterPort))
}
