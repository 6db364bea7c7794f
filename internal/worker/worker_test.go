package worker

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	dapx "github.com/ctagard/dap-proxy/internal/dap"
	"github.com/ctagard/dap-proxy/internal/dap/daptest"
	derrors "github.com/ctagard/dap-proxy/internal/errors"
	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/internal/policy"
	"github.com/ctagard/dap-proxy/internal/session"
	"github.com/ctagard/dap-proxy/pkg/types"
)

const waitFor = 5 * time.Second

// recorder collects everything the worker sends upward.
type recorder struct {
	mu   sync.Mutex
	msgs []ipc.Message
}

func (r *recorder) Send(msg ipc.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) all() []ipc.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ipc.Message(nil), r.msgs...)
}

func (r *recorder) find(match func(ipc.Message) bool) ipc.Message {
	for _, m := range r.all() {
		if match(m) {
			return m
		}
	}
	return nil
}

func (r *recorder) count(match func(ipc.Message) bool) int {
	n := 0
	for _, m := range r.all() {
		if match(m) {
			n++
		}
	}
	return n
}

func (r *recorder) wait(t *testing.T, match func(ipc.Message) bool) ipc.Message {
	t.Helper()
	var found ipc.Message
	require.Eventually(t, func() bool {
		found = r.find(match)
		return found != nil
	}, waitFor, 5*time.Millisecond)
	return found
}

func isStatus(s ipc.Status) func(ipc.Message) bool {
	return func(m ipc.Message) bool {
		st, ok := m.(*ipc.StatusMessage)
		return ok && st.Status == s
	}
}

func isResponse(requestID string) func(ipc.Message) bool {
	return func(m ipc.Message) bool {
		r, ok := m.(*ipc.DapResponseMessage)
		return ok && r.RequestID == requestID
	}
}

func isEvent(name string) func(ipc.Message) bool {
	return func(m ipc.Message) bool {
		e, ok := m.(*ipc.DapEventMessage)
		return ok && e.Event == name
	}
}

func isError(m ipc.Message) bool {
	_, ok := m.(*ipc.ErrorMessage)
	return ok
}

// MockLauncher is a mock implementation of dapx.Launcher.
type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) Launch(ctx context.Context, cmd ipc.AdapterCommand) (dapx.Process, error) {
	args := m.Called(cmd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(dapx.Process), args.Error(1)
}

type fakeProcess struct {
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	code       *int
	terminated bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int              { return 4242 }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitStatus() (*int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, ""
}

func (p *fakeProcess) Terminate(time.Duration) error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit(0)
	return nil
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = &code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

type fakeFS struct {
	missing bool
}

func (f fakeFS) Exists(string) bool    { return !f.missing }
func (f fakeFS) MkdirAll(string) error { return nil }

// queueDialer hands out the given connections in order, then refuses.
func queueDialer(conns ...net.Conn) dapx.Dialer {
	ch := make(chan net.Conn, len(conns))
	for _, c := range conns {
		ch <- c
	}
	return dapx.DialerFunc(func(ctx context.Context, address string) (net.Conn, error) {
		select {
		case c := <-ch:
			return c, nil
		default:
			return nil, stderrors.New("connection refused")
		}
	})
}

type harness struct {
	w        *Worker
	sent     *recorder
	adapter  *daptest.Adapter
	launcher *MockLauncher
	proc     *fakeProcess
	dir      string
}

func testSettings() Settings {
	s := DefaultSettings()
	s.Language = types.LanguagePython
	s.RequestTimeout = 2 * time.Second
	s.Connect = dapx.ConnectOptions{Attempts: 1, DialTimeout: time.Second}
	s.KillGrace = 10 * time.Millisecond
	s.DisconnectTimeout = 200 * time.Millisecond
	return s
}

func newHarness(t *testing.T, tweak func(*Settings, *Dependencies)) *harness {
	t.Helper()
	conn, adapter := daptest.Pipe()
	h := &harness{
		sent:     &recorder{},
		adapter:  adapter,
		launcher: new(MockLauncher),
		proc:     newFakeProcess(),
		dir:      t.TempDir(),
	}
	h.launcher.On("Launch", mock.Anything).Return(h.proc, nil).Maybe()

	// Initialize answers and announces readiness, like debugpy.
	adapter.Handle("initialize", func(a *daptest.Adapter, req *dapx.RawRequest) {
		a.Respond(req, true, map[string]any{"supportsConfigurationDoneRequest": true}, "")
		a.Event("initialized", nil)
	})

	settings := testSettings()
	deps := Dependencies{
		Sender:   h.sent,
		Launcher: h.launcher,
		Dialer:   queueDialer(conn),
		Policies: policy.NewRegistry(policy.Options{}),
		FS:       fakeFS{},
		Log:      logr.Discard(),
	}
	if tweak != nil {
		tweak(&settings, &deps)
	}
	h.w = New(deps, settings)

	t.Cleanup(func() {
		h.w.HandleCommand(ipc.NewTerminateCommand(""))
		select {
		case <-h.w.Done():
		case <-time.After(waitFor):
			t.Error("worker did not stop")
		}
		_ = adapter.Close()
	})
	return h
}

func (h *harness) payload() ipc.InitPayload {
	script := filepath.Join(h.dir, "app.py")
	return ipc.InitPayload{
		SessionID:          "s1",
		ExecutablePath:     "python3",
		AdapterHost:        "127.0.0.1",
		AdapterPort:        5678,
		LogDir:             h.dir,
		ScriptPath:         script,
		InitialBreakpoints: []ipc.Breakpoint{{File: script, Line: 3}, {File: script, Line: 7, Condition: "x > 1"}},
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.w.HandleCommand(ipc.NewInitCommand(h.payload()))
	h.sent.wait(t, isStatus(ipc.StatusAdapterConfigured))
}

func indexOf(items []string, want string) int {
	for i, s := range items {
		if s == want {
			return i
		}
	}
	return -1
}

// TestWorker_DryRun verifies a dry run reports the adapter command without spawning it.
func TestWorker_DryRun(t *testing.T) {
	h := newHarness(t, nil)
	p := h.payload()
	p.DryRunSpawn = true
	h.w.HandleCommand(ipc.NewInitCommand(p))

	msg := h.sent.wait(t, isStatus(ipc.StatusDryRunComplete)).(*ipc.StatusMessage)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Contains(t, msg.Command, "python3 -m debugpy.adapter --host 127.0.0.1 --port 5678")
	assert.Equal(t, p.ScriptPath, msg.Script)

	select {
	case <-h.w.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not finish after dry run")
	}
	assert.Equal(t, 0, h.w.ExitCode())
	h.launcher.AssertNotCalled(t, "Launch", mock.Anything)
}

// TestWorker_DryRunWithoutLanguage verifies a worker started without a
// language and given no adapter command falls back to debugpy.
func TestWorker_DryRunWithoutLanguage(t *testing.T) {
	h := newHarness(t, func(s *Settings, _ *Dependencies) {
		s.Language = ""
	})
	h.w.HandleCommand(ipc.NewInitCommand(ipc.InitPayload{
		SessionID:   "s1",
		AdapterHost: "127.0.0.1",
		AdapterPort: 5678,
		LogDir:      h.dir,
		ScriptPath:  "/tmp/x.py",
		DryRunSpawn: true,
	}))

	msg := h.sent.wait(t, isStatus(ipc.StatusDryRunComplete)).(*ipc.StatusMessage)
	assert.Equal(t, "/tmp/x.py", msg.Script)
	assert.Contains(t, msg.Command, "-m debugpy.adapter")
	assert.Nil(t, h.sent.find(isError))
	h.launcher.AssertNotCalled(t, "Launch", mock.Anything)
}

// TestWorker_InitHandshake verifies the DAP startup sequence.
func TestWorker_InitHandshake(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	require.Eventually(t, func() bool {
		return indexOf(h.adapter.Commands(), "launch") >= 0
	}, waitFor, 5*time.Millisecond)

	cmds := h.adapter.Commands()
	assert.Equal(t, "initialize", cmds[0])
	bp, done := indexOf(cmds, "setBreakpoints"), indexOf(cmds, "configurationDone")
	require.GreaterOrEqual(t, bp, 0)
	assert.Less(t, bp, done, "breakpoints must precede configurationDone: %v", cmds)

	var init map[string]any
	require.NoError(t, json.Unmarshal(h.adapter.Requests("initialize")[0].Arguments, &init))
	assert.Equal(t, "mcp-proxy-s1", init["clientID"])
	assert.Equal(t, "MCP Debug Proxy", init["clientName"])
	assert.Equal(t, "debugpy", init["adapterID"])
	assert.Equal(t, "path", init["pathFormat"])

	var bps struct {
		Source      struct{ Path, Name string }
		Breakpoints []struct {
			Line      int
			Condition string
		}
	}
	require.NoError(t, json.Unmarshal(h.adapter.Requests("setBreakpoints")[0].Arguments, &bps))
	assert.Equal(t, "app.py", bps.Source.Name)
	require.Len(t, bps.Breakpoints, 2)
	assert.Equal(t, "x > 1", bps.Breakpoints[1].Condition)

	var launch map[string]any
	require.NoError(t, json.Unmarshal(h.adapter.Requests("launch")[0].Arguments, &launch))
	assert.Equal(t, filepath.Join(h.dir, "app.py"), launch["program"])
	assert.Equal(t, true, launch["stopOnEntry"])
	assert.Equal(t, true, launch["justMyCode"])
	assert.Equal(t, "internalConsole", launch["console"])

	assert.Equal(t, session.PhaseRunning, h.w.Phase())
	h.launcher.AssertNumberOfCalls(t, "Launch", 1)
	spawned := h.launcher.Calls[0].Arguments.Get(0).(ipc.AdapterCommand)
	assert.Equal(t, "python3", spawned.Command)
}

// TestWorker_ForwardsRequests verifies responses are correlated by request id.
func TestWorker_ForwardsRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.Handle("threads", func(a *daptest.Adapter, req *dapx.RawRequest) {
		a.Respond(req, true, map[string]any{"threads": []map[string]any{{"id": 1, "name": "MainThread"}}}, "")
	})
	h.adapter.Handle("evaluate", func(a *daptest.Adapter, req *dapx.RawRequest) {
		a.Respond(req, false, nil, "name 'y' is not defined")
	})
	h.start(t)

	h.w.HandleCommand(ipc.NewDapCommand("s1", "r1", "threads", nil))
	h.w.HandleCommand(ipc.NewDapCommand("s1", "r2", "evaluate", json.RawMessage(`{"expression":"y"}`)))

	ok := h.sent.wait(t, isResponse("r1")).(*ipc.DapResponseMessage)
	assert.True(t, ok.Success)
	assert.Contains(t, string(ok.Response), "MainThread")
	assert.Contains(t, string(ok.Response), `"command":"threads"`)

	failed := h.sent.wait(t, isResponse("r2")).(*ipc.DapResponseMessage)
	assert.False(t, failed.Success)
	assert.Equal(t, "name 'y' is not defined", failed.Error)

	var eval map[string]any
	require.NoError(t, json.Unmarshal(h.adapter.Requests("evaluate")[0].Arguments, &eval))
	assert.Equal(t, "y", eval["expression"])
}

// TestWorker_RequestOrder verifies requests reach the adapter in the order
// they were received.
func TestWorker_RequestOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	var want []string
	for i := 0; i < 20; i++ {
		command := fmt.Sprintf("cmd%02d", i)
		want = append(want, command)
		h.w.HandleCommand(ipc.NewDapCommand("s1", "r-"+command, command, nil))
	}
	for _, command := range want {
		h.sent.wait(t, isResponse("r-"+command))
	}

	var got []string
	for _, c := range h.adapter.Commands() {
		if strings.HasPrefix(c, "cmd") {
			got = append(got, c)
		}
	}
	assert.Equal(t, want, got)
}

// TestWorker_RequestTimeout verifies an unanswered request fails exactly once.
func TestWorker_RequestTimeout(t *testing.T) {
	h := newHarness(t, func(s *Settings, _ *Dependencies) {
		s.RequestTimeout = 150 * time.Millisecond
	})
	h.adapter.Handle("evaluate", func(*daptest.Adapter, *dapx.RawRequest) {})
	h.start(t)

	h.w.HandleCommand(ipc.NewDapCommand("s1", "slow", "evaluate", nil))
	msg := h.sent.wait(t, isResponse("slow")).(*ipc.DapResponseMessage)
	assert.False(t, msg.Success)
	assert.Equal(t, "Request 'evaluate' timed out", msg.Error)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.sent.count(isResponse("slow")))
}

// TestWorker_NotConnected verifies requests before configuration are refused.
func TestWorker_NotConnected(t *testing.T) {
	h := newHarness(t, nil)
	// Never announce readiness.
	h.adapter.Handle("initialize", func(a *daptest.Adapter, req *dapx.RawRequest) {
		a.Respond(req, true, nil, "")
	})
	h.w.HandleCommand(ipc.NewInitCommand(h.payload()))
	require.Eventually(t, func() bool {
		return indexOf(h.adapter.Commands(), "initialize") >= 0
	}, waitFor, 5*time.Millisecond)

	h.w.HandleCommand(ipc.NewDapCommand("s1", "early", "threads", nil))
	msg := h.sent.wait(t, isResponse("early")).(*ipc.DapResponseMessage)
	assert.Equal(t, "DAP client not connected", msg.Error)
	assert.Empty(t, h.adapter.Requests("threads"))
}

// TestWorker_RequestBeforeInit verifies the reducer answers requests before init.
func TestWorker_RequestBeforeInit(t *testing.T) {
	h := newHarness(t, nil)
	h.w.HandleCommand(ipc.NewDapCommand("s1", "r0", "threads", nil))

	msg := h.sent.wait(t, isResponse("r0")).(*ipc.DapResponseMessage)
	assert.False(t, msg.Success)
	assert.Equal(t, derrors.NotInitialized("session").Message, msg.Error)
	h.launcher.AssertNotCalled(t, "Launch", mock.Anything)
}

// TestWorker_Terminate verifies the shutdown sequence and final status.
func TestWorker_Terminate(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.w.HandleCommand(ipc.NewTerminateCommand("s1"))
	<-h.w.Done()

	msgs := h.sent.all()
	last, ok := msgs[len(msgs)-1].(*ipc.StatusMessage)
	require.True(t, ok, "last message should be a status: %#v", msgs[len(msgs)-1])
	assert.Equal(t, ipc.StatusTerminated, last.Status)
	assert.Equal(t, 0, h.w.ExitCode())
	assert.True(t, h.proc.wasTerminated())

	reqs := h.adapter.Requests("disconnect")
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"terminateDebuggee":true}`, string(reqs[0].Arguments))
	assert.Equal(t, session.PhaseTerminated, h.w.Phase())
}

// TestWorker_AdapterExit verifies an adapter crash is reported and ends the worker.
func TestWorker_AdapterExit(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.proc.exit(3)
	msg := h.sent.wait(t, isStatus(ipc.StatusAdapterExited)).(*ipc.StatusMessage)
	require.NotNil(t, msg.Code)
	assert.Equal(t, 3, *msg.Code)

	select {
	case <-h.w.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not stop after adapter exit")
	}
	assert.Equal(t, 0, h.w.ExitCode())
}

// TestWorker_ConnectionClosed verifies a dropped DAP connection is reported.
func TestWorker_ConnectionClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	require.NoError(t, h.adapter.Close())
	h.sent.wait(t, isStatus(ipc.StatusConnectionClosed))
	select {
	case <-h.w.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not stop after connection loss")
	}
}

// TestWorker_TerminatedEvent verifies the adapter ending the session stops the worker.
func TestWorker_TerminatedEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.adapter.Event("exited", map[string]any{"exitCode": 0})
	h.sent.wait(t, isEvent("exited"))
	select {
	case <-h.w.Done():
		t.Fatal("exited alone must not stop the worker")
	case <-time.After(50 * time.Millisecond):
	}

	h.adapter.Event("terminated", nil)
	h.sent.wait(t, isEvent("terminated"))
	select {
	case <-h.w.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not stop after terminated event")
	}
}

// TestWorker_DuplicateInit verifies a second init is rejected and the session survives.
func TestWorker_DuplicateInit(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.w.HandleCommand(ipc.NewInitCommand(h.payload()))
	msg := h.sent.wait(t, isError).(*ipc.ErrorMessage)
	assert.True(t, strings.HasPrefix(msg.Message, "Error handling init:"), msg.Message)
	h.launcher.AssertNumberOfCalls(t, "Launch", 1)
	assert.NotEqual(t, session.PhaseTerminated, h.w.Phase())
}

// TestWorker_ScriptMissing verifies init fails fast on a missing script.
func TestWorker_ScriptMissing(t *testing.T) {
	h := newHarness(t, func(_ *Settings, d *Dependencies) {
		d.FS = fakeFS{missing: true}
	})
	p := h.payload()
	h.w.HandleCommand(ipc.NewInitCommand(p))

	msg := h.sent.wait(t, isError).(*ipc.ErrorMessage)
	assert.Contains(t, msg.Message, fmt.Sprintf("Script path not found: %s", p.ScriptPath))
	<-h.w.Done()
	assert.Equal(t, 1, h.w.ExitCode())
	h.launcher.AssertNotCalled(t, "Launch", mock.Anything)
}

// TestWorker_SpawnFailure verifies launcher errors fail the init.
func TestWorker_SpawnFailure(t *testing.T) {
	h := newHarness(t, func(_ *Settings, d *Dependencies) {
		l := new(MockLauncher)
		l.On("Launch", mock.Anything).Return(nil, derrors.AdapterSpawnFailed("python3", stderrors.New("not found")))
		d.Launcher = l
	})
	h.w.HandleCommand(ipc.NewInitCommand(h.payload()))

	msg := h.sent.wait(t, isError).(*ipc.ErrorMessage)
	assert.Contains(t, msg.Message, "Error handling init:")
	<-h.w.Done()
	assert.Equal(t, 1, h.w.ExitCode())
}

// TestWorker_ChildSession verifies js-debug style child sessions: the parent
// configurationDone waits for the child, queued commands are replayed and
// child-routed commands reach the child.
func TestWorker_ChildSession(t *testing.T) {
	saved := defaultChildTimings
	defaultChildTimings.postAttachWait = 50 * time.Millisecond
	defaultChildTimings.stoppedWait = 200 * time.Millisecond
	t.Cleanup(func() { defaultChildTimings = saved })

	parentConn, parent := daptest.Pipe()
	childConn, child := daptest.Pipe()
	t.Cleanup(func() {
		_ = parent.Close()
		_ = child.Close()
	})

	parent.Handle("initialize", func(a *daptest.Adapter, req *dapx.RawRequest) {
		a.Respond(req, true, nil, "")
		a.Event("initialized", nil)
	})
	child.Handle("initialize", func(a *daptest.Adapter, req *dapx.RawRequest) {
		a.Respond(req, true, nil, "")
		a.Event("initialized", nil)
	})
	child.Handle("attach", func(a *daptest.Adapter, req *dapx.RawRequest) {
		a.Respond(req, true, nil, "")
		a.Event("stopped", map[string]any{"reason": "entry", "threadId": 7})
	})
	child.Handle("threads", func(a *daptest.Adapter, req *dapx.RawRequest) {
		a.Respond(req, true, map[string]any{"threads": []map[string]any{{"id": 7, "name": "main"}}}, "")
	})

	sent := &recorder{}
	launcher := new(MockLauncher)
	launcher.On("Launch", mock.Anything).Return(newFakeProcess(), nil)
	settings := testSettings()
	settings.Language = types.LanguageJavaScript
	w := New(Dependencies{
		Sender:   sent,
		Launcher: launcher,
		Dialer:   queueDialer(parentConn, childConn),
		Policies: policy.NewRegistry(policy.Options{}),
		FS:       fakeFS{},
		Log:      logr.Discard(),
	}, settings)
	t.Cleanup(func() {
		w.HandleCommand(ipc.NewTerminateCommand(""))
		<-w.Done()
	})

	dir := t.TempDir()
	w.HandleCommand(ipc.NewInitCommand(ipc.InitPayload{
		SessionID:      "js1",
		AdapterHost:    "127.0.0.1",
		AdapterPort:    9229,
		LogDir:         dir,
		ScriptPath:     filepath.Join(dir, "app.js"),
		AdapterCommand: &ipc.AdapterCommand{Command: "node", Args: []string{"/opt/js-debug/src/dapDebugServer.js", "9229"}},
		LaunchConfig:   map[string]any{"type": "pwa-node"},
	}))
	sent.wait(t, isStatus(ipc.StatusAdapterConfigured))
	assert.Equal(t, -1, indexOf(parent.Commands(), "configurationDone"), "parent configurationDone must be deferred")

	// Not ready until configurationDone: held in the queue.
	w.HandleCommand(ipc.NewDapCommand("js1", "q1", "threads", nil))
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, sent.find(isResponse("q1")))

	parent.Reverse("startDebugging", map[string]any{
		"request":       "attach",
		"configuration": map[string]any{"type": "pwa-node", "__pendingTargetId": "t1"},
	})

	resp := sent.wait(t, isResponse("q1")).(*ipc.DapResponseMessage)
	assert.True(t, resp.Success)
	assert.Contains(t, string(resp.Response), `"id":7`)
	assert.Empty(t, parent.Requests("threads"))
	assert.GreaterOrEqual(t, indexOf(parent.Commands(), "configurationDone"), 0)
	sent.wait(t, isEvent("stopped"))

	cmds := child.Commands()
	assert.Equal(t, "initialize", cmds[0])
	assert.Less(t, indexOf(cmds, "configurationDone"), indexOf(cmds, "attach"))
	var attach map[string]any
	require.NoError(t, json.Unmarshal(child.Requests("attach")[0].Arguments, &attach))
	assert.Equal(t, "t1", attach["__pendingTargetId"])

	var initArgs map[string]any
	require.NoError(t, json.Unmarshal(child.Requests("initialize")[0].Arguments, &initArgs))
	assert.Equal(t, "mcp-child-t1", initArgs["clientID"])

	// The adapter asking again for the same target is acknowledged only.
	parent.Reverse("startDebugging", map[string]any{
		"request":       "attach",
		"configuration": map[string]any{"__pendingTargetId": "t1"},
	})
	require.Eventually(t, func() bool { return len(parent.Responses()) == 2 }, waitFor, 5*time.Millisecond)
	for _, r := range parent.Responses() {
		assert.True(t, r.Success)
	}
	assert.Len(t, child.Requests("attach"), 1)
}

// TestRun verifies the command loop: malformed lines are reported and the
// loop ends with the worker.
func TestRun(t *testing.T) {
	sent := &recorder{}
	w := New(Dependencies{Sender: sent, FS: fakeFS{}, Log: logr.Discard()}, testSettings())

	pr, pw := io.Pipe()
	defer pw.Close()

	exit := make(chan int, 1)
	go func() { exit <- w.Run(context.Background(), pr) }()

	_, err := io.WriteString(pw, "{not json\n")
	require.NoError(t, err)
	msg := sent.wait(t, isError).(*ipc.ErrorMessage)
	assert.True(t, strings.HasPrefix(msg.Message, "Proxy error processing command:"), msg.Message)
	assert.Equal(t, "unknown", msg.SessionID)

	init := ipc.NewInitCommand(ipc.InitPayload{
		SessionID:      "s9",
		ExecutablePath: "python3",
		AdapterHost:    "127.0.0.1",
		AdapterPort:    5678,
		LogDir:         t.TempDir(),
		ScriptPath:     "/work/app.py",
		DryRunSpawn:    true,
	})
	line, err := json.Marshal(init)
	require.NoError(t, err)
	_, err = pw.Write(append(line, '\n'))
	require.NoError(t, err)

	select {
	case code := <-exit:
		assert.Equal(t, 0, code)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	sent.wait(t, isStatus(ipc.StatusDryRunComplete))
}

// TestRun_ContextCancel verifies a cancelled context terminates the worker.
func TestRun_ContextCancel(t *testing.T) {
	sent := &recorder{}
	w := New(Dependencies{Sender: sent, FS: fakeFS{}, Log: logr.Discard()}, testSettings())

	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 0, w.Run(ctx, pr))
	sent.wait(t, isStatus(ipc.StatusTerminated))
}

const fatalChildEnv = "DAP_PROXY_WORKER_FATAL_CHILD"

type panickingLauncher struct{}

func (panickingLauncher) Launch(context.Context, ipc.AdapterCommand) (dapx.Process, error) {
	panic("launcher exploded")
}

// runFatalChild runs a worker on this process's stdout whose launcher panics.
func runFatalChild() {
	w := New(Dependencies{
		Sender:   ipc.NewEncoder(os.Stdout),
		Launcher: panickingLauncher{},
		FS:       fakeFS{},
	}, testSettings())

	pr, pw := io.Pipe()
	go func() {
		line, _ := json.Marshal(ipc.NewInitCommand(ipc.InitPayload{
			SessionID:   "s-fatal",
			AdapterHost: "127.0.0.1",
			AdapterPort: 5678,
			LogDir:      os.TempDir(),
			ScriptPath:  "/work/app.py",
		}))
		_, _ = pw.Write(append(line, '\n'))
	}()
	os.Exit(w.Run(context.Background(), pr))
}

// TestRun_PanicIsFatal verifies a panic on a worker goroutine is reported
// upward and ends the process with exit code 1.
func TestRun_PanicIsFatal(t *testing.T) {
	if os.Getenv(fatalChildEnv) == "1" {
		runFatalChild()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestRun_PanicIsFatal$")
	cmd.Env = append(os.Environ(), fatalChildEnv+"=1")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, stdout.String())
	assert.Equal(t, 1, exitErr.ExitCode())

	var reported []ipc.ErrorMessage
	for _, line := range strings.Split(stdout.String(), "\n") {
		var msg ipc.ErrorMessage
		if json.Unmarshal([]byte(line), &msg) == nil && msg.Type == ipc.TypeError {
			reported = append(reported, msg)
		}
	}
	require.NotEmpty(t, reported, stdout.String())
	assert.Equal(t, "s-fatal", reported[0].SessionID)
	assert.Equal(t, "Proxy uncaught exception: launcher exploded", reported[0].Message)
}

// TestWorker_PanicInHandler verifies a recovered panic fails the session.
func TestWorker_PanicInHandler(t *testing.T) {
	h := newHarness(t, func(_ *Settings, d *Dependencies) {
		d.Launcher = panickingLauncher{}
	})
	h.w.HandleCommand(ipc.NewInitCommand(h.payload()))

	msg := h.sent.wait(t, isError).(*ipc.ErrorMessage)
	assert.Equal(t, "Proxy uncaught exception: launcher exploded", msg.Message)
	<-h.w.Done()
	assert.Equal(t, 1, h.w.ExitCode())
}

func TestLaunchArgs(t *testing.T) {
	no := false
	tests := []struct {
		name    string
		payload ipc.InitPayload
		check   func(t *testing.T, args map[string]any)
	}{
		{
			name:    "defaults",
			payload: ipc.InitPayload{ScriptPath: "/w/app.py", ScriptArgs: []string{"-v"}},
			check: func(t *testing.T, args map[string]any) {
				assert.Equal(t, "/w/app.py", args["program"])
				assert.Equal(t, []string{"-v"}, args["args"])
				assert.Equal(t, true, args["stopOnEntry"])
				assert.Equal(t, true, args["justMyCode"])
				assert.Equal(t, false, args["noDebug"])
				assert.Equal(t, "internalConsole", args["console"])
			},
		},
		{
			name:    "payload flags",
			payload: ipc.InitPayload{ScriptPath: "/w/app.py", StopOnEntry: &no, JustMyCode: &no},
			check: func(t *testing.T, args map[string]any) {
				assert.Equal(t, false, args["stopOnEntry"])
				assert.Equal(t, false, args["justMyCode"])
				assert.Equal(t, []string{}, args["args"])
			},
		},
		{
			name: "launch config wins",
			payload: ipc.InitPayload{
				ScriptPath:  "/w/app.py",
				ScriptArgs:  []string{"ignored"},
				StopOnEntry: &no,
				LaunchConfig: map[string]any{
					"program":     "/w/main.py",
					"args":        []any{"a", 2, "b"},
					"stopOnEntry": true,
					"console":     "integratedTerminal",
					"cwd":         "/w",
				},
			},
			check: func(t *testing.T, args map[string]any) {
				assert.Equal(t, "/w/main.py", args["program"])
				assert.Equal(t, []string{"a", "b"}, args["args"])
				assert.Equal(t, true, args["stopOnEntry"])
				assert.Equal(t, "integratedTerminal", args["console"])
				assert.Equal(t, "/w", args["cwd"])
			},
		},
		{
			name:    "empty program falls back",
			payload: ipc.InitPayload{ScriptPath: "/w/app.py", LaunchConfig: map[string]any{"program": ""}},
			check: func(t *testing.T, args map[string]any) {
				assert.Equal(t, "/w/app.py", args["program"])
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, launchArgs(&tt.payload))
		})
	}
}

func TestGroupBreakpoints(t *testing.T) {
	p := &ipc.InitPayload{
		ScriptPath: "/w/app.py",
		InitialBreakpoints: []ipc.Breakpoint{
			{File: "/w/lib.py", Line: 1},
			{Line: 5},
			{File: "/w/lib.py", Line: 9, Condition: "n == 0"},
		},
	}
	groups := groupBreakpoints(p)
	require.Len(t, groups, 2)
	assert.Equal(t, "/w/lib.py", groups[0].source.Path)
	assert.Equal(t, "lib.py", groups[0].source.Name)
	require.Len(t, groups[0].breakpoints, 2)
	assert.Equal(t, "n == 0", groups[0].breakpoints[1].Condition)
	assert.Equal(t, "/w/app.py", groups[1].source.Path)
	assert.Equal(t, 5, groups[1].breakpoints[0].Line)
}
