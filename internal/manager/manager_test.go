package manager

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	derrors "github.com/ctagard/dap-proxy/internal/errors"
	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/internal/manager/managertest"
	"github.com/ctagard/dap-proxy/internal/session"
	"github.com/ctagard/dap-proxy/pkg/types"
)

const waitFor = 5 * time.Second

// MockSpawner is a mock implementation of Spawner.
type MockSpawner struct {
	mock.Mock
}

func (m *MockSpawner) Spawn(ctx context.Context, spec SpawnSpec) (WorkerProcess, error) {
	args := m.Called(spec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(WorkerProcess), args.Error(1)
}

func testPayload() ipc.InitPayload {
	return ipc.InitPayload{
		SessionID:      "s1",
		ExecutablePath: "python3",
		AdapterHost:    "127.0.0.1",
		AdapterPort:    5678,
		LogDir:         "/tmp/logs",
		ScriptPath:     "/work/app.py",
	}
}

func newTestManager(t *testing.T, fw *managertest.Worker, tweak func(*Options)) (*Manager, *MockSpawner) {
	t.Helper()
	spawner := new(MockSpawner)
	spawner.On("Spawn", mock.Anything).Return(fw, nil)
	opts := Options{
		Spawner:        spawner,
		Language:       types.LanguagePython,
		InitTimeout:    2 * time.Second,
		RequestTimeout: 2 * time.Second,
		StopGrace:      200 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	m := New(opts)
	t.Cleanup(func() {
		fw.Exit(managertest.Code(0), "")
		go drain(m.Events())
	})
	return m, spawner
}

func drain(ch <-chan Event) {
	for range ch {
	}
}

// collect reads events until the channel closes.
func collect(t *testing.T, m *Manager) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event channel not closed")
			return out
		}
	}
}

func names(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Name
	}
	return out
}

func TestManager_StartAndCorrelate(t *testing.T) {
	fw := managertest.NewWorker(managertest.Configured(func(fw *managertest.Worker, c *ipc.DapCommand) {
		// An unrelated event arrives before the response.
		fw.Send(ipc.NewDapEvent(c.SessionID, "output", json.RawMessage(`{"output":"hi"}`)))
		managertest.Respond(fw, c, `{"threads":[{"id":1,"name":"main"}]}`)
	}))
	m, spawner := newTestManager(t, fw, nil)

	assert.False(t, m.IsInitialized())
	require.NoError(t, m.Start(context.Background(), testPayload()))
	assert.True(t, m.IsRunning())
	assert.True(t, m.IsInitialized())
	spawner.AssertCalled(t, "Spawn", SpawnSpec{SessionID: "s1", Language: types.LanguagePython, LogDir: "/tmp/logs"})

	inits := fw.Received(ipc.CmdInit)
	require.Len(t, inits, 1)
	assert.Equal(t, "/work/app.py", inits[0].(*ipc.InitCommand).ScriptPath)

	resp, err := m.SendDapRequest(context.Background(), "threads", map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"threads":[{"id":1,"name":"main"}]}`, string(resp.Body))

	m.mu.Lock()
	assert.Empty(t, m.pending)
	m.mu.Unlock()

	dap := fw.Received(ipc.CmdDap)
	require.Len(t, dap, 1)
	assert.Equal(t, "threads", dap[0].(*ipc.DapCommand).DapCommand)
	assert.NotEmpty(t, dap[0].(*ipc.DapCommand).RequestID)
}

func TestManager_ConcurrentRequests(t *testing.T) {
	var mu sync.Mutex
	var held []*ipc.DapCommand
	fw := managertest.NewWorker(managertest.Configured(func(fw *managertest.Worker, c *ipc.DapCommand) {
		mu.Lock()
		held = append(held, c)
		ready := len(held) == 2
		mu.Unlock()
		if ready {
			// Answer out of order.
			managertest.Respond(fw, held[1], `{"n":2}`)
			managertest.Respond(fw, held[0], `{"n":1}`)
		}
	}))
	m, _ := newTestManager(t, fw, nil)
	require.NoError(t, m.Start(context.Background(), testPayload()))

	var wg sync.WaitGroup
	answered := make(map[string]string)
	var bmu sync.Mutex
	for _, cmd := range []string{"scopes", "variables"} {
		wg.Add(1)
		go func(cmd string) {
			defer wg.Done()
			resp, err := m.SendDapRequest(context.Background(), cmd, nil)
			if assert.NoError(t, err) {
				bmu.Lock()
				answered[cmd] = resp.Command
				bmu.Unlock()
			}
		}(cmd)
	}
	wg.Wait()
	assert.Equal(t, map[string]string{"scopes": "scopes", "variables": "variables"}, answered)
}

func TestManager_AdapterFailure(t *testing.T) {
	fw := managertest.NewWorker(managertest.Configured(func(fw *managertest.Worker, c *ipc.DapCommand) {
		raw := json.RawMessage(`{"seq":3,"type":"response","request_seq":1,"success":false,"command":"evaluate","message":"name 'x' is not defined"}`)
		fw.Send(ipc.NewDapFailure(c.SessionID, c.RequestID, "name 'x' is not defined", raw))
	}))
	m, _ := newTestManager(t, fw, nil)
	require.NoError(t, m.Start(context.Background(), testPayload()))

	resp, err := m.SendDapRequest(context.Background(), "evaluate", map[string]any{"expression": "x"})
	require.Error(t, err)
	assert.True(t, derrors.IsAdapterFailure(err))
	assert.False(t, derrors.IsTimeout(err))
	assert.Contains(t, err.Error(), "name 'x' is not defined")
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
}

func TestManager_RequestTimeout(t *testing.T) {
	fw := managertest.NewWorker(managertest.Configured(nil))
	m, _ := newTestManager(t, fw, nil)
	require.NoError(t, m.Start(context.Background(), testPayload()))

	start := time.Now()
	_, err := m.SendDapRequestWithTimeout(context.Background(), "stackTrace", map[string]any{"threadId": 1}, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, derrors.IsTimeout(err))
	assert.False(t, derrors.IsAdapterFailure(err))
	assert.Contains(t, err.Error(), "Request 'stackTrace' timed out")
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	m.mu.Lock()
	assert.Empty(t, m.pending)
	m.mu.Unlock()
	assert.Zero(t, m.tracker.PendingCount())
}

func TestManager_ContextCancel(t *testing.T) {
	fw := managertest.NewWorker(managertest.Configured(nil))
	m, _ := newTestManager(t, fw, nil)
	require.NoError(t, m.Start(context.Background(), testPayload()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.SendDapRequest(ctx, "threads", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, m.tracker.PendingCount())
}

func TestManager_WorkerExitRejectsPending(t *testing.T) {
	fw := managertest.NewWorker(managertest.Configured(func(fw *managertest.Worker, c *ipc.DapCommand) {
		fw.Exit(managertest.Code(1), "")
	}))
	m, _ := newTestManager(t, fw, nil)
	require.NoError(t, m.Start(context.Background(), testPayload()))

	_, err := m.SendDapRequest(context.Background(), "continue", map[string]any{"threadId": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, derrors.ErrProxyExited)

	events := collect(t, m)
	last := events[len(events)-1]
	assert.Equal(t, EventWorkerExit, last.Name)
	require.NotNil(t, last.Code)
	assert.Equal(t, 1, *last.Code)
	assert.False(t, m.IsRunning())

	_, err = m.SendDapRequest(context.Background(), "threads", nil)
	assert.ErrorIs(t, err, derrors.ErrNotInitialized)
}

func TestManager_AdapterExitRejectsPending(t *testing.T) {
	tests := []struct {
		name   string
		status ipc.Status
		want   error
		text   string
	}{
		{"adapter exited", ipc.StatusAdapterExited, derrors.ErrAdapterExited, "debug adapter exited with code 3"},
		{"connection closed", ipc.StatusConnectionClosed, derrors.ErrConnectionClosed, "DAP connection closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fw := managertest.NewWorker(managertest.Configured(func(fw *managertest.Worker, c *ipc.DapCommand) {
				st := ipc.NewStatus(c.SessionID, tt.status)
				st.Code = managertest.Code(3)
				fw.Send(st)
			}))
			m, _ := newTestManager(t, fw, nil)
			require.NoError(t, m.Start(context.Background(), testPayload()))

			_, err := m.SendDapRequest(context.Background(), "continue", map[string]any{"threadId": 1})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, derrors.IsFatal(err))
			assert.Contains(t, err.Error(), tt.text)
		})
	}
}

func TestManager_RequestBeforeStart(t *testing.T) {
	m := New(Options{Spawner: new(MockSpawner)})
	_, err := m.SendDapRequest(context.Background(), "threads", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, derrors.ErrNotInitialized)
	assert.Equal(t, "proxy not initialized", derrors.FromError(err).Message)
}

func TestManager_Events(t *testing.T) {
	fw := managertest.NewWorker(func(fw *managertest.Worker, cmd ipc.Command) {
		switch c := cmd.(type) {
		case *ipc.InitCommand:
			fw.Send(ipc.NewStatus(c.SessionID, ipc.StatusAdapterConfigured))
			fw.Send(ipc.NewDapEvent(c.SessionID, "stopped", json.RawMessage(`{"reason":"breakpoint","threadId":7}`)))
			fw.Send(ipc.NewDapEvent(c.SessionID, "continued", json.RawMessage(`{"threadId":7}`)))
			fw.Send(ipc.NewDapEvent(c.SessionID, "output", json.RawMessage(`{"output":"x"}`)))
			fw.Send(ipc.NewDapEvent(c.SessionID, "terminated", nil))
			fw.Send(ipc.NewStatus(c.SessionID, ipc.StatusTerminated))
			fw.Exit(managertest.Code(0), "")
		}
	})
	m, _ := newTestManager(t, fw, nil)
	require.NoError(t, m.Start(context.Background(), testPayload()))

	events := collect(t, m)
	assert.Equal(t, []string{
		session.EventAdapterConfigured,
		session.EventInitialized,
		session.EventStopped,
		session.EventContinued,
		session.EventDapEvent,
		session.EventTerminated,
		session.EventExit,
		EventWorkerExit,
	}, names(events))

	stopped := events[2]
	assert.Equal(t, 7, stopped.ThreadID)
	assert.Equal(t, "breakpoint", stopped.Reason)
	assert.Equal(t, "stopped", stopped.DapEvent)
	assert.Equal(t, "output", events[4].DapEvent)
	assert.Equal(t, ipc.StatusTerminated, events[6].Status)

	id, ok := m.CurrentThreadID()
	assert.True(t, ok)
	assert.Equal(t, 7, id)
	assert.Equal(t, session.PhaseTerminated, m.Phase())
}

func TestManager_DryRun(t *testing.T) {
	fw := managertest.NewWorker(func(fw *managertest.Worker, cmd ipc.Command) {
		if c, ok := cmd.(*ipc.InitCommand); ok {
			st := ipc.NewStatus(c.SessionID, ipc.StatusDryRunComplete)
			st.Command = "python3 -m debugpy.adapter --host 127.0.0.1 --port 5678"
			st.Script = c.ScriptPath
			fw.Send(st)
			fw.Exit(managertest.Code(0), "")
		}
	})
	m, _ := newTestManager(t, fw, nil)
	p := testPayload()
	p.DryRunSpawn = true
	require.NoError(t, m.Start(context.Background(), p))

	events := collect(t, m)
	require.NotEmpty(t, events)
	assert.Equal(t, session.EventDryRunComplete, events[0].Name)
	assert.Contains(t, events[0].Command, "debugpy.adapter")
	assert.Equal(t, "/work/app.py", events[0].Script)
	assert.False(t, m.IsInitialized())
}

func TestManager_StartErrors(t *testing.T) {
	tests := []struct {
		name   string
		handle func(fw *managertest.Worker, cmd ipc.Command)
		tail   []string
		want   string
	}{
		{
			name: "error message",
			handle: func(fw *managertest.Worker, cmd ipc.Command) {
				fw.Send(ipc.NewError(cmd.Session(), "Error handling init: Script path not found: /work/app.py"))
				fw.Exit(managertest.Code(1), "")
			},
			want: "Script path not found",
		},
		{
			name: "exit during init",
			handle: func(fw *managertest.Worker, cmd ipc.Command) {
				fw.Exit(managertest.Code(2), "")
			},
			tail: []string{"Traceback (most recent call last):", "ImportError: debugpy"},
			want: "Proxy exited during initialization. Code: 2, Signal: \nStderr output:\nTraceback (most recent call last):\nImportError: debugpy",
		},
		{
			name: "adapter exits during init",
			handle: func(fw *managertest.Worker, cmd ipc.Command) {
				st := ipc.NewStatus(cmd.Session(), ipc.StatusAdapterExited)
				st.Code = managertest.Code(1)
				fw.Send(st)
			},
			want: "session ended during initialization: adapter_exited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fw := managertest.NewWorker(tt.handle)
			fw.StderrLines = tt.tail
			m, _ := newTestManager(t, fw, nil)

			err := m.Start(context.Background(), testPayload())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestManager_StartTimeout(t *testing.T) {
	fw := managertest.NewWorker(nil)
	m, _ := newTestManager(t, fw, func(o *Options) { o.InitTimeout = 100 * time.Millisecond })

	err := m.Start(context.Background(), testPayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestManager_SpawnFailure(t *testing.T) {
	spawner := new(MockSpawner)
	spawner.On("Spawn", mock.Anything).Return(nil, derrors.ProxyStartFailed("no such file", stderrors.New("exec: not found")))
	m := New(Options{Spawner: spawner})

	err := m.Start(context.Background(), testPayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such file")
	assert.False(t, m.IsRunning())

	_, ok := <-m.Events()
	assert.False(t, ok)
	<-m.Done()
}

func TestManager_StartTwice(t *testing.T) {
	fw := managertest.NewWorker(managertest.Configured(nil))
	m, spawner := newTestManager(t, fw, nil)
	require.NoError(t, m.Start(context.Background(), testPayload()))

	err := m.Start(context.Background(), testPayload())
	require.Error(t, err)
	spawner.AssertNumberOfCalls(t, "Spawn", 1)
}

func TestManager_Stop(t *testing.T) {
	fw := managertest.NewWorker(managertest.Configured(nil))
	m, _ := newTestManager(t, fw, nil)
	require.NoError(t, m.Start(context.Background(), testPayload()))

	pending := make(chan error, 1)
	go func() {
		_, err := m.SendDapRequest(context.Background(), "next", map[string]any{"threadId": 1})
		pending <- err
	}()
	require.Eventually(t, func() bool { return len(fw.Received(ipc.CmdDap)) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, m.Stop(context.Background()))

	select {
	case err := <-pending:
		assert.ErrorIs(t, err, derrors.ErrProxyExited)
	case <-time.After(waitFor):
		t.Fatal("pending request not rejected")
	}
	assert.Len(t, fw.Received(ipc.CmdTerminate), 1)
	assert.False(t, fw.Killed())
	assert.False(t, m.IsRunning())

	// Stopping again is a no-op.
	assert.NoError(t, m.Stop(context.Background()))
}

func TestManager_StopKillsUnresponsiveWorker(t *testing.T) {
	fw := managertest.NewWorker(func(fw *managertest.Worker, cmd ipc.Command) {
		if c, ok := cmd.(*ipc.InitCommand); ok {
			fw.Send(ipc.NewStatus(c.SessionID, ipc.StatusAdapterConfigured))
		}
	})
	m, _ := newTestManager(t, fw, nil)
	require.NoError(t, m.Start(context.Background(), testPayload()))

	require.NoError(t, m.Stop(context.Background()))
	assert.True(t, fw.Killed())
	_, signal := fw.ExitStatus()
	assert.Equal(t, "SIGKILL", signal)
}

func TestManager_IPCTestStatus(t *testing.T) {
	fw := managertest.NewWorker(func(fw *managertest.Worker, cmd ipc.Command) {
		fw.Send(ipc.NewStatus(cmd.Session(), ipc.StatusIPCTest))
	})
	m, _ := newTestManager(t, fw, nil)

	err := m.Start(context.Background(), testPayload())
	require.Error(t, err)
	assert.True(t, fw.Killed())
}

func TestManager_ReapsWorkerAfterSessionEnd(t *testing.T) {
	// The worker reports the end of the session but never exits.
	fw := managertest.NewWorker(func(fw *managertest.Worker, cmd ipc.Command) {
		if c, ok := cmd.(*ipc.InitCommand); ok {
			fw.Send(ipc.NewStatus(c.SessionID, ipc.StatusAdapterConfigured))
			fw.Send(ipc.NewStatus(c.SessionID, ipc.StatusConnectionClosed))
		}
	})
	m, _ := newTestManager(t, fw, nil)
	require.NoError(t, m.Start(context.Background(), testPayload()))

	select {
	case <-m.Done():
	case <-time.After(waitFor):
		t.Fatal("worker not reaped")
	}
	assert.True(t, fw.Killed())
}
