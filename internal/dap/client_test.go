package dap_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dapx "github.com/ctagard/dap-proxy/internal/dap"
	"github.com/ctagard/dap-proxy/internal/dap/daptest"
	derrors "github.com/ctagard/dap-proxy/internal/errors"
)

func newClient(t *testing.T, opts ...dapx.ClientOption) (*dapx.Client, *daptest.Adapter) {
	t.Helper()
	conn, adapter := daptest.Pipe()
	c := dapx.NewClient(dapx.NewTransport(conn), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c, adapter
}

func nextEvent(t *testing.T, c *dapx.Client) *dapx.RawEvent {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// TestClient_Do verifies request/response correlation and raw bodies.
func TestClient_Do(t *testing.T) {
	c, adapter := newClient(t)
	adapter.Handle("threads", func(a *daptest.Adapter, req *dapx.RawRequest) {
		a.Respond(req, true, map[string]any{"threads": []map[string]any{{"id": 1, "name": "main"}}}, "")
	})

	resp, err := c.Do(context.Background(), "threads", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "threads", resp.Command)

	var body dap.ThreadsResponseBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	require.Len(t, body.Threads, 1)
	assert.Equal(t, "main", body.Threads[0].Name)
}

// TestClient_ConcurrentRequests verifies out-of-order responses reach the right caller.
func TestClient_ConcurrentRequests(t *testing.T) {
	c, adapter := newClient(t)
	release := make(chan struct{})
	adapter.Handle("slow", func(a *daptest.Adapter, req *dapx.RawRequest) {
		<-release
		a.Respond(req, true, map[string]string{"who": "slow"}, "")
	})
	adapter.Handle("fast", func(a *daptest.Adapter, req *dapx.RawRequest) {
		a.Respond(req, true, map[string]string{"who": "fast"}, "")
	})

	slowDone := make(chan *dapx.RawResponse, 1)
	go func() {
		resp, _ := c.Do(context.Background(), "slow", nil)
		slowDone <- resp
	}()

	fast, err := c.Do(context.Background(), "fast", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"who":"fast"}`, string(fast.Body))

	close(release)
	select {
	case slow := <-slowDone:
		require.NotNil(t, slow)
		assert.JSONEq(t, `{"who":"slow"}`, string(slow.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("slow request never completed")
	}
}

// TestClient_SendOrder verifies Send writes requests in call order and each
// call receives its own response.
func TestClient_SendOrder(t *testing.T) {
	c, adapter := newClient(t)

	calls := make([]*dapx.Call, 0, 10)
	for i := 0; i < 10; i++ {
		call, err := c.Send(fmt.Sprintf("step%d", i), nil)
		require.NoError(t, err)
		calls = append(calls, call)
	}

	for i := len(calls) - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		resp, err := calls[i].Wait(ctx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("step%d", i), resp.Command)
	}
	assert.Equal(t, []string{"step0", "step1", "step2", "step3", "step4", "step5", "step6", "step7", "step8", "step9"}, adapter.Commands())
}

// TestClient_Request_Failure verifies unsuccessful responses become adapter failures.
func TestClient_Request_Failure(t *testing.T) {
	c, adapter := newClient(t)
	adapter.Handle("evaluate", func(a *daptest.Adapter, req *dapx.RawRequest) {
		a.Respond(req, false, nil, "name 'x' is not defined")
	})

	resp, err := c.Do(context.Background(), "evaluate", json.RawMessage(`{"expression":"x"}`))
	require.NoError(t, err)
	assert.False(t, resp.Success)

	_, err = c.Request(context.Background(), "evaluate", json.RawMessage(`{"expression":"x"}`))
	require.Error(t, err)
	assert.True(t, derrors.IsAdapterFailure(err))
	assert.Contains(t, err.Error(), "name 'x' is not defined")

	args := adapter.Requests("evaluate")
	require.NotEmpty(t, args)
	assert.JSONEq(t, `{"expression":"x"}`, string(args[0].Arguments))
}

// TestClient_EventsInOrder verifies events are delivered in arrival order.
func TestClient_EventsInOrder(t *testing.T) {
	c, adapter := newClient(t)

	for i := 0; i < 50; i++ {
		adapter.Event("output", map[string]any{"output": string(rune('a' + i%26)), "seq": i})
	}
	for i := 0; i < 50; i++ {
		ev := nextEvent(t, c)
		assert.Equal(t, "output", ev.Event.Event)
		var body struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(ev.Body, &body))
		assert.Equal(t, i, body.Seq)
	}
}

// TestClient_ConnectionClosed verifies pending requests fail when the adapter goes away.
func TestClient_ConnectionClosed(t *testing.T) {
	c, adapter := newClient(t)
	adapter.Handle("continue", func(*daptest.Adapter, *dapx.RawRequest) {})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), "continue", nil)
		errCh <- err
	}()

	<-adapter.Arrived()
	require.NoError(t, adapter.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, derrors.ErrConnectionClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not released")
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not done")
	}
	assert.Error(t, c.Err())

	_, err := c.Do(context.Background(), "threads", nil)
	assert.True(t, errors.Is(err, derrors.ErrConnectionClosed))

	_, open := <-c.Events()
	assert.False(t, open)
}

// TestClient_ContextCancel verifies a cancelled wait removes the request.
func TestClient_ContextCancel(t *testing.T) {
	c, adapter := newClient(t)
	adapter.Handle("pause", func(*daptest.Adapter, *dapx.RawRequest) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, "pause", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestClient_MalformedMessages verifies a few bad frames are skipped.
func TestClient_MalformedMessages(t *testing.T) {
	c, adapter := newClient(t)

	require.NoError(t, adapter.SendRaw([]byte(`{not json`)))
	require.NoError(t, adapter.SendRaw([]byte(`{"seq":1,"type":"bogus"}`)))
	adapter.Event("initialized", nil)

	ev := nextEvent(t, c)
	assert.Equal(t, "initialized", ev.Event.Event)
	assert.NoError(t, c.Err())
}

// TestClient_TooManyMalformedMessages verifies the read loop gives up.
func TestClient_TooManyMalformedMessages(t *testing.T) {
	c, adapter := newClient(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, adapter.SendRaw([]byte(`garbage`)))
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client kept reading after repeated decode errors")
	}
}

// TestClient_ReverseRequests verifies reverse requests reach the handler and are answered.
func TestClient_ReverseRequests(t *testing.T) {
	seen := make(chan string, 2)
	_, adapter := newClient(t, dapx.WithReverseHandler(func(req *dapx.RawRequest) (any, bool) {
		seen <- req.Command
		if req.Command == "runInTerminal" {
			return map[string]any{}, true
		}
		return nil, false
	}))

	adapter.Reverse("runInTerminal", map[string]any{"args": []string{"node"}})
	adapter.Reverse("startDebugging", map[string]any{"request": "attach"})

	for i := 0; i < 2; i++ {
		select {
		case <-seen:
		case <-time.After(2 * time.Second):
			t.Fatal("reverse request not handled")
		}
	}

	require.Eventually(t, func() bool { return len(adapter.Responses()) == 2 }, 2*time.Second, 10*time.Millisecond)
	byCommand := map[string]bool{}
	for _, r := range adapter.Responses() {
		byCommand[r.Command] = r.Success
	}
	assert.True(t, byCommand["runInTerminal"])
	assert.False(t, byCommand["startDebugging"])
}

// TestClient_TypedHelpers verifies the handshake helpers encode go-dap arguments.
func TestClient_TypedHelpers(t *testing.T) {
	c, adapter := newClient(t)
	adapter.Handle("initialize", func(a *daptest.Adapter, req *dapx.RawRequest) {
		a.Respond(req, true, dap.Capabilities{SupportsConfigurationDoneRequest: true}, "")
	})
	adapter.Handle("setBreakpoints", func(a *daptest.Adapter, req *dapx.RawRequest) {
		var args dap.SetBreakpointsArguments
		_ = json.Unmarshal(req.Arguments, &args)
		bps := make([]dap.Breakpoint, 0, len(args.Breakpoints))
		for _, bp := range args.Breakpoints {
			bps = append(bps, dap.Breakpoint{Verified: true, Line: bp.Line})
		}
		a.Respond(req, true, dap.SetBreakpointsResponseBody{Breakpoints: bps}, "")
	})
	ctx := context.Background()

	caps, err := c.Initialize(ctx, dap.InitializeRequestArguments{ClientID: "mcp-proxy-s1", AdapterID: "python"})
	require.NoError(t, err)
	assert.True(t, caps.SupportsConfigurationDoneRequest)
	assert.True(t, c.Capabilities().SupportsConfigurationDoneRequest)

	bps, err := c.SetBreakpoints(ctx, dap.Source{Path: "/app/main.py"}, []dap.SourceBreakpoint{{Line: 3}, {Line: 7, Condition: "x > 1"}})
	require.NoError(t, err)
	require.Len(t, bps, 2)
	assert.Equal(t, 7, bps[1].Line)

	require.NoError(t, c.ConfigurationDone(ctx))
	require.NoError(t, c.Disconnect(ctx, true))

	var disc dap.DisconnectArguments
	require.NoError(t, json.Unmarshal(adapter.Requests("disconnect")[0].Arguments, &disc))
	assert.True(t, disc.TerminateDebuggee)
	assert.Equal(t, []string{"initialize", "setBreakpoints", "configurationDone", "disconnect"}, adapter.Commands())
}

// TestDialWithRetry verifies retries until the adapter listens, and giving up.
func TestDialWithRetry(t *testing.T) {
	attempts := 0
	conn, adapter := daptest.Pipe()
	defer adapter.Close()
	dialer := dapx.DialerFunc(func(context.Context, string) (net.Conn, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	})
	opts := dapx.ConnectOptions{Attempts: 5, Interval: time.Millisecond}

	got, err := dapx.DialWithRetry(context.Background(), dialer, "127.0.0.1:1", opts, testr.New(t))
	require.NoError(t, err)
	assert.Equal(t, conn, got)
	assert.Equal(t, 3, attempts)

	attempts = 0
	refuse := dapx.DialerFunc(func(context.Context, string) (net.Conn, error) {
		attempts++
		return nil, errors.New("connection refused")
	})
	_, err = dapx.DialWithRetry(context.Background(), refuse, "127.0.0.1:1", opts, testr.New(t))
	require.Error(t, err)
	var de *derrors.DebugError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, derrors.CodeAdapterConnectFailed, de.Code)
	assert.Equal(t, 5, attempts)
}
