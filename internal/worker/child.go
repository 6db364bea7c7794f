package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	dapx "github.com/ctagard/dap-proxy/internal/dap"
	"github.com/ctagard/dap-proxy/internal/policy"
)

type childTimings struct {
	attachAttempts int
	attachInterval time.Duration
	attachTimeout  time.Duration
	postAttachWait time.Duration
	stoppedWait    time.Duration
	initWait       time.Duration // used when the policy sets no ChildInitTimeout
}

var defaultChildTimings = childTimings{
	attachAttempts: 20,
	attachInterval: 200 * time.Millisecond,
	attachTimeout:  20 * time.Second,
	postAttachWait: 3 * time.Second,
	stoppedWait:    15 * time.Second,
	initWait:       10 * time.Second,
}

// childSessions manages the second DAP connections some adapters (js-debug)
// ask for through startDebugging. At most one child is active; the rest of
// the requests for an already adopted target are acknowledged and dropped.
type childSessions struct {
	w        *Worker
	policy   policy.Policy
	behavior policy.DapClientBehavior
	address  string
	timings  childTimings
	log      logr.Logger

	mu          sync.Mutex
	adopted     map[string]bool
	inProgress  bool
	active      *dapx.Client
	clients     []*dapx.Client
	breakpoints map[string]json.RawMessage
	waiters     map[string][]chan struct{}
	closed      bool
}

func newChildSessions(w *Worker, pol policy.Policy, address string) *childSessions {
	return &childSessions{
		w:           w,
		policy:      pol,
		behavior:    pol.DapClientBehavior(),
		address:     address,
		timings:     defaultChildTimings,
		log:         w.log.WithName("child"),
		adopted:     make(map[string]bool),
		breakpoints: make(map[string]json.RawMessage),
		waiters:     make(map[string][]chan struct{}),
	}
}

func (c *childSessions) isAdopted(pendingID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adopted[pendingID]
}

// route returns the child client that should serve command, or nil for the
// parent.
func (c *childSessions) route(command string) *dapx.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || !c.behavior.ChildRoutedCommands[command] {
		return nil
	}
	return c.active
}

// storeBreakpoints remembers the breakpoints of a source so they can be
// replayed on a child, and mirrors them to the active child right away.
func (c *childSessions) storeBreakpoints(path string, breakpoints json.RawMessage) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	c.mu.Lock()
	c.breakpoints[path] = breakpoints
	active := c.active
	c.mu.Unlock()

	if active == nil {
		return
	}
	c.w.goSafe(func() {
		ctx, cancel := context.WithTimeout(c.w.ctx, c.w.settings.RequestTimeout)
		defer cancel()
		c.sendBreakpoints(ctx, active, path, breakpoints)
	})
}

func (c *childSessions) sendBreakpoints(ctx context.Context, client *dapx.Client, path string, breakpoints json.RawMessage) {
	args := map[string]any{
		"source":      map[string]any{"path": path, "name": filepath.Base(path)},
		"breakpoints": breakpoints,
	}
	if _, err := client.Request(ctx, "setBreakpoints", args); err != nil {
		c.log.Info("Mirroring breakpoints to child failed", "source", path, "error", err.Error())
	}
}

func (c *childSessions) mirrorAll(ctx context.Context, client *dapx.Client) {
	c.mu.Lock()
	snapshot := make(map[string]json.RawMessage, len(c.breakpoints))
	for k, v := range c.breakpoints {
		snapshot[k] = v
	}
	c.mu.Unlock()

	for path, bps := range snapshot {
		c.sendBreakpoints(ctx, client, path, bps)
	}
}

// expect registers interest in the next event called name. Register before
// sending the request that triggers the event.
func (c *childSessions) expect(name string) <-chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters[name] = append(c.waiters[name], ch)
	c.mu.Unlock()
	return ch
}

func (c *childSessions) notify(name string) {
	c.mu.Lock()
	waiting := c.waiters[name]
	delete(c.waiters, name)
	c.mu.Unlock()
	for _, ch := range waiting {
		close(ch)
	}
}

func wait(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// create connects a child session for pendingID and attaches it to the
// pending target. It returns nil without doing anything when the target is
// already adopted or another child is being set up.
func (c *childSessions) create(ctx context.Context, pendingID string, parentConfig map[string]any) error {
	c.mu.Lock()
	if c.closed || c.adopted[pendingID] || c.inProgress || c.active != nil {
		c.mu.Unlock()
		c.log.V(1).Info("Skipping child session", "pendingId", pendingID)
		return nil
	}
	c.inProgress = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inProgress = false
		c.mu.Unlock()
	}()

	log := c.log.WithValues("pendingId", pendingID)
	log.Info("Creating child session", "address", c.address)

	conn, err := dapx.DialWithRetry(ctx, c.w.deps.Dialer, c.address, c.w.settings.ChildConnect, log)
	if err != nil {
		return err
	}
	client := dapx.NewClient(dapx.NewTransport(conn),
		dapx.WithLogger(log.WithName("dap")),
		dapx.WithReverseHandler(c.w.handleReverse),
	)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = client.Close()
		return nil
	}
	c.clients = append(c.clients, client)
	c.mu.Unlock()

	c.w.goSafe(func() { c.pump(client) })

	adapterID := c.policy.DapAdapterConfiguration().Type
	if c.behavior.NormalizeAdapterID != nil {
		adapterID = c.behavior.NormalizeAdapterID(adapterID)
	}

	initialized := c.expect("initialized")
	reqCtx, cancel := context.WithTimeout(ctx, c.w.settings.RequestTimeout)
	_, err = client.Initialize(reqCtx, dapInitializeArgs("mcp-child-"+pendingID, adapterID))
	cancel()
	if err != nil {
		return fmt.Errorf("child initialize failed: %w", err)
	}

	initTimeout := c.behavior.ChildInitTimeout
	if initTimeout <= 0 {
		initTimeout = c.timings.initWait
	}
	if !wait(ctx, initialized, initTimeout) {
		log.Info("Child initialized event not received; continuing", "timeout", initTimeout)
	}

	reqCtx, cancel = context.WithTimeout(ctx, c.w.settings.RequestTimeout)
	if _, err := client.Request(reqCtx, "setExceptionBreakpoints", map[string]any{"filters": []string{}}); err != nil {
		log.V(1).Info("Child setExceptionBreakpoints failed", "error", err.Error())
	}
	if c.behavior.MirrorBreakpointsToChild {
		c.mirrorAll(reqCtx, client)
	}
	if !c.behavior.SuppressPostAttachConfigDone {
		if err := client.ConfigurationDone(reqCtx); err != nil {
			log.V(1).Info("Child configurationDone failed", "error", err.Error())
		}
	}
	cancel()

	start, err := c.policy.BuildChildStartArgs(pendingID, parentConfig)
	if err != nil {
		return err
	}

	postAttach := c.expect("initialized")
	stopped := c.expect("stopped")
	if err := c.attach(ctx, client, start, log); err != nil {
		return err
	}

	c.mu.Lock()
	c.adopted[pendingID] = true
	c.active = client
	c.mu.Unlock()
	log.Info("Child session attached")

	if wait(ctx, postAttach, c.timings.postAttachWait) && c.behavior.MirrorBreakpointsToChild {
		reqCtx, cancel := context.WithTimeout(ctx, c.w.settings.RequestTimeout)
		c.mirrorAll(reqCtx, client)
		cancel()
	}

	if c.behavior.PauseAfterChildAttach && !wait(ctx, stopped, c.timings.stoppedWait) {
		c.pauseFirstThread(ctx, client, log)
	}
	return nil
}

func (c *childSessions) attach(ctx context.Context, client *dapx.Client, start policy.ChildStartArgs, log logr.Logger) error {
	attempts := c.timings.attachAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.timings.attachInterval), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			reqCtx, cancel := context.WithTimeout(ctx, c.timings.attachTimeout)
			defer cancel()
			_, err := client.Request(reqCtx, start.Command, start.Args)
			select {
			case <-client.Done():
				return backoff.Permanent(err)
			default:
			}
			return err
		},
		b,
		func(err error, d time.Duration) {
			log.V(1).Info("Child attach attempt failed", "attempt", attempt, "max", attempts, "retryIn", d, "error", err.Error())
		},
	)
}

// pauseFirstThread pauses the child's first thread so the caller gets a
// stopped event to work with.
func (c *childSessions) pauseFirstThread(ctx context.Context, client *dapx.Client, log logr.Logger) {
	reqCtx, cancel := context.WithTimeout(ctx, c.w.settings.RequestTimeout)
	defer cancel()

	resp, err := client.Request(reqCtx, "threads", nil)
	if err != nil {
		log.Info("Child threads request failed", "error", err.Error())
		return
	}
	var body struct {
		Threads []struct {
			ID int `json:"id"`
		} `json:"threads"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil || len(body.Threads) == 0 {
		log.Info("Child reported no threads to pause")
		return
	}
	if _, err := client.Request(reqCtx, "pause", map[string]any{"threadId": body.Threads[0].ID}); err != nil {
		log.Info("Child pause request failed", "error", err.Error())
	}
}

func (c *childSessions) pump(client *dapx.Client) {
	for ev := range client.Events() {
		c.notify(ev.Event.Event)
		c.w.handleAdapterEvent(client, ev, true)
	}

	c.mu.Lock()
	if c.active == client {
		c.active = nil
	}
	c.mu.Unlock()
	c.log.V(1).Info("Child connection closed")
}

func (c *childSessions) close() {
	c.mu.Lock()
	c.closed = true
	clients := c.clients
	c.clients = nil
	c.active = nil
	c.mu.Unlock()

	for _, client := range clients {
		_ = client.Close()
	}
}
