package dap

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/smallnest/chanx"

	"github.com/ctagard/dap-proxy/internal/errors"
)

// maxConsecutiveDecodeErrors bounds how many malformed messages in a row the
// read loop skips before giving up on the connection.
const maxConsecutiveDecodeErrors = 5

// ReverseHandler answers a request the adapter sent to the client. It returns
// the response body and whether the request was handled; unhandled requests
// are answered with a failure.
type ReverseHandler func(req *RawRequest) (body any, handled bool)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(log logr.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithReverseHandler installs the handler for adapter-initiated requests.
func WithReverseHandler(h ReverseHandler) ClientOption {
	return func(c *Client) { c.reverse = h }
}

// Client provides request/response correlation over a Transport
type Client struct {
	transport *Transport
	log       logr.Logger
	reverse   ReverseHandler

	// Response handling
	pending map[int]chan *RawResponse
	mu      sync.Mutex

	// Events in arrival order
	events *chanx.UnboundedChan[*RawEvent]

	capabilities dap.Capabilities

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeErr  error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a new DAP client with the given transport and starts
// reading from it.
func NewClient(transport *Transport, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport: transport,
		log:       logr.Discard(),
		pending:   make(map[int]chan *RawResponse),
		events:    chanx.NewUnboundedChan[*RawEvent](ctx, 16),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// Events delivers adapter events in the order they were received. The
// channel is closed once the connection ends and queued events are drained.
func (c *Client) Events() <-chan *RawEvent {
	return c.events.Out
}

// Done is closed when the connection is no longer usable.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	consecutiveErrors := 0
	var exitErr error
	defer func() {
		c.finish(exitErr)
		close(c.events.In)
	}()

	for {
		msg, err := c.transport.Receive()
		if err != nil {
			var decodeErr *DecodeError
			if stderrors.As(err, &decodeErr) {
				consecutiveErrors++
				c.log.Error(err, "Skipping malformed DAP message", "attempt", consecutiveErrors, "max", maxConsecutiveDecodeErrors)
				if consecutiveErrors >= maxConsecutiveDecodeErrors {
					exitErr = err
					return
				}
				continue
			}
			if c.ctx.Err() == nil && !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
				c.log.Error(err, "DAP transport error")
				exitErr = err
			}
			return
		}

		consecutiveErrors = 0
		c.handleMessage(msg)
	}
}

// handleMessage routes incoming messages to the appropriate handler
func (c *Client) handleMessage(msg any) {
	switch m := msg.(type) {
	case *RawResponse:
		c.mu.Lock()
		ch, ok := c.pending[m.RequestSeq]
		delete(c.pending, m.RequestSeq)
		c.mu.Unlock()
		if !ok {
			c.log.V(1).Info("Response for unknown request", "requestSeq", m.RequestSeq, "command", m.Command)
			return
		}
		ch <- m
	case *RawEvent:
		select {
		case c.events.In <- m:
		case <-c.ctx.Done():
		}
	case *RawRequest:
		go c.handleReverseRequest(m)
	}
}

func (c *Client) handleReverseRequest(req *RawRequest) {
	var body any
	handled := false
	if c.reverse != nil {
		body, handled = c.reverse(req)
	}
	message := ""
	if !handled {
		message = "unsupported reverse request: " + req.Command
		c.log.Info("Rejecting reverse request", "command", req.Command)
	}
	if err := c.Respond(req, handled, body, message); err != nil {
		c.log.Error(err, "Failed to answer reverse request", "command", req.Command)
	}
}

// finish marks the connection closed and releases every waiting request.
func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			c.closeErr = errors.ConnectionClosed()
		} else {
			c.closeErr = errors.ConnectionClosed().WithCause(err)
		}
		close(c.done)
	})
}

// Call is a request that has been written to the adapter and is waiting for
// its response.
type Call struct {
	client *Client
	seq    int
	resp   chan *RawResponse
}

// Send writes a request and returns without waiting for the response.
// Requests reach the adapter in the order Send is called.
func (c *Client) Send(command string, args any) (*Call, error) {
	select {
	case <-c.done:
		return nil, c.closeErr
	default:
	}

	raw, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}

	seq := c.transport.NextSeq()
	req := &RawRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         command,
		},
		Arguments: raw,
	}

	call := &Call{client: c, seq: seq, resp: make(chan *RawResponse, 1)}
	c.mu.Lock()
	c.pending[seq] = call.resp
	c.mu.Unlock()

	if err := c.transport.Send(req); err != nil {
		call.release()
		return nil, err
	}
	return call, nil
}

// Wait blocks until the response arrives, ctx ends or the connection closes.
func (call *Call) Wait(ctx context.Context) (*RawResponse, error) {
	select {
	case resp := <-call.resp:
		return resp, nil
	case <-ctx.Done():
		call.release()
		return nil, ctx.Err()
	case <-call.client.done:
		call.release()
		return nil, call.client.closeErr
	}
}

func (call *Call) release() {
	call.client.mu.Lock()
	delete(call.client.pending, call.seq)
	call.client.mu.Unlock()
}

// Do sends a request and waits for its response. An unsuccessful response is
// returned without error; callers decide how to report it. Do fails if the
// context ends or the connection closes first.
func (c *Client) Do(ctx context.Context, command string, args any) (*RawResponse, error) {
	call, err := c.Send(command, args)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Request is Do with unsuccessful responses turned into
// ADAPTER_REQUEST_FAILED errors.
func (c *Client) Request(ctx context.Context, command string, args any) (*RawResponse, error) {
	resp, err := c.Do(ctx, command, args)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, errors.AdapterRequestFailed(command, resp.Message)
	}
	return resp, nil
}

// Respond answers a reverse request.
func (c *Client) Respond(req *RawRequest, success bool, body any, message string) error {
	raw, err := encodeArgs(body)
	if err != nil {
		return err
	}
	return c.transport.Send(&RawResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Type: "response"},
			RequestSeq:      req.Seq,
			Success:         success,
			Command:         req.Command,
			Message:         message,
		},
		Body: raw,
	})
}

// Initialize sends the initialize request and records the capabilities.
func (c *Client) Initialize(ctx context.Context, args dap.InitializeRequestArguments) (dap.Capabilities, error) {
	resp, err := c.Request(ctx, "initialize", args)
	if err != nil {
		return dap.Capabilities{}, err
	}
	var caps dap.Capabilities
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &caps); err != nil {
			c.log.Error(err, "Ignoring undecodable capabilities")
		}
	}
	c.mu.Lock()
	c.capabilities = caps
	c.mu.Unlock()
	return caps, nil
}

// Capabilities returns the capabilities from the initialize response
func (c *Client) Capabilities() dap.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// Launch sends a launch request.
// The launch response may not arrive until after ConfigurationDone is sent,
// so callers usually run it in its own goroutine.
func (c *Client) Launch(ctx context.Context, args map[string]any) error {
	_, err := c.Request(ctx, "launch", args)
	return err
}

// Attach sends an attach request
func (c *Client) Attach(ctx context.Context, args map[string]any) error {
	_, err := c.Request(ctx, "attach", args)
	return err
}

// SetBreakpoints sets breakpoints in a source file
func (c *Client) SetBreakpoints(ctx context.Context, source dap.Source, breakpoints []dap.SourceBreakpoint) ([]dap.Breakpoint, error) {
	resp, err := c.Request(ctx, "setBreakpoints", dap.SetBreakpointsArguments{
		Source:      source,
		Breakpoints: breakpoints,
	})
	if err != nil {
		return nil, err
	}
	var body dap.SetBreakpointsResponseBody
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return nil, err
		}
	}
	return body.Breakpoints, nil
}

// ConfigurationDone signals that configuration is complete
func (c *Client) ConfigurationDone(ctx context.Context) error {
	_, err := c.Request(ctx, "configurationDone", struct{}{})
	return err
}

// Disconnect ends the debug session
func (c *Client) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	_, err := c.Request(ctx, "disconnect", dap.DisconnectArguments{TerminateDebuggee: terminateDebuggee})
	return err
}

// Close shuts down the client. Pending requests fail with CONNECTION_CLOSED.
func (c *Client) Close() error {
	c.cancel()
	err := c.transport.Close()
	c.finish(nil)
	c.wg.Wait()
	return err
}

func encodeArgs(args any) (json.RawMessage, error) {
	switch a := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return a, nil
	case []byte:
		return json.RawMessage(a), nil
	}
	return json.Marshal(args)
}
