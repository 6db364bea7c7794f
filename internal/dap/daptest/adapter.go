// Package daptest provides an in-memory debug adapter for tests.
package daptest

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/google/go-dap"

	dapx "github.com/ctagard/dap-proxy/internal/dap"
)

// Handler answers one request. It may call Respond, Event or nothing at all
// (leaving the request unanswered).
type Handler func(a *Adapter, req *dapx.RawRequest)

// Adapter is a scripted DAP server on one end of a net.Pipe. Requests
// without a handler get an empty successful response.
type Adapter struct {
	transport *dapx.Transport

	mu        sync.Mutex
	handlers  map[string]Handler
	requests  []*dapx.RawRequest
	responses []*dapx.RawResponse
	arrived   chan struct{}
	done      chan struct{}
}

// Pipe returns the client end of a connection and the adapter serving the
// other end.
func Pipe() (net.Conn, *Adapter) {
	client, server := net.Pipe()
	a := &Adapter{
		transport: dapx.NewTransport(server),
		handlers:  make(map[string]Handler),
		arrived:   make(chan struct{}, 1024),
		done:      make(chan struct{}),
	}
	go a.serve()
	return client, a
}

// Handle installs the handler for a command.
func (a *Adapter) Handle(command string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[command] = h
}

// Arrived signals once per received request.
func (a *Adapter) Arrived() <-chan struct{} { return a.arrived }

// Done is closed when the connection ends.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Commands returns the commands received so far, in order.
func (a *Adapter) Commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.requests))
	for _, r := range a.requests {
		out = append(out, r.Command)
	}
	return out
}

// Requests returns the requests received for a command.
func (a *Adapter) Requests(command string) []*dapx.RawRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*dapx.RawRequest
	for _, r := range a.requests {
		if r.Command == command {
			out = append(out, r)
		}
	}
	return out
}

// Responses returns the answers the client gave to reverse requests.
func (a *Adapter) Responses() []*dapx.RawResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*dapx.RawResponse(nil), a.responses...)
}

// Respond answers req.
func (a *Adapter) Respond(req *dapx.RawRequest, success bool, body any, message string) {
	raw, _ := json.Marshal(body)
	if body == nil {
		raw = nil
	}
	_ = a.transport.Send(&dapx.RawResponse{
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

// Event sends an event.
func (a *Adapter) Event(name string, body any) {
	var raw json.RawMessage
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	_ = a.transport.Send(&dapx.RawEvent{
		Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Type: "event"}, Event: name},
		Body:  raw,
	})
}

// Reverse sends a request to the client.
func (a *Adapter) Reverse(command string, args any) {
	raw, _ := json.Marshal(args)
	_ = a.transport.Send(&dapx.RawRequest{
		Request:   dap.Request{ProtocolMessage: dap.ProtocolMessage{Type: "request"}, Command: command},
		Arguments: raw,
	})
}

// SendRaw writes an arbitrary framed payload.
func (a *Adapter) SendRaw(content []byte) error {
	return a.transport.SendRaw(content)
}

// Close drops the connection.
func (a *Adapter) Close() error {
	return a.transport.Close()
}

func (a *Adapter) serve() {
	defer close(a.done)
	for {
		msg, err := a.transport.Receive()
		if err != nil {
			if _, ok := err.(*dapx.DecodeError); ok {
				continue
			}
			return
		}
		switch m := msg.(type) {
		case *dapx.RawRequest:
			a.mu.Lock()
			a.requests = append(a.requests, m)
			h := a.handlers[m.Command]
			a.mu.Unlock()
			select {
			case a.arrived <- struct{}{}:
			default:
			}
			if h != nil {
				go h(a, m)
			} else {
				a.Respond(m, true, nil, "")
			}
		case *dapx.RawResponse:
			a.mu.Lock()
			a.responses = append(a.responses, m)
			a.mu.Unlock()
		}
	}
}
