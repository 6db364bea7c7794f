// Package dap implements the adapter side of the proxy: a Debug Adapter
// Protocol client that forwards arbitrary commands, and the process
// management used to run the adapter it talks to.
//
// DAP is a protocol used to communicate between a development tool (like an IDE)
// and a debugger. This package provides:
//   - Transport: Content-Length framed messages over a TCP connection
//   - Client: request/response correlation, event delivery and reverse requests
//   - AdapterProcess: spawning and tearing down the adapter process group
//
// Messages are kept raw (arguments and bodies as json.RawMessage) because the
// proxy relays commands it does not need to understand.
//
// The protocol is described at: https://microsoft.github.io/debug-adapter-protocol/
package dap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/go-dap"
)

// RawRequest is a request whose arguments are left undecoded.
type RawRequest struct {
	dap.Request
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// RawResponse is a response whose body is left undecoded.
type RawResponse struct {
	dap.Response
	Body json.RawMessage `json:"body,omitempty"`
}

// RawEvent is an event whose body is left undecoded.
type RawEvent struct {
	dap.Event
	Body json.RawMessage `json:"body,omitempty"`
}

// Transport handles communication with a DAP server
type Transport struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	writer *bufio.Writer
	mu     sync.Mutex
	seq    int
}

// NewTransport wraps an established connection.
func NewTransport(conn io.ReadWriteCloser) *Transport {
	return &Transport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		seq:    1,
	}
}

// NextSeq returns the next sequence number
func (t *Transport) NextSeq() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.seq
	t.seq++
	return seq
}

// Send writes one message. Messages without a sequence number get the next one.
func (t *Transport) Send(msg any) error {
	switch m := msg.(type) {
	case *RawRequest:
		if m.Seq == 0 {
			m.Seq = t.NextSeq()
		}
	case *RawResponse:
		if m.Seq == 0 {
			m.Seq = t.NextSeq()
		}
	}

	content, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode DAP message: %w", err)
	}
	return t.SendRaw(content)
}

// SendRaw frames and writes an already encoded message.
func (t *Transport) SendRaw(content []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := dap.WriteBaseMessage(t.writer, content); err != nil {
		return fmt.Errorf("failed to write DAP message: %w", err)
	}

	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush DAP message: %w", err)
	}

	return nil
}

// Receive reads one message and returns a *RawRequest, *RawResponse or
// *RawEvent. A framing error is returned as is; a malformed body is
// reported as a *DecodeError so the caller can skip it.
func (t *Transport) Receive() (any, error) {
	content, err := dap.ReadBaseMessage(t.reader)
	if err != nil {
		return nil, err
	}
	msg, err := decode(content)
	if err != nil {
		return nil, &DecodeError{Content: content, Err: err}
	}
	return msg, nil
}

// Close closes the transport
func (t *Transport) Close() error {
	return t.conn.Close()
}

// DecodeError reports a framed message that is not a valid DAP message.
type DecodeError struct {
	Content []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode DAP message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decode(content []byte) (any, error) {
	var head dap.ProtocolMessage
	if err := json.Unmarshal(content, &head); err != nil {
		return nil, err
	}
	var msg any
	switch head.Type {
	case "request":
		msg = &RawRequest{}
	case "response":
		msg = &RawResponse{}
	case "event":
		msg = &RawEvent{}
	default:
		return nil, fmt.Errorf("unknown message type %q", head.Type)
	}
	if err := json.Unmarshal(content, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
