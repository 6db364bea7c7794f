package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/ctagard/dap-proxy/internal/errors"
)

// Message types.
const (
	TypeStatus      = "status"
	TypeDapEvent    = "dapEvent"
	TypeDapResponse = "dapResponse"
	TypeError       = "error"
)

// Status values reported by the worker.
type Status string

const (
	StatusIPCTest           Status = "proxy_minimal_ran_ipc_test"
	StatusDryRunComplete    Status = "dry_run_complete"
	StatusAdapterConfigured Status = "adapter_configured_and_launched"
	StatusAdapterExited     Status = "adapter_exited"
	StatusConnectionClosed  Status = "dap_connection_closed"
	StatusTerminated        Status = "terminated"
)

// Message is a validated worker to parent message.
type Message interface {
	MessageType() string
	Session() string
}

// StatusMessage reports a lifecycle milestone of the worker.
type StatusMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Status    Status          `json:"status"`
	Command   string          `json:"command,omitempty"`
	Script    string          `json:"script,omitempty"`
	Code      *int            `json:"code,omitempty"`
	Signal    string          `json:"signal,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (m *StatusMessage) MessageType() string { return TypeStatus }
func (m *StatusMessage) Session() string     { return m.SessionID }

// DapEventMessage forwards an adapter event.
type DapEventMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Event     string          `json:"event"`
	Body      json.RawMessage `json:"body,omitempty"`
}

func (m *DapEventMessage) MessageType() string { return TypeDapEvent }
func (m *DapEventMessage) Session() string     { return m.SessionID }

// DapResponseMessage answers a dap command, correlated by RequestID.
type DapResponseMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (m *DapResponseMessage) MessageType() string { return TypeDapResponse }
func (m *DapResponseMessage) Session() string     { return m.SessionID }

// ErrorMessage reports a worker-side failure not tied to a request.
type ErrorMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func (m *ErrorMessage) MessageType() string { return TypeError }
func (m *ErrorMessage) Session() string     { return m.SessionID }

func NewStatus(sessionID string, status Status) *StatusMessage {
	return &StatusMessage{Type: TypeStatus, SessionID: sessionID, Status: status}
}

func NewDapEvent(sessionID, event string, body json.RawMessage) *DapEventMessage {
	return &DapEventMessage{Type: TypeDapEvent, SessionID: sessionID, Event: event, Body: body}
}

// NewDapResponse builds a successful response message.
func NewDapResponse(sessionID, requestID string, response json.RawMessage) *DapResponseMessage {
	return &DapResponseMessage{Type: TypeDapResponse, SessionID: sessionID, RequestID: requestID, Success: true, Response: response}
}

// NewDapFailure builds a failed response message. response may be nil when the
// adapter never answered.
func NewDapFailure(sessionID, requestID, message string, response json.RawMessage) *DapResponseMessage {
	return &DapResponseMessage{Type: TypeDapResponse, SessionID: sessionID, RequestID: requestID, Error: message, Response: response}
}

func NewError(sessionID, message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, SessionID: sessionID, Message: message}
}

// ParseMessage validates a worker to parent message.
func ParseMessage(raw any) (Message, error) {
	data, obj, err := decodeObject(raw)
	if err != nil {
		return nil, errors.InvalidMessage(errors.FromError(err).Message)
	}

	typ, ok := obj["type"].(string)
	if !ok {
		return nil, errors.InvalidMessage(fmt.Sprintf("Missing or invalid 'type' field: %s", describe(obj, "type")))
	}
	if _, ok := obj["sessionId"].(string); !ok {
		return nil, errors.InvalidMessage(fmt.Sprintf("Message missing or invalid 'sessionId': %s", describe(obj, "sessionId")))
	}

	var out Message
	switch typ {
	case TypeStatus:
		if _, ok := obj["status"].(string); !ok {
			return nil, errors.InvalidMessage(fmt.Sprintf("Status message missing or invalid 'status': %s", describe(obj, "status")))
		}
		if v, present := obj["code"]; present && v != nil {
			if _, ok := asInt(v); !ok {
				return nil, errors.InvalidMessage("Status message 'code' must be an integer or null")
			}
		}
		if v, present := obj["signal"]; present && v != nil {
			if _, ok := v.(string); !ok {
				return nil, errors.InvalidMessage("Status message 'signal' must be a string or null")
			}
		}
		out = &StatusMessage{}
	case TypeDapEvent:
		if _, ok := obj["event"].(string); !ok {
			return nil, errors.InvalidMessage(fmt.Sprintf("dapEvent message missing or invalid 'event': %s", describe(obj, "event")))
		}
		out = &DapEventMessage{}
	case TypeDapResponse:
		if _, ok := obj["requestId"].(string); !ok {
			return nil, errors.InvalidMessage(fmt.Sprintf("dapResponse message missing or invalid 'requestId': %s", describe(obj, "requestId")))
		}
		if _, ok := obj["success"].(bool); !ok {
			return nil, errors.InvalidMessage(fmt.Sprintf("dapResponse message missing or invalid 'success': %s", describe(obj, "success")))
		}
		if v, present := obj["error"]; present && v != nil {
			if _, ok := v.(string); !ok {
				return nil, errors.InvalidMessage("dapResponse message 'error' must be a string if provided")
			}
		}
		out = &DapResponseMessage{}
	case TypeError:
		if _, ok := obj["message"].(string); !ok {
			return nil, errors.InvalidMessage(fmt.Sprintf("Error message missing or invalid 'message': %s", describe(obj, "message")))
		}
		out = &ErrorMessage{}
	default:
		return nil, errors.InvalidMessage(fmt.Sprintf("Unknown message type: %s", typ))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return nil, errors.InvalidMessage(fmt.Sprintf("Message could not be decoded: %v", err))
	}
	return out, nil
}
