// Package session encodes the DAP session lifecycle as a pure reducer.
//
// Reduce never performs I/O. It returns the next State together with a list
// of Commands; the caller (the worker or the host-side manager) executes them.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/ctagard/dap-proxy/internal/ipc"
)

// Phase is a lifecycle state.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitializing  Phase = "initializing"
	PhaseConfigured    Phase = "configured"
	PhaseRunning       Phase = "running"
	PhaseStopped       Phase = "stopped"
	PhaseTerminated    Phase = "terminated"
)

// State is the complete session state. It is a value: Reduce never mutates
// the State it is given.
type State struct {
	SessionID         string
	Phase             Phase
	CurrentThreadID   *int
	AdapterConfigured bool
}

// NewState returns the initial state for sessionID.
func NewState(sessionID string) State {
	return State{SessionID: sessionID, Phase: PhaseUninitialized}
}

// Terminated reports whether the session reached its terminal phase.
func (s State) Terminated() bool {
	return s.Phase == PhaseTerminated
}

// Event is an input to Reduce.
type Event interface {
	eventName() string
}

// InitEvent starts the session.
type InitEvent struct {
	SessionID string
}

// LaunchedEvent marks the debuggee as launched after adapter configuration.
type LaunchedEvent struct{}

// RequestEvent is a caller's DAP request on its way to the adapter.
type RequestEvent struct {
	RequestID string
	Command   string
	Args      json.RawMessage
}

// MessageEvent is worker to parent traffic: an adapter event or response, a
// status report or an error.
type MessageEvent struct {
	Message ipc.Message
}

// TerminateEvent is an explicit terminate command or termination signal.
type TerminateEvent struct {
	Reason string
}

// AdapterExitedEvent reports that the adapter process went away.
type AdapterExitedEvent struct {
	Code   *int
	Signal string
}

func (InitEvent) eventName() string          { return "init" }
func (LaunchedEvent) eventName() string      { return "launched" }
func (e RequestEvent) eventName() string     { return "request:" + e.Command }
func (e MessageEvent) eventName() string     { return "message:" + e.Message.MessageType() }
func (TerminateEvent) eventName() string     { return "terminate" }
func (AdapterExitedEvent) eventName() string { return "adapterExited" }

// CommandKind identifies what a Command asks its executor to do.
type CommandKind string

const (
	// KindSendToClient forwards a message upward: over IPC in the worker, to
	// the waiting caller in the manager.
	KindSendToClient CommandKind = "sendToClient"
	// KindSendToProxy forwards a DAP request downward toward the adapter.
	KindSendToProxy CommandKind = "sendToProxy"
	KindLog         CommandKind = "log"
	// KindEmitEvent notifies process-local observers.
	KindEmitEvent CommandKind = "emitEvent"
	// KindKillProcess ends the worker's execution loop.
	KindKillProcess CommandKind = "killProcess"
)

// LogLevel for KindLog commands.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Names of events carried by KindEmitEvent commands.
const (
	EventInitialized       = "initialized"
	EventAdapterConfigured = "adapter-configured"
	EventStopped           = "stopped"
	EventContinued         = "continued"
	EventTerminated        = "terminated"
	EventExited            = "exited"
	EventDapEvent          = "dap-event"
	EventExit              = "exit"
	EventError             = "error"
	EventDryRunComplete    = "dry-run-complete"
	EventInvalidTransition = "invalid-transition"
)

// ProxyRequest is a DAP request to forward to the adapter.
type ProxyRequest struct {
	RequestID string
	Command   string
	Args      json.RawMessage
}

// ExitInfo is the payload of an EventExit emission.
type ExitInfo struct {
	Status ipc.Status
	Code   *int
	Signal string
}

// Command is a side effect requested by Reduce. Only the fields relevant to
// Kind are set.
type Command struct {
	Kind CommandKind

	Message ipc.Message   // KindSendToClient
	Request *ProxyRequest // KindSendToProxy

	Level LogLevel // KindLog
	Text  string   // KindLog, KindKillProcess reason

	Event string // KindEmitEvent
	Data  any    // KindEmitEvent
}

func sendToClient(msg ipc.Message) Command {
	return Command{Kind: KindSendToClient, Message: msg}
}

func sendToProxy(r ProxyRequest) Command {
	return Command{Kind: KindSendToProxy, Request: &r}
}

func logf(level LogLevel, format string, args ...any) Command {
	return Command{Kind: KindLog, Level: level, Text: fmt.Sprintf(format, args...)}
}

func emit(event string, data any) Command {
	return Command{Kind: KindEmitEvent, Event: event, Data: data}
}

func kill(reason string) Command {
	return Command{Kind: KindKillProcess, Text: reason}
}
