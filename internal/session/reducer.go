package session

import (
	"encoding/json"

	"github.com/ctagard/dap-proxy/internal/errors"
	"github.com/ctagard/dap-proxy/internal/ipc"
)

// resumingCommands move a stopped session back to running.
var resumingCommands = map[string]bool{
	"continue":        true,
	"next":            true,
	"stepIn":          true,
	"stepOut":         true,
	"stepBack":        true,
	"reverseContinue": true,
	"goto":            true,
}

// Reduce applies ev to s. It is deterministic and has no side effects.
func Reduce(s State, ev Event) (State, []Command) {
	if s.Phase == PhaseTerminated {
		return s, []Command{logf(LevelDebug, "session %s is terminated; ignoring %s", s.SessionID, ev.eventName())}
	}

	switch e := ev.(type) {
	case InitEvent:
		return reduceInit(s, e)
	case LaunchedEvent:
		if s.Phase != PhaseConfigured {
			return s, []Command{logf(LevelDebug, "launch reported in phase %s; phase unchanged", s.Phase)}
		}
		s.Phase = PhaseRunning
		return s, []Command{logf(LevelInfo, "session %s running", s.SessionID)}
	case RequestEvent:
		return reduceRequest(s, e)
	case MessageEvent:
		return reduceMessage(s, e.Message)
	case TerminateEvent:
		s.Phase = PhaseTerminated
		return s, []Command{
			logf(LevelInfo, "terminating session %s: %s", s.SessionID, e.Reason),
			kill(e.Reason),
		}
	case AdapterExitedEvent:
		s.Phase = PhaseTerminated
		st := ipc.NewStatus(s.SessionID, ipc.StatusAdapterExited)
		st.Code = e.Code
		st.Signal = e.Signal
		return s, []Command{
			logf(LevelWarn, "adapter for session %s exited", s.SessionID),
			sendToClient(st),
			emit(EventExit, ExitInfo{Status: ipc.StatusAdapterExited, Code: e.Code, Signal: e.Signal}),
			kill("adapter exited"),
		}
	default:
		return s, []Command{logf(LevelWarn, "unhandled event %T", ev)}
	}
}

func reduceInit(s State, e InitEvent) (State, []Command) {
	if s.Phase != PhaseUninitialized {
		err := errors.InvalidTransition("init", string(s.Phase))
		return s, []Command{
			logf(LevelWarn, "rejecting duplicate init for session %s in phase %s", s.SessionID, s.Phase),
			emit(EventInvalidTransition, err),
		}
	}
	if e.SessionID != "" {
		s.SessionID = e.SessionID
	}
	s.Phase = PhaseInitializing
	return s, []Command{logf(LevelInfo, "session %s initializing", s.SessionID)}
}

func reduceRequest(s State, e RequestEvent) (State, []Command) {
	if s.Phase == PhaseUninitialized {
		return s, []Command{
			logf(LevelWarn, "request %s (%s) before init", e.RequestID, e.Command),
			sendToClient(ipc.NewDapFailure(s.SessionID, e.RequestID, errors.NotInitialized("session").Message, nil)),
		}
	}
	if s.Phase == PhaseStopped && resumingCommands[e.Command] {
		s.Phase = PhaseRunning
	}
	return s, []Command{sendToProxy(ProxyRequest{RequestID: e.RequestID, Command: e.Command, Args: e.Args})}
}

func reduceMessage(s State, msg ipc.Message) (State, []Command) {
	if msg == nil {
		return s, []Command{logf(LevelWarn, "nil message")}
	}
	if sid := msg.Session(); sid != "" && s.SessionID != "" && sid != s.SessionID {
		return s, []Command{logf(LevelWarn, "session id mismatch: expected %s, got %s", s.SessionID, sid)}
	}

	switch m := msg.(type) {
	case *ipc.StatusMessage:
		return reduceStatus(s, m)
	case *ipc.DapEventMessage:
		return reduceDapEvent(s, m)
	case *ipc.DapResponseMessage:
		return s, []Command{sendToClient(m)}
	case *ipc.ErrorMessage:
		return s, []Command{
			logf(LevelError, "session %s error: %s", s.SessionID, m.Message),
			sendToClient(m),
			emit(EventError, m.Message),
		}
	default:
		return s, []Command{logf(LevelWarn, "unhandled message %T", msg)}
	}
}

func reduceStatus(s State, m *ipc.StatusMessage) (State, []Command) {
	switch m.Status {
	case ipc.StatusAdapterConfigured:
		if s.Phase != PhaseInitializing {
			return s, []Command{
				logf(LevelWarn, "adapter configured in phase %s", s.Phase),
				sendToClient(m),
			}
		}
		s.Phase = PhaseConfigured
		s.AdapterConfigured = true
		return s, []Command{
			sendToClient(m),
			emit(EventAdapterConfigured, nil),
			emit(EventInitialized, nil),
		}
	case ipc.StatusDryRunComplete:
		s.Phase = PhaseTerminated
		return s, []Command{
			logf(LevelInfo, "dry run complete for session %s", s.SessionID),
			sendToClient(m),
			emit(EventDryRunComplete, m),
			kill("dry run complete"),
		}
	case ipc.StatusAdapterExited, ipc.StatusConnectionClosed, ipc.StatusTerminated:
		s.Phase = PhaseTerminated
		return s, []Command{
			logf(LevelInfo, "session %s ended: %s", s.SessionID, m.Status),
			sendToClient(m),
			emit(EventExit, ExitInfo{Status: m.Status, Code: m.Code, Signal: m.Signal}),
			kill(string(m.Status)),
		}
	case ipc.StatusIPCTest:
		return s, []Command{
			logf(LevelInfo, "minimal IPC test status received"),
			kill(string(m.Status)),
		}
	default:
		return s, []Command{
			logf(LevelDebug, "status %s", m.Status),
			sendToClient(m),
		}
	}
}

func reduceDapEvent(s State, m *ipc.DapEventMessage) (State, []Command) {
	cmds := []Command{sendToClient(m)}

	switch m.Event {
	case "stopped":
		if id, ok := threadID(m.Body); ok {
			s.CurrentThreadID = &id
		}
		switch s.Phase {
		case PhaseConfigured, PhaseRunning:
			s.Phase = PhaseStopped
		}
		cmds = append(cmds, emit(EventStopped, m))
	case "continued":
		if s.Phase == PhaseStopped {
			s.Phase = PhaseRunning
		}
		cmds = append(cmds, emit(EventContinued, m))
	case "terminated":
		cmds = append(cmds, emit(EventTerminated, m))
	case "exited":
		cmds = append(cmds, emit(EventExited, m))
	default:
		cmds = append(cmds, emit(EventDapEvent, m))
	}
	return s, cmds
}

func threadID(body json.RawMessage) (int, bool) {
	if len(body) == 0 {
		return 0, false
	}
	var b struct {
		ThreadID *int `json:"threadId"`
	}
	if err := json.Unmarshal(body, &b); err != nil || b.ThreadID == nil {
		return 0, false
	}
	return *b.ThreadID, true
}
