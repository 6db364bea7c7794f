// Package ipc implements the private message protocol spoken between a proxy
// manager and its worker process.
//
// Parent to worker traffic is a closed set of commands (init, dap, terminate);
// worker to parent traffic is a closed set of messages (status, dapEvent,
// dapResponse, error). Both directions travel as one JSON object per line.
// Untyped payloads are validated here and converted to the concrete types
// below before anything else in the process sees them.
package ipc

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/ctagard/dap-proxy/internal/errors"
)

// Command names.
const (
	CmdInit      = "init"
	CmdDap       = "dap"
	CmdTerminate = "terminate"
)

// Command is a validated parent to worker command.
type Command interface {
	CommandName() string
	Session() string
}

// Breakpoint is a source breakpoint requested at session start.
type Breakpoint struct {
	File      string `json:"file"`
	Line      int    `json:"line"`
	Condition string `json:"condition,omitempty"`
}

// AdapterCommand describes how to launch a debug adapter process.
type AdapterCommand struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

// Validate checks the command before it is handed to the process spawner.
func (c *AdapterCommand) Validate() error {
	if c == nil {
		return errors.InvalidCommand("Adapter command is missing")
	}
	if strings.TrimSpace(c.Command) == "" {
		return errors.InvalidCommand("Adapter command missing or invalid 'command'")
	}
	if strings.ContainsRune(c.Command, 0) {
		return errors.InvalidCommand("Adapter command 'command' contains a NUL byte")
	}
	for i, arg := range c.Args {
		if strings.ContainsRune(arg, 0) {
			return errors.InvalidCommand(fmt.Sprintf("Adapter command argument %d contains a NUL byte", i))
		}
	}
	for k, v := range c.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") || strings.ContainsRune(v, 0) {
			return errors.InvalidCommand(fmt.Sprintf("Adapter command has invalid environment entry '%s'", k))
		}
	}
	return nil
}

// InitPayload is the immutable session bootstrap descriptor.
type InitPayload struct {
	SessionID          string          `json:"sessionId"`
	ExecutablePath     string          `json:"executablePath"`
	AdapterHost        string          `json:"adapterHost"`
	AdapterPort        int             `json:"adapterPort"`
	LogDir             string          `json:"logDir"`
	ScriptPath         string          `json:"scriptPath"`
	ScriptArgs         []string        `json:"scriptArgs,omitempty"`
	StopOnEntry        *bool           `json:"stopOnEntry,omitempty"`
	JustMyCode         *bool           `json:"justMyCode,omitempty"`
	DryRunSpawn        bool            `json:"dryRunSpawn,omitempty"`
	InitialBreakpoints []Breakpoint    `json:"initialBreakpoints,omitempty"`
	AdapterCommand     *AdapterCommand `json:"adapterCommand,omitempty"`
	LaunchConfig       map[string]any  `json:"launchConfig,omitempty"`
}

// InitCommand starts a session. It is accepted once per worker.
type InitCommand struct {
	Cmd string `json:"cmd"`
	InitPayload
}

func (c *InitCommand) CommandName() string { return CmdInit }
func (c *InitCommand) Session() string     { return c.SessionID }

// DapCommand asks the worker to forward one DAP request to the adapter.
type DapCommand struct {
	Cmd        string          `json:"cmd"`
	SessionID  string          `json:"sessionId"`
	RequestID  string          `json:"requestId"`
	DapCommand string          `json:"dapCommand"`
	DapArgs    json.RawMessage `json:"dapArgs,omitempty"`
}

func (c *DapCommand) CommandName() string { return CmdDap }
func (c *DapCommand) Session() string     { return c.SessionID }

// TerminateCommand ends the session. SessionID may be empty for emergency shutdown.
type TerminateCommand struct {
	Cmd       string `json:"cmd"`
	SessionID string `json:"sessionId,omitempty"`
}

func (c *TerminateCommand) CommandName() string { return CmdTerminate }
func (c *TerminateCommand) Session() string     { return c.SessionID }

// NewInitCommand wraps a payload in an init command.
func NewInitCommand(p InitPayload) *InitCommand {
	return &InitCommand{Cmd: CmdInit, InitPayload: p}
}

// NewDapCommand builds a dap command. A nil args value omits dapArgs.
func NewDapCommand(sessionID, requestID, command string, args json.RawMessage) *DapCommand {
	return &DapCommand{Cmd: CmdDap, SessionID: sessionID, RequestID: requestID, DapCommand: command, DapArgs: args}
}

// NewTerminateCommand builds a terminate command.
func NewTerminateCommand(sessionID string) *TerminateCommand {
	return &TerminateCommand{Cmd: CmdTerminate, SessionID: sessionID}
}

// ParseCommand validates raw and returns the concrete command it describes.
// raw may be a JSON document ([]byte, string, json.RawMessage) or an already
// decoded map. Nothing is coerced: every failure names the offending field.
func ParseCommand(raw any) (Command, error) {
	data, obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	cmd, ok := obj["cmd"].(string)
	if !ok {
		return nil, errors.InvalidCommand(fmt.Sprintf("Missing or invalid 'cmd' field: %s", describe(obj, "cmd")))
	}

	switch cmd {
	case CmdInit:
		if err := validateInit(obj); err != nil {
			return nil, err
		}
		out := &InitCommand{}
		if err := json.Unmarshal(data, out); err != nil {
			return nil, errors.InvalidCommand(fmt.Sprintf("Init payload could not be decoded: %v", err))
		}
		return out, nil
	case CmdDap:
		if err := validateDap(obj); err != nil {
			return nil, err
		}
		out := &DapCommand{}
		if err := json.Unmarshal(data, out); err != nil {
			return nil, errors.InvalidCommand(fmt.Sprintf("DAP payload could not be decoded: %v", err))
		}
		return out, nil
	case CmdTerminate:
		if v, present := obj["sessionId"]; present {
			if _, ok := v.(string); !ok {
				return nil, errors.InvalidCommand(fmt.Sprintf("Terminate payload has invalid 'sessionId' type: %s", jsonType(v)))
			}
		}
		out := &TerminateCommand{}
		if err := json.Unmarshal(data, out); err != nil {
			return nil, errors.InvalidCommand(fmt.Sprintf("Terminate payload could not be decoded: %v", err))
		}
		return out, nil
	default:
		return nil, errors.InvalidCommand(fmt.Sprintf("Unknown command type: %s", cmd))
	}
}

func validateInit(obj map[string]any) error {
	for _, field := range []string{"sessionId", "executablePath", "adapterHost", "logDir", "scriptPath"} {
		if _, ok := obj[field].(string); !ok {
			return errors.InvalidCommand(fmt.Sprintf("Init payload missing or invalid '%s': %s", field, describe(obj, field)))
		}
	}

	port, ok := asInt(obj["adapterPort"])
	if !ok || port < 1 || port > 65535 {
		return errors.InvalidCommand(fmt.Sprintf("Init payload invalid 'adapterPort': %s", describe(obj, "adapterPort")))
	}

	if v, present := obj["scriptArgs"]; present {
		args, ok := v.([]any)
		if !ok {
			return errors.InvalidCommand("Init payload 'scriptArgs' must be an array if provided")
		}
		for _, a := range args {
			if _, ok := a.(string); !ok {
				return errors.InvalidCommand("Init payload 'scriptArgs' must contain only strings")
			}
		}
	}

	for _, field := range []string{"stopOnEntry", "justMyCode", "dryRunSpawn"} {
		if v, present := obj[field]; present {
			if _, ok := v.(bool); !ok {
				return errors.InvalidCommand(fmt.Sprintf("Init payload '%s' must be a boolean if provided", field))
			}
		}
	}

	if v, present := obj["initialBreakpoints"]; present {
		bps, ok := v.([]any)
		if !ok {
			return errors.InvalidCommand("Init payload 'initialBreakpoints' must be an array if provided")
		}
		for _, raw := range bps {
			bp, ok := raw.(map[string]any)
			if !ok {
				return errors.InvalidCommand("Invalid breakpoint in initialBreakpoints")
			}
			_, fileOK := bp["file"].(string)
			_, lineOK := asInt(bp["line"])
			if !fileOK || !lineOK {
				return errors.InvalidCommand("Breakpoint must have 'file' (string) and 'line' (number)")
			}
			if c, present := bp["condition"]; present {
				if _, ok := c.(string); !ok {
					return errors.InvalidCommand("Breakpoint 'condition' must be a string if provided")
				}
			}
		}
	}

	if v, present := obj["adapterCommand"]; present {
		if err := validateAdapterCommand(v); err != nil {
			return err
		}
	}

	if v, present := obj["launchConfig"]; present {
		if _, ok := v.(map[string]any); !ok {
			return errors.InvalidCommand("Init payload 'launchConfig' must be an object if provided")
		}
	}
	return nil
}

func validateAdapterCommand(v any) error {
	ac, ok := v.(map[string]any)
	if !ok {
		return errors.InvalidCommand("Init payload 'adapterCommand' must be an object if provided")
	}
	if _, ok := ac["command"].(string); !ok {
		return errors.InvalidCommand("Init payload 'adapterCommand.command' must be a string")
	}
	args, ok := ac["args"].([]any)
	if !ok {
		return errors.InvalidCommand("Init payload 'adapterCommand.args' must be an array")
	}
	for _, a := range args {
		if _, ok := a.(string); !ok {
			return errors.InvalidCommand("Init payload 'adapterCommand.args' must contain only strings")
		}
	}
	if e, present := ac["env"]; present {
		env, ok := e.(map[string]any)
		if !ok {
			return errors.InvalidCommand("Init payload 'adapterCommand.env' must be an object if provided")
		}
		for k, val := range env {
			if _, ok := val.(string); !ok {
				return errors.InvalidCommand(fmt.Sprintf("Init payload 'adapterCommand.env.%s' must be a string", k))
			}
		}
	}
	return nil
}

func validateDap(obj map[string]any) error {
	for _, field := range []string{"sessionId", "requestId", "dapCommand"} {
		if _, ok := obj[field].(string); !ok {
			return errors.InvalidCommand(fmt.Sprintf("DAP payload missing or invalid '%s': %s", field, describe(obj, field)))
		}
	}
	if v, present := obj["dapArgs"]; present && v == nil {
		return errors.InvalidCommand("DAP payload 'dapArgs' should not be null")
	}
	return nil
}

// decodeObject normalizes raw into its JSON bytes and a generic object view.
func decodeObject(raw any) ([]byte, map[string]any, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, nil, errors.InvalidCommand("Invalid message type: expected object, got null")
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	case string:
		data = []byte(v)
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, nil, errors.InvalidCommand(fmt.Sprintf("Failed to parse JSON message: %v", err))
		}
		data = b
	default:
		return nil, nil, errors.InvalidCommand(fmt.Sprintf("Invalid message type: expected object, got %T", raw))
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, nil, errors.InvalidCommand(fmt.Sprintf("Failed to parse JSON message: %v", err))
	}
	obj, ok := generic.(map[string]any)
	if !ok {
		return nil, nil, errors.InvalidCommand(fmt.Sprintf("Invalid message type: expected object, got %s", jsonType(generic)))
	}
	return data, obj, nil
}

func asInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || math.Trunc(f) != f || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

func describe(obj map[string]any, field string) string {
	v, present := obj[field]
	if !present {
		return "undefined"
	}
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%v", v)
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	default:
		return "object"
	}
}
