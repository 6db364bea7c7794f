package policy

import (
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-dap"

	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/pkg/types"
)

// jsChildCommands are served by the child session once it is attached;
// js-debug's parent session only knows about the bootstrap target.
var jsChildCommands = map[string]bool{
	"threads":     true,
	"pause":       true,
	"continue":    true,
	"next":        true,
	"stepIn":      true,
	"stepOut":     true,
	"stackTrace":  true,
	"scopes":      true,
	"variables":   true,
	"evaluate":    true,
	"setVariable": true,
}

// jsConfigCommands may be sent after the initialized event but before
// configurationDone.
var jsConfigCommands = map[string]bool{
	"setBreakpoints":          true,
	"setFunctionBreakpoints":  true,
	"setExceptionBreakpoints": true,
	"configurationDone":       true,
}

// jsQueueOrder ranks commands when a queue is flushed. Unranked commands
// keep their relative order after the ranked ones.
var jsQueueOrder = map[string]int{
	"setBreakpoints":    0,
	"configurationDone": 1,
	"launch":            2,
}

type jsDebugPolicy struct {
	base
}

// NewJSDebug returns the vscode-js-debug policy.
func NewJSDebug(opts Options) Policy {
	return &jsDebugPolicy{base{
		name:        "js-debug",
		language:    types.LanguageJavaScript,
		adapterType: "pwa-node",
		scopeNames:  []string{"Local", "Locals"},
		// js-debug names scopes after the function, e.g. "Local: main".
		anyScope:    true,
		opts:        opts,
	}}
}

func (j *jsDebugPolicy) SupportsReverseStartDebugging() bool        { return true }
func (j *jsDebugPolicy) ChildSessionStrategy() ChildSessionStrategy { return ChildLaunchWithPendingTarget }

func (j *jsDebugPolicy) ShouldDeferParentConfigDone(map[string]any) bool { return true }

func (j *jsDebugPolicy) BuildChildStartArgs(pendingID string, parentConfig map[string]any) (ChildStartArgs, error) {
	if pendingID == "" {
		return ChildStartArgs{}, fmt.Errorf("js-debug child session requires a pending target id")
	}
	args := make(map[string]any, len(parentConfig)+3)
	for _, k := range []string{"cwd", "env", "sourceMaps", "outFiles", "skipFiles", "resolveSourceMapLocations"} {
		if v, ok := parentConfig[k]; ok {
			args[k] = v
		}
	}
	args["type"] = "pwa-node"
	args["request"] = "attach"
	args["__pendingTargetId"] = pendingID
	args["continueOnAttach"] = true
	return ChildStartArgs{Command: "attach", Args: args}, nil
}

func (j *jsDebugPolicy) IsChildReadyEvent(event string) bool {
	return event == "thread" || event == "stopped"
}

func (j *jsDebugPolicy) MatchesAdapter(cmd ipc.AdapterCommand) bool {
	command, args := commandLine(cmd)
	return strings.Contains(args, "js-debug") ||
		strings.Contains(args, "dapdebugserver") ||
		strings.Contains(filepath.Base(command), "js-debug")
}

func (j *jsDebugPolicy) ResolveExecutablePath(preferred string) string {
	if preferred != "" {
		return preferred
	}
	if v := j.opts.executable(types.LanguageJavaScript); v != "" {
		return v
	}
	return "node"
}

func (j *jsDebugPolicy) DebuggerConfiguration() DebuggerConfiguration {
	return DebuggerConfiguration{RequiresStrictHandshake: true, SupportsVariableType: true}
}

// AdapterSpawnConfig runs js-debug's DAP server under node, listening on the
// allocated port.
func (j *jsDebugPolicy) AdapterSpawnConfig(p *ipc.InitPayload) (*ipc.AdapterCommand, error) {
	if cmd := explicitCommand(p); cmd != nil {
		return cmd, nil
	}
	if j.opts.JSDebugPath == "" {
		return nil, fmt.Errorf("js-debug adapter requires adapterCommand or a configured dapDebugServer.js path")
	}
	return &ipc.AdapterCommand{
		Command: j.ResolveExecutablePath(""),
		Args:    []string{j.opts.JSDebugPath, strconv.Itoa(p.AdapterPort), p.AdapterHost},
	}, nil
}

func (j *jsDebugPolicy) IsInternalFrame(f types.StackFrame) bool {
	return strings.Contains(f.File, "<node_internals>")
}

func (j *jsDebugPolicy) FilterStackFrames(frames []types.StackFrame, includeInternals bool) []types.StackFrame {
	if includeInternals {
		return frames
	}
	return filterFrames(frames, j.IsInternalFrame)
}

func (j *jsDebugPolicy) ExtractLocalVariables(frames []types.StackFrame, scopes map[int][]dap.Scope, vars map[int][]types.Variable, includeSpecial bool) []types.Variable {
	if includeSpecial {
		return extractLocals(frames, scopes, vars, j.scopeNames, j.anyScope, nil)
	}
	return extractLocals(frames, scopes, vars, j.scopeNames, j.anyScope, func(v types.Variable) bool {
		return v.Name != "this" && v.Name != "__proto__" && !strings.HasPrefix(v.Name, "$")
	})
}

func (j *jsDebugPolicy) RequiresCommandQueueing() bool { return true }

// ShouldQueueCommand holds everything until initialize has been answered,
// then everything but initialize-phase traffic until the initialized event,
// then non-configuration commands until configurationDone.
func (j *jsDebugPolicy) ShouldQueueCommand(command string, state *AdapterState) CommandHandling {
	switch {
	case command == "initialize":
		return CommandHandling{Reason: "initialize is never queued"}
	case !state.InitializeResponded:
		return CommandHandling{ShouldQueue: true, Reason: "waiting for initialize response"}
	case !state.Initialized:
		return CommandHandling{ShouldQueue: true, Reason: "waiting for initialized event"}
	case !state.ConfigurationDone && !jsConfigCommands[command]:
		return CommandHandling{ShouldQueue: true, ShouldDefer: true, Reason: "waiting for configurationDone"}
	}
	return CommandHandling{Reason: "adapter ready"}
}

func (j *jsDebugPolicy) ProcessQueuedCommands(cmds []QueuedCommand) []QueuedCommand {
	rank := func(c QueuedCommand) int {
		if r, ok := jsQueueOrder[c.Command]; ok {
			return r
		}
		return len(jsQueueOrder)
	}
	out := make([]QueuedCommand, 0, len(cmds))
	for r := 0; r <= len(jsQueueOrder); r++ {
		for _, c := range cmds {
			if rank(c) == r {
				out = append(out, c)
			}
		}
	}
	return out
}

func (j *jsDebugPolicy) IsInitialized(state *AdapterState) bool {
	return state.InitializeResponded && state.Initialized
}

func (j *jsDebugPolicy) IsConnected(state *AdapterState) bool {
	return state.InitializeResponded && state.Initialized
}

func (j *jsDebugPolicy) DapClientBehavior() DapClientBehavior {
	return DapClientBehavior{
		HandleReverseRequest:     j.handleReverseRequest,
		ChildRoutedCommands:      maps.Clone(jsChildCommands),
		MirrorBreakpointsToChild: true,
		DeferParentConfigDone:    true,
		PauseAfterChildAttach:    true,
		NormalizeAdapterID: func(id string) string {
			if strings.EqualFold(id, "javascript") {
				return "pwa-node"
			}
			return id
		},
		ChildInitTimeout: 12 * time.Second,
	}
}

type startDebuggingArgs struct {
	Request       string         `json:"request"`
	Configuration map[string]any `json:"configuration"`
}

func (j *jsDebugPolicy) handleReverseRequest(command string, args json.RawMessage, ctx ReverseContext) ReverseRequestResult {
	switch command {
	case "runInTerminal":
		return ReverseRequestResult{Handled: true, Body: map[string]any{}}
	case "startDebugging":
		var sd startDebuggingArgs
		if len(args) > 0 {
			if err := json.Unmarshal(args, &sd); err != nil {
				return ReverseRequestResult{Handled: true, Body: map[string]any{}}
			}
		}
		pending, _ := sd.Configuration["__pendingTargetId"].(string)
		if pending == "" || (ctx.IsAdopted != nil && ctx.IsAdopted(pending)) {
			return ReverseRequestResult{Handled: true, Body: map[string]any{}}
		}
		return ReverseRequestResult{
			Handled:      true,
			Body:         map[string]any{},
			CreateChild:  true,
			PendingID:    pending,
			ParentConfig: sd.Configuration,
		}
	}
	return ReverseRequestResult{}
}
