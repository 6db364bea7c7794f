package policy

import (
	"encoding/json"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-dap"

	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/pkg/types"
)

// base implements the behavior shared by adapters without quirks. Concrete
// policies embed it and override what differs. On its own it is the default
// policy.
type base struct {
	name        string
	language    types.Language
	adapterType string
	scopeNames  []string
	// anyScope falls back to the first scope when no name matches.
	anyScope    bool
	opts        Options
}

// NewDefault returns the policy used when nothing more specific matches.
func NewDefault(opts Options) Policy {
	return &base{name: "default", adapterType: "default", scopeNames: []string{"Locals", "Local"}, anyScope: true, opts: opts}
}

func (b *base) Name() string             { return b.name }
func (b *base) Language() types.Language { return b.language }

func (b *base) SupportsReverseStartDebugging() bool             { return false }
func (b *base) ChildSessionStrategy() ChildSessionStrategy      { return ChildNone }
func (b *base) ShouldDeferParentConfigDone(map[string]any) bool { return false }

func (b *base) BuildChildStartArgs(pendingID string, _ map[string]any) (ChildStartArgs, error) {
	return ChildStartArgs{}, fmt.Errorf("%s policy does not support child sessions (pendingId=%s)", b.name, pendingID)
}

func (b *base) IsChildReadyEvent(event string) bool { return event == "initialized" }

func (b *base) MatchesAdapter(ipc.AdapterCommand) bool { return false }

func (b *base) ResolveExecutablePath(preferred string) string {
	if preferred != "" {
		return preferred
	}
	return b.opts.executable(b.language)
}

func (b *base) DapAdapterConfiguration() AdapterConfiguration {
	return AdapterConfiguration{Type: b.adapterType}
}

func (b *base) DebuggerConfiguration() DebuggerConfiguration {
	return DebuggerConfiguration{}
}

// AdapterSpawnConfig passes an explicit adapter command through and fails
// otherwise.
func (b *base) AdapterSpawnConfig(p *ipc.InitPayload) (*ipc.AdapterCommand, error) {
	if cmd := explicitCommand(p); cmd != nil {
		return cmd, nil
	}
	return nil, fmt.Errorf("%s adapter requires adapterCommand to be provided", b.name)
}

func (b *base) FilterStackFrames(frames []types.StackFrame, _ bool) []types.StackFrame {
	return frames
}

func (b *base) IsInternalFrame(types.StackFrame) bool { return false }

func (b *base) ExtractLocalVariables(frames []types.StackFrame, scopes map[int][]dap.Scope, vars map[int][]types.Variable, _ bool) []types.Variable {
	return extractLocals(frames, scopes, vars, b.scopeNames, b.anyScope, nil)
}

func (b *base) LocalScopeNames() []string {
	return slices.Clone(b.scopeNames)
}

func (b *base) RequiresCommandQueueing() bool { return false }

func (b *base) ShouldQueueCommand(string, *AdapterState) CommandHandling {
	return CommandHandling{Reason: fmt.Sprintf("%s adapter does not queue commands", b.name)}
}

func (b *base) ProcessQueuedCommands(cmds []QueuedCommand) []QueuedCommand {
	return cmds
}

func (b *base) CreateInitialState() *AdapterState {
	return &AdapterState{}
}

func (b *base) UpdateStateOnCommand(command string, _ json.RawMessage, state *AdapterState) {
	if command == "configurationDone" {
		state.ConfigurationDone = true
	}
}

func (b *base) UpdateStateOnEvent(event string, _ json.RawMessage, state *AdapterState) {
	if event == "initialized" {
		state.Initialized = true
	}
}

// UpdateStateOnResponse records a successful initialize response.
func (b *base) UpdateStateOnResponse(command string, success bool, state *AdapterState) {
	if command == "initialize" && success {
		state.InitializeResponded = true
	}
}

func (b *base) IsInitialized(state *AdapterState) bool { return state.Initialized }
func (b *base) IsConnected(state *AdapterState) bool   { return state.Initialized }

func (b *base) DapClientBehavior() DapClientBehavior {
	return DapClientBehavior{ChildInitTimeout: time.Second}
}

// ackRunInTerminal is the reverse request handler of adapters that never
// spawn children: runInTerminal is acknowledged, everything else is refused.
func ackRunInTerminal(command string, _ json.RawMessage, _ ReverseContext) ReverseRequestResult {
	if command == "runInTerminal" {
		return ReverseRequestResult{Handled: true, Body: map[string]any{}}
	}
	return ReverseRequestResult{}
}

func standardBehavior() DapClientBehavior {
	return DapClientBehavior{
		HandleReverseRequest: ackRunInTerminal,
		ChildInitTimeout:     5 * time.Second,
	}
}

func explicitCommand(p *ipc.InitPayload) *ipc.AdapterCommand {
	if p == nil || p.AdapterCommand == nil {
		return nil
	}
	c := *p.AdapterCommand
	c.Args = slices.Clone(c.Args)
	if c.Args == nil {
		c.Args = []string{}
	}
	return &c
}

// extractLocals takes the top frame, picks its locals scope (the first scope
// whose name is in names, else the first scope if anyScope is set) and returns
// that scope's variables that pass keep. Any missing link yields an empty slice.
func extractLocals(frames []types.StackFrame, scopes map[int][]dap.Scope, vars map[int][]types.Variable, names []string, anyScope bool, keep func(types.Variable) bool) []types.Variable {
	out := []types.Variable{}
	if len(frames) == 0 {
		return out
	}
	frameScopes := scopes[frames[0].ID]
	if len(frameScopes) == 0 {
		return out
	}

	idx := slices.IndexFunc(frameScopes, func(s dap.Scope) bool { return slices.Contains(names, s.Name) })
	if idx < 0 {
		if !anyScope {
			return out
		}
		idx = 0
	}
	scope := frameScopes[idx]

	for _, v := range vars[scope.VariablesReference] {
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func filterFrames(frames []types.StackFrame, internal func(types.StackFrame) bool) []types.StackFrame {
	out := make([]types.StackFrame, 0, len(frames))
	for _, f := range frames {
		if !internal(f) {
			out = append(out, f)
		}
	}
	return out
}

func hostPort(p *ipc.InitPayload) string {
	return net.JoinHostPort(p.AdapterHost, strconv.Itoa(p.AdapterPort))
}

func commandLine(cmd ipc.AdapterCommand) (command, args string) {
	return strings.ToLower(cmd.Command), strings.ToLower(strings.Join(cmd.Args, " "))
}
