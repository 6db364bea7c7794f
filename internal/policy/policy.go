// Package policy describes, per debug adapter, the behavioral differences the
// proxy engine has to absorb.
//
// A Policy is a capability table: the worker consults it for spawn
// configuration, command queueing, child-session handling and variable/frame
// filtering instead of branching on the language. Adding an adapter means
// adding one Policy implementation and registering it.
package policy

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/go-dap"

	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/pkg/types"
)

// ChildSessionStrategy says how a child debug session is created when the
// adapter asks for one through a reverse startDebugging request.
type ChildSessionStrategy string

const (
	ChildNone                    ChildSessionStrategy = "none"
	ChildLaunchWithPendingTarget ChildSessionStrategy = "launchWithPendingTarget"
	ChildAttachByPort            ChildSessionStrategy = "attachByPort"
	ChildAdoptInParent           ChildSessionStrategy = "adoptInParent"
)

// CommandHandling is the queueing decision for one command.
type CommandHandling struct {
	ShouldQueue bool
	ShouldDefer bool
	Reason      string
}

// AdapterState is the per-session bookkeeping a policy uses for queueing
// decisions. The worker owns it; policies update it in place.
type AdapterState struct {
	InitializeResponded bool
	Initialized         bool
	ConfigurationDone   bool
}

// ChildStartArgs is the request that starts a child session.
type ChildStartArgs struct {
	Command string
	Args    map[string]any
}

// AdapterConfiguration is the DAP-level adapter identity.
type AdapterConfiguration struct {
	Type string
}

// DebuggerConfiguration lists handshake quirks.
type DebuggerConfiguration struct {
	RequiresStrictHandshake bool
	SkipConfigurationDone   bool
	SupportsVariableType    bool
}

// ReverseContext exposes worker state to reverse request handlers.
type ReverseContext struct {
	// IsAdopted reports whether a pending target already has a child session.
	IsAdopted func(pendingID string) bool
}

// ReverseRequestResult is the outcome of handling an adapter-initiated request.
type ReverseRequestResult struct {
	Handled bool
	// Body is sent back in a successful response when Handled is set.
	Body any
	// CreateChild asks the worker to start a child session for PendingID.
	CreateChild  bool
	PendingID    string
	ParentConfig map[string]any
}

// ReverseRequestHandler handles a request the adapter sent to the client.
type ReverseRequestHandler func(command string, args json.RawMessage, ctx ReverseContext) ReverseRequestResult

// DapClientBehavior configures the DAP client for one adapter.
type DapClientBehavior struct {
	HandleReverseRequest ReverseRequestHandler
	// ChildRoutedCommands are sent to the child session once one exists.
	ChildRoutedCommands          map[string]bool
	MirrorBreakpointsToChild     bool
	DeferParentConfigDone        bool
	PauseAfterChildAttach        bool
	NormalizeAdapterID           func(string) string
	ChildInitTimeout             time.Duration
	SuppressPostAttachConfigDone bool
}

// QueuedCommand is a dap command held back until the adapter is ready.
type QueuedCommand struct {
	RequestID string
	Command   string
	Args      json.RawMessage
}

// Policy is the capability table for one debug adapter.
type Policy interface {
	Name() string
	Language() types.Language

	SupportsReverseStartDebugging() bool
	ChildSessionStrategy() ChildSessionStrategy
	ShouldDeferParentConfigDone(parentConfig map[string]any) bool
	BuildChildStartArgs(pendingID string, parentConfig map[string]any) (ChildStartArgs, error)
	IsChildReadyEvent(event string) bool

	MatchesAdapter(cmd ipc.AdapterCommand) bool
	ResolveExecutablePath(preferred string) string
	DapAdapterConfiguration() AdapterConfiguration
	DebuggerConfiguration() DebuggerConfiguration
	AdapterSpawnConfig(p *ipc.InitPayload) (*ipc.AdapterCommand, error)

	FilterStackFrames(frames []types.StackFrame, includeInternals bool) []types.StackFrame
	IsInternalFrame(frame types.StackFrame) bool
	ExtractLocalVariables(frames []types.StackFrame, scopes map[int][]dap.Scope, vars map[int][]types.Variable, includeSpecial bool) []types.Variable
	LocalScopeNames() []string

	RequiresCommandQueueing() bool
	ShouldQueueCommand(command string, state *AdapterState) CommandHandling
	ProcessQueuedCommands(cmds []QueuedCommand) []QueuedCommand
	CreateInitialState() *AdapterState
	UpdateStateOnCommand(command string, args json.RawMessage, state *AdapterState)
	UpdateStateOnEvent(event string, body json.RawMessage, state *AdapterState)
	UpdateStateOnResponse(command string, success bool, state *AdapterState)
	IsInitialized(state *AdapterState) bool
	IsConnected(state *AdapterState) bool

	DapClientBehavior() DapClientBehavior
}

// Options carries host-specific inputs to policy constructors.
type Options struct {
	// Executables overrides the default executable per language.
	Executables map[types.Language]string
	// JSDebugPath locates vscode-js-debug's dapDebugServer.js.
	JSDebugPath string
	// VsdbgBridgePath locates the vsdbg TCP bridge script.
	VsdbgBridgePath string
	Getenv          func(string) string
}

func (o Options) getenv(key string) string {
	if o.Getenv != nil {
		return o.Getenv(key)
	}
	return os.Getenv(key)
}

func (o Options) executable(lang types.Language) string {
	if o.Executables == nil {
		return ""
	}
	return o.Executables[lang]
}
