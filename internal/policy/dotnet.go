package policy

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/pkg/types"
)

type dotnetPolicy struct {
	base
}

// NewDotnet returns the vsdbg/netcoredbg policy. vsdbg speaks DAP over
// stdio, so it is fronted by a TCP bridge script.
func NewDotnet(opts Options) Policy {
	return &dotnetPolicy{base{
		name:        "dotnet",
		language:    types.LanguageDotnet,
		adapterType: "coreclr",
		scopeNames:  []string{"Locals", "Local"},
		opts:        opts,
	}}
}

func (d *dotnetPolicy) MatchesAdapter(cmd ipc.AdapterCommand) bool {
	command, args := commandLine(cmd)
	command = filepath.Base(command)
	return strings.Contains(command, "vsdbg") ||
		strings.Contains(command, "netcoredbg") ||
		strings.Contains(args, "vsdbg") ||
		strings.Contains(args, "netcoredbg") ||
		strings.Contains(args, "dotnet")
}

func (d *dotnetPolicy) ResolveExecutablePath(preferred string) string {
	if preferred != "" {
		return preferred
	}
	if v := d.opts.getenv("VSDBG_PATH"); v != "" {
		return v
	}
	if v := d.opts.executable(types.LanguageDotnet); v != "" {
		return v
	}
	return "vsdbg"
}

func (d *dotnetPolicy) DebuggerConfiguration() DebuggerConfiguration {
	return DebuggerConfiguration{SupportsVariableType: true}
}

func (d *dotnetPolicy) AdapterSpawnConfig(p *ipc.InitPayload) (*ipc.AdapterCommand, error) {
	if cmd := explicitCommand(p); cmd != nil {
		return cmd, nil
	}
	if d.opts.VsdbgBridgePath == "" {
		return nil, fmt.Errorf("dotnet adapter requires adapterCommand or a configured vsdbg bridge path")
	}
	return &ipc.AdapterCommand{
		Command: "node",
		Args: []string{
			d.opts.VsdbgBridgePath,
			"--vsdbg", d.ResolveExecutablePath(p.ExecutablePath),
			"--host", p.AdapterHost,
			"--port", strconv.Itoa(p.AdapterPort),
		},
	}, nil
}

// IsInternalFrame reports frames without source and framework frames.
func (d *dotnetPolicy) IsInternalFrame(f types.StackFrame) bool {
	return f.File == "" ||
		strings.HasPrefix(f.Name, "System.") ||
		strings.HasPrefix(f.Name, "Microsoft.")
}

func (d *dotnetPolicy) FilterStackFrames(frames []types.StackFrame, includeInternals bool) []types.StackFrame {
	if includeInternals {
		return frames
	}
	return filterFrames(frames, d.IsInternalFrame)
}

// ExtractLocalVariables hides compiler-generated locals.
func (d *dotnetPolicy) ExtractLocalVariables(frames []types.StackFrame, scopes map[int][]dap.Scope, vars map[int][]types.Variable, includeSpecial bool) []types.Variable {
	if includeSpecial {
		return extractLocals(frames, scopes, vars, d.scopeNames, d.anyScope, nil)
	}
	return extractLocals(frames, scopes, vars, d.scopeNames, d.anyScope, func(v types.Variable) bool {
		return !strings.HasPrefix(v.Name, "<>") &&
			!strings.HasPrefix(v.Name, "CS$<>") &&
			!strings.HasPrefix(v.Name, "$VB$")
	})
}

func (d *dotnetPolicy) DapClientBehavior() DapClientBehavior {
	return standardBehavior()
}
