package policy

import (
	"path/filepath"
	"strings"

	"github.com/google/go-dap"

	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/pkg/types"
)

type goPolicy struct {
	base
}

// NewGo returns the Delve policy.
func NewGo(opts Options) Policy {
	return &goPolicy{base{
		name:        "go",
		language:    types.LanguageGo,
		adapterType: "dlv-dap",
		scopeNames:  []string{"Locals", "Local"},
		opts:        opts,
	}}
}

func (g *goPolicy) MatchesAdapter(cmd ipc.AdapterCommand) bool {
	command, args := commandLine(cmd)
	return strings.Contains(filepath.Base(command), "dlv") ||
		strings.Contains(args, "dlv dap") ||
		strings.Contains(args, "delve")
}

// ResolveExecutablePath prefers the given path, then DLV_PATH, then the
// configured path, then dlv on PATH.
func (g *goPolicy) ResolveExecutablePath(preferred string) string {
	if preferred != "" {
		return preferred
	}
	if v := g.opts.getenv("DLV_PATH"); v != "" {
		return v
	}
	if v := g.opts.executable(types.LanguageGo); v != "" {
		return v
	}
	return "dlv"
}

func (g *goPolicy) DebuggerConfiguration() DebuggerConfiguration {
	return DebuggerConfiguration{SupportsVariableType: true}
}

func (g *goPolicy) AdapterSpawnConfig(p *ipc.InitPayload) (*ipc.AdapterCommand, error) {
	if cmd := explicitCommand(p); cmd != nil {
		return cmd, nil
	}
	return &ipc.AdapterCommand{
		Command: g.ResolveExecutablePath(p.ExecutablePath),
		Args: []string{
			"dap",
			"--listen", hostPort(p),
			"--log",
			"--log-output", "dap",
			"--log-dest", p.LogDir,
		},
	}, nil
}

func (g *goPolicy) IsInternalFrame(f types.StackFrame) bool {
	return strings.Contains(f.File, "/runtime/") || strings.Contains(f.File, "/testing/")
}

func (g *goPolicy) FilterStackFrames(frames []types.StackFrame, includeInternals bool) []types.StackFrame {
	if includeInternals {
		return frames
	}
	return filterFrames(frames, g.IsInternalFrame)
}

func (g *goPolicy) ExtractLocalVariables(frames []types.StackFrame, scopes map[int][]dap.Scope, vars map[int][]types.Variable, includeSpecial bool) []types.Variable {
	if includeSpecial {
		return extractLocals(frames, scopes, vars, g.scopeNames, g.anyScope, nil)
	}
	return extractLocals(frames, scopes, vars, g.scopeNames, g.anyScope, func(v types.Variable) bool {
		return !strings.HasPrefix(v.Name, "_") || v.Name == "_"
	})
}

func (g *goPolicy) DapClientBehavior() DapClientBehavior {
	return standardBehavior()
}
