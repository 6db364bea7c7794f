package policy

import (
	"slices"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/pkg/types"
)

// pythonKeptDunders survive the special-variable filter.
var pythonKeptDunders = []string{"__name__", "__file__", "__doc__"}

type pythonPolicy struct {
	base
}

// NewPython returns the debugpy policy.
func NewPython(opts Options) Policy {
	return &pythonPolicy{base{
		name:        "python",
		language:    types.LanguagePython,
		adapterType: "debugpy",
		scopeNames:  []string{"Locals", "Local"},
		opts:        opts,
	}}
}

func (p *pythonPolicy) MatchesAdapter(cmd ipc.AdapterCommand) bool {
	command, args := commandLine(cmd)
	return strings.Contains(args, "debugpy") || strings.Contains(command, "debugpy")
}

func (p *pythonPolicy) ResolveExecutablePath(preferred string) string {
	if preferred != "" {
		return preferred
	}
	if v := p.opts.getenv("PYTHON_PATH"); v != "" {
		return v
	}
	if v := p.opts.executable(types.LanguagePython); v != "" {
		return v
	}
	return "python3"
}

func (p *pythonPolicy) DebuggerConfiguration() DebuggerConfiguration {
	return DebuggerConfiguration{SupportsVariableType: true}
}

func (p *pythonPolicy) AdapterSpawnConfig(payload *ipc.InitPayload) (*ipc.AdapterCommand, error) {
	if cmd := explicitCommand(payload); cmd != nil {
		return cmd, nil
	}
	return &ipc.AdapterCommand{
		Command: p.ResolveExecutablePath(payload.ExecutablePath),
		Args: []string{
			"-m", "debugpy.adapter",
			"--host", payload.AdapterHost,
			"--port", strconv.Itoa(payload.AdapterPort),
			"--log-dir", payload.LogDir,
		},
	}, nil
}

func (p *pythonPolicy) ExtractLocalVariables(frames []types.StackFrame, scopes map[int][]dap.Scope, vars map[int][]types.Variable, includeSpecial bool) []types.Variable {
	if includeSpecial {
		return extractLocals(frames, scopes, vars, p.scopeNames, p.anyScope, nil)
	}
	return extractLocals(frames, scopes, vars, p.scopeNames, p.anyScope, func(v types.Variable) bool {
		name := v.Name
		switch {
		case name == "special variables" || name == "function variables":
			return false
		case strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__"):
			return slices.Contains(pythonKeptDunders, name)
		case strings.HasPrefix(name, "_pydev") || name == "_":
			return false
		}
		return true
	})
}

func (p *pythonPolicy) DapClientBehavior() DapClientBehavior {
	return standardBehavior()
}
