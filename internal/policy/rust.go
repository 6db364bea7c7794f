package policy

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/pkg/types"
)

var rustHiddenPrefixes = []string{"$", "__", "_lldb", "_debug"}

type rustPolicy struct {
	base
}

// NewRust returns the CodeLLDB policy.
func NewRust(opts Options) Policy {
	return &rustPolicy{base{
		name:        "rust",
		language:    types.LanguageRust,
		adapterType: "lldb",
		scopeNames:  []string{"Local", "Locals"},
		opts:        opts,
	}}
}

func (r *rustPolicy) MatchesAdapter(cmd ipc.AdapterCommand) bool {
	command, args := commandLine(cmd)
	command = filepath.Base(command)
	return strings.Contains(command, "codelldb") ||
		strings.Contains(command, "lldb-server") ||
		strings.Contains(args, "lldb")
}

// ResolveExecutablePath returns the cargo binary to build with; empty means
// the host should detect it.
func (r *rustPolicy) ResolveExecutablePath(preferred string) string {
	if preferred != "" {
		return preferred
	}
	if v := r.opts.getenv("CARGO_PATH"); v != "" {
		return v
	}
	return r.opts.executable(types.LanguageRust)
}

func (r *rustPolicy) DebuggerConfiguration() DebuggerConfiguration {
	return DebuggerConfiguration{SupportsVariableType: true}
}

func (r *rustPolicy) AdapterSpawnConfig(p *ipc.InitPayload) (*ipc.AdapterCommand, error) {
	if cmd := explicitCommand(p); cmd != nil {
		return cmd, nil
	}
	codelldb := r.opts.getenv("CODELLDB_PATH")
	if codelldb == "" {
		codelldb = "codelldb"
	}
	return &ipc.AdapterCommand{
		Command: codelldb,
		Args:    []string{"--port", strconv.Itoa(p.AdapterPort)},
	}, nil
}

func (r *rustPolicy) ExtractLocalVariables(frames []types.StackFrame, scopes map[int][]dap.Scope, vars map[int][]types.Variable, includeSpecial bool) []types.Variable {
	if includeSpecial {
		return extractLocals(frames, scopes, vars, r.scopeNames, r.anyScope, nil)
	}
	return extractLocals(frames, scopes, vars, r.scopeNames, r.anyScope, func(v types.Variable) bool {
		for _, prefix := range rustHiddenPrefixes {
			if strings.HasPrefix(v.Name, prefix) {
				return false
			}
		}
		return true
	})
}

func (r *rustPolicy) DapClientBehavior() DapClientBehavior {
	return standardBehavior()
}
