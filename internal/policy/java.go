package policy

import (
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/go-dap"

	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/pkg/types"
)

type javaPolicy struct {
	base
}

// NewJava returns the JDB bridge policy. Java sessions always carry an
// explicit adapter command, so the base spawn behavior applies.
func NewJava(opts Options) Policy {
	return &javaPolicy{base{
		name:        "java",
		language:    types.LanguageJava,
		adapterType: "java",
		scopeNames:  []string{"Local", "Locals"},
		opts:        opts,
	}}
}

func (j *javaPolicy) MatchesAdapter(cmd ipc.AdapterCommand) bool {
	_, args := commandLine(cmd)
	return strings.Contains(args, "jdb")
}

func (j *javaPolicy) ResolveExecutablePath(preferred string) string {
	if preferred != "" {
		return preferred
	}
	if home := j.opts.getenv("JAVA_HOME"); home != "" {
		bin := "java"
		if runtime.GOOS == "windows" {
			bin = "java.exe"
		}
		return filepath.Join(home, "bin", bin)
	}
	if v := j.opts.executable(types.LanguageJava); v != "" {
		return v
	}
	return "java"
}

func (j *javaPolicy) DebuggerConfiguration() DebuggerConfiguration {
	return DebuggerConfiguration{SupportsVariableType: true}
}

func (j *javaPolicy) ExtractLocalVariables(frames []types.StackFrame, scopes map[int][]dap.Scope, vars map[int][]types.Variable, includeSpecial bool) []types.Variable {
	if includeSpecial {
		return extractLocals(frames, scopes, vars, j.scopeNames, j.anyScope, nil)
	}
	return extractLocals(frames, scopes, vars, j.scopeNames, j.anyScope, func(v types.Variable) bool {
		return v.Name != "this"
	})
}

func (j *javaPolicy) DapClientBehavior() DapClientBehavior {
	return standardBehavior()
}
