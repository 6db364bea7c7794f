package launchconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
)

var variablePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Context supplies the values of the ${...} variables.
type Context struct {
	WorkspaceFolder string
	// File is the "current file", normally the script being debugged.
	File   string
	Inputs map[string]string
	Getenv func(string) string
}

func (c *Context) getenv(key string) string {
	if c.Getenv != nil {
		return c.Getenv(key)
	}
	return os.Getenv(key)
}

// MissingInputsError lists ${input:...} variables without a value.
type MissingInputsError struct {
	Inputs []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("missing values for inputs: %s", strings.Join(e.Inputs, ", "))
}

// Resolve returns a copy of cfg with every variable in its strings expanded.
// Inputs without a value fall back to the input's declared default; any that
// remain unresolved are reported together.
func (f *File) Resolve(cfg map[string]any, ctx Context) (map[string]any, error) {
	if ctx.WorkspaceFolder == "" && f.Path != "" {
		ctx.WorkspaceFolder = f.WorkspaceFolder()
	}
	inputs := make(map[string]string, len(f.Inputs)+len(ctx.Inputs))
	for _, in := range f.Inputs {
		if in.Default != "" {
			inputs[in.ID] = in.Default
		}
	}
	for k, v := range ctx.Inputs {
		inputs[k] = v
	}
	ctx.Inputs = inputs

	r := &resolver{ctx: ctx, missing: map[string]struct{}{}}
	out, _ := r.value(cfg).(map[string]any)
	if len(r.missing) > 0 {
		names := make([]string, 0, len(r.missing))
		for n := range r.missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, &MissingInputsError{Inputs: names}
	}
	if r.err != nil {
		return nil, r.err
	}
	return out, nil
}

type resolver struct {
	ctx     Context
	missing map[string]struct{}
	err     error
}

func (r *resolver) value(v any) any {
	switch t := v.(type) {
	case string:
		return r.expand(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = r.value(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = r.value(e)
		}
		return out
	default:
		return v
	}
}

func (r *resolver) expand(text string) string {
	return variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		expr := match[2 : len(match)-1]
		val, err := r.variable(expr)
		if err != nil {
			if r.err == nil {
				r.err = err
			}
			return match
		}
		return val
	})
}

func (r *resolver) variable(expr string) (string, error) {
	ctx := r.ctx
	switch {
	case expr == "workspaceFolder", expr == "workspaceRoot":
		return ctx.WorkspaceFolder, nil
	case expr == "workspaceFolderBasename":
		return filepath.Base(ctx.WorkspaceFolder), nil
	case expr == "file":
		return ctx.File, nil
	case expr == "fileBasename":
		return filepath.Base(ctx.File), nil
	case expr == "fileDirname":
		return filepath.Dir(ctx.File), nil
	case expr == "fileExtname":
		return filepath.Ext(ctx.File), nil
	case expr == "fileBasenameNoExtension":
		base := filepath.Base(ctx.File)
		return strings.TrimSuffix(base, filepath.Ext(base)), nil
	case expr == "relativeFile":
		if rel, err := filepath.Rel(ctx.WorkspaceFolder, ctx.File); err == nil && ctx.WorkspaceFolder != "" {
			return rel, nil
		}
		return ctx.File, nil
	case expr == "userHome":
		return homedir.Dir()
	case expr == "cwd":
		return os.Getwd()
	case expr == "pathSeparator", expr == "/":
		return string(os.PathSeparator), nil
	case strings.HasPrefix(expr, "env:"):
		return ctx.getenv(strings.TrimPrefix(expr, "env:")), nil
	case strings.HasPrefix(expr, "input:"):
		id := strings.TrimPrefix(expr, "input:")
		if v, ok := ctx.Inputs[id]; ok {
			return v, nil
		}
		r.missing[id] = struct{}{}
		return "${" + expr + "}", nil
	default:
		return "", fmt.Errorf("unsupported variable: ${%s}", expr)
	}
}
