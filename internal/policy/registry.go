package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/pkg/types"
)

// launchTypes maps a launch configuration "type" to the policy language.
var launchTypes = map[string]types.Language{
	"pwa-node": types.LanguageJavaScript,
	"node":     types.LanguageJavaScript,
	"python":   types.LanguagePython,
	"debugpy":  types.LanguagePython,
	"go":       types.LanguageGo,
	"dlv-dap":  types.LanguageGo,
	"java":     types.LanguageJava,
	"lldb":     types.LanguageRust,
	"coreclr":  types.LanguageDotnet,
}

// Registry holds all registered policies
type Registry struct {
	policies map[types.Language]Policy
	// order is the match order for adapter commands.
	order    []Policy
	fallback Policy
}

// NewRegistry creates a registry with every built-in policy
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		policies: make(map[types.Language]Policy),
		fallback: NewDefault(opts),
	}

	r.Register(NewPython(opts))
	js := NewJSDebug(opts)
	r.Register(js)
	r.policies[types.LanguageTypeScript] = js
	r.Register(NewGo(opts))
	r.Register(NewJava(opts))
	r.Register(NewRust(opts))
	r.Register(NewDotnet(opts))

	return r
}

// Register registers a policy for its language, overriding any existing policy
func (r *Registry) Register(p Policy) {
	if old, ok := r.policies[p.Language()]; ok {
		for i, q := range r.order {
			if q == old {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.policies[p.Language()] = p
	r.order = append(r.order, p)
}

// Get returns the policy for a language
func (r *Registry) Get(lang types.Language) (Policy, error) {
	p, ok := r.policies[types.Language(strings.ToLower(string(lang)))]
	if !ok {
		return nil, fmt.Errorf("no adapter policy registered for language: %s", lang)
	}
	return p, nil
}

// Match returns the first policy recognizing the adapter command.
func (r *Registry) Match(cmd ipc.AdapterCommand) (Policy, bool) {
	for _, p := range r.order {
		if p.MatchesAdapter(cmd) {
			return p, true
		}
	}
	return nil, false
}

// Default returns the fallback policy.
func (r *Registry) Default() Policy {
	return r.fallback
}

// Select picks the policy for an init payload: an explicit language wins,
// then the adapter command, then the executable path, then the launch
// configuration type. A payload without an adapter command falls back to
// debugpy; an unrecognized adapter command gets the default policy.
func (r *Registry) Select(p *ipc.InitPayload, lang types.Language) Policy {
	if lang != "" {
		if pol, err := r.Get(lang); err == nil {
			return pol
		}
	}
	if p == nil {
		return r.fallback
	}
	if p.AdapterCommand != nil {
		if pol, ok := r.Match(*p.AdapterCommand); ok {
			return pol
		}
	}
	if p.ExecutablePath != "" {
		if pol, ok := r.Match(ipc.AdapterCommand{Command: p.ExecutablePath}); ok {
			return pol
		}
	}
	if t, ok := p.LaunchConfig["type"].(string); ok {
		if l, ok := launchTypes[strings.ToLower(t)]; ok {
			return r.policies[l]
		}
	}
	if p.AdapterCommand == nil {
		if pol, ok := r.policies[types.LanguagePython]; ok {
			return pol
		}
	}
	return r.fallback
}

// Languages returns the registered languages, sorted.
func (r *Registry) Languages() []types.Language {
	out := make([]types.Language, 0, len(r.policies))
	for l := range r.policies {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
