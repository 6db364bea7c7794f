// Package launchconfig reads VS Code launch.json files and turns one of their
// configurations into the launch configuration of a proxied session.
package launchconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	// FileName is the standard name of the VS Code launch configuration file.
	FileName = "launch.json"
	// DirName is the VS Code configuration directory.
	DirName = ".vscode"
)

// File is a parsed launch.json. Configurations are kept as raw objects; every
// adapter understands a different set of keys.
type File struct {
	Path           string           `json:"-"`
	Version        string           `json:"version"`
	Configurations []map[string]any `json:"configurations"`
	Inputs         []Input          `json:"inputs,omitempty"`
}

// Input declares an ${input:id} variable.
type Input struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Default string `json:"default,omitempty"`
}

// Load reads the launch.json at path. Line comments and trailing commas, both
// common in hand-edited files, are tolerated.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read launch.json: %w", err)
	}

	var f File
	if err := json.Unmarshal(stripJSONC(data), &f); err != nil {
		return nil, fmt.Errorf("failed to parse launch.json: %w", err)
	}
	f.Path = path
	return &f, nil
}

// Discover looks for .vscode/launch.json in start and its parents.
func Discover(start string) (string, error) {
	if start == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		start = cwd
	}
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		abs = filepath.Dir(abs)
	}

	for current := abs; ; {
		candidate := filepath.Join(current, DirName, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", fmt.Errorf("no %s/%s found in %s or parent directories", DirName, FileName, start)
}

// LoadOrDiscover loads path when set, otherwise the launch.json found from
// workspace.
func LoadOrDiscover(path, workspace string) (*File, error) {
	if path == "" {
		var err error
		if path, err = Discover(workspace); err != nil {
			return nil, err
		}
	}
	return Load(path)
}

// WorkspaceFolder is the folder containing the .vscode directory.
func (f *File) WorkspaceFolder() string {
	dir := filepath.Dir(f.Path)
	if filepath.Base(dir) == DirName {
		return filepath.Dir(dir)
	}
	return dir
}

// Find returns the configuration called name.
func (f *File) Find(name string) (map[string]any, error) {
	for _, c := range f.Configurations {
		if n, _ := c["name"].(string); n == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("configuration %q not found (available: %v)", name, f.Names())
}

// Names lists the configuration names, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Configurations))
	for _, c := range f.Configurations {
		if n, ok := c["name"].(string); ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// stripJSONC drops // comments outside strings and commas directly before a
// closing bracket.
func stripJSONC(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString, escaped := false, false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			if i < len(data) {
				out = append(out, '\n')
			}
		case c == '}' || c == ']':
			j := len(out) - 1
			for j >= 0 && (out[j] == ' ' || out[j] == '\t' || out[j] == '\n' || out[j] == '\r') {
				j--
			}
			if j >= 0 && out[j] == ',' {
				out = append(out[:j], out[j+1:]...)
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}
