// Package config provides configuration management for the DAP proxy.
//
// Configuration controls:
//   - Process layout: where the worker binary lives, where logs go
//   - Timeouts: per-request deadlines, startup and shutdown grace periods
//   - Adapter connection: how long to wait for a spawned adapter to listen
//   - Language-specific adapter settings: executable paths per debugger
//   - Safety limits: maximum sessions
//
// Values come from defaults, an optional YAML or JSON file, DAP_PROXY_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ctagard/dap-proxy/internal/dap"
	"github.com/ctagard/dap-proxy/internal/policy"
	"github.com/ctagard/dap-proxy/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. DAP_PROXY_LOGLEVEL.
const EnvPrefix = "DAP_PROXY"

// Config holds the proxy configuration
type Config struct {
	// WorkerPath is the proxy worker executable started per session.
	WorkerPath string `mapstructure:"workerPath" json:"workerPath"`
	LogLevel   string `mapstructure:"logLevel" json:"logLevel"`
	LogDir     string `mapstructure:"logDir" json:"logDir"`

	Timeouts Timeouts       `mapstructure:"timeouts" json:"timeouts"`
	Connect  ConnectConfig  `mapstructure:"connect" json:"connect"`
	Adapters AdapterConfigs `mapstructure:"adapters" json:"adapters"`

	// Limits for safety
	MaxSessions int `mapstructure:"maxSessions" json:"maxSessions"`
}

// Timeouts groups every deadline the engine enforces
type Timeouts struct {
	// Request bounds a DAP request inside the worker.
	Request time.Duration `mapstructure:"request" json:"request"`
	// ManagerRequest bounds a DAP request as seen by the host; it is longer
	// than Request so the worker's own timeout response normally wins.
	ManagerRequest time.Duration `mapstructure:"managerRequest" json:"managerRequest"`
	// Init bounds worker startup until the adapter is configured.
	Init time.Duration `mapstructure:"init" json:"init"`
	// StopGrace is how long a stopping worker may take before it is killed.
	StopGrace time.Duration `mapstructure:"stopGrace" json:"stopGrace"`
	// KillGrace separates SIGTERM and SIGKILL for the adapter process group.
	KillGrace time.Duration `mapstructure:"killGrace" json:"killGrace"`
	// Disconnect bounds the DAP disconnect request during shutdown.
	Disconnect time.Duration `mapstructure:"disconnect" json:"disconnect"`
}

// ConnectConfig controls connecting to a freshly spawned adapter
type ConnectConfig struct {
	InitialDelay time.Duration `mapstructure:"initialDelay" json:"initialDelay"`
	Attempts     int           `mapstructure:"attempts" json:"attempts"`
	Interval     time.Duration `mapstructure:"interval" json:"interval"`
}

// AdapterConfigs holds configuration for each language adapter
type AdapterConfigs struct {
	Python PythonConfig `mapstructure:"python" json:"python"`
	Go     DelveConfig  `mapstructure:"go" json:"go"`
	Node   NodeConfig   `mapstructure:"node" json:"node"`
	Java   JavaConfig   `mapstructure:"java" json:"java"`
	Rust   RustConfig   `mapstructure:"rust" json:"rust"`
	Dotnet DotnetConfig `mapstructure:"dotnet" json:"dotnet"`
}

// PythonConfig holds debugpy-specific configuration
type PythonConfig struct {
	PythonPath string `mapstructure:"pythonPath" json:"pythonPath"`
}

// DelveConfig holds Delve-specific configuration
type DelveConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// NodeConfig holds Node.js-specific configuration
type NodeConfig struct {
	NodePath    string `mapstructure:"nodePath" json:"nodePath"`
	JsDebugPath string `mapstructure:"jsDebugPath" json:"jsDebugPath"` // Path to vscode-js-debug's dapDebugServer.js
}

// JavaConfig holds JDB bridge configuration
type JavaConfig struct {
	JavaPath string `mapstructure:"javaPath" json:"javaPath"`
}

// RustConfig holds CodeLLDB configuration
type RustConfig struct {
	CargoPath string `mapstructure:"cargoPath" json:"cargoPath"`
}

// DotnetConfig holds vsdbg configuration
type DotnetConfig struct {
	VsdbgPath  string `mapstructure:"vsdbgPath" json:"vsdbgPath"`
	BridgePath string `mapstructure:"bridgePath" json:"bridgePath"` // TCP bridge script fronting vsdbg
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		WorkerPath:  "dap-proxy-worker",
		LogLevel:    "info",
		MaxSessions: 10,
		Timeouts: Timeouts{
			Request:        30 * time.Second,
			ManagerRequest: 35 * time.Second,
			Init:           30 * time.Second,
			StopGrace:      5 * time.Second,
			KillGrace:      300 * time.Millisecond,
			Disconnect:     time.Second,
		},
		Connect: ConnectConfig{
			InitialDelay: 500 * time.Millisecond,
			Attempts:     60,
			Interval:     200 * time.Millisecond,
		},
		Adapters: AdapterConfigs{
			Python: PythonConfig{PythonPath: "python3"},
			Go:     DelveConfig{Path: "dlv"},
			Node:   NodeConfig{NodePath: "node"},
			Java:   JavaConfig{JavaPath: "java"},
			Dotnet: DotnetConfig{VsdbgPath: "vsdbg"},
		},
	}
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"worker":          "workerPath",
	"log-level":       "logLevel",
	"log-dir":         "logDir",
	"max-sessions":    "maxSessions",
	"request-timeout": "timeouts.request",
	"init-timeout":    "timeouts.init",
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("config", "", "Path to a YAML or JSON configuration file")
	fs.String("worker", d.WorkerPath, "Path to the dap-proxy-worker executable")
	fs.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	fs.String("log-dir", d.LogDir, "Directory for log files (stderr only when empty)")
	fs.Int("max-sessions", d.MaxSessions, "Maximum number of concurrent sessions")
	fs.Duration("request-timeout", d.Timeouts.Request, "Timeout for a single DAP request")
	fs.Duration("init-timeout", d.Timeouts.Init, "Timeout for adapter startup")
}

// Load builds the configuration from defaults, the file at path (optional),
// the environment and the flags that were explicitly set.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else if dir, err := ConfigDir(); err == nil {
		v.SetConfigName("config")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	if fs != nil {
		for flag, key := range flagKeys {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigDir returns the directory searched for config.yaml when no file is
// given explicitly.
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".dap-proxy"), nil
}

// expandPaths resolves a leading ~ in path settings.
func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.WorkerPath,
		&c.LogDir,
		&c.Adapters.Node.JsDebugPath,
		&c.Adapters.Dotnet.BridgePath,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %s: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("workerPath", d.WorkerPath)
	v.SetDefault("logLevel", d.LogLevel)
	v.SetDefault("logDir", d.LogDir)
	v.SetDefault("maxSessions", d.MaxSessions)

	v.SetDefault("timeouts.request", d.Timeouts.Request)
	v.SetDefault("timeouts.managerRequest", d.Timeouts.ManagerRequest)
	v.SetDefault("timeouts.init", d.Timeouts.Init)
	v.SetDefault("timeouts.stopGrace", d.Timeouts.StopGrace)
	v.SetDefault("timeouts.killGrace", d.Timeouts.KillGrace)
	v.SetDefault("timeouts.disconnect", d.Timeouts.Disconnect)

	v.SetDefault("connect.initialDelay", d.Connect.InitialDelay)
	v.SetDefault("connect.attempts", d.Connect.Attempts)
	v.SetDefault("connect.interval", d.Connect.Interval)

	v.SetDefault("adapters.python.pythonPath", d.Adapters.Python.PythonPath)
	v.SetDefault("adapters.go.path", d.Adapters.Go.Path)
	v.SetDefault("adapters.node.nodePath", d.Adapters.Node.NodePath)
	v.SetDefault("adapters.node.jsDebugPath", d.Adapters.Node.JsDebugPath)
	v.SetDefault("adapters.java.javaPath", d.Adapters.Java.JavaPath)
	v.SetDefault("adapters.rust.cargoPath", d.Adapters.Rust.CargoPath)
	v.SetDefault("adapters.dotnet.vsdbgPath", d.Adapters.Dotnet.VsdbgPath)
	v.SetDefault("adapters.dotnet.bridgePath", d.Adapters.Dotnet.BridgePath)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkerPath == "" {
		errs = append(errs, errors.New("workerPath must not be empty"))
	}
	if c.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("maxSessions must be positive, got %d", c.MaxSessions))
	}
	durations := map[string]time.Duration{
		"timeouts.request":        c.Timeouts.Request,
		"timeouts.managerRequest": c.Timeouts.ManagerRequest,
		"timeouts.init":           c.Timeouts.Init,
		"timeouts.stopGrace":      c.Timeouts.StopGrace,
		"timeouts.killGrace":      c.Timeouts.KillGrace,
		"timeouts.disconnect":     c.Timeouts.Disconnect,
		"connect.interval":        c.Connect.Interval,
	}
	for _, key := range sortedKeys(durations) {
		if durations[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, durations[key]))
		}
	}
	if c.Connect.InitialDelay < 0 {
		errs = append(errs, fmt.Errorf("connect.initialDelay must not be negative, got %s", c.Connect.InitialDelay))
	}
	if c.Connect.Attempts < 1 {
		errs = append(errs, fmt.Errorf("connect.attempts must be positive, got %d", c.Connect.Attempts))
	}
	if c.LogDir != "" {
		if info, err := os.Stat(c.LogDir); err == nil && !info.IsDir() {
			errs = append(errs, fmt.Errorf("logDir %s is not a directory", c.LogDir))
		}
	}
	return errors.Join(errs...)
}

// PolicyOptions converts the adapter settings for the policy registry.
func (c *Config) PolicyOptions() policy.Options {
	a := c.Adapters
	return policy.Options{
		Executables: map[types.Language]string{
			types.LanguagePython:     a.Python.PythonPath,
			types.LanguageGo:         a.Go.Path,
			types.LanguageJavaScript: a.Node.NodePath,
			types.LanguageTypeScript: a.Node.NodePath,
			types.LanguageJava:       a.Java.JavaPath,
			types.LanguageRust:       a.Rust.CargoPath,
			types.LanguageDotnet:     a.Dotnet.VsdbgPath,
		},
		JSDebugPath:     a.Node.JsDebugPath,
		VsdbgBridgePath: a.Dotnet.BridgePath,
	}
}

// ConnectOptions converts the connection settings for the DAP dialer.
func (c *Config) ConnectOptions() dap.ConnectOptions {
	opts := dap.DefaultConnectOptions()
	opts.InitialDelay = c.Connect.InitialDelay
	opts.Attempts = c.Connect.Attempts
	opts.Interval = c.Connect.Interval
	return opts
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
