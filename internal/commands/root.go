// Package commands implements the dap-proxy command line.
package commands

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ctagard/dap-proxy/internal/config"
	"github.com/ctagard/dap-proxy/internal/logging"
	"github.com/ctagard/dap-proxy/internal/manager"
	"github.com/ctagard/dap-proxy/internal/metrics"
	"github.com/ctagard/dap-proxy/internal/policy"
)

// NewRootCmd builds the dap-proxy command tree.
func NewRootCmd() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "dap-proxy",
		Short: "Runs debug adapters behind per-session proxy workers",
		Long: `dap-proxy starts one worker process per debug session. The worker spawns
the debug adapter for the session's language, drives the DAP handshake and
relays requests, responses and events between the adapter and dap-proxy.

Sessions are exposed to MCP clients by the serve command.`,
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewDryRunCommand())
	rootCmd.AddCommand(NewVersionCommand())
	return rootCmd, nil
}

// host is the state shared by the commands that run sessions.
type host struct {
	cfg      *config.Config
	logger   *logging.Logger
	log      logr.Logger
	metrics  *metrics.Metrics
	policies *policy.Registry
	sessions *manager.Registry
}

func newHost(cmd *cobra.Command, maxSessions int) (*host, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger := logging.New("dap-proxy", logging.Options{Level: cfg.LogLevel, Dir: cfg.LogDir})
	log := logger.Logger

	workerPath, err := resolveWorkerPath(cfg.WorkerPath)
	if err != nil {
		logger.Flush()
		return nil, err
	}

	if maxSessions <= 0 {
		maxSessions = cfg.MaxSessions
	}
	h := &host{
		cfg:      cfg,
		logger:   logger,
		log:      log,
		metrics:  metrics.New(),
		policies: policy.NewRegistry(cfg.PolicyOptions()),
	}
	h.sessions = manager.NewRegistry(manager.RegistryOptions{
		Spawner: &manager.ExecSpawner{
			Path: workerPath,
			Args: workerArgs(configPath, cfg),
			Log:  log.WithName("spawner"),
		},
		Policies:    h.policies,
		Log:         log.WithName("sessions"),
		Metrics:     h.metrics,
		MaxSessions: maxSessions,
		LogDir:      cfg.LogDir,
		Manager: manager.Options{
			InitTimeout:    cfg.Timeouts.Init,
			RequestTimeout: cfg.Timeouts.ManagerRequest,
			StopGrace:      cfg.Timeouts.StopGrace,
		},
	})
	return h, nil
}

// workerArgs forwards the host configuration to every worker.
func workerArgs(configPath string, cfg *config.Config) []string {
	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return append(args,
		"--log-level", cfg.LogLevel,
		"--request-timeout", cfg.Timeouts.Request.String(),
		"--init-timeout", cfg.Timeouts.Init.String(),
	)
}

// resolveWorkerPath finds a bare worker name next to the running executable
// first, then on PATH.
func resolveWorkerPath(path string) (string, error) {
	if filepath.IsAbs(path) || filepath.Base(path) != path {
		return path, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), path)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	found, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("worker executable %q not found: %w", path, err)
	}
	return found, nil
}
