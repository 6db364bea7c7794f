// Command dap-proxy-worker runs one proxied debug session. It is started by
// dap-proxy, reads commands from stdin and writes messages to stdout, one JSON
// object per line. Logs go to stderr and, with --log-dir, to a file.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ctagard/dap-proxy/internal/config"
	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/internal/logging"
	"github.com/ctagard/dap-proxy/internal/policy"
	"github.com/ctagard/dap-proxy/internal/version"
	"github.com/ctagard/dap-proxy/internal/worker"
	"github.com/ctagard/dap-proxy/pkg/types"
)

const errSetup = 2

type workerFlagData struct {
	sessionID string
	language  string
}

var workerFlags workerFlagData

func main() {
	os.Exit(run())
}

func run() int {
	exitCode := 0
	root := &cobra.Command{
		Use:          "dap-proxy-worker",
		Short:        "Runs one proxied debug adapter session",
		Version:      version.Version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := runWorker(cmd)
			exitCode = code
			return err
		},
	}
	root.CompletionOptions.HiddenDefaultCmd = true

	config.RegisterFlags(root.Flags())
	root.Flags().StringVar(&workerFlags.sessionID, "session-id", "", "Session id used in log lines before init arrives")
	root.Flags().StringVar(&workerFlags.language, "language", "", "Adapter policy language; detected from the init payload when empty")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == 0 {
			exitCode = errSetup
		}
	}
	return exitCode
}

func runWorker(cmd *cobra.Command) (int, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return errSetup, err
	}

	logger := logging.New("dap-proxy-worker", logging.Options{Level: cfg.LogLevel, Dir: cfg.LogDir})
	defer logger.Flush()
	log := logger.WithValues("sessionId", workerFlags.sessionID, "pid", os.Getpid())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := worker.DefaultSettings()
	settings.Language = types.Language(workerFlags.language)
	settings.RequestTimeout = cfg.Timeouts.Request
	settings.Connect = cfg.ConnectOptions()
	settings.KillGrace = cfg.Timeouts.KillGrace
	settings.DisconnectTimeout = cfg.Timeouts.Disconnect

	w := worker.New(worker.Dependencies{
		Sender:   ipc.NewEncoder(os.Stdout),
		Policies: policy.NewRegistry(cfg.PolicyOptions()),
		Log:      log,
	}, settings)

	log.Info("Worker started", "version", version.Version, "logFile", logger.LogFile)
	code := w.Run(ctx, os.Stdin)
	log.Info("Worker exiting", "code", code)
	return code, nil
}
