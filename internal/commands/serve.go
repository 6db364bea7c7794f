package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctagard/dap-proxy/internal/mcp"
	"github.com/ctagard/dap-proxy/internal/version"
)

const shutdownTimeout = 10 * time.Second

type serveFlagData struct {
	metricsAddr string
	eventBuffer int
}

var serveFlags serveFlagData

func NewServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves debug sessions to MCP clients over stdio",
		Long: `Serves debug sessions to MCP clients over stdio.

The tools debug_start, debug_request, debug_events, debug_stack, debug_locals,
debug_stop and debug_list_sessions are registered. Logs go to stderr.`,
		RunE: serve,
		Args: cobra.NoArgs,
	}

	serveCmd.Flags().StringVar(&serveFlags.metricsAddr, "metrics-addr", "", "If set, serve prometheus metrics on this address, e.g. 127.0.0.1:9464")
	serveCmd.Flags().IntVar(&serveFlags.eventBuffer, "event-buffer", 1000, "Number of session notifications kept for debug_events")
	return serveCmd
}

func serve(cmd *cobra.Command, _ []string) error {
	h, err := newHost(cmd, 0)
	if err != nil {
		return err
	}
	defer h.logger.Flush()
	log := h.log.WithName("serve")

	srv := mcp.NewServer(mcp.Options{
		Sessions:    h.sessions,
		Policies:    h.policies,
		Log:         h.log.WithName("mcp"),
		EventBuffer: serveFlags.eventBuffer,
	})

	var metricsSrv *http.Server
	if serveFlags.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", h.metrics.Handler())
		metricsSrv = &http.Server{Addr: serveFlags.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(err, "Metrics server failed", "addr", serveFlags.metricsAddr)
			}
		}()
		log.Info("Serving metrics", "addr", serveFlags.metricsAddr)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ServeStdio()
	}()
	log.Info("dap-proxy MCP server starting", "version", version.Version, "maxSessions", h.cfg.MaxSessions)

	select {
	case err = <-serveErr:
	case <-cmd.Context().Done():
		log.Info("Shutting down...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Close(ctx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	return err
}
