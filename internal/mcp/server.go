// Package mcp exposes proxied debug sessions as Model Context Protocol tools.
//
// Sessions are started and stopped through the session registry and DAP
// requests pass through unchanged. The notifications of each session are
// buffered so that clients can poll them.
//
// Session management:
//   - debug_start: start a proxied session, directly or from launch.json
//   - debug_stop: end a session
//   - debug_list_sessions: list active sessions
//
// Traffic:
//   - debug_request: send one DAP request and return the adapter's response
//   - debug_events: read buffered session notifications
//
// Inspection:
//   - debug_stack: stack trace with adapter-internal frames removed
//   - debug_locals: local variables of the top user frame
package mcp

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ctagard/dap-proxy/internal/manager"
	"github.com/ctagard/dap-proxy/internal/policy"
	"github.com/ctagard/dap-proxy/internal/version"
)

const defaultEventBuffer = 1000

// Options configures a Server.
type Options struct {
	Sessions *manager.Registry
	Policies *policy.Registry
	Log      logr.Logger
	// EventBuffer caps the notifications kept per session.
	EventBuffer int
	// Getenv resolves ${env:...} in launch configurations. Defaults to os.Getenv.
	Getenv func(string) string
}

// Server wraps the MCP server with debugging capabilities
type Server struct {
	mcpServer *server.MCPServer
	sessions  *manager.Registry
	policies  *policy.Registry
	log       logr.Logger
	opts      Options

	mu     sync.Mutex
	events map[string]*eventLog
}

// NewServer creates a new dap-proxy MCP server
func NewServer(opts Options) *Server {
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Policies == nil {
		opts.Policies = policy.NewRegistry(policy.Options{})
	}

	mcpServer := server.NewMCPServer(
		"dap-proxy",
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		sessions:  opts.Sessions,
		policies:  opts.Policies,
		log:       opts.Log,
		opts:      opts,
		events:    make(map[string]*eventLog),
	}
	s.registerTools()
	return s
}

// ServeStdio starts the server using stdio transport
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Close stops every session.
func (s *Server) Close(ctx context.Context) {
	s.sessions.Close(ctx)
}
