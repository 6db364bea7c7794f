package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerTools() {
	// Session management
	s.registerDebugStart()
	s.registerDebugStop()
	s.registerDebugListSessions()

	// Traffic
	s.registerDebugRequest()
	s.registerDebugEvents()

	// Inspection
	s.registerDebugStack()
	s.registerDebugLocals()
}

func (s *Server) registerDebugStart() {
	tool := mcp.NewTool("debug_start",
		mcp.WithDescription("Start a proxied debug session. Can use direct arguments OR reference a VS Code launch.json configuration. Returns sessionId needed for all other tools. Returns once the adapter is configured and the program launched."),
		mcp.WithString("language",
			mcp.Description("Programming language: python, go, javascript, typescript, java, rust, or dotnet. Not required if configName is provided."),
		),
		mcp.WithString("program",
			mcp.Description("Path to the script or program to debug. Not required if configName is provided."),
		),
		mcp.WithString("args",
			mcp.Description("JSON array of program arguments, e.g. [\"--verbose\", \"input.txt\"]"),
		),
		mcp.WithBoolean("stopOnEntry",
			mcp.Description("Stop on entry point (default: adapter default)"),
		),
		mcp.WithBoolean("justMyCode",
			mcp.Description("Only step through user code (default: adapter default)"),
		),
		mcp.WithString("breakpoints",
			mcp.Description("JSON array of initial breakpoints: [{file: string, line: number, condition?: string}]"),
		),
		mcp.WithString("executable",
			mcp.Description("Interpreter or runtime to use, e.g. '/path/to/venv/bin/python'"),
		),
		mcp.WithString("host",
			mcp.Description("Host the debug adapter listens on (default: 127.0.0.1)"),
		),
		mcp.WithNumber("port",
			mcp.Description("Port the debug adapter listens on (default: a free port)"),
		),
		mcp.WithBoolean("dryRun",
			mcp.Description("Only report the adapter command that would be run (default: false)"),
		),
		// Launch.json configuration support
		mcp.WithString("configPath",
			mcp.Description("Path to launch.json file. Auto-discovers from workspace if not provided."),
		),
		mcp.WithString("configName",
			mcp.Description("Name of configuration in launch.json to use. If provided, loads settings from launch.json."),
		),
		mcp.WithString("workspace",
			mcp.Description("Workspace root for variable resolution (e.g., ${workspaceFolder}) and config discovery."),
		),
		mcp.WithString("inputValues",
			mcp.Description("JSON object with values for ${input:} variables in launch.json. Example: {\"testFile\": \"test_main.py\"}"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugStart)
}

func (s *Server) registerDebugStop() {
	tool := mcp.NewTool("debug_stop",
		mcp.WithDescription("Stop a debug session and its worker process"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID to stop"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugStop)
}

func (s *Server) registerDebugListSessions() {
	tool := mcp.NewTool("debug_list_sessions",
		mcp.WithDescription("List all active debug sessions"),
	)
	s.mcpServer.AddTool(tool, s.handleDebugListSessions)
}

func (s *Server) registerDebugRequest() {
	tool := mcp.NewTool("debug_request",
		mcp.WithDescription("Send one Debug Adapter Protocol request to the session's adapter and return its response. Any DAP command is accepted, e.g. 'threads', 'continue', 'next', 'evaluate', 'setBreakpoints'."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The DAP command name"),
		),
		mcp.WithString("arguments",
			mcp.Description("JSON object with the DAP request arguments, e.g. {\"threadId\": 1}"),
		),
		mcp.WithNumber("timeoutMs",
			mcp.Description("Request timeout in milliseconds (default: server setting)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugRequest)
}

func (s *Server) registerDebugEvents() {
	tool := mcp.NewTool("debug_events",
		mcp.WithDescription("Read the notifications of a session (stopped, continued, output, exit, ...) newer than a sequence number. Pass the returned nextSeq minus one as 'since' to continue reading."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithNumber("since",
			mcp.Description("Only return events with a greater sequence number (default: 0)"),
		),
		mcp.WithNumber("waitMs",
			mcp.Description("Wait up to this many milliseconds for a new event when none is buffered (default: 0)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugEvents)
}

func (s *Server) registerDebugStack() {
	tool := mcp.NewTool("debug_stack",
		mcp.WithDescription("Get the call stack of a stopped thread. Frames inside the debugger and language runtime are removed unless includeInternals is set."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithNumber("threadId",
			mcp.Description("Thread ID (default: the thread that last stopped)"),
		),
		mcp.WithNumber("levels",
			mcp.Description("Maximum stack depth to request (default: 20)"),
		),
		mcp.WithBoolean("includeInternals",
			mcp.Description("Keep debugger and runtime frames (default: false)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugStack)
}

func (s *Server) registerDebugLocals() {
	tool := mcp.NewTool("debug_locals",
		mcp.WithDescription("Get the local variables of the top user frame of a stopped thread."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithNumber("threadId",
			mcp.Description("Thread ID (default: the thread that last stopped)"),
		),
		mcp.WithBoolean("includeSpecial",
			mcp.Description("Keep special variables such as dunder names and return values (default: false)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugLocals)
}
