package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/go-dap"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ctagard/dap-proxy/internal/errors"
	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/internal/launchconfig"
	"github.com/ctagard/dap-proxy/internal/manager"
	"github.com/ctagard/dap-proxy/internal/policy"
	"github.com/ctagard/dap-proxy/internal/session"
	"github.com/ctagard/dap-proxy/pkg/types"
)

const (
	defaultStackLevels = 20
	dryRunWait         = 5 * time.Second
)

// Session Management Handlers

func (s *Server) handleDebugStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var payload ipc.InitPayload
	lang := types.Language(optionalString(request, "language"))

	if configName := optionalString(request, "configName"); configName != "" {
		cfg, err := s.resolveLaunchConfig(request, configName)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		applyLaunchConfig(&payload, cfg)
	} else if lang == "" {
		return mcp.NewToolResultError(errors.MissingParameter("language",
			fmt.Sprintf("Specify the programming language: %s. Alternatively, use configName to load from launch.json.", s.supportedLanguages())).Error()), nil
	}

	if lang != "" {
		if _, err := s.policies.Get(lang); err != nil {
			return mcp.NewToolResultError(errors.AdapterNotSupported(string(lang), s.languageNames()).Error()), nil
		}
	}

	if program := optionalString(request, "program"); program != "" {
		payload.ScriptPath = program
	}
	if payload.ScriptPath == "" && !isAttach(payload.LaunchConfig) {
		return mcp.NewToolResultError(errors.MissingParameter("program",
			"Specify the path to the script or program to debug, or use configName to load from launch.json.").Error()), nil
	}

	if raw := optionalString(request, "args"); raw != "" {
		var args []string
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return mcp.NewToolResultError(errors.InvalidParameter("args", raw, "JSON array of strings").Error()), nil
		}
		payload.ScriptArgs = args
	}
	if raw := optionalString(request, "breakpoints"); raw != "" {
		var bps []ipc.Breakpoint
		if err := json.Unmarshal([]byte(raw), &bps); err != nil {
			return mcp.NewToolResultError(errors.InvalidParameter("breakpoints", raw, "JSON array of {file, line, condition?}").Error()), nil
		}
		for _, bp := range bps {
			if bp.File == "" || bp.Line <= 0 {
				return mcp.NewToolResultError(errors.InvalidParameter("breakpoints", raw, "every breakpoint needs a file and a positive line").Error()), nil
			}
		}
		payload.InitialBreakpoints = append(payload.InitialBreakpoints, bps...)
	}

	arguments := request.GetArguments()
	if v, ok := arguments["stopOnEntry"].(bool); ok {
		payload.StopOnEntry = &v
	}
	if v, ok := arguments["justMyCode"].(bool); ok {
		payload.JustMyCode = &v
	}
	if exe := optionalString(request, "executable"); exe != "" {
		payload.ExecutablePath = exe
	}
	if host := optionalString(request, "host"); host != "" {
		payload.AdapterHost = host
	}
	if port, err := request.RequireFloat("port"); err == nil {
		if port <= 0 || port > 65535 {
			return mcp.NewToolResultError(errors.InvalidParameter("port", port, "a TCP port between 1 and 65535").Error()), nil
		}
		payload.AdapterPort = int(port)
	}
	payload.DryRunSpawn = request.GetBool("dryRun", false)

	sess, err := s.sessions.Create(ctx, lang, payload)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	log := s.watch(sess)

	if payload.DryRunSpawn {
		// The worker exits on its own; report what it would have run.
		result := map[string]interface{}{
			"sessionId": sess.ID,
			"status":    "dry_run_complete",
			"language":  string(sess.Language),
			"policy":    sess.Policy,
		}
		if rec, ok := log.find(ctx, session.EventDryRunComplete, dryRunWait); ok {
			result["command"] = rec.Command
			result["script"] = rec.Script
		}
		s.forget(sess.ID)
		return jsonResult(result)
	}

	return jsonResult(map[string]interface{}{
		"sessionId": sess.ID,
		"status":    "launched",
		"language":  string(sess.Language),
		"policy":    sess.Policy,
		"program":   sess.Script,
	})
}

func (s *Server) handleDebugStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("sessionId", "Use debug_list_sessions to see active sessions.").Error()), nil
	}

	stopErr := s.sessions.Stop(ctx, sessionID)
	if _, ok := s.eventLog(sessionID); ok {
		s.forget(sessionID)
		if stderrors.Is(stopErr, errors.ErrSessionNotFound) {
			// The session had already ended on its own.
			stopErr = nil
		}
	}
	if stopErr != nil {
		return mcp.NewToolResultError(stopErr.Error()), nil
	}

	return jsonResult(map[string]interface{}{
		"sessionId": sessionID,
		"status":    "stopped",
	})
}

func (s *Server) handleDebugListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.sessions.List()

	result := make([]types.SessionInfo, len(sessions))
	for i, sess := range sessions {
		result[i] = sess.Info()
	}

	return jsonResult(map[string]interface{}{
		"sessions": result,
	})
}

// Traffic Handlers

func (s *Server) handleDebugRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("command", "Specify a DAP command such as 'threads' or 'continue'.").Error()), nil
	}

	var args any
	if raw := optionalString(request, "arguments"); raw != "" {
		if !json.Valid([]byte(raw)) || !strings.HasPrefix(strings.TrimSpace(raw), "{") {
			return mcp.NewToolResultError(errors.InvalidParameter("arguments", raw, "JSON object").Error()), nil
		}
		args = json.RawMessage(raw)
	}

	var timeout time.Duration
	if ms, err := request.RequireFloat("timeoutMs"); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	resp, err := sess.Manager.SendDapRequestWithTimeout(ctx, command, args, timeout)
	if err != nil {
		return s.requestFailed(ctx, sess, err), nil
	}

	if resp == nil {
		return jsonResult(map[string]interface{}{"command": command, "success": true})
	}
	return jsonResult(map[string]interface{}{
		"command": resp.Command,
		"success": resp.Success,
		"body":    resp.Body,
	})
}

func (s *Server) handleDebugEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("sessionId", "Use debug_list_sessions to see active sessions.").Error()), nil
	}
	log, ok := s.eventLog(sessionID)
	if !ok {
		return mcp.NewToolResultError(errors.SessionNotFound(sessionID).Error()), nil
	}

	since := 0
	if v, err := request.RequireFloat("since"); err == nil && v > 0 {
		since = int(v)
	}
	var wait time.Duration
	if v, err := request.RequireFloat("waitMs"); err == nil && v > 0 {
		wait = time.Duration(v) * time.Millisecond
	}

	records, ended, next := log.since(ctx, since, wait)
	if ended && len(records) == 0 {
		// Everything has been read; the log is no longer needed.
		s.forget(sessionID)
	}

	return jsonResult(map[string]interface{}{
		"sessionId": sessionID,
		"events":    records,
		"nextSeq":   next,
		"ended":     ended,
	})
}

// Inspection Handlers

func (s *Server) handleDebugStack(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	threadID, err := threadFor(sess, request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	levels := defaultStackLevels
	if v, err := request.RequireFloat("levels"); err == nil && v > 0 {
		levels = int(v)
	}

	frames, err := stackTrace(ctx, sess.Manager, threadID, levels)
	if err != nil {
		return s.requestFailed(ctx, sess, err), nil
	}
	pol := s.policyFor(sess)
	filtered := pol.FilterStackFrames(frames, request.GetBool("includeInternals", false))

	return jsonResult(map[string]interface{}{
		"threadId":     threadID,
		"frames":       filtered,
		"totalFrames":  len(frames),
		"hiddenFrames": len(frames) - len(filtered),
	})
}

func (s *Server) handleDebugLocals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	threadID, err := threadFor(sess, request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	all, err := stackTrace(ctx, sess.Manager, threadID, defaultStackLevels)
	if err != nil {
		return s.requestFailed(ctx, sess, err), nil
	}
	pol := s.policyFor(sess)
	frames := pol.FilterStackFrames(all, false)
	if len(frames) == 0 {
		return jsonResult(map[string]interface{}{
			"threadId":  threadID,
			"variables": []types.Variable{},
		})
	}
	top := frames[0]

	var scopesBody dap.ScopesResponseBody
	if err := call(ctx, sess.Manager, "scopes", dap.ScopesArguments{FrameId: top.ID}, &scopesBody); err != nil {
		return s.requestFailed(ctx, sess, err), nil
	}
	scopes := map[int][]dap.Scope{top.ID: scopesBody.Scopes}

	vars := make(map[int][]types.Variable)
	for _, scope := range scopesBody.Scopes {
		if !wantScope(pol, scope, scopesBody.Scopes) {
			continue
		}
		var body dap.VariablesResponseBody
		if err := call(ctx, sess.Manager, "variables", dap.VariablesArguments{VariablesReference: scope.VariablesReference}, &body); err != nil {
			return s.requestFailed(ctx, sess, err), nil
		}
		converted := make([]types.Variable, len(body.Variables))
		for i, v := range body.Variables {
			converted[i] = types.VariableFromDAP(v)
		}
		vars[scope.VariablesReference] = converted
	}

	return jsonResult(map[string]interface{}{
		"threadId":  threadID,
		"frame":     top,
		"variables": pol.ExtractLocalVariables(frames, scopes, vars, request.GetBool("includeSpecial", false)),
	})
}

// Helper functions

func (s *Server) getSession(request mcp.CallToolRequest) (*manager.Session, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return nil, errors.MissingParameter("sessionId", "Use debug_list_sessions to see active sessions.")
	}
	return s.sessions.Get(sessionID)
}

func (s *Server) policyFor(sess *manager.Session) policy.Policy {
	return s.policies.Select(nil, sess.Language)
}

func (s *Server) languageNames() []string {
	langs := s.policies.Languages()
	out := make([]string, len(langs))
	for i, l := range langs {
		out[i] = string(l)
	}
	return out
}

func (s *Server) supportedLanguages() string {
	return strings.Join(s.languageNames(), ", ")
}

func (s *Server) resolveLaunchConfig(request mcp.CallToolRequest, configName string) (map[string]any, error) {
	workspace := optionalString(request, "workspace")
	file, err := launchconfig.LoadOrDiscover(optionalString(request, "configPath"), workspace)
	if err != nil {
		return nil, errors.ConfigInvalid("configPath", err.Error())
	}
	cfg, err := file.Find(configName)
	if err != nil {
		return nil, errors.InvalidParameter("configName", configName, strings.Join(file.Names(), ", "))
	}

	var inputs map[string]string
	if raw := optionalString(request, "inputValues"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return nil, errors.InvalidParameter("inputValues", raw, "JSON object of strings")
		}
	}

	getenv := s.opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	resolved, err := file.Resolve(cfg, launchconfig.Context{
		WorkspaceFolder: workspace,
		File:            optionalString(request, "program"),
		Inputs:          inputs,
		Getenv:          getenv,
	})
	if err != nil {
		var missing *launchconfig.MissingInputsError
		if stderrors.As(err, &missing) {
			return nil, errors.MissingParameter("inputValues",
				fmt.Sprintf("Provide values for: %s", strings.Join(missing.Inputs, ", ")))
		}
		return nil, errors.ConfigInvalid(configName, err.Error())
	}
	return resolved, nil
}

// applyLaunchConfig copies the well-known launch.json keys into the payload;
// the whole configuration is forwarded as well.
func applyLaunchConfig(p *ipc.InitPayload, cfg map[string]any) {
	p.LaunchConfig = cfg
	if v, ok := cfg["program"].(string); ok {
		p.ScriptPath = v
	}
	if args, ok := cfg["args"].([]any); ok {
		for _, a := range args {
			p.ScriptArgs = append(p.ScriptArgs, fmt.Sprint(a))
		}
	}
	if v, ok := cfg["stopOnEntry"].(bool); ok {
		p.StopOnEntry = &v
	}
	if v, ok := cfg["justMyCode"].(bool); ok {
		p.JustMyCode = &v
	}
	for _, key := range []string{"python", "pythonPath", "runtimeExecutable"} {
		if v, ok := cfg[key].(string); ok && v != "" {
			p.ExecutablePath = v
			break
		}
	}
	if v, ok := cfg["host"].(string); ok {
		p.AdapterHost = v
	}
	if v, ok := cfg["port"].(float64); ok {
		p.AdapterPort = int(v)
	}
}

func isAttach(cfg map[string]any) bool {
	r, _ := cfg["request"].(string)
	return r == "attach"
}

// threadFor returns the requested thread, or the thread the session last
// stopped on.
func threadFor(sess *manager.Session, request mcp.CallToolRequest) (int, error) {
	if v, err := request.RequireFloat("threadId"); err == nil {
		return int(v), nil
	}
	if id, ok := sess.Manager.CurrentThreadID(); ok {
		return id, nil
	}
	return 0, errors.MissingParameter("threadId", "The session is not stopped; pass threadId explicitly or wait for a stopped event with debug_events.")
}

func stackTrace(ctx context.Context, m *manager.Manager, threadID, levels int) ([]types.StackFrame, error) {
	var body dap.StackTraceResponseBody
	if err := call(ctx, m, "stackTrace", dap.StackTraceArguments{ThreadId: threadID, Levels: levels}, &body); err != nil {
		return nil, err
	}
	frames := make([]types.StackFrame, len(body.StackFrames))
	for i, f := range body.StackFrames {
		frames[i] = types.StackFrameFromDAP(f)
	}
	return frames, nil
}

// requestFailed turns a failed DAP request into a tool error. When the
// session is gone for good it is stopped, so it no longer shows up as active.
func (s *Server) requestFailed(ctx context.Context, sess *manager.Session, err error) *mcp.CallToolResult {
	if !errors.IsFatal(err) {
		return mcp.NewToolResultError(err.Error())
	}
	s.log.Info("Session ended during request", "sessionId", sess.ID, "error", err.Error())
	if stopErr := s.sessions.Stop(ctx, sess.ID); stopErr != nil && !stderrors.Is(stopErr, errors.ErrSessionNotFound) {
		s.log.Error(stopErr, "Failed to stop ended session", "sessionId", sess.ID)
	}
	de := errors.FromError(err)
	return mcp.NewToolResultError(errors.Wrap(de.Code, de.Message, "The session has ended. Start a new one with debug_start.", err).Error())
}

// call sends one DAP request and decodes the response body into out.
func call(ctx context.Context, m *manager.Manager, command string, args any, out any) error {
	resp, err := m.SendDapRequest(ctx, command, args)
	if err != nil {
		return err
	}
	if len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return errors.Wrap(errors.CodeInvalidMessage, fmt.Sprintf("malformed '%s' response body", command), "", err)
	}
	return nil
}

// wantScope reports whether the variables of scope are needed to find the
// locals: the policy's local scope, or the first scope when none matches.
func wantScope(pol policy.Policy, scope dap.Scope, all []dap.Scope) bool {
	names := pol.LocalScopeNames()
	for _, s := range all {
		for _, n := range names {
			if s.Name == n {
				return scope.Name == n
			}
		}
	}
	return len(all) > 0 && scope.VariablesReference == all[0].VariablesReference
}

func optionalString(request mcp.CallToolRequest, key string) string {
	v, err := request.RequireString(key)
	if err != nil {
		return ""
	}
	return v
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
