// Package types defines shared data types used across the DAP proxy.
//
// This package provides type definitions for:
//   - Language: languages with a registered adapter policy
//   - StackFrame, Variable: the flattened views adapter policies filter
//   - SessionInfo: a host-side summary of one proxied session
//
// Conversions from the go-dap wire structs live next to the types so that
// policies never depend on the transport package.
package types

import (
	"time"

	"github.com/google/go-dap"
)

// Language represents a supported programming language
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageTypeScript Language = "typescript"
	LanguageGo         Language = "go"
	LanguageJava       Language = "java"
	LanguageRust       Language = "rust"
	LanguageDotnet     Language = "dotnet"
)

// SessionStatus represents the host-visible status of a proxied session
type SessionStatus string

const (
	SessionStatusStarting   SessionStatus = "starting"
	SessionStatusReady      SessionStatus = "ready"
	SessionStatusStopped    SessionStatus = "stopped"
	SessionStatusTerminated SessionStatus = "terminated"
)

// SessionInfo represents information about a proxied debug session
type SessionInfo struct {
	SessionID       string        `json:"sessionId"`
	Language        Language      `json:"language"`
	Policy          string        `json:"policy"`
	Status          SessionStatus `json:"status"`
	Script          string        `json:"script,omitempty"`
	CurrentThreadID *int          `json:"currentThreadId,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
}

// StackFrame represents a stack frame
type StackFrame struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// Variable represents a variable
type Variable struct {
	Name               string `json:"name"`
	Value              string `json:"value"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variablesReference"`
	Expandable         bool   `json:"expandable"`
}

// StackFrameFromDAP flattens a DAP stack frame.
func StackFrameFromDAP(f dap.StackFrame) StackFrame {
	sf := StackFrame{ID: f.Id, Name: f.Name, Line: f.Line, Column: f.Column}
	if f.Source != nil {
		sf.File = f.Source.Path
		if sf.File == "" {
			sf.File = f.Source.Name
		}
	}
	return sf
}

// VariableFromDAP flattens a DAP variable.
func VariableFromDAP(v dap.Variable) Variable {
	return Variable{
		Name:               v.Name,
		Value:              v.Value,
		Type:               v.Type,
		VariablesReference: v.VariablesReference,
		Expandable:         v.VariablesReference > 0,
	}
}
