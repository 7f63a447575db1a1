// Package agent drives the coding agent subprocess in streaming JSON mode
// and translates its stdout into typed events.
//
// The process is launched through a wrapper program so the agent itself can
// run inside the sandbox container; the wrapper's only obligation is to pipe
// stdio through unchanged.
package agent

import (
	"encoding/json"
	"log/slog"
)

// EventType discriminates the records produced by a running agent.
type EventType string

const (
	// EventText is one text block of an assistant turn.
	EventText EventType = "text"
	// EventToolUse reports that the agent started a tool invocation.
	EventToolUse EventType = "tool_use"
	// EventToolResult carries the output of a finished tool invocation.
	EventToolResult EventType = "tool_result"
	// EventResult ends a turn and carries cumulative usage.
	EventResult EventType = "result"
	// EventPermission asks whether the agent may invoke a tool. The
	// consumer must eventually answer via Run.Respond with the event's
	// RequestID; the agent holds the invocation until then.
	EventPermission EventType = "permission"
)

// Event is a single record from the agent's output stream. Only the fields
// belonging to the given Type are populated.
type Event struct {
	Type EventType

	// Text block content (EventText).
	Text string

	// Tool invocation fields (EventToolUse, EventToolResult,
	// EventPermission).
	ToolUseID string
	Tool      string
	Input     json.RawMessage

	// Tool output (EventToolResult).
	Content string

	// Set on EventToolResult for failed invocations and on EventResult
	// when the turn ended in an error subtype.
	IsError bool

	// Turn totals (EventResult).
	Subtype      string
	TotalCostUSD float64
	NumTurns     int

	// Permission correlation (EventPermission).
	RequestID   string
	Description string
}

// PermissionDecision answers an EventPermission. On deny, Message is
// surfaced to the agent as the refusal reason.
type PermissionDecision struct {
	Allow   bool
	Message string
}

// Options configures one agent run.
type Options struct {
	// Executable is the wrapper program to spawn.
	Executable string

	// Env entries are appended to the parent environment. The OAuth token
	// travels here as CLAUDE_CODE_OAUTH_TOKEN.
	Env []string

	// Prompts supplies user turns. Closing the channel closes the agent's
	// stdin and lets the process finish on its own.
	Prompts <-chan string

	Logger *slog.Logger
}
