// Package protocol defines the JSON messages exchanged between the gatehouse
// server and browser clients over the chat WebSocket.
//
// All messages are flat JSON objects with a "type" field that determines the
// remaining structure. Field names are part of the browser contract and must
// not change.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Server → client message types.
const (
	TypeText              = "text"
	TypeToolStart         = "tool_start"
	TypeToolEnd           = "tool_end"
	TypePermissionRequest = "permission_request"
	TypeSessionState      = "session_state"
	TypeCost              = "cost"
	TypeError             = "error"
)

// Client → server message types.
const (
	TypeMessage            = "message"
	TypePermissionResponse = "permission_response"
	TypeInterrupt          = "interrupt"
)

// --- Server → client ---

// Text carries a chunk of assistant prose. Clients append each chunk to the
// assistant message currently being rendered.
type Text struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ToolStart announces a tool invocation the Agent has begun.
type ToolStart struct {
	Type      string          `json:"type"`
	Tool      string          `json:"tool"`
	ToolUseID string          `json:"toolUseId"`
	Input     json.RawMessage `json:"input"`
}

// ToolEnd carries the output of a finished tool invocation.
type ToolEnd struct {
	Type      string `json:"type"`
	Tool      string `json:"tool"`
	ToolUseID string `json:"toolUseId"`
	Output    string `json:"output"`
}

// PermissionRequest asks the user to allow or deny a pending tool invocation.
// ID matches the toolUseId of the corresponding ToolStart.
type PermissionRequest struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	Tool        string          `json:"tool"`
	Input       json.RawMessage `json:"input"`
	Description string          `json:"description"`
}

// SessionState announces a session state transition. Every new subscriber
// receives the current state before any other message.
type SessionState struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// Cost carries the cumulative cost of the session in US dollars.
type Cost struct {
	Type     string  `json:"type"`
	TotalUSD float64 `json:"totalUsd"`
}

// ErrorMessage carries a user-visible error, rendered inline in the chat.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// --- Client → server ---

// ClientMessage is the union of all messages a browser may send. Which fields
// are meaningful depends on Type: "message" uses Content,
// "permission_response" uses ID and Allow, "interrupt" uses none.
type ClientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	ID      string `json:"id,omitempty"`
	Allow   bool   `json:"allow,omitempty"`
}

// ParseClientMessage decodes an inbound frame and rejects unknown types.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse client message: %w", err)
	}
	switch m.Type {
	case TypeMessage, TypePermissionResponse, TypeInterrupt:
		return &m, nil
	case "":
		return nil, fmt.Errorf("client message missing type")
	default:
		return nil, fmt.Errorf("unknown client message type %q", m.Type)
	}
}
