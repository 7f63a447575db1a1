package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

// The browser depends on these exact key names; a renamed field would break
// every connected client silently.
func TestServerMessageWireNames(t *testing.T) {
	cases := []struct {
		name string
		msg  any
		want []string
	}{
		{"text", Text{Type: TypeText, Content: "hi"}, []string{`"type":"text"`, `"content":"hi"`}},
		{"tool_start", ToolStart{Type: TypeToolStart, Tool: "Bash", ToolUseID: "t1", Input: json.RawMessage(`{"command":"ls"}`)},
			[]string{`"toolUseId":"t1"`, `"input":{"command":"ls"}`}},
		{"tool_end", ToolEnd{Type: TypeToolEnd, Tool: "Bash", ToolUseID: "t1", Output: "ok"},
			[]string{`"type":"tool_end"`, `"output":"ok"`}},
		{"permission_request", PermissionRequest{Type: TypePermissionRequest, ID: "t1", Tool: "Bash", Input: json.RawMessage(`{}`), Description: "run ls"},
			[]string{`"id":"t1"`, `"description":"run ls"`}},
		{"session_state", SessionState{Type: TypeSessionState, State: "running"}, []string{`"state":"running"`}},
		{"cost", Cost{Type: TypeCost, TotalUSD: 0.25}, []string{`"totalUsd":0.25`}},
		{"error", ErrorMessage{Type: TypeError, Message: "boom"}, []string{`"message":"boom"`}},
	}

	for _, tc := range cases {
		data, err := json.Marshal(tc.msg)
		if err != nil {
			t.Fatalf("%s: marshal: %v", tc.name, err)
		}
		for _, frag := range tc.want {
			if !strings.Contains(string(data), frag) {
				t.Errorf("%s: %s missing %s", tc.name, data, frag)
			}
		}
	}
}

func TestParseClientMessage(t *testing.T) {
	m, err := ParseClientMessage([]byte(`{"type":"message","content":"hello"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	if m.Type != TypeMessage || m.Content != "hello" {
		t.Errorf("got %+v, want message/hello", m)
	}

	m, err = ParseClientMessage([]byte(`{"type":"permission_response","id":"t1","allow":true}`))
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	if m.ID != "t1" || !m.Allow {
		t.Errorf("got %+v, want id=t1 allow=true", m)
	}

	if _, err := ParseClientMessage([]byte(`{"type":"interrupt"}`)); err != nil {
		t.Errorf("interrupt should parse: %v", err)
	}
}

func TestParseClientMessageRejectsUnknown(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"subscribe"}`)); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := ParseClientMessage([]byte(`{"content":"no type"}`)); err == nil {
		t.Error("expected error for missing type")
	}
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
