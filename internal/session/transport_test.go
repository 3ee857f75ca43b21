package session

import "testing"

func TestParseControlMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		data        string
		wantControl bool
		wantType    ControlMessageType
	}{
		{"select agent", `{"type":"select_agent","agentType":"claude-code"}`, true, MsgSelectAgent},
		{"ping", `{"type":"ping"}`, true, MsgPing},
		{"pong", `{"type":"pong"}`, true, MsgPong},
		{"agent status", `{"type":"agent_status","status":"ready"}`, true, MsgAgentStatus},
		{"session state", `{"type":"session_state","replayCount":4}`, true, MsgSessionState},
		{"replay complete", `{"type":"session_replay_complete"}`, true, MsgSessionReplayDone},
		{"jsonrpc request", `{"jsonrpc":"2.0","id":1,"method":"session/prompt"}`, false, ""},
		{"jsonrpc notification", `{"jsonrpc":"2.0","method":"session/cancel"}`, false, ""},
		{"unknown type field", `{"type":"mystery"}`, false, ""},
		{"invalid json", `{nope`, false, ""},
		{"empty object", `{}`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isControl, controlType := ParseControlMessage([]byte(tt.data))
			if isControl != tt.wantControl {
				t.Fatalf("isControl = %v, want %v", isControl, tt.wantControl)
			}
			if controlType != tt.wantType {
				t.Fatalf("controlType = %q, want %q", controlType, tt.wantType)
			}
		})
	}
}
