package session

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/codedeck/codedeck/pkg/acp/protocol"
)

func chunkNotification(kind, text string) protocol.SessionNotification {
	content, _ := json.Marshal(protocol.TextBlock(text))
	return protocol.SessionNotification{
		SessionID: "acp-1",
		Update: protocol.SessionUpdate{
			SessionUpdate: kind,
			Content:       content,
		},
	}
}

func TestExtractMessages_UserChunk(t *testing.T) {
	t.Parallel()

	msgs := ExtractMessages(chunkNotification(protocol.UpdateUserMessageChunk, "hello"))
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Fatalf("got role=%q content=%q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[0].MessageID == "" {
		t.Fatal("message id is empty")
	}
}

func TestExtractMessages_AgentChunk(t *testing.T) {
	t.Parallel()

	msgs := ExtractMessages(chunkNotification(protocol.UpdateAgentMessageChunk, "result"))
	if len(msgs) != 1 || msgs[0].Role != "assistant" {
		t.Fatalf("got %+v, want one assistant message", msgs)
	}
}

func TestExtractMessages_EmptyChunkSkipped(t *testing.T) {
	t.Parallel()

	if msgs := ExtractMessages(chunkNotification(protocol.UpdateAgentMessageChunk, "")); len(msgs) != 0 {
		t.Fatalf("empty chunk produced %d messages", len(msgs))
	}
}

func TestExtractMessages_ThoughtAndPlanSkipped(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{
		protocol.UpdateAgentThoughtChunk,
		protocol.UpdatePlan,
		protocol.UpdateCurrentMode,
		protocol.UpdateAvailableCommands,
	} {
		if msgs := ExtractMessages(chunkNotification(kind, "x")); len(msgs) != 0 {
			t.Fatalf("%s produced %d messages, want 0", kind, len(msgs))
		}
	}
}

func TestExtractMessages_ToolCall(t *testing.T) {
	t.Parallel()

	content, _ := json.Marshal([]protocol.ToolCallContent{
		{Type: "content", Content: &protocol.ContentBlock{Type: "text", Text: "ran ls"}},
		{Type: "diff", Path: "/workspace/main.go"},
	})
	notif := protocol.SessionNotification{
		SessionID: "acp-1",
		Update: protocol.SessionUpdate{
			SessionUpdate: protocol.UpdateToolCall,
			ToolCallID:    "tc-1",
			Kind:          "execute",
			Content:       content,
			Locations:     []protocol.ToolCallLocation{{Path: "/workspace/main.go"}},
		},
	}

	msgs := ExtractMessages(notif)
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1", len(msgs))
	}
	if msgs[0].Role != "tool" {
		t.Fatalf("role = %q, want tool", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, "ran ls") || !strings.Contains(msgs[0].Content, "diff: /workspace/main.go") {
		t.Fatalf("content = %q, missing text or diff summary", msgs[0].Content)
	}

	var meta ToolMeta
	if err := json.Unmarshal([]byte(msgs[0].ToolMetadata), &meta); err != nil {
		t.Fatalf("unmarshal tool metadata: %v", err)
	}
	if meta.Kind != "execute" || len(meta.Locations) != 1 {
		t.Fatalf("metadata = %+v", meta)
	}
}

func TestExtractMessages_ToolCallNoContent(t *testing.T) {
	t.Parallel()

	notif := protocol.SessionNotification{
		Update: protocol.SessionUpdate{
			SessionUpdate: protocol.UpdateToolCall,
			ToolCallID:    "tc-2",
			Kind:          "read",
		},
	}
	msgs := ExtractMessages(notif)
	if len(msgs) != 1 || msgs[0].Content != "(tool call)" {
		t.Fatalf("got %+v, want placeholder tool call", msgs)
	}
}

func TestExtractMessages_ToolCallUpdate(t *testing.T) {
	t.Parallel()

	// No content and no status: skipped entirely.
	bare := protocol.SessionNotification{
		Update: protocol.SessionUpdate{SessionUpdate: protocol.UpdateToolCallUpdate},
	}
	if msgs := ExtractMessages(bare); len(msgs) != 0 {
		t.Fatalf("bare tool update produced %d messages", len(msgs))
	}

	// Status change alone is worth recording.
	statusOnly := protocol.SessionNotification{
		Update: protocol.SessionUpdate{
			SessionUpdate: protocol.UpdateToolCallUpdate,
			Status:        "completed",
		},
	}
	msgs := ExtractMessages(statusOnly)
	if len(msgs) != 1 || msgs[0].Content != "(tool update)" {
		t.Fatalf("got %+v, want placeholder tool update", msgs)
	}
	var meta ToolMeta
	if err := json.Unmarshal([]byte(msgs[0].ToolMetadata), &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if meta.Status != "completed" {
		t.Fatalf("status = %q, want completed", meta.Status)
	}
}
