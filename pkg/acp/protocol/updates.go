package protocol

import "encoding/json"

// Session update kinds carried in the sessionUpdate discriminator of a
// session/update notification.
const (
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
	UpdateAvailableCommands = "available_commands_update"
	UpdateCurrentMode       = "current_mode_update"
)

// SessionNotification is the params payload of a session/update notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is the discriminated union inside a session/update
// notification. The content field is kind-dependent: a single ContentBlock
// for message chunks, an array of ToolCallContent for tool calls. It is kept
// raw here and decoded by the helpers below.
type SessionUpdate struct {
	SessionUpdate string             `json:"sessionUpdate"`
	Content       json.RawMessage    `json:"content,omitempty"`
	ToolCallID    string             `json:"toolCallId,omitempty"`
	Title         string             `json:"title,omitempty"`
	Kind          string             `json:"kind,omitempty"`   // tool kind: read, edit, execute, ...
	Status        string             `json:"status,omitempty"` // pending, in_progress, completed, failed
	Locations     []ToolCallLocation `json:"locations,omitempty"`
	CurrentModeID string             `json:"currentModeId,omitempty"`
}

// ToolCallLocation points at a file position a tool call touches.
type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// ToolCallContent is one content element of a tool_call or tool_call_update.
type ToolCallContent struct {
	Type    string        `json:"type"` // "content" or "diff"
	Content *ContentBlock `json:"content,omitempty"`
	Path    string        `json:"path,omitempty"`
	OldText *string       `json:"oldText,omitempty"`
	NewText string        `json:"newText,omitempty"`
}

// MessageContent decodes the content field of a message-chunk update.
// Returns the zero ContentBlock when the field is absent or malformed.
func (u *SessionUpdate) MessageContent() ContentBlock {
	var block ContentBlock
	if len(u.Content) == 0 {
		return block
	}
	_ = json.Unmarshal(u.Content, &block)
	return block
}

// ToolContent decodes the content field of a tool_call or tool_call_update.
func (u *SessionUpdate) ToolContent() []ToolCallContent {
	if len(u.Content) == 0 {
		return nil
	}
	var contents []ToolCallContent
	if err := json.Unmarshal(u.Content, &contents); err != nil {
		return nil
	}
	return contents
}

// NewUserMessageChunk builds a session/update notification params payload
// carrying one user text chunk. The session host synthesizes these for live
// prompts because agents only echo user input during session/load replay.
func NewUserMessageChunk(sessionID, text string) SessionNotification {
	content, _ := json.Marshal(TextBlock(text))
	return SessionNotification{
		SessionID: sessionID,
		Update: SessionUpdate{
			SessionUpdate: UpdateUserMessageChunk,
			Content:       content,
		},
	}
}
