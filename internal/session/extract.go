package session

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/codedeck/codedeck/pkg/acp/protocol"
)

// ExtractedMessage is a chat message pulled out of a session/update
// notification for transcript persistence.
type ExtractedMessage struct {
	MessageID    string `json:"messageId"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	ToolMetadata string `json:"toolMetadata,omitempty"` // JSON string
}

// ToolMeta is the structured tool call metadata serialized into
// ExtractedMessage.ToolMetadata.
type ToolMeta struct {
	Kind      string                      `json:"kind,omitempty"`
	Status    string                      `json:"status,omitempty"`
	Locations []protocol.ToolCallLocation `json:"locations,omitempty"`
}

// ExtractMessages converts a session/update notification into zero or
// more transcript messages.
//
// Only user/assistant text chunks and tool calls produce output. Thought
// chunks, plan updates, and mode changes are skipped to keep the chat
// history readable.
func ExtractMessages(notif protocol.SessionNotification) []ExtractedMessage {
	u := notif.Update
	var msgs []ExtractedMessage

	switch u.SessionUpdate {
	case protocol.UpdateUserMessageChunk:
		if text := u.MessageContent().Text; text != "" {
			msgs = append(msgs, ExtractedMessage{
				MessageID: uuid.NewString(),
				Role:      "user",
				Content:   text,
			})
		}

	case protocol.UpdateAgentMessageChunk:
		if text := u.MessageContent().Text; text != "" {
			msgs = append(msgs, ExtractedMessage{
				MessageID: uuid.NewString(),
				Role:      "assistant",
				Content:   text,
			})
		}

	case protocol.UpdateToolCall:
		content := joinToolContent(u.ToolContent())
		meta := ToolMeta{
			Kind:      u.Kind,
			Locations: u.Locations,
		}
		metaJSON, _ := json.Marshal(meta)
		if content == "" {
			content = "(tool call)"
		}
		msgs = append(msgs, ExtractedMessage{
			MessageID:    uuid.NewString(),
			Role:         "tool",
			Content:      content,
			ToolMetadata: string(metaJSON),
		})

	case protocol.UpdateToolCallUpdate:
		content := joinToolContent(u.ToolContent())
		meta := ToolMeta{
			Kind:      u.Kind,
			Status:    u.Status,
			Locations: u.Locations,
		}
		// Emit only when there is meaningful content or a status change.
		if content == "" && meta.Status == "" {
			return msgs
		}
		metaJSON, _ := json.Marshal(meta)
		if content == "" {
			content = "(tool update)"
		}
		msgs = append(msgs, ExtractedMessage{
			MessageID:    uuid.NewString(),
			Role:         "tool",
			Content:      content,
			ToolMetadata: string(metaJSON),
		})
	}

	return msgs
}

// joinToolContent aggregates text and diff summaries from tool call
// content blocks.
func joinToolContent(contents []protocol.ToolCallContent) string {
	var text string
	for _, c := range contents {
		switch {
		case c.Type == "diff" && c.Path != "":
			if text != "" {
				text += "\n"
			}
			text += "diff: " + c.Path
		case c.Content != nil && c.Content.Text != "":
			if text != "" {
				text += "\n"
			}
			text += c.Content.Text
		}
	}
	return text
}
