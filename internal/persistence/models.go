// Package persistence provides SQLite-backed storage for session tabs so
// agent conversations survive session host restarts.
package persistence

import "time"

// Tab state values.
const (
	TabStateActive    = "active"
	TabStateSuspended = "suspended"
)

// SessionTab is the durable record of one agent conversation tab. The
// ACP session id is what lets a suspended conversation resume after the
// host or the agent process restarts.
type SessionTab struct {
	ID             string    `json:"id"`
	WorkspaceID    string    `json:"workspaceId"`
	Title          string    `json:"title"`
	AgentType      string    `json:"agentType"`
	AcpSessionID   string    `json:"acpSessionId,omitempty"`
	State          string    `json:"state"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastPromptAt   time.Time `json:"lastPromptAt,omitempty"`
	// LastPrompt is a preview of the most recent prompt text, capped at
	// 200 characters, for session list display.
	LastPrompt string `json:"lastPrompt,omitempty"`
}
