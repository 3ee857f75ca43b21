// Package api provides the HTTP and WebSocket surface of the session host.
package api

import "time"

// CreateSessionRequest creates a new session tab in a workspace.
type CreateSessionRequest struct {
	Title     string `json:"title"`
	AgentType string `json:"agent_type"`
	// IdempotencyKey deduplicates browser retries. Optional.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SessionTabResponse describes one session tab, with live host status
// overlaid when the tab is running on this node.
type SessionTabResponse struct {
	ID           string     `json:"id"`
	WorkspaceID  string     `json:"workspace_id"`
	Title        string     `json:"title"`
	AgentType    string     `json:"agent_type,omitempty"`
	State        string     `json:"state"`
	HostStatus   string     `json:"host_status,omitempty"`
	Viewers      int        `json:"viewers"`
	Resumable    bool       `json:"resumable"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastPromptAt *time.Time `json:"last_prompt_at,omitempty"`
	LastPrompt   string     `json:"last_prompt,omitempty"`
}

// SessionsListResponse lists the tabs of a workspace.
type SessionsListResponse struct {
	Sessions []SessionTabResponse `json:"sessions"`
	Total    int                  `json:"total"`
}

// AgentTypeResponse describes one launchable agent type.
type AgentTypeResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Command     string `json:"command"`
	Enabled     bool   `json:"enabled"`
}

// AgentTypesListResponse lists the agent catalog.
type AgentTypesListResponse struct {
	Types []AgentTypeResponse `json:"types"`
	Total int                 `json:"total"`
}

// HealthResponse for health checks.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
