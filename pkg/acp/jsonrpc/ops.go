package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codedeck/codedeck/pkg/acp/protocol"
)

// Typed wrappers over Call for the ACP methods the session host drives.
// Each unwraps the JSON-RPC envelope and surfaces agent errors as Go errors.

// Initialize performs the ACP handshake. The caller bounds it with a
// deadline-bearing context (initTimeout).
func (c *Client) Initialize(ctx context.Context, info protocol.ClientInfo) (*protocol.InitializeResult, error) {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      info,
		Capabilities: protocol.ClientCapabilities{
			Fs: protocol.FsCapabilities{ReadTextFile: true, WriteTextFile: true},
		},
	}

	resp, err := c.Call(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize: agent error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("initialize: decode result: %w", err)
	}
	return &result, nil
}

// NewSession asks the agent to create a fresh conversation session.
func (c *Client) NewSession(ctx context.Context, cwd string, mcpServers []protocol.McpServer) (string, error) {
	if mcpServers == nil {
		mcpServers = []protocol.McpServer{}
	}
	resp, err := c.Call(ctx, protocol.MethodSessionNew, protocol.SessionNewParams{
		Cwd:        cwd,
		McpServers: mcpServers,
	})
	if err != nil {
		return "", fmt.Errorf("session/new: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("session/new: agent error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result protocol.SessionNewResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("session/new: decode result: %w", err)
	}
	if result.SessionID == "" {
		return "", fmt.Errorf("session/new: agent returned empty session id")
	}
	return result.SessionID, nil
}

// LoadSession asks the agent to resume a previous session. On success the
// agent replays historical session/update notifications through the
// notification handler before the call returns.
func (c *Client) LoadSession(ctx context.Context, sessionID, cwd string, mcpServers []protocol.McpServer) error {
	if mcpServers == nil {
		mcpServers = []protocol.McpServer{}
	}
	resp, err := c.Call(ctx, protocol.MethodSessionLoad, protocol.SessionLoadParams{
		SessionID:  sessionID,
		Cwd:        cwd,
		McpServers: mcpServers,
	})
	if err != nil {
		return fmt.Errorf("session/load: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("session/load: agent error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}

// Prompt submits a user turn and blocks until the agent completes it.
// Session updates stream independently through the notification handler
// while this call is in flight.
func (c *Client) Prompt(ctx context.Context, sessionID string, blocks []protocol.ContentBlock) (*protocol.SessionPromptResult, error) {
	resp, err := c.Call(ctx, protocol.MethodSessionPrompt, protocol.SessionPromptParams{
		SessionID: sessionID,
		Prompt:    blocks,
	})
	if err != nil {
		return nil, fmt.Errorf("session/prompt: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("session/prompt: agent error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result protocol.SessionPromptResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("session/prompt: decode result: %w", err)
		}
	}
	return &result, nil
}

// SetSessionMode switches the agent's permission mode. Failures are
// non-fatal for the session; callers log and continue.
func (c *Client) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	resp, err := c.Call(ctx, protocol.MethodSessionSetMode, protocol.SessionSetModeParams{
		SessionID: sessionID,
		ModeID:    modeID,
	})
	if err != nil {
		return fmt.Errorf("session/set_mode: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("session/set_mode: agent error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}

// SetSessionModel selects the model the agent should use. Non-fatal on
// failure.
func (c *Client) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	resp, err := c.Call(ctx, protocol.MethodSessionSetModel, protocol.SessionSetModelParams{
		SessionID: sessionID,
		ModelID:   modelID,
	})
	if err != nil {
		return fmt.Errorf("session/set_model: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("session/set_model: agent error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}

// Cancel sends the session/cancel notification. The agent is expected to
// wind down the in-flight prompt; the host force-stops it if it does not.
func (c *Client) Cancel(sessionID, reason string) error {
	return c.Notify(protocol.MethodSessionCancel, protocol.SessionCancelParams{
		SessionID: sessionID,
		Reason:    reason,
	})
}
