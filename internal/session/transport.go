// Package session hosts long-lived ACP agent conversations and fans their
// output out to any number of attached WebSocket viewers.
package session

import "encoding/json"

// ControlMessageType identifies non-JSON-RPC control messages on the
// viewer WebSocket.
type ControlMessageType string

const (
	// MsgSelectAgent is sent by the browser to request agent selection or
	// switching.
	MsgSelectAgent ControlMessageType = "select_agent"
	// MsgPing is an application-level keepalive from the browser.
	MsgPing ControlMessageType = "ping"
	// MsgPong answers MsgPing. Never buffered for replay.
	MsgPong ControlMessageType = "pong"
	// MsgAgentStatus carries agent lifecycle updates to the browser.
	MsgAgentStatus ControlMessageType = "agent_status"
	// MsgSessionState is sent to newly attached viewers with the current
	// session status and replay count so they can prepare for replay.
	MsgSessionState ControlMessageType = "session_state"
	// MsgSessionReplayDone marks the transition from buffered replay to
	// live streaming for a newly attached viewer.
	MsgSessionReplayDone ControlMessageType = "session_replay_complete"
	// MsgSessionPrompting is broadcast when a prompt starts so UIs can
	// disable input.
	MsgSessionPrompting ControlMessageType = "session_prompting"
	// MsgSessionPromptDone is broadcast when a prompt completes.
	MsgSessionPromptDone ControlMessageType = "session_prompt_done"
)

// AgentStatus is the agent lifecycle state broadcast to viewers.
type AgentStatus string

const (
	StatusStarting   AgentStatus = "starting"
	StatusInstalling AgentStatus = "installing"
	StatusReady      AgentStatus = "ready"
	StatusError      AgentStatus = "error"
	StatusRestarting AgentStatus = "restarting"
)

// SelectAgentMessage is the browser's agent selection request.
type SelectAgentMessage struct {
	Type      ControlMessageType `json:"type"`
	AgentType string             `json:"agentType"`
}

// AgentStatusMessage updates the browser on agent lifecycle state.
type AgentStatusMessage struct {
	Type      ControlMessageType `json:"type"`
	Status    AgentStatus        `json:"status"`
	AgentType string             `json:"agentType"`
	Error     string             `json:"error,omitempty"`
}

// SessionStateMessage tells a newly attached viewer the current session
// status and how many buffered messages are about to be replayed.
type SessionStateMessage struct {
	Type        ControlMessageType `json:"type"`
	Status      string             `json:"status"`
	AgentType   string             `json:"agentType,omitempty"`
	Error       string             `json:"error,omitempty"`
	ReplayCount int                `json:"replayCount"`
}

// ParseControlMessage reports whether a raw WebSocket text frame is a
// known control message. Anything else is treated as ACP JSON-RPC and
// forwarded verbatim.
func ParseControlMessage(data []byte) (isControl bool, controlType ControlMessageType) {
	var probe struct {
		Type    string `json:"type"`
		JSONRPC string `json:"jsonrpc"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false, ""
	}

	switch ControlMessageType(probe.Type) {
	case MsgSelectAgent, MsgPing, MsgPong, MsgAgentStatus, MsgSessionState,
		MsgSessionReplayDone, MsgSessionPrompting, MsgSessionPromptDone:
		return true, ControlMessageType(probe.Type)
	default:
		return false, ""
	}
}
