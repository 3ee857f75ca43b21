package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/agent/credentials"
	"github.com/codedeck/codedeck/internal/agent/registry"
	"github.com/codedeck/codedeck/internal/agent/supervisor"
	"github.com/codedeck/codedeck/internal/common/config"
	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/events/bus"
	"github.com/codedeck/codedeck/internal/persistence"
	"github.com/codedeck/codedeck/internal/report"
	"github.com/codedeck/codedeck/pkg/acp/jsonrpc"
	"github.com/codedeck/codedeck/pkg/acp/protocol"
)

// HostStatus is the lifecycle state of a Host.
type HostStatus string

const (
	HostIdle      HostStatus = "idle"      // No agent selected yet
	HostStarting  HostStatus = "starting"  // Agent being initialized
	HostReady     HostStatus = "ready"     // Agent ready for prompts
	HostPrompting HostStatus = "prompting" // Prompt in progress
	HostError     HostStatus = "error"     // Agent in error state
	HostStopped   HostStatus = "stopped"   // Explicitly stopped or suspended
)

// ContainerResolver returns the workspace container id.
type ContainerResolver func(ctx context.Context) (string, error)

// agentProcess is the handle the host keeps on a running agent
// subprocess. Satisfied by *supervisor.Process.
type agentProcess interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Stop() error
	Uptime() time.Duration
}

// SettingsFetcher returns per-user agent settings, or nil for defaults.
type SettingsFetcher func(ctx context.Context, agentType string) *credentials.AgentSettings

// HostConfig wires a Host to its collaborators. Registry, Credentials,
// ResolveContainer, and Logger are required; the rest are optional.
type HostConfig struct {
	WorkspaceID string
	SessionID   string // tab id, stable across agent restarts

	Session config.SessionConfig

	Registry         *registry.Registry
	Credentials      *credentials.Manager
	Settings         SettingsFetcher
	ResolveContainer ContainerResolver
	Store            persistence.Store
	Reporter         *report.Reporter
	Bus              bus.EventBus
	Logger           *logger.Logger

	// PreviousAcpSessionID and PreviousAgentType seed conversation
	// resumption when the host is rehydrated from storage.
	PreviousAcpSessionID string
	PreviousAgentType    string

	// OnSuspend is called after an idle auto-suspend completes.
	OnSuspend func(workspaceID, sessionID string)
}

// Host manages a single agent conversation independently of any browser
// connection. It owns the agent subprocess, the ACP transport, and the
// replay buffer. Any number of viewers can attach; the agent lives until
// Stop or Suspend.
type Host struct {
	config HostConfig
	logger *logger.Logger

	// Agent state (guarded by mu)
	mu             sync.RWMutex
	process        agentProcess
	rpc            *jsonrpc.Client
	agentType      string
	acpSessionID   string
	restartCount   int
	permissionMode string
	status         HostStatus
	statusErr      string

	// Viewers and the auto-suspend timer (guarded by viewerMu)
	viewerMu     sync.RWMutex
	viewers      map[string]*Viewer
	suspendTimer *time.Timer

	buf *replayBuffer

	// Prompt lifecycle. promptMu is the serialization gate; promptCancelMu
	// guards the cancel func separately so CancelPrompt never waits on a
	// blocked prompt.
	promptMu       sync.Mutex
	promptInFlight bool
	promptSeq      uint64
	promptCancelMu sync.Mutex
	promptCancel   context.CancelFunc
	activePromptID uint64

	stderr *stderrRing

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHost creates a Host in HostIdle. Call SelectAgent to start an agent.
func NewHost(cfg HostConfig) *Host {
	if cfg.Session.MessageBufferSize <= 0 {
		cfg.Session.MessageBufferSize = 5000
	}
	if cfg.Session.ViewerSendBuffer <= 0 {
		cfg.Session.ViewerSendBuffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Host{
		config: cfg,
		logger: cfg.Logger.WithFields(
			zap.String("component", "session-host"),
			zap.String("workspace_id", cfg.WorkspaceID),
			zap.String("session_id", cfg.SessionID)),
		status:  HostIdle,
		viewers: make(map[string]*Viewer),
		buf:     newReplayBuffer(cfg.Session.MessageBufferSize),
		stderr:  newStderrRing(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Status returns the current lifecycle state.
func (h *Host) Status() HostStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// AgentType returns the selected agent type, or empty.
func (h *Host) AgentType() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.agentType
}

// AcpSessionID returns the agent-assigned conversation id, or empty.
func (h *Host) AcpSessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.acpSessionID
}

// ViewerCount returns the number of attached viewers.
func (h *Host) ViewerCount() int {
	h.viewerMu.RLock()
	defer h.viewerMu.RUnlock()
	return len(h.viewers)
}

// IsPrompting reports whether a prompt is in flight.
func (h *Host) IsPrompting() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status == HostPrompting
}

// AttachViewer registers a WebSocket connection as a viewer. The attach
// protocol is: session_state with the replay count, every buffered
// message in order, session_replay_complete, then a fresh session_state
// with replayCount 0 so a status change during replay cannot leave the
// browser stale. Returns nil if the host is stopped.
func (h *Host) AttachViewer(id string, conn *websocket.Conn) *Viewer {
	h.mu.RLock()
	if h.status == HostStopped {
		h.mu.RUnlock()
		return nil
	}
	status := h.status
	agentType := h.agentType
	statusErr := h.statusErr
	h.mu.RUnlock()

	viewer := &Viewer{
		ID:     id,
		conn:   conn,
		sendCh: make(chan []byte, h.config.Session.ViewerSendBuffer),
		done:   make(chan struct{}),
	}

	go h.viewerWritePump(viewer)

	h.viewerMu.Lock()
	h.viewers[id] = viewer
	if h.suspendTimer != nil {
		h.suspendTimer.Stop()
		h.suspendTimer = nil
		h.logger.Info("auto-suspend timer cancelled, viewer attached")
	}
	h.viewerMu.Unlock()

	h.logger.Info("viewer attached",
		zap.String("viewer_id", id),
		zap.Int("total_viewers", h.ViewerCount()))

	h.sendToViewerPriority(viewer, h.marshalSessionState(status, agentType, statusErr, -1))
	h.replayToViewer(viewer)
	h.sendToViewerPriority(viewer, h.marshalControl(MsgSessionReplayDone, nil))

	// Post-replay authoritative snapshot. replayCount must be 0 here: a
	// non-zero value would make the browser re-enter replay mode and wipe
	// the messages it just received.
	status, agentType, statusErr = h.currentState()
	h.sendToViewerPriority(viewer, h.marshalSessionState(status, agentType, statusErr, 0))

	return viewer
}

// replayToViewer streams the buffered transcript to a new viewer using
// blocking sends, so replay cannot silently drop messages when the send
// channel fills faster than the write pump drains it.
func (h *Host) replayToViewer(viewer *Viewer) {
	messages := h.buf.Snapshot()

	for i, msg := range messages {
		if !h.sendToViewerWithTimeout(viewer, msg.Data, 5*time.Second) {
			h.logger.Warn("viewer replay aborted",
				zap.String("viewer_id", viewer.ID),
				zap.Int("delivered", i),
				zap.Int("total", len(messages)))
			return
		}
	}
}

// DetachViewer removes a viewer. The agent keeps running; when the last
// viewer leaves and IdleSuspendTimeout is positive, an auto-suspend timer
// starts.
func (h *Host) DetachViewer(viewerID string) {
	h.viewerMu.Lock()
	viewer, ok := h.viewers[viewerID]
	if ok {
		delete(h.viewers, viewerID)
	}
	remaining := len(h.viewers)

	if remaining == 0 && h.config.Session.IdleSuspendTimeout > 0 && h.suspendTimer == nil {
		h.suspendTimer = time.AfterFunc(h.config.Session.IdleSuspendTimeout, h.autoSuspend)
		h.logger.Info("auto-suspend timer started",
			zap.Duration("timeout", h.config.Session.IdleSuspendTimeout))
	}
	h.viewerMu.Unlock()

	if ok && viewer != nil {
		viewer.close()
		h.logger.Info("viewer detached",
			zap.String("viewer_id", viewerID),
			zap.Int("total_viewers", remaining))
	}
}

// autoSuspend fires from the suspend timer. Conditions are re-checked:
// a viewer may have attached, or a prompt may have started, since the
// timer was armed. The prompt status is read before viewerMu is taken
// so this path acquires mu and viewerMu in the usual order, never both
// at once.
func (h *Host) autoSuspend() {
	prompting := h.IsPrompting()

	h.viewerMu.Lock()
	h.suspendTimer = nil
	if len(h.viewers) > 0 {
		h.viewerMu.Unlock()
		h.logger.Info("auto-suspend aborted, viewers present")
		return
	}
	if prompting {
		h.suspendTimer = time.AfterFunc(h.config.Session.IdleSuspendTimeout, h.autoSuspend)
		h.viewerMu.Unlock()
		h.logger.Info("auto-suspend deferred, prompt in progress")
		return
	}
	h.viewerMu.Unlock()

	h.logger.Info("auto-suspending idle session")
	acpSessionID, agentType := h.Suspend()

	if h.config.OnSuspend != nil {
		h.config.OnSuspend(h.config.WorkspaceID, h.config.SessionID)
	}
	h.publishEvent("session.auto_suspended", map[string]interface{}{
		"acpSessionId": acpSessionID,
		"agentType":    agentType,
	})
}

// SelectAgent stops any current agent and starts the requested type:
// credential resolution, binary install check, subprocess launch, ACP
// handshake, and session creation or resumption. Errors land the host in
// HostError with the reason broadcast to every viewer.
func (h *Host) SelectAgent(ctx context.Context, agentType string) {
	h.mu.Lock()
	h.logger.Info("agent selection requested", zap.String("agent_type", agentType))

	previousAcpSessionID := h.acpSessionID
	previousAgentType := h.agentType
	if previousAcpSessionID == "" && h.config.PreviousAcpSessionID != "" {
		previousAcpSessionID = h.config.PreviousAcpSessionID
		h.config.PreviousAcpSessionID = ""
	}
	if previousAgentType == "" && h.config.PreviousAgentType != "" {
		previousAgentType = h.config.PreviousAgentType
		h.config.PreviousAgentType = ""
	}

	if h.process != nil {
		h.stopCurrentAgentLocked()
	}

	h.agentType = agentType
	h.restartCount = 0
	h.status = HostStarting
	h.statusErr = ""
	h.mu.Unlock()

	h.broadcastAgentStatus(StatusStarting, agentType, "")
	h.stderr.Reset()

	agentCfg, err := h.config.Registry.Get(agentType)
	if err != nil {
		h.failSelection(agentType, fmt.Sprintf("Unknown agent type %q", agentType), err)
		return
	}

	cred, err := h.config.Credentials.ResolveFirst(ctx, agentCfg.CredentialEnvVars)
	if err != nil {
		h.failSelection(agentType, fmt.Sprintf("No credential available for %s, check Settings", agentType), err)
		return
	}
	h.logger.Info("agent credential resolved",
		zap.String("agent_type", agentType),
		zap.String("kind", cred.Kind),
		zap.String("source", cred.Source))

	if err := h.ensureAgentInstalled(ctx, agentCfg); err != nil {
		h.failSelection(agentType, fmt.Sprintf("Failed to install %s: %v", agentCfg.Command, err), err)
		return
	}

	var settings *credentials.AgentSettings
	if h.config.Settings != nil {
		settings = h.config.Settings(ctx, agentType)
	}

	// Resume the previous conversation only when the same agent type is
	// coming back; a different agent cannot load another agent's session.
	loadSessionID := ""
	if previousAcpSessionID != "" && previousAgentType == agentType {
		loadSessionID = previousAcpSessionID
		h.logger.Info("will attempt session resume",
			zap.String("acp_session_id", loadSessionID))
	} else if previousAcpSessionID != "" {
		h.logger.Info("skipping session resume, agent type changed",
			zap.String("previous", previousAgentType),
			zap.String("requested", agentType))
	}

	h.mu.Lock()
	if err := h.startAgentLocked(ctx, agentCfg, cred, settings, loadSessionID); err != nil {
		h.status = HostError
		h.statusErr = err.Error()
		h.mu.Unlock()
		h.logger.Error("agent start failed", zap.Error(err))
		h.broadcastAgentStatus(StatusError, agentType, err.Error())
		return
	}
	h.status = HostReady
	h.statusErr = ""
	h.mu.Unlock()

	h.publishEvent("agent.ready", map[string]interface{}{"agentType": agentType})
	h.broadcastAgentStatus(StatusReady, agentType, "")
}

func (h *Host) failSelection(agentType, msg string, err error) {
	h.logger.Error("agent selection failed", zap.String("reason", msg), zap.Error(err))
	h.setStatus(HostError, msg)
	h.broadcastAgentStatus(StatusError, agentType, msg)
}

// startAgentLocked launches the subprocess and completes the ACP
// handshake. Must hold h.mu.
func (h *Host) startAgentLocked(ctx context.Context, agentCfg *registry.AgentTypeConfig, cred *credentials.Credential, settings *credentials.AgentSettings, previousAcpSessionID string) error {
	containerID, err := h.resolveContainer(ctx)
	if err != nil {
		return fmt.Errorf("resolve workspace container: %w", err)
	}

	// Workspace env vars are written during bootstrap but docker exec does
	// not inherit them; read the env file and pass them explicitly.
	env := supervisor.ReadContainerEnvFile(ctx, containerID, h.config.Session.ContainerEnvFile)
	env = append(env, credentials.BuildEnv(cred, nil)...)

	if settings != nil && settings.PermissionMode != "" {
		h.permissionMode = settings.PermissionMode
	} else {
		h.permissionMode = "default"
	}

	process, err := supervisor.Launch(ctx, supervisor.Spec{
		ContainerID:     containerID,
		User:            h.config.Session.ContainerUser,
		WorkDir:         h.config.Session.ContainerWorkDir,
		Env:             env,
		Command:         agentCfg.Command,
		Args:            agentCfg.Args,
		StopGracePeriod: h.config.Session.StopGracePeriod,
		StopTimeout:     h.config.Session.StopTimeout,
	}, h.config.Logger)
	if err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}
	h.process = process

	rpc := jsonrpc.NewClient(process.Stdin(), process.Stdout(), h.config.Logger)
	rpc.SetNotificationHandler(h.handleAgentNotification)
	rpc.SetRequestHandler(h.handleAgentRequest)
	rpc.Start(h.ctx)
	h.rpc = rpc

	go h.monitorStderr(process)
	go h.monitorProcessExit(ctx, process, agentCfg, cred, settings)

	initTimeout := h.config.Session.InitTimeout
	if initTimeout <= 0 {
		initTimeout = 30 * time.Second
	}
	initCtx, initCancel := context.WithTimeout(ctx, initTimeout)
	defer initCancel()

	initResp, err := rpc.Initialize(initCtx, protocol.ClientInfo{Name: "codedeck", Version: "1.0"})
	if err != nil {
		return fmt.Errorf("acp initialize: %w", err)
	}
	h.logger.Info("acp handshake complete",
		zap.Bool("supports_load_session", initResp.Capabilities.LoadSession))

	if previousAcpSessionID != "" && initResp.Capabilities.LoadSession {
		err := rpc.LoadSession(initCtx, previousAcpSessionID, h.config.Session.ContainerWorkDir, nil)
		if err == nil {
			h.acpSessionID = previousAcpSessionID
			h.logger.Info("previous conversation restored",
				zap.String("acp_session_id", previousAcpSessionID))
			h.persistAcpSessionIDLocked(agentCfg.ID)
			h.applySessionSettingsLocked(initCtx, settings)
			return nil
		}
		h.logger.Warn("session resume failed, starting fresh", zap.Error(err))
	} else if previousAcpSessionID != "" {
		h.logger.Info("agent does not support session resume, starting fresh")
	}

	sessionID, err := rpc.NewSession(initCtx, h.config.Session.ContainerWorkDir, nil)
	if err != nil {
		return fmt.Errorf("acp new session: %w", err)
	}
	h.acpSessionID = sessionID
	h.logger.Info("acp session created", zap.String("acp_session_id", sessionID))
	h.persistAcpSessionIDLocked(agentCfg.ID)
	h.applySessionSettingsLocked(initCtx, settings)
	return nil
}

// applySessionSettingsLocked pushes model and permission mode to the
// agent. Both calls are non-fatal. Must hold h.mu.
func (h *Host) applySessionSettingsLocked(ctx context.Context, settings *credentials.AgentSettings) {
	if settings == nil || h.rpc == nil || h.acpSessionID == "" {
		return
	}
	if settings.Model != "" {
		if err := h.rpc.SetSessionModel(ctx, h.acpSessionID, settings.Model); err != nil {
			h.logger.Warn("set session model failed", zap.String("model", settings.Model), zap.Error(err))
		}
	}
	if settings.PermissionMode != "" && settings.PermissionMode != "default" {
		if err := h.rpc.SetSessionMode(ctx, h.acpSessionID, settings.PermissionMode); err != nil {
			h.logger.Warn("set session mode failed", zap.String("mode", settings.PermissionMode), zap.Error(err))
		}
	}
}

// ensureAgentInstalled installs the ACP adapter on demand when the binary
// is missing from the container image.
func (h *Host) ensureAgentInstalled(ctx context.Context, agentCfg *registry.AgentTypeConfig) error {
	if agentCfg.InstallPackage == "" {
		return nil
	}

	containerID, err := h.resolveContainer(ctx)
	if err != nil {
		return fmt.Errorf("resolve workspace container: %w", err)
	}

	check := exec.CommandContext(ctx, "docker", "exec", containerID, "which", agentCfg.Command)
	if err := check.Run(); err == nil {
		return nil
	}

	h.broadcastAgentStatus(StatusInstalling, agentCfg.ID, "")
	h.logger.Info("installing agent binary",
		zap.String("package", agentCfg.InstallPackage))

	install := exec.CommandContext(ctx, "docker", "exec", containerID,
		"npm", "install", "-g", agentCfg.InstallPackage)
	if out, err := install.CombinedOutput(); err != nil {
		return fmt.Errorf("npm install %s: %v: %s", agentCfg.InstallPackage, err, truncate(string(out), 500))
	}
	return nil
}

// HandlePrompt routes a browser session/prompt request to the agent. Only
// one prompt runs at a time; rejected callers get a JSON-RPC error. The
// blocking Prompt call streams its session/update traffic independently
// through the notification handler.
func (h *Host) HandlePrompt(ctx context.Context, reqID json.RawMessage, params json.RawMessage, viewerID string) {
	h.mu.RLock()
	rpc := h.rpc
	sessionID := h.acpSessionID
	h.mu.RUnlock()

	if rpc == nil || sessionID == "" {
		h.logger.Warn("prompt received but no acp session active")
		h.sendJSONRPCErrorToViewer(viewerID, reqID, protocol.InternalError, "No ACP session active")
		return
	}

	var promptParams protocol.SessionPromptParams
	if err := json.Unmarshal(params, &promptParams); err != nil {
		h.sendJSONRPCErrorToViewer(viewerID, reqID, protocol.InvalidParams, "Invalid prompt params")
		return
	}

	var blocks []protocol.ContentBlock
	firstText := ""
	for _, p := range promptParams.Prompt {
		if p.Type == "text" && p.Text != "" {
			blocks = append(blocks, protocol.TextBlock(p.Text))
			if firstText == "" {
				firstText = p.Text
			}
		}
	}
	if len(blocks) == 0 {
		h.sendJSONRPCErrorToViewer(viewerID, reqID, protocol.InvalidParams, "Empty prompt")
		return
	}

	if firstText != "" {
		h.persistLastPrompt(firstText)
	}

	// Agents do not echo user input as session/update during live
	// prompts, only during session/load replay. Synthesize the chunks so
	// the replay buffer and transcript both carry the user's side.
	for _, block := range blocks {
		notif := protocol.NewUserMessageChunk(sessionID, block.Text)
		data, err := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  protocol.NotificationSessionUpdate,
			"params":  notif,
		})
		if err != nil {
			h.logger.Error("failed to marshal synthetic user chunk", zap.Error(err))
			continue
		}
		h.broadcast(data)
		h.enqueueTranscript(notif)
	}

	// The agent is actively working; an armed auto-suspend timer is stale.
	h.viewerMu.Lock()
	if h.suspendTimer != nil {
		h.suspendTimer.Stop()
		h.suspendTimer = nil
	}
	h.viewerMu.Unlock()

	promptTimeout := h.promptTimeout()
	promptCtx, promptCancel := context.WithTimeout(ctx, promptTimeout)
	promptID, ok := h.beginPrompt(promptCancel)
	if !ok {
		promptCancel()
		h.sendJSONRPCErrorToViewer(viewerID, reqID, protocol.InternalError, "Prompt already in progress")
		return
	}
	defer func() {
		h.endPrompt(promptID)
		promptCancel()
	}()

	// Watchdog for an agent that ignores cancellation and deadlines.
	promptDone := make(chan struct{})
	go h.watchPromptTimeout(promptID, promptCtx, promptDone, viewerID, reqID, promptTimeout)
	defer close(promptDone)

	h.setStatus(HostPrompting, "")
	h.broadcastControl(MsgSessionPrompting, nil)

	h.logger.Info("prompt started", zap.Int("blocks", len(blocks)))
	promptStart := time.Now()

	resp, err := rpc.Prompt(promptCtx, sessionID, blocks)

	// A force-stop may have ended this prompt while Prompt was blocked.
	if !h.isPromptActive(promptID) {
		return
	}

	h.setStatus(HostReady, "")
	h.broadcastControl(MsgSessionPromptDone, nil)

	if err != nil {
		errMsg := fmt.Sprintf("Prompt failed: %v", err)
		if promptCtx.Err() == context.DeadlineExceeded {
			errMsg = fmt.Sprintf("Prompt timed out after %s", promptTimeout)
		}
		h.logger.Error("prompt failed",
			zap.Duration("duration", time.Since(promptStart)),
			zap.Error(err))
		// Every tab shows the failure, not just the one that prompted.
		h.broadcast(h.marshalJSONRPCError(reqID, protocol.InternalError, errMsg))
		return
	}

	h.logger.Info("prompt completed",
		zap.String("stop_reason", resp.StopReason),
		zap.Duration("duration", time.Since(promptStart)))

	result, _ := json.Marshal(resp)
	data, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      reqID,
		"result":  json.RawMessage(result),
	})
	h.broadcast(data)
}

// CancelPrompt cancels the in-flight prompt, if any, and schedules a
// force-stop if the agent has not unwound within the grace period. Safe
// from any goroutine; never blocks on a running prompt.
func (h *Host) CancelPrompt() {
	h.promptCancelMu.Lock()
	cancelFn := h.promptCancel
	promptID := h.activePromptID
	h.promptCancelMu.Unlock()

	if cancelFn == nil {
		h.logger.Info("cancel requested with no prompt in flight")
		return
	}

	h.logger.Info("cancelling in-flight prompt")
	cancelFn()

	grace := h.config.Session.PromptCancelGracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}

	go func(id uint64, wait time.Duration) {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		<-timer.C
		h.forceStopIfStuck(id, fmt.Sprintf("Prompt cancel grace elapsed after %s", wait))
	}(promptID, grace)
}

// CancelSession forwards the session/cancel notification to the agent.
func (h *Host) CancelSession(reason string) {
	h.mu.RLock()
	rpc := h.rpc
	sessionID := h.acpSessionID
	h.mu.RUnlock()

	if rpc == nil || sessionID == "" {
		return
	}
	if err := rpc.Cancel(sessionID, reason); err != nil {
		h.logger.Warn("session cancel notify failed", zap.Error(err))
	}
}

// ForwardToAgent writes a raw browser JSON-RPC frame to the agent's stdin
// unchanged.
func (h *Host) ForwardToAgent(message []byte) {
	h.mu.RLock()
	rpc := h.rpc
	h.mu.RUnlock()

	if rpc == nil {
		h.logger.Warn("no agent running, dropping message")
		return
	}
	if err := rpc.WriteRaw(message); err != nil {
		h.logger.Error("failed to forward frame to agent", zap.Error(err))
	}
}

// SendPongToViewer answers an application-level ping. Pongs are transient
// and never enter the replay buffer.
func (h *Host) SendPongToViewer(viewerID string) {
	data, _ := json.Marshal(map[string]string{"type": string(MsgPong)})
	h.viewerMu.RLock()
	viewer, ok := h.viewers[viewerID]
	h.viewerMu.RUnlock()
	if ok {
		h.sendToViewerPriority(viewer, data)
	}
}

// Stop terminates the agent, disconnects all viewers, and marks the host
// stopped. Browser disconnects never call this.
func (h *Host) Stop() {
	h.mu.Lock()
	if h.status == HostStopped {
		h.mu.Unlock()
		return
	}
	h.status = HostStopped
	h.statusErr = ""
	h.stopCurrentAgentLocked()
	h.mu.Unlock()

	h.teardown("session stopped")
	h.publishEvent("session.stopped", nil)
}

// Suspend stops the agent process while preserving the ACP session id and
// agent type for later resumption via session/load. Returns what was
// preserved so the caller can persist it.
func (h *Host) Suspend() (acpSessionID, agentType string) {
	h.mu.Lock()
	if h.status == HostStopped {
		h.mu.Unlock()
		return "", ""
	}
	acpSessionID = h.acpSessionID
	agentType = h.agentType
	h.stopCurrentAgentLocked()
	h.status = HostStopped
	h.statusErr = ""
	h.mu.Unlock()

	if h.config.Store != nil {
		if err := h.config.Store.UpdateTabState(context.Background(), h.config.SessionID, persistence.TabStateSuspended); err != nil {
			h.logger.Error("failed to persist suspended state", zap.Error(err))
		}
	}

	h.logger.Info("session suspended",
		zap.String("acp_session_id", acpSessionID),
		zap.String("agent_type", agentType))
	h.teardown("session suspended")
	return acpSessionID, agentType
}

// teardown cancels the host context, clears the suspend timer, and closes
// every viewer with the given reason.
func (h *Host) teardown(reason string) {
	h.viewerMu.Lock()
	if h.suspendTimer != nil {
		h.suspendTimer.Stop()
		h.suspendTimer = nil
	}
	h.viewerMu.Unlock()

	h.cancel()

	h.viewerMu.Lock()
	for id, viewer := range h.viewers {
		viewer.close()
		_ = viewer.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
			time.Now().Add(5*time.Second),
		)
		_ = viewer.conn.Close()
		delete(h.viewers, id)
	}
	h.viewerMu.Unlock()
}

// stopCurrentAgentLocked stops the agent process and transport. Must hold
// h.mu.
func (h *Host) stopCurrentAgentLocked() {
	if h.rpc != nil {
		h.rpc.Close()
		h.rpc = nil
	}
	if h.process != nil {
		if err := h.process.Stop(); err != nil {
			h.logger.Error("agent stop failed", zap.Error(err))
		}
		h.process = nil
	}
	h.acpSessionID = ""
}

// --- broadcasting ---

// broadcast buffers a message for replay and fans it out to every viewer
// with non-blocking sends.
func (h *Host) broadcast(data []byte) {
	h.broadcastWithPriority(data, false)
}

func (h *Host) broadcastWithPriority(data []byte, priority bool) {
	h.buf.Append(data)

	h.viewerMu.RLock()
	for _, viewer := range h.viewers {
		if priority {
			h.sendToViewerPriority(viewer, data)
		} else {
			h.sendToViewer(viewer, data)
		}
	}
	h.viewerMu.RUnlock()
}

func (h *Host) broadcastAgentStatus(status AgentStatus, agentType, errMsg string) {
	data, _ := json.Marshal(AgentStatusMessage{
		Type:      MsgAgentStatus,
		Status:    status,
		AgentType: agentType,
		Error:     errMsg,
	})
	h.broadcastWithPriority(data, true)
}

func (h *Host) broadcastControl(msgType ControlMessageType, extra map[string]interface{}) {
	h.broadcastWithPriority(h.marshalControl(msgType, extra), true)
}

func (h *Host) sendJSONRPCErrorToViewer(viewerID string, reqID json.RawMessage, code int, message string) {
	data := h.marshalJSONRPCError(reqID, code, message)

	h.viewerMu.RLock()
	viewer, ok := h.viewers[viewerID]
	h.viewerMu.RUnlock()

	if ok {
		h.sendToViewerPriority(viewer, data)
	}
}

// --- marshaling ---

// marshalSessionState builds a session_state message. replayCountOverride
// of -1 uses the live buffer length.
func (h *Host) marshalSessionState(status HostStatus, agentType, errMsg string, replayCountOverride int) []byte {
	replayCount := replayCountOverride
	if replayCount < 0 {
		replayCount = h.buf.Len()
	}
	data, _ := json.Marshal(SessionStateMessage{
		Type:        MsgSessionState,
		Status:      string(status),
		AgentType:   agentType,
		Error:       errMsg,
		ReplayCount: replayCount,
	})
	return data
}

func (h *Host) marshalControl(msgType ControlMessageType, extra map[string]interface{}) []byte {
	msg := map[string]interface{}{"type": string(msgType)}
	for k, v := range extra {
		msg[k] = v
	}
	data, _ := json.Marshal(msg)
	return data
}

func (h *Host) marshalJSONRPCError(reqID json.RawMessage, code int, message string) []byte {
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
	if reqID != nil {
		resp["id"] = reqID
	}
	data, _ := json.Marshal(resp)
	return data
}

// --- prompt lifecycle ---

func (h *Host) promptTimeout() time.Duration {
	if h.config.Session.PromptTimeout > 0 {
		return h.config.Session.PromptTimeout
	}
	return 60 * time.Minute
}

func (h *Host) beginPrompt(cancel context.CancelFunc) (uint64, bool) {
	h.promptMu.Lock()
	defer h.promptMu.Unlock()
	if h.promptInFlight {
		return 0, false
	}
	h.promptInFlight = true
	promptID := atomic.AddUint64(&h.promptSeq, 1)

	h.promptCancelMu.Lock()
	h.promptCancel = cancel
	h.activePromptID = promptID
	h.promptCancelMu.Unlock()
	return promptID, true
}

// endPrompt releases the gate only while this prompt still owns it. A
// force-stop may have ended the prompt already and admitted a new one,
// in which case a late endPrompt must leave the gate alone.
func (h *Host) endPrompt(promptID uint64) {
	h.promptMu.Lock()
	h.promptCancelMu.Lock()
	if h.activePromptID == promptID {
		h.activePromptID = 0
		h.promptCancel = nil
		h.promptInFlight = false
	}
	h.promptCancelMu.Unlock()
	h.promptMu.Unlock()
}

func (h *Host) isPromptActive(promptID uint64) bool {
	h.promptCancelMu.Lock()
	defer h.promptCancelMu.Unlock()
	return h.activePromptID == promptID
}

func (h *Host) watchPromptTimeout(promptID uint64, promptCtx context.Context, done <-chan struct{}, viewerID string, reqID json.RawMessage, timeout time.Duration) {
	select {
	case <-done:
		return
	case <-promptCtx.Done():
		if promptCtx.Err() != context.DeadlineExceeded {
			return
		}
		msg := fmt.Sprintf("Prompt timed out after %s", timeout)
		h.sendJSONRPCErrorToViewer(viewerID, reqID, protocol.InternalError, msg)
		h.forceStopIfStuck(promptID, msg)
	}
}

// forceStopIfStuck kills the agent when a cancelled or timed-out prompt
// is still blocked. The prompt bookkeeping is cleared first so the late
// Prompt return is ignored.
func (h *Host) forceStopIfStuck(promptID uint64, reason string) {
	h.promptCancelMu.Lock()
	if h.activePromptID != promptID {
		h.promptCancelMu.Unlock()
		return
	}
	h.activePromptID = 0
	h.promptCancel = nil
	h.promptCancelMu.Unlock()

	h.promptMu.Lock()
	h.promptInFlight = false
	h.promptMu.Unlock()

	h.mu.Lock()
	agentType := h.agentType
	if h.status == HostPrompting {
		h.status = HostError
		h.statusErr = reason
	}
	h.stopCurrentAgentLocked()
	h.mu.Unlock()

	h.logger.Error("prompt force-stopped", zap.String("reason", reason))
	h.broadcastControl(MsgSessionPromptDone, nil)
	h.broadcastAgentStatus(StatusError, agentType, reason)
}

// --- helpers ---

func (h *Host) currentState() (HostStatus, string, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status, h.agentType, h.statusErr
}

func (h *Host) setStatus(status HostStatus, errMsg string) {
	h.mu.Lock()
	h.status = status
	h.statusErr = errMsg
	h.mu.Unlock()
}

func (h *Host) resolveContainer(ctx context.Context) (string, error) {
	if h.config.ResolveContainer == nil {
		return "", fmt.Errorf("no container resolver configured")
	}
	return h.config.ResolveContainer(ctx)
}

func (h *Host) fileMaxSize() int64 {
	if h.config.Session.FileMaxSize > 0 {
		return h.config.Session.FileMaxSize
	}
	return 1 << 20
}

// persistAcpSessionIDLocked records the agent-assigned session id so the
// conversation can be resumed after a restart. Must hold h.mu.
func (h *Host) persistAcpSessionIDLocked(agentType string) {
	if h.config.Store == nil || h.config.SessionID == "" || h.acpSessionID == "" {
		return
	}
	if err := h.config.Store.UpdateAcpSession(context.Background(), h.config.SessionID, h.acpSessionID, agentType); err != nil {
		h.logger.Error("failed to persist acp session id", zap.Error(err))
	}
}

// persistLastPrompt stamps the prompt time for idle tracking and stores a
// short preview of the prompt text for session list display.
func (h *Host) persistLastPrompt(text string) {
	if h.config.Store == nil || h.config.SessionID == "" {
		return
	}
	if err := h.config.Store.UpdateLastPrompt(context.Background(), h.config.SessionID, truncate(text, 200)); err != nil {
		h.logger.Error("failed to persist last prompt", zap.Error(err))
	}
}

func (h *Host) publishEvent(eventType string, data map[string]interface{}) {
	if h.config.Bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["workspaceId"] = h.config.WorkspaceID
	data["sessionId"] = h.config.SessionID

	event := bus.NewEvent(eventType, "session-host", data)
	if err := h.config.Bus.Publish(context.Background(), "sessions."+eventType, event); err != nil {
		h.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

func reportEntry(sessionID string, m ExtractedMessage) report.Message {
	return report.Message{
		MessageID:    m.MessageID,
		SessionID:    sessionID,
		Role:         m.Role,
		Content:      m.Content,
		ToolMetadata: m.ToolMetadata,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
