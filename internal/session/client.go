package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codedeck/codedeck/pkg/acp/protocol"
)

const fileExecTimeout = 30 * time.Second

// handleAgentNotification receives agent-to-client notifications from the
// transport read loop. session/update is re-wrapped as a JSON-RPC
// notification and broadcast to every viewer, then fed to the transcript
// extractor.
func (h *Host) handleAgentNotification(method string, params json.RawMessage) {
	if method != protocol.NotificationSessionUpdate {
		h.logger.Debug("ignoring agent notification", zap.String("method", method))
		return
	}

	data, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  protocol.NotificationSessionUpdate,
		"params":  params,
	})
	if err != nil {
		h.logger.Error("failed to marshal session update", zap.Error(err))
		return
	}
	h.broadcast(data)

	var notif protocol.SessionNotification
	if err := json.Unmarshal(params, &notif); err != nil {
		h.logger.Warn("unparseable session update, skipping extraction", zap.Error(err))
		return
	}
	h.enqueueTranscript(notif)
}

// enqueueTranscript reports extracted chat messages. Failures are logged
// and never block the broadcast path.
func (h *Host) enqueueTranscript(notif protocol.SessionNotification) {
	if h.config.Reporter == nil {
		return
	}
	for _, m := range ExtractMessages(notif) {
		if err := h.config.Reporter.Enqueue(reportEntry(h.config.SessionID, m)); err != nil {
			h.logger.Warn("transcript enqueue failed",
				zap.String("message_id", m.MessageID),
				zap.Error(err))
		}
	}
}

// handleAgentRequest serves requests the agent makes of the client:
// permission prompts and workspace file access. Terminal methods are not
// supported in this deployment.
func (h *Host) handleAgentRequest(ctx context.Context, method string, params json.RawMessage) (interface{}, *protocol.Error) {
	switch method {
	case protocol.MethodRequestPermission:
		return h.handlePermissionRequest(params)
	case protocol.MethodFsReadTextFile:
		return h.handleReadTextFile(ctx, params)
	case protocol.MethodFsWriteTextFile:
		return h.handleWriteTextFile(ctx, params)
	case protocol.MethodTerminalCreate, protocol.MethodTerminalOutput,
		protocol.MethodTerminalRelease, protocol.MethodTerminalWait,
		protocol.MethodTerminalKill:
		return nil, &protocol.Error{
			Code:    protocol.MethodNotFound,
			Message: fmt.Sprintf("%s not supported", method),
		}
	default:
		return nil, &protocol.Error{
			Code:    protocol.MethodNotFound,
			Message: fmt.Sprintf("unknown method %s", method),
		}
	}
}

// handlePermissionRequest surfaces the request to viewers for visibility
// and answers on their behalf. Until interactive approval lands in the
// browser, the first offered option is selected; with no options the
// request is cancelled.
func (h *Host) handlePermissionRequest(params json.RawMessage) (interface{}, *protocol.Error) {
	var req protocol.RequestPermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &protocol.Error{Code: protocol.InvalidParams, Message: "invalid permission params"}
	}

	data, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "permission/request",
		"params":  params,
	})
	if err == nil {
		h.broadcast(data)
	}

	h.logger.Info("permission request",
		zap.String("tool_call_id", req.ToolCall.ToolCallID),
		zap.Int("options", len(req.Options)))

	if len(req.Options) > 0 {
		return protocol.RequestPermissionResult{
			Outcome: protocol.PermissionOutcome{
				Outcome:  "selected",
				OptionID: req.Options[0].OptionID,
			},
		}, nil
	}
	return protocol.RequestPermissionResult{
		Outcome: protocol.PermissionOutcome{Outcome: "cancelled"},
	}, nil
}

func (h *Host) handleReadTextFile(ctx context.Context, params json.RawMessage) (interface{}, *protocol.Error) {
	var req protocol.FsReadTextFileParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &protocol.Error{Code: protocol.InvalidParams, Message: "invalid read params"}
	}
	if req.Path == "" {
		return nil, &protocol.Error{Code: protocol.InvalidParams, Message: "file path is required"}
	}
	if strings.ContainsRune(req.Path, 0) {
		return nil, &protocol.Error{Code: protocol.InvalidParams, Message: "file path contains null byte"}
	}

	containerID, err := h.resolveContainer(ctx)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.InternalError, Message: fmt.Sprintf("resolve container: %v", err)}
	}

	execCtx, cancel := context.WithTimeout(ctx, fileExecTimeout)
	defer cancel()

	content, stderr, err := execInContainer(execCtx, containerID, h.config.Session.ContainerUser, "cat", req.Path)
	if err != nil {
		h.logger.Error("read file failed",
			zap.String("path", req.Path),
			zap.String("stderr", stderr),
			zap.Error(err))
		return nil, &protocol.Error{Code: protocol.InternalError, Message: fmt.Sprintf("failed to read file %q: %v", req.Path, err)}
	}

	if int64(len(content)) > h.fileMaxSize() {
		return nil, &protocol.Error{Code: protocol.InvalidParams,
			Message: fmt.Sprintf("file %q exceeds maximum size of %d bytes", req.Path, h.fileMaxSize())}
	}

	content = applyLineLimit(content, req.Line, req.Limit)
	return protocol.FsReadTextFileResult{Content: content}, nil
}

func (h *Host) handleWriteTextFile(ctx context.Context, params json.RawMessage) (interface{}, *protocol.Error) {
	var req protocol.FsWriteTextFileParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &protocol.Error{Code: protocol.InvalidParams, Message: "invalid write params"}
	}
	if req.Path == "" {
		return nil, &protocol.Error{Code: protocol.InvalidParams, Message: "file path is required"}
	}
	if strings.ContainsRune(req.Path, 0) {
		return nil, &protocol.Error{Code: protocol.InvalidParams, Message: "file path contains null byte"}
	}
	if int64(len(req.Content)) > h.fileMaxSize() {
		return nil, &protocol.Error{Code: protocol.InvalidParams,
			Message: fmt.Sprintf("content exceeds maximum size of %d bytes", h.fileMaxSize())}
	}

	containerID, err := h.resolveContainer(ctx)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.InternalError, Message: fmt.Sprintf("resolve container: %v", err)}
	}

	execCtx, cancel := context.WithTimeout(ctx, fileExecTimeout)
	defer cancel()

	args := []string{"exec", "-i"}
	if h.config.Session.ContainerUser != "" {
		args = append(args, "-u", h.config.Session.ContainerUser)
	}
	args = append(args, containerID, "tee", req.Path)

	cmd := exec.CommandContext(execCtx, "docker", args...)
	cmd.Stdin = strings.NewReader(req.Content)

	var stderrBuf bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		h.logger.Error("write file failed",
			zap.String("path", req.Path),
			zap.String("stderr", strings.TrimSpace(stderrBuf.String())),
			zap.Error(err))
		return nil, &protocol.Error{Code: protocol.InternalError, Message: fmt.Sprintf("failed to write file %q: %v", req.Path, err)}
	}

	return protocol.FsWriteTextFileResult{}, nil
}

// execInContainer runs a command inside the container and returns its
// stdout and trimmed stderr.
func execInContainer(ctx context.Context, containerID, user string, command ...string) (string, string, error) {
	args := []string{"exec"}
	if user != "" {
		args = append(args, "-u", user)
	}
	args = append(args, containerID)
	args = append(args, command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), strings.TrimSpace(stderr.String()), err
}

// applyLineLimit trims file content to the requested one-based line window.
func applyLineLimit(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}

	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
		if start >= len(lines) {
			return ""
		}
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}
