package session

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/agent/credentials"
	"github.com/codedeck/codedeck/internal/agent/registry"
)

const (
	// rapidExitWindow: an agent that dies this fast never worked, so it is
	// reported as a startup crash instead of being restarted.
	rapidExitWindow = 5 * time.Second
	// stderrRingCap bounds retained stderr; stderrReportLimit bounds how
	// much of it goes into user-facing error messages.
	stderrRingCap     = 4096
	stderrReportLimit = 500
)

// stderrRing collects agent stderr up to a fixed cap for crash reports.
type stderrRing struct {
	mu  sync.Mutex
	buf strings.Builder
}

func newStderrRing() *stderrRing {
	return &stderrRing{}
}

func (r *stderrRing) Write(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf.Len() >= stderrRingCap {
		return
	}
	if r.buf.Len() > 0 {
		r.buf.WriteByte('\n')
	}
	r.buf.WriteString(line)
}

func (r *stderrRing) Drain() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.buf.String()
	r.buf.Reset()
	return s
}

func (r *stderrRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Reset()
}

// monitorStderr streams the agent's stderr into the ring and the log.
func (h *Host) monitorStderr(process agentProcess) {
	scanner := bufio.NewScanner(process.Stderr())
	for scanner.Scan() {
		line := scanner.Text()
		h.logger.Warn("agent stderr", zap.String("line", line))
		h.stderr.Write(line)
	}
}

// monitorProcessExit watches for agent death and decides between a fatal
// startup-crash report and an automatic restart. A rapid exit is reported
// before the ownership check so even a replaced process leaves evidence.
func (h *Host) monitorProcessExit(ctx context.Context, process agentProcess, agentCfg *registry.AgentTypeConfig, cred *credentials.Credential, settings *credentials.AgentSettings) {
	err := process.Wait()

	// Give monitorStderr a moment to drain the pipe.
	time.Sleep(100 * time.Millisecond)
	stderrOutput := h.stderr.Drain()

	uptime := process.Uptime()
	exitInfo := "exit=0"
	if err != nil {
		exitInfo = fmt.Sprintf("exit=%v", err)
	}
	h.logger.Info("agent process exited",
		zap.String("agent_type", agentCfg.ID),
		zap.Duration("uptime", uptime.Round(time.Millisecond)),
		zap.String("exit_info", exitInfo),
		zap.Int("stderr_bytes", len(stderrOutput)))

	isRapidExit := uptime < rapidExitWindow
	if isRapidExit {
		h.logger.Error("agent rapid exit",
			zap.String("agent_type", agentCfg.ID),
			zap.String("stderr", truncate(stderrOutput, stderrReportLimit)))
		h.publishEvent("agent.crashed", map[string]interface{}{
			"agentType": agentCfg.ID,
			"uptime":    uptime.String(),
			"rapid":     true,
		})
	}

	h.mu.Lock()
	if h.process != process {
		h.mu.Unlock()
		h.logger.Info("process replaced, monitor exiting")
		return
	}
	if h.status == HostStopped {
		h.mu.Unlock()
		return
	}

	if isRapidExit {
		h.process = nil
		h.rpc = nil
		h.acpSessionID = ""
		h.status = HostError
		errMsg := fmt.Sprintf("Agent %s crashed on startup (exited in %v, %s)",
			agentCfg.ID, uptime.Round(time.Millisecond), exitInfo)
		if stderrOutput != "" {
			errMsg = fmt.Sprintf("%s: %s", errMsg, truncate(stderrOutput, stderrReportLimit))
		}
		h.statusErr = errMsg
		h.mu.Unlock()
		h.broadcastAgentStatus(StatusError, agentCfg.ID, errMsg)
		return
	}

	h.restartCount++
	maxRestarts := h.config.Session.MaxRestartAttempts
	if maxRestarts == 0 {
		maxRestarts = 3
	}
	if h.restartCount > maxRestarts {
		h.process = nil
		h.rpc = nil
		h.acpSessionID = ""
		h.status = HostError
		crashMsg := "Agent crashed and could not be restarted"
		if stderrOutput != "" {
			crashMsg = fmt.Sprintf("%s: %s", crashMsg, truncate(stderrOutput, stderrReportLimit))
		}
		h.statusErr = crashMsg
		attempt := h.restartCount
		h.mu.Unlock()
		h.logger.Error("agent exceeded max restart attempts",
			zap.Int("attempts", attempt-1),
			zap.Int("max", maxRestarts))
		h.broadcastAgentStatus(StatusError, agentCfg.ID, crashMsg)
		h.publishEvent("agent.restart_exhausted", map[string]interface{}{
			"agentType": agentCfg.ID,
		})
		return
	}

	attempt := h.restartCount
	h.process = nil
	h.rpc = nil
	h.acpSessionID = ""
	h.status = HostStarting
	h.mu.Unlock()

	h.logger.Info("attempting agent restart",
		zap.Int("attempt", attempt),
		zap.Int("max", maxRestarts))
	h.broadcastAgentStatus(StatusRestarting, agentCfg.ID, "")

	time.Sleep(time.Second)

	h.mu.Lock()
	if h.status == HostStopped {
		h.mu.Unlock()
		return
	}
	// Restart always starts a fresh conversation; the crashed process may
	// have left the previous one in an unknown state.
	if err := h.startAgentLocked(ctx, agentCfg, cred, settings, ""); err != nil {
		h.status = HostError
		h.statusErr = err.Error()
		h.mu.Unlock()
		h.logger.Error("agent restart failed", zap.Error(err))
		h.broadcastAgentStatus(StatusError, agentCfg.ID, err.Error())
		return
	}
	h.status = HostReady
	h.statusErr = ""
	h.mu.Unlock()

	h.broadcastAgentStatus(StatusReady, agentCfg.ID, "")
	h.publishEvent("agent.restarted", map[string]interface{}{
		"agentType": agentCfg.ID,
		"attempt":   attempt,
	})
}
