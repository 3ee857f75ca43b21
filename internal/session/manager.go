package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/agent/credentials"
	"github.com/codedeck/codedeck/internal/agent/registry"
	"github.com/codedeck/codedeck/internal/common/config"
	"github.com/codedeck/codedeck/internal/common/errors"
	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/events/bus"
	"github.com/codedeck/codedeck/internal/persistence"
	"github.com/codedeck/codedeck/internal/report"
)

// ManagerDeps collects the collaborators shared by every Host.
type ManagerDeps struct {
	Session          config.SessionConfig
	Registry         *registry.Registry
	Credentials      *credentials.Manager
	Settings         SettingsFetcher
	ResolveContainer func(ctx context.Context, workspaceID string) (string, error)
	Store            persistence.Store
	Reporter         *report.Reporter
	Bus              bus.EventBus
	Logger           *logger.Logger
}

// Manager owns the live Hosts on this node, keyed by workspace and tab,
// and the durable tab records behind them. A suspended or stopped host is
// removed from the registry; the next attach rehydrates it from storage
// with its preserved ACP session id.
type Manager struct {
	deps   ManagerDeps
	logger *logger.Logger

	mu    sync.Mutex
	hosts map[string]*Host
}

// NewManager creates an empty host registry.
func NewManager(deps ManagerDeps) *Manager {
	return &Manager{
		deps:   deps,
		logger: deps.Logger.WithFields(zap.String("component", "session-manager")),
		hosts:  make(map[string]*Host),
	}
}

func hostKey(workspaceID, sessionID string) string {
	return workspaceID + ":" + sessionID
}

// CreateTab creates a durable tab record. A repeated call with the same
// idempotency key returns the original tab instead of a duplicate, so a
// browser retry cannot fork the conversation.
func (m *Manager) CreateTab(ctx context.Context, workspaceID, title, agentType, idempotencyKey string) (*persistence.SessionTab, error) {
	if workspaceID == "" {
		return nil, errors.BadRequest("workspace id is required")
	}

	if existing, err := m.deps.Store.FindTabByIdempotencyKey(ctx, workspaceID, idempotencyKey); err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	} else if existing != nil {
		m.logger.Info("tab create deduplicated",
			zap.String("tab_id", existing.ID),
			zap.String("idempotency_key", idempotencyKey))
		return existing, nil
	}

	tab := &persistence.SessionTab{
		WorkspaceID:    workspaceID,
		Title:          title,
		AgentType:      agentType,
		IdempotencyKey: idempotencyKey,
	}
	if err := m.deps.Store.CreateTab(ctx, tab); err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}

	m.logger.Info("tab created",
		zap.String("workspace_id", workspaceID),
		zap.String("tab_id", tab.ID))
	return tab, nil
}

// GetTab returns a tab record.
func (m *Manager) GetTab(ctx context.Context, tabID string) (*persistence.SessionTab, error) {
	tab, err := m.deps.Store.GetTab(ctx, tabID)
	if err != nil {
		return nil, errors.NotFound("session tab", tabID)
	}
	return tab, nil
}

// ListTabs returns every tab for a workspace with live status overlaid.
func (m *Manager) ListTabs(ctx context.Context, workspaceID string) ([]*persistence.SessionTab, error) {
	return m.deps.Store.ListTabs(ctx, workspaceID)
}

// GetHost returns the live host for a tab, or nil when none is running.
func (m *Manager) GetHost(workspaceID, sessionID string) *Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hosts[hostKey(workspaceID, sessionID)]
}

// GetOrCreateHost returns the live host for a tab, creating one from the
// stored record when necessary. A stopped host in the registry is
// replaced, which is how suspended sessions resume: the fresh host
// carries the preserved ACP session id so SelectAgent can session/load.
func (m *Manager) GetOrCreateHost(ctx context.Context, workspaceID, sessionID string) (*Host, error) {
	key := hostKey(workspaceID, sessionID)

	m.mu.Lock()
	if host, ok := m.hosts[key]; ok && host.Status() != HostStopped {
		m.mu.Unlock()
		return host, nil
	}
	m.mu.Unlock()

	tab, err := m.deps.Store.GetTab(ctx, sessionID)
	if err != nil {
		return nil, errors.NotFound("session tab", sessionID)
	}
	if tab.WorkspaceID != workspaceID {
		return nil, errors.BadRequest("session does not belong to workspace")
	}

	host := NewHost(HostConfig{
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		Session:     m.deps.Session,
		Registry:    m.deps.Registry,
		Credentials: m.deps.Credentials,
		Settings:    m.deps.Settings,
		ResolveContainer: func(ctx context.Context) (string, error) {
			return m.deps.ResolveContainer(ctx, workspaceID)
		},
		Store:                m.deps.Store,
		Reporter:             m.deps.Reporter,
		Bus:                  m.deps.Bus,
		Logger:               m.deps.Logger,
		PreviousAcpSessionID: tab.AcpSessionID,
		PreviousAgentType:    tab.AgentType,
		OnSuspend:            m.removeHost,
	})

	m.mu.Lock()
	// Re-check under lock: a concurrent attach may have won the race.
	if existing, ok := m.hosts[key]; ok && existing.Status() != HostStopped {
		m.mu.Unlock()
		host.Stop()
		return existing, nil
	}
	m.hosts[key] = host
	m.mu.Unlock()

	if tab.State == persistence.TabStateSuspended {
		if err := m.deps.Store.UpdateTabState(ctx, sessionID, persistence.TabStateActive); err != nil {
			m.logger.Warn("failed to reactivate tab", zap.Error(err))
		}
	}

	m.logger.Info("session host created",
		zap.String("workspace_id", workspaceID),
		zap.String("session_id", sessionID),
		zap.Bool("resumable", tab.AcpSessionID != ""))
	return host, nil
}

// removeHost drops a suspended host from the registry.
func (m *Manager) removeHost(workspaceID, sessionID string) {
	m.mu.Lock()
	delete(m.hosts, hostKey(workspaceID, sessionID))
	m.mu.Unlock()
}

// SuspendTab suspends a tab's host, preserving its conversation.
func (m *Manager) SuspendTab(ctx context.Context, workspaceID, sessionID string) error {
	m.mu.Lock()
	host, ok := m.hosts[hostKey(workspaceID, sessionID)]
	if ok {
		delete(m.hosts, hostKey(workspaceID, sessionID))
	}
	m.mu.Unlock()

	if !ok {
		return errors.NotFound("active session", sessionID)
	}

	acpSessionID, agentType := host.Suspend()
	m.logger.Info("tab suspended",
		zap.String("session_id", sessionID),
		zap.String("acp_session_id", acpSessionID),
		zap.String("agent_type", agentType))
	return nil
}

// CloseTab stops any live host and deletes the tab record.
func (m *Manager) CloseTab(ctx context.Context, workspaceID, sessionID string) error {
	m.mu.Lock()
	host, ok := m.hosts[hostKey(workspaceID, sessionID)]
	if ok {
		delete(m.hosts, hostKey(workspaceID, sessionID))
	}
	m.mu.Unlock()

	if ok {
		host.Stop()
	}
	if err := m.deps.Store.DeleteTab(ctx, sessionID); err != nil {
		return err
	}
	m.logger.Info("tab closed", zap.String("session_id", sessionID))
	return nil
}

// Shutdown suspends every live host so conversations survive a daemon
// restart.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	hosts := make([]*Host, 0, len(m.hosts))
	for key, host := range m.hosts {
		hosts = append(hosts, host)
		delete(m.hosts, key)
	}
	m.mu.Unlock()

	for _, host := range hosts {
		host.Suspend()
	}
	m.logger.Info("all session hosts suspended", zap.Int("count", len(hosts)))
}
