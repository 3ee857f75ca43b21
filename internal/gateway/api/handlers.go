package api

import (
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/agent/registry"
	"github.com/codedeck/codedeck/internal/common/config"
	"github.com/codedeck/codedeck/internal/common/errors"
	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/gateway"
	"github.com/codedeck/codedeck/internal/persistence"
	"github.com/codedeck/codedeck/internal/session"
)

// Handler contains the HTTP handlers of the session host API.
type Handler struct {
	manager  *session.Manager
	registry *registry.Registry
	server   config.ServerConfig
	sessions config.SessionConfig
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the API handler.
func NewHandler(
	manager *session.Manager,
	reg *registry.Registry,
	serverCfg config.ServerConfig,
	sessionCfg config.SessionConfig,
	log *logger.Logger,
) *Handler {
	h := &Handler{
		manager:  manager,
		registry: reg,
		server:   serverCfg,
		sessions: sessionCfg,
		logger:   log.WithFields(zap.String("component", "gateway-api")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin validates the Origin header against the configured allow
// list. WebSocket upgrades bypass CORS, so this check is the only origin
// gate they get.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Same-origin or non-browser client.
		return true
	}
	for _, allowed := range h.server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	h.logger.Warn("websocket origin rejected", zap.String("origin", origin))
	return false
}

// matchWildcardOrigin matches patterns like "https://*.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// CreateSession creates a session tab.
// POST /api/v1/workspaces/:workspaceId/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	tab, err := h.manager.CreateTab(c.Request.Context(), workspaceID, req.Title, req.AgentType, req.IdempotencyKey)
	if err != nil {
		h.respondError(c, err, "failed to create session")
		return
	}
	c.JSON(http.StatusCreated, h.tabToResponse(tab))
}

// ListSessions lists the tabs of a workspace.
// GET /api/v1/workspaces/:workspaceId/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	tabs, err := h.manager.ListTabs(c.Request.Context(), workspaceID)
	if err != nil {
		h.respondError(c, err, "failed to list sessions")
		return
	}

	sessions := make([]SessionTabResponse, 0, len(tabs))
	for _, tab := range tabs {
		sessions = append(sessions, h.tabToResponse(tab))
	}
	c.JSON(http.StatusOK, SessionsListResponse{Sessions: sessions, Total: len(sessions)})
}

// GetSession returns one tab.
// GET /api/v1/workspaces/:workspaceId/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	tab, err := h.manager.GetTab(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err, "failed to get session")
		return
	}
	if tab.WorkspaceID != c.Param("workspaceId") {
		appErr := errors.NotFound("session tab", c.Param("sessionId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, h.tabToResponse(tab))
}

// SuspendSession suspends a tab's live host, preserving the conversation.
// POST /api/v1/workspaces/:workspaceId/sessions/:sessionId/suspend
func (h *Handler) SuspendSession(c *gin.Context) {
	err := h.manager.SuspendTab(c.Request.Context(), c.Param("workspaceId"), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err, "failed to suspend session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session suspended"})
}

// CloseSession stops the host and deletes the tab.
// DELETE /api/v1/workspaces/:workspaceId/sessions/:sessionId
func (h *Handler) CloseSession(c *gin.Context) {
	err := h.manager.CloseTab(c.Request.Context(), c.Param("workspaceId"), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err, "failed to close session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session closed"})
}

// ListAgentTypes returns the agent catalog.
// GET /api/v1/agents/types
func (h *Handler) ListAgentTypes(c *gin.Context) {
	configs := h.registry.List()
	types := make([]AgentTypeResponse, 0, len(configs))
	for _, cfg := range configs {
		types = append(types, agentTypeToResponse(cfg))
	}
	c.JSON(http.StatusOK, AgentTypesListResponse{Types: types, Total: len(types)})
}

// GetAgentType returns one agent type.
// GET /api/v1/agents/types/:typeId
func (h *Handler) GetAgentType(c *gin.Context) {
	cfg, err := h.registry.Get(c.Param("typeId"))
	if err != nil {
		appErr := errors.NotFound("agent type", c.Param("typeId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, agentTypeToResponse(cfg))
}

// HealthCheck returns health status.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// HandleWebSocket attaches a viewer to a session host and relays frames
// until the connection drops.
// GET /ws/:workspaceId/:sessionId
func (h *Handler) HandleWebSocket(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	sessionID := c.Param("sessionId")

	host, err := h.manager.GetOrCreateHost(c.Request.Context(), workspaceID, sessionID)
	if err != nil {
		h.respondError(c, err, "failed to open session")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	viewerID := uuid.NewString()
	viewer := host.AttachViewer(viewerID, conn)
	if viewer == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session stopped"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	h.logger.Info("viewer connected",
		zap.String("workspace_id", workspaceID),
		zap.String("session_id", sessionID),
		zap.String("viewer_id", viewerID))

	relay := gateway.NewRelay(host, viewer, conn, h.sessions, h.logger)
	relay.Run(c.Request.Context())

	host.DetachViewer(viewerID)
	h.logger.Info("viewer disconnected",
		zap.String("session_id", sessionID),
		zap.String("viewer_id", viewerID))
}

// respondError maps an error to an HTTP response, preserving AppError
// codes and statuses.
func (h *Handler) respondError(c *gin.Context, err error, logMsg string) {
	h.logger.Error(logMsg, zap.Error(err))
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	appErr = errors.InternalError(logMsg, err)
	c.JSON(appErr.HTTPStatus, appErr)
}

// tabToResponse overlays live host status on a durable tab record.
func (h *Handler) tabToResponse(tab *persistence.SessionTab) SessionTabResponse {
	resp := SessionTabResponse{
		ID:          tab.ID,
		WorkspaceID: tab.WorkspaceID,
		Title:       tab.Title,
		AgentType:   tab.AgentType,
		State:       tab.State,
		Resumable:   tab.AcpSessionID != "",
		CreatedAt:   tab.CreatedAt,
		UpdatedAt:   tab.UpdatedAt,
		LastPrompt:  tab.LastPrompt,
	}
	if !tab.LastPromptAt.IsZero() {
		t := tab.LastPromptAt
		resp.LastPromptAt = &t
	}
	if host := h.manager.GetHost(tab.WorkspaceID, tab.ID); host != nil {
		resp.HostStatus = string(host.Status())
		resp.Viewers = host.ViewerCount()
	}
	return resp
}

func agentTypeToResponse(cfg *registry.AgentTypeConfig) AgentTypeResponse {
	return AgentTypeResponse{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Description: cfg.Description,
		Command:     cfg.Command,
		Enabled:     cfg.Enabled,
	}
}
