package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/logger"
)

// AgentSettings are per-user preferences fetched alongside the credential.
// Every field is optional; zero values mean "agent default".
type AgentSettings struct {
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// ControlPlaneProvider fetches decrypted agent credentials from the
// control plane over HTTPS with bearer authentication. The workspace
// token scopes what the node may read.
type ControlPlaneProvider struct {
	endpoint    string
	workspaceID string
	token       string
	httpClient  *http.Client
	logger      *logger.Logger

	// keyToAgentType maps credential env var names back to the agent type
	// the control plane indexes credentials by.
	keyToAgentType map[string]string
}

// NewControlPlaneProvider creates a control-plane-backed provider.
// keyToAgentType maps env var names (ANTHROPIC_API_KEY) to the agent type
// identifiers the control plane stores credentials under (claude-code).
func NewControlPlaneProvider(endpoint, workspaceID, token string, keyToAgentType map[string]string, log *logger.Logger) *ControlPlaneProvider {
	return &ControlPlaneProvider{
		endpoint:       endpoint,
		workspaceID:    workspaceID,
		token:          token,
		httpClient:     &http.Client{Timeout: 15 * time.Second},
		logger:         log.WithFields(zap.String("component", "controlplane-credentials")),
		keyToAgentType: keyToAgentType,
	}
}

// Name returns the provider name.
func (p *ControlPlaneProvider) Name() string {
	return "control-plane"
}

// GetCredential fetches the decrypted credential for the agent type that
// owns the given environment variable. A 404 means no credential is
// configured for the user.
func (p *ControlPlaneProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	agentType, ok := p.keyToAgentType[key]
	if !ok {
		return nil, fmt.Errorf("credentials: no agent type owns %s", key)
	}

	url := fmt.Sprintf("%s/api/v1/workspaces/%s/agent-key", p.endpoint, p.workspaceID)
	var result struct {
		APIKey         string `json:"apiKey"`
		CredentialKind string `json:"credentialKind"`
	}
	if err := p.post(ctx, url, map[string]string{"agentType": agentType}, &result); err != nil {
		return nil, err
	}

	if result.APIKey == "" {
		return nil, fmt.Errorf("credentials: empty credential for %s", agentType)
	}
	if result.CredentialKind == "" {
		result.CredentialKind = "api-key"
	}

	return &Credential{
		Key:    key,
		Value:  result.APIKey,
		Kind:   result.CredentialKind,
		Source: "control-plane",
	}, nil
}

// FetchSettings retrieves the user's agent settings. Failures are
// non-fatal; callers fall back to agent defaults on nil.
func (p *ControlPlaneProvider) FetchSettings(ctx context.Context, agentType string) *AgentSettings {
	url := fmt.Sprintf("%s/api/v1/workspaces/%s/agent-settings", p.endpoint, p.workspaceID)

	var settings AgentSettings
	if err := p.post(ctx, url, map[string]string{"agentType": agentType}, &settings); err != nil {
		p.logger.Warn("agent settings unavailable, using defaults",
			zap.String("agent_type", agentType),
			zap.Error(err))
		return nil
	}

	p.logger.Info("fetched agent settings",
		zap.String("agent_type", agentType),
		zap.String("model", settings.Model),
		zap.String("permission_mode", settings.PermissionMode))
	return &settings
}

func (p *ControlPlaneProvider) post(ctx context.Context, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("credentials: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("credentials: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("credentials: control plane request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("credentials: not configured")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("credentials: control plane returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("credentials: decode response: %w", err)
	}
	return nil
}
