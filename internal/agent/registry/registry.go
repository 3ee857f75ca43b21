// Package registry manages the catalog of ACP agent types the session host
// can launch inside workspace containers.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/logger"
)

// AgentTypeConfig holds the launch configuration for one agent type.
type AgentTypeConfig struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Command     string   `json:"command"`        // ACP binary name inside the container
	Args        []string `json:"args,omitempty"` // Additional CLI arguments

	// CredentialEnvVars lists the environment variables that can carry the
	// agent's credential, in preference order. The first one with a value
	// from the credential provider is injected.
	CredentialEnvVars []string `json:"credential_env_vars"`

	// InstallPackage is the npm package that provides the ACP binary, used
	// for on-demand installation when the binary is missing. Empty means
	// the binary ships with the container image.
	InstallPackage string `json:"install_package,omitempty"`

	Enabled bool `json:"enabled"`
}

// Registry is a thread-safe catalog of agent types.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentTypeConfig
	logger *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*AgentTypeConfig),
		logger: log.WithFields(zap.String("component", "agent-registry")),
	}
}

// LoadDefaults registers the built-in agent catalog.
func (r *Registry) LoadDefaults() {
	for _, cfg := range DefaultAgents() {
		if err := r.Register(cfg); err != nil {
			r.logger.Warn("failed to register default agent",
				zap.String("agent_id", cfg.ID),
				zap.Error(err))
		}
	}
}

// Register adds an agent type to the catalog.
func (r *Registry) Register(cfg *AgentTypeConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("registry: agent id is required")
	}
	if cfg.Command == "" {
		return fmt.Errorf("registry: agent command is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[cfg.ID]; exists {
		return fmt.Errorf("registry: agent type already registered: %s", cfg.ID)
	}
	r.agents[cfg.ID] = cfg

	r.logger.Debug("registered agent type", zap.String("agent_id", cfg.ID))
	return nil
}

// Get returns the configuration for an agent type.
func (r *Registry) Get(id string) (*AgentTypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("registry: unknown agent type: %s", id)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("registry: agent type disabled: %s", id)
	}
	return cfg, nil
}

// List returns all enabled agent types.
func (r *Registry) List() []*AgentTypeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*AgentTypeConfig, 0, len(r.agents))
	for _, cfg := range r.agents {
		if cfg.Enabled {
			result = append(result, cfg)
		}
	}
	return result
}
