// Package credentials resolves API keys and OAuth tokens for ACP agents
// before they are injected into the workspace container environment.
package credentials

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/logger"
)

// Credential is one resolved secret destined for an agent environment
// variable. The value is never logged.
type Credential struct {
	Key    string // Environment variable name (e.g. ANTHROPIC_API_KEY)
	Value  string
	Kind   string // "api-key" or "oauth-token"
	Source string // Provider that resolved it
}

// Provider resolves credentials from one secret source.
type Provider interface {
	// GetCredential retrieves a credential by environment variable name.
	GetCredential(ctx context.Context, key string) (*Credential, error)

	// Name returns the provider name for logging.
	Name() string
}

// Manager resolves credentials through an ordered provider chain with a
// per-process cache.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
	cache     map[string]*Credential
	logger    *logger.Logger
}

// NewManager creates a manager with no providers registered.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		providers: make([]Provider, 0),
		cache:     make(map[string]*Credential),
		logger:    log.WithFields(zap.String("component", "credentials")),
	}
}

// AddProvider appends a provider to the resolution chain. Providers are
// consulted in registration order.
func (m *Manager) AddProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers = append(m.providers, p)
	m.logger.Info("added credential provider", zap.String("provider", p.Name()))
}

// GetCredential resolves a credential, consulting the cache first.
func (m *Manager) GetCredential(ctx context.Context, key string) (*Credential, error) {
	m.mu.RLock()
	if cred, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return cred, nil
	}
	providers := m.providers
	m.mu.RUnlock()

	for _, p := range providers {
		cred, err := p.GetCredential(ctx, key)
		if err != nil {
			continue
		}
		m.mu.Lock()
		m.cache[key] = cred
		m.mu.Unlock()
		m.logger.Debug("credential resolved",
			zap.String("key", key),
			zap.String("source", cred.Source))
		return cred, nil
	}

	return nil, fmt.Errorf("credentials: not found: %s", key)
}

// ResolveFirst tries each key in order and returns the first credential
// any provider can supply. Agent types list their accepted environment
// variables in preference order, so the first hit wins.
func (m *Manager) ResolveFirst(ctx context.Context, keys []string) (*Credential, error) {
	for _, key := range keys {
		cred, err := m.GetCredential(ctx, key)
		if err == nil {
			return cred, nil
		}
	}
	return nil, fmt.Errorf("credentials: none of %v available", keys)
}

// BuildEnv renders a resolved credential plus extra variables as
// KEY=value pairs for process injection.
func BuildEnv(cred *Credential, extra map[string]string) []string {
	env := make([]string, 0, len(extra)+1)
	if cred != nil {
		env = append(env, fmt.Sprintf("%s=%s", cred.Key, cred.Value))
	}
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// ClearCache discards cached credentials, forcing re-resolution. Called
// after an agent fails its handshake with an auth-looking error.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = make(map[string]*Credential)
	m.logger.Debug("credential cache cleared")
}
