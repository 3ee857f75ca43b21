package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves credentials from the host process environment.
// Used for local development where no control plane is configured.
type EnvProvider struct {
	prefix string // Optional prefix filter (e.g. "CODEDECK_")
}

// NewEnvProvider creates an environment-backed provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name returns the provider name.
func (p *EnvProvider) Name() string {
	return "environment"
}

// GetCredential looks up the variable by exact name, then with the
// configured prefix.
func (p *EnvProvider) GetCredential(_ context.Context, key string) (*Credential, error) {
	if value := os.Getenv(key); value != "" {
		return &Credential{Key: key, Value: value, Kind: kindFor(key), Source: "environment"}, nil
	}

	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return &Credential{Key: key, Value: value, Kind: kindFor(key), Source: "environment"}, nil
		}
	}

	return nil, fmt.Errorf("credentials: not set: %s", key)
}

// kindFor classifies a variable name so the launch path can log what kind
// of secret was injected without logging the value.
func kindFor(key string) string {
	if strings.Contains(strings.ToLower(key), "oauth") {
		return "oauth-token"
	}
	return "api-key"
}
