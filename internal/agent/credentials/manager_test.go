package credentials

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codedeck/codedeck/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

// staticProvider serves credentials from a fixed map.
type staticProvider struct {
	name  string
	creds map[string]string
	calls int
}

func (p *staticProvider) Name() string { return p.name }

func (p *staticProvider) GetCredential(_ context.Context, key string) (*Credential, error) {
	p.calls++
	if value, ok := p.creds[key]; ok {
		return &Credential{Key: key, Value: value, Kind: "api-key", Source: p.name}, nil
	}
	return nil, fmt.Errorf("not set: %s", key)
}

func TestGetCredential_ProviderOrder(t *testing.T) {
	m := NewManager(testLogger(t))
	first := &staticProvider{name: "first", creds: map[string]string{"KEY": "from-first"}}
	second := &staticProvider{name: "second", creds: map[string]string{"KEY": "from-second"}}
	m.AddProvider(first)
	m.AddProvider(second)

	cred, err := m.GetCredential(context.Background(), "KEY")
	require.NoError(t, err)
	assert.Equal(t, "from-first", cred.Value)
	assert.Equal(t, "first", cred.Source)
	assert.Zero(t, second.calls)
}

func TestGetCredential_FallsThroughChain(t *testing.T) {
	m := NewManager(testLogger(t))
	m.AddProvider(&staticProvider{name: "empty", creds: map[string]string{}})
	m.AddProvider(&staticProvider{name: "backing", creds: map[string]string{"KEY": "v"}})

	cred, err := m.GetCredential(context.Background(), "KEY")
	require.NoError(t, err)
	assert.Equal(t, "backing", cred.Source)

	_, err = m.GetCredential(context.Background(), "MISSING")
	assert.Error(t, err)
}

func TestGetCredential_Caches(t *testing.T) {
	m := NewManager(testLogger(t))
	p := &staticProvider{name: "p", creds: map[string]string{"KEY": "v"}}
	m.AddProvider(p)

	_, err := m.GetCredential(context.Background(), "KEY")
	require.NoError(t, err)
	_, err = m.GetCredential(context.Background(), "KEY")
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)

	m.ClearCache()
	_, err = m.GetCredential(context.Background(), "KEY")
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
}

func TestResolveFirst_PreferenceOrder(t *testing.T) {
	m := NewManager(testLogger(t))
	m.AddProvider(&staticProvider{name: "p", creds: map[string]string{
		"ANTHROPIC_API_KEY": "key",
	}})

	cred, err := m.ResolveFirst(context.Background(), []string{"CLAUDE_CODE_OAUTH_TOKEN", "ANTHROPIC_API_KEY"})
	require.NoError(t, err)
	assert.Equal(t, "ANTHROPIC_API_KEY", cred.Key)

	_, err = m.ResolveFirst(context.Background(), []string{"NOPE_A", "NOPE_B"})
	assert.Error(t, err)
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "direct")
	t.Setenv("CODEDECK_GEMINI_API_KEY", "prefixed")

	p := NewEnvProvider("CODEDECK_")

	cred, err := p.GetCredential(context.Background(), "ANTHROPIC_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "direct", cred.Value)
	assert.Equal(t, "api-key", cred.Kind)

	cred, err = p.GetCredential(context.Background(), "GEMINI_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cred.Value)
	assert.Equal(t, "GEMINI_API_KEY", cred.Key)

	_, err = p.GetCredential(context.Background(), "UNSET_KEY")
	assert.Error(t, err)
}

func TestKindFor(t *testing.T) {
	assert.Equal(t, "oauth-token", kindFor("CLAUDE_CODE_OAUTH_TOKEN"))
	assert.Equal(t, "api-key", kindFor("OPENAI_API_KEY"))
}

func TestBuildEnv(t *testing.T) {
	env := BuildEnv(&Credential{Key: "K", Value: "v"}, map[string]string{"EXTRA": "e"})
	sort.Strings(env)
	assert.Equal(t, []string{"EXTRA=e", "K=v"}, env)

	assert.Equal(t, []string{"A=1"}, BuildEnv(nil, map[string]string{"A": "1"}))
}
